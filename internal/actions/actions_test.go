package actions

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/ragorch/internal/config"
	"github.com/fyrsmithlabs/ragorch/internal/embeddings"
	"github.com/fyrsmithlabs/ragorch/internal/storage"
	"github.com/fyrsmithlabs/ragorch/internal/vectorstore"
)

const testDims = 64

func newStore(t *testing.T, entities ...vectorstore.Entity) *vectorstore.Engine {
	t.Helper()
	ctx := context.Background()

	cfg := config.Default().VectorStore
	cfg.DataDir = storage.MemoryDSN
	cfg.VectorSize = testDims
	store, err := vectorstore.Open(ctx, cfg, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	items := make([]vectorstore.Indexable, len(entities))
	for i, e := range entities {
		items[i] = e
	}
	_, err = vectorstore.NewIndexer(store, embeddings.NewHashProvider(testDims), 2, nil).Index(ctx, items...)
	require.NoError(t, err)
	return store
}

func newRegistry(t *testing.T, store VectorStore) *Registry {
	t.Helper()
	r, err := NewRegistry(nil, Builtins(store)...)
	require.NoError(t, err)
	return r
}

var fixture = []vectorstore.Entity{
	{Type: "travel", ID: "t-1", Content: "travel to Lisbon"},
	{Type: "travel", ID: "t-2", Content: "travel to Porto"},
	{Type: "product", ID: "p-1", Content: "Orion gravel bike"},
}

func TestRegistry_Names(t *testing.T) {
	r := newRegistry(t, nil)
	assert.Equal(t, []string{ActionClearVectorIndex, ActionRemoveVector}, r.Names())

	h, ok := r.FindHandler(ActionRemoveVector)
	require.True(t, ok)
	assert.Equal(t, ActionRemoveVector, h.Name())

	_, ok = r.FindHandler("launch_rocket")
	assert.False(t, ok)
}

func TestRegistry_DuplicateHandler(t *testing.T) {
	_, err := NewRegistry(nil, &RemoveVector{}, &RemoveVector{})
	assert.ErrorIs(t, err, ErrDuplicateHandler)
}

func TestRegistry_UnknownAction(t *testing.T) {
	res := newRegistry(t, nil).Execute(context.Background(), "launch_rocket", nil, ActionContext{UserID: "u-1"})
	assert.False(t, res.Success)
	assert.Equal(t, ErrorCodeActionNotFound, res.ErrorCode)
	assert.Contains(t, res.Message, "launch_rocket")
}

func TestRegistry_RejectsInvalidParams(t *testing.T) {
	r := newRegistry(t, newStore(t))
	ctx := context.Background()

	res := r.Execute(ctx, ActionRemoveVector, map[string]any{"entityType": "travel"}, ActionContext{})
	assert.Equal(t, ErrorCodeActionNotAllowed, res.ErrorCode)

	res = r.Execute(ctx, ActionClearVectorIndex, map[string]any{"reason": "  "}, ActionContext{})
	assert.Equal(t, ErrorCodeActionNotAllowed, res.ErrorCode)
}

func TestRemoveVector_Idempotent(t *testing.T) {
	store := newStore(t, fixture...)
	r := newRegistry(t, store)
	ctx := context.Background()
	params := map[string]any{"entityType": "travel", "entityId": "t-1"}

	res := r.Execute(ctx, ActionRemoveVector, params, ActionContext{UserID: "u-1"})
	require.True(t, res.Success, res.Message)
	assert.Equal(t, true, res.Data["removed"])
	assert.Contains(t, res.Data["confirmation"], "travel/t-1")

	exists, err := store.VectorExists(ctx, "travel", "t-1")
	require.NoError(t, err)
	assert.False(t, exists)

	res = r.Execute(ctx, ActionRemoveVector, params, ActionContext{UserID: "u-1"})
	assert.True(t, res.Success)
	assert.Equal(t, false, res.Data["removed"])
	assert.Empty(t, res.ErrorCode)
}

func TestRemoveVector_AcceptsSnakeCaseAndNumericIDs(t *testing.T) {
	store := newStore(t, vectorstore.Entity{Type: "order", ID: "42", Content: "order 42"})
	res := newRegistry(t, store).Execute(context.Background(), ActionRemoveVector,
		map[string]any{"entity_type": "order", "entity_id": float64(42)}, ActionContext{})
	require.True(t, res.Success)
	assert.Equal(t, "42", res.Data["entityId"])
	assert.Equal(t, true, res.Data["removed"])
}

func TestClearVectorIndex(t *testing.T) {
	ctx := context.Background()

	t.Run("scoped", func(t *testing.T) {
		store := newStore(t, fixture...)
		res := newRegistry(t, store).Execute(ctx, ActionClearVectorIndex,
			map[string]any{"reason": "reset", "entityType": "travel"}, ActionContext{})
		require.True(t, res.Success, res.Message)
		assert.Equal(t, 2, res.Data["removed"])
		assert.Equal(t, "travel", res.Data["entityType"])

		n, err := store.Count(ctx, "travel")
		require.NoError(t, err)
		assert.Zero(t, n)
		n, err = store.Count(ctx, "product")
		require.NoError(t, err)
		assert.Equal(t, 1, n)
	})

	t.Run("all", func(t *testing.T) {
		store := newStore(t, fixture...)
		res := newRegistry(t, store).Execute(ctx, ActionClearVectorIndex,
			map[string]any{"reason": "rebuild"}, ActionContext{})
		require.True(t, res.Success)
		assert.Equal(t, 3, res.Data["removed"])
		assert.Contains(t, res.Data["confirmation"], "all entity types")

		n, err := store.Count(ctx, "")
		require.NoError(t, err)
		assert.Zero(t, n)
	})
}

type failingStore struct{}

var errStoreDown = errors.New("store down")

func (failingStore) RemoveVector(context.Context, string, string) (bool, error) {
	return false, errStoreDown
}
func (failingStore) ClearVectorsByEntityType(context.Context, string) (int, error) {
	return 0, errStoreDown
}
func (failingStore) ClearAllVectors(context.Context) (int, error) { return 0, errStoreDown }

func TestActions_StoreFailure(t *testing.T) {
	r := newRegistry(t, failingStore{})
	ctx := context.Background()

	res := r.Execute(ctx, ActionRemoveVector, map[string]any{"entityType": "a", "entityId": "b"}, ActionContext{})
	assert.False(t, res.Success)
	assert.Equal(t, ErrorCodeActionFailed, res.ErrorCode)
	assert.Contains(t, res.Message, "store down")

	res = r.Execute(ctx, ActionClearVectorIndex, map[string]any{"reason": "x"}, ActionContext{})
	assert.Equal(t, ErrorCodeActionFailed, res.ErrorCode)
}

type nilHandler struct{}

func (nilHandler) Name() string                                 { return "noop" }
func (nilHandler) ValidateActionAllowed(map[string]any) bool    { return true }
func (nilHandler) GetConfirmationMessage(map[string]any) string { return "" }
func (nilHandler) ExecuteAction(context.Context, map[string]any, ActionContext) *ActionResult {
	return nil
}

func TestRegistry_NilResultIsFailure(t *testing.T) {
	r, err := NewRegistry(nil, nilHandler{})
	require.NoError(t, err)
	res := r.Execute(context.Background(), "noop", nil, ActionContext{})
	assert.Equal(t, ErrorCodeActionFailed, res.ErrorCode)
}
