package actions

import (
	"context"
	"fmt"
	"strconv"
	"strings"
)

// Built-in action names.
const (
	ActionRemoveVector     = "remove_vector"
	ActionClearVectorIndex = "clear_vector_index"
)

// VectorStore is the part of the vector store the built-in actions use.
type VectorStore interface {
	RemoveVector(ctx context.Context, entityType, entityID string) (bool, error)
	ClearVectorsByEntityType(ctx context.Context, entityType string) (int, error)
	ClearAllVectors(ctx context.Context) (int, error)
}

// Builtins returns the built-in handlers bound to store.
func Builtins(store VectorStore) []Handler {
	return []Handler{&RemoveVector{store: store}, &ClearVectorIndex{store: store}}
}

// RemoveVector removes the vector of one entity. Removing an entity that
// has no vector succeeds.
type RemoveVector struct {
	store VectorStore
}

// Name implements Handler.
func (h *RemoveVector) Name() string { return ActionRemoveVector }

// ValidateActionAllowed requires entityType and entityId.
func (h *RemoveVector) ValidateActionAllowed(params map[string]any) bool {
	_, okType := stringParam(params, "entityType", "entity_type")
	_, okID := stringParam(params, "entityId", "entity_id")
	return okType && okID
}

// ExecuteAction implements Handler.
func (h *RemoveVector) ExecuteAction(ctx context.Context, params map[string]any, _ ActionContext) *ActionResult {
	entityType, _ := stringParam(params, "entityType", "entity_type")
	entityID, _ := stringParam(params, "entityId", "entity_id")

	removed, err := h.store.RemoveVector(ctx, entityType, entityID)
	if err != nil {
		return Failed("failed to remove vector for %s/%s: %v", entityType, entityID, err)
	}

	msg := fmt.Sprintf("Removed vector for %s/%s", entityType, entityID)
	if !removed {
		msg = fmt.Sprintf("No vector stored for %s/%s", entityType, entityID)
	}
	return &ActionResult{
		Success: true,
		Message: msg,
		Data: map[string]any{
			"entityType": entityType,
			"entityId":   entityID,
			"removed":    removed,
		},
	}
}

// GetConfirmationMessage implements Handler.
func (h *RemoveVector) GetConfirmationMessage(params map[string]any) string {
	entityType, _ := stringParam(params, "entityType", "entity_type")
	entityID, _ := stringParam(params, "entityId", "entity_id")
	return fmt.Sprintf("This removes the search index entry for %s/%s.", entityType, entityID)
}

// ClearVectorIndex removes every vector of one entity type, or all
// vectors when no entity type is given.
type ClearVectorIndex struct {
	store VectorStore
}

// Name implements Handler.
func (h *ClearVectorIndex) Name() string { return ActionClearVectorIndex }

// ValidateActionAllowed requires a reason.
func (h *ClearVectorIndex) ValidateActionAllowed(params map[string]any) bool {
	_, ok := stringParam(params, "reason")
	return ok
}

// ExecuteAction implements Handler.
func (h *ClearVectorIndex) ExecuteAction(ctx context.Context, params map[string]any, _ ActionContext) *ActionResult {
	reason, _ := stringParam(params, "reason")
	entityType, scoped := stringParam(params, "entityType", "entity_type")

	var (
		n   int
		err error
	)
	if scoped {
		n, err = h.store.ClearVectorsByEntityType(ctx, entityType)
	} else {
		n, err = h.store.ClearAllVectors(ctx)
	}
	if err != nil {
		return Failed("failed to clear vectors for %s: %v", scope(entityType), err)
	}

	data := map[string]any{"reason": reason, "removed": n}
	if scoped {
		data["entityType"] = entityType
	}
	return &ActionResult{
		Success: true,
		Message: fmt.Sprintf("Cleared %d vectors for %s", n, scope(entityType)),
		Data:    data,
	}
}

// GetConfirmationMessage implements Handler.
func (h *ClearVectorIndex) GetConfirmationMessage(params map[string]any) string {
	entityType, _ := stringParam(params, "entityType", "entity_type")
	reason, _ := stringParam(params, "reason")
	return fmt.Sprintf("This deletes every indexed vector for %s (reason: %s).", scope(entityType), reason)
}

func scope(entityType string) string {
	if entityType == "" {
		return "all entity types"
	}
	return "entity type " + entityType
}

// stringParam returns the first non-blank value among keys. Numbers are
// accepted for ids the model emitted unquoted.
func stringParam(params map[string]any, keys ...string) (string, bool) {
	for _, key := range keys {
		switch v := params[key].(type) {
		case string:
			if s := strings.TrimSpace(v); s != "" {
				return s, true
			}
		case float64:
			return strconv.FormatFloat(v, 'f', -1, 64), true
		case int:
			return strconv.Itoa(v), true
		}
	}
	return "", false
}
