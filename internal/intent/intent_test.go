package intent

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/ragorch/internal/llm"
)

const compoundOutput = "Here you go:\n```json\n" + `{
  "intents": [
    {"type": "ACTION", "action": "clearVectorIndex", "actionParams": {"reason": "reset", "entityType": "travel"}, "confidence": 0.92},
    {"type": "information", "intent": "product_lookup", "query": "cheap road bikes", "vectorSpace": "product", "confidence": 1.7,
     "nextStepRecommended": {"intent": "compare", "query": "compare {brand} bikes", "confidence": 0.4, "rationale": "user is shopping"}}
  ]
}` + "\n```"

func TestExtract_CompoundResponse(t *testing.T) {
	provider := llm.NewScripted(compoundOutput)
	x := NewExtractor(provider, WithActions("remove_vector", "clear_vector_index"), WithVectorSpaces("product"))

	resp, err := x.Extract(context.Background(), "clear the travel index and show me cheap road bikes", "u-1")
	require.NoError(t, err)
	require.Len(t, resp.Intents, 2)
	assert.True(t, resp.Compound)
	assert.Equal(t, 1, provider.Calls())
	assert.Equal(t, false, resp.Metadata["repaired"])

	action := resp.Intents[0]
	assert.Equal(t, TypeAction, action.Type)
	assert.Equal(t, "clear_vector_index", action.Action)
	assert.Equal(t, "travel", action.ActionParams["entityType"])

	info := resp.Intents[1]
	assert.Equal(t, TypeInformation, info.Type)
	assert.Equal(t, 1.0, info.Confidence)
	assert.Equal(t, "product", info.VectorSpace)
	require.NotNil(t, info.NextStepRecommended)
	assert.Equal(t, "compare {brand} bikes", info.NextStepRecommended.Query)
	assert.Len(t, resp.NextSteps(), 1)

	prompt := provider.Prompts()[0]
	assert.Contains(t, prompt, "clear_vector_index")
	assert.Contains(t, prompt, "Searchable entity types: product.")
}

func TestExtract_SingleIntentIsNotCompound(t *testing.T) {
	provider := llm.NewScripted(`{"type":"INFORMATION","query":"orders for alice"}`)
	resp, err := NewExtractor(provider).Extract(context.Background(), "orders for alice", "u-1")
	require.NoError(t, err)
	require.Len(t, resp.Intents, 1)
	assert.False(t, resp.Compound)
	assert.Equal(t, "information_request", resp.Intents[0].Intent)
	assert.Equal(t, defaultConfidence, resp.Intents[0].Confidence)
}

func TestExtract_RepairsOnce(t *testing.T) {
	provider := llm.NewScripted(
		`{"intents":[{"type":"ACTION","action":"remove_vector","actionParams":{"entityType":"pro`,
		`{"intents":[{"type":"ACTION","action":"remove_vector","actionParams":{"entityType":"product","entityId":"p-1"}}]}`,
	)
	resp, err := NewExtractor(provider).Extract(context.Background(), "delete product p-1", "u-1")
	require.NoError(t, err)
	assert.Equal(t, 2, provider.Calls())
	assert.Equal(t, true, resp.Metadata["repaired"])
	assert.Equal(t, "p-1", resp.Intents[0].ActionParams["entityId"])

	repair := provider.Prompts()[1]
	assert.Contains(t, repair, "truncated JSON")
	assert.Contains(t, repair, "delete product p-1")
}

func TestExtract_FailsClosedAfterRepair(t *testing.T) {
	provider := llm.NewScripted("I am not sure what you mean.", `{"intents":[{"type":"DANCE"}]}`, "unused")
	_, err := NewExtractor(provider).Extract(context.Background(), "???", "u-1")
	require.ErrorIs(t, err, ErrMalformedOutput)
	assert.Contains(t, err.Error(), "unknown type")
	assert.Equal(t, 2, provider.Calls())
}

func TestExtract_ProviderFailure(t *testing.T) {
	provider := llm.NewScripted().Enqueue(llm.Reply{Err: llm.ErrProviderUnavailable})
	_, err := NewExtractor(provider).Extract(context.Background(), "hello", "u-1")
	require.ErrorIs(t, err, ErrExtractionFailed)
	assert.ErrorIs(t, err, llm.ErrProviderUnavailable)

	_, err = NewExtractor(provider).Extract(context.Background(), "  ", "u-1")
	assert.ErrorIs(t, err, ErrEmptyQuery)
}

func TestParse(t *testing.T) {
	tests := []struct {
		name    string
		output  string
		count   int
		wantErr string
	}{
		{name: "empty intents is valid", output: `{"intents":[]}`, count: 0},
		{name: "bare array", output: `[{"type":"ACTION","action":"Remove Vector"},{"type":"INFORMATION","intent":"x"}]`, count: 2},
		{name: "prose around object", output: `Sure! {"intents":[{"type":"INFORMATION","query":"a {b}"}]} hope this helps`, count: 1},
		{name: "fence without language", output: "```\n{\"intents\":[]}\n```", count: 0},
		{name: "no json", output: "nothing here", wantErr: "no JSON object found"},
		{name: "truncated", output: `{"intents":[{"type":"ACTION"`, wantErr: "truncated JSON"},
		{name: "missing intents", output: `{"answer":"hi"}`, wantErr: `missing "intents"`},
		{name: "null intents", output: `{"intents":null}`, wantErr: `"intents" must be an array`},
		{name: "intents not array", output: `{"intents":{"type":"ACTION"}}`, wantErr: "wrong type"},
		{name: "missing type", output: `{"intents":[{"action":"x"}]}`, wantErr: `missing "type"`},
		{name: "action without name", output: `{"intents":[{"type":"ACTION"}]}`, wantErr: `needs "action"`},
		{name: "information without text", output: `{"intents":[{"type":"INFORMATION"}]}`, wantErr: `needs "intent" or "query"`},
		{name: "params not object", output: `{"intents":[{"type":"ACTION","action":"x","actionParams":[1]}]}`, wantErr: "must be an object"},
		{name: "confidence wrong type", output: `{"intents":[{"type":"ACTION","action":"x","confidence":"high"}]}`, wantErr: "wrong type"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, err := Parse(tt.output)
			if tt.wantErr != "" {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Len(t, resp.Intents, tt.count)
			assert.Equal(t, tt.count >= 2, resp.Compound)
		})
	}
}

func TestParse_ClampsAndDropsEmptyNextStep(t *testing.T) {
	resp, err := Parse(`{"intents":[{"type":"ACTION","action":"x","confidence":-3,"nextStepRecommended":{"rationale":"none"}}]}`)
	require.NoError(t, err)
	assert.Equal(t, 0.0, resp.Intents[0].Confidence)
	assert.Nil(t, resp.Intents[0].NextStepRecommended)
}

func TestSnakeCase(t *testing.T) {
	tests := map[string]string{
		"removeVector":       "remove_vector",
		"Remove Vector":      "remove_vector",
		"remove-vector":      "remove_vector",
		"CLEAR_VECTOR_INDEX": "clear_vector_index",
		"  clear  index ":    "clear_index",
		"":                   "",
	}
	for in, want := range tests {
		assert.Equal(t, want, SnakeCase(in), in)
	}
}
