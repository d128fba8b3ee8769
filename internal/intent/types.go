// Package intent turns free-text queries into typed intents using an LLM.
//
// Model output is treated as untrusted: it is pre-parsed tolerantly (code
// fences, surrounding prose), then validated strictly. A response that
// fails validation gets exactly one repair round trip before the extractor
// gives up with ErrMalformedOutput.
package intent

import (
	"errors"
)

var (
	// ErrMalformedOutput indicates the model output failed validation even
	// after the repair pass.
	ErrMalformedOutput = errors.New("malformed model output")

	// ErrExtractionFailed wraps provider failures.
	ErrExtractionFailed = errors.New("intent extraction failed")

	// ErrEmptyQuery indicates an empty query.
	ErrEmptyQuery = errors.New("query cannot be empty")
)

// Type classifies an intent.
type Type string

// Intent types.
const (
	TypeInformation Type = "INFORMATION"
	TypeAction      Type = "ACTION"
)

// NextStep is an advisory follow-up suggested by the model. It is
// surfaced to callers and never executed.
type NextStep struct {
	Intent     string  `json:"intent,omitempty"`
	Query      string  `json:"query,omitempty"`
	Confidence float64 `json:"confidence"`
	Rationale  string  `json:"rationale,omitempty"`
}

// Intent is one validated intent.
type Intent struct {
	Type Type `json:"type"`
	// Intent labels an INFORMATION request.
	Intent string `json:"intent,omitempty"`
	// Action names an ACTION in snake_case.
	Action     string  `json:"action,omitempty"`
	Confidence float64 `json:"confidence"`
	// VectorSpace is the entity type an INFORMATION intent targets.
	VectorSpace string `json:"vectorSpace,omitempty"`
	// Query is the retrieval text for an INFORMATION intent.
	Query               string         `json:"query,omitempty"`
	ActionParams        map[string]any `json:"actionParams,omitempty"`
	NextStepRecommended *NextStep      `json:"nextStepRecommended,omitempty"`
}

// Name returns the action for ACTION intents and the intent label
// otherwise.
func (i Intent) Name() string {
	if i.Type == TypeAction {
		return i.Action
	}
	return i.Intent
}

// MultiIntentResponse is the extractor output. Compound is true exactly
// when there are two or more intents.
type MultiIntentResponse struct {
	Intents  []Intent       `json:"intents"`
	Compound bool           `json:"compound"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// NextSteps returns the recommended follow-ups of all intents.
func (r *MultiIntentResponse) NextSteps() []NextStep {
	if r == nil {
		return nil
	}
	var out []NextStep
	for _, in := range r.Intents {
		if in.NextStepRecommended != nil {
			out = append(out, *in.NextStepRecommended)
		}
	}
	return out
}
