package orchestrator

import (
	"github.com/fyrsmithlabs/ragorch/internal/intent"
	"github.com/fyrsmithlabs/ragorch/internal/sanitize"
)

// ResultType classifies an orchestration outcome.
type ResultType string

// Result types.
const (
	TypeActionExecuted      ResultType = "ACTION_EXECUTED"
	TypeInformationProvided ResultType = "INFORMATION_PROVIDED"
	TypeCompoundHandled     ResultType = "COMPOUND_HANDLED"
	TypeError               ResultType = "ERROR"
	TypeOutOfScope          ResultType = "OUT_OF_SCOPE"
)

// Gate names reported in Metadata["gate"].
const (
	GateSecurity   = "security"
	GateAccess     = "access"
	GateCompliance = "compliance"
)

// Execution statuses written to the audit trail.
const (
	StatusCompleted    = "COMPLETED"
	StatusPartial      = "PARTIAL"
	StatusFailed       = "FAILED"
	StatusOutOfScope   = "OUT_OF_SCOPE"
	StatusBlocked      = "BLOCKED"
	StatusDenied       = "DENIED"
	StatusNonCompliant = "NON_COMPLIANT"
)

// Result is the outcome of one orchestration.
//
// Message, Data, NextSteps and SmartSuggestion hold raw values; action
// results are embedded verbatim under Data["actionResult"]. Anything shown
// to a caller must come from SanitizedPayload, which is always set.
type Result struct {
	Type             ResultType                `json:"type"`
	Success          bool                      `json:"success"`
	Message          string                    `json:"message"`
	Data             map[string]any            `json:"data,omitempty"`
	SanitizedPayload *sanitize.Payload         `json:"sanitizedPayload"`
	NextSteps        []intent.NextStep         `json:"nextSteps,omitempty"`
	SmartSuggestion  *sanitize.SmartSuggestion `json:"smartSuggestion,omitempty"`
	Children         []*Result                 `json:"children,omitempty"`
	Metadata         map[string]any            `json:"metadata,omitempty"`
}

// PublicResult is the caller-facing view of a Result. It carries no raw
// text.
type PublicResult struct {
	Type     ResultType        `json:"type"`
	Success  bool              `json:"success"`
	Payload  *sanitize.Payload `json:"payload"`
	Children []*PublicResult   `json:"children,omitempty"`
	Metadata map[string]any    `json:"metadata,omitempty"`
}

// Public returns the sanitized view of r.
func (r *Result) Public() *PublicResult {
	if r == nil {
		return nil
	}
	out := &PublicResult{
		Type:     r.Type,
		Success:  r.Success,
		Payload:  r.SanitizedPayload,
		Metadata: r.Metadata,
	}
	for _, c := range r.Children {
		out.Children = append(out.Children, c.Public())
	}
	return out
}

// Outcome is the low-cardinality summary of a Result that metrics and
// logs label by.
type Outcome struct {
	Type   ResultType
	Status string
	// Gate names the gate that declined the request, if any.
	Gate string
	Risk sanitize.RiskLevel
}

// Outcome summarizes r.
func (r *Result) Outcome() Outcome {
	o := Outcome{Type: r.Type, Status: executionStatus(r)}
	o.Gate, _ = r.Metadata["gate"].(string)
	if r.SanitizedPayload != nil {
		o.Risk = r.SanitizedPayload.Sanitization.RiskLevel
	}
	return o
}

func (r *Result) setMeta(key string, v any) {
	if r.Metadata == nil {
		r.Metadata = make(map[string]any)
	}
	r.Metadata[key] = v
}

// raw collects the text surfaces handed to the sanitizer.
func (r *Result) raw() sanitize.RawPayload {
	p := sanitize.RawPayload{
		Summary:         summarize(r),
		Message:         r.Message,
		SmartSuggestion: r.SmartSuggestion,
		Data:            r.Data,
	}
	for _, ns := range r.NextSteps {
		p.NextSteps = append(p.NextSteps, sanitize.NextStep{
			Intent:     ns.Intent,
			Query:      ns.Query,
			Confidence: ns.Confidence,
			Rationale:  ns.Rationale,
		})
		if ns.Query != "" {
			p.Suggestions = append(p.Suggestions, sanitize.Suggestion{Title: ns.Intent, Text: ns.Rationale, Query: ns.Query})
		}
	}
	return p
}

func summarize(r *Result) string {
	switch r.Type {
	case TypeActionExecuted:
		return "Action completed."
	case TypeInformationProvided:
		return "Here is what I found."
	case TypeCompoundHandled:
		return "Handled a multi-part request."
	case TypeOutOfScope:
		return "That request is outside what I can help with."
	default:
		return "The request could not be completed."
	}
}

func executionStatus(r *Result) string {
	switch gate, _ := r.Metadata["gate"].(string); gate {
	case GateSecurity:
		return StatusBlocked
	case GateAccess:
		return StatusDenied
	case GateCompliance:
		return StatusNonCompliant
	}
	switch {
	case r.Type == TypeOutOfScope:
		return StatusOutOfScope
	case r.Success:
		return StatusCompleted
	case r.Type == TypeCompoundHandled && anySucceeded(r.Children):
		return StatusPartial
	default:
		return StatusFailed
	}
}

func anySucceeded(results []*Result) bool {
	for _, r := range results {
		if r.Success {
			return true
		}
	}
	return false
}
