// Package orchestrator runs a user query through the full request pipeline.
//
// # Overview
//
// Every request passes the same ordered stages:
//
//	Security → Access → Compliance → Intents → Execute → Sanitize → Audit → Event
//
// The three gates short-circuit: a gate that declines stops the pipeline and
// the later gates are never consulted. Intent extraction splits the query
// into INFORMATION and ACTION intents, which are executed in order against
// the retrieval engine and the action registry. Two or more intents produce
// a COMPOUND_HANDLED result with one child per intent.
//
// # Guarantees
//
// Orchestrate never returns nil and never returns a result without a
// SanitizedPayload. Whatever path a request takes, declined, failed or
// completed, it is sanitized once, written to the audit trail once and
// announced as one sanitization event. Audit and event delivery run on a
// context detached from the caller's cancellation.
//
// # Usage
//
//	orch, err := orchestrator.New(orchestrator.Deps{
//	    Security:   gateSet.Security,
//	    Access:     gateSet.Access,
//	    Compliance: gateSet.Compliance,
//	    Extractor:  extractor,
//	    Retriever:  engine,
//	    Actions:    registry,
//	    Sanitizer:  sanitizer,
//	    Audit:      auditStore,
//	    Events:     publisher,
//	}, orchestrator.WithLogger(logger))
//
//	result := orch.Orchestrate(ctx, "clear the travel index", "u-1")
//	fmt.Println(result.SanitizedPayload.SafeSummary)
package orchestrator
