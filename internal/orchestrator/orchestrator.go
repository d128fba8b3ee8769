package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/ragorch/internal/actions"
	"github.com/fyrsmithlabs/ragorch/internal/audit"
	"github.com/fyrsmithlabs/ragorch/internal/events"
	"github.com/fyrsmithlabs/ragorch/internal/gates"
	"github.com/fyrsmithlabs/ragorch/internal/intent"
	"github.com/fyrsmithlabs/ragorch/internal/logging"
	"github.com/fyrsmithlabs/ragorch/internal/retrieval"
	"github.com/fyrsmithlabs/ragorch/internal/sanitize"
)

var tracer = otel.Tracer("ragorch.orchestrator")

// AnonymousUser is recorded in the audit trail for requests without a user.
const AnonymousUser = "anonymous"

// ErrMissingDependency is returned by New when a required collaborator is nil.
var ErrMissingDependency = errors.New("missing orchestrator dependency")

// IntentExtractor splits a query into intents.
type IntentExtractor interface {
	Extract(ctx context.Context, query, userID string) (*intent.MultiIntentResponse, error)
}

// Retriever answers INFORMATION intents.
type Retriever interface {
	PerformAdvancedRAG(ctx context.Context, req retrieval.AdvancedRequest) (*retrieval.AdvancedResponse, error)
}

// ActionExecutor runs ACTION intents.
type ActionExecutor interface {
	Execute(ctx context.Context, name string, params map[string]any, actx actions.ActionContext) *actions.ActionResult
}

// Deps are the collaborators of an Orchestrator. Events may be nil.
type Deps struct {
	Security   gates.SecurityGate
	Access     gates.AccessControlGate
	Compliance gates.ComplianceGate
	Extractor  IntentExtractor
	Retriever  Retriever
	Actions    ActionExecutor
	Sanitizer  *sanitize.Sanitizer
	Audit      audit.Store
	Events     events.Publisher
}

// Stage names reported to progress callbacks.
const (
	StageGates     = "gates"
	StageIntents   = "intents"
	StageExecute   = "execute"
	StageSanitize  = "sanitize"
	StageAudit     = "audit"
	StageCompleted = "completed"
)

// Progress reports pipeline progress for one request.
type Progress struct {
	RequestID string `json:"requestId"`
	Stage     string `json:"stage"`
	Message   string `json:"message,omitempty"`
}

// ProgressCallback receives progress updates.
type ProgressCallback func(Progress)

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(o *Orchestrator) {
		if l != nil {
			o.logger = l
		}
	}
}

// WithVectorSpaces restricts INFORMATION intents to the given entity types.
// Intents naming any other space are answered OUT_OF_SCOPE. With no spaces
// configured every space is accepted.
func WithVectorSpaces(spaces ...string) Option {
	return func(o *Orchestrator) {
		o.spaces = make(map[string]bool, len(spaces))
		for _, s := range spaces {
			o.spaces[strings.ToLower(strings.TrimSpace(s))] = true
		}
	}
}

// WithExpansionLevel sets the query expansion level used for INFORMATION
// intents. A negative level uses the retrieval engine default.
func WithExpansionLevel(level int) Option {
	return func(o *Orchestrator) { o.expansionLevel = level }
}

// WithProgress registers a progress callback.
func WithProgress(cb ProgressCallback) Option {
	return func(o *Orchestrator) { o.progress = cb }
}

// Orchestrator runs queries through gates, intent extraction, execution,
// sanitization, audit and event publication. It is safe for concurrent use.
type Orchestrator struct {
	security   gates.SecurityGate
	access     gates.AccessControlGate
	compliance gates.ComplianceGate
	extractor  IntentExtractor
	retriever  Retriever
	actions    ActionExecutor
	sanitizer  *sanitize.Sanitizer
	audit      audit.Store
	events     events.Publisher

	spaces         map[string]bool
	expansionLevel int
	progress       ProgressCallback
	logger         *zap.Logger
}

// New creates an Orchestrator.
func New(deps Deps, opts ...Option) (*Orchestrator, error) {
	var missing []string
	if deps.Security == nil {
		missing = append(missing, "security gate")
	}
	if deps.Access == nil {
		missing = append(missing, "access gate")
	}
	if deps.Compliance == nil {
		missing = append(missing, "compliance gate")
	}
	if deps.Extractor == nil {
		missing = append(missing, "intent extractor")
	}
	if deps.Retriever == nil {
		missing = append(missing, "retriever")
	}
	if deps.Actions == nil {
		missing = append(missing, "action executor")
	}
	if deps.Sanitizer == nil {
		missing = append(missing, "sanitizer")
	}
	if deps.Audit == nil {
		missing = append(missing, "audit store")
	}
	if len(missing) > 0 {
		return nil, fmt.Errorf("%w: %s", ErrMissingDependency, strings.Join(missing, ", "))
	}
	if deps.Events == nil {
		deps.Events = events.Nop{}
	}

	o := &Orchestrator{
		security:       deps.Security,
		access:         deps.Access,
		compliance:     deps.Compliance,
		extractor:      deps.Extractor,
		retriever:      deps.Retriever,
		actions:        deps.Actions,
		sanitizer:      deps.Sanitizer,
		audit:          deps.Audit,
		events:         deps.Events,
		expansionLevel: -1,
		logger:         zap.NewNop(),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o, nil
}

// Request is one orchestration input. History is the caller-maintained
// conversation; Context carries personalization filters for retrieval.
type Request struct {
	Query   string            `json:"query"`
	UserID  string            `json:"userId"`
	History []retrieval.Turn  `json:"history,omitempty"`
	Context map[string]string `json:"context,omitempty"`
}

// Orchestrate handles query on behalf of userID.
func (o *Orchestrator) Orchestrate(ctx context.Context, query, userID string) *Result {
	return o.Handle(ctx, Request{Query: query, UserID: userID})
}

// Handle runs req through the pipeline. The returned result is never nil
// and always carries a SanitizedPayload.
func (o *Orchestrator) Handle(ctx context.Context, req Request) *Result {
	start := time.Now()
	requestID := logging.RequestIDFromContext(ctx)
	if requestID == "" {
		requestID = uuid.NewString()
		ctx = logging.WithRequestID(ctx, requestID)
	}
	if req.UserID != "" {
		ctx = logging.WithUserID(ctx, req.UserID)
	}

	ctx, span := tracer.Start(ctx, "Orchestrator.Handle",
		trace.WithAttributes(attribute.String("request.id", requestID)))
	defer span.End()
	logger := logging.For(ctx, o.logger)

	queryCats := o.sanitizer.DetectQuery(req.Query)

	result, intents := o.run(ctx, req, requestID, logger)
	status := o.finish(ctx, req, requestID, result, intents, queryCats, logger)

	recordRequest(result, status, start)
	span.SetAttributes(
		attribute.String("orchestrator.type", string(result.Type)),
		attribute.String("orchestrator.status", status),
		attribute.Bool("orchestrator.success", result.Success),
	)
	if result.Type == TypeError {
		span.SetStatus(codes.Error, status)
	}
	logger.Info("request orchestrated",
		zap.String("type", string(result.Type)),
		zap.String("status", status),
		zap.Bool("success", result.Success),
		zap.Int("intents", len(intents)),
		zap.String("risk_level", string(result.SanitizedPayload.Sanitization.RiskLevel)),
		zap.Duration("duration", time.Since(start)))
	o.report(requestID, StageCompleted, status)
	return result
}

// History returns the audit trail of userID, newest first.
func (o *Orchestrator) History(ctx context.Context, userID string, limit int) ([]audit.IntentHistory, error) {
	return o.audit.List(ctx, userID, limit)
}

func (o *Orchestrator) run(ctx context.Context, req Request, requestID string, logger *zap.Logger) (*Result, []intent.Intent) {
	o.report(requestID, StageGates, "")
	roles, declined := o.checkGates(ctx, req, logger)
	if declined != nil {
		return declined, nil
	}

	o.report(requestID, StageIntents, "")
	extracted, err := o.extractIntents(ctx, req)
	if err != nil {
		logger.Warn("intent extraction failed", zap.Error(err))
		return extractionFailure(err), nil
	}
	if len(extracted.Intents) == 0 {
		return &Result{
			Type:     TypeOutOfScope,
			Message:  "I could not find anything in that request I can help with.",
			Metadata: map[string]any{"reason": "no_intents"},
		}, nil
	}

	actx := actions.ActionContext{
		UserID:    req.UserID,
		RequestID: requestID,
		Query:     req.Query,
		Roles:     roles,
	}
	children := make([]*Result, 0, len(extracted.Intents))
	for i, in := range extracted.Intents {
		o.report(requestID, StageExecute, fmt.Sprintf("intent %d of %d: %s", i+1, len(extracted.Intents), in.Name()))
		children = append(children, o.execute(ctx, in, req, actx, logger))
	}

	var root *Result
	if len(children) == 1 {
		root = children[0]
	} else {
		root = compound(children)
	}
	root.setMeta("intentCount", len(extracted.Intents))
	root.setMeta("compound", extracted.Compound)
	for _, k := range []string{"providerCalls", "repaired"} {
		if v, ok := extracted.Metadata[k]; ok {
			root.setMeta(k, v)
		}
	}
	return root, extracted.Intents
}

func (o *Orchestrator) extractIntents(ctx context.Context, req Request) (*intent.MultiIntentResponse, error) {
	ctx, span := tracer.Start(ctx, "Orchestrator.extractIntents")
	defer span.End()
	resp, err := o.extractor.Extract(ctx, req.Query, req.UserID)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	if resp == nil {
		return &intent.MultiIntentResponse{Metadata: map[string]any{}}, nil
	}
	return resp, nil
}

// checkGates consults security, access and compliance in that order and
// stops at the first decline. Gate errors fail closed.
func (o *Orchestrator) checkGates(ctx context.Context, req Request, logger *zap.Logger) ([]string, *Result) {
	ctx, span := tracer.Start(ctx, "Orchestrator.checkGates")
	defer span.End()

	sec, err := o.security.Check(ctx, req.Query, req.UserID)
	if err != nil || sec == nil || sec.ShouldBlock || !sec.AccessAllowed {
		r := declined(GateSecurity, "This request was blocked by the security policy.")
		if err != nil {
			logger.Error("security gate failed", zap.Error(err))
			r.setMeta("gateError", true)
		} else if sec != nil {
			r.setMeta("threatLevel", string(sec.ThreatLevel))
			r.setMeta("reasons", sec.Reasons)
		}
		span.SetAttributes(attribute.String("gate.declined", GateSecurity))
		return nil, r
	}

	acc, err := o.access.Check(ctx, req.UserID, req.Query)
	if err != nil || acc == nil || !acc.AccessGranted {
		r := declined(GateAccess, "You do not have access to this assistant.")
		if err != nil {
			logger.Error("access gate failed", zap.Error(err))
			r.setMeta("gateError", true)
		} else if acc != nil {
			r.setMeta("reason", acc.Reason)
		}
		span.SetAttributes(attribute.String("gate.declined", GateAccess))
		return nil, r
	}

	comp, err := o.compliance.Check(ctx, req.Query, req.UserID)
	if err != nil || comp == nil || !comp.OverallCompliant {
		r := declined(GateCompliance, "This request conflicts with the content policy and was not processed.")
		if err != nil {
			logger.Error("compliance gate failed", zap.Error(err))
			r.setMeta("gateError", true)
		} else if comp != nil {
			rules := make([]string, 0, len(comp.Violations))
			for _, v := range comp.Violations {
				rules = append(rules, v.Rule)
			}
			r.setMeta("violations", rules)
		}
		span.SetAttributes(attribute.String("gate.declined", GateCompliance))
		return nil, r
	}

	return acc.Roles, nil
}

func declined(gate, message string) *Result {
	GateDeclines.WithLabelValues(gate).Inc()
	return &Result{
		Type:     TypeError,
		Message:  message,
		Metadata: map[string]any{"gate": gate},
	}
}

func extractionFailure(err error) *Result {
	r := &Result{
		Type:    TypeError,
		Message: "I could not understand that request. Please rephrase it.",
	}
	switch {
	case errors.Is(err, intent.ErrEmptyQuery):
		r.Message = "Please enter a question or request."
		r.setMeta("error", "empty_query")
	case errors.Is(err, intent.ErrMalformedOutput):
		r.setMeta("error", "malformed_intents")
	default:
		r.Message = "The assistant is temporarily unavailable. Please try again."
		r.setMeta("error", "extraction_failed")
	}
	return r
}

func (o *Orchestrator) execute(ctx context.Context, in intent.Intent, req Request, actx actions.ActionContext, logger *zap.Logger) *Result {
	ctx, span := tracer.Start(ctx, "Orchestrator.execute", trace.WithAttributes(
		attribute.String("intent.type", string(in.Type)),
		attribute.String("intent.name", in.Name()),
	))
	defer span.End()

	var r *Result
	if in.Type == intent.TypeAction {
		r = o.executeAction(ctx, in, actx)
	} else {
		r = o.provideInformation(ctx, in, req, logger)
	}
	r.setMeta("intent", in.Name())
	r.setMeta("intentType", string(in.Type))
	r.setMeta("confidence", in.Confidence)
	if in.NextStepRecommended != nil {
		r.NextSteps = append(r.NextSteps, *in.NextStepRecommended)
	}
	if !r.Success {
		span.SetStatus(codes.Error, string(r.Type))
	}
	recordIntent(string(in.Type), r)
	return r
}

func (o *Orchestrator) executeAction(ctx context.Context, in intent.Intent, actx actions.ActionContext) *Result {
	ar := o.actions.Execute(ctx, in.Action, in.ActionParams, actx)
	if ar == nil {
		ar = actions.Failed("action %q returned no result", in.Action)
	}
	r := &Result{
		Type:    TypeActionExecuted,
		Success: ar.Success,
		Message: ar.Message,
		Data: map[string]any{
			"action":       in.Action,
			"actionResult": ar,
		},
	}
	if !ar.Success {
		r.Type = TypeError
		r.setMeta("errorCode", ar.ErrorCode)
	}
	return r
}

func (o *Orchestrator) provideInformation(ctx context.Context, in intent.Intent, req Request, logger *zap.Logger) *Result {
	if in.VectorSpace != "" && !o.supports(in.VectorSpace) {
		return &Result{
			Type:     TypeOutOfScope,
			Message:  fmt.Sprintf("I can't search %s data.", in.VectorSpace),
			Metadata: map[string]any{"vectorSpace": in.VectorSpace},
		}
	}

	query := in.Query
	if query == "" {
		query = req.Query
	}
	areq := retrieval.AdvancedRequest{
		Request:        retrieval.Request{Query: query},
		ExpansionLevel: o.expansionLevel,
		History:        req.History,
		Context:        req.Context,
	}
	if in.VectorSpace != "" {
		areq.EntityTypes = []string{in.VectorSpace}
	}

	resp, err := o.retriever.PerformAdvancedRAG(ctx, areq)
	if err != nil {
		logger.Warn("retrieval failed", zap.String("vector_space", in.VectorSpace), zap.Error(err))
		return &Result{
			Type:     TypeError,
			Message:  "I couldn't search for that right now. Please try again.",
			Metadata: map[string]any{"error": "retrieval_failed"},
		}
	}

	r := &Result{
		Type:    TypeInformationProvided,
		Success: true,
		Message: resp.Response.Response,
		Data: map[string]any{
			"query":        resp.Query,
			"documents":    resp.Documents,
			"categories":   resp.Categories,
			"confidence":   resp.Confidence,
			"hybridUsed":   resp.HybridUsed,
			"rerank":       resp.RerankStrategy,
			"personalized": resp.Personalized,
		},
	}
	if len(resp.ExpandedQueries) > 0 {
		r.Data["expandedQueries"] = resp.ExpandedQueries
	}
	if len(resp.Documents) > 0 {
		r.SmartSuggestion = &sanitize.SmartSuggestion{
			Response:   resp.Response.Response,
			Confidence: resp.Confidence,
			Source:     "retrieval",
		}
	}
	r.setMeta("documents", len(resp.Documents))
	return r
}

func (o *Orchestrator) supports(space string) bool {
	if len(o.spaces) == 0 {
		return true
	}
	return o.spaces[strings.ToLower(strings.TrimSpace(space))]
}

func compound(children []*Result) *Result {
	r := &Result{Type: TypeCompoundHandled, Success: true, Children: children}
	succeeded := 0
	messages := make([]string, 0, len(children))
	for _, c := range children {
		if c.Success {
			succeeded++
		} else {
			r.Success = false
		}
		if c.Message != "" {
			messages = append(messages, c.Message)
		}
		r.NextSteps = append(r.NextSteps, c.NextSteps...)
	}
	r.Message = strings.Join(messages, "\n\n")
	r.Data = map[string]any{
		"intentCount": len(children),
		"succeeded":   succeeded,
	}
	return r
}

// finish sanitizes every result, records the audit row and publishes the
// sanitization event. It returns the execution status.
func (o *Orchestrator) finish(ctx context.Context, req Request, requestID string, root *Result, intents []intent.Intent, queryCats []sanitize.Category, logger *zap.Logger) string {
	o.report(requestID, StageSanitize, "")
	found := queryCats
	for _, c := range root.Children {
		c.SanitizedPayload = o.sanitizer.Sanitize(c.raw(), queryCats)
		found = sanitize.UnionCategories(found, categoriesOf(c.SanitizedPayload))
		o.redactMetadata(c)
	}
	root.SanitizedPayload = o.sanitizer.Sanitize(root.raw(), found)
	o.redactMetadata(root)
	root.setMeta("requestId", requestID)

	status := executionStatus(root)
	payload := root.SanitizedPayload

	// Side effects must land even when the caller has gone away.
	sideCtx := context.WithoutCancel(ctx)

	o.report(requestID, StageAudit, status)
	if id, err := o.record(sideCtx, req, root, intents, status); err != nil {
		SideEffectFailures.WithLabelValues("audit").Inc()
		logger.Error("audit write failed", zap.Error(err))
		root.setMeta("audited", false)
	} else {
		root.setMeta("auditId", id)
		root.setMeta("audited", true)
	}

	event := sanitize.Event{
		RequestID:     requestID,
		UserID:        req.UserID,
		RiskLevel:     payload.Sanitization.RiskLevel,
		DetectedTypes: payload.Sanitization.DetectedTypes,
		IntentCount:   len(intents),
		OccurredAt:    time.Now().UTC(),
	}
	if err := o.events.Publish(sideCtx, event); err != nil {
		SideEffectFailures.WithLabelValues("event").Inc()
		logger.Warn("sanitization event publish failed", zap.Error(err))
	}
	return status
}

func (o *Orchestrator) record(ctx context.Context, req Request, root *Result, intents []intent.Intent, status string) (string, error) {
	ctx, span := tracer.Start(ctx, "Orchestrator.record")
	defer span.End()

	userID := req.UserID
	if userID == "" {
		userID = AnonymousUser
	}
	redactedQuery, _ := o.sanitizer.RedactText(req.Query)

	intentsJSON := "[]"
	if len(intents) > 0 {
		b, err := json.Marshal(intents)
		if err != nil {
			return "", fmt.Errorf("encoding intents: %w", err)
		}
		intentsJSON, _ = o.sanitizer.RedactText(string(b))
	}
	resultJSON, err := json.Marshal(root.Public())
	if err != nil {
		return "", fmt.Errorf("encoding result: %w", err)
	}

	sanitization := root.SanitizedPayload.Sanitization
	h := &audit.IntentHistory{
		UserID:             userID,
		RedactedQuery:      redactedQuery,
		SensitiveDataTypes: sanitization.DetectedTypes,
		HasSensitiveData:   sanitization.HasSensitiveData,
		IntentCount:        len(intents),
		IntentsJSON:        intentsJSON,
		ResultJSON:         string(resultJSON),
		ExecutionStatus:    status,
		Success:            root.Success,
	}
	if err := o.audit.Record(ctx, h, req.Query); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return "", err
	}
	return h.ID, nil
}

// redactMetadata scrubs string metadata, which is surfaced in the public
// view alongside the sanitized payload.
func (o *Orchestrator) redactMetadata(r *Result) {
	for k, v := range r.Metadata {
		switch val := v.(type) {
		case string:
			r.Metadata[k], _ = o.sanitizer.RedactText(val)
		case []string:
			out := make([]string, len(val))
			for i, s := range val {
				out[i], _ = o.sanitizer.RedactText(s)
			}
			r.Metadata[k] = out
		}
	}
}

func (o *Orchestrator) report(requestID, stage, message string) {
	if o.progress != nil {
		o.progress(Progress{RequestID: requestID, Stage: stage, Message: message})
	}
}

func categoriesOf(p *sanitize.Payload) []sanitize.Category {
	if p == nil {
		return nil
	}
	out := make([]sanitize.Category, len(p.Sanitization.DetectedTypes))
	for i, t := range p.Sanitization.DetectedTypes {
		out[i] = sanitize.Category(t)
	}
	return out
}
