package intent

import (
	"context"
	"fmt"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/ragorch/internal/llm"
)

var tracer = otel.Tracer("ragorch.intent")

// maxEchoedOutput bounds how much invalid output is sent back in the
// repair prompt.
const maxEchoedOutput = 4000

const extractionPrompt = `You classify user requests for a data assistant. Split the request into one
or more intents and answer with JSON only, no prose, in this shape:

{"intents":[{"type":"INFORMATION"|"ACTION",
  "intent":"short_label (INFORMATION)",
  "query":"search text (INFORMATION)",
  "vectorSpace":"entity type to search (INFORMATION, optional)",
  "action":"action_name (ACTION)",
  "actionParams":{},
  "confidence":0.0-1.0,
  "nextStepRecommended":{"intent":"","query":"","confidence":0.0,"rationale":""}}]}

Use one intent per independent request. nextStepRecommended is optional.
%s%s
Request: %s`

const repairPrompt = `Your previous answer could not be used: %s

Previous answer:
%s

Answer again with valid JSON only, matching the requested shape exactly.

` + extractionPrompt

// Option configures an Extractor.
type Option func(*Extractor)

// WithActions lists the action names the model may choose from.
func WithActions(names ...string) Option {
	return func(x *Extractor) { x.actions = append([]string(nil), names...) }
}

// WithVectorSpaces lists the entity types information intents may target.
func WithVectorSpaces(spaces ...string) Option {
	return func(x *Extractor) { x.spaces = append([]string(nil), spaces...) }
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(x *Extractor) {
		if l != nil {
			x.logger = l
		}
	}
}

// Extractor extracts intents through an LLM provider. It is stateless and
// safe for concurrent use.
type Extractor struct {
	provider llm.Provider
	actions  []string
	spaces   []string
	logger   *zap.Logger
}

// NewExtractor creates an Extractor.
func NewExtractor(provider llm.Provider, opts ...Option) *Extractor {
	x := &Extractor{provider: provider, logger: zap.NewNop()}
	for _, opt := range opts {
		opt(x)
	}
	return x
}

// Extract classifies query. Invalid model output is re-requested once with
// the validation error; a second failure returns ErrMalformedOutput.
func (x *Extractor) Extract(ctx context.Context, query, userID string) (resp *MultiIntentResponse, err error) {
	ctx, span := tracer.Start(ctx, "Extractor.Extract")
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	query = strings.TrimSpace(query)
	if query == "" {
		return nil, ErrEmptyQuery
	}

	prompt := x.prompt(query)
	output, err := x.provider.Complete(ctx, prompt)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrExtractionFailed, err)
	}

	calls := 1
	resp, verr := Parse(output)
	if verr != nil {
		x.logger.Debug("intent output invalid, requesting repair",
			zap.String("user_id", userID),
			zap.Error(verr))

		output, err = x.provider.Complete(ctx, fmt.Sprintf(repairPrompt, verr.Error(), clipOutput(output), x.actionsLine(), x.spacesLine(), query))
		if err != nil {
			return nil, fmt.Errorf("%w: repair: %w", ErrExtractionFailed, err)
		}
		calls++
		if resp, verr = Parse(output); verr != nil {
			x.logger.Warn("intent output invalid after repair",
				zap.String("user_id", userID),
				zap.Error(verr))
			return nil, fmt.Errorf("%w: %v", ErrMalformedOutput, verr)
		}
	}

	resp.Metadata["provider"] = x.provider.Name()
	resp.Metadata["providerCalls"] = calls
	resp.Metadata["repaired"] = calls > 1

	span.SetAttributes(
		attribute.Int("intent.count", len(resp.Intents)),
		attribute.Bool("intent.compound", resp.Compound),
		attribute.Int("intent.provider_calls", calls),
	)
	x.logger.Debug("intents extracted",
		zap.String("user_id", userID),
		zap.Int("count", len(resp.Intents)),
		zap.Bool("compound", resp.Compound),
		zap.Int("provider_calls", calls))
	return resp, nil
}

func (x *Extractor) prompt(query string) string {
	return fmt.Sprintf(extractionPrompt, x.actionsLine(), x.spacesLine(), query)
}

func (x *Extractor) actionsLine() string {
	if len(x.actions) == 0 {
		return ""
	}
	return "Available actions: " + strings.Join(x.actions, ", ") + ".\n"
}

func (x *Extractor) spacesLine() string {
	if len(x.spaces) == 0 {
		return ""
	}
	return "Searchable entity types: " + strings.Join(x.spaces, ", ") + ".\n"
}

func clipOutput(s string) string {
	if len(s) <= maxEchoedOutput {
		return s
	}
	return s[:maxEchoedOutput] + "..."
}
