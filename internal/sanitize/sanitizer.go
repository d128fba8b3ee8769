package sanitize

import (
	"bytes"
	"encoding/json"
	"time"

	"github.com/fyrsmithlabs/ragorch/internal/config"
	"github.com/fyrsmithlabs/ragorch/internal/secrets"
)

// Default texts used when configuration leaves them empty.
const (
	DefaultRedaction    = "[REDACTED]"
	DefaultBlockMessage = "This request contained highly sensitive data. Sensitive values were removed from the response and the request was flagged."
	DefaultWarnMessage  = "This request contained personal data. Personal values were redacted from the response."
	DefaultGuidance     = "Avoid sharing payment card numbers, social security numbers, credentials or contact details in requests."
)

// Suggestion is a follow-up offered to the user.
type Suggestion struct {
	Title string `json:"title,omitempty"`
	Text  string `json:"text,omitempty"`
	Query string `json:"query,omitempty"`
}

// SmartSuggestion is a generated answer attached to a result.
type SmartSuggestion struct {
	Response   string  `json:"response"`
	Confidence float64 `json:"confidence"`
	Source     string  `json:"source,omitempty"`
}

// NextStep is a recommended follow-up query.
type NextStep struct {
	Intent     string  `json:"intent,omitempty"`
	Query      string  `json:"query,omitempty"`
	Confidence float64 `json:"confidence"`
	Rationale  string  `json:"rationale,omitempty"`
}

// RawPayload holds every text surface of a result before sanitization.
type RawPayload struct {
	Summary         string
	Message         string
	Suggestions     []Suggestion
	SmartSuggestion *SmartSuggestion
	NextSteps       []NextStep
	Data            map[string]any
}

// Sanitization describes what was found.
type Sanitization struct {
	RiskLevel        RiskLevel `json:"riskLevel"`
	DetectedTypes    []string  `json:"detectedTypes"`
	HasSensitiveData bool      `json:"hasSensitiveData"`
}

// Warning is attached to MEDIUM and HIGH risk payloads.
type Warning struct {
	Level    WarningLevel `json:"level"`
	Message  string       `json:"message"`
	Guidance string       `json:"guidance"`
}

// Payload is the redacted form of a result that may be shown to users.
type Payload struct {
	SafeSummary     string           `json:"safeSummary"`
	Message         string           `json:"message"`
	Suggestions     []Suggestion     `json:"suggestions,omitempty"`
	SmartSuggestion *SmartSuggestion `json:"smartSuggestion,omitempty"`
	NextSteps       []NextStep       `json:"nextSteps,omitempty"`
	Data            map[string]any   `json:"data,omitempty"`
	Sanitization    Sanitization     `json:"sanitization"`
	Warning         *Warning         `json:"warning,omitempty"`
}

// Event reports the aggregate risk of one orchestration call.
type Event struct {
	RequestID     string    `json:"requestId,omitempty"`
	UserID        string    `json:"userId,omitempty"`
	RiskLevel     RiskLevel `json:"riskLevel"`
	DetectedTypes []string  `json:"detectedTypes"`
	IntentCount   int       `json:"intentCount"`
	OccurredAt    time.Time `json:"occurredAt"`
}

// Sanitizer redacts payloads. It is safe for concurrent use.
type Sanitizer struct {
	detector     *Detector
	redaction    string
	blockMessage string
	warnMessage  string
	guidance     string
}

// New creates a Sanitizer. allowlist and secretsDetector may be nil;
// secretsDetector is ignored unless cfg.DetectSecrets is set.
func New(cfg config.SanitizerConfig, allowlist *secrets.Allowlist, secretsDetector *secrets.Detector) *Sanitizer {
	if !cfg.DetectSecrets {
		secretsDetector = nil
	}
	return &Sanitizer{
		detector:     NewDetector(allowlist, secretsDetector),
		redaction:    orDefault(cfg.RedactionString, DefaultRedaction),
		blockMessage: orDefault(cfg.BlockMessage, DefaultBlockMessage),
		warnMessage:  orDefault(cfg.WarnMessage, DefaultWarnMessage),
		guidance:     orDefault(cfg.Guidance, DefaultGuidance),
	}
}

// Detector returns the underlying detector.
func (s *Sanitizer) Detector() *Detector { return s.detector }

// DetectQuery returns the categories present in a query.
func (s *Sanitizer) DetectQuery(query string) []Category {
	return s.detector.Categories(query)
}

// RedactText redacts a single string.
func (s *Sanitizer) RedactText(text string) (string, []Category) {
	return s.detector.Redact(text, s.redaction)
}

// Sanitize redacts every surface of raw. detected carries categories
// already found elsewhere, typically in the query; the reported risk
// covers those and everything found in raw.
func (s *Sanitizer) Sanitize(raw RawPayload, detected []Category) *Payload {
	w := &walker{s: s, found: UnionCategories(detected)}

	p := &Payload{
		SafeSummary: w.text(raw.Summary),
		Message:     w.text(raw.Message),
	}
	for _, sg := range raw.Suggestions {
		p.Suggestions = append(p.Suggestions, Suggestion{
			Title: w.text(sg.Title),
			Text:  w.text(sg.Text),
			Query: w.text(sg.Query),
		})
	}
	if ss := raw.SmartSuggestion; ss != nil {
		p.SmartSuggestion = &SmartSuggestion{
			Response:   w.text(ss.Response),
			Confidence: ss.Confidence,
			Source:     w.text(ss.Source),
		}
	}
	for _, ns := range raw.NextSteps {
		p.NextSteps = append(p.NextSteps, NextStep{
			Intent:     w.text(ns.Intent),
			Query:      w.text(ns.Query),
			Confidence: ns.Confidence,
			Rationale:  w.text(ns.Rationale),
		})
	}
	if raw.Data != nil {
		p.Data = w.data(raw.Data)
	}

	cats := SortCategories(w.found)
	risk := Risk(cats)
	p.Sanitization = Sanitization{
		RiskLevel:        risk,
		DetectedTypes:    Strings(cats),
		HasSensitiveData: len(cats) > 0,
	}
	p.Warning = s.warning(risk)
	return p
}

// warning returns the fixed warning for a risk tier, or nil for LOW.
func (s *Sanitizer) warning(risk RiskLevel) *Warning {
	switch WarningFor(risk) {
	case WarningBlock:
		return &Warning{Level: WarningBlock, Message: s.blockMessage, Guidance: s.guidance}
	case WarningWarn:
		return &Warning{Level: WarningWarn, Message: s.warnMessage, Guidance: s.guidance}
	default:
		return nil
	}
}

// walker redacts values and accumulates the categories it removed.
type walker struct {
	s     *Sanitizer
	found []Category
}

func (w *walker) text(v string) string {
	out, cats := w.s.RedactText(v)
	w.found = UnionCategories(w.found, cats)
	return out
}

// data normalizes arbitrary values through JSON so structs, typed maps
// and slices are all reached, then redacts every string, number and key.
func (w *walker) data(in map[string]any) map[string]any {
	raw, err := json.Marshal(in)
	if err != nil {
		return map[string]any{"error": w.s.redaction}
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var generic map[string]any
	if err := dec.Decode(&generic); err != nil {
		return map[string]any{"error": w.s.redaction}
	}
	out, _ := w.value(generic).(map[string]any)
	return out
}

func (w *walker) value(v any) any {
	switch t := v.(type) {
	case string:
		return w.text(t)
	case json.Number:
		if red := w.text(t.String()); red != t.String() {
			return red
		}
		return t
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = w.value(e)
		}
		return out
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, e := range t {
			out[w.text(k)] = w.value(e)
		}
		return out
	default:
		return v
	}
}

func orDefault(v, def string) string {
	if v == "" {
		return def
	}
	return v
}
