package intent

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strings"
	"unicode"
)

const defaultConfidence = 0.5

type rawResponse struct {
	Intents *[]rawIntent `json:"intents"`
}

type rawIntent struct {
	Type                string          `json:"type"`
	Intent              string          `json:"intent"`
	Action              string          `json:"action"`
	Confidence          *float64        `json:"confidence"`
	VectorSpace         string          `json:"vectorSpace"`
	Query               string          `json:"query"`
	ActionParams        json.RawMessage `json:"actionParams"`
	NextStepRecommended *rawNextStep    `json:"nextStepRecommended"`
}

type rawNextStep struct {
	Intent     string   `json:"intent"`
	Query      string   `json:"query"`
	Confidence *float64 `json:"confidence"`
	Rationale  string   `json:"rationale"`
}

// Parse validates model output into a MultiIntentResponse. Accepted
// shapes are {"intents":[...]}, a bare array of intents and a single
// intent object, optionally wrapped in a code fence or prose.
func Parse(output string) (*MultiIntentResponse, error) {
	payload, err := isolateJSON(output)
	if err != nil {
		return nil, err
	}

	var raws []rawIntent
	switch payload[0] {
	case '[':
		if err := decodeStrict(payload, &raws); err != nil {
			return nil, err
		}
	default:
		var shape map[string]json.RawMessage
		if err := json.Unmarshal(payload, &shape); err != nil {
			return nil, fmt.Errorf("invalid JSON: %v", err)
		}
		if _, ok := shape["intents"]; ok {
			var r rawResponse
			if err := decodeStrict(payload, &r); err != nil {
				return nil, err
			}
			if r.Intents == nil {
				return nil, errors.New(`"intents" must be an array`)
			}
			raws = *r.Intents
		} else if _, ok := shape["type"]; ok {
			var one rawIntent
			if err := decodeStrict(payload, &one); err != nil {
				return nil, err
			}
			raws = []rawIntent{one}
		} else {
			return nil, errors.New(`missing "intents" array`)
		}
	}

	intents := make([]Intent, 0, len(raws))
	var errs []error
	for i, raw := range raws {
		in, err := raw.validate()
		if err != nil {
			errs = append(errs, fmt.Errorf("intents[%d]: %w", i, err))
			continue
		}
		intents = append(intents, in)
	}
	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}

	return &MultiIntentResponse{
		Intents:  intents,
		Compound: len(intents) >= 2,
		Metadata: map[string]any{},
	}, nil
}

func decodeStrict(payload []byte, v any) error {
	if err := json.Unmarshal(payload, v); err != nil {
		var typeErr *json.UnmarshalTypeError
		if errors.As(err, &typeErr) {
			return fmt.Errorf("field %q has wrong type: expected %s", typeErr.Field, typeErr.Type)
		}
		return fmt.Errorf("invalid JSON: %v", err)
	}
	return nil
}

func (r rawIntent) validate() (Intent, error) {
	in := Intent{
		Intent:      strings.TrimSpace(r.Intent),
		VectorSpace: strings.TrimSpace(r.VectorSpace),
		Query:       strings.TrimSpace(r.Query),
		Confidence:  clampConfidence(r.Confidence),
	}

	switch strings.ToUpper(strings.TrimSpace(r.Type)) {
	case string(TypeInformation):
		in.Type = TypeInformation
		if in.Intent == "" && in.Query == "" {
			return Intent{}, errors.New(`INFORMATION intent needs "intent" or "query"`)
		}
		if in.Intent == "" {
			in.Intent = "information_request"
		}
	case string(TypeAction):
		in.Type = TypeAction
		in.Action = SnakeCase(r.Action)
		if in.Action == "" {
			return Intent{}, errors.New(`ACTION intent needs "action"`)
		}
	case "":
		return Intent{}, errors.New(`missing "type"`)
	default:
		return Intent{}, fmt.Errorf("unknown type %q", r.Type)
	}

	if len(r.ActionParams) > 0 && !bytes.Equal(bytes.TrimSpace(r.ActionParams), []byte("null")) {
		if err := json.Unmarshal(r.ActionParams, &in.ActionParams); err != nil {
			return Intent{}, errors.New(`"actionParams" must be an object`)
		}
	}

	if ns := r.NextStepRecommended; ns != nil {
		step := NextStep{
			Intent:     strings.TrimSpace(ns.Intent),
			Query:      strings.TrimSpace(ns.Query),
			Confidence: clampConfidence(ns.Confidence),
			Rationale:  strings.TrimSpace(ns.Rationale),
		}
		if step.Intent != "" || step.Query != "" {
			in.NextStepRecommended = &step
		}
	}
	return in, nil
}

func clampConfidence(c *float64) float64 {
	if c == nil || math.IsNaN(*c) {
		return defaultConfidence
	}
	return math.Min(1, math.Max(0, *c))
}

// isolateJSON strips code fences and surrounding prose, returning the
// outermost JSON object or array.
func isolateJSON(output string) ([]byte, error) {
	s := strings.TrimSpace(output)
	if s == "" {
		return nil, errors.New("empty output")
	}
	if strings.HasPrefix(s, "```") {
		s = strings.TrimPrefix(s, "```")
		if nl := strings.IndexByte(s, '\n'); nl >= 0 && !strings.ContainsAny(s[:nl], "{[") {
			s = s[nl+1:]
		}
		if end := strings.LastIndex(s, "```"); end >= 0 {
			s = s[:end]
		}
	}

	start := strings.IndexAny(s, "{[")
	if start < 0 {
		return nil, errors.New("no JSON object found")
	}
	end, err := matchingClose(s, start)
	if err != nil {
		return nil, err
	}
	return []byte(s[start : end+1]), nil
}

// matchingClose returns the index of the bracket closing s[start],
// skipping brackets inside strings.
func matchingClose(s string, start int) (int, error) {
	var stack []byte
	inString, escaped := false, false
	for i := start; i < len(s); i++ {
		c := s[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case '{':
			stack = append(stack, '}')
		case '[':
			stack = append(stack, ']')
		case '}', ']':
			if len(stack) == 0 || stack[len(stack)-1] != c {
				return 0, fmt.Errorf("unbalanced %q at offset %d", c, i)
			}
			stack = stack[:len(stack)-1]
			if len(stack) == 0 {
				return i, nil
			}
		}
	}
	return 0, errors.New("truncated JSON")
}

// SnakeCase normalizes action names: "removeVector", "Remove Vector" and
// "remove-vector" all become "remove_vector".
func SnakeCase(s string) string {
	s = strings.TrimSpace(s)
	var b strings.Builder
	prevLower := false
	pendingSep := false
	for _, r := range s {
		switch {
		case unicode.IsUpper(r):
			if prevLower && b.Len() > 0 {
				pendingSep = true
			}
			if pendingSep && b.Len() > 0 {
				b.WriteByte('_')
			}
			pendingSep = false
			b.WriteRune(unicode.ToLower(r))
			prevLower = false
		case unicode.IsLetter(r) || unicode.IsDigit(r):
			if pendingSep && b.Len() > 0 {
				b.WriteByte('_')
			}
			pendingSep = false
			b.WriteRune(r)
			prevLower = true
		default:
			pendingSep = true
			prevLower = false
		}
	}
	return b.String()
}
