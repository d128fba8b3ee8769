package secrets

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	gitleaksConfig "github.com/zricethezav/gitleaks/v8/config"
	"github.com/zricethezav/gitleaks/v8/detect"
	gitleaksRegexp "github.com/zricethezav/gitleaks/v8/regexp"
)

// Finding is one detected credential. The secret value itself is not
// carried; Start and End locate it in the scanned content.
type Finding struct {
	RuleID      string `json:"rule_id"`
	Description string `json:"description"`
	Line        int    `json:"line,omitempty"`
	Start       int    `json:"start"`
	End         int    `json:"end"`
}

// Detector scans text with the default gitleaks rule set. Building the
// rule set is expensive, so a Detector is created once and shared; it is
// safe for concurrent use.
type Detector struct {
	mu        sync.Mutex
	detector  *detect.Detector
	allowlist *Allowlist
}

// NewDetector creates a Detector. allowlist may be nil.
func NewDetector(allowlist *Allowlist) (*Detector, error) {
	detector, err := detect.NewDetectorDefaultConfig()
	if err != nil {
		return nil, fmt.Errorf("loading gitleaks rules: %w", err)
	}
	if !allowlist.Empty() {
		applyAllowlist(&detector.Config, allowlist)
	}
	return &Detector{detector: detector, allowlist: allowlist}, nil
}

// Detect returns the credentials found in content ordered by offset.
func (d *Detector) Detect(content string) []Finding {
	if strings.TrimSpace(content) == "" {
		return nil
	}

	d.mu.Lock()
	raw := d.detector.DetectString(content)
	d.mu.Unlock()

	type key struct {
		rule  string
		start int
	}
	seen := make(map[key]bool)
	var findings []Finding
	for _, f := range raw {
		if f.Secret == "" || d.allowlist.Allows(f.Secret) {
			continue
		}
		for from := 0; ; {
			i := strings.Index(content[from:], f.Secret)
			if i < 0 {
				break
			}
			start := from + i
			end := start + len(f.Secret)
			from = end
			if seen[key{f.RuleID, start}] {
				continue
			}
			seen[key{f.RuleID, start}] = true
			findings = append(findings, Finding{
				RuleID:      f.RuleID,
				Description: f.Description,
				Line:        strings.Count(content[:start], "\n") + 1,
				Start:       start,
				End:         end,
			})
		}
	}
	sort.Slice(findings, func(i, j int) bool { return findings[i].Start < findings[j].Start })
	return findings
}

// Spans converts findings into redaction spans.
func Spans(findings []Finding) []Span {
	spans := make([]Span, 0, len(findings))
	for _, f := range findings {
		spans = append(spans, Span{Start: f.Start, End: f.End})
	}
	return spans
}

// applyAllowlist adds the allowlist regexes to the gitleaks config so
// matching secrets are dropped before they become findings.
func applyAllowlist(cfg *gitleaksConfig.Config, allowlist *Allowlist) {
	global := &gitleaksConfig.Allowlist{
		Description: "ragorch allowlist",
	}
	for _, re := range allowlist.compiled {
		global.Regexes = append(global.Regexes, (*gitleaksRegexp.Regexp)(re))
	}
	if len(global.Regexes) == 0 {
		return
	}
	cfg.Allowlists = append(cfg.Allowlists, global)
}
