package gates

import (
	"context"
	"fmt"
	"regexp"

	"github.com/fyrsmithlabs/ragorch/internal/config"
	"github.com/fyrsmithlabs/ragorch/internal/secrets"
)

// Compliance is the default ComplianceGate. Credentials found in a query
// must never reach a model, and operators can prohibit topics by pattern.
type Compliance struct {
	detector   *secrets.Detector
	prohibited []*regexp.Regexp
	frameworks []string
}

// NewCompliance creates a Compliance gate. detector may be nil, which
// disables credential detection.
func NewCompliance(cfg config.GatesConfig, detector *secrets.Detector) (*Compliance, error) {
	c := &Compliance{}
	if cfg.DetectCredentials && detector != nil {
		c.detector = detector
		c.frameworks = append(c.frameworks, FrameworkCredentials)
	}
	for _, p := range cfg.ProhibitedPatterns {
		re, err := regexp.Compile(p)
		if err != nil {
			return nil, fmt.Errorf("gates: prohibited pattern %q: %w", p, err)
		}
		c.prohibited = append(c.prohibited, re)
	}
	if len(c.prohibited) > 0 {
		c.frameworks = append(c.frameworks, FrameworkPolicy)
	}
	return c, nil
}

// Check implements ComplianceGate.
func (c *Compliance) Check(_ context.Context, query, _ string) (*ComplianceResponse, error) {
	resp := &ComplianceResponse{Frameworks: c.frameworks}

	if c.detector != nil {
		seen := make(map[string]bool)
		for _, f := range c.detector.Detect(query) {
			if seen[f.RuleID] {
				continue
			}
			seen[f.RuleID] = true
			resp.Violations = append(resp.Violations, Violation{
				Rule:        f.RuleID,
				Framework:   FrameworkCredentials,
				Description: "query contains a credential: " + f.Description,
			})
		}
	}
	for _, re := range c.prohibited {
		if re.MatchString(query) {
			resp.Violations = append(resp.Violations, Violation{
				Rule:        "prohibited_pattern",
				Framework:   FrameworkPolicy,
				Description: fmt.Sprintf("query matches prohibited pattern %q", re.String()),
			})
		}
	}

	resp.OverallCompliant = len(resp.Violations) == 0
	return resp, nil
}
