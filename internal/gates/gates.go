// Package gates implements the three checks every orchestration request
// passes before any model or index is touched: security, access control
// and compliance. Gates never panic on a decline; a declined request is a
// response value, and an error is returned only when the gate itself
// could not run.
package gates

import (
	"context"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/ragorch/internal/config"
	"github.com/fyrsmithlabs/ragorch/internal/secrets"
)

// ThreatLevel grades a security finding.
type ThreatLevel string

// Threat levels.
const (
	ThreatNone   ThreatLevel = "NONE"
	ThreatLow    ThreatLevel = "LOW"
	ThreatMedium ThreatLevel = "MEDIUM"
	ThreatHigh   ThreatLevel = "HIGH"
)

// Compliance frameworks reported by the default compliance gate.
const (
	FrameworkCredentials = "credential-protection"
	FrameworkPolicy      = "content-policy"
)

// SecurityResponse is the outcome of a security check.
type SecurityResponse struct {
	AccessAllowed bool        `json:"accessAllowed"`
	ShouldBlock   bool        `json:"shouldBlock"`
	ThreatLevel   ThreatLevel `json:"threatLevel"`
	Reasons       []string    `json:"reasons,omitempty"`
}

// AccessResponse is the outcome of an access control check.
type AccessResponse struct {
	AccessGranted bool     `json:"accessGranted"`
	Roles         []string `json:"roles,omitempty"`
	Reason        string   `json:"reason,omitempty"`
}

// Violation is one compliance rule a query breaks.
type Violation struct {
	Rule        string `json:"rule"`
	Framework   string `json:"framework"`
	Description string `json:"description"`
}

// ComplianceResponse is the outcome of a compliance check.
type ComplianceResponse struct {
	OverallCompliant bool        `json:"overallCompliant"`
	Violations       []Violation `json:"violations,omitempty"`
	Frameworks       []string    `json:"frameworks,omitempty"`
}

// SecurityGate screens queries for abuse.
type SecurityGate interface {
	Check(ctx context.Context, query, userID string) (*SecurityResponse, error)
}

// AccessControlGate decides whether a user may use the assistant.
type AccessControlGate interface {
	Check(ctx context.Context, userID, query string) (*AccessResponse, error)
}

// ComplianceGate decides whether a query may reach models and indexes.
type ComplianceGate interface {
	Check(ctx context.Context, query, userID string) (*ComplianceResponse, error)
}

// Set holds the default gate implementations.
type Set struct {
	Security   *Security
	Access     *AccessControl
	Compliance *Compliance
}

// New builds the default gates from configuration. detector may be nil.
func New(cfg config.GatesConfig, detector *secrets.Detector, logger *zap.Logger) (*Set, error) {
	compliance, err := NewCompliance(cfg, detector)
	if err != nil {
		return nil, err
	}
	return &Set{
		Security:   NewSecurity(cfg, logger),
		Access:     NewAccessControl(cfg),
		Compliance: compliance,
	}, nil
}
