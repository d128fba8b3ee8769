package gates

import (
	"context"
	"slices"
	"strings"

	"github.com/fyrsmithlabs/ragorch/internal/config"
)

// AccessControl is the default AccessControlGate, backed by the role
// table in configuration.
type AccessControl struct {
	defaultRole string
	required    []string
	userRoles   map[string][]string
	denied      map[string]bool
}

// NewAccessControl creates an AccessControl gate.
func NewAccessControl(cfg config.GatesConfig) *AccessControl {
	a := &AccessControl{
		defaultRole: cfg.DefaultRole,
		required:    append([]string(nil), cfg.RequiredRoles...),
		userRoles:   make(map[string][]string, len(cfg.UserRoles)),
		denied:      make(map[string]bool, len(cfg.DeniedUsers)),
	}
	for user, roles := range cfg.UserRoles {
		a.userRoles[user] = append([]string(nil), roles...)
	}
	for _, user := range cfg.DeniedUsers {
		a.denied[user] = true
	}
	return a
}

// Check implements AccessControlGate.
func (a *AccessControl) Check(_ context.Context, userID, _ string) (*AccessResponse, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return &AccessResponse{Reason: "user id is required"}, nil
	}
	if a.denied[userID] {
		return &AccessResponse{Reason: "user is denied"}, nil
	}

	roles := a.Roles(userID)
	if len(a.required) > 0 && !slices.ContainsFunc(roles, func(r string) bool {
		return slices.Contains(a.required, r)
	}) {
		return &AccessResponse{
			Roles:  roles,
			Reason: "requires one of roles: " + strings.Join(a.required, ", "),
		}, nil
	}
	return &AccessResponse{AccessGranted: true, Roles: roles}, nil
}

// Roles returns the configured roles of userID, or the default role.
func (a *AccessControl) Roles(userID string) []string {
	if roles, ok := a.userRoles[userID]; ok && len(roles) > 0 {
		return append([]string(nil), roles...)
	}
	if a.defaultRole == "" {
		return nil
	}
	return []string{a.defaultRole}
}
