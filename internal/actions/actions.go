// Package actions dispatches ACTION intents to named handlers.
//
// Handlers report failure through ActionResult rather than errors: an
// unknown action, rejected parameters or a failed execution all produce a
// structured result with an ErrorCode.
package actions

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"go.uber.org/zap"
)

// Error codes carried by ActionResult.
const (
	ErrorCodeActionNotFound   = "ACTION_NOT_FOUND"
	ErrorCodeActionNotAllowed = "ACTION_NOT_ALLOWED"
	ErrorCodeActionFailed     = "ACTION_FAILED"
)

// ErrDuplicateHandler is returned when two handlers share a name.
var ErrDuplicateHandler = errors.New("duplicate action handler")

// ActionContext describes the request an action runs for.
type ActionContext struct {
	UserID    string
	RequestID string
	Query     string
	Roles     []string
}

// ActionResult is the outcome of an action.
type ActionResult struct {
	Success   bool           `json:"success"`
	Message   string         `json:"message"`
	Data      map[string]any `json:"data,omitempty"`
	ErrorCode string         `json:"errorCode,omitempty"`
}

// Handler executes one named action.
type Handler interface {
	Name() string
	ValidateActionAllowed(params map[string]any) bool
	ExecuteAction(ctx context.Context, params map[string]any, actx ActionContext) *ActionResult
	GetConfirmationMessage(params map[string]any) string
}

// NotFound is the result for an action with no registered handler.
func NotFound(name string) *ActionResult {
	return &ActionResult{
		Message:   fmt.Sprintf("action %q is not supported", name),
		ErrorCode: ErrorCodeActionNotFound,
		Data:      map[string]any{"action": name},
	}
}

// Failed builds an ACTION_FAILED result.
func Failed(format string, args ...any) *ActionResult {
	return &ActionResult{Message: fmt.Sprintf(format, args...), ErrorCode: ErrorCodeActionFailed}
}

// Registry maps action names to handlers. It is safe for concurrent use.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]Handler
	logger   *zap.Logger
}

// NewRegistry creates a registry holding handlers.
func NewRegistry(logger *zap.Logger, handlers ...Handler) (*Registry, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	r := &Registry{handlers: make(map[string]Handler), logger: logger}
	for _, h := range handlers {
		if err := r.Register(h); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// Register adds a handler.
func (r *Registry) Register(h Handler) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.handlers[h.Name()]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateHandler, h.Name())
	}
	r.handlers[h.Name()] = h
	return nil
}

// FindHandler returns the handler registered under name.
func (r *Registry) FindHandler(name string) (Handler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[name]
	return h, ok
}

// Names returns the registered action names in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.handlers))
	for name := range r.handlers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Execute finds, validates and runs an action. The handler's confirmation
// message is attached as Data["confirmation"].
func (r *Registry) Execute(ctx context.Context, name string, params map[string]any, actx ActionContext) *ActionResult {
	h, ok := r.FindHandler(name)
	if !ok {
		r.logger.Info("unknown action requested",
			zap.String("action", name),
			zap.String("user_id", actx.UserID))
		return NotFound(name)
	}

	if params == nil {
		params = map[string]any{}
	}
	if !h.ValidateActionAllowed(params) {
		return &ActionResult{
			Message:   fmt.Sprintf("action %q is not allowed with the given parameters", name),
			ErrorCode: ErrorCodeActionNotAllowed,
			Data:      map[string]any{"action": name},
		}
	}

	result := h.ExecuteAction(ctx, params, actx)
	if result == nil {
		result = Failed("action %q returned no result", name)
	}
	if result.Data == nil {
		result.Data = map[string]any{}
	}
	result.Data["confirmation"] = h.GetConfirmationMessage(params)

	r.logger.Info("action executed",
		zap.String("action", name),
		zap.String("user_id", actx.UserID),
		zap.Bool("success", result.Success),
		zap.String("error_code", result.ErrorCode))
	return result
}
