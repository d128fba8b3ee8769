// internal/logging/context.go
package logging

import (
	"context"

	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

type requestCtxKey struct{}
type userCtxKey struct{}

const maxIDLen = 128

// WithRequestID adds a request ID to ctx. Overlong IDs are truncated.
func WithRequestID(ctx context.Context, requestID string) context.Context {
	if len(requestID) > maxIDLen {
		requestID = requestID[:maxIDLen]
	}
	return context.WithValue(ctx, requestCtxKey{}, requestID)
}

// RequestIDFromContext extracts the request ID from ctx.
func RequestIDFromContext(ctx context.Context) string {
	if r, ok := ctx.Value(requestCtxKey{}).(string); ok {
		return r
	}
	return ""
}

// WithUserID adds the calling user to ctx.
func WithUserID(ctx context.Context, userID string) context.Context {
	if len(userID) > maxIDLen {
		userID = userID[:maxIDLen]
	}
	return context.WithValue(ctx, userCtxKey{}, userID)
}

// UserIDFromContext extracts the user ID from ctx.
func UserIDFromContext(ctx context.Context) string {
	if u, ok := ctx.Value(userCtxKey{}).(string); ok {
		return u
	}
	return ""
}

// ContextFields extracts correlation data from ctx.
func ContextFields(ctx context.Context) []zap.Field {
	fields := make([]zap.Field, 0, 5)

	if sc := trace.SpanFromContext(ctx).SpanContext(); sc.IsValid() {
		fields = append(fields,
			zap.String("trace_id", sc.TraceID().String()),
			zap.String("span_id", sc.SpanID().String()),
		)
		if sc.IsSampled() {
			fields = append(fields, zap.Bool("trace_sampled", true))
		}
	}
	if requestID := RequestIDFromContext(ctx); requestID != "" {
		fields = append(fields, zap.String("request.id", requestID))
	}
	if userID := UserIDFromContext(ctx); userID != "" {
		fields = append(fields, zap.String("user.id", userID))
	}
	return fields
}

// For returns logger enriched with the correlation fields of ctx.
func For(ctx context.Context, logger *zap.Logger) *zap.Logger {
	fields := ContextFields(ctx)
	if len(fields) == 0 {
		return logger
	}
	return logger.With(fields...)
}
