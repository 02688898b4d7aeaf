package telemetry

import (
	"context"

	"github.com/google/uuid"

	"github.com/nadeem4/nl2sql-sub001/core"
)

type contextKey string

const (
	traceIDKey contextKey = "trace_id"
	userKey    contextKey = "user"
)

// NewTraceID returns a fresh request trace id.
func NewTraceID() string {
	return uuid.NewString()
}

// WithTraceID stores a trace id in the context, generating one when
// empty.
func WithTraceID(ctx context.Context, traceID string) context.Context {
	if traceID == "" {
		traceID = NewTraceID()
	}
	return context.WithValue(ctx, traceIDKey, traceID)
}

// TraceIDFromContext returns the trace id, or "" when absent.
func TraceIDFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(traceIDKey).(string); ok {
		return v
	}
	return ""
}

// WithUser stores the caller identity in the context.
func WithUser(ctx context.Context, user core.UserContext) context.Context {
	return context.WithValue(ctx, userKey, user)
}

// UserFromContext returns the caller identity, or a zero value when
// absent.
func UserFromContext(ctx context.Context) core.UserContext {
	if v, ok := ctx.Value(userKey).(core.UserContext); ok {
		return v
	}
	return core.UserContext{}
}

// FieldsFromContext extracts the log fields carried by the context.
func FieldsFromContext(ctx context.Context) map[string]interface{} {
	fields := make(map[string]interface{})
	if id := TraceIDFromContext(ctx); id != "" {
		fields["trace_id"] = id
	}
	user := UserFromContext(ctx)
	if user.UserID != "" {
		fields["user_id"] = user.UserID
	}
	if user.TenantID != "" {
		fields["tenant_id"] = user.TenantID
	}
	if len(user.Roles) > 0 {
		fields["roles"] = user.Roles
	}
	return fields
}
