// Package contextkeys provides centralized context key definitions
//
// IMPORTANT: All context keys used across the application must be defined here.
// This prevents typos, documents dependencies, and makes key usage discoverable.
package contextkeys

import (
	"context"
	"time"
)

// Key is the type for context keys to prevent collisions
type Key string

const (
	// IdentityKey contains *auth.Identity
	// Set by: middleware.Authenticator (pkg/middleware/auth.go)
	// Required by: permission checks, rate limiter, usage recorder
	IdentityKey Key = "identity"

	// EffectiveKey contains tenants.Effective
	// Set by: middleware.Authorizer after permission resolution
	// Required by: handlers that branch on role capabilities
	EffectiveKey Key = "effective_permission"

	// RequestIDKey contains request ID string (UUID)
	// Set by: HTTP middleware
	// Used by: Logger, usage records, distributed tracing
	RequestIDKey Key = "request_id"

	// LoggerKey contains *observability.Logger
	// Set by: Observability middleware
	// Used by: Handlers that need structured logging with request context
	LoggerKey Key = "logger"

	// RequestStartTimeKey contains request start timestamp
	// Set by: Usage middleware
	// Used by: Latency calculation for usage records
	RequestStartTimeKey Key = "request_start_time"
)

// WithIdentity adds the authenticated identity to the context
func WithIdentity(ctx context.Context, identity interface{}) context.Context {
	return context.WithValue(ctx, IdentityKey, identity)
}

// WithEffective adds the resolved effective permission to the context
func WithEffective(ctx context.Context, effective interface{}) context.Context {
	return context.WithValue(ctx, EffectiveKey, effective)
}

// WithRequestID adds request ID to the context
func WithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, RequestIDKey, requestID)
}

// WithRequestStartTime adds the request start time to the context
func WithRequestStartTime(ctx context.Context, start time.Time) context.Context {
	return context.WithValue(ctx, RequestStartTimeKey, start)
}

// RequestID extracts the request ID from the context, or "" if absent
func RequestID(ctx context.Context) string {
	if id, ok := ctx.Value(RequestIDKey).(string); ok {
		return id
	}
	return ""
}

// RequestStartTime extracts the request start time, or zero if absent
func RequestStartTime(ctx context.Context) time.Time {
	if t, ok := ctx.Value(RequestStartTimeKey).(time.Time); ok {
		return t
	}
	return time.Time{}
}
