// Package middleware provides the HTTP request gateway: credential
// resolution, verification, permission checks against a target tenant, and
// Redis-backed rate limiting.
//
// Middleware order matters. The authenticator runs first and stores the
// uniform identity in the request context; the authorizer resolves the
// effective per-tenant permission; the rate limiter runs after
// authentication so keyed identities get their own quotas.
package middleware
