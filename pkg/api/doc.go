// Package api wires the HTTP surface of the gateway: the middleware chain
// (request IDs, metrics, authentication, usage recording, rate limiting),
// API key management, and the content workflow endpoints.
package api
