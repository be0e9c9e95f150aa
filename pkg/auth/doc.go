// Package auth defines the gateway's identity model: the uniform
// AuthenticatedIdentity produced by both credential paths, the ordered
// permission levels, the API key record and its verifier, and the error
// taxonomy every gateway stage reports through.
package auth
