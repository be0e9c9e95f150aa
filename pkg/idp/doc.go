// Package idp verifies bearer tokens issued by the external identity
// provider. It owns the key material cache (the in-process copy of the
// provider's public key set, refreshed on a freshness window) and the
// signature verifier built on top of it.
package idp
