package idp

import (
	"context"
	"fmt"

	"github.com/coreos/go-oidc/v3/oidc"
)

// DiscoverJWKSURL resolves the identity provider's key-set endpoint from its
// issuer URL via OIDC discovery. Discovery runs once at startup; per-request
// verification never needs it.
func DiscoverJWKSURL(ctx context.Context, issuerURL string) (string, error) {
	provider, err := oidc.NewProvider(ctx, issuerURL)
	if err != nil {
		return "", fmt.Errorf("failed to discover OIDC provider: %w", err)
	}

	var meta struct {
		JWKSURI string `json:"jwks_uri"`
	}
	if err := provider.Claims(&meta); err != nil {
		return "", fmt.Errorf("failed to parse provider metadata: %w", err)
	}
	if meta.JWKSURI == "" {
		return "", fmt.Errorf("provider metadata for %s has no jwks_uri", issuerURL)
	}
	return meta.JWKSURI, nil
}
