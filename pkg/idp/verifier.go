package idp

import (
	"context"
	"errors"
	"fmt"

	"github.com/golang-jwt/jwt/v5"

	"github.com/foliocms/folio/pkg/auth"
)

// validMethods are the signature algorithms accepted from the provider.
var validMethods = []string{"RS256", "RS384", "RS512", "ES256", "ES384", "ES512"}

// Verifier validates signed bearer tokens against the key material cache
// and produces the uniform identity.
type Verifier struct {
	cache   *KeyCache
	issuer  string
	profile auth.RateLimitProfile
}

// NewVerifier builds a verifier. issuer, when non-empty, is enforced against
// the token's iss claim. profile is applied to all bearer identities.
func NewVerifier(cache *KeyCache, issuer string, profile auth.RateLimitProfile) *Verifier {
	return &Verifier{cache: cache, issuer: issuer, profile: profile}
}

// Verify checks a raw token and returns the identity, or a gateway error:
// malformed_credential for undecodable tokens, credential_expired for
// expired ones, unknown_signing_key when the key ID is absent even after a
// forced cache refresh, invalid_credential for signature mismatches, and
// dependency_unavailable when no key material exists at all.
//
// Bearer identities start at the lowest permission level; the effective
// per-tenant level is resolved later, never baked in here.
func (v *Verifier) Verify(ctx context.Context, raw string) (*auth.Identity, error) {
	keyFunc := func(token *jwt.Token) (interface{}, error) {
		kid, _ := token.Header["kid"].(string)
		if kid == "" {
			return nil, auth.NewError(auth.KindInvalidCredential, "token has no key id")
		}
		return v.cache.Key(ctx, kid)
	}

	opts := []jwt.ParserOption{jwt.WithValidMethods(validMethods)}
	if v.issuer != "" {
		opts = append(opts, jwt.WithIssuer(v.issuer))
	}

	token, err := jwt.Parse(raw, keyFunc, opts...)
	if err != nil {
		return nil, mapTokenError(err)
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return nil, auth.NewError(auth.KindMalformedCredential, "unexpected claims format")
	}
	subject, err := claims.GetSubject()
	if err != nil || subject == "" {
		return nil, auth.NewError(auth.KindMalformedCredential, "token has no subject claim")
	}
	issuer, _ := claims.GetIssuer()

	return &auth.Identity{
		SubjectID:      auth.DeriveSubjectID(issuer, subject),
		Source:         auth.SourceBearerToken,
		BasePermission: auth.LevelRead,
		Profile:        v.profile,
	}, nil
}

func mapTokenError(err error) error {
	// Gateway errors raised from the key lookup pass through unchanged.
	var ge *auth.Error
	if errors.As(err, &ge) {
		return ge
	}

	switch {
	case errors.Is(err, jwt.ErrTokenMalformed):
		return auth.WrapError(auth.KindMalformedCredential, "malformed token", err)
	case errors.Is(err, jwt.ErrTokenExpired):
		return auth.WrapError(auth.KindCredentialExpired, "token expired", err)
	case errors.Is(err, jwt.ErrTokenNotValidYet):
		return auth.WrapError(auth.KindInvalidCredential, "token not valid yet", err)
	default:
		return auth.WrapError(auth.KindInvalidCredential, fmt.Sprintf("token rejected: %v", err), err)
	}
}
