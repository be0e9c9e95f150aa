package middleware

import (
	"context"
	"net/http"
	"strings"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/foliocms/folio/pkg/auth"
	"github.com/foliocms/folio/pkg/contextkeys"
	"github.com/foliocms/folio/pkg/httputil"
	"github.com/foliocms/folio/pkg/tenants"
)

// APIKeyHeader carries an opaque key secret. A Bearer Authorization header
// takes precedence when both are present.
const APIKeyHeader = "X-API-Key"

// BearerVerifier validates signed tokens from the identity provider.
type BearerVerifier interface {
	Verify(ctx context.Context, raw string) (*auth.Identity, error)
}

// APIKeyVerifier validates opaque key secrets issued by this system.
type APIKeyVerifier interface {
	Verify(ctx context.Context, secret string) (*auth.Identity, error)
}

// Credential is one extracted credential, before verification.
type Credential struct {
	Source auth.CredentialSource
	Value  string
}

// ResolveCredential extracts at most one credential from a request. A
// Bearer Authorization header wins over the key header; a non-Bearer
// Authorization scheme is malformed rather than silently ignored.
func ResolveCredential(r *http.Request) (*Credential, error) {
	if header := r.Header.Get("Authorization"); header != "" {
		parts := strings.SplitN(header, " ", 2)
		if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") || parts[1] == "" {
			return nil, auth.NewError(auth.KindMalformedCredential, "invalid authorization header format")
		}
		return &Credential{Source: auth.SourceBearerToken, Value: parts[1]}, nil
	}
	if secret := r.Header.Get(APIKeyHeader); secret != "" {
		return &Credential{Source: auth.SourceAPIKey, Value: secret}, nil
	}
	return nil, nil
}

// Authenticator verifies request credentials and stores the uniform
// identity in the request context.
type Authenticator struct {
	bearer   BearerVerifier
	keys     APIKeyVerifier
	optional bool // when true, requests without a credential pass through unauthenticated
	attempts *prometheus.CounterVec
}

// NewAuthenticator creates the authentication middleware.
func NewAuthenticator(bearer BearerVerifier, keys APIKeyVerifier, optional bool) *Authenticator {
	return &Authenticator{bearer: bearer, keys: keys, optional: optional}
}

// Instrument counts verification outcomes on the given counter, labeled by
// credential source and result. Requests without a credential are not
// counted.
func (m *Authenticator) Instrument(attempts *prometheus.CounterVec) *Authenticator {
	m.attempts = attempts
	return m
}

// Handler wraps an HTTP handler with authentication.
func (m *Authenticator) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		identity, err := m.authenticate(r)
		if err != nil {
			httputil.WriteGatewayError(w, err)
			return
		}
		if identity == nil {
			next.ServeHTTP(w, r)
			return
		}
		ctx := contextkeys.WithIdentity(r.Context(), identity)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (m *Authenticator) authenticate(r *http.Request) (*auth.Identity, error) {
	cred, err := ResolveCredential(r)
	if err != nil {
		// A malformed Authorization header is a failed bearer attempt.
		m.count(auth.SourceBearerToken, err)
		return nil, err
	}
	if cred == nil {
		if m.optional {
			return nil, nil
		}
		return nil, auth.NewError(auth.KindUnauthenticated, "no credential presented")
	}

	var identity *auth.Identity
	switch cred.Source {
	case auth.SourceBearerToken:
		identity, err = m.bearer.Verify(r.Context(), cred.Value)
	default:
		identity, err = m.keys.Verify(r.Context(), cred.Value)
	}
	m.count(cred.Source, err)
	return identity, err
}

func (m *Authenticator) count(source auth.CredentialSource, err error) {
	if m.attempts == nil {
		return
	}
	result := "success"
	if err != nil {
		result = "failure"
	}
	m.attempts.WithLabelValues(string(source), result).Inc()
}

// IdentityFromContext extracts the authenticated identity, or nil.
func IdentityFromContext(ctx context.Context) *auth.Identity {
	identity, _ := ctx.Value(contextkeys.IdentityKey).(*auth.Identity)
	return identity
}

// EffectiveFromContext extracts the resolved effective permission. The
// second return is false outside an Authorizer-wrapped handler.
func EffectiveFromContext(ctx context.Context) (tenants.Effective, bool) {
	eff, ok := ctx.Value(contextkeys.EffectiveKey).(tenants.Effective)
	return eff, ok
}

// Authorizer resolves effective per-tenant permissions and enforces level
// requirements. The tenant is taken from the {tenant} path variable.
type Authorizer struct {
	resolver *tenants.Resolver
}

// NewAuthorizer creates the authorization middleware.
func NewAuthorizer(resolver *tenants.Resolver) *Authorizer {
	return &Authorizer{resolver: resolver}
}

// RequireLevel returns middleware enforcing a minimum effective level on
// the request's tenant. The resolved Effective is stored in the context for
// handlers that branch on capabilities.
func (m *Authorizer) RequireLevel(required auth.PermissionLevel) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			eff, ok := m.resolve(w, r)
			if !ok {
				return
			}
			if !eff.AtLeast(required) {
				httputil.WriteGatewayError(w, auth.NewError(auth.KindInsufficientPermission,
					"requires "+required.String()+" permission"))
				return
			}
			ctx := contextkeys.WithEffective(r.Context(), eff)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// Resolve computes the effective permission without enforcing a level,
// for handlers with capability-based checks.
func (m *Authorizer) Resolve(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		eff, ok := m.resolve(w, r)
		if !ok {
			return
		}
		ctx := contextkeys.WithEffective(r.Context(), eff)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (m *Authorizer) resolve(w http.ResponseWriter, r *http.Request) (tenants.Effective, bool) {
	identity := IdentityFromContext(r.Context())
	if identity == nil {
		httputil.WriteGatewayError(w, auth.NewError(auth.KindUnauthenticated, "authentication required"))
		return tenants.Effective{}, false
	}

	tenantID, err := httputil.ParsePathString(r, "tenant")
	if err != nil {
		httputil.WriteBadRequest(w, err.Error())
		return tenants.Effective{}, false
	}

	eff, err := m.resolver.Resolve(r.Context(), identity, tenantID)
	if err != nil {
		httputil.WriteGatewayError(w, err)
		return tenants.Effective{}, false
	}
	return eff, true
}
