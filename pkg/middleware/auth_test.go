package middleware

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/foliocms/folio/pkg/auth"
	"github.com/foliocms/folio/pkg/contextkeys"
	"github.com/foliocms/folio/pkg/tenants"
)

type fakeBearerVerifier struct {
	identity *auth.Identity
	err      error
	calls    int
}

func (v *fakeBearerVerifier) Verify(ctx context.Context, raw string) (*auth.Identity, error) {
	v.calls++
	return v.identity, v.err
}

type fakeKeyVerifier struct {
	identity *auth.Identity
	err      error
	calls    int
}

func (v *fakeKeyVerifier) Verify(ctx context.Context, secret string) (*auth.Identity, error) {
	v.calls++
	return v.identity, v.err
}

func echoIdentity(t *testing.T, captured **auth.Identity) http.Handler {
	t.Helper()
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		*captured = IdentityFromContext(r.Context())
		w.WriteHeader(http.StatusOK)
	})
}

func TestResolveCredentialPrecedence(t *testing.T) {
	r := httptest.NewRequest("GET", "/", nil)
	r.Header.Set("Authorization", "Bearer token-123")
	r.Header.Set(APIKeyHeader, "folio_secret")

	cred, err := ResolveCredential(r)
	require.NoError(t, err)
	require.NotNil(t, cred)
	assert.Equal(t, auth.SourceBearerToken, cred.Source, "bearer header wins over the key header")
	assert.Equal(t, "token-123", cred.Value)
}

func TestResolveCredentialAPIKeyOnly(t *testing.T) {
	r := httptest.NewRequest("GET", "/", nil)
	r.Header.Set(APIKeyHeader, "folio_secret")

	cred, err := ResolveCredential(r)
	require.NoError(t, err)
	require.NotNil(t, cred)
	assert.Equal(t, auth.SourceAPIKey, cred.Source)
}

func TestResolveCredentialMalformedScheme(t *testing.T) {
	r := httptest.NewRequest("GET", "/", nil)
	r.Header.Set("Authorization", "Basic dXNlcjpwYXNz")

	_, err := ResolveCredential(r)
	assert.Equal(t, auth.KindMalformedCredential, auth.KindOf(err))
}

func TestResolveCredentialNone(t *testing.T) {
	cred, err := ResolveCredential(httptest.NewRequest("GET", "/", nil))
	require.NoError(t, err)
	assert.Nil(t, cred)
}

func TestAuthenticatorBearerTakesPrecedence(t *testing.T) {
	bearerID := &auth.Identity{SubjectID: uuid.New(), Source: auth.SourceBearerToken}
	bearer := &fakeBearerVerifier{identity: bearerID}
	keys := &fakeKeyVerifier{identity: &auth.Identity{SubjectID: uuid.New(), Source: auth.SourceAPIKey}}

	var got *auth.Identity
	handler := NewAuthenticator(bearer, keys, false).Handler(echoIdentity(t, &got))

	r := httptest.NewRequest("GET", "/", nil)
	r.Header.Set("Authorization", "Bearer token-123")
	r.Header.Set(APIKeyHeader, "folio_secret")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, r)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 1, bearer.calls)
	assert.Equal(t, 0, keys.calls)
	require.NotNil(t, got)
	assert.Equal(t, bearerID.SubjectID, got.SubjectID)
}

func TestAuthenticatorAPIKey(t *testing.T) {
	keyID := &auth.Identity{SubjectID: uuid.New(), Source: auth.SourceAPIKey}
	keys := &fakeKeyVerifier{identity: keyID}

	var got *auth.Identity
	handler := NewAuthenticator(&fakeBearerVerifier{}, keys, false).Handler(echoIdentity(t, &got))

	r := httptest.NewRequest("GET", "/", nil)
	r.Header.Set(APIKeyHeader, "folio_secret")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, r)

	assert.Equal(t, http.StatusOK, rec.Code)
	require.NotNil(t, got)
	assert.Equal(t, auth.SourceAPIKey, got.Source)
}

func TestAuthenticatorMissingCredential(t *testing.T) {
	var got *auth.Identity
	handler := NewAuthenticator(&fakeBearerVerifier{}, &fakeKeyVerifier{}, false).Handler(echoIdentity(t, &got))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest("GET", "/", nil))

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Contains(t, rec.Body.String(), "unauthenticated")
}

func TestAuthenticatorOptionalPassesThrough(t *testing.T) {
	var got *auth.Identity
	handler := NewAuthenticator(&fakeBearerVerifier{}, &fakeKeyVerifier{}, true).Handler(echoIdentity(t, &got))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest("GET", "/", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Nil(t, got)
}

func TestAuthenticatorVerifierRejection(t *testing.T) {
	bearer := &fakeBearerVerifier{err: auth.NewError(auth.KindCredentialExpired, "token expired")}
	handler := NewAuthenticator(bearer, &fakeKeyVerifier{}, false).Handler(http.NotFoundHandler())

	r := httptest.NewRequest("GET", "/", nil)
	r.Header.Set("Authorization", "Bearer stale")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, r)

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Contains(t, rec.Body.String(), "credential_expired")
}

func TestAuthenticatorCountsAttempts(t *testing.T) {
	attempts := prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "auth_attempts_total"}, []string{"source", "result"})
	bearer := &fakeBearerVerifier{identity: &auth.Identity{SubjectID: uuid.New(), Source: auth.SourceBearerToken}}
	keys := &fakeKeyVerifier{err: auth.NewError(auth.KindInvalidCredential, "invalid credentials")}
	handler := NewAuthenticator(bearer, keys, true).Instrument(attempts).Handler(okHandler())

	good := httptest.NewRequest("GET", "/", nil)
	good.Header.Set("Authorization", "Bearer token-123")
	handler.ServeHTTP(httptest.NewRecorder(), good)

	badKey := httptest.NewRequest("GET", "/", nil)
	badKey.Header.Set(APIKeyHeader, "folio_bogus")
	handler.ServeHTTP(httptest.NewRecorder(), badKey)

	malformed := httptest.NewRequest("GET", "/", nil)
	malformed.Header.Set("Authorization", "Basic dXNlcjpwYXNz")
	handler.ServeHTTP(httptest.NewRecorder(), malformed)

	// Credential-less pass-through is not an attempt.
	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest("GET", "/", nil))

	assert.Equal(t, float64(1), testutil.ToFloat64(attempts.WithLabelValues("bearer_token", "success")))
	assert.Equal(t, float64(1), testutil.ToFloat64(attempts.WithLabelValues("bearer_token", "failure")))
	assert.Equal(t, float64(1), testutil.ToFloat64(attempts.WithLabelValues("api_key", "failure")))
	assert.Equal(t, float64(0), testutil.ToFloat64(attempts.WithLabelValues("api_key", "success")))
}

type staticMembershipStore struct {
	role  tenants.Role
	found bool
}

func (s *staticMembershipStore) Get(ctx context.Context, tenantID string, subjectID uuid.UUID) (*tenants.Membership, error) {
	if !s.found {
		return nil, tenants.ErrMembershipNotFound
	}
	return &tenants.Membership{TenantID: tenantID, SubjectID: subjectID, Role: s.role}, nil
}

func (s *staticMembershipStore) Upsert(ctx context.Context, m *tenants.Membership) error { return nil }
func (s *staticMembershipStore) Delete(ctx context.Context, tenantID string, subjectID uuid.UUID) error {
	return nil
}
func (s *staticMembershipStore) ListByTenant(ctx context.Context, tenantID string) ([]*tenants.Membership, error) {
	return nil, nil
}

func tenantRouter(authz *Authorizer, required auth.PermissionLevel, identity *auth.Identity) *mux.Router {
	router := mux.NewRouter()
	inner := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	wrapped := authz.RequireLevel(required)(inner)
	router.Handle("/tenants/{tenant}/content", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if identity != nil {
			r = r.WithContext(contextkeys.WithIdentity(r.Context(), identity))
		}
		wrapped.ServeHTTP(w, r)
	}))
	return router
}

func TestAuthorizerAllowsSufficientRole(t *testing.T) {
	resolver := tenants.NewResolver(&staticMembershipStore{role: tenants.RoleEditor, found: true}, nil)
	identity := &auth.Identity{SubjectID: uuid.New(), Source: auth.SourceBearerToken}
	router := tenantRouter(NewAuthorizer(resolver), auth.LevelWrite, identity)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest("GET", "/tenants/tenant-a/content", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestAuthorizerDeniesInsufficientRole(t *testing.T) {
	resolver := tenants.NewResolver(&staticMembershipStore{role: tenants.RoleViewer, found: true}, nil)
	identity := &auth.Identity{SubjectID: uuid.New(), Source: auth.SourceBearerToken}
	router := tenantRouter(NewAuthorizer(resolver), auth.LevelWrite, identity)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest("GET", "/tenants/tenant-a/content", nil))
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Contains(t, rec.Body.String(), "insufficient_permission")
}

func TestAuthorizerScopedKeyMismatch(t *testing.T) {
	resolver := tenants.NewResolver(&staticMembershipStore{}, nil)
	identity := &auth.Identity{
		SubjectID:      uuid.New(),
		Source:         auth.SourceAPIKey,
		BasePermission: auth.LevelAdmin,
		TenantScope:    "tenant-b",
	}
	router := tenantRouter(NewAuthorizer(resolver), auth.LevelRead, identity)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest("GET", "/tenants/tenant-a/content", nil))
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Contains(t, rec.Body.String(), "tenant_mismatch")
}

func TestAuthorizerRequiresAuthentication(t *testing.T) {
	resolver := tenants.NewResolver(&staticMembershipStore{}, nil)
	router := tenantRouter(NewAuthorizer(resolver), auth.LevelRead, nil)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest("GET", "/tenants/tenant-a/content", nil))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}
