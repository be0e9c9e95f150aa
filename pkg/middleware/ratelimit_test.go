package middleware

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/foliocms/folio/pkg/auth"
	"github.com/foliocms/folio/pkg/contextkeys"
)

func testLimiter(t *testing.T) (*Limiter, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return NewLimiter(client, "ratelimit"), mr
}

func TestLimiterRejectsOverThreshold(t *testing.T) {
	limiter, _ := testLimiter(t)
	profile := auth.RateLimitProfile{PerSecond: 3}

	for i := 0; i < 3; i++ {
		decision, err := limiter.Check(context.Background(), "subject:a", profile)
		require.NoError(t, err)
		assert.True(t, decision.Allowed)
		assert.Equal(t, 3, decision.Limit)
		assert.Equal(t, 3-(i+1), decision.Remaining)
	}

	decision, err := limiter.Check(context.Background(), "subject:a", profile)
	require.NoError(t, err)
	assert.False(t, decision.Allowed, "request N+1 within the window must be rejected")
	assert.Equal(t, 0, decision.Remaining)
	assert.Greater(t, decision.RetryAfter, time.Duration(0))
}

func TestLimiterNextWindowAdmitted(t *testing.T) {
	limiter, _ := testLimiter(t)
	profile := auth.RateLimitProfile{PerSecond: 1}

	base := time.Unix(1700000000, 0)
	limiter.now = func() time.Time { return base }

	_, err := limiter.Check(context.Background(), "subject:a", profile)
	require.NoError(t, err)
	decision, err := limiter.Check(context.Background(), "subject:a", profile)
	require.NoError(t, err)
	assert.False(t, decision.Allowed)

	// The next window uses a fresh counter key.
	limiter.now = func() time.Time { return base.Add(2 * time.Second) }
	decision, err = limiter.Check(context.Background(), "subject:a", profile)
	require.NoError(t, err)
	assert.True(t, decision.Allowed)
}

func TestLimiterSeparateSubjects(t *testing.T) {
	limiter, _ := testLimiter(t)
	profile := auth.RateLimitProfile{PerSecond: 1}

	decision, err := limiter.Check(context.Background(), "subject:a", profile)
	require.NoError(t, err)
	assert.True(t, decision.Allowed)

	decision, err = limiter.Check(context.Background(), "subject:b", profile)
	require.NoError(t, err)
	assert.True(t, decision.Allowed, "counters are per subject")
}

func TestLimiterTightestWindowWins(t *testing.T) {
	limiter, _ := testLimiter(t)
	profile := auth.RateLimitProfile{PerSecond: 100, PerMinute: 2}

	for i := 0; i < 2; i++ {
		decision, err := limiter.Check(context.Background(), "subject:a", profile)
		require.NoError(t, err)
		assert.True(t, decision.Allowed)
		assert.Equal(t, 2, decision.Limit, "headers report the window closest to exhaustion")
	}

	decision, err := limiter.Check(context.Background(), "subject:a", profile)
	require.NoError(t, err)
	assert.False(t, decision.Allowed)
	assert.Equal(t, 2, decision.Limit)
}

func identityRequest(identity *auth.Identity) *http.Request {
	r := httptest.NewRequest("GET", "/api/v1/ping", nil)
	r.RemoteAddr = "203.0.113.5:51000"
	if identity != nil {
		r = r.WithContext(contextkeys.WithIdentity(r.Context(), identity))
	}
	return r
}

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
}

func TestRateLimitMiddlewareHeadersAndRejection(t *testing.T) {
	limiter, _ := testLimiter(t)
	mw := NewRateLimitMiddleware(limiter, auth.DefaultAnonymousProfile(), nil, nil)
	handler := mw.Handler(okHandler())

	identity := &auth.Identity{
		SubjectID: uuid.New(),
		Source:    auth.SourceAPIKey,
		Profile:   auth.RateLimitProfile{PerSecond: 2},
	}

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, identityRequest(identity))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "2", rec.Header().Get("X-RateLimit-Limit"))
	assert.Equal(t, "1", rec.Header().Get("X-RateLimit-Remaining"))
	assert.NotEmpty(t, rec.Header().Get("X-RateLimit-Reset"))

	handler.ServeHTTP(httptest.NewRecorder(), identityRequest(identity))

	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, identityRequest(identity))
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("Retry-After"))
	assert.Equal(t, "0", rec.Header().Get("X-RateLimit-Remaining"))
	assert.Contains(t, rec.Body.String(), "rate_limited")
}

func decisionCounter() *prometheus.CounterVec {
	return prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "ratelimit_decisions_total"}, []string{"outcome"})
}

func TestRateLimitMiddlewareCountsDecisions(t *testing.T) {
	limiter, _ := testLimiter(t)
	decisions := decisionCounter()
	mw := NewRateLimitMiddleware(limiter, auth.DefaultAnonymousProfile(), nil, nil).Instrument(decisions)
	handler := mw.Handler(okHandler())

	identity := &auth.Identity{
		SubjectID: uuid.New(),
		Source:    auth.SourceAPIKey,
		Profile:   auth.RateLimitProfile{PerSecond: 1},
	}

	handler.ServeHTTP(httptest.NewRecorder(), identityRequest(identity))
	handler.ServeHTTP(httptest.NewRecorder(), identityRequest(identity))

	assert.Equal(t, float64(1), testutil.ToFloat64(decisions.WithLabelValues("allowed")))
	assert.Equal(t, float64(1), testutil.ToFloat64(decisions.WithLabelValues("rejected")))
	assert.Equal(t, float64(0), testutil.ToFloat64(decisions.WithLabelValues("degraded")))
}

func TestRateLimitMiddlewareFailOpen(t *testing.T) {
	limiter, mr := testLimiter(t)
	var failures int
	decisions := decisionCounter()
	mw := NewRateLimitMiddleware(limiter, auth.DefaultAnonymousProfile(), nil, func(error) { failures++ }).
		Instrument(decisions)
	handler := mw.Handler(okHandler())

	mr.Close()

	identity := &auth.Identity{
		SubjectID: uuid.New(),
		Source:    auth.SourceAPIKey,
		Profile:   auth.RateLimitProfile{PerSecond: 1},
	}

	for i := 0; i < 5; i++ {
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, identityRequest(identity))
		assert.Equal(t, http.StatusOK, rec.Code, "store outage admits requests")
		assert.Empty(t, rec.Header().Get("X-RateLimit-Limit"), "no headers on fail-open")
		assert.Empty(t, rec.Header().Get("X-RateLimit-Remaining"))
	}
	assert.Equal(t, 5, failures)
	assert.Equal(t, float64(5), testutil.ToFloat64(decisions.WithLabelValues("degraded")))
	assert.Equal(t, float64(0), testutil.ToFloat64(decisions.WithLabelValues("allowed")))
}

func TestRateLimitMiddlewareAnonymousByIP(t *testing.T) {
	limiter, _ := testLimiter(t)
	mw := NewRateLimitMiddleware(limiter, auth.RateLimitProfile{PerSecond: 1}, nil, nil)
	handler := mw.Handler(okHandler())

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, identityRequest(nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, identityRequest(nil))
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
}

func TestRateLimitMiddlewareLoopbackExempt(t *testing.T) {
	limiter, _ := testLimiter(t)
	mw := NewRateLimitMiddleware(limiter, auth.RateLimitProfile{PerSecond: 1}, nil, nil)
	handler := mw.Handler(okHandler())

	for i := 0; i < 10; i++ {
		r := httptest.NewRequest("GET", "/healthz", nil)
		r.RemoteAddr = "127.0.0.1:40000"
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, r)
		assert.Equal(t, http.StatusOK, rec.Code, "loopback traffic is never throttled")
		assert.Empty(t, rec.Header().Get("X-RateLimit-Limit"))
	}
}

func TestRateLimitMiddlewareLoopbackKeyedStillCounts(t *testing.T) {
	limiter, _ := testLimiter(t)
	mw := NewRateLimitMiddleware(limiter, auth.DefaultAnonymousProfile(), nil, nil)
	handler := mw.Handler(okHandler())

	identity := &auth.Identity{
		SubjectID: uuid.New(),
		Source:    auth.SourceAPIKey,
		Profile:   auth.RateLimitProfile{PerSecond: 1},
	}

	r := identityRequest(identity)
	r.RemoteAddr = "127.0.0.1:40000"
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, r)
	assert.Equal(t, http.StatusOK, rec.Code)

	r = identityRequest(identity)
	r.RemoteAddr = "127.0.0.1:40000"
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, r)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code, "key-based limits apply even from loopback")
}

type staticProfileSource struct {
	profile auth.RateLimitProfile
}

func (s *staticProfileSource) ProfileFor(identity *auth.Identity) (auth.RateLimitProfile, bool) {
	return s.profile, true
}

func TestRateLimitMiddlewareProfileOverride(t *testing.T) {
	limiter, _ := testLimiter(t)
	overrides := &staticProfileSource{profile: auth.RateLimitProfile{PerSecond: 1}}
	mw := NewRateLimitMiddleware(limiter, auth.DefaultAnonymousProfile(), overrides, nil)
	handler := mw.Handler(okHandler())

	identity := &auth.Identity{
		SubjectID: uuid.New(),
		Source:    auth.SourceAPIKey,
		Profile:   auth.RateLimitProfile{PerSecond: 100},
	}

	handler.ServeHTTP(httptest.NewRecorder(), identityRequest(identity))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, identityRequest(identity))
	assert.Equal(t, http.StatusTooManyRequests, rec.Code, "override replaces the stored profile")
}
