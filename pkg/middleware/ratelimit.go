package middleware

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/foliocms/folio/pkg/auth"
	"github.com/foliocms/folio/pkg/httputil"
)

// windowSeconds are the fixed counting windows, checked shortest first so a
// burst trips the tightest limit before any daily accounting.
var windowSeconds = []int{1, 60, 3600, 86400}

func thresholdFor(profile auth.RateLimitProfile, window int) int {
	switch window {
	case 1:
		return profile.PerSecond
	case 60:
		return profile.PerMinute
	case 3600:
		return profile.PerHour
	default:
		return profile.PerDay
	}
}

// Decision is the outcome of one rate-limit check, with the header metadata
// for the window closest to exhaustion.
type Decision struct {
	Allowed   bool
	Limit     int
	Remaining int
	Reset     time.Time

	// RetryAfter is set when rejected: time until the violated window resets.
	RetryAfter time.Duration

	// Degraded marks a fail-open decision: the counter store was
	// unreachable, the request is admitted, and no headers are emitted.
	Degraded bool
}

// Limiter counts requests in Redis across the fixed windows. Counters are
// shared across instances; window boundaries come from the store's
// monotonic expiry, not this process's clock.
type Limiter struct {
	redis  *redis.Client
	prefix string
	now    func() time.Time
}

// NewLimiter creates a Redis-backed limiter.
func NewLimiter(redisClient *redis.Client, prefix string) *Limiter {
	if prefix == "" {
		prefix = "ratelimit"
	}
	return &Limiter{redis: redisClient, prefix: prefix, now: time.Now}
}

// Check increments every enabled window counter for the subject and decides
// admit/reject. Rejection reports the first violated window's reset as
// RetryAfter. An abandoned request keeps its increments; disconnecting does
// not refund quota.
func (l *Limiter) Check(ctx context.Context, subject string, profile auth.RateLimitProfile) (Decision, error) {
	now := l.now()
	epoch := now.Unix()

	type windowCheck struct {
		window    int
		threshold int
		incr      *redis.IntCmd
	}

	pipe := l.redis.Pipeline()
	var checks []windowCheck
	for _, window := range windowSeconds {
		threshold := thresholdFor(profile, window)
		if threshold <= 0 {
			continue
		}
		key := fmt.Sprintf("%s:%s:%d:%d", l.prefix, subject, window, epoch/int64(window))
		incr := pipe.Incr(ctx, key)
		pipe.Expire(ctx, key, time.Duration(window)*time.Second)
		checks = append(checks, windowCheck{window: window, threshold: threshold, incr: incr})
	}
	if len(checks) == 0 {
		return Decision{Allowed: true, Degraded: true}, nil
	}

	if _, err := pipe.Exec(ctx); err != nil {
		return Decision{}, err
	}

	decision := Decision{Allowed: true, Remaining: -1}
	for _, c := range checks {
		count := int(c.incr.Val())
		reset := windowReset(epoch, c.window)
		if count > c.threshold {
			return Decision{
				Allowed:    false,
				Limit:      c.threshold,
				Remaining:  0,
				Reset:      reset,
				RetryAfter: reset.Sub(now),
			}, nil
		}
		remaining := c.threshold - count
		if decision.Remaining < 0 || remaining < decision.Remaining {
			decision.Limit = c.threshold
			decision.Remaining = remaining
			decision.Reset = reset
		}
	}
	return decision, nil
}

func windowReset(epoch int64, window int) time.Time {
	next := (epoch/int64(window) + 1) * int64(window)
	return time.Unix(next, 0)
}

// RateLimitMiddleware applies per-identity quotas to authenticated requests
// and per-IP defaults to anonymous ones.
type RateLimitMiddleware struct {
	limiter   *Limiter
	anonymous auth.RateLimitProfile
	overrides ProfileSource
	onFailure func(error)
	decisions *prometheus.CounterVec
}

// ProfileSource optionally replaces an identity's stored profile, e.g. with
// operator-configured overrides.
type ProfileSource interface {
	ProfileFor(identity *auth.Identity) (auth.RateLimitProfile, bool)
}

// NewRateLimitMiddleware creates the rate-limiting middleware. overrides
// and onFailure may be nil.
func NewRateLimitMiddleware(limiter *Limiter, anonymous auth.RateLimitProfile, overrides ProfileSource, onFailure func(error)) *RateLimitMiddleware {
	return &RateLimitMiddleware{
		limiter:   limiter,
		anonymous: anonymous,
		overrides: overrides,
		onFailure: onFailure,
	}
}

// Instrument counts decisions on the given counter, labeled by outcome:
// allowed, rejected, or degraded. Exempt requests are not counted.
func (m *RateLimitMiddleware) Instrument(decisions *prometheus.CounterVec) *RateLimitMiddleware {
	m.decisions = decisions
	return m
}

func (m *RateLimitMiddleware) count(outcome string) {
	if m.decisions != nil {
		m.decisions.WithLabelValues(outcome).Inc()
	}
}

// Handler wraps an HTTP handler with rate limiting.
func (m *RateLimitMiddleware) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		subject, profile, exempt := m.classify(r)
		if exempt {
			next.ServeHTTP(w, r)
			return
		}

		decision, err := m.limiter.Check(r.Context(), subject, profile)
		if err != nil {
			// Counter store unreachable: fail open. The request is admitted
			// and rate-limit headers are skipped entirely. Availability of
			// the service must not depend on the cache being healthy; this
			// is the documented exception to failing closed.
			m.count("degraded")
			if m.onFailure != nil {
				m.onFailure(err)
			}
			next.ServeHTTP(w, r)
			return
		}

		if !decision.Allowed {
			m.count("rejected")
			writeRateLimitHeaders(w, decision)
			w.Header().Set("Retry-After", strconv.Itoa(retryAfterSeconds(decision.RetryAfter)))
			httputil.WriteGatewayError(w, auth.NewError(auth.KindRateLimited, "rate limit exceeded"))
			return
		}

		m.count("allowed")
		if !decision.Degraded {
			writeRateLimitHeaders(w, decision)
		}
		next.ServeHTTP(w, r)
	})
}

// classify picks the counting subject and thresholds for a request. Keyed
// identities always count, even from loopback; only anonymous loopback
// traffic is exempt so local tooling and health checks are never throttled.
func (m *RateLimitMiddleware) classify(r *http.Request) (subject string, profile auth.RateLimitProfile, exempt bool) {
	if identity := IdentityFromContext(r.Context()); identity != nil {
		profile = identity.Profile
		if m.overrides != nil {
			if override, ok := m.overrides.ProfileFor(identity); ok {
				profile = override
			}
		}
		return "subject:" + identity.SubjectID.String(), profile, false
	}

	ip := httputil.ClientIP(r)
	if httputil.IsLoopback(ip) {
		return "", auth.RateLimitProfile{}, true
	}
	return "ip:" + ip, m.anonymous, false
}

func writeRateLimitHeaders(w http.ResponseWriter, d Decision) {
	w.Header().Set("X-RateLimit-Limit", strconv.Itoa(d.Limit))
	w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(d.Remaining))
	w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(d.Reset.Unix(), 10))
}

func retryAfterSeconds(d time.Duration) int {
	secs := int(d.Seconds())
	if secs < 1 {
		secs = 1
	}
	return secs
}
