package observability

import (
	"context"
	"database/sql"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-redis/redis/v8"
)

const (
	StatusHealthy   = "healthy"
	StatusDegraded  = "degraded"
	StatusUnhealthy = "unhealthy"
)

// KeySetInfo exposes the signing-key cache freshness for the readiness
// probe.
type KeySetInfo interface {
	FetchedAt() time.Time
}

// HealthChecker reports the gateway's dependency health. PostgreSQL is
// required; Redis and the key cache only degrade the status since the
// request path tolerates both being behind.
type HealthChecker struct {
	db        *sql.DB
	redis     *redis.Client
	keys      KeySetInfo
	staleness time.Duration
}

// NewHealthChecker creates a health checker. keys may be nil; staleness is
// how old a key snapshot may be before the status degrades.
func NewHealthChecker(db *sql.DB, redisClient *redis.Client, keys KeySetInfo, staleness time.Duration) *HealthChecker {
	return &HealthChecker{db: db, redis: redisClient, keys: keys, staleness: staleness}
}

// HealthStatus represents the overall health status
type HealthStatus struct {
	Status       string                      `json:"status"`
	Timestamp    time.Time                   `json:"timestamp"`
	Dependencies map[string]DependencyStatus `json:"dependencies,omitempty"`
}

// DependencyStatus represents the health of a single dependency
type DependencyStatus struct {
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
	Latency int64  `json:"latency_ms,omitempty"`
}

// Liveness always returns 200 while the process is serving.
func (h *HealthChecker) Liveness(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(map[string]interface{}{
		"status":    StatusHealthy,
		"timestamp": time.Now(),
	})
}

// Readiness checks all dependencies, returning 503 only when unhealthy.
func (h *HealthChecker) Readiness(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	status := h.Check(ctx)

	w.Header().Set("Content-Type", "application/json")
	if status.Status == StatusUnhealthy {
		w.WriteHeader(http.StatusServiceUnavailable)
	} else {
		w.WriteHeader(http.StatusOK)
	}
	json.NewEncoder(w).Encode(status)
}

// Check performs a full dependency health check.
func (h *HealthChecker) Check(ctx context.Context) HealthStatus {
	status := HealthStatus{
		Status:       StatusHealthy,
		Timestamp:    time.Now(),
		Dependencies: make(map[string]DependencyStatus),
	}

	if h.db != nil {
		dep := h.checkDatabase(ctx)
		status.Dependencies["database"] = dep
		if dep.Status == StatusUnhealthy {
			status.Status = StatusUnhealthy
		}
	}

	if h.redis != nil {
		dep := h.checkRedis(ctx)
		status.Dependencies["redis"] = dep
		// Redis down means rate limiting fails open, not an outage.
		if dep.Status == StatusUnhealthy && status.Status == StatusHealthy {
			status.Status = StatusDegraded
		}
	}

	if h.keys != nil {
		dep := h.checkKeySet()
		status.Dependencies["signing_keys"] = dep
		if dep.Status != StatusHealthy && status.Status == StatusHealthy {
			status.Status = StatusDegraded
		}
	}

	return status
}

func (h *HealthChecker) checkDatabase(ctx context.Context) DependencyStatus {
	start := time.Now()
	if err := h.db.PingContext(ctx); err != nil {
		return DependencyStatus{Status: StatusUnhealthy, Message: err.Error(), Latency: time.Since(start).Milliseconds()}
	}
	dep := DependencyStatus{Status: StatusHealthy, Latency: time.Since(start).Milliseconds()}
	stats := h.db.Stats()
	if stats.MaxOpenConnections > 0 && stats.OpenConnections >= stats.MaxOpenConnections {
		dep.Status = StatusDegraded
		dep.Message = "connection pool exhausted"
	}
	return dep
}

func (h *HealthChecker) checkRedis(ctx context.Context) DependencyStatus {
	start := time.Now()
	if err := h.redis.Ping(ctx).Err(); err != nil {
		return DependencyStatus{Status: StatusUnhealthy, Message: err.Error(), Latency: time.Since(start).Milliseconds()}
	}
	return DependencyStatus{Status: StatusHealthy, Latency: time.Since(start).Milliseconds()}
}

func (h *HealthChecker) checkKeySet() DependencyStatus {
	fetchedAt := h.keys.FetchedAt()
	if fetchedAt.IsZero() {
		return DependencyStatus{Status: StatusDegraded, Message: "key set not yet fetched"}
	}
	if h.staleness > 0 && time.Since(fetchedAt) > h.staleness {
		return DependencyStatus{Status: StatusDegraded, Message: "key set stale since " + fetchedAt.UTC().Format(time.RFC3339)}
	}
	return DependencyStatus{Status: StatusHealthy}
}
