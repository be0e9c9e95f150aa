// Package maintenance runs the scheduled housekeeping jobs: usage-record
// retention pruning and warm refresh of the signing-key cache.
package maintenance

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/foliocms/folio/pkg/observability"
)

// UsagePruner deletes usage records older than a cutoff.
type UsagePruner interface {
	PruneBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// KeyRefresher forces a signing-key fetch so the first verification after a
// quiet period never pays the cold-fetch latency.
type KeyRefresher interface {
	Refresh(ctx context.Context) error
}

// Config holds the sweeper schedules and retention policy.
type Config struct {
	// PruneSchedule is a cron expression for usage pruning. Default: 00:20 UTC daily.
	PruneSchedule string
	// RefreshSchedule is a cron expression for key warm refresh. Default: every 10 minutes.
	RefreshSchedule string
	// Retention is how long usage records are kept. Default: 90 days.
	Retention time.Duration
}

func (c *Config) applyDefaults() {
	if c.PruneSchedule == "" {
		c.PruneSchedule = "20 0 * * *"
	}
	if c.RefreshSchedule == "" {
		c.RefreshSchedule = "*/10 * * * *"
	}
	if c.Retention <= 0 {
		c.Retention = 90 * 24 * time.Hour
	}
}

// Sweeper owns the cron scheduler for background maintenance. A nil pruner
// or refresher skips that job, so deployments without a usage database or
// an identity provider still run the rest.
type Sweeper struct {
	cron      *cron.Cron
	pruner    UsagePruner
	refresher KeyRefresher
	config    Config
	logger    *observability.Logger
	now       func() time.Time
}

// NewSweeper builds the sweeper; call Start to begin scheduling.
func NewSweeper(pruner UsagePruner, refresher KeyRefresher, config Config, logger *observability.Logger) *Sweeper {
	config.applyDefaults()
	return &Sweeper{
		cron:      cron.New(),
		pruner:    pruner,
		refresher: refresher,
		config:    config,
		logger:    logger,
		now:       time.Now,
	}
}

// Start registers the jobs and starts the scheduler.
func (s *Sweeper) Start() error {
	if s.pruner != nil {
		if _, err := s.cron.AddFunc(s.config.PruneSchedule, s.pruneUsage); err != nil {
			return err
		}
	}
	if s.refresher != nil {
		if _, err := s.cron.AddFunc(s.config.RefreshSchedule, s.refreshKeys); err != nil {
			return err
		}
	}
	s.cron.Start()
	s.logger.WithFields(map[string]interface{}{
		"prune_schedule":   s.config.PruneSchedule,
		"refresh_schedule": s.config.RefreshSchedule,
		"retention":        s.config.Retention.String(),
	}).Info("maintenance sweeper started")
	return nil
}

// Stop stops the scheduler and waits for running jobs to finish.
func (s *Sweeper) Stop() {
	ctx := s.cron.Stop()
	<-ctx.Done()
}

func (s *Sweeper) pruneUsage() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	cutoff := s.now().Add(-s.config.Retention)
	pruned, err := s.pruner.PruneBefore(ctx, cutoff)
	if err != nil {
		s.logger.WithError(err).Error("usage prune failed")
		return
	}
	s.logger.WithFields(map[string]interface{}{
		"pruned": pruned,
		"cutoff": cutoff.UTC().Format(time.RFC3339),
	}).Info("usage records pruned")
}

func (s *Sweeper) refreshKeys() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	// A failed warm refresh is tolerable; verification falls back to its
	// own on-demand refresh path.
	if err := s.refresher.Refresh(ctx); err != nil {
		s.logger.WithError(err).Warn("signing key warm refresh failed")
	}
}
