// Package scheduler drives the analysis of captured screenshots: it claims
// pending records one at a time, runs the analysis pipeline on them, and
// decides retry versus terminal failure.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/kalambet/glimpse/internal/analysis"
	"github.com/kalambet/glimpse/internal/storage"
)

// RecordStore abstracts the durable record operations the scheduler needs.
// storage.Store implements it; tests substitute it where useful.
type RecordStore interface {
	ClaimNext() (*storage.Screenshot, error)
	ReleaseProcessed(id string, u storage.AnalysisUpdate) error
	ReleaseRetry(id string, retryCount int, errMsg string, runAfter time.Time) error
	ReleaseFailed(id string, retryCount int, errMsg string) error
	ResetStale(olderThan time.Time) (int, error)
}

// Processor runs the analysis stages for one claimed record.
type Processor interface {
	Process(ctx context.Context, shot storage.Screenshot) (storage.AnalysisUpdate, error)
}

// Config holds the retry and cadence policy.
type Config struct {
	// MaxRetries bounds transient-failure attempts; once retryCount reaches
	// it, the record is terminally failed. Defaults to 3.
	MaxRetries int
	// BackoffBase is the first retry delay; each further retry doubles it
	// (base × 2^retryCount) up to BackoffCap. Defaults to 1s, capped at 5m.
	BackoffBase time.Duration
	BackoffCap  time.Duration
	// PollInterval is how long Run sleeps when no record is claimable.
	// Defaults to 500ms.
	PollInterval time.Duration
	// StaleAfter is the age at which a processing record is considered
	// abandoned by a crashed run. Defaults to 10m.
	StaleAfter time.Duration
}

func (c *Config) applyDefaults() {
	if c.MaxRetries <= 0 {
		c.MaxRetries = 3
	}
	if c.BackoffBase <= 0 {
		c.BackoffBase = time.Second
	}
	if c.BackoffCap <= 0 {
		c.BackoffCap = 5 * time.Minute
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 500 * time.Millisecond
	}
	if c.StaleAfter <= 0 {
		c.StaleAfter = 10 * time.Minute
	}
}

// Scheduler is the single logical worker of the system. One Scheduler per
// store; the claim transaction in the store keeps even multiple instances
// from processing the same record twice.
type Scheduler struct {
	store    RecordStore
	pipeline Processor
	cfg      Config
	logger   *slog.Logger
}

// New creates a Scheduler with the given dependencies and policy.
func New(store RecordStore, pipeline Processor, cfg Config) *Scheduler {
	cfg.applyDefaults()
	return &Scheduler{
		store:    store,
		pipeline: pipeline,
		cfg:      cfg,
		logger:   slog.Default(),
	}
}

// RecoverStale resets processing records older than the stale threshold back
// to pending. Call once at startup before Run: a record left processing by a
// crashed or killed host would otherwise never be claimed again.
func (s *Scheduler) RecoverStale() (int, error) {
	n, err := s.store.ResetStale(time.Now().UTC().Add(-s.cfg.StaleAfter))
	if err != nil {
		return 0, err
	}
	if n > 0 {
		s.logger.Info("recovered stale processing records", "count", n)
	}
	return n, nil
}

// Run claims and processes records until ctx is cancelled, sleeping for the
// poll interval whenever the queue is empty.
func (s *Scheduler) Run(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}

		done, err := s.RunOnce(ctx)
		if err != nil {
			s.logger.Error("scheduler iteration failed", "error", err)
		}
		if done {
			continue
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(s.cfg.PollInterval):
		}
	}
}

// RunOnce claims and processes a single record. Returns true if a record was
// claimed (regardless of the processing outcome).
func (s *Scheduler) RunOnce(ctx context.Context) (bool, error) {
	shot, err := s.store.ClaimNext()
	if err != nil {
		return false, fmt.Errorf("claiming record: %w", err)
	}
	if shot == nil {
		return false, nil
	}

	update, err := s.pipeline.Process(ctx, *shot)
	if err != nil {
		s.release(shot, err)
		return true, nil
	}

	if err := s.store.ReleaseProcessed(shot.ID, update); err != nil {
		return true, fmt.Errorf("releasing processed record %s: %w", shot.ID, err)
	}
	s.logger.Debug("screenshot processed", "screenshot_id", shot.ID, "has_embedding", update.Embedding != nil)
	return true, nil
}

// release maps a pipeline failure onto the record's next state: permanent
// failures terminate immediately, transient ones re-queue with exponential
// backoff until the retry budget runs out.
func (s *Scheduler) release(shot *storage.Screenshot, procErr error) {
	if errors.Is(procErr, analysis.ErrImageMissing) {
		s.logger.Warn("permanent failure", "screenshot_id", shot.ID, "error", procErr)
		if err := s.store.ReleaseFailed(shot.ID, shot.RetryCount, procErr.Error()); err != nil {
			s.logger.Error("failed to mark record failed", "screenshot_id", shot.ID, "error", err)
		}
		return
	}

	attempt := shot.RetryCount + 1
	if attempt >= s.cfg.MaxRetries {
		s.logger.Warn("retries exhausted", "screenshot_id", shot.ID, "attempts", attempt, "error", procErr)
		if err := s.store.ReleaseFailed(shot.ID, attempt, procErr.Error()); err != nil {
			s.logger.Error("failed to mark record failed", "screenshot_id", shot.ID, "error", err)
		}
		return
	}

	runAfter := time.Now().UTC().Add(s.backoff(attempt))
	s.logger.Warn("transient failure, will retry", "screenshot_id", shot.ID, "attempt", attempt, "run_after", runAfter, "error", procErr)
	if err := s.store.ReleaseRetry(shot.ID, attempt, procErr.Error(), runAfter); err != nil {
		s.logger.Error("failed to re-queue record", "screenshot_id", shot.ID, "error", err)
	}
}

// backoff returns base × 2^retryCount capped at the configured maximum.
func (s *Scheduler) backoff(retryCount int) time.Duration {
	d := s.cfg.BackoffBase
	for i := 0; i < retryCount && d < s.cfg.BackoffCap; i++ {
		d *= 2
	}
	if d > s.cfg.BackoffCap {
		d = s.cfg.BackoffCap
	}
	return d
}
