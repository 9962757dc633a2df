package maintenance

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"finance-tracker/internal/auth"
	"finance-tracker/internal/observability"
)

type Config struct {
	SweepInterval time.Duration
	PurgeInterval time.Duration
	// IdleAfter is how long an account may go without a login before it is
	// purged. Zero disables purging.
	IdleAfter time.Duration
}

type Result struct {
	DeletedTokens int64 `json:"deleted_tokens"`
	UnlockedUsers int64 `json:"unlocked_users"`
	PurgedUsers   int64 `json:"purged_users"`
}

// Sweeper removes expired registry entries, clears elapsed locks and purges
// idle accounts. Every sweep is idempotent.
type Sweeper struct {
	registry *auth.TokenRegistry
	guard    *auth.LockoutGuard
	users    auth.UserStore
	logger   *observability.Logger
	config   Config
	now      func() time.Time
}

func NewSweeper(registry *auth.TokenRegistry, guard *auth.LockoutGuard, users auth.UserStore, logger *observability.Logger, config Config) *Sweeper {
	if config.SweepInterval <= 0 {
		config.SweepInterval = time.Minute
	}
	if config.PurgeInterval <= 0 {
		config.PurgeInterval = 24 * time.Hour
	}
	return &Sweeper{
		registry: registry,
		guard:    guard,
		users:    users,
		logger:   logger,
		config:   config,
		now:      time.Now,
	}
}

func (s *Sweeper) WithClock(now func() time.Time) *Sweeper {
	s.now = now
	return s
}

func (s *Sweeper) SweepTokens(ctx context.Context) (int64, error) {
	return s.registry.SweepExpired(ctx, s.now().UTC())
}

func (s *Sweeper) SweepLocks(ctx context.Context) (int64, error) {
	return s.guard.SweepUnlocked(ctx, s.now().UTC())
}

// PurgeIdle deletes idle accounts and revokes their outstanding tokens so
// no access token outlives its owner.
func (s *Sweeper) PurgeIdle(ctx context.Context) (int64, error) {
	if s.config.IdleAfter <= 0 {
		return 0, nil
	}
	purged, err := s.users.PurgeIdleUsers(ctx, s.now().UTC().Add(-s.config.IdleAfter))
	if err != nil {
		return 0, err
	}

	var errs []error
	for _, username := range purged {
		if err := s.registry.InvalidateAll(ctx, username); err != nil {
			errs = append(errs, fmt.Errorf("revoke tokens of %s: %w", username, err))
		}
	}
	return int64(len(purged)), errors.Join(errs...)
}

// RunOnce runs every sweep a single time. A failing sweep does not stop
// the others; their errors are joined.
func (s *Sweeper) RunOnce(ctx context.Context) (Result, error) {
	var result Result
	var errs []error

	n, err := s.SweepTokens(ctx)
	result.DeletedTokens = n
	errs = append(errs, err)

	n, err = s.SweepLocks(ctx)
	result.UnlockedUsers = n
	errs = append(errs, err)

	n, err = s.PurgeIdle(ctx)
	result.PurgedUsers = n
	errs = append(errs, err)

	return result, errors.Join(errs...)
}

// Run starts one ticker per sweep and blocks until ctx is cancelled.
func (s *Sweeper) Run(ctx context.Context) {
	var wg sync.WaitGroup
	jobs := []struct {
		name     string
		interval time.Duration
		run      func(context.Context) (int64, error)
	}{
		{"token_sweep", s.config.SweepInterval, s.SweepTokens},
		{"lock_sweep", s.config.SweepInterval, s.SweepLocks},
		{"idle_user_purge", s.config.PurgeInterval, s.PurgeIdle},
	}

	for _, job := range jobs {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.loop(ctx, job.name, job.interval, job.run)
		}()
	}

	s.logger.Info("sweepers_started", map[string]any{
		"sweep_interval_s": s.config.SweepInterval.Seconds(),
		"purge_interval_s": s.config.PurgeInterval.Seconds(),
	})
	wg.Wait()
	s.logger.Info("sweepers_stopped", nil)
}

func (s *Sweeper) loop(ctx context.Context, name string, interval time.Duration, run func(context.Context) (int64, error)) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := run(ctx)
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				observability.CaptureError(ctx, err)
				s.logger.Error(name+"_failed", map[string]any{"error": err.Error()})
				continue
			}
			if n > 0 {
				s.logger.Info(name+"_completed", map[string]any{"affected": n})
			}
		}
	}
}
