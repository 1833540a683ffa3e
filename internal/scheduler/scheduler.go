// Package scheduler polls for day and month rollovers. On a new day it splits
// every tracked session at midnight, archives older daily stats and resets the
// daily counters. On a new month it resets the monthly counters.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/coder/quartz"
	"github.com/hashicorp/go-multierror"
	"github.com/rs/zerolog"

	"voicepoints/internal/database"
	"voicepoints/internal/fault"
	"voicepoints/internal/metrics"
	"voicepoints/internal/models"
	"voicepoints/internal/session"
)

// Invalidator drops cached entries matching a wildcard pattern.
type Invalidator interface {
	InvalidatePattern(pattern string) int
}

type noopInvalidator struct{}

func (noopInvalidator) InvalidatePattern(string) int { return 0 }

var (
	dailyPatterns   = []string{"leaderboard:*", "stats:daily:*", "user:*"}
	monthlyPatterns = []string{"leaderboard:*", "user:*"}
)

// Config sets the rollover timezone and poll intervals.
type Config struct {
	Location        *time.Location
	DailyInterval   time.Duration
	MonthlyInterval time.Duration
}

// Scheduler runs the daily and monthly rollover checks.
type Scheduler struct {
	sessions *session.Manager
	db       database.Store
	cfg      Config
	clock    quartz.Clock
	log      zerolog.Logger
	metrics  metrics.Recorder
	inv      Invalidator
	guard    *fault.Guard

	// checkMu serializes checks so a slow poll never overlaps the next one.
	checkMu     sync.Mutex
	lastDaily   time.Time
	lastMonthly time.Time

	mu      sync.Mutex
	cancel  context.CancelFunc
	waiters []quartz.Waiter
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithClock sets the clock driving the polls.
func WithClock(c quartz.Clock) Option {
	return func(s *Scheduler) {
		s.clock = c
	}
}

// WithLogger sets the logger.
func WithLogger(l zerolog.Logger) Option {
	return func(s *Scheduler) {
		s.log = l.With().Str("component", "scheduler").Logger()
	}
}

// WithMetrics sets the metrics recorder.
func WithMetrics(r metrics.Recorder) Option {
	return func(s *Scheduler) {
		s.metrics = r
	}
}

// WithInvalidator sets the cache cleared after each reset.
func WithInvalidator(i Invalidator) Option {
	return func(s *Scheduler) {
		s.inv = i
	}
}

// WithFaultGuard overrides the guard taken from the session manager.
func WithFaultGuard(g *fault.Guard) Option {
	return func(s *Scheduler) {
		s.guard = g
	}
}

// New creates a Scheduler. Both poll intervals must be positive.
func New(sessions *session.Manager, db database.Store, cfg Config, opts ...Option) (*Scheduler, error) {
	if cfg.DailyInterval <= 0 || cfg.MonthlyInterval <= 0 {
		return nil, fmt.Errorf("poll intervals must be positive, got daily %s monthly %s", cfg.DailyInterval, cfg.MonthlyInterval)
	}
	if cfg.Location == nil {
		cfg.Location = sessions.Location()
	}
	s := &Scheduler{
		sessions: sessions,
		db:       db,
		cfg:      cfg,
		clock:    quartz.NewReal(),
		log:      zerolog.Nop(),
		metrics:  metrics.Noop{},
		inv:      noopInvalidator{},
		guard:    sessions.FaultGuard(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// CheckDaily splits every session that began before today's midnight and, once
// per day, archives older stats and resets daily counters. A failure for one
// user is counted and the rest are still processed; the next poll retries it.
func (s *Scheduler) CheckDaily(ctx context.Context) error {
	s.checkMu.Lock()
	defer s.checkMu.Unlock()

	boundary := models.DayStart(s.clock.Now(), s.cfg.Location)
	var result *multierror.Error

	users := s.sessions.UsersToSplit(boundary)
	var split int
	for _, u := range users {
		if err := s.sessions.SplitAtBoundary(ctx, u, boundary); err != nil {
			if session.IsNoSession(err) {
				continue
			}
			s.metrics.IncBoundaryFailures()
			s.log.Error().Err(err).Str("user", u).Time("boundary", boundary).Msg("failed to split session at boundary")
			result = multierror.Append(result, err)
			continue
		}
		split++
	}
	if split > 0 {
		s.log.Info().Int("sessions", split).Time("boundary", boundary).Msg("sessions split at day boundary")
	}

	if s.lastDaily.Equal(boundary) {
		return result.ErrorOrNil()
	}
	if err := s.resetDaily(ctx, boundary); err != nil {
		s.metrics.IncBoundaryFailures()
		result = multierror.Append(result, err)
		return result.ErrorOrNil()
	}
	s.lastDaily = boundary
	return result.ErrorOrNil()
}

func (s *Scheduler) resetDaily(ctx context.Context, boundary time.Time) error {
	day := models.DayKey(boundary, s.cfg.Location)
	archived, err := s.db.ArchiveDailyStats(ctx, day)
	if err != nil {
		return fmt.Errorf("failed to archive daily stats before %s: %w", day, err)
	}
	reset, err := s.db.ResetDailyCounters(ctx, boundary)
	if err != nil {
		return fmt.Errorf("failed to reset daily counters for %s: %w", day, err)
	}
	s.invalidate(dailyPatterns)
	s.log.Info().
		Str("day", day).
		Int64("archived", archived).
		Int64("reset", reset).
		Msg("daily reset complete")
	return nil
}

// CheckMonthly resets monthly counters once per calendar month.
func (s *Scheduler) CheckMonthly(ctx context.Context) error {
	s.checkMu.Lock()
	defer s.checkMu.Unlock()

	monthStart := models.MonthStart(s.clock.Now(), s.cfg.Location)
	if s.lastMonthly.Equal(monthStart) {
		return nil
	}
	n, err := s.db.ResetMonthlyCounters(ctx, monthStart)
	if err != nil {
		s.metrics.IncBoundaryFailures()
		return fmt.Errorf("failed to reset monthly counters for %s: %w", monthStart.Format("2006-01"), err)
	}
	s.lastMonthly = monthStart
	s.invalidate(monthlyPatterns)
	s.log.Info().Str("month", monthStart.Format("2006-01")).Int64("reset", n).Msg("monthly reset complete")
	return nil
}

func (s *Scheduler) invalidate(patterns []string) {
	for _, p := range patterns {
		s.inv.InvalidatePattern(p)
	}
}

// Start runs both checks once, then polls until ctx is done or Stop is called.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		return
	}
	ctx, s.cancel = context.WithCancel(ctx)

	s.runDaily(ctx)
	s.runMonthly(ctx)
	s.waiters = []quartz.Waiter{
		s.clock.TickerFunc(ctx, s.cfg.DailyInterval, func() error {
			defer s.guard.Recover("daily poll")
			s.runDaily(ctx)
			return nil
		}, "scheduler", "daily"),
		s.clock.TickerFunc(ctx, s.cfg.MonthlyInterval, func() error {
			defer s.guard.Recover("monthly poll")
			s.runMonthly(ctx)
			return nil
		}, "scheduler", "monthly"),
	}
}

func (s *Scheduler) runDaily(ctx context.Context) {
	if err := s.CheckDaily(ctx); err != nil && ctx.Err() == nil {
		s.log.Warn().Err(err).Msg("daily check incomplete, will retry next poll")
	}
}

func (s *Scheduler) runMonthly(ctx context.Context) {
	if err := s.CheckMonthly(ctx); err != nil && ctx.Err() == nil {
		s.log.Warn().Err(err).Msg("monthly check failed, will retry next poll")
	}
}

// Stop ends polling and waits for a running check to return.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	cancel, waiters := s.cancel, s.waiters
	s.cancel, s.waiters = nil, nil
	s.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	for _, w := range waiters {
		if err := w.Wait(); err != nil && !errors.Is(err, context.Canceled) {
			s.log.Warn().Err(err).Msg("poll stopped with error")
		}
	}
}
