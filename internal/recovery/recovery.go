// Package recovery reconciles sessions left open by a previous process at
// startup and closes every tracked session on shutdown.
package recovery

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/coder/quartz"
	"github.com/hashicorp/go-multierror"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"voicepoints/internal/database"
	"voicepoints/internal/metrics"
	"voicepoints/internal/models"
	"voicepoints/internal/session"
)

// Outcomes recorded per reconciled session.
const (
	OutcomeRecovered = "recovered"
	OutcomeShort     = "short"
	OutcomeStale     = "stale"
	OutcomeFailed    = "failed"
)

// Heartbeat is stopped before shutdown closes anything.
type Heartbeat interface {
	StopHeartbeat()
}

// Config holds recovery and shutdown limits.
type Config struct {
	// Staleness is the age past which an open session is discarded instead
	// of recovered.
	Staleness time.Duration
	// MaxEstimate caps the estimated duration of a recovered session.
	MaxEstimate     time.Duration
	ShutdownTimeout time.Duration
	// Concurrency bounds parallel closes during shutdown.
	Concurrency int
}

// Report summarizes a startup reconciliation.
type Report struct {
	Found     int
	Recovered int
	Short     int
	Stale     int
	Failed    int
	Minutes   int
	Points    int
}

// ShutdownReport summarizes a shutdown flush.
type ShutdownReport struct {
	Attempted int
	Closed    int
	// Remaining entries are left for crash recovery on the next start.
	Remaining int
	TimedOut  bool
}

// Stats is the live session summary.
type Stats struct {
	Active   int
	Grace    int
	LastSave time.Time
}

// Manager runs startup recovery, graceful shutdown and the emergency flush.
type Manager struct {
	sessions *session.Manager
	db       database.Store
	hb       Heartbeat
	cfg      Config
	clock    quartz.Clock
	log      zerolog.Logger
	metrics  metrics.Recorder

	mu   sync.Mutex
	last Report
}

// Option configures a Manager.
type Option func(*Manager)

// WithHeartbeat sets the heartbeat loop that Shutdown stops before closing
// sessions.
func WithHeartbeat(h Heartbeat) Option {
	return func(m *Manager) {
		m.hb = h
	}
}

// WithLogger sets the logger.
func WithLogger(l zerolog.Logger) Option {
	return func(m *Manager) {
		m.log = l.With().Str("component", "recovery").Logger()
	}
}

// WithMetrics sets the metrics recorder.
func WithMetrics(r metrics.Recorder) Option {
	return func(m *Manager) {
		m.metrics = r
	}
}

// NewManager creates a recovery manager. A Concurrency below one is treated
// as one.
func NewManager(sessions *session.Manager, db database.Store, cfg Config, opts ...Option) *Manager {
	if cfg.Concurrency < 1 {
		cfg.Concurrency = 1
	}
	m := &Manager{
		sessions: sessions,
		db:       db,
		cfg:      cfg,
		clock:    sessions.Clock(),
		log:      zerolog.Nop(),
		metrics:  metrics.Noop{},
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Estimate returns the assumed end of an orphaned session and how it was
// derived. The estimate is last heartbeat plus the grace window, or the time
// since join when no heartbeat was written, never more than MaxEstimate past
// the join and never in the future.
func (m *Manager) Estimate(s models.VoiceSession, now time.Time) (time.Time, string) {
	limit := s.JoinedAt.Add(m.cfg.MaxEstimate)
	var (
		end   time.Time
		basis string
	)
	if s.LastHeartbeat != nil {
		end = s.LastHeartbeat.Add(m.sessions.GraceWindow())
		basis = "last heartbeat plus grace window"
	} else {
		elapsed := now.Sub(s.JoinedAt)
		if elapsed > m.cfg.MaxEstimate {
			elapsed = m.cfg.MaxEstimate
		}
		end = s.JoinedAt.Add(elapsed)
		basis = "time since join"
	}
	if end.After(limit) {
		end = limit
		basis += ", capped"
	}
	if end.After(now) {
		end = now
	}
	if end.Before(s.JoinedAt) {
		end = s.JoinedAt
	}
	return end, basis
}

// RecoverOrphans closes every persisted session that has no end time. It is
// meant to run once at startup before any new session starts.
func (m *Manager) RecoverOrphans(ctx context.Context) (Report, error) {
	open, err := m.db.ListOpenSessions(ctx)
	if err != nil {
		return Report{}, fmt.Errorf("failed to list open sessions: %w", err)
	}

	tracked := make(map[int64]bool)
	for _, a := range m.sessions.ActiveEntries() {
		tracked[a.SessionID] = true
	}
	for _, g := range m.sessions.GraceEntries() {
		tracked[g.SessionID] = true
	}

	var (
		rep    Report
		result *multierror.Error
	)
	now := m.clock.Now()
	for _, s := range open {
		if tracked[s.ID] {
			continue
		}
		rep.Found++
		outcome, closed, err := m.recoverOne(ctx, s, now)
		if err != nil {
			outcome = OutcomeFailed
			result = multierror.Append(result, err)
		}
		m.metrics.IncRecovered(outcome)
		switch outcome {
		case OutcomeRecovered:
			rep.Recovered++
			rep.Minutes += closed.Minutes
			rep.Points += closed.Award.Points
		case OutcomeShort:
			rep.Short++
		case OutcomeStale:
			rep.Stale++
		case OutcomeFailed:
			rep.Failed++
		}
	}

	m.mu.Lock()
	m.last = rep
	m.mu.Unlock()

	m.log.Info().
		Int("found", rep.Found).
		Int("recovered", rep.Recovered).
		Int("short", rep.Short).
		Int("stale", rep.Stale).
		Int("failed", rep.Failed).
		Int("points", rep.Points).
		Msg("orphaned session recovery finished")
	return rep, result.ErrorOrNil()
}

func (m *Manager) recoverOne(ctx context.Context, s models.VoiceSession, now time.Time) (string, session.Closed, error) {
	log := m.log.With().Str("user", s.UserID).Int64("session", s.ID).Logger()

	if now.Sub(s.JoinedAt) > m.cfg.Staleness {
		note := fmt.Sprintf("discarded: open since %s, older than %s", s.JoinedAt.UTC().Format(time.RFC3339), m.cfg.Staleness)
		closed, err := m.sessions.CloseOrphan(ctx, s, now, models.ReasonCrashRecovered, note, true)
		if err != nil {
			return "", closed, fmt.Errorf("failed to discard stale session %d: %w", s.ID, err)
		}
		log.Warn().Time("joined_at", s.JoinedAt).Msg("stale open session discarded without points")
		return OutcomeStale, closed, nil
	}

	end, basis := m.Estimate(s, now)
	if end.Sub(s.JoinedAt) < time.Minute {
		note := "recovered: under one minute, no points"
		closed, err := m.sessions.CloseOrphan(ctx, s, end, models.ReasonCrashRecovered, note, true)
		if err != nil {
			return "", closed, fmt.Errorf("failed to close short session %d: %w", s.ID, err)
		}
		log.Debug().Msg("short orphaned session closed")
		return OutcomeShort, closed, nil
	}

	note := fmt.Sprintf("recovered: end estimated from %s", basis)
	closed, err := m.sessions.CloseOrphan(ctx, s, end, models.ReasonCrashRecovered, note, false)
	if err != nil {
		return "", closed, fmt.Errorf("failed to recover session %d: %w", s.ID, err)
	}
	log.Info().
		Time("estimated_end", end).
		Str("basis", basis).
		Int("minutes", closed.Minutes).
		Int("points", closed.Award.Points).
		Msg("orphaned session recovered")
	return OutcomeRecovered, closed, nil
}

// LastRecovery returns the report of the most recent RecoverOrphans run.
func (m *Manager) LastRecovery() Report {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.last
}

// Shutdown stops the heartbeat, then closes every active and grace entry in
// parallel. Grace entries are finalized without waiting out their window.
// Closes still running when the shutdown timeout elapses are abandoned to
// crash recovery.
func (m *Manager) Shutdown(ctx context.Context) (ShutdownReport, error) {
	if m.hb != nil {
		m.hb.StopHeartbeat()
	}
	m.sessions.StopTimers()

	if m.cfg.ShutdownTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, m.cfg.ShutdownTimeout)
		defer cancel()
	}

	var users []string
	for _, a := range m.sessions.ActiveEntries() {
		users = append(users, a.UserID)
	}
	for _, g := range m.sessions.GraceEntries() {
		users = append(users, g.UserID)
	}
	rep := ShutdownReport{Attempted: len(users)}

	var (
		mu     sync.Mutex
		result *multierror.Error
		closed int
	)
	var g errgroup.Group
	g.SetLimit(m.cfg.Concurrency)
	done := make(chan struct{})
	go func() {
		defer close(done)
		for _, u := range users {
			if ctx.Err() != nil {
				return
			}
			g.Go(func() error {
				_, err := m.sessions.CloseSession(ctx, u, models.ReasonShutdown)
				mu.Lock()
				defer mu.Unlock()
				if err != nil && !session.IsNoSession(err) {
					result = multierror.Append(result, err)
					return nil
				}
				closed++
				return nil
			})
		}
		_ = g.Wait()
	}()

	select {
	case <-done:
	case <-ctx.Done():
	}
	rep.TimedOut = ctx.Err() != nil

	active, grace := m.sessions.Counts()
	rep.Remaining = active + grace
	mu.Lock()
	rep.Closed = closed
	err := result.ErrorOrNil()
	mu.Unlock()
	if rep.TimedOut {
		err = errors.Join(err, fmt.Errorf("shutdown deadline exceeded with %d session(s) open: %w", rep.Remaining, ctx.Err()))
	}

	ev := m.log.Info()
	if rep.Remaining > 0 {
		ev = m.log.Warn()
	}
	ev.Int("attempted", rep.Attempted).
		Int("closed", rep.Closed).
		Int("remaining", rep.Remaining).
		Bool("timed_out", rep.TimedOut).
		Msg("shutdown flush finished")
	return rep, err
}

// EmergencyFlush writes a best-effort heartbeat for every active session. It
// is called on a fatal fault and never panics.
func (m *Manager) EmergencyFlush(timeout time.Duration) {
	defer func() {
		if r := recover(); r != nil {
			m.log.Error().Interface("panic", r).Msg("emergency flush panicked")
		}
	}()
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := m.sessions.RecordHeartbeat(ctx); err != nil {
		m.log.Error().Err(err).Msg("emergency flush incomplete")
		return
	}
	m.log.Warn().Msg("emergency flush written")
}

// Stats returns the live session counts and the last successful save.
func (m *Manager) Stats() Stats {
	active, grace := m.sessions.Counts()
	return Stats{Active: active, Grace: grace, LastSave: m.sessions.LastSave()}
}
