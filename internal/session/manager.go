// Package session owns the in-memory voice session state and every
// transition of it: start, heartbeat, disconnect into a grace window,
// reconnect, channel moves, day boundary splits and the final close.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/quartz"
	"github.com/hashicorp/go-multierror"
	"github.com/rs/zerolog"

	"voicepoints/internal/database"
	"voicepoints/internal/fault"
	"voicepoints/internal/metrics"
	"voicepoints/internal/models"
	"voicepoints/internal/points"
	"voicepoints/internal/resilience"
)

// Invalidator drops cached statistics derived from a user's totals.
type Invalidator interface {
	InvalidateUser(userID string) int
}

type noopInvalidator struct{}

func (noopInvalidator) InvalidateUser(string) int { return 0 }

// Config holds the lifecycle settings.
type Config struct {
	GraceWindow time.Duration
	// Location decides which calendar day a session is credited to.
	Location *time.Location
	Rates    points.Rates
}

// Closed describes a finished close.
type Closed struct {
	SessionID     int64
	UserID        string
	ChannelID     string
	Reason        models.CloseReason
	JoinedAt      time.Time
	EndedAt       time.Time
	Minutes       int
	Award         points.Award
	AlreadyClosed bool
}

type graceTimer struct {
	timer *quartz.Timer
	token uint64
}

// Manager implements the session lifecycle on top of a Store and the
// persistent database.Store.
type Manager struct {
	store       Store
	db          database.Store
	calc        points.Calculator
	grace       time.Duration
	loc         *time.Location
	clock       quartz.Clock
	log         zerolog.Logger
	metrics     metrics.Recorder
	invalidator Invalidator
	guard       *fault.Guard

	tokens   atomic.Uint64
	timersMu sync.Mutex
	timers   map[string]graceTimer

	saveMu   sync.Mutex
	lastSave time.Time
}

// Option configures a Manager.
type Option func(*Manager)

// WithClock sets the clock driving grace timers. The default is the real clock.
func WithClock(c quartz.Clock) Option {
	return func(m *Manager) {
		m.clock = c
	}
}

// WithLogger sets the logger.
func WithLogger(l zerolog.Logger) Option {
	return func(m *Manager) {
		m.log = l.With().Str("component", "session").Logger()
	}
}

// WithMetrics sets the metrics recorder.
func WithMetrics(r metrics.Recorder) Option {
	return func(m *Manager) {
		m.metrics = r
	}
}

// WithInvalidator sets the cache dropped after every close.
func WithInvalidator(i Invalidator) Option {
	return func(m *Manager) {
		m.invalidator = i
	}
}

// WithFaultGuard flushes state through g when a grace expiry panics.
func WithFaultGuard(g *fault.Guard) Option {
	return func(m *Manager) {
		m.guard = g
	}
}

// NewManager creates a Manager.
func NewManager(store Store, db database.Store, cfg Config, opts ...Option) (*Manager, error) {
	if cfg.GraceWindow <= 0 {
		return nil, fmt.Errorf("grace window must be positive, got %s", cfg.GraceWindow)
	}
	if cfg.Location == nil {
		cfg.Location = time.Local
	}
	m := &Manager{
		store:       store,
		db:          db,
		calc:        points.NewCalculator(cfg.Rates),
		grace:       cfg.GraceWindow,
		loc:         cfg.Location,
		clock:       quartz.NewReal(),
		log:         zerolog.Nop(),
		metrics:     metrics.Noop{},
		invalidator: noopInvalidator{},
		timers:      make(map[string]graceTimer),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m, nil
}

// Location returns the timezone used for day boundaries.
func (m *Manager) Location() *time.Location {
	return m.loc
}

// GraceWindow returns the reconnect window.
func (m *Manager) GraceWindow() time.Duration {
	return m.grace
}

// Calculator returns the points calculator.
func (m *Manager) Calculator() points.Calculator {
	return m.calc
}

// Clock returns the manager's clock.
func (m *Manager) Clock() quartz.Clock {
	return m.clock
}

// FaultGuard returns the guard set by WithFaultGuard, or nil.
func (m *Manager) FaultGuard() *fault.Guard {
	return m.guard
}

// Active returns the in-memory entry of a user in voice.
func (m *Manager) Active(userID string) (models.ActiveSessionEntry, bool) {
	return m.store.Active(userID)
}

// Grace returns the entry of a user inside the grace window.
func (m *Manager) Grace(userID string) (models.GracePeriodEntry, bool) {
	return m.store.Grace(userID)
}

// ActiveEntries returns a snapshot of every active entry.
func (m *Manager) ActiveEntries() []models.ActiveSessionEntry {
	return m.store.ActiveEntries()
}

// GraceEntries returns a snapshot of every grace entry.
func (m *Manager) GraceEntries() []models.GracePeriodEntry {
	return m.store.GraceEntries()
}

// Counts returns the number of active and grace entries.
func (m *Manager) Counts() (active, grace int) {
	return m.store.Counts()
}

// LastSave returns when session state was last written successfully.
func (m *Manager) LastSave() time.Time {
	m.saveMu.Lock()
	defer m.saveMu.Unlock()
	return m.lastSave
}

func (m *Manager) markSaved() {
	now := m.clock.Now()
	m.saveMu.Lock()
	if now.After(m.lastSave) {
		m.lastSave = now
	}
	m.saveMu.Unlock()
}

// StartSession opens a session for a user who is neither active nor in a
// grace window.
func (m *Manager) StartSession(ctx context.Context, userID, channelID string) (models.ActiveSessionEntry, error) {
	unlock := m.store.Lock(userID)
	defer unlock()
	return m.startLocked(ctx, userID, channelID, m.clock.Now())
}

func (m *Manager) startLocked(ctx context.Context, userID, channelID string, at time.Time) (models.ActiveSessionEntry, error) {
	if a, ok := m.store.Active(userID); ok {
		return models.ActiveSessionEntry{}, &ConflictError{UserID: userID, State: "active", SessionID: a.SessionID}
	}
	if g, ok := m.store.Grace(userID); ok {
		return models.ActiveSessionEntry{}, &ConflictError{UserID: userID, State: "grace period", SessionID: g.SessionID}
	}

	id, err := m.db.CreateSession(ctx, userID, channelID, at)
	if resilience.IsConflict(err) {
		return m.resolveOpenRowLocked(ctx, userID, channelID, at, err)
	}
	if err != nil {
		return models.ActiveSessionEntry{}, fmt.Errorf("failed to start session for %s: %w", userID, err)
	}

	e := models.ActiveSessionEntry{
		UserID:    userID,
		ChannelID: channelID,
		SessionID: id,
		JoinedAt:  at,
		LastSeen:  at,
	}
	m.store.SetActive(e)
	m.metrics.IncSessionsOpened()
	m.markSaved()
	m.log.Info().Str("user", userID).Str("channel", channelID).Int64("session", id).Msg("session started")
	return e, nil
}

// resolveOpenRowLocked handles an insert rejected because the user already
// has an open row but no in-memory entry. A row opened within the grace
// window is taken over, which covers an insert that committed before its
// reply was lost. An older row is closed at its last heartbeat and the insert
// is tried again.
func (m *Manager) resolveOpenRowLocked(ctx context.Context, userID, channelID string, at time.Time, cause error) (models.ActiveSessionEntry, error) {
	row, err := m.db.GetOpenSession(ctx, userID)
	switch {
	case errors.Is(err, resilience.ErrNotFound):
		// Closed in between; the retry below decides.
	case err != nil:
		return models.ActiveSessionEntry{}, &ConflictError{UserID: userID, State: "persisted open", Err: errors.Join(cause, err)}
	default:
		if age := at.Sub(row.JoinedAt); age >= 0 && age <= m.grace {
			return m.adoptLocked(ctx, row, channelID, at), nil
		}
		endedAt, void := row.JoinedAt, true
		if row.LastHeartbeat != nil && row.LastHeartbeat.After(row.JoinedAt) {
			endedAt, void = *row.LastHeartbeat, false
		}
		if _, err := m.closeRow(ctx, closeInput{
			sessionID: row.ID,
			userID:    userID,
			channelID: row.ChannelID,
			joinedAt:  row.JoinedAt,
			endedAt:   endedAt,
			reason:    models.ReasonCrashRecovered,
			note:      "closed: superseded by a new session",
			void:      void,
		}); err != nil {
			return models.ActiveSessionEntry{}, &ConflictError{UserID: userID, State: "persisted open", SessionID: row.ID, Err: errors.Join(cause, err)}
		}
		m.log.Warn().Str("user", userID).Int64("session", row.ID).Time("ended", endedAt).Msg("closed stale open session")
	}

	id, err := m.db.CreateSession(ctx, userID, channelID, at)
	if err != nil {
		if resilience.IsConflict(err) {
			return models.ActiveSessionEntry{}, &ConflictError{UserID: userID, State: "persisted open", Err: err}
		}
		return models.ActiveSessionEntry{}, fmt.Errorf("failed to start session for %s: %w", userID, err)
	}
	e := models.ActiveSessionEntry{UserID: userID, ChannelID: channelID, SessionID: id, JoinedAt: at, LastSeen: at}
	m.store.SetActive(e)
	m.metrics.IncSessionsOpened()
	m.markSaved()
	m.log.Info().Str("user", userID).Str("channel", channelID).Int64("session", id).Msg("session started")
	return e, nil
}

func (m *Manager) adoptLocked(ctx context.Context, row models.VoiceSession, channelID string, at time.Time) models.ActiveSessionEntry {
	e := models.ActiveSessionEntry{
		UserID:    row.UserID,
		ChannelID: row.ChannelID,
		SessionID: row.ID,
		JoinedAt:  row.JoinedAt,
		LastSeen:  at,
	}
	m.store.SetActive(e)
	m.metrics.IncSessionsOpened()
	m.markSaved()
	m.log.Info().Str("user", row.UserID).Int64("session", row.ID).Msg("took over open session row")
	return m.moveLocked(ctx, e, channelID)
}

// HandleJoin routes a join: a user in grace reconnects, an active user moves
// channel and anyone else starts a session.
func (m *Manager) HandleJoin(ctx context.Context, userID, channelID string) (models.ActiveSessionEntry, error) {
	unlock := m.store.Lock(userID)
	defer unlock()

	if a, ok := m.store.Active(userID); ok {
		if a.ChannelID != channelID {
			return m.moveLocked(ctx, a, channelID), nil
		}
		return a, nil
	}
	if _, ok := m.store.Grace(userID); ok {
		return m.reconnectLocked(ctx, userID, channelID)
	}
	return m.startLocked(ctx, userID, channelID, m.clock.Now())
}

// HandleReconnect resumes the session of a user in their grace window. The
// session keeps its id and join time. Without a grace entry it starts a new
// session.
func (m *Manager) HandleReconnect(ctx context.Context, userID, channelID string) (models.ActiveSessionEntry, error) {
	unlock := m.store.Lock(userID)
	defer unlock()
	return m.reconnectLocked(ctx, userID, channelID)
}

func (m *Manager) reconnectLocked(ctx context.Context, userID, channelID string) (models.ActiveSessionEntry, error) {
	g, ok := m.store.Grace(userID)
	if !ok {
		return m.startLocked(ctx, userID, channelID, m.clock.Now())
	}

	if g.PendingClose != nil {
		// The previous session is already over; finish it before starting
		// again.
		if _, err := m.finalizeGraceLocked(ctx, g, g.PendingClose.Reason); err != nil {
			return models.ActiveSessionEntry{}, fmt.Errorf("failed to finish previous session for %s: %w", userID, err)
		}
		return m.startLocked(ctx, userID, channelID, m.clock.Now())
	}

	m.stopTimer(userID)
	now := m.clock.Now()
	e := models.ActiveSessionEntry{
		UserID:          userID,
		ChannelID:       g.ChannelID,
		SessionID:       g.SessionID,
		JoinedAt:        g.JoinedAt,
		LastSeen:        now,
		SplitFrom:       g.SplitFrom,
		CreditedMinutes: g.CreditedMinutes,
	}
	m.store.DeleteGrace(userID)
	m.store.SetActive(e)
	m.log.Info().
		Str("user", userID).
		Int64("session", e.SessionID).
		Dur("away", now.Sub(g.GraceStart)).
		Msg("session resumed within grace window")

	if channelID != "" && channelID != e.ChannelID {
		e = m.moveLocked(ctx, e, channelID)
	}
	return e, nil
}

// MoveChannel records that an active user switched channel. The session
// continues.
func (m *Manager) MoveChannel(ctx context.Context, userID, channelID string) error {
	unlock := m.store.Lock(userID)
	defer unlock()
	a, ok := m.store.Active(userID)
	if !ok {
		return fmt.Errorf("move channel for %s: %w", userID, ErrNoSession)
	}
	m.moveLocked(ctx, a, channelID)
	return nil
}

func (m *Manager) moveLocked(ctx context.Context, a models.ActiveSessionEntry, channelID string) models.ActiveSessionEntry {
	if a.ChannelID == channelID {
		return a
	}
	from := a.ChannelID
	a.ChannelID = channelID
	m.store.SetActive(a)
	if a.SessionID != 0 {
		// The close writes the final channel, so a failure here only delays
		// the stored value.
		if err := m.db.UpdateSessionChannel(ctx, a.SessionID, channelID); err != nil {
			m.log.Warn().Err(err).Str("user", a.UserID).Int64("session", a.SessionID).Msg("failed to persist channel move")
		}
	}
	m.log.Debug().Str("user", a.UserID).Str("from", from).Str("to", channelID).Msg("channel moved")
	return a
}

// HandleDisconnect moves an active user into the grace window and arms the
// expiry timer.
func (m *Manager) HandleDisconnect(ctx context.Context, userID string) error {
	unlock := m.store.Lock(userID)
	defer unlock()

	a, ok := m.store.Active(userID)
	if !ok {
		return fmt.Errorf("disconnect for %s: %w", userID, ErrNoSession)
	}
	now := m.clock.Now()
	g := graceFrom(a, now, m.tokens.Add(1))
	m.store.DeleteActive(userID)
	m.store.SetGrace(g)
	m.armTimer(userID, g.Token)
	m.log.Debug().Str("user", userID).Int64("session", g.SessionID).Msg("session entered grace window")
	return nil
}

func graceFrom(a models.ActiveSessionEntry, leftAt time.Time, token uint64) models.GracePeriodEntry {
	return models.GracePeriodEntry{
		UserID:          a.UserID,
		ChannelID:       a.ChannelID,
		SessionID:       a.SessionID,
		JoinedAt:        a.JoinedAt,
		GraceStart:      leftAt,
		Token:           token,
		SplitFrom:       a.SplitFrom,
		CreditedMinutes: a.CreditedMinutes,
	}
}

func (m *Manager) armTimer(userID string, token uint64) {
	t := m.clock.AfterFunc(m.grace, func() {
		m.expireGrace(userID, token)
	}, "session", "grace")
	m.timersMu.Lock()
	if old, ok := m.timers[userID]; ok {
		old.timer.Stop()
	}
	m.timers[userID] = graceTimer{timer: t, token: token}
	m.timersMu.Unlock()
}

func (m *Manager) stopTimer(userID string) {
	m.timersMu.Lock()
	defer m.timersMu.Unlock()
	if t, ok := m.timers[userID]; ok {
		t.timer.Stop()
		delete(m.timers, userID)
	}
}

// StopTimers cancels every pending grace expiry. Entries stay in the store.
func (m *Manager) StopTimers() {
	m.timersMu.Lock()
	defer m.timersMu.Unlock()
	for user, t := range m.timers {
		t.timer.Stop()
		delete(m.timers, user)
	}
}

func (m *Manager) expireGrace(userID string, token uint64) {
	defer m.guard.Recover("grace expiry")
	unlock := m.store.Lock(userID)
	defer unlock()

	m.timersMu.Lock()
	if t, ok := m.timers[userID]; ok && t.token == token {
		delete(m.timers, userID)
	}
	m.timersMu.Unlock()

	g, ok := m.store.Grace(userID)
	if !ok || g.Token != token || g.PendingClose != nil {
		// Reconnected, re-armed or already finalizing.
		return
	}
	if _, err := m.finalizeGraceLocked(context.Background(), g, models.ReasonGraceExpired); err != nil {
		m.log.Error().Err(err).Str("user", userID).Int64("session", g.SessionID).Msg("failed to close expired session, will retry")
	}
}

// CloseSession closes the user's session now. An active session ends at the
// current time; a session in its grace window ends when the user left.
func (m *Manager) CloseSession(ctx context.Context, userID string, reason models.CloseReason) (Closed, error) {
	if !reason.Valid() {
		return Closed{}, fmt.Errorf("invalid close reason %q", reason)
	}
	unlock := m.store.Lock(userID)
	defer unlock()

	if a, ok := m.store.Active(userID); ok {
		return m.closeActiveLocked(ctx, a, reason)
	}
	if g, ok := m.store.Grace(userID); ok {
		return m.finalizeGraceLocked(ctx, g, reason)
	}
	return Closed{}, fmt.Errorf("close for %s: %w", userID, ErrNoSession)
}

func (m *Manager) closeActiveLocked(ctx context.Context, a models.ActiveSessionEntry, reason models.CloseReason) (Closed, error) {
	g := graceFrom(a, m.clock.Now(), m.tokens.Add(1))
	m.store.DeleteActive(a.UserID)
	m.store.SetGrace(g)
	return m.finalizeGraceLocked(ctx, g, reason)
}

// finalizeGraceLocked closes a grace entry. A pending close keeps its
// recorded reason and end time. On failure the entry stays in the store as a
// pending close.
func (m *Manager) finalizeGraceLocked(ctx context.Context, g models.GracePeriodEntry, reason models.CloseReason) (Closed, error) {
	endedAt := g.GraceStart
	if g.PendingClose != nil {
		reason = g.PendingClose.Reason
		endedAt = g.PendingClose.EndedAt
	}

	fail := func(err error) (Closed, error) {
		g.PendingClose = &models.PendingClose{Reason: reason, EndedAt: endedAt, Err: err.Error()}
		m.store.SetGrace(g)
		return Closed{}, err
	}

	if g.SessionID == 0 {
		id, err := m.db.CreateSession(ctx, g.UserID, g.ChannelID, g.JoinedAt)
		if err != nil {
			return fail(fmt.Errorf("failed to persist session for %s: %w", g.UserID, err))
		}
		g.SessionID = id
	}

	closed, err := m.closeRow(ctx, closeInput{
		sessionID: g.SessionID,
		userID:    g.UserID,
		channelID: g.ChannelID,
		joinedAt:  g.JoinedAt,
		endedAt:   endedAt,
		reason:    reason,
		splitFrom: g.SplitFrom,
		credited:  g.CreditedMinutes,
	})
	if err != nil {
		return fail(err)
	}
	m.stopTimer(g.UserID)
	m.store.DeleteGrace(g.UserID)
	return closed, nil
}

type closeInput struct {
	sessionID int64
	userID    string
	channelID string
	joinedAt  time.Time
	endedAt   time.Time
	reason    models.CloseReason
	note      string
	void      bool
	// splitFrom and credited continue a session split at a day boundary.
	splitFrom time.Time
	credited  int
}

// sessionMinutes counts whole minutes from the original join so that the
// parts of a split session add up to the unsplit duration.
func (in closeInput) sessionMinutes(elapsed time.Duration) int {
	if in.void {
		return 0
	}
	if in.splitFrom.IsZero() {
		return int(elapsed / time.Minute)
	}
	minutes := int(in.endedAt.Sub(in.splitFrom)/time.Minute) - in.credited
	if minutes < 0 {
		return 0
	}
	return minutes
}

// closeRow persists a close and credits the session to the day it started.
func (m *Manager) closeRow(ctx context.Context, in closeInput) (Closed, error) {
	elapsed := in.endedAt.Sub(in.joinedAt)
	if elapsed < 0 || in.void {
		elapsed = 0
	}
	minutes := in.sessionMinutes(elapsed)

	res, err := m.db.CloseSession(ctx, database.CloseParams{
		SessionID:  in.sessionID,
		UserID:     in.userID,
		ChannelID:  in.channelID,
		EndedAt:    in.endedAt,
		Minutes:    minutes,
		Seconds:    int64(elapsed / time.Second),
		Reason:     in.reason,
		Note:       in.note,
		Day:        models.DayKey(in.joinedAt, m.loc),
		DayStart:   models.DayStart(in.joinedAt, m.loc),
		MonthStart: models.MonthStart(in.joinedAt, m.loc),
		Award: func(prior int) points.Award {
			return m.calc.AwardForSession(prior, minutes)
		},
		Void: in.void,
	})
	if err != nil {
		return Closed{}, fmt.Errorf("failed to close session %d for %s: %w", in.sessionID, in.userID, err)
	}

	closed := Closed{
		SessionID:     in.sessionID,
		UserID:        in.userID,
		ChannelID:     in.channelID,
		Reason:        in.reason,
		JoinedAt:      in.joinedAt,
		EndedAt:       in.endedAt,
		Minutes:       minutes,
		Award:         res.Award,
		AlreadyClosed: res.AlreadyClosed,
	}
	m.markSaved()
	m.invalidator.InvalidateUser(in.userID)
	if res.AlreadyClosed {
		m.log.Warn().Str("user", in.userID).Int64("session", in.sessionID).Msg("session was already closed, nothing credited")
		return closed, nil
	}
	m.metrics.IncSessionsClosed(string(in.reason))
	m.metrics.AddPointsAwarded(res.Award.Points)
	m.log.Info().
		Str("user", in.userID).
		Int64("session", in.sessionID).
		Str("reason", string(in.reason)).
		Int("minutes", minutes).
		Int("points", res.Award.Points).
		Int("capped_minutes", res.Award.CappedMinutes).
		Msg("session closed")
	return closed, nil
}

// CloseOrphan closes a persisted session that has no in-memory entry.
func (m *Manager) CloseOrphan(ctx context.Context, s models.VoiceSession, endedAt time.Time, reason models.CloseReason, note string, void bool) (Closed, error) {
	unlock := m.store.Lock(s.UserID)
	defer unlock()
	return m.closeRow(ctx, closeInput{
		sessionID: s.ID,
		userID:    s.UserID,
		channelID: s.ChannelID,
		joinedAt:  s.JoinedAt,
		endedAt:   endedAt,
		reason:    reason,
		note:      note,
		void:      void,
	})
}

// RecordHeartbeat persists the elapsed duration of every active session and
// retries pending closes. One user's failure does not stop the pass.
func (m *Manager) RecordHeartbeat(ctx context.Context) error {
	return m.heartbeatWhere(ctx, nil)
}

func (m *Manager) heartbeatWhere(ctx context.Context, include func(userID string) bool) error {
	var result *multierror.Error
	for _, snap := range m.store.ActiveEntries() {
		if include != nil && !include(snap.UserID) {
			continue
		}
		if err := m.heartbeatUser(ctx, snap.UserID); err != nil {
			m.metrics.IncHeartbeatFailures()
			result = multierror.Append(result, err)
		}
	}
	for _, snap := range m.store.GraceEntries() {
		if snap.PendingClose == nil || (include != nil && !include(snap.UserID)) {
			continue
		}
		if err := m.retryPending(ctx, snap.UserID); err != nil {
			result = multierror.Append(result, err)
		}
	}
	return result.ErrorOrNil()
}

func (m *Manager) heartbeatUser(ctx context.Context, userID string) error {
	unlock := m.store.Lock(userID)
	defer unlock()
	a, ok := m.store.Active(userID)
	if !ok {
		return nil
	}
	now := m.clock.Now()

	if a.SessionID == 0 {
		id, err := m.db.CreateSession(ctx, a.UserID, a.ChannelID, a.JoinedAt)
		if err != nil {
			return fmt.Errorf("failed to persist session for %s: %w", userID, err)
		}
		a.SessionID = id
		m.store.SetActive(a)
	}

	minutes := int(now.Sub(a.JoinedAt) / time.Minute)
	if err := m.db.UpdateHeartbeat(ctx, a.SessionID, now, minutes); err != nil {
		return fmt.Errorf("failed to record heartbeat for %s: %w", userID, err)
	}
	a.LastSeen = now
	m.store.SetActive(a)
	m.markSaved()
	return nil
}

func (m *Manager) retryPending(ctx context.Context, userID string) error {
	unlock := m.store.Lock(userID)
	defer unlock()
	g, ok := m.store.Grace(userID)
	if !ok || g.PendingClose == nil {
		return nil
	}
	_, err := m.finalizeGraceLocked(ctx, g, g.PendingClose.Reason)
	return err
}

// SplitAtBoundary closes the part of the user's session before boundary and
// continues it in a new session starting at boundary. Sessions that started
// at or after boundary are left alone, so repeated calls are harmless. When
// the close fails the entry is unchanged and the split can be retried.
func (m *Manager) SplitAtBoundary(ctx context.Context, userID string, boundary time.Time) error {
	unlock := m.store.Lock(userID)
	defer unlock()

	if a, ok := m.store.Active(userID); ok {
		return m.splitActiveLocked(ctx, a, boundary)
	}
	if g, ok := m.store.Grace(userID); ok {
		return m.splitGraceLocked(ctx, g, boundary)
	}
	return nil
}

func (m *Manager) splitActiveLocked(ctx context.Context, a models.ActiveSessionEntry, boundary time.Time) error {
	if !a.JoinedAt.Before(boundary) {
		return nil
	}
	if a.SessionID == 0 {
		id, err := m.db.CreateSession(ctx, a.UserID, a.ChannelID, a.JoinedAt)
		if err != nil {
			return fmt.Errorf("failed to persist session for %s: %w", a.UserID, err)
		}
		a.SessionID = id
		m.store.SetActive(a)
	}

	closed, err := m.closeRow(ctx, closeInput{
		sessionID: a.SessionID,
		userID:    a.UserID,
		channelID: a.ChannelID,
		joinedAt:  a.JoinedAt,
		endedAt:   boundary,
		reason:    models.ReasonBoundarySplit,
		splitFrom: a.SplitFrom,
		credited:  a.CreditedMinutes,
	})
	if err != nil {
		return err
	}

	next := a
	next.JoinedAt = boundary
	next.SessionID = 0
	next.SplitFrom, next.CreditedMinutes = continueSplit(a.SplitFrom, a.JoinedAt, a.CreditedMinutes, closed.Minutes)
	id, err := m.db.CreateSession(ctx, a.UserID, a.ChannelID, boundary)
	if err == nil {
		next.SessionID = id
		m.metrics.IncSessionsOpened()
	}
	m.store.SetActive(next)
	if err != nil {
		return fmt.Errorf("failed to open continuation session for %s: %w", a.UserID, err)
	}
	m.log.Info().Str("user", a.UserID).Int64("closed", a.SessionID).Int64("opened", id).Msg("session split at day boundary")
	return nil
}

func (m *Manager) splitGraceLocked(ctx context.Context, g models.GracePeriodEntry, boundary time.Time) error {
	if !g.JoinedAt.Before(boundary) {
		return nil
	}
	leftAt := g.GraceStart
	reason := models.ReasonBoundarySplit
	if g.PendingClose != nil {
		leftAt = g.PendingClose.EndedAt
		reason = g.PendingClose.Reason
	}

	if !leftAt.After(boundary) {
		// The user left before midnight; the session is over and a reconnect
		// belongs to the new day.
		_, err := m.finalizeGraceLocked(ctx, g, reason)
		return err
	}

	if g.SessionID == 0 {
		id, err := m.db.CreateSession(ctx, g.UserID, g.ChannelID, g.JoinedAt)
		if err != nil {
			return fmt.Errorf("failed to persist session for %s: %w", g.UserID, err)
		}
		g.SessionID = id
		m.store.SetGrace(g)
	}
	closed, err := m.closeRow(ctx, closeInput{
		sessionID: g.SessionID,
		userID:    g.UserID,
		channelID: g.ChannelID,
		joinedAt:  g.JoinedAt,
		endedAt:   boundary,
		reason:    models.ReasonBoundarySplit,
		splitFrom: g.SplitFrom,
		credited:  g.CreditedMinutes,
	})
	if err != nil {
		return err
	}

	next := g
	next.JoinedAt = boundary
	next.SessionID = 0
	next.SplitFrom, next.CreditedMinutes = continueSplit(g.SplitFrom, g.JoinedAt, g.CreditedMinutes, closed.Minutes)
	id, err := m.db.CreateSession(ctx, g.UserID, g.ChannelID, boundary)
	if err == nil {
		next.SessionID = id
		m.metrics.IncSessionsOpened()
	}
	m.store.SetGrace(next)
	if err != nil {
		return fmt.Errorf("failed to open continuation session for %s: %w", g.UserID, err)
	}
	return nil
}

func continueSplit(splitFrom, joinedAt time.Time, credited, closedMinutes int) (time.Time, int) {
	if splitFrom.IsZero() {
		splitFrom = joinedAt
	}
	return splitFrom, credited + closedMinutes
}

// UsersToSplit lists tracked users whose session started before boundary.
func (m *Manager) UsersToSplit(boundary time.Time) []string {
	var users []string
	for _, a := range m.store.ActiveEntries() {
		if a.JoinedAt.Before(boundary) {
			users = append(users, a.UserID)
		}
	}
	for _, g := range m.store.GraceEntries() {
		if g.JoinedAt.Before(boundary) {
			users = append(users, g.UserID)
		}
	}
	return users
}

// InProgressMinutes returns the minutes the user's unclosed session has
// accrued since dayStart. A session in its grace window counts up to when
// the user left.
func (m *Manager) InProgressMinutes(userID string, dayStart time.Time) int {
	var from, until time.Time
	if a, ok := m.store.Active(userID); ok {
		from, until = a.JoinedAt, m.clock.Now()
	} else if g, ok := m.store.Grace(userID); ok {
		from, until = g.JoinedAt, g.GraceStart
		if g.PendingClose != nil {
			until = g.PendingClose.EndedAt
		}
	} else {
		return 0
	}
	if from.Before(dayStart) {
		from = dayStart
	}
	d := until.Sub(from)
	if d < 0 {
		return 0
	}
	return int(d / time.Minute)
}

// IsNoSession reports whether err means the user had nothing to act on.
func IsNoSession(err error) bool {
	return errors.Is(err, ErrNoSession)
}
