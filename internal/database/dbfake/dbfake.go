// Package dbfake provides an in-memory database.Store for tests. It keeps the
// same invariants as the Postgres store (one open session per user,
// idempotent close) and lets tests inject failures per operation.
package dbfake

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"voicepoints/internal/database"
	"voicepoints/internal/models"
	"voicepoints/internal/resilience"
)

// Operation names accepted by FailNext, FailAlways and SetHook.
const (
	OpCreateSession        = "CreateSession"
	OpUpdateHeartbeat      = "UpdateHeartbeat"
	OpUpdateSessionChannel = "UpdateSessionChannel"
	OpCloseSession         = "CloseSession"
	OpListOpenSessions     = "ListOpenSessions"
	OpGetOpenSession       = "GetOpenSession"
	OpGetDailyStat         = "GetDailyStat"
	OpGetUser              = "GetUser"
	OpTopUsers             = "TopUsers"
	OpChannelTotals        = "ChannelTotals"
	OpArchiveDailyStats    = "ArchiveDailyStats"
	OpResetDailyCounters   = "ResetDailyCounters"
	OpResetMonthlyCounters = "ResetMonthlyCounters"
	OpPing                 = "Ping"
)

type statKey struct {
	user string
	day  string
}

type channelKey struct {
	user    string
	channel string
}

// Fake is an in-memory Store. The zero value is not usable; call New.
type Fake struct {
	mu       sync.Mutex
	nextID   int64
	sessions map[int64]*models.VoiceSession
	stats    map[statKey]*models.DailyStat
	users    map[string]*models.UserAccount
	channels map[channelKey]int64
	houses   map[string]int64

	failNext map[string][]error
	// failAfter fails a call after its write has been applied.
	failAfter map[string][]error
	failAll   map[string]error
	hooks     map[string]func(context.Context) error
	calls     map[string]int
}

var _ database.Store = (*Fake)(nil)

func New() *Fake {
	return &Fake{
		sessions:  make(map[int64]*models.VoiceSession),
		stats:     make(map[statKey]*models.DailyStat),
		users:     make(map[string]*models.UserAccount),
		channels:  make(map[channelKey]int64),
		houses:    make(map[string]int64),
		failNext:  make(map[string][]error),
		failAfter: make(map[string][]error),
		failAll:   make(map[string]error),
		hooks:     make(map[string]func(context.Context) error),
		calls:     make(map[string]int),
	}
}

// FailNext makes the next len(errs) calls of op fail with errs in order.
func (f *Fake) FailNext(op string, errs ...error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failNext[op] = append(f.failNext[op], errs...)
}

// FailAfterCommit makes the next len(errs) calls of op apply their write and
// then fail with errs in order, like a connection lost after the commit.
// CreateSession and CloseSession honour it.
func (f *Fake) FailAfterCommit(op string, errs ...error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failAfter[op] = append(f.failAfter[op], errs...)
}

// popAfter must be called with f.mu held.
func (f *Fake) popAfter(op string) error {
	q := f.failAfter[op]
	if len(q) == 0 {
		return nil
	}
	f.failAfter[op] = q[1:]
	return q[0]
}

// FailAlways makes every call of op fail with err. A nil err clears it.
func (f *Fake) FailAlways(op string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err == nil {
		delete(f.failAll, op)
		return
	}
	f.failAll[op] = err
}

// SetHook runs fn before every call of op, outside the fake's lock. A non-nil
// result fails the call. Hooks may block.
func (f *Fake) SetHook(op string, fn func(context.Context) error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if fn == nil {
		delete(f.hooks, op)
		return
	}
	f.hooks[op] = fn
}

// Calls returns how many times op was invoked, including failed calls.
func (f *Fake) Calls(op string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[op]
}

func (f *Fake) enter(ctx context.Context, op string) error {
	f.mu.Lock()
	f.calls[op]++
	hook := f.hooks[op]
	var err error
	if q := f.failNext[op]; len(q) > 0 {
		err = q[0]
		f.failNext[op] = q[1:]
	} else if e, ok := f.failAll[op]; ok {
		err = e
	}
	f.mu.Unlock()

	if err != nil {
		return err
	}
	if hook != nil {
		if err := hook(ctx); err != nil {
			return err
		}
	}
	return ctx.Err()
}

// InsertSession stores a row as is, for seeding orphaned sessions. A zero ID
// is assigned.
func (f *Fake) InsertSession(s models.VoiceSession) int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	if s.ID == 0 {
		f.nextID++
		s.ID = f.nextID
	} else if s.ID > f.nextID {
		f.nextID = s.ID
	}
	f.sessions[s.ID] = &s
	return s.ID
}

// Session returns a copy of a stored row.
func (f *Fake) Session(id int64) (models.VoiceSession, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.sessions[id]
	if !ok {
		return models.VoiceSession{}, false
	}
	return *s, true
}

// SessionsFor returns all rows of a user ordered by id.
func (f *Fake) SessionsFor(userID string) []models.VoiceSession {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []models.VoiceSession
	for _, s := range f.sessions {
		if s.UserID == userID {
			out = append(out, *s)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// PutUser stores an account as is.
func (f *Fake) PutUser(u models.UserAccount) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.users[u.UserID] = &u
}

// HousePoints returns the total of a house.
func (f *Fake) HousePoints(house string) int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.houses[house]
}

func (f *Fake) CreateSession(ctx context.Context, userID, channelID string, joinedAt time.Time) (int64, error) {
	if err := f.enter(ctx, OpCreateSession); err != nil {
		return 0, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, s := range f.sessions {
		if s.UserID == userID && s.Open() {
			return 0, fmt.Errorf("user %s already has open session %d: %w", userID, s.ID, resilience.ErrConflict)
		}
	}
	f.nextID++
	f.sessions[f.nextID] = &models.VoiceSession{
		ID:        f.nextID,
		UserID:    userID,
		ChannelID: channelID,
		JoinedAt:  joinedAt,
	}
	if err := f.popAfter(OpCreateSession); err != nil {
		return 0, err
	}
	return f.nextID, nil
}

func (f *Fake) openSession(id int64) (*models.VoiceSession, error) {
	s, ok := f.sessions[id]
	if !ok || !s.Open() {
		return nil, fmt.Errorf("open session %d: %w", id, resilience.ErrNotFound)
	}
	return s, nil
}

func (f *Fake) UpdateHeartbeat(ctx context.Context, sessionID int64, at time.Time, minutes int) error {
	if err := f.enter(ctx, OpUpdateHeartbeat); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	s, err := f.openSession(sessionID)
	if err != nil {
		return err
	}
	s.LastHeartbeat = &at
	s.CurrentDurationMinutes = minutes
	return nil
}

func (f *Fake) UpdateSessionChannel(ctx context.Context, sessionID int64, channelID string) error {
	if err := f.enter(ctx, OpUpdateSessionChannel); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	s, err := f.openSession(sessionID)
	if err != nil {
		return err
	}
	s.ChannelID = channelID
	return nil
}

func (f *Fake) CloseSession(ctx context.Context, p database.CloseParams) (database.CloseResult, error) {
	if err := f.enter(ctx, OpCloseSession); err != nil {
		return database.CloseResult{}, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()

	s, ok := f.sessions[p.SessionID]
	if !ok {
		return database.CloseResult{}, fmt.Errorf("session %d: %w", p.SessionID, resilience.ErrNotFound)
	}
	if !s.Open() {
		return database.CloseResult{AlreadyClosed: true}, nil
	}

	ended := p.EndedAt
	s.LeftAt = &ended
	s.CloseReason = string(p.Reason)
	s.RecoveryNote = p.Note
	if p.Void {
		zero := 0
		s.DurationMinutes = &zero
		return database.CloseResult{}, f.popAfter(OpCloseSession)
	}

	var out database.CloseResult
	key := statKey{p.UserID, p.Day}
	stat, ok := f.stats[key]
	if !ok {
		stat = &models.DailyStat{UserID: p.UserID, Date: p.Day}
		f.stats[key] = stat
	}
	out.PriorMinutes = stat.TotalMinutes
	if p.Award != nil {
		out.Award = p.Award(out.PriorMinutes)
	}

	minutes := p.Minutes
	s.DurationMinutes = &minutes
	s.CurrentDurationMinutes = minutes
	s.PointsEarned = out.Award.Points
	if p.ChannelID != "" {
		s.ChannelID = p.ChannelID
	}

	stat.TotalMinutes += p.Minutes
	stat.PointsEarned += out.Award.Points
	stat.SessionCount++

	acct, ok := f.users[p.UserID]
	if !ok {
		acct = &models.UserAccount{UserID: p.UserID}
		f.users[p.UserID] = acct
	}
	acct.Credit(p.DayStart, p.MonthStart, out.Award.Points, p.Minutes)
	out.Account = *acct

	if p.Seconds > 0 {
		f.channels[channelKey{p.UserID, p.ChannelID}] += p.Seconds
	}
	if acct.House != nil && *acct.House != "" && out.Award.Points > 0 {
		f.houses[*acct.House] += int64(out.Award.Points)
	}
	if err := f.popAfter(OpCloseSession); err != nil {
		return database.CloseResult{}, err
	}
	return out, nil
}

func (f *Fake) ListOpenSessions(ctx context.Context) ([]models.VoiceSession, error) {
	if err := f.enter(ctx, OpListOpenSessions); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []models.VoiceSession
	for _, s := range f.sessions {
		if s.Open() {
			out = append(out, *s)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].JoinedAt.Before(out[j].JoinedAt) })
	return out, nil
}

func (f *Fake) GetOpenSession(ctx context.Context, userID string) (models.VoiceSession, error) {
	if err := f.enter(ctx, OpGetOpenSession); err != nil {
		return models.VoiceSession{}, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, s := range f.sessions {
		if s.UserID == userID && s.Open() {
			return *s, nil
		}
	}
	return models.VoiceSession{}, fmt.Errorf("open session of %s: %w", userID, resilience.ErrNotFound)
}

func (f *Fake) GetDailyStat(ctx context.Context, userID, day string) (models.DailyStat, error) {
	if err := f.enter(ctx, OpGetDailyStat); err != nil {
		return models.DailyStat{}, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if s, ok := f.stats[statKey{userID, day}]; ok {
		return *s, nil
	}
	return models.DailyStat{UserID: userID, Date: day}, nil
}

func (f *Fake) GetUser(ctx context.Context, userID string) (models.UserAccount, error) {
	if err := f.enter(ctx, OpGetUser); err != nil {
		return models.UserAccount{}, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	u, ok := f.users[userID]
	if !ok {
		return models.UserAccount{}, fmt.Errorf("user %s: %w", userID, resilience.ErrNotFound)
	}
	return *u, nil
}

func (f *Fake) TopUsers(ctx context.Context, period database.Period, limit int) ([]models.UserAccount, error) {
	if err := f.enter(ctx, OpTopUsers); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	score := func(u *models.UserAccount) int64 {
		switch period {
		case database.PeriodDaily:
			return int64(u.DailyPoints)
		case database.PeriodMonthly:
			return int64(u.MonthlyPoints)
		}
		return u.TotalPoints
	}
	var out []models.UserAccount
	for _, u := range f.users {
		if score(u) > 0 {
			out = append(out, *u)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		si, sj := score(&out[i]), score(&out[j])
		if si != sj {
			return si > sj
		}
		return out[i].UserID < out[j].UserID
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (f *Fake) ChannelTotals(ctx context.Context, userID string) ([]models.ChannelTotal, error) {
	if err := f.enter(ctx, OpChannelTotals); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []models.ChannelTotal
	for k, secs := range f.channels {
		if k.user == userID {
			out = append(out, models.ChannelTotal{UserID: userID, ChannelID: k.channel, TotalSeconds: secs})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TotalSeconds > out[j].TotalSeconds })
	return out, nil
}

func (f *Fake) ArchiveDailyStats(ctx context.Context, before string) (int64, error) {
	if err := f.enter(ctx, OpArchiveDailyStats); err != nil {
		return 0, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	var n int64
	for _, s := range f.stats {
		// DateLayout sorts lexically.
		if s.Date < before && !s.Archived {
			s.Archived = true
			n++
		}
	}
	return n, nil
}

// Stat returns a stored daily row, including archived ones.
func (f *Fake) Stat(userID, day string) (models.DailyStat, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.stats[statKey{userID, day}]
	if !ok {
		return models.DailyStat{}, false
	}
	return *s, true
}

func (f *Fake) ResetDailyCounters(ctx context.Context, boundary time.Time) (int64, error) {
	if err := f.enter(ctx, OpResetDailyCounters); err != nil {
		return 0, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	var n int64
	for _, u := range f.users {
		if u.RollDaily(boundary) {
			n++
		}
	}
	return n, nil
}

func (f *Fake) ResetMonthlyCounters(ctx context.Context, monthStart time.Time) (int64, error) {
	if err := f.enter(ctx, OpResetMonthlyCounters); err != nil {
		return 0, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	var n int64
	for _, u := range f.users {
		if u.RollMonthly(monthStart) {
			n++
		}
	}
	return n, nil
}

func (f *Fake) Ping(ctx context.Context) error {
	return f.enter(ctx, OpPing)
}
