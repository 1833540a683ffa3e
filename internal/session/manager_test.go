package session

import (
	"context"
	"errors"
	"fmt"
	"syscall"
	"testing"
	"time"

	"github.com/coder/quartz"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"voicepoints/internal/database"
	"voicepoints/internal/database/dbfake"
	"voicepoints/internal/fault"
	"voicepoints/internal/models"
	"voicepoints/internal/points"
	"voicepoints/internal/resilience"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

const grace = 60 * time.Second

type countingInvalidator struct {
	users []string
}

func (c *countingInvalidator) InvalidateUser(userID string) int {
	c.users = append(c.users, userID)
	return 1
}

type harness struct {
	m     *Manager
	db    *dbfake.Fake
	clock *quartz.Mock
	inv   *countingInvalidator
	ctx   context.Context
}

func newHarness(t *testing.T, start time.Time, opts ...Option) *harness {
	t.Helper()
	clock := quartz.NewMock(t)
	clock.Set(start)
	db := dbfake.New()
	inv := &countingInvalidator{}
	m, err := NewManager(NewMemoryStore(), db, Config{
		GraceWindow: grace,
		Location:    time.UTC,
		Rates:       points.DefaultRates(),
	}, append([]Option{WithClock(clock), WithInvalidator(inv)}, opts...)...)
	require.NoError(t, err)
	return &harness{m: m, db: db, clock: clock, inv: inv, ctx: context.Background()}
}

func at(h, min int) time.Time {
	return time.Date(2026, 10, 15, h, min, 0, 0, time.UTC)
}

func TestNewManager_RequiresGraceWindow(t *testing.T) {
	_, err := NewManager(NewMemoryStore(), dbfake.New(), Config{})
	assert.Error(t, err)
}

func TestStartSession_Conflicts(t *testing.T) {
	h := newHarness(t, at(10, 0))

	e, err := h.m.StartSession(h.ctx, "u1", "c1")
	require.NoError(t, err)
	assert.NotZero(t, e.SessionID)

	_, err = h.m.StartSession(h.ctx, "u1", "c2")
	var conflict *ConflictError
	require.ErrorAs(t, err, &conflict)
	assert.Equal(t, "active", conflict.State)
	assert.ErrorIs(t, err, resilience.ErrConflict)

	require.NoError(t, h.m.HandleDisconnect(h.ctx, "u1"))
	_, err = h.m.StartSession(h.ctx, "u1", "c2")
	require.ErrorAs(t, err, &conflict)
	assert.Equal(t, "grace period", conflict.State)

	h.m.StopTimers()
}

func TestStartSession_ClosesStaleOpenRow(t *testing.T) {
	h := newHarness(t, at(10, 0))
	hb := at(9, 30)
	old := h.db.InsertSession(models.VoiceSession{UserID: "u1", ChannelID: "c1", JoinedAt: at(9, 0), LastHeartbeat: &hb})

	e, err := h.m.StartSession(h.ctx, "u1", "c2")
	require.NoError(t, err)
	assert.NotEqual(t, old, e.SessionID)
	assert.True(t, e.JoinedAt.Equal(at(10, 0)))

	row, ok := h.db.Session(old)
	require.True(t, ok)
	require.NotNil(t, row.LeftAt)
	assert.True(t, row.LeftAt.Equal(hb), "ends at the last heartbeat")
	assert.Equal(t, 30, *row.DurationMinutes)
	assert.Equal(t, string(models.ReasonCrashRecovered), row.CloseReason)

	// Later joins are no longer rejected.
	require.NoError(t, h.m.HandleDisconnect(h.ctx, "u1"))
	_, err = h.m.CloseSession(h.ctx, "u1", models.ReasonUserLeft)
	require.NoError(t, err)
	_, err = h.m.HandleJoin(h.ctx, "u1", "c1")
	require.NoError(t, err)
	h.m.StopTimers()
}

func TestStartSession_OpenRowLookupFailure(t *testing.T) {
	h := newHarness(t, at(10, 0))
	h.db.InsertSession(models.VoiceSession{UserID: "u1", ChannelID: "c1", JoinedAt: at(9, 0)})
	h.db.FailNext(dbfake.OpGetOpenSession, errors.New("db down"))

	_, err := h.m.StartSession(h.ctx, "u1", "c1")
	var conflict *ConflictError
	require.ErrorAs(t, err, &conflict)
	assert.Equal(t, "persisted open", conflict.State)
	_, ok := h.m.Active("u1")
	assert.False(t, ok)
}

func TestStartSession_TakesOverRowCommittedBeforeLostReply(t *testing.T) {
	clock := quartz.NewMock(t)
	clock.Set(at(10, 0))
	fake := dbfake.New()
	exec, err := resilience.NewExecutor(map[resilience.Class]resilience.Policy{
		resilience.ClassQuery: {
			FailureThreshold: 10,
			RecoveryTimeout:  time.Minute,
			MaxAttempts:      3,
			InitialBackoff:   time.Millisecond,
			MaxBackoff:       2 * time.Millisecond,
			Timeout:          time.Second,
		},
	})
	require.NoError(t, err)
	m, err := NewManager(NewMemoryStore(), database.NewResilientStore(fake, exec), Config{
		GraceWindow: grace,
		Location:    time.UTC,
		Rates:       points.DefaultRates(),
	}, WithClock(clock))
	require.NoError(t, err)
	ctx := context.Background()

	// The insert commits, the reply is lost and the retry hits the open row.
	fake.FailAfterCommit(dbfake.OpCreateSession, fmt.Errorf("read reply: %w", syscall.ECONNRESET))
	e, err := m.HandleJoin(ctx, "u1", "c1")
	require.NoError(t, err)

	rows := fake.SessionsFor("u1")
	require.Len(t, rows, 1)
	assert.Equal(t, rows[0].ID, e.SessionID)
	assert.True(t, rows[0].Open())

	clock.Advance(90 * time.Minute)
	require.NoError(t, m.HandleDisconnect(ctx, "u1"))
	closed, err := m.CloseSession(ctx, "u1", models.ReasonUserLeft)
	require.NoError(t, err)
	assert.Equal(t, 90, closed.Minutes)
	assert.Equal(t, 5, closed.Award.Points)
}

func TestStartSession_StoreFailureLeavesNoEntry(t *testing.T) {
	h := newHarness(t, at(10, 0))
	h.db.FailNext(dbfake.OpCreateSession, errors.New("db down"))

	_, err := h.m.StartSession(h.ctx, "u1", "c1")
	require.Error(t, err)
	active, graceCount := h.m.Counts()
	assert.Zero(t, active)
	assert.Zero(t, graceCount)
}

func TestReconnectWithinGraceKeepsSession(t *testing.T) {
	h := newHarness(t, at(10, 0))
	ctx := context.Background()

	started, err := h.m.StartSession(h.ctx, "u1", "c1")
	require.NoError(t, err)

	h.clock.Advance(30 * time.Minute)
	require.NoError(t, h.m.HandleDisconnect(h.ctx, "u1"))
	h.clock.Advance(10 * time.Second)

	resumed, err := h.m.HandleReconnect(h.ctx, "u1", "c2")
	require.NoError(t, err)
	assert.Equal(t, started.SessionID, resumed.SessionID)
	assert.Equal(t, started.JoinedAt, resumed.JoinedAt)
	assert.Equal(t, "c2", resumed.ChannelID)

	// The old expiry must not fire.
	h.clock.Advance(grace).MustWait(ctx)
	a, ok := h.m.Active("u1")
	require.True(t, ok)
	assert.Equal(t, started.SessionID, a.SessionID)

	h.clock.Advance(30 * time.Minute)
	closed, err := h.m.CloseSession(h.ctx, "u1", models.ReasonUserLeft)
	require.NoError(t, err)
	assert.Equal(t, started.SessionID, closed.SessionID)
	// 30m + 10s + 60s + 30m of continuous time.
	assert.Equal(t, 61, closed.Minutes)
	assert.Equal(t, 5, closed.Award.Points)

	row, ok := h.db.Session(started.SessionID)
	require.True(t, ok)
	assert.Equal(t, "c2", row.ChannelID)
	assert.Len(t, h.db.SessionsFor("u1"), 1)
}

func TestGraceExpiryClosesAtLeaveTime(t *testing.T) {
	h := newHarness(t, at(10, 0))
	ctx := context.Background()

	started, err := h.m.StartSession(h.ctx, "u1", "c1")
	require.NoError(t, err)
	h.clock.Advance(2 * time.Hour)
	require.NoError(t, h.m.HandleDisconnect(h.ctx, "u1"))

	h.clock.Advance(grace).MustWait(ctx)

	active, graceCount := h.m.Counts()
	assert.Zero(t, active)
	assert.Zero(t, graceCount)

	row, ok := h.db.Session(started.SessionID)
	require.True(t, ok)
	require.NotNil(t, row.LeftAt)
	assert.True(t, row.LeftAt.Equal(at(12, 0)), "ends when the user left, not when grace expired")
	assert.Equal(t, 120, *row.DurationMinutes)
	assert.Equal(t, 7, row.PointsEarned)
	assert.Equal(t, string(models.ReasonGraceExpired), row.CloseReason)
	assert.Contains(t, h.inv.users, "u1")
}

func TestGraceExpiryPanicRunsFaultHook(t *testing.T) {
	guard := fault.NewGuard(zerolog.Nop())
	var flushed []any
	guard.SetHook(func(r any) { flushed = append(flushed, r) })
	h := newHarness(t, at(10, 0), WithFaultGuard(guard))

	_, err := h.m.StartSession(h.ctx, "u1", "c1")
	require.NoError(t, err)
	h.clock.Advance(30 * time.Minute)
	require.NoError(t, h.m.HandleDisconnect(h.ctx, "u1"))
	g, ok := h.m.Grace("u1")
	require.True(t, ok)
	h.m.StopTimers()

	h.db.SetHook(dbfake.OpCloseSession, func(context.Context) error { panic("store exploded") })
	assert.PanicsWithValue(t, "store exploded", func() { h.m.expireGrace("u1", g.Token) })
	assert.Equal(t, []any{"store exploded"}, flushed)

	// The user's lock was released while unwinding.
	h.db.SetHook(dbfake.OpCloseSession, nil)
	closed, err := h.m.CloseSession(h.ctx, "u1", models.ReasonShutdown)
	require.NoError(t, err)
	assert.Equal(t, 30, closed.Minutes)
}

func TestRedisconnectRearmsTimer(t *testing.T) {
	h := newHarness(t, at(10, 0))
	ctx := context.Background()

	_, err := h.m.StartSession(h.ctx, "u1", "c1")
	require.NoError(t, err)
	h.clock.Advance(10 * time.Minute)
	require.NoError(t, h.m.HandleDisconnect(h.ctx, "u1"))
	h.clock.Advance(40 * time.Second)
	_, err = h.m.HandleReconnect(h.ctx, "u1", "c1")
	require.NoError(t, err)
	h.clock.Advance(10 * time.Second)
	require.NoError(t, h.m.HandleDisconnect(h.ctx, "u1"))

	// 20s later the first timer would have fired.
	h.clock.Advance(20 * time.Second).MustWait(ctx)
	_, ok := h.m.Grace("u1")
	assert.True(t, ok)

	h.clock.Advance(40 * time.Second).MustWait(ctx)
	_, ok = h.m.Grace("u1")
	assert.False(t, ok)
}

func TestCloseFailureKeepsPendingEntry(t *testing.T) {
	h := newHarness(t, at(10, 0))

	started, err := h.m.StartSession(h.ctx, "u1", "c1")
	require.NoError(t, err)
	h.clock.Advance(90 * time.Minute)

	h.db.FailAlways(dbfake.OpCloseSession, errors.New("db down"))
	_, err = h.m.CloseSession(h.ctx, "u1", models.ReasonUserLeft)
	require.Error(t, err)

	g, ok := h.m.Grace("u1")
	require.True(t, ok, "entry must survive a failed close")
	require.NotNil(t, g.PendingClose)
	assert.Equal(t, models.ReasonUserLeft, g.PendingClose.Reason)
	assert.True(t, g.PendingClose.EndedAt.Equal(at(11, 30)))

	// A new start is rejected until the close lands.
	_, err = h.m.StartSession(h.ctx, "u1", "c1")
	assert.ErrorIs(t, err, resilience.ErrConflict)

	h.db.FailAlways(dbfake.OpCloseSession, nil)
	h.clock.Advance(10 * time.Minute)
	require.NoError(t, h.m.RecordHeartbeat(h.ctx))

	_, ok = h.m.Grace("u1")
	assert.False(t, ok)
	row, _ := h.db.Session(started.SessionID)
	require.NotNil(t, row.LeftAt)
	assert.True(t, row.LeftAt.Equal(at(11, 30)), "retry keeps the recorded end time")
	assert.Equal(t, 90, *row.DurationMinutes)
}

func TestReconnectAfterPendingCloseStartsFresh(t *testing.T) {
	h := newHarness(t, at(10, 0))
	started, err := h.m.StartSession(h.ctx, "u1", "c1")
	require.NoError(t, err)
	h.clock.Advance(time.Hour)

	h.db.FailNext(dbfake.OpCloseSession, errors.New("db down"))
	_, err = h.m.CloseSession(h.ctx, "u1", models.ReasonUserLeft)
	require.Error(t, err)

	h.clock.Advance(time.Minute)
	e, err := h.m.HandleReconnect(h.ctx, "u1", "c1")
	require.NoError(t, err)
	assert.NotEqual(t, started.SessionID, e.SessionID)
	assert.True(t, e.JoinedAt.Equal(at(11, 1)))

	old, _ := h.db.Session(started.SessionID)
	assert.False(t, old.Open())
}

func TestRecordHeartbeatPersistsDuration(t *testing.T) {
	h := newHarness(t, at(10, 0))
	e1, err := h.m.StartSession(h.ctx, "u1", "c1")
	require.NoError(t, err)
	e2, err := h.m.StartSession(h.ctx, "u2", "c1")
	require.NoError(t, err)

	h.clock.Advance(4 * time.Minute)
	h.db.FailNext(dbfake.OpUpdateHeartbeat, errors.New("flaky"))
	err = h.m.RecordHeartbeat(h.ctx)
	require.Error(t, err, "one user's failure is reported")

	// The other user was still written.
	rows := []int64{e1.SessionID, e2.SessionID}
	var written int
	for _, id := range rows {
		row, _ := h.db.Session(id)
		if row.CurrentDurationMinutes == 4 {
			written++
			assert.True(t, row.LastHeartbeat.Equal(at(10, 4)))
		}
	}
	assert.Equal(t, 1, written)
	assert.True(t, h.m.LastSave().Equal(at(10, 4)))

	require.NoError(t, h.m.RecordHeartbeat(h.ctx))
	for _, id := range rows {
		row, _ := h.db.Session(id)
		assert.Equal(t, 4, row.CurrentDurationMinutes)
	}
}

func TestSplitAtBoundary(t *testing.T) {
	h := newHarness(t, time.Date(2026, 10, 14, 23, 40, 0, 0, time.UTC))
	midnight := time.Date(2026, 10, 15, 0, 0, 0, 0, time.UTC)

	first, err := h.m.StartSession(h.ctx, "u1", "c1")
	require.NoError(t, err)
	h.clock.Advance(21 * time.Minute)

	require.NoError(t, h.m.SplitAtBoundary(h.ctx, "u1", midnight))
	// Repeating the split is a no-op.
	require.NoError(t, h.m.SplitAtBoundary(h.ctx, "u1", midnight))

	rows := h.db.SessionsFor("u1")
	require.Len(t, rows, 2)
	assert.Equal(t, first.SessionID, rows[0].ID)
	require.NotNil(t, rows[0].LeftAt)
	assert.True(t, rows[0].LeftAt.Equal(midnight))
	assert.Equal(t, 20, *rows[0].DurationMinutes)
	assert.Equal(t, string(models.ReasonBoundarySplit), rows[0].CloseReason)

	assert.True(t, rows[1].Open())
	assert.True(t, rows[1].JoinedAt.Equal(midnight))
	assert.Equal(t, "c1", rows[1].ChannelID)

	a, ok := h.m.Active("u1")
	require.True(t, ok)
	assert.Equal(t, rows[1].ID, a.SessionID)

	stat, ok := h.db.Stat("u1", "2026-10-14")
	require.True(t, ok)
	assert.Equal(t, 20, stat.TotalMinutes)
}

func TestSplitPartsAddUpToUnsplitDuration(t *testing.T) {
	h := newHarness(t, time.Date(2026, 10, 14, 23, 40, 30, 0, time.UTC))
	midnight := time.Date(2026, 10, 15, 0, 0, 0, 0, time.UTC)

	_, err := h.m.StartSession(h.ctx, "u1", "c1")
	require.NoError(t, err)
	h.clock.Advance(19*time.Minute + 30*time.Second)
	require.NoError(t, h.m.SplitAtBoundary(h.ctx, "u1", midnight))
	h.clock.Advance(30*time.Minute + 40*time.Second)
	_, err = h.m.CloseSession(h.ctx, "u1", models.ReasonUserLeft)
	require.NoError(t, err)

	rows := h.db.SessionsFor("u1")
	require.Len(t, rows, 2)
	assert.Equal(t, 19, *rows[0].DurationMinutes)
	assert.Equal(t, 31, *rows[1].DurationMinutes)
	assert.Equal(t, 50, *rows[0].DurationMinutes+*rows[1].DurationMinutes, "23:40:30 to 00:30:40")
}

func TestSplitAcrossTwoBoundariesAfterGrace(t *testing.T) {
	h := newHarness(t, time.Date(2026, 10, 14, 23, 59, 30, 0, time.UTC))
	first := time.Date(2026, 10, 15, 0, 0, 0, 0, time.UTC)
	second := first.AddDate(0, 0, 1)

	_, err := h.m.StartSession(h.ctx, "u1", "c1")
	require.NoError(t, err)
	h.clock.Advance(30 * time.Second)
	require.NoError(t, h.m.SplitAtBoundary(h.ctx, "u1", first))
	h.clock.Advance(24 * time.Hour)
	require.NoError(t, h.m.SplitAtBoundary(h.ctx, "u1", second))
	h.clock.Advance(10*time.Minute + 10*time.Second)
	require.NoError(t, h.m.HandleDisconnect(h.ctx, "u1"))
	h.clock.Advance(grace).MustWait(context.Background())

	var total int
	for _, row := range h.db.SessionsFor("u1") {
		require.False(t, row.Open())
		total += *row.DurationMinutes
	}
	assert.Equal(t, 24*60+10, total)
}

func TestSplitFailureLeavesEntryForRetry(t *testing.T) {
	h := newHarness(t, time.Date(2026, 10, 14, 23, 40, 0, 0, time.UTC))
	midnight := time.Date(2026, 10, 15, 0, 0, 0, 0, time.UTC)

	first, err := h.m.StartSession(h.ctx, "u1", "c1")
	require.NoError(t, err)
	h.clock.Advance(25 * time.Minute)

	h.db.FailNext(dbfake.OpCloseSession, errors.New("db down"))
	require.Error(t, h.m.SplitAtBoundary(h.ctx, "u1", midnight))
	a, ok := h.m.Active("u1")
	require.True(t, ok)
	assert.Equal(t, first.SessionID, a.SessionID)
	assert.Equal(t, []string{"u1"}, h.m.UsersToSplit(midnight))

	require.NoError(t, h.m.SplitAtBoundary(h.ctx, "u1", midnight))
	assert.Empty(t, h.m.UsersToSplit(midnight))
	row, _ := h.db.Session(first.SessionID)
	assert.Equal(t, 20, *row.DurationMinutes)
}

func TestSplitContinuationInsertFailure(t *testing.T) {
	h := newHarness(t, time.Date(2026, 10, 14, 23, 40, 0, 0, time.UTC))
	midnight := time.Date(2026, 10, 15, 0, 0, 0, 0, time.UTC)

	_, err := h.m.StartSession(h.ctx, "u1", "c1")
	require.NoError(t, err)
	h.clock.Advance(21 * time.Minute)

	h.db.FailNext(dbfake.OpCreateSession, errors.New("db down"))
	require.Error(t, h.m.SplitAtBoundary(h.ctx, "u1", midnight))
	a, ok := h.m.Active("u1")
	require.True(t, ok)
	assert.Zero(t, a.SessionID)
	assert.True(t, a.JoinedAt.Equal(midnight))

	// The next heartbeat persists the continuation from midnight.
	require.NoError(t, h.m.RecordHeartbeat(h.ctx))
	a, _ = h.m.Active("u1")
	require.NotZero(t, a.SessionID)
	row, _ := h.db.Session(a.SessionID)
	assert.True(t, row.JoinedAt.Equal(midnight))
	assert.Equal(t, 1, row.CurrentDurationMinutes)
}

func TestSplitGraceEntry(t *testing.T) {
	midnight := time.Date(2026, 10, 15, 0, 0, 0, 0, time.UTC)

	t.Run("LeftBeforeMidnight", func(t *testing.T) {
		h := newHarness(t, time.Date(2026, 10, 14, 23, 0, 0, 0, time.UTC))
		first, err := h.m.StartSession(h.ctx, "u1", "c1")
		require.NoError(t, err)
		h.clock.Advance(59*time.Minute + 30*time.Second)
		require.NoError(t, h.m.HandleDisconnect(h.ctx, "u1"))
		h.clock.Advance(40 * time.Second)

		require.NoError(t, h.m.SplitAtBoundary(h.ctx, "u1", midnight))
		_, ok := h.m.Grace("u1")
		assert.False(t, ok)
		row, _ := h.db.Session(first.SessionID)
		assert.Equal(t, 59, *row.DurationMinutes)
		assert.Len(t, h.db.SessionsFor("u1"), 1)
	})

	t.Run("LeftAfterMidnight", func(t *testing.T) {
		h := newHarness(t, time.Date(2026, 10, 14, 23, 50, 0, 0, time.UTC))
		_, err := h.m.StartSession(h.ctx, "u1", "c1")
		require.NoError(t, err)
		h.clock.Advance(10*time.Minute + 20*time.Second)
		require.NoError(t, h.m.HandleDisconnect(h.ctx, "u1"))
		h.clock.Advance(20 * time.Second)

		require.NoError(t, h.m.SplitAtBoundary(h.ctx, "u1", midnight))
		g, ok := h.m.Grace("u1")
		require.True(t, ok, "the continuation stays in its grace window")
		assert.True(t, g.JoinedAt.Equal(midnight))

		// Expiry closes the continuation at the leave time.
		h.clock.Advance(40 * time.Second).MustWait(context.Background())
		rows := h.db.SessionsFor("u1")
		require.Len(t, rows, 2)
		assert.False(t, rows[1].Open())
		assert.True(t, rows[1].LeftAt.Equal(midnight.Add(20*time.Second)))
	})
}

func TestCloseOrphan(t *testing.T) {
	h := newHarness(t, at(10, 0))
	id := h.db.InsertSession(models.VoiceSession{UserID: "u1", ChannelID: "c1", JoinedAt: at(9, 0)})
	row, _ := h.db.Session(id)

	closed, err := h.m.CloseOrphan(h.ctx, row, at(9, 40), models.ReasonCrashRecovered, "recovered", false)
	require.NoError(t, err)
	assert.Equal(t, 40, closed.Minutes)

	again, err := h.m.CloseOrphan(h.ctx, row, at(9, 40), models.ReasonCrashRecovered, "recovered", false)
	require.NoError(t, err)
	assert.True(t, again.AlreadyClosed)
}

func TestInProgressMinutes(t *testing.T) {
	h := newHarness(t, time.Date(2026, 10, 14, 23, 30, 0, 0, time.UTC))
	_, err := h.m.StartSession(h.ctx, "u1", "c1")
	require.NoError(t, err)
	h.clock.Advance(45 * time.Minute)
	midnight := time.Date(2026, 10, 15, 0, 0, 0, 0, time.UTC)
	assert.Equal(t, 15, h.m.InProgressMinutes("u1", midnight))
	assert.Zero(t, h.m.InProgressMinutes("u2", midnight))

	// Grace time counts up to the leave time only.
	require.NoError(t, h.m.HandleDisconnect(h.ctx, "u1"))
	h.clock.Advance(30 * time.Second)
	assert.Equal(t, 15, h.m.InProgressMinutes("u1", midnight))

	// A pending close counts up to its recorded end.
	h.m.StopTimers()
	h.db.FailNext(dbfake.OpCloseSession, errors.New("db down"))
	_, err = h.m.CloseSession(h.ctx, "u1", models.ReasonShutdown)
	require.Error(t, err)
	h.clock.Advance(10 * time.Minute)
	assert.Equal(t, 15, h.m.InProgressMinutes("u1", midnight))
}

func TestMoveChannel(t *testing.T) {
	h := newHarness(t, at(10, 0))
	e, err := h.m.StartSession(h.ctx, "u1", "c1")
	require.NoError(t, err)
	require.NoError(t, h.m.MoveChannel(h.ctx, "u1", "c2"))
	row, _ := h.db.Session(e.SessionID)
	assert.Equal(t, "c2", row.ChannelID)
	assert.True(t, IsNoSession(h.m.MoveChannel(h.ctx, "u2", "c2")))
}
