package recovery

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/coder/quartz"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"voicepoints/internal/database/dbfake"
	"voicepoints/internal/models"
	"voicepoints/internal/points"
	"voicepoints/internal/session"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

const grace = 60 * time.Second

func at(h, min int) time.Time {
	return time.Date(2026, 10, 15, h, min, 0, 0, time.UTC)
}

type stubHeartbeat struct{ stopped bool }

func (s *stubHeartbeat) StopHeartbeat() { s.stopped = true }

type fixture struct {
	rec      *Manager
	sessions *session.Manager
	db       *dbfake.Fake
	clock    *quartz.Mock
	hb       *stubHeartbeat
}

func newFixture(t *testing.T, now time.Time, cfg Config) *fixture {
	t.Helper()
	clock := quartz.NewMock(t)
	clock.Set(now)
	db := dbfake.New()
	sessions, err := session.NewManager(session.NewMemoryStore(), db, session.Config{
		GraceWindow: grace,
		Location:    time.UTC,
		Rates:       points.DefaultRates(),
	}, session.WithClock(clock))
	require.NoError(t, err)
	hb := &stubHeartbeat{}
	return &fixture{
		rec:      NewManager(sessions, db, cfg, WithHeartbeat(hb)),
		sessions: sessions,
		db:       db,
		clock:    clock,
		hb:       hb,
	}
}

func defaultConfig() Config {
	return Config{
		Staleness:       24 * time.Hour,
		MaxEstimate:     3 * time.Hour,
		ShutdownTimeout: 5 * time.Second,
		Concurrency:     4,
	}
}

func ptr(t time.Time) *time.Time { return &t }

func TestRecoverOrphans(t *testing.T) {
	f := newFixture(t, at(12, 0), defaultConfig())
	ctx := context.Background()

	noHeartbeat := f.db.InsertSession(models.VoiceSession{UserID: "u1", ChannelID: "c1", JoinedAt: at(11, 20)})
	withHeartbeat := f.db.InsertSession(models.VoiceSession{
		UserID: "u2", ChannelID: "c1", JoinedAt: at(9, 0), LastHeartbeat: ptr(at(11, 0)),
	})
	capped := f.db.InsertSession(models.VoiceSession{UserID: "u3", ChannelID: "c2", JoinedAt: at(6, 0)})
	short := f.db.InsertSession(models.VoiceSession{UserID: "u4", ChannelID: "c2", JoinedAt: at(11, 59).Add(30 * time.Second)})
	stale := f.db.InsertSession(models.VoiceSession{
		UserID: "u5", ChannelID: "c2", JoinedAt: at(12, 0).Add(-30 * time.Hour),
	})

	rep, err := f.rec.RecoverOrphans(ctx)
	require.NoError(t, err)
	assert.Equal(t, Report{Found: 5, Recovered: 3, Short: 1, Stale: 1, Minutes: 40 + 121 + 180, Points: 0 + 7 + 9}, rep)
	assert.Equal(t, rep, f.rec.LastRecovery())

	row, _ := f.db.Session(noHeartbeat)
	require.NotNil(t, row.LeftAt)
	assert.Equal(t, 40, *row.DurationMinutes)
	assert.Equal(t, string(models.ReasonCrashRecovered), row.CloseReason)
	assert.Contains(t, row.RecoveryNote, "recovered")

	row, _ = f.db.Session(withHeartbeat)
	assert.True(t, row.LeftAt.Equal(at(11, 1)), "closes at last heartbeat plus grace")
	assert.Equal(t, 121, *row.DurationMinutes)

	row, _ = f.db.Session(capped)
	assert.True(t, row.LeftAt.Equal(at(9, 0)))
	assert.Equal(t, 180, *row.DurationMinutes)
	assert.Equal(t, 9, row.PointsEarned)

	row, _ = f.db.Session(short)
	require.NotNil(t, row.LeftAt)
	assert.Zero(t, *row.DurationMinutes)
	assert.Zero(t, row.PointsEarned)

	row, _ = f.db.Session(stale)
	require.NotNil(t, row.LeftAt)
	assert.Zero(t, row.PointsEarned)
	assert.Contains(t, row.RecoveryNote, "discarded")

	// A second pass finds nothing.
	rep, err = f.rec.RecoverOrphans(ctx)
	require.NoError(t, err)
	assert.Zero(t, rep.Found)
}

func TestRecoverOrphans_ContinuesPastFailures(t *testing.T) {
	f := newFixture(t, at(12, 0), defaultConfig())
	f.db.InsertSession(models.VoiceSession{UserID: "u1", ChannelID: "c1", JoinedAt: at(11, 0)})
	f.db.InsertSession(models.VoiceSession{UserID: "u2", ChannelID: "c1", JoinedAt: at(11, 0)})
	f.db.FailNext(dbfake.OpCloseSession, errors.New("boom"))

	rep, err := f.rec.RecoverOrphans(context.Background())
	require.Error(t, err)
	assert.Equal(t, 2, rep.Found)
	assert.Equal(t, 1, rep.Failed)
	assert.Equal(t, 1, rep.Recovered)
}

func TestRecoverOrphans_ListFailure(t *testing.T) {
	f := newFixture(t, at(12, 0), defaultConfig())
	f.db.FailNext(dbfake.OpListOpenSessions, errors.New("down"))
	_, err := f.rec.RecoverOrphans(context.Background())
	assert.Error(t, err)
}

func TestEstimate(t *testing.T) {
	f := newFixture(t, at(12, 0), defaultConfig())
	now := at(12, 0)

	end, basis := f.rec.Estimate(models.VoiceSession{JoinedAt: at(11, 30)}, now)
	assert.True(t, end.Equal(now))
	assert.Equal(t, "time since join", basis)

	// A heartbeat in the future of now never produces an end after now.
	end, _ = f.rec.Estimate(models.VoiceSession{JoinedAt: at(11, 0), LastHeartbeat: ptr(at(11, 59).Add(30 * time.Second))}, now)
	assert.True(t, end.Equal(now))

	end, basis = f.rec.Estimate(models.VoiceSession{JoinedAt: at(1, 0), LastHeartbeat: ptr(at(11, 0))}, now)
	assert.True(t, end.Equal(at(4, 0)))
	assert.Contains(t, basis, "capped")
}

func TestShutdown_ClosesActiveAndGraceEntries(t *testing.T) {
	f := newFixture(t, at(10, 0), defaultConfig())
	ctx := context.Background()

	_, err := f.sessions.StartSession(ctx, "u1", "c1")
	require.NoError(t, err)
	_, err = f.sessions.StartSession(ctx, "u2", "c1")
	require.NoError(t, err)

	f.clock.Set(at(11, 0))
	require.NoError(t, f.sessions.HandleDisconnect(ctx, "u2"))
	f.clock.Set(at(11, 0).Add(30 * time.Second))

	rep, err := f.rec.Shutdown(ctx)
	require.NoError(t, err)
	assert.True(t, f.hb.stopped)
	assert.Equal(t, ShutdownReport{Attempted: 2, Closed: 2}, rep)
	assert.Equal(t, Stats{LastSave: f.sessions.LastSave()}, f.rec.Stats())

	rows := f.db.SessionsFor("u1")
	require.Len(t, rows, 1)
	assert.Equal(t, string(models.ReasonShutdown), rows[0].CloseReason)
	assert.Equal(t, 60, *rows[0].DurationMinutes)

	rows = f.db.SessionsFor("u2")
	require.Len(t, rows, 1)
	assert.True(t, rows[0].LeftAt.Equal(at(11, 0)), "grace entry ends when the user left")
}

func TestShutdown_AbandonsAfterDeadline(t *testing.T) {
	cfg := defaultConfig()
	cfg.ShutdownTimeout = 50 * time.Millisecond
	f := newFixture(t, at(10, 0), cfg)
	ctx := context.Background()

	_, err := f.sessions.StartSession(ctx, "u1", "c1")
	require.NoError(t, err)
	f.clock.Set(at(11, 0))

	f.db.SetHook(dbfake.OpCloseSession, func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})

	rep, err := f.rec.Shutdown(ctx)
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.True(t, rep.TimedOut)
	assert.Equal(t, 1, rep.Attempted)
	assert.Equal(t, 1, rep.Remaining)

	rows := f.db.SessionsFor("u1")
	require.Len(t, rows, 1)
	assert.True(t, rows[0].Open(), "left for crash recovery")
}

func TestEmergencyFlush(t *testing.T) {
	f := newFixture(t, at(10, 0), defaultConfig())
	e, err := f.sessions.StartSession(context.Background(), "u1", "c1")
	require.NoError(t, err)
	f.clock.Set(at(10, 25))

	f.rec.EmergencyFlush(time.Second)

	row, _ := f.db.Session(e.SessionID)
	assert.Equal(t, 25, row.CurrentDurationMinutes)
	require.NotNil(t, row.LastHeartbeat)
	assert.True(t, row.LastHeartbeat.Equal(at(10, 25)))
}
