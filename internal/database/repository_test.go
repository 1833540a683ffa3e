package database_test

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"voicepoints/internal/database"
	"voicepoints/internal/resilience"
)

// openTestRepository connects to the database named by VOICEPOINTS_TEST_DSN
// and skips the test when it is unset.
func openTestRepository(t *testing.T) *database.Repository {
	t.Helper()
	dsn := os.Getenv("VOICEPOINTS_TEST_DSN")
	if dsn == "" {
		t.Skip("VOICEPOINTS_TEST_DSN not set")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	db, err := database.New(ctx, dsn, database.PoolConfig{MaxOpenConns: 4, MaxIdleConns: 2, ConnMaxLifetime: time.Minute}, zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return database.NewRepository(db)
}

func TestRepository_SessionLifecycle(t *testing.T) {
	repo := openTestRepository(t)
	ctx := context.Background()
	user := "test-" + uuid.NewString()
	joined := time.Date(2026, 10, 15, 10, 0, 0, 0, time.UTC)

	id, err := repo.CreateSession(ctx, user, "c1", joined)
	require.NoError(t, err)

	_, err = repo.CreateSession(ctx, user, "c2", joined)
	assert.ErrorIs(t, err, resilience.ErrConflict)

	require.NoError(t, repo.UpdateHeartbeat(ctx, id, joined.Add(30*time.Minute), 30))
	require.NoError(t, repo.UpdateSessionChannel(ctx, id, "c3"))

	open, err := repo.ListOpenSessions(ctx)
	require.NoError(t, err)
	var found bool
	for _, s := range open {
		if s.ID == id {
			found = true
			assert.Equal(t, "c3", s.ChannelID)
			assert.Equal(t, 30, s.CurrentDurationMinutes)
		}
	}
	assert.True(t, found)

	p := closeParams(id, joined, joined.Add(2*time.Hour))
	p.UserID = user
	p.ChannelID = "c3"
	res, err := repo.CloseSession(ctx, p)
	require.NoError(t, err)
	assert.False(t, res.AlreadyClosed)
	assert.Equal(t, 7, res.Award.Points)
	assert.Equal(t, 1, res.Account.Streak)

	res, err = repo.CloseSession(ctx, p)
	require.NoError(t, err)
	assert.True(t, res.AlreadyClosed)

	stat, err := repo.GetDailyStat(ctx, user, "2026-10-15")
	require.NoError(t, err)
	assert.Equal(t, "2026-10-15", stat.Date)
	assert.Equal(t, 120, stat.TotalMinutes)
	assert.Equal(t, 7, stat.PointsEarned)
	assert.Equal(t, 1, stat.SessionCount)

	totals, err := repo.ChannelTotals(ctx, user)
	require.NoError(t, err)
	require.Len(t, totals, 1)
	assert.Equal(t, int64(7200), totals[0].TotalSeconds)

	// A new session is allowed once the previous one is closed.
	_, err = repo.CreateSession(ctx, user, "c1", joined.Add(3*time.Hour))
	require.NoError(t, err)
}
