package database

import (
	"context"
	"time"

	"voicepoints/internal/models"
	"voicepoints/internal/resilience"
)

// ResilientStore routes every call of the wrapped Store through an Executor.
// Closes run as transactions, Ping as a connection check and everything else
// as queries.
type ResilientStore struct {
	next Store
	exec *resilience.Executor
}

var _ Store = (*ResilientStore)(nil)

// NewResilientStore wraps next.
func NewResilientStore(next Store, exec *resilience.Executor) *ResilientStore {
	return &ResilientStore{next: next, exec: exec}
}

func (s *ResilientStore) CreateSession(ctx context.Context, userID, channelID string, joinedAt time.Time) (int64, error) {
	return resilience.Call(ctx, s.exec, resilience.ClassQuery, "create session", func(ctx context.Context) (int64, error) {
		return s.next.CreateSession(ctx, userID, channelID, joinedAt)
	})
}

func (s *ResilientStore) UpdateHeartbeat(ctx context.Context, sessionID int64, at time.Time, minutes int) error {
	return s.exec.Do(ctx, resilience.ClassQuery, "update heartbeat", func(ctx context.Context) error {
		return s.next.UpdateHeartbeat(ctx, sessionID, at, minutes)
	})
}

func (s *ResilientStore) UpdateSessionChannel(ctx context.Context, sessionID int64, channelID string) error {
	return s.exec.Do(ctx, resilience.ClassQuery, "update session channel", func(ctx context.Context) error {
		return s.next.UpdateSessionChannel(ctx, sessionID, channelID)
	})
}

func (s *ResilientStore) CloseSession(ctx context.Context, p CloseParams) (CloseResult, error) {
	return resilience.Call(ctx, s.exec, resilience.ClassTransaction, "close session", func(ctx context.Context) (CloseResult, error) {
		return s.next.CloseSession(ctx, p)
	})
}

func (s *ResilientStore) ListOpenSessions(ctx context.Context) ([]models.VoiceSession, error) {
	return resilience.Call(ctx, s.exec, resilience.ClassQuery, "list open sessions", s.next.ListOpenSessions)
}

func (s *ResilientStore) GetOpenSession(ctx context.Context, userID string) (models.VoiceSession, error) {
	return resilience.Call(ctx, s.exec, resilience.ClassQuery, "get open session", func(ctx context.Context) (models.VoiceSession, error) {
		return s.next.GetOpenSession(ctx, userID)
	})
}

func (s *ResilientStore) GetDailyStat(ctx context.Context, userID, day string) (models.DailyStat, error) {
	return resilience.Call(ctx, s.exec, resilience.ClassQuery, "get daily stat", func(ctx context.Context) (models.DailyStat, error) {
		return s.next.GetDailyStat(ctx, userID, day)
	})
}

func (s *ResilientStore) GetUser(ctx context.Context, userID string) (models.UserAccount, error) {
	return resilience.Call(ctx, s.exec, resilience.ClassQuery, "get user", func(ctx context.Context) (models.UserAccount, error) {
		return s.next.GetUser(ctx, userID)
	})
}

func (s *ResilientStore) TopUsers(ctx context.Context, period Period, limit int) ([]models.UserAccount, error) {
	return resilience.Call(ctx, s.exec, resilience.ClassQuery, "top users", func(ctx context.Context) ([]models.UserAccount, error) {
		return s.next.TopUsers(ctx, period, limit)
	})
}

func (s *ResilientStore) ChannelTotals(ctx context.Context, userID string) ([]models.ChannelTotal, error) {
	return resilience.Call(ctx, s.exec, resilience.ClassQuery, "channel totals", func(ctx context.Context) ([]models.ChannelTotal, error) {
		return s.next.ChannelTotals(ctx, userID)
	})
}

func (s *ResilientStore) ArchiveDailyStats(ctx context.Context, before string) (int64, error) {
	return resilience.Call(ctx, s.exec, resilience.ClassQuery, "archive daily stats", func(ctx context.Context) (int64, error) {
		return s.next.ArchiveDailyStats(ctx, before)
	})
}

func (s *ResilientStore) ResetDailyCounters(ctx context.Context, boundary time.Time) (int64, error) {
	return resilience.Call(ctx, s.exec, resilience.ClassQuery, "reset daily counters", func(ctx context.Context) (int64, error) {
		return s.next.ResetDailyCounters(ctx, boundary)
	})
}

func (s *ResilientStore) ResetMonthlyCounters(ctx context.Context, monthStart time.Time) (int64, error) {
	return resilience.Call(ctx, s.exec, resilience.ClassQuery, "reset monthly counters", func(ctx context.Context) (int64, error) {
		return s.next.ResetMonthlyCounters(ctx, monthStart)
	})
}

func (s *ResilientStore) Ping(ctx context.Context) error {
	return s.exec.Do(ctx, resilience.ClassConnection, "ping", s.next.Ping)
}
