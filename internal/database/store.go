package database

import (
	"context"
	"time"

	"voicepoints/internal/models"
	"voicepoints/internal/points"
)

// Store is the persistence surface used by the session, recovery, scheduler
// and reporting packages. Repository implements it against Postgres, and
// ResilientStore wraps any Store with breakers and retries.
type Store interface {
	// CreateSession inserts an open session row. It fails with
	// resilience.ErrConflict when the user already has an open row.
	CreateSession(ctx context.Context, userID, channelID string, joinedAt time.Time) (int64, error)
	UpdateHeartbeat(ctx context.Context, sessionID int64, at time.Time, minutes int) error
	UpdateSessionChannel(ctx context.Context, sessionID int64, channelID string) error
	// CloseSession closes an open row and credits its time in one
	// transaction. Closing a row that is already closed credits nothing and
	// reports AlreadyClosed.
	CloseSession(ctx context.Context, p CloseParams) (CloseResult, error)
	ListOpenSessions(ctx context.Context) ([]models.VoiceSession, error)
	// GetOpenSession returns the user's open row or resilience.ErrNotFound.
	GetOpenSession(ctx context.Context, userID string) (models.VoiceSession, error)

	GetDailyStat(ctx context.Context, userID, day string) (models.DailyStat, error)
	GetUser(ctx context.Context, userID string) (models.UserAccount, error)
	TopUsers(ctx context.Context, period Period, limit int) ([]models.UserAccount, error)
	ChannelTotals(ctx context.Context, userID string) ([]models.ChannelTotal, error)

	// ArchiveDailyStats flags every stat row dated before day.
	ArchiveDailyStats(ctx context.Context, before string) (int64, error)
	// ResetDailyCounters rolls every account that has not yet been reset for
	// the day starting at boundary.
	ResetDailyCounters(ctx context.Context, boundary time.Time) (int64, error)
	ResetMonthlyCounters(ctx context.Context, monthStart time.Time) (int64, error)

	Ping(ctx context.Context) error
}

// CloseParams describes a session close.
type CloseParams struct {
	SessionID int64
	UserID    string
	ChannelID string
	EndedAt   time.Time
	Minutes   int
	Seconds   int64
	Reason    models.CloseReason
	Note      string

	// Day is the calendar day the session is credited to. DayStart and
	// MonthStart are the starts of that day and its month.
	Day        string
	DayStart   time.Time
	MonthStart time.Time

	// Award computes the points from the minutes already credited to Day.
	// It is called inside the transaction so a retried attempt re-derives
	// the award from fresh data.
	Award func(priorMinutes int) points.Award

	// Void closes the row with zero duration and credits nothing.
	Void bool
}

// CloseResult is the outcome of a committed close.
type CloseResult struct {
	AlreadyClosed bool
	PriorMinutes  int
	Award         points.Award
	Account       models.UserAccount
}

// Period selects a leaderboard.
type Period string

const (
	PeriodDaily   Period = "daily"
	PeriodMonthly Period = "monthly"
	PeriodAllTime Period = "all"
)

// ParsePeriod maps user input to a period, defaulting to all time.
func ParsePeriod(s string) Period {
	switch Period(s) {
	case PeriodDaily:
		return PeriodDaily
	case PeriodMonthly:
		return PeriodMonthly
	}
	return PeriodAllTime
}
