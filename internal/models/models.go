package models

import "time"

// CloseReason records why a voice session was closed. It is stored on the
// session row for audit.
type CloseReason string

const (
	ReasonUserLeft       CloseReason = "user-left"
	ReasonGraceExpired   CloseReason = "grace-expired"
	ReasonBoundarySplit  CloseReason = "boundary-split"
	ReasonShutdown       CloseReason = "shutdown"
	ReasonCrashRecovered CloseReason = "crash-recovered"
)

// Valid reports whether r is one of the known close reasons.
func (r CloseReason) Valid() bool {
	switch r {
	case ReasonUserLeft, ReasonGraceExpired, ReasonBoundarySplit, ReasonShutdown, ReasonCrashRecovered:
		return true
	}
	return false
}

// VoiceSession represents a persisted voice channel session. A row with a nil
// LeftAt is open; at most one open row exists per user.
type VoiceSession struct {
	ID                     int64      `db:"id"`
	UserID                 string     `db:"discord_id"`
	ChannelID              string     `db:"channel_id"`
	JoinedAt               time.Time  `db:"joined_at"`
	LeftAt                 *time.Time `db:"left_at"`
	LastHeartbeat          *time.Time `db:"last_heartbeat"`
	CurrentDurationMinutes int        `db:"current_duration_minutes"`
	DurationMinutes        *int       `db:"duration_minutes"`
	PointsEarned           int        `db:"points_earned"`
	CloseReason            string     `db:"close_reason"`
	RecoveryNote           string     `db:"recovery_note"`
}

// Open reports whether the session has not been closed yet.
func (s VoiceSession) Open() bool {
	return s.LeftAt == nil
}

// ActiveSessionEntry is the in-memory state of a user currently in voice.
type ActiveSessionEntry struct {
	UserID    string
	ChannelID string
	SessionID int64
	JoinedAt  time.Time
	LastSeen  time.Time
	// SplitFrom is the join time before any day boundary split, zero if the
	// session was never split. CreditedMinutes were closed by those splits.
	SplitFrom       time.Time
	CreditedMinutes int
}

// PendingClose holds a terminal close that could not be persisted yet. The
// end time is fixed when the close is first attempted.
type PendingClose struct {
	Reason  CloseReason
	EndedAt time.Time
	Err     string
}

// GracePeriodEntry is the in-memory state of a user who disconnected and whose
// session has not been finalized yet.
type GracePeriodEntry struct {
	UserID     string
	ChannelID  string
	SessionID  int64
	JoinedAt   time.Time
	GraceStart time.Time
	// Token identifies the expiry timer armed for this entry. An expiry
	// carrying a different token is stale and must be ignored.
	Token           uint64
	PendingClose    *PendingClose
	SplitFrom       time.Time
	CreditedMinutes int
}

// DailyStat is one row of per-user per-day accrual.
type DailyStat struct {
	UserID       string `db:"discord_id"`
	Date         string `db:"date"`
	TotalMinutes int    `db:"total_minutes"`
	PointsEarned int    `db:"points_earned"`
	SessionCount int    `db:"session_count"`
	Archived     bool   `db:"archived"`
}

// ChannelTotal is the accumulated voice time of a user in one channel.
type ChannelTotal struct {
	UserID       string `db:"user_id"`
	ChannelID    string `db:"channel_id"`
	TotalSeconds int64  `db:"total_seconds"`
}

// DateLayout is the calendar day format used for daily stat rows.
const DateLayout = "2006-01-02"

// DayStart returns local midnight of the day containing t in loc.
func DayStart(t time.Time, loc *time.Location) time.Time {
	lt := t.In(loc)
	return time.Date(lt.Year(), lt.Month(), lt.Day(), 0, 0, 0, 0, loc)
}

// MonthStart returns local midnight of the first day of the month containing t.
func MonthStart(t time.Time, loc *time.Location) time.Time {
	lt := t.In(loc)
	return time.Date(lt.Year(), lt.Month(), 1, 0, 0, 0, 0, loc)
}

// DayKey formats the calendar day of t in loc.
func DayKey(t time.Time, loc *time.Location) string {
	return t.In(loc).Format(DateLayout)
}
