package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"voicepoints/internal/models"
	"voicepoints/internal/resilience"
)

const uniqueViolation = "23505"

type dbtx interface {
	sqlx.ExtContext
	GetContext(ctx context.Context, dest any, query string, args ...any) error
	SelectContext(ctx context.Context, dest any, query string, args ...any) error
}

// Repository handles database operations
type Repository struct {
	db *DB
	q  dbtx
}

var _ Store = (*Repository)(nil)

// NewRepository creates a new repository
func NewRepository(db *DB) *Repository {
	return &Repository{db: db, q: db.conn}
}

// InTx runs fn inside a transaction. The transaction is rolled back unless fn
// returns nil and the commit succeeds.
func (r *Repository) InTx(ctx context.Context, fn func(*Repository) error) (err error) {
	if _, ok := r.q.(*sqlx.Tx); ok {
		return fn(r)
	}
	tx, err := r.db.conn.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		rerr := tx.Rollback()
		if rerr == nil || errors.Is(rerr, sql.ErrTxDone) {
			return
		}
		err = fmt.Errorf("rollback (%s): %w", rerr.Error(), err)
	}()

	if err := fn(&Repository{db: r.db, q: tx}); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// CreateSession inserts an open session row and returns its id.
func (r *Repository) CreateSession(ctx context.Context, userID, channelID string, joinedAt time.Time) (int64, error) {
	var id int64
	err := r.q.GetContext(ctx, &id, `
		INSERT INTO voice_sessions (discord_id, channel_id, joined_at)
		VALUES ($1, $2, $3)
		RETURNING id`,
		userID, channelID, joinedAt)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == uniqueViolation {
			return 0, fmt.Errorf("failed to create session: user %s already has an open session: %w", userID, resilience.ErrConflict)
		}
		return 0, fmt.Errorf("failed to create session: %w", err)
	}
	return id, nil
}

// UpdateHeartbeat records the elapsed duration of an open session.
func (r *Repository) UpdateHeartbeat(ctx context.Context, sessionID int64, at time.Time, minutes int) error {
	res, err := r.q.ExecContext(ctx, `
		UPDATE voice_sessions SET last_heartbeat = $2, current_duration_minutes = $3
		WHERE id = $1 AND left_at IS NULL`,
		sessionID, at, minutes)
	if err != nil {
		return fmt.Errorf("failed to update heartbeat: %w", err)
	}
	return expectRow(res, "open session %d", sessionID)
}

// UpdateSessionChannel moves an open session to another channel.
func (r *Repository) UpdateSessionChannel(ctx context.Context, sessionID int64, channelID string) error {
	res, err := r.q.ExecContext(ctx, `
		UPDATE voice_sessions SET channel_id = $2
		WHERE id = $1 AND left_at IS NULL`,
		sessionID, channelID)
	if err != nil {
		return fmt.Errorf("failed to update session channel: %w", err)
	}
	return expectRow(res, "open session %d", sessionID)
}

// CloseSession closes the row and credits daily stats, the user account, the
// channel total and the user's house in one transaction.
func (r *Repository) CloseSession(ctx context.Context, p CloseParams) (CloseResult, error) {
	var out CloseResult
	err := r.InTx(ctx, func(tx *Repository) error {
		out = CloseResult{}

		var sess models.VoiceSession
		err := tx.q.GetContext(ctx, &sess, `SELECT `+sessionColumns+` FROM voice_sessions WHERE id = $1 FOR UPDATE`, p.SessionID)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("session %d: %w", p.SessionID, resilience.ErrNotFound)
		}
		if err != nil {
			return fmt.Errorf("failed to lock session: %w", err)
		}
		if !sess.Open() {
			out.AlreadyClosed = true
			return nil
		}

		if p.Void {
			_, err := tx.q.ExecContext(ctx, `
				UPDATE voice_sessions
				SET left_at = $2, duration_minutes = 0, points_earned = 0, close_reason = $3, recovery_note = $4
				WHERE id = $1`,
				p.SessionID, p.EndedAt, string(p.Reason), p.Note)
			if err != nil {
				return fmt.Errorf("failed to close session: %w", err)
			}
			return nil
		}

		err = tx.q.GetContext(ctx, &out.PriorMinutes, `
			SELECT total_minutes FROM daily_voice_stats
			WHERE discord_id = $1 AND date = $2
			FOR UPDATE`,
			p.UserID, p.Day)
		if err != nil && !errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("failed to get daily minutes: %w", err)
		}
		if p.Award != nil {
			out.Award = p.Award(out.PriorMinutes)
		}

		_, err = tx.q.ExecContext(ctx, `
			UPDATE voice_sessions
			SET left_at = $2, duration_minutes = $3, current_duration_minutes = $3,
				points_earned = $4, close_reason = $5, recovery_note = $6, channel_id = $7
			WHERE id = $1`,
			p.SessionID, p.EndedAt, p.Minutes, out.Award.Points, string(p.Reason), p.Note, p.ChannelID)
		if err != nil {
			return fmt.Errorf("failed to close session: %w", err)
		}

		_, err = tx.q.ExecContext(ctx, `
			INSERT INTO daily_voice_stats (discord_id, date, total_minutes, points_earned, session_count)
			VALUES ($1, $2, $3, $4, 1)
			ON CONFLICT (discord_id, date) DO UPDATE SET
				total_minutes = daily_voice_stats.total_minutes + EXCLUDED.total_minutes,
				points_earned = daily_voice_stats.points_earned + EXCLUDED.points_earned,
				session_count = daily_voice_stats.session_count + 1`,
			p.UserID, p.Day, p.Minutes, out.Award.Points)
		if err != nil {
			return fmt.Errorf("failed to add daily stats: %w", err)
		}

		acct, err := tx.lockUser(ctx, p.UserID)
		if err != nil {
			return err
		}
		acct.Credit(p.DayStart, p.MonthStart, out.Award.Points, p.Minutes)
		if err := tx.saveUser(ctx, acct); err != nil {
			return err
		}
		out.Account = acct

		if p.Seconds > 0 {
			_, err = tx.q.ExecContext(ctx, `
				INSERT INTO voice_channel_hours (user_id, channel_id, total_seconds)
				VALUES ($1, $2, $3)
				ON CONFLICT (user_id, channel_id) DO UPDATE SET total_seconds = voice_channel_hours.total_seconds + EXCLUDED.total_seconds`,
				p.UserID, p.ChannelID, p.Seconds)
			if err != nil {
				return fmt.Errorf("failed to add channel seconds: %w", err)
			}
		}

		if acct.House != nil && *acct.House != "" && out.Award.Points > 0 {
			_, err = tx.q.ExecContext(ctx, `
				INSERT INTO house_points (house, points) VALUES ($1, $2)
				ON CONFLICT (house) DO UPDATE SET points = house_points.points + EXCLUDED.points`,
				*acct.House, out.Award.Points)
			if err != nil {
				return fmt.Errorf("failed to add house points: %w", err)
			}
		}
		return nil
	})
	if err != nil {
		return CloseResult{}, err
	}
	return out, nil
}

func (r *Repository) lockUser(ctx context.Context, userID string) (models.UserAccount, error) {
	_, err := r.q.ExecContext(ctx, `INSERT INTO users (discord_id) VALUES ($1) ON CONFLICT (discord_id) DO NOTHING`, userID)
	if err != nil {
		return models.UserAccount{}, fmt.Errorf("failed to create user: %w", err)
	}
	var acct models.UserAccount
	if err := r.q.GetContext(ctx, &acct, `SELECT `+userColumns+` FROM users WHERE discord_id = $1 FOR UPDATE`, userID); err != nil {
		return models.UserAccount{}, fmt.Errorf("failed to lock user: %w", err)
	}
	return acct, nil
}

func (r *Repository) saveUser(ctx context.Context, u models.UserAccount) error {
	_, err := r.q.ExecContext(ctx, `
		UPDATE users SET
			daily_points = $2, monthly_points = $3, total_points = $4,
			daily_minutes = $5, monthly_minutes = $6, total_minutes = $7,
			streak = $8, streak_updated_today = $9,
			last_daily_reset = $10, last_monthly_reset = $11
		WHERE discord_id = $1`,
		u.UserID, u.DailyPoints, u.MonthlyPoints, u.TotalPoints,
		u.DailyMinutes, u.MonthlyMinutes, u.TotalMinutes,
		u.Streak, u.StreakUpdatedToday,
		u.LastDailyReset, u.LastMonthlyReset)
	if err != nil {
		return fmt.Errorf("failed to update user: %w", err)
	}
	return nil
}

// ListOpenSessions returns every session without an end time, oldest first.
func (r *Repository) ListOpenSessions(ctx context.Context) ([]models.VoiceSession, error) {
	var sessions []models.VoiceSession
	err := r.q.SelectContext(ctx, &sessions, `
		SELECT `+sessionColumns+` FROM voice_sessions
		WHERE left_at IS NULL
		ORDER BY joined_at`)
	if err != nil {
		return nil, fmt.Errorf("failed to list open sessions: %w", err)
	}
	return sessions, nil
}

// GetOpenSession gets the open session of a user.
func (r *Repository) GetOpenSession(ctx context.Context, userID string) (models.VoiceSession, error) {
	var s models.VoiceSession
	err := r.q.GetContext(ctx, &s, `
		SELECT `+sessionColumns+` FROM voice_sessions
		WHERE discord_id = $1 AND left_at IS NULL`,
		userID)
	if errors.Is(err, sql.ErrNoRows) {
		return models.VoiceSession{}, fmt.Errorf("open session of %s: %w", userID, resilience.ErrNotFound)
	}
	if err != nil {
		return models.VoiceSession{}, fmt.Errorf("failed to get open session: %w", err)
	}
	return s, nil
}

// GetDailyStat gets a user's stats for one day. A day without activity
// returns a zero row.
func (r *Repository) GetDailyStat(ctx context.Context, userID, day string) (models.DailyStat, error) {
	var stat models.DailyStat
	err := r.q.GetContext(ctx, &stat, `
		SELECT discord_id, to_char(date, 'YYYY-MM-DD') AS date, total_minutes, points_earned, session_count, archived
		FROM daily_voice_stats
		WHERE discord_id = $1 AND date = $2`,
		userID, day)
	if errors.Is(err, sql.ErrNoRows) {
		return models.DailyStat{UserID: userID, Date: day}, nil
	}
	if err != nil {
		return models.DailyStat{}, fmt.Errorf("failed to get daily stat: %w", err)
	}
	return stat, nil
}

// GetUser gets a user's account.
func (r *Repository) GetUser(ctx context.Context, userID string) (models.UserAccount, error) {
	var acct models.UserAccount
	err := r.q.GetContext(ctx, &acct, `SELECT `+userColumns+` FROM users WHERE discord_id = $1`, userID)
	if errors.Is(err, sql.ErrNoRows) {
		return models.UserAccount{}, fmt.Errorf("user %s: %w", userID, resilience.ErrNotFound)
	}
	if err != nil {
		return models.UserAccount{}, fmt.Errorf("failed to get user: %w", err)
	}
	return acct, nil
}

// TopUsers gets the leaderboard for a period.
func (r *Repository) TopUsers(ctx context.Context, period Period, limit int) ([]models.UserAccount, error) {
	order := "total_points"
	switch period {
	case PeriodDaily:
		order = "daily_points"
	case PeriodMonthly:
		order = "monthly_points"
	}
	var users []models.UserAccount
	err := r.q.SelectContext(ctx, &users, `
		SELECT `+userColumns+` FROM users
		WHERE `+order+` > 0
		ORDER BY `+order+` DESC, discord_id
		LIMIT $1`,
		limit)
	if err != nil {
		return nil, fmt.Errorf("failed to get top users: %w", err)
	}
	return users, nil
}

// ChannelTotals gets voice time per channel for a user.
func (r *Repository) ChannelTotals(ctx context.Context, userID string) ([]models.ChannelTotal, error) {
	var totals []models.ChannelTotal
	err := r.q.SelectContext(ctx, &totals, `
		SELECT user_id, channel_id, total_seconds FROM voice_channel_hours
		WHERE user_id = $1
		ORDER BY total_seconds DESC`,
		userID)
	if err != nil {
		return nil, fmt.Errorf("failed to get voice channel hours: %w", err)
	}
	return totals, nil
}

// ArchiveDailyStats flags stat rows dated before the given day.
func (r *Repository) ArchiveDailyStats(ctx context.Context, before string) (int64, error) {
	res, err := r.q.ExecContext(ctx, `
		UPDATE daily_voice_stats SET archived = TRUE
		WHERE date < $1 AND NOT archived`,
		before)
	if err != nil {
		return 0, fmt.Errorf("failed to archive daily stats: %w", err)
	}
	return res.RowsAffected()
}

// ResetDailyCounters zeroes daily counters of accounts not yet reset for the
// day starting at boundary. The streak survives only if the previous day
// earned points and no day was skipped.
func (r *Repository) ResetDailyCounters(ctx context.Context, boundary time.Time) (int64, error) {
	res, err := r.q.ExecContext(ctx, `
		UPDATE users SET
			streak = CASE
				WHEN streak_updated_today
					AND (last_daily_reset IS NULL OR last_daily_reset + INTERVAL '1 day' >= $1)
				THEN streak ELSE 0 END,
			streak_updated_today = FALSE,
			daily_points = 0,
			daily_minutes = 0,
			last_daily_reset = $1
		WHERE last_daily_reset IS NULL OR last_daily_reset < $1`,
		boundary)
	if err != nil {
		return 0, fmt.Errorf("failed to reset daily counters: %w", err)
	}
	return res.RowsAffected()
}

// ResetMonthlyCounters zeroes monthly counters of accounts last reset before
// monthStart.
func (r *Repository) ResetMonthlyCounters(ctx context.Context, monthStart time.Time) (int64, error) {
	res, err := r.q.ExecContext(ctx, `
		UPDATE users SET monthly_points = 0, monthly_minutes = 0, last_monthly_reset = $1
		WHERE last_monthly_reset IS NULL OR last_monthly_reset < $1`,
		monthStart)
	if err != nil {
		return 0, fmt.Errorf("failed to reset monthly counters: %w", err)
	}
	return res.RowsAffected()
}

// Ping checks connectivity.
func (r *Repository) Ping(ctx context.Context) error {
	if err := r.db.conn.PingContext(ctx); err != nil {
		return fmt.Errorf("failed to ping database: %w", err)
	}
	return nil
}

const sessionColumns = `id, discord_id, channel_id, joined_at, left_at, last_heartbeat,
	current_duration_minutes, duration_minutes, points_earned, close_reason, recovery_note`

const userColumns = `discord_id, house, daily_points, monthly_points, total_points,
	daily_minutes, monthly_minutes, total_minutes, streak, streak_updated_today,
	last_daily_reset, last_monthly_reset`

func expectRow(res sql.Result, format string, args ...any) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read affected rows: %w", err)
	}
	if n == 0 {
		return fmt.Errorf(format+": %w", append(args, resilience.ErrNotFound)...)
	}
	return nil
}
