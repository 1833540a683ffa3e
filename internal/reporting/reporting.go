// Package reporting answers read-only questions about voice time for the chat
// commands. Store failures surface only as ErrStatsUnavailable.
package reporting

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"voicepoints/internal/cache"
	"voicepoints/internal/database"
	"voicepoints/internal/models"
	"voicepoints/internal/points"
	"voicepoints/internal/recovery"
	"voicepoints/internal/resilience"
	"voicepoints/internal/session"
)

// Lookup errors returned to callers. Store failures are logged and reported
// as ErrStatsUnavailable.
var (
	ErrStatsUnavailable = errors.New("stats temporarily unavailable")
	ErrUnknownTimezone  = errors.New("unknown timezone")
)

// RecoveryView exposes live session counts and the last startup recovery.
type RecoveryView interface {
	Stats() recovery.Stats
	LastRecovery() recovery.Report
}

// ActiveSession describes a user's tracked session.
type ActiveSession struct {
	UserID    string
	ChannelID string
	SessionID int64
	JoinedAt  time.Time
	Elapsed   time.Duration
	// InGrace is set while the user is disconnected but not yet finalized.
	InGrace bool
	// Pending is set when the close failed and is awaiting retry.
	Pending bool
}

// DailyLimit is the remaining allowance for today. MinutesToday includes
// InProgressMinutes from sessions that have not been closed yet.
type DailyLimit struct {
	points.LimitStatus
	Timezone          string
	MinutesToday      int
	InProgressMinutes int
}

// RecoveryStats is a snapshot of live session counts and the last startup
// recovery.
type RecoveryStats struct {
	Active       int
	Grace        int
	LastSave     time.Time
	LastRecovery recovery.Report
}

// Reporter answers read-only stats queries, serving database reads through
// the cache.
type Reporter struct {
	sessions *session.Manager
	db       database.Store
	cache    *cache.Cache
	recovery RecoveryView
	log      zerolog.Logger
}

// New creates a Reporter.
func New(sessions *session.Manager, db database.Store, c *cache.Cache, rv RecoveryView, log zerolog.Logger) *Reporter {
	return &Reporter{
		sessions: sessions,
		db:       db,
		cache:    c,
		recovery: rv,
		log:      log.With().Str("component", "reporting").Logger(),
	}
}

func (r *Reporter) unavailable(op string, err error) error {
	r.log.Warn().Err(err).Str("op", op).Msg("stats lookup failed")
	return fmt.Errorf("%s: %w", op, ErrStatsUnavailable)
}

// GetActiveSession returns the user's active or grace-period session.
func (r *Reporter) GetActiveSession(userID string) (ActiveSession, bool) {
	now := r.sessions.Clock().Now()
	if a, ok := r.sessions.Active(userID); ok {
		return ActiveSession{
			UserID:    a.UserID,
			ChannelID: a.ChannelID,
			SessionID: a.SessionID,
			JoinedAt:  a.JoinedAt,
			Elapsed:   now.Sub(a.JoinedAt),
		}, true
	}
	if g, ok := r.sessions.Grace(userID); ok {
		end := g.GraceStart
		if g.PendingClose != nil {
			end = g.PendingClose.EndedAt
		}
		return ActiveSession{
			UserID:    g.UserID,
			ChannelID: g.ChannelID,
			SessionID: g.SessionID,
			JoinedAt:  g.JoinedAt,
			Elapsed:   end.Sub(g.JoinedAt),
			InGrace:   true,
			Pending:   g.PendingClose != nil,
		}, true
	}
	return ActiveSession{}, false
}

// GetDailyLimitStatus reports how much point-earning time the user has left
// today. Accrual follows the global day; tz only changes the reset times
// shown to the user. An empty tz uses the global timezone.
func (r *Reporter) GetDailyLimitStatus(ctx context.Context, userID, tz string) (DailyLimit, error) {
	loc := r.sessions.Location()
	if tz != "" {
		l, err := time.LoadLocation(tz)
		if err != nil {
			return DailyLimit{}, fmt.Errorf("%w: %s", ErrUnknownTimezone, tz)
		}
		loc = l
	}

	now := r.sessions.Clock().Now()
	dayKey := models.DayKey(now, r.sessions.Location())
	stat, err := cache.GetOrLoad(ctx, r.cache, cache.DailyStatsKey(userID, dayKey), cache.KindDailyStats,
		func(ctx context.Context) (models.DailyStat, error) {
			return r.db.GetDailyStat(ctx, userID, dayKey)
		})
	if err != nil {
		return DailyLimit{}, r.unavailable("daily limit", err)
	}

	inProgress := r.sessions.InProgressMinutes(userID, models.DayStart(now, r.sessions.Location()))
	minutes := stat.TotalMinutes + inProgress
	return DailyLimit{
		LimitStatus:       r.sessions.Calculator().DailyLimit(now, loc, minutes),
		Timezone:          loc.String(),
		MinutesToday:      minutes,
		InProgressMinutes: inProgress,
	}, nil
}

// GetRecoveryStats returns live counts and the last recovery report.
func (r *Reporter) GetRecoveryStats() RecoveryStats {
	s := r.recovery.Stats()
	return RecoveryStats{
		Active:       s.Active,
		Grace:        s.Grace,
		LastSave:     s.LastSave,
		LastRecovery: r.recovery.LastRecovery(),
	}
}

// UserTotals returns the user's account. Users without an account get a zero
// account.
func (r *Reporter) UserTotals(ctx context.Context, userID string) (models.UserAccount, error) {
	acct, err := cache.GetOrLoad(ctx, r.cache, cache.UserKey(userID), cache.KindUser,
		func(ctx context.Context) (models.UserAccount, error) {
			u, err := r.db.GetUser(ctx, userID)
			if errors.Is(err, resilience.ErrNotFound) {
				return models.UserAccount{UserID: userID}, nil
			}
			return u, err
		})
	if err != nil {
		return models.UserAccount{}, r.unavailable("user totals", err)
	}
	return acct, nil
}

// Leaderboard returns the top users for a period.
func (r *Reporter) Leaderboard(ctx context.Context, period database.Period, limit int) ([]models.UserAccount, error) {
	if limit <= 0 {
		limit = 10
	}
	key := cache.LeaderboardKey(fmt.Sprintf("%s:%d", period, limit))
	top, err := cache.GetOrLoad(ctx, r.cache, key, cache.KindLeaderboard,
		func(ctx context.Context) ([]models.UserAccount, error) {
			return r.db.TopUsers(ctx, period, limit)
		})
	if err != nil {
		return nil, r.unavailable("leaderboard", err)
	}
	return top, nil
}

// ChannelTotals returns the user's minutes per channel.
func (r *Reporter) ChannelTotals(ctx context.Context, userID string) ([]models.ChannelTotal, error) {
	totals, err := cache.GetOrLoad(ctx, r.cache, cache.ChannelsKey(userID), cache.KindUser,
		func(ctx context.Context) ([]models.ChannelTotal, error) {
			return r.db.ChannelTotals(ctx, userID)
		})
	if err != nil {
		return nil, r.unavailable("channel totals", err)
	}
	return totals, nil
}
