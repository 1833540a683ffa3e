package models

import "time"

// UserAccount holds cumulative totals for a user.
type UserAccount struct {
	UserID             string     `db:"discord_id"`
	House              *string    `db:"house"`
	DailyPoints        int        `db:"daily_points"`
	MonthlyPoints      int        `db:"monthly_points"`
	TotalPoints        int64      `db:"total_points"`
	DailyMinutes       int        `db:"daily_minutes"`
	MonthlyMinutes     int        `db:"monthly_minutes"`
	TotalMinutes       int64      `db:"total_minutes"`
	Streak             int        `db:"streak"`
	StreakUpdatedToday bool       `db:"streak_updated_today"`
	LastDailyReset     *time.Time `db:"last_daily_reset"`
	LastMonthlyReset   *time.Time `db:"last_monthly_reset"`
}

// RollDaily moves the account into the day starting at dayStart. Daily
// counters are zeroed and the streak is broken when the previous day earned
// nothing or a whole day was skipped. It never moves backwards and returns
// whether anything changed.
func (u *UserAccount) RollDaily(dayStart time.Time) bool {
	if u.LastDailyReset != nil && !u.LastDailyReset.Before(dayStart) {
		return false
	}
	skipped := u.LastDailyReset != nil && u.LastDailyReset.AddDate(0, 0, 1).Before(dayStart)
	if !u.StreakUpdatedToday || skipped {
		u.Streak = 0
	}
	u.StreakUpdatedToday = false
	u.DailyPoints = 0
	u.DailyMinutes = 0
	ds := dayStart
	u.LastDailyReset = &ds
	return true
}

// RollMonthly zeroes monthly counters when the account predates monthStart.
func (u *UserAccount) RollMonthly(monthStart time.Time) bool {
	if u.LastMonthlyReset != nil && !u.LastMonthlyReset.Before(monthStart) {
		return false
	}
	u.MonthlyPoints = 0
	u.MonthlyMinutes = 0
	ms := monthStart
	u.LastMonthlyReset = &ms
	return true
}

// Credit adds a closed session's minutes and points. dayStart and monthStart
// describe the period the session belongs to. A session from a period the
// account has already moved past only counts toward the longer totals.
func (u *UserAccount) Credit(dayStart, monthStart time.Time, points, minutes int) {
	u.RollMonthly(monthStart)
	u.RollDaily(dayStart)

	if u.LastDailyReset != nil && u.LastDailyReset.Equal(dayStart) {
		u.DailyPoints += points
		u.DailyMinutes += minutes
		if points > 0 && !u.StreakUpdatedToday {
			u.Streak++
			u.StreakUpdatedToday = true
		}
	}
	if u.LastMonthlyReset != nil && u.LastMonthlyReset.Equal(monthStart) {
		u.MonthlyPoints += points
		u.MonthlyMinutes += minutes
	}
	u.TotalPoints += int64(points)
	u.TotalMinutes += int64(minutes)
}
