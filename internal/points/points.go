// Package points converts accrued voice time into point awards. Everything
// here is pure and deterministic.
package points

import (
	"math"
	"time"
)

// roundUpMinute is the minute within an hour at which a partial hour counts as
// a whole one.
const roundUpMinute = 55

// Rates configures the tiered award formula.
type Rates struct {
	FirstHourPoints      int
	AdditionalHourPoints int
	DailyCapHours        int
}

// DefaultRates returns 5 points for the first hour, 2 for every later hour and
// a 15 hour daily cap.
func DefaultRates() Rates {
	return Rates{
		FirstHourPoints:      5,
		AdditionalHourPoints: 2,
		DailyCapHours:        15,
	}
}

// Award is the outcome of a single session close.
type Award struct {
	Hours           int
	Points          int
	EligibleMinutes int
	CappedMinutes   int
}

// Calculator applies Rates.
type Calculator struct {
	rates Rates
}

// NewCalculator creates a calculator for the given rates.
func NewCalculator(rates Rates) Calculator {
	return Calculator{rates: rates}
}

// Rates returns the configured rates.
func (c Calculator) Rates() Rates {
	return c.rates
}

// CapMinutes is the daily voice time eligible for points.
func (c Calculator) CapMinutes() int {
	return c.rates.DailyCapHours * 60
}

// RoundHours rounds to a whole hour, rounding up only when the fractional
// part reaches 55 minutes.
func RoundHours(hours float64) float64 {
	whole := math.Floor(hours)
	// Tolerate float error so that exactly 55 minutes rounds up.
	if hours-whole >= float64(roundUpMinute)/60-1e-9 {
		return whole + 1
	}
	return whole
}

// RoundMinutes is RoundHours for a whole number of minutes.
func RoundMinutes(minutes int) int {
	if minutes <= 0 {
		return 0
	}
	hours := minutes / 60
	if minutes%60 >= roundUpMinute {
		hours++
	}
	return hours
}

// AwardForSession computes the award for a session of sessionMinutes given
// the minutes already accrued today. Minutes past the daily cap are reported
// as capped and earn nothing.
func (c Calculator) AwardForSession(priorMinutesToday, sessionMinutes int) Award {
	if sessionMinutes < 0 {
		sessionMinutes = 0
	}
	if priorMinutesToday < 0 {
		priorMinutesToday = 0
	}

	eligible := c.CapMinutes() - priorMinutesToday
	switch {
	case eligible < 0:
		eligible = 0
	case eligible > sessionMinutes:
		eligible = sessionMinutes
	}

	award := Award{
		EligibleMinutes: eligible,
		CappedMinutes:   sessionMinutes - eligible,
		Hours:           RoundMinutes(eligible),
	}
	if award.Hours == 0 {
		return award
	}

	// The first hour rate applies until today's earlier sessions have been
	// credited an hour, using the same rounding they were paid with.
	if RoundMinutes(priorMinutesToday) == 0 {
		award.Points = c.rates.FirstHourPoints + c.rates.AdditionalHourPoints*(award.Hours-1)
	} else {
		award.Points = c.rates.AdditionalHourPoints * award.Hours
	}
	return award
}

// TimeUntilDailyReset returns the time until the next local midnight in loc.
func TimeUntilDailyReset(now time.Time, loc *time.Location) time.Duration {
	lt := now.In(loc)
	next := time.Date(lt.Year(), lt.Month(), lt.Day()+1, 0, 0, 0, 0, loc)
	return next.Sub(lt)
}

// TimeUntilMonthlyReset returns the time until the first day of the next
// month in loc.
func TimeUntilMonthlyReset(now time.Time, loc *time.Location) time.Duration {
	lt := now.In(loc)
	next := time.Date(lt.Year(), lt.Month()+1, 1, 0, 0, 0, 0, loc)
	return next.Sub(lt)
}

// LimitKind names the bound that limits further point earning today.
type LimitKind string

const (
	LimitedByAllowance LimitKind = "allowance"
	LimitedByTime      LimitKind = "time"
)

// LimitStatus describes how much point-earning time remains today.
type LimitStatus struct {
	AllowanceRemaining time.Duration
	TimeToReset        time.Duration
	MonthlyReset       time.Duration
	Remaining          time.Duration
	LimitedBy          LimitKind
	CapReached         bool
}

// DailyLimit reports the remaining allowance for a user who has accrued
// minutesToday, using the user's timezone for the reset time.
func (c Calculator) DailyLimit(now time.Time, loc *time.Location, minutesToday int) LimitStatus {
	left := c.CapMinutes() - minutesToday
	if left < 0 {
		left = 0
	}
	status := LimitStatus{
		AllowanceRemaining: time.Duration(left) * time.Minute,
		TimeToReset:        TimeUntilDailyReset(now, loc),
		MonthlyReset:       TimeUntilMonthlyReset(now, loc),
		CapReached:         left == 0,
	}
	if status.AllowanceRemaining <= status.TimeToReset {
		status.Remaining = status.AllowanceRemaining
		status.LimitedBy = LimitedByAllowance
	} else {
		status.Remaining = status.TimeToReset
		status.LimitedBy = LimitedByTime
	}
	return status
}
