package utils

import (
	"fmt"
	"time"
)

// FormatSeconds formats seconds into H:MM:SS format
func FormatSeconds(totalSeconds int64) string {
	if totalSeconds < 0 {
		totalSeconds = 0
	}
	h := totalSeconds / 3600
	m := (totalSeconds % 3600) / 60
	s := totalSeconds % 60
	return fmt.Sprintf("%d:%02d:%02d", h, m, s)
}

// FormatDuration formats d as "2h 05m", or "45m" under an hour.
func FormatDuration(d time.Duration) string {
	if d < 0 {
		d = 0
	}
	minutes := int64(d / time.Minute)
	if minutes < 60 {
		return fmt.Sprintf("%dm", minutes)
	}
	return fmt.Sprintf("%dh %02dm", minutes/60, minutes%60)
}

// FormatMinutes formats a whole number of minutes like FormatDuration.
func FormatMinutes(minutes int64) string {
	return FormatDuration(time.Duration(minutes) * time.Minute)
}
