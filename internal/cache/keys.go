package cache

import "fmt"

func DailyStatsKey(userID, day string) string {
	return fmt.Sprintf("stats:daily:%s:%s", userID, day)
}

func UserKey(userID string) string {
	return "user:" + userID
}

func ChannelsKey(userID string) string {
	return "channels:" + userID
}

func LeaderboardKey(period string) string {
	return "leaderboard:" + period
}

// UserPatterns lists the key families made stale by a write to userID's
// totals.
func UserPatterns(userID string) []string {
	return []string{
		fmt.Sprintf("stats:daily:%s:*", userID),
		UserKey(userID),
		ChannelsKey(userID),
		"leaderboard:*",
	}
}

// InvalidateUser drops every key family affected by a write to userID.
func (c *Cache) InvalidateUser(userID string) int {
	var n int
	for _, p := range UserPatterns(userID) {
		n += c.InvalidatePattern(p)
	}
	return n
}
