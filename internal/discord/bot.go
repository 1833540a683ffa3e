package discord

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/rs/zerolog"

	"voicepoints/internal/database"
	"voicepoints/internal/fault"
	"voicepoints/internal/models"
	"voicepoints/internal/points"
	"voicepoints/internal/reporting"
	"voicepoints/pkg/utils"
)

const (
	unavailableMessage = "Stats are temporarily unavailable, please try again shortly."
	commandTimeout     = 10 * time.Second
	leaderboardSize    = 10
)

// Presence receives voice presence changes.
type Presence interface {
	OnJoin(userID, channelID string)
	OnLeave(userID string)
	OnReconnectWithinGrace(userID, channelID string)
}

// GraceLookup reports whether a user is inside their grace window.
type GraceLookup interface {
	Grace(userID string) (models.GracePeriodEntry, bool)
}

// Reports answers the chat commands.
type Reports interface {
	GetActiveSession(userID string) (reporting.ActiveSession, bool)
	GetDailyLimitStatus(ctx context.Context, userID, tz string) (reporting.DailyLimit, error)
	GetRecoveryStats() reporting.RecoveryStats
	UserTotals(ctx context.Context, userID string) (models.UserAccount, error)
	Leaderboard(ctx context.Context, period database.Period, limit int) ([]models.UserAccount, error)
	ChannelTotals(ctx context.Context, userID string) ([]models.ChannelTotal, error)
}

// Bot represents the Discord bot
type Bot struct {
	session  *discordgo.Session
	presence Presence
	grace    GraceLookup
	reports  Reports
	log      zerolog.Logger
	guard    *fault.Guard
}

// Option configures a Bot.
type Option func(*Bot)

// WithFaultGuard flushes state through g when an event handler panics.
func WithFaultGuard(g *fault.Guard) Option {
	return func(b *Bot) {
		b.guard = g
	}
}

// New creates a new Discord bot
func New(token string, presence Presence, grace GraceLookup, reports Reports, log zerolog.Logger, opts ...Option) (*Bot, error) {
	session, err := discordgo.New("Bot " + token)
	if err != nil {
		return nil, fmt.Errorf("failed to create Discord session: %w", err)
	}

	session.Identify.Intents = discordgo.IntentsGuilds |
		discordgo.IntentsGuildVoiceStates |
		discordgo.IntentsGuildMessages |
		discordgo.IntentsMessageContent

	bot := &Bot{
		session:  session,
		presence: presence,
		grace:    grace,
		reports:  reports,
		log:      log.With().Str("component", "discord").Logger(),
	}
	for _, opt := range opts {
		opt(bot)
	}

	session.AddHandler(bot.voiceStateUpdate)
	session.AddHandler(bot.guildCreate)
	session.AddHandler(bot.messageCreate)

	return bot, nil
}

// Start opens the gateway connection
func (b *Bot) Start() error {
	if err := b.session.Open(); err != nil {
		return fmt.Errorf("failed to open Discord connection: %w", err)
	}
	b.log.Info().Msg("bot is running")
	return nil
}

// Stop closes the gateway connection. No presence events arrive afterwards.
func (b *Bot) Stop() error {
	return b.session.Close()
}

type voiceAction int

const (
	voiceIgnore voiceAction = iota
	voiceJoin
	voiceLeave
)

// classifyVoiceState maps a voice state transition to a presence action.
// Mute, deafen and stream toggles inside the same channel are ignored.
func classifyVoiceState(before *discordgo.VoiceState, after *discordgo.VoiceState) voiceAction {
	if after.ChannelID == "" {
		return voiceLeave
	}
	if before != nil && before.ChannelID == after.ChannelID {
		return voiceIgnore
	}
	return voiceJoin
}

func isBot(vs *discordgo.VoiceState) bool {
	return vs.Member != nil && vs.Member.User != nil && vs.Member.User.Bot
}

func (b *Bot) voiceStateUpdate(_ *discordgo.Session, vs *discordgo.VoiceStateUpdate) {
	defer b.guard.Recover("voice state handler")
	if vs.VoiceState == nil || isBot(vs.VoiceState) {
		return
	}
	b.handleVoiceState(vs.BeforeUpdate, vs.VoiceState)
}

func (b *Bot) handleVoiceState(before, after *discordgo.VoiceState) {
	switch classifyVoiceState(before, after) {
	case voiceLeave:
		b.log.Debug().Str("user", after.UserID).Msg("voice leave")
		b.presence.OnLeave(after.UserID)
	case voiceJoin:
		if _, ok := b.grace.Grace(after.UserID); ok {
			b.log.Debug().Str("user", after.UserID).Str("channel", after.ChannelID).Msg("voice reconnect")
			b.presence.OnReconnectWithinGrace(after.UserID, after.ChannelID)
			return
		}
		b.log.Debug().Str("user", after.UserID).Str("channel", after.ChannelID).Msg("voice join")
		b.presence.OnJoin(after.UserID, after.ChannelID)
	}
}

// guildCreate picks up members who were already in voice when the bot
// connected.
func (b *Bot) guildCreate(_ *discordgo.Session, g *discordgo.GuildCreate) {
	defer b.guard.Recover("guild create handler")
	if g.Guild == nil {
		return
	}
	var n int
	for _, vs := range g.VoiceStates {
		if vs == nil || vs.ChannelID == "" || isBot(vs) {
			continue
		}
		b.presence.OnJoin(vs.UserID, vs.ChannelID)
		n++
	}
	b.log.Info().Str("guild", g.ID).Int("in_voice", n).Msg("guild voice snapshot loaded")
}

func (b *Bot) messageCreate(s *discordgo.Session, m *discordgo.MessageCreate) {
	defer b.guard.Recover("message handler")
	if m.Author == nil || m.Author.Bot {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), commandTimeout)
	defer cancel()

	reply, ok := b.respond(ctx, m.Author.ID, m.Author.Username, m.Content)
	if !ok {
		return
	}
	if _, err := s.ChannelMessageSend(m.ChannelID, utils.TruncateString(reply, utils.MaxMessageLength)); err != nil {
		b.log.Warn().Err(err).Str("channel", m.ChannelID).Msg("failed to send reply")
	}
}

// respond returns the reply to a chat message, or false when the message is
// not a command.
func (b *Bot) respond(ctx context.Context, authorID, authorName, content string) (string, bool) {
	fields := strings.Fields(content)
	if len(fields) == 0 {
		return "", false
	}
	args := fields[1:]

	switch strings.ToLower(fields[0]) {
	case "!voice":
		return b.voiceCommand(ctx, authorID, authorName), true
	case "!points":
		target := authorID
		if len(args) > 0 && utils.IsUserMention(args[0]) {
			target = utils.ExtractUserIDFromMention(args[0])
		}
		return b.pointsCommand(ctx, target), true
	case "!limit":
		var tz string
		if len(args) > 0 {
			tz = args[0]
		}
		return b.limitCommand(ctx, authorID, tz), true
	case "!top":
		var period string
		if len(args) > 0 {
			period = strings.ToLower(args[0])
		}
		return b.topCommand(ctx, database.ParsePeriod(period)), true
	case "!recovery":
		return renderRecovery(b.reports.GetRecoveryStats()), true
	}
	return "", false
}

func (b *Bot) voiceCommand(ctx context.Context, userID, name string) string {
	var lines []string
	if s, ok := b.reports.GetActiveSession(userID); ok {
		lines = append(lines, renderActive(s))
	} else {
		lines = append(lines, "🔇 Not in voice right now.")
	}

	totals, err := b.reports.ChannelTotals(ctx, userID)
	if err != nil {
		return fmt.Sprintf("🔊 %s\n%s\n%s", name, lines[0], unavailableMessage)
	}
	if len(totals) == 0 {
		lines = append(lines, "(no voice time recorded yet)")
	}
	var total int64
	for _, ch := range totals {
		lines = append(lines, fmt.Sprintf("%s: %s", utils.FormatChannelMention(ch.ChannelID), utils.FormatSeconds(ch.TotalSeconds)))
		total += ch.TotalSeconds
	}
	return fmt.Sprintf("🔊 %s, voice per channel:\n%s\nTotal: %s", name, strings.Join(lines, "\n"), utils.FormatSeconds(total))
}

func (b *Bot) pointsCommand(ctx context.Context, userID string) string {
	acct, err := b.reports.UserTotals(ctx, userID)
	if err != nil {
		return unavailableMessage
	}
	msg := renderTotals(acct)
	if s, ok := b.reports.GetActiveSession(userID); ok {
		msg += "\n" + renderActive(s)
	}
	return msg
}

func (b *Bot) limitCommand(ctx context.Context, userID, tz string) string {
	st, err := b.reports.GetDailyLimitStatus(ctx, userID, tz)
	switch {
	case errors.Is(err, reporting.ErrUnknownTimezone):
		return fmt.Sprintf("Unknown timezone %q. Use an IANA name such as Europe/London.", tz)
	case err != nil:
		return unavailableMessage
	}
	return renderLimit(st)
}

func (b *Bot) topCommand(ctx context.Context, period database.Period) string {
	top, err := b.reports.Leaderboard(ctx, period, leaderboardSize)
	if err != nil {
		return unavailableMessage
	}
	return renderLeaderboard(period, top)
}

func renderActive(s reporting.ActiveSession) string {
	switch {
	case s.Pending:
		return fmt.Sprintf("⏳ Session in progress (%s), saving...", utils.FormatDuration(s.Elapsed))
	case s.InGrace:
		return fmt.Sprintf("⏸️ Disconnected from %s after %s, rejoin to continue.", utils.FormatChannelMention(s.ChannelID), utils.FormatDuration(s.Elapsed))
	}
	return fmt.Sprintf("🎙️ In %s for %s.", utils.FormatChannelMention(s.ChannelID), utils.FormatDuration(s.Elapsed))
}

func renderTotals(u models.UserAccount) string {
	return fmt.Sprintf("⭐ %s\nToday: %d pts (%s)\nThis month: %d pts (%s)\nAll time: %d pts (%s)\nStreak: %d day(s)",
		utils.FormatUserMention(u.UserID),
		u.DailyPoints, utils.FormatMinutes(int64(u.DailyMinutes)),
		u.MonthlyPoints, utils.FormatMinutes(int64(u.MonthlyMinutes)),
		u.TotalPoints, utils.FormatMinutes(u.TotalMinutes),
		u.Streak)
}

func renderLimit(st reporting.DailyLimit) string {
	var b strings.Builder
	fmt.Fprintf(&b, "⏱️ Voice today: %s", utils.FormatMinutes(int64(st.MinutesToday)))
	if st.InProgressMinutes > 0 {
		fmt.Fprintf(&b, " (%s in progress)", utils.FormatMinutes(int64(st.InProgressMinutes)))
	}
	if st.CapReached {
		fmt.Fprintf(&b, "\nDaily cap reached. Resets in %s (%s).", utils.FormatDuration(st.TimeToReset), st.Timezone)
		return b.String()
	}
	fmt.Fprintf(&b, "\nPoint-earning time left: %s", utils.FormatDuration(st.Remaining))
	if st.LimitedBy == points.LimitedByTime {
		fmt.Fprintf(&b, " (until midnight, %s)", st.Timezone)
	} else {
		fmt.Fprintf(&b, " (daily cap)")
	}
	fmt.Fprintf(&b, "\nMonthly reset in %s.", utils.FormatDuration(st.MonthlyReset))
	return b.String()
}

func renderLeaderboard(period database.Period, top []models.UserAccount) string {
	title := map[database.Period]string{
		database.PeriodDaily:   "today",
		database.PeriodMonthly: "this month",
		database.PeriodAllTime: "all time",
	}[period]
	if len(top) == 0 {
		return fmt.Sprintf("🏆 No points earned %s yet.", title)
	}
	lines := []string{fmt.Sprintf("🏆 Leaderboard (%s)", title)}
	for i, u := range top {
		var pts int64
		switch period {
		case database.PeriodDaily:
			pts = int64(u.DailyPoints)
		case database.PeriodMonthly:
			pts = int64(u.MonthlyPoints)
		default:
			pts = u.TotalPoints
		}
		lines = append(lines, utils.FormatLeaderboardEntry(i+1, utils.FormatUserMention(u.UserID), fmt.Sprintf("%d pts", pts)))
	}
	return strings.Join(lines, "\n")
}

func renderRecovery(st reporting.RecoveryStats) string {
	lastSave := "never"
	if !st.LastSave.IsZero() {
		lastSave = st.LastSave.UTC().Format(time.RFC3339)
	}
	r := st.LastRecovery
	return fmt.Sprintf("🩺 Active: %d, in grace: %d, last save: %s\nLast startup: %d orphaned, %d recovered, %d short, %d stale, %d failed",
		st.Active, st.Grace, lastSave, r.Found, r.Recovered, r.Short, r.Stale, r.Failed)
}
