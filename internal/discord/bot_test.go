package discord

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"voicepoints/internal/database"
	"voicepoints/internal/fault"
	"voicepoints/internal/models"
	"voicepoints/internal/points"
	"voicepoints/internal/recovery"
	"voicepoints/internal/reporting"
)

type recordedPresence struct {
	events []string
}

func (r *recordedPresence) OnJoin(u, c string) { r.events = append(r.events, "join "+u+" "+c) }
func (r *recordedPresence) OnLeave(u string)   { r.events = append(r.events, "leave "+u) }
func (r *recordedPresence) OnReconnectWithinGrace(u, c string) {
	r.events = append(r.events, "reconnect "+u+" "+c)
}

type graceSet map[string]bool

func (g graceSet) Grace(u string) (models.GracePeriodEntry, bool) {
	return models.GracePeriodEntry{UserID: u}, g[u]
}

type stubReports struct {
	active   map[string]reporting.ActiveSession
	limit    reporting.DailyLimit
	totals   models.UserAccount
	top      []models.UserAccount
	channels []models.ChannelTotal
	err      error
	period   database.Period
	tz       string
	user     string
}

func (s *stubReports) GetActiveSession(u string) (reporting.ActiveSession, bool) {
	a, ok := s.active[u]
	return a, ok
}

func (s *stubReports) GetDailyLimitStatus(_ context.Context, u, tz string) (reporting.DailyLimit, error) {
	s.tz = tz
	return s.limit, s.err
}

func (s *stubReports) GetRecoveryStats() reporting.RecoveryStats {
	return reporting.RecoveryStats{Active: 2, Grace: 1, LastRecovery: recovery.Report{Found: 3, Recovered: 2, Stale: 1}}
}

func (s *stubReports) UserTotals(_ context.Context, u string) (models.UserAccount, error) {
	s.user = u
	acct := s.totals
	acct.UserID = u
	return acct, s.err
}

func (s *stubReports) Leaderboard(_ context.Context, p database.Period, _ int) ([]models.UserAccount, error) {
	s.period = p
	return s.top, s.err
}

func (s *stubReports) ChannelTotals(context.Context, string) ([]models.ChannelTotal, error) {
	return s.channels, s.err
}

func newTestBot(grace graceSet, reports *stubReports) (*Bot, *recordedPresence) {
	p := &recordedPresence{}
	return &Bot{presence: p, grace: grace, reports: reports, log: zerolog.Nop()}, p
}

func TestClassifyVoiceState(t *testing.T) {
	in := func(c string) *discordgo.VoiceState { return &discordgo.VoiceState{UserID: "u", ChannelID: c} }

	assert.Equal(t, voiceJoin, classifyVoiceState(nil, in("c1")))
	assert.Equal(t, voiceJoin, classifyVoiceState(in("c1"), in("c2")))
	assert.Equal(t, voiceIgnore, classifyVoiceState(in("c1"), in("c1")))
	assert.Equal(t, voiceLeave, classifyVoiceState(in("c1"), in("")))
	assert.Equal(t, voiceLeave, classifyVoiceState(nil, in("")))
}

func TestVoiceStateRouting(t *testing.T) {
	b, p := newTestBot(graceSet{"u2": true}, &stubReports{})

	b.voiceStateUpdate(nil, &discordgo.VoiceStateUpdate{VoiceState: &discordgo.VoiceState{UserID: "u1", ChannelID: "c1"}})
	b.voiceStateUpdate(nil, &discordgo.VoiceStateUpdate{VoiceState: &discordgo.VoiceState{UserID: "u2", ChannelID: "c1"}})
	b.voiceStateUpdate(nil, &discordgo.VoiceStateUpdate{
		VoiceState:   &discordgo.VoiceState{UserID: "u1", ChannelID: "c1", SelfMute: true},
		BeforeUpdate: &discordgo.VoiceState{UserID: "u1", ChannelID: "c1"},
	})
	b.voiceStateUpdate(nil, &discordgo.VoiceStateUpdate{VoiceState: &discordgo.VoiceState{UserID: "u1"}})
	b.voiceStateUpdate(nil, &discordgo.VoiceStateUpdate{VoiceState: &discordgo.VoiceState{
		UserID: "bot", ChannelID: "c1", Member: &discordgo.Member{User: &discordgo.User{ID: "bot", Bot: true}},
	}})

	assert.Equal(t, []string{"join u1 c1", "reconnect u2 c1", "leave u1"}, p.events)
}

func TestGuildCreateSnapshot(t *testing.T) {
	b, p := newTestBot(graceSet{}, &stubReports{})
	b.guildCreate(nil, &discordgo.GuildCreate{Guild: &discordgo.Guild{
		ID: "g1",
		VoiceStates: []*discordgo.VoiceState{
			{UserID: "u1", ChannelID: "c1"},
			{UserID: "u2", ChannelID: ""},
			{UserID: "bot", ChannelID: "c1", Member: &discordgo.Member{User: &discordgo.User{Bot: true}}},
		},
	}})
	assert.Equal(t, []string{"join u1 c1"}, p.events)
}

func TestRespond_Commands(t *testing.T) {
	reports := &stubReports{
		active: map[string]reporting.ActiveSession{
			"u1": {UserID: "u1", ChannelID: "c1", Elapsed: 75 * time.Minute},
		},
		totals:   models.UserAccount{DailyPoints: 7, TotalPoints: 40, Streak: 3, DailyMinutes: 120},
		top:      []models.UserAccount{{UserID: "a", MonthlyPoints: 12}, {UserID: "b", MonthlyPoints: 5}},
		channels: []models.ChannelTotal{{ChannelID: "c1", TotalSeconds: 3600}, {ChannelID: "c2", TotalSeconds: 65}},
		limit: reporting.DailyLimit{
			LimitStatus:  points.LimitStatus{Remaining: 90 * time.Minute, LimitedBy: points.LimitedByTime},
			Timezone:     "Asia/Tokyo",
			MinutesToday: 150,
		},
	}
	b, _ := newTestBot(graceSet{}, reports)
	ctx := context.Background()

	_, ok := b.respond(ctx, "u1", "alice", "hello there")
	assert.False(t, ok)

	reply, ok := b.respond(ctx, "u1", "alice", "!voice")
	require.True(t, ok)
	assert.Contains(t, reply, "<#c1>: 1:00:00")
	assert.Contains(t, reply, "Total: 1:01:05")
	assert.Contains(t, reply, "1h 15m")

	reply, _ = b.respond(ctx, "u1", "alice", "!points <@!99>")
	assert.Equal(t, "99", reports.user)
	assert.Contains(t, reply, "Today: 7 pts (2h 00m)")
	assert.Contains(t, reply, "Streak: 3")

	reply, _ = b.respond(ctx, "u1", "alice", "!limit Asia/Tokyo")
	assert.Equal(t, "Asia/Tokyo", reports.tz)
	assert.Contains(t, reply, "1h 30m (until midnight, Asia/Tokyo)")

	reply, _ = b.respond(ctx, "u1", "alice", "!TOP Monthly")
	assert.Equal(t, database.PeriodMonthly, reports.period)
	assert.Contains(t, reply, "🥇 <@a> - 12 pts")

	reply, _ = b.respond(ctx, "u1", "alice", "!recovery")
	assert.Contains(t, reply, "Active: 2, in grace: 1, last save: never")
	assert.Contains(t, reply, "3 orphaned, 2 recovered")
}

func TestRespond_Degrades(t *testing.T) {
	reports := &stubReports{err: fmt.Errorf("leaderboard: %w", reporting.ErrStatsUnavailable)}
	b, _ := newTestBot(graceSet{}, reports)
	ctx := context.Background()

	for _, cmd := range []string{"!points", "!top", "!limit"} {
		reply, ok := b.respond(ctx, "u1", "alice", cmd)
		require.True(t, ok)
		assert.Equal(t, unavailableMessage, reply, cmd)
	}
	reply, _ := b.respond(ctx, "u1", "alice", "!voice")
	assert.Contains(t, reply, unavailableMessage)

	reports.err = fmt.Errorf("%w: Mars/Olympus", reporting.ErrUnknownTimezone)
	reply, _ = b.respond(ctx, "u1", "alice", "!limit Mars/Olympus")
	assert.Contains(t, reply, "Unknown timezone")
}

type panickingPresence struct{}

func (panickingPresence) OnJoin(string, string)                 { panic("queue closed") }
func (panickingPresence) OnLeave(string)                        {}
func (panickingPresence) OnReconnectWithinGrace(string, string) {}

func TestHandlerPanicRunsFaultHook(t *testing.T) {
	guard := fault.NewGuard(zerolog.Nop())
	var flushed []any
	guard.SetHook(func(r any) { flushed = append(flushed, r) })
	b := &Bot{presence: panickingPresence{}, grace: graceSet{}, reports: &stubReports{}, log: zerolog.Nop(), guard: guard}

	assert.PanicsWithValue(t, "queue closed", func() {
		b.voiceStateUpdate(nil, &discordgo.VoiceStateUpdate{VoiceState: &discordgo.VoiceState{UserID: "u1", ChannelID: "c1"}})
	})
	assert.PanicsWithValue(t, "queue closed", func() {
		b.guildCreate(nil, &discordgo.GuildCreate{Guild: &discordgo.Guild{
			VoiceStates: []*discordgo.VoiceState{{UserID: "u1", ChannelID: "c1"}},
		}})
	})
	assert.Equal(t, []any{"queue closed", "queue closed"}, flushed)
}
