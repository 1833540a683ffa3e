package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"
	_ "time/tzdata"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/zerolog"

	"voicepoints/internal/cache"
	"voicepoints/internal/config"
	"voicepoints/internal/database"
	"voicepoints/internal/discord"
	"voicepoints/internal/fault"
	"voicepoints/internal/logging"
	"voicepoints/internal/metrics"
	"voicepoints/internal/points"
	"voicepoints/internal/recovery"
	"voicepoints/internal/reporting"
	"voicepoints/internal/resilience"
	"voicepoints/internal/scheduler"
	"voicepoints/internal/session"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "voicepoints: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	logger, closeLog, err := logging.New(logging.Options{Level: cfg.LogLevel, Pretty: cfg.LogPretty, File: cfg.LogFile})
	if err != nil {
		return err
	}
	defer func() { _ = closeLog() }()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	// Background loops run until shutdown has drained them, not until the signal.
	runCtx, cancelRun := context.WithCancel(context.Background())
	defer cancelRun()

	db, err := database.New(ctx, cfg.DatabaseDSN, database.PoolConfig{
		MaxOpenConns:    cfg.DBMaxOpenConns,
		MaxIdleConns:    cfg.DBMaxIdleConns,
		ConnMaxLifetime: cfg.DBConnMaxLifetime,
	}, logger)
	if err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}
	defer func() {
		if err := db.Close(); err != nil {
			logger.Warn().Err(err).Msg("failed to close database")
		}
	}()

	// Panics in background callbacks flush open sessions before the process dies.
	guard := fault.NewGuard(logger)

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	rec := metrics.New(reg)
	metrics.RegisterDBStats(reg, db.GetConnection())

	exec, err := resilience.NewExecutor(policies(cfg),
		resilience.WithPool(db),
		resilience.WithMetrics(rec),
		resilience.WithLogger(logger),
	)
	if err != nil {
		return fmt.Errorf("failed to configure resilience: %w", err)
	}
	store := database.NewResilientStore(database.NewRepository(db), exec)

	statsCache := cache.New(map[cache.Kind]time.Duration{
		cache.KindLeaderboard: cfg.CacheTTLLeaderboard,
		cache.KindDailyStats:  cfg.CacheTTLDailyStats,
		cache.KindUser:        cfg.CacheTTLUser,
	}, cache.WithLogger(logger), cache.WithMetrics(rec), cache.WithFaultGuard(guard))
	if err := statsCache.Start(runCtx, cfg.CacheSweepInterval); err != nil {
		return err
	}
	defer statsCache.Stop()

	sessions, err := session.NewManager(session.NewMemoryStore(), store, session.Config{
		GraceWindow: cfg.GraceWindow,
		Location:    cfg.Location,
		Rates: points.Rates{
			FirstHourPoints:      cfg.FirstHourPoints,
			AdditionalHourPoints: cfg.AdditionalHourPoints,
			DailyCapHours:        cfg.DailyCapHours,
		},
	}, session.WithLogger(logger), session.WithMetrics(rec), session.WithInvalidator(statsCache), session.WithFaultGuard(guard))
	if err != nil {
		return err
	}
	metrics.RegisterSessionGauges(reg, sessions.Counts)

	dispatcher := session.NewDispatcher(sessions, cfg.DispatchPartitions, cfg.HeartbeatInterval,
		session.WithDispatcherLogger(logger),
	)
	recoveryMgr := recovery.NewManager(sessions, store, recovery.Config{
		Staleness:       cfg.RecoveryStaleness,
		MaxEstimate:     cfg.RecoveryMaxEstimate,
		ShutdownTimeout: cfg.ShutdownTimeout,
		Concurrency:     cfg.DispatchPartitions,
	}, recovery.WithHeartbeat(dispatcher), recovery.WithLogger(logger), recovery.WithMetrics(rec))
	guard.SetHook(func(any) { recoveryMgr.EmergencyFlush(5 * time.Second) })

	// Orphans must be closed before new sessions for the same users open.
	if _, err := recoveryMgr.RecoverOrphans(ctx); err != nil {
		logger.Error().Err(err).Msg("startup recovery finished with errors")
	}
	dispatcher.Start(runCtx)
	defer dispatcher.Stop()

	sched, err := scheduler.New(sessions, store, scheduler.Config{
		Location:        cfg.Location,
		DailyInterval:   cfg.BoundaryPollInterval,
		MonthlyInterval: cfg.MonthlyPollInterval,
	}, scheduler.WithLogger(logger), scheduler.WithMetrics(rec), scheduler.WithInvalidator(statsCache))
	if err != nil {
		return err
	}
	sched.Start(runCtx)
	defer sched.Stop()

	reporter := reporting.New(sessions, store, statsCache, recoveryMgr, logger)

	var srv *http.Server
	if cfg.MetricsAddr != "" {
		srv = metrics.NewServer(cfg.MetricsAddr, reg, func(ctx context.Context) metrics.Health {
			s := recoveryMgr.Stats()
			return metrics.Health{Active: s.Active, Grace: s.Grace, LastSave: s.LastSave, DBErr: store.Ping(ctx)}
		})
		go func() {
			logger.Info().Str("addr", cfg.MetricsAddr).Msg("serving health and metrics")
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error().Err(err).Msg("metrics server stopped")
			}
		}()
	}

	bot, err := discord.New(cfg.DiscordToken, dispatcher, sessions, reporter, logger, discord.WithFaultGuard(guard))
	if err != nil {
		return err
	}
	if err := bot.Start(); err != nil {
		return err
	}

	<-ctx.Done()
	logger.Info().Msg("shutting down")
	shutdown(logger, bot, dispatcher, recoveryMgr, srv, cfg.ShutdownTimeout)
	return nil
}

// shutdown stops intake first, drains queued events, then closes every open
// session. Deferred stops in run release the remaining components.
func shutdown(logger zerolog.Logger, bot *discord.Bot, dispatcher *session.Dispatcher, recoveryMgr *recovery.Manager, srv *http.Server, timeout time.Duration) {
	if err := bot.Stop(); err != nil {
		logger.Warn().Err(err).Msg("failed to close Discord connection")
	}

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := dispatcher.Sync(ctx); err != nil {
		logger.Warn().Err(err).Msg("failed to drain queued voice events")
	}

	report, err := recoveryMgr.Shutdown(context.Background())
	ev := logger.Info()
	if err != nil {
		ev = logger.Error().Err(err)
	}
	ev.Int("attempted", report.Attempted).
		Int("closed", report.Closed).
		Int("remaining", report.Remaining).
		Bool("timed_out", report.TimedOut).
		Msg("closed open sessions")

	if srv != nil {
		sctx, scancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer scancel()
		if err := srv.Shutdown(sctx); err != nil {
			logger.Warn().Err(err).Msg("failed to stop metrics server")
		}
	}
}

func policies(cfg *config.Config) map[resilience.Class]resilience.Policy {
	base := resilience.Policy{
		FailureThreshold: uint32(cfg.BreakerFailureThreshold),
		RecoveryTimeout:  cfg.BreakerRecoveryTimeout,
		MaxAttempts:      cfg.RetryMaxAttempts,
		InitialBackoff:   cfg.RetryInitialBackoff,
		MaxBackoff:       cfg.RetryMaxBackoff,
		Jitter:           cfg.RetryJitter,
	}
	timeouts := map[resilience.Class]time.Duration{
		resilience.ClassQuery:       cfg.QueryTimeout,
		resilience.ClassTransaction: cfg.TransactionTimeout,
		resilience.ClassConnection:  cfg.ConnectionTimeout,
	}
	out := make(map[resilience.Class]resilience.Policy, len(timeouts))
	for class, timeout := range timeouts {
		p := base
		p.Timeout = timeout
		out[class] = p
	}
	return out
}
