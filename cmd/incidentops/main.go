package main

import (
	"context"
	"database/sql"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	_ "github.com/lib/pq"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	alertapi "github.com/qiniu/incidentops/internal/alerting/api"
	"github.com/qiniu/incidentops/internal/alerting/service/evaluator"
	"github.com/qiniu/incidentops/internal/alerting/service/healthcheck"
	"github.com/qiniu/incidentops/internal/alerting/service/incident"
	"github.com/qiniu/incidentops/internal/alerting/service/notification"
	"github.com/qiniu/incidentops/internal/alerting/service/receiver"
	"github.com/qiniu/incidentops/internal/alerting/service/remediation"
	"github.com/qiniu/incidentops/internal/alerting/service/ruleset"
	"github.com/qiniu/incidentops/internal/alerting/telemetry"
	"github.com/qiniu/incidentops/internal/config"
	"github.com/qiniu/incidentops/internal/middleware"
)

func main() {
	// load config first
	log.Info().Msg("Starting incidentops server")
	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}

	// configure log level from config
	switch strings.ToLower(cfg.Logging.Level) {
	case "trace":
		zerolog.SetGlobalLevel(zerolog.TraceLevel)
	case "debug":
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	case "warn", "warning":
		zerolog.SetGlobalLevel(zerolog.WarnLevel)
	case "error":
		zerolog.SetGlobalLevel(zerolog.ErrorLevel)
	default:
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	}
	logger := log.Logger.With().Str("component", incident.LogComponent).Logger()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := telemetry.Register(prometheus.DefaultRegisterer); err != nil {
		logger.Fatal().Err(err).Msg("register engine metrics failed")
	}

	// optional postgres for rules and recovery plans
	var db *sql.DB
	if cfg.Database.Enabled {
		db, err = openDatabase(ctx, cfg.Database.DSN())
		if err != nil {
			logger.Error().Err(err).Msg("database init failed; rules and plans stay in memory")
			db = nil
		} else {
			defer db.Close()
		}
	}

	// optional redis mirror for incidents and observation windows
	var rdb *redis.Client
	if cfg.Redis.Enabled {
		rdb = redis.NewClient(&redis.Options{Addr: cfg.Redis.Addr, Password: cfg.Redis.Password, DB: cfg.Redis.DB})
		if err := rdb.Ping(ctx).Err(); err != nil {
			logger.Error().Err(err).Str("addr", cfg.Redis.Addr).Msg("redis unreachable; running without mirror")
			_ = rdb.Close()
			rdb = nil
		} else {
			defer rdb.Close()
		}
	}

	// rules
	exporter := ruleset.NewExporter()
	if err := exporter.Register(prometheus.DefaultRegisterer); err != nil {
		logger.Fatal().Err(err).Msg("register rule metrics failed")
	}
	var ruleStore ruleset.Store = ruleset.NewMemStore()
	if db != nil {
		pg := ruleset.NewPgStore(db)
		if err := pg.EnsureSchema(ctx); err != nil {
			logger.Fatal().Err(err).Msg("ensure rule schema failed")
		}
		ruleStore = pg
	}
	rules := ruleset.NewManager(ruleStore, exporter, nil)

	// recovery plans
	registry := remediation.DefaultRegistry()
	if db != nil {
		plans := remediation.NewPgPlanStore(db)
		if err := plans.EnsureSchema(ctx); err != nil {
			logger.Fatal().Err(err).Msg("ensure plan schema failed")
		}
		if err := registry.LoadPlans(ctx, plans); err != nil {
			logger.Error().Err(err).Msg("load recovery plans failed")
		}
	}

	// component health
	source, err := healthcheck.NewPrometheusSource(healthcheck.NewPrometheusConfigFromApp(&cfg.Prometheus))
	if err != nil {
		logger.Fatal().Err(err).Msg("create prometheus client failed")
	}
	monitor := healthcheck.NewMonitor(source, registry.Components())
	go monitor.StartScheduler(ctx, 30*time.Second)

	// incidents
	var store incident.Store = incident.NewMemoryStore()
	if rdb != nil {
		store = incident.NewRedisMirror(store, rdb, config.ParseDuration(cfg.Redis.TTL, 7*24*time.Hour))
	}
	dispatcher := notification.NewFromConfig(cfg.Incident, cfg.Notify)
	recovery := cfg.Incident.AutoResponse && cfg.Incident.Recovery.Enabled
	mgr := incident.NewManager(store,
		incident.WithNotifier(dispatcher),
		incident.WithAutoResponse(recovery),
		incident.WithHealthReporter(monitor),
	)

	rc := cfg.Incident.Recovery
	var windows remediation.ObservationWindowManager = remediation.NewMemoryObservationWindowManager(time.Now)
	if rdb != nil {
		windows = remediation.NewRedisObservationWindowManager(rdb)
	}
	orch := remediation.NewOrchestrator(mgr, registry, source, remediation.Config{
		ActionDelay:       config.ParseDuration(rc.Delay, 5*time.Second),
		Stabilization:     config.ParseDuration(rc.Stabilization, 10*time.Second),
		HealthThreshold:   rc.HealthThreshold,
		MaxAttempts:       rc.MaxAttempts,
		ObservationWindow: config.ParseDuration(rc.ObservationWindow, remediation.DefaultObservationDuration),
	}, remediation.WithObservationWindows(windows))
	mgr.SetRecoveryRunner(orch)

	// rule evaluation
	th := cfg.Incident.Thresholds
	if _, err := ruleset.Bootstrap(ctx, rules, ruleset.BootstrapOptions{
		RulesFile:    cfg.Alerting.RulesFile,
		SeedDefaults: cfg.Alerting.SeedDefaults,
		Thresholds: ruleset.Thresholds{
			ErrorRate:      th.ErrorRate,
			ResponseTimeMs: th.ResponseTime,
			SuccessRate:    th.SuccessRate,
			MemoryPercent:  th.Memory,
			DiskPercent:    th.Disk,
		},
		Channels: cfg.Incident.Channels,
	}); err != nil {
		logger.Error().Err(err).Msg("bootstrap alert rules failed")
	}

	evalDone := make(chan struct{})
	if cfg.Incident.Enabled {
		eval := evaluator.New(rules, source, mgr, evaluator.Config{
			Interval:          config.ParseDuration(cfg.Alerting.EvalInterval, time.Minute),
			EscalationTimeout: config.ParseDuration(cfg.Incident.EscalationTimeout, 0),
		})
		go func() {
			defer close(evalDone)
			eval.Start(ctx)
		}()
	} else {
		close(evalDone)
		logger.Warn().Msg("incident detection disabled; rules are not evaluated")
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(middleware.RequestLogger(logger))
	router.Use(middleware.Authentication(cfg.Server.BearerToken, "/healthz", "/metrics"))
	router.GET("/healthz", func(c *gin.Context) { c.JSON(http.StatusOK, gin.H{"status": "ok"}) })
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))
	alertapi.NewApi(router, alertapi.Deps{
		Incidents: mgr,
		Rules:     rules,
		Receiver:  receiver.NewHandler(mgr, receiver.NewSeenCache(24*time.Hour)),
	})

	srv := &http.Server{Addr: cfg.Server.BindAddr, Handler: router}
	go func() {
		log.Info().Msgf("Starting server on %s", cfg.Server.BindAddr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("start incidentops server failed.")
		}
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig
	log.Info().Msg("shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("http shutdown failed")
	}
	cancel()
	<-evalDone
	if err := mgr.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("recovery runs did not finish")
	}
	if err := dispatcher.Wait(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("notifications did not drain")
	}
	log.Info().Msg("incidentops server exit...")
}

func openDatabase(ctx context.Context, dsn string) (*sql.DB, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return db, nil
}
