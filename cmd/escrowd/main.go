package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/solana-turbin3/Q1-26-Accel-Meowy/config"
	"github.com/solana-turbin3/Q1-26-Accel-Meowy/core/events"
	"github.com/solana-turbin3/Q1-26-Accel-Meowy/gateway/middleware"
	"github.com/solana-turbin3/Q1-26-Accel-Meowy/gateway/routes"
	"github.com/solana-turbin3/Q1-26-Accel-Meowy/journal"
	"github.com/solana-turbin3/Q1-26-Accel-Meowy/native/escrow"
	"github.com/solana-turbin3/Q1-26-Accel-Meowy/observability/logging"
	telemetry "github.com/solana-turbin3/Q1-26-Accel-Meowy/observability/otel"
)

const serviceName = "escrowd"

func main() {
	var cfgPath string
	flag.StringVar(&cfgPath, "config", "", "path to escrowd configuration (.toml or .yaml)")
	flag.Parse()

	cfg, err := config.Load(cfgPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}
	logger := logging.Setup(serviceName, cfg.Env,
		logging.WithLevel(cfg.Log.Level),
		logging.WithFile(cfg.Log.File, cfg.Log.MaxSizeMB, cfg.Log.MaxBackups),
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("escrowd stopped", slog.Any("error", err))
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	shutdownTelemetry, err := telemetry.Init(ctx, serviceName, cfg.Env, cfg.Telemetry)
	if err != nil {
		return err
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTelemetry(flushCtx); err != nil {
			logger.Warn("telemetry shutdown", slog.Any("error", err))
		}
	}()

	db, err := openStorage(cfg.Storage)
	if err != nil {
		return err
	}
	defer db.Close()

	engine := escrow.NewEngine(db)
	engine.SetLogger(logger.With(slog.String("component", "escrow")))
	if err := engine.SetParams(escrow.Params{
		MaturityOffset: cfg.Escrow.Maturity.Duration,
		RecordDeposit:  cfg.Escrow.RecordDeposit,
		AccountDeposit: cfg.Escrow.AccountDeposit,
		CrankReward:    cfg.Escrow.CrankReward,
	}); err != nil {
		return err
	}

	var sinks []events.Emitter
	var j *journal.Journal
	if cfg.Journal.Path != "" {
		j, err = journal.Open(cfg.Journal.Path, logger.With(slog.String("component", "journal")))
		if err != nil {
			return err
		}
		defer j.Close()
		sinks = append(sinks, j)
	}
	bus := events.NewBus(sinks...)
	engine.SetEmitter(bus)

	sched, err := newSchedulerStack(ctx, cfg.Scheduler, cfg.Escrow.CrankReward, engine, logger)
	if err != nil {
		return err
	}
	defer sched.Close()

	auth, err := middleware.NewAuthenticator(middleware.AuthConfig{
		HMACSecret: cfg.Auth.Secret(),
		Issuer:     cfg.Auth.Issuer,
		Audience:   cfg.Auth.Audience,
	}, logger)
	if err != nil {
		return err
	}
	obs, err := middleware.NewObservability(prometheus.DefaultRegisterer, logger.With(slog.String("component", "http")))
	if err != nil {
		return err
	}
	routeCfg := routes.Config{
		Engine:        engine,
		Tasks:         sched.service,
		Bus:           bus,
		Authenticator: auth,
		RateLimiter:   middleware.NewRateLimiter(middleware.RateLimit{RatePerSecond: cfg.RateLimit.RPS, Burst: cfg.RateLimit.Burst}),
		Observability: obs,
		Faucet:        cfg.Escrow.Faucet,
		Logger:        logger,
	}
	if j != nil {
		routeCfg.Journal = j
	}
	handler, err := routes.New(routeCfg)
	if err != nil {
		return err
	}
	srv := &http.Server{
		Addr:              cfg.Listen,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	errs := make(chan error, 3)
	var wg sync.WaitGroup
	background := func(name string, fn func(context.Context) error) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := fn(runCtx); err != nil && !errors.Is(err, context.Canceled) {
				errs <- fmt.Errorf("%s: %w", name, err)
			}
		}()
	}
	background("crank", func(ctx context.Context) error { return sched.service.Run(ctx, cfg.Scheduler.PollInterval.Duration) })
	if sched.processor != nil {
		background("processor", sched.processor.Run)
	}
	background("http", func(context.Context) error {
		logger.Info("listening", slog.String("addr", cfg.Listen), slog.Bool("faucet", cfg.Escrow.Faucet))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	var runErr error
	select {
	case <-ctx.Done():
		logger.Info("shutdown requested")
	case runErr = <-errs:
	}
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown", slog.Any("error", err))
	}
	cancel()
	wg.Wait()
	return runErr
}
