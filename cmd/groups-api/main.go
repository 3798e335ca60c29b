package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"example.com/groups/internal/config"
	"example.com/groups/internal/events"
	"example.com/groups/internal/keyregistry"
	"example.com/groups/internal/lifecycle"
	"example.com/groups/internal/presence"
	"example.com/groups/internal/retry"
	"example.com/groups/internal/storage"
	"example.com/groups/internal/storage/memory"
	spg "example.com/groups/internal/storage/postgres"
	sredis "example.com/groups/internal/storage/redis"
	"example.com/groups/internal/sweep"
	transport "example.com/groups/internal/transport/http"
)

func main() {
	cfg := config.Parse()
	logger := newLogger(cfg)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	store, err := openStore(ctx, cfg, logger)
	if err != nil {
		logger.Fatal().Err(err).Str("backend", cfg.StoreBackend).Msg("store open failed")
	}
	defer func() { _ = store.Close() }()

	var pub events.Publisher = events.Nop{}
	if cfg.NATSURL != "" {
		np, err := events.ConnectNATS(cfg.NATSURL, "groups-api", logger)
		if err != nil {
			logger.Fatal().Err(err).Msg("nats connect failed")
		}
		defer np.Close()
		pub = np
		logger.Info().Str("url", cfg.NATSURL).Msg("nats: connected")
	}

	policy := retry.Policy{
		Attempts:  cfg.StoreRetryAttempts,
		BaseDelay: cfg.StoreRetryBaseDelay,
		MaxDelay:  time.Second,
		Timeout:   cfg.StoreTimeout,
	}
	keys := keyregistry.New(store, policy)
	groups := lifecycle.NewManager(store, keys, lifecycle.Options{
		MaxPerCreator: cfg.MaxGroupsPerCreator,
		Policy:        policy,
		Events:        pub,
	}, logger)
	tracker := presence.NewTracker(store, pub, policy, logger)
	sweeper := sweep.NewCollector(store, sweep.Options{
		Interval:            cfg.SweepInterval,
		InactivityThreshold: cfg.InactivityThreshold,
		Policy:              policy,
		Events:              pub,
	}, logger)
	sweeper.Start(ctx)

	deps := &transport.ServerDeps{
		Cfg:      cfg,
		Groups:   groups,
		Presence: tracker,
		Keys:     keys,
		Sweeper:  sweeper,
		Store:    store,
		Log:      logger,
		Now:      func() time.Time { return time.Now().UTC() },
	}

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           deps.Router(),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		logger.Info().Str("port", cfg.Port).Str("env", cfg.Env).Str("backend", cfg.StoreBackend).Msg("listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("http server")
		}
	}()

	<-ctx.Done()
	logger.Info().Msg("shutting down")
	shutdownCtx, cancel2 := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel2()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("forced shutdown")
	}
}

func newLogger(cfg config.Config) zerolog.Logger {
	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}
	var logger zerolog.Logger
	if cfg.IsDevelopment() {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339})
	} else {
		logger = zerolog.New(os.Stdout)
	}
	return logger.Level(level).With().Timestamp().Str("service", "groups-api").Logger()
}

func openStore(ctx context.Context, cfg config.Config, logger zerolog.Logger) (storage.GroupStore, error) {
	connectCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()

	switch cfg.StoreBackend {
	case config.BackendPostgres:
		db, err := spg.Connect(connectCtx, cfg.PostgresDSN)
		if err != nil {
			return nil, fmt.Errorf("db connect: %w", err)
		}
		if err := db.RunMigrations(connectCtx); err != nil {
			db.Close()
			return nil, fmt.Errorf("migration: %w", err)
		}
		logger.Info().Msg("db: connected, migrations applied")
		return db, nil
	case config.BackendRedis:
		s, err := sredis.Connect(connectCtx, cfg.RedisURL)
		if err != nil {
			return nil, err
		}
		logger.Info().Msg("redis: connected")
		return s, nil
	case config.BackendMemory:
		logger.Warn().Msg("memory store: groups do not survive a restart")
		return memory.New(), nil
	}
	return nil, fmt.Errorf("unknown STORE_BACKEND %q", cfg.StoreBackend)
}
