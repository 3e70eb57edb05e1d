package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/pagemint/credits/internal/catalog"
	"github.com/pagemint/credits/internal/config"
	"github.com/pagemint/credits/internal/credits"
	"github.com/pagemint/credits/internal/events"
	"github.com/pagemint/credits/internal/infra"
	"github.com/pagemint/credits/internal/ledger"
	"github.com/pagemint/credits/internal/logging"
	"github.com/pagemint/credits/internal/reconcile"
	"github.com/pagemint/credits/internal/routes"
	"github.com/pagemint/credits/internal/server"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}

	logger := logging.New(cfg.LogLevel)

	ctx := context.Background()

	cat, err := catalog.Load(cfg.CatalogPath)
	if err != nil {
		logger.Error("load catalog", "error", err)
		os.Exit(1)
	}

	deps := routes.Deps{Cfg: cfg, Logger: logger}

	var store ledger.Store
	if cfg.DatabaseURL != "" {
		db, err := infra.NewPostgresPool(ctx, cfg.DatabaseURL)
		if err != nil {
			logger.Error("connect postgres", "error", err)
			os.Exit(1)
		}
		defer db.Close()

		if err := ledger.RunMigrations(ctx, cfg.DatabaseURL); err != nil {
			logger.Error("run migrations", "error", err)
			os.Exit(1)
		}

		store = ledger.NewPostgresStore(db)
		deps.DB = db
	} else {
		logger.Warn("no DATABASE_URL set, using in-memory ledger store")
		store = ledger.NewMemoryStore()
	}

	if cfg.RedisURL != "" {
		cache, err := infra.NewRedisClient(ctx, cfg.RedisURL)
		if err != nil {
			logger.Error("connect redis", "error", err)
			os.Exit(1)
		}
		defer func() {
			if err := cache.Close(); err != nil {
				logger.Warn("close redis", "error", err)
			}
		}()
		deps.Cache = cache
	}

	var publisher ledger.Publisher = events.NewLogPublisher(logger)
	if cfg.NATSURL != "" {
		nc, err := infra.NewNATSConn(cfg.NATSURL)
		if err != nil {
			logger.Error("connect nats", "error", err)
			os.Exit(1)
		}
		defer nc.Drain() // nolint:errcheck
		publisher = events.NewNATSPublisher(nc)
	}

	engine := ledger.NewEngine(store, cat,
		ledger.WithWelcomeBonus(cfg.WelcomeBonus),
		ledger.WithPublisher(publisher),
		ledger.WithLogger(logger),
	)
	deps.Handler = credits.NewHandler(engine, cat)

	srv, err := server.New(cfg, deps)
	if err != nil {
		logger.Error("build server", "error", err)
		os.Exit(1)
	}

	reconCtx, stopRecon := context.WithCancel(ctx)
	defer stopRecon()
	reconciler := reconcile.New(store, logger, cfg.ReconcileInterval)
	go func() {
		if err := reconciler.Run(reconCtx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("reconciler stopped", "error", err)
		}
	}()

	srvErrCh := make(chan error, 1)
	go func() {
		srvErrCh <- srv.Listen()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		logger.Info("shutdown signal received", "signal", sig.String())
	case err := <-srvErrCh:
		if err != nil {
			logger.Error("server error", "error", err)
			os.Exit(1)
		}
		return
	}

	stopRecon()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownPeriod)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown error", "error", err)
		os.Exit(1)
	}

	logger.Info("server exited cleanly")
}
