// Copyright 2026 The Courier Authors
// SPDX-License-Identifier: Apache-2.0

// courierd is the Courier broker daemon. It attempts the single bind
// of the rendezvous port; if another broker already owns it, courierd
// exits cleanly instead of fighting for the port.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/pflag"

	"github.com/courier-foundation/courier/broker"
	"github.com/courier-foundation/courier/lib/clock"
	"github.com/courier-foundation/courier/lib/config"
	"github.com/courier-foundation/courier/lib/datadir"
	"github.com/courier-foundation/courier/store"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "courierd:", err)
		os.Exit(1)
	}
}

func run() error {
	var (
		configPath string
		listen     string
		dataDir    string
		storeKind  string
		logLevel   string
	)
	pflag.StringVar(&configPath, "config", os.Getenv(config.EnvConfigFile), "config file path")
	pflag.StringVar(&listen, "listen", "", "listen address (overrides config)")
	pflag.StringVar(&dataDir, "data-dir", "", "data directory (overrides config)")
	pflag.StringVar(&storeKind, "store", "", "store backend: sqlite or memory (overrides config)")
	pflag.StringVar(&logLevel, "log-level", "", "log level: debug, info, warn, error (overrides config)")
	pflag.Parse()

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if listen != "" {
		cfg.Listen = listen
	}
	if dataDir != "" {
		cfg.DataDir = dataDir
	}
	if storeKind != "" {
		cfg.Store = storeKind
	}
	if logLevel != "" {
		cfg.LogLevel = logLevel
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	logger := newLogger(cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	resolvedDataDir, err := datadir.Ensure(cfg.DataDir)
	if err != nil {
		return err
	}
	cfg.DataDir = resolvedDataDir

	st, err := openStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer st.Close()

	b := broker.New(broker.Config{
		Store:   st,
		Clock:   clock.Real(),
		DataDir: cfg.DataDir,
		Secret:  config.SharedSecret(),
		Logger:  logger,
	})

	role, err := broker.Bootstrap(b, cfg.Listen)
	if err != nil {
		return err
	}
	if role == broker.RoleClient {
		logger.Info("another broker owns the port, exiting", "addr", cfg.Listen)
		return nil
	}
	defer b.Close()

	go b.RunGC(ctx, cfg.GCInterval.Std())

	logger.Info("courierd running",
		"addr", b.Addr(),
		"store", cfg.Store,
		"data_dir", cfg.DataDir,
		"auth", config.SharedSecret() != "")

	return b.Serve(ctx)
}

// openStore selects the backend. The sqlite backend always runs
// behind the shadowed composite so a persistence fault degrades to
// memory-only service instead of failing requests.
func openStore(ctx context.Context, cfg config.Config, logger *slog.Logger) (store.Store, error) {
	switch cfg.Store {
	case "memory":
		return store.NewMemory(), nil
	case "sqlite":
		primary, err := store.OpenSQLite(store.SQLiteConfig{
			Path:     filepath.Join(cfg.DataDir, "courier.db"),
			PoolSize: cfg.PoolSize,
			Logger:   logger,
		})
		if err != nil {
			return nil, err
		}
		shadowed, err := store.NewShadowed(ctx, primary, logger)
		if err != nil {
			primary.Close()
			return nil, err
		}
		return shadowed, nil
	default:
		return nil, fmt.Errorf("unknown store backend %q", cfg.Store)
	}
}

func newLogger(level string) *slog.Logger {
	var slogLevel slog.Level
	switch level {
	case "debug":
		slogLevel = slog.LevelDebug
	case "warn":
		slogLevel = slog.LevelWarn
	case "error":
		slogLevel = slog.LevelError
	default:
		slogLevel = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: slogLevel}))
}
