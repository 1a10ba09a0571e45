// Copyright 2025 Retailbridge Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	bolt "go.etcd.io/bbolt"

	"github.com/retailbridge/channelsync/channelsync"
	"github.com/retailbridge/channelsync/internal/checkpoint"
	"github.com/retailbridge/channelsync/internal/config"
	"github.com/retailbridge/channelsync/internal/lock"
	"github.com/retailbridge/channelsync/internal/remote"
	"github.com/retailbridge/channelsync/internal/storepg"
	"github.com/retailbridge/channelsync/revsync"
)

var (
	configPath string
	logDebug   bool
)

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:          "channelsyncd",
		Short:        "Reconciles a local retail store with a remote e-commerce channel",
		SilenceUsage: true,
	}

	cmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to config file")
	cmd.PersistentFlags().BoolVar(&logDebug, "debug", false, "enable debug logging")

	cmd.AddCommand(newServeCmd())
	cmd.AddCommand(newSyncCmd())
	cmd.AddCommand(newRevSyncCmd())
	cmd.AddCommand(newCheckpointsCmd())
	cmd.AddCommand(newTokenCmd())

	return cmd
}

func newLogger() *slog.Logger {
	level := slog.LevelInfo
	if logDebug {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

// app holds the wired daemon components plus their teardown.
type app struct {
	cfg         config.Config
	logger      *slog.Logger
	pool        *pgxpool.Pool
	boltDB      *bolt.DB
	store       *storepg.Store
	remote      *remote.Client
	engine      *channelsync.Engine
	reverse     *revsync.Syncer
	checkpoints checkpoint.Store
	registry    *prometheus.Registry
}

func (a *app) Close() {
	if a.boltDB != nil {
		_ = a.boltDB.Close()
	}
	if a.pool != nil {
		a.pool.Close()
	}
}

// buildApp loads configuration and wires every component the commands share.
func buildApp(ctx context.Context) (*app, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	logger := newLogger()
	a := &app{cfg: cfg, logger: logger}

	a.pool, err = pgxpool.New(ctx, cfg.Database.URL)
	if err != nil {
		return nil, fmt.Errorf("connect to local store: %w", err)
	}

	a.store, err = storepg.New(ctx, a.pool, logger)
	if err != nil {
		a.Close()
		return nil, err
	}

	var lockStore lock.Store
	a.checkpoints, lockStore, err = a.openState(ctx, cfg.State)
	if err != nil {
		a.Close()
		return nil, err
	}

	a.remote = remote.NewClient(cfg.Remote.BaseURL, cfg.Remote.AccessToken,
		remote.WithLogger(logger))

	a.registry = prometheus.NewRegistry()
	metrics := channelsync.NewRecorder(a.registry)

	a.engine = &channelsync.Engine{
		Store:       a.store,
		Source:      a.remote,
		Locks:       lock.NewManager(lockStore, logger),
		Checkpoints: a.checkpoints,
		Planner: &channelsync.Planner{
			ShippingSKU:     cfg.Sync.ShippingSKU,
			ShippingTaxRate: cfg.Sync.ShippingTaxRateDecimal(),
		},
		Applier:  channelsync.NewApplier(logger),
		Catalog:  a.store,
		Retry:    channelsync.DefaultRetryPolicy(),
		Workers:  cfg.Sync.Workers,
		PageSize: cfg.Sync.PageSize,
		MaxPages: cfg.Sync.MaxPages,
		LockTTL:  cfg.Sync.LockTTL,
		Metrics:  metrics,
		Logger:   logger,
	}

	if cfg.Reverse.Enabled {
		a.reverse = &revsync.Syncer{
			Store:  a.store,
			Remote: a.remote,
			Safety: revsync.SafetyConfig{
				AllowLastVariantRemoval: cfg.Reverse.AllowLastVariantRemoval,
				ActivityHorizon:         cfg.Reverse.ActivityHorizon,
			},
			Retry:           channelsync.DefaultRetryPolicy(),
			RemoveZeroStock: cfg.Reverse.RemoveZeroStock,
			Metrics:         metrics,
			Logger:          logger,
		}
	}

	return a, nil
}

// openState wires the checkpoint and lock stores on the configured backend.
func (a *app) openState(ctx context.Context, st config.StateConfig) (checkpoint.Store, lock.Store, error) {
	switch st.Backend {
	case "postgres":
		cps, err := checkpoint.NewPGStore(ctx, a.pool)
		if err != nil {
			return nil, nil, err
		}
		ls, err := lock.NewPGStore(ctx, a.pool)
		if err != nil {
			return nil, nil, err
		}
		return cps, ls, nil
	case "bolt":
		db, err := bolt.Open(st.BoltPath, 0o600, nil)
		if err != nil {
			return nil, nil, fmt.Errorf("open state database %s: %w", st.BoltPath, err)
		}
		a.boltDB = db
		cps, err := checkpoint.NewBoltStore(db)
		if err != nil {
			return nil, nil, err
		}
		ls, err := lock.NewBoltStore(db)
		if err != nil {
			return nil, nil, err
		}
		return cps, ls, nil
	default:
		return nil, nil, fmt.Errorf("unknown state backend %q", st.Backend)
	}
}

func printStats(stats channelsync.SyncStats) {
	fmt.Printf("seen=%d created=%d updated=%d cancelled=%d skipped=%d errors=%d duration_ms=%d\n",
		stats.TotalSeen, stats.Created, stats.Updated, stats.Cancelled,
		stats.Skipped, stats.Errors, stats.DurationMS)
	for _, rec := range stats.Records {
		fmt.Printf("  %s: class=%s reason=%s\n", rec.EntityID, rec.Class, rec.Reason)
	}
}
