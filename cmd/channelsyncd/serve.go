// Copyright 2025 Retailbridge Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/retailbridge/channelsync/internal/httpapi"
	"github.com/retailbridge/channelsync/internal/scheduler"
)

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the sync daemon: HTTP API plus the periodic scheduler",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd.Context())
		},
	}
}

func runServe(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := buildApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	if a.cfg.Server.JWTSecret == "" {
		return fmt.Errorf("server.jwt_secret is required for serve (or CHANNELSYNC_JWT_SECRET)")
	}

	api := httpapi.NewServer(
		a.engine,
		reverseRunner(a),
		a.checkpoints,
		httpapi.NewJWTAuth(a.cfg.Server.JWTSecret),
		a.registry,
		a.logger,
	)

	srv := &http.Server{
		Addr:              a.cfg.Server.Addr,
		Handler:           api.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		a.logger.Info("HTTP API listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	if a.cfg.Scheduler.Enabled {
		sched := &scheduler.Scheduler{
			Engine:   a.engine,
			Interval: a.cfg.Scheduler.Interval,
			Jitter:   a.cfg.Scheduler.Jitter,
			Logger:   a.logger,
		}
		g.Go(func() error {
			err := sched.Run(gctx)
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		})
	}

	err = g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// reverseRunner adapts the optional reverse syncer; a nil *Syncer must stay a
// nil interface so the API reports it as disabled.
func reverseRunner(a *app) httpapi.ReverseRunner {
	if a.reverse == nil {
		return nil
	}
	return a.reverse
}
