// Copyright 2025 Retailbridge Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/retailbridge/channelsync/channelsync"
)

func newSyncCmd() *cobra.Command {
	var (
		windowMinutes int
		batchSize     int
		maxPages      int
		dryRun        bool
		resume        bool
	)

	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Run one forward reconciliation pass and exit",
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := buildApp(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close()

			now := time.Now()
			stats, err := a.engine.Run(cmd.Context(), channelsync.RunOptions{
				Window: channelsync.Window{
					Start: now.Add(-time.Duration(windowMinutes) * time.Minute),
					End:   now,
				},
				BatchSize: batchSize,
				MaxPages:  maxPages,
				DryRun:    dryRun,
				Resume:    resume,
			})
			printStats(stats)
			if err != nil {
				return fmt.Errorf("sync failed: %w", err)
			}
			return nil
		},
	}

	cmd.Flags().IntVar(&windowMinutes, "window-minutes", 60, "discovery window size in minutes")
	cmd.Flags().IntVar(&batchSize, "batch-size", 0, "discovery page size (0 uses config)")
	cmd.Flags().IntVar(&maxPages, "max-pages", 0, "page cap per run (0 uses config)")
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "plan without applying, locking or checkpointing")
	cmd.Flags().BoolVar(&resume, "resume", false, "resume the last interrupted checkpoint if any")

	return cmd
}
