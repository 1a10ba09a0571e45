// Copyright 2025 Retailbridge Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/retailbridge/channelsync/revsync"
)

func newRevSyncCmd() *cobra.Command {
	var (
		pageSize int
		maxPages int
		dryRun   bool
	)

	cmd := &cobra.Command{
		Use:   "revsync",
		Short: "Push local inventory truth to the remote channel and exit",
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := buildApp(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close()

			if a.reverse == nil {
				return fmt.Errorf("reverse sync is disabled; set reverse.enabled in config")
			}

			stats, err := a.reverse.Run(cmd.Context(), revsync.Options{
				PageSize: pageSize,
				MaxPages: maxPages,
				DryRun:   dryRun,
			})
			printStats(stats)
			if err != nil {
				return fmt.Errorf("reverse sync failed: %w", err)
			}
			return nil
		},
	}

	cmd.Flags().IntVar(&pageSize, "page-size", 0, "variant page size (0 uses default)")
	cmd.Flags().IntVar(&maxPages, "max-pages", 0, "page cap per cycle (0 uses default)")
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "report intended mutations without applying")

	return cmd
}
