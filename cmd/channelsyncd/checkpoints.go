// Copyright 2025 Retailbridge Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
)

func newCheckpointsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "checkpoints",
		Short: "Inspect and administer sync checkpoints",
	}
	cmd.AddCommand(newCheckpointsListCmd())
	cmd.AddCommand(newCheckpointsDeleteCmd())
	return cmd
}

func newCheckpointsListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List checkpoints, newest first",
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := buildApp(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close()

			list, err := a.checkpoints.List(cmd.Context())
			if err != nil {
				return err
			}
			if len(list) == 0 {
				fmt.Println("no checkpoints")
				return nil
			}
			for _, cp := range list {
				fmt.Printf("%s  %-11s  window=[%s .. %s]  processed=%d  cursor=%q  updated=%s\n",
					cp.ID, cp.State,
					cp.WindowStart.Format(time.RFC3339), cp.WindowEnd.Format(time.RFC3339),
					cp.Processed, cp.Cursor, cp.UpdatedAt.Format(time.RFC3339))
			}
			return nil
		},
	}
}

func newCheckpointsDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <id>",
		Short: "Delete a checkpoint to force a clean re-scan",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := uuid.Parse(args[0])
			if err != nil {
				return fmt.Errorf("checkpoint ID must be a UUID: %w", err)
			}

			a, err := buildApp(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close()

			if err := a.checkpoints.Delete(cmd.Context(), id); err != nil {
				return err
			}
			fmt.Printf("deleted checkpoint %s\n", id)
			return nil
		},
	}
}
