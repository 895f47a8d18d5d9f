package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"connector-orchestrator/internal/config"
	"connector-orchestrator/internal/store"
)

func migrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply or roll back database migrations",
		Long:  "Runs the embedded schema migrations against POSTGRES_DSN.",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "up",
		Short: "Apply all pending migrations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := store.MigrateUp(config.Load().PostgresDSN); err != nil {
				return fmt.Errorf("migrate up: %w", err)
			}
			fmt.Println("migrations applied")
			return nil
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "down",
		Short: "Roll back every migration",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := store.MigrateDown(config.Load().PostgresDSN); err != nil {
				return fmt.Errorf("migrate down: %w", err)
			}
			fmt.Println("migrations rolled back")
			return nil
		},
	})
	return cmd
}
