package main

import (
	"encoding/json"
	"fmt"
	"sort"

	"github.com/spf13/cobra"

	"connector-orchestrator/internal/app"
	"connector-orchestrator/internal/config"
	"connector-orchestrator/internal/retention"
	"connector-orchestrator/internal/store"
)

var sweepIdempotencyOnly bool

var sweepCommand = &cobra.Command{
	Use:   "sweep",
	Short: "Run one retention sweep",
	Long:  "Deletes rows older than their configured TTL. Uses the same policy as the worker's scheduled sweep.",
	Args:  cobra.NoArgs,
	RunE:  runSweep,
}

func init() {
	sweepCommand.Flags().BoolVar(&sweepIdempotencyOnly, "idempotency-only", false, "Only expire idempotency records")
}

func sweepCmd() *cobra.Command {
	return sweepCommand
}

func runSweep(cmd *cobra.Command, args []string) error {
	cfg := config.Load()
	ctx := cmd.Context()

	st, err := store.New(ctx, cfg.PostgresDSN)
	if err != nil {
		return fmt.Errorf("connect postgres: %w", err)
	}
	defer st.Close()

	sweeper := retention.NewSweeper(st, app.RetentionPolicy(cfg))
	run := sweeper.Run
	if sweepIdempotencyOnly {
		run = sweeper.RunIdempotency
	}
	res, err := run(ctx)
	if err == nil && len(res.Failed) > 0 {
		err = fmt.Errorf("%d table(s) failed to sweep", len(res.Failed))
	}
	if jsonOutput {
		out, _ := json.MarshalIndent(res, "", "  ")
		fmt.Println(string(out))
		return err
	}

	targets := make([]string, 0, len(res.Deleted))
	for t := range res.Deleted {
		targets = append(targets, string(t))
	}
	sort.Strings(targets)
	for _, t := range targets {
		fmt.Printf("%-20s %d deleted\n", t, res.Deleted[store.RetentionTarget(t)])
	}
	for t, msg := range res.Failed {
		fmt.Printf("%-20s failed: %s\n", t, msg)
	}
	return err
}
