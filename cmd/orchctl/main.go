// Command orchctl is the operator CLI for the connector orchestrator.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

var (
	apiURL         string
	apiToken       string
	breakglassNote string
	jsonOutput     bool
)

func main() {
	rootCmd := &cobra.Command{
		Use:           "orchctl",
		Short:         "Operate the connector orchestrator",
		Long:          "orchctl runs migrations and retention sweeps against the database, and drives the admin and control-plane API.",
		Version:       "0.1.0",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringVar(&apiURL, "api-url", envOr("ORCHCTL_API_URL", "http://localhost:8080"), "Orchestrator API base URL")
	rootCmd.PersistentFlags().StringVar(&apiToken, "token", os.Getenv("ORCHCTL_TOKEN"), "Bearer token for the API")
	rootCmd.PersistentFlags().StringVar(&breakglassNote, "breakglass-reason", "", "Reason sent with break-glass tokens")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "Print raw JSON responses")

	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(sweepCmd())
	rootCmd.AddCommand(dlqCmd())
	rootCmd.AddCommand(jobsCmd())
	rootCmd.AddCommand(eventsCmd())
	rootCmd.AddCommand(applyCmd())

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		stop()
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func newClientFromFlags() *client {
	return newClient(apiURL, apiToken, breakglassNote)
}
