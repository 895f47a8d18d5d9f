package main

import (
	"fmt"
	"net/url"
	"time"

	"github.com/spf13/cobra"

	"connector-orchestrator/internal/models"
)

func jobsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "jobs",
		Short: "Inspect jobs",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "get <job-id>",
		Short: "Show a job and its runs",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var out struct {
				Job  models.Job   `json:"job"`
				Runs []models.Run `json:"runs"`
			}
			raw, err := newClientFromFlags().do(cmd.Context(), "GET", "/jobs/"+url.PathEscape(args[0]), nil, &out)
			if err != nil {
				return err
			}
			if jsonOutput {
				printJSON(raw)
				return nil
			}
			j := out.Job
			fmt.Printf("job      %s\n", j.ID)
			fmt.Printf("type     %s (queue %s)\n", j.Type, j.Queue)
			fmt.Printf("status   %s\n", j.Status)
			fmt.Printf("attempts %d/%d\n", j.Attempts, j.MaxAttempts)
			fmt.Printf("created  %s\n", j.CreatedAt.Format(time.RFC3339))
			for i, r := range out.Runs {
				finished := "running"
				if r.FinishedAt != nil {
					finished = r.FinishedAt.Sub(r.StartedAt).Round(time.Millisecond).String()
				}
				fmt.Printf("run %d   %s  %s  %s", i+1, r.ID, r.Status, finished)
				if msg, ok := r.Error["message"].(string); ok {
					fmt.Printf("  %s", msg)
				}
				fmt.Println()
			}
			return nil
		},
	})
	return cmd
}
