package main

import (
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"connector-orchestrator/internal/admin"
)

func dlqCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "dlq",
		Short: "Inspect and manage dead-lettered jobs",
	}
	cmd.AddCommand(dlqListCmd(), dlqReplayCmd(), dlqPurgeCmd())
	return cmd
}

func dlqListCmd() *cobra.Command {
	var queue string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List dead jobs per queue",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			var out struct {
				Queues []admin.QueueDeadLetters `json:"queues"`
			}
			raw, err := newClientFromFlags().do(cmd.Context(), "GET", "/admin/dlq", nil, &out)
			if err != nil {
				return err
			}
			if jsonOutput {
				printJSON(raw)
				return nil
			}
			tw := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintln(tw, "QUEUE\tJOB\tTYPE\tATTEMPTS\tDEAD AT\tERROR")
			for _, q := range out.Queues {
				if queue != "" && q.Queue != queue {
					continue
				}
				for _, j := range q.Jobs {
					fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%s\t%s\n", q.Queue, j.ID, j.Name, j.AttemptsMade, j.DeadAt.Format(time.RFC3339), j.Error)
				}
			}
			return tw.Flush()
		},
	}
	cmd.Flags().StringVarP(&queue, "queue", "q", "", "Only list this queue")
	return cmd
}

func dlqReplayCmd() *cobra.Command {
	var req admin.ReplayRequest
	cmd := &cobra.Command{
		Use:   "replay",
		Short: "Move a dead job back onto its queue",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			raw, err := newClientFromFlags().do(cmd.Context(), "POST", "/admin/dlq/replay", req, nil)
			if err != nil {
				return err
			}
			if jsonOutput {
				printJSON(raw)
				return nil
			}
			fmt.Printf("replayed %s on %s\n", req.JobID, req.Queue)
			return nil
		},
	}
	cmd.Flags().StringVarP(&req.Queue, "queue", "q", "", "Queue the job died on (required)")
	cmd.Flags().StringVar(&req.JobID, "job-id", "", "Dead job id (required)")
	cmd.Flags().StringVar(&req.Reason, "reason", "", "Audit reason (required)")
	_ = cmd.MarkFlagRequired("queue")
	_ = cmd.MarkFlagRequired("job-id")
	_ = cmd.MarkFlagRequired("reason")
	return cmd
}

func dlqPurgeCmd() *cobra.Command {
	var req admin.PurgeRequest
	cmd := &cobra.Command{
		Use:   "purge",
		Short: "Drop every dead job on a queue",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			var out struct {
				Removed int64 `json:"removed"`
			}
			raw, err := newClientFromFlags().do(cmd.Context(), "POST", "/admin/dlq/purge", req, &out)
			if err != nil {
				return err
			}
			if jsonOutput {
				printJSON(raw)
				return nil
			}
			fmt.Printf("purged %d job(s) from %s\n", out.Removed, req.Queue)
			return nil
		},
	}
	cmd.Flags().StringVarP(&req.Queue, "queue", "q", "", "Queue to purge (required)")
	cmd.Flags().StringVar(&req.Reason, "reason", "", "Audit reason (required)")
	_ = cmd.MarkFlagRequired("queue")
	_ = cmd.MarkFlagRequired("reason")
	return cmd
}
