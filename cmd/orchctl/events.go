package main

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"connector-orchestrator/internal/events"
)

func eventsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "events",
		Short: "Read the event log",
	}
	cmd.AddCommand(eventsTailCmd())
	return cmd
}

func eventsTailCmd() *cobra.Command {
	var (
		eventType string
		severity  string
		tenant    string
		lastID    string
		since     time.Duration
	)
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Follow the event stream",
		Long:  "Follows /events/stream until interrupted. Pass --last-event-id to resume after a known event.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			q := url.Values{}
			if eventType != "" {
				q.Set("type", eventType)
			}
			if severity != "" {
				q.Set("severity", severity)
			}
			if tenant != "" {
				q.Set("tenant_id", tenant)
			}
			if since > 0 {
				q.Set("since", time.Now().Add(-since).UTC().Format(time.RFC3339Nano))
			}

			c := newClientFromFlags()
			req, err := c.newRequest(cmd.Context(), "GET", "/events/stream?"+q.Encode(), nil)
			if err != nil {
				return err
			}
			req.Header.Set("Accept", "text/event-stream")
			if lastID != "" {
				req.Header.Set("Last-Event-ID", lastID)
			}
			// The stream is long lived; the default client timeout would cut it.
			resp, err := http.DefaultClient.Do(req)
			if err != nil {
				return err
			}
			defer resp.Body.Close()
			if resp.StatusCode != http.StatusOK {
				apiErr := &apiError{Status: resp.StatusCode}
				_ = json.NewDecoder(resp.Body).Decode(apiErr)
				return apiErr
			}
			return readStream(resp.Body, func(data string) {
				if jsonOutput {
					fmt.Println(data)
					return
				}
				var p events.StreamPayload
				if err := json.Unmarshal([]byte(data), &p); err != nil {
					fmt.Println(data)
					return
				}
				fmt.Printf("%s  %-5s %-28s %s\n", p.TS.Format(time.RFC3339), p.Severity, p.Type, p.Message)
			})
		},
	}
	cmd.Flags().StringVar(&eventType, "type", "", "Only events of this type")
	cmd.Flags().StringVar(&severity, "severity", "", "Only events of this severity")
	cmd.Flags().StringVar(&tenant, "tenant", "", "Tenant to read (admin tokens only)")
	cmd.Flags().StringVar(&lastID, "last-event-id", "", "Resume after this event id")
	cmd.Flags().DurationVar(&since, "since", 0, "Start this far in the past, e.g. 15m")
	return cmd
}

// readStream calls fn with the data of every server-sent event frame.
func readStream(r io.Reader, fn func(data string)) error {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), 1<<20)
	var data []string
	for sc.Scan() {
		line := sc.Text()
		switch {
		case line == "":
			if len(data) > 0 {
				fn(strings.Join(data, "\n"))
				data = data[:0]
			}
		case strings.HasPrefix(line, "data:"):
			data = append(data, strings.TrimPrefix(strings.TrimPrefix(line, "data:"), " "))
		}
	}
	return sc.Err()
}
