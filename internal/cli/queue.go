package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"netkeep/internal/models"
)

// NewQueueCommand creates the queue command group.
func NewQueueCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "queue",
		Short: "Inspect and manage the offline operation queue",
	}
	cmd.AddCommand(newQueueListCommand(rootOpts))
	cmd.AddCommand(newQueueAddCommand(rootOpts))
	cmd.AddCommand(newQueueRemoveCommand(rootOpts))
	cmd.AddCommand(newQueueClearCommand(rootOpts))
	cmd.AddCommand(newQueueFlushCommand(rootOpts))
	return cmd
}

func newQueueListCommand(rootOpts *RootOptions) *cobra.Command {
	var status string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List queued operations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if status != "" && !models.OperationStatus(status).Valid() {
				return fmt.Errorf("unknown status %q: must be pending, completed or failed", status)
			}
			a, _, err := rootOpts.newAgent(cmd)
			if err != nil {
				return err
			}
			defer a.Stop()

			var ops []models.QueuedOperation
			if status != "" {
				ops = a.Queue().Operations(models.OperationStatus(status))
			} else {
				ops = a.Queue().Operations()
			}
			return rootOpts.print(cmd.OutOrStdout(), ops, func(w io.Writer) {
				if len(ops) == 0 {
					fmt.Fprintln(w, "queue is empty")
					return
				}
				tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
				fmt.Fprintln(tw, "ID\tSTATUS\tMETHOD\tURL\tQUEUED\tATTEMPTS")
				for _, op := range ops {
					fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%d\n",
						op.ID, op.Status, op.Operation.Method, op.Operation.URL,
						op.Timestamp.Format(time.RFC3339), op.Attempts)
				}
				tw.Flush()
			})
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "only list operations with this status (pending|completed|failed)")
	return cmd
}

func newQueueAddCommand(rootOpts *RootOptions) *cobra.Command {
	var (
		method  string
		headers []string
		data    string
	)
	cmd := &cobra.Command{
		Use:   "add <url>",
		Short: "Queue a write operation for replay",
		Long: `Queue a write operation. It is replayed by the next flush.

Example:
  netkeep queue add /api/notes --data '{"text":"hi"}'
  netkeep queue add https://api.example.com/items -X PUT -H "Authorization: Bearer x"`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			op := models.Operation{URL: args[0], Method: strings.ToUpper(method)}
			if len(headers) > 0 {
				op.Headers = make(map[string]string, len(headers))
				for _, h := range headers {
					k, v, ok := strings.Cut(h, ":")
					if !ok || strings.TrimSpace(k) == "" {
						return fmt.Errorf("invalid header %q: want \"Name: value\"", h)
					}
					op.Headers[strings.TrimSpace(k)] = strings.TrimSpace(v)
				}
			}
			if data != "" {
				if !json.Valid([]byte(data)) {
					return errors.New("--data must be valid JSON")
				}
				op.Data = json.RawMessage(data)
			}

			a, _, err := rootOpts.newAgent(cmd)
			if err != nil {
				return err
			}
			defer a.Stop()

			item := a.Queue().Enqueue(cmd.Context(), op)
			return rootOpts.print(cmd.OutOrStdout(), item, func(w io.Writer) {
				fmt.Fprintf(w, "queued %s\n", item.ID)
			})
		},
	}
	cmd.Flags().StringVarP(&method, "method", "X", "POST", "HTTP method")
	cmd.Flags().StringArrayVarP(&headers, "header", "H", nil, "request header, repeatable")
	cmd.Flags().StringVarP(&data, "data", "d", "", "JSON request body")
	return cmd
}

func newQueueRemoveCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "remove <id>",
		Short: "Remove one operation from the queue",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, _, err := rootOpts.newAgent(cmd)
			if err != nil {
				return err
			}
			defer a.Stop()

			if !a.Queue().Remove(cmd.Context(), args[0]) {
				return fmt.Errorf("operation %s not found", args[0])
			}
			fmt.Fprintf(cmd.OutOrStdout(), "removed %s\n", args[0])
			return nil
		},
	}
}

func newQueueClearCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "clear",
		Short: "Drop every queued operation",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, _, err := rootOpts.newAgent(cmd)
			if err != nil {
				return err
			}
			defer a.Stop()

			n := a.Queue().Status().Total
			a.Queue().Clear(cmd.Context())
			fmt.Fprintf(cmd.OutOrStdout(), "cleared %d operations\n", n)
			return nil
		},
	}
}

func newQueueFlushCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "flush",
		Short: "Replay pending operations now",
		Long:  `Check reachability and, when online, replay every pending operation in order.`,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, _, err := rootOpts.newAgent(cmd)
			if err != nil {
				return err
			}
			defer a.Stop()

			results, err := a.Flush(cmd.Context())
			if err != nil {
				return err
			}
			if results == nil {
				results = []models.ProcessResult{}
			}
			return rootOpts.print(cmd.OutOrStdout(), results, func(w io.Writer) {
				failed := 0
				for _, r := range results {
					if r.Success {
						fmt.Fprintf(w, "ok    %s\n", r.ID)
						continue
					}
					failed++
					fmt.Fprintf(w, "fail  %s: %s\n", r.ID, r.Error)
				}
				fmt.Fprintf(w, "%d replayed, %d failed\n", len(results)-failed, failed)
			})
		},
	}
}
