package cli

import (
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"netkeep/internal/connection"
)

type probeView struct {
	Online    bool   `json:"online"`
	Endpoint  string `json:"endpoint,omitempty"`
	LatencyMs int64  `json:"latency_ms"`
	Error     string `json:"error,omitempty"`
	CheckedAt string `json:"checked_at"`
}

// NewProbeCommand creates the probe command.
func NewProbeCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "probe",
		Short: "Check internet reachability once",
		Long: `Probe the configured endpoints in order and report the first one that
answered. Exits non-zero when none did.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, _, err := rootOpts.newAgent(cmd)
			if err != nil {
				return err
			}
			defer a.Stop()

			r := a.Prober().Check(cmd.Context())
			view := probeView{
				Online:    r.IsOnline,
				Endpoint:  r.Endpoint,
				LatencyMs: r.LatencyMs(),
				Error:     r.ErrorMessage(),
				CheckedAt: r.CheckedAt.Format(time.RFC3339),
			}
			err = rootOpts.print(cmd.OutOrStdout(), view, func(w io.Writer) {
				if r.IsOnline {
					fmt.Fprintf(w, "online via %s (%dms)\n", r.Endpoint, view.LatencyMs)
					return
				}
				fmt.Fprintf(w, "offline: %s\n", view.Error)
			})
			if err != nil {
				return err
			}
			if !r.IsOnline {
				return connection.ErrOffline
			}
			return nil
		},
	}
}
