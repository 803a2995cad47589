// Package cli implements the netkeep command tree.
package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"netkeep/internal/agent"
	"netkeep/internal/config"
	"netkeep/internal/logging"
)

// RootOptions holds global flags for all commands.
type RootOptions struct {
	ConfigPath string
	LogLevel   string
	Output     string // "text" | "json"
}

var validOutputs = []string{"text", "json"}

// NewRootCommand creates the root command.
func NewRootCommand() *cobra.Command {
	return newRootCommand(&RootOptions{})
}

func newRootCommand(opts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "netkeep",
		Short: "Connection resilience agent",
		Long: `netkeep keeps a long-lived websocket session alive with jittered
exponential backoff, probes internet reachability, and replays queued
write operations once the network is back.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			for _, o := range validOutputs {
				if o == opts.Output {
					return nil
				}
			}
			return fmt.Errorf("invalid output %q: must be one of %v", opts.Output, validOutputs)
		},
	}

	cmd.PersistentFlags().StringVarP(&opts.ConfigPath, "config", "c", "config.yaml", "path to configuration file (YAML)")
	cmd.PersistentFlags().StringVar(&opts.LogLevel, "log-level", "", "override log level (debug|info|warn|error)")
	cmd.PersistentFlags().StringVarP(&opts.Output, "output", "o", "text", "output format (text|json)")

	cmd.AddCommand(NewRunCommand(opts))
	cmd.AddCommand(NewProbeCommand(opts))
	cmd.AddCommand(NewQueueCommand(opts))
	return cmd
}

func (o *RootOptions) load(stderr io.Writer) (config.Config, zerolog.Logger, error) {
	cfg, err := config.Load(o.ConfigPath)
	if err != nil {
		return config.Config{}, zerolog.Nop(), err
	}
	if o.LogLevel != "" {
		cfg.LogLevel = o.LogLevel
	}
	if stderr == nil {
		stderr = os.Stderr
	}
	return cfg, logging.New(stderr, cfg.LogLevel, cfg.LogFormat), nil
}

func (o *RootOptions) newAgent(cmd *cobra.Command) (*agent.Agent, zerolog.Logger, error) {
	cfg, log, err := o.load(cmd.ErrOrStderr())
	if err != nil {
		return nil, log, err
	}
	a, err := agent.New(cfg, agent.WithLogger(log))
	if err != nil {
		return nil, log, err
	}
	return a, log, nil
}

func (o *RootOptions) print(w io.Writer, payload any, text func(io.Writer)) error {
	if o.Output == "json" {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(payload)
	}
	text(w)
	return nil
}
