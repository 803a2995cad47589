package cli

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"netkeep/internal/server"
)

// RunOptions holds flags for the run command.
type RunOptions struct {
	*RootOptions
	Listen string
}

// NewRunCommand creates the run command.
func NewRunCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &RunOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the agent and its status server",
		Long: `Start the session, the reachability watcher and the queue flush
schedule, and serve the status API until interrupted.

Example:
  netkeep run --config ./netkeep.yaml
  netkeep run --listen 127.0.0.1:9090`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runAgent(cmd, opts)
		},
	}
	cmd.Flags().StringVar(&opts.Listen, "listen", "", "override listen address")
	return cmd
}

func runAgent(cmd *cobra.Command, opts *RunOptions) error {
	a, log, err := opts.newAgent(cmd)
	if err != nil {
		return err
	}
	defer a.Stop()

	addr := a.Config().Listen
	if opts.Listen != "" {
		addr = opts.Listen
	}
	deps := server.Deps{
		Queue:  a.Queue(),
		Prober: a.Prober(),
		Flush:  a.Flush,
		Log:    log.With().Str("component", "server").Logger(),
	}
	if mgr := a.Manager(); mgr != nil {
		deps.Connection = mgr
		deps.History = a.Recorder()
	}
	srv := server.New(addr, deps)

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a.Start()

	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("addr", addr).Msg("status server listening")
		if err := srv.Run(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		if err != nil {
			return err
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("server shutdown")
	}
	return nil
}
