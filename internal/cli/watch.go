package cli

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/offermatch/internal/engine"
	"github.com/roach88/offermatch/internal/metrics"
	"github.com/roach88/offermatch/internal/watch"
)

// WatchOptions holds flags for the watch command.
type WatchOptions struct {
	*RootOptions
	WorkDir     string
	MetricsAddr string
	Strict      bool
}

// NewWatchCommand creates the watch command.
func NewWatchCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &WatchOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Match instances as they are sealed",
		Long: `Watch the instance store and run the engine for every newly sealed
instance, continuing from the instance before it.

Instances sealed while the watcher was down are matched on start. An
instance that fails is not retried; seal a reindex instance to recover.
With --metrics-addr, Prometheus metrics are served on /metrics.

Examples:
  offermatch watch --work-dir ./work
  offermatch watch --work-dir ./work --metrics-addr :9090 --verbose`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runWatch(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.WorkDir, "work-dir", "", "work directory (default from config)")
	cmd.Flags().StringVar(&opts.MetricsAddr, "metrics-addr", "", "serve metrics on this address (default from config)")
	cmd.Flags().BoolVar(&opts.Strict, "strict", false, "abort instances on integrity violations")

	return cmd
}

func runWatch(opts *WatchOptions, cmd *cobra.Command) error {
	st, err := newInstanceStore(opts.RootOptions, opts.WorkDir)
	if err != nil {
		return err
	}

	out := &lockedWriter{w: cmd.OutOrStdout()}
	w, err := watch.New(st, opts.newEngine(opts.Strict), watch.WithResultFunc(func(name string, res *engine.Result, err error) {
		if err != nil {
			fmt.Fprintf(out, "✗ %s: %v\n", name, err)
			return
		}
		fmt.Fprintf(out, "✓ %s (%s): %d products\n", name, res.Run.Mode, res.Run.Products)
	}))
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to start watcher", err)
	}
	defer w.Close()

	addr := opts.MetricsAddr
	if addr == "" {
		addr = opts.Config.MetricsAddr
	}
	if addr != "" {
		srv := metrics.StartServer(addr)
		slog.Info("metrics server started", "addr", addr)
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := srv.Shutdown(shutdownCtx); err != nil {
				slog.Error("error stopping metrics server", "error", err)
			}
		}()
	}

	// Tests cancel the command's context; a signal cancels it otherwise.
	ctx, cancel := context.WithCancel(commandContext(cmd))
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	go func() {
		select {
		case sig := <-sigChan:
			slog.Info("received signal, shutting down", "signal", sig)
			cancel()
		case <-ctx.Done():
		}
	}()

	fmt.Fprintf(out, "Watching %s. Press Ctrl-C to stop.\n", st.Dir())
	if err := w.Run(ctx); err != nil {
		return WrapExitError(ExitFailure, "watcher error", err)
	}
	slog.Info("watcher stopped gracefully")
	return nil
}

// lockedWriter serializes writes from the watcher callback and the command.
type lockedWriter struct {
	mu sync.Mutex
	w  io.Writer
}

func (l *lockedWriter) Write(p []byte) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.w.Write(p)
}
