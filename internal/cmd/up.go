package cmd

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

// NewUpCmd creates the up command
func NewUpCmd() *cobra.Command {
	var (
		foreground  bool
		metricsAddr string
		asJSON      bool
	)

	cmd := &cobra.Command{
		Use:   "up [service...]",
		Short: "Start services tier by tier",
		Long: `Allocates ports and starts every configured service, one tier at a time.
A failing required service stops later tiers from starting. Name services to
start only those.

With --foreground, platformup stays attached: it serves Prometheus metrics,
re-checks health periodically and stops everything on Ctrl+C.

Examples:
  platformup up
  platformup up db api
  platformup up --foreground --metrics-addr 127.0.0.1:8766`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			// Load config
			p, err := openPlatform(cmd)
			if err != nil {
				return err
			}
			defer func() { _ = p.Close() }()

			out := cmd.OutOrStdout()
			if !asJSON {
				fmt.Fprintf(out, "🚀 Starting %s...\n", p.Config.Name)
			}

			// Launch tier by tier
			report, upErr := p.Up(ctx, args...)
			if report == nil {
				return upErr
			}
			if err := writeReport(out, report, asJSON); err != nil {
				return err
			}
			if upErr != nil {
				return fmt.Errorf("up failed: %w", upErr)
			}
			if !foreground {
				if !asJSON {
					fmt.Fprintln(out, "✅ Platform is up")
				}
				return nil
			}

			// Stay attached until interrupted
			addr := p.Config.Metrics.Addr
			if cmd.Flags().Changed("metrics-addr") {
				addr = metricsAddr
			}
			if !asJSON {
				if addr != "" {
					fmt.Fprintf(out, "👀 Supervising, metrics on http://%s/metrics. Press Ctrl+C to stop.\n", addr)
				} else {
					fmt.Fprintln(out, "👀 Supervising. Press Ctrl+C to stop.")
				}
			}

			down, err := p.Supervise(ctx, addr, 0)
			if down != nil {
				if !asJSON {
					fmt.Fprintln(out, "🛑 Stopped")
				}
				_ = writeReport(out, down, asJSON)
			}
			return err
		},
	}

	cmd.Flags().BoolVarP(&foreground, "foreground", "F", false, "Stay attached, serve metrics and stop everything on exit")
	cmd.Flags().StringVar(&metricsAddr, "metrics-addr", "", "Metrics listen address (defaults to metrics.addr; empty disables)")
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print the report as JSON")

	return cmd
}
