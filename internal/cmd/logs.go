package cmd

import (
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/thatjpcsguy/platformup/internal/service"
	"github.com/thatjpcsguy/platformup/internal/supervisor"
)

// NewLogsCmd creates the logs command
func NewLogsCmd() *cobra.Command {
	var (
		lines  int
		follow bool
	)

	cmd := &cobra.Command{
		Use:   "logs <service>",
		Short: "Show a service's log file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := openPlatform(cmd)
			if err != nil {
				return err
			}
			defer func() { _ = p.Close() }()

			// Prefer the log path of the recorded process
			name := args[0]
			path := p.Supervisor.LogPath(name)
			if rec, found, err := p.Supervisor.Get(cmd.Context(), name); err != nil {
				return err
			} else if found && rec.LogPath != "" {
				path = rec.LogPath
			} else if _, err := service.Find(p.Config.Tiers, name); err != nil {
				return err
			}

			text, err := supervisor.Tail(path, lines)
			if errors.Is(err, os.ErrNotExist) {
				return fmt.Errorf("no logs for %s yet", name)
			} else if err != nil {
				return fmt.Errorf("failed to read logs: %w", err)
			}
			out := cmd.OutOrStdout()
			if text != "" {
				fmt.Fprintln(out, text)
			}

			// Follow until interrupted
			if !follow {
				return nil
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return supervisor.Follow(ctx, path, out, 250*time.Millisecond)
		},
	}

	cmd.Flags().IntVarP(&lines, "lines", "n", 100, "Number of lines to show")
	cmd.Flags().BoolVarP(&follow, "follow", "f", false, "Follow log output")

	return cmd
}
