package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

// NewDownCmd creates the down command
func NewDownCmd() *cobra.Command {
	var (
		release bool
		asJSON  bool
	)

	cmd := &cobra.Command{
		Use:   "down [service...]",
		Short: "Stop services in reverse tier order",
		Long: `Stops services in reverse dependency order. Without arguments every process
platformup knows about is stopped, including ones the config no longer names.

Ports stay reserved so the next up reuses them. Use --release to free them.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			// Load config
			p, err := openPlatform(cmd)
			if err != nil {
				return err
			}
			defer func() { _ = p.Close() }()

			out := cmd.OutOrStdout()
			if !asJSON {
				fmt.Fprintf(out, "🛑 Stopping %s...\n", p.Config.Name)
			}

			// Stop in reverse tier order
			report, downErr := p.Down(cmd.Context(), release, args...)
			if report == nil {
				return downErr
			}
			if err := writeReport(out, report, asJSON); err != nil {
				return err
			}
			if downErr != nil {
				return fmt.Errorf("down failed: %w", downErr)
			}
			if !asJSON {
				fmt.Fprintln(out, "✅ Platform is down")
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&release, "release", false, "Release port allocations too")
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print the report as JSON")

	return cmd
}
