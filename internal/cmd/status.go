package cmd

import (
	"encoding/json"
	"fmt"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
)

// NewStatusCmd creates the status command
func NewStatusCmd() *cobra.Command {
	var asJSON bool

	cmd := &cobra.Command{
		Use:     "status",
		Aliases: []string{"ps"},
		Short:   "Show every service with its port and process",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			// Load config and open the state database
			p, err := openPlatform(cmd)
			if err != nil {
				return err
			}
			defer func() { _ = p.Close() }()

			// Reconcile before reporting
			statuses, err := p.Status(cmd.Context())
			if err != nil {
				return fmt.Errorf("failed to read status: %w", err)
			}

			out := cmd.OutOrStdout()
			if asJSON {
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				return enc.Encode(statuses)
			}

			// Table view
			fmt.Fprintf(out, "%s\n\n", p.Config.Name)
			fmt.Fprintf(out, "  %-5s %-24s %-12s %-10s %-6s %-8s %s\n", "TIER", "SERVICE", "STATE", "HEALTH", "PORT", "PID", "STARTED")
			for _, s := range statuses {
				tier := fmt.Sprint(s.Tier)
				if s.Orphan {
					tier = "-"
				}
				port, pid, started, healthState := "-", "-", "-", "-"
				if s.Port > 0 {
					port = fmt.Sprint(s.Port)
				}
				if s.PID > 0 {
					pid = fmt.Sprint(s.PID)
				}
				if s.Health != "" {
					healthState = s.Health
				}
				if s.StartedAt != nil {
					started = humanize.Time(*s.StartedAt)
				}
				name := s.Name
				if s.Required {
					name += "*"
				}
				fmt.Fprintf(out, "  %-5s %-24s %s %-10s %-6s %-8s %s\n", tier, name, padded(string(s.State), 12), healthState, port, pid, started)
			}
			fmt.Fprintf(out, "\n  %s\n", faint("* required"))
			return nil
		},
	}

	cmd.Flags().BoolVar(&asJSON, "json", false, "Print as JSON")

	return cmd
}
