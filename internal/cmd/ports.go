package cmd

import (
	"encoding/json"
	"fmt"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
)

// NewPortsCmd creates the ports command group
func NewPortsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "ports",
		Short: "Inspect and release port allocations",
	}
	cmd.AddCommand(newPortsListCmd())
	cmd.AddCommand(newPortsReleaseCmd())
	return cmd
}

func newPortsListCmd() *cobra.Command {
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List allocated ports",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := openPlatform(cmd)
			if err != nil {
				return err
			}
			defer func() { _ = p.Close() }()

			allocations, err := p.Ports.List(cmd.Context())
			if err != nil {
				return fmt.Errorf("failed to list allocations: %w", err)
			}

			out := cmd.OutOrStdout()
			if asJSON {
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				return enc.Encode(allocations)
			}

			// Table view
			start, end := p.Ports.Range()
			fmt.Fprintf(out, "Ports %d-%d, %d allocated\n\n", start, end, len(allocations))
			for _, a := range allocations {
				fmt.Fprintf(out, "  %-6d %-24s %-10s %-8s %s\n", a.Port, a.ServiceName, a.Category, a.Scope, faint(humanize.Time(a.AllocatedAt)))
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&asJSON, "json", false, "Print as JSON")

	return cmd
}

func newPortsReleaseCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "release <service>...",
		Short: "Release the ports of stopped services",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := openPlatform(cmd)
			if err != nil {
				return err
			}
			defer func() { _ = p.Close() }()

			// Running services keep their port
			for _, name := range args {
				if err := p.ReleasePort(cmd.Context(), name); err != nil {
					return fmt.Errorf("failed to release %s: %w", name, err)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "✅ Released port for %s\n", name)
			}
			return nil
		},
	}
}
