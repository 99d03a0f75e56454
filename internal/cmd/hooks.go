package cmd

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/thatjpcsguy/platformup/internal/hooks"
)

// NewHooksCmd creates the hooks command
func NewHooksCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "hooks [hook-name]",
		Short: "List lifecycle hooks or run one by hand",
		Long: `Without arguments, lists each hook and where it is defined. With a hook name,
runs it with the current port allocations in its environment.

A file at .platformup/hooks/<hook>.sh wins over the script in the config.

Available hooks:
  pre-up     - Runs before any service starts; failure aborts up
  post-up    - Runs after up finishes
  pre-down   - Runs before services stop
  post-down  - Runs after services stop

Hooks see PLATFORM_NAME, SERVICE_PORTS and PORT_<SERVICE> variables.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			// Load config
			p, err := openPlatform(cmd)
			if err != nil {
				return err
			}
			defer func() { _ = p.Close() }()

			out := cmd.OutOrStdout()
			// No hook given, list them all
			if len(args) == 0 {
				for _, h := range hooks.All {
					source := faint("not defined")
					if _, err := os.Stat(p.Hooks.Path(h)); err == nil {
						source = green(p.Hooks.Path(h))
					} else if p.HookScript(h) != "" {
						source = yellow("config script")
					}
					fmt.Fprintf(out, "  %-10s %s\n", h, source)
				}
				return nil
			}

			// Validate hook name
			hook, err := parseHook(args[0])
			if err != nil {
				return err
			}

			fmt.Fprintf(out, "🪝 Running %s hook...\n", hook)
			ran, err := p.RunHook(cmd.Context(), hook)
			if err != nil {
				return fmt.Errorf("hook execution failed: %w", err)
			}
			if !ran {
				fmt.Fprintf(out, "No %s hook defined\n", hook)
				return nil
			}
			fmt.Fprintln(out, "✅ Hook completed successfully!")
			return nil
		},
	}

	return cmd
}

func parseHook(name string) (hooks.HookType, error) {
	valid := make([]string, 0, len(hooks.All))
	for _, h := range hooks.All {
		if string(h) == name {
			return h, nil
		}
		valid = append(valid, string(h))
	}
	return "", fmt.Errorf("invalid hook name: %s. Valid options: %s", name, strings.Join(valid, ", "))
}
