package cmd

import (
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/thatjpcsguy/platformup/internal/adapter"
)

// NewComposeCmd creates the compose command group. Each subcommand maps to one
// orchestration directive.
func NewComposeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "compose",
		Short: "Drive the containerised deployment through docker compose",
		Long: `Runs docker compose for the configured project, locally or on
compose.remote.host over SSH.`,
	}

	cmd.AddCommand(newComposeUpCmd())
	cmd.AddCommand(newComposeDownCmd())
	cmd.AddCommand(newComposeScaleCmd())
	cmd.AddCommand(newComposeLogsCmd())
	cmd.AddCommand(newComposeMigrateCmd())
	cmd.AddCommand(newComposeBackupCmd())
	cmd.AddCommand(newComposePsCmd())
	return cmd
}

// withCompose opens the platform and the adapter for one directive
func withCompose(cmd *cobra.Command, fn func(c *adapter.Compose) error) error {
	p, err := openPlatform(cmd)
	if err != nil {
		return err
	}
	defer func() { _ = p.Close() }()

	c, closeFn, err := p.Compose(cmd.Context(), cmd.OutOrStdout(), cmd.ErrOrStderr())
	if err != nil {
		return fmt.Errorf("failed to connect: %w", err)
	}
	defer func() { _ = closeFn() }()

	return fn(c)
}

func newComposeUpCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "up [service...]",
		Short: "Start containers",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withCompose(cmd, func(c *adapter.Compose) error {
				fmt.Fprintf(cmd.OutOrStdout(), "🐳 Starting %s containers...\n", c.Project)
				return c.Up(cmd.Context(), args...)
			})
		},
	}
}

func newComposeDownCmd() *cobra.Command {
	var volumes bool

	cmd := &cobra.Command{
		Use:   "down",
		Short: "Stop and remove containers",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withCompose(cmd, func(c *adapter.Compose) error {
				fmt.Fprintf(cmd.OutOrStdout(), "🛑 Stopping %s containers...\n", c.Project)
				return c.Down(cmd.Context(), volumes)
			})
		},
	}

	cmd.Flags().BoolVarP(&volumes, "volumes", "v", false, "Remove volumes too")

	return cmd
}

func newComposeScaleCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "scale <service> <replicas>",
		Short: "Set the replica count of a service",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			// Validate replica count
			replicas, err := strconv.Atoi(args[1])
			if err != nil || replicas < 0 {
				return fmt.Errorf("invalid replica count %q", args[1])
			}
			return withCompose(cmd, func(c *adapter.Compose) error {
				return c.Scale(cmd.Context(), args[0], replicas)
			})
		},
	}
}

func newComposeLogsCmd() *cobra.Command {
	var (
		tail   int
		follow bool
	)

	cmd := &cobra.Command{
		Use:   "logs [service]",
		Short: "Show container logs",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			svc := ""
			if len(args) == 1 {
				svc = args[0]
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return withCompose(cmd, func(c *adapter.Compose) error {
				return c.Logs(ctx, svc, tail, follow, cmd.OutOrStdout())
			})
		},
	}

	cmd.Flags().IntVarP(&tail, "tail", "n", 100, "Number of lines to show (0 for all)")
	cmd.Flags().BoolVarP(&follow, "follow", "f", false, "Follow log output")

	return cmd
}

func newComposeMigrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:     "migrate <service> <command>...",
		Short:   "Run a migration command inside a running container",
		Example: `  platformup compose migrate api -- ./manage.py migrate`,
		Args:    cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withCompose(cmd, func(c *adapter.Compose) error {
				return c.Migrate(cmd.Context(), args[0], args[1:]...)
			})
		},
	}
}

func newComposeBackupCmd() *cobra.Command {
	var output string

	cmd := &cobra.Command{
		Use:     "backup <service> <command>",
		Short:   "Run a dump command in a container and save its output",
		Example: `  platformup compose backup db "pg_dump -U postgres app" -o app.sql`,
		Args:    cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			// Write to stdout unless a file is given
			w := cmd.OutOrStdout()
			if output != "" {
				f, err := os.Create(output)
				if err != nil {
					return fmt.Errorf("failed to create %s: %w", output, err)
				}
				defer f.Close()
				w = f
			}
			return withCompose(cmd, func(c *adapter.Compose) error {
				if err := c.Backup(cmd.Context(), args[0], args[1], w); err != nil {
					return err
				}
				if output != "" {
					fmt.Fprintf(cmd.ErrOrStderr(), "✅ Backup written to %s\n", output)
				}
				return nil
			})
		},
	}

	cmd.Flags().StringVarP(&output, "output", "o", "", "Write the backup to a file instead of stdout")

	return cmd
}

func newComposePsCmd() *cobra.Command {
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "ps",
		Short: "List containers and their state",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withCompose(cmd, func(c *adapter.Compose) error {
				containers, err := c.Status(cmd.Context())
				if err != nil {
					return err
				}

				out := cmd.OutOrStdout()
				if asJSON {
					enc := json.NewEncoder(out)
					enc.SetIndent("", "  ")
					return enc.Encode(containers)
				}
				if len(containers) == 0 {
					fmt.Fprintln(out, "No containers found")
					return nil
				}
				for _, ct := range containers {
					state := ct.State
					if ct.Health != "" {
						state += " (" + ct.Health + ")"
					}
					paint := red
					if ct.Running() {
						paint = green
					}
					fmt.Fprintf(out, "  %-32s %-16s %s\n", ct.Name, ct.Service, paint(state))
				}
				return nil
			})
		},
	}

	cmd.Flags().BoolVar(&asJSON, "json", false, "Print as JSON")

	return cmd
}
