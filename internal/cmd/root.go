package cmd

import (
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/thatjpcsguy/platformup/internal/config"
	"github.com/thatjpcsguy/platformup/internal/platform"
)

// NewRootCmd builds the platformup command tree
func NewRootCmd(version string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "platformup",
		Short: "Bring up a local service platform in dependency order",
		Long: `Platformup allocates stable ports, starts local services tier by tier,
checks their health and tears everything down again in reverse order.`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.PersistentFlags().StringP("log", "l", "info", "Set log level. Available: debug, info, warn, error")
	cmd.PersistentFlags().StringP("config", "c", "", "Project file (default platformup.yaml)")

	cmd.PersistentPreRun = func(c *cobra.Command, args []string) {
		levelStr, _ := c.Flags().GetString("log")
		level, err := zerolog.ParseLevel(levelStr)
		if err != nil || levelStr == "" {
			level = zerolog.InfoLevel
		}
		zerolog.SetGlobalLevel(level)
		log.Logger = log.Output(zerolog.ConsoleWriter{
			Out:        os.Stderr,
			TimeFormat: time.Kitchen,
			NoColor:    !term.IsTerminal(int(os.Stderr.Fd())),
		})
	}

	cmd.AddCommand(NewUpCmd())
	cmd.AddCommand(NewDownCmd())
	cmd.AddCommand(NewStatusCmd())
	cmd.AddCommand(NewPortsCmd())
	cmd.AddCommand(NewLogsCmd())
	cmd.AddCommand(NewHooksCmd())
	cmd.AddCommand(NewComposeCmd())
	cmd.AddCommand(NewVersionCmd(version))
	return cmd
}

func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	path, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(path)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	return cfg, nil
}

// openPlatform loads the config and opens the state database. Callers close
// the platform when done.
func openPlatform(cmd *cobra.Command) (*platform.Platform, error) {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return nil, err
	}
	p, err := platform.Open(cfg, platform.Options{HookOutput: cmd.OutOrStdout()})
	if err != nil {
		return nil, fmt.Errorf("failed to open state: %w", err)
	}
	return p, nil
}

// NewVersionCmd prints the build version
func NewVersionCmd(version string) *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "platformup %s\n", version)
		},
	}
}
