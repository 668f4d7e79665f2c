package cmd

import (
	"context"
	"fmt"
	"os"

	"mcpgate/internal/app"
	"mcpgate/internal/config"
	"mcpgate/pkg/logging"

	"github.com/spf13/cobra"
)

// serveConfigPath specifies a configuration file path. When empty, the
// loader falls back to the MCPGATE_CONFIG environment variable and the
// default search paths.
var serveConfigPath string

// serveDebug forces debug logging regardless of the configured level.
var serveDebug bool

// serveCmd starts the gateway: the default worker, the background sweeps,
// and the HTTP listener.
var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the gateway",
	Long: `Starts the mcpgate gateway. It spawns the always-on default worker,
begins accepting event streams and JSON-RPC requests, and spawns one
worker per authenticated user on demand.

Configuration is loaded from built-in defaults, an optional YAML file
(--config, MCPGATE_CONFIG, or ./config.yaml), and environment variables,
in that order of increasing priority. The IdP app id, app secret, and
redirect URI are mandatory.`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	var cfg *config.Config
	var err error
	if serveConfigPath != "" {
		cfg, err = config.LoadFromFile(serveConfigPath)
	} else {
		cfg, err = config.Load()
	}
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	level := logging.ParseLevel(cfg.Logging.Level)
	if serveDebug {
		level = logging.LevelDebug
	}
	logging.Init(level, os.Stderr)

	application, err := app.NewApplication(cfg, GetVersion())
	if err != nil {
		return fmt.Errorf("failed to initialize application: %w", err)
	}

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	return application.Run(ctx)
}

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().StringVar(&serveConfigPath, "config", "", "Path to a YAML configuration file")
	serveCmd.Flags().BoolVar(&serveDebug, "debug", false, "Enable debug logging")
}
