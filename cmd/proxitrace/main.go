package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/okian/proxitrace/internal/config"
	"github.com/okian/proxitrace/pkg/logger"
)

const programName = "proxitrace"

var globalFlags = struct {
	debug      bool
	configFile string
}{}

func main() {
	rootCmd := &cobra.Command{
		Use:          programName,
		Short:        "Proximity tracing node",
		SilenceUsage: true,
	}

	rootCmd.PersistentFlags().
		BoolVarP(&globalFlags.debug, "debug", "D", false, "enable debug logging")
	rootCmd.PersistentFlags().
		StringVar(&globalFlags.configFile, "config", "", "path to YAML config file (overrides "+config.EnvConfig+")")

	rootCmd.AddCommand(serveCommand())
	rootCmd.AddCommand(detectCommand())
	rootCmd.AddCommand(hmacCommand())

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	err := rootCmd.ExecuteContext(ctx)
	stop()
	if err != nil {
		os.Exit(1)
	}
}

// setup loads configuration and initializes logging from it.
func setup(ctx context.Context) (*config.Config, logger.Logger, error) {
	if globalFlags.configFile != "" {
		if err := os.Setenv(config.EnvConfig, globalFlags.configFile); err != nil {
			return nil, nil, fmt.Errorf("failed to set %s: %w", config.EnvConfig, err)
		}
	}
	cfg, err := config.Load(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load config: %w", err)
	}
	if err := logger.Init(logger.WithFormat(cfg.LogFormat)); err != nil {
		return nil, nil, fmt.Errorf("failed to initialize logging: %w", err)
	}

	l := logger.Get()
	level := cfg.LogLevel
	if globalFlags.debug {
		level = "debug"
	}
	if err := logger.SetLevelString(level); err != nil {
		l.Warn(ctx, "invalid log_level; falling back to info", logger.String("log_level", level), logger.Error(err))
		_ = logger.SetLevelString("info")
	}
	return cfg, l, nil
}
