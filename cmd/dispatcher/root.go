package main

import (
	"fmt"
	"os"

	"github.com/rbansal42/mailer-sub003/internal/common/config"
	"github.com/rbansal42/mailer-sub003/internal/common/logger"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var (
	configPath string
	logLevel   string
)

var rootCmd = &cobra.Command{
	Use:   "dispatcher",
	Short: "Bulk email delivery and sequence scheduling",
	Long: `dispatcher sends campaign and sequence email through a pool of sender
accounts. It enforces per-account caps and circuit breakers, drives multi-step
sequences on a periodic tick and consumes engagement events.`,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to a config file (default: ./configs/config.yaml)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "override logging.level")
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func loadConfig() (*config.Config, error) {
	var (
		cfg *config.Config
		err error
	)
	if configPath != "" {
		cfg, err = config.LoadFromFile(configPath)
	} else {
		cfg, err = config.Load()
	}
	if err != nil {
		return nil, err
	}
	if logLevel != "" {
		cfg.Logging.Level = logLevel
	}
	return cfg, nil
}

func newLogger(cfg *config.Config) (*zap.Logger, logger.Logger, error) {
	zapLog, err := logger.NewWithOutput(cfg.Logging.Level, cfg.Logging.Format, cfg.Logging.Output)
	if err != nil {
		return nil, nil, err
	}
	zapLog = zapLog.With(
		zap.String("service", cfg.App.Name),
		zap.String("version", cfg.App.Version),
	)
	return zapLog, logger.NewZapAdapter(zapLog), nil
}
