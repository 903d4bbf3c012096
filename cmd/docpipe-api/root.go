package main

import (
	"github.com/carbontrack/docpipeline/internal/config"
	"github.com/carbontrack/docpipeline/pkg/log"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var rootCmd = &cobra.Command{
	Use:          "docpipe-api",
	Short:        "Emissions document processing pipeline",
	SilenceUsage: true,
}

func init() {
	rootCmd.AddCommand(migrateCmd)
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(workerCmd)
}

// setup reads the configuration from the environment and installs the global
// logger. The returned func flushes the logger and restores the previous
// globals.
func setup() (*config.Config, func(), error) {
	cfg, err := config.New()
	if err != nil {
		return nil, nil, err
	}

	logger := log.InitLog(log.ParseLevel(cfg.Service.LogLevel))
	undo := zap.ReplaceGlobals(logger)

	return cfg, func() {
		_ = logger.Sync()
		undo()
	}, nil
}
