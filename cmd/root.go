// Package cmd defines and implements the CLI commands for the efgrabber
// executable.
package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/segin/efgrabber/internal/config"
	"github.com/segin/efgrabber/internal/logging"
)

var (
	cfgFile string

	// Populated by the root PersistentPreRunE for subcommands.
	rootConfig config.Config
	rootLogger *zap.Logger
)

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "efgrabber",
		Short:         "Resumable bulk acquisition engine for the disclosure corpus",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(_ *cobra.Command, _ []string) error {
			cfg, err := config.Load(cfgFile)
			if err != nil {
				return err
			}
			logger, err := logging.New(cfg.Logging.Development)
			if err != nil {
				return fmt.Errorf("init logger: %w", err)
			}
			rootConfig = cfg
			rootLogger = logger
			return nil
		},
		PersistentPostRun: func(_ *cobra.Command, _ []string) {
			if rootLogger != nil {
				_ = rootLogger.Sync()
			}
		},
	}

	root.PersistentFlags().StringVar(&cfgFile, "config", "", "path to config file")
	root.AddCommand(newRunCmd())
	root.AddCommand(newServeCmd())
	return root
}

// Execute runs the CLI.
func Execute() error {
	return newRootCmd().Execute()
}
