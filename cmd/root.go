// Package cmd defines and implements the CLI commands for the enricher executable.
package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/product-enricher/internal/config"
	"github.com/JakeFAU/product-enricher/internal/logging"
)

// envKeyType is the key for storing the loaded environment in the context.
type envKeyType string

const envKey envKeyType = "env"

// env is what every subcommand needs before it does anything else.
type env struct {
	cfg    config.Config
	logger *zap.Logger
}

// newRootCmd creates and configures the root command.
func newRootCmd() *cobra.Command {
	var cfgFile, logLevel string
	cmd := &cobra.Command{
		Use:   "enricher",
		Short: "Discovers and enriches appliance product data.",
		Long: `enricher discovers products from a retailer's listing pages, reads each
product page, fills missing specs from other sites, review sources, PDF documents
and an AI fallback, then unifies keys, scores reviews and persists the result.`,
		SilenceUsage: true,

		// Config and logger are loaded once here; subcommands read them from the context.
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(cfgFile)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			if logLevel != "" {
				cfg.Logging.Level = logLevel
			}
			logger, err := logging.New(logging.Config{
				Development: cfg.Logging.Development,
				Level:       cfg.Logging.Level,
			})
			if err != nil {
				return fmt.Errorf("logger init failed: %w", err)
			}
			zap.ReplaceGlobals(logger)
			cmd.SetContext(context.WithValue(cmd.Context(), envKey, &env{cfg: cfg, logger: logger}))
			return nil
		},

		PersistentPostRun: func(cmd *cobra.Command, _ []string) {
			if e, ok := cmd.Context().Value(envKey).(*env); ok && e != nil {
				_ = e.logger.Sync()
			}
		},
	}

	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (YAML); defaults plus ENRICHER_* env vars when empty")
	cmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "override logging.level")

	cmd.AddCommand(newRunCmd())
	cmd.AddCommand(newAnalyzeCmd())
	cmd.AddCommand(newUnifyCmd())
	cmd.AddCommand(newScoreCmd())

	return cmd
}

// Execute is the main entry point.
func Execute() {
	if err := newRootCmd().ExecuteContext(context.Background()); err != nil {
		zap.L().Error("command failed", zap.Error(err))
		os.Exit(1)
	}
}

func resolveEnv(ctx context.Context) (*env, error) {
	e, ok := ctx.Value(envKey).(*env)
	if !ok || e == nil {
		return nil, errors.New("configuration not loaded")
	}
	return e, nil
}
