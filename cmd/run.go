package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/product-enricher/internal/app"
	"github.com/JakeFAU/product-enricher/internal/config"
	"github.com/JakeFAU/product-enricher/internal/discovery"
	"github.com/JakeFAU/product-enricher/internal/product"
)

const closeTimeout = 30 * time.Second

// runOptions are the flag overrides applied on top of the loaded config.
type runOptions struct {
	input    string
	output   string
	phases   []string
	skip     []string
	workers  []string
	maxPages int
}

// newRunCmd creates and configures the 'run' subcommand.
func newRunCmd() *cobra.Command {
	var opts runOptions
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Runs the enrichment pipeline",
		Long: `Runs every enabled phase over the product set: discovered from the
configured listing pages, or read from --input. Per-product failures are
recorded on the products and do not change the exit code; only a browser
session, config or input failure does.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runPipeline(cmd, opts)
		},
	}
	f := cmd.Flags()
	f.StringVar(&opts.input, "input", "", "JSON file of products to enrich instead of running discovery")
	f.StringVar(&opts.output, "output", "", "output path for the enriched products (local path, gs:// or memory://)")
	f.StringSliceVar(&opts.phases, "phases", nil, "run only these phases (comma separated)")
	f.StringSliceVar(&opts.skip, "skip", nil, "disable these phases (comma separated)")
	f.StringSliceVar(&opts.workers, "workers", nil, "per-phase worker counts as phase=N")
	f.IntVar(&opts.maxPages, "max-pages", 0, "limit the listing pages scanned during discovery")
	return cmd
}

func runPipeline(cmd *cobra.Command, opts runOptions) error {
	e, err := resolveEnv(cmd.Context())
	if err != nil {
		return err
	}
	cfg := e.cfg
	if err := applyRunFlags(&cfg, opts); err != nil {
		return err
	}

	var seed []*product.Product
	if opts.input != "" {
		seed, err = discovery.FromFile(opts.input)
		if err != nil {
			return fmt.Errorf("read input: %w", err)
		}
		e.logger.Info("products loaded from input", zap.String("path", opts.input), zap.Int("products", len(seed)))
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := app.Build(ctx, cfg, e.logger)
	if err != nil {
		return fmt.Errorf("failed to initialize application services: %w", err)
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), closeTimeout)
		defer cancel()
		if cerr := a.Close(closeCtx); cerr != nil {
			e.logger.Warn("failed to close application", zap.Error(cerr))
		}
	}()

	report, err := a.Run(ctx, seed)
	if report != nil {
		report.WriteSummary(cmd.OutOrStdout())
	}
	if err != nil {
		if errors.Is(err, context.Canceled) {
			e.logger.Warn("run interrupted")
		}
		return err
	}
	e.logger.Info("run command finished",
		zap.String("run_id", report.RunID),
		zap.Bool("degraded", report.Degraded),
	)
	return nil
}

// applyRunFlags folds the flag overrides into cfg and re-validates it.
func applyRunFlags(cfg *config.Config, opts runOptions) error {
	if opts.output != "" {
		cfg.Output.Path = opts.output
	}
	if opts.maxPages > 0 {
		cfg.Discovery.MaxPages = opts.maxPages
	}
	phases := make(map[string]config.PhaseConfig, len(cfg.Phases))
	for k, v := range cfg.Phases {
		phases[k] = v
	}
	cfg.Phases = phases

	if len(opts.phases) > 0 {
		only := make(map[product.Phase]bool, len(opts.phases))
		for _, name := range opts.phases {
			ph, err := product.ParsePhase(name)
			if err != nil {
				return fmt.Errorf("--phases: %w", err)
			}
			only[ph] = true
		}
		for _, ph := range product.Phases() {
			pc := cfg.Phases[string(ph)]
			pc.Enabled = only[ph]
			cfg.Phases[string(ph)] = pc
		}
	}
	for _, name := range opts.skip {
		ph, err := product.ParsePhase(name)
		if err != nil {
			return fmt.Errorf("--skip: %w", err)
		}
		pc := cfg.Phases[string(ph)]
		pc.Enabled = false
		cfg.Phases[string(ph)] = pc
	}
	for _, spec := range opts.workers {
		name, count, ok := strings.Cut(spec, "=")
		if !ok {
			return fmt.Errorf("--workers %q: want phase=N", spec)
		}
		ph, err := product.ParsePhase(name)
		if err != nil {
			return fmt.Errorf("--workers: %w", err)
		}
		n, err := strconv.Atoi(strings.TrimSpace(count))
		if err != nil || n <= 0 {
			return fmt.Errorf("--workers %q: count must be a positive integer", spec)
		}
		pc := cfg.Phases[string(ph)]
		pc.Workers = n
		cfg.Phases[string(ph)] = pc
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid flags: %w", err)
	}
	return nil
}
