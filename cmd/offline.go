package cmd

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/product-enricher/internal/classify"
	"github.com/JakeFAU/product-enricher/internal/discovery"
	"github.com/JakeFAU/product-enricher/internal/product"
	"github.com/JakeFAU/product-enricher/internal/scoring"
	"github.com/JakeFAU/product-enricher/internal/storage"
	"github.com/JakeFAU/product-enricher/internal/unify"
)

// analysisOutput is the analyze command's document.
type analysisOutput struct {
	unify.KeyAnalysis
	SuggestedMoves *unify.Moves `json:"suggestedMoves,omitempty"`
}

func newAnalyzeCmd() *cobra.Command {
	var input, out string
	var suggest bool
	cmd := &cobra.Command{
		Use:   "analyze",
		Short: "Writes the key analysis of a product file",
		Long: `Counts every spec and feature key across the products in --input and
keeps sample values per key. The result is what a classifier or a person
reads to write a unification map.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			e, err := resolveEnv(cmd.Context())
			if err != nil {
				return err
			}
			products, err := readProducts(input)
			if err != nil {
				return err
			}
			doc := analysisOutput{KeyAnalysis: unify.Analyze(products, e.cfg.Unification.SampleLimit)}
			if suggest {
				mv := unify.SuggestMoves(doc.KeyAnalysis)
				doc.SuggestedMoves = &mv
			}
			data, err := json.MarshalIndent(doc, "", "  ")
			if err != nil {
				return fmt.Errorf("encode analysis: %w", err)
			}
			if err := writeTo(cmd.OutOrStdout(), out, append(data, '\n')); err != nil {
				return err
			}
			e.logger.Info("key analysis written",
				zap.Int("products", doc.TotalProducts),
				zap.Int("spec_keys", len(doc.Specs)),
				zap.Int("feature_keys", len(doc.Features)),
			)
			return nil
		},
	}
	cmd.Flags().StringVar(&input, "input", "", "JSON file of products")
	cmd.Flags().StringVar(&out, "out", "", "analysis file (stdout when empty)")
	cmd.Flags().BoolVar(&suggest, "suggest", false, "include suggested cross-category moves")
	_ = cmd.MarkFlagRequired("input")
	return cmd
}

func newUnifyCmd() *cobra.Command {
	var input, output string
	var maps []string
	cmd := &cobra.Command{
		Use:   "unify",
		Short: "Applies unification map files to a product file",
		Long: `Applies one or more map files to the products in --input without any
network access. Later maps override earlier ones. Products that fail
validation keep their data and gain a diagnostic.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			e, err := resolveEnv(cmd.Context())
			if err != nil {
				return err
			}
			products, err := readProducts(input)
			if err != nil {
				return err
			}
			m, err := classify.File{Paths: maps, Logger: e.logger}.Propose(cmd.Context(), unify.KeyAnalysis{})
			if err != nil {
				return err
			}
			report := unify.NewEngine(m, unify.WithAutoUnits()).ApplyAll(products)
			uri, err := writeProducts(cmd.Context(), output, products)
			if err != nil {
				return err
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "%d products, spec keys %d -> %d, %d moved, %d invalid\noutput: %s\n",
				report.Products, report.SpecKeysBefore, report.SpecKeysAfter, report.Moved, report.Invalid, uri)
			return nil
		},
	}
	cmd.Flags().StringVar(&input, "input", "", "JSON file of products")
	cmd.Flags().StringSliceVar(&maps, "map", nil, "unification map file (JSON or YAML); repeatable")
	cmd.Flags().StringVar(&output, "output", "", "output path for the unified products")
	_ = cmd.MarkFlagRequired("input")
	_ = cmd.MarkFlagRequired("map")
	_ = cmd.MarkFlagRequired("output")
	return cmd
}

func newScoreCmd() *cobra.Command {
	var input, output string
	cmd := &cobra.Command{
		Use:   "score",
		Short: "Computes review quality scores for a product file",
		RunE: func(cmd *cobra.Command, _ []string) error {
			e, err := resolveEnv(cmd.Context())
			if err != nil {
				return err
			}
			products, err := readProducts(input)
			if err != nil {
				return err
			}
			sc := e.cfg.Scoring
			prior := sc.PriorMean
			if prior == 0 {
				if g, ok := scoring.GlobalPrior(products); ok {
					prior = g
				} else {
					prior = sc.DefaultPrior
				}
			}
			s := scoring.New(prior, sc.Confidence)
			scored := s.Apply(products)
			uri, err := writeProducts(cmd.Context(), output, products)
			if err != nil {
				return err
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "%d of %d products scored (prior %.1f, confidence %.0f)\noutput: %s\n",
				scored, len(products), s.Prior, s.Confidence, uri)
			return nil
		},
	}
	cmd.Flags().StringVar(&input, "input", "", "JSON file of products")
	cmd.Flags().StringVar(&output, "output", "", "output path for the scored products")
	_ = cmd.MarkFlagRequired("input")
	_ = cmd.MarkFlagRequired("output")
	return cmd
}

func readProducts(path string) ([]*product.Product, error) {
	products, err := discovery.FromFile(path)
	if err != nil {
		return nil, fmt.Errorf("read input: %w", err)
	}
	if len(products) == 0 {
		return nil, fmt.Errorf("read input: %s holds no products", path)
	}
	return products, nil
}

// writeProducts stores products at path through the same blob backends the
// pipeline uses for its output artifact.
func writeProducts(ctx context.Context, path string, products []*product.Product) (uri string, err error) {
	out, err := storage.NewOutput(ctx, path)
	if err != nil {
		return "", err
	}
	defer func() {
		err = errors.Join(err, out.Close())
	}()
	var buf bytes.Buffer
	if err := product.Encode(&buf, products); err != nil {
		return "", err
	}
	uri, err = out.Blobs.PutObject(ctx, out.Object, "application/json", &buf)
	if err != nil {
		return "", fmt.Errorf("write output: %w", err)
	}
	return uri, nil
}

func writeTo(stdout io.Writer, path string, data []byte) error {
	if path == "" {
		_, err := stdout.Write(data)
		return err
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	return nil
}
