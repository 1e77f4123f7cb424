// Package classify proposes unification maps from a key analysis, either by
// asking a language model or by reading hand-edited map files.
package classify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/JakeFAU/product-enricher/internal/failure"
	"github.com/JakeFAU/product-enricher/internal/unify"
	"github.com/JakeFAU/product-enricher/pkg/llm"
)

// Service turns a key analysis into a unification map.
type Service interface {
	Propose(ctx context.Context, analysis unify.KeyAnalysis) (unify.Map, error)
}

const systemPrompt = `You normalize product attribute keys collected from several retailer sites.
Reply with one JSON object and nothing else, with exactly these sections:
"merges": object mapping each alias key to its canonical key;
"deletions": array of keys that carry no product information;
"unitExtractions": object mapping a key to {"units": [unit strings as they appear in values], "newKey": canonical key with a unit suffix such as "height_cm"};
"crossCategoryMoves": {"specs": spec keys whose values are yes/no and must be removed from specs, "features": feature keys whose values are measurements and must be removed from features}.
Keep the most common spelling as the canonical key. Never invent keys that are not in the input.`

// LLM asks a model for the map.
type LLM struct {
	client    llm.Client
	model     string
	maxTokens int64
	logger    *zap.Logger
}

// NewLLM builds the model-backed service.
func NewLLM(client llm.Client, model string, maxTokens int64, logger *zap.Logger) *LLM {
	if maxTokens <= 0 {
		maxTokens = 4096
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LLM{client: client, model: model, maxTokens: maxTokens, logger: logger.Named("classify")}
}

// Propose sends the analysis and validates the answer. Malformed sections are
// dropped and logged; an unusable answer is a classification failure.
func (l *LLM) Propose(ctx context.Context, analysis unify.KeyAnalysis) (unify.Map, error) {
	payload, err := json.Marshal(analysis)
	if err != nil {
		return unify.Map{}, failure.New(failure.Classification, "encode analysis", err)
	}
	prompt := fmt.Sprintf("Key analysis over %d products:\n%s", analysis.TotalProducts, payload)
	text, err := llm.Ask(ctx, l.client, l.model, l.maxTokens, systemPrompt, prompt)
	if err != nil {
		return unify.Map{}, failure.New(failure.Classification, "propose map", err)
	}
	m, diags, err := unify.ParseMap([]byte(llm.StripFences(text)))
	if err != nil {
		return unify.Map{}, failure.New(failure.Classification, "parse proposed map", err)
	}
	logDiagnostics(l.logger, "proposed map", diags)
	return m, nil
}

// File reads hand-edited maps, later files overriding earlier ones.
type File struct {
	Paths  []string
	Logger *zap.Logger
}

// Propose ignores the analysis and loads the files.
func (f File) Propose(_ context.Context, _ unify.KeyAnalysis) (unify.Map, error) {
	logger := f.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	var out unify.Map
	for _, path := range f.Paths {
		m, diags, err := unify.LoadMapFile(path)
		if err != nil {
			return unify.Map{}, failure.New(failure.Classification, "load map file", err)
		}
		logDiagnostics(logger, path, diags)
		var conflicts []string
		out, conflicts = unify.Overlay(out, m)
		logDiagnostics(logger, path, conflicts)
	}
	return out, nil
}

// ErrNoService is returned by a Chain with neither a model nor map files.
var ErrNoService = errors.New("no classifier or map files configured")

// Chain layers overrides on top of a base service. A failing base degrades to
// an empty map so the overrides still apply; a failing override is returned.
type Chain struct {
	Base      Service
	Overrides []Service
	Logger    *zap.Logger
}

// Propose runs the base and applies each override, last applied wins.
func (c Chain) Propose(ctx context.Context, analysis unify.KeyAnalysis) (unify.Map, error) {
	logger := c.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	if c.Base == nil && len(c.Overrides) == 0 {
		return unify.Map{}, failure.New(failure.Classification, "propose map", ErrNoService)
	}
	var out unify.Map
	if c.Base != nil {
		m, err := c.Base.Propose(ctx, analysis)
		switch {
		case err != nil && len(c.Overrides) == 0:
			return unify.Map{}, err
		case err != nil:
			logger.Warn("classification service unavailable, using overrides only", zap.Error(err))
		default:
			out = m
		}
	}
	for _, o := range c.Overrides {
		m, err := o.Propose(ctx, analysis)
		if err != nil {
			return unify.Map{}, err
		}
		var conflicts []string
		out, conflicts = unify.Overlay(out, m)
		logDiagnostics(logger, "override", conflicts)
	}
	return out, nil
}

func logDiagnostics(logger *zap.Logger, source string, diags []string) {
	for _, d := range diags {
		logger.Warn("unification map diagnostic", zap.String("source", source), zap.String("diagnostic", d))
	}
}
