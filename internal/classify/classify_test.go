package classify

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/JakeFAU/product-enricher/internal/failure"
	"github.com/JakeFAU/product-enricher/internal/unify"
	"github.com/JakeFAU/product-enricher/pkg/llm"
	"github.com/JakeFAU/product-enricher/pkg/llm/llmtest"
)

var analysis = unify.KeyAnalysis{
	TotalProducts: 2,
	Specs: []unify.KeyStats{
		{Key: "capacity", Count: 2, Samples: []string{"8kg"}},
		{Key: "capacity_kg", Count: 1, Samples: []string{"8"}},
	},
}

func TestLLMProposeParsesFencedAnswer(t *testing.T) {
	t.Parallel()

	client := llmtest.NewMockClient(t)
	client.On("CreateMessage", mock.Anything, mock.MatchedBy(func(req llm.MessageRequest) bool {
		return req.Model == "test-model" && strings.Contains(req.Messages[0].Content, `"capacity_kg"`)
	})).Return(llmtest.Answer("```json\n{\"merges\": {\"capacity_kg\": \"capacity\"}, \"deletions\": 7}\n```"), nil)

	core, logs := observer.New(zap.WarnLevel)
	svc := NewLLM(client, "test-model", 0, zap.New(core))
	m, err := svc.Propose(context.Background(), analysis)
	require.NoError(t, err)
	require.Equal(t, map[string]string{"capacity_kg": "capacity"}, m.Merges)
	require.Nil(t, m.Deletions)
	require.Equal(t, 1, logs.Len())
}

func TestLLMProposeFailureIsClassification(t *testing.T) {
	t.Parallel()

	client := llmtest.NewMockClient(t)
	client.On("CreateMessage", mock.Anything, mock.Anything).Return(nil, errors.New("503")).Once()
	client.On("CreateMessage", mock.Anything, mock.Anything).Return(llmtest.Answer("[1, 2]"), nil).Once()

	svc := NewLLM(client, "m", 100, nil)
	_, err := svc.Propose(context.Background(), analysis)
	require.Equal(t, failure.Classification, failure.KindOf(err))
	_, err = svc.Propose(context.Background(), analysis)
	require.Equal(t, failure.Classification, failure.KindOf(err))
}

func writeMap(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "map.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestFileOverlaysInOrder(t *testing.T) {
	t.Parallel()

	a := writeMap(t, "merges:\n  cap: capacity\ndeletions: [junk]\n")
	b := writeMap(t, "merges:\n  cap: capacity_kg\n")
	core, logs := observer.New(zap.WarnLevel)
	m, err := File{Paths: []string{a, b}, Logger: zap.New(core)}.Propose(context.Background(), analysis)
	require.NoError(t, err)
	require.Equal(t, "capacity_kg", m.Merges["cap"])
	require.Equal(t, []string{"junk"}, m.Deletions)
	require.Equal(t, 1, logs.FilterMessage("unification map diagnostic").Len())

	_, err = File{Paths: []string{filepath.Join(t.TempDir(), "nope.json")}}.Propose(context.Background(), analysis)
	require.Equal(t, failure.Classification, failure.KindOf(err))
}

type staticService struct {
	m   unify.Map
	err error
}

func (s staticService) Propose(context.Context, unify.KeyAnalysis) (unify.Map, error) {
	return s.m, s.err
}

func TestChainDegradesToOverrides(t *testing.T) {
	t.Parallel()

	down := staticService{err: failure.New(failure.Classification, "propose", errors.New("down"))}
	override := staticService{m: unify.Map{Deletions: []string{"junk"}}}

	m, err := Chain{Base: down, Overrides: []Service{override}}.Propose(context.Background(), analysis)
	require.NoError(t, err)
	require.Equal(t, []string{"junk"}, m.Deletions)

	_, err = Chain{Base: down}.Propose(context.Background(), analysis)
	require.Error(t, err)

	base := staticService{m: unify.Map{Merges: map[string]string{"a": "b"}}}
	over := staticService{m: unify.Map{Merges: map[string]string{"a": "c"}}}
	m, err = Chain{Base: base, Overrides: []Service{over}}.Propose(context.Background(), analysis)
	require.NoError(t, err)
	require.Equal(t, "c", m.Merges["a"])
}

func TestEmptyChainIsClassificationFailure(t *testing.T) {
	t.Parallel()

	_, err := Chain{}.Propose(context.Background(), analysis)
	require.ErrorIs(t, err, ErrNoService)
	require.Equal(t, failure.Classification, failure.KindOf(err))
}
