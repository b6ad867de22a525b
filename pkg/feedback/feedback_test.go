package feedback

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/groundline-ai/groundline/pkg/domain"
)

func newStore(t *testing.T) *Store {
	t.Helper()
	s, err := NewStore(filepath.Join(t.TempDir(), "feedback.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestNormalizeQueryFoldsVariants(t *testing.T) {
	a := QueryHash("What is the  leave ALLOWANCE?")
	b := QueryHash("what is the leave allowance")
	assert.Equal(t, a, b)

	c := QueryHash("how do I reset my password")
	assert.NotEqual(t, a, c)
}

func TestRecordValidation(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	_, err := s.Record(ctx, Entry{Query: "  ", Kind: KindPositive})
	assert.Equal(t, domain.KindInvalidInput, domain.KindOf(err))

	_, err = s.Record(ctx, Entry{Query: "q", Kind: Kind("meh")})
	assert.Equal(t, domain.KindInvalidInput, domain.KindOf(err))

	_, err = s.Record(ctx, Entry{Query: "q", Kind: KindPositive, Dimensions: map[string]float64{"accuracy": 1.4}})
	assert.Equal(t, domain.KindInvalidInput, domain.KindOf(err))

	id, err := s.Record(ctx, Entry{Query: "q", Response: "a", Kind: KindPositive})
	require.NoError(t, err)
	assert.NotEmpty(t, id)
}

func TestRecordPersistsAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "feedback.db")
	ctx := context.Background()

	s, err := NewStore(path)
	require.NoError(t, err)
	_, err = s.Record(ctx, Entry{
		Query: "what is the allowance?", Response: "20 days", Kind: KindCorrection,
		Correction: "25 days", Dimensions: map[string]float64{"accuracy": 0.2},
	})
	require.NoError(t, err)
	require.NoError(t, s.Close())

	s, err = NewStore(path)
	require.NoError(t, err)
	defer s.Close()

	entries, err := s.ForQuery(ctx, "What is the allowance")
	require.NoError(t, err)
	require.Len(t, entries, 1, "normalized hash matches the variant spelling")
	assert.Equal(t, KindCorrection, entries[0].Kind)
	assert.Equal(t, "25 days", entries[0].Correction)
	assert.Equal(t, 0.2, entries[0].Dimensions["accuracy"])
}

func TestAggregateRatesAndIssues(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	q := "what is the allowance?"

	for _, e := range []Entry{
		{Query: q, Kind: KindPositive, Dimensions: map[string]float64{"accuracy": 0.9}},
		{Query: q, Kind: KindAccept, Dimensions: map[string]float64{"accuracy": 0.8}},
		{Query: q, Kind: KindNegative, Dimensions: map[string]float64{"accuracy": 0.3, "clarity": 0.4}},
		{Query: q, Kind: KindCorrection, Correction: "fix it"},
		{Query: "unrelated question", Kind: KindNegative},
	} {
		_, err := s.Record(ctx, e)
		require.NoError(t, err)
	}

	sum, err := s.Aggregate(ctx, q)
	require.NoError(t, err)
	assert.Equal(t, 4, sum.Total)
	assert.Equal(t, 0.5, sum.PositiveRate)
	assert.Equal(t, 0.5, sum.NegativeRate)
	assert.InDelta(t, 0.6667, sum.AvgByDim["accuracy"], 0.001)
	assert.Equal(t, 0.4, sum.AvgByDim["clarity"])
	assert.Contains(t, sum.CommonIssues, "low clarity scores")
	assert.Contains(t, sum.CommonIssues, "answers required user corrections")
	assert.Contains(t, sum.Recommendations, "surface stored corrections as additional context")

	all, err := s.Aggregate(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, 5, all.Total)
}

func TestTuneBoundsKnobs(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	// All negative: temperature floors at base-0.3, retrieval k rises.
	for i := 0; i < 4; i++ {
		_, err := s.Record(ctx, Entry{
			Query: "bad query", Kind: KindNegative,
			Dimensions: map[string]float64{"completeness": 0.1},
		})
		require.NoError(t, err)
	}
	tuning, err := s.Tune(ctx, "bad query", 0.7)
	require.NoError(t, err)
	assert.InDelta(t, 0.4, tuning.Temperature, 1e-9)
	assert.Equal(t, 5, tuning.RetrievalKDelta)
	assert.Equal(t, 400, tuning.MaxTokensDelta)

	// All positive: temperature ceilings at base+0.3, retrieval k drops.
	for i := 0; i < 4; i++ {
		_, err := s.Record(ctx, Entry{Query: "good query", Kind: KindAccept})
		require.NoError(t, err)
	}
	tuning, err = s.Tune(ctx, "good query", 0.7)
	require.NoError(t, err)
	assert.InDelta(t, 1.0, tuning.Temperature, 1e-9)
	assert.Equal(t, -2, tuning.RetrievalKDelta)
	assert.Equal(t, 0, tuning.MaxTokensDelta, "no completeness signal means no token change")

	// No feedback at all: everything stays at base.
	tuning, err = s.Tune(ctx, "never seen", 0.7)
	require.NoError(t, err)
	assert.InDelta(t, 0.7, tuning.Temperature, 1e-9)
	assert.Equal(t, 0, tuning.RetrievalKDelta)
	assert.Equal(t, 0, tuning.MaxTokensDelta)
}
