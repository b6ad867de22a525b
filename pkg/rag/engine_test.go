package rag

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/groundline-ai/groundline/pkg/domain"
	"github.com/groundline-ai/groundline/pkg/gateway"
	"github.com/groundline-ai/groundline/pkg/graph"
	"github.com/groundline-ai/groundline/pkg/store"
)

type fixture struct {
	chunks  *store.ChunkStore
	vectors *store.VectorIndex
	keyword *store.KeywordIndex
	backend *gateway.StaticBackend
	graph   *graph.Graph
	ing     *Ingestor
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	dir := t.TempDir()

	chunks, err := store.NewChunkStore(filepath.Join(dir, "chunks.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = chunks.Close() })

	vectors, err := store.NewVectorIndex(filepath.Join(dir, "vectors.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = vectors.Close() })

	keyword, err := store.NewKeywordIndex(filepath.Join(dir, "keyword.bleve"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = keyword.Close() })

	f := &fixture{
		chunks:  chunks,
		vectors: vectors,
		keyword: keyword,
		backend: gateway.NewStaticBackend(16),
		graph:   graph.New(),
	}
	f.ing = NewIngestor(chunks, vectors, keyword, f.backend, f.graph)
	return f
}

func (f *fixture) engine(opts ...EngineOption) *Engine {
	return NewEngine(f.chunks, f.vectors, f.keyword, f.backend, opts...)
}

func (f *fixture) mustIngest(t *testing.T, uri, content string) domain.Source {
	t.Helper()
	src, err := f.ing.Ingest(context.Background(), uri, domain.SourceText, "text/plain", content)
	require.NoError(t, err)
	return src
}

func TestRetrieveEmptyCorpus(t *testing.T) {
	f := newFixture(t)
	e := f.engine()

	resp, err := e.Retrieve(context.Background(), "anything", Options{TopK: DefaultTopK})
	require.NoError(t, err)
	assert.Empty(t, resp.Results)
	assert.Empty(t, resp.PackedContext)

	_, err = e.Retrieve(context.Background(), "anything", Options{TopK: DefaultTopK, Strict: true})
	assert.Equal(t, domain.KindNotFound, domain.KindOf(err))
}

func TestRetrieveTopKZeroReturnsEmpty(t *testing.T) {
	f := newFixture(t)
	f.mustIngest(t, "leave.txt", "Annual leave allowance is 20 working days.")

	resp, err := f.engine().Retrieve(context.Background(), "annual leave", Options{TopK: 0})
	require.NoError(t, err)
	assert.Empty(t, resp.Results)
	assert.Empty(t, resp.PackedContext)

	// Negative values fall back to the default count.
	resp, err = f.engine().Retrieve(context.Background(), "annual leave", Options{TopK: -1})
	require.NoError(t, err)
	assert.NotEmpty(t, resp.Results)
}

func TestRetrieveRejectsEmptyQuery(t *testing.T) {
	f := newFixture(t)
	_, err := f.engine().Retrieve(context.Background(), "  ", Options{})
	assert.Equal(t, domain.KindInvalidInput, domain.KindOf(err))
}

func TestRetrieveHybridFindsRelevantChunk(t *testing.T) {
	f := newFixture(t)
	f.mustIngest(t, "leave.txt", "Annual leave allowance is 20 working days per year.")
	f.mustIngest(t, "sales.txt", "Quarterly sales grew by twelve percent in the north region.")

	resp, err := f.engine().Retrieve(context.Background(), "annual leave allowance days", Options{TopK: 2})
	require.NoError(t, err)
	require.NotEmpty(t, resp.Results)
	assert.Contains(t, resp.PackedContext, "Annual leave allowance")
	assert.Contains(t, resp.PackedContext, "[1]")
	require.NotEmpty(t, resp.Citations)
	assert.Equal(t, 1, resp.Citations[0].Index)
	assert.NotEmpty(t, resp.Citations[0].SourceID)
	assert.Positive(t, resp.TokenEst)
}

func TestRetrieveSparseOnly(t *testing.T) {
	f := newFixture(t)
	f.mustIngest(t, "leave.txt", "Annual leave allowance is 20 working days.")

	resp, err := f.engine().Retrieve(context.Background(), "annual leave", Options{TopK: DefaultTopK, Strategy: StrategySparse})
	require.NoError(t, err)
	require.NotEmpty(t, resp.Results)
	assert.Equal(t, domain.MatchSparse, resp.Results[0].MatchKind)
}

func TestRetrieveDenseFailsWithoutBackend(t *testing.T) {
	f := newFixture(t)
	f.mustIngest(t, "leave.txt", "Annual leave allowance is 20 working days.")

	e := NewEngine(f.chunks, f.vectors, f.keyword, nil)
	_, err := e.Retrieve(context.Background(), "annual leave", Options{TopK: DefaultTopK, Strategy: StrategyDense})
	assert.Equal(t, domain.KindBackendUnavailable, domain.KindOf(err))

	// Hybrid degrades to sparse instead of failing.
	resp, err := e.Retrieve(context.Background(), "annual leave", Options{TopK: DefaultTopK, Strategy: StrategyHybrid})
	require.NoError(t, err)
	assert.NotEmpty(t, resp.Results)
}

func TestRerankBreaksTies(t *testing.T) {
	f := newFixture(t)
	f.mustIngest(t, "a.txt", "Remote work policy allows three days per week from home.")
	f.mustIngest(t, "b.txt", "Remote work equipment budget covers one monitor.")

	f.backend.GenerateF = func(_ context.Context, prompt string, _ *domain.GenerationOptions) (string, error) {
		if strings.Contains(prompt, "equipment budget") {
			return "9", nil
		}
		return "2", nil
	}

	resp, err := f.engine(WithGenerator(f.backend)).Retrieve(context.Background(),
		"remote work monitor budget", Options{TopK: 2, Rerank: true})
	require.NoError(t, err)
	require.NotEmpty(t, resp.Results)
	for _, r := range resp.Results {
		assert.LessOrEqual(t, r.RerankScore, 1.0)
	}
}

func TestRetrieveWithGraphExpansion(t *testing.T) {
	f := newFixture(t)
	f.mustIngest(t, "org.txt", "Jane Doe works at Acme Corp. Acme Corp is headquartered in Berlin.")

	resp, err := f.engine(WithGraph(f.graph)).Retrieve(context.Background(),
		"where is acme corp based", Options{TopK: 3, ExpandGraph: true})
	require.NoError(t, err)
	assert.Contains(t, resp.PackedContext, "—[located_in]→")
	assert.Contains(t, resp.PackedContext, "Acme Corp")
}

func TestRetrieveFilterBySource(t *testing.T) {
	f := newFixture(t)
	a := f.mustIngest(t, "a.txt", "The travel policy covers economy flights.")
	f.mustIngest(t, "b.txt", "The travel budget is reviewed yearly.")

	resp, err := f.engine().Retrieve(context.Background(), "travel policy", Options{
		TopK:     DefaultTopK,
		Strategy: StrategyDense,
		Filter:   store.Filter{"source_id": a.ID},
	})
	require.NoError(t, err)
	require.NotEmpty(t, resp.Results)
	for _, r := range resp.Results {
		assert.Equal(t, a.ID, r.SourceID)
	}
}

func TestPackerRespectsTokenBudget(t *testing.T) {
	f := newFixture(t)
	long := strings.Repeat("alpha beta gamma delta epsilon ", 40)
	f.mustIngest(t, "long.txt", long+" unique marker phrase")

	resp, err := f.engine().Retrieve(context.Background(), "unique marker phrase", Options{TopK: DefaultTopK, TokenBudget: 10})
	require.NoError(t, err)
	assert.NotEmpty(t, resp.Results, "results survive even when packing is skipped")
	assert.LessOrEqual(t, resp.TokenEst, 10)
	assert.Empty(t, resp.Citations)
}

func TestQueryRewriteExpandsVariants(t *testing.T) {
	f := newFixture(t)
	f.mustIngest(t, "vac.txt", "Employees accrue vacation at two days per month.")

	var prompts []string
	f.backend.GenerateF = func(_ context.Context, prompt string, _ *domain.GenerationOptions) (string, error) {
		prompts = append(prompts, prompt)
		if strings.Contains(prompt, "Rate how relevant") {
			return "5", nil
		}
		return "vacation accrual rate\nhow many vacation days per month\n", nil
	}

	resp, err := f.engine(WithGenerator(f.backend)).Retrieve(context.Background(),
		"vacation days", Options{TopK: 2})
	require.NoError(t, err)
	assert.NotEmpty(t, resp.Results)
	require.NotEmpty(t, prompts)
	assert.Contains(t, prompts[0], "Rewrite the search query")
}

func TestIngestDeleteCleansIndexes(t *testing.T) {
	f := newFixture(t)
	src := f.mustIngest(t, "doc.txt", "Acme Corp announced a new office in Berlin.")
	ctx := context.Background()

	chunks, err := f.chunks.ChunksBySource(ctx, src.ID)
	require.NoError(t, err)
	require.NotEmpty(t, chunks)
	chunkID := chunks[0].ID
	assert.True(t, f.vectors.Has(chunkID))

	require.NoError(t, f.chunks.DeleteSource(ctx, src.ID))
	assert.False(t, f.vectors.Has(chunkID))

	results, err := f.keyword.Search(ctx, "Acme Berlin office", 5)
	require.NoError(t, err)
	for _, r := range results {
		assert.NotEqual(t, chunkID, r.ChunkID)
	}

	acme, ok := f.graph.EntityByName("Acme Corp", "")
	require.True(t, ok)
	assert.Empty(t, acme.Mentions)
}

func TestIngestPendingEmbedWithoutBackend(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	ing := NewIngestor(f.chunks, f.vectors, f.keyword, nil, nil)
	src, err := ing.Ingest(ctx, "late.txt", domain.SourceText, "text/plain", "content embedded later")
	require.NoError(t, err)

	pending, err := f.chunks.PendingEmbed(ctx, src.ID)
	require.NoError(t, err)
	assert.True(t, pending)

	// A backend shows up: Reindex completes the source.
	ing.embedder = f.backend
	done, err := ing.Reindex(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, done)

	pending, err = f.chunks.PendingEmbed(ctx, src.ID)
	require.NoError(t, err)
	assert.False(t, pending)
}

func TestChunkerOverlap(t *testing.T) {
	words := make([]string, 0, 700)
	for i := 0; i < 700; i++ {
		words = append(words, fmt.Sprintf("w%d", i))
	}
	c := Chunker{Size: 300, Overlap: 50}
	parts := c.Split(strings.Join(words, " "))
	require.Len(t, parts, 3)

	first := strings.Fields(parts[0])
	second := strings.Fields(parts[1])
	assert.Len(t, first, 300)
	assert.Equal(t, first[250:], second[:50], "windows overlap by 50 words")

	assert.Len(t, Chunker{Size: 300}.Split("short text"), 1)
	assert.Empty(t, Chunker{}.Split("   "))
}
