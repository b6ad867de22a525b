// Package rag implements the retrieval engine: hybrid dense/sparse
// search with reciprocal-rank fusion, optional generation-based
// reranking and query rewriting, graph expansion, and context packing
// with citation anchors.
package rag

import (
	"context"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/groundline-ai/groundline/pkg/domain"
	"github.com/groundline-ai/groundline/pkg/graph"
	"github.com/groundline-ai/groundline/pkg/log"
	"github.com/groundline-ai/groundline/pkg/store"
	"github.com/groundline-ai/groundline/pkg/tokens"
	"github.com/groundline-ai/groundline/pkg/trace"
)

// Strategy selects which indexes a retrieval consults.
type Strategy string

const (
	StrategyDense  Strategy = "dense"
	StrategySparse Strategy = "sparse"
	StrategyHybrid Strategy = "hybrid"
)

// Fusion constants. RRF rank constant 60 is the usual choice; the
// hybrid weights favor dense.
const (
	rrfK         = 60.0
	denseWeight  = 0.7
	sparseWeight = 0.3

	// graphWeight merges graph-referenced chunks at low weight.
	graphWeight = 0.1

	defaultTokenBudget = 3000
	rerankCap          = 20
)

// DefaultTopK is the result count used when callers pass a negative
// TopK.
const DefaultTopK = 5

// Options controls a single retrieval.
type Options struct {
	// TopK is the result count. Zero asks for no results; a negative
	// value selects DefaultTopK.
	TopK        int
	Filter      store.Filter
	Strategy    Strategy
	Rerank      bool
	ExpandGraph bool
	GraphDepth  int
	Strict      bool // empty corpus becomes an error instead of an empty response
	TokenBudget int
}

func (o *Options) applyDefaults() {
	if o.TopK < 0 {
		o.TopK = DefaultTopK
	}
	if o.Strategy == "" {
		o.Strategy = StrategyHybrid
	}
	if o.GraphDepth <= 0 {
		o.GraphDepth = 2
	}
	if o.TokenBudget <= 0 {
		o.TokenBudget = defaultTokenBudget
	}
}

// Engine wires the stores, the model gateway, and the knowledge graph
// into the retrieval pipeline. Graph and generator are optional;
// without a generator, rewriting and reranking are disabled.
type Engine struct {
	chunks    *store.ChunkStore
	vectors   *store.VectorIndex
	keyword   *store.KeywordIndex
	embedder  domain.Embedder
	generator domain.Generator
	graph     *graph.Graph
	estimator domain.TokenEstimator
	tracer    *trace.Tracer
	rewriter  *Rewriter
	logger    *slog.Logger
}

// EngineOption configures an Engine.
type EngineOption func(*Engine)

// WithGenerator enables rewrite and rerank.
func WithGenerator(g domain.Generator) EngineOption {
	return func(e *Engine) {
		e.generator = g
		e.rewriter = &Rewriter{Generator: g}
	}
}

// WithGraph enables graph expansion.
func WithGraph(g *graph.Graph) EngineOption {
	return func(e *Engine) { e.graph = g }
}

// WithTracer attaches span recording to retrievals.
func WithTracer(t *trace.Tracer) EngineOption {
	return func(e *Engine) { e.tracer = t }
}

// NewEngine builds a retrieval engine over the given stores.
func NewEngine(chunks *store.ChunkStore, vectors *store.VectorIndex, keyword *store.KeywordIndex, embedder domain.Embedder, opts ...EngineOption) *Engine {
	e := &Engine{
		chunks:    chunks,
		vectors:   vectors,
		keyword:   keyword,
		embedder:  embedder,
		estimator: tokens.Default(),
		logger:    log.WithModule("rag"),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// fusedResult carries ranking state through the pipeline. Score on the
// embedded result is the fused score once fusion has run.
type fusedResult struct {
	domain.RetrievalResult
	ingestTime time.Time
	ordinal    int
}

// Retrieve runs the full pipeline: rewrite, dense+sparse fan-out, RRF
// fusion, rerank, graph expansion, context packing.
func (e *Engine) Retrieve(ctx context.Context, query string, opts Options) (*domain.RetrievalResponse, error) {
	if strings.TrimSpace(query) == "" {
		return nil, domain.E(domain.KindInvalidInput, "empty query")
	}
	opts.applyDefaults()
	if opts.TopK == 0 {
		return &domain.RetrievalResponse{}, nil
	}

	ctx, span := e.startSpan(ctx, query, opts)
	var retErr error
	defer func() { span.Finish(retErr) }()

	stats, err := e.chunks.Stats(ctx)
	if err != nil {
		retErr = err
		return nil, err
	}
	if stats.TotalChunks == 0 {
		if opts.Strict {
			retErr = domain.E(domain.KindNotFound, "empty corpus: no chunks indexed")
			return nil, retErr
		}
		return &domain.RetrievalResponse{}, nil
	}

	queries := []string{query}
	if e.rewriter != nil {
		if rewrites, err := e.rewriter.Rewrite(ctx, query); err == nil {
			queries = append(queries, rewrites...)
		} else {
			e.logger.Warn("query rewrite failed", "error", err)
		}
	}

	fused, err := e.search(ctx, queries, opts.TopK*3, opts)
	if err != nil {
		retErr = err
		return nil, err
	}

	if opts.Rerank && e.generator != nil {
		e.rerank(ctx, query, fused)
	}

	var graphContext string
	if opts.ExpandGraph && e.graph != nil {
		fused, graphContext = e.expandGraph(ctx, query, opts.GraphDepth, fused)
	}

	fused = e.hydrate(ctx, fused)
	sortResults(fused)
	if len(fused) > opts.TopK {
		fused = fused[:opts.TopK]
	}

	resp := e.pack(fused, graphContext, opts.TokenBudget)
	span.SetAttr("results", len(resp.Results))
	span.SetAttr("token_est", resp.TokenEst)
	return resp, nil
}

func (e *Engine) startSpan(ctx context.Context, query string, opts Options) (context.Context, *trace.Span) {
	if e.tracer == nil {
		return ctx, nil
	}
	ctx, span := e.tracer.Start(ctx, "rag.retrieve", trace.KindInternal)
	span.SetAttr("strategy", string(opts.Strategy))
	span.SetAttr("top_k", opts.TopK)
	span.SetAttr("query_len", len(query))
	return ctx, span
}

type rankedList struct {
	weight  float64
	results []domain.RetrievalResult
}

// search fans dense and sparse lookups out per query variant and fuses
// the ranked lists with weighted reciprocal-rank fusion.
func (e *Engine) search(ctx context.Context, queries []string, candidates int, opts Options) ([]*fusedResult, error) {
	var mu sync.Mutex
	var lists []rankedList
	appendList := func(l rankedList) {
		mu.Lock()
		lists = append(lists, l)
		mu.Unlock()
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, q := range queries {
		q := q
		if opts.Strategy == StrategyDense || opts.Strategy == StrategyHybrid {
			g.Go(func() error {
				results, err := e.denseSearch(gctx, q, candidates, opts.Filter)
				if err != nil {
					if opts.Strategy == StrategyDense {
						return err
					}
					// Hybrid degrades to sparse when embedding is down.
					e.logger.Warn("dense search degraded", "error", err)
					return nil
				}
				appendList(rankedList{weight: denseWeight, results: results})
				return nil
			})
		}
		if opts.Strategy == StrategySparse || opts.Strategy == StrategyHybrid {
			g.Go(func() error {
				results, err := e.keyword.Search(gctx, q, candidates)
				if err != nil {
					return err
				}
				appendList(rankedList{weight: sparseWeight, results: results})
				return nil
			})
		}
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	// Single-strategy retrievals still go through RRF so multi-query
	// variants fuse; the leg weight collapses to 1.
	byID := map[string]*fusedResult{}
	for _, list := range lists {
		weight := list.weight
		if opts.Strategy != StrategyHybrid {
			weight = 1
		}
		for rank, r := range list.results {
			f, ok := byID[r.ChunkID]
			if !ok {
				f = &fusedResult{RetrievalResult: r}
				f.Score = 0
				byID[r.ChunkID] = f
			}
			f.Score += weight / (rrfK + float64(rank+1))
			if r.MatchKind == domain.MatchDense {
				f.MatchKind = domain.MatchDense
			}
		}
	}

	fused := make([]*fusedResult, 0, len(byID))
	for _, f := range byID {
		fused = append(fused, f)
	}
	return fused, nil
}

func (e *Engine) denseSearch(ctx context.Context, query string, k int, filter store.Filter) ([]domain.RetrievalResult, error) {
	if e.embedder == nil {
		return nil, domain.E(domain.KindBackendUnavailable, "no embedding backend")
	}
	vec, err := e.embedder.Embed(ctx, query)
	if err != nil {
		return nil, err
	}
	matches, err := e.vectors.Query(ctx, vec, k, filter)
	if err != nil {
		return nil, err
	}
	results := make([]domain.RetrievalResult, 0, len(matches))
	for _, m := range matches {
		results = append(results, domain.RetrievalResult{
			ChunkID:   m.ID,
			Score:     m.Score,
			MatchKind: domain.MatchDense,
		})
	}
	return results, nil
}

// expandGraph merges chunks referenced by query-matched entities at low
// weight and returns the serialized subgraph for the packed context.
// No matched entity means no graph context, silently.
func (e *Engine) expandGraph(ctx context.Context, query string, depth int, fused []*fusedResult) ([]*fusedResult, string) {
	exp, err := e.graph.ExpandForQuery(ctx, query, depth)
	if err != nil || len(exp.Entities) == 0 {
		return fused, ""
	}
	known := map[string]*fusedResult{}
	for _, f := range fused {
		known[f.ChunkID] = f
	}
	for _, chunkID := range exp.ChunkIDs {
		if f, ok := known[chunkID]; ok {
			f.Score += graphWeight / rrfK
			continue
		}
		// Chunks only the graph knows about enter at the bottom.
		fused = append(fused, &fusedResult{RetrievalResult: domain.RetrievalResult{
			ChunkID:   chunkID,
			Score:     graphWeight / rrfK,
			MatchKind: domain.MatchGraph,
		}})
	}
	return fused, exp.Context
}

// hydrate fills chunk text, source id, ingest time, and ordinal from
// the chunk store; chunks deleted since indexing drop out.
func (e *Engine) hydrate(ctx context.Context, fused []*fusedResult) []*fusedResult {
	out := fused[:0]
	sources := map[string]time.Time{}
	for _, f := range fused {
		chunk, err := e.chunks.Get(ctx, f.ChunkID)
		if err != nil {
			continue
		}
		f.Text = chunk.Text
		f.SourceID = chunk.SourceID
		f.ordinal = chunk.Ordinal
		if ts, ok := sources[chunk.SourceID]; ok {
			f.ingestTime = ts
		} else if src, err := e.chunks.GetSource(ctx, chunk.SourceID); err == nil {
			sources[chunk.SourceID] = src.IngestTime
			f.ingestTime = src.IngestTime
		}
		out = append(out, f)
	}
	return out
}

// sortResults orders by fused score, then rerank score, then newer
// source ingest time, then lower ordinal.
func sortResults(fused []*fusedResult) {
	sort.Slice(fused, func(i, j int) bool {
		a, b := fused[i], fused[j]
		if a.Score != b.Score {
			return a.Score > b.Score
		}
		if a.RerankScore != b.RerankScore {
			return a.RerankScore > b.RerankScore
		}
		if !a.ingestTime.Equal(b.ingestTime) {
			return a.ingestTime.After(b.ingestTime)
		}
		return a.ordinal < b.ordinal
	})
}
