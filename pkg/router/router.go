// Package router scores incoming queries against registered routes
// using keyword, pattern, and semantic strategies, composed into a
// hybrid score.
package router

import (
	"context"
	"math"
	"regexp"
	"sort"
	"strings"
	"sync"

	"github.com/groundline-ai/groundline/pkg/domain"
)

// MatchKind says which strategy produced (or dominated) a match.
type MatchKind string

const (
	MatchKeyword  MatchKind = "keyword"
	MatchPattern  MatchKind = "pattern"
	MatchSemantic MatchKind = "semantic"
	MatchHybrid   MatchKind = "hybrid"
	MatchFallback MatchKind = "fallback"
)

// Scoring constants.
const (
	keywordBase  = 0.7
	patternBase  = 0.8
	semanticSim  = 0.8
	semanticPrio = 0.2
	hybridKW     = 0.3
	hybridSem    = 0.7

	DefaultTopK          = 3
	DefaultMinConfidence = 0.3
)

// Route is one registered destination for queries.
type Route struct {
	Name        string
	Description string
	Keywords    []string
	Regexes     []string
	Examples    []string
	Priority    int // higher wins ties within a strategy

	compiled []*regexp.Regexp
}

// Match is one scored route.
type Match struct {
	Route      string
	Score      float64
	Confidence float64
	Kind       MatchKind
}

// Options tunes a single routing call.
type Options struct {
	TopK          int
	MinConfidence float64
}

// Router holds the route table. Routes can be added and removed at
// runtime; reads take the read lock.
type Router struct {
	mu       sync.RWMutex
	routes   map[string]*Route
	fallback string
	embedder domain.Embedder

	// route embedding cache, keyed by route name
	embedMu sync.Mutex
	embeds  map[string][]float64
}

// New creates a router. embedder may be nil; semantic scoring is then
// skipped and the hybrid score collapses to the lexical strategies.
func New(embedder domain.Embedder) *Router {
	return &Router{
		routes:   make(map[string]*Route),
		fallback: "fallback",
		embedder: embedder,
		embeds:   make(map[string][]float64),
	}
}

// NewWithDefaults creates a router pre-loaded with the standard route
// set.
func NewWithDefaults(embedder domain.Embedder) *Router {
	r := New(embedder)
	for _, route := range DefaultRoutes() {
		// Defaults are static; compilation cannot fail.
		_ = r.Register(route)
	}
	return r
}

// Register adds or replaces a route. Invalid regexes are rejected.
func (r *Router) Register(route Route) error {
	if strings.TrimSpace(route.Name) == "" {
		return domain.E(domain.KindInvalidInput, "empty route name")
	}
	route.compiled = nil
	for _, expr := range route.Regexes {
		re, err := regexp.Compile(expr)
		if err != nil {
			return domain.Wrap(domain.KindInvalidInput, "invalid route regex", err)
		}
		route.compiled = append(route.compiled, re)
	}
	r.mu.Lock()
	r.routes[route.Name] = &route
	r.mu.Unlock()

	r.embedMu.Lock()
	delete(r.embeds, route.Name)
	r.embedMu.Unlock()
	return nil
}

// Unregister removes a route.
func (r *Router) Unregister(name string) {
	r.mu.Lock()
	delete(r.routes, name)
	r.mu.Unlock()
	r.embedMu.Lock()
	delete(r.embeds, name)
	r.embedMu.Unlock()
}

// SetFallback names the route returned when nothing clears the
// confidence floor.
func (r *Router) SetFallback(name string) {
	r.mu.Lock()
	r.fallback = name
	r.mu.Unlock()
}

// Routes lists registered route names.
func (r *Router) Routes() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.routes))
	for name := range r.routes {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Route scores the query against every registered route and returns the
// top matches. When no route clears min_confidence a single fallback
// match is returned.
func (r *Router) Route(ctx context.Context, query string, opts Options) ([]Match, error) {
	if strings.TrimSpace(query) == "" {
		return nil, domain.E(domain.KindInvalidInput, "empty query")
	}
	if opts.TopK <= 0 {
		opts.TopK = DefaultTopK
	}
	if opts.MinConfidence <= 0 {
		opts.MinConfidence = DefaultMinConfidence
	}

	r.mu.RLock()
	routes := make([]*Route, 0, len(r.routes))
	for _, route := range r.routes {
		routes = append(routes, route)
	}
	fallback := r.fallback
	r.mu.RUnlock()

	queryLower := strings.ToLower(query)
	var matches []Match
	for _, route := range routes {
		if ctx.Err() != nil {
			return nil, domain.Wrap(domain.KindCancelled, "routing cancelled", ctx.Err())
		}
		m, ok := r.scoreRoute(ctx, route, query, queryLower, opts.MinConfidence)
		if ok {
			matches = append(matches, m)
		}
	}

	sort.Slice(matches, func(i, j int) bool {
		if matches[i].Score != matches[j].Score {
			return matches[i].Score > matches[j].Score
		}
		return matches[i].Route < matches[j].Route
	})

	var passed []Match
	for _, m := range matches {
		if m.Confidence >= opts.MinConfidence {
			passed = append(passed, m)
		}
	}
	if len(passed) == 0 {
		return []Match{{Route: fallback, Score: 0, Confidence: 0, Kind: MatchFallback}}, nil
	}
	if len(passed) > opts.TopK {
		passed = passed[:opts.TopK]
	}
	return passed, nil
}

// scoreRoute runs the strategies for one route. A route is scored once:
// the lexical score is the best of pattern and keyword (pattern wins
// ties through its higher base), then the hybrid mix folds in the
// semantic score when an embedder is available.
func (r *Router) scoreRoute(ctx context.Context, route *Route, query, queryLower string, minConfidence float64) (Match, bool) {
	var lexical float64
	kind := MatchKind("")

	for _, kw := range route.Keywords {
		if kw != "" && strings.Contains(queryLower, strings.ToLower(kw)) {
			lexical = keywordBase + float64(route.Priority)/1000
			kind = MatchKeyword
			break
		}
	}
	for _, re := range route.compiled {
		if re.MatchString(query) {
			lexical = patternBase + float64(route.Priority)/1000
			kind = MatchPattern
			break
		}
	}

	semantic := 0.0
	if r.embedder != nil {
		if sim, ok := r.semanticSim(ctx, route, query); ok && sim >= minConfidence {
			semantic = semanticSim*sim + semanticPrio*(float64(route.Priority)/100)
		}
	}

	switch {
	case lexical > 0 && semantic > 0:
		score := hybridKW*lexical + hybridSem*semantic
		return Match{Route: route.Name, Score: score, Confidence: score, Kind: MatchHybrid}, true
	case lexical > 0:
		return Match{Route: route.Name, Score: lexical, Confidence: lexical, Kind: kind}, true
	case semantic > 0:
		return Match{Route: route.Name, Score: semantic, Confidence: semantic, Kind: MatchSemantic}, true
	default:
		return Match{}, false
	}
}

// semanticSim returns cosine similarity between the query and the
// route's description+examples embedding, cached per route.
func (r *Router) semanticSim(ctx context.Context, route *Route, query string) (float64, bool) {
	queryVec, err := r.embedder.Embed(ctx, query)
	if err != nil {
		return 0, false
	}

	r.embedMu.Lock()
	routeVec, ok := r.embeds[route.Name]
	r.embedMu.Unlock()
	if !ok {
		text := route.Description
		if len(route.Examples) > 0 {
			text += "\n" + strings.Join(route.Examples, "\n")
		}
		routeVec, err = r.embedder.Embed(ctx, text)
		if err != nil {
			return 0, false
		}
		r.embedMu.Lock()
		r.embeds[route.Name] = routeVec
		r.embedMu.Unlock()
	}
	return cosine(queryVec, routeVec), true
}

func cosine(a, b []float64) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += a[i] * b[i]
		na += a[i] * a[i]
		nb += b[i] * b[i]
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}

// DefaultRoutes is the standard route set registered at startup.
func DefaultRoutes() []Route {
	return []Route{
		{
			Name:        "rag_search",
			Description: "questions answerable from the indexed document corpus",
			Keywords:    []string{"document", "docs", "knowledge base", "according to", "what does"},
			Regexes:     []string{`(?i)^(what|who|when|where|which|how (?:much|many))\b.*\?`},
			Examples:    []string{"what does the leave policy say?", "who approves travel requests?"},
			Priority:    10,
		},
		{
			Name:        "analysis",
			Description: "analyzing, comparing, or summarizing data and text",
			Keywords:    []string{"analyze", "analysis", "compare", "summarize", "trend", "risk"},
			Examples:    []string{"compare the two proposals", "summarize the quarterly report"},
			Priority:    5,
		},
		{
			Name:        "writing",
			Description: "drafting emails, reports, proposals, or other prose",
			Keywords:    []string{"write", "draft", "compose", "email", "report", "proposal"},
			Examples:    []string{"write an email to the team", "draft a project proposal"},
			Priority:    5,
		},
		{
			Name:        "research",
			Description: "multi-source research and synthesis tasks",
			Keywords:    []string{"research", "investigate", "find out", "deep dive"},
			Examples:    []string{"research vector database options"},
			Priority:    5,
		},
		{
			Name:        "general_chat",
			Description: "casual conversation and small talk",
			Keywords:    []string{"hello", "hi ", "thanks", "how are you"},
			Examples:    []string{"hey there", "thanks for the help"},
			Priority:    0,
		},
		{
			Name:        "web_search",
			Description: "questions about current events or anything outside the corpus",
			Keywords:    []string{"latest", "news", "current", "today", "search the web"},
			Examples:    []string{"latest release of the framework"},
			Priority:    3,
		},
		{
			Name:        "file_operation",
			Description: "reading, writing, or listing files",
			Keywords:    []string{"file", "directory", "folder", "save to", "read the file"},
			Examples:    []string{"list the files in the data directory"},
			Priority:    3,
		},
	}
}
