package router

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/groundline-ai/groundline/pkg/domain"
	"github.com/groundline-ai/groundline/pkg/gateway"
)

func TestKeywordMatchScore(t *testing.T) {
	r := New(nil)
	require.NoError(t, r.Register(Route{
		Name:     "writing",
		Keywords: []string{"write", "draft"},
		Priority: 5,
	}))

	matches, err := r.Route(context.Background(), "please draft a note", Options{})
	require.NoError(t, err)
	require.Len(t, matches, 1)
	assert.Equal(t, "writing", matches[0].Route)
	assert.Equal(t, MatchKeyword, matches[0].Kind)
	assert.InDelta(t, 0.705, matches[0].Score, 1e-9)
}

func TestPatternBeatsKeyword(t *testing.T) {
	r := New(nil)
	require.NoError(t, r.Register(Route{
		Name:     "rag_search",
		Keywords: []string{"what"},
		Regexes:  []string{`(?i)^what\b.*\?`},
		Priority: 10,
	}))

	matches, err := r.Route(context.Background(), "What is the policy?", Options{})
	require.NoError(t, err)
	require.Len(t, matches, 1)
	assert.Equal(t, MatchPattern, matches[0].Kind, "pattern wins when both strategies hit")
	assert.InDelta(t, 0.81, matches[0].Score, 1e-9)
}

func TestFallbackWhenNothingMatches(t *testing.T) {
	r := NewWithDefaults(nil)
	matches, err := r.Route(context.Background(), "zzz qqq xyzzy", Options{})
	require.NoError(t, err)
	require.Len(t, matches, 1)
	assert.Equal(t, "fallback", matches[0].Route)
	assert.Equal(t, MatchFallback, matches[0].Kind)
	assert.Equal(t, 0.0, matches[0].Confidence)
	assert.Equal(t, 0.0, matches[0].Score)
}

func TestHybridMixesSemanticAndLexical(t *testing.T) {
	r := New(gateway.NewStaticBackend(32))
	require.NoError(t, r.Register(Route{
		Name:        "analysis",
		Description: "analyze compare summarize data reports trends",
		Keywords:    []string{"analyze"},
		Examples:    []string{"analyze the quarterly data"},
		Priority:    5,
	}))

	matches, err := r.Route(context.Background(), "analyze the quarterly data trends", Options{})
	require.NoError(t, err)
	require.Len(t, matches, 1)
	assert.Equal(t, MatchHybrid, matches[0].Kind)
	// Hybrid is bounded by its components.
	assert.Greater(t, matches[0].Score, 0.3)
	assert.Less(t, matches[0].Score, 1.0)
}

func TestTopKAndOrdering(t *testing.T) {
	r := New(nil)
	require.NoError(t, r.Register(Route{Name: "a", Keywords: []string{"report"}, Priority: 1}))
	require.NoError(t, r.Register(Route{Name: "b", Keywords: []string{"report"}, Priority: 9}))
	require.NoError(t, r.Register(Route{Name: "c", Keywords: []string{"report"}, Priority: 5}))

	matches, err := r.Route(context.Background(), "quarterly report", Options{TopK: 2})
	require.NoError(t, err)
	require.Len(t, matches, 2)
	assert.Equal(t, "b", matches[0].Route, "higher priority ranks first")
	assert.Equal(t, "c", matches[1].Route)
}

func TestRuntimeRegisterUnregister(t *testing.T) {
	r := NewWithDefaults(nil)
	require.Contains(t, r.Routes(), "web_search")

	r.Unregister("web_search")
	assert.NotContains(t, r.Routes(), "web_search")

	require.NoError(t, r.Register(Route{Name: "tickets", Keywords: []string{"ticket"}}))
	matches, err := r.Route(context.Background(), "open a ticket", Options{})
	require.NoError(t, err)
	assert.Equal(t, "tickets", matches[0].Route)
}

func TestRegisterRejectsBadRegex(t *testing.T) {
	r := New(nil)
	err := r.Register(Route{Name: "bad", Regexes: []string{"("}})
	assert.Equal(t, domain.KindInvalidInput, domain.KindOf(err))

	err = r.Register(Route{Name: "  "})
	assert.Equal(t, domain.KindInvalidInput, domain.KindOf(err))
}

func TestDefaultRoutesCoverStandardSet(t *testing.T) {
	r := NewWithDefaults(nil)
	names := r.Routes()
	for _, want := range []string{
		"rag_search", "analysis", "writing", "research",
		"general_chat", "web_search", "file_operation",
	} {
		assert.Contains(t, names, want)
	}

	matches, err := r.Route(context.Background(), "What is the annual leave allowance?", Options{})
	require.NoError(t, err)
	assert.Equal(t, "rag_search", matches[0].Route)
}
