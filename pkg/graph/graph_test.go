package graph

import (
	"context"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/groundline-ai/groundline/pkg/domain"
)

func TestUpsertEntityIdempotent(t *testing.T) {
	g := New()
	ctx := context.Background()

	e1, err := g.UpsertEntity(ctx, "Acme Corp", EntityOrg, 0.5, "chunk-1")
	require.NoError(t, err)

	e2, err := g.UpsertEntity(ctx, "acme corp", EntityOrg, 0.9, "chunk-2")
	require.NoError(t, err)

	assert.Equal(t, e1.ID, e2.ID, "same canonical name and kind merges")
	assert.Equal(t, 0.9, e2.Confidence, "confidence keeps the max")
	assert.Equal(t, []string{"chunk-1", "chunk-2"}, e2.Mentions)

	// Lower confidence does not regress.
	e3, err := g.UpsertEntity(ctx, "Acme Corp", EntityOrg, 0.3, "chunk-2")
	require.NoError(t, err)
	assert.Equal(t, 0.9, e3.Confidence)
	assert.Len(t, e3.Mentions, 2, "duplicate mention not appended")
}

func TestUpsertRelationIncrementsWeight(t *testing.T) {
	g := New()
	ctx := context.Background()

	a, _ := g.UpsertEntity(ctx, "Jane Doe", EntityPerson, 0.8, "c1")
	b, _ := g.UpsertEntity(ctx, "Acme Corp", EntityOrg, 0.8, "c1")

	r1, err := g.UpsertRelation(ctx, a.ID, "works_at", b.ID, 1, 0.5, "c1")
	require.NoError(t, err)
	assert.Equal(t, 1.0, r1.Weight)

	r2, err := g.UpsertRelation(ctx, a.ID, "works_at", b.ID, 1, 0.7, "c2")
	require.NoError(t, err)
	assert.Equal(t, r1.ID, r2.ID, "re-observed triple reinforces, not duplicates")
	assert.Equal(t, 2.0, r2.Weight)
	assert.Equal(t, 0.7, r2.Confidence)

	_, err = g.UpsertRelation(ctx, a.ID, "works_at", b.ID, 0, 0.5, "c1")
	assert.Equal(t, domain.KindInvalidInput, domain.KindOf(err))

	_, err = g.UpsertRelation(ctx, "missing", "works_at", b.ID, 1, 0.5, "c1")
	assert.Equal(t, domain.KindNotFound, domain.KindOf(err))
}

func buildChain(t *testing.T, g *Graph, names ...string) []string {
	t.Helper()
	ctx := context.Background()
	ids := make([]string, len(names))
	for i, name := range names {
		e, err := g.UpsertEntity(ctx, name, EntityConcept, 0.8, "c1")
		require.NoError(t, err)
		ids[i] = e.ID
	}
	for i := 0; i+1 < len(ids); i++ {
		_, err := g.UpsertRelation(ctx, ids[i], "linked_to", ids[i+1], 1, 0.8, "c1")
		require.NoError(t, err)
	}
	return ids
}

func TestNeighborsDepth(t *testing.T) {
	g := New()
	ids := buildChain(t, g, "A", "B", "C", "D")

	sub, err := g.Neighbors(ids[0], 1, nil)
	require.NoError(t, err)
	assert.Len(t, sub.Entities, 2) // A, B
	assert.Len(t, sub.Relations, 1)

	sub, err = g.Neighbors(ids[0], 2, nil)
	require.NoError(t, err)
	assert.Len(t, sub.Entities, 3) // A, B, C

	_, err = g.Neighbors("missing", 1, nil)
	assert.Equal(t, domain.KindNotFound, domain.KindOf(err))
}

func TestPathBFS(t *testing.T) {
	g := New()
	ids := buildChain(t, g, "A", "B", "C", "D")

	path, err := g.Path(ids[0], ids[3], 5)
	require.NoError(t, err)
	require.Len(t, path, 4)
	assert.Equal(t, "A", path[0].CanonicalName)
	assert.Equal(t, "D", path[3].CanonicalName)

	// Bounded depth: D is 3 hops away.
	_, err = g.Path(ids[0], ids[3], 2)
	assert.Equal(t, domain.KindNotFound, domain.KindOf(err))
}

func TestPatternExtractor(t *testing.T) {
	text := "Jane Doe works at Acme Corp. Acme Corp is headquartered in Berlin."
	mentions, triples, err := PatternExtractor{}.Extract(context.Background(), text)
	require.NoError(t, err)

	names := make([]string, len(mentions))
	for i, m := range mentions {
		names[i] = m.Name
	}
	assert.Contains(t, names, "Jane Doe")
	assert.Contains(t, names, "Acme Corp")
	assert.Contains(t, names, "Berlin")

	require.Len(t, triples, 2)
	assert.Equal(t, "works_at", triples[0].Kind)
	assert.Equal(t, "located_in", triples[1].Kind)
}

func TestObserveBuildsGraph(t *testing.T) {
	g := New()
	ctx := context.Background()
	text := "Jane Doe works at Acme Corp."
	require.NoError(t, g.Observe(ctx, PatternExtractor{}, "chunk-1", text, 0.5))

	jane, ok := g.EntityByName("Jane Doe", "")
	require.True(t, ok)
	assert.Equal(t, []string{"chunk-1"}, jane.Mentions)

	entities, relations := g.Stats()
	assert.Equal(t, 2, entities)
	assert.Equal(t, 1, relations)
}

func TestExpandForQuery(t *testing.T) {
	g := New()
	ctx := context.Background()
	require.NoError(t, g.Observe(ctx, PatternExtractor{}, "chunk-1",
		"Jane Doe works at Acme Corp.", 0.5))

	exp, err := g.ExpandForQuery(ctx, "where does jane doe work?", 2)
	require.NoError(t, err)
	require.NotEmpty(t, exp.Entities)
	assert.Contains(t, exp.Context, "Jane Doe —[works_at]→ Acme Corp")
	assert.Contains(t, exp.ChunkIDs, "chunk-1")

	// No matched entity: silent empty expansion, not an error.
	exp, err = g.ExpandForQuery(ctx, "weather tomorrow", 2)
	require.NoError(t, err)
	assert.Empty(t, exp.Entities)
	assert.Empty(t, exp.Context)
}

func TestSerializationBounds(t *testing.T) {
	g := New()
	ctx := context.Background()
	hub, _ := g.UpsertEntity(ctx, "Hub", EntityConcept, 0.9, "c1")
	for i := 0; i < 50; i++ {
		e, _ := g.UpsertEntity(ctx, "Node"+string(rune('A'+i%26))+string(rune('0'+i/26)), EntityConcept, 0.5, "c1")
		_, err := g.UpsertRelation(ctx, hub.ID, "linked_to", e.ID, 1, 0.5, "c1")
		require.NoError(t, err)
	}

	exp, err := g.ExpandForQuery(ctx, "hub", 1)
	require.NoError(t, err)
	lines := 0
	for _, line := range strings.Split(strings.TrimSpace(exp.Context), "\n") {
		if strings.Contains(line, "—[") {
			lines++
		}
	}
	assert.LessOrEqual(t, lines, 30, "relation lines are capped")
}

func TestRemoveChunkRefs(t *testing.T) {
	g := New()
	ctx := context.Background()
	require.NoError(t, g.Observe(ctx, PatternExtractor{}, "chunk-1",
		"Jane Doe works at Acme Corp.", 0.5))

	require.NoError(t, g.RemoveChunkRefs(ctx, []string{"chunk-1"}))
	jane, ok := g.EntityByName("Jane Doe", "")
	require.True(t, ok, "entities survive chunk deletion")
	assert.Empty(t, jane.Mentions)

	g.DecayImportance(0.5)
	jane, _ = g.EntityByName("Jane Doe", "")
	assert.InDelta(t, 0.25, jane.Confidence, 1e-9)
}

func TestSnapshotRoundTrip(t *testing.T) {
	g := New()
	ctx := context.Background()
	require.NoError(t, g.Observe(ctx, PatternExtractor{}, "chunk-1",
		"Jane Doe works at Acme Corp.", 0.5))

	snap, err := OpenSnapshot(filepath.Join(t.TempDir(), "graph.db"))
	require.NoError(t, err)
	defer func() { _ = snap.Close() }()

	require.NoError(t, snap.Save(ctx, g))
	loaded, err := snap.Load(ctx)
	require.NoError(t, err)

	entities, relations := loaded.Stats()
	assert.Equal(t, 2, entities)
	assert.Equal(t, 1, relations)

	jane, ok := loaded.EntityByName("Jane Doe", EntityConcept)
	require.True(t, ok)
	assert.Equal(t, []string{"chunk-1"}, jane.Mentions)

	// Re-observation after reload still reinforces instead of duplicating.
	require.NoError(t, loaded.Observe(ctx, PatternExtractor{}, "chunk-2",
		"Jane Doe works at Acme Corp.", 0.5))
	_, relations = loaded.Stats()
	assert.Equal(t, 1, relations)
}
