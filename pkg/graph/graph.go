// Package graph holds the knowledge graph: entities and directed,
// weighted relations extracted from chunks, with subgraph expansion for
// graph-augmented retrieval.
package graph

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/groundline-ai/groundline/pkg/domain"
)

// EntityKind classifies an entity.
type EntityKind string

const (
	EntityPerson  EntityKind = "person"
	EntityOrg     EntityKind = "org"
	EntityPlace   EntityKind = "place"
	EntityConcept EntityKind = "concept"
	EntityDoc     EntityKind = "doc"
)

// Entity is a node in the knowledge graph, idempotent on
// (canonical name, kind).
type Entity struct {
	ID            string         `json:"id"`
	CanonicalName string         `json:"canonical_name"`
	Kind          EntityKind     `json:"kind"`
	Attributes    map[string]any `json:"attributes,omitempty"`
	Confidence    float64        `json:"confidence"`
	Mentions      []string       `json:"mentions,omitempty"` // chunk ids
	UpdatedAt     time.Time      `json:"updated_at"`
}

// Relation is a directed, strictly positive weighted edge.
// Re-observation of an existing (src, kind, dst) triple increments the
// weight instead of duplicating the edge.
type Relation struct {
	ID           string    `json:"id"`
	SrcEntityID  string    `json:"src_entity_id"`
	DstEntityID  string    `json:"dst_entity_id"`
	Kind         string    `json:"kind"`
	Weight       float64   `json:"weight"`
	Confidence   float64   `json:"confidence"`
	SourceChunks []string  `json:"source_chunks,omitempty"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// Subgraph is the result of a neighborhood expansion.
type Subgraph struct {
	Entities  []Entity
	Relations []Relation
}

// Graph is the in-memory knowledge graph. Reads are concurrent;
// upserts take per-entity locks on top of the structural lock so
// concurrent observation of different entities does not serialize.
type Graph struct {
	mu        sync.RWMutex
	byID      map[string]*Entity
	byNameKey map[string]*Entity // canonical name|kind -> entity
	relations map[string]*Relation
	relKey    map[string]*Relation // src|kind|dst -> relation
	outgoing  map[string][]*Relation
	incoming  map[string][]*Relation

	lockMu      sync.Mutex
	entityLocks map[string]*sync.Mutex
}

// New creates an empty graph.
func New() *Graph {
	return &Graph{
		byID:        make(map[string]*Entity),
		byNameKey:   make(map[string]*Entity),
		relations:   make(map[string]*Relation),
		relKey:      make(map[string]*Relation),
		outgoing:    make(map[string][]*Relation),
		incoming:    make(map[string][]*Relation),
		entityLocks: make(map[string]*sync.Mutex),
	}
}

func nameKey(name string, kind EntityKind) string {
	return strings.ToLower(strings.TrimSpace(name)) + "|" + string(kind)
}

func (g *Graph) entityLock(key string) *sync.Mutex {
	g.lockMu.Lock()
	defer g.lockMu.Unlock()
	l, ok := g.entityLocks[key]
	if !ok {
		l = &sync.Mutex{}
		g.entityLocks[key] = l
	}
	return l
}

// UpsertEntity inserts or merges an entity. On re-observation the
// confidence keeps the maximum and the mention chunk id is appended.
func (g *Graph) UpsertEntity(_ context.Context, name string, kind EntityKind, confidence float64, mentionChunk string) (*Entity, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, domain.E(domain.KindInvalidInput, "empty entity name")
	}
	key := nameKey(name, kind)
	lock := g.entityLock(key)
	lock.Lock()
	defer lock.Unlock()

	g.mu.Lock()
	defer g.mu.Unlock()

	if e, ok := g.byNameKey[key]; ok {
		if confidence > e.Confidence {
			e.Confidence = confidence
		}
		if mentionChunk != "" && !contains(e.Mentions, mentionChunk) {
			e.Mentions = append(e.Mentions, mentionChunk)
		}
		e.UpdatedAt = time.Now()
		cp := *e
		return &cp, nil
	}

	e := &Entity{
		ID:            uuid.New().String(),
		CanonicalName: name,
		Kind:          kind,
		Confidence:    confidence,
		UpdatedAt:     time.Now(),
	}
	if mentionChunk != "" {
		e.Mentions = []string{mentionChunk}
	}
	g.byID[e.ID] = e
	g.byNameKey[key] = e
	cp := *e
	return &cp, nil
}

// UpsertRelation inserts or reinforces a directed relation between two
// existing entities. Weights are strictly positive.
func (g *Graph) UpsertRelation(_ context.Context, srcID, kind, dstID string, weight, confidence float64, sourceChunk string) (*Relation, error) {
	if weight <= 0 {
		return nil, domain.E(domain.KindInvalidInput, "relation weight must be positive")
	}
	if kind == "" {
		return nil, domain.E(domain.KindInvalidInput, "empty relation kind")
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	if _, ok := g.byID[srcID]; !ok {
		return nil, domain.Ef(domain.KindNotFound, "source entity %s not found", srcID)
	}
	if _, ok := g.byID[dstID]; !ok {
		return nil, domain.Ef(domain.KindNotFound, "destination entity %s not found", dstID)
	}

	key := srcID + "|" + kind + "|" + dstID
	if r, ok := g.relKey[key]; ok {
		r.Weight += weight
		if confidence > r.Confidence {
			r.Confidence = confidence
		}
		if sourceChunk != "" && !contains(r.SourceChunks, sourceChunk) {
			r.SourceChunks = append(r.SourceChunks, sourceChunk)
		}
		r.UpdatedAt = time.Now()
		cp := *r
		return &cp, nil
	}

	r := &Relation{
		ID:          uuid.New().String(),
		SrcEntityID: srcID,
		DstEntityID: dstID,
		Kind:        kind,
		Weight:      weight,
		Confidence:  confidence,
		UpdatedAt:   time.Now(),
	}
	if sourceChunk != "" {
		r.SourceChunks = []string{sourceChunk}
	}
	g.relations[r.ID] = r
	g.relKey[key] = r
	g.outgoing[srcID] = append(g.outgoing[srcID], r)
	g.incoming[dstID] = append(g.incoming[dstID], r)
	cp := *r
	return &cp, nil
}

// EntityByName looks an entity up by canonical name; kind narrows the
// match when non-empty.
func (g *Graph) EntityByName(name string, kind EntityKind) (*Entity, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	if kind != "" {
		e, ok := g.byNameKey[nameKey(name, kind)]
		if !ok {
			return nil, false
		}
		cp := *e
		return &cp, true
	}
	lowered := strings.ToLower(strings.TrimSpace(name))
	for key, e := range g.byNameKey {
		if strings.HasPrefix(key, lowered+"|") {
			cp := *e
			return &cp, true
		}
	}
	return nil, false
}

// Entity returns an entity by id.
func (g *Graph) Entity(id string) (*Entity, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	e, ok := g.byID[id]
	if !ok {
		return nil, false
	}
	cp := *e
	return &cp, true
}

// SearchEntities returns entities whose canonical names contain any of
// the given terms (case-insensitive), ordered by confidence.
func (g *Graph) SearchEntities(terms []string, limit int) []Entity {
	g.mu.RLock()
	defer g.mu.RUnlock()

	var out []Entity
	for _, e := range g.byID {
		lowered := strings.ToLower(e.CanonicalName)
		for _, term := range terms {
			term = strings.ToLower(strings.TrimSpace(term))
			if term == "" {
				continue
			}
			if strings.Contains(lowered, term) || strings.Contains(term, lowered) {
				out = append(out, *e)
				break
			}
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Confidence != out[j].Confidence {
			return out[i].Confidence > out[j].Confidence
		}
		return out[i].CanonicalName < out[j].CanonicalName
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

// Neighbors expands the subgraph around an entity up to depth hops,
// following edges in both directions. kinds, when non-empty, restricts
// the relation kinds traversed.
func (g *Graph) Neighbors(entityID string, depth int, kinds []string) (*Subgraph, error) {
	if depth <= 0 {
		depth = 1
	}
	g.mu.RLock()
	defer g.mu.RUnlock()

	if _, ok := g.byID[entityID]; !ok {
		return nil, domain.Ef(domain.KindNotFound, "entity %s not found", entityID)
	}

	kindSet := make(map[string]bool, len(kinds))
	for _, k := range kinds {
		kindSet[k] = true
	}

	seen := map[string]bool{entityID: true}
	seenRel := map[string]bool{}
	sub := &Subgraph{}
	frontier := []string{entityID}

	for hop := 0; hop < depth && len(frontier) > 0; hop++ {
		var next []string
		for _, id := range frontier {
			for _, r := range append(append([]*Relation(nil), g.outgoing[id]...), g.incoming[id]...) {
				if len(kindSet) > 0 && !kindSet[r.Kind] {
					continue
				}
				if !seenRel[r.ID] {
					seenRel[r.ID] = true
					sub.Relations = append(sub.Relations, *r)
				}
				for _, nodeID := range []string{r.SrcEntityID, r.DstEntityID} {
					if !seen[nodeID] {
						seen[nodeID] = true
						next = append(next, nodeID)
					}
				}
			}
		}
		frontier = next
	}

	for id := range seen {
		sub.Entities = append(sub.Entities, *g.byID[id])
	}
	sort.Slice(sub.Entities, func(i, j int) bool {
		return sub.Entities[i].CanonicalName < sub.Entities[j].CanonicalName
	})
	sort.Slice(sub.Relations, func(i, j int) bool {
		if sub.Relations[i].Weight != sub.Relations[j].Weight {
			return sub.Relations[i].Weight > sub.Relations[j].Weight
		}
		return sub.Relations[i].ID < sub.Relations[j].ID
	})
	return sub, nil
}

// Path finds a shortest path between two entities via BFS over
// undirected edges, bounded by maxDepth.
func (g *Graph) Path(a, b string, maxDepth int) ([]Entity, error) {
	if maxDepth <= 0 {
		maxDepth = 5
	}
	g.mu.RLock()
	defer g.mu.RUnlock()

	if _, ok := g.byID[a]; !ok {
		return nil, domain.Ef(domain.KindNotFound, "entity %s not found", a)
	}
	if _, ok := g.byID[b]; !ok {
		return nil, domain.Ef(domain.KindNotFound, "entity %s not found", b)
	}
	if a == b {
		return []Entity{*g.byID[a]}, nil
	}

	prev := map[string]string{a: ""}
	frontier := []string{a}
	for hop := 0; hop < maxDepth && len(frontier) > 0; hop++ {
		var next []string
		for _, id := range frontier {
			for _, r := range append(append([]*Relation(nil), g.outgoing[id]...), g.incoming[id]...) {
				for _, nodeID := range []string{r.SrcEntityID, r.DstEntityID} {
					if _, visited := prev[nodeID]; visited {
						continue
					}
					prev[nodeID] = id
					if nodeID == b {
						return g.buildPath(prev, a, b), nil
					}
					next = append(next, nodeID)
				}
			}
		}
		frontier = next
	}
	return nil, domain.Ef(domain.KindNotFound, "no path between %s and %s within %d hops", a, b, maxDepth)
}

func (g *Graph) buildPath(prev map[string]string, a, b string) []Entity {
	var ids []string
	for cur := b; cur != ""; cur = prev[cur] {
		ids = append(ids, cur)
		if cur == a {
			break
		}
	}
	path := make([]Entity, 0, len(ids))
	for i := len(ids) - 1; i >= 0; i-- {
		path = append(path, *g.byID[ids[i]])
	}
	return path
}

// RemoveChunkRefs drops chunk references after a source deletion.
// Entities and relations are never implicitly GC'd; only their mention
// lists shrink and orphaned confidences decay over time.
func (g *Graph) RemoveChunkRefs(_ context.Context, chunkIDs []string) error {
	drop := make(map[string]bool, len(chunkIDs))
	for _, id := range chunkIDs {
		drop[id] = true
	}
	g.mu.Lock()
	defer g.mu.Unlock()

	for _, e := range g.byID {
		e.Mentions = filterOut(e.Mentions, drop)
	}
	for _, r := range g.relations {
		r.SourceChunks = filterOut(r.SourceChunks, drop)
	}
	return nil
}

// DecayImportance multiplies the confidence of entities with no
// remaining mentions by factor. Low-importance decay is the only
// implicit shrinking the graph does.
func (g *Graph) DecayImportance(factor float64) {
	g.mu.Lock()
	defer g.mu.Unlock()
	for _, e := range g.byID {
		if len(e.Mentions) == 0 {
			e.Confidence *= factor
		}
	}
}

// Stats returns entity and relation counts.
func (g *Graph) Stats() (entities, relations int) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.byID), len(g.relations)
}

func contains(list []string, v string) bool {
	for _, item := range list {
		if item == v {
			return true
		}
	}
	return false
}

func filterOut(list []string, drop map[string]bool) []string {
	out := list[:0]
	for _, item := range list {
		if !drop[item] {
			out = append(out, item)
		}
	}
	return out
}
