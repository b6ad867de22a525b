package graph

import (
	"context"
	"fmt"
	"strings"
)

// Serialization bounds for graph context prepended to packed text.
const (
	maxSerializedRelations = 30
	maxSerializedEntities  = 20
)

// Expansion is what Graph-RAG adds on top of dense/sparse retrieval:
// the serialized subgraph and the chunk ids the matched entities were
// observed in.
type Expansion struct {
	Entities  []Entity
	Relations []Relation
	ChunkIDs  []string
	Context   string
}

// ExpandForQuery matches query terms against entity names, collects a
// depth-d subgraph per matched entity, and returns the merged expansion.
// An empty expansion (no matched entity) is not an error; callers skip
// graph context silently.
func (g *Graph) ExpandForQuery(ctx context.Context, query string, depth int) (*Expansion, error) {
	if depth <= 0 {
		depth = 2
	}
	terms := queryTerms(query)
	matched := g.SearchEntities(terms, maxSerializedEntities)
	if len(matched) == 0 {
		return &Expansion{}, nil
	}

	exp := &Expansion{}
	seenEnt := map[string]bool{}
	seenRel := map[string]bool{}
	seenChunk := map[string]bool{}

	for _, e := range matched {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		sub, err := g.Neighbors(e.ID, depth, nil)
		if err != nil {
			continue
		}
		for _, ent := range sub.Entities {
			if seenEnt[ent.ID] {
				continue
			}
			seenEnt[ent.ID] = true
			exp.Entities = append(exp.Entities, ent)
			for _, chunkID := range ent.Mentions {
				if !seenChunk[chunkID] {
					seenChunk[chunkID] = true
					exp.ChunkIDs = append(exp.ChunkIDs, chunkID)
				}
			}
		}
		for _, rel := range sub.Relations {
			if seenRel[rel.ID] {
				continue
			}
			seenRel[rel.ID] = true
			exp.Relations = append(exp.Relations, rel)
		}
	}
	exp.Context = g.serialize(exp.Entities, exp.Relations)
	return exp, nil
}

// serialize renders relations as "A —[kind]→ B" lines plus a line of
// standalone entities, bounded by the serialization caps.
func (g *Graph) serialize(entities []Entity, relations []Relation) string {
	if len(entities) == 0 {
		return ""
	}
	if len(relations) > maxSerializedRelations {
		relations = relations[:maxSerializedRelations]
	}
	if len(entities) > maxSerializedEntities {
		entities = entities[:maxSerializedEntities]
	}

	g.mu.RLock()
	defer g.mu.RUnlock()

	var b strings.Builder
	inRelation := map[string]bool{}
	for _, r := range relations {
		src, sok := g.byID[r.SrcEntityID]
		dst, dok := g.byID[r.DstEntityID]
		if !sok || !dok {
			continue
		}
		fmt.Fprintf(&b, "%s —[%s]→ %s\n", src.CanonicalName, r.Kind, dst.CanonicalName)
		inRelation[r.SrcEntityID] = true
		inRelation[r.DstEntityID] = true
	}

	var lone []string
	for _, e := range entities {
		if !inRelation[e.ID] {
			lone = append(lone, e.CanonicalName)
		}
	}
	if len(lone) > 0 {
		fmt.Fprintf(&b, "Entities: %s\n", strings.Join(lone, ", "))
	}
	return b.String()
}

func queryTerms(query string) []string {
	fields := strings.Fields(query)
	var terms []string
	for _, f := range fields {
		f = strings.Trim(f, ".,!?;:'\"()")
		if len(f) < 3 {
			continue
		}
		terms = append(terms, f)
	}
	return terms
}
