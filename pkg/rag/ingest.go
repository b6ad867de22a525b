package rag

import (
	"context"
	"strings"

	"github.com/groundline-ai/groundline/pkg/domain"
	"github.com/groundline-ai/groundline/pkg/graph"
	"github.com/groundline-ai/groundline/pkg/store"
)

// Chunker splits text into overlapping word windows.
type Chunker struct {
	Size    int // words per chunk
	Overlap int // words shared with the previous chunk
}

// DefaultChunker matches the ingest defaults.
func DefaultChunker() Chunker { return Chunker{Size: 300, Overlap: 50} }

// Split returns the chunk texts in order. Overlap is clamped below
// size so the window always advances.
func (c Chunker) Split(text string) []string {
	size := c.Size
	if size <= 0 {
		size = 300
	}
	overlap := c.Overlap
	if overlap < 0 || overlap >= size {
		overlap = size / 6
	}

	words := strings.Fields(text)
	if len(words) == 0 {
		return nil
	}
	if len(words) <= size {
		return []string{strings.Join(words, " ")}
	}

	var out []string
	step := size - overlap
	for start := 0; start < len(words); start += step {
		end := start + size
		if end > len(words) {
			end = len(words)
		}
		out = append(out, strings.Join(words[start:end], " "))
		if end == len(words) {
			break
		}
	}
	return out
}

// Ingestor runs the ingest pipeline: dedupe by content hash, chunk,
// embed, index dense and sparse, observe entities into the graph, and
// clear the pending-embed flag. It also wires cascade deletion so
// removing a source cleans the vector index, the keyword index, and
// the graph's chunk references.
type Ingestor struct {
	chunks    *store.ChunkStore
	vectors   *store.VectorIndex
	keyword   *store.KeywordIndex
	embedder  domain.Embedder
	graph     *graph.Graph
	extractor graph.Extractor
	chunker   Chunker
}

// NewIngestor builds the pipeline and registers the delete hook on the
// chunk store. graph may be nil to skip entity extraction.
func NewIngestor(chunks *store.ChunkStore, vectors *store.VectorIndex, keyword *store.KeywordIndex, embedder domain.Embedder, kg *graph.Graph) *Ingestor {
	ing := &Ingestor{
		chunks:    chunks,
		vectors:   vectors,
		keyword:   keyword,
		embedder:  embedder,
		graph:     kg,
		extractor: graph.PatternExtractor{},
		chunker:   DefaultChunker(),
	}
	chunks.OnDelete(ing.onDelete)
	return ing
}

// SetChunker overrides the default chunking window.
func (ing *Ingestor) SetChunker(c Chunker) { ing.chunker = c }

// SetExtractor overrides the entity extractor, e.g. with the
// generation-based one.
func (ing *Ingestor) SetExtractor(ex graph.Extractor) { ing.extractor = ex }

// Ingest stores content under uri and indexes it. Duplicate content
// (same hash as an existing source) fails with CONFLICT. The source
// record lands even when embedding is down; it stays pending-embed and
// Reindex picks it up later.
func (ing *Ingestor) Ingest(ctx context.Context, uri string, kind domain.SourceKind, mime, content string) (domain.Source, error) {
	if strings.TrimSpace(content) == "" {
		return domain.Source{}, domain.E(domain.KindInvalidInput, "empty content")
	}

	texts := ing.chunker.Split(content)
	chunks := make([]domain.Chunk, len(texts))
	for i, t := range texts {
		chunks[i] = domain.Chunk{Text: t}
	}

	src := domain.Source{
		URI:         uri,
		Kind:        kind,
		Mime:        mime,
		ContentHash: store.HashContent(content),
	}
	saved, err := ing.chunks.AddSource(ctx, src, chunks)
	if err != nil {
		return domain.Source{}, err
	}

	if err := ing.indexSource(ctx, saved.ID); err != nil {
		return saved, err
	}
	return saved, nil
}

// Reindex embeds and indexes every source still flagged pending-embed.
// Returns the number of sources completed.
func (ing *Ingestor) Reindex(ctx context.Context) (int, error) {
	sources, err := ing.chunks.GetSources(ctx)
	if err != nil {
		return 0, err
	}
	done := 0
	for _, src := range sources {
		pending, err := ing.chunks.PendingEmbed(ctx, src.ID)
		if err != nil {
			return done, err
		}
		if !pending {
			continue
		}
		if err := ing.indexSource(ctx, src.ID); err != nil {
			return done, err
		}
		done++
	}
	return done, nil
}

func (ing *Ingestor) indexSource(ctx context.Context, sourceID string) error {
	chunks, err := ing.chunks.ChunksBySource(ctx, sourceID)
	if err != nil {
		return err
	}
	for _, chunk := range chunks {
		if ing.embedder != nil {
			vec, err := ing.embedder.Embed(ctx, chunk.Text)
			if err != nil {
				return err
			}
			meta := map[string]any{"source_id": chunk.SourceID}
			for k, v := range chunk.Metadata {
				meta[k] = v
			}
			if err := ing.vectors.Put(ctx, chunk.ID, vec, meta); err != nil {
				return err
			}
		}
		if err := ing.keyword.Index(ctx, chunk); err != nil {
			return err
		}
		if ing.graph != nil {
			if err := ing.graph.Observe(ctx, ing.extractor, chunk.ID, chunk.Text, 0.5); err != nil {
				return err
			}
		}
	}
	if ing.embedder == nil {
		return nil // stays pending-embed for a later Reindex
	}
	return ing.chunks.SetPendingEmbed(ctx, sourceID, false)
}

// onDelete is the chunk store cascade hook.
func (ing *Ingestor) onDelete(ctx context.Context, _ string, chunkIDs []string) error {
	for _, id := range chunkIDs {
		if err := ing.vectors.Delete(ctx, id); err != nil {
			return err
		}
	}
	if err := ing.keyword.Delete(ctx, chunkIDs); err != nil {
		return err
	}
	if ing.graph != nil {
		return ing.graph.RemoveChunkRefs(ctx, chunkIDs)
	}
	return nil
}
