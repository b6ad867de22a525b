package store

import (
	"context"
	"database/sql"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"sync"

	_ "modernc.org/sqlite"

	"github.com/groundline-ai/groundline/pkg/domain"
)

// VectorMatch is one dense-search hit.
type VectorMatch struct {
	ID    string
	Score float64 // cosine similarity mapped into [0,1]
}

// Filter is a conjunction over metadata: scalar values mean equality,
// slice values mean set membership.
type Filter map[string]any

// VectorIndex is a persistent dense index keyed by chunk id. Vectors
// live in memory for scoring and in sqlite for durability; writes are
// serialized, queries run in parallel against a snapshot.
type VectorIndex struct {
	db *sql.DB

	mu      sync.RWMutex
	entries map[string]vectorEntry
	dim     int
}

type vectorEntry struct {
	vec  []float64
	meta map[string]any
}

// NewVectorIndex opens (or creates) the vector database at path and
// loads all vectors into memory.
func NewVectorIndex(path string) (*VectorIndex, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open vector db: %w", err)
	}
	idx := &VectorIndex{db: db, entries: make(map[string]vectorEntry)}
	if err := idx.createTables(); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := idx.load(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return idx, nil
}

func (idx *VectorIndex) createTables() error {
	query := `
	CREATE TABLE IF NOT EXISTS vectors (
		id TEXT PRIMARY KEY,
		vector BLOB NOT NULL,
		metadata TEXT
	);
	`
	_, err := idx.db.Exec(query)
	return err
}

func (idx *VectorIndex) load() error {
	rows, err := idx.db.Query("SELECT id, vector, metadata FROM vectors")
	if err != nil {
		return err
	}
	defer func() { _ = rows.Close() }()

	for rows.Next() {
		var id string
		var blob []byte
		var metaJSON sql.NullString
		if err := rows.Scan(&id, &blob, &metaJSON); err != nil {
			return err
		}
		vec := decodeVector(blob)
		var meta map[string]any
		if metaJSON.Valid && metaJSON.String != "null" {
			_ = json.Unmarshal([]byte(metaJSON.String), &meta)
		}
		idx.entries[id] = vectorEntry{vec: vec, meta: meta}
		if idx.dim == 0 {
			idx.dim = len(vec)
		}
	}
	return rows.Err()
}

// Dimension returns the dimension of the stored vectors, zero when the
// index is empty.
func (idx *VectorIndex) Dimension() int {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	return idx.dim
}

// Len returns the number of stored vectors.
func (idx *VectorIndex) Len() int {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	return len(idx.entries)
}

// Put inserts or replaces a vector with its metadata.
func (idx *VectorIndex) Put(ctx context.Context, id string, vec []float64, metadata map[string]any) error {
	if id == "" {
		return domain.E(domain.KindInvalidInput, "empty vector id")
	}
	if len(vec) == 0 {
		return domain.E(domain.KindInvalidInput, "empty vector")
	}
	idx.mu.Lock()
	defer idx.mu.Unlock()

	if idx.dim != 0 && len(vec) != idx.dim {
		return domain.Ef(domain.KindInvalidInput,
			"vector dimension %d does not match index dimension %d", len(vec), idx.dim)
	}

	metaJSON, _ := json.Marshal(metadata)
	if _, err := idx.db.ExecContext(ctx, `
	INSERT INTO vectors (id, vector, metadata) VALUES (?, ?, ?)
	ON CONFLICT(id) DO UPDATE SET vector = excluded.vector, metadata = excluded.metadata`,
		id, encodeVector(vec), string(metaJSON),
	); err != nil {
		return err
	}

	cp := append([]float64(nil), vec...)
	idx.entries[id] = vectorEntry{vec: cp, meta: metadata}
	if idx.dim == 0 {
		idx.dim = len(vec)
	}
	return nil
}

// Delete removes a vector. Deleting a missing id is a no-op.
func (idx *VectorIndex) Delete(ctx context.Context, id string) error {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	if _, err := idx.db.ExecContext(ctx, "DELETE FROM vectors WHERE id = ?", id); err != nil {
		return err
	}
	delete(idx.entries, id)
	return nil
}

// Has reports whether a vector exists for the id.
func (idx *VectorIndex) Has(id string) bool {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	_, ok := idx.entries[id]
	return ok
}

// Query returns the top-k ids by cosine similarity, optionally filtered
// by metadata. Scores are mapped into [0,1].
func (idx *VectorIndex) Query(ctx context.Context, vec []float64, k int, filter Filter) ([]VectorMatch, error) {
	if k <= 0 {
		return nil, nil
	}
	if len(vec) == 0 {
		return nil, domain.E(domain.KindInvalidInput, "empty query vector")
	}

	idx.mu.RLock()
	defer idx.mu.RUnlock()

	matches := make([]VectorMatch, 0, len(idx.entries))
	for id, entry := range idx.entries {
		if ctx.Err() != nil {
			return nil, domain.Wrap(domain.KindCancelled, "vector query cancelled", ctx.Err())
		}
		if !filter.matches(entry.meta) {
			continue
		}
		cos := cosine(vec, entry.vec)
		matches = append(matches, VectorMatch{ID: id, Score: (1 + cos) / 2})
	}

	sort.Slice(matches, func(i, j int) bool {
		if matches[i].Score != matches[j].Score {
			return matches[i].Score > matches[j].Score
		}
		return matches[i].ID < matches[j].ID
	})
	if len(matches) > k {
		matches = matches[:k]
	}
	return matches, nil
}

// Rebuild repopulates the index from chunks that already carry vectors,
// replacing the current contents.
func (idx *VectorIndex) Rebuild(ctx context.Context, chunks []domain.Chunk) error {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	tx, err := idx.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, "DELETE FROM vectors"); err != nil {
		return err
	}
	entries := make(map[string]vectorEntry, len(chunks))
	dim := 0
	for _, c := range chunks {
		if len(c.Vector) == 0 {
			continue
		}
		meta := chunkMeta(c)
		metaJSON, _ := json.Marshal(meta)
		if _, err := tx.ExecContext(ctx,
			"INSERT INTO vectors (id, vector, metadata) VALUES (?, ?, ?)",
			c.ID, encodeVector(c.Vector), string(metaJSON),
		); err != nil {
			return err
		}
		entries[c.ID] = vectorEntry{vec: append([]float64(nil), c.Vector...), meta: meta}
		if dim == 0 {
			dim = len(c.Vector)
		}
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	idx.entries = entries
	idx.dim = dim
	return nil
}

// Close closes the underlying database.
func (idx *VectorIndex) Close() error { return idx.db.Close() }

// chunkMeta is the metadata stored alongside a chunk's vector. The
// source id always rides along so deletions and filters can use it.
func chunkMeta(c domain.Chunk) map[string]any {
	meta := map[string]any{"source_id": c.SourceID}
	for k, v := range c.Metadata {
		meta[k] = v
	}
	return meta
}

func (f Filter) matches(meta map[string]any) bool {
	if len(f) == 0 {
		return true
	}
	for key, want := range f {
		got, ok := meta[key]
		if !ok {
			return false
		}
		switch w := want.(type) {
		case []any:
			found := false
			for _, candidate := range w {
				if equalScalar(got, candidate) {
					found = true
					break
				}
			}
			if !found {
				return false
			}
		case []string:
			found := false
			for _, candidate := range w {
				if equalScalar(got, candidate) {
					found = true
					break
				}
			}
			if !found {
				return false
			}
		default:
			if !equalScalar(got, want) {
				return false
			}
		}
	}
	return true
}

// equalScalar compares metadata scalars loosely: JSON round-trips turn
// ints into float64, so numbers compare by value.
func equalScalar(a, b any) bool {
	if a == b {
		return true
	}
	af, aok := toFloat(a)
	bf, bok := toFloat(b)
	if aok && bok {
		return af == bf
	}
	return fmt.Sprintf("%v", a) == fmt.Sprintf("%v", b)
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case float32:
		return float64(n), true
	case float64:
		return n, true
	}
	return 0, false
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

func encodeVector(vec []float64) []byte {
	buf := make([]byte, 8*len(vec))
	for i, v := range vec {
		binary.LittleEndian.PutUint64(buf[i*8:], math.Float64bits(v))
	}
	return buf
}

func decodeVector(blob []byte) []float64 {
	vec := make([]float64, len(blob)/8)
	for i := range vec {
		vec[i] = math.Float64frombits(binary.LittleEndian.Uint64(blob[i*8:]))
	}
	return vec
}
