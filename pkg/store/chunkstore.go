// Package store holds the durable corpus stores: the chunk store
// (authoritative), the dense vector index, and the sparse keyword index.
package store

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/groundline-ai/groundline/pkg/domain"
)

// DeleteHook is notified after a source and its chunks are removed, so
// dependent stores (vector index, knowledge graph) can drop their
// references. The chunk store is authoritative; hooks hold chunk ids
// only.
type DeleteHook func(ctx context.Context, sourceID string, chunkIDs []string) error

// ChunkStore owns sources and chunks. Writers are exclusive, readers
// shared; ingest is serialized per call.
type ChunkStore struct {
	db    *sql.DB
	mu    sync.RWMutex
	hooks []DeleteHook
}

// NewChunkStore opens (or creates) the chunk database at path.
func NewChunkStore(path string) (*ChunkStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open chunk db: %w", err)
	}
	s := &ChunkStore{db: db}
	if err := s.createTables(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *ChunkStore) createTables() error {
	query := `
	CREATE TABLE IF NOT EXISTS sources (
		id TEXT PRIMARY KEY,
		uri TEXT NOT NULL,
		kind TEXT NOT NULL,
		mime TEXT,
		ingest_time INTEGER NOT NULL,
		content_hash TEXT NOT NULL UNIQUE,
		pending_embed INTEGER NOT NULL DEFAULT 0
	);

	CREATE TABLE IF NOT EXISTS chunks (
		id TEXT PRIMARY KEY,
		source_id TEXT NOT NULL REFERENCES sources(id) ON DELETE CASCADE,
		ordinal INTEGER NOT NULL,
		text TEXT NOT NULL,
		page INTEGER,
		metadata TEXT,
		UNIQUE(source_id, ordinal)
	);

	CREATE INDEX IF NOT EXISTS idx_chunks_source ON chunks(source_id);
	`
	_, err := s.db.Exec(query)
	return err
}

// OnDelete registers a hook run after source deletion.
func (s *ChunkStore) OnDelete(hook DeleteHook) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.hooks = append(s.hooks, hook)
}

// HashContent computes the content hash used for duplicate detection.
func HashContent(content string) string {
	sum := sha256.Sum256([]byte(content))
	return hex.EncodeToString(sum[:])
}

// AddSource stores a source with its chunks atomically. A source whose
// content hash already exists is rejected with CONFLICT and nothing is
// written.
func (s *ChunkStore) AddSource(ctx context.Context, src domain.Source, chunks []domain.Chunk) (domain.Source, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if src.ID == "" {
		src.ID = uuid.New().String()
	}
	if src.IngestTime.IsZero() {
		src.IngestTime = time.Now()
	}
	if src.ContentHash == "" {
		return domain.Source{}, domain.E(domain.KindInvalidInput, "source content hash is required")
	}

	var existing string
	err := s.db.QueryRowContext(ctx,
		"SELECT id FROM sources WHERE content_hash = ?", src.ContentHash).Scan(&existing)
	if err == nil {
		return domain.Source{}, domain.Ef(domain.KindConflict,
			"source with identical content already ingested as %s", existing)
	}
	if err != sql.ErrNoRows {
		return domain.Source{}, err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return domain.Source{}, err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `
	INSERT INTO sources (id, uri, kind, mime, ingest_time, content_hash, pending_embed)
	VALUES (?, ?, ?, ?, ?, ?, 1)`,
		src.ID, src.URI, string(src.Kind), src.Mime, src.IngestTime.UnixNano(), src.ContentHash,
	); err != nil {
		return domain.Source{}, err
	}

	for i := range chunks {
		if chunks[i].ID == "" {
			chunks[i].ID = uuid.New().String()
		}
		chunks[i].SourceID = src.ID
		chunks[i].Ordinal = i
		metaJSON, _ := json.Marshal(chunks[i].Metadata)
		if _, err := tx.ExecContext(ctx, `
		INSERT INTO chunks (id, source_id, ordinal, text, page, metadata)
		VALUES (?, ?, ?, ?, ?, ?)`,
			chunks[i].ID, src.ID, chunks[i].Ordinal, chunks[i].Text, chunks[i].Page, string(metaJSON),
		); err != nil {
			return domain.Source{}, err
		}
	}

	if err := tx.Commit(); err != nil {
		return domain.Source{}, err
	}
	return src, nil
}

// SetPendingEmbed flags whether the source still has chunks awaiting
// embedding.
func (s *ChunkStore) SetPendingEmbed(ctx context.Context, sourceID string, pending bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	flag := 0
	if pending {
		flag = 1
	}
	res, err := s.db.ExecContext(ctx, "UPDATE sources SET pending_embed = ? WHERE id = ?", flag, sourceID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return domain.Ef(domain.KindNotFound, "source %s not found", sourceID)
	}
	return nil
}

// PendingEmbed reports the pending-embed flag for a source.
func (s *ChunkStore) PendingEmbed(ctx context.Context, sourceID string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var flag int
	err := s.db.QueryRowContext(ctx, "SELECT pending_embed FROM sources WHERE id = ?", sourceID).Scan(&flag)
	if err == sql.ErrNoRows {
		return false, domain.Ef(domain.KindNotFound, "source %s not found", sourceID)
	}
	if err != nil {
		return false, err
	}
	return flag == 1, nil
}

// GetSource returns one source by id.
func (s *ChunkStore) GetSource(ctx context.Context, id string) (domain.Source, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	row := s.db.QueryRowContext(ctx,
		"SELECT id, uri, kind, mime, ingest_time, content_hash FROM sources WHERE id = ?", id)
	return scanSource(row)
}

// GetSources lists all sources ordered by ingest time descending.
func (s *ChunkStore) GetSources(ctx context.Context) ([]domain.Source, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rows, err := s.db.QueryContext(ctx,
		"SELECT id, uri, kind, mime, ingest_time, content_hash FROM sources ORDER BY ingest_time DESC")
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var sources []domain.Source
	for rows.Next() {
		src, err := scanSource(rows)
		if err != nil {
			return nil, err
		}
		sources = append(sources, src)
	}
	return sources, rows.Err()
}

type rowScanner interface{ Scan(dest ...any) error }

func scanSource(row rowScanner) (domain.Source, error) {
	var src domain.Source
	var kind string
	var mime sql.NullString
	var ingestNS int64
	err := row.Scan(&src.ID, &src.URI, &kind, &mime, &ingestNS, &src.ContentHash)
	if err == sql.ErrNoRows {
		return domain.Source{}, domain.E(domain.KindNotFound, "source not found")
	}
	if err != nil {
		return domain.Source{}, err
	}
	src.Kind = domain.SourceKind(kind)
	src.Mime = mime.String
	src.IngestTime = time.Unix(0, ingestNS)
	return src, nil
}

// Get returns one chunk by id.
func (s *ChunkStore) Get(ctx context.Context, id string) (domain.Chunk, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	row := s.db.QueryRowContext(ctx,
		"SELECT id, source_id, ordinal, text, page, metadata FROM chunks WHERE id = ?", id)
	return scanChunk(row)
}

// ChunksBySource returns a source's chunks in ordinal order.
func (s *ChunkStore) ChunksBySource(ctx context.Context, sourceID string) ([]domain.Chunk, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rows, err := s.db.QueryContext(ctx,
		"SELECT id, source_id, ordinal, text, page, metadata FROM chunks WHERE source_id = ? ORDER BY ordinal",
		sourceID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var chunks []domain.Chunk
	for rows.Next() {
		c, err := scanChunk(rows)
		if err != nil {
			return nil, err
		}
		chunks = append(chunks, c)
	}
	return chunks, rows.Err()
}

// AllChunks streams every chunk; used to rebuild the vector index.
func (s *ChunkStore) AllChunks(ctx context.Context) ([]domain.Chunk, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rows, err := s.db.QueryContext(ctx,
		"SELECT id, source_id, ordinal, text, page, metadata FROM chunks ORDER BY source_id, ordinal")
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var chunks []domain.Chunk
	for rows.Next() {
		c, err := scanChunk(rows)
		if err != nil {
			return nil, err
		}
		chunks = append(chunks, c)
	}
	return chunks, rows.Err()
}

func scanChunk(row rowScanner) (domain.Chunk, error) {
	var c domain.Chunk
	var page sql.NullInt64
	var metaJSON sql.NullString
	err := row.Scan(&c.ID, &c.SourceID, &c.Ordinal, &c.Text, &page, &metaJSON)
	if err == sql.ErrNoRows {
		return domain.Chunk{}, domain.E(domain.KindNotFound, "chunk not found")
	}
	if err != nil {
		return domain.Chunk{}, err
	}
	c.Page = int(page.Int64)
	if metaJSON.Valid && metaJSON.String != "null" {
		_ = json.Unmarshal([]byte(metaJSON.String), &c.Metadata)
	}
	return c, nil
}

// DeleteSource removes a source and all its chunks, then runs the
// registered deletion hooks with the removed chunk ids.
func (s *ChunkStore) DeleteSource(ctx context.Context, sourceID string) error {
	s.mu.Lock()

	rows, err := s.db.QueryContext(ctx, "SELECT id FROM chunks WHERE source_id = ?", sourceID)
	if err != nil {
		s.mu.Unlock()
		return err
	}
	var chunkIDs []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			_ = rows.Close()
			s.mu.Unlock()
			return err
		}
		chunkIDs = append(chunkIDs, id)
	}
	_ = rows.Close()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		s.mu.Unlock()
		return err
	}
	if _, err := tx.ExecContext(ctx, "DELETE FROM chunks WHERE source_id = ?", sourceID); err != nil {
		_ = tx.Rollback()
		s.mu.Unlock()
		return err
	}
	res, err := tx.ExecContext(ctx, "DELETE FROM sources WHERE id = ?", sourceID)
	if err != nil {
		_ = tx.Rollback()
		s.mu.Unlock()
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		_ = tx.Rollback()
		s.mu.Unlock()
		return domain.Ef(domain.KindNotFound, "source %s not found", sourceID)
	}
	if err := tx.Commit(); err != nil {
		s.mu.Unlock()
		return err
	}
	hooks := append([]DeleteHook(nil), s.hooks...)
	s.mu.Unlock()

	for _, hook := range hooks {
		if err := hook(ctx, sourceID, chunkIDs); err != nil {
			return err
		}
	}
	return nil
}

// Stats reports source and chunk counts.
func (s *ChunkStore) Stats(ctx context.Context) (domain.Stats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var stats domain.Stats
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM sources").Scan(&stats.TotalSources); err != nil {
		return stats, err
	}
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM chunks").Scan(&stats.TotalChunks); err != nil {
		return stats, err
	}
	return stats, nil
}

// Close closes the underlying database.
func (s *ChunkStore) Close() error { return s.db.Close() }
