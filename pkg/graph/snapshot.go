package graph

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	_ "modernc.org/sqlite"
)

// Snapshot persists the graph to sqlite so it survives restarts. The
// in-memory graph stays authoritative; Save replaces the stored copy.
type Snapshot struct {
	db *sql.DB
}

// OpenSnapshot opens (or creates) the snapshot database at path.
func OpenSnapshot(path string) (*Snapshot, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open graph snapshot: %w", err)
	}
	s := &Snapshot{db: db}
	if err := s.createTables(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Snapshot) createTables() error {
	query := `
	CREATE TABLE IF NOT EXISTS entities (
		id TEXT PRIMARY KEY,
		canonical_name TEXT NOT NULL,
		kind TEXT NOT NULL,
		attributes TEXT,
		confidence REAL NOT NULL,
		mentions TEXT,
		updated_at TIMESTAMP NOT NULL
	);
	CREATE TABLE IF NOT EXISTS relations (
		id TEXT PRIMARY KEY,
		src_entity_id TEXT NOT NULL,
		dst_entity_id TEXT NOT NULL,
		kind TEXT NOT NULL,
		weight REAL NOT NULL,
		confidence REAL NOT NULL,
		source_chunks TEXT,
		updated_at TIMESTAMP NOT NULL
	);
	`
	_, err := s.db.Exec(query)
	return err
}

// Save writes the full graph, replacing any previous snapshot.
func (s *Snapshot) Save(ctx context.Context, g *Graph) error {
	g.mu.RLock()
	defer g.mu.RUnlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, "DELETE FROM entities"); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, "DELETE FROM relations"); err != nil {
		return err
	}

	for _, e := range g.byID {
		attrs, _ := json.Marshal(e.Attributes)
		mentions, _ := json.Marshal(e.Mentions)
		if _, err := tx.ExecContext(ctx, `
		INSERT INTO entities (id, canonical_name, kind, attributes, confidence, mentions, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
			e.ID, e.CanonicalName, string(e.Kind), string(attrs), e.Confidence, string(mentions), e.UpdatedAt,
		); err != nil {
			return err
		}
	}
	for _, r := range g.relations {
		chunks, _ := json.Marshal(r.SourceChunks)
		if _, err := tx.ExecContext(ctx, `
		INSERT INTO relations (id, src_entity_id, dst_entity_id, kind, weight, confidence, source_chunks, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			r.ID, r.SrcEntityID, r.DstEntityID, r.Kind, r.Weight, r.Confidence, string(chunks), r.UpdatedAt,
		); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// Load reads the snapshot into a fresh graph.
func (s *Snapshot) Load(ctx context.Context) (*Graph, error) {
	g := New()

	rows, err := s.db.QueryContext(ctx,
		"SELECT id, canonical_name, kind, attributes, confidence, mentions, updated_at FROM entities")
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	for rows.Next() {
		var e Entity
		var kind string
		var attrs, mentions sql.NullString
		if err := rows.Scan(&e.ID, &e.CanonicalName, &kind, &attrs, &e.Confidence, &mentions, &e.UpdatedAt); err != nil {
			return nil, err
		}
		e.Kind = EntityKind(kind)
		if attrs.Valid && attrs.String != "null" {
			_ = json.Unmarshal([]byte(attrs.String), &e.Attributes)
		}
		if mentions.Valid && mentions.String != "null" {
			_ = json.Unmarshal([]byte(mentions.String), &e.Mentions)
		}
		ent := e
		g.byID[ent.ID] = &ent
		g.byNameKey[nameKey(ent.CanonicalName, ent.Kind)] = &ent
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	relRows, err := s.db.QueryContext(ctx,
		"SELECT id, src_entity_id, dst_entity_id, kind, weight, confidence, source_chunks, updated_at FROM relations")
	if err != nil {
		return nil, err
	}
	defer func() { _ = relRows.Close() }()
	for relRows.Next() {
		var r Relation
		var chunks sql.NullString
		if err := relRows.Scan(&r.ID, &r.SrcEntityID, &r.DstEntityID, &r.Kind, &r.Weight, &r.Confidence, &chunks, &r.UpdatedAt); err != nil {
			return nil, err
		}
		if chunks.Valid && chunks.String != "null" {
			_ = json.Unmarshal([]byte(chunks.String), &r.SourceChunks)
		}
		rel := r
		g.relations[rel.ID] = &rel
		g.relKey[rel.SrcEntityID+"|"+rel.Kind+"|"+rel.DstEntityID] = &rel
		g.outgoing[rel.SrcEntityID] = append(g.outgoing[rel.SrcEntityID], &rel)
		g.incoming[rel.DstEntityID] = append(g.incoming[rel.DstEntityID], &rel)
	}
	return g, relRows.Err()
}

// Close closes the snapshot database.
func (s *Snapshot) Close() error { return s.db.Close() }
