package trace

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/groundline-ai/groundline/pkg/log"
)

// ConsoleExporter writes spans to the process logger.
type ConsoleExporter struct{}

func (ConsoleExporter) Export(_ context.Context, spans []Span) error {
	logger := log.WithModule("trace")
	for _, s := range spans {
		logger.Info("span",
			"trace_id", s.TraceID,
			"span_id", s.SpanID,
			"parent_id", s.ParentID,
			"name", s.Name,
			"kind", string(s.Kind),
			"status", string(s.Status),
			"duration", s.End.Sub(s.Start).String(),
			"error", s.ErrMsg,
		)
	}
	return nil
}

// SQLiteExporter persists spans to a local database so they can be
// inspected after the fact.
type SQLiteExporter struct {
	db *sql.DB
}

// NewSQLiteExporter opens (or creates) the trace database at path.
func NewSQLiteExporter(path string) (*SQLiteExporter, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open trace db: %w", err)
	}
	e := &SQLiteExporter{db: db}
	if err := e.createTables(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return e, nil
}

func (e *SQLiteExporter) createTables() error {
	query := `
	CREATE TABLE IF NOT EXISTS spans (
		span_id TEXT PRIMARY KEY,
		trace_id TEXT NOT NULL,
		parent_id TEXT,
		name TEXT NOT NULL,
		kind TEXT NOT NULL,
		status TEXT NOT NULL,
		error TEXT,
		start_ns INTEGER NOT NULL,
		end_ns INTEGER NOT NULL,
		attrs TEXT,
		events TEXT
	);

	CREATE INDEX IF NOT EXISTS idx_spans_trace_id ON spans(trace_id);
	CREATE INDEX IF NOT EXISTS idx_spans_start ON spans(start_ns DESC);
	`
	_, err := e.db.Exec(query)
	return err
}

func (e *SQLiteExporter) Export(ctx context.Context, spans []Span) error {
	tx, err := e.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx, `
	INSERT OR REPLACE INTO spans
	(span_id, trace_id, parent_id, name, kind, status, error, start_ns, end_ns, attrs, events)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return err
	}
	defer func() { _ = stmt.Close() }()

	for _, s := range spans {
		attrsJSON, _ := json.Marshal(s.Attrs)
		eventsJSON, _ := json.Marshal(s.Events)
		if _, err := stmt.ExecContext(ctx,
			s.SpanID, s.TraceID, s.ParentID, s.Name, string(s.Kind),
			string(s.Status), s.ErrMsg,
			s.Start.UnixNano(), s.End.UnixNano(),
			string(attrsJSON), string(eventsJSON),
		); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// Recent returns the most recently started spans, newest first.
func (e *SQLiteExporter) Recent(ctx context.Context, limit int) ([]Span, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := e.db.QueryContext(ctx, `
	SELECT span_id, trace_id, parent_id, name, kind, status, error, start_ns, end_ns, attrs, events
	FROM spans ORDER BY start_ns DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var spans []Span
	for rows.Next() {
		var s Span
		var parentID, errMsg, attrsJSON, eventsJSON sql.NullString
		var startNS, endNS int64
		var kind, status string
		if err := rows.Scan(&s.SpanID, &s.TraceID, &parentID, &s.Name, &kind,
			&status, &errMsg, &startNS, &endNS, &attrsJSON, &eventsJSON); err != nil {
			return nil, err
		}
		s.ParentID = parentID.String
		s.ErrMsg = errMsg.String
		s.Kind = SpanKind(kind)
		s.Status = SpanStatus(status)
		s.Start = time.Unix(0, startNS)
		s.End = time.Unix(0, endNS)
		if attrsJSON.Valid && attrsJSON.String != "null" {
			_ = json.Unmarshal([]byte(attrsJSON.String), &s.Attrs)
		}
		if eventsJSON.Valid && eventsJSON.String != "null" {
			_ = json.Unmarshal([]byte(eventsJSON.String), &s.Events)
		}
		spans = append(spans, s)
	}
	return spans, rows.Err()
}

// Close closes the underlying database.
func (e *SQLiteExporter) Close() error { return e.db.Close() }
