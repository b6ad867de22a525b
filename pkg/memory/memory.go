// Package memory implements the four memory tiers: core (always in
// the prompt), working (bounded recent messages), archival (searchable
// long-term store), and recall (episodic events). Mutations run on a
// single-writer actor with a bounded queue; readers snapshot.
package memory

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/groundline-ai/groundline/pkg/domain"
	"github.com/groundline-ai/groundline/pkg/tokens"
)

// Working-tier bounds and archive defaults.
const (
	DefaultMaxMsgs       = 20
	DefaultMaxTokens     = 4000
	DefaultMaxContext    = 8000
	evictedImportance    = 0.3
	defaultArchivalK     = 3
	defaultActorQueueLen = 128
)

// CoreMemory is the singleton tier prefixed to every assembled prompt.
// Updated only through explicit Append/Replace commands.
type CoreMemory struct {
	Persona     string            `json:"persona"`
	Human       string            `json:"human"`
	SystemFacts []string          `json:"system_facts,omitempty"`
	UserFacts   []string          `json:"user_facts,omitempty"`
	Custom      map[string]string `json:"custom,omitempty"`
}

// ArchivalEntry is one long-term memory. Embeddings are generated
// lazily on first semantic search. DecayedAt records the last decay so
// a pass never re-decays an entry inside the same window.
type ArchivalEntry struct {
	ID         string    `json:"id"`
	Text       string    `json:"text"`
	Importance float64   `json:"importance"`
	Tags       []string  `json:"tags,omitempty"`
	Source     string    `json:"source"`
	CreatedAt  time.Time `json:"created_at"`
	DecayedAt  time.Time `json:"decayed_at,omitempty"`

	embedding []float64
}

// RecallEntry is one episodic event.
type RecallEntry struct {
	ID           string         `json:"id"`
	EventKind    string         `json:"event_kind"`
	Description  string         `json:"description"`
	TS           time.Time      `json:"ts"`
	Participants []string       `json:"participants,omitempty"`
	Emotions     []string       `json:"emotions,omitempty"`
	Context      map[string]any `json:"context,omitempty"`
}

// Config bounds the working tier and the assembled context.
type Config struct {
	MaxMsgs          int
	MaxTokens        int
	MaxContextTokens int
}

// DefaultConfig returns the documented defaults.
func DefaultConfig() Config {
	return Config{
		MaxMsgs:          DefaultMaxMsgs,
		MaxTokens:        DefaultMaxTokens,
		MaxContextTokens: DefaultMaxContext,
	}
}

// Service owns the four tiers. Embedder is optional; without it,
// archival search falls back to word overlap.
type Service struct {
	cfg       Config
	db        *sql.DB
	embedder  domain.Embedder
	estimator domain.TokenEstimator

	mu       sync.RWMutex
	core     CoreMemory
	working  []domain.Message
	archival map[string]*ArchivalEntry

	ops    chan op
	done   chan struct{}
	closed sync.Once
}

type op struct {
	fn    func() error
	reply chan error
}

// NewService opens (or creates) the memory database at path and loads
// core and archival state.
func NewService(path string, cfg Config, embedder domain.Embedder) (*Service, error) {
	if cfg.MaxMsgs <= 0 {
		cfg.MaxMsgs = DefaultMaxMsgs
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = DefaultMaxTokens
	}
	if cfg.MaxContextTokens <= 0 {
		cfg.MaxContextTokens = DefaultMaxContext
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open memory db: %w", err)
	}
	s := &Service{
		cfg:       cfg,
		db:        db,
		embedder:  embedder,
		estimator: tokens.Default(),
		archival:  make(map[string]*ArchivalEntry),
		ops:       make(chan op, defaultActorQueueLen),
		done:      make(chan struct{}),
	}
	if err := s.createTables(); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := s.load(); err != nil {
		_ = db.Close()
		return nil, err
	}
	go s.actor()
	return s, nil
}

func (s *Service) createTables() error {
	query := `
	CREATE TABLE IF NOT EXISTS core_memory (
		id INTEGER PRIMARY KEY CHECK (id = 1),
		data TEXT NOT NULL
	);
	CREATE TABLE IF NOT EXISTS archival (
		id TEXT PRIMARY KEY,
		text TEXT NOT NULL,
		importance REAL NOT NULL,
		tags TEXT,
		source TEXT NOT NULL,
		created_at TIMESTAMP NOT NULL,
		decayed_at TIMESTAMP
	);
	CREATE TABLE IF NOT EXISTS recall (
		id TEXT PRIMARY KEY,
		event_kind TEXT NOT NULL,
		description TEXT NOT NULL,
		ts TIMESTAMP NOT NULL,
		participants TEXT,
		emotions TEXT,
		context TEXT
	);
	CREATE INDEX IF NOT EXISTS idx_recall_kind ON recall(event_kind);
	CREATE INDEX IF NOT EXISTS idx_recall_ts ON recall(ts);
	`
	_, err := s.db.Exec(query)
	return err
}

func (s *Service) load() error {
	var data string
	err := s.db.QueryRow("SELECT data FROM core_memory WHERE id = 1").Scan(&data)
	switch {
	case err == sql.ErrNoRows:
	case err != nil:
		return err
	default:
		if err := json.Unmarshal([]byte(data), &s.core); err != nil {
			return err
		}
	}

	rows, err := s.db.Query("SELECT id, text, importance, tags, source, created_at, decayed_at FROM archival")
	if err != nil {
		return err
	}
	defer func() { _ = rows.Close() }()
	for rows.Next() {
		var e ArchivalEntry
		var tags sql.NullString
		var decayedAt sql.NullTime
		if err := rows.Scan(&e.ID, &e.Text, &e.Importance, &tags, &e.Source, &e.CreatedAt, &decayedAt); err != nil {
			return err
		}
		if tags.Valid && tags.String != "null" {
			_ = json.Unmarshal([]byte(tags.String), &e.Tags)
		}
		if decayedAt.Valid {
			e.DecayedAt = decayedAt.Time
		}
		entry := e
		s.archival[entry.ID] = &entry
	}
	return rows.Err()
}

// actor is the single writer. All tier mutations funnel through here.
func (s *Service) actor() {
	for {
		select {
		case <-s.done:
			return
		case o := <-s.ops:
			o.reply <- o.fn()
		}
	}
}

// submit enqueues a mutation. A full queue fails fast with OVERLOADED
// instead of blocking the caller indefinitely.
func (s *Service) submit(ctx context.Context, fn func() error) error {
	o := op{fn: fn, reply: make(chan error, 1)}
	select {
	case s.ops <- o:
	default:
		return domain.E(domain.KindOverloaded, "memory writer queue full")
	}
	select {
	case err := <-o.reply:
		return err
	case <-ctx.Done():
		return domain.Wrap(domain.KindCancelled, "memory operation cancelled", ctx.Err())
	case <-s.done:
		return domain.E(domain.KindInternal, "memory service closed")
	}
}

// Close stops the actor and closes the database.
func (s *Service) Close() error {
	s.closed.Do(func() { close(s.done) })
	return s.db.Close()
}

// Core returns a snapshot of core memory.
func (s *Service) Core() CoreMemory {
	s.mu.RLock()
	defer s.mu.RUnlock()
	cp := s.core
	cp.SystemFacts = append([]string(nil), s.core.SystemFacts...)
	cp.UserFacts = append([]string(nil), s.core.UserFacts...)
	if s.core.Custom != nil {
		cp.Custom = make(map[string]string, len(s.core.Custom))
		for k, v := range s.core.Custom {
			cp.Custom[k] = v
		}
	}
	return cp
}

// CoreSection names for Append/Replace.
const (
	SectionPersona     = "persona"
	SectionHuman       = "human"
	SectionSystemFacts = "system_facts"
	SectionUserFacts   = "user_facts"
)

// AppendCore appends text to a core section. Custom sections are
// addressed by their name directly.
func (s *Service) AppendCore(ctx context.Context, section, text string) error {
	return s.submit(ctx, func() error {
		s.mu.Lock()
		switch section {
		case SectionPersona:
			s.core.Persona = joined(s.core.Persona, text)
		case SectionHuman:
			s.core.Human = joined(s.core.Human, text)
		case SectionSystemFacts:
			s.core.SystemFacts = append(s.core.SystemFacts, text)
		case SectionUserFacts:
			s.core.UserFacts = append(s.core.UserFacts, text)
		default:
			if s.core.Custom == nil {
				s.core.Custom = make(map[string]string)
			}
			s.core.Custom[section] = joined(s.core.Custom[section], text)
		}
		s.mu.Unlock()
		return s.persistCore()
	})
}

// ReplaceCore overwrites a core section.
func (s *Service) ReplaceCore(ctx context.Context, section, text string) error {
	return s.submit(ctx, func() error {
		s.mu.Lock()
		switch section {
		case SectionPersona:
			s.core.Persona = text
		case SectionHuman:
			s.core.Human = text
		case SectionSystemFacts:
			s.core.SystemFacts = []string{text}
		case SectionUserFacts:
			s.core.UserFacts = []string{text}
		default:
			if s.core.Custom == nil {
				s.core.Custom = make(map[string]string)
			}
			s.core.Custom[section] = text
		}
		s.mu.Unlock()
		return s.persistCore()
	})
}

func (s *Service) persistCore() error {
	s.mu.RLock()
	data, err := json.Marshal(s.core)
	s.mu.RUnlock()
	if err != nil {
		return err
	}
	_, err = s.db.Exec(`
	INSERT INTO core_memory (id, data) VALUES (1, ?)
	ON CONFLICT(id) DO UPDATE SET data = excluded.data`, string(data))
	return err
}

func joined(existing, text string) string {
	if existing == "" {
		return text
	}
	return existing + "\n" + text
}

// AddMessage appends to working memory. Overflow evicts the oldest
// non-system messages into archival before the new message counts as
// current.
func (s *Service) AddMessage(ctx context.Context, msg domain.Message) error {
	if msg.ID == "" {
		msg.ID = uuid.New().String()
	}
	if msg.TS.IsZero() {
		msg.TS = time.Now()
	}
	if msg.TokenEst == 0 {
		msg.TokenEst = s.estimator.Estimate(msg.Content)
	}
	return s.submit(ctx, func() error {
		s.mu.Lock()
		s.working = append(s.working, msg)
		evicted := s.evictLocked()
		s.mu.Unlock()

		for _, m := range evicted {
			entry := &ArchivalEntry{
				ID:         uuid.New().String(),
				Text:       m.Role + ": " + m.Content,
				Importance: evictedImportance,
				Source:     "conversation",
				CreatedAt:  time.Now(),
			}
			if err := s.insertArchival(entry); err != nil {
				return err
			}
		}
		return nil
	})
}

// evictLocked trims working memory to the configured bounds and
// returns the evicted non-system messages, oldest first.
func (s *Service) evictLocked() []domain.Message {
	var evicted []domain.Message
	for len(s.working) > s.cfg.MaxMsgs || s.workingTokensLocked() > s.cfg.MaxTokens {
		idx := -1
		for i, m := range s.working {
			if m.Role != "system" {
				idx = i
				break
			}
		}
		if idx < 0 {
			break
		}
		evicted = append(evicted, s.working[idx])
		s.working = append(s.working[:idx], s.working[idx+1:]...)
	}
	return evicted
}

func (s *Service) workingTokensLocked() int {
	total := 0
	for _, m := range s.working {
		total += m.TokenEst
	}
	return total
}

// Working returns a snapshot of working memory in insertion order.
func (s *Service) Working() []domain.Message {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]domain.Message(nil), s.working...)
}

// ClearWorking drops the working tier without archiving.
func (s *Service) ClearWorking(ctx context.Context) error {
	return s.submit(ctx, func() error {
		s.mu.Lock()
		s.working = nil
		s.mu.Unlock()
		return nil
	})
}

// Archive stores a long-term memory with the given importance.
func (s *Service) Archive(ctx context.Context, text, source string, importance float64, tags ...string) (string, error) {
	if strings.TrimSpace(text) == "" {
		return "", domain.E(domain.KindInvalidInput, "empty archival text")
	}
	if importance < 0 || importance > 1 {
		return "", domain.E(domain.KindInvalidInput, "importance out of [0,1]")
	}
	entry := &ArchivalEntry{
		ID:         uuid.New().String(),
		Text:       text,
		Importance: importance,
		Tags:       tags,
		Source:     source,
		CreatedAt:  time.Now(),
	}
	err := s.submit(ctx, func() error { return s.insertArchival(entry) })
	if err != nil {
		return "", err
	}
	return entry.ID, nil
}

// insertArchival runs on the actor goroutine.
func (s *Service) insertArchival(entry *ArchivalEntry) error {
	tags, _ := json.Marshal(entry.Tags)
	if _, err := s.db.Exec(`
	INSERT INTO archival (id, text, importance, tags, source, created_at)
	VALUES (?, ?, ?, ?, ?, ?)`,
		entry.ID, entry.Text, entry.Importance, string(tags), entry.Source, entry.CreatedAt,
	); err != nil {
		return err
	}
	s.mu.Lock()
	s.archival[entry.ID] = entry
	s.mu.Unlock()
	return nil
}

// ArchivalResult is one search hit.
type ArchivalResult struct {
	Entry ArchivalEntry
	Score float64
}

// SearchArchival ranks archival entries against the query. With an
// embedder, scores are cosine similarity over lazily generated
// embeddings; otherwise word-overlap. Importance breaks ties.
func (s *Service) SearchArchival(ctx context.Context, query string, k int) ([]ArchivalResult, error) {
	if k <= 0 {
		k = defaultArchivalK
	}

	var queryVec []float64
	if s.embedder != nil {
		vec, err := s.embedder.Embed(ctx, query)
		if err == nil {
			queryVec = vec
		}
	}

	s.mu.RLock()
	entries := make([]*ArchivalEntry, 0, len(s.archival))
	for _, e := range s.archival {
		entries = append(entries, e)
	}
	s.mu.RUnlock()

	var results []ArchivalResult
	for _, e := range entries {
		if ctx.Err() != nil {
			return nil, domain.Wrap(domain.KindCancelled, "archival search cancelled", ctx.Err())
		}
		var score float64
		if queryVec != nil {
			vec, err := s.entryEmbedding(ctx, e)
			if err == nil {
				score = (1 + cosine(queryVec, vec)) / 2
			}
		}
		if score == 0 {
			score = jaccard(query, e.Text)
		}
		if score <= 0 {
			continue
		}
		results = append(results, ArchivalResult{Entry: *e, Score: score})
	}

	sort.Slice(results, func(i, j int) bool {
		if results[i].Score != results[j].Score {
			return results[i].Score > results[j].Score
		}
		return results[i].Entry.Importance > results[j].Entry.Importance
	})
	if len(results) > k {
		results = results[:k]
	}
	return results, nil
}

// entryEmbedding returns the entry's embedding, generating and caching
// it on first use.
func (s *Service) entryEmbedding(ctx context.Context, e *ArchivalEntry) ([]float64, error) {
	s.mu.RLock()
	vec := e.embedding
	s.mu.RUnlock()
	if vec != nil {
		return vec, nil
	}
	vec, err := s.embedder.Embed(ctx, e.Text)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	e.embedding = vec
	s.mu.Unlock()
	return vec, nil
}

// DeleteArchival removes an entry.
func (s *Service) DeleteArchival(ctx context.Context, id string) error {
	return s.submit(ctx, func() error {
		s.mu.Lock()
		_, ok := s.archival[id]
		delete(s.archival, id)
		s.mu.Unlock()
		if !ok {
			return domain.Ef(domain.KindNotFound, "archival entry %s not found", id)
		}
		_, err := s.db.Exec("DELETE FROM archival WHERE id = ?", id)
		return err
	})
}

// RecordEvent appends an episodic recall entry.
func (s *Service) RecordEvent(ctx context.Context, entry RecallEntry) (string, error) {
	if entry.EventKind == "" {
		return "", domain.E(domain.KindInvalidInput, "empty event kind")
	}
	if entry.ID == "" {
		entry.ID = uuid.New().String()
	}
	if entry.TS.IsZero() {
		entry.TS = time.Now()
	}
	err := s.submit(ctx, func() error {
		participants, _ := json.Marshal(entry.Participants)
		emotions, _ := json.Marshal(entry.Emotions)
		ctxJSON, _ := json.Marshal(entry.Context)
		_, err := s.db.Exec(`
		INSERT INTO recall (id, event_kind, description, ts, participants, emotions, context)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
			entry.ID, entry.EventKind, entry.Description, entry.TS,
			string(participants), string(emotions), string(ctxJSON))
		return err
	})
	if err != nil {
		return "", err
	}
	return entry.ID, nil
}

// RecallQuery filters episodic entries. Zero values mean "no filter".
type RecallQuery struct {
	EventKind string
	From      time.Time
	To        time.Time
	Limit     int
}

// QueryRecall returns episodic entries matching the filter, newest
// first.
func (s *Service) QueryRecall(ctx context.Context, q RecallQuery) ([]RecallEntry, error) {
	query := "SELECT id, event_kind, description, ts, participants, emotions, context FROM recall WHERE 1=1"
	var args []any
	if q.EventKind != "" {
		query += " AND event_kind = ?"
		args = append(args, q.EventKind)
	}
	if !q.From.IsZero() {
		query += " AND ts >= ?"
		args = append(args, q.From)
	}
	if !q.To.IsZero() {
		query += " AND ts <= ?"
		args = append(args, q.To)
	}
	query += " ORDER BY ts DESC"
	if q.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, q.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []RecallEntry
	for rows.Next() {
		var e RecallEntry
		var participants, emotions, ctxJSON sql.NullString
		if err := rows.Scan(&e.ID, &e.EventKind, &e.Description, &e.TS, &participants, &emotions, &ctxJSON); err != nil {
			return nil, err
		}
		if participants.Valid && participants.String != "null" {
			_ = json.Unmarshal([]byte(participants.String), &e.Participants)
		}
		if emotions.Valid && emotions.String != "null" {
			_ = json.Unmarshal([]byte(emotions.String), &e.Emotions)
		}
		if ctxJSON.Valid && ctxJSON.String != "null" {
			_ = json.Unmarshal([]byte(ctxJSON.String), &e.Context)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// ContextOptions controls BuildContext.
type ContextOptions struct {
	ArchivalQuery string
	ArchivalK     int
}

// BuildContext assembles Core, then (optionally) relevant archival
// memories under a RELEVANT MEMORIES heading, then working memory in
// order, truncated to max_context_tokens.
func (s *Service) BuildContext(ctx context.Context, opts ContextOptions) (string, error) {
	var b strings.Builder

	core := s.Core()
	writeCoreSection(&b, "PERSONA", core.Persona)
	writeCoreSection(&b, "HUMAN", core.Human)
	if len(core.SystemFacts) > 0 {
		b.WriteString("SYSTEM FACTS:\n")
		for _, f := range core.SystemFacts {
			b.WriteString("- " + f + "\n")
		}
		b.WriteString("\n")
	}
	if len(core.UserFacts) > 0 {
		b.WriteString("USER FACTS:\n")
		for _, f := range core.UserFacts {
			b.WriteString("- " + f + "\n")
		}
		b.WriteString("\n")
	}
	names := make([]string, 0, len(core.Custom))
	for name := range core.Custom {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		writeCoreSection(&b, strings.ToUpper(name), core.Custom[name])
	}

	if opts.ArchivalQuery != "" {
		results, err := s.SearchArchival(ctx, opts.ArchivalQuery, opts.ArchivalK)
		if err != nil {
			return "", err
		}
		if len(results) > 0 {
			b.WriteString("RELEVANT MEMORIES:\n")
			for _, r := range results {
				b.WriteString("- " + r.Entry.Text + "\n")
			}
			b.WriteString("\n")
		}
	}

	for _, m := range s.Working() {
		b.WriteString(m.Role + ": " + m.Content + "\n")
	}

	out := b.String()
	for s.estimator.Estimate(out) > s.cfg.MaxContextTokens {
		// Drop from the end; core always survives at the front.
		lines := strings.Split(strings.TrimRight(out, "\n"), "\n")
		if len(lines) <= 1 {
			break
		}
		out = strings.Join(lines[:len(lines)-1], "\n") + "\n"
	}
	return out, nil
}

func writeCoreSection(b *strings.Builder, heading, text string) {
	if text == "" {
		return
	}
	b.WriteString(heading + ":\n" + text + "\n\n")
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

// jaccard is word-set similarity in [0,1].
func jaccard(a, b string) float64 {
	setA := wordSet(a)
	setB := wordSet(b)
	if len(setA) == 0 || len(setB) == 0 {
		return 0
	}
	inter := 0
	for w := range setA {
		if setB[w] {
			inter++
		}
	}
	union := len(setA) + len(setB) - inter
	return float64(inter) / float64(union)
}

func wordSet(text string) map[string]bool {
	set := make(map[string]bool)
	for _, w := range strings.Fields(strings.ToLower(text)) {
		w = strings.Trim(w, ".,!?;:'\"()")
		if len(w) > 1 {
			set[w] = true
		}
	}
	return set
}
