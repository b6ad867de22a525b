// Package feedback records user feedback keyed by a normalized query
// hash and derives bounded tuning adjustments from the aggregates.
package feedback

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/groundline-ai/groundline/pkg/domain"
)

// Kind is the feedback signal type.
type Kind string

const (
	KindPositive   Kind = "pos"
	KindNegative   Kind = "neg"
	KindAccept     Kind = "accept"
	KindReject     Kind = "reject"
	KindCorrection Kind = "correction"
	KindEdit       Kind = "edit"
	KindRegen      Kind = "regen"
)

var validKinds = map[Kind]bool{
	KindPositive: true, KindNegative: true, KindAccept: true,
	KindReject: true, KindCorrection: true, KindEdit: true, KindRegen: true,
}

// positive and negative buckets for the rates; edits are neutral.
func (k Kind) positive() bool { return k == KindPositive || k == KindAccept }
func (k Kind) negative() bool {
	return k == KindNegative || k == KindReject || k == KindCorrection || k == KindRegen
}

// Entry is one recorded piece of feedback.
type Entry struct {
	ID         string             `json:"id"`
	TS         time.Time          `json:"ts"`
	Query      string             `json:"query"`
	Response   string             `json:"response"`
	Kind       Kind               `json:"kind"`
	Dimensions map[string]float64 `json:"dimensions,omitempty"`
	Comment    string             `json:"comment,omitempty"`
	Correction string             `json:"correction,omitempty"`
	UserID     string             `json:"user_id,omitempty"`
	SessionID  string             `json:"session_id,omitempty"`
}

// Summary aggregates feedback for one query family (or the whole
// store).
type Summary struct {
	Total           int                `json:"total"`
	PositiveRate    float64            `json:"positive_rate"`
	NegativeRate    float64            `json:"negative_rate"`
	AvgByDim        map[string]float64 `json:"avg_by_dim"`
	CommonIssues    []string           `json:"common_issues"`
	Recommendations []string           `json:"recommendations"`
}

// Tuning knob bounds.
const (
	TempRange      = 0.3
	MaxTokensFloor = -200
	MaxTokensCeil  = 500
	RetrievalKMin  = -2
	RetrievalKMax  = 5
)

// Tuning is the set of bounded adjustments learned from feedback.
type Tuning struct {
	Temperature     float64 `json:"temperature"`
	MaxTokensDelta  int     `json:"max_tokens_delta"`
	RetrievalKDelta int     `json:"retrieval_k_delta"`
}

// Store is the sqlite-backed feedback log.
type Store struct {
	db *sql.DB
}

// NewStore opens (or creates) the feedback database at path.
func NewStore(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open feedback db: %w", err)
	}
	s := &Store{db: db}
	if err := s.createTables(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) createTables() error {
	_, err := s.db.Exec(`
	CREATE TABLE IF NOT EXISTS feedback (
		id         TEXT PRIMARY KEY,
		ts         INTEGER NOT NULL,
		query_hash TEXT NOT NULL,
		query      TEXT NOT NULL,
		response   TEXT NOT NULL,
		kind       TEXT NOT NULL,
		dimensions TEXT,
		comment    TEXT,
		correction TEXT,
		user_id    TEXT,
		session_id TEXT
	);
	CREATE INDEX IF NOT EXISTS idx_feedback_hash ON feedback(query_hash);
	CREATE INDEX IF NOT EXISTS idx_feedback_ts   ON feedback(ts);`)
	if err != nil {
		return fmt.Errorf("failed to create feedback tables: %w", err)
	}
	return nil
}

// Close releases the database handle.
func (s *Store) Close() error { return s.db.Close() }

var whitespaceRun = regexp.MustCompile(`\s+`)

// NormalizeQuery lowercases, strips punctuation, and collapses
// whitespace so near-identical queries share a hash.
func NormalizeQuery(query string) string {
	lowered := strings.ToLower(strings.TrimSpace(query))
	var b strings.Builder
	for _, r := range lowered {
		if r >= 'a' && r <= 'z' || r >= '0' && r <= '9' || r == ' ' {
			b.WriteRune(r)
		}
	}
	return whitespaceRun.ReplaceAllString(strings.TrimSpace(b.String()), " ")
}

// QueryHash is the index key of a query family.
func QueryHash(query string) string {
	sum := sha256.Sum256([]byte(NormalizeQuery(query)))
	return hex.EncodeToString(sum[:])
}

// Record validates and persists one entry, returning its id.
func (s *Store) Record(ctx context.Context, e Entry) (string, error) {
	if strings.TrimSpace(e.Query) == "" {
		return "", domain.E(domain.KindInvalidInput, "feedback requires a query")
	}
	if !validKinds[e.Kind] {
		return "", domain.Ef(domain.KindInvalidInput, "unknown feedback kind %q", e.Kind)
	}
	for dim, v := range e.Dimensions {
		if v < 0 || v > 1 {
			return "", domain.Ef(domain.KindInvalidInput, "dimension %q must be in [0,1]", dim)
		}
	}
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.TS.IsZero() {
		e.TS = time.Now()
	}

	var dims []byte
	if len(e.Dimensions) > 0 {
		var err error
		dims, err = json.Marshal(e.Dimensions)
		if err != nil {
			return "", fmt.Errorf("failed to marshal dimensions: %w", err)
		}
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO feedback (id, ts, query_hash, query, response, kind, dimensions, comment, correction, user_id, session_id)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.TS.UnixNano(), QueryHash(e.Query), e.Query, e.Response, string(e.Kind),
		string(dims), e.Comment, e.Correction, e.UserID, e.SessionID)
	if err != nil {
		return "", fmt.Errorf("failed to insert feedback: %w", err)
	}
	return e.ID, nil
}

// ForQuery returns the entries of one query family, newest first.
func (s *Store) ForQuery(ctx context.Context, query string) ([]Entry, error) {
	return s.scan(ctx, `SELECT id, ts, query, response, kind, dimensions, comment, correction, user_id, session_id
		FROM feedback WHERE query_hash = ? ORDER BY ts DESC`, QueryHash(query))
}

// All returns every entry, newest first.
func (s *Store) All(ctx context.Context) ([]Entry, error) {
	return s.scan(ctx, `SELECT id, ts, query, response, kind, dimensions, comment, correction, user_id, session_id
		FROM feedback ORDER BY ts DESC`)
}

func (s *Store) scan(ctx context.Context, query string, args ...any) ([]Entry, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query feedback: %w", err)
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var (
			e    Entry
			ts   int64
			dims sql.NullString
			kind string
		)
		if err := rows.Scan(&e.ID, &ts, &e.Query, &e.Response, &kind, &dims,
			&e.Comment, &e.Correction, &e.UserID, &e.SessionID); err != nil {
			return nil, fmt.Errorf("failed to scan feedback: %w", err)
		}
		e.TS = time.Unix(0, ts)
		e.Kind = Kind(kind)
		if dims.Valid && dims.String != "" {
			if err := json.Unmarshal([]byte(dims.String), &e.Dimensions); err != nil {
				return nil, fmt.Errorf("failed to decode dimensions: %w", err)
			}
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// Aggregate summarizes one query family; an empty query summarizes the
// whole store.
func (s *Store) Aggregate(ctx context.Context, query string) (*Summary, error) {
	var (
		entries []Entry
		err     error
	)
	if strings.TrimSpace(query) == "" {
		entries, err = s.All(ctx)
	} else {
		entries, err = s.ForQuery(ctx, query)
	}
	if err != nil {
		return nil, err
	}
	return summarize(entries), nil
}

func summarize(entries []Entry) *Summary {
	sum := &Summary{AvgByDim: map[string]float64{}}
	if len(entries) == 0 {
		return sum
	}
	sum.Total = len(entries)

	var pos, neg, corrections, regens int
	dimTotals := map[string]float64{}
	dimCounts := map[string]int{}
	for _, e := range entries {
		if e.Kind.positive() {
			pos++
		}
		if e.Kind.negative() {
			neg++
		}
		if e.Kind == KindCorrection {
			corrections++
		}
		if e.Kind == KindRegen {
			regens++
		}
		for dim, v := range e.Dimensions {
			dimTotals[dim] += v
			dimCounts[dim]++
		}
	}
	sum.PositiveRate = float64(pos) / float64(len(entries))
	sum.NegativeRate = float64(neg) / float64(len(entries))
	for dim, total := range dimTotals {
		sum.AvgByDim[dim] = total / float64(dimCounts[dim])
	}

	var lowDims []string
	for dim, avg := range sum.AvgByDim {
		if avg < 0.5 {
			lowDims = append(lowDims, dim)
		}
	}
	sort.Strings(lowDims)
	for _, dim := range lowDims {
		sum.CommonIssues = append(sum.CommonIssues, "low "+dim+" scores")
	}
	if corrections > 0 {
		sum.CommonIssues = append(sum.CommonIssues, "answers required user corrections")
	}
	if regens > 0 {
		sum.CommonIssues = append(sum.CommonIssues, "responses frequently regenerated")
	}

	if sum.NegativeRate > 0.5 {
		sum.Recommendations = append(sum.Recommendations, "review retrieval quality for this query family")
	}
	for _, dim := range lowDims {
		sum.Recommendations = append(sum.Recommendations, "improve "+dim+" in generated answers")
	}
	if corrections > 0 {
		sum.Recommendations = append(sum.Recommendations, "surface stored corrections as additional context")
	}
	return sum
}

// Tune derives bounded adjustments for one query family from its
// aggregate rates. Negative feedback lowers temperature and raises
// retrieval depth; low completeness scores raise the token allowance.
func (s *Store) Tune(ctx context.Context, query string, baseTemp float64) (Tuning, error) {
	sum, err := s.Aggregate(ctx, query)
	if err != nil {
		return Tuning{}, err
	}

	temp := baseTemp + TempRange*(sum.PositiveRate-sum.NegativeRate)
	temp = clampF(temp, baseTemp-TempRange, baseTemp+TempRange)

	kDelta := int(math.Round(5*sum.NegativeRate - 2*sum.PositiveRate))
	kDelta = clampI(kDelta, RetrievalKMin, RetrievalKMax)

	tokensDelta := 0
	if completeness, ok := sum.AvgByDim["completeness"]; ok {
		tokensDelta = clampI(int(math.Round((0.5-completeness)*1000)), MaxTokensFloor, MaxTokensCeil)
	}

	return Tuning{
		Temperature:     temp,
		MaxTokensDelta:  tokensDelta,
		RetrievalKDelta: kDelta,
	}, nil
}

func clampF(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func clampI(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
