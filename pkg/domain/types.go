package domain

import (
	"context"
	"time"
)

// SourceKind identifies what a source was ingested from.
type SourceKind string

const (
	SourceText  SourceKind = "text"
	SourcePDF   SourceKind = "pdf"
	SourceHTML  SourceKind = "html"
	SourceAudio SourceKind = "audio"
	SourceImage SourceKind = "image"
	SourceCode  SourceKind = "code"
)

// Source owns a set of chunks. Deleting the source cascades.
type Source struct {
	ID          string     `json:"id"`
	URI         string     `json:"uri"`
	Kind        SourceKind `json:"kind"`
	Mime        string     `json:"mime,omitempty"`
	IngestTime  time.Time  `json:"ingest_time"`
	ContentHash string     `json:"content_hash"`
}

// Chunk is a bounded unit of source text indexed for retrieval.
// (SourceID, Ordinal) is unique; chunks are immutable after ingest.
type Chunk struct {
	ID       string         `json:"id"`
	SourceID string         `json:"source_id"`
	Ordinal  int            `json:"ordinal"`
	Text     string         `json:"text"`
	Page     int            `json:"page,omitempty"`
	Metadata map[string]any `json:"metadata,omitempty"`
	Vector   []float64      `json:"vector,omitempty"`
}

// MatchKind says which search leg produced a retrieval result.
type MatchKind string

const (
	MatchDense  MatchKind = "dense"
	MatchSparse MatchKind = "sparse"
	MatchGraph  MatchKind = "graph"
)

// RetrievalResult is transient; it lives for at most one request.
type RetrievalResult struct {
	ChunkID     string    `json:"chunk_id"`
	SourceID    string    `json:"source_id"`
	Score       float64   `json:"score"`
	MatchKind   MatchKind `json:"match_kind"`
	RerankScore float64   `json:"rerank_score,omitempty"`
	Text        string    `json:"text,omitempty"`
}

// Citation anchors a packed-context reference back to its chunk.
type Citation struct {
	Index    int    `json:"index"`
	ChunkID  string `json:"chunk_id"`
	SourceID string `json:"source_id"`
	Span     string `json:"span,omitempty"`
}

// RetrievalResponse is the retrieval engine's public result.
type RetrievalResponse struct {
	Results       []RetrievalResult `json:"results"`
	PackedContext string            `json:"packed_context"`
	Citations     []Citation        `json:"citations"`
	TokenEst      int               `json:"token_est"`
}

// Message is one turn inside a conversation or working memory.
type Message struct {
	ID       string         `json:"id"`
	Role     string         `json:"role"` // user, assistant, system, tool
	Content  string         `json:"content"`
	TS       time.Time      `json:"ts"`
	TokenEst int            `json:"token_est"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// Conversation holds ordered messages with named branches. Branch
// "main" is implicit and always present.
type Conversation struct {
	ID           string               `json:"id"`
	Title        string               `json:"title,omitempty"`
	SystemPrompt string               `json:"system_prompt,omitempty"`
	BranchName   string               `json:"branch_name"`
	Messages     []Message            `json:"messages"`
	Branches     map[string][]Message `json:"branches,omitempty"`
	CreatedAt    time.Time            `json:"created_at"`
	UpdatedAt    time.Time            `json:"updated_at"`
}

// Stats summarizes the indexed corpus.
type Stats struct {
	TotalSources int `json:"total_sources"`
	TotalChunks  int `json:"total_chunks"`
	TotalVectors int `json:"total_vectors"`
}

// Embedder turns text into a fixed-dimension vector. Deterministic for a
// given input and model; the dimension is fixed per process lifetime.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float64, error)
}

// GenerationOptions are the recognized generation knobs.
type GenerationOptions struct {
	Temperature float64
	MaxTokens   int
	System      string
	Stop        []string
	Model       string
}

// Generator produces text from a prompt, optionally streaming fragments
// through a callback.
type Generator interface {
	Generate(ctx context.Context, prompt string, opts *GenerationOptions) (string, error)
	Stream(ctx context.Context, prompt string, opts *GenerationOptions, callback func(string)) error
}

// TokenEstimator estimates token counts for budget accounting.
type TokenEstimator interface {
	Estimate(text string) int
}
