package workers

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/groundline-ai/groundline/pkg/domain"
	"github.com/groundline-ai/groundline/pkg/rag"
	"github.com/groundline-ai/groundline/pkg/verify"
)

// Retriever is the slice of the retrieval engine workers consume.
type Retriever interface {
	Retrieve(ctx context.Context, query string, opts rag.Options) (*domain.RetrievalResponse, error)
}

// base carries the shared generator plumbing.
type base struct {
	name         string
	role         string
	capabilities []string
	systemPrompt string
	generator    domain.Generator
}

func (b *base) Name() string           { return b.name }
func (b *base) Role() string           { return b.role }
func (b *base) Capabilities() []string { return append([]string(nil), b.capabilities...) }
func (b *base) SystemPrompt() string   { return b.systemPrompt }

// generate runs the generator with the worker's system prompt and the
// assembled context sections ahead of the instruction.
func (b *base) generate(ctx context.Context, wctx Context, instruction string, temperature float64) (string, error) {
	if b.generator == nil {
		return "", domain.E(domain.KindBackendUnavailable, "no generation backend")
	}
	var prompt strings.Builder
	if wctx.MemoryContext != "" {
		prompt.WriteString(wctx.MemoryContext + "\n")
	}
	if len(wctx.Documents) > 0 {
		prompt.WriteString("CONTEXT:\n" + strings.Join(wctx.Documents, "\n\n") + "\n\n")
	}
	if wctx.PreviousResults != "" {
		prompt.WriteString("PREVIOUS RESULTS:\n" + wctx.PreviousResults + "\n\n")
	}
	for _, m := range wctx.ChatHistory {
		prompt.WriteString(m.Role + ": " + m.Content + "\n")
	}
	prompt.WriteString(instruction)

	return b.generator.Generate(ctx, prompt.String(), &domain.GenerationOptions{
		System:      b.systemPrompt,
		Temperature: temperature,
	})
}

// ResearchWorker retrieves evidence and synthesizes an answer with
// citations.
type ResearchWorker struct {
	base
	retriever Retriever
}

// NewResearchWorker wires retrieval plus synthesis.
func NewResearchWorker(g domain.Generator, retriever Retriever) *ResearchWorker {
	return &ResearchWorker{
		base: base{
			name:         "research",
			role:         "researcher",
			capabilities: []string{"retrieval", "synthesis"},
			systemPrompt: "You are a research specialist. Ground every claim in the provided context and cite sources with their [n] anchors. Say so when the context does not cover the question.",
			generator:    g,
		},
		retriever: retriever,
	}
}

// Execute implements Worker.
func (w *ResearchWorker) Execute(ctx context.Context, task Task, wctx Context) (*Response, error) {
	var sources []domain.Citation
	if w.retriever != nil {
		resp, err := w.retriever.Retrieve(ctx, task.Query, rag.Options{TopK: rag.DefaultTopK, Rerank: true})
		if err != nil {
			if domain.KindOf(err) == domain.KindCancelled {
				return nil, err
			}
			return failed(err), nil
		}
		if resp.PackedContext != "" {
			wctx.Documents = append(wctx.Documents, resp.PackedContext)
		}
		sources = resp.Citations
	}

	content, err := w.generate(ctx, wctx, "Answer the question: "+task.Query, 0.3)
	if err != nil {
		if domain.KindOf(err) == domain.KindCancelled {
			return nil, err
		}
		return failed(err), nil
	}
	return &Response{
		Content:  content,
		Sources:  sources,
		Metadata: map[string]any{"retrieved": len(sources)},
		OK:       true,
	}, nil
}

// Writer document types and tones.
var (
	writerTypes = map[string]bool{
		"email": true, "report": true, "summary": true,
		"proposal": true, "doc": true, "slides": true,
	}
	writerTones = map[string]bool{
		"formal": true, "friendly": true, "technical": true, "persuasive": true,
	}
)

// WriterWorker produces formatted prose of a requested type and tone.
type WriterWorker struct{ base }

// NewWriterWorker builds the writer.
func NewWriterWorker(g domain.Generator) *WriterWorker {
	return &WriterWorker{base{
		name:         "writer",
		role:         "writer",
		capabilities: []string{"drafting", "formatting"},
		systemPrompt: "You are a professional writer. Produce well-structured prose in the requested document type and tone.",
		generator:    g,
	}}
}

// Execute implements Worker. Params: doc_type, tone.
func (w *WriterWorker) Execute(ctx context.Context, task Task, wctx Context) (*Response, error) {
	docType := paramString(task.Params, "doc_type", "doc")
	tone := paramString(task.Params, "tone", "formal")
	if !writerTypes[docType] {
		return nil, domain.Ef(domain.KindInvalidInput, "unknown document type %q", docType)
	}
	if !writerTones[tone] {
		return nil, domain.Ef(domain.KindInvalidInput, "unknown tone %q", tone)
	}

	instruction := fmt.Sprintf("Write a %s in a %s tone. Task: %s", docType, tone, task.Query)
	content, err := w.generate(ctx, wctx, instruction, 0.7)
	if err != nil {
		if domain.KindOf(err) == domain.KindCancelled {
			return nil, err
		}
		return failed(err), nil
	}
	return &Response{
		Content:  content,
		Metadata: map[string]any{"doc_type": docType, "tone": tone},
		OK:       true,
	}, nil
}

// analyzer operations.
var analyzerOps = map[string]bool{
	"summarize": true, "compare": true, "extract": true,
	"trend": true, "risk": true, "gap": true,
}

// AnalyzerWorker runs one of the supported analysis operations over
// the provided documents.
type AnalyzerWorker struct{ base }

// NewAnalyzerWorker builds the analyzer.
func NewAnalyzerWorker(g domain.Generator) *AnalyzerWorker {
	return &AnalyzerWorker{base{
		name:         "analyzer",
		role:         "analyst",
		capabilities: []string{"summarize", "compare", "extract", "trend", "risk", "gap"},
		systemPrompt: "You are an analyst. Base every observation strictly on the provided material.",
		generator:    g,
	}}
}

// Execute implements Worker. Params: operation.
func (w *AnalyzerWorker) Execute(ctx context.Context, task Task, wctx Context) (*Response, error) {
	op := paramString(task.Params, "operation", "summarize")
	if !analyzerOps[op] {
		return nil, domain.Ef(domain.KindInvalidInput, "unknown analysis operation %q", op)
	}
	instruction := fmt.Sprintf("Perform a %s analysis. Task: %s", op, task.Query)
	content, err := w.generate(ctx, wctx, instruction, 0.2)
	if err != nil {
		if domain.KindOf(err) == domain.KindCancelled {
			return nil, err
		}
		return failed(err), nil
	}
	return &Response{
		Content:  content,
		Metadata: map[string]any{"operation": op},
		OK:       true,
	}, nil
}

// AssistantWorker handles chat turns, optionally pulling retrieval
// context first.
type AssistantWorker struct {
	base
	retriever Retriever
}

// NewAssistantWorker builds the assistant; retriever may be nil for a
// pure chat assistant.
func NewAssistantWorker(g domain.Generator, retriever Retriever) *AssistantWorker {
	return &AssistantWorker{
		base: base{
			name:         "assistant",
			role:         "assistant",
			capabilities: []string{"chat", "retrieval"},
			systemPrompt: "You are a helpful assistant. Be concise and direct.",
			generator:    g,
		},
		retriever: retriever,
	}
}

// Execute implements Worker. Params: retrieve (bool) forces a lookup.
func (w *AssistantWorker) Execute(ctx context.Context, task Task, wctx Context) (*Response, error) {
	var sources []domain.Citation
	if w.retriever != nil && paramBool(task.Params, "retrieve") {
		resp, err := w.retriever.Retrieve(ctx, task.Query, rag.Options{TopK: rag.DefaultTopK})
		if err == nil && resp.PackedContext != "" {
			wctx.Documents = append(wctx.Documents, resp.PackedContext)
			sources = resp.Citations
		}
	}
	content, err := w.generate(ctx, wctx, task.Query, 0.7)
	if err != nil {
		if domain.KindOf(err) == domain.KindCancelled {
			return nil, err
		}
		return failed(err), nil
	}
	return &Response{Content: content, Sources: sources, OK: true}, nil
}

// PlannerWorker decomposes a task into ordered steps, one per line.
type PlannerWorker struct{ base }

// NewPlannerWorker builds the planner.
func NewPlannerWorker(g domain.Generator) *PlannerWorker {
	return &PlannerWorker{base{
		name:         "planner",
		role:         "planner",
		capabilities: []string{"decomposition"},
		systemPrompt: "You decompose tasks into minimal ordered steps. Output one step per line, nothing else.",
		generator:    g,
	}}
}

// Execute implements Worker.
func (w *PlannerWorker) Execute(ctx context.Context, task Task, wctx Context) (*Response, error) {
	content, err := w.generate(ctx, wctx, "Decompose this task into steps: "+task.Query, 0.2)
	if err != nil {
		if domain.KindOf(err) == domain.KindCancelled {
			return nil, err
		}
		return failed(err), nil
	}
	var steps []string
	for _, line := range strings.Split(content, "\n") {
		line = strings.TrimSpace(strings.TrimLeft(line, "-*0123456789. "))
		if line != "" {
			steps = append(steps, line)
		}
	}
	return &Response{
		Content:  content,
		Metadata: map[string]any{"steps": steps},
		OK:       true,
	}, nil
}

// critic scoring dimensions.
var criticDimensions = []string{"accuracy", "relevance", "completeness", "clarity", "helpfulness"}

// CriticWorker scores an answer per dimension and proposes revisions.
// It combines a deterministic verifier pass with LLM judgment when a
// generator is present.
type CriticWorker struct {
	base
	verifier *verify.Verifier
}

// NewCriticWorker builds the critic.
func NewCriticWorker(g domain.Generator) *CriticWorker {
	return &CriticWorker{
		base: base{
			name:         "critic",
			role:         "critic",
			capabilities: criticDimensions,
			systemPrompt: "You are a strict reviewer. Score the answer from 0 to 1 per dimension and suggest concrete revisions. Respond with JSON only.",
			generator:    g,
		},
		verifier: verify.New(),
	}
}

type criticVerdict struct {
	Scores    map[string]float64 `json:"scores"`
	Revisions []string           `json:"revisions"`
}

// Execute implements Worker. Params: answer (required); the query is
// the original question the answer addresses. Documents carry the
// retrieved context the answer must be grounded in.
func (w *CriticWorker) Execute(ctx context.Context, task Task, wctx Context) (*Response, error) {
	answer := paramString(task.Params, "answer", "")
	if answer == "" {
		return nil, domain.E(domain.KindInvalidInput, "critic requires an answer to review")
	}

	chunks := make([]domain.RetrievalResult, len(wctx.Documents))
	for i, d := range wctx.Documents {
		chunks[i] = domain.RetrievalResult{Text: d}
	}
	report := w.verifier.Check(answer, chunks)

	verdict := criticVerdict{Scores: map[string]float64{}}
	for _, dim := range criticDimensions {
		verdict.Scores[dim] = report.OverallScore
	}
	verdict.Revisions = report.Recommendations

	if w.generator != nil {
		instruction := fmt.Sprintf(
			"Question: %s\n\nAnswer under review:\n%s\n\nScore each of %s in [0,1] and list revisions as JSON {\"scores\":{...},\"revisions\":[...]}.",
			task.Query, answer, strings.Join(criticDimensions, ", "))
		out, err := w.generate(ctx, wctx, instruction, 0)
		if err == nil {
			var llm criticVerdict
			if parseErr := json.Unmarshal([]byte(extractJSON(out)), &llm); parseErr == nil && len(llm.Scores) > 0 {
				for dim, score := range llm.Scores {
					if score >= 0 && score <= 1 {
						verdict.Scores[dim] = score
					}
				}
				verdict.Revisions = append(verdict.Revisions, llm.Revisions...)
			}
		} else if domain.KindOf(err) == domain.KindCancelled {
			return nil, err
		}
	}

	overall := 0.0
	for _, dim := range criticDimensions {
		overall += verdict.Scores[dim]
	}
	overall /= float64(len(criticDimensions))

	payload, _ := json.Marshal(verdict)
	return &Response{
		Content: string(payload),
		Metadata: map[string]any{
			"overall":        overall,
			"verifier_score": report.OverallScore,
			"scores":         verdict.Scores,
			"revisions":      verdict.Revisions,
		},
		OK: true,
	}, nil
}

// DefaultRegistry registers the six built-in workers.
func DefaultRegistry(g domain.Generator, retriever Retriever) *Registry {
	r := NewRegistry()
	_ = r.Register(NewResearchWorker(g, retriever))
	_ = r.Register(NewWriterWorker(g))
	_ = r.Register(NewAnalyzerWorker(g))
	_ = r.Register(NewAssistantWorker(g, retriever))
	_ = r.Register(NewPlannerWorker(g))
	_ = r.Register(NewCriticWorker(g))
	return r
}

func paramString(params map[string]any, key, fallback string) string {
	if params == nil {
		return fallback
	}
	if v, ok := params[key].(string); ok && v != "" {
		return v
	}
	return fallback
}

func paramBool(params map[string]any, key string) bool {
	if params == nil {
		return false
	}
	v, _ := params[key].(bool)
	return v
}

func extractJSON(out string) string {
	start := strings.Index(out, "{")
	end := strings.LastIndex(out, "}")
	if start < 0 || end <= start {
		return "{}"
	}
	return out[start : end+1]
}
