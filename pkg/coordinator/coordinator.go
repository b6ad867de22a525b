// Package coordinator assembles plans over the worker registry and
// drives execution: classification, single- and multi-step plans, an
// opt-in ReAct loop, and a verification-driven reflection pass.
package coordinator

import (
	"context"
	"log/slog"
	"strings"

	"github.com/groundline-ai/groundline/pkg/domain"
	"github.com/groundline-ai/groundline/pkg/log"
	"github.com/groundline-ai/groundline/pkg/memory"
	"github.com/groundline-ai/groundline/pkg/router"
	"github.com/groundline-ai/groundline/pkg/trace"
	"github.com/groundline-ai/groundline/pkg/verify"
	"github.com/groundline-ai/groundline/pkg/workers"
)

// Defaults.
const (
	DefaultReflectThreshold = 0.5
	DefaultMaxIters         = 10
)

// FinalResponse is the coordinator's public result.
type FinalResponse struct {
	Content  string            `json:"content"`
	Sources  []domain.Citation `json:"sources,omitempty"`
	Metadata map[string]any    `json:"metadata,omitempty"`
	TraceID  string            `json:"trace_id,omitempty"`
}

// Options tunes one execution. Strict turns a verification failure
// that survives the retry into a hard error instead of a degraded
// response.
type Options struct {
	ReflectThreshold float64
	DisableReflect   bool
	Strict           bool
	ReAct            bool
	MaxIters         int
	WorkerParams     map[string]any
}

// Coordinator is the execution entry point.
type Coordinator struct {
	router   *router.Router
	registry *workers.Registry
	memory   *memory.Service
	verifier *verify.Verifier
	tracer   *trace.Tracer
	tools    ToolCaller
	logger   *slog.Logger
}

// ToolCaller is the slice of the MCP tool registry the ReAct loop
// invokes actions through.
type ToolCaller interface {
	ToolNames() []string
	CallTool(ctx context.Context, name string, args map[string]any) (string, error)
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithMemory attaches the tiered memory service.
func WithMemory(m *memory.Service) Option {
	return func(c *Coordinator) { c.memory = m }
}

// WithTracer attaches span recording.
func WithTracer(t *trace.Tracer) Option {
	return func(c *Coordinator) { c.tracer = t }
}

// WithTools enables ReAct actions.
func WithTools(tc ToolCaller) Option {
	return func(c *Coordinator) { c.tools = tc }
}

// New builds a coordinator over a router and a worker registry.
func New(r *router.Router, registry *workers.Registry, opts ...Option) *Coordinator {
	c := &Coordinator{
		router:   r,
		registry: registry,
		verifier: verify.New(),
		logger:   log.WithModule("coordinator"),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Execute classifies the task, runs the plan, and applies the
// reflection loop.
func (c *Coordinator) Execute(ctx context.Context, task string, opts Options) (*FinalResponse, error) {
	if strings.TrimSpace(task) == "" {
		return nil, domain.E(domain.KindInvalidInput, "empty task")
	}
	if opts.ReflectThreshold <= 0 {
		opts.ReflectThreshold = DefaultReflectThreshold
	}

	ctx, span := c.startSpan(ctx, "coordinator.execute")
	var retErr error
	defer func() { span.Finish(retErr) }()

	if opts.ReAct {
		resp, err := c.executeReAct(ctx, task, opts)
		retErr = err
		if resp != nil {
			resp.TraceID = traceID(span)
		}
		return resp, err
	}

	kind, topRoute := c.classify(ctx, task)
	span.SetAttr("task_kind", string(kind))
	span.SetAttr("route", topRoute)

	wctx, err := c.assembleContext(ctx, task)
	if err != nil {
		retErr = err
		return nil, err
	}

	var resp *FinalResponse
	if kind == TaskMultiStep {
		resp, err = c.executePlan(ctx, task, planFor(task, topRoute), opts, wctx)
	} else {
		resp, err = c.executeSingle(ctx, task, workerFor(kind, topRoute), opts, wctx)
	}
	if err != nil {
		retErr = err
		return nil, err
	}

	if !opts.DisableReflect {
		resp, err = c.reflect(ctx, task, resp, opts, wctx)
		if err != nil {
			retErr = err
			return nil, err
		}
	}
	resp.TraceID = traceID(span)
	return resp, nil
}

// executeSingle invokes one worker with the assembled context.
func (c *Coordinator) executeSingle(ctx context.Context, task, workerName string, opts Options, wctx workers.Context) (*FinalResponse, error) {
	w, err := c.registry.Get(workerName)
	if err != nil {
		// An unregistered route target degrades to the assistant.
		w, err = c.registry.Get("assistant")
		if err != nil {
			return nil, err
		}
	}

	spanCtx, span := c.startSpan(ctx, "worker."+w.Name())
	result, err := w.Execute(spanCtx, workers.Task{Query: task, Params: opts.WorkerParams}, wctx)
	span.Finish(err)
	if err != nil {
		return nil, err
	}
	if !result.OK {
		return &FinalResponse{
			Content:  result.Content,
			Metadata: map[string]any{"degraded": []string{"worker_failed"}, "worker": w.Name(), "error": result.Err},
		}, nil
	}

	meta := map[string]any{"worker": w.Name()}
	for k, v := range result.Metadata {
		meta[k] = v
	}
	return &FinalResponse{Content: result.Content, Sources: result.Sources, Metadata: meta}, nil
}

// executePlan runs an ordered multi-step plan, carrying previous
// results forward and unioning sources. Cancellation is honored at
// step boundaries.
func (c *Coordinator) executePlan(ctx context.Context, task string, plan []planStep, opts Options, wctx workers.Context) (*FinalResponse, error) {
	var (
		previous string
		content  string
		merged   string
		sources  []domain.Citation
		executed []string
	)
	seen := map[string]bool{}

	for _, step := range plan {
		if err := ctx.Err(); err != nil {
			return nil, domain.Wrap(domain.KindCancelled, "plan cancelled between steps", err)
		}
		w, err := c.registry.Get(step.worker)
		if err != nil {
			continue // plans survive missing optional specialists
		}

		stepCtx := wctx
		stepCtx.PreviousResults = previous

		spanCtx, span := c.startSpan(ctx, "worker."+step.worker)
		result, err := w.Execute(spanCtx, workers.Task{Query: step.query(task), Params: step.params(opts)}, stepCtx)
		span.Finish(err)
		if err != nil {
			return nil, err
		}
		if !result.OK {
			return &FinalResponse{
				Content: previous,
				Metadata: map[string]any{
					"degraded": []string{"step_failed"}, "failed_step": step.worker,
					"error": result.Err, "steps": executed,
				},
				Sources: sources,
			}, nil
		}

		executed = append(executed, step.worker)
		previous = result.Content
		content = result.Content
		if step.merge {
			merged = result.Content
		}
		for _, src := range result.Sources {
			if !seen[src.ChunkID] {
				seen[src.ChunkID] = true
				sources = append(sources, src)
			}
		}
	}

	if len(executed) == 0 {
		return nil, domain.E(domain.KindInternal, "no plan step could run")
	}
	// A step marked merge supersedes the last step's output.
	if merged != "" {
		content = merged
	}
	return &FinalResponse{
		Content:  content,
		Sources:  sources,
		Metadata: map[string]any{"steps": executed},
	}, nil
}

// reflect verifies the answer and, below the threshold, asks the
// critic for revisions and re-generates once. An answer still below
// the threshold after the retry either fails hard (Strict) or comes
// back with degraded metadata naming the reason.
func (c *Coordinator) reflect(ctx context.Context, task string, resp *FinalResponse, opts Options, wctx workers.Context) (*FinalResponse, error) {
	chunks := make([]domain.RetrievalResult, len(wctx.Documents))
	for i, d := range wctx.Documents {
		chunks[i] = domain.RetrievalResult{Text: d}
	}
	report := c.verifier.Check(resp.Content, chunks)
	if resp.Metadata == nil {
		resp.Metadata = map[string]any{}
	}
	resp.Metadata["verify_score"] = report.OverallScore
	if report.OverallScore >= opts.ReflectThreshold {
		return resp, nil
	}

	// Exactly one retry per request.
	if retry := c.retryWithCritic(ctx, task, resp, opts, wctx); retry != nil {
		retryReport := c.verifier.Check(retry.Content, chunks)
		retry.Sources = resp.Sources
		if retry.Metadata == nil {
			retry.Metadata = map[string]any{}
		}
		retry.Metadata["verify_score"] = retryReport.OverallScore
		retry.Metadata["reflected"] = true
		if retryReport.OverallScore >= opts.ReflectThreshold {
			return retry, nil
		}
		// Both failed; keep whichever scored higher.
		resp.Metadata["reflected"] = true
		if retryReport.OverallScore > report.OverallScore {
			resp = retry
		}
	}

	if opts.Strict {
		return nil, domain.E(domain.KindVerificationFailed, "answer failed verification after retry")
	}
	resp.Metadata["degraded"] = appendReason(resp.Metadata["degraded"], "verification_failed")
	return resp, nil
}

// retryWithCritic asks the critic for revisions and regenerates once.
// Without a usable critic verdict there is nothing to retry with.
func (c *Coordinator) retryWithCritic(ctx context.Context, task string, resp *FinalResponse, opts Options, wctx workers.Context) *FinalResponse {
	critic, err := c.registry.Get("critic")
	if err != nil {
		return nil
	}
	verdict, err := critic.Execute(ctx, workers.Task{
		Query:  task,
		Params: map[string]any{"answer": resp.Content},
	}, wctx)
	if err != nil || !verdict.OK {
		return nil
	}

	revisions, _ := verdict.Metadata["revisions"].([]string)
	retryCtx := wctx
	if len(revisions) > 0 {
		retryCtx.PreviousResults = "Revise per this feedback:\n- " + strings.Join(revisions, "\n- ") +
			"\n\nPrevious answer:\n" + resp.Content
	} else {
		retryCtx.PreviousResults = "The previous answer failed verification; rewrite it strictly from the context.\n\nPrevious answer:\n" + resp.Content
	}
	retry, err := c.executeSingle(ctx, task, "assistant", opts, retryCtx)
	if err != nil {
		return nil
	}
	return retry
}

// appendReason adds a degradation reason, tolerating a missing list.
func appendReason(v any, reason string) []string {
	reasons, _ := v.([]string)
	for _, r := range reasons {
		if r == reason {
			return reasons
		}
	}
	return append(reasons, reason)
}

// assembleContext builds the worker context from core memory, relevant
// archival entries, and the recent chat history slice.
func (c *Coordinator) assembleContext(ctx context.Context, task string) (workers.Context, error) {
	var wctx workers.Context
	if c.memory == nil {
		return wctx, nil
	}
	memCtx, err := c.memory.BuildContext(ctx, memory.ContextOptions{ArchivalQuery: task})
	if err != nil {
		return wctx, err
	}
	wctx.MemoryContext = memCtx
	wctx.ChatHistory = c.memory.Working()
	return wctx, nil
}

func (c *Coordinator) startSpan(ctx context.Context, name string) (context.Context, *trace.Span) {
	if c.tracer == nil {
		return ctx, nil
	}
	return c.tracer.Start(ctx, name, trace.KindInternal)
}

func traceID(span *trace.Span) string {
	if span == nil {
		return ""
	}
	return span.TraceID
}
