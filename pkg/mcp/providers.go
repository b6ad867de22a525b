package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/groundline-ai/groundline/pkg/domain"
	"github.com/groundline-ai/groundline/pkg/feedback"
	"github.com/groundline-ai/groundline/pkg/graph"
	"github.com/groundline-ai/groundline/pkg/memory"
	"github.com/groundline-ai/groundline/pkg/rag"
	"github.com/groundline-ai/groundline/pkg/store"
	"github.com/groundline-ai/groundline/pkg/workers"
)

// PlatformTools exposes retrieval, ingestion, graph, memory, and
// feedback as tools. Any component may be nil; its tools are then not
// advertised.
type PlatformTools struct {
	Engine   *rag.Engine
	Ingestor *rag.Ingestor
	Graph    *graph.Graph
	Memory   *memory.Service
	Feedback *feedback.Store
}

var stringArg = func(desc string) map[string]any {
	return map[string]any{"type": "string", "description": desc}
}

func (p *PlatformTools) Tools(context.Context) ([]Tool, error) {
	var tools []Tool
	if p.Engine != nil {
		tools = append(tools, Tool{
			Name:        "rag_query",
			Description: "Retrieve relevant context for a query from the indexed corpus.",
			InputSchema: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"query": stringArg("the search query"),
					"top_k": map[string]any{"type": "integer", "minimum": 1, "maximum": 50},
				},
				"required": []any{"query"},
			},
		})
	}
	if p.Ingestor != nil {
		tools = append(tools, Tool{
			Name:        "ingest",
			Description: "Ingest a document into the corpus.",
			InputSchema: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"uri":     stringArg("source identifier"),
					"content": stringArg("document text"),
					"kind":    map[string]any{"type": "string", "enum": []any{"text", "pdf", "html", "code"}},
				},
				"required": []any{"uri", "content"},
			},
		})
	}
	if p.Graph != nil {
		tools = append(tools, Tool{
			Name:        "graph_query",
			Description: "Expand the knowledge graph around entities mentioned in the query.",
			InputSchema: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"query": stringArg("entity names or a question mentioning them"),
					"depth": map[string]any{"type": "integer", "minimum": 1, "maximum": 5},
				},
				"required": []any{"query"},
			},
		})
	}
	if p.Memory != nil {
		tools = append(tools,
			Tool{
				Name:        "core_memory_append",
				Description: "Append text to a core memory section.",
				InputSchema: map[string]any{
					"type": "object",
					"properties": map[string]any{
						"section": stringArg("persona, human, system_facts, user_facts, or a custom name"),
						"text":    stringArg("text to append"),
					},
					"required": []any{"section", "text"},
				},
			},
			Tool{
				Name:        "core_memory_replace",
				Description: "Replace a core memory section.",
				InputSchema: map[string]any{
					"type": "object",
					"properties": map[string]any{
						"section": stringArg("section name"),
						"text":    stringArg("replacement text"),
					},
					"required": []any{"section", "text"},
				},
			},
			Tool{
				Name:        "archival_insert",
				Description: "Store a fact in archival memory.",
				InputSchema: map[string]any{
					"type": "object",
					"properties": map[string]any{
						"text":       stringArg("the fact"),
						"importance": map[string]any{"type": "number", "minimum": 0, "maximum": 1},
					},
					"required": []any{"text"},
				},
			},
			Tool{
				Name:        "archival_search",
				Description: "Search archival memory.",
				InputSchema: map[string]any{
					"type": "object",
					"properties": map[string]any{
						"query": stringArg("the search query"),
						"k":     map[string]any{"type": "integer", "minimum": 1, "maximum": 20},
					},
					"required": []any{"query"},
				},
			},
		)
	}
	if p.Feedback != nil {
		tools = append(tools, Tool{
			Name:        "record_feedback",
			Description: "Record user feedback on a generated response.",
			InputSchema: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"query":      stringArg("the original query"),
					"response":   stringArg("the response being rated"),
					"kind":       map[string]any{"type": "string", "enum": []any{"pos", "neg", "accept", "reject", "correction", "edit", "regen"}},
					"comment":    stringArg("optional free-form comment"),
					"correction": stringArg("corrected answer, for kind=correction"),
				},
				"required": []any{"query", "kind"},
			},
		})
	}
	return tools, nil
}

func (p *PlatformTools) Call(ctx context.Context, name string, args map[string]any) (*ToolResult, error) {
	switch name {
	case "rag_query":
		opts := rag.Options{TopK: rag.DefaultTopK}
		if k := intArg(args, "top_k"); k > 0 {
			opts.TopK = k
		}
		resp, err := p.Engine.Retrieve(ctx, strArg(args, "query"), opts)
		if err != nil {
			return nil, err
		}
		if resp.PackedContext == "" {
			return TextResult("no relevant context found"), nil
		}
		return TextResult(resp.PackedContext), nil

	case "ingest":
		kind := domain.SourceKind(strArg(args, "kind"))
		if kind == "" {
			kind = domain.SourceText
		}
		src, err := p.Ingestor.Ingest(ctx, strArg(args, "uri"), kind, "text/plain", strArg(args, "content"))
		if err != nil {
			return nil, err
		}
		return TextResult("ingested source " + src.ID), nil

	case "graph_query":
		depth := intArg(args, "depth")
		exp, err := p.Graph.ExpandForQuery(ctx, strArg(args, "query"), depth)
		if err != nil {
			return nil, err
		}
		if exp.Context == "" {
			return TextResult("no matching entities"), nil
		}
		return TextResult(exp.Context), nil

	case "core_memory_append":
		if err := p.Memory.AppendCore(ctx, strArg(args, "section"), strArg(args, "text")); err != nil {
			return nil, err
		}
		return TextResult("appended"), nil

	case "core_memory_replace":
		if err := p.Memory.ReplaceCore(ctx, strArg(args, "section"), strArg(args, "text")); err != nil {
			return nil, err
		}
		return TextResult("replaced"), nil

	case "archival_insert":
		importance := floatArg(args, "importance")
		if importance == 0 {
			importance = 0.5
		}
		id, err := p.Memory.Archive(ctx, strArg(args, "text"), "tool", importance)
		if err != nil {
			return nil, err
		}
		return TextResult("stored " + id), nil

	case "archival_search":
		hits, err := p.Memory.SearchArchival(ctx, strArg(args, "query"), intArg(args, "k"))
		if err != nil {
			return nil, err
		}
		if len(hits) == 0 {
			return TextResult("no matching memories"), nil
		}
		var b strings.Builder
		for _, h := range hits {
			fmt.Fprintf(&b, "- %s (score %.2f)\n", h.Entry.Text, h.Score)
		}
		return TextResult(b.String()), nil

	case "record_feedback":
		id, err := p.Feedback.Record(ctx, feedback.Entry{
			Query:      strArg(args, "query"),
			Response:   strArg(args, "response"),
			Kind:       feedback.Kind(strArg(args, "kind")),
			Comment:    strArg(args, "comment"),
			Correction: strArg(args, "correction"),
		})
		if err != nil {
			return nil, err
		}
		return TextResult("recorded " + id), nil

	default:
		return nil, domain.Ef(domain.KindNotFound, "tool %q not found", name)
	}
}

// FSTools is the write-capable filesystem tool pair, confined to the
// data root. Paths resolving outside the root are rejected.
type FSTools struct {
	Root string
}

func (f *FSTools) Tools(context.Context) ([]Tool, error) {
	pathSchema := map[string]any{
		"type": "object",
		"properties": map[string]any{
			"path": stringArg("path relative to the data root"),
		},
		"required": []any{"path"},
	}
	writeSchema := map[string]any{
		"type": "object",
		"properties": map[string]any{
			"path":    stringArg("path relative to the data root"),
			"content": stringArg("file content"),
		},
		"required": []any{"path", "content"},
	}
	return []Tool{
		{Name: "fs_read", Description: "Read a file under the data root.", InputSchema: pathSchema},
		{Name: "fs_write", Description: "Write a file under the data root.", InputSchema: writeSchema},
		{Name: "fs_list", Description: "List a directory under the data root.", InputSchema: pathSchema},
	}, nil
}

// resolve joins and cleans the path, then confines it to the root.
func (f *FSTools) resolve(p string) (string, error) {
	root, err := filepath.Abs(f.Root)
	if err != nil {
		return "", domain.Wrap(domain.KindInternal, "resolve data root", err)
	}
	full := filepath.Clean(filepath.Join(root, p))
	if full != root && !strings.HasPrefix(full, root+string(filepath.Separator)) {
		return "", domain.Ef(domain.KindInvalidInput, "path %q escapes the data root", p)
	}
	return full, nil
}

func (f *FSTools) Call(ctx context.Context, name string, args map[string]any) (*ToolResult, error) {
	full, err := f.resolve(strArg(args, "path"))
	if err != nil {
		return nil, err
	}
	switch name {
	case "fs_read":
		data, err := os.ReadFile(full)
		if err != nil {
			return nil, domain.Wrap(domain.KindNotFound, "read file", err)
		}
		return TextResult(string(data)), nil
	case "fs_write":
		if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
			return nil, domain.Wrap(domain.KindInternal, "create directory", err)
		}
		if err := os.WriteFile(full, []byte(strArg(args, "content")), 0o644); err != nil {
			return nil, domain.Wrap(domain.KindInternal, "write file", err)
		}
		return TextResult("wrote " + strArg(args, "path")), nil
	case "fs_list":
		entries, err := os.ReadDir(full)
		if err != nil {
			return nil, domain.Wrap(domain.KindNotFound, "list directory", err)
		}
		names := make([]string, 0, len(entries))
		for _, e := range entries {
			name := e.Name()
			if e.IsDir() {
				name += "/"
			}
			names = append(names, name)
		}
		sort.Strings(names)
		return TextResult(strings.Join(names, "\n")), nil
	default:
		return nil, domain.Ef(domain.KindNotFound, "tool %q not found", name)
	}
}

// SourceResources serves ingested sources as readable resources under
// the source:// scheme.
type SourceResources struct {
	Chunks *store.ChunkStore
}

func (s *SourceResources) Resources(ctx context.Context) ([]Resource, error) {
	sources, err := s.Chunks.GetSources(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]Resource, 0, len(sources))
	for _, src := range sources {
		out = append(out, Resource{
			URI:      "source://" + src.ID,
			Name:     src.URI,
			MimeType: src.Mime,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].URI < out[j].URI })
	return out, nil
}

func (s *SourceResources) Read(ctx context.Context, uri string) (*ResourceContent, error) {
	id, ok := strings.CutPrefix(uri, "source://")
	if !ok {
		return nil, nil // not ours
	}
	src, err := s.Chunks.GetSource(ctx, id)
	if err != nil {
		if domain.KindOf(err) == domain.KindNotFound {
			return nil, nil
		}
		return nil, err
	}
	chunks, err := s.Chunks.ChunksBySource(ctx, id)
	if err != nil {
		return nil, err
	}
	parts := make([]string, 0, len(chunks))
	for _, c := range chunks {
		parts = append(parts, c.Text)
	}
	return &ResourceContent{
		URI:      uri,
		MimeType: src.Mime,
		Text:     strings.Join(parts, "\n\n"),
	}, nil
}

// CoreMemoryResources exposes core memory sections under the
// memory://core/ scheme.
type CoreMemoryResources struct {
	Memory *memory.Service
}

func (c *CoreMemoryResources) Resources(context.Context) ([]Resource, error) {
	core := c.Memory.Core()
	sections := []string{
		memory.SectionPersona, memory.SectionHuman,
		memory.SectionSystemFacts, memory.SectionUserFacts,
	}
	for name := range core.Custom {
		sections = append(sections, name)
	}
	sort.Strings(sections)

	out := make([]Resource, 0, len(sections))
	for _, name := range sections {
		out = append(out, Resource{
			URI:      "memory://core/" + name,
			Name:     "core memory: " + name,
			MimeType: "text/plain",
		})
	}
	return out, nil
}

func (c *CoreMemoryResources) Read(_ context.Context, uri string) (*ResourceContent, error) {
	name, ok := strings.CutPrefix(uri, "memory://core/")
	if !ok {
		return nil, nil // not ours
	}
	core := c.Memory.Core()
	var text string
	switch name {
	case memory.SectionPersona:
		text = core.Persona
	case memory.SectionHuman:
		text = core.Human
	case memory.SectionSystemFacts:
		text = strings.Join(core.SystemFacts, "\n")
	case memory.SectionUserFacts:
		text = strings.Join(core.UserFacts, "\n")
	default:
		v, ok := core.Custom[name]
		if !ok {
			return nil, nil
		}
		text = v
	}
	return &ResourceContent{URI: uri, MimeType: "text/plain", Text: text}, nil
}

// WorkerPrompts publishes each registered worker's system prompt as a
// prompt template taking the task as its single argument.
type WorkerPrompts struct {
	Registry *workers.Registry
}

func (w *WorkerPrompts) Prompts(context.Context) ([]Prompt, error) {
	list := w.Registry.List()
	out := make([]Prompt, 0, len(list))
	for _, worker := range list {
		out = append(out, Prompt{
			Name:        "worker_" + worker.Name(),
			Description: worker.Role(),
			Arguments: []PromptArgument{
				{Name: "task", Description: "the task to hand to the worker", Required: true},
			},
		})
	}
	return out, nil
}

func (w *WorkerPrompts) Get(_ context.Context, name string, args map[string]string) ([]PromptMessage, error) {
	workerName, ok := strings.CutPrefix(name, "worker_")
	if !ok {
		return nil, domain.Ef(domain.KindNotFound, "prompt %q not found", name)
	}
	worker, err := w.Registry.Get(workerName)
	if err != nil {
		return nil, err
	}
	return []PromptMessage{
		{Role: "system", Content: ToolContent{Type: "text", Text: worker.SystemPrompt()}},
		{Role: "user", Content: ToolContent{Type: "text", Text: args["task"]}},
	}, nil
}

// ToolCallerAdapter exposes the server's tool surface through the
// coordinator's ToolCaller contract.
type ToolCallerAdapter struct {
	Server *Server
}

func (a *ToolCallerAdapter) ToolNames() []string {
	tools, err := a.Server.allTools(context.Background())
	if err != nil {
		return nil
	}
	names := make([]string, 0, len(tools))
	for _, t := range tools {
		names = append(names, t.Name)
	}
	return names
}

func (a *ToolCallerAdapter) CallTool(ctx context.Context, name string, args map[string]any) (string, error) {
	provider, _, err := a.Server.findTool(ctx, name)
	if err != nil {
		return "", err
	}
	if provider == nil {
		return "", domain.Ef(domain.KindNotFound, "tool %q not found", name)
	}
	result, err := provider.Call(ctx, name, args)
	if err != nil {
		return "", err
	}
	if result.IsError {
		return "", domain.E(domain.KindInternal, result.Text())
	}
	return result.Text(), nil
}

func strArg(args map[string]any, key string) string {
	v, _ := args[key].(string)
	return v
}

func intArg(args map[string]any, key string) int {
	switch v := args[key].(type) {
	case float64:
		return int(v)
	case int:
		return v
	case json.Number:
		n, _ := v.Int64()
		return int(n)
	}
	return 0
}

func floatArg(args map[string]any, key string) float64 {
	switch v := args[key].(type) {
	case float64:
		return v
	case int:
		return float64(v)
	case json.Number:
		f, _ := v.Float64()
		return f
	}
	return 0
}
