package groundline

import (
	"context"
	"fmt"
	"time"

	"github.com/groundline-ai/groundline/pkg/config"
	"github.com/groundline-ai/groundline/pkg/coordinator"
	"github.com/groundline-ai/groundline/pkg/domain"
	"github.com/groundline-ai/groundline/pkg/feedback"
	"github.com/groundline-ai/groundline/pkg/gateway"
	"github.com/groundline-ai/groundline/pkg/graph"
	"github.com/groundline-ai/groundline/pkg/log"
	"github.com/groundline-ai/groundline/pkg/mcp"
	"github.com/groundline-ai/groundline/pkg/memory"
	"github.com/groundline-ai/groundline/pkg/rag"
	"github.com/groundline-ai/groundline/pkg/router"
	"github.com/groundline-ai/groundline/pkg/session"
	"github.com/groundline-ai/groundline/pkg/store"
	"github.com/groundline-ai/groundline/pkg/trace"
	"github.com/groundline-ai/groundline/pkg/workers"
)

// app is the wired platform: every durable store opened, the gateway,
// the retrieval engine, memory, workers, coordinator, and the MCP
// server sharing them.
type app struct {
	cfg *config.Config

	chunks   *store.ChunkStore
	vectors  *store.VectorIndex
	keyword  *store.KeywordIndex
	gw       *gateway.Gateway
	graph    *graph.Graph
	snapshot *graph.Snapshot
	engine   *rag.Engine
	ingestor *rag.Ingestor
	memory   *memory.Service
	sessions *session.Store
	feedback *feedback.Store
	tracer   *trace.Tracer
	registry *workers.Registry
	router   *router.Router
	coord    *coordinator.Coordinator
	server   *mcp.Server

	stopConsolidation func()
}

// openApp builds the platform from the loaded config.
func openApp(cfg *config.Config) (*app, error) {
	if err := cfg.EnsureLayout(); err != nil {
		return nil, domain.Wrap(domain.KindInvalidInput, "prepare data root", err)
	}
	a := &app{cfg: cfg}

	backend, err := buildBackend(cfg)
	if err != nil {
		a.close()
		return nil, err
	}
	gwCfg := gateway.DefaultConfig()
	gwCfg.MaxConcurrent = cfg.Gateway.MaxConcurrent
	gwCfg.CallTimeout = cfg.Gateway.Timeout
	a.gw = gateway.New(backend, gwCfg)

	if a.tracer, err = buildTracer(cfg); err != nil {
		a.close()
		return nil, err
	}

	if a.chunks, err = store.NewChunkStore(cfg.Path("chunks", "chunks.db")); err != nil {
		a.close()
		return nil, err
	}
	if a.vectors, err = store.NewVectorIndex(cfg.Path("vectors", "vectors.db")); err != nil {
		a.close()
		return nil, err
	}
	if a.keyword, err = store.NewKeywordIndex(cfg.Path("vectors", "keyword.bleve")); err != nil {
		a.close()
		return nil, err
	}

	if a.snapshot, err = graph.OpenSnapshot(cfg.Path("graph", "graph.db")); err != nil {
		a.close()
		return nil, err
	}
	if a.graph, err = a.snapshot.Load(context.Background()); err != nil {
		a.close()
		return nil, err
	}

	engineOpts := []rag.EngineOption{rag.WithGenerator(a.gw), rag.WithGraph(a.graph)}
	if a.tracer != nil {
		engineOpts = append(engineOpts, rag.WithTracer(a.tracer))
	}
	a.engine = rag.NewEngine(a.chunks, a.vectors, a.keyword, a.gw, engineOpts...)

	a.ingestor = rag.NewIngestor(a.chunks, a.vectors, a.keyword, a.gw, a.graph)
	a.ingestor.SetChunker(rag.Chunker{Size: cfg.Retrieval.ChunkSize, Overlap: cfg.Retrieval.Overlap})

	memCfg := memory.Config{
		MaxMsgs:          cfg.Memory.MaxMsgs,
		MaxTokens:        cfg.Memory.MaxTokens,
		MaxContextTokens: cfg.Memory.MaxContextTokens,
	}
	if a.memory, err = memory.NewService(cfg.Path("memory", "memory.db"), memCfg, a.gw); err != nil {
		a.close()
		return nil, err
	}

	if a.sessions, err = session.NewStore(cfg.Path("sessions", "sessions.db")); err != nil {
		a.close()
		return nil, err
	}
	if cfg.Feedback.Enabled {
		if a.feedback, err = feedback.NewStore(cfg.Path("feedback", "feedback.db")); err != nil {
			a.close()
			return nil, err
		}
	}

	a.registry = workers.DefaultRegistry(a.gw, a.engine)
	a.router = router.NewWithDefaults(a.gw)

	a.server = mcp.NewServer("groundline", version,
		mcp.WithPageSize(cfg.MCP.PageSize),
		mcp.WithRateLimit(cfg.MCP.RatePerSec, cfg.MCP.Burst))
	a.server.AddToolProvider(&mcp.PlatformTools{
		Engine:   a.engine,
		Ingestor: a.ingestor,
		Graph:    a.graph,
		Memory:   a.memory,
		Feedback: a.feedback,
	})
	if cfg.MCP.FilesEnabled {
		a.server.AddToolProvider(&mcp.FSTools{Root: cfg.DataRoot})
	}
	a.server.AddResourceProvider(&mcp.SourceResources{Chunks: a.chunks})
	a.server.AddResourceProvider(&mcp.CoreMemoryResources{Memory: a.memory})
	a.server.AddPromptProvider(&mcp.WorkerPrompts{Registry: a.registry})
	a.server.AddRoot(mcp.Root{URI: "file://" + cfg.DataRoot, Name: "data"})

	coordOpts := []coordinator.Option{
		coordinator.WithMemory(a.memory),
		coordinator.WithTools(&mcp.ToolCallerAdapter{Server: a.server}),
	}
	if a.tracer != nil {
		coordOpts = append(coordOpts, coordinator.WithTracer(a.tracer))
	}
	a.coord = coordinator.New(a.router, a.registry, coordOpts...)

	if cfg.Memory.ConsolidateCron != "" {
		stop, err := a.memory.StartConsolidation(cfg.Memory.ConsolidateCron)
		if err != nil {
			a.close()
			return nil, domain.Wrap(domain.KindInvalidInput, "schedule consolidation", err)
		}
		a.stopConsolidation = stop
	}
	return a, nil
}

func buildBackend(cfg *config.Config) (gateway.Backend, error) {
	switch cfg.Gateway.Backend {
	case "static":
		return gateway.NewStaticBackend(cfg.Gateway.StaticDim), nil
	default:
		return gateway.NewOpenAIBackend(gateway.OpenAIConfig{
			BaseURL:        cfg.Gateway.BaseURL,
			APIKey:         cfg.Gateway.APIKey,
			GenModel:       cfg.Gateway.GenModel,
			EmbeddingModel: cfg.Gateway.EmbedModel,
		})
	}
}

func buildTracer(cfg *config.Config) (*trace.Tracer, error) {
	tcfg := trace.DefaultConfig()
	if cfg.Trace.BatchSize > 0 {
		tcfg.BatchSize = cfg.Trace.BatchSize
	}
	if cfg.Trace.FlushInterval > 0 {
		tcfg.FlushInterval = cfg.Trace.FlushInterval
	}
	switch cfg.Trace.Export {
	case "console":
		return trace.NewTracer(tcfg, trace.ConsoleExporter{}), nil
	case "sqlite":
		exporter, err := trace.NewSQLiteExporter(cfg.Path("traces", "traces.db"))
		if err != nil {
			return nil, err
		}
		return trace.NewTracer(tcfg, exporter), nil
	default:
		return nil, nil
	}
}

// close tears the platform down, persisting the graph snapshot last so
// a clean shutdown never loses extracted entities.
func (a *app) close() {
	logger := log.WithModule("cli")
	if a.stopConsolidation != nil {
		a.stopConsolidation()
	}
	if a.tracer != nil {
		a.tracer.Close()
	}
	if a.graph != nil && a.snapshot != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		if err := a.snapshot.Save(ctx, a.graph); err != nil {
			logger.Warn("graph snapshot save failed", "error", err)
		}
		cancel()
	}
	if a.snapshot != nil {
		_ = a.snapshot.Close()
	}
	if a.memory != nil {
		_ = a.memory.Close()
	}
	closeStore := func(name string, err error) {
		if err != nil {
			logger.Warn("close failed", "store", name, "error", err)
		}
	}
	if a.sessions != nil {
		closeStore("sessions", a.sessions.Close())
	}
	if a.feedback != nil {
		closeStore("feedback", a.feedback.Close())
	}
	if a.keyword != nil {
		closeStore("keyword", a.keyword.Close())
	}
	if a.vectors != nil {
		closeStore("vectors", a.vectors.Close())
	}
	if a.chunks != nil {
		closeStore("chunks", a.chunks.Close())
	}
}

// checkBackend verifies the model backend answers before a long-running
// command starts serving.
func (a *app) checkBackend(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if _, err := a.gw.Embed(ctx, "ping"); err != nil {
		return domain.Wrap(domain.KindBackendUnavailable,
			fmt.Sprintf("embedding backend %q unreachable", a.cfg.Gateway.BaseURL), err)
	}
	return nil
}
