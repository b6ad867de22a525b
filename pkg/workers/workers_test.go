package workers

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/groundline-ai/groundline/pkg/domain"
	"github.com/groundline-ai/groundline/pkg/gateway"
	"github.com/groundline-ai/groundline/pkg/rag"
)

// scriptedRetriever returns a fixed retrieval response.
type scriptedRetriever struct {
	resp *domain.RetrievalResponse
	err  error
}

func (s *scriptedRetriever) Retrieve(_ context.Context, _ string, _ rag.Options) (*domain.RetrievalResponse, error) {
	return s.resp, s.err
}

func echoBackend(reply string) *gateway.StaticBackend {
	b := gateway.NewStaticBackend(8)
	b.GenerateF = func(_ context.Context, _ string, _ *domain.GenerationOptions) (string, error) {
		return reply, nil
	}
	return b
}

func TestRegistryRoundTrip(t *testing.T) {
	r := DefaultRegistry(echoBackend("ok"), nil)

	for _, name := range []string{"research", "writer", "analyzer", "assistant", "planner", "critic"} {
		w, err := r.Get(name)
		require.NoError(t, err)
		assert.Equal(t, name, w.Name())
		assert.NotEmpty(t, w.SystemPrompt())
	}
	assert.Len(t, r.List(), 6)

	_, err := r.Get("unknown")
	assert.Equal(t, domain.KindNotFound, domain.KindOf(err))
}

func TestResearchWorkerUsesRetrieval(t *testing.T) {
	backend := gateway.NewStaticBackend(8)
	var seenPrompt string
	backend.GenerateF = func(_ context.Context, prompt string, _ *domain.GenerationOptions) (string, error) {
		seenPrompt = prompt
		return "Leave is 20 days [1].", nil
	}
	retriever := &scriptedRetriever{resp: &domain.RetrievalResponse{
		PackedContext: "[1] Annual leave allowance is 20 working days.",
		Citations:     []domain.Citation{{Index: 1, ChunkID: "c1", SourceID: "s1"}},
	}}

	w := NewResearchWorker(backend, retriever)
	resp, err := w.Execute(context.Background(), Task{Query: "how many leave days?"}, Context{})
	require.NoError(t, err)
	require.True(t, resp.OK)
	assert.Contains(t, seenPrompt, "Annual leave allowance")
	require.Len(t, resp.Sources, 1)
	assert.Equal(t, "c1", resp.Sources[0].ChunkID)
}

func TestResearchWorkerReportsBackendFailure(t *testing.T) {
	retriever := &scriptedRetriever{err: domain.E(domain.KindBackendUnavailable, "index down")}
	w := NewResearchWorker(echoBackend("unused"), retriever)

	resp, err := w.Execute(context.Background(), Task{Query: "q"}, Context{})
	require.NoError(t, err, "non-cancellation failures surface in the response")
	assert.False(t, resp.OK)
	assert.Contains(t, resp.Err, "index down")
}

func TestWriterWorkerValidatesTypeAndTone(t *testing.T) {
	w := NewWriterWorker(echoBackend("Dear team,"))

	resp, err := w.Execute(context.Background(), Task{
		Query:  "announce the maintenance window",
		Params: map[string]any{"doc_type": "email", "tone": "friendly"},
	}, Context{})
	require.NoError(t, err)
	assert.True(t, resp.OK)
	assert.Equal(t, "email", resp.Metadata["doc_type"])

	_, err = w.Execute(context.Background(), Task{
		Query:  "x",
		Params: map[string]any{"doc_type": "poem"},
	}, Context{})
	assert.Equal(t, domain.KindInvalidInput, domain.KindOf(err))

	_, err = w.Execute(context.Background(), Task{
		Query:  "x",
		Params: map[string]any{"tone": "sarcastic"},
	}, Context{})
	assert.Equal(t, domain.KindInvalidInput, domain.KindOf(err))
}

func TestAnalyzerWorkerValidatesOperation(t *testing.T) {
	w := NewAnalyzerWorker(echoBackend("analysis"))

	resp, err := w.Execute(context.Background(), Task{
		Query:  "the quarterly numbers",
		Params: map[string]any{"operation": "trend"},
	}, Context{Documents: []string{"Q1 10, Q2 12, Q3 15"}})
	require.NoError(t, err)
	assert.True(t, resp.OK)
	assert.Equal(t, "trend", resp.Metadata["operation"])

	_, err = w.Execute(context.Background(), Task{
		Query:  "x",
		Params: map[string]any{"operation": "divine"},
	}, Context{})
	assert.Equal(t, domain.KindInvalidInput, domain.KindOf(err))
}

func TestPlannerWorkerParsesSteps(t *testing.T) {
	w := NewPlannerWorker(echoBackend("1. research the topic\n2. draft the report\n3. review"))

	resp, err := w.Execute(context.Background(), Task{Query: "write a market report"}, Context{})
	require.NoError(t, err)
	steps, ok := resp.Metadata["steps"].([]string)
	require.True(t, ok)
	require.Len(t, steps, 3)
	assert.Equal(t, "research the topic", steps[0])
}

func TestCriticWorkerBlendsVerifierAndLLM(t *testing.T) {
	w := NewCriticWorker(echoBackend(`{"scores":{"accuracy":0.9,"clarity":0.8},"revisions":["tighten the intro"]}`))

	resp, err := w.Execute(context.Background(), Task{
		Query:  "how many leave days?",
		Params: map[string]any{"answer": "Leave is 20 days."},
	}, Context{Documents: []string{"Annual leave allowance is 20 working days."}})
	require.NoError(t, err)
	require.True(t, resp.OK)

	scores, ok := resp.Metadata["scores"].(map[string]float64)
	require.True(t, ok)
	assert.Equal(t, 0.9, scores["accuracy"])
	assert.Equal(t, 1.0, scores["relevance"], "dimensions the LLM skipped keep the verifier score")
	assert.Contains(t, resp.Metadata["revisions"], "tighten the intro")

	_, err = w.Execute(context.Background(), Task{Query: "q"}, Context{})
	assert.Equal(t, domain.KindInvalidInput, domain.KindOf(err))
}

func TestAssistantWorkerOptionalRetrieval(t *testing.T) {
	retriever := &scriptedRetriever{resp: &domain.RetrievalResponse{
		PackedContext: "[1] The office is in Berlin.",
		Citations:     []domain.Citation{{Index: 1, ChunkID: "c1"}},
	}}
	var prompts []string
	backend := gateway.NewStaticBackend(8)
	backend.GenerateF = func(_ context.Context, prompt string, _ *domain.GenerationOptions) (string, error) {
		prompts = append(prompts, prompt)
		return "Berlin.", nil
	}
	w := NewAssistantWorker(backend, retriever)

	resp, err := w.Execute(context.Background(), Task{Query: "where is the office?"}, Context{})
	require.NoError(t, err)
	assert.Empty(t, resp.Sources, "no retrieval unless asked")

	resp, err = w.Execute(context.Background(),
		Task{Query: "where is the office?", Params: map[string]any{"retrieve": true}}, Context{})
	require.NoError(t, err)
	assert.NotEmpty(t, resp.Sources)
	assert.True(t, strings.Contains(prompts[len(prompts)-1], "Berlin"))
}

func TestWorkerPropagatesCancellation(t *testing.T) {
	backend := gateway.NewStaticBackend(8)
	backend.GenerateF = func(ctx context.Context, _ string, _ *domain.GenerationOptions) (string, error) {
		return "", domain.Wrap(domain.KindCancelled, "generation cancelled", ctx.Err())
	}
	w := NewAssistantWorker(backend, nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := w.Execute(ctx, Task{Query: "q"}, Context{})
	assert.Equal(t, domain.KindCancelled, domain.KindOf(err))
}
