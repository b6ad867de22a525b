package gateway

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/groundline-ai/groundline/pkg/domain"
)

type flakyBackend struct {
	*StaticBackend
	failures int32 // fail this many generate calls before succeeding
	calls    int32
	kind     domain.ErrorKind
}

func (f *flakyBackend) Generate(ctx context.Context, prompt string, opts *domain.GenerationOptions) (string, error) {
	n := atomic.AddInt32(&f.calls, 1)
	if n <= atomic.LoadInt32(&f.failures) {
		return "", domain.E(f.kind, "induced failure")
	}
	return "ok:" + prompt, nil
}

func fastConfig() Config {
	return Config{
		MaxAttempts:      3,
		BackoffBase:      time.Millisecond,
		BackoffCap:       4 * time.Millisecond,
		BreakerThreshold: 5,
		BreakerCooldown:  50 * time.Millisecond,
		MaxConcurrent:    2,
	}
}

func TestGenerateRetriesOnUnavailable(t *testing.T) {
	backend := &flakyBackend{StaticBackend: NewStaticBackend(16), failures: 2, kind: domain.KindBackendUnavailable}
	g := New(backend, fastConfig())

	out, err := g.Generate(context.Background(), "hi", nil)
	require.NoError(t, err)
	assert.Equal(t, "ok:hi", out)
	assert.Equal(t, int32(3), atomic.LoadInt32(&backend.calls))
}

func TestGenerateDoesNotRetryInvalidInput(t *testing.T) {
	backend := &flakyBackend{StaticBackend: NewStaticBackend(16), failures: 10, kind: domain.KindInvalidInput}
	g := New(backend, fastConfig())

	_, err := g.Generate(context.Background(), "hi", nil)
	require.Error(t, err)
	assert.Equal(t, domain.KindInvalidInput, domain.KindOf(err))
	assert.Equal(t, int32(1), atomic.LoadInt32(&backend.calls))
}

func TestBreakerOpensAndFailsFast(t *testing.T) {
	backend := &flakyBackend{StaticBackend: NewStaticBackend(16), failures: 100, kind: domain.KindBackendUnavailable}
	cfg := fastConfig()
	cfg.BreakerThreshold = 3
	cfg.MaxAttempts = 1
	g := New(backend, cfg)

	for i := 0; i < 3; i++ {
		_, err := g.Generate(context.Background(), "hi", nil)
		require.Error(t, err)
	}
	assert.Equal(t, BreakerStateOpen, g.breaker.State())

	before := atomic.LoadInt32(&backend.calls)
	_, err := g.Generate(context.Background(), "hi", nil)
	require.Error(t, err)
	assert.Equal(t, domain.KindBackendUnavailable, domain.KindOf(err))
	// Fail-fast: no backend call while open.
	assert.Equal(t, before, atomic.LoadInt32(&backend.calls))
}

func TestBreakerHalfOpenRecovers(t *testing.T) {
	backend := &flakyBackend{StaticBackend: NewStaticBackend(16), failures: 3, kind: domain.KindBackendUnavailable}
	cfg := fastConfig()
	cfg.BreakerThreshold = 3
	cfg.BreakerCooldown = 10 * time.Millisecond
	cfg.MaxAttempts = 1
	g := New(backend, cfg)

	for i := 0; i < 3; i++ {
		_, _ = g.Generate(context.Background(), "hi", nil)
	}
	require.Equal(t, BreakerStateOpen, g.breaker.State())

	time.Sleep(20 * time.Millisecond)
	out, err := g.Generate(context.Background(), "hi", nil)
	require.NoError(t, err)
	assert.Equal(t, "ok:hi", out)
	assert.Equal(t, BreakerStateClosed, g.breaker.State())
}

func TestOverloadedWhenSemaphoreExhausted(t *testing.T) {
	block := make(chan struct{})
	backend := NewStaticBackend(16)
	backend.GenerateF = func(ctx context.Context, prompt string, opts *domain.GenerationOptions) (string, error) {
		<-block
		return "done", nil
	}
	cfg := fastConfig()
	cfg.MaxConcurrent = 1
	g := New(backend, cfg)

	errCh := make(chan error, 1)
	go func() {
		_, err := g.Generate(context.Background(), "slow", nil)
		errCh <- err
	}()

	// Wait until the slot is taken.
	require.Eventually(t, func() bool {
		_, err := g.Generate(context.Background(), "fast", nil)
		return domain.KindOf(err) == domain.KindOverloaded
	}, time.Second, 5*time.Millisecond)

	close(block)
	require.NoError(t, <-errCh)
}

func TestEmbedDimensionIsFixed(t *testing.T) {
	g := New(NewStaticBackend(32), fastConfig())

	vec, err := g.Embed(context.Background(), "hello world")
	require.NoError(t, err)
	assert.Len(t, vec, 32)
	assert.Equal(t, 32, g.Dimension())

	// Deterministic for the same input.
	vec2, err := g.Embed(context.Background(), "hello world")
	require.NoError(t, err)
	assert.Equal(t, vec, vec2)
}

func TestCancelledContextSurfacesCancelled(t *testing.T) {
	backend := NewStaticBackend(16)
	backend.GenerateF = func(ctx context.Context, prompt string, opts *domain.GenerationOptions) (string, error) {
		<-ctx.Done()
		return "", ctx.Err()
	}
	g := New(backend, fastConfig())

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()
	_, err := g.Generate(ctx, "hi", nil)
	require.Error(t, err)
	assert.Equal(t, domain.KindCancelled, domain.KindOf(err))
}
