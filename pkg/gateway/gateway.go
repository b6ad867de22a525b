// Package gateway provides the uniform contract to the language-model
// backend: embed(text) and generate(prompt). It isolates the rest of
// the platform from the concrete provider and adds retry, circuit
// breaking, and backpressure.
package gateway

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/groundline-ai/groundline/pkg/domain"
	"github.com/groundline-ai/groundline/pkg/log"
)

// Backend is the raw provider contract the gateway wraps.
type Backend interface {
	domain.Embedder
	domain.Generator
}

// Config holds gateway behavior knobs.
type Config struct {
	MaxAttempts      int           // retry attempts on retryable errors
	BackoffBase      time.Duration // first retry delay
	BackoffCap       time.Duration // delay ceiling
	BreakerThreshold int           // consecutive failures before opening
	BreakerCooldown  time.Duration
	MaxConcurrent    int64 // concurrent generation/embedding slots
	CallTimeout      time.Duration
}

// DefaultConfig returns the documented defaults.
func DefaultConfig() Config {
	return Config{
		MaxAttempts:      3,
		BackoffBase:      200 * time.Millisecond,
		BackoffCap:       2 * time.Second,
		BreakerThreshold: 5,
		BreakerCooldown:  30 * time.Second,
		MaxConcurrent:    8,
		CallTimeout:      60 * time.Second,
	}
}

// Gateway wraps a backend with retry, circuit breaking, and a
// concurrency semaphore. Safe for concurrent use.
type Gateway struct {
	backend Backend
	cfg     Config
	breaker *CircuitBreaker
	sem     *semaphore.Weighted

	mu  sync.Mutex
	dim int // embedding dimension, fixed once observed
}

// New creates a gateway around the given backend.
func New(backend Backend, cfg Config) *Gateway {
	def := DefaultConfig()
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = def.MaxAttempts
	}
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = def.BackoffBase
	}
	if cfg.BackoffCap <= 0 {
		cfg.BackoffCap = def.BackoffCap
	}
	if cfg.BreakerThreshold <= 0 {
		cfg.BreakerThreshold = def.BreakerThreshold
	}
	if cfg.BreakerCooldown <= 0 {
		cfg.BreakerCooldown = def.BreakerCooldown
	}
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = def.MaxConcurrent
	}
	return &Gateway{
		backend: backend,
		cfg:     cfg,
		breaker: NewCircuitBreaker(cfg.BreakerThreshold, cfg.BreakerCooldown),
		sem:     semaphore.NewWeighted(cfg.MaxConcurrent),
	}
}

// Dimension reports the embedding dimension once at least one embedding
// has been produced; zero before that.
func (g *Gateway) Dimension() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.dim
}

// Embed produces a dense vector for text. Retries per the backoff
// schedule on UNAVAILABLE/TIMEOUT.
func (g *Gateway) Embed(ctx context.Context, text string) ([]float64, error) {
	if text == "" {
		return nil, domain.E(domain.KindInvalidInput, "empty text")
	}
	var vec []float64
	err := g.call(ctx, func(callCtx context.Context) error {
		var err error
		vec, err = g.backend.Embed(callCtx, text)
		return err
	})
	if err != nil {
		return nil, err
	}
	g.mu.Lock()
	if g.dim == 0 {
		g.dim = len(vec)
	} else if g.dim != len(vec) {
		g.mu.Unlock()
		return nil, domain.Ef(domain.KindInternal,
			"embedding dimension changed from %d to %d; a full re-embed is required", g.dim, len(vec))
	}
	g.mu.Unlock()
	return vec, nil
}

// Generate produces a completion for the prompt.
func (g *Gateway) Generate(ctx context.Context, prompt string, opts *domain.GenerationOptions) (string, error) {
	if prompt == "" {
		return "", domain.E(domain.KindInvalidInput, "empty prompt")
	}
	var out string
	err := g.call(ctx, func(callCtx context.Context) error {
		var err error
		out, err = g.backend.Generate(callCtx, prompt, opts)
		return err
	})
	return out, err
}

// Stream produces a completion incrementally through the callback.
// Streaming calls are not retried once the first fragment has been
// delivered.
func (g *Gateway) Stream(ctx context.Context, prompt string, opts *domain.GenerationOptions, callback func(string)) error {
	if prompt == "" {
		return domain.E(domain.KindInvalidInput, "empty prompt")
	}
	if callback == nil {
		return domain.E(domain.KindInvalidInput, "nil callback")
	}
	started := false
	wrapped := func(fragment string) {
		started = true
		callback(fragment)
	}
	return g.call(ctx, func(callCtx context.Context) error {
		err := g.backend.Stream(callCtx, prompt, opts, wrapped)
		if err != nil && started {
			// Partial output already reached the caller; retrying would
			// duplicate it.
			return domain.Wrap(domain.KindInternal, "stream interrupted", err)
		}
		return err
	})
}

// call runs fn under the semaphore, breaker, and retry policy.
func (g *Gateway) call(ctx context.Context, fn func(context.Context) error) error {
	if !g.sem.TryAcquire(1) {
		return domain.E(domain.KindOverloaded, "gateway concurrency limit reached")
	}
	defer g.sem.Release(1)

	if !g.breaker.CanRequest() {
		return domain.E(domain.KindBackendUnavailable, "circuit breaker open")
	}

	var lastErr error
	delay := g.cfg.BackoffBase
	for attempt := 1; attempt <= g.cfg.MaxAttempts; attempt++ {
		callCtx := ctx
		var cancel context.CancelFunc
		if g.cfg.CallTimeout > 0 {
			callCtx, cancel = context.WithTimeout(ctx, g.cfg.CallTimeout)
		}
		err := fn(callCtx)
		if cancel != nil {
			cancel()
		}
		if err == nil {
			g.breaker.RecordSuccess()
			return nil
		}
		if ctx.Err() != nil {
			// The caller's deadline or cancellation, not the backend's.
			return domain.Wrap(domain.KindCancelled, "gateway call cancelled", ctx.Err())
		}
		lastErr = normalize(err)
		g.breaker.RecordFailure()
		if !domain.IsRetryable(lastErr) || attempt == g.cfg.MaxAttempts {
			break
		}
		log.Debug("gateway retrying", "attempt", attempt, "delay", delay.String(), "error", lastErr.Error())
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return domain.Wrap(domain.KindCancelled, "gateway call cancelled", ctx.Err())
		}
		delay *= 2
		if delay > g.cfg.BackoffCap {
			delay = g.cfg.BackoffCap
		}
	}
	return lastErr
}

// normalize maps raw backend errors onto the platform taxonomy.
func normalize(err error) error {
	switch domain.KindOf(err) {
	case domain.KindInternal:
		// Unclassified backend failures read as the backend refusing.
		return domain.Wrap(domain.KindBackendUnavailable, "backend call failed", err)
	default:
		return err
	}
}
