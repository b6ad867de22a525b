package gateway

import (
	"context"
	"hash/fnv"
	"math"
	"strings"

	"github.com/groundline-ai/groundline/pkg/domain"
)

// StaticBackend is a deterministic, offline backend. Embeddings are
// hashed bags of words so similar texts land near each other; generation
// echoes a canned template. Used when no generation backend is
// configured and throughout the tests.
type StaticBackend struct {
	Dim       int
	GenerateF func(ctx context.Context, prompt string, opts *domain.GenerationOptions) (string, error)
}

// NewStaticBackend returns a backend with the given embedding dimension.
func NewStaticBackend(dim int) *StaticBackend {
	if dim <= 0 {
		dim = 64
	}
	return &StaticBackend{Dim: dim}
}

// Embed hashes word unigrams into a fixed-size vector and normalizes it.
// Deterministic for a given input.
func (b *StaticBackend) Embed(_ context.Context, text string) ([]float64, error) {
	if text == "" {
		return nil, domain.E(domain.KindInvalidInput, "empty text")
	}
	vec := make([]float64, b.Dim)
	for _, word := range strings.Fields(strings.ToLower(text)) {
		h := fnv.New32a()
		_, _ = h.Write([]byte(word))
		idx := int(h.Sum32()) % b.Dim
		if idx < 0 {
			idx += b.Dim
		}
		vec[idx]++
	}
	var norm float64
	for _, v := range vec {
		norm += v * v
	}
	if norm > 0 {
		norm = math.Sqrt(norm)
		for i := range vec {
			vec[i] /= norm
		}
	}
	return vec, nil
}

// Generate runs the injected function, or fails UNAVAILABLE when none is
// set: a static backend has no generation capability by default.
func (b *StaticBackend) Generate(ctx context.Context, prompt string, opts *domain.GenerationOptions) (string, error) {
	if b.GenerateF != nil {
		return b.GenerateF(ctx, prompt, opts)
	}
	return "", domain.E(domain.KindBackendUnavailable, "no generation backend configured")
}

// Stream delegates to Generate and delivers the result as one fragment.
func (b *StaticBackend) Stream(ctx context.Context, prompt string, opts *domain.GenerationOptions, callback func(string)) error {
	out, err := b.Generate(ctx, prompt, opts)
	if err != nil {
		return err
	}
	callback(out)
	return nil
}
