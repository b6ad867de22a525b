// Package workers defines the worker contract and the built-in
// specialist workers: research, writer, analyzer, assistant, planner,
// and critic.
package workers

import (
	"context"
	"sort"
	"sync"

	"github.com/groundline-ai/groundline/pkg/domain"
)

// Task is one unit of work handed to a worker.
type Task struct {
	Query  string
	Params map[string]any
}

// Context is the normalized input context. Workers must not reach for
// global mutable state beyond their injected capabilities.
type Context struct {
	Documents       []string
	PreviousResults string
	MemoryContext   string
	ChatHistory     []domain.Message
}

// Response is what a worker returns.
type Response struct {
	Content  string
	Sources  []domain.Citation
	Metadata map[string]any
	OK       bool
	Err      string
}

// Worker is a named specialist.
type Worker interface {
	Name() string
	Role() string
	Capabilities() []string
	SystemPrompt() string
	Execute(ctx context.Context, task Task, wctx Context) (*Response, error)
}

// Registry holds workers by name.
type Registry struct {
	mu      sync.RWMutex
	workers map[string]Worker
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{workers: make(map[string]Worker)}
}

// Register adds or replaces a worker.
func (r *Registry) Register(w Worker) error {
	if w == nil || w.Name() == "" {
		return domain.E(domain.KindInvalidInput, "worker must have a name")
	}
	r.mu.Lock()
	r.workers[w.Name()] = w
	r.mu.Unlock()
	return nil
}

// Get returns the named worker.
func (r *Registry) Get(name string) (Worker, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	w, ok := r.workers[name]
	if !ok {
		return nil, domain.Ef(domain.KindNotFound, "worker %q not registered", name)
	}
	return w, nil
}

// List returns all workers sorted by name.
func (r *Registry) List() []Worker {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Worker, 0, len(r.workers))
	for _, w := range r.workers {
		out = append(out, w)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name() < out[j].Name() })
	return out
}

// failed builds an unsuccessful response without losing the error text.
func failed(err error) *Response {
	return &Response{OK: false, Err: err.Error()}
}
