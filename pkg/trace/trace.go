// Package trace provides distributed tracing for the platform: span
// creation with parent/child linking, context propagation, and batched
// export to pluggable exporters.
package trace

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"sync"
	"time"
)

// SpanKind classifies the unit of work a span covers.
type SpanKind string

const (
	KindInternal SpanKind = "internal"
	KindServer   SpanKind = "server"
	KindClient   SpanKind = "client"
	KindWorker   SpanKind = "worker"
)

// SpanStatus is ok unless an error was recorded.
type SpanStatus string

const (
	StatusOK    SpanStatus = "ok"
	StatusError SpanStatus = "error"
)

// Event is a timestamped annotation inside a span.
type Event struct {
	Name  string         `json:"name"`
	TS    time.Time      `json:"ts"`
	Attrs map[string]any `json:"attrs,omitempty"`
}

// Span is a timed, attributed unit of work. A span's trace id equals its
// parent's; root spans have no parent.
type Span struct {
	TraceID  string         `json:"trace_id"`
	SpanID   string         `json:"span_id"`
	ParentID string         `json:"parent_id,omitempty"`
	Name     string         `json:"name"`
	Kind     SpanKind       `json:"kind"`
	Status   SpanStatus     `json:"status"`
	ErrMsg   string         `json:"error,omitempty"`
	Start    time.Time      `json:"start"`
	End      time.Time      `json:"end"`
	Attrs    map[string]any `json:"attrs,omitempty"`
	Events   []Event        `json:"events,omitempty"`

	tracer *Tracer
	mu     sync.Mutex
	ended  bool
}

// SetAttr sets one attribute on the span.
func (s *Span) SetAttr(key string, value any) {
	if s == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Attrs == nil {
		s.Attrs = make(map[string]any)
	}
	s.Attrs[key] = value
}

// AddEvent appends a timestamped event.
func (s *Span) AddEvent(name string, attrs map[string]any) {
	if s == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Events = append(s.Events, Event{Name: name, TS: time.Now(), Attrs: attrs})
}

// SetStatus overrides the span status.
func (s *Span) SetStatus(status SpanStatus, msg string) {
	if s == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Status = status
	s.ErrMsg = msg
}

// Finish ends the span. A non-nil err sets status error with the error
// message and the error.kind attribute. Finishing twice is a no-op.
func (s *Span) Finish(err error) {
	if s == nil {
		return
	}
	s.mu.Lock()
	if s.ended {
		s.mu.Unlock()
		return
	}
	s.ended = true
	s.End = time.Now()
	if err != nil {
		s.Status = StatusError
		s.ErrMsg = err.Error()
	}
	tracer := s.tracer
	s.mu.Unlock()

	if tracer != nil {
		tracer.enqueue(s.snapshot())
	}
}

// snapshot copies the exported fields so the batch queue never shares
// mutable state with live spans.
func (s *Span) snapshot() Span {
	cp := Span{
		TraceID:  s.TraceID,
		SpanID:   s.SpanID,
		ParentID: s.ParentID,
		Name:     s.Name,
		Kind:     s.Kind,
		Status:   s.Status,
		ErrMsg:   s.ErrMsg,
		Start:    s.Start,
		End:      s.End,
	}
	if len(s.Attrs) > 0 {
		cp.Attrs = make(map[string]any, len(s.Attrs))
		for k, v := range s.Attrs {
			cp.Attrs[k] = v
		}
	}
	cp.Events = append(cp.Events, s.Events...)
	return cp
}

type ctxKey struct{}

// FromContext returns the current span, or nil when none is stored.
func FromContext(ctx context.Context) *Span {
	s, _ := ctx.Value(ctxKey{}).(*Span)
	return s
}

// ContextWith stores a span as the current one.
func ContextWith(ctx context.Context, s *Span) context.Context {
	return context.WithValue(ctx, ctxKey{}, s)
}

// Exporter receives finished span snapshots in batches.
type Exporter interface {
	Export(ctx context.Context, spans []Span) error
}

// Config controls batching.
type Config struct {
	BatchSize     int
	FlushInterval time.Duration
	QueueSize     int
}

// DefaultConfig returns the default batching parameters.
func DefaultConfig() Config {
	return Config{
		BatchSize:     100,
		FlushInterval: 5 * time.Second,
		QueueSize:     2048,
	}
}

// Tracer creates spans and drives the export loop.
type Tracer struct {
	cfg       Config
	exporters []Exporter

	queue  chan Span
	done   chan struct{}
	closed sync.Once
	wg     sync.WaitGroup
}

// NewTracer starts the export loop with the given exporters. A tracer
// with no exporters still tracks spans but drops them on finish.
func NewTracer(cfg Config, exporters ...Exporter) *Tracer {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultConfig().BatchSize
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = DefaultConfig().FlushInterval
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = DefaultConfig().QueueSize
	}
	t := &Tracer{
		cfg:       cfg,
		exporters: exporters,
		queue:     make(chan Span, cfg.QueueSize),
		done:      make(chan struct{}),
	}
	t.wg.Add(1)
	go t.loop()
	return t
}

// Start begins a span. If the context carries a span, the new one is its
// child and inherits the trace id; otherwise a root span is created. The
// returned context carries the new span as current.
func (t *Tracer) Start(ctx context.Context, name string, kind SpanKind) (context.Context, *Span) {
	s := &Span{
		SpanID: newID(8),
		Name:   name,
		Kind:   kind,
		Status: StatusOK,
		Start:  time.Now(),
		tracer: t,
	}
	if parent := FromContext(ctx); parent != nil {
		s.TraceID = parent.TraceID
		s.ParentID = parent.SpanID
	} else {
		s.TraceID = newID(16)
	}
	return ContextWith(ctx, s), s
}

// StartRemote begins a server span whose parent lives in another
// process, identified by a W3C traceparent header. An unparsable header
// falls back to a root span.
func (t *Tracer) StartRemote(ctx context.Context, name string, traceparent string) (context.Context, *Span) {
	traceID, parentID, ok := ParseTraceparent(traceparent)
	ctx, s := t.Start(ctx, name, KindServer)
	if ok {
		s.TraceID = traceID
		s.ParentID = parentID
	}
	return ContextWith(ctx, s), s
}

func (t *Tracer) enqueue(s Span) {
	select {
	case t.queue <- s:
	default:
		// Queue full: drop rather than block span producers.
	}
}

func (t *Tracer) loop() {
	defer t.wg.Done()
	batch := make([]Span, 0, t.cfg.BatchSize)
	ticker := time.NewTicker(t.cfg.FlushInterval)
	defer ticker.Stop()

	flush := func() {
		if len(batch) == 0 {
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		for _, exp := range t.exporters {
			_ = exp.Export(ctx, batch)
		}
		cancel()
		batch = batch[:0]
	}

	for {
		select {
		case s := <-t.queue:
			batch = append(batch, s)
			if len(batch) >= t.cfg.BatchSize {
				flush()
			}
		case <-ticker.C:
			flush()
		case <-t.done:
			for {
				select {
				case s := <-t.queue:
					batch = append(batch, s)
				default:
					flush()
					return
				}
			}
		}
	}
}

// Flush drains pending spans synchronously. Intended for tests and
// shutdown paths.
func (t *Tracer) Flush() {
	batch := make([]Span, 0, t.cfg.BatchSize)
	for {
		select {
		case s := <-t.queue:
			batch = append(batch, s)
		default:
			if len(batch) > 0 {
				ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
				for _, exp := range t.exporters {
					_ = exp.Export(ctx, batch)
				}
				cancel()
			}
			return
		}
	}
}

// Close stops the export loop after a final flush.
func (t *Tracer) Close() {
	t.closed.Do(func() { close(t.done) })
	t.wg.Wait()
}

func newID(bytes int) string {
	b := make([]byte, bytes)
	if _, err := rand.Read(b); err != nil {
		// crypto/rand failing is unrecoverable; fall back to zeros so
		// tracing degrades instead of panicking.
		return hex.EncodeToString(b)
	}
	return hex.EncodeToString(b)
}
