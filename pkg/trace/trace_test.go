package trace

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type collectExporter struct {
	mu    sync.Mutex
	spans []Span
}

func (c *collectExporter) Export(_ context.Context, spans []Span) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.spans = append(c.spans, spans...)
	return nil
}

func (c *collectExporter) all() []Span {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Span(nil), c.spans...)
}

func TestStartLinksParentAndChild(t *testing.T) {
	exp := &collectExporter{}
	tracer := NewTracer(DefaultConfig(), exp)
	defer tracer.Close()

	ctx, root := tracer.Start(context.Background(), "root", KindInternal)
	_, child := tracer.Start(ctx, "child", KindWorker)

	assert.Empty(t, root.ParentID)
	assert.Equal(t, root.TraceID, child.TraceID)
	assert.Equal(t, root.SpanID, child.ParentID)
	assert.Len(t, root.TraceID, 32)
	assert.Len(t, root.SpanID, 16)

	child.Finish(nil)
	root.Finish(nil)
}

func TestFinishRecordsErrorStatus(t *testing.T) {
	exp := &collectExporter{}
	tracer := NewTracer(Config{BatchSize: 1, FlushInterval: 10 * time.Millisecond}, exp)
	defer tracer.Close()

	_, span := tracer.Start(context.Background(), "op", KindInternal)
	span.SetAttr("k", "v")
	span.AddEvent("step", nil)
	span.Finish(errors.New("boom"))

	require.Eventually(t, func() bool { return len(exp.all()) == 1 }, time.Second, 10*time.Millisecond)
	got := exp.all()[0]
	assert.Equal(t, StatusError, got.Status)
	assert.Equal(t, "boom", got.ErrMsg)
	assert.Equal(t, "v", got.Attrs["k"])
	require.Len(t, got.Events, 1)
	assert.False(t, got.End.Before(got.Start))
}

func TestFinishTwiceExportsOnce(t *testing.T) {
	exp := &collectExporter{}
	tracer := NewTracer(Config{BatchSize: 1, FlushInterval: 10 * time.Millisecond}, exp)
	defer tracer.Close()

	_, span := tracer.Start(context.Background(), "op", KindInternal)
	span.Finish(nil)
	span.Finish(errors.New("late"))

	require.Eventually(t, func() bool { return len(exp.all()) >= 1 }, time.Second, 10*time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	assert.Len(t, exp.all(), 1)
	assert.Equal(t, StatusOK, exp.all()[0].Status)
}

func TestTraceparentRoundTrip(t *testing.T) {
	tracer := NewTracer(DefaultConfig())
	defer tracer.Close()

	_, span := tracer.Start(context.Background(), "op", KindClient)
	header := Traceparent(span)

	traceID, spanID, ok := ParseTraceparent(header)
	require.True(t, ok)
	assert.Equal(t, span.TraceID, traceID)
	assert.Equal(t, span.SpanID, spanID)
}

func TestParseTraceparentRejectsMalformed(t *testing.T) {
	cases := []string{
		"",
		"00-short-short-01",
		"01-0af7651916cd43dd8448eb211c80319c-b7ad6b7169203331-01",
		"00-0af7651916cd43dd8448eb211c80319c-b7ad6b7169203331",
		"00-00000000000000000000000000000000-b7ad6b7169203331-01",
		"00-0af7651916cd43dd8448eb211c80319c-0000000000000000-01",
		"00-0af7651916cd43dd8448eb211c80319X-b7ad6b7169203331-01",
	}
	for _, c := range cases {
		_, _, ok := ParseTraceparent(c)
		assert.False(t, ok, "header %q should be rejected", c)
	}
}

func TestStartRemoteAdoptsHeader(t *testing.T) {
	tracer := NewTracer(DefaultConfig())
	defer tracer.Close()

	header := "00-0af7651916cd43dd8448eb211c80319c-b7ad6b7169203331-01"
	_, span := tracer.StartRemote(context.Background(), "rpc", header)
	assert.Equal(t, "0af7651916cd43dd8448eb211c80319c", span.TraceID)
	assert.Equal(t, "b7ad6b7169203331", span.ParentID)
}

func TestSQLiteExporterRoundTrip(t *testing.T) {
	exp, err := NewSQLiteExporter(t.TempDir() + "/traces.db")
	require.NoError(t, err)
	defer func() { _ = exp.Close() }()

	now := time.Now()
	spans := []Span{
		{SpanID: "aaaaaaaaaaaaaaaa", TraceID: "t1", Name: "first", Kind: KindInternal, Status: StatusOK, Start: now, End: now.Add(time.Millisecond)},
		{SpanID: "bbbbbbbbbbbbbbbb", TraceID: "t1", ParentID: "aaaaaaaaaaaaaaaa", Name: "second", Kind: KindWorker, Status: StatusError, ErrMsg: "bad", Start: now.Add(time.Millisecond), End: now.Add(2 * time.Millisecond)},
	}
	require.NoError(t, exp.Export(context.Background(), spans))

	got, err := exp.Recent(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, got, 2)
	// Newest first.
	assert.Equal(t, "second", got[0].Name)
	assert.Equal(t, "bad", got[0].ErrMsg)
	assert.Equal(t, "aaaaaaaaaaaaaaaa", got[0].ParentID)
}
