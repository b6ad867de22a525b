package mcp

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/groundline-ai/groundline/pkg/domain"
	"github.com/groundline-ai/groundline/pkg/gateway"
	"github.com/groundline-ai/groundline/pkg/memory"
	"github.com/groundline-ai/groundline/pkg/workers"
)

func emptyRegistry() *workers.Registry { return workers.NewRegistry() }

// memSink records notifications for assertions.
type memSink struct {
	mu    sync.Mutex
	notes []Notification
}

func (m *memSink) Notify(n Notification) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.notes = append(m.notes, n)
	return nil
}

func (m *memSink) methods() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, len(m.notes))
	for i, n := range m.notes {
		out[i] = n.Method
	}
	return out
}

// fakeTool is a single-tool provider with a scripted handler.
type fakeTool struct {
	tool Tool
	call func(ctx context.Context, args map[string]any) (*ToolResult, error)
}

func (f *fakeTool) Tools(context.Context) ([]Tool, error) { return []Tool{f.tool}, nil }

func (f *fakeTool) Call(ctx context.Context, _ string, args map[string]any) (*ToolResult, error) {
	return f.call(ctx, args)
}

// fakeResources serves n numbered resources.
type fakeResources struct{ n int }

func (f *fakeResources) Resources(context.Context) ([]Resource, error) {
	out := make([]Resource, f.n)
	for i := range out {
		out[i] = Resource{URI: fmt.Sprintf("mem://%03d", i), Name: fmt.Sprintf("entry %d", i)}
	}
	return out, nil
}

func (f *fakeResources) Read(_ context.Context, uri string) (*ResourceContent, error) {
	if uri == "mem://000" {
		return &ResourceContent{URI: uri, Text: "first entry"}, nil
	}
	return nil, nil
}

func rawID(v any) *json.RawMessage {
	b, _ := json.Marshal(v)
	raw := json.RawMessage(b)
	return &raw
}

func request(id any, method string, params any) *Request {
	req := &Request{JSONRPC: "2.0", Method: method}
	if id != nil {
		req.ID = rawID(id)
	}
	if params != nil {
		b, _ := json.Marshal(params)
		req.Params = b
	}
	return req
}

func echoTool() *fakeTool {
	return &fakeTool{
		tool: Tool{
			Name: "echo",
			InputSchema: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"text": map[string]any{"type": "string"},
				},
				"required": []any{"text"},
			},
		},
		call: func(_ context.Context, args map[string]any) (*ToolResult, error) {
			return TextResult(args["text"].(string)), nil
		},
	}
}

func TestInitializeHandshake(t *testing.T) {
	srv := NewServer("groundline", "1.0.0")
	sess := srv.NewSession(nil)
	defer sess.Close()

	resp := sess.HandleRequest(context.Background(), request(1, "initialize", map[string]any{
		"protocolVersion": ProtocolVersion,
	}))
	require.NotNil(t, resp)
	require.Nil(t, resp.Error)

	result, ok := resp.Result.(InitializeResult)
	require.True(t, ok)
	assert.Equal(t, ProtocolVersion, result.ProtocolVersion)
	assert.Equal(t, "groundline", result.ServerInfo.Name)
	assert.True(t, result.Capabilities.Resources.Subscribe)
	assert.True(t, result.Capabilities.Tools.ListChanged)
}

func TestMethodNotFound(t *testing.T) {
	srv := NewServer("t", "0")
	sess := srv.NewSession(nil)
	defer sess.Close()

	resp := sess.HandleRequest(context.Background(), request(1, "no/such", nil))
	require.NotNil(t, resp.Error)
	assert.Equal(t, CodeMethodNotFound, resp.Error.Code)
}

func TestShutdownRejectsFurtherRequests(t *testing.T) {
	srv := NewServer("t", "0")
	sess := srv.NewSession(nil)
	defer sess.Close()

	resp := sess.HandleRequest(context.Background(), request(1, "shutdown", nil))
	require.Nil(t, resp.Error)

	resp = sess.HandleRequest(context.Background(), request(2, "ping", nil))
	require.NotNil(t, resp.Error)
	assert.Equal(t, CodeInvalidRequest, resp.Error.Code)
}

func TestBatchPreservesOrderAndDropsNotifications(t *testing.T) {
	srv := NewServer("t", "0")
	srv.AddToolProvider(echoTool())
	sess := srv.NewSession(nil)
	defer sess.Close()

	batch := `[
		{"jsonrpc":"2.0","id":7,"method":"ping"},
		{"jsonrpc":"2.0","method":"notifications/initialized"},
		{"jsonrpc":"2.0","id":8,"method":"tools/call","params":{"name":"echo","arguments":{"text":"hi"}}},
		{"jsonrpc":"2.0","id":9,"method":"no/such"}
	]`
	out := sess.Handle(context.Background(), []byte(batch))
	require.NotNil(t, out)

	var responses []Response
	require.NoError(t, json.Unmarshal(out, &responses))
	require.Len(t, responses, 3, "the notification owes no response")
	assert.Equal(t, "7", string(*responses[0].ID))
	assert.Equal(t, "8", string(*responses[1].ID))
	assert.Equal(t, "9", string(*responses[2].ID))
	assert.Equal(t, CodeMethodNotFound, responses[2].Error.Code)
}

func TestBatchOfOnlyNotificationsOwesNothing(t *testing.T) {
	srv := NewServer("t", "0")
	sess := srv.NewSession(nil)
	defer sess.Close()

	out := sess.Handle(context.Background(), []byte(`[{"jsonrpc":"2.0","method":"notifications/initialized"}]`))
	assert.Nil(t, out)
}

func TestEmptyBatchIsInvalid(t *testing.T) {
	srv := NewServer("t", "0")
	sess := srv.NewSession(nil)
	defer sess.Close()

	out := sess.Handle(context.Background(), []byte(`[]`))
	var resp Response
	require.NoError(t, json.Unmarshal(out, &resp))
	require.NotNil(t, resp.Error)
	assert.Equal(t, CodeInvalidRequest, resp.Error.Code)
}

func TestParseErrorCode(t *testing.T) {
	srv := NewServer("t", "0")
	sess := srv.NewSession(nil)
	defer sess.Close()

	out := sess.Handle(context.Background(), []byte(`{not json`))
	var resp Response
	require.NoError(t, json.Unmarshal(out, &resp))
	require.NotNil(t, resp.Error)
	assert.Equal(t, CodeParseError, resp.Error.Code)
}

func TestCustomNotFoundCodes(t *testing.T) {
	srv := NewServer("t", "0")
	srv.AddResourceProvider(&fakeResources{n: 1})
	srv.AddToolProvider(echoTool())
	srv.AddPromptProvider(&WorkerPrompts{Registry: emptyRegistry()})
	sess := srv.NewSession(nil)
	defer sess.Close()
	ctx := context.Background()

	resp := sess.HandleRequest(ctx, request(1, "resources/read", map[string]any{"uri": "mem://999"}))
	require.NotNil(t, resp.Error)
	assert.Equal(t, CodeResourceNotFound, resp.Error.Code)

	resp = sess.HandleRequest(ctx, request(2, "tools/call", map[string]any{"name": "missing"}))
	require.NotNil(t, resp.Error)
	assert.Equal(t, CodeToolNotFound, resp.Error.Code)

	resp = sess.HandleRequest(ctx, request(3, "prompts/get", map[string]any{"name": "missing"}))
	require.NotNil(t, resp.Error)
	assert.Equal(t, CodePromptNotFound, resp.Error.Code)
}

func TestToolArgumentValidation(t *testing.T) {
	srv := NewServer("t", "0")
	srv.AddToolProvider(echoTool())
	sess := srv.NewSession(nil)
	defer sess.Close()

	// Missing the required "text" argument.
	resp := sess.HandleRequest(context.Background(),
		request(1, "tools/call", map[string]any{"name": "echo", "arguments": map[string]any{}}))
	require.NotNil(t, resp.Error)
	assert.Equal(t, CodeInvalidParams, resp.Error.Code)

	// Wrong type.
	resp = sess.HandleRequest(context.Background(),
		request(2, "tools/call", map[string]any{"name": "echo", "arguments": map[string]any{"text": 42}}))
	require.NotNil(t, resp.Error)
	assert.Equal(t, CodeInvalidParams, resp.Error.Code)

	// Valid call.
	resp = sess.HandleRequest(context.Background(),
		request(3, "tools/call", map[string]any{"name": "echo", "arguments": map[string]any{"text": "hi"}}))
	require.Nil(t, resp.Error)
	result, ok := resp.Result.(*ToolResult)
	require.True(t, ok)
	assert.Equal(t, "hi", result.Text())
}

func TestCancellationNotificationAbortsInFlightRequest(t *testing.T) {
	started := make(chan struct{})
	blocker := &fakeTool{
		tool: Tool{Name: "block", InputSchema: map[string]any{"type": "object"}},
		call: func(ctx context.Context, _ map[string]any) (*ToolResult, error) {
			close(started)
			<-ctx.Done()
			return nil, ctx.Err()
		},
	}
	srv := NewServer("t", "0")
	srv.AddToolProvider(blocker)
	sess := srv.NewSession(nil)
	defer sess.Close()

	done := make(chan *Response, 1)
	go func() {
		done <- sess.HandleRequest(context.Background(),
			request(42, "tools/call", map[string]any{"name": "block"}))
	}()

	<-started
	sess.HandleRequest(context.Background(),
		request(nil, "notifications/cancelled", map[string]any{"requestId": 42}))

	select {
	case resp := <-done:
		require.NotNil(t, resp.Error)
		assert.Equal(t, CodeCancelled, resp.Error.Code)
	case <-time.After(2 * time.Second):
		t.Fatal("cancelled request never returned")
	}
}

func TestStdioTransportCancelsDuringToolCall(t *testing.T) {
	started := make(chan struct{})
	blocker := &fakeTool{
		tool: Tool{Name: "block", InputSchema: map[string]any{"type": "object"}},
		call: func(ctx context.Context, _ map[string]any) (*ToolResult, error) {
			close(started)
			<-ctx.Done()
			return nil, ctx.Err()
		},
	}
	srv := NewServer("t", "0")
	srv.AddToolProvider(blocker)

	inR, inW := io.Pipe()
	outR, outW := io.Pipe()
	tr := NewStdioTransport(srv, inR, outW)

	runDone := make(chan error, 1)
	go func() { runDone <- tr.Run(context.Background()) }()

	lines := make(chan []byte, 4)
	go func() {
		scanner := bufio.NewScanner(outR)
		for scanner.Scan() {
			lines <- append([]byte(nil), scanner.Bytes()...)
		}
	}()

	// The tool blocks; the cancellation must still get through on the
	// same connection.
	_, err := io.WriteString(inW, `{"jsonrpc":"2.0","id":1,"method":"tools/call","params":{"name":"block"}}`+"\n")
	require.NoError(t, err)
	<-started
	_, err = io.WriteString(inW, `{"jsonrpc":"2.0","method":"notifications/cancelled","params":{"requestId":1}}`+"\n")
	require.NoError(t, err)

	select {
	case raw := <-lines:
		var resp Response
		require.NoError(t, json.Unmarshal(raw, &resp))
		require.NotNil(t, resp.Error)
		assert.Equal(t, CodeCancelled, resp.Error.Code)
		assert.Equal(t, "1", string(*resp.ID))
	case <-time.After(2 * time.Second):
		t.Fatal("no response while the tool was blocked")
	}

	require.NoError(t, inW.Close())
	select {
	case err := <-runDone:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("transport did not stop on stdin close")
	}
}

func TestResourceListPagination(t *testing.T) {
	srv := NewServer("t", "0")
	srv.AddResourceProvider(&fakeResources{n: 150})
	sess := srv.NewSession(nil)
	defer sess.Close()
	ctx := context.Background()

	resp := sess.HandleRequest(ctx, request(1, "resources/list", nil))
	require.Nil(t, resp.Error)
	first := resp.Result.(map[string]any)
	page := first["resources"].([]Resource)
	assert.Len(t, page, 100)
	cursor, ok := first["nextCursor"].(string)
	require.True(t, ok, "a full page carries a cursor")

	resp = sess.HandleRequest(ctx, request(2, "resources/list", map[string]any{"cursor": cursor}))
	require.Nil(t, resp.Error)
	second := resp.Result.(map[string]any)
	assert.Len(t, second["resources"].([]Resource), 50)
	_, more := second["nextCursor"]
	assert.False(t, more, "the last page carries no cursor")
	assert.Equal(t, "mem://100", second["resources"].([]Resource)[0].URI)

	resp = sess.HandleRequest(ctx, request(3, "resources/list", map[string]any{"cursor": "not base64!"}))
	require.NotNil(t, resp.Error)
	assert.Equal(t, CodeInvalidParams, resp.Error.Code)
}

func TestSubscribeRoutesResourceUpdates(t *testing.T) {
	srv := NewServer("t", "0")
	srv.AddResourceProvider(&fakeResources{n: 3})

	subscribed := &memSink{}
	other := &memSink{}
	s1 := srv.NewSession(subscribed)
	defer s1.Close()
	s2 := srv.NewSession(other)
	defer s2.Close()

	resp := s1.HandleRequest(context.Background(),
		request(1, "resources/subscribe", map[string]any{"uri": "mem://001"}))
	require.Nil(t, resp.Error)

	srv.ResourceUpdated("mem://001")
	srv.ResourceUpdated("mem://002")

	assert.Equal(t, []string{"notifications/resources/updated"}, subscribed.methods())
	assert.Empty(t, other.methods())

	resp = s1.HandleRequest(context.Background(),
		request(2, "resources/unsubscribe", map[string]any{"uri": "mem://001"}))
	require.Nil(t, resp.Error)
	srv.ResourceUpdated("mem://001")
	assert.Len(t, subscribed.methods(), 1, "no delivery after unsubscribe")
}

func TestFSToolsConfinedToDataRoot(t *testing.T) {
	root := t.TempDir()
	fs := &FSTools{Root: root}
	ctx := context.Background()

	_, err := fs.Call(ctx, "fs_write", map[string]any{"path": "notes/a.txt", "content": "hello"})
	require.NoError(t, err)
	data, err := os.ReadFile(filepath.Join(root, "notes", "a.txt"))
	require.NoError(t, err)
	assert.Equal(t, "hello", string(data))

	result, err := fs.Call(ctx, "fs_read", map[string]any{"path": "notes/a.txt"})
	require.NoError(t, err)
	assert.Equal(t, "hello", result.Text())

	result, err = fs.Call(ctx, "fs_list", map[string]any{"path": "notes"})
	require.NoError(t, err)
	assert.Equal(t, "a.txt", result.Text())

	_, err = fs.Call(ctx, "fs_write", map[string]any{"path": "../escape.txt", "content": "x"})
	assert.Equal(t, domain.KindInvalidInput, domain.KindOf(err))

	// Absolute paths are re-rooted under the data root.
	_, err = fs.Call(ctx, "fs_write", map[string]any{"path": "/abs.txt", "content": "y"})
	require.NoError(t, err)
	_, err = os.Stat(filepath.Join(root, "abs.txt"))
	require.NoError(t, err)
}

func TestCoreMemoryResources(t *testing.T) {
	svc, err := memory.NewService(filepath.Join(t.TempDir(), "memory.db"), memory.Config{}, gateway.NewStaticBackend(16))
	require.NoError(t, err)
	defer svc.Close()
	ctx := context.Background()

	require.NoError(t, svc.ReplaceCore(ctx, memory.SectionPersona, "a careful research assistant"))
	require.NoError(t, svc.AppendCore(ctx, "project", "rollout notes"))

	provider := &CoreMemoryResources{Memory: svc}
	resources, err := provider.Resources(ctx)
	require.NoError(t, err)
	uris := make([]string, len(resources))
	for i, r := range resources {
		uris[i] = r.URI
	}
	assert.Contains(t, uris, "memory://core/persona")
	assert.Contains(t, uris, "memory://core/project")

	content, err := provider.Read(ctx, "memory://core/persona")
	require.NoError(t, err)
	require.NotNil(t, content)
	assert.Equal(t, "a careful research assistant", content.Text)

	content, err = provider.Read(ctx, "memory://core/no-such-section")
	require.NoError(t, err)
	assert.Nil(t, content)

	content, err = provider.Read(ctx, "source://xyz")
	require.NoError(t, err)
	assert.Nil(t, content, "foreign schemes are passed on")
}

func TestToolCallerAdapter(t *testing.T) {
	srv := NewServer("t", "0")
	srv.AddToolProvider(echoTool())
	adapter := &ToolCallerAdapter{Server: srv}

	assert.Equal(t, []string{"echo"}, adapter.ToolNames())

	out, err := adapter.CallTool(context.Background(), "echo", map[string]any{"text": "ping"})
	require.NoError(t, err)
	assert.Equal(t, "ping", out)

	_, err = adapter.CallTool(context.Background(), "missing", nil)
	assert.Equal(t, domain.KindNotFound, domain.KindOf(err))
}

func TestLoggingSetLevelGatesMessages(t *testing.T) {
	srv := NewServer("t", "0")
	sink := &memSink{}
	sess := srv.NewSession(sink)
	defer sess.Close()

	sess.Log(slog.LevelDebug, "ignored below the default threshold", nil)
	assert.Empty(t, sink.methods())

	resp := sess.HandleRequest(context.Background(),
		request(1, "logging/setLevel", map[string]any{"level": "debug"}))
	require.Nil(t, resp.Error)

	sess.Log(slog.LevelDebug, "now delivered", nil)
	assert.Equal(t, []string{"notifications/message"}, sink.methods())

	resp = sess.HandleRequest(context.Background(),
		request(2, "logging/setLevel", map[string]any{"level": "loud"}))
	require.NotNil(t, resp.Error)
	assert.Equal(t, CodeInvalidParams, resp.Error.Code)
}
