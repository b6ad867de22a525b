package mcp

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"
	"golang.org/x/time/rate"

	"github.com/groundline-ai/groundline/pkg/log"
)

// DefaultPageSize bounds resources/list and tools/list pages.
const DefaultPageSize = 100

// Sink delivers server-initiated notifications to one connection.
type Sink interface {
	Notify(n Notification) error
}

// Server owns the providers and the sessions. One Server is shared by
// all transports; each connection gets its own Session.
type Server struct {
	info     ServerInfo
	pageSize int
	// limit and burst shape the per-connection rate limiter.
	limit rate.Limit
	burst int

	logger *slog.Logger

	mu        sync.RWMutex
	resources []ResourceProvider
	tools     []ToolProvider
	prompts   []PromptProvider
	roots     []Root
	sessions  map[*Session]struct{}
}

// ServerOption configures a Server.
type ServerOption func(*Server)

// WithPageSize overrides the list page size.
func WithPageSize(n int) ServerOption {
	return func(s *Server) {
		if n > 0 {
			s.pageSize = n
		}
	}
}

// WithRateLimit sets the per-connection request rate and burst.
func WithRateLimit(perSecond float64, burst int) ServerOption {
	return func(s *Server) {
		s.limit = rate.Limit(perSecond)
		s.burst = burst
	}
}

// NewServer builds a server with no providers registered.
func NewServer(name, version string, opts ...ServerOption) *Server {
	s := &Server{
		info:     ServerInfo{Name: name, Version: version},
		pageSize: DefaultPageSize,
		limit:    rate.Inf,
		burst:    1,
		logger:   log.WithModule("mcp"),
		sessions: map[*Session]struct{}{},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// AddResourceProvider appends a provider; read tries providers in
// registration order.
func (s *Server) AddResourceProvider(p ResourceProvider) {
	s.mu.Lock()
	s.resources = append(s.resources, p)
	s.mu.Unlock()
	s.notifyAll("notifications/resources/list_changed", nil)
}

// AddToolProvider appends a tool provider.
func (s *Server) AddToolProvider(p ToolProvider) {
	s.mu.Lock()
	s.tools = append(s.tools, p)
	s.mu.Unlock()
	s.notifyAll("notifications/tools/list_changed", nil)
}

// AddPromptProvider appends a prompt provider.
func (s *Server) AddPromptProvider(p PromptProvider) {
	s.mu.Lock()
	s.prompts = append(s.prompts, p)
	s.mu.Unlock()
	s.notifyAll("notifications/prompts/list_changed", nil)
}

// AddRoot advertises a filesystem root.
func (s *Server) AddRoot(r Root) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.roots = append(s.roots, r)
}

// ResourceUpdated notifies sessions subscribed to the URI.
func (s *Server) ResourceUpdated(uri string) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for sess := range s.sessions {
		if sess.subscribed(uri) {
			sess.notify("notifications/resources/updated", map[string]any{"uri": uri})
		}
	}
}

func (s *Server) notifyAll(method string, params any) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for sess := range s.sessions {
		sess.notify(method, params)
	}
}

func (s *Server) capabilities() ServerCapabilities {
	var c ServerCapabilities
	c.Resources.Subscribe = true
	c.Resources.ListChanged = true
	c.Tools.ListChanged = true
	c.Prompts.ListChanged = true
	return c
}

// Session is the per-connection protocol state: lifecycle, in-flight
// request contexts, subscriptions, log level, and the rate limiter.
type Session struct {
	srv  *Server
	sink Sink

	limiter *rate.Limiter

	mu          sync.Mutex
	inflight    map[string]context.CancelFunc
	subs        map[string]bool
	logLevel    slog.Level
	initialized bool
	shutdown    bool
}

// NewSession registers a connection. Close must be called when the
// connection ends.
func (s *Server) NewSession(sink Sink) *Session {
	sess := &Session{
		srv:      s,
		sink:     sink,
		limiter:  rate.NewLimiter(s.limit, s.burst),
		inflight: map[string]context.CancelFunc{},
		subs:     map[string]bool{},
		logLevel: slog.LevelInfo,
	}
	s.mu.Lock()
	s.sessions[sess] = struct{}{}
	s.mu.Unlock()
	return sess
}

// Close cancels in-flight requests and deregisters the session.
func (sess *Session) Close() {
	sess.mu.Lock()
	for _, cancel := range sess.inflight {
		cancel()
	}
	sess.inflight = map[string]context.CancelFunc{}
	sess.mu.Unlock()

	sess.srv.mu.Lock()
	delete(sess.srv.sessions, sess)
	sess.srv.mu.Unlock()
}

func (sess *Session) subscribed(uri string) bool {
	sess.mu.Lock()
	defer sess.mu.Unlock()
	return sess.subs[uri]
}

func (sess *Session) notify(method string, params any) {
	if sess.sink == nil {
		return
	}
	_ = sess.sink.Notify(Notification{JSONRPC: "2.0", Method: method, Params: params})
}

// Log emits a notifications/message to the client when the level
// clears the session's threshold.
func (sess *Session) Log(level slog.Level, message string, data map[string]any) {
	sess.mu.Lock()
	threshold := sess.logLevel
	sess.mu.Unlock()
	if level < threshold {
		return
	}
	params := map[string]any{"level": levelName(level), "logger": sess.srv.info.Name, "data": message}
	for k, v := range data {
		params[k] = v
	}
	sess.notify("notifications/message", params)
}

// Handle processes one raw message (single request or batch) and
// returns the marshaled response, or nil when nothing is owed (pure
// notifications).
func (sess *Session) Handle(ctx context.Context, raw []byte) []byte {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 {
		return marshalResponse(errorResponse(nil, CodeInvalidRequest, "empty message"))
	}

	if trimmed[0] == '[' {
		return sess.handleBatch(ctx, trimmed)
	}

	var req Request
	if err := json.Unmarshal(trimmed, &req); err != nil {
		return marshalResponse(errorResponse(nil, CodeParseError, "parse error: "+err.Error()))
	}
	resp := sess.HandleRequest(ctx, &req)
	if resp == nil {
		return nil
	}
	return marshalResponse(resp)
}

// handleBatch runs each entry in order and aggregates responses in the
// same order, dropping entries for notifications.
func (sess *Session) handleBatch(ctx context.Context, raw []byte) []byte {
	var entries []json.RawMessage
	if err := json.Unmarshal(raw, &entries); err != nil {
		return marshalResponse(errorResponse(nil, CodeParseError, "parse error: "+err.Error()))
	}
	if len(entries) == 0 {
		return marshalResponse(errorResponse(nil, CodeInvalidRequest, "empty batch"))
	}

	responses := make([]*Response, 0, len(entries))
	for _, entry := range entries {
		var req Request
		if err := json.Unmarshal(entry, &req); err != nil {
			responses = append(responses, errorResponse(nil, CodeInvalidRequest, "invalid batch entry"))
			continue
		}
		if resp := sess.HandleRequest(ctx, &req); resp != nil {
			responses = append(responses, resp)
		}
	}
	if len(responses) == 0 {
		return nil
	}
	out, err := json.Marshal(responses)
	if err != nil {
		return marshalResponse(errorResponse(nil, CodeInternalError, err.Error()))
	}
	return out
}

// HandleRequest dispatches one request. Notifications return nil.
func (sess *Session) HandleRequest(ctx context.Context, req *Request) *Response {
	if req.JSONRPC != "2.0" {
		if req.IsNotification() {
			return nil
		}
		return errorResponse(req.ID, CodeInvalidRequest, "jsonrpc must be \"2.0\"")
	}

	if req.IsNotification() {
		sess.handleNotification(req)
		return nil
	}

	if err := sess.limiter.Wait(ctx); err != nil {
		return errorResponse(req.ID, CodeCancelled, "request cancelled while rate limited")
	}

	reqCtx, cancel := context.WithCancel(ctx)
	key := idKey(req.ID)
	sess.mu.Lock()
	sess.inflight[key] = cancel
	sess.mu.Unlock()
	defer func() {
		cancel()
		sess.mu.Lock()
		delete(sess.inflight, key)
		sess.mu.Unlock()
	}()

	result, rpcErr := sess.dispatch(reqCtx, req)
	if reqCtx.Err() != nil && rpcErr == nil && result == nil {
		rpcErr = &RPCError{Code: CodeCancelled, Message: "request cancelled"}
	}
	if rpcErr != nil {
		sess.srv.logger.Debug("request failed", "method", req.Method, "code", rpcErr.Code, "error", rpcErr.Message)
		return &Response{JSONRPC: "2.0", ID: req.ID, Error: rpcErr}
	}
	return &Response{JSONRPC: "2.0", ID: req.ID, Result: result}
}

func (sess *Session) handleNotification(req *Request) {
	switch req.Method {
	case "notifications/initialized":
		sess.mu.Lock()
		sess.initialized = true
		sess.mu.Unlock()
	case "notifications/cancelled":
		var params struct {
			RequestID json.RawMessage `json:"requestId"`
		}
		if err := json.Unmarshal(req.Params, &params); err != nil || len(params.RequestID) == 0 {
			return
		}
		id := json.RawMessage(params.RequestID)
		sess.mu.Lock()
		cancel, ok := sess.inflight[idKey(&id)]
		sess.mu.Unlock()
		if ok {
			cancel()
		}
	default:
		sess.srv.logger.Debug("ignoring notification", "method", req.Method)
	}
}

func (sess *Session) dispatch(ctx context.Context, req *Request) (any, *RPCError) {
	sess.mu.Lock()
	down := sess.shutdown
	sess.mu.Unlock()
	if down && req.Method != "initialize" {
		return nil, &RPCError{Code: CodeInvalidRequest, Message: "server is shut down"}
	}

	switch req.Method {
	case "initialize":
		return sess.handleInitialize(req.Params)
	case "shutdown":
		sess.mu.Lock()
		sess.shutdown = true
		sess.mu.Unlock()
		return map[string]any{}, nil
	case "ping":
		return map[string]any{}, nil
	case "resources/list":
		return sess.handleResourcesList(ctx, req.Params)
	case "resources/read":
		return sess.handleResourcesRead(ctx, req.Params)
	case "resources/subscribe":
		return sess.handleSubscribe(req.Params, true)
	case "resources/unsubscribe":
		return sess.handleSubscribe(req.Params, false)
	case "tools/list":
		return sess.handleToolsList(ctx, req.Params)
	case "tools/call":
		return sess.handleToolsCall(ctx, req.Params)
	case "prompts/list":
		return sess.handlePromptsList(ctx)
	case "prompts/get":
		return sess.handlePromptsGet(ctx, req.Params)
	case "roots/list":
		sess.srv.mu.RLock()
		roots := append([]Root(nil), sess.srv.roots...)
		sess.srv.mu.RUnlock()
		return map[string]any{"roots": roots}, nil
	case "completion/complete":
		return sess.handleComplete(ctx, req.Params)
	case "logging/setLevel":
		return sess.handleSetLevel(req.Params)
	default:
		return nil, &RPCError{Code: CodeMethodNotFound, Message: fmt.Sprintf("method %q not found", req.Method)}
	}
}

func (sess *Session) handleInitialize(params json.RawMessage) (any, *RPCError) {
	var p struct {
		ProtocolVersion string `json:"protocolVersion"`
	}
	if len(params) > 0 {
		if err := json.Unmarshal(params, &p); err != nil {
			return nil, &RPCError{Code: CodeInvalidParams, Message: "invalid initialize params"}
		}
	}
	sess.mu.Lock()
	sess.shutdown = false
	sess.mu.Unlock()
	return InitializeResult{
		ProtocolVersion: ProtocolVersion,
		Capabilities:    sess.srv.capabilities(),
		ServerInfo:      sess.srv.info,
	}, nil
}

func (sess *Session) handleResourcesList(ctx context.Context, params json.RawMessage) (any, *RPCError) {
	offset, rpcErr := parseCursor(params)
	if rpcErr != nil {
		return nil, rpcErr
	}

	sess.srv.mu.RLock()
	providers := append([]ResourceProvider(nil), sess.srv.resources...)
	sess.srv.mu.RUnlock()

	var all []Resource
	for _, p := range providers {
		rs, err := p.Resources(ctx)
		if err != nil {
			return nil, internalError(err)
		}
		all = append(all, rs...)
	}

	page, next := paginate(all, offset, sess.srv.pageSize)
	result := map[string]any{"resources": page}
	if next != "" {
		result["nextCursor"] = next
	}
	return result, nil
}

func (sess *Session) handleResourcesRead(ctx context.Context, params json.RawMessage) (any, *RPCError) {
	var p struct {
		URI string `json:"uri"`
	}
	if err := json.Unmarshal(params, &p); err != nil || p.URI == "" {
		return nil, &RPCError{Code: CodeInvalidParams, Message: "resources/read requires a uri"}
	}

	sess.srv.mu.RLock()
	providers := append([]ResourceProvider(nil), sess.srv.resources...)
	sess.srv.mu.RUnlock()

	for _, provider := range providers {
		content, err := provider.Read(ctx, p.URI)
		if err != nil {
			return nil, internalError(err)
		}
		if content != nil {
			return map[string]any{"contents": []ResourceContent{*content}}, nil
		}
	}
	return nil, &RPCError{Code: CodeResourceNotFound, Message: fmt.Sprintf("resource %q not found", p.URI)}
}

func (sess *Session) handleSubscribe(params json.RawMessage, subscribe bool) (any, *RPCError) {
	var p struct {
		URI string `json:"uri"`
	}
	if err := json.Unmarshal(params, &p); err != nil || p.URI == "" {
		return nil, &RPCError{Code: CodeInvalidParams, Message: "a uri is required"}
	}
	sess.mu.Lock()
	if subscribe {
		sess.subs[p.URI] = true
	} else {
		delete(sess.subs, p.URI)
	}
	sess.mu.Unlock()
	return map[string]any{}, nil
}

func (sess *Session) handleToolsList(ctx context.Context, params json.RawMessage) (any, *RPCError) {
	offset, rpcErr := parseCursor(params)
	if rpcErr != nil {
		return nil, rpcErr
	}

	all, err := sess.srv.allTools(ctx)
	if err != nil {
		return nil, internalError(err)
	}

	page, next := paginate(all, offset, sess.srv.pageSize)
	result := map[string]any{"tools": page}
	if next != "" {
		result["nextCursor"] = next
	}
	return result, nil
}

func (sess *Session) handleToolsCall(ctx context.Context, params json.RawMessage) (any, *RPCError) {
	var p struct {
		Name      string         `json:"name"`
		Arguments map[string]any `json:"arguments"`
		Meta      struct {
			ProgressToken any `json:"progressToken"`
		} `json:"_meta"`
	}
	if err := json.Unmarshal(params, &p); err != nil || p.Name == "" {
		return nil, &RPCError{Code: CodeInvalidParams, Message: "tools/call requires a name"}
	}

	provider, tool, err := sess.srv.findTool(ctx, p.Name)
	if err != nil {
		return nil, internalError(err)
	}
	if provider == nil {
		return nil, &RPCError{Code: CodeToolNotFound, Message: fmt.Sprintf("tool %q not found", p.Name)}
	}

	if rpcErr := validateArgs(tool.InputSchema, p.Arguments); rpcErr != nil {
		return nil, rpcErr
	}

	if p.Meta.ProgressToken != nil {
		sess.notify("notifications/progress", map[string]any{
			"progressToken": p.Meta.ProgressToken, "progress": 0, "total": 1,
		})
		defer sess.notify("notifications/progress", map[string]any{
			"progressToken": p.Meta.ProgressToken, "progress": 1, "total": 1,
		})
	}

	result, err := provider.Call(ctx, p.Name, p.Arguments)
	if err != nil {
		if ctx.Err() != nil {
			return nil, &RPCError{Code: CodeCancelled, Message: "tool call cancelled"}
		}
		// Execution failures stay in-band so the model can react.
		return ErrorResult(err.Error()), nil
	}
	return result, nil
}

func (sess *Session) handlePromptsList(ctx context.Context) (any, *RPCError) {
	sess.srv.mu.RLock()
	providers := append([]PromptProvider(nil), sess.srv.prompts...)
	sess.srv.mu.RUnlock()

	var all []Prompt
	for _, p := range providers {
		ps, err := p.Prompts(ctx)
		if err != nil {
			return nil, internalError(err)
		}
		all = append(all, ps...)
	}
	sort.Slice(all, func(i, j int) bool { return all[i].Name < all[j].Name })
	return map[string]any{"prompts": all}, nil
}

func (sess *Session) handlePromptsGet(ctx context.Context, params json.RawMessage) (any, *RPCError) {
	var p struct {
		Name      string            `json:"name"`
		Arguments map[string]string `json:"arguments"`
	}
	if err := json.Unmarshal(params, &p); err != nil || p.Name == "" {
		return nil, &RPCError{Code: CodeInvalidParams, Message: "prompts/get requires a name"}
	}

	sess.srv.mu.RLock()
	providers := append([]PromptProvider(nil), sess.srv.prompts...)
	sess.srv.mu.RUnlock()

	for _, provider := range providers {
		prompts, err := provider.Prompts(ctx)
		if err != nil {
			return nil, internalError(err)
		}
		for _, prompt := range prompts {
			if prompt.Name != p.Name {
				continue
			}
			for _, arg := range prompt.Arguments {
				if arg.Required && p.Arguments[arg.Name] == "" {
					return nil, &RPCError{Code: CodeInvalidParams,
						Message: fmt.Sprintf("prompt %q requires argument %q", p.Name, arg.Name)}
				}
			}
			messages, err := provider.Get(ctx, p.Name, p.Arguments)
			if err != nil {
				return nil, internalError(err)
			}
			return map[string]any{"description": prompt.Description, "messages": messages}, nil
		}
	}
	return nil, &RPCError{Code: CodePromptNotFound, Message: fmt.Sprintf("prompt %q not found", p.Name)}
}

// handleComplete suggests values for resource URIs by prefix; prompt
// argument completion returns an empty set.
func (sess *Session) handleComplete(ctx context.Context, params json.RawMessage) (any, *RPCError) {
	var p struct {
		Ref struct {
			Type string `json:"type"`
			URI  string `json:"uri"`
			Name string `json:"name"`
		} `json:"ref"`
		Argument struct {
			Name  string `json:"name"`
			Value string `json:"value"`
		} `json:"argument"`
	}
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, &RPCError{Code: CodeInvalidParams, Message: "invalid completion params"}
	}

	var values []string
	if p.Ref.Type == "ref/resource" {
		sess.srv.mu.RLock()
		providers := append([]ResourceProvider(nil), sess.srv.resources...)
		sess.srv.mu.RUnlock()
		for _, provider := range providers {
			rs, err := provider.Resources(ctx)
			if err != nil {
				return nil, internalError(err)
			}
			for _, r := range rs {
				if strings.HasPrefix(r.URI, p.Argument.Value) {
					values = append(values, r.URI)
				}
			}
		}
	}
	if len(values) > sess.srv.pageSize {
		values = values[:sess.srv.pageSize]
	}
	return map[string]any{"completion": map[string]any{
		"values": values, "total": len(values), "hasMore": false,
	}}, nil
}

func (sess *Session) handleSetLevel(params json.RawMessage) (any, *RPCError) {
	var p struct {
		Level string `json:"level"`
	}
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, &RPCError{Code: CodeInvalidParams, Message: "invalid logging params"}
	}
	level, ok := parseLevel(p.Level)
	if !ok {
		return nil, &RPCError{Code: CodeInvalidParams, Message: fmt.Sprintf("unknown log level %q", p.Level)}
	}
	sess.mu.Lock()
	sess.logLevel = level
	sess.mu.Unlock()
	return map[string]any{}, nil
}

// allTools flattens every provider's tools, sorted by name for stable
// pagination.
func (s *Server) allTools(ctx context.Context) ([]Tool, error) {
	s.mu.RLock()
	providers := append([]ToolProvider(nil), s.tools...)
	s.mu.RUnlock()

	var all []Tool
	for _, p := range providers {
		ts, err := p.Tools(ctx)
		if err != nil {
			return nil, err
		}
		all = append(all, ts...)
	}
	sort.Slice(all, func(i, j int) bool { return all[i].Name < all[j].Name })
	return all, nil
}

func (s *Server) findTool(ctx context.Context, name string) (ToolProvider, *Tool, error) {
	s.mu.RLock()
	providers := append([]ToolProvider(nil), s.tools...)
	s.mu.RUnlock()

	for _, p := range providers {
		ts, err := p.Tools(ctx)
		if err != nil {
			return nil, nil, err
		}
		for i := range ts {
			if ts[i].Name == name {
				return p, &ts[i], nil
			}
		}
	}
	return nil, nil, nil
}

// validateArgs checks tool arguments against the declared JSON schema.
func validateArgs(schema map[string]any, args map[string]any) *RPCError {
	if len(schema) == 0 {
		return nil
	}
	schemaRaw, err := json.Marshal(schema)
	if err != nil {
		return internalError(err)
	}
	schemaDoc, err := jsonschema.UnmarshalJSON(bytes.NewReader(schemaRaw))
	if err != nil {
		return internalError(err)
	}
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("inline://schema", schemaDoc); err != nil {
		return internalError(err)
	}
	compiled, err := compiler.Compile("inline://schema")
	if err != nil {
		return internalError(err)
	}

	if args == nil {
		args = map[string]any{}
	}
	argsRaw, err := json.Marshal(args)
	if err != nil {
		return internalError(err)
	}
	instance, err := jsonschema.UnmarshalJSON(bytes.NewReader(argsRaw))
	if err != nil {
		return internalError(err)
	}
	if err := compiled.Validate(instance); err != nil {
		return &RPCError{Code: CodeInvalidParams, Message: "invalid tool arguments: " + err.Error()}
	}
	return nil
}

// Cursors encode the absolute offset of the next page.
func encodeCursor(offset int) string {
	return base64.StdEncoding.EncodeToString([]byte(strconv.Itoa(offset)))
}

func parseCursor(params json.RawMessage) (int, *RPCError) {
	if len(params) == 0 {
		return 0, nil
	}
	var p struct {
		Cursor string `json:"cursor"`
	}
	if err := json.Unmarshal(params, &p); err != nil {
		return 0, &RPCError{Code: CodeInvalidParams, Message: "invalid list params"}
	}
	if p.Cursor == "" {
		return 0, nil
	}
	decoded, err := base64.StdEncoding.DecodeString(p.Cursor)
	if err != nil {
		return 0, &RPCError{Code: CodeInvalidParams, Message: "invalid cursor"}
	}
	offset, err := strconv.Atoi(string(decoded))
	if err != nil || offset < 0 {
		return 0, &RPCError{Code: CodeInvalidParams, Message: "invalid cursor"}
	}
	return offset, nil
}

func paginate[T any](items []T, offset, pageSize int) ([]T, string) {
	if offset >= len(items) {
		return []T{}, ""
	}
	end := offset + pageSize
	if end >= len(items) {
		return items[offset:], ""
	}
	return items[offset:end], encodeCursor(end)
}

// isNotification reports whether raw holds a single message with no
// id. Transports use it to keep notifications on the read loop while
// requests run concurrently.
func isNotification(raw []byte) bool {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return false
	}
	var head struct {
		ID *json.RawMessage `json:"id"`
	}
	if err := json.Unmarshal(trimmed, &head); err != nil {
		return false
	}
	return head.ID == nil
}

func idKey(id *json.RawMessage) string {
	if id == nil {
		return ""
	}
	return string(*id)
}

func internalError(err error) *RPCError {
	return &RPCError{Code: CodeInternalError, Message: err.Error()}
}

func errorResponse(id *json.RawMessage, code int, message string) *Response {
	return &Response{JSONRPC: "2.0", ID: id, Error: &RPCError{Code: code, Message: message}}
}

func marshalNotification(n Notification) ([]byte, error) {
	n.JSONRPC = "2.0"
	return json.Marshal(n)
}

func marshalResponse(resp *Response) []byte {
	out, err := json.Marshal(resp)
	if err != nil {
		out, _ = json.Marshal(errorResponse(resp.ID, CodeInternalError, "response marshal failed"))
	}
	return out
}

func levelName(l slog.Level) string {
	switch {
	case l <= slog.LevelDebug:
		return "debug"
	case l <= slog.LevelInfo:
		return "info"
	case l <= slog.LevelWarn:
		return "warning"
	default:
		return "error"
	}
}

func parseLevel(name string) (slog.Level, bool) {
	switch strings.ToLower(name) {
	case "debug":
		return slog.LevelDebug, true
	case "info":
		return slog.LevelInfo, true
	case "notice", "warning":
		return slog.LevelWarn, true
	case "error", "critical", "alert", "emergency":
		return slog.LevelError, true
	default:
		return 0, false
	}
}
