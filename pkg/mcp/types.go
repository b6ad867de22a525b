// Package mcp implements the JSON-RPC 2.0 tool server: dispatcher,
// pluggable resource/tool/prompt providers, and stdio, HTTP, and
// WebSocket transports.
package mcp

import (
	"context"
	"encoding/json"
)

// ProtocolVersion is the protocol revision advertised by initialize.
const ProtocolVersion = "2025-03-26"

// JSON-RPC error codes: the standard set plus server-specific ones.
const (
	CodeParseError       = -32700
	CodeInvalidRequest   = -32600
	CodeMethodNotFound   = -32601
	CodeInvalidParams    = -32602
	CodeInternalError    = -32603
	CodeResourceNotFound = -32001
	CodeToolNotFound     = -32002
	CodePromptNotFound   = -32003
	CodeCancelled        = -32004
)

// Request is one incoming JSON-RPC message. A nil ID marks a
// notification.
type Request struct {
	JSONRPC string           `json:"jsonrpc"`
	ID      *json.RawMessage `json:"id,omitempty"`
	Method  string           `json:"method"`
	Params  json.RawMessage  `json:"params,omitempty"`
}

// IsNotification reports whether the request carries no id.
func (r *Request) IsNotification() bool { return r.ID == nil }

// Response is one outgoing JSON-RPC message.
type Response struct {
	JSONRPC string           `json:"jsonrpc"`
	ID      *json.RawMessage `json:"id,omitempty"`
	Result  any              `json:"result,omitempty"`
	Error   *RPCError        `json:"error,omitempty"`
}

// RPCError is the JSON-RPC error object.
type RPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

func (e *RPCError) Error() string { return e.Message }

// Notification is a server-initiated message without an id.
type Notification struct {
	JSONRPC string `json:"jsonrpc"`
	Method  string `json:"method"`
	Params  any    `json:"params,omitempty"`
}

// Resource describes one readable resource.
type Resource struct {
	URI         string `json:"uri"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	MimeType    string `json:"mimeType,omitempty"`
}

// ResourceContent is the payload of resources/read.
type ResourceContent struct {
	URI      string `json:"uri"`
	MimeType string `json:"mimeType,omitempty"`
	Text     string `json:"text,omitempty"`
	BlobB64  string `json:"blob,omitempty"`
}

// Tool describes one callable tool.
type Tool struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	InputSchema map[string]any `json:"inputSchema"`
}

// ToolResult is the payload of tools/call.
type ToolResult struct {
	Content []ToolContent `json:"content"`
	IsError bool          `json:"isError,omitempty"`
}

// ToolContent is one block of tool output.
type ToolContent struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

// TextResult wraps plain text as a tool result.
func TextResult(text string) *ToolResult {
	return &ToolResult{Content: []ToolContent{{Type: "text", Text: text}}}
}

// ErrorResult wraps an error message as a failed tool result.
func ErrorResult(text string) *ToolResult {
	return &ToolResult{Content: []ToolContent{{Type: "text", Text: text}}, IsError: true}
}

// Text concatenates the text blocks of a tool result.
func (r *ToolResult) Text() string {
	var out string
	for _, c := range r.Content {
		if c.Type == "text" {
			out += c.Text
		}
	}
	return out
}

// Prompt describes one prompt template.
type Prompt struct {
	Name        string           `json:"name"`
	Description string           `json:"description,omitempty"`
	Arguments   []PromptArgument `json:"arguments,omitempty"`
}

// PromptArgument describes one prompt parameter.
type PromptArgument struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Required    bool   `json:"required,omitempty"`
}

// PromptMessage is one rendered prompt turn.
type PromptMessage struct {
	Role    string      `json:"role"`
	Content ToolContent `json:"content"`
}

// Root is one filesystem root advertised by roots/list.
type Root struct {
	URI  string `json:"uri"`
	Name string `json:"name,omitempty"`
}

// ResourceProvider serves resources. Read returns (nil, nil) to pass on
// a URI it does not own; the server then tries the next provider.
type ResourceProvider interface {
	Resources(ctx context.Context) ([]Resource, error)
	Read(ctx context.Context, uri string) (*ResourceContent, error)
}

// ToolProvider serves tools. The server routes each call to the
// provider owning the tool name.
type ToolProvider interface {
	Tools(ctx context.Context) ([]Tool, error)
	Call(ctx context.Context, name string, args map[string]any) (*ToolResult, error)
}

// PromptProvider serves prompt templates.
type PromptProvider interface {
	Prompts(ctx context.Context) ([]Prompt, error)
	Get(ctx context.Context, name string, args map[string]string) ([]PromptMessage, error)
}

// capability blocks of the initialize result.
type resourceCapability struct {
	Subscribe   bool `json:"subscribe"`
	ListChanged bool `json:"listChanged"`
}

type listChangedCapability struct {
	ListChanged bool `json:"listChanged"`
}

// ServerCapabilities is the initialize capability block.
type ServerCapabilities struct {
	Resources resourceCapability    `json:"resources"`
	Tools     listChangedCapability `json:"tools"`
	Prompts   listChangedCapability `json:"prompts"`
	Logging   struct{}              `json:"logging"`
	Sampling  struct{}              `json:"sampling"`
}

// ServerInfo identifies the server implementation.
type ServerInfo struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// InitializeResult is the initialize response payload.
type InitializeResult struct {
	ProtocolVersion string             `json:"protocolVersion"`
	Capabilities    ServerCapabilities `json:"capabilities"`
	ServerInfo      ServerInfo         `json:"serverInfo"`
}
