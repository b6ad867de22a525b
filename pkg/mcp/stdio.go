package mcp

import (
	"bufio"
	"context"
	"io"
	"sync"

	"github.com/groundline-ai/groundline/pkg/log"
)

// maxLine bounds one line-delimited message (16 MiB).
const maxLine = 16 << 20

// StdioTransport speaks line-delimited JSON-RPC over a reader/writer
// pair, one message per line. Diagnostics go to the logger, never to
// the protocol stream.
type StdioTransport struct {
	srv *Server
	in  io.Reader

	mu  sync.Mutex
	out io.Writer
}

// NewStdioTransport wires the server to the given streams.
func NewStdioTransport(srv *Server, in io.Reader, out io.Writer) *StdioTransport {
	return &StdioTransport{srv: srv, in: in, out: out}
}

// Notify implements Sink.
func (t *StdioTransport) Notify(n Notification) error {
	return t.writeJSON(mustMarshalNotification(n))
}

func (t *StdioTransport) writeJSON(line []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, err := t.out.Write(line); err != nil {
		return err
	}
	_, err := t.out.Write([]byte{'\n'})
	return err
}

// Run reads messages until EOF or context cancellation. It blocks.
func (t *StdioTransport) Run(ctx context.Context) error {
	logger := log.WithModule("mcp.stdio")
	sess := t.srv.NewSession(t)
	defer sess.Close()

	scanner := bufio.NewScanner(t.in)
	scanner.Buffer(make([]byte, 64*1024), maxLine)

	for scanner.Scan() {
		if err := ctx.Err(); err != nil {
			return err
		}
		if len(scanner.Bytes()) == 0 {
			continue
		}
		// The scanner reuses its buffer across Scan calls.
		line := append([]byte(nil), scanner.Bytes()...)

		// Notifications stay on the read loop so a cancellation reaches
		// its in-flight request; requests run concurrently.
		if isNotification(line) {
			if resp := sess.Handle(ctx, line); resp != nil {
				if err := t.writeJSON(resp); err != nil {
					logger.Error("write response", "error", err)
					return err
				}
			}
			continue
		}
		go func() {
			resp := sess.Handle(ctx, line)
			if resp == nil {
				return
			}
			if err := t.writeJSON(resp); err != nil {
				logger.Error("write response", "error", err)
			}
		}()
	}
	if err := scanner.Err(); err != nil {
		logger.Error("read loop ended", "error", err)
		return err
	}
	logger.Info("stdin closed, shutting down")
	return nil
}

func mustMarshalNotification(n Notification) []byte {
	out, err := marshalNotification(n)
	if err != nil {
		return []byte(`{"jsonrpc":"2.0","method":"notifications/message","params":{"level":"error","data":"notification marshal failed"}}`)
	}
	return out
}
