package mcp

import (
	"fmt"
	"io"
	"net/http"
	"sync"

	"github.com/groundline-ai/groundline/pkg/log"
)

const maxBody = 16 << 20

// HTTPTransport serves JSON-RPC over POST /rpc and pushes server
// notifications over a GET /events SSE stream. All HTTP clients share
// one session; events fan out to every open stream.
type HTTPTransport struct {
	srv  *Server
	sess *Session

	mu      sync.Mutex
	streams map[chan []byte]struct{}
}

// NewHTTPTransport builds the transport and its shared session.
func NewHTTPTransport(srv *Server) *HTTPTransport {
	t := &HTTPTransport{srv: srv, streams: map[chan []byte]struct{}{}}
	t.sess = srv.NewSession(t)
	return t
}

// Close releases the shared session.
func (t *HTTPTransport) Close() { t.sess.Close() }

// Notify implements Sink by broadcasting to all open event streams.
func (t *HTTPTransport) Notify(n Notification) error {
	payload, err := marshalNotification(n)
	if err != nil {
		return err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	for ch := range t.streams {
		select {
		case ch <- payload:
		default: // slow consumer, drop
		}
	}
	return nil
}

// Handler returns the mux with /rpc and /events mounted.
func (t *HTTPTransport) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/rpc", t.handleRPC)
	mux.HandleFunc("/events", t.handleEvents)
	return mux
}

func (t *HTTPTransport) handleRPC(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBody))
	if err != nil {
		http.Error(w, "read body: "+err.Error(), http.StatusBadRequest)
		return
	}

	resp := t.sess.Handle(r.Context(), body)
	if resp == nil {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write(resp)
}

func (t *HTTPTransport) handleEvents(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	flusher.Flush()

	ch := make(chan []byte, 32)
	t.mu.Lock()
	t.streams[ch] = struct{}{}
	t.mu.Unlock()
	defer func() {
		t.mu.Lock()
		delete(t.streams, ch)
		t.mu.Unlock()
	}()

	logger := log.WithModule("mcp.http")
	logger.Debug("event stream opened", "remote", r.RemoteAddr)
	for {
		select {
		case <-r.Context().Done():
			logger.Debug("event stream closed", "remote", r.RemoteAddr)
			return
		case payload := <-ch:
			if _, err := fmt.Fprintf(w, "data: %s\n\n", payload); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}
