package api

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"

	"github.com/mattjoyce/kiln/internal/daemon/exec"
	"github.com/mattjoyce/kiln/internal/log"
	"github.com/mattjoyce/kiln/internal/protocol"
)

// sseConnection delivers command messages to a client as server-sent
// events. It is safe for concurrent use; once closed, or once the client
// has gone, every Dispatch returns exec.ErrClientGone.
type sseConnection struct {
	ctx     context.Context
	mu      sync.Mutex
	w       io.Writer
	flusher http.Flusher
	nextID  int64
	closed  bool
}

func newSSEConnection(ctx context.Context, w io.Writer, flusher http.Flusher) *sseConnection {
	return &sseConnection{ctx: ctx, w: w, flusher: flusher}
}

func (c *sseConnection) Dispatch(message any) error {
	event, data, err := encodeMessage(message)
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed || c.ctx.Err() != nil {
		return exec.ErrClientGone
	}
	c.nextID++
	if err := writeSSE(c.w, c.nextID, event, data); err != nil {
		c.closed = true
		return fmt.Errorf("%w: %v", exec.ErrClientGone, err)
	}
	c.flusher.Flush()
	return nil
}

func (c *sseConnection) close() {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
}

// collectingConnection keeps the messages of a command that answers with
// a single JSON document.
type collectingConnection struct {
	mu       sync.Mutex
	messages []any
}

func (c *collectingConnection) Dispatch(message any) error {
	c.mu.Lock()
	c.messages = append(c.messages, message)
	c.mu.Unlock()
	return nil
}

func (c *collectingConnection) last() any {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.messages) == 0 {
		return nil
	}
	return c.messages[len(c.messages)-1]
}

func encodeMessage(message any) (string, []byte, error) {
	event := EventMessage
	switch message.(type) {
	case log.OutputEvent:
		event = EventOutput
	case protocol.BuildResult:
		event = EventResult
	case exec.Failure:
		event = EventFailure
	}
	data, err := json.Marshal(message)
	if err != nil {
		return "", nil, fmt.Errorf("encode %s message: %w", event, err)
	}
	return event, data, nil
}

func writeSSE(w io.Writer, id int64, event string, data []byte) error {
	// SSE framing: https://html.spec.whatwg.org/multipage/server-sent-events.html
	if _, err := fmt.Fprintf(w, "id: %d\n", id); err != nil {
		return err
	}
	if event != "" {
		if _, err := fmt.Fprintf(w, "event: %s\n", event); err != nil {
			return err
		}
	}
	// Payloads are single-line JSON.
	_, err := fmt.Fprintf(w, "data: %s\n\n", data)
	return err
}

func startStream(w http.ResponseWriter) (http.Flusher, bool) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, false
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()
	return flusher, true
}
