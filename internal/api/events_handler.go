package api

import (
	"fmt"
	"net/http"
	"strconv"
	"time"
)

// handleEvents streams daemon lifecycle events. Buffered events newer than
// Last-Event-ID are replayed first.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	_ = http.NewResponseController(w).SetWriteDeadline(time.Time{})
	flusher, ok := startStream(w)
	if !ok {
		s.writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	sub := s.events.Subscribe(parseLastEventID(r.Header.Get("Last-Event-ID")))
	defer func() {
		sub.Close()
		if n := sub.Dropped(); n > 0 {
			s.logger.Debug("event watcher fell behind", "dropped", n)
		}
	}()

	for _, ev := range sub.Backlog {
		if err := writeSSE(w, ev.ID, ev.Type, ev.Data); err != nil {
			return
		}
	}
	flusher.Flush()

	keepAlive := time.NewTicker(15 * time.Second)
	defer keepAlive.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case ev, ok := <-sub.C():
			if !ok {
				return
			}
			if err := writeSSE(w, ev.ID, ev.Type, ev.Data); err != nil {
				return
			}
			flusher.Flush()
		case <-keepAlive.C:
			// SSE comment line as keep-alive.
			if _, err := fmt.Fprint(w, ": keep-alive\n\n"); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

func parseLastEventID(v string) int64 {
	if v == "" {
		return 0
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil || n < 0 {
		return 0
	}
	return n
}
