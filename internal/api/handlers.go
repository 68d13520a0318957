package api

import (
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/mattjoyce/kiln/internal/daemon/exec"
	"github.com/mattjoyce/kiln/internal/protocol"
)

const maxBuildRequestBytes = 1 << 20

// handleBuild handles POST /build. The response is an event stream of
// output lines followed by one result or failure event.
func (s *Server) handleBuild(w http.ResponseWriter, r *http.Request) {
	var req protocol.BuildRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBuildRequestBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid build request: "+err.Error())
		return
	}

	classes := requestedClasses(req.Classes)
	if len(classes) == 0 {
		s.writeError(w, http.StatusBadRequest, "no test classes requested")
		return
	}
	if req.MaxWorkers < 0 {
		s.writeError(w, http.StatusBadRequest, "max_workers must not be negative")
		return
	}

	release, ok := s.commands.AcquireBuildSlot()
	if !ok {
		s.writeError(w, http.StatusConflict, "daemon is busy with another build")
		return
	}
	defer release()

	// builds may outlive any fixed write deadline
	_ = http.NewResponseController(w).SetWriteDeadline(time.Time{})

	flusher, ok := startStream(w)
	if !ok {
		s.writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	conn := newSSEConnection(r.Context(), w, flusher)
	defer conn.close()

	build := exec.Build{
		ID:         uuid.NewString(),
		Classes:    classes,
		LogLevel:   req.LogLevel,
		MaxWorkers: req.MaxWorkers,
	}
	s.commands.Execute(r.Context(), build, conn)
}

// handleStop handles POST /stop.
func (s *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	s.runSimple(w, r, exec.Stop{})
}

// handleStatus handles GET /status.
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	s.runSimple(w, r, exec.Status{})
}

func (s *Server) runSimple(w http.ResponseWriter, r *http.Request, cmd exec.Command) {
	conn := &collectingConnection{}
	s.commands.Execute(r.Context(), cmd, conn)

	switch msg := conn.last().(type) {
	case nil:
		s.writeError(w, http.StatusInternalServerError, cmd.Kind()+" produced no result")
	case exec.Failure:
		s.writeError(w, http.StatusInternalServerError, msg.Message)
	default:
		respondJSON(w, http.StatusOK, msg)
	}
}

// respondJSON is a helper to write JSON responses.
func respondJSON(w http.ResponseWriter, statusCode int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(data)
}

// writeError writes a JSON error response.
func (s *Server) writeError(w http.ResponseWriter, statusCode int, message string) {
	respondJSON(w, statusCode, ErrorResponse{Error: message})
}

// requestedClasses trims names and drops blanks and repeats, keeping the
// first occurrence of each class. A class runs once per build.
func requestedClasses(names []string) []string {
	seen := make(map[string]struct{}, len(names))
	classes := make([]string, 0, len(names))
	for _, c := range names {
		c = strings.TrimSpace(c)
		if c == "" {
			continue
		}
		if _, dup := seen[c]; dup {
			continue
		}
		seen[c] = struct{}{}
		classes = append(classes, c)
	}
	return classes
}
