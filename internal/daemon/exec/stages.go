package exec

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/mattjoyce/kiln/internal/log"
	"github.com/mattjoyce/kiln/internal/protocol"
)

// BuildRunner runs a build to completion.
type BuildRunner interface {
	RunBuild(ctx context.Context, b Build) (protocol.BuildResult, error)
}

// StatusReport describes a running daemon.
type StatusReport struct {
	PID        int    `json:"pid"`
	Addr       string `json:"addr"`
	Version    string `json:"version"`
	Uptime     string `json:"uptime"`
	Busy       bool   `json:"busy"`
	Builds     int    `json:"builds"`
	CurrentID  string `json:"current_build_id,omitempty"`
	MaxWorkers int    `json:"max_workers"`
}

// ForwardFailure turns anything that goes wrong further down the chain,
// including panics, into a Failure message for the client.
type ForwardFailure struct {
	Logger *slog.Logger
}

func (f *ForwardFailure) Execute(e *Execution) {
	defer func() {
		if r := recover(); r != nil {
			e.SetError(fmt.Errorf("%s command panicked: %v", e.Command.Kind(), r))
		}
		if err := e.Err(); err != nil {
			logger := f.Logger
			if logger == nil {
				logger = log.WithComponent("daemon")
			}
			logger.Error("command failed", "command", e.Command.Kind(), "error", err)
			_ = e.Connection.Dispatch(Failure{Message: err.Error()})
		}
	}()
	e.Proceed()
}

// ExecuteBuild runs Build commands with Runner.
type ExecuteBuild struct {
	Runner BuildRunner
}

func (x *ExecuteBuild) Execute(e *Execution) {
	BuildCommandOnly(func(e *Execution, b Build) {
		result, err := x.Runner.RunBuild(e.Context, b)
		if err != nil {
			e.SetError(err)
		} else {
			e.SetResult(result)
		}
		e.Proceed()
	}).Execute(e)
}

// HandleStop answers Stop commands by calling Shutdown.
type HandleStop struct {
	Shutdown func()
}

func (h *HandleStop) Execute(e *Execution) {
	if _, ok := e.Command.(Stop); ok {
		h.Shutdown()
		e.SetResult(map[string]string{"status": "stopping"})
	}
	e.Proceed()
}

// HandleStatus answers Status commands with Report.
type HandleStatus struct {
	Report func() StatusReport
}

func (h *HandleStatus) Execute(e *Execution) {
	if _, ok := e.Command.(Status); ok {
		e.SetResult(h.Report())
	}
	e.Proceed()
}

// ReturnResult sends the command's result to the client once the rest of
// the chain has run.
type ReturnResult struct{}

func (ReturnResult) Execute(e *Execution) {
	e.Proceed()
	if e.Err() != nil || e.Result() == nil {
		return
	}
	_ = e.Connection.Dispatch(e.Result())
}
