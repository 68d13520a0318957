// Package exec runs client commands through the daemon's chain of actions.
package exec

import (
	"context"
	"errors"
)

// ErrClientGone is returned by a Connection whose client has disconnected.
var ErrClientGone = errors.New("client disconnected")

// Command is a request received from a client.
type Command interface {
	Kind() string
}

// Build asks the daemon to run test classes.
type Build struct {
	ID         string
	Classes    []string
	LogLevel   string
	MaxWorkers int
}

func (Build) Kind() string { return "build" }

// Stop asks the daemon to shut down.
type Stop struct{}

func (Stop) Kind() string { return "stop" }

// Status asks the daemon to describe itself.
type Status struct{}

func (Status) Kind() string { return "status" }

// Connection carries messages back to the client that issued a command.
type Connection interface {
	Dispatch(message any) error
}

// Failure is sent to the client when a command could not be completed.
type Failure struct {
	Message string `json:"message"`
}

// Action is one step of command execution. Every action must call
// Proceed exactly once so later actions run.
type Action interface {
	Execute(e *Execution)
}

// ActionFunc adapts a function to Action.
type ActionFunc func(e *Execution)

func (f ActionFunc) Execute(e *Execution) { f(e) }

// Execution walks one command through a chain of actions.
type Execution struct {
	Context    context.Context
	Command    Command
	Connection Connection

	actions []Action
	next    int
	result  any
	err     error
}

// NewExecution prepares cmd to run through actions.
func NewExecution(ctx context.Context, cmd Command, conn Connection, actions ...Action) *Execution {
	if ctx == nil {
		ctx = context.Background()
	}
	return &Execution{Context: ctx, Command: cmd, Connection: conn, actions: actions}
}

// Proceed runs the next action. It reports false when none remain.
func (e *Execution) Proceed() bool {
	if e.next >= len(e.actions) {
		return false
	}
	a := e.actions[e.next]
	e.next++
	a.Execute(e)
	return true
}

// SetResult records what the command produced.
func (e *Execution) SetResult(v any) { e.result = v }

// Result returns the recorded result.
func (e *Execution) Result() any { return e.result }

// SetError records why the command failed.
func (e *Execution) SetError(err error) { e.err = err }

// Err returns the recorded failure.
func (e *Execution) Err() error { return e.err }

// BuildCommandOnly wraps fn so it only sees Build commands. Other commands
// move straight on to the next action.
func BuildCommandOnly(fn func(e *Execution, b Build)) Action {
	return ActionFunc(func(e *Execution) {
		b, ok := e.Command.(Build)
		if !ok {
			e.Proceed()
			return
		}
		fn(e, b)
	})
}
