package actor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/mattjoyce/kiln/internal/log"
	"github.com/mattjoyce/kiln/internal/metrics"
)

// ErrStopped is returned when an invocation is offered to an actor that has
// begun stopping.
var ErrStopped = errors.New("actor stopped")

// Invocation is one queued method call against an actor's target.
type Invocation struct {
	Method string
	Args   []any
}

// Arg returns the i'th argument, or nil when absent.
func (inv Invocation) Arg(i int) any {
	if i < 0 || i >= len(inv.Args) {
		return nil
	}
	return inv.Args[i]
}

// Handler executes an invocation against the target it closes over. It is
// only ever called from the owning actor's goroutine.
type Handler func(inv Invocation) (any, error)

// DispatchError reports asynchronous invocations that failed during an
// actor's lifetime.
type DispatchError struct {
	Actor    string
	Failures []MethodFailure
}

// MethodFailure is one failed invocation.
type MethodFailure struct {
	Method string
	Err    error
}

func (e *DispatchError) Error() string {
	if len(e.Failures) == 1 {
		f := e.Failures[0]
		return fmt.Sprintf("actor %s: %s failed: %v", e.Actor, f.Method, f.Err)
	}
	parts := make([]string, 0, len(e.Failures))
	for _, f := range e.Failures {
		parts = append(parts, fmt.Sprintf("%s: %v", f.Method, f.Err))
	}
	return fmt.Sprintf("actor %s: %d invocations failed: %s", e.Actor, len(e.Failures), strings.Join(parts, "; "))
}

// Unwrap returns the original causes.
func (e *DispatchError) Unwrap() []error {
	out := make([]error, 0, len(e.Failures))
	for _, f := range e.Failures {
		out = append(out, f.Err)
	}
	return out
}

type reply struct {
	value any
	err   error
}

type envelope struct {
	inv   Invocation
	reply chan reply // nil for Send
}

// Actor serializes every invocation of one target through one goroutine.
type Actor struct {
	name    string
	handler Handler
	logger  *slog.Logger
	metrics metrics.Recorder

	mu       sync.Mutex
	mailbox  []*envelope
	stopping bool
	failures []MethodFailure

	wake    chan struct{}
	done    chan struct{}
	stopErr error
}

// Option configures an Actor.
type Option func(*Actor)

// WithLogger sets the logger used for dispatch failures.
func WithLogger(l *slog.Logger) Option {
	return func(a *Actor) {
		if l != nil {
			a.logger = l
		}
	}
}

// WithMetrics sets the recorder for dispatch failures.
func WithMetrics(r metrics.Recorder) Option {
	return func(a *Actor) {
		a.metrics = metrics.OrNoop(r)
	}
}

// New starts an actor that executes invocations with h.
func New(name string, h Handler, opts ...Option) *Actor {
	if h == nil {
		panic("actor: nil handler")
	}
	a := &Actor{
		name:    name,
		handler: h,
		logger:  log.WithComponent("actor"),
		metrics: metrics.NoopRecorder{},
		wake:    make(chan struct{}, 1),
		done:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(a)
	}
	a.logger = a.logger.With("actor", name)
	go a.run()
	return a
}

// Name returns the actor's name.
func (a *Actor) Name() string { return a.name }

// Send queues method for asynchronous execution and returns without waiting.
func (a *Actor) Send(method string, args ...any) error {
	return a.enqueue(&envelope{inv: Invocation{Method: method, Args: args}})
}

// Call queues method and waits for it to run, returning its result.
// Cancelling ctx abandons the wait; the invocation itself still runs.
func (a *Actor) Call(ctx context.Context, method string, args ...any) (any, error) {
	env := &envelope{
		inv:   Invocation{Method: method, Args: args},
		reply: make(chan reply, 1),
	}
	if err := a.enqueue(env); err != nil {
		return nil, err
	}
	select {
	case r := <-env.reply:
		return r.value, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Ask is Call with a typed result.
func Ask[T any](ctx context.Context, a *Actor, method string, args ...any) (T, error) {
	var zero T
	v, err := a.Call(ctx, method, args...)
	if err != nil {
		return zero, err
	}
	if v == nil {
		return zero, nil
	}
	t, ok := v.(T)
	if !ok {
		return zero, fmt.Errorf("actor %s: %s returned %T, want %T", a.name, method, v, zero)
	}
	return t, nil
}

// Stop stops accepting invocations, waits for the mailbox to drain and
// returns a *DispatchError if any asynchronous invocation failed.
// Subsequent calls wait for the same drain and return the same result.
func (a *Actor) Stop() error {
	a.mu.Lock()
	a.stopping = true
	a.mu.Unlock()
	a.signal()

	<-a.done

	a.mu.Lock()
	defer a.mu.Unlock()
	if a.stopErr == nil && len(a.failures) > 0 {
		a.stopErr = &DispatchError{Actor: a.name, Failures: append([]MethodFailure(nil), a.failures...)}
	}
	return a.stopErr
}

func (a *Actor) enqueue(env *envelope) error {
	a.mu.Lock()
	if a.stopping {
		a.mu.Unlock()
		return fmt.Errorf("%s %s: %w", a.name, env.inv.Method, ErrStopped)
	}
	a.mailbox = append(a.mailbox, env)
	a.mu.Unlock()
	a.signal()
	return nil
}

func (a *Actor) signal() {
	select {
	case a.wake <- struct{}{}:
	default:
	}
}

func (a *Actor) run() {
	defer close(a.done)
	for {
		env, ok := a.next()
		if !ok {
			return
		}
		a.dispatch(env)
	}
}

// next blocks until an envelope is available, or reports false once the
// actor is stopping and the mailbox is empty.
func (a *Actor) next() (*envelope, bool) {
	for {
		a.mu.Lock()
		if len(a.mailbox) > 0 {
			env := a.mailbox[0]
			a.mailbox[0] = nil
			a.mailbox = a.mailbox[1:]
			a.mu.Unlock()
			return env, true
		}
		if a.stopping {
			a.mu.Unlock()
			return nil, false
		}
		a.mu.Unlock()
		<-a.wake
	}
}

func (a *Actor) dispatch(env *envelope) {
	value, err := a.invoke(env.inv)
	if env.reply != nil {
		env.reply <- reply{value: value, err: err}
		return
	}
	if err == nil {
		return
	}
	a.logger.Warn("asynchronous invocation failed", "method", env.inv.Method, "error", err)
	a.metrics.IncDispatchFailure(a.name)
	a.mu.Lock()
	a.failures = append(a.failures, MethodFailure{Method: env.inv.Method, Err: err})
	a.mu.Unlock()
}

func (a *Actor) invoke(inv Invocation) (value any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic in %s: %v", inv.Method, r)
		}
	}()
	return a.handler(inv)
}
