// Package actor turns ordinary values into safely shared components.
//
// An Actor owns a target, an unbounded FIFO mailbox and a single goroutine.
// The target is only ever touched by that goroutine: callers reach it through
// a proxy type that turns method calls into Invocation records and appends
// them to the mailbox.
//
// Dispatch:
//   - Send enqueues and returns immediately. A failure raised while executing
//     the invocation cannot reach the caller, so it is recorded and surfaced
//     by Stop as a *DispatchError.
//   - Call (and the generic Ask) enqueues and blocks until the invocation has
//     run, relaying its result or error to the caller.
//
// Ordering: invocations from one goroutine to one actor run in the order they
// were issued. Invocations from different goroutines interleave by arrival.
//
// Stop rejects further invocations, drains what is already queued, ends the
// goroutine and reports the recorded failures. An actor must not Call itself
// from inside its own handler; that deadlocks.
package actor
