// Package stoppable shuts down an ordered set of components together.
package stoppable

import (
	"errors"
	"fmt"
	"strings"

	"github.com/mattjoyce/kiln/internal/actor"
)

// Stopper is anything that can be stopped.
type Stopper interface {
	Stop() error
}

// Func adapts a function to Stopper.
type Func func() error

func (f Func) Stop() error { return f() }

// Failure pairs a component with the error its Stop returned.
type Failure struct {
	Component string
	Err       error
}

// StopError aggregates failures from a Group.
type StopError struct {
	Failures []Failure
}

func (e *StopError) Error() string {
	parts := make([]string, 0, len(e.Failures))
	for _, f := range e.Failures {
		parts = append(parts, fmt.Sprintf("%s: %v", f.Component, f.Err))
	}
	return fmt.Sprintf("%d components failed to stop: %s", len(e.Failures), strings.Join(parts, "; "))
}

// Unwrap returns the failures' errors.
func (e *StopError) Unwrap() []error {
	out := make([]error, 0, len(e.Failures))
	for _, f := range e.Failures {
		out = append(out, f.Err)
	}
	return out
}

type entry struct {
	name string
	s    Stopper
}

// Group stops its members in insertion order, collecting every failure
// instead of aborting on the first.
type Group struct {
	entries []entry
}

// Add appends s under name. Nil stoppers are ignored.
func (g *Group) Add(name string, s Stopper) *Group {
	if s != nil {
		g.entries = append(g.entries, entry{name: name, s: s})
	}
	return g
}

// Len returns the number of members.
func (g *Group) Len() int { return len(g.entries) }

// Stop stops every member. Actor dispatch failures are unwrapped to their
// original causes. One failure is returned as the bare cause; more are
// returned as a *StopError.
func (g *Group) Stop() error {
	var failures []Failure
	for _, e := range g.entries {
		err := stopOne(e.s)
		if err == nil {
			continue
		}
		for _, cause := range causes(err) {
			failures = append(failures, Failure{Component: e.name, Err: cause})
		}
	}
	switch len(failures) {
	case 0:
		return nil
	case 1:
		return failures[0].Err
	}
	return &StopError{Failures: failures}
}

func stopOne(s Stopper) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic during stop: %v", r)
		}
	}()
	return s.Stop()
}

func causes(err error) []error {
	var de *actor.DispatchError
	if errors.As(err, &de) {
		return de.Unwrap()
	}
	return []error{err}
}
