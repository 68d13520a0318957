package stoppable

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mattjoyce/kiln/internal/actor"
)

func TestEmptyGroupStops(t *testing.T) {
	var g Group
	assert.NoError(t, g.Stop())
	assert.Zero(t, g.Len())
}

func TestStopsInOrderAndContinuesPastFailures(t *testing.T) {
	var order []string
	boom := errors.New("boom")

	var g Group
	g.Add("first", Func(func() error { order = append(order, "first"); return boom })).
		Add("second", Func(func() error { order = append(order, "second"); return nil })).
		Add("nil", nil).
		Add("third", Func(func() error { order = append(order, "third"); return nil }))

	err := g.Stop()
	assert.Equal(t, []string{"first", "second", "third"}, order)
	assert.Same(t, boom, err)
	assert.Equal(t, 3, g.Len())
}

func TestMultipleFailuresAggregate(t *testing.T) {
	a, b := errors.New("a"), errors.New("b")
	var g Group
	g.Add("one", Func(func() error { return a }))
	g.Add("two", Func(func() error { panic("kaput") }))
	g.Add("three", Func(func() error { return b }))

	err := g.Stop()
	var se *StopError
	require.ErrorAs(t, err, &se)
	require.Len(t, se.Failures, 3)
	assert.Equal(t, "one", se.Failures[0].Component)
	assert.Equal(t, "two", se.Failures[1].Component)
	assert.ErrorContains(t, se.Failures[1].Err, "kaput")
	assert.ErrorIs(t, err, a)
	assert.ErrorIs(t, err, b)
	assert.Contains(t, err.Error(), "3 components failed to stop")
}

func TestDispatchErrorsAreUnwrapped(t *testing.T) {
	cause := errors.New("worker crashed")
	var g Group
	g.Add("worker-actor", Func(func() error {
		return &actor.DispatchError{Actor: "w", Failures: []actor.MethodFailure{{Method: "processTestClass", Err: cause}}}
	}))

	assert.Same(t, cause, g.Stop())
}
