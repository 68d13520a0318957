package testexec

import (
	"fmt"
	"strings"

	"github.com/mattjoyce/kiln/internal/actor"
)

const (
	methodStartProcessing  = "StartProcessing"
	methodProcessTestClass = "ProcessTestClass"
	methodStop             = "Stop"

	methodStarted   = "Started"
	methodCompleted = "Completed"
	methodOutput    = "Output"
	methodFailure   = "Failure"
)

// processorProxy forwards Processor calls to an actor. Every method is
// asynchronous; the returned error only reports enqueue failure.
type processorProxy struct {
	a *actor.Actor
}

// NewProcessorProxy returns a Processor whose calls are queued on a.
func NewProcessorProxy(a *actor.Actor) Processor {
	return processorProxy{a: a}
}

func (p processorProxy) StartProcessing(results ResultProcessor) error {
	return p.a.Send(methodStartProcessing, results)
}

func (p processorProxy) ProcessTestClass(tc TestClassRunInfo) error {
	return p.a.Send(methodProcessTestClass, tc)
}

func (p processorProxy) Stop() error {
	return p.a.Send(methodStop)
}

// ProcessorHandler dispatches queued Processor invocations to target.
func ProcessorHandler(target Processor) actor.Handler {
	return func(inv actor.Invocation) (any, error) {
		switch inv.Method {
		case methodStartProcessing:
			rp, ok := inv.Arg(0).(ResultProcessor)
			if !ok {
				return nil, badArgs(inv)
			}
			return nil, target.StartProcessing(rp)
		case methodProcessTestClass:
			tc, ok := inv.Arg(0).(TestClassRunInfo)
			if !ok {
				return nil, badArgs(inv)
			}
			return nil, target.ProcessTestClass(tc)
		case methodStop:
			return nil, target.Stop()
		}
		return nil, fmt.Errorf("processor: unknown method %q", inv.Method)
	}
}

// resultProxy forwards ResultProcessor calls to an actor.
type resultProxy struct {
	a *actor.Actor
}

// NewResultProxy returns a ResultProcessor whose calls are queued on a.
func NewResultProxy(a *actor.Actor) ResultProcessor {
	return resultProxy{a: a}
}

func (p resultProxy) Started(test TestDescriptor, ev TestStartEvent) error {
	return p.a.Send(methodStarted, test, ev)
}

func (p resultProxy) Completed(testID string, ev TestCompleteEvent) error {
	return p.a.Send(methodCompleted, testID, ev)
}

func (p resultProxy) Output(testID string, ev TestOutputEvent) error {
	return p.a.Send(methodOutput, testID, ev)
}

func (p resultProxy) Failure(testID string, failure error) error {
	return p.a.Send(methodFailure, testID, failure)
}

// ResultHandler dispatches queued ResultProcessor invocations to target.
// Additional methods, such as synchronous queries, are delegated to extra
// when it is non-nil.
func ResultHandler(target ResultProcessor, extra actor.Handler) actor.Handler {
	return func(inv actor.Invocation) (any, error) {
		switch inv.Method {
		case methodStarted:
			d, ok1 := inv.Arg(0).(TestDescriptor)
			ev, ok2 := inv.Arg(1).(TestStartEvent)
			if !ok1 || !ok2 {
				return nil, badArgs(inv)
			}
			return nil, target.Started(d, ev)
		case methodCompleted:
			id, ok1 := inv.Arg(0).(string)
			ev, ok2 := inv.Arg(1).(TestCompleteEvent)
			if !ok1 || !ok2 {
				return nil, badArgs(inv)
			}
			return nil, target.Completed(id, ev)
		case methodOutput:
			id, ok1 := inv.Arg(0).(string)
			ev, ok2 := inv.Arg(1).(TestOutputEvent)
			if !ok1 || !ok2 {
				return nil, badArgs(inv)
			}
			return nil, target.Output(id, ev)
		case methodFailure:
			id, ok1 := inv.Arg(0).(string)
			failure, _ := inv.Arg(1).(error)
			if !ok1 {
				return nil, badArgs(inv)
			}
			return nil, target.Failure(id, failure)
		}
		if extra != nil {
			return extra(inv)
		}
		return nil, fmt.Errorf("result processor: unknown method %q", inv.Method)
	}
}

func badArgs(inv actor.Invocation) error {
	types := make([]string, len(inv.Args))
	for i, a := range inv.Args {
		types[i] = fmt.Sprintf("%T", a)
	}
	return fmt.Errorf("%s: unexpected arguments (%s)", inv.Method, strings.Join(types, ", "))
}
