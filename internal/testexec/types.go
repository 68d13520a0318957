// Package testexec runs test classes across a bounded pool of actor-backed
// workers and funnels every result through a single sink.
package testexec

import "time"

// TestClassRunInfo identifies one unit of work.
type TestClassRunInfo struct {
	Class string
}

// TestDescriptor identifies a test being reported.
type TestDescriptor struct {
	ID     string
	Name   string
	Class  string
	Worker string
}

// TestStartEvent marks the start of a test.
type TestStartEvent struct {
	StartTime time.Time
}

// Result is a test outcome.
type Result string

const (
	ResultSuccess Result = "success"
	ResultFailure Result = "failure"
	ResultSkipped Result = "skipped"
)

// TestCompleteEvent marks the end of a test.
type TestCompleteEvent struct {
	EndTime time.Time
	Result  Result
}

// Destination names the stream a test wrote to.
type Destination string

const (
	StdOut Destination = "stdout"
	StdErr Destination = "stderr"
)

// TestOutputEvent is one chunk of test output.
type TestOutputEvent struct {
	Destination Destination
	Message     string
}

// Processor executes test classes. Implementations need not be safe for
// concurrent use; the pool serializes access through actors.
type Processor interface {
	StartProcessing(results ResultProcessor) error
	ProcessTestClass(tc TestClassRunInfo) error
	Stop() error
}

// ResultProcessor receives results. Implementations need not be safe for
// concurrent use.
type ResultProcessor interface {
	Started(test TestDescriptor, ev TestStartEvent) error
	Completed(testID string, ev TestCompleteEvent) error
	Output(testID string, ev TestOutputEvent) error
	Failure(testID string, failure error) error
}

// ProcessorFactory creates a fresh worker processor.
type ProcessorFactory interface {
	Create() Processor
}

// ProcessorFactoryFunc adapts a function to ProcessorFactory.
type ProcessorFactoryFunc func() Processor

func (f ProcessorFactoryFunc) Create() Processor { return f() }
