// Package results collects the test results of one build.
package results

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/mattjoyce/kiln/internal/actor"
	"github.com/mattjoyce/kiln/internal/builds"
	"github.com/mattjoyce/kiln/internal/log"
	"github.com/mattjoyce/kiln/internal/testexec"
)

// MethodSummary is the synchronous query answered by a recorder actor.
const MethodSummary = "Summary"

// TestStore persists finished tests.
type TestStore interface {
	RecordTest(ctx context.Context, r builds.TestRecord) error
}

// FailedTest is one test that did not pass.
type FailedTest struct {
	ID      string `json:"id"`
	Message string `json:"message"`
}

// Summary is the state of a build's results at a point in time.
type Summary struct {
	Counts   builds.Counts
	Running  int
	Failures []FailedTest
	Elapsed  time.Duration
}

type runningTest struct {
	desc     testexec.TestDescriptor
	start    time.Time
	failures []string
}

// Recorder is a testexec.ResultProcessor that tallies outcomes, persists
// finished tests and logs their output. It is not safe for concurrent use;
// wrap it in an actor with Handler.
type Recorder struct {
	buildID  string
	store    TestStore
	logger   *slog.Logger
	begin    time.Time
	running  map[string]*runningTest
	counts   builds.Counts
	failures []FailedTest
}

// NewRecorder creates a recorder for buildID. store may be nil.
func NewRecorder(buildID string, store TestStore, logger *slog.Logger) *Recorder {
	if logger == nil {
		logger = log.WithBuild(buildID)
	}
	return &Recorder{
		buildID: buildID,
		store:   store,
		logger:  logger.With("component", "results"),
		begin:   time.Now(),
		running: make(map[string]*runningTest),
	}
}

func (r *Recorder) Started(test testexec.TestDescriptor, ev testexec.TestStartEvent) error {
	if _, dup := r.running[test.ID]; dup {
		return fmt.Errorf("test %s started twice", test.ID)
	}
	r.running[test.ID] = &runningTest{desc: test, start: ev.StartTime}
	r.logger.Debug("test started", "test", test.ID, "worker", test.Worker)
	return nil
}

func (r *Recorder) Output(testID string, ev testexec.TestOutputEvent) error {
	level := slog.LevelInfo
	if ev.Destination == testexec.StdErr {
		level = slog.LevelWarn
	}
	r.logger.Log(context.Background(), level, ev.Message, "test", testID, "stream", string(ev.Destination))
	return nil
}

func (r *Recorder) Failure(testID string, failure error) error {
	t, ok := r.running[testID]
	if !ok {
		return fmt.Errorf("failure reported for unknown test %s", testID)
	}
	msg := "test failed"
	if failure != nil {
		msg = failure.Error()
	}
	t.failures = append(t.failures, msg)
	return nil
}

func (r *Recorder) Completed(testID string, ev testexec.TestCompleteEvent) error {
	t, ok := r.running[testID]
	if !ok {
		return fmt.Errorf("completion reported for unknown test %s", testID)
	}
	delete(r.running, testID)

	r.counts.Tests++
	switch ev.Result {
	case testexec.ResultSuccess:
		r.counts.Passed++
	case testexec.ResultSkipped:
		r.counts.Skipped++
	default:
		r.counts.Failed++
	}

	var failure string
	if len(t.failures) > 0 {
		failure = t.failures[0]
		for _, f := range t.failures[1:] {
			failure += "\n" + f
		}
	}
	if ev.Result == testexec.ResultFailure {
		if failure == "" {
			failure = "test failed"
		}
		r.failures = append(r.failures, FailedTest{ID: testID, Message: failure})
		r.logger.Error("test failed", "test", testID, "failure", failure, "duration", ev.EndTime.Sub(t.start))
	} else {
		r.logger.Info("test "+string(ev.Result), "test", testID, "duration", ev.EndTime.Sub(t.start))
	}

	if r.store == nil {
		return nil
	}
	return r.store.RecordTest(context.Background(), builds.TestRecord{
		BuildID:   r.buildID,
		TestID:    testID,
		Class:     t.desc.Class,
		Name:      t.desc.Name,
		Worker:    t.desc.Worker,
		Result:    string(ev.Result),
		StartedAt: t.start,
		EndedAt:   ev.EndTime,
		Failure:   failure,
	})
}

// Summary reports the results so far.
func (r *Recorder) Summary() Summary {
	failures := append([]FailedTest(nil), r.failures...)
	sort.Slice(failures, func(i, j int) bool { return failures[i].ID < failures[j].ID })
	return Summary{
		Counts:   r.counts,
		Running:  len(r.running),
		Failures: failures,
		Elapsed:  time.Since(r.begin),
	}
}

// Handler returns the actor handler for r, answering MethodSummary
// synchronously alongside the ResultProcessor methods.
func (r *Recorder) Handler() actor.Handler {
	return testexec.ResultHandler(r, func(inv actor.Invocation) (any, error) {
		if inv.Method == MethodSummary {
			return r.Summary(), nil
		}
		return nil, fmt.Errorf("results: unknown method %q", inv.Method)
	})
}

// AskSummary queries a recorder actor and waits for the answer.
func AskSummary(ctx context.Context, a *actor.Actor) (Summary, error) {
	if a == nil {
		return Summary{}, errors.New("no recorder")
	}
	return actor.Ask[Summary](ctx, a, MethodSummary)
}
