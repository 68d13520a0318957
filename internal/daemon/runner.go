package daemon

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/mattjoyce/kiln/internal/actor"
	"github.com/mattjoyce/kiln/internal/builds"
	"github.com/mattjoyce/kiln/internal/daemon/exec"
	"github.com/mattjoyce/kiln/internal/events"
	"github.com/mattjoyce/kiln/internal/metrics"
	"github.com/mattjoyce/kiln/internal/protocol"
	"github.com/mattjoyce/kiln/internal/results"
	"github.com/mattjoyce/kiln/internal/stoppable"
	"github.com/mattjoyce/kiln/internal/testexec"
)

// BuildStore records builds.
type BuildStore interface {
	Create(ctx context.Context, req builds.CreateRequest) (string, error)
	Complete(ctx context.Context, id string, status builds.Status, counts builds.Counts, lastError *string) error
	RecordTest(ctx context.Context, r builds.TestRecord) error
}

// Runner executes builds: every requested class goes through a pool of
// forked runners and every result through one recorder actor.
type Runner struct {
	Store      BuildStore
	Fork       testexec.ForkConfig
	MaxWorkers int
	Actors     actor.Factory
	Hub        *events.Hub
	Metrics    metrics.Recorder
	Logger     *slog.Logger

	// NewFactory overrides how worker processors are created.
	NewFactory func(cfg testexec.ForkConfig) testexec.ProcessorFactory
}

var _ exec.BuildRunner = (*Runner)(nil)

// RunBuild runs b to completion. A build whose tests fail still returns a
// result; an error means the build could not be carried out.
func (r *Runner) RunBuild(ctx context.Context, b exec.Build) (protocol.BuildResult, error) {
	rec := metrics.OrNoop(r.Metrics)
	begin := time.Now()

	workers := r.MaxWorkers
	if b.MaxWorkers > 0 && (workers < 1 || b.MaxWorkers < workers) {
		workers = b.MaxWorkers
	}
	if workers < 1 {
		workers = 1
	}

	id, err := r.Store.Create(ctx, builds.CreateRequest{
		ID:         b.ID,
		Classes:    b.Classes,
		LogLevel:   b.LogLevel,
		MaxWorkers: workers,
	})
	if err != nil {
		return protocol.BuildResult{}, fmt.Errorf("record build: %w", err)
	}

	logger := r.Logger.With("build_id", id)
	logger.Info("build started", "classes", len(b.Classes), "max_workers", workers)
	r.publish(EventBuildStarted, BuildInfo{BuildID: id, Classes: b.Classes, MaxWorkers: workers})

	summary, runErr := r.execute(ctx, id, b.Classes, workers, logger)

	status := builds.StatusSucceeded
	if runErr != nil || summary.Counts.Failed > 0 || summary.Running > 0 {
		status = builds.StatusFailed
	}
	var lastError *string
	if runErr != nil {
		msg := runErr.Error()
		lastError = &msg
	}
	// completion is recorded even when the client has gone
	if err := r.Store.Complete(context.WithoutCancel(ctx), id, status, summary.Counts, lastError); err != nil {
		logger.Error("failed to record build completion", "error", err)
	}

	elapsed := time.Since(begin)
	rec.IncBuildOutcome(string(status))
	rec.ObserveBuildDuration(elapsed)
	r.publish(EventBuildCompleted, BuildOutcome{
		BuildID:    id,
		Status:     string(status),
		Tests:      summary.Counts.Tests,
		Failed:     summary.Counts.Failed,
		DurationMS: elapsed.Milliseconds(),
	})

	if runErr != nil {
		logger.Error("build failed", "error", runErr, "duration", elapsed)
		return protocol.BuildResult{}, runErr
	}
	for _, f := range summary.Failures {
		logger.Warn("failed test", "test", f.ID, "failure", f.Message)
	}
	logger.Info("build completed",
		"status", status,
		"tests", summary.Counts.Tests,
		"passed", summary.Counts.Passed,
		"failed", summary.Counts.Failed,
		"skipped", summary.Counts.Skipped,
		"duration", elapsed,
	)

	result := protocol.BuildResult{
		BuildID:    id,
		Status:     string(status),
		Tests:      summary.Counts.Tests,
		Passed:     summary.Counts.Passed,
		Failed:     summary.Counts.Failed,
		Skipped:    summary.Counts.Skipped,
		DurationMS: elapsed.Milliseconds(),
	}
	if summary.Running > 0 {
		result.Error = fmt.Sprintf("%d tests never completed", summary.Running)
	}
	return result, nil
}

func (r *Runner) execute(ctx context.Context, id string, classes []string, workers int, logger *slog.Logger) (results.Summary, error) {
	recorder := results.NewRecorder(id, r.Store, logger)
	recorderActor := r.Actors.CreateActor("build-results", recorder.Handler())
	stopRecorder := true
	defer func() {
		if stopRecorder {
			_ = recorderActor.Stop()
		}
	}()

	fork := r.Fork
	fork.BuildID = id
	fork.Logger = logger
	newFactory := r.NewFactory
	if newFactory == nil {
		newFactory = func(cfg testexec.ForkConfig) testexec.ProcessorFactory { return testexec.NewForkingFactory(cfg) }
	}

	pool, err := testexec.NewParallelProcessor(workers, newFactory(fork), r.Actors,
		testexec.WithPoolLogger(logger),
		testexec.WithPoolMetrics(r.Metrics),
		testexec.OnWorkerSpawned(func(worker string) {
			r.publish(EventWorkerSpawned, WorkerInfo{BuildID: id, Worker: worker})
		}),
	)
	if err != nil {
		return results.Summary{}, fmt.Errorf("create worker pool: %w", err)
	}
	if err := pool.StartProcessing(testexec.NewResultProxy(recorderActor)); err != nil {
		return results.Summary{}, fmt.Errorf("start worker pool: %w", err)
	}

	var submitErrs []error
	for _, class := range classes {
		if err := pool.ProcessTestClass(testexec.TestClassRunInfo{Class: class}); err != nil {
			submitErrs = append(submitErrs, fmt.Errorf("submit %s: %w", class, err))
		}
	}
	stopErr := pool.Stop()

	summary, err := results.AskSummary(context.WithoutCancel(ctx), recorderActor)
	if err != nil {
		return results.Summary{}, fmt.Errorf("collect results: %w", err)
	}
	stopRecorder = false
	recorderErr := recorderActor.Stop()

	if err := errors.Join(append(submitErrs, stopErr, recorderErr)...); err != nil {
		var stopFailure *stoppable.StopError
		if errors.As(err, &stopFailure) {
			logger.Error("workers failed", "failures", len(stopFailure.Failures))
		}
		return summary, err
	}
	return summary, nil
}

func (r *Runner) publish(eventType string, data any) {
	if r.Hub != nil {
		r.Hub.Publish(eventType, data)
	}
}
