package daemon

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mattjoyce/kiln/internal/actor"
	"github.com/mattjoyce/kiln/internal/builds"
	"github.com/mattjoyce/kiln/internal/daemon/exec"
	"github.com/mattjoyce/kiln/internal/events"
	"github.com/mattjoyce/kiln/internal/storage"
	"github.com/mattjoyce/kiln/internal/testexec"
)

// classRunner passes every class except those whose name contains "Broken".
const classRunner = `req=$(cat)
case "$req" in
*Broken*) echo '{"status":"ok","tests":[{"name":"works","result":"passed"},{"name":"breaks","result":"failed","failure":"expected 2, got 3"}]}' ;;
*) echo '{"status":"ok","tests":[{"name":"works","result":"passed","output":[{"stream":"stdout","text":"ran"}]}]}' ;;
esac`

func writeRunner(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "runner.sh")
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\n"+body+"\n"), 0o755))
	return path
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestRunner(t *testing.T, maxWorkers int) (*Runner, *builds.Store) {
	t.Helper()
	db, err := storage.OpenSQLite(context.Background(), filepath.Join(t.TempDir(), "kiln.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	store := builds.New(db)

	return &Runner{
		Store:      store,
		Fork:       testexec.ForkConfig{Runner: writeRunner(t, classRunner), Timeout: 10 * time.Second},
		MaxWorkers: maxWorkers,
		Actors:     actor.DefaultFactory{Logger: discardLogger()},
		Hub:        events.NewHub(50),
		Logger:     discardLogger(),
	}, store
}

func eventTypes(h *events.Hub) []string {
	var out []string
	for _, ev := range h.Since(0) {
		out = append(out, ev.Type)
	}
	return out
}

func TestRunBuildRecordsResults(t *testing.T) {
	ctx := context.Background()
	r, store := newTestRunner(t, 2)

	result, err := r.RunBuild(ctx, exec.Build{ID: "build-1", Classes: []string{"org.AlphaTest", "org.BrokenTest", "org.GammaTest"}})
	require.NoError(t, err)

	assert.Equal(t, "build-1", result.BuildID)
	assert.Equal(t, "failed", result.Status)
	assert.False(t, result.Succeeded())
	assert.Equal(t, 4, result.Tests)
	assert.Equal(t, 3, result.Passed)
	assert.Equal(t, 1, result.Failed)

	b, err := store.Get(ctx, "build-1")
	require.NoError(t, err)
	assert.Equal(t, builds.StatusFailed, b.Status)
	assert.Equal(t, builds.Counts{Tests: 4, Passed: 3, Failed: 1}, b.Counts)
	assert.Equal(t, 2, b.MaxWorkers)

	tests, err := store.Tests(ctx, "build-1")
	require.NoError(t, err)
	assert.Len(t, tests, 4)

	assert.Equal(t, []string{
		EventBuildStarted,
		EventWorkerSpawned,
		EventWorkerSpawned,
		EventBuildCompleted,
	}, eventTypes(r.Hub))
}

func TestRunBuildSucceeds(t *testing.T) {
	r, store := newTestRunner(t, 4)

	result, err := r.RunBuild(context.Background(), exec.Build{ID: "build-ok", Classes: []string{"org.AlphaTest"}})
	require.NoError(t, err)
	assert.True(t, result.Succeeded())
	assert.Equal(t, 1, result.Passed)

	b, err := store.Get(context.Background(), "build-ok")
	require.NoError(t, err)
	assert.Equal(t, builds.StatusSucceeded, b.Status)
}

func TestRunBuildRequestedWorkersCapPool(t *testing.T) {
	r, _ := newTestRunner(t, 4)

	_, err := r.RunBuild(context.Background(), exec.Build{
		ID:         "build-serial",
		Classes:    []string{"org.A", "org.B", "org.C"},
		MaxWorkers: 1,
	})
	require.NoError(t, err)

	spawned := 0
	for _, typ := range eventTypes(r.Hub) {
		if typ == EventWorkerSpawned {
			spawned++
		}
	}
	assert.Equal(t, 1, spawned)
}

type failingProcessor struct{ results testexec.ResultProcessor }

func (p *failingProcessor) StartProcessing(results testexec.ResultProcessor) error {
	p.results = results
	return nil
}

func (p *failingProcessor) ProcessTestClass(tc testexec.TestClassRunInfo) error {
	return errors.New("cannot run " + tc.Class)
}

func (p *failingProcessor) Stop() error { return nil }

func TestRunBuildWorkerFailureFailsBuild(t *testing.T) {
	ctx := context.Background()
	r, store := newTestRunner(t, 1)
	r.NewFactory = func(testexec.ForkConfig) testexec.ProcessorFactory {
		return testexec.ProcessorFactoryFunc(func() testexec.Processor { return &failingProcessor{} })
	}

	_, err := r.RunBuild(ctx, exec.Build{ID: "build-broken", Classes: []string{"org.A"}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "cannot run org.A")

	b, err := store.Get(ctx, "build-broken")
	require.NoError(t, err)
	assert.Equal(t, builds.StatusFailed, b.Status)
	require.NotNil(t, b.LastError)
	assert.Contains(t, *b.LastError, "cannot run org.A")
}

func TestRunBuildNoClasses(t *testing.T) {
	r, _ := newTestRunner(t, 1)
	_, err := r.RunBuild(context.Background(), exec.Build{ID: "empty"})
	assert.ErrorContains(t, err, "record build")
}
