package testexec

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mattjoyce/kiln/internal/protocol"
)

func writeRunner(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "runner.sh")
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\n"+body+"\n"), 0o755))
	return path
}

func TestForkingProcessorReportsEachTest(t *testing.T) {
	reqFile := filepath.Join(t.TempDir(), "request.json")
	runner := writeRunner(t, `cat > `+reqFile+`
cat <<'JSON'
{"status":"ok","tests":[
 {"name":"adds","result":"passed","duration_ms":5,"output":[{"stream":"stdout","text":"hello"},{"stream":"stderr","text":"warn"}]},
 {"name":"divides","result":"failed","failure":"division by zero"},
 {"name":"later","result":"skipped"}
]}
JSON`)

	p := NewForkingProcessor(ForkConfig{BuildID: "b-1", Runner: runner, Timeout: 10 * time.Second}, "worker-1")
	sink := &recordingSink{}
	require.NoError(t, p.StartProcessing(sink))
	require.NoError(t, p.ProcessTestClass(TestClassRunInfo{Class: "org.example.MathTest"}))

	assert.Equal(t, []string{
		"org.example.MathTest::adds",
		"org.example.MathTest::divides",
		"org.example.MathTest::later",
	}, sink.started)
	assert.Equal(t, sink.started, sink.completed)
	assert.Equal(t, []TestOutputEvent{
		{Destination: StdOut, Message: "hello"},
		{Destination: StdErr, Message: "warn"},
	}, sink.outputs)
	require.Len(t, sink.failures, 1)
	assert.EqualError(t, sink.failures[0], "division by zero")

	data, err := os.ReadFile(reqFile)
	require.NoError(t, err)
	var req protocol.Request
	require.NoError(t, json.Unmarshal(data, &req))
	assert.Equal(t, protocol.Version, req.Protocol)
	assert.Equal(t, "b-1", req.BuildID)
	assert.Equal(t, "org.example.MathTest", req.Class)
	assert.Equal(t, "worker-1", req.Worker)
	assert.False(t, req.DeadlineAt.IsZero())
}

func TestForkingProcessorClassFailures(t *testing.T) {
	tests := []struct {
		name        string
		runner      func(t *testing.T) string
		timeout     time.Duration
		wantFailure string
	}{
		{
			name: "runner reports error",
			runner: func(t *testing.T) string {
				return writeRunner(t, `cat > /dev/null
echo '{"status":"error","error":"class not found"}'`)
			},
			wantFailure: "class not found",
		},
		{
			name: "runner prints garbage",
			runner: func(t *testing.T) string {
				return writeRunner(t, `cat > /dev/null
echo 'not json'`)
			},
			wantFailure: "decode response",
		},
		{
			name: "runner missing",
			runner: func(t *testing.T) string {
				return filepath.Join(t.TempDir(), "does-not-exist")
			},
			wantFailure: "start runner",
		},
		{
			name: "runner times out",
			runner: func(t *testing.T) string {
				return writeRunner(t, `exec sleep 5`)
			},
			timeout:     200 * time.Millisecond,
			wantFailure: "timed out",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			timeout := tt.timeout
			if timeout == 0 {
				timeout = 10 * time.Second
			}
			p := NewForkingProcessor(ForkConfig{Runner: tt.runner(t), Timeout: timeout}, "worker-1")
			sink := &recordingSink{}
			require.NoError(t, p.StartProcessing(sink))

			require.NoError(t, p.ProcessTestClass(TestClassRunInfo{Class: "BrokenTest"}))

			assert.Equal(t, []string{"BrokenTest"}, sink.started)
			assert.Equal(t, []string{"BrokenTest"}, sink.completed)
			require.Len(t, sink.failures, 1)
			assert.Contains(t, sink.failures[0].Error(), tt.wantFailure)
		})
	}
}

func TestForkingProcessorRequiresStart(t *testing.T) {
	p := NewForkingProcessor(ForkConfig{Runner: "/bin/true"}, "worker-1")
	assert.Error(t, p.ProcessTestClass(TestClassRunInfo{Class: "A"}))

	require.NoError(t, p.StartProcessing(&recordingSink{}))
	require.NoError(t, p.Stop())
	assert.ErrorContains(t, p.ProcessTestClass(TestClassRunInfo{Class: "A"}), "stopped")
}

func TestForkingFactoryNamesWorkers(t *testing.T) {
	f := NewForkingFactory(ForkConfig{Runner: "/bin/true"})
	a := f.Create().(*ForkingProcessor)
	b := f.Create().(*ForkingProcessor)
	assert.Equal(t, "worker-1", a.worker)
	assert.Equal(t, "worker-2", b.worker)
	assert.Equal(t, defaultClassTimeout, a.cfg.Timeout)
}

func TestForkingProcessorInsidePool(t *testing.T) {
	runner := writeRunner(t, `cat > /dev/null
echo '{"status":"ok","tests":[{"name":"works","result":"passed"}]}'`)

	p, err := NewParallelProcessor(2, NewForkingFactory(ForkConfig{Runner: runner, Timeout: 10 * time.Second}), actorFactory())
	require.NoError(t, err)
	sink := &recordingSink{}
	require.NoError(t, p.StartProcessing(sink))
	submit(t, p, "A", "B", "C")
	require.NoError(t, p.Stop())

	assert.ElementsMatch(t, []string{"A::works", "B::works", "C::works"}, sink.started)
	assert.Len(t, sink.completed, 3)
}
