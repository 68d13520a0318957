package exec_test

import (
	"context"
	"errors"
	"os"
	"testing"

	"github.com/golang/mock/gomock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mattjoyce/kiln/internal/daemon/exec"
	"github.com/mattjoyce/kiln/internal/daemon/exec/mocks"
	"github.com/mattjoyce/kiln/internal/log"
	"github.com/mattjoyce/kiln/internal/protocol"
)

func TestMain(m *testing.M) {
	log.Setup("ERROR")
	os.Exit(m.Run())
}

type nopListener struct{}

func (nopListener) OnOutput(log.OutputEvent) {}

func TestProceedRunsActionsInOrder(t *testing.T) {
	var order []string
	step := func(name string) exec.Action {
		return exec.ActionFunc(func(e *exec.Execution) {
			order = append(order, name)
			e.Proceed()
		})
	}

	e := exec.NewExecution(context.Background(), exec.Status{}, nil, step("a"), step("b"), step("c"))
	assert.True(t, e.Proceed())
	assert.Equal(t, []string{"a", "b", "c"}, order)
	assert.False(t, e.Proceed())
}

func TestBuildCommandOnlySkipsOtherCommands(t *testing.T) {
	var seen []exec.Build
	only := exec.BuildCommandOnly(func(e *exec.Execution, b exec.Build) {
		seen = append(seen, b)
		e.Proceed()
	})
	reached := 0
	tail := exec.ActionFunc(func(e *exec.Execution) { reached++ })

	exec.NewExecution(context.Background(), exec.Stop{}, nil, only, tail).Proceed()
	exec.NewExecution(context.Background(), exec.Build{ID: "b1"}, nil, only, tail).Proceed()

	assert.Equal(t, 2, reached)
	require.Len(t, seen, 1)
	assert.Equal(t, "b1", seen[0].ID)
}

func TestLogToClientForwardsForOneBuild(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	logging := mocks.NewMockLoggingManager(ctrl)
	conn := mocks.NewMockConnection(ctrl)
	renderer := nopListener{}

	var forwarder log.Listener
	gomock.InOrder(
		logging.EXPECT().SetLevel("DEBUG"),
		logging.EXPECT().Start(),
		logging.EXPECT().AddListener(gomock.Not(gomock.Eq(renderer))).Do(func(l log.Listener) { forwarder = l }),
		logging.EXPECT().AddListener(renderer),
		logging.EXPECT().RemoveListener(gomock.Any()).Do(func(l log.Listener) {
			assert.Same(t, forwarder, l)
		}),
		logging.EXPECT().Stop(),
	)

	ev := log.OutputEvent{Level: "INFO", Message: "compiling"}
	conn.EXPECT().Dispatch(ev).Return(nil)

	build := exec.ActionFunc(func(e *exec.Execution) {
		require.NotNil(t, forwarder)
		forwarder.OnOutput(ev)
		e.Proceed()
	})

	stage := &exec.LogToClient{Logging: logging, Renderer: renderer}
	exec.NewExecution(context.Background(), exec.Build{ID: "b1", LogLevel: "DEBUG"}, conn, stage, build).Proceed()
}

func TestLogToClientCleansUpWhenBuildPanics(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	logging := mocks.NewMockLoggingManager(ctrl)
	conn := mocks.NewMockConnection(ctrl)

	logging.EXPECT().SetLevel(gomock.Any())
	logging.EXPECT().Start()
	logging.EXPECT().AddListener(gomock.Any()).Times(1)
	logging.EXPECT().RemoveListener(gomock.Any()).Times(1)
	logging.EXPECT().Stop().Times(1)

	boom := exec.ActionFunc(func(e *exec.Execution) { panic("build exploded") })
	stage := &exec.LogToClient{Logging: logging}

	assert.PanicsWithValue(t, "build exploded", func() {
		exec.NewExecution(context.Background(), exec.Build{ID: "b1"}, conn, stage, boom).Proceed()
	})
}

func TestLogToClientIgnoresNonBuildCommands(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	logging := mocks.NewMockLoggingManager(ctrl)
	reached := false
	tail := exec.ActionFunc(func(e *exec.Execution) { reached = true })

	stage := &exec.LogToClient{Logging: logging}
	exec.NewExecution(context.Background(), exec.Status{}, nil, stage, tail).Proceed()
	assert.True(t, reached)
}

func TestForwarderSwallowsClientFailures(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	logging := mocks.NewMockLoggingManager(ctrl)
	conn := mocks.NewMockConnection(ctrl)

	var forwarder log.Listener
	logging.EXPECT().SetLevel(gomock.Any())
	logging.EXPECT().Start()
	logging.EXPECT().AddListener(gomock.Any()).Do(func(l log.Listener) { forwarder = l })
	logging.EXPECT().RemoveListener(gomock.Any())
	logging.EXPECT().Stop()

	gomock.InOrder(
		conn.EXPECT().Dispatch(gomock.Any()).Return(exec.ErrClientGone),
		conn.EXPECT().Dispatch(gomock.Any()).Do(func(any) { panic("socket closed") }),
		conn.EXPECT().Dispatch(gomock.Any()).Return(nil),
	)

	finished := false
	build := exec.ActionFunc(func(e *exec.Execution) {
		for i := 0; i < 3; i++ {
			forwarder.OnOutput(log.OutputEvent{Message: "line"})
		}
		finished = true
		e.Proceed()
	})

	stage := &exec.LogToClient{Logging: logging}
	exec.NewExecution(context.Background(), exec.Build{}, conn, stage, build).Proceed()
	assert.True(t, finished)
}

type fakeRunner struct {
	result protocol.BuildResult
	err    error
	got    exec.Build
}

func (f *fakeRunner) RunBuild(_ context.Context, b exec.Build) (protocol.BuildResult, error) {
	f.got = b
	return f.result, f.err
}

func TestBuildResultIsReturned(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	conn := mocks.NewMockConnection(ctrl)
	runner := &fakeRunner{result: protocol.BuildResult{BuildID: "b1", Status: "succeeded", Tests: 3, Passed: 3}}
	conn.EXPECT().Dispatch(runner.result).Return(nil)

	e := exec.NewExecution(context.Background(), exec.Build{ID: "b1", Classes: []string{"A"}}, conn,
		&exec.ForwardFailure{}, exec.ReturnResult{}, &exec.ExecuteBuild{Runner: runner})
	e.Proceed()

	assert.NoError(t, e.Err())
	assert.Equal(t, []string{"A"}, runner.got.Classes)
}

func TestForwardFailureReportsErrorsAndPanics(t *testing.T) {
	tests := []struct {
		name    string
		action  exec.Action
		wantMsg string
	}{
		{
			name:    "runner error",
			action:  &exec.ExecuteBuild{Runner: &fakeRunner{err: errors.New("database locked")}},
			wantMsg: "database locked",
		},
		{
			name:    "panic",
			action:  exec.ActionFunc(func(e *exec.Execution) { panic("nil map") }),
			wantMsg: "build command panicked: nil map",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctrl := gomock.NewController(t)
			defer ctrl.Finish()

			conn := mocks.NewMockConnection(ctrl)
			conn.EXPECT().Dispatch(exec.Failure{Message: tt.wantMsg}).Return(nil)

			exec.NewExecution(context.Background(), exec.Build{}, conn,
				&exec.ForwardFailure{}, exec.ReturnResult{}, tt.action).Proceed()
		})
	}
}

func TestStopAndStatusCommands(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	conn := mocks.NewMockConnection(ctrl)
	stopped := 0
	chain := []exec.Action{
		&exec.ForwardFailure{},
		exec.ReturnResult{},
		&exec.HandleStop{Shutdown: func() { stopped++ }},
		&exec.HandleStatus{Report: func() exec.StatusReport { return exec.StatusReport{PID: 42, Busy: true} }},
		&exec.ExecuteBuild{Runner: &fakeRunner{}},
	}

	conn.EXPECT().Dispatch(map[string]string{"status": "stopping"}).Return(nil)
	exec.NewExecution(context.Background(), exec.Stop{}, conn, chain...).Proceed()
	assert.Equal(t, 1, stopped)

	conn.EXPECT().Dispatch(exec.StatusReport{PID: 42, Busy: true}).Return(nil)
	exec.NewExecution(context.Background(), exec.Status{}, conn, chain...).Proceed()
	assert.Equal(t, 1, stopped)
}
