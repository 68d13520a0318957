package log

import (
	"bytes"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type collectingListener struct {
	mu     sync.Mutex
	events []OutputEvent
}

func (c *collectingListener) OnOutput(ev OutputEvent) {
	c.mu.Lock()
	c.events = append(c.events, ev)
	c.mu.Unlock()
}

func (c *collectingListener) messages() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.events))
	for _, ev := range c.events {
		out = append(out, ev.Message)
	}
	return out
}

func TestManagerDeliversOnlyWhileStarted(t *testing.T) {
	m := NewManager()
	l := &collectingListener{}
	m.AddListener(l)
	logger := slog.New(m.Handler())

	logger.Info("before start")
	m.Start()
	logger.Info("while started")
	m.Stop()
	logger.Info("after stop")

	assert.Equal(t, []string{"while started"}, l.messages())
}

func TestManagerThreshold(t *testing.T) {
	m := NewManager()
	l := &collectingListener{}
	m.AddListener(l)
	m.SetLevel("warn")
	m.Start()
	logger := slog.New(m.Handler())

	logger.Info("dropped")
	logger.Warn("kept")
	logger.Error("also kept")

	assert.Equal(t, []string{"kept", "also kept"}, l.messages())
	assert.Equal(t, slog.LevelWarn, m.Level())
}

func TestManagerRemoveListener(t *testing.T) {
	m := NewManager()
	a, b := &collectingListener{}, &collectingListener{}
	m.AddListener(a)
	m.AddListener(b)
	m.AddListener(a)
	m.Start()

	m.Emit(OutputEvent{Level: "INFO", Message: "one"})
	m.RemoveListener(a)
	m.Emit(OutputEvent{Level: "INFO", Message: "two"})

	assert.Equal(t, []string{"one"}, a.messages())
	assert.Equal(t, []string{"one", "two"}, b.messages())
}

func TestManagerHandlerAttributes(t *testing.T) {
	m := NewManager()
	l := &collectingListener{}
	m.AddListener(l)
	m.Start()

	logger := slog.New(m.Handler()).With("component", "pool").WithGroup("unit")
	logger.Info("dispatched", "class", "org.example.FooTest", "err", errors.New("nope"))

	require.Len(t, l.events, 1)
	ev := l.events[0]
	assert.Equal(t, "pool", ev.Category)
	assert.Equal(t, "INFO", ev.Level)
	assert.Equal(t, "org.example.FooTest", ev.Attrs["unit.class"])
	assert.Equal(t, "nope", ev.Attrs["unit.err"])
}

func TestManagerLoggerTeesToBase(t *testing.T) {
	var buf bytes.Buffer
	base := slog.New(slog.NewJSONHandler(&buf, nil))
	m := NewManager()
	l := &collectingListener{}
	m.AddListener(l)
	m.Start()

	m.Logger(base).Info("both")

	assert.Contains(t, buf.String(), `"msg":"both"`)
	assert.Equal(t, []string{"both"}, l.messages())
}

func TestWriterListenerFormatsLine(t *testing.T) {
	var buf bytes.Buffer
	l := NewWriterListener(&buf)
	l.OnOutput(OutputEvent{
		Time:     time.Date(2026, 1, 2, 3, 4, 5, 6_000_000, time.UTC),
		Level:    "WARN",
		Category: "pool",
		Message:  "slow worker",
		Attrs:    map[string]any{"worker": "w1", "after": "5s"},
	})
	assert.Equal(t, "03:04:05.006 WARN [pool] slow worker after=5s worker=w1\n", buf.String())
}

func TestTeeHandler(t *testing.T) {
	assert.IsType(t, discardHandler{}, TeeHandler(nil, nil))

	var buf bytes.Buffer
	inner := slog.NewJSONHandler(&buf, nil)
	assert.Equal(t, inner, TeeHandler(nil, inner))

	var b1, b2 bytes.Buffer
	h := TeeHandler(
		slog.NewJSONHandler(&b1, &slog.HandlerOptions{Level: slog.LevelInfo}),
		slog.NewJSONHandler(&b2, &slog.HandlerOptions{Level: slog.LevelError}),
	)
	slog.New(h).Info("info only")
	assert.True(t, strings.Contains(b1.String(), "info only"))
	assert.Zero(t, b2.Len())
}
