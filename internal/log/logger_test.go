package log

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"sync"
	"testing"
)

func TestSetup(t *testing.T) {
	// Reset logger for testing
	logger = nil
	once = *new(sync.Once)

	var buf bytes.Buffer
	SetupWriter("DEBUG", &buf)
	if logger == nil {
		t.Fatal("Logger should not be nil")
	}
	Debug("visible")
	if buf.Len() == 0 {
		t.Error("expected debug output after SetupWriter(DEBUG)")
	}
}

func TestParseLevel(t *testing.T) {
	tests := map[string]slog.Level{
		"debug":   slog.LevelDebug,
		"INFO":    slog.LevelInfo,
		"warn":    slog.LevelWarn,
		"warning": slog.LevelWarn,
		" error ": slog.LevelError,
		"quiet":   slog.LevelInfo,
		"":        slog.LevelInfo,
	}
	for in, want := range tests {
		if got := ParseLevel(in); got != want {
			t.Errorf("ParseLevel(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestContextHelpers(t *testing.T) {
	var buf bytes.Buffer
	h := slog.NewJSONHandler(&buf, nil)
	l := slog.New(h)

	// Inject this logger as the global logger for the test
	logger = l

	l2 := WithComponent("test-comp")
	l2.Info("hello")

	var out map[string]any
	if err := json.Unmarshal(buf.Bytes(), &out); err != nil {
		t.Fatalf("Failed to decode JSON: %v", err)
	}

	if out["component"] != "test-comp" {
		t.Errorf("Expected component 'test-comp', got %v", out["component"])
	}
	if out["msg"] != "hello" {
		t.Errorf("Expected msg 'hello', got %v", out["msg"])
	}
}

func TestWithBuild(t *testing.T) {
	var buf bytes.Buffer
	h := slog.NewJSONHandler(&buf, nil)
	logger = slog.New(h)

	WithBuild("build-123").Info("build msg")

	var out map[string]any
	if err := json.Unmarshal(buf.Bytes(), &out); err != nil {
		t.Fatalf("Failed to decode JSON: %v", err)
	}

	if out["build_id"] != "build-123" {
		t.Errorf("Expected build_id 'build-123', got %v", out["build_id"])
	}
}

func TestWithWorker(t *testing.T) {
	var buf bytes.Buffer
	h := slog.NewJSONHandler(&buf, nil)
	logger = slog.New(h)

	WithWorker("test-processor-1").Info("worker msg")

	var out map[string]any
	if err := json.Unmarshal(buf.Bytes(), &out); err != nil {
		t.Fatalf("Failed to decode JSON: %v", err)
	}

	if out["worker"] != "test-processor-1" {
		t.Errorf("Expected worker 'test-processor-1', got %v", out["worker"])
	}
}

func TestAttach(t *testing.T) {
	logger = nil
	once = *new(sync.Once)

	var buf bytes.Buffer
	SetupWriter("INFO", &buf)

	m := NewManager()
	m.SetLevel("DEBUG")
	m.Start()
	c := &collectingListener{}
	m.AddListener(c)

	Attach(m)
	WithComponent("daemon").Debug("only relayed")
	Info("both")

	got := c.events
	if len(got) != 2 {
		t.Fatalf("expected 2 relayed events, got %d", len(got))
	}
	if got[0].Category != "daemon" {
		t.Errorf("expected category daemon, got %q", got[0].Category)
	}
	if bytes.Contains(buf.Bytes(), []byte("only relayed")) {
		t.Error("debug record should not reach the INFO destination")
	}
	if !bytes.Contains(buf.Bytes(), []byte(`"msg":"both"`)) {
		t.Error("info record should reach the original destination")
	}
}
