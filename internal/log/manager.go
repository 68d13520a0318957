package log

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"slices"
	"sort"
	"strings"
	"sync"
	"time"
)

// OutputEvent is one log record as delivered to listeners and, through the
// output forwarding stage, to remote clients.
type OutputEvent struct {
	Time     time.Time      `json:"time"`
	Level    string         `json:"level"`
	Category string         `json:"category,omitempty"`
	Message  string         `json:"message"`
	Attrs    map[string]any `json:"attrs,omitempty"`
}

// Listener receives output events. Implementations must be comparable
// (typically pointers) so they can be removed again.
type Listener interface {
	OnOutput(ev OutputEvent)
}

// Manager is the daemon's logging subsystem. While started it turns every
// record at or above its threshold into an OutputEvent for each registered
// listener.
type Manager struct {
	mu        sync.RWMutex
	level     slog.Level
	started   bool
	listeners []Listener
}

// NewManager returns a stopped manager at INFO.
func NewManager() *Manager {
	return &Manager{level: slog.LevelInfo}
}

// SetLevel sets the active threshold from a level name.
func (m *Manager) SetLevel(level string) {
	m.mu.Lock()
	m.level = ParseLevel(level)
	m.mu.Unlock()
}

// Level returns the active threshold.
func (m *Manager) Level() slog.Level {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.level
}

// Start begins delivering events to listeners.
func (m *Manager) Start() {
	m.mu.Lock()
	m.started = true
	m.mu.Unlock()
}

// Stop ends delivery. Listeners stay registered.
func (m *Manager) Stop() {
	m.mu.Lock()
	m.started = false
	m.mu.Unlock()
}

// Started reports whether events are being delivered.
func (m *Manager) Started() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.started
}

// AddListener registers l. Adding the same listener twice is a no-op.
func (m *Manager) AddListener(l Listener) {
	if l == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if slices.Contains(m.listeners, l) {
		return
	}
	m.listeners = append(m.listeners, l)
}

// RemoveListener unregisters l.
func (m *Manager) RemoveListener(l Listener) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.listeners = slices.DeleteFunc(m.listeners, func(x Listener) bool { return x == l })
}

// Emit delivers ev to every listener if the manager is started and ev is at
// or above the threshold.
func (m *Manager) Emit(ev OutputEvent) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(ev.Level)); err != nil {
		level = slog.LevelInfo
	}
	if !m.enabled(level) {
		return
	}
	m.mu.RLock()
	targets := append([]Listener(nil), m.listeners...)
	m.mu.RUnlock()
	for _, l := range targets {
		l.OnOutput(ev)
	}
}

func (m *Manager) enabled(level slog.Level) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.started && level >= m.level
}

// Handler returns a slog.Handler that feeds records into the manager.
func (m *Manager) Handler() slog.Handler {
	return &managerHandler{m: m}
}

// Logger returns a logger writing to base and to the manager's listeners.
func (m *Manager) Logger(base *slog.Logger) *slog.Logger {
	if base == nil {
		return slog.New(m.Handler())
	}
	return slog.New(TeeHandler(base.Handler(), m.Handler()))
}

type managerHandler struct {
	m      *Manager
	attrs  []slog.Attr
	prefix string
}

func (h *managerHandler) Enabled(_ context.Context, level slog.Level) bool {
	return h.m.enabled(level)
}

func (h *managerHandler) Handle(_ context.Context, record slog.Record) error {
	ev := OutputEvent{
		Time:    record.Time,
		Level:   record.Level.String(),
		Message: record.Message,
	}
	attrs := make(map[string]any, len(h.attrs)+record.NumAttrs())
	for _, a := range h.attrs {
		addAttr(attrs, "", a)
	}
	record.Attrs(func(a slog.Attr) bool {
		addAttr(attrs, h.prefix, a)
		return true
	})
	if c, ok := attrs["component"].(string); ok {
		ev.Category = c
		delete(attrs, "component")
	}
	if len(attrs) > 0 {
		ev.Attrs = attrs
	}
	h.m.Emit(ev)
	return nil
}

func (h *managerHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	next := &managerHandler{m: h.m, prefix: h.prefix}
	next.attrs = append(slices.Clone(h.attrs), prefixed(h.prefix, attrs)...)
	return next
}

func (h *managerHandler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}
	return &managerHandler{m: h.m, attrs: h.attrs, prefix: h.prefix + name + "."}
}

func prefixed(prefix string, attrs []slog.Attr) []slog.Attr {
	if prefix == "" {
		return attrs
	}
	out := make([]slog.Attr, len(attrs))
	for i, a := range attrs {
		out[i] = slog.Attr{Key: prefix + a.Key, Value: a.Value}
	}
	return out
}

func addAttr(dst map[string]any, prefix string, a slog.Attr) {
	a.Value = a.Value.Resolve()
	if a.Value.Kind() == slog.KindGroup {
		for _, ga := range a.Value.Group() {
			addAttr(dst, prefix+a.Key+".", ga)
		}
		return
	}
	if a.Key == "" {
		return
	}
	v := a.Value.Any()
	if err, ok := v.(error); ok {
		v = err.Error()
	}
	dst[prefix+a.Key] = v
}

// WriterListener renders events as single text lines.
type WriterListener struct {
	mu sync.Mutex
	w  io.Writer
}

// NewWriterListener returns a listener writing to w.
func NewWriterListener(w io.Writer) *WriterListener {
	return &WriterListener{w: w}
}

// OnOutput writes ev as "time LEVEL [category] message k=v ...".
func (l *WriterListener) OnOutput(ev OutputEvent) {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, _ = io.WriteString(l.w, FormatEvent(ev)+"\n")
}

// FormatEvent renders ev as one line of text.
func FormatEvent(ev OutputEvent) string {
	var b strings.Builder
	if !ev.Time.IsZero() {
		b.WriteString(ev.Time.Format("15:04:05.000"))
		b.WriteByte(' ')
	}
	b.WriteString(ev.Level)
	if ev.Category != "" {
		fmt.Fprintf(&b, " [%s]", ev.Category)
	}
	b.WriteByte(' ')
	b.WriteString(ev.Message)
	keys := make([]string, 0, len(ev.Attrs))
	for k := range ev.Attrs {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(&b, " %s=%v", k, ev.Attrs[k])
	}
	return b.String()
}
