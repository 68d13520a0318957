// Package events keeps a short history of daemon events and fans new ones
// out to watching clients.
package events

import (
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"
)

const (
	defaultHistory    = 100
	subscriberBacklog = 64
)

// Event is one published occurrence. IDs increase by one per publish and
// are never reused while the hub lives.
type Event struct {
	ID   int64           `json:"id"`
	Type string          `json:"type"`
	At   time.Time       `json:"at"`
	Data json.RawMessage `json:"data"`
}

// Hub records events in a fixed-size history and delivers them to
// subscribers without ever blocking the publisher.
type Hub struct {
	mu      sync.Mutex
	lastID  int64
	history []Event
	oldest  int
	count   int
	subs    map[*Subscription]struct{}
}

// Subscription receives events published after it was opened.
type Subscription struct {
	// Backlog holds the retained events newer than the ID the subscription
	// was opened from, oldest first.
	Backlog []Event

	hub     *Hub
	ch      chan Event
	dropped atomic.Int64
	once    sync.Once
}

// NewHub returns a hub remembering up to history events.
func NewHub(history int) *Hub {
	if history <= 0 {
		history = defaultHistory
	}
	return &Hub{
		history: make([]Event, history),
		subs:    make(map[*Subscription]struct{}),
	}
}

// Publish records an event and offers it to every subscriber. A subscriber
// whose channel is full misses the event and has it counted as dropped.
func (h *Hub) Publish(eventType string, data any) Event {
	payload := json.RawMessage("{}")
	if data != nil {
		if b, err := json.Marshal(data); err == nil {
			payload = b
		}
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	h.lastID++
	ev := Event{ID: h.lastID, Type: eventType, At: time.Now().UTC(), Data: payload}
	h.remember(ev)
	for s := range h.subs {
		select {
		case s.ch <- ev:
		default:
			s.dropped.Add(1)
		}
	}
	return ev
}

// Subscribe opens a subscription. Retained events with an ID above afterID
// are returned as its backlog; every later event arrives on C. Backlog and
// C neither overlap nor leave a gap.
func (h *Hub) Subscribe(afterID int64) *Subscription {
	h.mu.Lock()
	defer h.mu.Unlock()

	s := &Subscription{
		Backlog: h.sinceLocked(afterID),
		hub:     h,
		ch:      make(chan Event, subscriberBacklog),
	}
	h.subs[s] = struct{}{}
	return s
}

// Since returns retained events with an ID above afterID, oldest first.
func (h *Hub) Since(afterID int64) []Event {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.sinceLocked(afterID)
}

// LastID returns the ID of the most recent event, or 0.
func (h *Hub) LastID() int64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.lastID
}

func (h *Hub) sinceLocked(afterID int64) []Event {
	var out []Event
	for i := 0; i < h.count; i++ {
		ev := h.history[(h.oldest+i)%len(h.history)]
		if ev.ID > afterID {
			out = append(out, ev)
		}
	}
	return out
}

func (h *Hub) remember(ev Event) {
	size := len(h.history)
	if h.count < size {
		h.history[(h.oldest+h.count)%size] = ev
		h.count++
		return
	}
	h.history[h.oldest] = ev
	h.oldest = (h.oldest + 1) % size
}

// C delivers events published after the subscription opened. It is closed
// by Close.
func (s *Subscription) C() <-chan Event { return s.ch }

// Dropped returns how many events were skipped because C was full.
func (s *Subscription) Dropped() int64 { return s.dropped.Load() }

// Close ends the subscription. It is safe to call more than once.
func (s *Subscription) Close() {
	s.once.Do(func() {
		s.hub.mu.Lock()
		delete(s.hub.subs, s)
		close(s.ch)
		s.hub.mu.Unlock()
	})
}
