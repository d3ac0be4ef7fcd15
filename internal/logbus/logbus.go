package logbus

import (
	"fmt"
	"sync"
	"time"
)

// Severity classifies an event for the presentation layer.
type Severity int

const (
	Info Severity = iota
	Warn
	Error
)

func (s Severity) String() string {
	switch s {
	case Warn:
		return "WARN"
	case Error:
		return "ERROR"
	default:
		return "INFO"
	}
}

// Event is one entry in a tool's append-only log sequence.
// Events live in memory only; they are never persisted across restarts.
type Event struct {
	Time     time.Time `json:"time"`
	Tool     string    `json:"tool"`
	Severity Severity  `json:"severity"`
	Message  string    `json:"message"`
}

// Bus keeps a bounded per-tool ring of events and fans them out to
// subscribers. Publish never blocks: a subscriber whose buffer is full
// misses the event, and the ring drops its oldest entry when over
// capacity.
type Bus struct {
	mu     sync.Mutex
	max    int
	events map[string][]Event
	subs   map[int]chan Event
	nextID int
}

// DefaultMax bounds the per-tool ring when no explicit size is given.
const DefaultMax = 2000

func New(max int) *Bus {
	if max <= 0 {
		max = DefaultMax
	}
	return &Bus{
		max:    max,
		events: make(map[string][]Event),
		subs:   make(map[int]chan Event),
	}
}

// Publish appends an event for tool and notifies subscribers.
func (b *Bus) Publish(tool string, sev Severity, msg string) {
	ev := Event{Time: time.Now(), Tool: tool, Severity: sev, Message: msg}
	b.mu.Lock()
	q := append(b.events[tool], ev)
	if len(q) > b.max {
		q = q[len(q)-b.max:]
	}
	b.events[tool] = q
	for _, ch := range b.subs {
		select {
		case ch <- ev:
		default:
			// slow subscriber; drop rather than block the producer
		}
	}
	b.mu.Unlock()
}

func (b *Bus) Infof(tool, format string, args ...any) {
	b.Publish(tool, Info, fmt.Sprintf(format, args...))
}

func (b *Bus) Warnf(tool, format string, args ...any) {
	b.Publish(tool, Warn, fmt.Sprintf(format, args...))
}

func (b *Bus) Errorf(tool, format string, args ...any) {
	b.Publish(tool, Error, fmt.Sprintf(format, args...))
}

// Events returns a copy of the retained sequence for tool.
func (b *Bus) Events(tool string) []Event {
	b.mu.Lock()
	defer b.mu.Unlock()
	q := b.events[tool]
	out := make([]Event, len(q))
	copy(out, q)
	return out
}

// Tail returns at most n of the most recent events for tool.
func (b *Bus) Tail(tool string, n int) []Event {
	evs := b.Events(tool)
	if n > 0 && len(evs) > n {
		evs = evs[len(evs)-n:]
	}
	return evs
}

// Subscribe registers a buffered listener for all tools. The returned
// cancel func must be called to release the subscription; the channel
// is closed by cancel.
func (b *Bus) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 64
	}
	ch := make(chan Event, buffer)
	b.mu.Lock()
	id := b.nextID
	b.nextID++
	b.subs[id] = ch
	b.mu.Unlock()
	cancel := func() {
		b.mu.Lock()
		if _, ok := b.subs[id]; ok {
			delete(b.subs, id)
			close(ch)
		}
		b.mu.Unlock()
	}
	return ch, cancel
}

// Clear drops the retained events for tool. Subscribers are unaffected.
func (b *Bus) Clear(tool string) {
	b.mu.Lock()
	delete(b.events, tool)
	b.mu.Unlock()
}
