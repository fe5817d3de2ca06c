package observability

import (
	"sync"
	"time"
)

// EventKind classifies bus events by emitting subsystem.
type EventKind string

const (
	KindPipeline EventKind = "pipeline"
	KindDigest   EventKind = "digest"
	KindRouting  EventKind = "routing"
	KindSkill    EventKind = "skill"
	KindGraph    EventKind = "graph"
)

// Event is one typed observability event. Fields beyond Kind and Name are
// free-form but stable per emitter.
type Event struct {
	Kind   EventKind      `json:"kind"`
	Name   string         `json:"name"`
	Fields map[string]any `json:"fields,omitempty"`
	At     time.Time      `json:"at"`
}

// Bus is a non-blocking fan-out of typed events. Subscribers that fall
// behind lose events rather than stalling emitters.
type Bus struct {
	mu   sync.RWMutex
	subs map[int]chan Event
	next int
}

func NewBus() *Bus {
	return &Bus{subs: make(map[int]chan Event)}
}

// Subscribe returns a channel of events and a cancel func. The channel is
// buffered; emitters never block on it.
func (b *Bus) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 64
	}

	b.mu.Lock()
	id := b.next
	b.next++
	ch := make(chan Event, buffer)
	b.subs[id] = ch
	b.mu.Unlock()

	cancel := func() {
		b.mu.Lock()
		if sub, ok := b.subs[id]; ok {
			delete(b.subs, id)
			close(sub)
		}
		b.mu.Unlock()
	}
	return ch, cancel
}

// Emit publishes the event to all subscribers, dropping on full buffers.
func (b *Bus) Emit(kind EventKind, name string, fields map[string]any) {
	ev := Event{Kind: kind, Name: name, Fields: fields, At: time.Now().UTC()}

	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, ch := range b.subs {
		select {
		case ch <- ev:
		default:
		}
	}
}

var (
	globalBus     *Bus
	globalBusOnce sync.Once
)

// GetBus returns the process-wide event bus.
func GetBus() *Bus {
	globalBusOnce.Do(func() {
		globalBus = NewBus()
	})
	return globalBus
}
