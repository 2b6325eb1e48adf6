// Package events is the in-process broadcast bus used to observe agent
// runs. The agent, dispatcher and chunking pipeline publish; the
// websocket endpoint and the MQTT publisher subscribe. A nil *Bus is a
// valid no-op publisher so components never need guard checks.
package events

import (
	"sync"
	"time"
)

// Sources.
const (
	SourceAgent    = "agent"
	SourceDispatch = "dispatch"
	SourceChunking = "chunking"
	SourceWatch    = "connwatch"
)

// Kinds. The Data keys each kind carries are listed alongside.
const (
	// KindRunStart: run_id, request_len, model.
	KindRunStart = "run_start"
	// KindStep: run_id, step, tool_calls.
	KindStep = "step"
	// KindToolCall: run_id, tool, call_id.
	KindToolCall = "tool_call"
	// KindToolDone: run_id, tool, call_id, ok, duration_ms.
	KindToolDone = "tool_done"
	// KindStuck: run_id, step, stuck_count.
	KindStuck = "stuck"
	// KindMemoryReset: run_id, kept, dropped.
	KindMemoryReset = "memory_reset"
	// KindChunk: chunk_id, index, total, strategy.
	KindChunk = "chunk"
	// KindRunComplete: run_id, steps, reason, elapsed_ms.
	KindRunComplete = "run_complete"
	// KindServiceUp: service.
	KindServiceUp = "service_up"
	// KindServiceDown: service, error.
	KindServiceDown = "service_down"
)

// Event is one published occurrence.
type Event struct {
	Timestamp time.Time      `json:"ts"`
	Source    string         `json:"source"`
	Kind      string         `json:"kind"`
	Data      map[string]any `json:"data,omitempty"`
}

// Bus is a non-blocking broadcast bus. Each subscriber owns a buffered
// channel; a full channel drops the event for that subscriber only.
type Bus struct {
	mu   sync.RWMutex
	subs map[<-chan Event]chan Event
}

// New creates an empty bus.
func New() *Bus {
	return &Bus{subs: make(map[<-chan Event]chan Event)}
}

// Publish delivers e to every subscriber without blocking.
func (b *Bus) Publish(e Event) {
	if b == nil {
		return
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, ch := range b.subs {
		select {
		case ch <- e:
		default:
		}
	}
}

// Emit is shorthand for publishing an event stamped with the current
// time.
func (b *Bus) Emit(source, kind string, data map[string]any) {
	b.Publish(Event{Timestamp: time.Now(), Source: source, Kind: kind, Data: data})
}

// Subscribe registers a new subscriber with a buffer of bufSize events.
// Callers must Unsubscribe when done.
func (b *Bus) Subscribe(bufSize int) <-chan Event {
	ch := make(chan Event, bufSize)
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs[ch] = ch
	return ch
}

// Unsubscribe removes and closes a subscription. Unknown or already
// removed channels are ignored.
func (b *Bus) Unsubscribe(ch <-chan Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	send, ok := b.subs[ch]
	if !ok {
		return
	}
	delete(b.subs, ch)
	close(send)
}

// SubscriberCount returns the number of active subscribers.
func (b *Bus) SubscriberCount() int {
	if b == nil {
		return 0
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
