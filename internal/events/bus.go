// Package events provides a publish/subscribe event bus for operational
// observability. Events flow from components (turn engine, gateway,
// tool executor) to subscribers (MQTT mirror, stats endpoint). The bus
// is nil-safe: calling Publish on a nil *Bus is a no-op, so components
// do not need guard checks.
package events

import (
	"sync"
	"time"
)

// Source constants identify which component published an event.
const (
	// SourceGateway identifies events from the WebSocket gateway.
	SourceGateway = "gateway"
	// SourceAgent identifies events from the turn engine.
	SourceAgent = "agent"
	// SourceTool identifies events from tool execution.
	SourceTool = "tool"
)

// Kind constants describe the type of event within a source.
const (
	// KindTurnStart signals the beginning of a customer turn.
	// Data: session_id, message_len, has_image.
	KindTurnStart = "turn_start"
	// KindLLMCall signals the start of a model stream.
	// Data: session_id, model, phase (initial|resume).
	KindLLMCall = "llm_call"
	// KindToolCall signals the start of a tool execution.
	// Data: session_id, tool.
	KindToolCall = "tool_call"
	// KindToolDone signals completion of a tool execution.
	// Data: session_id, tool, ok, duration_ms.
	KindToolDone = "tool_done"
	// KindTurnComplete signals the end of a customer turn.
	// Data: session_id, tool_used, elapsed_ms.
	KindTurnComplete = "turn_complete"

	// KindConnect signals a client connected to the gateway.
	// Data: remote_addr.
	KindConnect = "connect"
	// KindDisconnect signals a client disconnected.
	// Data: remote_addr.
	KindDisconnect = "disconnect"
)

// Event represents a single operational event published by a component.
type Event struct {
	// Timestamp is when the event occurred.
	Timestamp time.Time `json:"ts"`
	// Source identifies the component that published the event.
	Source string `json:"source"`
	// Kind describes the type of event within the source.
	Kind string `json:"kind"`
	// Data holds event-specific key/value pairs.
	Data map[string]any `json:"data,omitempty"`
}

// Bus is a non-blocking broadcast event bus. Subscribers receive events
// on buffered channels; slow subscribers miss events rather than
// blocking publishers.
type Bus struct {
	mu   sync.RWMutex
	subs map[chan Event]struct{}
	// recvToSend maps the receive-only channel returned by Subscribe
	// back to the bidirectional channel stored in subs, so Unsubscribe
	// can accept <-chan Event (the caller's view).
	recvToSend map[<-chan Event]chan Event
}

// New creates a new event bus ready for use.
func New() *Bus {
	return &Bus{
		subs:       make(map[chan Event]struct{}),
		recvToSend: make(map[<-chan Event]chan Event),
	}
}

// Emit stamps and publishes an event. Safe on a nil receiver.
func (b *Bus) Emit(source, kind string, data map[string]any) {
	b.Publish(Event{
		Timestamp: time.Now(),
		Source:    source,
		Kind:      kind,
		Data:      data,
	})
}

// Publish sends an event to all subscribers. Non-blocking: if a
// subscriber's channel is full, the event is dropped for that
// subscriber. Safe to call on a nil receiver (no-op).
func (b *Bus) Publish(e Event) {
	if b == nil {
		return
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for ch := range b.subs {
		select {
		case ch <- e:
		default:
			// Subscriber is full — drop the event rather than block.
		}
	}
}

// Subscribe returns a channel that receives published events. The
// caller must eventually call Unsubscribe to avoid resource leaks.
func (b *Bus) Subscribe(bufSize int) <-chan Event {
	ch := make(chan Event, bufSize)
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs[ch] = struct{}{}
	b.recvToSend[ch] = ch
	return ch
}

// Unsubscribe removes a subscription and closes the channel. Safe to
// call with a channel that is already unsubscribed (no-op).
func (b *Bus) Unsubscribe(ch <-chan Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	sendCh, ok := b.recvToSend[ch]
	if !ok {
		return
	}
	delete(b.subs, sendCh)
	delete(b.recvToSend, ch)
	close(sendCh)
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
