// Package events is the telemetry bus. Components publish what they
// did (gate transitions, tool-server connects, control surface edits)
// and sinks such as the WebSocket stream and the MQTT publisher consume
// it. Publishing on a nil *Bus is a no-op.
package events

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// Sources.
const (
	SourceGate    = "gate"
	SourceToolhub = "toolhub"
	SourceRPC     = "rpc"
	SourceAgent   = "agent"
	SourceHealth  = "health"
)

// Kinds, grouped by source. Data keys are listed per kind.
const (
	// gate
	KindWakeWord    = "wake_word"   // label, confidence
	KindActivated   = "activated"   // label
	KindDeactivated = "deactivated" // idle_ms

	// toolhub
	KindServerConnected    = "server_connected"    // server, kind, tool_count
	KindServerError        = "server_error"        // server, error
	KindServerDisconnected = "server_disconnected" // server, reason
	KindReconcileComplete  = "reconcile_complete"  // connected, disconnected, reconnected, failed, live

	// rpc
	KindConfigChanged   = "config_changed"   // method, server
	KindSettingsChanged = "settings_changed" // key

	// agent
	KindInterrupt    = "interrupt"
	KindModelChanged = "model_changed" // old_model, new_model

	// health
	KindServiceReady = "service_ready" // service
	KindServiceDown  = "service_down"  // service, error
)

// Event is one telemetry record.
type Event struct {
	ID        string         `json:"id"`
	Timestamp time.Time      `json:"ts"`
	Source    string         `json:"source"`
	Kind      string         `json:"kind"`
	Data      map[string]any `json:"data,omitempty"`
}

// Bus broadcasts events to buffered subscriber channels. A full
// subscriber misses the event; publishers never block.
type Bus struct {
	mu   sync.RWMutex
	subs map[<-chan Event]chan Event
}

// New returns an empty bus.
func New() *Bus {
	return &Bus{subs: make(map[<-chan Event]chan Event)}
}

// Emit stamps an ID and timestamp onto a new event and publishes it.
func (b *Bus) Emit(source, kind string, data map[string]any) {
	if b == nil {
		return
	}
	b.Publish(Event{
		ID:        newID(),
		Timestamp: time.Now(),
		Source:    source,
		Kind:      kind,
		Data:      data,
	})
}

// Publish delivers e to every subscriber with room in its buffer.
func (b *Bus) Publish(e Event) {
	if b == nil {
		return
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

// Subscribe registers a subscriber with a buffer of bufSize events.
// Release it with Unsubscribe.
func (b *Bus) Subscribe(bufSize int) <-chan Event {
	ch := make(chan Event, bufSize)
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs[ch] = ch
	return ch
}

// Unsubscribe removes and closes ch. Unknown channels are ignored.
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

// SubscriberCount returns the number of live subscriptions.
func (b *Bus) SubscriberCount() int {
	if b == nil {
		return 0
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

func newID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}
