// core/events/events.go

// Fire-and-forget event publication for protocol transitions
// Sink is the collaborator interface; MemorySink buffers events for tests
// and LogSink writes them to the process log for single-node deployments

package events

import (
	"log"
	"sync"
	"time"
)

// Type identifies a protocol event
type Type string

const (
	GuardianEnrolled      Type = "GuardianEnrolled"
	GuardianSlashed       Type = "GuardianSlashed"
	GuardianStatusChanged Type = "GuardianStatusChanged"
	TrustEstablished      Type = "TrustEstablished"
	RecoveryInitiated     Type = "RecoveryInitiated"
	RecoveryConfirmed     Type = "RecoveryConfirmed"
	RecoveryExecuted      Type = "RecoveryExecuted"
	RecoveryCancelled     Type = "RecoveryCancelled"
	RecoveryExpired       Type = "RecoveryExpired"
	ReputationUpdated     Type = "ReputationUpdated"
)

// Sink receives protocol events. Publish must not block the caller and
// delivery is best-effort; state transitions never depend on it.
type Sink interface {
	Publish(eventType Type, payload map[string]interface{})
}

// Event is a published event with its capture time
type Event struct {
	Type      Type                   `json:"type"`
	Payload   map[string]interface{} `json:"payload"`
	Timestamp int64                  `json:"timestamp"`
}

// MemorySink buffers published events in memory
type MemorySink struct {
	mu     sync.RWMutex
	events []Event
}

// NewMemorySink creates an in-memory event sink
func NewMemorySink() *MemorySink {
	return &MemorySink{events: make([]Event, 0)}
}

func (ms *MemorySink) Publish(eventType Type, payload map[string]interface{}) {
	ms.mu.Lock()
	defer ms.mu.Unlock()

	ms.events = append(ms.events, Event{
		Type:      eventType,
		Payload:   payload,
		Timestamp: time.Now().Unix(),
	})
}

// Events returns a copy of all published events
func (ms *MemorySink) Events() []Event {
	ms.mu.RLock()
	defer ms.mu.RUnlock()

	out := make([]Event, len(ms.events))
	copy(out, ms.events)
	return out
}

// ByType returns all published events of the given type
func (ms *MemorySink) ByType(eventType Type) []Event {
	ms.mu.RLock()
	defer ms.mu.RUnlock()

	out := make([]Event, 0)
	for _, ev := range ms.events {
		if ev.Type == eventType {
			out = append(out, ev)
		}
	}
	return out
}

// LogSink writes events to the standard logger
type LogSink struct{}

func (LogSink) Publish(eventType Type, payload map[string]interface{}) {
	log.Printf("event %s: %v", eventType, payload)
}

// NopSink discards all events
type NopSink struct{}

func (NopSink) Publish(Type, map[string]interface{}) {}
