// Package events provides a lightweight in-process pub-sub bus for sync
// lifecycle notifications. The bus is injected explicitly wherever events
// are produced or consumed.
package events

import "time"

// Kind represents the type of domain event produced by the sync pipeline.
type Kind string

const (
	KindSyncCompleted    Kind = "sync_completed"
	KindConflictDetected Kind = "conflict_detected"
	KindAccountError     Kind = "account_error"
	KindOperationQueued  Kind = "operation_queued"
)

// Event carries the minimum data consumers need. Only IDs are carried;
// consumers can query the full record from storage.
type Event struct {
	Kind         Kind
	UserID       string
	AccountID    string
	ConnectionID string
	ConflictID   string
	OperationID  string
	Message      string
	Time         time.Time
}

// Bus is an in-process pub-sub implementation backed by a buffered channel.
type Bus struct {
	ch chan Event
}

// NewBus creates a bus with the given buffer size.
func NewBus(buffer int) *Bus {
	if buffer <= 0 {
		buffer = 64
	}
	return &Bus{ch: make(chan Event, buffer)}
}

// Publish attempts to enqueue the event without blocking.
// Returns true if published, false if the buffer is full.
func (b *Bus) Publish(evt Event) bool {
	if b == nil {
		return false
	}
	if evt.Time.IsZero() {
		evt.Time = time.Now().UTC()
	}
	select {
	case b.ch <- evt:
		return true
	default:
		return false
	}
}

// Subscribe returns a read-only channel for consumers.
func (b *Bus) Subscribe() <-chan Event {
	return b.ch
}
