// Package event provides the in-memory fan-out hub for account-scoped inbox events.
package event

import (
	"encoding/json"
	"strings"
	"sync"

	"github.com/google/uuid"
)

// DefaultBufferSize is the default per-subscriber channel buffer.
const DefaultBufferSize = 64

// Type identifies the event category published by the hub.
type Type string

const (
	// TypeStatusChanged is emitted when a channel account changes connection status.
	TypeStatusChanged Type = "status-changed"
	// TypeMessageNew is emitted after a message is persisted (inbound or provisional outbound).
	TypeMessageNew Type = "message-new"
	// TypeMessageStatus is emitted when an outbound message reaches a terminal delivery status.
	TypeMessageStatus Type = "message-status"
)

// Event is the payload fanned out to every session subscribed to an account.
type Event struct {
	Type      Type            `json:"type"`
	AccountID string          `json:"account_id"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// Publisher publishes events to subscribers.
type Publisher interface {
	Publish(event Event)
}

// Subscriber subscribes to account-scoped events.
type Subscriber interface {
	Subscribe(accountID string, buffer int) (string, <-chan Event, func())
}

// Hub is an in-process pub/sub dispatcher keyed by account ID.
type Hub struct {
	mu      sync.RWMutex
	streams map[string]map[string]chan Event
}

// NewHub creates an empty hub.
func NewHub() *Hub {
	return &Hub{
		streams: map[string]map[string]chan Event{},
	}
}

// Publish broadcasts one event to all subscribers of the same account.
// Slow subscribers are skipped in a non-blocking way so a stuck dashboard
// session can never stall the persistence path.
func (h *Hub) Publish(event Event) {
	if h == nil {
		return
	}
	accountID := strings.TrimSpace(event.AccountID)
	if accountID == "" {
		return
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, ch := range h.streams[accountID] {
		select {
		case ch <- event:
		default:
		}
	}
}

// Subscribe registers one subscriber under an account ID.
// It returns a stream ID, a read-only event channel, and a cancel function.
func (h *Hub) Subscribe(accountID string, buffer int) (string, <-chan Event, func()) {
	if h == nil {
		ch := make(chan Event)
		close(ch)
		return "", ch, func() {}
	}
	accountID = strings.TrimSpace(accountID)
	if accountID == "" {
		ch := make(chan Event)
		close(ch)
		return "", ch, func() {}
	}
	if buffer <= 0 {
		buffer = DefaultBufferSize
	}

	streamID := uuid.NewString()
	ch := make(chan Event, buffer)

	h.mu.Lock()
	streams, ok := h.streams[accountID]
	if !ok {
		streams = map[string]chan Event{}
		h.streams[accountID] = streams
	}
	streams[streamID] = ch
	h.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			h.mu.Lock()
			streams := h.streams[accountID]
			if streams != nil {
				if current, ok := streams[streamID]; ok {
					delete(streams, streamID)
					close(current)
				}
				if len(streams) == 0 {
					delete(h.streams, accountID)
				}
			}
			h.mu.Unlock()
		})
	}

	return streamID, ch, cancel
}

// Marshal encodes v for Event.Data; marshal failures degrade to null rather
// than dropping the event.
func Marshal(v any) json.RawMessage {
	data, err := json.Marshal(v)
	if err != nil {
		return json.RawMessage("null")
	}
	return data
}
