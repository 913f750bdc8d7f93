package event

import (
	"testing"
	"time"
)

func TestHubPublishScopedByAccountID(t *testing.T) {
	hub := NewHub()
	_, accountAStream, cancelA := hub.Subscribe("acct-a", 8)
	defer cancelA()
	_, accountBStream, cancelB := hub.Subscribe("acct-b", 8)
	defer cancelB()

	hub.Publish(Event{Type: TypeMessageNew, AccountID: "acct-a"})

	select {
	case <-accountAStream:
	case <-time.After(200 * time.Millisecond):
		t.Fatalf("expected event for acct-a subscriber")
	}

	select {
	case <-accountBStream:
		t.Fatalf("did not expect acct-b subscriber to receive acct-a event")
	case <-time.After(120 * time.Millisecond):
	}
}

func TestHubCancelUnsubscribe(t *testing.T) {
	hub := NewHub()
	_, stream, cancel := hub.Subscribe("acct-a", 8)
	cancel()

	select {
	case _, ok := <-stream:
		if ok {
			t.Fatalf("expected stream to be closed after cancel")
		}
	case <-time.After(200 * time.Millisecond):
		t.Fatalf("timed out waiting for stream close")
	}
}

func TestHubSlowSubscriberDoesNotBlockPublish(t *testing.T) {
	hub := NewHub()
	_, stream, cancel := hub.Subscribe("acct-a", 1)
	defer cancel()

	hub.Publish(Event{Type: TypeStatusChanged, AccountID: "acct-a"})
	hub.Publish(Event{Type: TypeStatusChanged, AccountID: "acct-a"})
	hub.Publish(Event{Type: TypeStatusChanged, AccountID: "acct-a"})

	select {
	case <-stream:
	case <-time.After(200 * time.Millisecond):
		t.Fatalf("expected at least one event in buffer")
	}
}

func TestHubPublishWithoutSubscribers(t *testing.T) {
	hub := NewHub()
	// No subscribers registered; publish must be a no-op, not a panic.
	hub.Publish(Event{Type: TypeMessageStatus, AccountID: "acct-a"})
	hub.Publish(Event{Type: TypeMessageStatus})
}
