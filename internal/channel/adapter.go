package channel

import (
	"context"
	"errors"
	"net/url"
	"sync"
)

var (
	// ErrNotConnected is returned when an operation needs a live session and none exists.
	ErrNotConnected = errors.New("channel account not connected")
	// ErrMissingCredentials is returned when the credential blob lacks a required field.
	ErrMissingCredentials = errors.New("channel credentials missing required field")
)

// InboundHandler consumes one normalized inbound event. Adapters log a non-nil
// error and keep their receive loop running; a bad event never stops the stream.
type InboundHandler func(ctx context.Context, event InboundEvent) error

// Adapter is the uniform capability set one channel kind implements. Each
// adapter privately owns its per-account session map; no session state is
// shared across adapters.
type Adapter interface {
	Kind() Kind

	// Connect establishes or re-establishes the live session for one account,
	// validating credentials against the remote platform before reporting
	// success. Reconnecting an already-connected account tears the old
	// session down first.
	Connect(ctx context.Context, account Account) error

	// Disconnect tears down the account's session. Disconnecting an account
	// without a session is a no-op.
	Disconnect(ctx context.Context, accountID string) error

	// Connected reports whether the account currently holds a live session.
	Connected(accountID string) bool

	// Send applies channel rate limits and delivers one payload, returning
	// the channel-native message identifier.
	Send(ctx context.Context, accountID, recipientID string, payload OutboundPayload, opts SendOptions) (SendResult, error)

	// OnInbound registers the single downstream handler for normalized events.
	OnInbound(handler InboundHandler)

	// OnStatus registers the listener for account status transitions.
	OnStatus(fn func(event StatusEvent))
}

// ProfileFetcher is implemented by adapters that can look up remote contact
// profiles. Lookups are best-effort; failures degrade to a nil profile.
type ProfileFetcher interface {
	FetchProfile(ctx context.Context, accountID, contactID string) (*ContactProfile, error)
}

// WebhookAdapter is implemented by push-delivery channels. HandleWebhook
// verifies the signature over the raw body before parsing; the transport call
// above it always acknowledges success regardless of the outcome here.
type WebhookAdapter interface {
	VerifyChallenge(accountID string, query url.Values) (string, error)
	HandleWebhook(ctx context.Context, accountID string, signature string, body []byte) error
}

// Hooks holds the handler registrations shared by all adapter implementations.
// Embed it and call EmitInbound / EmitStatus from the receive path.
type Hooks struct {
	mu      sync.RWMutex
	inbound InboundHandler
	status  func(event StatusEvent)
}

// OnInbound registers the inbound event handler.
func (h *Hooks) OnInbound(handler InboundHandler) {
	h.mu.Lock()
	h.inbound = handler
	h.mu.Unlock()
}

// OnStatus registers the status event listener.
func (h *Hooks) OnStatus(fn func(event StatusEvent)) {
	h.mu.Lock()
	h.status = fn
	h.mu.Unlock()
}

// EmitInbound forwards one normalized event to the registered handler.
func (h *Hooks) EmitInbound(ctx context.Context, event InboundEvent) error {
	h.mu.RLock()
	handler := h.inbound
	h.mu.RUnlock()
	if handler == nil {
		return nil
	}
	return handler(ctx, event)
}

// EmitStatus forwards one status transition to the registered listener.
func (h *Hooks) EmitStatus(event StatusEvent) {
	h.mu.RLock()
	fn := h.status
	h.mu.RUnlock()
	if fn == nil {
		return
	}
	fn(event)
}
