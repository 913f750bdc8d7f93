package channel

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/replyhub/replyhub/internal/event"
)

// ErrAccountNotFound is returned when the requested account does not exist.
var ErrAccountNotFound = errors.New("account not found")

// AccountStore is the persistence surface the manager needs for account
// lifecycle. The accounts package provides the pgx-backed implementation.
type AccountStore interface {
	Get(ctx context.Context, accountID string) (Account, error)
	ListRestorable(ctx context.Context, kind Kind) ([]Account, error)
	UpdateStatus(ctx context.Context, accountID string, status Status, detail string) error
	TouchConnected(ctx context.Context, accountID string) error
}

// InboundProcessor consumes normalized inbound events. The inbound package
// provides the implementation that persists and fans out messages.
type InboundProcessor interface {
	Process(ctx context.Context, ev InboundEvent) error
}

// RestoreResult reports the outcome of restoring one account at startup.
type RestoreResult struct {
	AccountID string
	Kind      Kind
	Err       error
}

// Manager owns account session lifecycle across all registered adapters. It
// mediates between the persisted account state and the live adapter sessions,
// persisting status transitions and publishing them to the event hub.
type Manager struct {
	registry       *Registry
	store          AccountStore
	events         event.Publisher
	processor      InboundProcessor
	logger         *slog.Logger
	connectTimeout time.Duration

	mu   sync.Mutex
	live map[string]Kind
}

// NewManager creates a Manager. Call Start before connecting accounts so that
// adapter callbacks are wired.
func NewManager(registry *Registry, store AccountStore, events event.Publisher, processor InboundProcessor, logger *slog.Logger, connectTimeout time.Duration) *Manager {
	if connectTimeout <= 0 {
		connectTimeout = 30 * time.Second
	}
	return &Manager{
		registry:       registry,
		store:          store,
		events:         events,
		processor:      processor,
		logger:         logger,
		connectTimeout: connectTimeout,
		live:           map[string]Kind{},
	}
}

// Start registers inbound and status callbacks on every adapter in the
// registry. Must be called once before Connect or RestoreAll.
func (m *Manager) Start() {
	for _, adapter := range m.registry.List() {
		adapter.OnInbound(m.handleInbound)
		adapter.OnStatus(m.handleStatus)
	}
}

// Connect brings the account's session up. If a session is already live it is
// torn down first so a fresh connect always starts clean. The account moves
// through connecting to either connected or error.
func (m *Manager) Connect(ctx context.Context, accountID string) error {
	account, err := m.store.Get(ctx, accountID)
	if err != nil {
		return fmt.Errorf("load account: %w", err)
	}
	adapter, ok := m.registry.Get(account.Kind)
	if !ok {
		return fmt.Errorf("unsupported channel kind: %s", account.Kind)
	}

	if adapter.Connected(accountID) {
		if err := adapter.Disconnect(ctx, accountID); err != nil {
			m.logger.Warn("disconnect before reconnect failed",
				"account_id", accountID, "error", err)
		}
	}

	m.setStatus(ctx, accountID, account.Kind, StatusConnecting, "")

	connectCtx, cancel := context.WithTimeout(ctx, m.connectTimeout)
	defer cancel()
	if err := adapter.Connect(connectCtx, account); err != nil {
		m.setStatus(ctx, accountID, account.Kind, StatusError, err.Error())
		return fmt.Errorf("connect %s account: %w", account.Kind, err)
	}

	m.mu.Lock()
	m.live[accountID] = account.Kind
	m.mu.Unlock()

	m.setStatus(ctx, accountID, account.Kind, StatusConnected, "")
	if err := m.store.TouchConnected(ctx, accountID); err != nil {
		m.logger.Warn("record connect time failed", "account_id", accountID, "error", err)
	}
	return nil
}

// Disconnect tears the session down. Disconnecting an account without a live
// session is a no-op that still normalizes the persisted status.
func (m *Manager) Disconnect(ctx context.Context, accountID string) error {
	account, err := m.store.Get(ctx, accountID)
	if err != nil {
		return fmt.Errorf("load account: %w", err)
	}
	adapter, ok := m.registry.Get(account.Kind)
	if !ok {
		return fmt.Errorf("unsupported channel kind: %s", account.Kind)
	}

	if adapter.Connected(accountID) {
		if err := adapter.Disconnect(ctx, accountID); err != nil {
			m.logger.Warn("adapter disconnect failed", "account_id", accountID, "error", err)
		}
	}

	m.mu.Lock()
	delete(m.live, accountID)
	m.mu.Unlock()

	m.setStatus(ctx, accountID, account.Kind, StatusDisconnected, "")
	return nil
}

// Reconnect is an explicit operator action to recover an account from the
// error state. It is a plain Connect; no automatic retry loop exists.
func (m *Manager) Reconnect(ctx context.Context, accountID string) error {
	return m.Connect(ctx, accountID)
}

// Connected reports whether the account has a live adapter session.
func (m *Manager) Connected(accountID string) bool {
	m.mu.Lock()
	kind, ok := m.live[accountID]
	m.mu.Unlock()
	if !ok {
		return false
	}
	adapter, ok := m.registry.Get(kind)
	if !ok {
		return false
	}
	return adapter.Connected(accountID)
}

// RestoreAll reconnects every restorable account at startup. Restores run in
// parallel with the manager's per-connect timeout; one account failing never
// blocks the rest. Accounts left in the error state stay there until an
// operator reconnects them.
func (m *Manager) RestoreAll(ctx context.Context) []RestoreResult {
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		results []RestoreResult
	)
	for _, kind := range m.registry.Kinds() {
		accounts, err := m.store.ListRestorable(ctx, kind)
		if err != nil {
			m.logger.Error("list restorable accounts failed", "kind", kind, "error", err)
			continue
		}
		for _, account := range accounts {
			wg.Add(1)
			go func(account Account) {
				defer wg.Done()
				err := m.Connect(ctx, account.ID)
				if err != nil {
					m.logger.Warn("restore account failed",
						"account_id", account.ID, "kind", account.Kind, "error", err)
				} else {
					m.logger.Info("restored account",
						"account_id", account.ID, "kind", account.Kind)
				}
				mu.Lock()
				results = append(results, RestoreResult{AccountID: account.ID, Kind: account.Kind, Err: err})
				mu.Unlock()
			}(account)
		}
	}
	wg.Wait()
	return results
}

// Shutdown disconnects all live sessions. Persisted statuses are left as
// connected so RestoreAll picks the accounts up on the next start.
func (m *Manager) Shutdown(ctx context.Context) {
	m.mu.Lock()
	sessions := make(map[string]Kind, len(m.live))
	for id, kind := range m.live {
		sessions[id] = kind
	}
	m.live = map[string]Kind{}
	m.mu.Unlock()

	for accountID, kind := range sessions {
		adapter, ok := m.registry.Get(kind)
		if !ok {
			continue
		}
		if err := adapter.Disconnect(ctx, accountID); err != nil {
			m.logger.Warn("shutdown disconnect failed", "account_id", accountID, "error", err)
		}
	}
}

// handleInbound feeds adapter events into the processor synchronously. The
// adapter's receive loop is the per-account serialization point, so processing
// inline preserves per-conversation ordering.
func (m *Manager) handleInbound(ctx context.Context, ev InboundEvent) error {
	if m.processor == nil {
		return nil
	}
	if err := m.processor.Process(ctx, ev); err != nil {
		m.logger.Error("process inbound message failed",
			"account_id", ev.AccountID, "kind", ev.Kind,
			"channel_message_id", ev.MessageID, "error", err)
		return err
	}
	return nil
}

// handleStatus reacts to adapter-originated status changes, typically a live
// session dropping into error after a transport fault.
func (m *Manager) handleStatus(ev StatusEvent) {
	ctx := context.Background()
	if ev.Status == StatusError || ev.Status == StatusDisconnected {
		m.mu.Lock()
		delete(m.live, ev.AccountID)
		m.mu.Unlock()
	}
	m.setStatus(ctx, ev.AccountID, ev.Kind, ev.Status, ev.Detail)
}

type statusPayload struct {
	AccountID string `json:"accountId"`
	Kind      string `json:"kind"`
	Status    string `json:"status"`
	Detail    string `json:"detail,omitempty"`
}

func (m *Manager) setStatus(ctx context.Context, accountID string, kind Kind, status Status, detail string) {
	if err := m.store.UpdateStatus(ctx, accountID, status, detail); err != nil {
		m.logger.Error("persist account status failed",
			"account_id", accountID, "status", status, "error", err)
	}
	m.logger.Info("account status changed",
		"account_id", accountID, "kind", kind, "status", status, "detail", detail)
	if m.events != nil {
		m.events.Publish(event.Event{
			Type:      event.TypeStatusChanged,
			AccountID: accountID,
			Data: event.Marshal(statusPayload{
				AccountID: accountID,
				Kind:      kind.String(),
				Status:    status.String(),
				Detail:    detail,
			}),
		})
	}
}
