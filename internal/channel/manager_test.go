package channel

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/replyhub/replyhub/internal/event"
)

type fakeAdapter struct {
	Hooks
	kind Kind

	mu        sync.Mutex
	connected map[string]bool

	connectErr error
	blocked    map[string]bool
	connects   int
	sends      int
}

func newFakeAdapter(kind Kind) *fakeAdapter {
	return &fakeAdapter{kind: kind, connected: map[string]bool{}}
}

func (a *fakeAdapter) Kind() Kind { return a.kind }

func (a *fakeAdapter) Connect(ctx context.Context, account Account) error {
	a.mu.Lock()
	a.connects++
	blocked := a.blocked[account.ID]
	err := a.connectErr
	a.mu.Unlock()
	if blocked {
		<-ctx.Done()
		return ctx.Err()
	}
	if err != nil {
		return err
	}
	a.mu.Lock()
	a.connected[account.ID] = true
	a.mu.Unlock()
	return nil
}

func (a *fakeAdapter) Disconnect(ctx context.Context, accountID string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.connected, accountID)
	return nil
}

func (a *fakeAdapter) Connected(accountID string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.connected[accountID]
}

func (a *fakeAdapter) Send(ctx context.Context, accountID, recipientID string, payload OutboundPayload, opts SendOptions) (SendResult, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.sends++
	if !a.connected[accountID] {
		return SendResult{}, ErrNotConnected
	}
	return SendResult{MessageID: "srv-1"}, nil
}

type fakeAccountStore struct {
	mu       sync.Mutex
	accounts map[string]Account
	statuses map[string]Status
	details  map[string]string
	touched  map[string]int
}

func newFakeAccountStore(accounts ...Account) *fakeAccountStore {
	s := &fakeAccountStore{
		accounts: map[string]Account{},
		statuses: map[string]Status{},
		details:  map[string]string{},
		touched:  map[string]int{},
	}
	for _, a := range accounts {
		s.accounts[a.ID] = a
	}
	return s
}

func (s *fakeAccountStore) Get(ctx context.Context, accountID string) (Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	account, ok := s.accounts[accountID]
	if !ok {
		return Account{}, ErrAccountNotFound
	}
	return account, nil
}

func (s *fakeAccountStore) ListRestorable(ctx context.Context, kind Kind) ([]Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Account
	for _, a := range s.accounts {
		if a.Kind == kind {
			out = append(out, a)
		}
	}
	return out, nil
}

func (s *fakeAccountStore) UpdateStatus(ctx context.Context, accountID string, status Status, detail string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.statuses[accountID] = status
	s.details[accountID] = detail
	return nil
}

func (s *fakeAccountStore) TouchConnected(ctx context.Context, accountID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.touched[accountID]++
	return nil
}

func (s *fakeAccountStore) status(accountID string) Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.statuses[accountID]
}

type recordingProcessor struct {
	mu     sync.Mutex
	events []InboundEvent
}

func (p *recordingProcessor) Process(ctx context.Context, ev InboundEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, ev)
	return nil
}

func testManager(t *testing.T, adapter Adapter, store AccountStore) *Manager {
	t.Helper()
	registry := NewRegistry()
	registry.MustRegister(adapter)
	m := NewManager(registry, store, event.NewHub(), &recordingProcessor{}, slog.Default(), 5*time.Second)
	m.Start()
	return m
}

func TestManagerConnectSuccess(t *testing.T) {
	adapter := newFakeAdapter(KindTelegram)
	store := newFakeAccountStore(Account{ID: "acc-1", Kind: KindTelegram})
	m := testManager(t, adapter, store)

	if err := m.Connect(context.Background(), "acc-1"); err != nil {
		t.Fatalf("connect: %v", err)
	}
	if !m.Connected("acc-1") {
		t.Fatal("expected account to be connected")
	}
	if got := store.status("acc-1"); got != StatusConnected {
		t.Fatalf("expected status connected, got %s", got)
	}
	if store.touched["acc-1"] != 1 {
		t.Fatalf("expected one connect timestamp, got %d", store.touched["acc-1"])
	}
}

func TestManagerConnectFailureSetsError(t *testing.T) {
	adapter := newFakeAdapter(KindTelegram)
	adapter.connectErr = errors.New("bad token")
	store := newFakeAccountStore(Account{ID: "acc-1", Kind: KindTelegram})
	m := testManager(t, adapter, store)

	if err := m.Connect(context.Background(), "acc-1"); err == nil {
		t.Fatal("expected connect error")
	}
	if m.Connected("acc-1") {
		t.Fatal("expected account to stay disconnected")
	}
	if got := store.status("acc-1"); got != StatusError {
		t.Fatalf("expected status error, got %s", got)
	}
	if store.details["acc-1"] != "bad token" {
		t.Fatalf("expected failure detail, got %q", store.details["acc-1"])
	}
}

func TestManagerConnectTearsDownExistingSession(t *testing.T) {
	adapter := newFakeAdapter(KindTelegram)
	store := newFakeAccountStore(Account{ID: "acc-1", Kind: KindTelegram})
	m := testManager(t, adapter, store)

	if err := m.Connect(context.Background(), "acc-1"); err != nil {
		t.Fatalf("first connect: %v", err)
	}
	if err := m.Connect(context.Background(), "acc-1"); err != nil {
		t.Fatalf("second connect: %v", err)
	}
	if adapter.connects != 2 {
		t.Fatalf("expected two adapter connects, got %d", adapter.connects)
	}
	if !m.Connected("acc-1") {
		t.Fatal("expected account to be connected after reconnect")
	}
}

func TestManagerDisconnectIdempotent(t *testing.T) {
	adapter := newFakeAdapter(KindTelegram)
	store := newFakeAccountStore(Account{ID: "acc-1", Kind: KindTelegram})
	m := testManager(t, adapter, store)

	if err := m.Disconnect(context.Background(), "acc-1"); err != nil {
		t.Fatalf("disconnect without session: %v", err)
	}
	if got := store.status("acc-1"); got != StatusDisconnected {
		t.Fatalf("expected status disconnected, got %s", got)
	}
}

func TestManagerRestoreAll(t *testing.T) {
	adapter := newFakeAdapter(KindTelegram)
	store := newFakeAccountStore(
		Account{ID: "acc-1", Kind: KindTelegram},
		Account{ID: "acc-2", Kind: KindTelegram},
	)
	m := testManager(t, adapter, store)

	results := m.RestoreAll(context.Background())
	if len(results) != 2 {
		t.Fatalf("expected 2 restore results, got %d", len(results))
	}
	for _, res := range results {
		if res.Err != nil {
			t.Fatalf("restore %s: %v", res.AccountID, res.Err)
		}
	}
	if !m.Connected("acc-1") || !m.Connected("acc-2") {
		t.Fatal("expected both accounts connected after restore")
	}
}

func TestManagerRestoreAllTimeoutDoesNotBlockOthers(t *testing.T) {
	adapter := newFakeAdapter(KindTelegram)
	adapter.blocked = map[string]bool{"acc-slow": true}
	store := newFakeAccountStore(
		Account{ID: "acc-1", Kind: KindTelegram},
		Account{ID: "acc-2", Kind: KindTelegram},
		Account{ID: "acc-slow", Kind: KindTelegram},
	)
	registry := NewRegistry()
	registry.MustRegister(adapter)
	m := NewManager(registry, store, event.NewHub(), &recordingProcessor{}, slog.Default(), 50*time.Millisecond)
	m.Start()

	start := time.Now()
	results := m.RestoreAll(context.Background())
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Fatalf("restore took %v, a stalled connect must be cut by the timeout", elapsed)
	}
	if len(results) != 3 {
		t.Fatalf("expected 3 restore results, got %d", len(results))
	}
	for _, res := range results {
		if res.AccountID == "acc-slow" {
			if res.Err == nil {
				t.Fatal("expected the stalled connect to fail")
			}
			continue
		}
		if res.Err != nil {
			t.Fatalf("restore %s: %v", res.AccountID, res.Err)
		}
	}
	if !m.Connected("acc-1") || !m.Connected("acc-2") {
		t.Fatal("healthy accounts must connect despite the stalled one")
	}
	if store.status("acc-slow") != StatusError {
		t.Fatalf("stalled account status = %s, want error", store.status("acc-slow"))
	}
}

func TestManagerInboundRoutedToProcessor(t *testing.T) {
	adapter := newFakeAdapter(KindTelegram)
	store := newFakeAccountStore(Account{ID: "acc-1", Kind: KindTelegram})
	registry := NewRegistry()
	registry.MustRegister(adapter)
	processor := &recordingProcessor{}
	m := NewManager(registry, store, event.NewHub(), processor, slog.Default(), 5*time.Second)
	m.Start()

	ev := InboundEvent{Kind: KindTelegram, AccountID: "acc-1", MessageID: "m1", ChatID: "c1", Text: "hi"}
	if err := adapter.EmitInbound(context.Background(), ev); err != nil {
		t.Fatalf("emit inbound: %v", err)
	}
	processor.mu.Lock()
	defer processor.mu.Unlock()
	if len(processor.events) != 1 || processor.events[0].MessageID != "m1" {
		t.Fatalf("expected processor to receive event, got %+v", processor.events)
	}
}

func TestManagerAdapterErrorEventUpdatesStatus(t *testing.T) {
	adapter := newFakeAdapter(KindTelegram)
	store := newFakeAccountStore(Account{ID: "acc-1", Kind: KindTelegram})
	m := testManager(t, adapter, store)

	if err := m.Connect(context.Background(), "acc-1"); err != nil {
		t.Fatalf("connect: %v", err)
	}
	adapter.EmitStatus(StatusEvent{AccountID: "acc-1", Kind: KindTelegram, Status: StatusError, Detail: "socket closed"})

	if got := store.status("acc-1"); got != StatusError {
		t.Fatalf("expected status error, got %s", got)
	}
	if m.Connected("acc-1") {
		t.Fatal("expected live session entry to be cleared after error event")
	}
}
