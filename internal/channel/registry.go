package channel

import (
	"errors"
	"fmt"
	"strings"
	"sync"
)

// Registry holds all registered channel adapters and resolves them by kind.
// It must be created via NewRegistry and passed explicitly to components that
// need it; there is no global registry.
type Registry struct {
	mu       sync.RWMutex
	adapters map[Kind]Adapter
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{
		adapters: map[Kind]Adapter{},
	}
}

// Register adds an adapter to the registry.
func (r *Registry) Register(adapter Adapter) error {
	if adapter == nil {
		return errors.New("adapter is nil")
	}
	kind := normalizeKind(adapter.Kind().String())
	if kind == "" {
		return errors.New("channel kind is required")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.adapters[kind]; exists {
		return fmt.Errorf("channel kind already registered: %s", kind)
	}
	r.adapters[kind] = adapter
	return nil
}

// MustRegister calls Register and panics on error.
func (r *Registry) MustRegister(adapter Adapter) {
	if err := r.Register(adapter); err != nil {
		panic(err)
	}
}

// Get returns the adapter for the given channel kind.
func (r *Registry) Get(kind Kind) (Adapter, bool) {
	normalized := normalizeKind(kind.String())
	r.mu.RLock()
	defer r.mu.RUnlock()
	adapter, ok := r.adapters[normalized]
	return adapter, ok
}

// List returns all registered adapters.
func (r *Registry) List() []Adapter {
	r.mu.RLock()
	defer r.mu.RUnlock()
	items := make([]Adapter, 0, len(r.adapters))
	for _, a := range r.adapters {
		items = append(items, a)
	}
	return items
}

// Kinds returns all registered channel kinds.
func (r *Registry) Kinds() []Kind {
	r.mu.RLock()
	defer r.mu.RUnlock()
	items := make([]Kind, 0, len(r.adapters))
	for kind := range r.adapters {
		items = append(items, kind)
	}
	return items
}

// ParseKind validates and normalizes a raw string into a registered Kind.
func (r *Registry) ParseKind(raw string) (Kind, error) {
	kind := normalizeKind(raw)
	if kind == "" {
		return "", fmt.Errorf("unsupported channel kind: %s", raw)
	}
	if _, ok := r.Get(kind); !ok {
		return "", fmt.Errorf("unsupported channel kind: %s", raw)
	}
	return kind, nil
}

// ProfileFetcher returns the ProfileFetcher for the given kind if the adapter supports it.
func (r *Registry) ProfileFetcher(kind Kind) (ProfileFetcher, bool) {
	adapter, ok := r.Get(kind)
	if !ok {
		return nil, false
	}
	fetcher, ok := adapter.(ProfileFetcher)
	return fetcher, ok
}

// WebhookAdapter returns the WebhookAdapter for the given kind if the adapter supports push delivery.
func (r *Registry) WebhookAdapter(kind Kind) (WebhookAdapter, bool) {
	adapter, ok := r.Get(kind)
	if !ok {
		return nil, false
	}
	receiver, ok := adapter.(WebhookAdapter)
	return receiver, ok
}

func normalizeKind(raw string) Kind {
	normalized := strings.TrimSpace(strings.ToLower(raw))
	if normalized == "" {
		return ""
	}
	return Kind(normalized)
}
