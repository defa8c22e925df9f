// Package persist mirrors declared variables to an external storage adapter.
// The core computes effective keys and TTL expiry; actual storage, encryption
// and the meaning of the sync scope belong to the adapter.
package persist

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/quillframe/quill/pkg/logger"
)

// Scope selects the adapter storage class.
type Scope string

const (
	ScopeLocal   Scope = "local"
	ScopeSession Scope = "session"
	ScopeSync    Scope = "sync"
)

// ValidScope reports whether s is one of the recognized scopes.
func ValidScope(s string) bool {
	switch Scope(s) {
	case ScopeLocal, ScopeSession, ScopeSync:
		return true
	}
	return false
}

// Options carries per-save adapter hints.
type Options struct {
	TTL     time.Duration
	Encrypt bool
}

// Entry is a stored value with its save time, which drives TTL expiry on
// restore.
type Entry struct {
	Value   any
	SavedAt time.Time
}

// Store is the external storage adapter contract. Load returns nil when the
// key is absent.
type Store interface {
	Save(ctx context.Context, scope Scope, key string, value any, opts Options) error
	Load(ctx context.Context, scope Scope, key string) (*Entry, error)
	Remove(ctx context.Context, scope Scope, key string) error
}

// StorageError wraps an adapter failure with the operation that hit it.
type StorageError struct {
	Op    string
	Scope Scope
	Key   string
	Err   error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("storage %s failed for %s/%s: %v", e.Op, e.Scope, e.Key, e.Err)
}

func (e *StorageError) Unwrap() error { return e.Err }

// Binding declares one variable to mirror. Key beats Prefix+Name beats Name.
type Binding struct {
	Name    string
	Scope   Scope
	Key     string
	Prefix  string
	TTL     time.Duration
	Encrypt bool
}

// EffectiveKey resolves the storage key for the binding.
func (b Binding) EffectiveKey() string {
	if b.Key != "" {
		return b.Key
	}
	if b.Prefix != "" {
		return b.Prefix + b.Name
	}
	return b.Name
}

// Manager tracks the bindings of one execution context and routes saves and
// restores through the adapter.
type Manager struct {
	mu       sync.RWMutex
	store    Store
	bindings map[string]Binding
	log      *slog.Logger
}

func NewManager(store Store) *Manager {
	return &Manager{
		store:    store,
		bindings: make(map[string]Binding),
		log:      logger.GetLogger("persist"),
	}
}

// Register declares a variable for persistence. Later registrations for the
// same name replace earlier ones.
func (m *Manager) Register(b Binding) error {
	if b.Name == "" {
		return fmt.Errorf("persist binding requires a variable name")
	}
	if b.Scope == "" {
		b.Scope = ScopeLocal
	}
	if !ValidScope(string(b.Scope)) {
		return fmt.Errorf("unknown persist scope %q (expected local, session or sync)", b.Scope)
	}
	m.mu.Lock()
	m.bindings[b.Name] = b
	m.mu.Unlock()
	return nil
}

// Binding returns the registered binding for a variable name.
func (m *Manager) Binding(name string) (Binding, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	b, ok := m.bindings[name]
	return b, ok
}

// Save mirrors a new value for a registered variable. Unregistered names are
// a no-op so callers can invoke it unconditionally after assignment.
func (m *Manager) Save(ctx context.Context, name string, value any) error {
	b, ok := m.Binding(name)
	if !ok {
		return nil
	}
	opts := Options{TTL: b.TTL, Encrypt: b.Encrypt}
	if err := m.store.Save(ctx, b.Scope, b.EffectiveKey(), value, opts); err != nil {
		return &StorageError{Op: "save", Scope: b.Scope, Key: b.EffectiveKey(), Err: err}
	}
	return nil
}

// Restore loads one registered variable. The second return is false when the
// key is absent, expired or unregistered. Expired entries are removed.
func (m *Manager) Restore(ctx context.Context, name string) (any, bool, error) {
	b, ok := m.Binding(name)
	if !ok {
		return nil, false, nil
	}
	entry, err := m.store.Load(ctx, b.Scope, b.EffectiveKey())
	if err != nil {
		return nil, false, &StorageError{Op: "load", Scope: b.Scope, Key: b.EffectiveKey(), Err: err}
	}
	if entry == nil {
		return nil, false, nil
	}
	if b.TTL > 0 && time.Since(entry.SavedAt) > b.TTL {
		if err := m.store.Remove(ctx, b.Scope, b.EffectiveKey()); err != nil {
			m.log.Warn("failed to remove expired entry", "scope", b.Scope, "key", b.EffectiveKey(), "error", err)
		}
		return nil, false, nil
	}
	return entry.Value, true, nil
}

// RestoreAll loads every registered variable at context creation, invoking
// set for each restored value. Adapter failures are logged and skipped so a
// broken store cannot block rendering.
func (m *Manager) RestoreAll(ctx context.Context, set func(name string, value any)) {
	m.mu.RLock()
	names := make([]string, 0, len(m.bindings))
	for name := range m.bindings {
		names = append(names, name)
	}
	m.mu.RUnlock()

	for _, name := range names {
		value, ok, err := m.Restore(ctx, name)
		if err != nil {
			m.log.Warn("restore failed", "variable", name, "error", err)
			continue
		}
		if ok {
			set(name, value)
		}
	}
}

// Remove deletes the stored value for a registered variable.
func (m *Manager) Remove(ctx context.Context, name string) error {
	b, ok := m.Binding(name)
	if !ok {
		return nil
	}
	if err := m.store.Remove(ctx, b.Scope, b.EffectiveKey()); err != nil {
		return &StorageError{Op: "remove", Scope: b.Scope, Key: b.EffectiveKey(), Err: err}
	}
	return nil
}
