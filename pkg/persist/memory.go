package persist

import (
	"context"
	"sync"
	"time"
)

type memoryEntry struct {
	value     any
	savedAt   time.Time
	expiresAt time.Time
}

// MemoryStore is the in-process reference adapter. Encryption hints are
// ignored; TTLs expire lazily on Load.
type MemoryStore struct {
	mu     sync.RWMutex
	scopes map[Scope]map[string]memoryEntry
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{scopes: make(map[Scope]map[string]memoryEntry)}
}

func (s *MemoryStore) Save(ctx context.Context, scope Scope, key string, value any, opts Options) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	bucket, ok := s.scopes[scope]
	if !ok {
		bucket = make(map[string]memoryEntry)
		s.scopes[scope] = bucket
	}
	entry := memoryEntry{value: value, savedAt: time.Now()}
	if opts.TTL > 0 {
		entry.expiresAt = entry.savedAt.Add(opts.TTL)
	}
	bucket[key] = entry
	return nil
}

func (s *MemoryStore) Load(ctx context.Context, scope Scope, key string) (*Entry, error) {
	s.mu.RLock()
	entry, ok := s.scopes[scope][key]
	s.mu.RUnlock()
	if !ok {
		return nil, nil
	}
	if !entry.expiresAt.IsZero() && time.Now().After(entry.expiresAt) {
		s.mu.Lock()
		delete(s.scopes[scope], key)
		s.mu.Unlock()
		return nil, nil
	}
	return &Entry{Value: entry.value, SavedAt: entry.savedAt}, nil
}

func (s *MemoryStore) Remove(ctx context.Context, scope Scope, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.scopes[scope], key)
	return nil
}

var _ Store = (*MemoryStore)(nil)
