package persist

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEffectiveKeyPrecedence(t *testing.T) {
	tests := []struct {
		name    string
		binding Binding
		want    string
	}{
		{"explicit key wins", Binding{Name: "count", Key: "app:counter", Prefix: "pfx:"}, "app:counter"},
		{"prefix plus name", Binding{Name: "count", Prefix: "pfx:"}, "pfx:count"},
		{"bare name", Binding{Name: "count"}, "count"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.binding.EffectiveKey())
		})
	}
}

func TestRegisterValidation(t *testing.T) {
	m := NewManager(NewMemoryStore())
	assert.Error(t, m.Register(Binding{}))
	assert.Error(t, m.Register(Binding{Name: "x", Scope: "global"}))
	assert.NoError(t, m.Register(Binding{Name: "x"}))

	b, ok := m.Binding("x")
	require.True(t, ok)
	assert.Equal(t, ScopeLocal, b.Scope)
}

func TestSaveAndRestore(t *testing.T) {
	m := NewManager(NewMemoryStore())
	ctx := context.Background()

	require.NoError(t, m.Register(Binding{Name: "count", Scope: ScopeSession}))
	require.NoError(t, m.Save(ctx, "count", int64(3)))

	value, ok, err := m.Restore(ctx, "count")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, int64(3), value)
}

func TestSaveUnregisteredIsNoOp(t *testing.T) {
	m := NewManager(NewMemoryStore())
	assert.NoError(t, m.Save(context.Background(), "nobody", 1))

	_, ok, err := m.Restore(context.Background(), "nobody")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestRestoreExpiredIgnoredAndRemoved(t *testing.T) {
	store := NewMemoryStore()
	m := NewManager(store)
	ctx := context.Background()

	require.NoError(t, m.Register(Binding{Name: "flash", TTL: time.Millisecond}))
	require.NoError(t, m.Save(ctx, "flash", "hello"))
	time.Sleep(5 * time.Millisecond)

	_, ok, err := m.Restore(ctx, "flash")
	require.NoError(t, err)
	assert.False(t, ok)

	entry, err := store.Load(ctx, ScopeLocal, "flash")
	require.NoError(t, err)
	assert.Nil(t, entry)
}

func TestRestoreAll(t *testing.T) {
	m := NewManager(NewMemoryStore())
	ctx := context.Background()

	require.NoError(t, m.Register(Binding{Name: "a", Prefix: "app:"}))
	require.NoError(t, m.Register(Binding{Name: "b"}))
	require.NoError(t, m.Register(Binding{Name: "missing"}))
	require.NoError(t, m.Save(ctx, "a", "one"))
	require.NoError(t, m.Save(ctx, "b", "two"))

	restored := map[string]any{}
	m.RestoreAll(ctx, func(name string, value any) { restored[name] = value })

	assert.Equal(t, map[string]any{"a": "one", "b": "two"}, restored)
}

func TestScopesAreIsolated(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	require.NoError(t, store.Save(ctx, ScopeLocal, "k", "local-value", Options{}))
	require.NoError(t, store.Save(ctx, ScopeSession, "k", "session-value", Options{}))

	local, err := store.Load(ctx, ScopeLocal, "k")
	require.NoError(t, err)
	session, err := store.Load(ctx, ScopeSession, "k")
	require.NoError(t, err)

	assert.Equal(t, "local-value", local.Value)
	assert.Equal(t, "session-value", session.Value)
}

func TestRemove(t *testing.T) {
	m := NewManager(NewMemoryStore())
	ctx := context.Background()

	require.NoError(t, m.Register(Binding{Name: "gone"}))
	require.NoError(t, m.Save(ctx, "gone", 42))
	require.NoError(t, m.Remove(ctx, "gone"))

	_, ok, err := m.Restore(ctx, "gone")
	require.NoError(t, err)
	assert.False(t, ok)
}

type failingStore struct{ err error }

func (f failingStore) Save(context.Context, Scope, string, any, Options) error { return f.err }
func (f failingStore) Load(context.Context, Scope, string) (*Entry, error)     { return nil, f.err }
func (f failingStore) Remove(context.Context, Scope, string) error             { return f.err }

func TestStorageErrorWrapsAdapterFailure(t *testing.T) {
	cause := errors.New("disk on fire")
	m := NewManager(failingStore{err: cause})
	ctx := context.Background()

	require.NoError(t, m.Register(Binding{Name: "x", Scope: ScopeSync}))

	err := m.Save(ctx, "x", 1)
	var storageErr *StorageError
	require.ErrorAs(t, err, &storageErr)
	assert.Equal(t, "save", storageErr.Op)
	assert.Equal(t, ScopeSync, storageErr.Scope)
	assert.True(t, errors.Is(err, cause))

	// RestoreAll must swallow adapter failures
	m.RestoreAll(ctx, func(string, any) { t.Fatal("nothing should be restored") })
}
