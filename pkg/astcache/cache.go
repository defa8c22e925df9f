// Package astcache caches parsed ASTs keyed by canonical file path, with
// mtime+size validation, strict LRU eviction, dependency-aware invalidation
// and optional fsnotify-driven invalidation.
package astcache

import (
	"crypto/sha256"
	"encoding/hex"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/quillframe/quill/pkg/ast"
	"github.com/quillframe/quill/pkg/logger"
)

const DefaultMaxSize = 100

// ParseFunc parses source content into an AST root.
type ParseFunc func(content string) (ast.Node, error)

// Entry is one cached AST with its validation and bookkeeping fields.
type Entry struct {
	AST          ast.Node
	ModTime      time.Time
	Size         int64
	ContentHash  string
	CreatedAt    time.Time
	LastAccessed time.Time
	AccessCount  int64

	seq uint64 // monotonic access ordinal, drives LRU
}

// Stats is a point-in-time snapshot of cache counters.
type Stats struct {
	Size      int
	Hits      int64
	Misses    int64
	Evictions int64
}

// Cache is safe for concurrent use. All mutations run under one lock; the
// parse call itself is held under the lock, which keeps the design simple at
// the cost of serializing parses of distinct files.
type Cache struct {
	mu          sync.Mutex
	maxSize     int
	hashContent bool
	entries     map[string]*Entry
	importers   map[string]map[string]bool // importee -> importers
	seq         uint64
	hits        int64
	misses      int64
	evictions   int64

	watcher *fsnotify.Watcher
	done    chan struct{}
	log     *slog.Logger
}

type Option func(*Cache)

// WithMaxSize bounds the number of resident entries.
func WithMaxSize(n int) Option {
	return func(c *Cache) { c.maxSize = n }
}

// WithContentHash enables sha256 content validation in addition to
// mtime+size.
func WithContentHash() Option {
	return func(c *Cache) { c.hashContent = true }
}

func New(opts ...Option) *Cache {
	c := &Cache{
		maxSize:   DefaultMaxSize,
		entries:   map[string]*Entry{},
		importers: map[string]map[string]bool{},
		log:       logger.GetLogger("astcache"),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// GetOrParse returns the cached AST for path when mtime and size still match
// the file, otherwise parses, stores and returns a fresh one. When content is
// non-empty it is parsed instead of reading the file.
func (c *Cache) GetOrParse(path string, parse ParseFunc, content string) (ast.Node, error) {
	key, err := canonical(path)
	if err != nil {
		return nil, err
	}
	info, statErr := os.Stat(key)

	c.mu.Lock()
	defer c.mu.Unlock()

	if entry, ok := c.entries[key]; ok && statErr == nil && c.valid(entry, info, key) {
		c.hits++
		c.touch(entry)
		return entry.AST, nil
	}
	c.misses++

	if content == "" {
		if statErr != nil {
			return nil, statErr
		}
		raw, err := os.ReadFile(key)
		if err != nil {
			return nil, err
		}
		content = string(raw)
	}

	node, err := parse(content)
	if err != nil {
		return nil, err
	}

	entry := &Entry{AST: node, CreatedAt: time.Now()}
	if statErr == nil {
		entry.ModTime = info.ModTime()
		entry.Size = info.Size()
	}
	if c.hashContent {
		sum := sha256.Sum256([]byte(content))
		entry.ContentHash = hex.EncodeToString(sum[:])
	}
	c.touch(entry)
	c.entries[key] = entry
	c.evictOver()

	if c.watcher != nil {
		_ = c.watcher.Add(key)
	}
	return node, nil
}

// Get returns the cached AST without validation or parsing.
func (c *Cache) Get(path string) (ast.Node, bool) {
	key, err := canonical(path)
	if err != nil {
		return nil, false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	entry, ok := c.entries[key]
	if !ok {
		return nil, false
	}
	c.touch(entry)
	return entry.AST, true
}

// Invalidate drops the entry for path and, recursively, every document
// registered as depending on it.
func (c *Cache) Invalidate(path string) {
	key, err := canonical(path)
	if err != nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.invalidateLocked(key, map[string]bool{})
}

func (c *Cache) invalidateLocked(key string, seen map[string]bool) {
	if seen[key] {
		return
	}
	seen[key] = true
	delete(c.entries, key)
	for importer := range c.importers[key] {
		c.invalidateLocked(importer, seen)
	}
}

// InvalidateAll drops every entry.
func (c *Cache) InvalidateAll() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = map[string]*Entry{}
}

// RegisterDependency records that importer's AST embeds importee, so
// invalidating importee also invalidates importer.
func (c *Cache) RegisterDependency(importer, importee string) {
	ikey, err1 := canonical(importer)
	ekey, err2 := canonical(importee)
	if err1 != nil || err2 != nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	set, ok := c.importers[ekey]
	if !ok {
		set = map[string]bool{}
		c.importers[ekey] = set
	}
	set[ikey] = true
}

func (c *Cache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Stats{Size: len(c.entries), Hits: c.hits, Misses: c.misses, Evictions: c.evictions}
}

// Watch starts an fsnotify watcher that invalidates entries when their
// backing files change. Files cached after Watch are added automatically.
func (c *Cache) Watch() error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	c.mu.Lock()
	c.watcher = w
	for key := range c.entries {
		_ = w.Add(key)
	}
	c.done = make(chan struct{})
	done := c.done
	c.mu.Unlock()

	go func() {
		for {
			select {
			case ev, ok := <-w.Events:
				if !ok {
					return
				}
				if ev.Op&(fsnotify.Write|fsnotify.Remove|fsnotify.Rename|fsnotify.Create) != 0 {
					c.log.Debug("invalidating on file change", "path", ev.Name)
					c.Invalidate(ev.Name)
				}
			case err, ok := <-w.Errors:
				if !ok {
					return
				}
				c.log.Warn("watcher error", "error", err)
			case <-done:
				return
			}
		}
	}()
	return nil
}

// Close stops the watcher, if running.
func (c *Cache) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.watcher == nil {
		return nil
	}
	close(c.done)
	err := c.watcher.Close()
	c.watcher = nil
	return err
}

func (c *Cache) valid(entry *Entry, info os.FileInfo, key string) bool {
	if !entry.ModTime.Equal(info.ModTime()) || entry.Size != info.Size() {
		return false
	}
	if c.hashContent {
		raw, err := os.ReadFile(key)
		if err != nil {
			return false
		}
		sum := sha256.Sum256(raw)
		if hex.EncodeToString(sum[:]) != entry.ContentHash {
			return false
		}
	}
	return true
}

func (c *Cache) touch(entry *Entry) {
	c.seq++
	entry.seq = c.seq
	entry.LastAccessed = time.Now()
	entry.AccessCount++
}

func (c *Cache) evictOver() {
	for len(c.entries) > c.maxSize {
		var oldestKey string
		var oldestSeq uint64
		for key, entry := range c.entries {
			if oldestKey == "" || entry.seq < oldestSeq {
				oldestKey = key
				oldestSeq = entry.seq
			}
		}
		delete(c.entries, oldestKey)
		c.evictions++
	}
}

func canonical(path string) (string, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", err
	}
	return filepath.Clean(abs), nil
}
