// Package expr compiles and evaluates the restricted databinding expression
// language. Expressions are pure with respect to their context map: the same
// text and context always produce the same result. Compilation is memoized by
// expression text in a thread-safe LRU cache.
package expr

import (
	"regexp"
	"sync"
	"sync/atomic"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/quillframe/quill/pkg/value"
)

const DefaultCacheSize = 1000

// forbiddenPattern matches constructs that must never reach the compiler.
// Dunder names are rejected wholesale; the named functions are rejected as
// whole words so identifiers like "opened" stay legal.
var forbiddenPattern = regexp.MustCompile(
	`__|\b(import|exec|eval|open|globals|locals|getattr|setattr|file|input)\b`)

// Compiled is an opaque compiled expression, safe for concurrent evaluation.
type Compiled struct {
	text string
	root node
}

// Text returns the source text the expression was compiled from.
func (c *Compiled) Text() string { return c.text }

// Stats reports engine counters. Collection is off unless EnableStats is set.
type Stats struct {
	CacheHits    uint64
	CacheMisses  uint64
	Compilations uint64
	Evaluations  uint64
	Evictions    uint64
	CompileTime  time.Duration
	EvalTime     time.Duration
}

// Engine caches compiled expressions and evaluates them against caller
// contexts. Safe for concurrent use.
type Engine struct {
	cache       *lru.Cache[string, *Compiled]
	enableStats atomic.Bool

	evictions uint64

	mu    sync.Mutex
	stats Stats
}

// Option configures an Engine.
type Option func(*engineOptions)

type engineOptions struct {
	cacheSize int
	stats     bool
}

// WithCacheSize sets the compile cache capacity.
func WithCacheSize(n int) Option {
	return func(o *engineOptions) {
		if n > 0 {
			o.cacheSize = n
		}
	}
}

// WithStats enables statistics collection from the start.
func WithStats() Option {
	return func(o *engineOptions) { o.stats = true }
}

// New creates an expression engine.
func New(opts ...Option) *Engine {
	options := engineOptions{cacheSize: DefaultCacheSize}
	for _, opt := range opts {
		opt(&options)
	}
	e := &Engine{}
	cache, _ := lru.NewWithEvict[string, *Compiled](options.cacheSize, func(string, *Compiled) {
		atomic.AddUint64(&e.evictions, 1)
	})
	e.cache = cache
	e.enableStats.Store(options.stats)
	return e
}

// EnableStats toggles statistics collection.
func (e *Engine) EnableStats(on bool) { e.enableStats.Store(on) }

// Stats returns a snapshot of the collected counters.
func (e *Engine) Stats() Stats {
	e.mu.Lock()
	defer e.mu.Unlock()
	snapshot := e.stats
	snapshot.Evictions = atomic.LoadUint64(&e.evictions)
	return snapshot
}

// Compile returns the cached compiled form for text, compiling on miss. The
// safety scan runs before compilation and rejects forbidden constructs with
// UnsafeExpressionError.
func (e *Engine) Compile(text string) (*Compiled, error) {
	if compiled, ok := e.cache.Get(text); ok {
		if e.enableStats.Load() {
			e.mu.Lock()
			e.stats.CacheHits++
			e.mu.Unlock()
		}
		return compiled, nil
	}
	if loc := forbiddenPattern.FindString(text); loc != "" {
		return nil, &UnsafeExpressionError{Expr: text, Token: loc}
	}
	start := time.Now()
	root, err := parse(text)
	if err != nil {
		return nil, err
	}
	compiled := &Compiled{text: text, root: root}
	e.cache.Add(text, compiled)
	if e.enableStats.Load() {
		e.mu.Lock()
		e.stats.CacheMisses++
		e.stats.Compilations++
		e.stats.CompileTime += time.Since(start)
		e.mu.Unlock()
	}
	return compiled, nil
}

// Evaluate compiles (or fetches) text and evaluates it against vars.
func (e *Engine) Evaluate(text string, vars map[string]any) (any, error) {
	compiled, err := e.Compile(text)
	if err != nil {
		return nil, err
	}
	start := time.Now()
	result, err := compiled.root.eval(&env{vars: vars})
	if e.enableStats.Load() {
		e.mu.Lock()
		e.stats.Evaluations++
		e.stats.EvalTime += time.Since(start)
		e.mu.Unlock()
	}
	return result, err
}

// EvaluateCondition evaluates text and coerces the result to a boolean using
// container/number/string truthiness.
func (e *Engine) EvaluateCondition(text string, vars map[string]any) (bool, error) {
	result, err := e.Evaluate(text, vars)
	if err != nil {
		return false, err
	}
	return value.Truthy(result), nil
}

// EvaluateFast is the hot-loop path: no stats, no safety re-scan for cached
// expressions, no timing. Uncached expressions fall back to Compile.
func (e *Engine) EvaluateFast(text string, vars map[string]any) (any, error) {
	compiled, ok := e.cache.Get(text)
	if !ok {
		var err error
		compiled, err = e.Compile(text)
		if err != nil {
			return nil, err
		}
	}
	return compiled.root.eval(&env{vars: vars})
}

// CacheLen reports the number of resident compiled expressions.
func (e *Engine) CacheLen() int { return e.cache.Len() }

// PurgeCache drops all compiled expressions.
func (e *Engine) PurgeCache() { e.cache.Purge() }
