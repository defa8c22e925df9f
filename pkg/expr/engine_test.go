package expr

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEvaluate_Literals(t *testing.T) {
	e := New()
	tests := []struct {
		expr string
		want any
	}{
		{"42", int64(42)},
		{"3.5", 3.5},
		{"'hello'", "hello"},
		{`"world"`, "world"},
		{"true", true},
		{"False", false},
		{"null", nil},
		{"None", nil},
		{"[1, 2, 3]", []any{int64(1), int64(2), int64(3)}},
		{"{'a': 1}", map[string]any{"a": int64(1)}},
	}
	for _, tt := range tests {
		t.Run(tt.expr, func(t *testing.T) {
			got, err := e.Evaluate(tt.expr, nil)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestEvaluate_Arithmetic(t *testing.T) {
	e := New()
	tests := []struct {
		expr string
		want any
	}{
		{"1 + 2", int64(3)},
		{"10 - 4", int64(6)},
		{"3 * 4", int64(12)},
		{"7 / 2", 3.5},
		{"7 // 2", int64(3)},
		{"-7 // 2", int64(-4)},
		{"7 % 3", int64(1)},
		{"2 + 3 * 4", int64(14)},
		{"(2 + 3) * 4", int64(20)},
		{"-5", int64(-5)},
		{"1.5 + 2", 3.5},
		{"'a' + 'b'", "ab"},
		{"'1' + 2", int64(3)},
		{"10 - '4'", int64(6)},
		{"'2.5' * 2", 5.0},
	}
	for _, tt := range tests {
		t.Run(tt.expr, func(t *testing.T) {
			got, err := e.Evaluate(tt.expr, nil)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestEvaluate_Comparisons(t *testing.T) {
	e := New()
	tests := []struct {
		expr string
		want bool
	}{
		{"1 < 2", true},
		{"2 <= 2", true},
		{"3 > 4", false},
		{"1 == 1.0", true},
		{"1 != 2", true},
		{"'a' < 'b'", true},
		{"2 in [1, 2, 3]", true},
		{"5 not in [1, 2, 3]", true},
		{"'ell' in 'hello'", true},
		{"'x' in {'x': 1}", true},
		{"true and false", false},
		{"true or false", true},
		{"not false", true},
		{"1 < 2 and 2 < 3", true},
	}
	for _, tt := range tests {
		t.Run(tt.expr, func(t *testing.T) {
			got, err := e.Evaluate(tt.expr, nil)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestEvaluate_Conditional(t *testing.T) {
	e := New()
	got, err := e.Evaluate("'yes' if x > 1 else 'no'", map[string]any{"x": 2})
	require.NoError(t, err)
	assert.Equal(t, "yes", got)

	got, err = e.Evaluate("'yes' if x > 1 else 'no'", map[string]any{"x": 0})
	require.NoError(t, err)
	assert.Equal(t, "no", got)
}

func TestEvaluate_ContextAccess(t *testing.T) {
	e := New()
	vars := map[string]any{
		"user":  map[string]any{"name": "Ada", "tags": []any{"a", "b"}},
		"items": []any{int64(10), int64(20)},
	}

	got, err := e.Evaluate("user.name", vars)
	require.NoError(t, err)
	assert.Equal(t, "Ada", got)

	got, err = e.Evaluate("user['name']", vars)
	require.NoError(t, err)
	assert.Equal(t, "Ada", got)

	got, err = e.Evaluate("items[1]", vars)
	require.NoError(t, err)
	assert.Equal(t, int64(20), got)

	got, err = e.Evaluate("items[-1]", vars)
	require.NoError(t, err)
	assert.Equal(t, int64(20), got)

	got, err = e.Evaluate("user.tags[0]", vars)
	require.NoError(t, err)
	assert.Equal(t, "a", got)
}

func TestEvaluate_UndefinedName(t *testing.T) {
	e := New()
	_, err := e.Evaluate("missing + 1", map[string]any{})
	var undefined *UndefinedNameError
	require.ErrorAs(t, err, &undefined)
	assert.Equal(t, "missing", undefined.Name)
}

func TestEvaluate_Builtins(t *testing.T) {
	e := New()
	tests := []struct {
		expr string
		vars map[string]any
		want any
	}{
		{"abs(-3)", nil, int64(3)},
		{"min(3, 1, 2)", nil, int64(1)},
		{"max([4, 9, 2])", nil, int64(9)},
		{"len('hello')", nil, int64(5)},
		{"len(items)", map[string]any{"items": []any{1, 2}}, int64(2)},
		{"sum([1, 2, 3])", nil, int64(6)},
		{"round(2.6)", nil, int64(3)},
		{"round(3.14159, 2)", nil, 3.14},
		{"int('42')", nil, int64(42)},
		{"float(3)", nil, 3.0},
		{"str(42)", nil, "42"},
		{"bool([])", nil, false},
		{"sorted([3, 1, 2])", nil, []any{int64(1), int64(2), int64(3)}},
		{"range(3)", nil, []any{int64(0), int64(1), int64(2)}},
		{"range(1, 7, 2)", nil, []any{int64(1), int64(3), int64(5)}},
		{"all([1, true, 'x'])", nil, true},
		{"any([0, '', 3])", nil, true},
		{"isinstance(1, 'int')", nil, true},
		{"isinstance('x', 'number')", nil, false},
	}
	for _, tt := range tests {
		t.Run(tt.expr, func(t *testing.T) {
			got, err := e.Evaluate(tt.expr, tt.vars)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestEvaluate_UnsafeExpressions(t *testing.T) {
	e := New()
	unsafe := []string{
		"__class__",
		"x.__dict__",
		"import os",
		"exec('x')",
		"eval('1')",
		"open('/etc/passwd')",
		"globals()",
		"locals()",
		"getattr(x, 'y')",
		"setattr(x, 'y', 1)",
		"file('x')",
		"input()",
	}
	for _, text := range unsafe {
		t.Run(text, func(t *testing.T) {
			_, err := e.Evaluate(text, nil)
			var unsafeErr *UnsafeExpressionError
			assert.ErrorAs(t, err, &unsafeErr)
		})
	}

	// Words containing forbidden names as substrings stay legal.
	got, err := e.Evaluate("opened + 1", map[string]any{"opened": 1})
	require.NoError(t, err)
	assert.Equal(t, int64(2), got)
}

func TestEvaluate_RuntimeErrors(t *testing.T) {
	e := New()
	for _, text := range []string{"1 / 0", "7 % 0", "'a' - 1", "[1] < [2]"} {
		t.Run(text, func(t *testing.T) {
			_, err := e.Evaluate(text, nil)
			var runtimeErr *RuntimeError
			assert.ErrorAs(t, err, &runtimeErr)
		})
	}
}

func TestEvaluate_SyntaxErrors(t *testing.T) {
	e := New()
	for _, text := range []string{"1 +", "((1)", "[1, 2", "a b", "'unterminated"} {
		t.Run(text, func(t *testing.T) {
			_, err := e.Evaluate(text, nil)
			var syntaxErr *SyntaxError
			assert.ErrorAs(t, err, &syntaxErr)
		})
	}
}

func TestEvaluate_Purity(t *testing.T) {
	e := New()
	vars := map[string]any{"x": 3, "y": []any{int64(1), int64(2)}}
	first, err := e.Evaluate("x * 2 + len(y)", vars)
	require.NoError(t, err)
	second, err := e.Evaluate("x * 2 + len(y)", vars)
	require.NoError(t, err)
	assert.Equal(t, first, second)

	// A different context must not disturb the cached compilation.
	got, err := e.Evaluate("x * 2 + len(y)", map[string]any{"x": 10, "y": []any{}})
	require.NoError(t, err)
	assert.Equal(t, int64(20), got)
}

func TestEvaluateCondition_Truthiness(t *testing.T) {
	e := New()
	tests := []struct {
		expr string
		vars map[string]any
		want bool
	}{
		{"''", nil, false},
		{"'x'", nil, true},
		{"0", nil, false},
		{"0.0", nil, false},
		{"42", nil, true},
		{"[]", nil, false},
		{"[0]", nil, true},
		{"{}", nil, false},
		{"null", nil, false},
		{"items", map[string]any{"items": []any{1}}, true},
	}
	for _, tt := range tests {
		t.Run(tt.expr, func(t *testing.T) {
			got, err := e.EvaluateCondition(tt.expr, tt.vars)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestCompileCache_LRU(t *testing.T) {
	e := New(WithCacheSize(2), WithStats())

	for i := 0; i < 3; i++ {
		_, err := e.Evaluate(fmt.Sprintf("%d + 0", i), nil)
		require.NoError(t, err)
	}
	assert.Equal(t, 2, e.CacheLen())

	stats := e.Stats()
	assert.Equal(t, uint64(3), stats.Compilations)
	assert.Equal(t, uint64(1), stats.Evictions)

	// Re-evaluating the most recent entries hits the cache.
	_, err := e.Evaluate("2 + 0", nil)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), e.Stats().CacheHits)
}

func TestEvaluateFast_MatchesSlowPath(t *testing.T) {
	e := New()
	vars := map[string]any{"n": 6}
	slow, err := e.Evaluate("n * 7", vars)
	require.NoError(t, err)
	fast, err := e.EvaluateFast("n * 7", vars)
	require.NoError(t, err)
	assert.Equal(t, slow, fast)
}

func TestEngine_ConcurrentEvaluate(t *testing.T) {
	e := New()
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				got, err := e.Evaluate("x + 1", map[string]any{"x": n})
				assert.NoError(t, err)
				assert.Equal(t, int64(n+1), got)
			}
		}(i)
	}
	wg.Wait()
}
