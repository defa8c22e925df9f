package binding

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/quillframe/quill/pkg/expr"
)

func newResolver() *Resolver {
	return NewResolver(expr.New())
}

func TestApply_Identity(t *testing.T) {
	r := newResolver()

	// A single full-match expression preserves the value's type.
	assert.Equal(t, int64(42), r.Apply("{x}", map[string]any{"x": 42}))
	assert.Equal(t, []any{int64(1)}, r.Apply("{items}", map[string]any{"items": []any{int64(1)}}))
	assert.Equal(t, true, r.Apply("{flag}", map[string]any{"flag": true}))
	assert.Nil(t, r.Apply("{nothing}", map[string]any{"nothing": nil}))
}

func TestApply_Substitution(t *testing.T) {
	r := newResolver()
	vars := map[string]any{"a": 1, "b": "two"}

	assert.Equal(t, "1-two", r.Apply("{a}-{b}", vars))
	assert.Equal(t, "value: 3", r.Apply("value: {a + 2}", vars))
	assert.Equal(t, "plain text", r.Apply("plain text", vars))
}

func TestApply_FailureKeepsPlaceholder(t *testing.T) {
	r := newResolver()

	assert.Equal(t, "hello {missing}", r.Apply("hello {missing}", map[string]any{}))
	assert.Equal(t, "{1 +}", r.Apply("{1 +}", nil))

	// A failing full-match expression also keeps the original text.
	assert.Equal(t, "{missing}", r.Apply("{missing}", map[string]any{}))
}

func TestApply_LiteralBraces(t *testing.T) {
	r := newResolver()

	// Unbalanced or empty braces pass through untouched.
	assert.Equal(t, "if (x) { y }", r.Apply("if (x) { y }", map[string]any{}))
	assert.Equal(t, "{}", r.Apply("{}", nil))
	assert.Equal(t, "open { brace", r.Apply("open { brace", nil))
}

func TestApply_NestedBraces(t *testing.T) {
	r := newResolver()

	// Dict literals nest inside a binding span.
	got := r.Apply("{{'a': 1}['a']}", nil)
	assert.Equal(t, int64(1), got)
}

func TestApply_ConditionInText(t *testing.T) {
	r := newResolver()
	vars := map[string]any{"n": 5}
	assert.Equal(t, "big", r.Apply("{'big' if n > 3 else 'small'}", vars))
}

func TestApplyString(t *testing.T) {
	r := newResolver()
	assert.Equal(t, "42", r.ApplyString("{x}", map[string]any{"x": 42}))
}

func TestHasExpression(t *testing.T) {
	assert.True(t, HasExpression("{x}"))
	assert.True(t, HasExpression("a {x} b"))
	assert.False(t, HasExpression("plain"))
	assert.False(t, HasExpression("{}"))
}
