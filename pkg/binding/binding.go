// Package binding implements the {expr} databinding substitution used in
// document text and attribute values. A string that is exactly one {expr}
// returns the evaluated value unchanged; otherwise each {expr} occurrence is
// replaced by its stringified value. Failed expressions keep their original
// placeholder so template errors degrade visibly instead of raising.
package binding

import (
	"strings"

	"github.com/quillframe/quill/pkg/expr"
	"github.com/quillframe/quill/pkg/value"
)

// Resolver applies databinding using a shared expression engine.
type Resolver struct {
	engine *expr.Engine
}

// NewResolver creates a resolver over the given engine.
func NewResolver(engine *expr.Engine) *Resolver {
	return &Resolver{engine: engine}
}

// Engine exposes the underlying expression engine.
func (r *Resolver) Engine() *expr.Engine { return r.engine }

// Apply resolves all {expr} occurrences in text against vars. A full-match
// single expression preserves the evaluated value's type.
func (r *Resolver) Apply(text string, vars map[string]any) any {
	spans := findSpans(text)
	if len(spans) == 0 {
		return text
	}
	if len(spans) == 1 && spans[0].start == 0 && spans[0].end == len(text) {
		result, err := r.engine.Evaluate(spans[0].inner(text), vars)
		if err != nil {
			return text
		}
		return result
	}
	var sb strings.Builder
	last := 0
	for _, span := range spans {
		sb.WriteString(text[last:span.start])
		result, err := r.engine.Evaluate(span.inner(text), vars)
		if err != nil {
			sb.WriteString(text[span.start:span.end])
		} else {
			sb.WriteString(value.Stringify(result))
		}
		last = span.end
	}
	sb.WriteString(text[last:])
	return sb.String()
}

// ApplyString is Apply with the result stringified.
func (r *Resolver) ApplyString(text string, vars map[string]any) string {
	return value.Stringify(r.Apply(text, vars))
}

// HasExpression reports whether text contains at least one {expr} span.
func HasExpression(text string) bool {
	return len(findSpans(text)) > 0
}

type span struct{ start, end int }

func (s span) inner(text string) string { return text[s.start+1 : s.end-1] }

// findSpans locates top-level {...} spans, tracking nested braces (dict
// literals) and quoted strings so embedded braces do not terminate a span.
// Unbalanced opens are treated as literal text.
func findSpans(text string) []span {
	var spans []span
	for i := 0; i < len(text); i++ {
		if text[i] != '{' {
			continue
		}
		depth := 0
		quote := byte(0)
		end := -1
		for j := i; j < len(text); j++ {
			c := text[j]
			if quote != 0 {
				if c == '\\' {
					j++
				} else if c == quote {
					quote = 0
				}
				continue
			}
			switch c {
			case '\'', '"':
				quote = c
			case '{':
				depth++
			case '}':
				depth--
				if depth == 0 {
					end = j + 1
				}
			}
			if end >= 0 {
				break
			}
		}
		if end < 0 {
			break
		}
		if end-i > 2 { // skip empty {}
			spans = append(spans, span{start: i, end: end})
		}
		i = end - 1
	}
	return spans
}
