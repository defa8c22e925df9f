// Package value defines the dynamic value model shared by the expression
// engine, databinding, and the statement interpreter. A context value is one
// of: nil, bool, int64, float64, string, []any, map[string]any, or an opaque
// handle implementing Attributer (query results, broker messages, and similar
// collaborator results).
package value

import (
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"
)

// Kind classifies a context value.
type Kind int

const (
	KindNull Kind = iota
	KindBool
	KindInt
	KindFloat
	KindString
	KindList
	KindMap
	KindOpaque
)

func (k Kind) String() string {
	switch k {
	case KindNull:
		return "null"
	case KindBool:
		return "bool"
	case KindInt:
		return "int"
	case KindFloat:
		return "float"
	case KindString:
		return "string"
	case KindList:
		return "list"
	case KindMap:
		return "map"
	default:
		return "opaque"
	}
}

// Attributer is implemented by opaque handles that expose named attributes to
// expressions (for example QueryResult.data).
type Attributer interface {
	Attr(name string) (any, bool)
}

// KindOf normalizes a Go value into its Kind. Unrecognized types are opaque.
func KindOf(v any) Kind {
	switch Normalize(v).(type) {
	case nil:
		return KindNull
	case bool:
		return KindBool
	case int64:
		return KindInt
	case float64:
		return KindFloat
	case string:
		return KindString
	case []any:
		return KindList
	case map[string]any:
		return KindMap
	default:
		return KindOpaque
	}
}

// Normalize collapses the host language's numeric zoo into int64/float64 and
// leaves everything else alone.
func Normalize(v any) any {
	switch n := v.(type) {
	case int:
		return int64(n)
	case int8:
		return int64(n)
	case int16:
		return int64(n)
	case int32:
		return int64(n)
	case uint:
		return int64(n)
	case uint8:
		return int64(n)
	case uint16:
		return int64(n)
	case uint32:
		return int64(n)
	case uint64:
		return int64(n)
	case float32:
		return float64(n)
	case []string:
		out := make([]any, len(n))
		for i, s := range n {
			out[i] = s
		}
		return out
	case []map[string]any:
		out := make([]any, len(n))
		for i, m := range n {
			out[i] = m
		}
		return out
	default:
		return v
	}
}

// Truthy applies container/number/string truthiness: non-empty containers,
// non-zero numbers, non-empty strings and non-nil opaques are true.
func Truthy(v any) bool {
	switch n := Normalize(v).(type) {
	case nil:
		return false
	case bool:
		return n
	case int64:
		return n != 0
	case float64:
		return n != 0
	case string:
		return n != ""
	case []any:
		return len(n) > 0
	case map[string]any:
		return len(n) > 0
	default:
		return true
	}
}

// Stringify renders a value for text substitution. Floats drop a trailing
// ".0" so integer-valued arithmetic reads naturally in output.
func Stringify(v any) string {
	switch n := Normalize(v).(type) {
	case nil:
		return ""
	case bool:
		if n {
			return "true"
		}
		return "false"
	case int64:
		return strconv.FormatInt(n, 10)
	case float64:
		if n == math.Trunc(n) && !math.IsInf(n, 0) && math.Abs(n) < 1e15 {
			return strconv.FormatInt(int64(n), 10)
		}
		return strconv.FormatFloat(n, 'g', -1, 64)
	case string:
		return n
	case []any:
		parts := make([]string, len(n))
		for i, item := range n {
			parts[i] = Stringify(item)
		}
		return "[" + strings.Join(parts, ", ") + "]"
	case map[string]any:
		keys := make([]string, 0, len(n))
		for k := range n {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		parts := make([]string, len(keys))
		for i, k := range keys {
			parts[i] = k + ": " + Stringify(n[k])
		}
		return "{" + strings.Join(parts, ", ") + "}"
	default:
		return fmt.Sprintf("%v", n)
	}
}

// Attr resolves attribute access (a.b) on maps and opaque handles.
func Attr(v any, name string) (any, bool) {
	switch n := Normalize(v).(type) {
	case map[string]any:
		got, ok := n[name]
		return got, ok
	case Attributer:
		return n.Attr(name)
	default:
		return nil, false
	}
}

// Index resolves subscript access (a[i]) on lists, strings, and maps.
// Negative list/string indexes count from the end.
func Index(v, idx any) (any, bool) {
	switch n := Normalize(v).(type) {
	case []any:
		i, ok := AsInt(idx)
		if !ok {
			return nil, false
		}
		if i < 0 {
			i += int64(len(n))
		}
		if i < 0 || i >= int64(len(n)) {
			return nil, false
		}
		return n[i], true
	case string:
		i, ok := AsInt(idx)
		if !ok {
			return nil, false
		}
		runes := []rune(n)
		if i < 0 {
			i += int64(len(runes))
		}
		if i < 0 || i >= int64(len(runes)) {
			return nil, false
		}
		return string(runes[i]), true
	case map[string]any:
		key, ok := Normalize(idx).(string)
		if !ok {
			return nil, false
		}
		got, found := n[key]
		return got, found
	case Attributer:
		if key, ok := Normalize(idx).(string); ok {
			return n.Attr(key)
		}
		return nil, false
	default:
		return nil, false
	}
}

// AsInt coerces a value to int64 when it is an integer or an integral float.
func AsInt(v any) (int64, bool) {
	switch n := Normalize(v).(type) {
	case int64:
		return n, true
	case float64:
		if n == math.Trunc(n) {
			return int64(n), true
		}
		return 0, false
	case bool:
		if n {
			return 1, true
		}
		return 0, true
	case string:
		parsed, err := strconv.ParseInt(strings.TrimSpace(n), 10, 64)
		if err != nil {
			return 0, false
		}
		return parsed, true
	default:
		return 0, false
	}
}

// AsFloat coerces numeric values (and numeric strings) to float64.
func AsFloat(v any) (float64, bool) {
	switch n := Normalize(v).(type) {
	case int64:
		return float64(n), true
	case float64:
		return n, true
	case bool:
		if n {
			return 1, true
		}
		return 0, true
	case string:
		parsed, err := strconv.ParseFloat(strings.TrimSpace(n), 64)
		if err != nil {
			return 0, false
		}
		return parsed, true
	default:
		return 0, false
	}
}

// Equal compares two values with numeric widening (1 == 1.0).
func Equal(a, b any) bool {
	a, b = Normalize(a), Normalize(b)
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	af, aNum := numericOf(a)
	bf, bNum := numericOf(b)
	if aNum && bNum {
		return af == bf
	}
	switch av := a.(type) {
	case string:
		bv, ok := b.(string)
		return ok && av == bv
	case bool:
		bv, ok := b.(bool)
		return ok && av == bv
	case []any:
		bv, ok := b.([]any)
		if !ok || len(av) != len(bv) {
			return false
		}
		for i := range av {
			if !Equal(av[i], bv[i]) {
				return false
			}
		}
		return true
	case map[string]any:
		bv, ok := b.(map[string]any)
		if !ok || len(av) != len(bv) {
			return false
		}
		for k, v := range av {
			other, found := bv[k]
			if !found || !Equal(v, other) {
				return false
			}
		}
		return true
	default:
		return a == b
	}
}

// Compare orders two values. Numbers order numerically, strings
// lexicographically. Returns false when the pair is unordered.
func Compare(a, b any) (int, bool) {
	af, aNum := numericOf(Normalize(a))
	bf, bNum := numericOf(Normalize(b))
	if aNum && bNum {
		switch {
		case af < bf:
			return -1, true
		case af > bf:
			return 1, true
		default:
			return 0, true
		}
	}
	as, aOK := Normalize(a).(string)
	bs, bOK := Normalize(b).(string)
	if aOK && bOK {
		return strings.Compare(as, bs), true
	}
	return 0, false
}

// Contains implements the "in" operator over lists, strings, and maps.
func Contains(container, item any) (bool, bool) {
	switch n := Normalize(container).(type) {
	case []any:
		for _, elem := range n {
			if Equal(elem, item) {
				return true, true
			}
		}
		return false, true
	case string:
		s, ok := Normalize(item).(string)
		if !ok {
			return false, false
		}
		return strings.Contains(n, s), true
	case map[string]any:
		key, ok := Normalize(item).(string)
		if !ok {
			return false, false
		}
		_, found := n[key]
		return found, true
	default:
		return false, false
	}
}

// Len returns the length of strings, lists, and maps.
func Len(v any) (int, bool) {
	switch n := Normalize(v).(type) {
	case string:
		return len([]rune(n)), true
	case []any:
		return len(n), true
	case map[string]any:
		return len(n), true
	default:
		return 0, false
	}
}

func numericOf(v any) (float64, bool) {
	switch n := v.(type) {
	case int64:
		return float64(n), true
	case float64:
		return n, true
	default:
		return 0, false
	}
}
