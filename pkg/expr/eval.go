package expr

import (
	"math"

	"github.com/quillframe/quill/pkg/value"
)

// env carries the caller's variables during one evaluation. The builtin
// namespace is package-level and read-only; merging never mutates it.
type env struct {
	vars map[string]any
}

func (n *litNode) eval(_ *env) (any, error) { return n.val, nil }

func (n *identNode) eval(e *env) (any, error) {
	if e.vars != nil {
		if got, ok := e.vars[n.name]; ok {
			return value.Normalize(got), nil
		}
	}
	return nil, &UndefinedNameError{Name: n.name}
}

func (n *attrNode) eval(e *env) (any, error) {
	target, err := n.target.eval(e)
	if err != nil {
		return nil, err
	}
	got, ok := value.Attr(target, n.name)
	if !ok {
		return nil, runtimeErrorf("%s value has no attribute %q", value.KindOf(target), n.name)
	}
	return value.Normalize(got), nil
}

func (n *indexNode) eval(e *env) (any, error) {
	target, err := n.target.eval(e)
	if err != nil {
		return nil, err
	}
	idx, err := n.index.eval(e)
	if err != nil {
		return nil, err
	}
	got, ok := value.Index(target, idx)
	if !ok {
		return nil, runtimeErrorf("cannot index %s with %s", value.KindOf(target), value.KindOf(idx))
	}
	return value.Normalize(got), nil
}

func (n *callNode) eval(e *env) (any, error) {
	fn, ok := builtins[n.name]
	if !ok {
		return nil, &UndefinedNameError{Name: n.name}
	}
	args := make([]any, len(n.args))
	for i, argNode := range n.args {
		arg, err := argNode.eval(e)
		if err != nil {
			return nil, err
		}
		args[i] = arg
	}
	return fn(args)
}

func (n *unaryNode) eval(e *env) (any, error) {
	operand, err := n.operand.eval(e)
	if err != nil {
		return nil, err
	}
	switch n.op {
	case "not":
		return !value.Truthy(operand), nil
	case "-":
		if i, ok := operand.(int64); ok {
			return -i, nil
		}
		if f, ok := value.AsFloat(operand); ok {
			return -f, nil
		}
		return nil, runtimeErrorf("cannot negate %s", value.KindOf(operand))
	case "+":
		if _, ok := value.AsFloat(operand); ok {
			return operand, nil
		}
		return nil, runtimeErrorf("unary + on %s", value.KindOf(operand))
	}
	return nil, runtimeErrorf("unknown unary operator %q", n.op)
}

func (n *logicalNode) eval(e *env) (any, error) {
	left, err := n.left.eval(e)
	if err != nil {
		return nil, err
	}
	// Short-circuit with value passthrough, matching the source semantics of
	// "a or b" returning a when truthy.
	if n.op == "or" {
		if value.Truthy(left) {
			return left, nil
		}
		return n.right.eval(e)
	}
	if !value.Truthy(left) {
		return left, nil
	}
	return n.right.eval(e)
}

func (n *condNode) eval(e *env) (any, error) {
	cond, err := n.cond.eval(e)
	if err != nil {
		return nil, err
	}
	if value.Truthy(cond) {
		return n.value.eval(e)
	}
	return n.alt.eval(e)
}

func (n *listNode) eval(e *env) (any, error) {
	out := make([]any, len(n.items))
	for i, item := range n.items {
		v, err := item.eval(e)
		if err != nil {
			return nil, err
		}
		out[i] = v
	}
	return out, nil
}

func (n *dictNode) eval(e *env) (any, error) {
	out := make(map[string]any, len(n.keys))
	for i := range n.keys {
		k, err := n.keys[i].eval(e)
		if err != nil {
			return nil, err
		}
		key, ok := value.Normalize(k).(string)
		if !ok {
			key = value.Stringify(k)
		}
		v, err := n.values[i].eval(e)
		if err != nil {
			return nil, err
		}
		out[key] = v
	}
	return out, nil
}

func (n *binaryNode) eval(e *env) (any, error) {
	left, err := n.left.eval(e)
	if err != nil {
		return nil, err
	}
	right, err := n.right.eval(e)
	if err != nil {
		return nil, err
	}
	switch n.op {
	case "+":
		return evalAdd(left, right)
	case "-", "*", "/", "%", "//":
		return evalArith(n.op, left, right)
	case "==":
		return value.Equal(left, right), nil
	case "!=":
		return !value.Equal(left, right), nil
	case "<", "<=", ">", ">=":
		cmp, ok := value.Compare(left, right)
		if !ok {
			return nil, runtimeErrorf("cannot compare %s with %s", value.KindOf(left), value.KindOf(right))
		}
		switch n.op {
		case "<":
			return cmp < 0, nil
		case "<=":
			return cmp <= 0, nil
		case ">":
			return cmp > 0, nil
		default:
			return cmp >= 0, nil
		}
	case "in":
		found, ok := value.Contains(right, left)
		if !ok {
			return nil, runtimeErrorf("%s is not a container", value.KindOf(right))
		}
		return found, nil
	}
	return nil, runtimeErrorf("unknown operator %q", n.op)
}

func evalAdd(left, right any) (any, error) {
	left, right = value.Normalize(left), value.Normalize(right)
	ls, lStr := left.(string)
	rs, rStr := right.(string)
	if lStr && rStr {
		return ls + rs, nil
	}
	// a numeric string mixed with a number participates in arithmetic, the
	// same coercion set statements apply when combining
	if lStr || rStr {
		return evalArith("+", left, right)
	}
	if ll, ok := left.([]any); ok {
		if rl, ok := right.([]any); ok {
			out := make([]any, 0, len(ll)+len(rl))
			out = append(out, ll...)
			return append(out, rl...), nil
		}
		return nil, runtimeErrorf("cannot add list and %s", value.KindOf(right))
	}
	return evalArith("+", left, right)
}

func evalArith(op string, left, right any) (any, error) {
	li, lInt := value.AsInt(left)
	ri, rInt := value.AsInt(right)
	if lInt && rInt {
		switch op {
		case "+":
			return li + ri, nil
		case "-":
			return li - ri, nil
		case "*":
			return li * ri, nil
		case "%":
			if ri == 0 {
				return nil, runtimeErrorf("modulo by zero")
			}
			return li % ri, nil
		case "//":
			if ri == 0 {
				return nil, runtimeErrorf("integer division by zero")
			}
			return floorDivInt(li, ri), nil
		case "/":
			if ri == 0 {
				return nil, runtimeErrorf("division by zero")
			}
			return float64(li) / float64(ri), nil
		}
	}
	lf, lOK := value.AsFloat(left)
	rf, rOK := value.AsFloat(right)
	if !lOK || !rOK {
		return nil, runtimeErrorf("cannot apply %q to %s and %s", op, value.KindOf(left), value.KindOf(right))
	}
	switch op {
	case "+":
		return lf + rf, nil
	case "-":
		return lf - rf, nil
	case "*":
		return lf * rf, nil
	case "/":
		if rf == 0 {
			return nil, runtimeErrorf("division by zero")
		}
		return lf / rf, nil
	case "%":
		if rf == 0 {
			return nil, runtimeErrorf("modulo by zero")
		}
		return math.Mod(lf, rf), nil
	case "//":
		if rf == 0 {
			return nil, runtimeErrorf("integer division by zero")
		}
		return math.Floor(lf / rf), nil
	}
	return nil, runtimeErrorf("unknown operator %q", op)
}

func floorDivInt(a, b int64) int64 {
	q := a / b
	if (a%b != 0) && ((a < 0) != (b < 0)) {
		q--
	}
	return q
}
