package interp

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/quillframe/quill/pkg/ast"
	"github.com/quillframe/quill/pkg/scope"
	"github.com/quillframe/quill/pkg/value"
)

// voidElements is the fixed set serialized self-closing.
var voidElements = map[string]bool{
	"br": true, "hr": true, "img": true, "input": true, "meta": true,
	"link": true, "area": true, "base": true, "col": true, "embed": true,
	"param": true, "source": true, "track": true, "wbr": true,
}

func (r *run) execHTML(ctx context.Context, n *ast.HTMLNode) error {
	return r.execElement(ctx, n.Tag, n.Attributes, n.Children)
}

// execElement serializes a passthrough element: databinding applies to every
// attribute value, children render recursively, void tags self-close.
func (r *run) execElement(ctx context.Context, tag string, attrs map[string]string, children []ast.Node) error {
	r.out.WriteString("<")
	r.out.WriteString(tag)

	keys := make([]string, 0, len(attrs))
	for k := range attrs {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(&r.out, " %s=%q", k, r.bindString(attrs[k]))
	}

	if voidElements[tag] {
		r.out.WriteString(" />")
		return nil
	}
	r.out.WriteString(">")
	if err := r.execList(ctx, children); err != nil {
		return err
	}
	r.out.WriteString("</" + tag + ">")
	return nil
}

func (r *run) execSet(ctx context.Context, n *ast.SetNode) error {
	evaluated := r.bindValue(n.Value)

	op := n.Operation
	if op == "" {
		op = ast.SetAssign
	}
	var next any
	if op == ast.SetAssign {
		next = evaluated
	} else {
		current, _ := r.sc.Get(n.Name)
		combined, err := combine(op, current, evaluated)
		if err != nil {
			return renderErrorf("set", err, "cannot %s into %q: %v", op, n.Name, err)
		}
		next = combined
	}

	if n.Scope == "component" {
		r.sc.SetComponent(n.Name, next)
	} else {
		r.sc.Update(n.Name, next)
	}

	if n.Persist != "" && r.persist != nil {
		if err := r.persist.Save(ctx, n.Name, value.Normalize(next)); err != nil {
			return renderErrorf("set", err, "persist of %q failed: %v", n.Name, err)
		}
	}
	return nil
}

// combine applies an arithmetic set operation against the current value.
// Absent variables default to the operation's identity: 0 for add/subtract,
// 1 for multiply/divide.
func combine(op ast.SetOperation, current, operand any) (any, error) {
	if current == nil {
		switch op {
		case ast.SetAdd, ast.SetSubtract:
			current = int64(0)
		default:
			current = int64(1)
		}
	}

	ci, ciOK := value.AsInt(current)
	oi, oiOK := value.AsInt(operand)
	if ciOK && oiOK && op != ast.SetDivide {
		switch op {
		case ast.SetAdd:
			return ci + oi, nil
		case ast.SetSubtract:
			return ci - oi, nil
		case ast.SetMultiply:
			return ci * oi, nil
		}
	}

	cf, cfOK := value.AsFloat(current)
	of, ofOK := value.AsFloat(operand)
	if !cfOK || !ofOK {
		return nil, fmt.Errorf("non-numeric operands (%s and %s)", value.KindOf(current), value.KindOf(operand))
	}
	switch op {
	case ast.SetAdd:
		return cf + of, nil
	case ast.SetSubtract:
		return cf - of, nil
	case ast.SetMultiply:
		return cf * of, nil
	case ast.SetDivide:
		if of == 0 {
			return nil, fmt.Errorf("division by zero")
		}
		result := cf / of
		if i, ok := value.AsInt(result); ok && ciOK && oiOK {
			return i, nil
		}
		return result, nil
	default:
		return nil, fmt.Errorf("unknown operation %q", op)
	}
}

func (r *run) execIf(ctx context.Context, n *ast.IfNode) error {
	matched, err := r.in.engine.EvaluateCondition(n.Condition, r.vars())
	if err != nil {
		return renderErrorf("if", err, "condition {%s} failed: %v", n.Condition, err)
	}
	if matched {
		return r.execList(ctx, n.Then)
	}
	for _, branch := range n.ElseIfs {
		matched, err := r.in.engine.EvaluateCondition(branch.Condition, r.vars())
		if err != nil {
			return renderErrorf("if", err, "elseif condition {%s} failed: %v", branch.Condition, err)
		}
		if matched {
			return r.execList(ctx, branch.Then)
		}
	}
	return r.execList(ctx, n.Else)
}

func (r *run) execLoop(ctx context.Context, n *ast.LoopNode) error {
	items, err := r.loopItems(n)
	if err != nil {
		return err
	}
	count := len(items)
	for i, item := range items {
		r.sc.PushLoopFrame(n.Var, item, i, count)
		err := r.execList(ctx, n.Body)
		r.sc.PopFrame()
		if err != nil {
			return err
		}
	}
	return nil
}

func (r *run) loopItems(n *ast.LoopNode) ([]any, error) {
	if n.IsRange() {
		from, fromOK := value.AsInt(r.bindValue(n.From))
		to, toOK := value.AsInt(r.bindValue(n.To))
		if !fromOK || !toOK {
			return nil, renderErrorf("loop", nil, "range bounds %q..%q are not integers", n.From, n.To)
		}
		step := int64(1)
		if n.Step != "" {
			s, ok := value.AsInt(r.bindValue(n.Step))
			if !ok || s == 0 {
				return nil, renderErrorf("loop", nil, "invalid step %q", n.Step)
			}
			step = s
		}
		var items []any
		if step > 0 {
			for v := from; v <= to; v += step {
				items = append(items, v)
			}
		} else {
			for v := from; v >= to; v += step {
				items = append(items, v)
			}
		}
		return items, nil
	}

	resolved := r.bindValue(n.Items)
	if s, ok := resolved.(string); ok && s == n.Items {
		// a bare variable name without braces resolves through the scope
		if v, found := r.sc.Get(strings.TrimSpace(s)); found {
			resolved = v
		}
	}
	// query-result shaped values iterate their data rows
	if data, ok := value.Attr(resolved, "data"); ok {
		if _, isList := value.Normalize(data).([]any); isList {
			resolved = data
		}
	}
	list, ok := value.Normalize(resolved).([]any)
	if !ok {
		return nil, renderErrorf("loop", nil, "items %q did not resolve to a list (got %s)", n.Items, value.KindOf(resolved))
	}
	return list, nil
}

func (r *run) execCall(ctx context.Context, n *ast.FunctionCallNode) error {
	desc, ok := r.sc.LookupFunction(n.Name)
	if !ok {
		return renderErrorf("call", nil, "unknown function %q", n.Name)
	}

	bound := map[string]any{}
	for name, raw := range n.Args {
		bound[name] = r.bindValue(raw)
	}
	frame, err := bindParams(desc.Params, bound)
	if err != nil {
		return renderErrorf("call", err, "call to %q: %v", n.Name, err)
	}

	r.sc.PushFrame(scope.FrameFunction)
	for name, v := range frame {
		r.sc.Set(name, v)
	}
	var returned any
	execErr := r.execList(ctx, desc.Body)
	r.sc.PopFrame()
	if execErr != nil {
		var ret returnSignal
		if !asReturn(execErr, &ret) {
			return execErr
		}
		returned = ret.value
	}

	if n.Result != "" {
		r.sc.Set(n.Result, returned)
		return nil
	}
	if returned != nil {
		r.out.WriteString(value.Stringify(returned))
	}
	return nil
}

// bindParams merges call arguments with parameter defaults, coercing each
// value to its declared type.
func bindParams(params []*ast.ParamNode, args map[string]any) (map[string]any, error) {
	frame := map[string]any{}
	for _, p := range params {
		v, provided := args[p.Name]
		if !provided {
			if p.Required {
				return nil, fmt.Errorf("missing required parameter %q", p.Name)
			}
			if p.Default == "" {
				continue
			}
			v = p.Default
		}
		coerced, err := coerceParam(p.Type, v)
		if err != nil {
			return nil, fmt.Errorf("parameter %q: %v", p.Name, err)
		}
		frame[p.Name] = coerced
	}
	// unrecognized extra arguments pass through untyped
	for name, v := range args {
		if _, ok := frame[name]; !ok {
			frame[name] = v
		}
	}
	return frame, nil
}

func coerceParam(typ string, v any) (any, error) {
	switch typ {
	case "", "string":
		return value.Stringify(v), nil
	case "int":
		i, ok := value.AsInt(v)
		if !ok {
			return nil, fmt.Errorf("expected int, got %s", value.KindOf(v))
		}
		return i, nil
	case "float":
		f, ok := value.AsFloat(v)
		if !ok {
			return nil, fmt.Errorf("expected float, got %s", value.KindOf(v))
		}
		return f, nil
	case "bool":
		return value.Truthy(v), nil
	case "list":
		if list, ok := value.Normalize(v).([]any); ok {
			return list, nil
		}
		return nil, fmt.Errorf("expected list, got %s", value.KindOf(v))
	case "map":
		if m, ok := value.Normalize(v).(map[string]any); ok {
			return m, nil
		}
		return nil, fmt.Errorf("expected map, got %s", value.KindOf(v))
	default:
		return nil, fmt.Errorf("unknown parameter type %q", typ)
	}
}

func (r *run) execQuery(ctx context.Context, n *ast.QueryNode) error {
	sqlText := r.bindString(n.SQL)
	result := r.queryResult(ctx, n, sqlText)
	r.sc.Set(n.Name, result)
	return nil
}

func (r *run) queryResult(ctx context.Context, n *ast.QueryNode, sqlText string) map[string]any {
	if r.in.db == nil {
		return map[string]any{
			"success":     false,
			"data":        []any{},
			"recordCount": int64(0),
			"error":       "no database service configured",
		}
	}
	return r.in.db.ExecuteQuery(ctx, n.Datasource, sqlText, nil, n.MaxRows, n.Timeout).ToValue()
}

func (r *run) execAction(ctx context.Context, n *ast.ActionNode) error {
	if r.in.action == nil || !r.in.action.Matches(n.Name, n.Method) {
		return nil
	}
	for name, v := range r.in.action.FormParams() {
		r.sc.Set(name, v)
	}
	if err := r.execList(ctx, n.Body); err != nil {
		return err
	}
	if n.Redirect != "" {
		r.sc.SetComponent(RedirectVar, r.bindString(n.Redirect))
	}
	return nil
}

func asReturn(err error, out *returnSignal) bool {
	if ret, ok := err.(returnSignal); ok {
		*out = ret
		return true
	}
	return false
}

func secondsToDuration(seconds int) time.Duration {
	return time.Duration(seconds) * time.Second
}
