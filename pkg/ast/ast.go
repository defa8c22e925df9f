// Package ast defines the typed node set produced by the document parser.
// Each tag kind is a distinct variant with explicit fields; the interpreter
// dispatches on the concrete type. Nodes are immutable after parse completes.
package ast

import "fmt"

// Node is implemented by every AST variant.
type Node interface {
	// Kind returns the canonical tag name of the variant (e.g. "set", "loop").
	Kind() string
	// Validate returns the node's declared invariant violations without
	// raising; the parser aggregates these on demand.
	Validate() []error
	// ToDict returns the canonical record representation used for
	// serialization and tests.
	ToDict() map[string]any
}

// ValidationError reports a node that failed its declared invariants.
type ValidationError struct {
	NodeKind string
	Message  string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.NodeKind, e.Message)
}

func validationErrorf(kind, format string, args ...any) error {
	return &ValidationError{NodeKind: kind, Message: fmt.Sprintf(format, args...)}
}

func requireAttr(kind, attr, val string) []error {
	if val == "" {
		return []error{validationErrorf(kind, "missing required attribute %q", attr)}
	}
	return nil
}

// childDicts converts a child list for ToDict output.
func childDicts(children []Node) []any {
	out := make([]any, len(children))
	for i, c := range children {
		out[i] = c.ToDict()
	}
	return out
}

// ValidateTree walks a node list depth-first collecting validation errors.
func ValidateTree(nodes []Node) []error {
	var errs []error
	for _, n := range nodes {
		errs = append(errs, n.Validate()...)
		for _, child := range Children(n) {
			errs = append(errs, ValidateTree([]Node{child})...)
		}
	}
	return errs
}

// Children returns the child statement list of container variants, or nil.
func Children(n Node) []Node {
	switch v := n.(type) {
	case *ComponentNode:
		return v.Statements
	case *IfNode:
		out := append([]Node{}, v.Then...)
		for _, b := range v.ElseIfs {
			out = append(out, b.Then...)
		}
		return append(out, v.Else...)
	case *LoopNode:
		return v.Body
	case *FunctionNode:
		return v.Body
	case *HTMLNode:
		return v.Children
	case *ActionNode:
		return v.Body
	case *ScheduleNode:
		return v.Body
	case *ThreadNode:
		return v.Body
	case *SubscribeNode:
		return v.Handler
	case *WebSocketHandlerNode:
		return v.Body
	case *AgentToolNode:
		return v.Body
	case *UIWidgetNode:
		return v.Children
	case *TerminalWidgetNode:
		return v.Children
	case *GameNode:
		return v.Children
	default:
		return nil
	}
}
