package ast

// SetOperation selects how SetNode combines the evaluated value with the
// existing variable.
type SetOperation string

const (
	SetAssign   SetOperation = "assign"
	SetAdd      SetOperation = "add"
	SetSubtract SetOperation = "subtract"
	SetMultiply SetOperation = "multiply"
	SetDivide   SetOperation = "divide"
)

var knownSetOperations = map[SetOperation]bool{
	SetAssign: true, SetAdd: true, SetSubtract: true,
	SetMultiply: true, SetDivide: true,
}

// SetNode assigns or updates a context variable, optionally mirroring the new
// value through the state persistence collaborator.
type SetNode struct {
	Name      string
	Value     string
	Operation SetOperation
	Scope     string // "" (nearest frame) or "component"

	Persist        string // "", "local", "session", "sync"
	PersistKey     string
	PersistTTL     int
	PersistEncrypt bool
}

func (n *SetNode) Kind() string { return "set" }

func (n *SetNode) Validate() []error {
	errs := requireAttr("set", "name", n.Name)
	if n.Operation != "" && !knownSetOperations[n.Operation] {
		errs = append(errs, validationErrorf("set", "unknown operation %q", n.Operation))
	}
	switch n.Persist {
	case "", "local", "session", "sync":
	default:
		errs = append(errs, validationErrorf("set", "unknown persist scope %q", n.Persist))
	}
	return errs
}

func (n *SetNode) ToDict() map[string]any {
	return map[string]any{
		"kind":      "set",
		"name":      n.Name,
		"value":     n.Value,
		"operation": string(n.Operation),
		"scope":     n.Scope,
		"persist":   n.Persist,
	}
}

// ElseIfBranch is one elseif arm of an IfNode.
type ElseIfBranch struct {
	Condition string
	Then      []Node
}

// IfNode is conditional control flow with optional elseif arms and else.
type IfNode struct {
	Condition string
	Then      []Node
	ElseIfs   []ElseIfBranch
	Else      []Node
}

func (n *IfNode) Kind() string { return "if" }

func (n *IfNode) Validate() []error {
	errs := requireAttr("if", "condition", n.Condition)
	for _, branch := range n.ElseIfs {
		if branch.Condition == "" {
			errs = append(errs, validationErrorf("if", "elseif missing condition"))
		}
	}
	return errs
}

func (n *IfNode) ToDict() map[string]any {
	elseifs := make([]any, len(n.ElseIfs))
	for i, b := range n.ElseIfs {
		elseifs[i] = map[string]any{
			"condition": b.Condition,
			"then":      childDicts(b.Then),
		}
	}
	return map[string]any{
		"kind":      "if",
		"condition": n.Condition,
		"then":      childDicts(n.Then),
		"elseifs":   elseifs,
		"else":      childDicts(n.Else),
	}
}

// LoopNode iterates either a numeric range (From/To/Step) or an array
// (Items). Exactly one mode is populated.
type LoopNode struct {
	Var   string
	From  string
	To    string
	Step  string
	Items string
	Body  []Node
}

func (n *LoopNode) Kind() string { return "loop" }

// IsRange reports whether the loop iterates a numeric range.
func (n *LoopNode) IsRange() bool { return n.Items == "" }

func (n *LoopNode) Validate() []error {
	var errs []error
	if n.Var == "" {
		errs = append(errs, validationErrorf("loop", "missing required attribute %q", "var"))
	}
	if n.Items == "" && (n.From == "" || n.To == "") {
		errs = append(errs, validationErrorf("loop", "requires either items or from/to"))
	}
	if n.Items != "" && (n.From != "" || n.To != "") {
		errs = append(errs, validationErrorf("loop", "items and from/to are mutually exclusive"))
	}
	return errs
}

func (n *LoopNode) ToDict() map[string]any {
	return map[string]any{
		"kind":  "loop",
		"var":   n.Var,
		"from":  n.From,
		"to":    n.To,
		"step":  n.Step,
		"items": n.Items,
		"body":  childDicts(n.Body),
	}
}

// ParamNode declares one function parameter.
type ParamNode struct {
	Name     string
	Type     string // string, int, float, bool, list, map
	Required bool
	Default  string
}

func (n *ParamNode) Kind() string { return "param" }

func (n *ParamNode) Validate() []error {
	errs := requireAttr("param", "name", n.Name)
	switch n.Type {
	case "", "string", "int", "float", "bool", "list", "map":
	default:
		errs = append(errs, validationErrorf("param", "unknown type %q", n.Type))
	}
	return errs
}

func (n *ParamNode) ToDict() map[string]any {
	return map[string]any{
		"kind":     "param",
		"name":     n.Name,
		"type":     n.Type,
		"required": n.Required,
		"default":  n.Default,
	}
}

// FunctionNode declares a named callable statement list. Functions register
// into the component frame when the interpreter walks past them and remain
// callable until context end.
type FunctionNode struct {
	Name   string
	Params []*ParamNode
	Body   []Node
	Rest   string // "", "get", "post", ... exposes the function over HTTP
}

func (n *FunctionNode) Kind() string { return "function" }

// RestEnabled reports whether the function is exposed as a REST endpoint.
func (n *FunctionNode) RestEnabled() bool { return n.Rest != "" }

func (n *FunctionNode) Validate() []error {
	errs := requireAttr("function", "name", n.Name)
	for _, p := range n.Params {
		errs = append(errs, p.Validate()...)
	}
	return errs
}

func (n *FunctionNode) ToDict() map[string]any {
	params := make([]any, len(n.Params))
	for i, p := range n.Params {
		params[i] = p.ToDict()
	}
	return map[string]any{
		"kind":   "function",
		"name":   n.Name,
		"params": params,
		"body":   childDicts(n.Body),
		"rest":   n.Rest,
	}
}

// FunctionCallNode invokes a registered function. When Result is set the
// return value is assigned into the calling frame instead of being emitted.
type FunctionCallNode struct {
	Name   string
	Args   map[string]string
	Result string
}

func (n *FunctionCallNode) Kind() string { return "call" }

func (n *FunctionCallNode) Validate() []error {
	return requireAttr("call", "function", n.Name)
}

func (n *FunctionCallNode) ToDict() map[string]any {
	args := make(map[string]any, len(n.Args))
	for k, v := range n.Args {
		args[k] = v
	}
	return map[string]any{
		"kind":     "call",
		"function": n.Name,
		"args":     args,
		"result":   n.Result,
	}
}

// ReturnNode terminates the enclosing function call with a value.
type ReturnNode struct {
	Value string
}

func (n *ReturnNode) Kind() string { return "return" }

func (n *ReturnNode) Validate() []error { return nil }

func (n *ReturnNode) ToDict() map[string]any {
	return map[string]any{"kind": "return", "value": n.Value}
}
