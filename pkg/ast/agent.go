package ast

// AgentToolParamNode declares one parameter of an agent tool.
type AgentToolParamNode struct {
	Name        string
	Type        string // string, int, float, bool, list, map
	Description string
	Required    bool
	Default     string
}

func (n *AgentToolParamNode) Kind() string { return "agent-tool-param" }

func (n *AgentToolParamNode) Validate() []error {
	errs := requireAttr("agent-tool-param", "name", n.Name)
	switch n.Type {
	case "", "string", "int", "float", "bool", "list", "map":
	default:
		errs = append(errs, validationErrorf("agent-tool-param", "unknown type %q", n.Type))
	}
	return errs
}

func (n *AgentToolParamNode) ToDict() map[string]any {
	return map[string]any{
		"kind":        "agent-tool-param",
		"name":        n.Name,
		"type":        n.Type,
		"description": n.Description,
		"required":    n.Required,
		"default":     n.Default,
	}
}

// AgentToolNode declares a tool an agent may call. The body is the statement
// list executed when the model invokes the tool; parameters arrive as
// ordinary scope variables.
type AgentToolNode struct {
	Name        string
	Description string
	Params      []*AgentToolParamNode
	Body        []Node
}

func (n *AgentToolNode) Kind() string { return "agent-tool" }

func (n *AgentToolNode) Validate() []error {
	errs := requireAttr("agent-tool", "name", n.Name)
	for _, p := range n.Params {
		errs = append(errs, p.Validate()...)
	}
	return errs
}

// Schema returns the JSON-Schema-shaped parameter description sent to the
// model as part of the tool list.
func (n *AgentToolNode) Schema() map[string]any {
	properties := make(map[string]any, len(n.Params))
	required := []string{}
	for _, p := range n.Params {
		typ := p.Type
		if typ == "" {
			typ = "string"
		}
		jsonType := map[string]string{
			"string": "string", "int": "integer", "float": "number",
			"bool": "boolean", "list": "array", "map": "object",
		}[typ]
		prop := map[string]any{"type": jsonType}
		if p.Description != "" {
			prop["description"] = p.Description
		}
		properties[p.Name] = prop
		if p.Required {
			required = append(required, p.Name)
		}
	}
	return map[string]any{
		"type":       "object",
		"properties": properties,
		"required":   required,
	}
}

func (n *AgentToolNode) ToDict() map[string]any {
	params := make([]any, len(n.Params))
	for i, p := range n.Params {
		params[i] = p.ToDict()
	}
	return map[string]any{
		"kind":        "agent-tool",
		"name":        n.Name,
		"description": n.Description,
		"params":      params,
		"body":        childDicts(n.Body),
	}
}

// AgentInstructionNode carries one block of system-prompt text for an agent.
type AgentInstructionNode struct {
	Text string
}

func (n *AgentInstructionNode) Kind() string { return "agent-instruction" }

func (n *AgentInstructionNode) Validate() []error { return nil }

func (n *AgentInstructionNode) ToDict() map[string]any {
	return map[string]any{"kind": "agent-instruction", "text": n.Text}
}

// AgentNode declares a named agent bound to an LLM datasource, with
// instructions and tools.
type AgentNode struct {
	Name          string
	LLM           string // llm datasource id
	MaxIterations int
	Instructions  []*AgentInstructionNode
	Tools         []*AgentToolNode
}

func (n *AgentNode) Kind() string { return "agent" }

func (n *AgentNode) Validate() []error {
	errs := requireAttr("agent", "name", n.Name)
	errs = append(errs, requireAttr("agent", "llm", n.LLM)...)
	for _, t := range n.Tools {
		errs = append(errs, t.Validate()...)
	}
	return errs
}

// Tool returns the declared tool with the given name, if any.
func (n *AgentNode) Tool(name string) (*AgentToolNode, bool) {
	for _, t := range n.Tools {
		if t.Name == name {
			return t, true
		}
	}
	return nil, false
}

func (n *AgentNode) ToDict() map[string]any {
	instructions := make([]any, len(n.Instructions))
	for i, in := range n.Instructions {
		instructions[i] = in.ToDict()
	}
	tools := make([]any, len(n.Tools))
	for i, t := range n.Tools {
		tools[i] = t.ToDict()
	}
	return map[string]any{
		"kind":           "agent",
		"name":           n.Name,
		"llm":            n.LLM,
		"max_iterations": n.MaxIterations,
		"instructions":   instructions,
		"tools":          tools,
	}
}

// AgentExecuteNode runs a declared agent with a task and stores its final
// answer under ResultVar.
type AgentExecuteNode struct {
	Agent     string
	Task      string
	ResultVar string
	Timeout   int // seconds
}

func (n *AgentExecuteNode) Kind() string { return "agent-execute" }

func (n *AgentExecuteNode) Validate() []error {
	errs := requireAttr("agent-execute", "agent", n.Agent)
	errs = append(errs, requireAttr("agent-execute", "task", n.Task)...)
	return errs
}

func (n *AgentExecuteNode) ToDict() map[string]any {
	return map[string]any{
		"kind":       "agent-execute",
		"agent":      n.Agent,
		"task":       n.Task,
		"result_var": n.ResultVar,
		"timeout":    n.Timeout,
	}
}
