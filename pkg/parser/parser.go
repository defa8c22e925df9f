// Package parser turns XML documents and fragments into typed AST trees.
// Dispatch is on (namespace, localName); the q: namespace carries control
// flow, effects and infrastructure while ui:, qt: and qg: carry widget sets.
package parser

import (
	"strconv"
	"strings"
	"sync"

	"github.com/quillframe/quill/pkg/ast"
)

// Parser converts source markup into AST nodes. It remembers the most
// recently parsed application so components parsed in the same run can
// consult its datasource map for unified-query lowering. Safe for
// concurrent use.
type Parser struct {
	mu      sync.Mutex
	lastApp *ast.ApplicationNode
}

func New() *Parser {
	return &Parser{}
}

// LastApplication returns the most recently parsed application, if any.
func (p *Parser) LastApplication() *ast.ApplicationNode {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.lastApp
}

// parseCtx carries flags that change parse behavior down the tree.
type parseCtx struct {
	terminal bool // inside qt:, function body text becomes RawCode
	mixed    bool // parent accepts opaque foreign-namespace elements
}

// Parse parses a document or fragment. The root may be q:application,
// q:component, or any single statement.
func (p *Parser) Parse(content string) (ast.Node, error) {
	root, err := decode(content)
	if err != nil {
		return nil, err
	}
	if root.space == "q" {
		switch root.local {
		case "application":
			return p.parseApplication(root)
		case "component":
			return p.parseComponent(root)
		}
	}
	return p.parseStatement(root, parseCtx{})
}

// ParseStatements parses a fragment and returns its statement list. A
// fragment with a single root statement yields a one-element list.
func (p *Parser) ParseStatements(content string) ([]ast.Node, error) {
	node, err := p.Parse(content)
	if err != nil {
		return nil, err
	}
	if c, ok := node.(*ast.ComponentNode); ok {
		return c.Statements, nil
	}
	return []ast.Node{node}, nil
}

func (p *Parser) parseApplication(el *element) (*ast.ApplicationNode, error) {
	app := &ast.ApplicationNode{
		ID:          el.attrs["id"],
		Type:        ast.ApplicationType(el.attrs["type"]),
		Engine:      el.attrs["engine"],
		Datasources: map[string]*ast.DatasourceNode{},
	}

	// Datasources parse first regardless of document order so every
	// component in the application sees the full map during lowering.
	for _, child := range el.childElements() {
		if child.space == "q" && child.local == "datasource" {
			ds := parseDatasource(child)
			app.Datasources[ds.ID] = ds
		}
	}
	p.mu.Lock()
	p.lastApp = app
	p.mu.Unlock()

	ctx := parseCtx{terminal: app.Type == ast.AppTypeTerminal}
	for _, child := range el.childElements() {
		switch {
		case child.space == "q" && child.local == "datasource":
			// handled above
		case child.space == "q" && child.local == "component":
			c, err := p.parseComponent(child)
			if err != nil {
				return nil, err
			}
			app.Components = append(app.Components, c)
		case child.space == "qg" && child.local == "scene":
			n, err := p.parseStatement(child, ctx)
			if err != nil {
				return nil, err
			}
			app.Scenes = append(app.Scenes, n)
		case child.space == "qg" && child.local == "prefab":
			n, err := p.parseStatement(child, ctx)
			if err != nil {
				return nil, err
			}
			app.Prefabs = append(app.Prefabs, n)
		case child.space == "qg" && child.local == "behavior":
			n, err := p.parseStatement(child, ctx)
			if err != nil {
				return nil, err
			}
			app.Behaviors = append(app.Behaviors, n)
		case child.space == "qt" && child.local == "screen":
			n, err := p.parseStatement(child, ctx)
			if err != nil {
				return nil, err
			}
			app.Screens = append(app.Screens, n)
		case child.space == "ui" && child.local == "window":
			n, err := p.parseStatement(child, ctx)
			if err != nil {
				return nil, err
			}
			app.Windows = append(app.Windows, n)
		default:
			n, err := p.parseStatement(child, ctx)
			if err != nil {
				return nil, err
			}
			app.Components = append(app.Components, &ast.ComponentNode{
				Name:       child.local,
				Statements: []ast.Node{n},
			})
		}
	}
	return app, nil
}

func (p *Parser) parseComponent(el *element) (*ast.ComponentNode, error) {
	stmts, err := p.parseChildren(el, parseCtx{})
	if err != nil {
		return nil, err
	}
	return &ast.ComponentNode{Name: el.attrs["name"], Statements: stmts}, nil
}

// parseChildren walks mixed content: elements dispatch to parseStatement and
// non-blank text runs become TextNode (or RawCode in terminal context).
func (p *Parser) parseChildren(el *element, ctx parseCtx) ([]ast.Node, error) {
	var out []ast.Node
	for _, c := range el.children {
		if c.el == nil {
			if strings.TrimSpace(c.text) == "" {
				continue
			}
			if ctx.terminal {
				out = append(out, &ast.RawCodeNode{Code: c.text})
			} else {
				out = append(out, &ast.TextNode{Text: c.text})
			}
			continue
		}
		n, err := p.parseStatement(c.el, ctx)
		if err != nil {
			return nil, err
		}
		out = append(out, n)
	}
	return out, nil
}

func (p *Parser) parseStatement(el *element, ctx parseCtx) (ast.Node, error) {
	switch el.space {
	case "q":
		return p.parseQ(el, ctx)
	case "ui":
		children, err := p.parseChildren(el, ctx)
		if err != nil {
			return nil, err
		}
		return &ast.UIWidgetNode{Widget: el.local, Attributes: el.attrs, Children: children}, nil
	case "qt":
		inner := ctx
		inner.terminal = true
		children, err := p.parseChildren(el, inner)
		if err != nil {
			return nil, err
		}
		return &ast.TerminalWidgetNode{Widget: el.local, Attributes: el.attrs, Children: children}, nil
	case "qg":
		children, err := p.parseChildren(el, ctx)
		if err != nil {
			return nil, err
		}
		return &ast.GameNode{Element: el.local, Attributes: el.attrs, Children: children}, nil
	case "":
		inner := ctx
		inner.mixed = true
		children, err := p.parseChildren(el, inner)
		if err != nil {
			return nil, err
		}
		return &ast.HTMLNode{Tag: el.local, Attributes: el.attrs, Children: children}, nil
	default:
		// Foreign namespaces pass through as opaque elements only where
		// the parent accepts mixed content.
		if !ctx.mixed {
			return nil, parseErrorf("unknown namespace %q on element <%s>", el.rawSpace, el.local)
		}
		children, err := p.parseChildren(el, ctx)
		if err != nil {
			return nil, err
		}
		return &ast.HTMLNode{Tag: el.qualifiedName(), Attributes: el.attrs, Children: children}, nil
	}
}

func (p *Parser) parseQ(el *element, ctx parseCtx) (ast.Node, error) {
	switch el.local {
	case "component":
		return p.parseComponent(el)
	case "set":
		return &ast.SetNode{
			Name:           el.attrs["name"],
			Value:          el.attrs["value"],
			Operation:      ast.SetOperation(el.attrs["operation"]),
			Scope:          el.attrs["scope"],
			Persist:        el.attrs["persist"],
			PersistKey:     el.attrs["persist_key"],
			PersistTTL:     attrInt(el.attrs, "persist_ttl"),
			PersistEncrypt: attrBool(el.attrs, "persist_encrypt", false),
		}, nil
	case "if":
		return p.parseIf(el, ctx)
	case "loop", "for":
		body, err := p.parseChildren(el, ctx)
		if err != nil {
			return nil, err
		}
		return &ast.LoopNode{
			Var:   el.attrs["var"],
			From:  el.attrs["from"],
			To:    el.attrs["to"],
			Step:  el.attrs["step"],
			Items: el.attrs["items"],
			Body:  body,
		}, nil
	case "function":
		return p.parseFunction(el, ctx)
	case "call":
		args := map[string]string{}
		for k, v := range el.attrs {
			if k != "function" && k != "result" {
				args[k] = v
			}
		}
		return &ast.FunctionCallNode{
			Name:   el.attrs["function"],
			Args:   args,
			Result: el.attrs["result"],
		}, nil
	case "return":
		value := el.attrs["value"]
		if value == "" {
			value = el.innerText()
		}
		return &ast.ReturnNode{Value: value}, nil
	case "query":
		return p.parseQuery(el)
	case "action":
		body, err := p.parseChildren(el, ctx)
		if err != nil {
			return nil, err
		}
		return &ast.ActionNode{
			Name:     el.attrs["name"],
			Method:   el.attrs["method"],
			Redirect: el.attrs["redirect"],
			Body:     body,
		}, nil
	case "mail":
		return parseMail(el), nil
	case "file":
		return &ast.FileNode{
			Field:             el.attrs["field"],
			Destination:       el.attrs["destination"],
			AllowedExtensions: el.attrs["allowed_extensions"],
			MaxFileSize:       int64(attrInt(el.attrs, "max_file_size")),
			NameConflict:      el.attrs["name_conflict"],
			ResultVar:         el.attrs["result_var"],
		}, nil
	case "dump":
		return &ast.DumpNode{
			Var:    el.attrs["var"],
			Format: el.attrs["format"],
			Depth:  attrInt(el.attrs, "depth"),
			Label:  el.attrs["label"],
		}, nil
	case "log":
		message := el.attrs["message"]
		if message == "" {
			message = el.innerText()
		}
		return &ast.LogNode{Message: message, Level: el.attrs["level"]}, nil
	case "text":
		return &ast.TextNode{Text: el.innerText()}, nil
	case "message":
		return parseMessage(el), nil
	case "subscribe":
		handler, err := p.parseChildren(el, ctx)
		if err != nil {
			return nil, err
		}
		return &ast.SubscribeNode{
			Topic:   el.attrs["topic"],
			Queue:   el.attrs["queue"],
			Ack:     el.attrs["ack"],
			Handler: handler,
		}, nil
	case "queue":
		return &ast.QueueNode{
			Name:       el.attrs["name"],
			Operation:  el.attrs["operation"],
			Durable:    attrBool(el.attrs, "durable", true),
			AutoDelete: attrBool(el.attrs, "auto_delete", false),
			DLQ:        el.attrs["dlq"],
			TTL:        attrInt(el.attrs, "ttl"),
			Result:     el.attrs["result"],
		}, nil
	case "ack":
		return &ast.MessageAckNode{}, nil
	case "nack":
		return &ast.MessageNackNode{Requeue: attrBool(el.attrs, "requeue", true)}, nil
	case "schedule":
		body, err := p.parseChildren(el, ctx)
		if err != nil {
			return nil, err
		}
		return &ast.ScheduleNode{
			Name:     el.attrs["name"],
			Interval: el.attrs["interval"],
			Cron:     el.attrs["cron"],
			Timezone: el.attrs["timezone"],
			Enabled:  attrBool(el.attrs, "enabled", true),
			Body:     body,
		}, nil
	case "thread":
		body, err := p.parseChildren(el, ctx)
		if err != nil {
			return nil, err
		}
		return &ast.ThreadNode{
			Name:     el.attrs["name"],
			Priority: el.attrs["priority"],
			Body:     body,
		}, nil
	case "job":
		return parseJob(el), nil
	case "websocket":
		return p.parseWebSocket(el, ctx)
	case "websocket-send":
		message := el.attrs["message"]
		if message == "" {
			message = el.innerText()
		}
		return &ast.WebSocketSendNode{
			Connection: el.attrs["connection"],
			Message:    message,
			Broadcast:  attrBool(el.attrs, "broadcast", false),
		}, nil
	case "websocket-close":
		return &ast.WebSocketCloseNode{
			Connection: el.attrs["connection"],
			Code:       attrInt(el.attrs, "code"),
			Reason:     el.attrs["reason"],
		}, nil
	case "agent":
		return p.parseAgent(el, ctx)
	case "agent-execute":
		task := el.attrs["task"]
		if task == "" {
			task = el.innerText()
		}
		return &ast.AgentExecuteNode{
			Agent:     el.attrs["agent"],
			Task:      task,
			ResultVar: resultVar(el),
			Timeout:   attrInt(el.attrs, "timeout"),
		}, nil
	case "llm":
		return &ast.LLMNode{
			Name:        el.attrs["name"],
			Provider:    el.attrs["provider"],
			Model:       el.attrs["model"],
			Host:        el.attrs["host"],
			APIKey:      el.attrs["api_key"],
			Temperature: el.attrs["temperature"],
			MaxTokens:   attrInt(el.attrs, "max_tokens"),
		}, nil
	case "llm-generate":
		prompt := el.attrs["prompt"]
		if prompt == "" {
			prompt = el.innerText()
		}
		return &ast.LLMGenerateNode{
			LLMID:     el.attrs["llm"],
			Prompt:    prompt,
			ResultVar: resultVar(el),
			Stream:    attrBool(el.attrs, "stream", false),
			Cache:     attrBool(el.attrs, "cache", false),
			CacheKey:  el.attrs["cache_key"],
		}, nil
	case "knowledge":
		return parseKnowledge(el), nil
	case "search":
		query := el.attrs["query"]
		if query == "" {
			query = el.innerText()
		}
		return &ast.SearchNode{
			KnowledgeID: el.attrs["knowledge"],
			Query:       query,
			ResultVar:   resultVar(el),
			TopK:        attrInt(el.attrs, "top_k"),
			Threshold:   attrFloat(el.attrs, "threshold"),
		}, nil
	case "persist":
		var vars []string
		for _, v := range strings.Split(el.attrs["vars"], ",") {
			if v = strings.TrimSpace(v); v != "" {
				vars = append(vars, v)
			}
		}
		return &ast.PersistNode{
			Scope:   el.attrs["scope"],
			Prefix:  el.attrs["prefix"],
			Vars:    vars,
			TTL:     attrInt(el.attrs, "ttl"),
			Encrypt: attrBool(el.attrs, "encrypt", false),
		}, nil
	case "datasource":
		return parseDatasource(el), nil
	default:
		return nil, parseErrorf("unknown tag <q:%s>", el.local)
	}
}

func (p *Parser) parseIf(el *element, ctx parseCtx) (ast.Node, error) {
	node := &ast.IfNode{Condition: el.attrs["condition"]}
	for _, c := range el.children {
		if c.el != nil && c.el.space == "q" && c.el.local == "elseif" {
			body, err := p.parseChildren(c.el, ctx)
			if err != nil {
				return nil, err
			}
			node.ElseIfs = append(node.ElseIfs, ast.ElseIfBranch{
				Condition: c.el.attrs["condition"],
				Then:      body,
			})
			continue
		}
		if c.el != nil && c.el.space == "q" && c.el.local == "else" {
			body, err := p.parseChildren(c.el, ctx)
			if err != nil {
				return nil, err
			}
			node.Else = body
			continue
		}
		nodes, err := p.parseChildren(&element{children: []xchild{c}}, ctx)
		if err != nil {
			return nil, err
		}
		node.Then = append(node.Then, nodes...)
	}
	return node, nil
}

func (p *Parser) parseFunction(el *element, ctx parseCtx) (ast.Node, error) {
	fn := &ast.FunctionNode{Name: el.attrs["name"], Rest: el.attrs["rest"]}
	for _, c := range el.children {
		if c.el != nil && c.el.space == "q" && c.el.local == "param" {
			fn.Params = append(fn.Params, &ast.ParamNode{
				Name:     c.el.attrs["name"],
				Type:     c.el.attrs["type"],
				Required: attrBool(c.el.attrs, "required", false),
				Default:  c.el.attrs["default"],
			})
			continue
		}
		nodes, err := p.parseChildren(&element{children: []xchild{c}}, ctx)
		if err != nil {
			return nil, err
		}
		fn.Body = append(fn.Body, nodes...)
	}
	return fn, nil
}

// parseQuery lowers q:query polymorphically on the declared datasource type:
// database types stay QueryNode, llm lowers to LLMGenerateNode, knowledge to
// SearchNode. Unknown datasources stay QueryNode and fail at execution.
func (p *Parser) parseQuery(el *element) (ast.Node, error) {
	name := el.attrs["name"]
	dsID := el.attrs["datasource"]
	body := el.innerText()

	var dsType ast.DatasourceType
	p.mu.Lock()
	if p.lastApp != nil {
		if ds, ok := p.lastApp.Datasource(dsID); ok {
			dsType = ds.Type
		}
	}
	p.mu.Unlock()

	switch dsType {
	case ast.DatasourceLLM:
		return &ast.LLMGenerateNode{
			LLMID:     dsID,
			Prompt:    body,
			ResultVar: name,
			Stream:    attrBool(el.attrs, "stream", false),
			Cache:     attrBool(el.attrs, "cache", false),
			CacheKey:  el.attrs["cache_key"],
		}, nil
	case ast.DatasourceKnowledge:
		return &ast.SearchNode{
			KnowledgeID: dsID,
			Query:       body,
			ResultVar:   name,
			TopK:        attrInt(el.attrs, "top_k"),
			Threshold:   attrFloat(el.attrs, "threshold"),
		}, nil
	default:
		return &ast.QueryNode{
			Name:       name,
			Datasource: dsID,
			SQL:        body,
			MaxRows:    attrInt(el.attrs, "max_rows"),
			Timeout:    attrInt(el.attrs, "timeout"),
		}, nil
	}
}

func (p *Parser) parseWebSocket(el *element, ctx parseCtx) (ast.Node, error) {
	ws := &ast.WebSocketNode{Name: el.attrs["name"], URL: el.attrs["url"]}
	for _, c := range el.childElements() {
		if c.space != "q" || c.local != "handler" {
			return nil, parseErrorf("unknown tag <%s> inside <q:websocket>", c.qualifiedName())
		}
		body, err := p.parseChildren(c, ctx)
		if err != nil {
			return nil, err
		}
		ws.Handlers = append(ws.Handlers, &ast.WebSocketHandlerNode{
			Event: c.attrs["event"],
			Body:  body,
		})
	}
	return ws, nil
}

func (p *Parser) parseAgent(el *element, ctx parseCtx) (ast.Node, error) {
	agent := &ast.AgentNode{
		Name:          el.attrs["name"],
		LLM:           el.attrs["llm"],
		MaxIterations: attrInt(el.attrs, "max_iterations"),
	}
	for _, c := range el.childElements() {
		if c.space != "q" {
			return nil, parseErrorf("unknown tag <%s> inside <q:agent>", c.qualifiedName())
		}
		switch c.local {
		case "instruction":
			agent.Instructions = append(agent.Instructions, &ast.AgentInstructionNode{Text: c.innerText()})
		case "tool":
			tool := &ast.AgentToolNode{
				Name:        c.attrs["name"],
				Description: c.attrs["description"],
			}
			for _, tc := range c.children {
				if tc.el != nil && tc.el.space == "q" && tc.el.local == "param" {
					tool.Params = append(tool.Params, &ast.AgentToolParamNode{
						Name:        tc.el.attrs["name"],
						Type:        tc.el.attrs["type"],
						Description: tc.el.attrs["description"],
						Required:    attrBool(tc.el.attrs, "required", false),
						Default:     tc.el.attrs["default"],
					})
					continue
				}
				nodes, err := p.parseChildren(&element{children: []xchild{tc}}, ctx)
				if err != nil {
					return nil, err
				}
				tool.Body = append(tool.Body, nodes...)
			}
			agent.Tools = append(agent.Tools, tool)
		default:
			return nil, parseErrorf("unknown tag <q:%s> inside <q:agent>", c.local)
		}
	}
	return agent, nil
}

func parseDatasource(el *element) *ast.DatasourceNode {
	attrs := map[string]string{}
	for k, v := range el.attrs {
		if k != "id" && k != "type" {
			attrs[k] = v
		}
	}
	return &ast.DatasourceNode{
		ID:         el.attrs["id"],
		Type:       ast.DatasourceType(el.attrs["type"]),
		Attributes: attrs,
	}
}

// parseMail takes the body from the body attribute or the inner content.
// Foreign-namespace children inside the body pass through serialized, which
// keeps templated markup intact.
func parseMail(el *element) *ast.MailNode {
	body := el.attrs["body"]
	if body == "" {
		var b strings.Builder
		for _, c := range el.children {
			if c.el != nil {
				b.WriteString(c.el.serialize())
			} else {
				b.WriteString(c.text)
			}
		}
		body = strings.TrimSpace(b.String())
	}
	return &ast.MailNode{
		To:        el.attrs["to"],
		Subject:   el.attrs["subject"],
		Body:      body,
		From:      el.attrs["from"],
		CC:        el.attrs["cc"],
		BCC:       el.attrs["bcc"],
		ReplyTo:   el.attrs["reply_to"],
		Type:      el.attrs["type"],
		ResultVar: el.attrs["result_var"],
	}
}

func parseMessage(el *element) *ast.MessageNode {
	msg := &ast.MessageNode{
		Name:    el.attrs["name"],
		Type:    el.attrs["type"],
		Topic:   el.attrs["topic"],
		Queue:   el.attrs["queue"],
		Body:    el.attrs["body"],
		Timeout: attrInt(el.attrs, "timeout"),
	}
	for _, c := range el.childElements() {
		if c.space == "q" && c.local == "header" {
			msg.Headers = append(msg.Headers, &ast.MessageHeaderNode{
				Name:  c.attrs["name"],
				Value: c.attrs["value"],
			})
		}
	}
	if msg.Body == "" {
		msg.Body = el.innerText()
	}
	return msg
}

var jobReservedAttrs = map[string]bool{
	"name": true, "queue": true, "priority": true, "delay": true,
	"max_attempts": true, "backoff": true, "result": true,
}

// parseJob treats every attribute outside the reserved set as a job
// parameter.
func parseJob(el *element) *ast.JobNode {
	params := map[string]string{}
	for k, v := range el.attrs {
		if !jobReservedAttrs[k] {
			params[k] = v
		}
	}
	return &ast.JobNode{
		Name:        el.attrs["name"],
		Queue:       el.attrs["queue"],
		Params:      params,
		Priority:    attrInt(el.attrs, "priority"),
		Delay:       el.attrs["delay"],
		MaxAttempts: attrInt(el.attrs, "max_attempts"),
		Backoff:     el.attrs["backoff"],
		Result:      el.attrs["result"],
	}
}

func parseKnowledge(el *element) *ast.KnowledgeNode {
	kb := &ast.KnowledgeNode{
		Name:         el.attrs["name"],
		Embedder:     el.attrs["embedder"],
		ChunkSize:    attrInt(el.attrs, "chunk_size"),
		ChunkOverlap: attrInt(el.attrs, "chunk_overlap"),
	}
	for _, c := range el.childElements() {
		if c.space == "q" && c.local == "source" {
			kb.Sources = append(kb.Sources, &ast.KnowledgeSourceNode{
				Path:      c.attrs["path"],
				URL:       c.attrs["url"],
				Recursive: attrBool(c.attrs, "recursive", false),
				Include:   c.attrs["include"],
				Exclude:   c.attrs["exclude"],
			})
		}
	}
	return kb
}

func resultVar(attrs *element) string {
	if v := attrs.attrs["result_var"]; v != "" {
		return v
	}
	return attrs.attrs["result"]
}

// Attribute coercion is lenient: values that do not parse (including
// unresolved {expr} bindings) coerce to the zero value and resolve later.
func attrInt(attrs map[string]string, name string) int {
	n, _ := strconv.Atoi(attrs[name])
	return n
}

func attrFloat(attrs map[string]string, name string) float64 {
	f, _ := strconv.ParseFloat(attrs[name], 64)
	return f
}

func attrBool(attrs map[string]string, name string, def bool) bool {
	switch strings.ToLower(attrs[name]) {
	case "true", "1", "yes", "on":
		return true
	case "false", "0", "no", "off":
		return false
	default:
		return def
	}
}
