package ast

// MessageHeaderNode attaches one header to an outgoing message.
type MessageHeaderNode struct {
	Name  string
	Value string
}

func (n *MessageHeaderNode) Kind() string { return "message-header" }

func (n *MessageHeaderNode) Validate() []error {
	return requireAttr("message-header", "name", n.Name)
}

func (n *MessageHeaderNode) ToDict() map[string]any {
	return map[string]any{"kind": "message-header", "name": n.Name, "value": n.Value}
}

// MessageNode publishes, sends, or requests through the broker depending on
// Type. Stores a MessageResult under Name.
type MessageNode struct {
	Name    string
	Type    string // publish, send, request
	Topic   string
	Queue   string
	Body    string
	Headers []*MessageHeaderNode
	Timeout int // milliseconds, request only
}

func (n *MessageNode) Kind() string { return "message" }

func (n *MessageNode) Validate() []error {
	var errs []error
	switch n.Type {
	case "publish":
		errs = append(errs, requireAttr("message", "topic", n.Topic)...)
	case "send", "request":
		errs = append(errs, requireAttr("message", "queue", n.Queue)...)
	case "":
		errs = append(errs, validationErrorf("message", "missing required attribute %q", "type"))
	default:
		errs = append(errs, validationErrorf("message", "unknown type %q", n.Type))
	}
	return errs
}

func (n *MessageNode) ToDict() map[string]any {
	headers := make([]any, len(n.Headers))
	for i, h := range n.Headers {
		headers[i] = h.ToDict()
	}
	return map[string]any{
		"kind":    "message",
		"name":    n.Name,
		"type":    n.Type,
		"topic":   n.Topic,
		"queue":   n.Queue,
		"body":    n.Body,
		"headers": headers,
		"timeout": n.Timeout,
	}
}

// SubscribeNode registers a durable handler on the broker. The handler body
// runs in a fresh context per delivery.
type SubscribeNode struct {
	Topic   string
	Queue   string
	Ack     string // auto or manual
	Handler []Node
}

func (n *SubscribeNode) Kind() string { return "subscribe" }

func (n *SubscribeNode) Validate() []error {
	var errs []error
	if n.Topic == "" && n.Queue == "" {
		errs = append(errs, validationErrorf("subscribe", "requires topic or queue"))
	}
	switch n.Ack {
	case "", "auto", "manual":
	default:
		errs = append(errs, validationErrorf("subscribe", "unknown ack mode %q", n.Ack))
	}
	return errs
}

func (n *SubscribeNode) ToDict() map[string]any {
	return map[string]any{
		"kind":    "subscribe",
		"topic":   n.Topic,
		"queue":   n.Queue,
		"ack":     n.Ack,
		"handler": childDicts(n.Handler),
	}
}

// QueueNode manages queue lifecycle: declare, delete, purge, or info.
type QueueNode struct {
	Name       string
	Operation  string // declare, delete, purge, info
	Durable    bool
	AutoDelete bool
	DLQ        string
	TTL        int
	Result     string
}

func (n *QueueNode) Kind() string { return "queue" }

func (n *QueueNode) Validate() []error {
	errs := requireAttr("queue", "name", n.Name)
	switch n.Operation {
	case "", "declare", "delete", "purge", "info":
	default:
		errs = append(errs, validationErrorf("queue", "unknown operation %q", n.Operation))
	}
	return errs
}

func (n *QueueNode) ToDict() map[string]any {
	return map[string]any{
		"kind":        "queue",
		"name":        n.Name,
		"operation":   n.Operation,
		"durable":     n.Durable,
		"auto_delete": n.AutoDelete,
		"dlq":         n.DLQ,
		"ttl":         n.TTL,
		"result":      n.Result,
	}
}

// MessageAckNode acknowledges the delivery bound in a subscribe handler.
type MessageAckNode struct{}

func (n *MessageAckNode) Kind() string            { return "message-ack" }
func (n *MessageAckNode) Validate() []error       { return nil }
func (n *MessageAckNode) ToDict() map[string]any  { return map[string]any{"kind": "message-ack"} }

// MessageNackNode negatively acknowledges the delivery bound in a subscribe
// handler.
type MessageNackNode struct {
	Requeue bool
}

func (n *MessageNackNode) Kind() string      { return "message-nack" }
func (n *MessageNackNode) Validate() []error { return nil }
func (n *MessageNackNode) ToDict() map[string]any {
	return map[string]any{"kind": "message-nack", "requeue": n.Requeue}
}
