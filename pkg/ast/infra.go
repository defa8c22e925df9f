package ast

// ScheduleNode registers a recurring trigger with the scheduler. Exactly one
// of Interval or Cron is set.
type ScheduleNode struct {
	Name     string
	Interval string // duration string: 30s, 5m, 1h, 1d, 1w, or plain seconds
	Cron     string
	Timezone string
	Enabled  bool
	Body     []Node
}

func (n *ScheduleNode) Kind() string { return "schedule" }

func (n *ScheduleNode) Validate() []error {
	errs := requireAttr("schedule", "name", n.Name)
	if n.Interval == "" && n.Cron == "" {
		errs = append(errs, validationErrorf("schedule", "requires interval or cron"))
	}
	if n.Interval != "" && n.Cron != "" {
		errs = append(errs, validationErrorf("schedule", "interval and cron are mutually exclusive"))
	}
	return errs
}

func (n *ScheduleNode) ToDict() map[string]any {
	return map[string]any{
		"kind":     "schedule",
		"name":     n.Name,
		"interval": n.Interval,
		"cron":     n.Cron,
		"timezone": n.Timezone,
		"enabled":  n.Enabled,
		"body":     childDicts(n.Body),
	}
}

// ThreadNode runs its body as a named work unit on the bounded thread pool.
type ThreadNode struct {
	Name     string
	Priority string // low, normal, high
	Body     []Node
}

func (n *ThreadNode) Kind() string { return "thread" }

func (n *ThreadNode) Validate() []error {
	errs := requireAttr("thread", "name", n.Name)
	switch n.Priority {
	case "", "low", "normal", "high":
	default:
		errs = append(errs, validationErrorf("thread", "unknown priority %q", n.Priority))
	}
	return errs
}

func (n *ThreadNode) ToDict() map[string]any {
	return map[string]any{
		"kind":     "thread",
		"name":     n.Name,
		"priority": n.Priority,
		"body":     childDicts(n.Body),
	}
}

// JobNode dispatches a durable job to the persistent queue.
type JobNode struct {
	Name        string
	Queue       string
	Params      map[string]string
	Priority    int
	Delay       string
	MaxAttempts int
	Backoff     string
	Result      string
}

func (n *JobNode) Kind() string { return "job" }

func (n *JobNode) Validate() []error {
	return requireAttr("job", "name", n.Name)
}

func (n *JobNode) ToDict() map[string]any {
	params := make(map[string]any, len(n.Params))
	for k, v := range n.Params {
		params[k] = v
	}
	return map[string]any{
		"kind":         "job",
		"name":         n.Name,
		"queue":        n.Queue,
		"params":       params,
		"priority":     n.Priority,
		"delay":        n.Delay,
		"max_attempts": n.MaxAttempts,
		"backoff":      n.Backoff,
		"result":       n.Result,
	}
}

// WebSocketHandlerNode binds a statement list to a connection event.
type WebSocketHandlerNode struct {
	Event string // connect, message, error, close
	Body  []Node
}

func (n *WebSocketHandlerNode) Kind() string { return "websocket-handler" }

func (n *WebSocketHandlerNode) Validate() []error {
	switch n.Event {
	case "connect", "message", "error", "close":
		return nil
	case "":
		return []error{validationErrorf("websocket-handler", "missing required attribute %q", "event")}
	default:
		return []error{validationErrorf("websocket-handler", "unknown event %q", n.Event)}
	}
}

func (n *WebSocketHandlerNode) ToDict() map[string]any {
	return map[string]any{
		"kind":  "websocket-handler",
		"event": n.Event,
		"body":  childDicts(n.Body),
	}
}

// WebSocketNode declares a logical WebSocket endpoint with event handlers.
type WebSocketNode struct {
	Name     string
	URL      string
	Handlers []*WebSocketHandlerNode
}

func (n *WebSocketNode) Kind() string { return "websocket" }

func (n *WebSocketNode) Validate() []error {
	errs := requireAttr("websocket", "name", n.Name)
	for _, h := range n.Handlers {
		errs = append(errs, h.Validate()...)
	}
	return errs
}

func (n *WebSocketNode) ToDict() map[string]any {
	handlers := make([]any, len(n.Handlers))
	for i, h := range n.Handlers {
		handlers[i] = h.ToDict()
	}
	return map[string]any{
		"kind":     "websocket",
		"name":     n.Name,
		"url":      n.URL,
		"handlers": handlers,
	}
}

// WebSocketSendNode queues an outbound message to a named connection group.
type WebSocketSendNode struct {
	Connection string
	Message    string
	Broadcast  bool
}

func (n *WebSocketSendNode) Kind() string { return "websocket-send" }

func (n *WebSocketSendNode) Validate() []error {
	return requireAttr("websocket-send", "connection", n.Connection)
}

func (n *WebSocketSendNode) ToDict() map[string]any {
	return map[string]any{
		"kind":       "websocket-send",
		"connection": n.Connection,
		"message":    n.Message,
		"broadcast":  n.Broadcast,
	}
}

// WebSocketCloseNode closes a named connection group.
type WebSocketCloseNode struct {
	Connection string
	Code       int
	Reason     string
}

func (n *WebSocketCloseNode) Kind() string { return "websocket-close" }

func (n *WebSocketCloseNode) Validate() []error {
	return requireAttr("websocket-close", "connection", n.Connection)
}

func (n *WebSocketCloseNode) ToDict() map[string]any {
	return map[string]any{
		"kind":       "websocket-close",
		"connection": n.Connection,
		"code":       n.Code,
		"reason":     n.Reason,
	}
}

// PersistNode groups variables for persistence under a shared scope/prefix.
type PersistNode struct {
	Scope   string // local, session, sync
	Prefix  string
	Vars    []string
	TTL     int
	Encrypt bool
}

func (n *PersistNode) Kind() string { return "persist" }

func (n *PersistNode) Validate() []error {
	var errs []error
	switch n.Scope {
	case "local", "session", "sync":
	case "":
		errs = append(errs, validationErrorf("persist", "missing required attribute %q", "scope"))
	default:
		errs = append(errs, validationErrorf("persist", "unknown scope %q", n.Scope))
	}
	if len(n.Vars) == 0 {
		errs = append(errs, validationErrorf("persist", "requires at least one variable"))
	}
	return errs
}

func (n *PersistNode) ToDict() map[string]any {
	vars := make([]any, len(n.Vars))
	for i, v := range n.Vars {
		vars[i] = v
	}
	return map[string]any{
		"kind":    "persist",
		"scope":   n.Scope,
		"prefix":  n.Prefix,
		"vars":    vars,
		"ttl":     n.TTL,
		"encrypt": n.Encrypt,
	}
}
