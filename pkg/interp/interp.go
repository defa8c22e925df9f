// Package interp walks parsed statement lists, producing rendered output and
// a mutated execution context. Collaborator services are injected; a missing
// collaborator surfaces as a captured result error or a RenderError per the
// statement's error policy.
package interp

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/quillframe/quill/pkg/ast"
	"github.com/quillframe/quill/pkg/binding"
	"github.com/quillframe/quill/pkg/broker"
	"github.com/quillframe/quill/pkg/database"
	"github.com/quillframe/quill/pkg/expr"
	"github.com/quillframe/quill/pkg/jobs"
	"github.com/quillframe/quill/pkg/knowledge"
	"github.com/quillframe/quill/pkg/llms"
	"github.com/quillframe/quill/pkg/logger"
	"github.com/quillframe/quill/pkg/persist"
	"github.com/quillframe/quill/pkg/scope"
	"github.com/quillframe/quill/pkg/ws"
)

const llmCacheSize = 256

// Database runs SQL for query statements.
type Database interface {
	ExecuteQuery(ctx context.Context, datasourceID, sqlText string, params []any, maxRows, timeoutSec int) database.QueryResult
}

// MailOptions are the optional envelope fields of one outgoing mail.
type MailOptions struct {
	From    string
	CC      string
	BCC     string
	ReplyTo string
	Type    string // html or text
}

// Mailer delivers mail statements.
type Mailer interface {
	SendEmail(ctx context.Context, to, subject, body string, opts MailOptions) error
}

// UploadOptions constrain a file upload.
type UploadOptions struct {
	AllowedExtensions []string
	MaxFileSize       int64
	NameConflict      string // makeunique, overwrite, error
}

// FileHandler stores uploads for file statements. It returns the stored path.
type FileHandler interface {
	HandleUpload(ctx context.Context, field, destination string, opts UploadOptions) (string, error)
}

// ActionSignal connects action statements to the surrounding HTTP request.
type ActionSignal interface {
	// Matches reports whether the current request targets the named action.
	Matches(name, method string) bool
	// FormParams returns the request's form parameters.
	FormParams() map[string]any
}

// Interpreter executes statement lists. One Interpreter serves many
// concurrent executions; per-execution state lives in a run.
type Interpreter struct {
	engine   *expr.Engine
	binder   *binding.Resolver
	db       Database
	mailer   Mailer
	files    FileHandler
	action   ActionSignal
	broker   broker.Broker
	threads  *jobs.ThreadService
	sched    *jobs.Scheduler
	queue    *jobs.JobQueue
	sockets  *ws.Service
	know     *knowledge.Service
	llm      *llms.Client
	store    persist.Store
	llmCache *lru.Cache[string, *llms.Response]
	log      *slog.Logger
}

type Option func(*Interpreter)

func WithEngine(e *expr.Engine) Option          { return func(i *Interpreter) { i.engine = e } }
func WithDatabase(db Database) Option           { return func(i *Interpreter) { i.db = db } }
func WithMailer(m Mailer) Option                { return func(i *Interpreter) { i.mailer = m } }
func WithFileHandler(f FileHandler) Option      { return func(i *Interpreter) { i.files = f } }
func WithActionSignal(a ActionSignal) Option    { return func(i *Interpreter) { i.action = a } }
func WithBroker(b broker.Broker) Option         { return func(i *Interpreter) { i.broker = b } }
func WithThreads(t *jobs.ThreadService) Option  { return func(i *Interpreter) { i.threads = t } }
func WithScheduler(s *jobs.Scheduler) Option    { return func(i *Interpreter) { i.sched = s } }
func WithJobQueue(q *jobs.JobQueue) Option      { return func(i *Interpreter) { i.queue = q } }
func WithSockets(s *ws.Service) Option          { return func(i *Interpreter) { i.sockets = s } }
func WithKnowledge(k *knowledge.Service) Option { return func(i *Interpreter) { i.know = k } }
func WithLLM(c *llms.Client) Option             { return func(i *Interpreter) { i.llm = c } }
func WithPersistStore(s persist.Store) Option   { return func(i *Interpreter) { i.store = s } }

func New(opts ...Option) *Interpreter {
	in := &Interpreter{
		engine: expr.New(),
		log:    logger.GetLogger("interp"),
	}
	for _, opt := range opts {
		opt(in)
	}
	in.binder = binding.NewResolver(in.engine)
	in.llmCache, _ = lru.New[string, *llms.Response](llmCacheSize)
	return in
}

// RenderError reports a statement that could not produce output and had no
// result variable to capture the failure.
type RenderError struct {
	NodeKind string
	Message  string
	Cause    error
}

func (e *RenderError) Error() string {
	return fmt.Sprintf("render %s: %s", e.NodeKind, e.Message)
}

func (e *RenderError) Unwrap() error { return e.Cause }

func renderErrorf(kind string, cause error, format string, args ...any) error {
	return &RenderError{NodeKind: kind, Message: fmt.Sprintf(format, args...), Cause: cause}
}

// errorKind maps an error to its wire-visible taxonomy tag for the HTML
// comment emitted at the failure point.
func errorKind(err error) string {
	var (
		syntaxErr    *expr.SyntaxError
		unsafeErr    *expr.UnsafeExpressionError
		undefinedErr *expr.UndefinedNameError
		runtimeErr   *expr.RuntimeError
		brokerErr    *broker.BrokerError
		timeoutErr   *broker.TimeoutError
		storageErr   *persist.StorageError
	)
	switch {
	case errors.As(err, &syntaxErr):
		return "SyntaxError"
	case errors.As(err, &unsafeErr):
		return "UnsafeExpression"
	case errors.As(err, &undefinedErr):
		return "UndefinedName"
	case errors.As(err, &runtimeErr):
		return "RuntimeError"
	case errors.As(err, &brokerErr):
		return "BrokerError"
	case errors.As(err, &timeoutErr):
		return "TimeoutError"
	case errors.As(err, &storageErr):
		return "StorageError"
	default:
		return "RenderError"
	}
}

// returnSignal unwinds a function body when a return statement executes.
type returnSignal struct{ value any }

func (returnSignal) Error() string { return "return outside function" }

// run is the state of one execution: the scoped context, per-run service
// registries and the output buffer.
type run struct {
	in        *Interpreter
	sc        *scope.Context
	app       *ast.ApplicationNode
	persist   *persist.Manager
	llms      map[string]llms.Config
	agents    map[string]*ast.AgentNode
	knowEmbed map[string]knowledge.EmbedderConfig
	delivery  *broker.Message // bound inside subscribe handlers
	out       strings.Builder
	firstErr  error
}

func (in *Interpreter) newRun(sc *scope.Context, app *ast.ApplicationNode) *run {
	r := &run{in: in, sc: sc, app: app,
		llms:      map[string]llms.Config{},
		agents:    map[string]*ast.AgentNode{},
		knowEmbed: map[string]knowledge.EmbedderConfig{},
	}
	if in.store != nil {
		r.persist = persist.NewManager(in.store)
	}
	return r
}

// Execute walks nodes against an existing context and returns the rendered
// output. Statement failures without a result sink render as HTML comments;
// the first such failure is also returned.
func (in *Interpreter) Execute(ctx context.Context, nodes []ast.Node, sc *scope.Context) (string, error) {
	return in.execute(ctx, nodes, sc, nil)
}

// RedirectVar is the scope variable an action's redirect attribute writes.
// Callers inspect it after rendering to issue an HTTP redirect.
const RedirectVar = "__redirect__"

// RenderWith is Render with a caller-owned scope, letting the caller inspect
// variables (action results, RedirectVar) after execution.
func (in *Interpreter) RenderWith(ctx context.Context, app *ast.ApplicationNode, comp *ast.ComponentNode, sc *scope.Context) (string, error) {
	return in.execute(ctx, comp.Statements, sc, app)
}

// Render executes a component in a fresh context seeded with vars, resolving
// datasources through the surrounding application.
func (in *Interpreter) Render(ctx context.Context, app *ast.ApplicationNode, comp *ast.ComponentNode, vars map[string]any) (string, error) {
	return in.execute(ctx, comp.Statements, scope.NewWith(vars), app)
}

func (in *Interpreter) execute(ctx context.Context, nodes []ast.Node, sc *scope.Context, app *ast.ApplicationNode) (string, error) {
	r := in.newRun(sc, app)
	r.restore(ctx, nodes)
	if err := r.execList(ctx, nodes); err != nil {
		var ret returnSignal
		if !errors.As(err, &ret) {
			return r.out.String(), err
		}
		// a stray return terminates the list early
	}
	return r.out.String(), r.firstErr
}

// restore registers every persistence declaration found in the tree and pulls
// stored values into the component frame before execution begins.
func (r *run) restore(ctx context.Context, nodes []ast.Node) {
	if r.persist == nil {
		return
	}
	r.registerPersist(nodes)
	r.persist.RestoreAll(ctx, func(name string, val any) {
		r.sc.SetComponent(name, val)
	})
}

func (r *run) registerPersist(nodes []ast.Node) {
	for _, n := range nodes {
		switch v := n.(type) {
		case *ast.SetNode:
			if v.Persist != "" {
				r.registerSetBinding(v)
			}
		case *ast.PersistNode:
			for _, name := range v.Vars {
				if err := r.persist.Register(persist.Binding{
					Name:    name,
					Scope:   persist.Scope(v.Scope),
					Prefix:  v.Prefix,
					TTL:     secondsToDuration(v.TTL),
					Encrypt: v.Encrypt,
				}); err != nil {
					r.in.log.Warn("invalid persist declaration", "variable", name, "error", err)
				}
			}
		}
		r.registerPersist(ast.Children(n))
	}
}

func (r *run) registerSetBinding(n *ast.SetNode) {
	if err := r.persist.Register(persist.Binding{
		Name:    n.Name,
		Scope:   persist.Scope(n.Persist),
		Key:     n.PersistKey,
		TTL:     secondsToDuration(n.PersistTTL),
		Encrypt: n.PersistEncrypt,
	}); err != nil {
		r.in.log.Warn("invalid persist attributes", "variable", n.Name, "error", err)
	}
}

// execList runs statements in order. A failing statement renders an HTML
// comment at the failure point and execution continues; return signals
// propagate untouched so function calls can catch them.
func (r *run) execList(ctx context.Context, nodes []ast.Node) error {
	for _, n := range nodes {
		err := r.exec(ctx, n)
		if err == nil {
			continue
		}
		var ret returnSignal
		if errors.As(err, &ret) {
			return err
		}
		fmt.Fprintf(&r.out, "<!-- %s: %s -->", errorKind(err), err.Error())
		if r.firstErr == nil {
			r.firstErr = err
		}
	}
	return nil
}

func (r *run) exec(ctx context.Context, n ast.Node) error {
	switch v := n.(type) {
	case *ast.TextNode:
		r.out.WriteString(r.bindString(v.Text))
		return nil
	case *ast.RawCodeNode:
		r.out.WriteString(r.bindString(v.Code))
		return nil
	case *ast.HTMLNode:
		return r.execHTML(ctx, v)
	case *ast.SetNode:
		return r.execSet(ctx, v)
	case *ast.IfNode:
		return r.execIf(ctx, v)
	case *ast.LoopNode:
		return r.execLoop(ctx, v)
	case *ast.FunctionNode:
		return r.sc.RegisterFunction(&scope.FunctionDescriptor{Name: v.Name, Params: v.Params, Body: v.Body})
	case *ast.FunctionCallNode:
		return r.execCall(ctx, v)
	case *ast.ReturnNode:
		return returnSignal{value: r.bindValue(v.Value)}
	case *ast.QueryNode:
		return r.execQuery(ctx, v)
	case *ast.ActionNode:
		return r.execAction(ctx, v)
	case *ast.MailNode:
		return r.execMail(ctx, v)
	case *ast.FileNode:
		return r.execFile(ctx, v)
	case *ast.DumpNode:
		return r.execDump(v)
	case *ast.LogNode:
		return r.execLog(v)
	case *ast.MessageNode:
		return r.execMessage(ctx, v)
	case *ast.SubscribeNode:
		return r.execSubscribe(ctx, v)
	case *ast.QueueNode:
		return r.execQueue(v)
	case *ast.MessageAckNode:
		return r.execAck()
	case *ast.MessageNackNode:
		return r.execNack(v)
	case *ast.ScheduleNode:
		return r.execSchedule(ctx, v)
	case *ast.ThreadNode:
		return r.execThread(ctx, v)
	case *ast.JobNode:
		return r.execJob(ctx, v)
	case *ast.WebSocketNode:
		return r.execWebSocket(ctx, v)
	case *ast.WebSocketSendNode:
		return r.execWebSocketSend(v)
	case *ast.WebSocketCloseNode:
		return r.execWebSocketClose(ctx, v)
	case *ast.PersistNode:
		// handled during restore; contributes no output
		return nil
	case *ast.AgentNode:
		r.agents[v.Name] = v
		return nil
	case *ast.AgentExecuteNode:
		return r.execAgentExecute(ctx, v)
	case *ast.LLMNode:
		return r.execLLMDeclare(v)
	case *ast.LLMGenerateNode:
		return r.execLLMGenerate(ctx, v)
	case *ast.KnowledgeNode:
		return r.execKnowledge(ctx, v)
	case *ast.SearchNode:
		return r.execSearch(ctx, v)
	case *ast.UIWidgetNode:
		return r.execElement(ctx, v.Widget, v.Attributes, v.Children)
	case *ast.TerminalWidgetNode:
		return r.execElement(ctx, v.Widget, v.Attributes, v.Children)
	case *ast.GameNode:
		return r.execElement(ctx, v.Element, v.Attributes, v.Children)
	case *ast.ComponentNode:
		return r.execList(ctx, v.Statements)
	default:
		return renderErrorf(n.Kind(), nil, "no evaluation rule for %q statements", n.Kind())
	}
}

// vars flattens the visible scope for expression evaluation.
func (r *run) vars() map[string]any { return r.sc.Snapshot() }

func (r *run) bindValue(text string) any {
	return r.in.binder.Apply(text, r.vars())
}

func (r *run) bindString(text string) string {
	return r.in.binder.ApplyString(text, r.vars())
}
