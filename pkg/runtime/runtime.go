// Package runtime assembles the document engine: parser cache, interpreter
// and every collaborating service, wired from a single configuration.
package runtime

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"sync"

	"github.com/quillframe/quill/pkg/ast"
	"github.com/quillframe/quill/pkg/astcache"
	"github.com/quillframe/quill/pkg/broker"
	"github.com/quillframe/quill/pkg/config"
	"github.com/quillframe/quill/pkg/database"
	"github.com/quillframe/quill/pkg/interp"
	"github.com/quillframe/quill/pkg/jobs"
	"github.com/quillframe/quill/pkg/knowledge"
	"github.com/quillframe/quill/pkg/llms"
	"github.com/quillframe/quill/pkg/logger"
	"github.com/quillframe/quill/pkg/observability"
	"github.com/quillframe/quill/pkg/parser"
	"github.com/quillframe/quill/pkg/persist"
	"github.com/quillframe/quill/pkg/registry"
	"github.com/quillframe/quill/pkg/scope"
	"github.com/quillframe/quill/pkg/ws"
)

// Runtime owns the services a document can reach and renders documents
// through them. One Runtime serves many documents.
type Runtime struct {
	cfg     *config.Config
	cache   *astcache.Cache
	db      *database.Service
	broker  broker.Broker
	threads *jobs.ThreadService
	sched   *jobs.Scheduler
	queue   *jobs.JobQueue
	queueDB *sql.DB
	sockets *ws.Service
	know    *knowledge.Service
	llm     *llms.Client
	store   persist.Store
	apps    registry.Registry[*ast.ApplicationNode]
	log     *slog.Logger
}

var sqlDrivers = map[string]string{"sqlite": "sqlite3", "postgres": "postgres", "mysql": "mysql"}

// New wires a runtime from configuration. A nil config uses defaults.
func New(cfg *config.Config) (*Runtime, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	logger.Init(logger.ParseLevel(cfg.Logging.Level), os.Stderr, cfg.Logging.Format)

	if cfg.Metrics.Enabled {
		metrics, err := observability.InitMetrics(context.Background(), observability.MetricsConfig{Enabled: true})
		if err != nil {
			return nil, fmt.Errorf("init metrics: %w", err)
		}
		observability.SetGlobalMetrics(metrics)
	}

	r := &Runtime{
		cfg:     cfg,
		db:      database.NewService(),
		threads: jobs.NewThreadService(cfg.Jobs.Workers),
		sched:   jobs.NewScheduler(),
		sockets: ws.NewService(),
		llm:     llms.NewClient(),
		store:   persist.NewMemoryStore(),
		apps:    registry.New[*ast.ApplicationNode](),
		log:     logger.GetLogger("runtime"),
	}

	r.cache = astcache.New(astcache.WithMaxSize(cfg.Cache.Documents))
	if cfg.Cache.Watch {
		if err := r.cache.Watch(); err != nil {
			r.log.Warn("document watcher unavailable", "error", err)
		}
	}

	for id, ds := range cfg.Datasources {
		node := &ast.DatasourceNode{ID: id, Type: ast.DatasourceType(ds.Type), Attributes: ds.Attributes}
		if err := r.db.Register(node); err != nil {
			return nil, fmt.Errorf("datasource %q: %w", id, err)
		}
	}

	mem := broker.NewMemoryBroker()
	if err := mem.Connect(nil); err != nil {
		return nil, fmt.Errorf("connect broker: %w", err)
	}
	r.broker = mem

	vectors, err := knowledge.NewChromemStore(cfg.Knowledge.PersistPath, cfg.Knowledge.Compress)
	if err != nil {
		return nil, fmt.Errorf("open vector store: %w", err)
	}
	r.know = knowledge.NewService(vectors, r.llm)

	if dsn := cfg.Jobs.Queue.DSN; dsn != "" {
		db, err := sql.Open(sqlDrivers[cfg.Jobs.Queue.Driver], dsn)
		if err != nil {
			return nil, fmt.Errorf("open job store: %w", err)
		}
		queue, err := jobs.NewJobQueue(db, cfg.Jobs.Queue.Driver)
		if err != nil {
			db.Close()
			return nil, fmt.Errorf("prepare job store: %w", err)
		}
		r.queue = queue
		r.queueDB = db
	}

	r.sched.Start()
	return r, nil
}

var (
	defaultOnce sync.Once
	defaultRT   *Runtime
	defaultErr  error
)

// Default returns a lazily created process-wide runtime with default
// configuration.
func Default() (*Runtime, error) {
	defaultOnce.Do(func() {
		defaultRT, defaultErr = New(nil)
	})
	return defaultRT, defaultErr
}

func (r *Runtime) Config() *config.Config      { return r.cfg }
func (r *Runtime) Cache() *astcache.Cache      { return r.cache }
func (r *Runtime) Database() *database.Service { return r.db }
func (r *Runtime) Broker() broker.Broker       { return r.broker }
func (r *Runtime) Threads() *jobs.ThreadService { return r.threads }
func (r *Runtime) Scheduler() *jobs.Scheduler  { return r.sched }
func (r *Runtime) Jobs() *jobs.JobQueue        { return r.queue }
func (r *Runtime) Sockets() *ws.Service        { return r.sockets }
func (r *Runtime) Knowledge() *knowledge.Service { return r.know }
func (r *Runtime) LLM() *llms.Client           { return r.llm }

// Application returns a previously rendered application by its id.
func (r *Runtime) Application(id string) (*ast.ApplicationNode, bool) {
	return r.apps.Get(id)
}

// Interpreter builds an interpreter over the runtime's services. Extra
// options apply per call, typically an action signal.
func (r *Runtime) Interpreter(opts ...interp.Option) *interp.Interpreter {
	base := []interp.Option{
		interp.WithDatabase(r.db),
		interp.WithBroker(r.broker),
		interp.WithThreads(r.threads),
		interp.WithScheduler(r.sched),
		interp.WithSockets(r.sockets),
		interp.WithKnowledge(r.know),
		interp.WithLLM(r.llm),
		interp.WithPersistStore(r.store),
	}
	if r.queue != nil {
		base = append(base, interp.WithJobQueue(r.queue))
	}
	return interp.New(append(base, opts...)...)
}

// RenderFile parses (through the cache) and renders a document file.
func (r *Runtime) RenderFile(ctx context.Context, path string, vars map[string]any, opts ...interp.Option) (string, error) {
	node, err := r.loadFile(path)
	if err != nil {
		return "", err
	}
	out, _, err := r.render(ctx, node, scope.NewWith(vars), opts...)
	return out, err
}

// RenderSource renders a document from a string, bypassing the cache.
func (r *Runtime) RenderSource(ctx context.Context, source string, vars map[string]any, opts ...interp.Option) (string, error) {
	node, err := parser.New().Parse(source)
	if err != nil {
		return "", err
	}
	out, _, err := r.render(ctx, node, scope.NewWith(vars), opts...)
	return out, err
}

// ActionOutcome is the result of executing a document under an action
// signal.
type ActionOutcome struct {
	HTML     string
	Redirect string
}

// ExecuteAction renders a document file with an action signal bound and
// reports any redirect the matched action requested.
func (r *Runtime) ExecuteAction(ctx context.Context, path string, sig interp.ActionSignal, vars map[string]any) (*ActionOutcome, error) {
	node, err := r.loadFile(path)
	if err != nil {
		return nil, err
	}

	sc := scope.NewWith(vars)
	out, _, err := r.render(ctx, node, sc, interp.WithActionSignal(sig))
	if err != nil {
		return nil, err
	}

	outcome := &ActionOutcome{HTML: out}
	if redirect, ok := sc.Get(interp.RedirectVar); ok {
		outcome.Redirect, _ = redirect.(string)
	}
	return outcome, nil
}

func (r *Runtime) loadFile(path string) (ast.Node, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read document: %w", err)
	}
	return r.cache.GetOrParse(path, func(src string) (ast.Node, error) {
		return parser.New().Parse(src)
	}, string(content))
}

// render resolves the document root to a component and executes it. For
// applications the entry component is the one named "main", falling back to
// the first declared.
func (r *Runtime) render(ctx context.Context, node ast.Node, sc *scope.Context, opts ...interp.Option) (string, *ast.ApplicationNode, error) {
	in := r.Interpreter(opts...)

	switch doc := node.(type) {
	case *ast.ApplicationNode:
		for _, ds := range doc.Datasources {
			if ds.Type.IsDatabase() {
				if err := r.db.Register(ds); err != nil {
					return "", nil, fmt.Errorf("application %q: %w", doc.ID, err)
				}
			}
		}
		r.apps.Put(doc.ID, doc)

		comp := entryComponent(doc)
		if comp == nil {
			return "", nil, fmt.Errorf("application %q has no components", doc.ID)
		}
		out, err := in.RenderWith(ctx, doc, comp, sc)
		return out, doc, err
	case *ast.ComponentNode:
		out, err := in.RenderWith(ctx, nil, doc, sc)
		return out, nil, err
	default:
		out, err := in.Execute(ctx, []ast.Node{node}, sc)
		return out, nil, err
	}
}

func entryComponent(app *ast.ApplicationNode) *ast.ComponentNode {
	for _, comp := range app.Components {
		if comp.Name == "main" {
			return comp
		}
	}
	if len(app.Components) > 0 {
		return app.Components[0]
	}
	return nil
}

// Close releases every service. The runtime is unusable afterwards.
func (r *Runtime) Close() error {
	var firstErr error
	keep := func(err error) {
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}

	r.sched.Stop()
	r.threads.Shutdown()
	if r.queue != nil {
		r.queue.StopWorkers()
		keep(r.queueDB.Close())
	}
	keep(r.broker.Disconnect())
	keep(r.cache.Close())
	keep(r.db.Close())
	return firstErr
}
