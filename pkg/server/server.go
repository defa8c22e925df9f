// Package server exposes the runtime over HTTP: document rendering, action
// signals and websocket upgrades.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/quillframe/quill/pkg/logger"
	"github.com/quillframe/quill/pkg/runtime"
	"github.com/quillframe/quill/pkg/ws"
)

// Server routes HTTP traffic into a runtime. Documents are resolved under
// the configured document root.
type Server struct {
	rt       *runtime.Runtime
	root     string
	upgrader websocket.Upgrader
	log      *slog.Logger
}

func New(rt *runtime.Runtime) *Server {
	return &Server{
		rt:   rt,
		root: rt.Config().Server.DocumentRoot,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
		log: logger.GetLogger("server"),
	}
}

// Handler builds the route table.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Get("/healthz", s.handleHealth)
	r.Get("/render/*", s.handleRender)
	r.Post("/actions/{name}", s.handleAction)
	r.Get("/ws/{name}", s.handleWebSocket)
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())
	return r
}

// ListenAndServe blocks until ctx is canceled, then drains with the
// configured shutdown timeout.
func (s *Server) ListenAndServe(ctx context.Context) error {
	cfg := s.rt.Config().Server
	srv := &http.Server{
		Addr:         cfg.Addr,
		Handler:      s.Handler(),
		ReadTimeout:  time.Duration(cfg.ReadTimeout) * time.Second,
		WriteTimeout: time.Duration(cfg.WriteTimeout) * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.log.Info("listening", "addr", cfg.Addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Duration(cfg.ShutdownTimeout)*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	fmt.Fprintln(w, "ok")
}

// documentPath resolves a request path under the document root, rejecting
// escapes.
func (s *Server) documentPath(raw string) (string, error) {
	cleaned := filepath.Clean("/" + raw)
	if cleaned == "/" {
		return "", errors.New("empty document path")
	}
	full := filepath.Join(s.root, cleaned)
	rootAbs, err := filepath.Abs(s.root)
	if err != nil {
		return "", err
	}
	fullAbs, err := filepath.Abs(full)
	if err != nil {
		return "", err
	}
	if fullAbs != rootAbs && !strings.HasPrefix(fullAbs, rootAbs+string(filepath.Separator)) {
		return "", fmt.Errorf("path %q escapes document root", raw)
	}
	return fullAbs, nil
}

func (s *Server) handleRender(w http.ResponseWriter, r *http.Request) {
	path, err := s.documentPath(chi.URLParam(r, "*"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	vars := map[string]any{}
	for key, values := range r.URL.Query() {
		if len(values) > 0 {
			vars[key] = values[0]
		}
	}

	out, err := s.rt.RenderFile(r.Context(), path, vars)
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, os.ErrNotExist) {
			status = http.StatusNotFound
		}
		s.log.Error("render failed", "path", path, "error", err)
		http.Error(w, err.Error(), status)
		return
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	fmt.Fprint(w, out)
}

// actionSignal adapts an HTTP form post to the interpreter's action trigger.
type actionSignal struct {
	name   string
	method string
	params map[string]any
}

func (a actionSignal) Matches(name, method string) bool {
	if name != a.name {
		return false
	}
	return method == "" || strings.EqualFold(method, a.method)
}

func (a actionSignal) FormParams() map[string]any { return a.params }

// handleAction executes a document under an action signal. The target
// document comes from the `doc` query parameter; form fields become the
// action's parameters. A matched redirect answers 303.
func (s *Server) handleAction(w http.ResponseWriter, r *http.Request) {
	doc := r.URL.Query().Get("doc")
	if doc == "" {
		http.Error(w, "missing doc parameter", http.StatusBadRequest)
		return
	}
	path, err := s.documentPath(doc)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	if err := r.ParseForm(); err != nil {
		http.Error(w, "malformed form body", http.StatusBadRequest)
		return
	}
	params := map[string]any{}
	for key, values := range r.PostForm {
		if len(values) > 0 {
			params[key] = values[0]
		}
	}

	sig := actionSignal{
		name:   chi.URLParam(r, "name"),
		method: r.Method,
		params: params,
	}
	outcome, err := s.rt.ExecuteAction(r.Context(), path, sig, nil)
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, os.ErrNotExist) {
			status = http.StatusNotFound
		}
		s.log.Error("action failed", "action", sig.name, "path", path, "error", err)
		http.Error(w, err.Error(), status)
		return
	}

	if outcome.Redirect != "" {
		http.Redirect(w, r, outcome.Redirect, http.StatusSeeOther)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	fmt.Fprint(w, outcome.HTML)
}

// handleWebSocket upgrades the connection and bridges it into the socket
// service under the logical name from the URL.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("websocket upgrade failed", "name", name, "error", err)
		return
	}

	bridge := ws.NewBridge(s.rt.Sockets(), conn, name)
	if err := bridge.Run(r.Context()); err != nil {
		s.log.Debug("websocket bridge closed", "name", name, "error", err)
	}
}
