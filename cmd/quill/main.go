// Command quill renders, validates and serves q: namespaced documents.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/alecthomas/kong"

	"github.com/quillframe/quill/pkg/ast"
	"github.com/quillframe/quill/pkg/config"
	"github.com/quillframe/quill/pkg/parser"
	"github.com/quillframe/quill/pkg/runtime"
	"github.com/quillframe/quill/pkg/server"
)

type Globals struct {
	Config string `help:"Configuration file (quill.yaml)." short:"c" type:"existingfile" optional:""`
}

func (g *Globals) load() (*config.Config, error) {
	if g.Config == "" {
		return config.Default(), nil
	}
	return config.Load(g.Config)
}

type RenderCmd struct {
	Path string            `arg:"" help:"Document to render." type:"existingfile"`
	Var  map[string]string `help:"Initial variables (name=value)." short:"v"`
}

func (c *RenderCmd) Run(g *Globals) error {
	cfg, err := g.load()
	if err != nil {
		return err
	}
	rt, err := runtime.New(cfg)
	if err != nil {
		return err
	}
	defer rt.Close()

	vars := make(map[string]any, len(c.Var))
	for name, v := range c.Var {
		vars[name] = v
	}

	out, err := rt.RenderFile(context.Background(), c.Path, vars)
	if out != "" {
		fmt.Println(out)
	}
	return err
}

type ValidateCmd struct {
	Path string `arg:"" help:"Document to validate." type:"existingfile"`
}

func (c *ValidateCmd) Run(g *Globals) error {
	content, err := os.ReadFile(c.Path)
	if err != nil {
		return err
	}
	node, err := parser.New().Parse(string(content))
	if err != nil {
		return err
	}

	errs := ast.ValidateTree([]ast.Node{node})
	for _, e := range errs {
		fmt.Fprintln(os.Stderr, e)
	}
	if len(errs) > 0 {
		return fmt.Errorf("%s: %d validation error(s)", c.Path, len(errs))
	}
	fmt.Printf("%s: OK\n", c.Path)
	return nil
}

type ServeCmd struct {
	Addr string `help:"Listen address, overrides config."`
	Docs string `help:"Document root, overrides config."`
}

func (c *ServeCmd) Run(g *Globals) error {
	cfg, err := g.load()
	if err != nil {
		return err
	}
	if c.Addr != "" {
		cfg.Server.Addr = c.Addr
	}
	if c.Docs != "" {
		cfg.Server.DocumentRoot = c.Docs
	}

	rt, err := runtime.New(cfg)
	if err != nil {
		return err
	}
	defer rt.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return server.New(rt).ListenAndServe(ctx)
}

var cli struct {
	Globals

	Render   RenderCmd   `cmd:"" help:"Render a document to HTML."`
	Validate ValidateCmd `cmd:"" help:"Parse and validate a document."`
	Serve    ServeCmd    `cmd:"" help:"Serve documents over HTTP."`
}

func main() {
	ctx := kong.Parse(&cli,
		kong.Name("quill"),
		kong.Description("Declarative document runtime."),
		kong.UsageOnError(),
	)
	ctx.FatalIfErrorf(ctx.Run(&cli.Globals))
}
