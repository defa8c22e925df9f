package interp

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/quillframe/quill/pkg/agent"
	"github.com/quillframe/quill/pkg/ast"
	"github.com/quillframe/quill/pkg/knowledge"
	"github.com/quillframe/quill/pkg/llms"
	"github.com/quillframe/quill/pkg/value"
)

func (r *run) execLLMDeclare(n *ast.LLMNode) error {
	cfg := llms.Config{
		Provider:  llms.Provider(n.Provider),
		Endpoint:  n.Host,
		Model:     n.Model,
		APIKey:    n.APIKey,
		MaxTokens: n.MaxTokens,
	}
	if n.Temperature != "" {
		if t, ok := value.AsFloat(r.bindValue(n.Temperature)); ok {
			cfg.Temperature = t
		}
	}
	if cfg.Provider == "" {
		cfg.Provider = llms.DetectProvider(cfg.Endpoint)
	}
	r.llms[n.Name] = cfg
	return nil
}

// llmConfig resolves a model binding by name: declared llm statements first,
// then llm datasources of the surrounding application.
func (r *run) llmConfig(id string) (llms.Config, error) {
	if cfg, ok := r.llms[id]; ok {
		return cfg, nil
	}
	if r.app != nil {
		if ds, ok := r.app.Datasource(id); ok && ds.Type == ast.DatasourceLLM {
			return llmConfigFromDatasource(ds), nil
		}
	}
	return llms.Config{}, fmt.Errorf("unknown llm binding %q", id)
}

func llmConfigFromDatasource(ds *ast.DatasourceNode) llms.Config {
	attrs := ds.Attributes
	endpoint := attrs["host"]
	if endpoint == "" {
		endpoint = attrs["endpoint"]
	}
	cfg := llms.Config{
		Provider: llms.Provider(attrs["provider"]),
		Endpoint: endpoint,
		Model:    attrs["model"],
		APIKey:   attrs["api_key"],
	}
	if raw := attrs["temperature"]; raw != "" {
		if t, err := strconv.ParseFloat(raw, 64); err == nil {
			cfg.Temperature = t
		}
	}
	if raw := attrs["max_tokens"]; raw != "" {
		if m, err := strconv.Atoi(raw); err == nil {
			cfg.MaxTokens = m
		}
	}
	if cfg.Provider == "" {
		cfg.Provider = llms.DetectProvider(cfg.Endpoint)
	}
	return cfg
}

func (r *run) execLLMGenerate(ctx context.Context, n *ast.LLMGenerateNode) error {
	response := r.generate(ctx, n)
	if n.ResultVar != "" {
		r.sc.Set(n.ResultVar, response.ToValue())
		return nil
	}
	if !response.Success {
		return renderErrorf("llm-generate", nil, "%s", response.Error)
	}
	r.out.WriteString(response.Content)
	return nil
}

func (r *run) generate(ctx context.Context, n *ast.LLMGenerateNode) *llms.Response {
	if r.in.llm == nil {
		return &llms.Response{Success: false, Error: "no llm client configured"}
	}
	cfg, err := r.llmConfig(n.LLMID)
	if err != nil {
		return &llms.Response{Success: false, Error: err.Error()}
	}

	prompt := r.bindString(n.Prompt)
	cacheKey := ""
	if n.Cache {
		cacheKey = r.bindString(n.CacheKey)
		if cacheKey == "" {
			cacheKey = string(cfg.Provider) + "\x00" + cfg.Model + "\x00" + prompt
		}
		if cached, ok := r.in.llmCache.Get(cacheKey); ok {
			return cached
		}
	}

	response := r.in.llm.Generate(ctx, cfg, prompt)
	if n.Cache && response.Success {
		r.in.llmCache.Add(cacheKey, response)
	}
	return response
}

func (r *run) execAgentExecute(ctx context.Context, n *ast.AgentExecuteNode) error {
	result := r.agentResult(ctx, n)
	if n.ResultVar != "" {
		r.sc.Set(n.ResultVar, result.ToValue())
		return nil
	}
	if !result.Success {
		return renderErrorf("agent-execute", nil, "%s", result.Error)
	}
	r.out.WriteString(result.Result)
	return nil
}

func (r *run) agentResult(ctx context.Context, n *ast.AgentExecuteNode) *agent.Result {
	fail := func(format string, args ...any) *agent.Result {
		return &agent.Result{Success: false, Error: fmt.Sprintf(format, args...)}
	}
	if r.in.llm == nil {
		return fail("no llm client configured")
	}
	decl, ok := r.agents[n.Agent]
	if !ok {
		return fail("unknown agent %q", n.Agent)
	}
	cfg, err := r.llmConfig(decl.LLM)
	if err != nil {
		return fail("agent %q: %v", n.Agent, err)
	}

	instructions := make([]string, 0, len(decl.Instructions))
	for _, ins := range decl.Instructions {
		instructions = append(instructions, r.bindString(ins.Text))
	}

	base := r.vars()
	in := r.in
	app := r.app
	tools := make([]agent.Tool, 0, len(decl.Tools))
	for _, t := range decl.Tools {
		params := make([]agent.ToolParam, 0, len(t.Params))
		defaults := map[string]any{}
		for _, p := range t.Params {
			params = append(params, agent.ToolParam{
				Name:        p.Name,
				Type:        p.Type,
				Description: p.Description,
				Required:    p.Required,
			})
			if p.Default != "" {
				defaults[p.Name] = p.Default
			}
		}
		body := t.Body
		toolName := t.Name
		tools = append(tools, agent.Tool{
			Name:        t.Name,
			Description: t.Description,
			Params:      params,
			Handler: func(hctx context.Context, args map[string]any) (any, error) {
				seed := map[string]any{}
				for name, v := range defaults {
					seed[name] = v
				}
				for name, v := range args {
					seed[name] = v
				}
				return in.runDetached("agent tool "+toolName, app, base, seed, body)
			},
		})
	}

	a := agent.New(agent.Config{
		Name:          decl.Name,
		Instruction:   strings.Join(instructions, "\n\n"),
		Tools:         tools,
		LLM:           cfg,
		MaxIterations: decl.MaxIterations,
		Timeout:       secondsToDuration(n.Timeout),
	}, r.in.llm)
	return a.Run(ctx, r.bindString(n.Task), "")
}

// execKnowledge indexes the declared sources into the named collection.
func (r *run) execKnowledge(ctx context.Context, n *ast.KnowledgeNode) error {
	if r.in.know == nil {
		return renderErrorf("knowledge", nil, "no knowledge service configured")
	}

	embedCfg := r.embedderConfig(n.Embedder)
	sources := make([]knowledge.Source, 0, len(n.Sources))
	for _, src := range n.Sources {
		sources = append(sources, knowledgeSource(src))
	}

	if _, err := r.in.know.Index(ctx, n.Name, sources, knowledge.IndexOptions{
		Embedder:     embedCfg,
		ChunkSize:    n.ChunkSize,
		ChunkOverlap: n.ChunkOverlap,
	}); err != nil {
		return renderErrorf("knowledge", err, "indexing %q failed: %v", n.Name, err)
	}
	r.knowEmbed[n.Name] = embedCfg
	return nil
}

func knowledgeSource(src *ast.KnowledgeSourceNode) knowledge.Source {
	if src.URL != "" {
		return knowledge.Source{Kind: knowledge.SourceURL, URL: src.URL}
	}
	if info, err := os.Stat(src.Path); err == nil && info.IsDir() {
		return knowledge.Source{
			Kind:      knowledge.SourceDirectory,
			Path:      src.Path,
			Recursive: src.Recursive,
			Include:   src.Include,
			Exclude:   src.Exclude,
		}
	}
	return knowledge.Source{Kind: knowledge.SourceFile, Path: src.Path}
}

// embedderConfig maps an llm binding name onto embedding endpoint settings.
func (r *run) embedderConfig(id string) knowledge.EmbedderConfig {
	if id == "" {
		return knowledge.EmbedderConfig{}
	}
	cfg, err := r.llmConfig(id)
	if err != nil {
		return knowledge.EmbedderConfig{}
	}
	return knowledge.EmbedderConfig{
		Provider: string(cfg.Provider),
		Endpoint: cfg.Endpoint,
		Model:    cfg.Model,
		APIKey:   cfg.APIKey,
	}
}

func (r *run) execSearch(ctx context.Context, n *ast.SearchNode) error {
	store := func(v any) { r.sc.Set(n.ResultVar, v) }

	if r.in.know == nil {
		if n.ResultVar != "" {
			store(map[string]any{"success": false, "error": "no knowledge service configured"})
			return nil
		}
		return renderErrorf("search", nil, "no knowledge service configured")
	}

	results, err := r.in.know.Search(ctx, n.KnowledgeID, r.bindString(n.Query), n.TopK, r.knowEmbed[n.KnowledgeID])
	if err != nil {
		if n.ResultVar != "" {
			store(map[string]any{"success": false, "error": err.Error()})
			return nil
		}
		return renderErrorf("search", err, "%v", err)
	}

	hits := make([]any, 0, len(results))
	for _, hit := range results {
		if n.Threshold > 0 && hit.Relevance < n.Threshold {
			continue
		}
		hits = append(hits, hit.ToValue())
	}
	if n.ResultVar != "" {
		store(hits)
	}
	return nil
}
