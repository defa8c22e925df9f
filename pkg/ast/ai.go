package ast

// LLMNode declares a named model binding resolved through the provider
// registry at execution time.
type LLMNode struct {
	Name        string
	Provider    string // ollama, openai, anthropic; empty means detect
	Model       string
	Host        string
	APIKey      string
	Temperature string
	MaxTokens   int
}

func (n *LLMNode) Kind() string { return "llm" }

func (n *LLMNode) Validate() []error {
	errs := requireAttr("llm", "name", n.Name)
	switch n.Provider {
	case "", "ollama", "openai", "anthropic":
	default:
		errs = append(errs, validationErrorf("llm", "unknown provider %q", n.Provider))
	}
	return errs
}

func (n *LLMNode) ToDict() map[string]any {
	return map[string]any{
		"kind":        "llm",
		"name":        n.Name,
		"provider":    n.Provider,
		"model":       n.Model,
		"host":        n.Host,
		"temperature": n.Temperature,
		"max_tokens":  n.MaxTokens,
	}
}

// LLMGenerateNode runs one completion against an llm datasource and stores
// the text under ResultVar. Unified-query lowering also produces this node.
type LLMGenerateNode struct {
	LLMID     string
	Prompt    string
	ResultVar string
	Stream    bool
	Cache     bool
	CacheKey  string
}

func (n *LLMGenerateNode) Kind() string { return "llm-generate" }

func (n *LLMGenerateNode) Validate() []error {
	errs := requireAttr("llm-generate", "llm", n.LLMID)
	errs = append(errs, requireAttr("llm-generate", "prompt", n.Prompt)...)
	return errs
}

func (n *LLMGenerateNode) ToDict() map[string]any {
	return map[string]any{
		"kind":       "llm-generate",
		"llm":        n.LLMID,
		"prompt":     n.Prompt,
		"result_var": n.ResultVar,
		"stream":     n.Stream,
		"cache":      n.Cache,
		"cache_key":  n.CacheKey,
	}
}

// KnowledgeSourceNode declares one ingestion source of a knowledge base.
type KnowledgeSourceNode struct {
	Path      string
	URL       string
	Recursive bool
	Include   string // comma-separated glob patterns
	Exclude   string
}

func (n *KnowledgeSourceNode) Kind() string { return "knowledge-source" }

func (n *KnowledgeSourceNode) Validate() []error {
	if n.Path == "" && n.URL == "" {
		return []error{validationErrorf("knowledge-source", "requires path or url")}
	}
	return nil
}

func (n *KnowledgeSourceNode) ToDict() map[string]any {
	return map[string]any{
		"kind":      "knowledge-source",
		"path":      n.Path,
		"url":       n.URL,
		"recursive": n.Recursive,
		"include":   n.Include,
		"exclude":   n.Exclude,
	}
}

// KnowledgeNode declares a named knowledge base: an embedder, a vector store
// and a set of ingestion sources.
type KnowledgeNode struct {
	Name         string
	Embedder     string // llm datasource id used for embeddings
	ChunkSize    int
	ChunkOverlap int
	Sources      []*KnowledgeSourceNode
}

func (n *KnowledgeNode) Kind() string { return "knowledge" }

func (n *KnowledgeNode) Validate() []error {
	errs := requireAttr("knowledge", "name", n.Name)
	for _, s := range n.Sources {
		errs = append(errs, s.Validate()...)
	}
	return errs
}

func (n *KnowledgeNode) ToDict() map[string]any {
	sources := make([]any, len(n.Sources))
	for i, s := range n.Sources {
		sources[i] = s.ToDict()
	}
	return map[string]any{
		"kind":          "knowledge",
		"name":          n.Name,
		"embedder":      n.Embedder,
		"chunk_size":    n.ChunkSize,
		"chunk_overlap": n.ChunkOverlap,
		"sources":       sources,
	}
}

// SearchNode runs a semantic search against a knowledge datasource and stores
// the hit list under ResultVar. Unified-query lowering also produces this
// node.
type SearchNode struct {
	KnowledgeID string
	Query       string
	ResultVar   string
	TopK        int
	Threshold   float64
}

func (n *SearchNode) Kind() string { return "search" }

func (n *SearchNode) Validate() []error {
	errs := requireAttr("search", "knowledge", n.KnowledgeID)
	errs = append(errs, requireAttr("search", "query", n.Query)...)
	return errs
}

func (n *SearchNode) ToDict() map[string]any {
	return map[string]any{
		"kind":       "search",
		"knowledge":  n.KnowledgeID,
		"query":      n.Query,
		"result_var": n.ResultVar,
		"top_k":      n.TopK,
		"threshold":  n.Threshold,
	}
}
