package observability

// Span names used across the runtime.
const (
	SpanRender     = "quill.render"
	SpanLLMRequest = "quill.llm.request"
	SpanAgentRun   = "quill.agent.run"
	SpanJobRun     = "quill.job.run"
	SpanQuery      = "quill.query"
)

// Attribute keys.
const (
	AttrLLMProvider     = "llm.provider"
	AttrLLMModel        = "llm.model"
	AttrLLMTokensInput  = "llm.tokens.input"
	AttrLLMTokensOutput = "llm.tokens.output"
	AttrAgentName       = "agent.name"
	AttrAgentIterations = "agent.iterations"
	AttrJobName         = "job.name"
	AttrJobQueue        = "job.queue"
	AttrDatasource      = "datasource.id"
	AttrDocument        = "document.path"
)
