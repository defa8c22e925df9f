package llms

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/quillframe/quill/pkg/logger"
	"github.com/quillframe/quill/pkg/observability"
)

// providerKey identifies a constructed provider. Two configs that agree on
// these fields share one provider instance.
type providerKey struct {
	provider Provider
	endpoint string
	model    string
	apiKey   string
}

// Client dispatches normalized chat/generate requests to cached providers.
// Safe for concurrent use.
type Client struct {
	mu        sync.Mutex
	providers map[providerKey]chatProvider
	log       *slog.Logger
}

func NewClient() *Client {
	return &Client{
		providers: make(map[providerKey]chatProvider),
		log:       logger.GetLogger("llms"),
	}
}

// Chat sends a conversation to the configured provider and returns the
// normalized response. Errors are folded into the response; the returned
// pointer is never nil.
func (c *Client) Chat(ctx context.Context, cfg Config, messages []Message) *Response {
	provider := c.provider(cfg)

	if cfg.System != "" {
		messages = append([]Message{{Role: RoleSystem, Content: cfg.System}}, messages...)
	}

	tracer := observability.GetTracer("quill.llm")
	ctx, span := tracer.Start(ctx, observability.SpanLLMRequest,
		trace.WithAttributes(
			attribute.String(observability.AttrLLMProvider, string(provider.name())),
			attribute.String(observability.AttrLLMModel, cfg.Model),
		),
	)
	defer span.End()

	start := time.Now()
	content, usage, err := provider.chat(ctx, messages, cfg)
	duration := time.Since(start)

	response := &Response{
		Model:    cfg.Model,
		Provider: provider.name(),
	}

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		observability.GetGlobalMetrics().RecordLLMCall(ctx, string(provider.name()), cfg.Model, duration, 0, 0, err)

		c.log.Warn("llm request failed",
			"provider", provider.name(),
			"model", cfg.Model,
			"error", err)
		response.Error = err.Error()
		return response
	}

	if usage.TotalTokens == 0 {
		usage = estimateUsage(messages, content)
	}

	span.SetAttributes(
		attribute.Int(observability.AttrLLMTokensInput, usage.PromptTokens),
		attribute.Int(observability.AttrLLMTokensOutput, usage.CompletionTokens),
	)
	span.SetStatus(codes.Ok, "success")
	observability.GetGlobalMetrics().RecordLLMCall(ctx, string(provider.name()), cfg.Model, duration,
		usage.PromptTokens, usage.CompletionTokens, nil)

	response.Success = true
	response.Content = content
	response.Usage = usage
	return response
}

// Generate is the single-prompt convenience over Chat.
func (c *Client) Generate(ctx context.Context, cfg Config, prompt string) *Response {
	return c.Chat(ctx, cfg, []Message{{Role: RoleUser, Content: prompt}})
}

// provider resolves and caches the provider for a config tuple.
func (c *Client) provider(cfg Config) chatProvider {
	resolved := cfg.Provider
	if resolved == "" {
		resolved = DetectProvider(cfg.Endpoint)
	}

	key := providerKey{
		provider: resolved,
		endpoint: cfg.Endpoint,
		model:    cfg.Model,
		apiKey:   cfg.APIKey,
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if p, ok := c.providers[key]; ok {
		return p
	}

	var p chatProvider
	switch resolved {
	case ProviderOpenAI, ProviderOpenAICompatible:
		p = newOpenAIProvider(resolved, cfg)
	case ProviderAnthropic:
		p = newAnthropicProvider(cfg)
	default:
		p = newOllamaProvider(cfg)
	}

	c.providers[key] = p
	return p
}
