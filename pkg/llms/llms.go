// Package llms is the multi-provider LLM client. Providers are auto-detected
// from endpoint shape, constructed lazily and cached per configuration, and
// every provider speaks through the same normalized request/response types.
package llms

import (
	"net/url"
	"strings"
	"time"
)

type Provider string

const (
	ProviderOllama           Provider = "ollama"
	ProviderOpenAI           Provider = "openai"
	ProviderOpenAICompatible Provider = "openai-compatible"
	ProviderAnthropic        Provider = "anthropic"
)

const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// Response is the normalized result of a chat or generate call. Failures are
// carried in the response rather than raised, so callers that bind results
// into documents can always read a uniform shape.
type Response struct {
	Success  bool
	Content  string
	Model    string
	Provider Provider
	Usage    Usage
	Error    string
}

func (r *Response) ToValue() map[string]any {
	out := map[string]any{
		"success":  r.Success,
		"content":  r.Content,
		"model":    r.Model,
		"provider": string(r.Provider),
		"usage": map[string]any{
			"prompt":     int64(r.Usage.PromptTokens),
			"completion": int64(r.Usage.CompletionTokens),
			"total":      int64(r.Usage.TotalTokens),
		},
	}
	if r.Error != "" {
		out["error"] = r.Error
	}
	return out
}

// Config identifies an LLM endpoint plus the request parameters to use
// against it. Zero values fall back to provider defaults.
type Config struct {
	Provider       Provider // empty means detect from Endpoint
	Endpoint       string
	Model          string
	APIKey         string
	Temperature    float64
	MaxTokens      int
	System         string
	ResponseFormat string // "json" requests structured output where supported
	Timeout        time.Duration
}

// DetectProvider guesses the provider family from endpoint shape. Heuristics
// are checked in order; an unrecognized endpoint is assumed to be a local
// Ollama-style server.
func DetectProvider(endpoint string) Provider {
	if endpoint == "" {
		return ProviderOllama
	}
	u, err := url.Parse(endpoint)
	if err != nil {
		return ProviderOllama
	}

	switch {
	case u.Port() == "11434":
		return ProviderOllama
	case u.Hostname() == "api.openai.com":
		return ProviderOpenAI
	case u.Port() == "1234": // LM Studio default
		return ProviderOpenAICompatible
	case strings.Contains(u.Path, "/v1"):
		return ProviderOpenAICompatible
	case u.Hostname() == "api.anthropic.com":
		return ProviderAnthropic
	default:
		return ProviderOllama
	}
}
