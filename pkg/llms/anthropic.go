package llms

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/quillframe/quill/pkg/httpclient"
)

const (
	defaultAnthropicEndpoint  = "https://api.anthropic.com"
	anthropicVersion          = "2023-06-01"
	anthropicDefaultMaxTokens = 4096
)

type anthropicProvider struct {
	baseURL string
	apiKey  string
	http    *httpclient.Client
}

type anthropicRequest struct {
	Model       string    `json:"model"`
	MaxTokens   int       `json:"max_tokens"`
	System      string    `json:"system,omitempty"`
	Messages    []Message `json:"messages"`
	Temperature float64   `json:"temperature,omitempty"`
}

type anthropicResponse struct {
	Model   string `json:"model"`
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
	StopReason string `json:"stop_reason"`
	Usage      struct {
		InputTokens  int `json:"input_tokens"`
		OutputTokens int `json:"output_tokens"`
	} `json:"usage"`
	Error *struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

func newAnthropicProvider(cfg Config) *anthropicProvider {
	baseURL := cfg.Endpoint
	if baseURL == "" {
		baseURL = defaultAnthropicEndpoint
	}
	return &anthropicProvider{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		apiKey:  cfg.APIKey,
		http:    newTransport(cfg, httpclient.ParseAnthropicHeaders),
	}
}

func (p *anthropicProvider) name() Provider { return ProviderAnthropic }

func (p *anthropicProvider) chat(ctx context.Context, messages []Message, cfg Config) (string, Usage, error) {
	// the messages API takes system text as a top-level field, not a role
	system, conversation := splitSystem(messages)

	maxTokens := cfg.MaxTokens
	if maxTokens <= 0 {
		maxTokens = anthropicDefaultMaxTokens
	}

	request := anthropicRequest{
		Model:       cfg.Model,
		MaxTokens:   maxTokens,
		System:      system,
		Messages:    conversation,
		Temperature: cfg.Temperature,
	}

	headers := map[string]string{
		"x-api-key":         p.apiKey,
		"anthropic-version": anthropicVersion,
	}

	status, body, err := postJSON(ctx, p.http, p.baseURL+"/v1/messages", headers, request)
	if err != nil {
		return "", Usage{}, wrapTransportError(p.name(), p.baseURL, err)
	}
	if status != http.StatusOK {
		return "", Usage{}, httpError(p.name(), p.baseURL, status, body)
	}

	var response anthropicResponse
	if err := json.Unmarshal(body, &response); err != nil {
		return "", Usage{}, &ProviderError{
			Provider: p.name(),
			Endpoint: p.baseURL,
			Message:  fmt.Sprintf("anthropic returned an unreadable response: %v", err),
			Err:      err,
		}
	}
	if response.Error != nil {
		return "", Usage{}, &ProviderError{
			Provider: p.name(),
			Endpoint: p.baseURL,
			Message:  fmt.Sprintf("anthropic API error: %s", response.Error.Message),
		}
	}

	var text strings.Builder
	for _, block := range response.Content {
		if block.Type == "text" {
			text.WriteString(block.Text)
		}
	}

	usage := Usage{
		PromptTokens:     response.Usage.InputTokens,
		CompletionTokens: response.Usage.OutputTokens,
		TotalTokens:      response.Usage.InputTokens + response.Usage.OutputTokens,
	}
	return text.String(), usage, nil
}
