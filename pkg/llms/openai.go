package llms

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/quillframe/quill/pkg/httpclient"
)

const defaultOpenAIEndpoint = "https://api.openai.com"

// openaiProvider also serves openai-compatible servers (LM Studio, vLLM,
// llama.cpp server); only the base URL and key handling differ.
type openaiProvider struct {
	provider Provider
	baseURL  string
	apiKey   string
	http     *httpclient.Client
}

type openaiRequest struct {
	Model          string                `json:"model"`
	Messages       []Message             `json:"messages"`
	Temperature    float64               `json:"temperature,omitempty"`
	MaxTokens      int                   `json:"max_tokens,omitempty"`
	ResponseFormat *openaiResponseFormat `json:"response_format,omitempty"`
}

type openaiResponseFormat struct {
	Type string `json:"type"`
}

type openaiResponse struct {
	Model   string `json:"model"`
	Choices []struct {
		Message      Message `json:"message"`
		FinishReason string  `json:"finish_reason"`
	} `json:"choices"`
	Usage Usage `json:"usage"`
	Error *struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error,omitempty"`
}

func newOpenAIProvider(provider Provider, cfg Config) *openaiProvider {
	baseURL := cfg.Endpoint
	if baseURL == "" {
		baseURL = defaultOpenAIEndpoint
	}
	return &openaiProvider{
		provider: provider,
		baseURL:  strings.TrimSuffix(baseURL, "/"),
		apiKey:   cfg.APIKey,
		http:     newTransport(cfg, httpclient.ParseOpenAIHeaders),
	}
}

func (p *openaiProvider) name() Provider { return p.provider }

// chatCompletionsURL tolerates endpoints given with or without the /v1
// suffix, which compatible servers are inconsistent about.
func (p *openaiProvider) chatCompletionsURL() string {
	if strings.HasSuffix(p.baseURL, "/v1") {
		return p.baseURL + "/chat/completions"
	}
	return p.baseURL + "/v1/chat/completions"
}

func (p *openaiProvider) chat(ctx context.Context, messages []Message, cfg Config) (string, Usage, error) {
	request := openaiRequest{
		Model:       cfg.Model,
		Messages:    messages,
		Temperature: cfg.Temperature,
		MaxTokens:   cfg.MaxTokens,
	}
	if cfg.ResponseFormat == "json" {
		request.ResponseFormat = &openaiResponseFormat{Type: "json_object"}
	}

	headers := map[string]string{}
	if p.apiKey != "" {
		headers["Authorization"] = "Bearer " + p.apiKey
	}

	status, body, err := postJSON(ctx, p.http, p.chatCompletionsURL(), headers, request)
	if err != nil {
		return "", Usage{}, wrapTransportError(p.name(), p.baseURL, err)
	}
	if status != http.StatusOK {
		return "", Usage{}, httpError(p.name(), p.baseURL, status, body)
	}

	var response openaiResponse
	if err := json.Unmarshal(body, &response); err != nil {
		return "", Usage{}, &ProviderError{
			Provider: p.name(),
			Endpoint: p.baseURL,
			Message:  fmt.Sprintf("%s returned an unreadable response: %v", p.name(), err),
			Err:      err,
		}
	}
	if response.Error != nil {
		return "", Usage{}, &ProviderError{
			Provider: p.name(),
			Endpoint: p.baseURL,
			Message:  fmt.Sprintf("%s API error: %s", p.name(), response.Error.Message),
		}
	}
	if len(response.Choices) == 0 {
		return "", Usage{}, &ProviderError{
			Provider: p.name(),
			Endpoint: p.baseURL,
			Message:  fmt.Sprintf("%s returned no choices", p.name()),
		}
	}

	return response.Choices[0].Message.Content, response.Usage, nil
}
