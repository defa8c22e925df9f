package llms

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/quillframe/quill/pkg/httpclient"
)

const defaultOllamaEndpoint = "http://localhost:11434"

type ollamaProvider struct {
	baseURL string
	http    *httpclient.Client
}

type ollamaRequest struct {
	Model    string         `json:"model"`
	Messages []Message      `json:"messages"`
	Stream   bool           `json:"stream"`
	Format   string         `json:"format,omitempty"`
	Options  *ollamaOptions `json:"options,omitempty"`
}

type ollamaOptions struct {
	Temperature float64 `json:"temperature,omitempty"`
	NumPredict  int     `json:"num_predict,omitempty"`
}

type ollamaResponse struct {
	Model           string  `json:"model"`
	Message         Message `json:"message"`
	Done            bool    `json:"done"`
	PromptEvalCount int     `json:"prompt_eval_count"`
	EvalCount       int     `json:"eval_count"`
	Error           string  `json:"error,omitempty"`
}

func newOllamaProvider(cfg Config) *ollamaProvider {
	baseURL := cfg.Endpoint
	if baseURL == "" {
		baseURL = defaultOllamaEndpoint
	}
	return &ollamaProvider{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		http:    newTransport(cfg, httpclient.ParseGenericHeaders),
	}
}

func (p *ollamaProvider) name() Provider { return ProviderOllama }

func (p *ollamaProvider) chat(ctx context.Context, messages []Message, cfg Config) (string, Usage, error) {
	request := ollamaRequest{
		Model:    cfg.Model,
		Messages: messages,
		Stream:   false,
	}
	if cfg.ResponseFormat == "json" {
		request.Format = "json"
	}
	if cfg.Temperature > 0 || cfg.MaxTokens > 0 {
		request.Options = &ollamaOptions{
			Temperature: cfg.Temperature,
			NumPredict:  cfg.MaxTokens,
		}
	}

	url := p.baseURL + "/api/chat"
	status, body, err := postJSON(ctx, p.http, url, nil, request)
	if err != nil {
		return "", Usage{}, wrapTransportError(p.name(), p.baseURL, err)
	}
	if status != http.StatusOK {
		return "", Usage{}, httpError(p.name(), p.baseURL, status, body)
	}

	var response ollamaResponse
	if err := json.Unmarshal(body, &response); err != nil {
		return "", Usage{}, &ProviderError{
			Provider: p.name(),
			Endpoint: p.baseURL,
			Message:  fmt.Sprintf("ollama returned an unreadable response: %v", err),
			Err:      err,
		}
	}
	if response.Error != "" {
		return "", Usage{}, &ProviderError{
			Provider: p.name(),
			Endpoint: p.baseURL,
			Message:  fmt.Sprintf("ollama API error: %s", response.Error),
		}
	}

	usage := Usage{
		PromptTokens:     response.PromptEvalCount,
		CompletionTokens: response.EvalCount,
		TotalTokens:      response.PromptEvalCount + response.EvalCount,
	}
	return response.Message.Content, usage, nil
}
