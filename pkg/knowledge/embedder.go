package knowledge

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"

	"github.com/quillframe/quill/pkg/httpclient"
)

// Embedder turns text into a vector.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	Model() string
}

// EmbedderConfig selects and parameterizes an embedding endpoint. Provider
// is "ollama" or "openai"; empty detects from the endpoint the same way the
// LLM client does (anything OpenAI-shaped uses the OpenAI embeddings API).
type EmbedderConfig struct {
	Provider string
	Endpoint string
	Model    string
	APIKey   string
}

const defaultEmbedModel = "nomic-embed-text"

// NewEmbedder builds the embedder for a config.
func NewEmbedder(cfg EmbedderConfig) Embedder {
	if cfg.Model == "" {
		cfg.Model = defaultEmbedModel
	}
	provider := cfg.Provider
	if provider == "" {
		if strings.Contains(cfg.Endpoint, "api.openai.com") || strings.Contains(cfg.Endpoint, "/v1") {
			provider = "openai"
		} else {
			provider = "ollama"
		}
	}
	if provider == "openai" {
		return newOpenAIEmbedder(cfg)
	}
	return newOllamaEmbedder(cfg)
}

// ollamaEmbedMu serializes Ollama embedding requests; the llama runner is
// known to crash under concurrent embedding load.
var ollamaEmbedMu sync.Mutex

type ollamaEmbedder struct {
	baseURL string
	model   string
	http    *httpclient.Client
}

func newOllamaEmbedder(cfg EmbedderConfig) *ollamaEmbedder {
	baseURL := cfg.Endpoint
	if baseURL == "" {
		baseURL = "http://localhost:11434"
	}
	return &ollamaEmbedder{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		model:   cfg.Model,
		http:    httpclient.New(httpclient.WithHeaderParser(httpclient.ParseGenericHeaders)),
	}
}

func (e *ollamaEmbedder) Model() string { return e.model }

func (e *ollamaEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	ollamaEmbedMu.Lock()
	defer ollamaEmbedMu.Unlock()

	payload := map[string]any{"model": e.model, "prompt": text}
	status, body, err := embedPost(ctx, e.http, e.baseURL+"/api/embeddings", nil, payload)
	if err != nil {
		return nil, fmt.Errorf("ollama embedding request failed: %w", err)
	}
	if status != http.StatusOK {
		return nil, fmt.Errorf("ollama embeddings returned HTTP %d: %s", status, snippet(body))
	}

	var response struct {
		Embedding []float32 `json:"embedding"`
	}
	if err := json.Unmarshal(body, &response); err != nil {
		return nil, fmt.Errorf("failed to decode ollama embedding: %w", err)
	}
	if len(response.Embedding) == 0 {
		return nil, fmt.Errorf("received empty embedding from ollama")
	}
	return response.Embedding, nil
}

type openaiEmbedder struct {
	baseURL string
	model   string
	apiKey  string
	http    *httpclient.Client
}

func newOpenAIEmbedder(cfg EmbedderConfig) *openaiEmbedder {
	baseURL := cfg.Endpoint
	if baseURL == "" {
		baseURL = "https://api.openai.com"
	}
	return &openaiEmbedder{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		model:   cfg.Model,
		apiKey:  cfg.APIKey,
		http:    httpclient.New(httpclient.WithHeaderParser(httpclient.ParseOpenAIHeaders)),
	}
}

func (e *openaiEmbedder) Model() string { return e.model }

func (e *openaiEmbedder) embeddingsURL() string {
	if strings.HasSuffix(e.baseURL, "/v1") {
		return e.baseURL + "/embeddings"
	}
	return e.baseURL + "/v1/embeddings"
}

func (e *openaiEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	payload := map[string]any{"model": e.model, "input": text}
	headers := map[string]string{}
	if e.apiKey != "" {
		headers["Authorization"] = "Bearer " + e.apiKey
	}

	status, body, err := embedPost(ctx, e.http, e.embeddingsURL(), headers, payload)
	if err != nil {
		return nil, fmt.Errorf("openai embedding request failed: %w", err)
	}
	if status != http.StatusOK {
		return nil, fmt.Errorf("openai embeddings returned HTTP %d: %s", status, snippet(body))
	}

	var response struct {
		Data []struct {
			Embedding []float32 `json:"embedding"`
		} `json:"data"`
	}
	if err := json.Unmarshal(body, &response); err != nil {
		return nil, fmt.Errorf("failed to decode openai embedding: %w", err)
	}
	if len(response.Data) == 0 || len(response.Data[0].Embedding) == 0 {
		return nil, fmt.Errorf("received empty embedding from openai")
	}
	return response.Data[0].Embedding, nil
}

func embedPost(ctx context.Context, hc *httpclient.Client, url string, headers map[string]string, payload any) (int, []byte, error) {
	encoded, err := json.Marshal(payload)
	if err != nil {
		return 0, nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(encoded))
	if err != nil {
		return 0, nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := hc.Do(req)
	if resp == nil {
		return 0, nil, err
	}
	defer resp.Body.Close()
	body, readErr := io.ReadAll(resp.Body)
	if readErr != nil {
		return resp.StatusCode, nil, readErr
	}
	return resp.StatusCode, body, nil
}

func snippet(body []byte) string {
	s := strings.TrimSpace(string(body))
	if len(s) > 200 {
		s = s[:200] + "…"
	}
	return s
}
