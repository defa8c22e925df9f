package llms

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDetectProvider(t *testing.T) {
	tests := []struct {
		endpoint string
		want     Provider
	}{
		{"http://localhost:11434", ProviderOllama},
		{"http://192.168.1.5:11434", ProviderOllama},
		{"https://api.openai.com", ProviderOpenAI},
		{"https://api.openai.com/v1", ProviderOpenAI},
		{"http://localhost:1234", ProviderOpenAICompatible},
		{"http://localhost:8000/v1", ProviderOpenAICompatible},
		{"https://api.anthropic.com", ProviderAnthropic},
		{"http://myserver:9999", ProviderOllama},
		{"", ProviderOllama},
	}
	for _, tt := range tests {
		t.Run(tt.endpoint, func(t *testing.T) {
			assert.Equal(t, tt.want, DetectProvider(tt.endpoint))
		})
	}
}

func TestOllamaChat(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/chat", r.URL.Path)

		var req ollamaRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "llama3", req.Model)
		assert.False(t, req.Stream)

		json.NewEncoder(w).Encode(ollamaResponse{
			Model:           "llama3",
			Message:         Message{Role: RoleAssistant, Content: "hello there"},
			Done:            true,
			PromptEvalCount: 12,
			EvalCount:       5,
		})
	}))
	defer server.Close()

	c := NewClient()
	resp := c.Generate(context.Background(), Config{
		Provider: ProviderOllama,
		Endpoint: server.URL,
		Model:    "llama3",
	}, "say hello")

	require.True(t, resp.Success, resp.Error)
	assert.Equal(t, "hello there", resp.Content)
	assert.Equal(t, ProviderOllama, resp.Provider)
	assert.Equal(t, Usage{PromptTokens: 12, CompletionTokens: 5, TotalTokens: 17}, resp.Usage)
}

func TestOpenAIChat(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v1/chat/completions", r.URL.Path)
		assert.Equal(t, "Bearer sk-test", r.Header.Get("Authorization"))

		var req openaiRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		require.NotNil(t, req.ResponseFormat)
		assert.Equal(t, "json_object", req.ResponseFormat.Type)

		json.NewEncoder(w).Encode(map[string]any{
			"model": "gpt-4o",
			"choices": []map[string]any{
				{"message": map[string]any{"role": "assistant", "content": `{"ok":true}`}},
			},
			"usage": map[string]any{"prompt_tokens": 20, "completion_tokens": 4, "total_tokens": 24},
		})
	}))
	defer server.Close()

	c := NewClient()
	resp := c.Chat(context.Background(), Config{
		Provider:       ProviderOpenAICompatible,
		Endpoint:       server.URL,
		Model:          "gpt-4o",
		APIKey:         "sk-test",
		ResponseFormat: "json",
	}, []Message{{Role: RoleUser, Content: "give me json"}})

	require.True(t, resp.Success, resp.Error)
	assert.Equal(t, `{"ok":true}`, resp.Content)
	assert.Equal(t, 24, resp.Usage.TotalTokens)
}

func TestOpenAIEndpointWithV1Suffix(t *testing.T) {
	p := newOpenAIProvider(ProviderOpenAICompatible, Config{Endpoint: "http://localhost:8000/v1"})
	assert.Equal(t, "http://localhost:8000/v1/chat/completions", p.chatCompletionsURL())

	p = newOpenAIProvider(ProviderOpenAI, Config{Endpoint: "https://api.openai.com"})
	assert.Equal(t, "https://api.openai.com/v1/chat/completions", p.chatCompletionsURL())
}

func TestAnthropicSystemHoisting(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v1/messages", r.URL.Path)
		assert.Equal(t, "key-123", r.Header.Get("x-api-key"))
		assert.Equal(t, anthropicVersion, r.Header.Get("anthropic-version"))

		var req anthropicRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Contains(t, req.System, "be brief")
		assert.Contains(t, req.System, "answer in French")
		for _, m := range req.Messages {
			assert.NotEqual(t, RoleSystem, m.Role)
		}
		assert.Positive(t, req.MaxTokens)

		json.NewEncoder(w).Encode(map[string]any{
			"model": "claude-sonnet",
			"content": []map[string]any{
				{"type": "text", "text": "bonjour"},
			},
			"usage": map[string]any{"input_tokens": 30, "output_tokens": 2},
		})
	}))
	defer server.Close()

	c := NewClient()
	resp := c.Chat(context.Background(), Config{
		Provider: ProviderAnthropic,
		Endpoint: server.URL,
		Model:    "claude-sonnet",
		APIKey:   "key-123",
		System:   "be brief",
	}, []Message{
		{Role: RoleSystem, Content: "answer in French"},
		{Role: RoleUser, Content: "hi"},
	})

	require.True(t, resp.Success, resp.Error)
	assert.Equal(t, "bonjour", resp.Content)
	assert.Equal(t, 32, resp.Usage.TotalTokens)
}

func TestConnectionRefused(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	deadEndpoint := "http://" + ln.Addr().String()
	require.NoError(t, ln.Close())

	c := NewClient()
	resp := c.Generate(context.Background(), Config{
		Provider: ProviderOllama,
		Endpoint: deadEndpoint,
		Model:    "m",
	}, "hello")

	assert.False(t, resp.Success)
	assert.Contains(t, resp.Error, "Cannot connect to ollama")
	assert.Contains(t, resp.Error, "Ensure the service is running")
}

func TestHTTPErrorCarriesBodySnippet(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		w.Write([]byte(`{"error":{"message":"invalid api key"}}`))
	}))
	defer server.Close()

	c := NewClient()
	resp := c.Generate(context.Background(), Config{
		Provider: ProviderOpenAICompatible,
		Endpoint: server.URL,
		Model:    "m",
	}, "hello")

	assert.False(t, resp.Success)
	assert.Contains(t, resp.Error, "HTTP 401")
	assert.Contains(t, resp.Error, "invalid api key")
}

func TestProviderCacheReuse(t *testing.T) {
	c := NewClient()
	cfg := Config{Provider: ProviderOllama, Endpoint: "http://localhost:11434", Model: "llama3"}

	first := c.provider(cfg)
	second := c.provider(cfg)
	assert.Same(t, first, second)

	cfg.Model = "mistral"
	third := c.provider(cfg)
	assert.NotSame(t, first, third)
}

func TestUsageEstimatedWhenProviderOmitsIt(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(ollamaResponse{
			Message: Message{Role: RoleAssistant, Content: "four words of text"},
			Done:    true,
		})
	}))
	defer server.Close()

	c := NewClient()
	resp := c.Generate(context.Background(), Config{
		Provider: ProviderOllama,
		Endpoint: server.URL,
		Model:    "m",
	}, "count my tokens please")

	require.True(t, resp.Success, resp.Error)
	assert.Positive(t, resp.Usage.PromptTokens)
	assert.Positive(t, resp.Usage.CompletionTokens)
	assert.Equal(t, resp.Usage.PromptTokens+resp.Usage.CompletionTokens, resp.Usage.TotalTokens)
}

func TestResponseToValue(t *testing.T) {
	resp := &Response{
		Success:  true,
		Content:  "hi",
		Model:    "m",
		Provider: ProviderOllama,
		Usage:    Usage{PromptTokens: 1, CompletionTokens: 2, TotalTokens: 3},
	}
	v := resp.ToValue()
	assert.Equal(t, true, v["success"])
	assert.Equal(t, "hi", v["content"])
	assert.NotContains(t, v, "error")

	usage, ok := v["usage"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, int64(3), usage["total"])

	resp.Success = false
	resp.Error = "boom"
	assert.Equal(t, "boom", resp.ToValue()["error"])
}

func TestEstimateTokens(t *testing.T) {
	assert.Zero(t, EstimateTokens(""))
	assert.Positive(t, EstimateTokens("a reasonable sentence of english text"))
}
