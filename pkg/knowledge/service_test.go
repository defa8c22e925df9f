package knowledge

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quillframe/quill/pkg/llms"
)

// keywordEmbedder maps text deterministically onto a tiny vector space so
// similarity is predictable without a real model.
type keywordEmbedder struct{}

func (keywordEmbedder) Model() string { return "keyword-test" }

func (keywordEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	lower := strings.ToLower(text)
	vec := []float32{0.01, 0.01, 0.01}
	if strings.Contains(lower, "cat") {
		vec[0] = 1
	}
	if strings.Contains(lower, "dog") {
		vec[1] = 1
	}
	if strings.Contains(lower, "bird") {
		vec[2] = 1
	}
	return vec, nil
}

func testService(t *testing.T) *Service {
	t.Helper()
	store, err := NewChromemStore("", false)
	require.NoError(t, err)
	return NewService(store, llms.NewClient(), WithEmbedderFactory(func(EmbedderConfig) Embedder {
		return keywordEmbedder{}
	}))
}

func TestIndexAndSearch(t *testing.T) {
	s := testService(t)
	ctx := context.Background()

	sources := []Source{
		{Kind: SourceText, Name: "cats", Text: "Cats are small carnivorous mammals."},
		{Kind: SourceText, Name: "dogs", Text: "Dogs are loyal domestic animals."},
		{Kind: SourceText, Name: "birds", Text: "Birds can fly and sing."},
	}
	count, err := s.Index(ctx, "animals", sources, IndexOptions{})
	require.NoError(t, err)
	assert.Equal(t, 3, count)

	results, err := s.Search(ctx, "animals", "tell me about cats", 2, EmbedderConfig{})
	require.NoError(t, err)
	require.Len(t, results, 2)

	assert.Equal(t, "cats", results[0].Source)
	assert.Contains(t, results[0].Content, "Cats")
	assert.Greater(t, results[0].Relevance, results[1].Relevance)
	for _, r := range results {
		assert.GreaterOrEqual(t, r.Relevance, 0.0)
		assert.LessOrEqual(t, r.Relevance, 1.0)
	}
}

func TestIndexDeterministicIDsOverwrite(t *testing.T) {
	s := testService(t)
	ctx := context.Background()

	src := []Source{{Kind: SourceText, Name: "cats", Text: "Cats purr."}}
	_, err := s.Index(ctx, "pets", src, IndexOptions{})
	require.NoError(t, err)
	_, err = s.Index(ctx, "pets", src, IndexOptions{})
	require.NoError(t, err)

	assert.Equal(t, 1, s.store.Count("pets"))
}

func TestIndexRebuildDropsCollection(t *testing.T) {
	s := testService(t)
	ctx := context.Background()

	_, err := s.Index(ctx, "pets", []Source{
		{Kind: SourceText, Name: "cats", Text: "Cats purr."},
		{Kind: SourceText, Name: "dogs", Text: "Dogs bark."},
	}, IndexOptions{})
	require.NoError(t, err)
	require.Equal(t, 2, s.store.Count("pets"))

	_, err = s.Index(ctx, "pets", []Source{
		{Kind: SourceText, Name: "birds", Text: "Birds sing."},
	}, IndexOptions{Rebuild: true})
	require.NoError(t, err)
	assert.Equal(t, 1, s.store.Count("pets"))
}

func TestSearchTopKClampedToCollection(t *testing.T) {
	s := testService(t)
	ctx := context.Background()

	_, err := s.Index(ctx, "tiny", []Source{
		{Kind: SourceText, Name: "cats", Text: "Cats purr."},
	}, IndexOptions{})
	require.NoError(t, err)

	results, err := s.Search(ctx, "tiny", "cat", 50, EmbedderConfig{})
	require.NoError(t, err)
	assert.Len(t, results, 1)
}

func TestDirectorySource(t *testing.T) {
	s := testService(t)
	ctx := context.Background()

	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "cats.md"), []byte("Cats climb trees."), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "dogs.md"), []byte("Dogs dig holes."), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("ignore me"), 0o644))

	count, err := s.Index(ctx, "files", []Source{
		{Kind: SourceDirectory, Path: dir, Include: "*.md"},
	}, IndexOptions{})
	require.NoError(t, err)
	assert.Equal(t, 2, count)

	results, err := s.Search(ctx, "files", "dog", 1, EmbedderConfig{})
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Contains(t, results[0].Source, "dogs.md")
}

func TestQueryRowsSource(t *testing.T) {
	s := testService(t)
	ctx := context.Background()

	rows := []map[string]any{
		{"name": "Whiskers", "species": "cat"},
		{"name": "Rex", "species": "dog"},
	}
	count, err := s.Index(ctx, "pets", []Source{
		{Kind: SourceQuery, Name: "pet-table", Rows: rows},
	}, IndexOptions{})
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	results, err := s.Search(ctx, "pets", "cat", 1, EmbedderConfig{})
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "pet-table", results[0].Source)
	assert.Contains(t, results[0].Content, "Whiskers")
}

func TestURLSource(t *testing.T) {
	content := "Cats rule the internet."
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(content))
	}))
	defer server.Close()

	s := testService(t)
	count, err := s.Index(context.Background(), "web", []Source{
		{Kind: SourceURL, URL: server.URL},
	}, IndexOptions{})
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestUnknownSourceKind(t *testing.T) {
	s := testService(t)
	_, err := s.Index(context.Background(), "x", []Source{{Kind: "ftp"}}, IndexOptions{})
	assert.Error(t, err)
}

func TestRAGQuery(t *testing.T) {
	var captured string
	llmServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Messages []struct {
				Role    string `json:"role"`
				Content string `json:"content"`
			} `json:"messages"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		for _, m := range req.Messages {
			captured += m.Role + ": " + m.Content + "\n"
		}
		json.NewEncoder(w).Encode(map[string]any{
			"message": map[string]any{"role": "assistant", "content": "Whiskers is a cat."},
			"done":    true,
		})
	}))
	defer llmServer.Close()

	store, err := NewChromemStore("", false)
	require.NoError(t, err)
	s := NewService(store, llms.NewClient(), WithEmbedderFactory(func(EmbedderConfig) Embedder {
		return keywordEmbedder{}
	}))

	ctx := context.Background()
	_, err = s.Index(ctx, "pets", []Source{
		{Kind: SourceText, Name: "cats", Text: "Whiskers the cat sleeps all day."},
	}, IndexOptions{})
	require.NoError(t, err)

	answer, err := s.RAGQuery(ctx, "pets", "Who is Whiskers the cat?", RAGOptions{
		LLM: llms.Config{Provider: llms.ProviderOllama, Endpoint: llmServer.URL, Model: "m"},
	})
	require.NoError(t, err)

	assert.Equal(t, "Whiskers is a cat.", answer.Answer)
	require.NotEmpty(t, answer.Sources)
	assert.Positive(t, answer.Confidence)

	// the model must have seen the retrieved context and the guardrail prompt
	assert.Contains(t, captured, "Whiskers the cat sleeps all day.")
	assert.Contains(t, captured, "only the provided context")
}

func TestChunkIDDeterministic(t *testing.T) {
	a := chunkID("kb", "doc", 0)
	b := chunkID("kb", "doc", 0)
	c := chunkID("kb", "doc", 1)
	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)
	assert.Len(t, a, 40)
}
