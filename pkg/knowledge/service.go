// Package knowledge indexes document material into a vector store and
// answers questions over it: extraction, chunking, embedding, similarity
// search and retrieval-augmented generation.
package knowledge

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	"golang.org/x/sync/errgroup"

	"github.com/quillframe/quill/pkg/httpclient"
	"github.com/quillframe/quill/pkg/llms"
	"github.com/quillframe/quill/pkg/logger"
)

const (
	DefaultTopK = 5
	// embedConcurrency bounds parallel embedding calls per index run
	embedConcurrency = 4
)

type Service struct {
	store       VectorStore
	llm         *llms.Client
	http        *httpclient.Client
	newEmbedder func(EmbedderConfig) Embedder
	log         *slog.Logger
}

type ServiceOption func(*Service)

// WithEmbedderFactory overrides embedder construction, mainly for tests.
func WithEmbedderFactory(factory func(EmbedderConfig) Embedder) ServiceOption {
	return func(s *Service) { s.newEmbedder = factory }
}

func NewService(store VectorStore, llm *llms.Client, opts ...ServiceOption) *Service {
	s := &Service{
		store:       store,
		llm:         llm,
		http:        httpclient.New(),
		newEmbedder: NewEmbedder,
		log:         logger.GetLogger("knowledge"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

type IndexOptions struct {
	Embedder     EmbedderConfig
	ChunkSize    int
	ChunkOverlap int
	Rebuild      bool
}

// Index extracts, chunks, embeds and upserts all sources into the named
// collection. Returns the number of chunks written. Chunk ids are
// deterministic, so re-indexing the same material overwrites in place.
func (s *Service) Index(ctx context.Context, name string, sources []Source, opts IndexOptions) (int, error) {
	if opts.Rebuild {
		if err := s.store.DeleteCollection(ctx, name); err != nil {
			s.log.Debug("rebuild: no existing collection to drop", "collection", name, "error", err)
		}
	}

	embedder := s.newEmbedder(opts.Embedder)

	total := 0
	for _, src := range sources {
		docs, err := s.extract(ctx, src)
		if err != nil {
			return total, fmt.Errorf("failed to extract source %q: %w", src.label(string(src.Kind)), err)
		}

		for _, doc := range docs {
			chunks := Chunk(doc.text, opts.ChunkSize, opts.ChunkOverlap)
			if len(chunks) == 0 {
				continue
			}

			embedded := make([]Document, len(chunks))
			g, gctx := errgroup.WithContext(ctx)
			g.SetLimit(embedConcurrency)
			for i, chunk := range chunks {
				g.Go(func() error {
					vec, err := embedder.Embed(gctx, chunk)
					if err != nil {
						return fmt.Errorf("failed to embed chunk %d of %s: %w", i, doc.name, err)
					}
					embedded[i] = Document{
						ID:        chunkID(name, doc.name, i),
						Content:   chunk,
						Embedding: vec,
						Metadata: map[string]string{
							"source":      doc.name,
							"chunk_index": strconv.Itoa(i),
						},
					}
					return nil
				})
			}
			if err := g.Wait(); err != nil {
				return total, err
			}

			if err := s.store.Upsert(ctx, name, embedded); err != nil {
				return total, err
			}
			total += len(embedded)
		}
	}

	s.log.Info("indexed knowledge", "collection", name, "chunks", total)
	return total, nil
}

type SearchResult struct {
	Content    string
	Relevance  float64
	Source     string
	ChunkIndex int
}

func (r SearchResult) ToValue() map[string]any {
	return map[string]any{
		"content":     r.Content,
		"relevance":   r.Relevance,
		"source":      r.Source,
		"chunk_index": int64(r.ChunkIndex),
	}
}

// Search embeds the query and returns the closest chunks with relevance in
// [0, 1], computed as max(0, 1 - cosine_distance/2).
func (s *Service) Search(ctx context.Context, name, query string, topK int, embedCfg EmbedderConfig) ([]SearchResult, error) {
	if topK <= 0 {
		topK = DefaultTopK
	}

	vec, err := s.newEmbedder(embedCfg).Embed(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to embed query: %w", err)
	}

	matches, err := s.store.Query(ctx, name, vec, topK)
	if err != nil {
		return nil, err
	}

	results := make([]SearchResult, 0, len(matches))
	for _, m := range matches {
		distance := 1 - float64(m.Similarity)
		relevance := 1 - distance/2
		if relevance < 0 {
			relevance = 0
		}
		idx := 0
		if raw, ok := m.Metadata["chunk_index"]; ok {
			idx, _ = strconv.Atoi(raw)
		}
		results = append(results, SearchResult{
			Content:    m.Content,
			Relevance:  relevance,
			Source:     m.Metadata["source"],
			ChunkIndex: idx,
		})
	}
	return results, nil
}

const ragSystemPrompt = "You answer questions using only the provided context. " +
	"If the context does not contain the answer, say that you do not know. " +
	"Do not use outside knowledge."

type RAGOptions struct {
	LLM      llms.Config
	NResults int
	Embedder EmbedderConfig
}

type RAGAnswer struct {
	Answer     string
	Sources    []SearchResult
	Confidence float64
}

func (a *RAGAnswer) ToValue() map[string]any {
	sources := make([]any, len(a.Sources))
	for i, src := range a.Sources {
		sources[i] = src.ToValue()
	}
	return map[string]any{
		"answer":     a.Answer,
		"sources":    sources,
		"confidence": a.Confidence,
	}
}

// RAGQuery searches the collection and asks the LLM to answer from the
// retrieved context only. Confidence is the best retrieval relevance.
func (s *Service) RAGQuery(ctx context.Context, name, question string, opts RAGOptions) (*RAGAnswer, error) {
	results, err := s.Search(ctx, name, question, opts.NResults, opts.Embedder)
	if err != nil {
		return nil, err
	}

	var contextBlock strings.Builder
	for i, r := range results {
		fmt.Fprintf(&contextBlock, "[%d] (%s)\n%s\n\n", i+1, r.Source, r.Content)
	}

	prompt := fmt.Sprintf("Context:\n%s\nQuestion: %s", contextBlock.String(), question)

	cfg := opts.LLM
	cfg.System = ragSystemPrompt
	response := s.llm.Generate(ctx, cfg, prompt)
	if !response.Success {
		return nil, fmt.Errorf("rag query against %q failed: %s", name, response.Error)
	}

	confidence := 0.0
	for _, r := range results {
		if r.Relevance > confidence {
			confidence = r.Relevance
		}
	}

	return &RAGAnswer{
		Answer:     response.Content,
		Sources:    results,
		Confidence: confidence,
	}, nil
}

func chunkID(collection, source string, index int) string {
	h := sha1.Sum([]byte(collection + "\x00" + source + "\x00" + strconv.Itoa(index)))
	return hex.EncodeToString(h[:])
}
