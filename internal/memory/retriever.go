// Package memory implements long-term recall for generation prompts.
// Letters, replies, and salient chat turns are ingested as embedded
// chunks; retrieval returns the most relevant ones for a query.
package memory

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/postself/postself/internal/embeddings"
	"github.com/postself/postself/internal/store"
)

// Embedder turns text into a fixed-dimension vector. Implemented by
// embeddings.Client; tests substitute a deterministic fake.
type Embedder interface {
	Generate(ctx context.Context, text string) ([]float32, error)
}

// ChunkStore is the slice of the store the retriever needs.
type ChunkStore interface {
	CreateMemoryChunk(ctx context.Context, c *store.MemoryChunk) error
	MemoryChunksByScope(ctx context.Context, userID, profileID string) ([]*store.MemoryChunk, error)
}

// Retriever ingests and recalls memory chunks.
type Retriever struct {
	chunks   ChunkStore
	embedder Embedder
	logger   *slog.Logger
}

// NewRetriever creates a Retriever.
func NewRetriever(chunks ChunkStore, embedder Embedder, logger *slog.Logger) *Retriever {
	return &Retriever{chunks: chunks, embedder: embedder, logger: logger}
}

// Ingest embeds text and stores it as a memory chunk. An empty
// profileID makes the chunk user-wide (recallable from any persona's
// conversation).
func (r *Retriever) Ingest(ctx context.Context, userID, profileID, docType, text string) error {
	if strings.TrimSpace(text) == "" {
		return nil
	}

	vec, err := r.embedder.Generate(ctx, text)
	if err != nil {
		return fmt.Errorf("embed chunk: %w", err)
	}

	chunk := &store.MemoryChunk{
		UserID:          userID,
		FutureProfileID: profileID,
		DocType:         docType,
		TextChunk:       text,
		Embedding:       vec,
	}
	if err := r.chunks.CreateMemoryChunk(ctx, chunk); err != nil {
		return fmt.Errorf("store chunk: %w", err)
	}

	r.logger.Debug("memory chunk ingested",
		"user_id", userID,
		"doc_type", docType,
		"chunk_len", len(text),
	)
	return nil
}

// Retrieve returns up to limit chunks relevant to the query, most
// relevant first. personaScope narrows recall to one persona's chunks
// plus the user-wide ones; empty means user-wide only retrieval across
// everything. Zero results is an empty slice, not an error — a new
// conversation simply has nothing to recall yet. Retrieve never
// mutates anything.
func (r *Retriever) Retrieve(ctx context.Context, userID, personaScope, query string, limit int) ([]*store.MemoryChunk, error) {
	if limit <= 0 {
		limit = 5
	}

	all, err := r.chunks.MemoryChunksByScope(ctx, userID, personaScope)
	if err != nil {
		return nil, fmt.Errorf("load chunks: %w", err)
	}
	if len(all) == 0 {
		return nil, nil
	}

	queryVec, err := r.embedder.Generate(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("embed query: %w", err)
	}

	vectors := make([][]float32, len(all))
	for i, c := range all {
		vectors[i] = c.Embedding
	}

	ranked := make([]*store.MemoryChunk, 0, limit)
	for _, idx := range embeddings.TopK(queryVec, vectors, limit) {
		ranked = append(ranked, all[idx])
	}

	r.logger.Debug("memory retrieved",
		"user_id", userID,
		"persona_scope", personaScope,
		"candidates", len(all),
		"returned", len(ranked),
	)
	return ranked, nil
}

// FormatContext renders retrieved chunks as a prompt block, one
// excerpt per line in relevance order.
func FormatContext(chunks []*store.MemoryChunk) string {
	if len(chunks) == 0 {
		return ""
	}
	lines := make([]string, len(chunks))
	for i, c := range chunks {
		lines[i] = c.TextChunk
	}
	return strings.Join(lines, "\n")
}
