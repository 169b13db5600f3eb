package ragretrieval

import (
	"context"
	"fmt"
	"strings"
)

// Retriever answers "what prior context is relevant to this prompt"
// queries against a Store.
type Retriever struct {
	store    *Store
	embedder *Embedder
}

// NewRetriever builds a Retriever over store using embedder.
func NewRetriever(store *Store, embedder *Embedder) *Retriever {
	return &Retriever{store: store, embedder: embedder}
}

// IndexCorrection stores a correction-cycle transcript excerpt so
// future pipelines for similar branches can learn from it.
func (r *Retriever) IndexCorrection(ctx context.Context, branch, content string) error {
	vec, err := r.embedder.Embed(ctx, content)
	if err != nil {
		return fmt.Errorf("ragretrieval: embed correction: %w", err)
	}
	return r.store.Store(ctx, Chunk{
		ID:      GenerateChunkID("correction:"+branch, content),
		Source:  "correction:" + branch,
		Content: content,
		Metadata: Metadata{
			ChunkType: "correction",
			Tags:      []string{branch},
		},
		Embedding: vec,
	})
}

// IndexGuidance stores a hand-written guidance note (e.g. a house style
// rule) under domain.
func (r *Retriever) IndexGuidance(ctx context.Context, domain, content string) error {
	vec, err := r.embedder.Embed(ctx, content)
	if err != nil {
		return fmt.Errorf("ragretrieval: embed guidance: %w", err)
	}
	return r.store.Store(ctx, Chunk{
		ID:        GenerateChunkID("guidance:"+domain, content),
		Source:    "guidance:" + domain,
		Content:   content,
		Metadata:  Metadata{ChunkType: "guidance", Domain: domain},
		Embedding: vec,
	})
}

// RetrieveForPrompt finds the top-k chunks relevant to query and
// renders them as a prompt-enrichment block, or "" if nothing qualifies.
func (r *Retriever) RetrieveForPrompt(ctx context.Context, query string, limit int) (string, error) {
	if r.store.Count() == 0 {
		return "", nil
	}
	vec, err := r.embedder.Embed(ctx, query)
	if err != nil {
		return "", fmt.Errorf("ragretrieval: embed query: %w", err)
	}
	results := r.store.Search(ctx, vec, SearchOptions{Limit: limit, MinSimilarity: 0.2})
	if len(results) == 0 {
		return "", nil
	}
	var b strings.Builder
	b.WriteString("Relevant prior context:\n")
	for _, res := range results {
		fmt.Fprintf(&b, "- (%s, source=%s) %s\n", res.Chunk.Metadata.ChunkType, res.Chunk.Source, truncate(res.Chunk.Content, 400))
	}
	return b.String(), nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
