package ragretrieval

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"
)

// Embedder turns text into vectors, preferring the Voyage AI embeddings
// API when a key is configured and falling back to a deterministic
// hash-based embedding otherwise, so indexing keeps working offline.
type Embedder struct {
	apiKey     string
	httpClient *http.Client
	model      string
}

// EmbedderOption configures an Embedder.
type EmbedderOption func(*Embedder)

// WithModel overrides the default Voyage AI model.
func WithModel(model string) EmbedderOption {
	return func(e *Embedder) { e.model = model }
}

// NewEmbedder builds an Embedder, reading VOYAGE_API_KEY from the
// environment.
func NewEmbedder(opts ...EmbedderOption) *Embedder {
	e := &Embedder{
		apiKey:     os.Getenv("VOYAGE_API_KEY"),
		httpClient: &http.Client{Timeout: 30 * time.Second},
		model:      "voyage-code-2",
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Embed returns a single text's embedding.
func (e *Embedder) Embed(ctx context.Context, text string) ([]float32, error) {
	vecs, err := e.EmbedBatch(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	if len(vecs) == 0 {
		return nil, fmt.Errorf("ragretrieval: no embeddings returned")
	}
	return vecs[0], nil
}

// EmbedBatch returns embeddings for multiple texts.
func (e *Embedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if e.apiKey == "" {
		return hashEmbeddings(texts), nil
	}
	return e.voyageEmbeddings(ctx, texts)
}

func (e *Embedder) voyageEmbeddings(ctx context.Context, texts []string) ([][]float32, error) {
	body, err := json.Marshal(map[string]any{
		"input": texts, "model": e.model, "input_type": "document",
	})
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, "https://api.voyageai.com/v1/embeddings", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+e.apiKey)

	resp, err := e.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("ragretrieval: embedding API error (status %d): %s", resp.StatusCode, string(respBody))
	}
	var result struct {
		Data []struct {
			Embedding []float32 `json:"embedding"`
		} `json:"data"`
	}
	if err := json.Unmarshal(respBody, &result); err != nil {
		return nil, err
	}
	vecs := make([][]float32, len(result.Data))
	for i, d := range result.Data {
		vecs[i] = d.Embedding
	}
	return vecs, nil
}

const hashDimensions = 256

// hashEmbeddings builds deterministic feature-hashed vectors so search
// stays functional without an API key.
func hashEmbeddings(texts []string) [][]float32 {
	vecs := make([][]float32, len(texts))
	for i, t := range texts {
		vecs[i] = textToHashVector(t)
	}
	return vecs
}

func textToHashVector(text string) []float32 {
	text = strings.ToLower(strings.TrimSpace(text))
	words := strings.Fields(text)
	features := make(map[string]int)
	for _, w := range words {
		features[w]++
	}
	for i := 0; i < len(words)-1; i++ {
		features[words[i]+" "+words[i+1]]++
	}

	vec := make([]float32, hashDimensions)
	var magnitude float64
	for feature, count := range features {
		h := sha256.Sum256([]byte(feature))
		idx := (int(h[0])<<8 | int(h[1])) % hashDimensions
		sign := float32(1.0)
		if h[4]&1 == 1 {
			sign = -1.0
		}
		vec[idx] += sign * float32(count)
		magnitude += float64(vec[idx] * vec[idx])
	}
	if magnitude > 0 {
		scale := float32(1.0 / magnitude)
		for i := range vec {
			vec[i] *= scale
		}
	}
	return vec
}

// GenerateChunkID derives a stable ID from a chunk's source and content.
func GenerateChunkID(source, content string) string {
	h := sha256.Sum256([]byte(source + content))
	return hex.EncodeToString(h[:8])
}
