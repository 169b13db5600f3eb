package ragretrieval

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEmbedWithoutAPIKeyUsesHashFallback(t *testing.T) {
	t.Setenv("VOYAGE_API_KEY", "")
	e := NewEmbedder()

	vec, err := e.Embed(context.Background(), "hello world")
	require.NoError(t, err)
	assert.Len(t, vec, hashDimensions)
}

func TestHashEmbeddingsAreDeterministic(t *testing.T) {
	v1 := textToHashVector("the quick brown fox")
	v2 := textToHashVector("the quick brown fox")
	assert.Equal(t, v1, v2)
}

func TestHashEmbeddingsDifferForDifferentText(t *testing.T) {
	v1 := textToHashVector("apples and oranges")
	v2 := textToHashVector("completely unrelated content")
	assert.NotEqual(t, v1, v2)
}

func TestGenerateChunkIDIsStableAndDistinct(t *testing.T) {
	id1 := GenerateChunkID("source-a", "content")
	id2 := GenerateChunkID("source-a", "content")
	id3 := GenerateChunkID("source-b", "content")

	assert.Equal(t, id1, id2)
	assert.NotEqual(t, id1, id3)
}

func TestEmbedBatchReturnsVectorPerText(t *testing.T) {
	t.Setenv("VOYAGE_API_KEY", "")
	e := NewEmbedder()

	vecs, err := e.EmbedBatch(context.Background(), []string{"one", "two", "three"})
	require.NoError(t, err)
	assert.Len(t, vecs, 3)
}
