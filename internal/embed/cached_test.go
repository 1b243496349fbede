package embed

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// stubEmbedder counts calls and returns deterministic vectors.
type stubEmbedder struct {
	embedCalls int
	batchCalls int
	failBatch  bool
}

func (s *stubEmbedder) Embed(_ context.Context, text string) ([]float32, error) {
	s.embedCalls++
	if strings.TrimSpace(text) == "" {
		return nil, nil
	}
	return []float32{float32(len(text)), 1, 0}, nil
}

func (s *stubEmbedder) EmbedBatch(_ context.Context, texts []string) ([][]float32, error) {
	s.batchCalls++
	vecs := make([][]float32, len(texts))
	if s.failBatch {
		return vecs, nil
	}
	for i, t := range texts {
		if strings.TrimSpace(t) == "" {
			continue
		}
		vecs[i] = []float32{float32(len(t)), 1, 0}
	}
	return vecs, nil
}

func (s *stubEmbedder) Dimensions() int                    { return 3 }
func (s *stubEmbedder) ModelName() string                  { return "stub" }
func (s *stubEmbedder) Available(_ context.Context) bool   { return true }
func (s *stubEmbedder) Close() error                       { return nil }

func TestCachedEmbedHitSkipsInner(t *testing.T) {
	stub := &stubEmbedder{}
	cached := NewCachedEmbedder(stub, 10)

	first, err := cached.Embed(context.Background(), "hello")
	require.NoError(t, err)
	second, err := cached.Embed(context.Background(), "hello")
	require.NoError(t, err)

	assert.Equal(t, first, second)
	assert.Equal(t, 1, stub.embedCalls)
}

func TestCachedEmbedBatchOnlySendsMisses(t *testing.T) {
	stub := &stubEmbedder{}
	cached := NewCachedEmbedder(stub, 10)

	_, err := cached.Embed(context.Background(), "warm")
	require.NoError(t, err)

	vecs, err := cached.EmbedBatch(context.Background(), []string{"warm", "cold"})
	require.NoError(t, err)
	require.Len(t, vecs, 2)
	assert.NotNil(t, vecs[0])
	assert.NotNil(t, vecs[1])
	assert.Equal(t, 1, stub.batchCalls)

	// All cached now, no inner call.
	_, err = cached.EmbedBatch(context.Background(), []string{"warm", "cold"})
	require.NoError(t, err)
	assert.Equal(t, 1, stub.batchCalls)
}

func TestCachedEmbedBatchDoesNotCacheNil(t *testing.T) {
	stub := &stubEmbedder{failBatch: true}
	cached := NewCachedEmbedder(stub, 10)

	vecs, err := cached.EmbedBatch(context.Background(), []string{"a"})
	require.NoError(t, err)
	assert.Nil(t, vecs[0])

	// Failure was not cached, so a recovered inner embedder gets retried.
	stub.failBatch = false
	vecs, err = cached.EmbedBatch(context.Background(), []string{"a"})
	require.NoError(t, err)
	assert.NotNil(t, vecs[0])
	assert.Equal(t, 2, stub.batchCalls)
}

func TestCachedEmbedderPassthrough(t *testing.T) {
	stub := &stubEmbedder{}
	cached := NewCachedEmbedder(stub, 0)

	assert.Equal(t, 3, cached.Dimensions())
	assert.Equal(t, "stub", cached.ModelName())
	assert.True(t, cached.Available(context.Background()))
	assert.NoError(t, cached.Close())
}
