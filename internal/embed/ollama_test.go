package embed

import (
	"context"
	"encoding/json"
	"math"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeOllama serves /api/embed returning a fixed-dimension vector per
// input, and /api/tags for health checks.
func fakeOllama(t *testing.T, dims int, calls *atomic.Int64) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/tags":
			w.WriteHeader(http.StatusOK)
			w.Write([]byte(`{"models":[]}`))
		case "/api/embed":
			if calls != nil {
				calls.Add(1)
			}
			var req ollamaEmbedRequest
			require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
			inputs, ok := req.Input.([]any)
			require.True(t, ok)
			embeddings := make([][]float64, len(inputs))
			for i := range inputs {
				vec := make([]float64, dims)
				for j := range vec {
					vec[j] = float64(i + 1)
				}
				embeddings[i] = vec
			}
			json.NewEncoder(w).Encode(ollamaEmbedResponse{Model: "test", Embeddings: embeddings})
		default:
			http.NotFound(w, r)
		}
	}))
}

func newTestEmbedder(t *testing.T, host string, batchSize int) *OllamaEmbedder {
	t.Helper()
	cfg := DefaultOllamaConfig()
	cfg.Host = host
	cfg.Model = "test"
	cfg.Dimensions = 4
	cfg.BatchSize = batchSize
	cfg.SkipHealthCheck = true
	cfg.Retry = RetryConfig{MaxRetries: 1, InitialDelay: 1, MaxDelay: 1, Multiplier: 1}
	e, err := NewOllamaEmbedder(context.Background(), cfg)
	require.NoError(t, err)
	return e
}

func TestOllamaEmbedNormalized(t *testing.T) {
	srv := fakeOllama(t, 4, nil)
	defer srv.Close()
	e := newTestEmbedder(t, srv.URL, 32)
	defer e.Close()

	vec, err := e.Embed(context.Background(), "hello world")
	require.NoError(t, err)
	require.Len(t, vec, 4)

	var norm float64
	for _, v := range vec {
		norm += float64(v) * float64(v)
	}
	assert.InDelta(t, 1.0, math.Sqrt(norm), 1e-6)
}

func TestOllamaEmbedEmptySkipsModel(t *testing.T) {
	var calls atomic.Int64
	srv := fakeOllama(t, 4, &calls)
	defer srv.Close()
	e := newTestEmbedder(t, srv.URL, 32)
	defer e.Close()

	for _, text := range []string{"", "   ", "\n\t"} {
		vec, err := e.Embed(context.Background(), text)
		require.NoError(t, err)
		assert.Nil(t, vec)
	}
	assert.Equal(t, int64(0), calls.Load())
}

func TestOllamaEmbedBatchSkipsEmpties(t *testing.T) {
	srv := fakeOllama(t, 4, nil)
	defer srv.Close()
	e := newTestEmbedder(t, srv.URL, 32)
	defer e.Close()

	vecs, err := e.EmbedBatch(context.Background(), []string{"alpha", "", "beta", "  "})
	require.NoError(t, err)
	require.Len(t, vecs, 4)
	assert.NotNil(t, vecs[0])
	assert.Nil(t, vecs[1])
	assert.NotNil(t, vecs[2])
	assert.Nil(t, vecs[3])
}

func TestOllamaEmbedBatchFailureYieldsNils(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "model exploded", http.StatusInternalServerError)
	}))
	defer srv.Close()
	e := newTestEmbedder(t, srv.URL, 32)
	defer e.Close()

	vecs, err := e.EmbedBatch(context.Background(), []string{"alpha", "beta"})
	require.NoError(t, err)
	require.Len(t, vecs, 2)
	assert.Nil(t, vecs[0])
	assert.Nil(t, vecs[1])
}

func TestOllamaEmbedBatchProgress(t *testing.T) {
	srv := fakeOllama(t, 4, nil)
	defer srv.Close()
	e := newTestEmbedder(t, srv.URL, 2)
	defer e.Close()

	progress := make(chan float64, 16)
	texts := []string{"a", "b", "c", "d", "e"}
	vecs, err := e.EmbedBatchProgress(context.Background(), texts, progress)
	require.NoError(t, err)
	require.Len(t, vecs, 5)
	close(progress)

	var fractions []float64
	for f := range progress {
		fractions = append(fractions, f)
	}
	require.NotEmpty(t, fractions)
	prev := 0.0
	for _, f := range fractions {
		assert.Greater(t, f, prev)
		assert.LessOrEqual(t, f, 1.0)
		prev = f
	}
	assert.Equal(t, 1.0, fractions[len(fractions)-1])
}

func TestOllamaAvailable(t *testing.T) {
	srv := fakeOllama(t, 4, nil)
	e := newTestEmbedder(t, srv.URL, 32)
	defer e.Close()

	assert.True(t, e.Available(context.Background()))
	srv.Close()
	assert.False(t, e.Available(context.Background()))
}

func TestNormalizeVectorZero(t *testing.T) {
	v := []float32{0, 0, 0}
	assert.Equal(t, v, normalizeVector(v))
}
