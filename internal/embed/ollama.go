package embed

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"
)

// Ollama API constants
const (
	// DefaultOllamaHost is the default Ollama API endpoint
	DefaultOllamaHost = "http://localhost:11434"

	// DefaultOllamaModel is the default embedding model
	DefaultOllamaModel = "embeddinggemma"

	// OllamaConnectTimeout for the initial health check
	OllamaConnectTimeout = 5 * time.Second
)

// OllamaConfig configures the Ollama embedder
type OllamaConfig struct {
	// Host is the Ollama API endpoint (default: http://localhost:11434)
	Host string

	// Model is the embedding model to use
	Model string

	// Dimensions can be set to override auto-detection (0 = auto-detect)
	Dimensions int

	// BatchSize for batch embedding requests (default: 32)
	BatchSize int

	// Timeout for API requests (default: 60s)
	Timeout time.Duration

	// Retry controls backoff for transient failures
	Retry RetryConfig

	// SkipHealthCheck skips the initial availability probe (for testing)
	SkipHealthCheck bool
}

// DefaultOllamaConfig returns sensible defaults
func DefaultOllamaConfig() OllamaConfig {
	return OllamaConfig{
		Host:       DefaultOllamaHost,
		Model:      DefaultOllamaModel,
		Dimensions: 0,
		BatchSize:  DefaultBatchSize,
		Timeout:    DefaultTimeout,
		Retry:      DefaultRetryConfig(),
	}
}

// ollamaEmbedRequest is the Ollama /api/embed request
type ollamaEmbedRequest struct {
	Model string `json:"model"`
	Input any    `json:"input"` // string or []string for batch
}

// ollamaEmbedResponse is the Ollama /api/embed response
type ollamaEmbedResponse struct {
	Model      string      `json:"model"`
	Embeddings [][]float64 `json:"embeddings"`
}

// OllamaEmbedder generates embeddings via a local Ollama server.
type OllamaEmbedder struct {
	config OllamaConfig
	client *http.Client
	dims   int
	logger *slog.Logger
}

var _ Embedder = (*OllamaEmbedder)(nil)

// NewOllamaEmbedder creates an Ollama-backed embedder. Unless
// SkipHealthCheck is set it probes the server and detects the model's
// embedding dimension with a one-token request.
func NewOllamaEmbedder(ctx context.Context, config OllamaConfig) (*OllamaEmbedder, error) {
	if config.Host == "" {
		config.Host = DefaultOllamaHost
	}
	if config.Model == "" {
		config.Model = DefaultOllamaModel
	}
	if config.BatchSize < MinBatchSize || config.BatchSize > MaxBatchSize {
		config.BatchSize = DefaultBatchSize
	}
	if config.Timeout <= 0 {
		config.Timeout = DefaultTimeout
	}
	if config.Retry.MaxRetries == 0 && config.Retry.InitialDelay == 0 {
		config.Retry = DefaultRetryConfig()
	}

	e := &OllamaEmbedder{
		config: config,
		client: &http.Client{Timeout: config.Timeout},
		dims:   config.Dimensions,
		logger: slog.Default().With("component", "embed"),
	}

	if config.SkipHealthCheck {
		if e.dims == 0 {
			e.dims = DefaultDimensions
		}
		return e, nil
	}

	probeCtx, cancel := context.WithTimeout(ctx, OllamaConnectTimeout)
	defer cancel()
	if !e.Available(probeCtx) {
		return nil, fmt.Errorf("ollama not reachable at %s", config.Host)
	}

	if e.dims == 0 {
		vecs, err := e.embedRequest(ctx, []string{"dimension probe"})
		if err != nil {
			return nil, fmt.Errorf("detect dimensions: %w", err)
		}
		if len(vecs) == 0 || len(vecs[0]) == 0 {
			return nil, fmt.Errorf("model %s returned empty embedding", config.Model)
		}
		e.dims = len(vecs[0])
		e.logger.Debug("ollama_dimensions_detected",
			"model", config.Model,
			"dimensions", e.dims)
	}

	return e, nil
}

// Embed generates a unit-normalized embedding for a single text.
// Empty or whitespace-only text yields nil without a model call.
func (e *OllamaEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	if strings.TrimSpace(text) == "" {
		return nil, nil
	}

	vecs, err := e.embedWithRetry(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	if len(vecs) != 1 {
		return nil, fmt.Errorf("expected 1 embedding, got %d", len(vecs))
	}
	return normalizeVector(vecs[0]), nil
}

// EmbedBatch generates embeddings for multiple texts in batches of
// BatchSize. Empty inputs and members of failed batches get nil vectors;
// batch failures are logged rather than returned so partial results
// survive a flaky model.
func (e *OllamaEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	return e.EmbedBatchProgress(ctx, texts, nil)
}

// EmbedBatchProgress is EmbedBatch with an optional progress channel.
// After each batch the fraction of inputs processed is sent; values are
// monotonically increasing in (0, 1]. Sends never block: a slow receiver
// just misses intermediate fractions.
func (e *OllamaEmbedder) EmbedBatchProgress(ctx context.Context, texts []string, progress chan<- float64) ([][]float32, error) {
	if len(texts) == 0 {
		return [][]float32{}, nil
	}

	results := make([][]float32, len(texts))

	// Skip empties up front so batches only carry real inputs.
	indices := make([]int, 0, len(texts))
	inputs := make([]string, 0, len(texts))
	for i, t := range texts {
		if strings.TrimSpace(t) == "" {
			continue
		}
		indices = append(indices, i)
		inputs = append(inputs, t)
	}

	processed := 0
	for start := 0; start < len(inputs); start += e.config.BatchSize {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		end := start + e.config.BatchSize
		if end > len(inputs) {
			end = len(inputs)
		}

		vecs, err := e.embedWithRetry(ctx, inputs[start:end])
		if err != nil {
			e.logger.Warn("embed_batch_failed",
				"model", e.config.Model,
				"batch_start", start,
				"batch_size", end-start,
				"error", err)
		} else if len(vecs) != end-start {
			e.logger.Warn("embed_batch_truncated",
				"model", e.config.Model,
				"expected", end-start,
				"got", len(vecs))
		} else {
			for i, v := range vecs {
				results[indices[start+i]] = normalizeVector(v)
			}
		}

		processed = end
		if progress != nil {
			frac := float64(processed) / float64(len(inputs))
			select {
			case progress <- frac:
			default:
			}
		}
	}

	return results, nil
}

// Dimensions returns the embedding dimension
func (e *OllamaEmbedder) Dimensions() int {
	return e.dims
}

// ModelName returns the model identifier
func (e *OllamaEmbedder) ModelName() string {
	return e.config.Model
}

// Available probes the Ollama server with a GET /api/tags.
func (e *OllamaEmbedder) Available(ctx context.Context) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, e.config.Host+"/api/tags", nil)
	if err != nil {
		return false
	}
	resp, err := e.client.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)
	return resp.StatusCode == http.StatusOK
}

// Close releases resources
func (e *OllamaEmbedder) Close() error {
	e.client.CloseIdleConnections()
	return nil
}

func (e *OllamaEmbedder) embedWithRetry(ctx context.Context, inputs []string) ([][]float32, error) {
	var vecs [][]float32
	err := withRetry(ctx, e.config.Retry, func() error {
		var reqErr error
		vecs, reqErr = e.embedRequest(ctx, inputs)
		return reqErr
	})
	return vecs, err
}

func (e *OllamaEmbedder) embedRequest(ctx context.Context, inputs []string) ([][]float32, error) {
	body, err := json.Marshal(ollamaEmbedRequest{
		Model: e.config.Model,
		Input: inputs,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.config.Host+"/api/embed", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := e.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("embed request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("ollama returned %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
	}

	var parsed ollamaEmbedResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}

	vecs := make([][]float32, len(parsed.Embeddings))
	for i, emb := range parsed.Embeddings {
		vec := make([]float32, len(emb))
		for j, v := range emb {
			vec[j] = float32(v)
		}
		vecs[i] = vec
	}
	return vecs, nil
}
