package search

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"time"

	openai "github.com/sashabaranov/go-openai"
)

// Expansion parsing bounds.
const (
	minExpansionLen = 5
	maxExpansionLen = 200

	// DefaultExpansions is the number of paraphrases requested from the
	// model when the caller does not set one.
	DefaultExpansions = 3
)

// ExpanderConfig configures the LLM query expander.
type ExpanderConfig struct {
	// BaseURL points at a local OpenAI-compatible endpoint.
	BaseURL string

	// APIKey is forwarded as-is; local backends usually ignore it.
	APIKey string

	// Model is the generation model name.
	Model string

	// Temperature for the expansion call. Low keeps paraphrases close
	// to the original query.
	Temperature float32

	// MaxTokens bounds the completion.
	MaxTokens int

	// Timeout bounds one expansion call.
	Timeout time.Duration
}

// DefaultExpanderConfig returns defaults for a local backend.
func DefaultExpanderConfig() ExpanderConfig {
	return ExpanderConfig{
		BaseURL:     "http://localhost:8080/v1",
		APIKey:      "sk-local",
		Model:       "llama3",
		Temperature: 0.3,
		MaxTokens:   256,
		Timeout:     15 * time.Second,
	}
}

// completionClient is the slice of the OpenAI client the expander uses.
type completionClient interface {
	CreateChatCompletion(ctx context.Context, req openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error)
}

// QueryExpander asks a local LLM for paraphrases of a query to widen
// recall. It never fails a search: any error degrades to the original
// query alone.
type QueryExpander struct {
	client completionClient
	config ExpanderConfig
	logger *slog.Logger
}

// NewQueryExpander creates an expander against cfg.BaseURL.
func NewQueryExpander(cfg ExpanderConfig) *QueryExpander {
	if cfg.Model == "" {
		cfg.Model = DefaultExpanderConfig().Model
	}
	if cfg.Temperature == 0 {
		cfg.Temperature = DefaultExpanderConfig().Temperature
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = DefaultExpanderConfig().MaxTokens
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultExpanderConfig().Timeout
	}

	clientCfg := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientCfg.BaseURL = cfg.BaseURL
	}

	return &QueryExpander{
		client: openai.NewClientWithConfig(clientCfg),
		config: cfg,
		logger: slog.Default().With("component", "expander"),
	}
}

// Expand returns up to n paraphrases after the original query. The
// original is always first; output has no case-insensitive duplicates
// and never exceeds n+1 entries. On any model failure the result is
// just the original.
func (x *QueryExpander) Expand(ctx context.Context, query string, n int, domainHint string) []string {
	query = strings.TrimSpace(query)
	if query == "" {
		return nil
	}
	if n <= 0 {
		n = DefaultExpansions
	}

	raw, err := x.generate(ctx, query, n, domainHint)
	if err != nil {
		x.logger.Warn("query_expansion_failed", "error", err)
		return []string{query}
	}

	lines := parseExpansionLines(raw, n)
	return dedupeQueries(query, lines, n)
}

func (x *QueryExpander) generate(ctx context.Context, query string, n int, domainHint string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, x.config.Timeout)
	defer cancel()

	prompt := fmt.Sprintf(
		"Rewrite the following search query as %d alternative phrasings that preserve its meaning. "+
			"Return one phrasing per line with no numbering, labels or commentary.\n\nQuery: %s",
		n, query)
	if domainHint != "" {
		prompt += "\nDomain: " + domainHint
	}

	resp, err := x.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:       x.config.Model,
		Temperature: x.config.Temperature,
		MaxTokens:   x.config.MaxTokens,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleUser, Content: prompt},
		},
	})
	if err != nil {
		return "", err
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("empty completion")
	}
	return resp.Choices[0].Message.Content, nil
}

var (
	enumerationRe = regexp.MustCompile(`^\s*(?:[-*•]+|\(?\d+[.)\]]|\(\d+\))\s*`)
	sentenceEndRe = regexp.MustCompile(`[.!?]+`)
)

// parseExpansionLines extracts up to n usable queries from a model
// response: split on newlines, drop header-ish lines, strip enumeration
// markers and surrounding quotes, keep lines of reasonable length. When
// no line survives, fall back to splitting on sentence punctuation.
func parseExpansionLines(raw string, n int) []string {
	collect := func(parts []string) []string {
		out := make([]string, 0, n)
		for _, part := range parts {
			if len(out) >= n {
				break
			}
			line := cleanExpansionLine(part)
			if line == "" || looksLikeHeader(line) {
				continue
			}
			if len(line) < minExpansionLen || len(line) > maxExpansionLen {
				continue
			}
			out = append(out, line)
		}
		return out
	}

	lines := collect(strings.Split(raw, "\n"))
	if len(lines) > 0 {
		return lines
	}
	return collect(sentenceEndRe.Split(raw, -1))
}

func cleanExpansionLine(line string) string {
	line = strings.TrimSpace(line)
	line = enumerationRe.ReplaceAllString(line, "")
	line = strings.Trim(line, `"'`+"`")
	return strings.TrimSpace(line)
}

// looksLikeHeader filters label lines the model sometimes prepends,
// like "Alternative phrasings:" or "Here are three rewrites". Only
// trailing colons and leading filler openers count; a paraphrase that
// merely mentions one of these words must survive.
func looksLikeHeader(line string) bool {
	if strings.HasSuffix(line, ":") {
		return true
	}
	lower := strings.ToLower(line)
	for _, opener := range []string{"here are ", "here is ", "sure,", "sure!", "certainly,"} {
		if strings.HasPrefix(lower, opener) {
			return true
		}
	}
	return false
}

// dedupeQueries builds the final expansion list: original first, then
// up to n parsed lines, case-insensitively deduplicated keeping the
// first occurrence.
func dedupeQueries(original string, lines []string, n int) []string {
	out := make([]string, 0, n+1)
	seen := map[string]bool{strings.ToLower(original): true}
	out = append(out, original)

	for _, line := range lines {
		if len(out) > n {
			break
		}
		key := strings.ToLower(line)
		if seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, line)
	}
	return out
}
