// Package web provides a last-resort web search client used by the
// corrective retrieval stage. It is best-effort: callers must tolerate
// empty results and never depend on it for correctness.
package web

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// Source type tags attached to web results.
const (
	SourceTypeWeb  = "web"
	SourceTypeNews = "news"
)

// Result is a single web search hit.
type Result struct {
	Title      string `json:"title"`
	Snippet    string `json:"snippet"`
	Link       string `json:"link"`
	SourceType string `json:"source_type"`

	// News-only fields.
	Date   string `json:"date,omitempty"`
	Source string `json:"source,omitempty"`
}

// Searcher is the entry point the orchestrator calls for corrective
// fallback. A nil Searcher disables web retrieval entirely.
type Searcher interface {
	// Search runs a web search. Provider errors and timeouts surface as
	// errors; callers treat them as "no web evidence".
	Search(ctx context.Context, query string, maxResults int) ([]Result, error)

	// SearchNews runs a news search with date/source populated.
	SearchNews(ctx context.Context, query string, maxResults int) ([]Result, error)
}

// BraveConfig configures the Brave Search client.
type BraveConfig struct {
	BaseURL    string        `json:"base_url"`
	APIKey     string        `json:"api_key"`
	Timeout    time.Duration `json:"timeout"`
	MaxResults int           `json:"max_results"`
}

// DefaultBraveConfig returns default configuration.
func DefaultBraveConfig() BraveConfig {
	return BraveConfig{
		BaseURL:    "https://api.search.brave.com/res/v1",
		Timeout:    10 * time.Second,
		MaxResults: 5,
	}
}

// BraveClient implements Searcher against the Brave Search REST API.
type BraveClient struct {
	config     BraveConfig
	httpClient *http.Client
}

var _ Searcher = (*BraveClient)(nil)

// NewBraveClient creates a Brave Search client. The API key is required;
// without one the constructor errors so callers fall back to nil (web
// search disabled) instead of failing at query time.
func NewBraveClient(config BraveConfig) (*BraveClient, error) {
	if config.APIKey == "" {
		return nil, fmt.Errorf("brave api key is required")
	}
	if config.BaseURL == "" {
		config.BaseURL = DefaultBraveConfig().BaseURL
	}
	if config.Timeout <= 0 {
		config.Timeout = DefaultBraveConfig().Timeout
	}
	if config.MaxResults <= 0 {
		config.MaxResults = DefaultBraveConfig().MaxResults
	}
	return &BraveClient{
		config: config,
		httpClient: &http.Client{
			Timeout: config.Timeout,
		},
	}, nil
}

type braveWebResponse struct {
	Web struct {
		Results []braveHit `json:"results"`
	} `json:"web"`
}

type braveNewsResponse struct {
	Results []braveHit `json:"results"`
}

type braveHit struct {
	Title       string `json:"title"`
	URL         string `json:"url"`
	Description string `json:"description"`
	Age         string `json:"age"`
	MetaURL     struct {
		Hostname string `json:"hostname"`
	} `json:"meta_url"`
}

// Search runs a web search and maps hits to Results.
func (c *BraveClient) Search(ctx context.Context, query string, maxResults int) ([]Result, error) {
	body, err := c.get(ctx, "/web/search", query, maxResults)
	if err != nil {
		return nil, err
	}

	var parsed braveWebResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, fmt.Errorf("decode web search response: %w", err)
	}

	results := make([]Result, 0, len(parsed.Web.Results))
	for _, hit := range parsed.Web.Results {
		results = append(results, Result{
			Title:      hit.Title,
			Snippet:    hit.Description,
			Link:       hit.URL,
			SourceType: SourceTypeWeb,
		})
	}
	return results, nil
}

// SearchNews runs a news search; Date and Source carry the article age
// and publisher hostname.
func (c *BraveClient) SearchNews(ctx context.Context, query string, maxResults int) ([]Result, error) {
	body, err := c.get(ctx, "/news/search", query, maxResults)
	if err != nil {
		return nil, err
	}

	var parsed braveNewsResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, fmt.Errorf("decode news search response: %w", err)
	}

	results := make([]Result, 0, len(parsed.Results))
	for _, hit := range parsed.Results {
		results = append(results, Result{
			Title:      hit.Title,
			Snippet:    hit.Description,
			Link:       hit.URL,
			SourceType: SourceTypeNews,
			Date:       hit.Age,
			Source:     hit.MetaURL.Hostname,
		})
	}
	return results, nil
}

func (c *BraveClient) get(ctx context.Context, path, query string, maxResults int) ([]byte, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return []byte("{}"), nil
	}
	if maxResults <= 0 || maxResults > c.config.MaxResults {
		maxResults = c.config.MaxResults
	}

	params := url.Values{}
	params.Set("q", query)
	params.Set("count", strconv.Itoa(maxResults))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.config.BaseURL+path+"?"+params.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-Subscription-Token", c.config.APIKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("brave search: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("brave search returned %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
	}

	return io.ReadAll(resp.Body)
}
