package embeddings

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"
)

// QueryExpander produces related query variants for fusion search. Any
// failure is non-fatal: callers fall back to single-query search.
type QueryExpander interface {
	// Expand returns up to n query strings related to query. The original
	// query is not included in the result.
	Expand(ctx context.Context, query string, n int) ([]string, error)
}

// ExpanderConfig holds configuration for the HTTP query-expansion provider.
type ExpanderConfig struct {
	// BaseURL is the base URL of the expansion endpoint.
	BaseURL string `koanf:"base_url"`

	// Variants is the number of query variants to request. Default: 3.
	Variants int `koanf:"variants"`

	// Timeout bounds a single HTTP request. Default: 10s.
	Timeout time.Duration `koanf:"timeout"`
}

// HTTPExpander implements QueryExpander against a JSON endpoint.
type HTTPExpander struct {
	config ExpanderConfig
	client *http.Client
	logger *zap.Logger
}

// NewHTTPExpander creates a query-expansion client.
func NewHTTPExpander(config ExpanderConfig, logger *zap.Logger) (*HTTPExpander, error) {
	if config.BaseURL == "" {
		return nil, fmt.Errorf("%w: base URL required", ErrInvalidConfig)
	}
	if config.Variants <= 0 {
		config.Variants = 3
	}
	if config.Timeout == 0 {
		config.Timeout = 10 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &HTTPExpander{
		config: config,
		client: &http.Client{Timeout: config.Timeout},
		logger: logger,
	}, nil
}

type expandRequest struct {
	Query string `json:"query"`
	N     int    `json:"n"`
}

type expandResponse struct {
	Queries []string `json:"queries"`
}

// Expand requests n related query variants.
func (e *HTTPExpander) Expand(ctx context.Context, query string, n int) ([]string, error) {
	if query == "" {
		return nil, ErrEmptyInput
	}
	if n <= 0 {
		n = e.config.Variants
	}

	body, err := json.Marshal(expandRequest{Query: query, N: n})
	if err != nil {
		return nil, fmt.Errorf("marshaling request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, e.config.BaseURL+"/expand", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := e.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("query expansion request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("query expansion returned status %d: %s", resp.StatusCode, string(respBody))
	}

	var parsed expandResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("decoding expansion response: %w", err)
	}

	if len(parsed.Queries) > n {
		parsed.Queries = parsed.Queries[:n]
	}
	return parsed.Queries, nil
}

var _ QueryExpander = (*HTTPExpander)(nil)
