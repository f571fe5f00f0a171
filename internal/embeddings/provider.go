// Package embeddings provides clients for the external embedding and
// query-expansion providers. Both are consumed as black boxes: text in,
// fixed-dimension vector (or N related query strings) out.
package embeddings

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/fyrsmithlabs/historyd/internal/history"
)

var (
	// ErrEmptyInput indicates empty or nil input texts.
	ErrEmptyInput = errors.New("empty or nil input texts")

	// ErrInvalidConfig indicates invalid configuration.
	ErrInvalidConfig = errors.New("invalid configuration")

	// ErrDimensionMismatch indicates the provider returned a vector whose
	// dimensionality differs from the configured size. Fatal, never retried.
	ErrDimensionMismatch = errors.New("embedding dimension mismatch")
)

// Provider generates vector embeddings from text.
type Provider interface {
	// EmbedDocuments generates one embedding per input text.
	EmbedDocuments(ctx context.Context, texts []string) ([][]float32, error)

	// EmbedQuery generates an embedding for a single query.
	EmbedQuery(ctx context.Context, text string) ([]float32, error)

	// Dimensions returns the fixed vector size this provider produces.
	Dimensions() int
}

// Config holds configuration for the HTTP embedding provider.
type Config struct {
	// BaseURL is the base URL of a TEI-compatible embedding endpoint.
	BaseURL string `koanf:"base_url"`

	// Model is the embedding model name, included for observability only.
	Model string `koanf:"model"`

	// Dimensions is the expected vector size. A response of any other size
	// fails immediately.
	Dimensions int `koanf:"dimensions"`

	// RequestsPerSecond rate-limits calls to the provider. 0 disables.
	RequestsPerSecond float64 `koanf:"requests_per_second"`

	// Timeout bounds a single HTTP request. Default: 30s.
	Timeout time.Duration `koanf:"timeout"`
}

// Validate validates the configuration.
func (c Config) Validate() error {
	if c.BaseURL == "" {
		return fmt.Errorf("%w: base URL required", ErrInvalidConfig)
	}
	if c.Dimensions <= 0 {
		return fmt.Errorf("%w: dimensions required", ErrInvalidConfig)
	}
	return nil
}

// HTTPProvider implements Provider against a TEI-style /embed endpoint.
type HTTPProvider struct {
	config  Config
	client  *http.Client
	limiter *rate.Limiter
	logger  *zap.Logger
}

// NewHTTPProvider creates an embedding provider with the given configuration.
func NewHTTPProvider(config Config, logger *zap.Logger) (*HTTPProvider, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}
	if config.Timeout == 0 {
		config.Timeout = 30 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	limiter := rate.NewLimiter(rate.Inf, 1)
	if config.RequestsPerSecond > 0 {
		limiter = rate.NewLimiter(rate.Limit(config.RequestsPerSecond), 1)
	}

	return &HTTPProvider{
		config:  config,
		client:  &http.Client{Timeout: config.Timeout},
		limiter: limiter,
		logger:  logger,
	}, nil
}

// Dimensions returns the configured vector size.
func (p *HTTPProvider) Dimensions() int {
	return p.config.Dimensions
}

// teiRequest is the request body for the TEI embed endpoint.
type teiRequest struct {
	Inputs   interface{} `json:"inputs"`
	Truncate bool        `json:"truncate"`
}

// EmbedDocuments generates embeddings for multiple texts.
func (p *HTTPProvider) EmbedDocuments(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, ErrEmptyInput
	}

	vectors, err := p.embed(ctx, teiRequest{Inputs: texts, Truncate: true})
	if err != nil {
		return nil, err
	}
	if len(vectors) != len(texts) {
		return nil, history.NewStoreError("embed_documents", false,
			fmt.Errorf("provider returned %d vectors for %d inputs", len(vectors), len(texts)))
	}
	for i, v := range vectors {
		if len(v) != p.config.Dimensions {
			return nil, history.NewStoreError("embed_documents", false,
				fmt.Errorf("%w: vector %d has %d dimensions, want %d",
					ErrDimensionMismatch, i, len(v), p.config.Dimensions))
		}
	}
	return vectors, nil
}

// EmbedQuery generates an embedding for a single query.
func (p *HTTPProvider) EmbedQuery(ctx context.Context, text string) ([]float32, error) {
	if text == "" {
		return nil, ErrEmptyInput
	}

	vectors, err := p.embed(ctx, teiRequest{Inputs: text, Truncate: true})
	if err != nil {
		return nil, err
	}
	if len(vectors) == 0 {
		return nil, history.NewStoreError("embed_query", true,
			errors.New("provider returned empty response"))
	}
	if len(vectors[0]) != p.config.Dimensions {
		return nil, history.NewStoreError("embed_query", false,
			fmt.Errorf("%w: got %d dimensions, want %d",
				ErrDimensionMismatch, len(vectors[0]), p.config.Dimensions))
	}
	return vectors[0], nil
}

func (p *HTTPProvider) embed(ctx context.Context, req teiRequest) ([][]float32, error) {
	if err := p.limiter.Wait(ctx); err != nil {
		return nil, history.NewStoreError("embed", true, err)
	}

	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshaling request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.config.BaseURL+"/embed", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(httpReq)
	if err != nil {
		// Network failures are recoverable; the caller's retry policy decides.
		return nil, history.NewStoreError("embed", true, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		recoverable := resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests
		return nil, history.NewStoreError("embed", recoverable,
			fmt.Errorf("embedding provider returned status %d: %s", resp.StatusCode, string(respBody)))
	}

	var vectors [][]float32
	if err := json.NewDecoder(resp.Body).Decode(&vectors); err != nil {
		return nil, history.NewStoreError("embed", false, fmt.Errorf("decoding response: %w", err))
	}
	return vectors, nil
}

var _ Provider = (*HTTPProvider)(nil)
