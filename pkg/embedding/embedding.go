// Package embedding turns search text into vectors.
package embedding

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/austinfhunter/voyageai"

	"github.com/memelib/memelib/pkg/cache"
	"github.com/memelib/memelib/pkg/logging"
	"github.com/memelib/memelib/pkg/retry"
)

// ErrNoEmbedder is returned when no embedding provider is configured.
var ErrNoEmbedder = errors.New("no embedder configured")

// InputType tells the provider how the text will be used.
type InputType string

const (
	InputQuery    InputType = "query"
	InputDocument InputType = "document"
)

// Embedder produces one vector per input text.
type Embedder interface {
	Embed(ctx context.Context, texts []string, inputType InputType) ([][]float32, error)
}

// Config selects and configures the embedding provider.
type Config struct {
	Provider   string `yaml:"provider"`
	APIKey     string `yaml:"api_key"`
	Model      string `yaml:"model"`
	Dimensions int    `yaml:"dimensions"`
}

const (
	defaultModel      = "voyage-3.5-lite"
	defaultDimensions = 1024
)

// VoyageEmbedder calls the Voyage AI embeddings API.
type VoyageEmbedder struct {
	client     *voyageai.VoyageClient
	model      string
	dimensions int
}

// NewVoyageEmbedder creates a Voyage client from cfg.
func NewVoyageEmbedder(cfg Config) (*VoyageEmbedder, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("voyage embedder: %w: api key not set", ErrNoEmbedder)
	}
	if cfg.Model == "" {
		cfg.Model = defaultModel
	}
	if cfg.Dimensions <= 0 {
		cfg.Dimensions = defaultDimensions
	}
	return &VoyageEmbedder{
		client:     voyageai.NewClient(&voyageai.VoyageClientOpts{Key: cfg.APIKey}),
		model:      cfg.Model,
		dimensions: cfg.Dimensions,
	}, nil
}

// Embed implements Embedder.
func (v *VoyageEmbedder) Embed(ctx context.Context, texts []string, inputType InputType) ([][]float32, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	dimensions := v.dimensions
	var it *string
	if inputType != "" {
		s := string(inputType)
		it = &s
	}

	resp, err := v.client.Embed(texts, v.model, &voyageai.EmbeddingRequestOpts{
		InputType:       it,
		OutputDimension: &dimensions,
	})
	if err != nil {
		return nil, fmt.Errorf("voyage embed: %w", err)
	}
	if len(resp.Data) != len(texts) {
		return nil, fmt.Errorf("voyage embed: got %d embeddings for %d texts", len(resp.Data), len(texts))
	}

	out := make([][]float32, len(resp.Data))
	for i, d := range resp.Data {
		out[i] = d.Embedding
	}
	return out, nil
}

// New builds the embedder named by cfg.Provider. An empty provider selects
// Voyage when an API key is set, and the local hashing embedder otherwise.
func New(cfg Config) (Embedder, error) {
	switch cfg.Provider {
	case "voyage":
		return NewVoyageEmbedder(cfg)
	case "hash":
		return NewHashEmbedder(cfg.Dimensions), nil
	case "":
		if cfg.APIKey != "" {
			return NewVoyageEmbedder(cfg)
		}
		return NewHashEmbedder(cfg.Dimensions), nil
	default:
		return nil, fmt.Errorf("unknown embedding provider %q", cfg.Provider)
	}
}

// CachedEmbedder embeds search queries, consulting the text cache first.
type CachedEmbedder struct {
	inner  Embedder
	cache  *cache.Service
	retry  retry.Config
	logger *slog.Logger
}

// CachedOption configures a CachedEmbedder.
type CachedOption func(*CachedEmbedder)

// WithRetry sets the backoff for provider calls.
func WithRetry(cfg retry.Config) CachedOption {
	return func(c *CachedEmbedder) { c.retry = cfg }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) CachedOption {
	return func(c *CachedEmbedder) { c.logger = l }
}

// NewCachedEmbedder wraps inner with the text-embedding cache.
func NewCachedEmbedder(inner Embedder, c *cache.Service, opts ...CachedOption) *CachedEmbedder {
	ce := &CachedEmbedder{
		inner:  inner,
		cache:  c,
		retry:  retry.DefaultConfig(),
		logger: logging.Nop(),
	}
	for _, opt := range opts {
		opt(ce)
	}
	return ce
}

// EmbedQuery returns the embedding of text, from cache when possible.
func (c *CachedEmbedder) EmbedQuery(ctx context.Context, text string) ([]float32, error) {
	if c.cache != nil {
		if v, ok := c.cache.GetTextEmbedding(ctx, text); ok {
			return v, nil
		}
	}
	if c.inner == nil {
		return nil, ErrNoEmbedder
	}

	vecs, err := retry.Do(ctx, retry.Options{
		Config: c.retry,
		Logger: c.logger,
		Name:   "embed",
	}, func(int) ([][]float32, error) {
		return c.inner.Embed(ctx, []string{text}, InputQuery)
	})
	if err != nil {
		return nil, fmt.Errorf("embed query: %w", err)
	}
	if len(vecs) != 1 {
		return nil, fmt.Errorf("embed query: got %d embeddings", len(vecs))
	}

	if c.cache != nil {
		c.cache.SetTextEmbedding(ctx, text, vecs[0])
	}
	return vecs[0], nil
}
