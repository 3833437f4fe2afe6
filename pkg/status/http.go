package status

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/memelib/memelib/pkg/logging"
	"github.com/memelib/memelib/pkg/models"
	"github.com/memelib/memelib/pkg/retry"
)

// StatusError is returned for non-2xx responses.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("status endpoint returned %d: %s", e.Code, e.Body)
}

// HTTPFetcher fetches statuses from a memelib server.
type HTTPFetcher struct {
	baseURL string
	userID  string
	client  *http.Client
	limiter *rate.Limiter
	retry   retry.Config
	logger  *slog.Logger
}

var (
	_ Fetcher = (*HTTPFetcher)(nil)
	_ Retrier = (*HTTPFetcher)(nil)
)

// HTTPOption configures an HTTPFetcher.
type HTTPOption func(*HTTPFetcher)

// WithHTTPClient sets the underlying HTTP client.
func WithHTTPClient(c *http.Client) HTTPOption {
	return func(f *HTTPFetcher) { f.client = c }
}

// WithRateLimit throttles outgoing requests.
func WithRateLimit(rps float64, burst int) HTTPOption {
	return func(f *HTTPFetcher) { f.limiter = rate.NewLimiter(rate.Limit(rps), burst) }
}

// WithRetry sets the backoff used for transient failures.
func WithRetry(cfg retry.Config) HTTPOption {
	return func(f *HTTPFetcher) { f.retry = cfg }
}

// WithUserID sends the X-User-ID header on every request.
func WithUserID(id string) HTTPOption {
	return func(f *HTTPFetcher) { f.userID = id }
}

// WithHTTPLogger sets the logger.
func WithHTTPLogger(l *slog.Logger) HTTPOption {
	return func(f *HTTPFetcher) { f.logger = l }
}

// NewHTTPFetcher creates a fetcher for the server at baseURL.
func NewHTTPFetcher(baseURL string, opts ...HTTPOption) *HTTPFetcher {
	f := &HTTPFetcher{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: 30 * time.Second},
		limiter: rate.NewLimiter(rate.Limit(10), 10),
		retry:   retry.DefaultConfig(),
		logger:  logging.Nop(),
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// FetchStatuses implements Fetcher.
func (f *HTTPFetcher) FetchStatuses(ctx context.Context, assetIDs []string) (map[string]models.EmbeddingStatus, error) {
	var resp models.StatusBatchResponse
	if err := f.post(ctx, "/api/embeddings/status", models.StatusBatchRequest{AssetIDs: assetIDs}, &resp); err != nil {
		return nil, err
	}
	if resp.Statuses == nil {
		resp.Statuses = map[string]models.EmbeddingStatus{}
	}
	return resp.Statuses, nil
}

// RequestRetry implements Retrier.
func (f *HTTPFetcher) RequestRetry(ctx context.Context, assetID string) error {
	return f.post(ctx, "/api/embeddings/retry", models.RetryRequest{AssetID: assetID}, nil)
}

func (f *HTTPFetcher) post(ctx context.Context, path string, body, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}
	requestID := uuid.NewString()

	_, err = retry.Do(ctx, retry.Options{
		Config:    f.retry,
		Retryable: retryable,
		Logger:    f.logger,
		Name:      path,
	}, func(int) (struct{}, error) {
		if err := f.limiter.Wait(ctx); err != nil {
			return struct{}{}, err
		}
		return struct{}{}, f.do(ctx, path, requestID, payload, out)
	})
	return err
}

func (f *HTTPFetcher) do(ctx context.Context, path, requestID string, payload []byte, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, f.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Request-ID", requestID)
	if f.userID != "" {
		req.Header.Set("X-User-ID", f.userID)
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return fmt.Errorf("post %s: %w", path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return &StatusError{Code: resp.StatusCode, Body: strings.TrimSpace(string(b))}
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// retryable reports whether err is a transient network or server failure.
func retryable(err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var se *StatusError
	if errors.As(err, &se) {
		return se.Code == http.StatusTooManyRequests || se.Code >= 500
	}
	var syntaxErr *json.SyntaxError
	return !errors.As(err, &syntaxErr)
}
