// Package embedclient talks to an external embedding provider over HTTP.
// It is a thin, resilient client: retries with exponential backoff, then a
// circuit breaker above that, so transient provider hiccups degrade to
// EmbedderUnavailable rather than cascading into every caller.
package embedclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sony/gobreaker"

	"github.com/mycelial/hiveware/internal/logging"
	herrors "github.com/mycelial/hiveware/pkg/errors"
)

var log = logging.GetLogger("embedclient")

// Embedder produces a float32 embedding vector for a piece of text.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	Dimension() int
}

// Config configures the HTTP embedding client.
type Config struct {
	BaseURL             string
	Model               string
	Dimension           int
	Timeout             time.Duration
	MaxAttempts         int
	BreakerWindow       time.Duration
	BreakerFailureRatio float64
}

// Client is the default Embedder: one HTTP endpoint, retried and
// breaker-guarded. The base URL is restricted to loopback addresses; the
// embedding provider itself is a local sidecar process, never dialed
// directly by anything outside this package.
type Client struct {
	cfg        Config
	httpClient *http.Client
	breaker    *gobreaker.CircuitBreaker
}

// New validates cfg and constructs a Client. The base URL must resolve to
// loopback: this client talks to a local sidecar process, not a general
// internet-facing embedding gateway.
func New(cfg Config) (*Client, error) {
	if cfg.BaseURL == "" {
		cfg.BaseURL = "http://127.0.0.1:11434"
	}
	u, err := url.Parse(cfg.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("invalid embedder base url: %w", err)
	}
	host := u.Hostname()
	if host != "127.0.0.1" && host != "localhost" && host != "::1" {
		return nil, fmt.Errorf("embedder base url must be loopback, got host %q", host)
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.Dimension <= 0 {
		cfg.Dimension = 1536
	}
	if cfg.BreakerWindow <= 0 {
		cfg.BreakerWindow = 30 * time.Second
	}
	if cfg.BreakerFailureRatio <= 0 {
		cfg.BreakerFailureRatio = 0.5
	}

	breakerSettings := gobreaker.Settings{
		Name:        "embedclient",
		Interval:    cfg.BreakerWindow,
		Timeout:     cfg.BreakerWindow,
		MaxRequests: 1,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.Requests < 4 {
				return false
			}
			ratio := float64(counts.TotalFailures) / float64(counts.Requests)
			return ratio >= cfg.BreakerFailureRatio
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn("embedder circuit breaker state change", "from", from.String(), "to", to.String())
		},
	}

	return &Client{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: cfg.Timeout},
		breaker:    gobreaker.NewCircuitBreaker(breakerSettings),
	}, nil
}

// Dimension returns the configured embedding width.
func (c *Client) Dimension() int { return c.cfg.Dimension }

type embeddingRequest struct {
	Model  string `json:"model"`
	Prompt string `json:"prompt"`
}

type embeddingResponse struct {
	Embedding []float32 `json:"embedding"`
}

// Embed requests an embedding for text, retrying transient failures up to
// MaxAttempts with exponential backoff, all inside the circuit breaker.
func (c *Client) Embed(ctx context.Context, text string) ([]float32, error) {
	result, err := c.breaker.Execute(func() (interface{}, error) {
		return c.embedWithRetry(ctx, text)
	})
	if err != nil {
		if err == gobreaker.ErrOpenState || err == gobreaker.ErrTooManyRequests {
			return nil, herrors.NewEmbedderUnavailable("Embed", text, err)
		}
		return nil, err
	}
	return result.([]float32), nil
}

func (c *Client) embedWithRetry(ctx context.Context, text string) ([]float32, error) {
	var out []float32

	bo := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewExponentialBackOff(), uint64(c.cfg.MaxAttempts-1)),
		ctx,
	)

	operation := func() error {
		embedding, err := c.doRequest(ctx, text)
		if err != nil {
			log.Warn("embedding request attempt failed", "error", err)
			return err
		}
		out = embedding
		return nil
	}

	if err := backoff.Retry(operation, bo); err != nil {
		return nil, herrors.NewEmbedderUnavailable("Embed", text, err)
	}
	return out, nil
}

func (c *Client) doRequest(ctx context.Context, text string) ([]float32, error) {
	body, err := json.Marshal(embeddingRequest{Model: c.cfg.Model, Prompt: text})
	if err != nil {
		return nil, fmt.Errorf("marshal embedding request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+"/api/embeddings", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build embedding request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("embedding request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("embedding request status %d: %s", resp.StatusCode, string(respBody))
	}

	var parsed embeddingResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("decode embedding response: %w", err)
	}
	return parsed.Embedding, nil
}
