// Package inference talks to the LLM backend that serves embeddings and
// text generation.
package inference

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/avast/retry-go/v4"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"

	"github.com/dgallion1/bookgest/internal/extract"
)

// Config configures a Client.
type Config struct {
	BaseURL         string // e.g. http://localhost:11434/api
	EmbeddingsModel string
	ChatModel       string
	Timeout         time.Duration
	RateLimit       float64 // Requests per second; 0 disables limiting.
	MaxRetries      uint
	RetryDelay      time.Duration
}

// Client issues /embed and /generate requests. Transient failures (429 and
// 5xx) are retried with exponential backoff.
type Client struct {
	cfg        Config
	httpClient *http.Client
	limiter    *rate.Limiter
	tracer     trace.Tracer

	Stats *LLMStats
}

func NewClient(cfg Config) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 120 * time.Second
	}
	if cfg.MaxRetries == 0 {
		cfg.MaxRetries = 3
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = time.Second
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")

	c := &Client{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: cfg.Timeout},
		tracer:     otel.Tracer("github.com/dgallion1/bookgest/internal/inference"),
		Stats:      NewLLMStats(time.Hour),
	}
	if cfg.RateLimit > 0 {
		burst := max(int(cfg.RateLimit), 1)
		c.limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit), burst)
	}
	return c
}

// EmbeddingsModel returns the configured embedding model.
func (c *Client) EmbeddingsModel() string { return c.cfg.EmbeddingsModel }

// ChatModel returns the configured generation model. Empty disables generation.
func (c *Client) ChatModel() string { return c.cfg.ChatModel }

type embedRequest struct {
	Model string `json:"model"`
	Input string `json:"input"`
}

type embedResponse struct {
	Embeddings [][]float32 `json:"embeddings"`
	Error      string      `json:"error,omitempty"`
}

// Embed returns the embedding vectors for input. An empty result is not an error.
func (c *Client) Embed(ctx context.Context, input string) ([][]float32, error) {
	ctx, span := c.tracer.Start(ctx, "inference.embed",
		trace.WithAttributes(attribute.String("model", c.cfg.EmbeddingsModel), attribute.Int("input_chars", len(input))))
	defer span.End()

	start := time.Now()
	resp, err := call[embedResponse](ctx, c, KindEmbed, "/embed", embedRequest{Model: c.cfg.EmbeddingsModel, Input: input})
	if err == nil && resp.Error != "" {
		err = fmt.Errorf("embed error: %s", resp.Error)
	}
	if err != nil {
		c.Stats.Observe(KindEmbed, time.Since(start), OutcomeFailed)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	outcome := OutcomeOK
	if len(resp.Embeddings) == 0 || len(resp.Embeddings[0]) == 0 {
		outcome = OutcomeEmpty
	}
	c.Stats.Observe(KindEmbed, time.Since(start), outcome)
	span.SetAttributes(attribute.Int("vectors", len(resp.Embeddings)))
	return resp.Embeddings, nil
}

// GenerateOptions are passed through as model options.
type GenerateOptions struct {
	Temperature float64 `json:"temperature"`
}

type generateRequest struct {
	Model   string          `json:"model"`
	Options GenerateOptions `json:"options"`
	Stream  bool            `json:"stream"`
	Prompt  string          `json:"prompt"`
}

type generateResponse struct {
	Response string `json:"response"`
	Error    string `json:"error,omitempty"`
}

// Generate runs a non-streaming completion for prompt.
func (c *Client) Generate(ctx context.Context, prompt string, opts GenerateOptions) (string, error) {
	ctx, span := c.tracer.Start(ctx, "inference.generate",
		trace.WithAttributes(attribute.String("model", c.cfg.ChatModel), attribute.Int("prompt_chars", len(prompt))))
	defer span.End()

	start := time.Now()
	resp, err := call[generateResponse](ctx, c, KindGenerate, "/generate", generateRequest{
		Model:   c.cfg.ChatModel,
		Options: opts,
		Stream:  false,
		Prompt:  prompt,
	})
	if err == nil && resp.Error != "" {
		err = fmt.Errorf("generate error: %s", resp.Error)
	}
	if err != nil {
		c.Stats.Observe(KindGenerate, time.Since(start), OutcomeFailed)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return "", err
	}
	c.Stats.Observe(KindGenerate, time.Since(start), OutcomeOK)
	return resp.Response, nil
}

// RejectResponse records that a Generate response could not be used.
func (c *Client) RejectResponse() {
	c.Stats.Reject(KindGenerate)
}

// Ping checks that the backend is reachable.
func (c *Client) Ping(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.cfg.BaseURL+"/tags", nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("ping backend: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 1<<16))
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("ping backend: status %d", resp.StatusCode)
	}
	return nil
}

func call[T any](ctx context.Context, c *Client, kind CallKind, path string, body any) (T, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		var zero T
		return zero, fmt.Errorf("marshal request: %w", err)
	}
	return retry.DoWithData(
		func() (T, error) {
			if c.limiter != nil {
				if err := c.limiter.Wait(ctx); err != nil {
					var zero T
					return zero, retry.Unrecoverable(err)
				}
			}
			return post[T](ctx, c, path, payload)
		},
		retry.Context(ctx),
		retry.Attempts(c.cfg.MaxRetries),
		retry.Delay(c.cfg.RetryDelay),
		retry.DelayType(retry.BackOffDelay),
		retry.RetryIf(IsRetryable),
		retry.OnRetry(func(uint, error) { c.Stats.Retry(kind) }),
		retry.LastErrorOnly(true),
	)
}

func post[T any](ctx context.Context, c *Client, path string, payload []byte) (T, error) {
	var out T
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+path, bytes.NewReader(payload))
	if err != nil {
		return out, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return out, fmt.Errorf("inference %s: %w", path, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 64<<20))
	if err != nil {
		return out, fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
		return out, &RetryableError{
			StatusCode: resp.StatusCode,
			Message:    string(respBody),
		}
	}
	if resp.StatusCode != http.StatusOK {
		return out, fmt.Errorf("inference %s status %d: %s", path, resp.StatusCode, extract.Truncate(string(respBody), 200))
	}

	if err := json.Unmarshal(respBody, &out); err != nil {
		return out, fmt.Errorf("decode response: %w (raw: %s)", err, extract.Truncate(string(respBody), 200))
	}
	return out, nil
}

// RetryableError indicates a transient failure that can be retried.
type RetryableError struct {
	StatusCode int
	Message    string
}

func (e *RetryableError) Error() string {
	return fmt.Sprintf("retryable error (status %d): %s", e.StatusCode, extract.Truncate(e.Message, 200))
}

// IsRetryable checks if an error is worth retrying.
func IsRetryable(err error) bool {
	var retryErr *RetryableError
	return errors.As(err, &retryErr)
}

// Close releases resources.
func (c *Client) Close() {
	c.httpClient.CloseIdleConnections()
}
