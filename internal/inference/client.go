package inference

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
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"

	"github.com/toricodesthings/quote-analysis-service/internal/apperr"
	"github.com/toricodesthings/quote-analysis-service/internal/retry"
)

const (
	DefaultBaseURL       = "https://api.groq.com/openai/v1"
	DefaultModel         = "llama-3.3-70b-versatile"
	DefaultFallbackModel = "llama-3.1-8b-instant"
)

type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Request is one chat completion. Purpose only labels log lines.
type Request struct {
	Messages    []Message
	Temperature float64
	MaxTokens   int
	JSON        bool
	Purpose     string
}

type Response struct {
	Content     string
	Model       string
	TotalTokens int
}

type Config struct {
	BaseURL       string
	APIKey        string
	Model         string
	FallbackModel string

	// per attempt
	Timeout time.Duration

	MaxAttempts int
	BaseBackoff time.Duration
	MaxBackoff  time.Duration

	// outbound budget; RPS <= 0 disables the limiter
	RPS           float64
	Burst         int
	MaxConcurrent int64

	BreakerThreshold int
	BreakerReset     time.Duration

	HTTPClient *http.Client
}

// Stats are cumulative counters exposed on /metrics.
type Stats struct {
	Calls     int64  `json:"calls"`
	Attempts  int64  `json:"attempts"`
	Retries   int64  `json:"retries"`
	Fallbacks int64  `json:"fallbacks"`
	Failures  int64  `json:"failures"`
	Tokens    int64  `json:"tokens"`
	Breaker   string `json:"breaker"`
}

// Client talks to an OpenAI-compatible chat completions endpoint.
type Client struct {
	cfg       Config
	http      *http.Client
	limiter   *rate.Limiter
	sem       *semaphore.Weighted
	breaker   *Breaker
	retryOpts []retry.Option
	log       *slog.Logger

	calls, attempts, retries, fallbacks, failures, tokens atomic.Int64
}

func New(cfg Config, log *slog.Logger) *Client {
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	if cfg.Model == "" {
		cfg.Model = DefaultModel
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 25 * time.Second
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = 8
	}
	if cfg.Burst <= 0 {
		cfg.Burst = 10
	}
	if log == nil {
		log = slog.Default()
	}

	hc := cfg.HTTPClient
	if hc == nil {
		hc = &http.Client{
			Transport: &http.Transport{
				MaxIdleConns:        20,
				IdleConnTimeout:     90 * time.Second,
				TLSHandshakeTimeout: 10 * time.Second,
			},
		}
	}

	c := &Client{
		cfg:     cfg,
		http:    hc,
		sem:     semaphore.NewWeighted(cfg.MaxConcurrent),
		breaker: NewBreaker(cfg.BreakerThreshold, cfg.BreakerReset),
		log:     log,
	}
	if cfg.RPS > 0 {
		c.limiter = rate.NewLimiter(rate.Limit(cfg.RPS), cfg.Burst)
	}

	opts := []retry.Option{
		retry.WithMaxAttempts(cfg.MaxAttempts),
		retry.WithRetryable(IsTransient),
	}
	if cfg.BaseBackoff > 0 {
		opts = append(opts, retry.WithBaseDelay(cfg.BaseBackoff))
	}
	if cfg.MaxBackoff > 0 {
		opts = append(opts, retry.WithMaxDelay(cfg.MaxBackoff))
	}
	c.retryOpts = opts
	return c
}

func (c *Client) Model() string { return c.cfg.Model }

func (c *Client) Stats() Stats {
	return Stats{
		Calls:     c.calls.Load(),
		Attempts:  c.attempts.Load(),
		Retries:   c.retries.Load(),
		Fallbacks: c.fallbacks.Load(),
		Failures:  c.failures.Load(),
		Tokens:    c.tokens.Load(),
		Breaker:   c.breaker.State().String(),
	}
}

// Complete sends req to the primary model with retries, then to the
// fallback model if the primary stays unavailable. Errors are *apperr.Error
// of kind InferenceTransient, InferenceRejected or Canceled.
func (c *Client) Complete(ctx context.Context, req Request) (Response, error) {
	c.calls.Add(1)
	reqID := uuid.NewString()
	log := c.log.With("request_id", reqID, "purpose", req.Purpose)

	if !c.breaker.Allow() {
		c.failures.Add(1)
		log.Warn("inference.call.circuit_open")
		return Response{}, apperr.InferenceTransient("provider circuit open").WithCause(ErrCircuitOpen)
	}

	start := time.Now()
	resp, err := c.completeModel(ctx, log, reqID, c.cfg.Model, req)
	if err != nil && ctx.Err() == nil && IsTransient(err) &&
		c.cfg.FallbackModel != "" && c.cfg.FallbackModel != c.cfg.Model {
		c.fallbacks.Add(1)
		log.Warn("inference.call.fallback", "from", c.cfg.Model, "to", c.cfg.FallbackModel, "err", err)
		resp, err = c.completeModel(ctx, log, reqID, c.cfg.FallbackModel, req)
	}

	if err != nil {
		if ctx.Err() != nil {
			c.breaker.Release()
			log.Info("inference.call.canceled", "elapsed", time.Since(start))
			return Response{}, apperr.Canceled(ctx.Err())
		}
		c.failures.Add(1)
		if IsTransient(err) {
			c.breaker.RecordFailure()
			log.Error("inference.call.failed", "err", err, "status", statusAttr(err),
				"exhausted", retry.IsExhausted(err), "elapsed", time.Since(start))
			return Response{}, apperr.InferenceTransient("inference provider unavailable").WithCause(err)
		}
		// a rejected request says nothing about provider health
		c.breaker.Release()
		log.Error("inference.call.rejected", "err", err, "status", statusAttr(err))
		return Response{}, apperr.InferenceRejected("inference request rejected").WithCause(err)
	}

	c.breaker.RecordSuccess()
	c.tokens.Add(int64(resp.TotalTokens))
	log.Info("inference.call.ok", "model", resp.Model, "tokens", resp.TotalTokens, "elapsed", time.Since(start))
	return resp, nil
}

func (c *Client) completeModel(ctx context.Context, log *slog.Logger, reqID, model string, req Request) (Response, error) {
	notify := retry.WithNotify(func(attempt int, err error, delay time.Duration) {
		c.retries.Add(1)
		log.Warn("inference.call.retry", "model", model, "attempt", attempt, "delay", delay, "err", err)
	})
	policy := retry.NewPolicy(append(c.retryOpts[:len(c.retryOpts):len(c.retryOpts)], notify)...)
	return retry.Do(ctx, policy, func(ctx context.Context, _ int) (Response, error) {
		return c.attempt(ctx, reqID, model, req)
	})
}

type chatRequest struct {
	Model          string          `json:"model"`
	Messages       []Message       `json:"messages"`
	Temperature    float64         `json:"temperature"`
	MaxTokens      int             `json:"max_tokens,omitempty"`
	ResponseFormat *responseFormat `json:"response_format,omitempty"`
}

type responseFormat struct {
	Type string `json:"type"`
}

type chatResponse struct {
	Model   string `json:"model"`
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
	Usage struct {
		TotalTokens int `json:"total_tokens"`
	} `json:"usage"`
}

func (c *Client) attempt(ctx context.Context, reqID, model string, req Request) (Response, error) {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return Response{}, err
		}
	}
	if err := c.sem.Acquire(ctx, 1); err != nil {
		return Response{}, err
	}
	defer c.sem.Release(1)
	c.attempts.Add(1)

	body := chatRequest{
		Model:       model,
		Messages:    req.Messages,
		Temperature: req.Temperature,
		MaxTokens:   req.MaxTokens,
	}
	if req.JSON {
		body.ResponseFormat = &responseFormat{Type: "json_object"}
	}
	b, err := json.Marshal(body)
	if err != nil {
		return Response{}, fmt.Errorf("encode request: %w", err)
	}

	actx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	url := strings.TrimRight(c.cfg.BaseURL, "/") + "/chat/completions"
	hreq, err := http.NewRequestWithContext(actx, http.MethodPost, url, bytes.NewReader(b))
	if err != nil {
		return Response{}, fmt.Errorf("build request: %w", err)
	}
	hreq.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	hreq.Header.Set("Content-Type", "application/json")
	hreq.Header.Set("X-Request-ID", reqID)

	resp, err := c.http.Do(hreq)
	if err != nil {
		return Response{}, fmt.Errorf("inference %s: %w", model, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		slurp, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<10))
		return Response{}, &StatusError{
			Status:     resp.StatusCode,
			Model:      model,
			Body:       strings.TrimSpace(string(slurp)),
			retryAfter: parseRetryAfter(resp.Header.Get("Retry-After"), time.Now()),
		}
	}

	var parsed chatResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, 4<<20)).Decode(&parsed); err != nil {
		return Response{}, fmt.Errorf("inference %s: decode response: %w", model, err)
	}

	out := Response{Model: parsed.Model, TotalTokens: parsed.Usage.TotalTokens}
	if out.Model == "" {
		out.Model = model
	}
	if len(parsed.Choices) > 0 {
		out.Content = parsed.Choices[0].Message.Content
	}
	return out, nil
}

// AsStatus extracts the provider status code from err, if any.
func AsStatus(err error) (int, bool) {
	var se *StatusError
	if errors.As(err, &se) {
		return se.Status, true
	}
	return 0, false
}

// statusAttr is the provider status for logs, 0 for network failures.
func statusAttr(err error) int {
	code, _ := AsStatus(err)
	return code
}
