package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/Kocoro-lab/promode/internal/circuitbreaker"
	"github.com/Kocoro-lab/promode/internal/ratecontrol"
	"github.com/Kocoro-lab/promode/internal/tracing"
	"github.com/Kocoro-lab/promode/internal/util"
)

// ErrMissingAPIKey is returned when no backend credential is configured.
var ErrMissingAPIKey = errors.New("OPENAI_API_KEY not set in environment.")

const (
	defaultBaseURL   = "https://api.openai.com/v1"
	defaultModel     = "gpt-5"
	defaultTimeout   = 10 * time.Minute
	maxResponseBytes = 16 << 20
)

// Request is one generation call.
type Request struct {
	Input           string
	Instructions    string // system-role text, empty for plain generations
	Temperature     float64
	TopP            float64
	MaxOutputTokens int
}

// Config configures the Responses API client.
type Config struct {
	BaseURL   string
	APIKey    string
	Model     string
	Provider  string
	Timeout   time.Duration
	RateLimit ratecontrol.RateLimit
	Burst     int
}

// Client calls the OpenAI Responses API. It is safe for concurrent use.
type Client struct {
	baseURL  string
	apiKey   string
	model    string
	provider string
	burst    int
	http     *circuitbreaker.HTTPWrapper
	limiter  *rate.Limiter
	logger   *zap.Logger
}

// StatusError is a non-2xx backend response.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("backend returned %d %s", e.Code, http.StatusText(e.Code))
	}
	return fmt.Sprintf("backend returned %d %s: %s", e.Code, http.StatusText(e.Code), e.Body)
}

type responsesRequest struct {
	Model           string  `json:"model"`
	Input           string  `json:"input"`
	Instructions    string  `json:"instructions,omitempty"`
	Temperature     float64 `json:"temperature"`
	TopP            float64 `json:"top_p"`
	MaxOutputTokens int     `json:"max_output_tokens,omitempty"`
}

// NewClient builds a client. It fails with ErrMissingAPIKey when cfg.APIKey is empty.
func NewClient(cfg Config, logger *zap.Logger) (*Client, error) {
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, ErrMissingAPIKey
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = defaultBaseURL
	}
	if cfg.Model == "" {
		cfg.Model = defaultModel
	}
	if cfg.Provider == "" {
		cfg.Provider = "openai"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}

	httpClient := &http.Client{
		Timeout: cfg.Timeout,
		Transport: &http.Transport{
			Proxy: http.ProxyFromEnvironment,
			DialContext: (&net.Dialer{
				Timeout:   10 * time.Second,
				KeepAlive: 30 * time.Second,
			}).DialContext,
			ForceAttemptHTTP2:   true,
			MaxIdleConns:        200,
			MaxIdleConnsPerHost: 100,
			IdleConnTimeout:     90 * time.Second,
			TLSHandshakeTimeout: 10 * time.Second,
		},
	}

	limit := ratecontrol.CombineLimits(cfg.RateLimit, ratecontrol.LimitForProvider(cfg.Provider))
	return &Client{
		baseURL:  strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:   cfg.APIKey,
		model:    cfg.Model,
		provider: cfg.Provider,
		burst:    cfg.Burst,
		http:     circuitbreaker.NewHTTPWrapper(httpClient, "llm", cfg.Provider, logger),
		limiter:  ratecontrol.NewLimiter(limit, cfg.Burst),
		logger:   logger,
	}, nil
}

// Breaker exposes the client's circuit breaker for health reporting.
func (c *Client) Breaker() *circuitbreaker.CircuitBreaker { return c.http.Breaker() }

// SetRateLimit retunes the pacing limiter, combining limit with the
// provider entry of the rate limit file.
func (c *Client) SetRateLimit(limit ratecontrol.RateLimit) {
	combined := ratecontrol.CombineLimits(limit, ratecontrol.LimitForProvider(c.provider))
	ratecontrol.Apply(c.limiter, combined, c.burst)
}

// Generate performs one Responses API call and extracts its text.
func (c *Client) Generate(ctx context.Context, req Request) (string, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return "", fmt.Errorf("rate limit wait: %w", err)
	}

	buf, err := json.Marshal(responsesRequest{
		Model:           c.model,
		Input:           req.Input,
		Instructions:    req.Instructions,
		Temperature:     req.Temperature,
		TopP:            req.TopP,
		MaxOutputTokens: req.MaxOutputTokens,
	})
	if err != nil {
		return "", fmt.Errorf("marshal request: %w", err)
	}

	url := c.baseURL + "/responses"
	ctx, span := tracing.StartHTTPSpan(ctx, http.MethodPost, url)
	defer span.End()
	span.SetAttributes(
		attribute.String("llm.model", c.model),
		attribute.Float64("llm.temperature", req.Temperature),
	)

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(buf))
	if err != nil {
		return "", fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	tracing.Inject(ctx, httpReq)

	resp, err := c.http.Do(httpReq)
	if err != nil {
		span.RecordError(err)
		return "", fmt.Errorf("responses request: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return "", fmt.Errorf("read response: %w", err)
	}
	span.SetAttributes(attribute.Int("http.response.status_code", resp.StatusCode))
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		serr := &StatusError{Code: resp.StatusCode, Body: util.TruncateString(strings.TrimSpace(string(data)), 512, false)}
		span.RecordError(serr)
		return "", serr
	}

	parsed, err := DecodeResponse(data)
	if err != nil {
		span.RecordError(err)
		return "", err
	}
	text := ExtractText(parsed)
	c.logger.Debug("Backend call completed",
		zap.Int("status", resp.StatusCode),
		zap.Int("output_chars", len(text)),
		zap.Bool("instructions", req.Instructions != ""),
	)
	return text, nil
}
