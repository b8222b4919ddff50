// Package llm is a client for OpenResponses-compatible model endpoints.
package llm

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	nerrors "neko/internal/errors"
	"neko/internal/httpclient"
	"neko/internal/jsonx"
	"neko/internal/logging"
)

const (
	DefaultEndpoint = "https://api.openai.com/v1"
	defaultTimeout  = 120 * time.Second
	maxResponseBody = 16 << 20
)

// Config configures a Client.
type Config struct {
	Endpoint string
	APIKey   string
	Model    string
	Timeout  time.Duration
	Headers  map[string]string
	// Retry applies to 429, 5xx and network failures.
	Retry  nerrors.RetryConfig
	Logger logging.Logger
}

// Client posts requests to {endpoint}/responses.
type Client struct {
	endpoint   string
	apiKey     string
	model      string
	headers    map[string]string
	retry      nerrors.RetryConfig
	httpClient *http.Client
	logger     logging.Logger
}

// NewClient creates a client. Zero values fall back to defaults.
func NewClient(cfg Config) *Client {
	if cfg.Endpoint == "" {
		cfg.Endpoint = DefaultEndpoint
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if cfg.Retry.MaxAttempts == 0 && cfg.Retry.BaseDelay == 0 {
		cfg.Retry = nerrors.DefaultRetryConfig()
	}
	return &Client{
		endpoint:   strings.TrimRight(cfg.Endpoint, "/"),
		apiKey:     cfg.APIKey,
		model:      cfg.Model,
		headers:    cfg.Headers,
		retry:      cfg.Retry,
		httpClient: httpclient.New(cfg.Timeout),
		logger:     logging.OrNop(cfg.Logger),
	}
}

// Model returns the configured model name.
func (c *Client) Model() string { return c.model }

// Create sends req and returns the parsed response. An empty req.Model is
// filled from the client config.
func (c *Client) Create(ctx context.Context, req Request) (*Response, error) {
	if req.Model == "" {
		req.Model = c.model
	}
	body, err := jsonx.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}
	return nerrors.RetryWithResult(ctx, c.retry, c.logger, func(ctx context.Context) (*Response, error) {
		return c.post(ctx, body)
	})
}

func (c *Client) post(ctx context.Context, body []byte) (*Response, error) {
	endpoint := c.endpoint + "/responses"
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
	for k, v := range c.headers {
		httpReq.Header.Set(k, v)
	}

	c.logger.Debug("POST %s model=%s (%d bytes)", endpoint, c.model, len(body))
	started := time.Now()
	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("responses request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	respBody, err := httpclient.ReadAllWithLimit(resp.Body, maxResponseBody)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	c.logger.Debug("Responses API %d in %s (%d bytes)", resp.StatusCode, time.Since(started).Round(time.Millisecond), len(respBody))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, mapHTTPError(resp.StatusCode, respBody)
	}

	var out Response
	if err := jsonx.Unmarshal(respBody, &out); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	if out.Status == "failed" || (out.Error != nil && out.Error.Message != "") {
		msg := "model reported a failure"
		if out.Error != nil && out.Error.Message != "" {
			msg = out.Error.Message
			if out.Error.Code != "" {
				msg = out.Error.Code + ": " + msg
			}
		}
		return nil, nerrors.NewPermanentError(fmt.Errorf("response %s failed: %s", out.ID, msg), "The model failed to answer: "+msg)
	}
	return &out, nil
}

func mapHTTPError(status int, body []byte) error {
	snippet := strings.TrimSpace(string(body))
	if len(snippet) > 512 {
		snippet = snippet[:512] + "..."
	}
	err := fmt.Errorf("responses API returned %d: %s", status, snippet)
	switch {
	case status == http.StatusTooManyRequests:
		return nerrors.NewTransientError(err, "The model API is rate limited. Try again shortly.")
	case status >= 500:
		return nerrors.NewTransientError(err, "The model API is temporarily unavailable.")
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return nerrors.NewPermanentError(err, "Authentication with the model API failed. Check agent.api_key.")
	default:
		return nerrors.NewPermanentError(err, "")
	}
}
