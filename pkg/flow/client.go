package flow

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/papercomputeco/flowchat/pkg/logger"
)

// DefaultTimeout bounds a single run request. Flows backed by LLMs can be slow.
const DefaultTimeout = 120 * time.Second

// Sender sends one user message to a flow and returns the reply text.
type Sender interface {
	Send(ctx context.Context, message string) (string, error)
}

// SenderFunc adapts a function to the Sender interface.
type SenderFunc func(ctx context.Context, message string) (string, error)

// Send calls f.
func (f SenderFunc) Send(ctx context.Context, message string) (string, error) {
	return f(ctx, message)
}

// Config addresses a single flow.
type Config struct {
	// BaseURL of the flow engine (e.g., "http://localhost:7860")
	BaseURL string

	// FlowID identifies the flow to run.
	FlowID string

	// APIKey is sent as x-api-key when non-empty. An empty key still
	// attempts the call, unauthenticated.
	APIKey string

	// Timeout for the whole request. Zero means DefaultTimeout.
	Timeout time.Duration
}

// Endpoint returns {BaseURL}/api/v1/run/{FlowID}.
func (c Config) Endpoint() string {
	return strings.TrimRight(c.BaseURL, "/") + runPath + c.FlowID
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the underlying HTTP client. Its Timeout is left as is.
func WithHTTPClient(httpClient *http.Client) Option {
	return func(c *Client) {
		c.httpClient = httpClient
	}
}

// WithMetrics records every call in m.
func WithMetrics(m *Metrics) Option {
	return func(c *Client) {
		c.metrics = m
	}
}

// Client issues run requests against one flow. It keeps no state between
// calls and is safe for concurrent use.
type Client struct {
	config     Config
	httpClient *http.Client
	logger     *zap.Logger
	metrics    *Metrics
}

// NewClient creates a new Client.
func NewClient(config Config, logger *zap.Logger, opts ...Option) *Client {
	timeout := config.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	c := &Client{
		config: config,
		logger: logger,
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}
	for _, opt := range opts {
		opt(c)
	}

	return c
}

// Config returns the configuration the client was built with.
func (c *Client) Config() Config {
	return c.config
}

// Send runs the flow once with message as chat input. It does not retry.
// Every failure is an *Error: KindTransport for network errors, 4xx/5xx
// statuses and bodies that are not JSON, KindShape when valid JSON does not
// match the reply envelope.
func (c *Client) Send(ctx context.Context, message string) (string, error) {
	start := time.Now()
	text, err := c.send(ctx, message)
	c.metrics.observe(err, time.Since(start))

	if err != nil {
		c.logger.Warn("flow request failed",
			zap.String("flow_id", c.config.FlowID),
			zap.Duration("duration", time.Since(start)),
			zap.Error(err),
		)
		return "", err
	}

	c.logger.Debug("flow request succeeded",
		zap.String("flow_id", c.config.FlowID),
		zap.String("reply_preview", logger.Truncate(text, 100)),
		zap.Duration("duration", time.Since(start)),
	)
	return text, nil
}

func (c *Client) send(ctx context.Context, message string) (string, error) {
	reqBody, err := json.Marshal(NewRunRequest(message))
	if err != nil {
		return "", &Error{Kind: KindTransport, Err: fmt.Errorf("marshal request: %w", err)}
	}

	endpoint := c.config.Endpoint()
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(reqBody))
	if err != nil {
		return "", &Error{Kind: KindTransport, Err: fmt.Errorf("create request: %w", err)}
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.config.APIKey != "" {
		httpReq.Header.Set("x-api-key", c.config.APIKey)
	}

	c.logger.Debug("sending flow request",
		zap.String("url", endpoint),
		zap.Bool("authenticated", c.config.APIKey != ""),
		zap.Int("body_size", len(reqBody)),
	)

	httpResp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return "", &Error{Kind: KindTransport, Err: err}
	}
	defer httpResp.Body.Close()

	body, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return "", &Error{Kind: KindTransport, Err: fmt.Errorf("read response: %w", err)}
	}

	if httpResp.StatusCode >= http.StatusBadRequest {
		return "", &Error{
			Kind:       KindTransport,
			StatusCode: httpResp.StatusCode,
			Err: fmt.Errorf("%d %s for url: %s",
				httpResp.StatusCode, http.StatusText(httpResp.StatusCode), endpoint),
		}
	}

	c.logger.Debug("flow response body",
		zap.Int("status", httpResp.StatusCode),
		zap.String("body_preview", logger.Truncate(string(body), 500)),
	)

	text, err := ExtractText(body)
	if errors.Is(err, ErrInvalidJSON) {
		return "", &Error{Kind: KindTransport, Err: fmt.Errorf("decode response: %w", err)}
	}
	if err != nil {
		return "", &Error{Kind: KindShape, Err: err}
	}

	return text, nil
}

// Swappable is a Sender whose underlying client can be replaced while in
// use, e.g. after the configuration file changes.
type Swappable struct {
	current atomic.Pointer[Client]
}

// NewSwappable returns a Swappable that starts out sending through c.
func NewSwappable(c *Client) *Swappable {
	s := &Swappable{}
	s.current.Store(c)
	return s
}

// Swap replaces the client used by subsequent calls.
func (s *Swappable) Swap(c *Client) {
	s.current.Store(c)
}

// Client returns the client currently in use.
func (s *Swappable) Client() *Client {
	return s.current.Load()
}

// Send sends through the current client.
func (s *Swappable) Send(ctx context.Context, message string) (string, error) {
	return s.current.Load().Send(ctx, message)
}
