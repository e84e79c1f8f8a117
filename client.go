package warehouse

import (
	"bytes"
	"compress/gzip"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Headers sent with every request.
const (
	RequestIDHeader     = "X-Request-Id"
	ContentEncodingGzip = "gzip"

	// MaxBackoff caps a single retry delay.
	MaxBackoff = 10 * time.Minute
)

// ClientOption customizes a Client at construction.
type ClientOption func(*Client)

// WithHTTPClient replaces the HTTP client. Its Timeout, if any, bounds each
// request instead of Config.HTTPTimeout.
func WithHTTPClient(hc *http.Client) ClientOption {
	return func(c *Client) {
		if hc != nil {
			c.httpClient = hc
		}
	}
}

// WithLogger sets the logger used for debug events. The global zerolog
// logger is used by default.
func WithLogger(l zerolog.Logger) ClientOption {
	return func(c *Client) {
		c.logger = l
	}
}

// WithMetrics records request, retry, poll and row counters.
func WithMetrics(m *Metrics) ClientOption {
	return func(c *Client) {
		c.metrics = m
	}
}

// WithTracerProvider sets the provider used for client spans. The global
// provider is used by default.
func WithTracerProvider(tp trace.TracerProvider) ClientOption {
	return func(c *Client) {
		if tp != nil {
			c.tracer = tp.Tracer(tracerName)
		}
	}
}

// sleeper waits for d or until ctx ends.
type sleeper func(ctx context.Context, d time.Duration) error

// Client executes statements against a warehouse. Its configuration is
// immutable and credentials are acquired per request, so one Client can serve
// many concurrent queries without locking.
type Client struct {
	cfg        Config
	credential Credential
	httpClient *http.Client
	baseURL    *url.URL
	logger     zerolog.Logger
	metrics    *Metrics
	tracer     trace.Tracer
	sleep      sleeper
}

// NewClient validates cfg and returns a Client. It fails with a
// ConfigurationError when cfg is invalid, including when neither or both of
// Token and Credential are set.
func NewClient(cfg Config, opts ...ClientOption) (*Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	cfg = cfg.withDefaults()

	base, err := cfg.baseURL()
	if err != nil {
		return nil, &ConfigurationError{Field: "Endpoint", Reason: err.Error()}
	}

	credential := cfg.Credential
	if credential == nil {
		credential = StaticToken(cfg.Token)
	}

	c := &Client{
		cfg:        cfg,
		credential: credential,
		httpClient: &http.Client{Timeout: cfg.HTTPTimeout},
		baseURL:    base,
		logger:     log.Logger,
		tracer:     otel.Tracer(tracerName),
		sleep:      sleepContext,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Config returns a copy of the client configuration with defaults applied.
func (c *Client) Config() Config {
	cfg := c.cfg
	cfg.MaxRetries = Retries(*c.cfg.MaxRetries)
	return cfg
}

// Do sends a request to path, relative to the API base URL, retrying
// transient failures. body, when non-nil, is sent as JSON.
//
// On success the response is returned as soon as its headers arrive; the
// caller owns the body and must close it. Failures are classified:
//   - 401 or a credential error: AuthenticationError, not retried
//   - 429: RateLimitError, not retried
//   - 5xx or a network error: retried up to MaxRetries times, waiting
//     BackoffUnit*2^k before retry k, then ExhaustedRetriesError
//   - other statuses: ResponseError
//   - context end: CancelledError
func (c *Client) Do(ctx context.Context, method, path string, body any) (*http.Response, error) {
	u, err := c.baseURL.Parse(path)
	if err != nil {
		return nil, fmt.Errorf("invalid request path %q: %w", path, err)
	}

	var payload []byte
	if body != nil {
		if payload, err = json.Marshal(body); err != nil {
			return nil, fmt.Errorf("failed to encode request body: %w", err)
		}
	}

	ctx, span := c.startSpan(ctx, "warehouse/"+method,
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("http.request.method", method),
			attribute.String("url.path", u.Path),
		))
	resp, attempts, err := c.doWithRetry(ctx, method, u, payload)
	span.SetAttributes(attribute.Int("warehouse.attempts", attempts))
	if resp != nil {
		span.SetAttributes(attribute.Int("http.response.status_code", resp.StatusCode))
	}
	endSpan(span, err)
	return resp, err
}

func (c *Client) doWithRetry(ctx context.Context, method string, u *url.URL, payload []byte) (*http.Response, int, error) {
	requestID := uuid.NewString()
	for attempt := 1; ; attempt++ {
		if ctx.Err() != nil {
			return nil, attempt - 1, cancelled(ctx)
		}

		resp, err := c.send(ctx, method, u, payload, requestID)
		if err == nil {
			return resp, attempt, nil
		}

		var transient *TransientError
		if !errors.As(err, &transient) {
			return nil, attempt, err
		}
		if attempt > *c.cfg.MaxRetries {
			return nil, attempt, &ExhaustedRetriesError{Attempts: attempt, Last: err}
		}

		delay := c.backoff(attempt)
		reason := "network"
		if transient.StatusCode != 0 {
			reason = fmt.Sprintf("%d", transient.StatusCode)
		}
		c.metrics.observeRetry(reason)
		c.logger.Debug().
			Err(err).
			Int("attempt", attempt).
			Dur("delay", delay).
			Str("method", method).
			Str("path", u.Path).
			Str("request_id", requestID).
			Msg("retrying after transient failure")

		if err := c.sleep(ctx, delay); err != nil {
			return nil, attempt, cancelled(ctx)
		}
	}
}

// send performs one attempt. A credential is acquired for every attempt.
func (c *Client) send(ctx context.Context, method string, u *url.URL, payload []byte, requestID string) (*http.Response, error) {
	var body io.Reader
	if payload != nil {
		body = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, u.String(), body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", c.cfg.UserAgent)
	req.Header.Set(RequestIDHeader, requestID)
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	if err := c.credential.Authorize(ctx, req); err != nil {
		if ctx.Err() != nil {
			return nil, cancelled(ctx)
		}
		return nil, &AuthenticationError{Cause: err}
	}

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.metrics.observeRequest(method, 0, time.Since(start))
		if ctx.Err() != nil {
			return nil, cancelled(ctx)
		}
		if isRetryableNetError(err) {
			return nil, &TransientError{Cause: err}
		}
		return nil, &ResponseError{Message: "transport failure", Cause: err}
	}
	c.metrics.observeRequest(method, resp.StatusCode, time.Since(start))

	if resp.StatusCode == http.StatusOK {
		return resp, nil
	}
	return nil, classifyResponse(resp)
}

// backoff returns the delay before retry k (1-based): BackoffUnit * 2^k,
// at most MaxBackoff.
func (c *Client) backoff(k int) time.Duration {
	unit := c.cfg.BackoffUnit
	if k >= 62 || unit > MaxBackoff>>k {
		return MaxBackoff
	}
	return unit << k
}

// isRetryableNetError returns true for transient network errors that warrant
// a retry (connection refused, DNS failures, connection reset, timeouts).
// Context cancellation and deadline exceeded errors are NOT retried.
func isRetryableNetError(err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	if errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, io.EOF) {
		return true
	}
	// *url.Error implements net.Error for every failure; judge what it wraps.
	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		err = urlErr.Err
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	var opErr *net.OpError
	return errors.As(err, &opErr)
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// responseBody returns the body of resp, decompressing it when the server
// sent gzip without being asked. Closing the result closes resp.Body.
func responseBody(resp *http.Response) (io.ReadCloser, error) {
	if resp.Header.Get("Content-Encoding") != ContentEncodingGzip || resp.Uncompressed {
		return resp.Body, nil
	}
	gz, err := gzip.NewReader(resp.Body)
	if err != nil {
		resp.Body.Close()
		return nil, &ProtocolError{Reason: "failed to create gzip reader", Cause: err}
	}
	return &gzipBody{Reader: gz, body: resp.Body}, nil
}

type gzipBody struct {
	*gzip.Reader
	body io.Closer
}

func (g *gzipBody) Close() error {
	if err := g.Reader.Close(); err != nil {
		log.Debug().Err(err).Msg("failed to close gzip reader")
	}
	return g.body.Close()
}

// doJSON sends a request and decodes the JSON response into v.
func (c *Client) doJSON(ctx context.Context, method, path string, body, v any) (err error) {
	resp, err := c.Do(ctx, method, path, body)
	if err != nil {
		return err
	}
	rc, err := responseBody(resp)
	if err != nil {
		return err
	}
	defer func() {
		closeErr := rc.Close()
		if err == nil && closeErr != nil {
			c.logger.Debug().Err(closeErr).Msg("failed to close response body")
		}
	}()

	if v == nil {
		_, _ = io.Copy(io.Discard, rc)
		return nil
	}
	if err := json.NewDecoder(rc).Decode(v); err != nil {
		if ctx.Err() != nil {
			return cancelled(ctx)
		}
		if errors.Is(err, io.EOF) {
			return &ProtocolError{Reason: "empty response body"}
		}
		return &ProtocolError{Reason: "failed to decode response", Cause: err}
	}
	return nil
}
