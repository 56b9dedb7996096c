// Package backend provides the shared HTTP plumbing for calls to the
// marketplace's REST backends: per-service clients with timeouts, retry with
// exponential backoff, and circuit breaker protection.
package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/taskfront/intake/internal/config"
	"github.com/taskfront/intake/model"
)

// maxResponseBytes caps how much of a backend response body is read.
const maxResponseBytes = 10 << 20

// Client is an HTTP client for a single backend service.
type Client struct {
	name    string
	baseURL string
	http    *http.Client
	breaker *CircuitBreaker
	retry   config.RetryConfig
}

// NewClient creates a client for the named service.
func NewClient(name string, cfg config.ServiceConfig) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	transport := &http.Transport{
		MaxIdleConns:        100,
		MaxConnsPerHost:     50,
		IdleConnTimeout:     90 * time.Second,
		TLSHandshakeTimeout: 10 * time.Second,
	}
	cb := cfg.CircuitBreaker
	return &Client{
		name:    name,
		baseURL: strings.TrimSuffix(cfg.BaseURL, "/"),
		http: &http.Client{
			Timeout:   timeout,
			Transport: transport,
		},
		breaker: NewCircuitBreaker(cb.FailureThreshold, cb.SuccessThreshold, cb.Timeout),
		retry:   cfg.Retry,
	}
}

// Name returns the service name the client was built for.
func (c *Client) Name() string { return c.name }

// BreakerState exposes the circuit breaker state for metrics and readiness.
func (c *Client) BreakerState() BreakerState { return c.breaker.State() }

// JSON issues a request with a JSON body and decodes a JSON response into
// out (when out is non-nil and the response is 2xx). It returns the HTTP
// status code alongside any error.
//
// A canceled context is returned as-is so callers can distinguish an aborted
// request from a genuine backend failure.
func (c *Client) JSON(ctx context.Context, sess *model.Session, method, path string, query url.Values, body, out any) (int, error) {
	reqURL := c.baseURL + path
	if len(query) > 0 {
		reqURL += "?" + query.Encode()
	}

	var bodyBytes []byte
	if body != nil {
		var err error
		bodyBytes, err = json.Marshal(body)
		if err != nil {
			return 0, fmt.Errorf("backend %s: marshal body: %w", c.name, err)
		}
	}

	status, respBody, err := c.doWithRetry(ctx, sess, method, reqURL, bodyBytes)
	if err != nil {
		return status, err
	}

	if status < 200 || status >= 300 {
		return status, statusError(c.name, status, respBody)
	}

	if out != nil && len(respBody) > 0 {
		if err := json.Unmarshal(respBody, out); err != nil {
			return status, fmt.Errorf("backend %s: decode response: %w", c.name, err)
		}
	}
	return status, nil
}

// doWithRetry wraps doOnce with retry logic and exponential backoff.
func (c *Client) doWithRetry(ctx context.Context, sess *model.Session, method, reqURL string, bodyBytes []byte) (int, []byte, error) {
	maxAttempts := c.retry.MaxAttempts
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	canRetry := isIdempotentMethod(method) || !c.retry.IdempotentOnly

	var lastErr error
	var lastStatus int
	var lastBody []byte

	for attempt := 0; attempt < maxAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return 0, nil, ctx.Err()
			case <-time.After(backoff(c.retry, attempt)):
			}
		}

		status, respBody, err := c.doOnce(ctx, sess, method, reqURL, bodyBytes)
		if err != nil {
			lastErr = err
			if !canRetry || !isRetryableError(err) {
				return 0, nil, err
			}
			slog.Debug("backend: retrying after error",
				"service", c.name,
				"attempt", attempt+1,
				"max", maxAttempts,
				"error", err,
			)
			continue
		}

		if isRetryableStatus(status) && canRetry && attempt < maxAttempts-1 {
			lastStatus, lastBody = status, respBody
			slog.Debug("backend: retrying after status",
				"service", c.name,
				"attempt", attempt+1,
				"max", maxAttempts,
				"status", status,
			)
			continue
		}

		return status, respBody, nil
	}

	if lastErr != nil {
		return 0, nil, lastErr
	}
	return lastStatus, lastBody, nil
}

// doOnce performs a single request with circuit breaker protection.
func (c *Client) doOnce(ctx context.Context, sess *model.Session, method, reqURL string, bodyBytes []byte) (int, []byte, error) {
	if err := c.breaker.Allow(); err != nil {
		return 0, nil, model.NewBackendUnavailableError()
	}

	var body io.Reader
	if bodyBytes != nil {
		body = bytes.NewReader(bodyBytes)
	}

	req, err := http.NewRequestWithContext(ctx, method, reqURL, body)
	if err != nil {
		return 0, nil, fmt.Errorf("backend %s: build request: %w", c.name, err)
	}
	req.Header = buildHeaders(sess, method)

	resp, err := c.http.Do(req)
	if err != nil {
		// An aborted request is not a backend failure.
		if errors.Is(ctx.Err(), context.Canceled) {
			return 0, nil, ctx.Err()
		}
		c.breaker.RecordFailure()
		if isConnectionError(err) {
			return 0, nil, model.NewBackendUnavailableError()
		}
		if ctx.Err() != nil {
			return 0, nil, model.NewBackendTimeoutError()
		}
		return 0, nil, fmt.Errorf("backend %s: request failed: %w", c.name, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		c.breaker.RecordFailure()
		return 0, nil, fmt.Errorf("backend %s: read response: %w", c.name, err)
	}

	if resp.StatusCode >= 500 {
		c.breaker.RecordFailure()
	} else if resp.StatusCode < 400 {
		// 4xx are not infrastructure failures.
		c.breaker.RecordSuccess()
	}

	return resp.StatusCode, respBody, nil
}

func buildHeaders(sess *model.Session, method string) http.Header {
	h := make(http.Header)
	h.Set("Accept", "application/json")
	if method == http.MethodPost || method == http.MethodPut || method == http.MethodPatch {
		h.Set("Content-Type", "application/json")
	}
	if sess != nil {
		if sess.BearerToken != "" {
			h.Set("Authorization", "Bearer "+sanitizeHeader(sess.BearerToken))
		}
		h.Set("X-Correlation-Id", sanitizeHeader(sess.CorrelationID))
	}
	return h
}

// sanitizeHeader strips newlines and carriage returns to prevent header injection.
func sanitizeHeader(s string) string {
	s = strings.ReplaceAll(s, "\r", "")
	s = strings.ReplaceAll(s, "\n", "")
	return s
}

// statusError translates a non-2xx response into an ErrorEnvelope, carrying
// the backend's message field when one is present.
func statusError(service string, status int, body []byte) error {
	var parsed struct {
		Message string `json:"message"`
	}
	_ = json.Unmarshal(body, &parsed)
	msg := parsed.Message
	if msg == "" {
		msg = fmt.Sprintf("%s returned status %d", service, status)
	}

	switch {
	case status == http.StatusNotFound:
		return model.NewNotFoundError(msg)
	case status == http.StatusUnauthorized:
		return model.NewUnauthorizedError(msg)
	case status == http.StatusForbidden:
		return model.NewForbiddenError(msg)
	case status == http.StatusConflict:
		return model.NewConflictError(msg)
	case status == http.StatusGatewayTimeout:
		return model.NewBackendTimeoutError()
	case status >= 500:
		return model.NewBackendUnavailableError()
	default:
		return model.NewBadRequestError(msg)
	}
}

func isIdempotentMethod(method string) bool {
	switch method {
	case http.MethodGet, http.MethodPut, http.MethodDelete,
		http.MethodHead, http.MethodOptions:
		return true
	}
	return false
}

func isRetryableStatus(code int) bool {
	switch code {
	case http.StatusInternalServerError,
		http.StatusBadGateway,
		http.StatusServiceUnavailable,
		http.StatusGatewayTimeout:
		return true
	}
	return false
}

func isRetryableError(err error) bool {
	if err == nil {
		return false
	}
	// Circuit breaker open and context errors are not retryable.
	if _, ok := err.(*model.ErrorEnvelope); ok {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	return true
}

func isConnectionError(err error) bool {
	if err == nil {
		return false
	}
	var netErr *net.OpError
	if errors.As(err, &netErr) {
		return true
	}
	var dnsErr *net.DNSError
	return errors.As(err, &dnsErr)
}

func backoff(cfg config.RetryConfig, attempt int) time.Duration {
	initial := cfg.BackoffInitial
	if initial <= 0 {
		initial = 100 * time.Millisecond
	}
	multiplier := cfg.BackoffMultiplier
	if multiplier <= 0 {
		multiplier = 2
	}
	max := cfg.BackoffMax
	if max <= 0 {
		max = 2 * time.Second
	}

	delay := initial
	for i := 1; i < attempt; i++ {
		delay = time.Duration(float64(delay) * multiplier)
		if delay > max {
			return max
		}
	}
	return delay
}
