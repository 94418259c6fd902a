package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/time/rate"

	apperrors "github.com/quangdang46/Course-Marketplace/shared/errors"
	"github.com/quangdang46/Course-Marketplace/shared/logging"
	"github.com/quangdang46/Course-Marketplace/shared/metrics"
	"github.com/quangdang46/Course-Marketplace/shared/resilience"
	"github.com/quangdang46/Course-Marketplace/shared/timeout"
)

// Envelope is the response shape every backend endpoint uses.
type Envelope struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

// Options configures a Client
type Options struct {
	BaseURL           string
	HTTPClient        *http.Client
	RequestsPerMinute int
	Burst             int
	RetryAttempts     int
	BreakerTrips      uint32
	BreakerReset      time.Duration
	Timeouts          *timeout.TimeoutConfig
	Logger            *logging.Logger
	Metrics           *metrics.Metrics
}

// Client talks to the course marketplace backend
type Client struct {
	baseURL  *url.URL
	http     *http.Client
	limiter  *rate.Limiter
	breakers *resilience.CircuitBreakerGroup
	retry    resilience.RetryConfig
	timeouts *timeout.TimeoutConfig
	logger   *logging.Logger
	metrics  *metrics.Metrics
}

// request describes one backend call
type request struct {
	method   string
	path     string
	query    url.Values
	body     io.Reader
	json     interface{}
	ctype    string
	token    string
	endpoint string
	upload   bool
}

func NewClient(opts Options) (*Client, error) {
	base, err := url.Parse(opts.BaseURL)
	if err != nil || base.Scheme == "" || base.Host == "" {
		return nil, fmt.Errorf("backend base url must be absolute, got %q", opts.BaseURL)
	}

	c := &Client{
		baseURL:  base,
		http:     opts.HTTPClient,
		timeouts: opts.Timeouts,
		logger:   opts.Logger,
		metrics:  opts.Metrics,
	}
	if c.http == nil {
		c.http = &http.Client{}
	}
	if c.timeouts == nil {
		c.timeouts = timeout.DefaultTimeoutConfig()
	}
	if c.logger == nil {
		c.logger = logging.Default()
	}

	c.limiter = rate.NewLimiter(rate.Inf, 0)
	if opts.RequestsPerMinute > 0 {
		burst := opts.Burst
		if burst <= 0 {
			burst = 1
		}
		c.limiter = rate.NewLimiter(rate.Every(time.Minute/time.Duration(opts.RequestsPerMinute)), burst)
	}

	trips := opts.BreakerTrips
	if trips == 0 {
		trips = 5
	}
	reset := opts.BreakerReset
	if reset == 0 {
		reset = 30 * time.Second
	}
	c.breakers = resilience.NewCircuitBreakerGroup(&resilience.CircuitBreakerConfig{
		MaxFailures:      trips,
		ResetTimeout:     reset,
		HalfOpenMaxCalls: 1,
		IsFailure:        isServerFailure,
		OnStateChange: func(name string, from, to resilience.State) {
			c.logger.WithFields(map[string]interface{}{
				"breaker": name,
				"from":    from.String(),
				"to":      to.String(),
			}).Warn("backend circuit breaker changed state")
			if c.metrics != nil {
				c.metrics.CircuitState.WithLabelValues(name).Set(float64(to))
			}
		},
	})

	attempts := opts.RetryAttempts
	if attempts <= 0 {
		attempts = 1
	}
	c.retry = resilience.RetryConfig{
		MaxAttempts:     attempts,
		InitialDelay:    200 * time.Millisecond,
		MaxDelay:        2 * time.Second,
		BackoffFactor:   2,
		JitterFraction:  0.2,
		RetryableErrors: isRetryable,
	}

	return c, nil
}

// BreakerStats reports every backend circuit breaker
func (c *Client) BreakerStats() []resilience.CircuitBreakerStats {
	return c.breakers.GetAllStats()
}

// ResolveURL applies the backend's path rule: absolute URLs pass through,
// anything else lands under "api/" on the base URL.
func (c *Client) ResolveURL(path string) string {
	if strings.HasPrefix(path, "http://") || strings.HasPrefix(path, "https://") {
		return path
	}
	rel := "api/" + strings.TrimPrefix(strings.TrimPrefix(path, "/"), "api/")
	ref, err := url.Parse(rel)
	if err != nil {
		return c.baseURL.String() + rel
	}
	return c.baseURL.ResolveReference(ref).String()
}

// do runs one call through the limiter, breaker and (for GETs) retry, then
// decodes the envelope's data into out.
func (c *Client) do(ctx context.Context, req request, out interface{}) error {
	start := time.Now()
	breaker := c.breakers.Get(breakerName(req.path))
	if logging.GetRequestID(ctx) == "" {
		ctx = logging.WithRequestID(ctx, logging.GenerateRequestID())
	}

	var payload []byte
	if req.json != nil {
		b, err := json.Marshal(req.json)
		if err != nil {
			return apperrors.Internal("encode request body").WithCause(err)
		}
		payload = b
	} else if req.body != nil {
		b, err := io.ReadAll(req.body)
		if err != nil {
			return apperrors.Internal("read request body").WithCause(err)
		}
		payload = b
	}

	attempt := func(ctx context.Context) error {
		if err := c.limiter.Wait(ctx); err != nil {
			return apperrors.New(apperrors.ErrorTypeRateLimited, "RATE_LIMITED", "backend rate limit wait aborted").WithCause(err)
		}
		return breaker.Execute(ctx, func(ctx context.Context) error {
			limit := c.timeouts.HTTP
			if req.upload {
				limit = c.timeouts.FileUpload
			}
			return timeout.Run(ctx, limit, req.endpoint, func(ctx context.Context) error {
				return c.roundTrip(ctx, req, payload, out)
			})
		})
	}

	var err error
	if req.method == http.MethodGet {
		cfg := c.retry
		cfg.OnRetry = func(n int, err error) {
			c.logger.WithContext(ctx).WithError(err).WithField("endpoint", req.endpoint).Debugf("retrying backend call, attempt %d", n)
		}
		err = resilience.RetryWithConfig(ctx, &cfg, attempt)
	} else {
		err = attempt(ctx)
	}

	if c.metrics != nil {
		c.metrics.ObserveAPI(req.endpoint, err, time.Since(start))
	}
	if err != nil {
		return normalize(err)
	}
	return nil
}

func (c *Client) roundTrip(ctx context.Context, req request, payload []byte, out interface{}) error {
	target := c.ResolveURL(req.path)
	if len(req.query) > 0 {
		target += "?" + req.query.Encode()
	}

	var body io.Reader
	if payload != nil {
		body = bytes.NewReader(payload)
	}
	httpReq, err := http.NewRequestWithContext(ctx, req.method, target, body)
	if err != nil {
		return apperrors.Internal("build backend request").WithCause(err)
	}

	switch {
	case req.ctype != "":
		httpReq.Header.Set("Content-Type", req.ctype)
	case req.json != nil:
		httpReq.Header.Set("Content-Type", "application/json")
	}
	httpReq.Header.Set("Accept", "application/json")
	if req.token != "" {
		httpReq.Header.Set("Authorization", "Bearer "+strings.ReplaceAll(req.token, `"`, ""))
	}
	httpReq.Header.Set(logging.RequestIDHeader, logging.GetRequestID(ctx))
	if id := logging.GetCorrelationID(ctx); id != "" {
		httpReq.Header.Set(logging.CorrelationHeader, id)
	}

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return apperrors.APIRequestFailed(err.Error(), 0).WithCause(err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return apperrors.APIRequestFailed("read response body", resp.StatusCode).WithCause(err)
	}

	return decodeEnvelope(resp, raw, req.endpoint, out)
}

func decodeEnvelope(resp *http.Response, raw []byte, endpoint string, out interface{}) error {
	var env Envelope
	jsonErr := json.Unmarshal(raw, &env)

	if resp.StatusCode == http.StatusNotFound || (jsonErr == nil && env.Code == http.StatusNotFound) {
		msg := "not found"
		if jsonErr == nil && env.Message != "" {
			msg = env.Message
		}
		return apperrors.New(apperrors.ErrorTypeNotFound, "RESOURCE_NOT_FOUND", msg).
			WithDetails("endpoint", endpoint)
	}
	if jsonErr != nil {
		return apperrors.APIRequestFailed("Invalid JSON response", resp.StatusCode).WithCause(jsonErr)
	}

	ok := resp.StatusCode >= 200 && resp.StatusCode < 300
	if !ok || env.Code != http.StatusOK {
		msg := env.Message
		if msg == "" {
			msg = http.StatusText(resp.StatusCode)
		}
		status := resp.StatusCode
		if ok {
			status = env.Code
		}
		return apperrors.APIRequestFailed(msg, status).
			WithDetails("endpoint", endpoint).
			WithDetails("code", env.Code)
	}

	if out == nil || len(env.Data) == 0 || string(env.Data) == "null" {
		return nil
	}
	if err := json.Unmarshal(env.Data, out); err != nil {
		return apperrors.APIRequestFailed("Invalid JSON response", resp.StatusCode).WithCause(err)
	}
	return nil
}

// normalize strips retry and breaker wrapping so callers see the typed error
// and an open breaker reads as the backend being unavailable.
func normalize(err error) error {
	if errors.Is(err, resilience.ErrCircuitOpen) {
		return apperrors.Unavailable("backend").WithCause(err)
	}
	var typed *apperrors.Error
	if errors.As(err, &typed) {
		return typed
	}
	return apperrors.APIRequestFailed(err.Error(), 0).WithCause(err)
}

func isRetryable(err error) bool {
	if errors.Is(err, resilience.ErrCircuitOpen) || errors.Is(err, context.Canceled) {
		return false
	}
	return isServerFailure(err)
}

// isServerFailure is true for transport errors, timeouts and 5xx statuses;
// not-found and other 4xx answers mean the backend is healthy.
func isServerFailure(err error) bool {
	var typed *apperrors.Error
	if !errors.As(err, &typed) {
		return true
	}
	switch typed.Type {
	case apperrors.ErrorTypeNotFound, apperrors.ErrorTypeInvalidInput, apperrors.ErrorTypeRateLimited:
		return false
	case apperrors.ErrorTypeAPIRequestFailed:
		status, _ := typed.Details["status"].(int)
		return status == 0 || status >= 500
	}
	return true
}

func breakerName(path string) string {
	p := strings.TrimPrefix(strings.TrimPrefix(path, "/"), "api/")
	if i := strings.IndexByte(p, '/'); i > 0 {
		return p[:i]
	}
	return p
}
