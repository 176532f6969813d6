// Package rdap resolves RDAP endpoints for TLDs and performs single-domain
// RDAP lookups, classifying the HTTP outcome into an availability status.
package rdap

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"domainhunter/internal/availability/metrics"
	"domainhunter/internal/availability/models"
)

const (
	DefaultTimeout = 2500 * time.Millisecond

	maxPayloadBytes = 1 << 20
	errTimeout      = "Timeout"
	errInvalid      = "Invalid domain"
)

// EndpointResolver maps a TLD to an RDAP base URL.
type EndpointResolver interface {
	Resolve(ctx context.Context, tld string) string
}

// FetchResult is the raw outcome of one RDAP request.
type FetchResult struct {
	StatusCode     int
	ResponseTimeMs int64
	RawPayload     json.RawMessage
	Error          string
}

// Client issues RDAP domain lookups.
type Client struct {
	resolver   EndpointResolver
	httpClient *http.Client
	limiter    *hostLimiter
	tracer     trace.Tracer
	logger     *slog.Logger
	metrics    *metrics.Metrics
}

type ClientOption func(*Client)

func WithHTTPClient(c *http.Client) ClientOption {
	return func(cl *Client) { cl.httpClient = c }
}

// WithHostRateLimit paces requests per RDAP server host. rps <= 0 disables pacing.
func WithHostRateLimit(rps float64, burst int) ClientOption {
	return func(cl *Client) {
		if rps > 0 {
			cl.limiter = newHostLimiter(rps, burst)
		}
	}
}

func WithLogger(logger *slog.Logger) ClientOption {
	return func(cl *Client) { cl.logger = logger }
}

func WithMetrics(m *metrics.Metrics) ClientOption {
	return func(cl *Client) { cl.metrics = m }
}

func WithTracer(t trace.Tracer) ClientOption {
	return func(cl *Client) { cl.tracer = t }
}

// NewClient constructs an RDAP client on top of an endpoint resolver.
func NewClient(resolver EndpointResolver, opts ...ClientOption) (*Client, error) {
	if resolver == nil {
		return nil, fmt.Errorf("endpoint resolver is required")
	}
	c := &Client{
		resolver:   resolver,
		httpClient: &http.Client{},
		tracer:     otel.Tracer("domainhunter/rdap"),
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Check fetches and classifies one domain.
func (c *Client) Check(ctx context.Context, domain string, timeout time.Duration) models.Result {
	return Classify(domain, c.Fetch(ctx, domain, timeout))
}

// Fetch performs one RDAP lookup bounded by timeout. It never returns an error;
// failures are encoded as synthetic status codes (400 invalid, 408 timeout,
// 500 transport).
func (c *Client) Fetch(ctx context.Context, domain string, timeout time.Duration) FetchResult {
	start := time.Now()
	tld := models.TLD(domain)
	if tld == "" {
		return FetchResult{StatusCode: http.StatusBadRequest, Error: errInvalid}
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	ctx, span := c.tracer.Start(ctx, "rdap.fetch", trace.WithAttributes(
		attribute.String("rdap.domain", domain),
		attribute.String("rdap.tld", tld),
	))
	defer span.End()

	target := c.resolver.Resolve(ctx, tld) + domain

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	res := c.do(ctx, target)
	elapsed := time.Since(start)
	res.ResponseTimeMs = elapsed.Milliseconds()

	span.SetAttributes(attribute.Int("http.status_code", res.StatusCode))
	if res.Error != "" {
		span.SetStatus(codes.Error, res.Error)
	}
	c.metrics.ObserveFetch(res.StatusCode, elapsed)
	return res
}

func (c *Client) do(ctx context.Context, target string) FetchResult {
	if c.limiter != nil {
		if u, err := url.Parse(target); err == nil {
			// Wait only fails when the deadline cannot accommodate the next token.
			if err := c.limiter.wait(ctx, u.Host); err != nil {
				return FetchResult{StatusCode: http.StatusRequestTimeout, Error: errTimeout}
			}
		}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return FetchResult{StatusCode: http.StatusInternalServerError, Error: err.Error()}
	}
	req.Header.Set("Accept", "application/rdap+json, application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return transportFailure(ctx, err)
	}
	defer resp.Body.Close()

	res := FetchResult{StatusCode: resp.StatusCode}
	if resp.StatusCode != http.StatusOK {
		// Drain a little so the connection can be reused.
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return res
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxPayloadBytes))
	if err != nil || !json.Valid(body) {
		c.logger.DebugContext(ctx, "rdap payload discarded", "url", target, "error", err)
		return res
	}
	res.RawPayload = body
	return res
}

func transportFailure(ctx context.Context, err error) FetchResult {
	if isTimeout(ctx, err) {
		return FetchResult{StatusCode: http.StatusRequestTimeout, Error: errTimeout}
	}
	return FetchResult{StatusCode: http.StatusInternalServerError, Error: err.Error()}
}

func isTimeout(ctx context.Context, err error) bool {
	if ctx.Err() != nil || errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}
