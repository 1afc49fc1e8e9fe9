package bling

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/erp/collector/internal/domain/extraction"
	"github.com/erp/collector/internal/infrastructure/telemetry"
)

// Observer receives the outcome of every upstream request
type Observer interface {
	ObserveRequest(ctx context.Context, operation string, status int, elapsed time.Duration)
	ObserveRetry(ctx context.Context, operation, reason string)
}

type nopObserver struct{}

func (nopObserver) ObserveRequest(context.Context, string, int, time.Duration) {}
func (nopObserver) ObserveRetry(context.Context, string, string)               {}

type options struct {
	httpClient *http.Client
	retry      RetryPolicy
	logger     *zap.Logger
	observer   Observer
	now        func() time.Time
	limiter    *rate.Limiter
}

// Option configures a Client or a TokenClient
type Option func(*options)

// WithHTTPClient replaces the default HTTP client
func WithHTTPClient(c *http.Client) Option {
	return func(o *options) { o.httpClient = c }
}

// WithRetryPolicy replaces DefaultRetryPolicy
func WithRetryPolicy(p RetryPolicy) Option {
	return func(o *options) { o.retry = p }
}

// WithLogger sets the logger
func WithLogger(l *zap.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithObserver sets the request metrics observer
func WithObserver(obs Observer) Option {
	return func(o *options) { o.observer = obs }
}

// WithClock overrides the time source used for ExtractedAt stamps
func WithClock(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

// WithLimiter spaces calls with l. Pass the same limiter to the Client and the
// TokenClient so token refreshes count against the same minimum delay.
func WithLimiter(l *rate.Limiter) Option {
	return func(o *options) { o.limiter = l }
}

// NewLimiter allows one call per Config.RateDelay
func NewLimiter(cfg *Config) *rate.Limiter {
	limit := rate.Inf
	if cfg.RateDelay > 0 {
		limit = rate.Every(cfg.RateDelay)
	}
	return rate.NewLimiter(limit, 1)
}

func buildOptions(cfg *Config, opts []Option) options {
	o := options{
		retry:    DefaultRetryPolicy(),
		logger:   zap.NewNop(),
		observer: nopObserver{},
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(&o)
	}
	if o.httpClient == nil {
		o.httpClient = &http.Client{Timeout: cfg.Timeout}
	}
	if o.limiter == nil {
		o.limiter = NewLimiter(cfg)
	}
	return o
}

// Client implements extraction.SourceAPI against the Bling v3 REST API.
// Calls are serialized and spaced by at least Config.RateDelay.
type Client struct {
	config *Config
	tokens extraction.AccessTokenSource
	mu     sync.Mutex
	options
}

var _ extraction.SourceAPI = (*Client)(nil)

// NewClient creates a new upstream client
func NewClient(cfg *Config, tokens extraction.AccessTokenSource, opts ...Option) (*Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if tokens == nil {
		return nil, errors.New("bling: access token source is required")
	}
	return &Client{
		config:  cfg,
		tokens:  tokens,
		options: buildOptions(cfg, opts),
	}, nil
}

// ListInvoices returns a pager over the invoice listing for the filter
func (c *Client) ListInvoices(filter extraction.InvoiceFilter) extraction.InvoicePager {
	return &invoicePager{client: c, filter: filter}
}

// GetInvoiceDetail fetches one invoice with its items and installments
func (c *Client) GetInvoiceDetail(ctx context.Context, id int64) (*extraction.InvoiceDetail, error) {
	body, err := c.get(ctx, "get_invoice", "nfe/"+strconv.FormatInt(id, 10), nil)
	if err != nil {
		return nil, err
	}
	var resp invoiceDetailResponse
	if err := decodeJSON(body, &resp); err != nil {
		return nil, fmt.Errorf("%w: decode invoice %d: %w", extraction.ErrUpstreamRequest, id, err)
	}
	return resp.Data.toDomain(id, body), nil
}

// GetContact fetches one contact by id
func (c *Client) GetContact(ctx context.Context, id int64) (*extraction.Contact, error) {
	body, err := c.get(ctx, "get_contact", "contatos/"+strconv.FormatInt(id, 10), nil)
	if err != nil {
		return nil, err
	}
	var resp contactResponse
	if err := decodeJSON(body, &resp); err != nil {
		return nil, fmt.Errorf("%w: decode contact %d: %w", extraction.ErrUpstreamRequest, id, err)
	}
	contact := resp.Data.toDomain(c.now().UTC())
	if contact.ID == 0 {
		contact.ID = id
	}
	return contact, nil
}

// FindProductByCode looks a product up by its SKU.
// Returns extraction.ErrNotFound when the search yields nothing.
func (c *Client) FindProductByCode(ctx context.Context, code string) (*extraction.Product, error) {
	body, err := c.get(ctx, "find_product", "produtos", url.Values{"codigo": {code}})
	if err != nil {
		return nil, err
	}
	var resp productListResponse
	if err := decodeJSON(body, &resp); err != nil {
		return nil, fmt.Errorf("%w: decode product %q: %w", extraction.ErrUpstreamRequest, code, err)
	}
	if len(resp.Data) == 0 {
		return nil, fmt.Errorf("%w: product %q", extraction.ErrNotFound, code)
	}
	match := resp.Data[0]
	for _, p := range resp.Data {
		if p.Code == code {
			match = p
			break
		}
	}
	// stored under the searched code so the next run finds it in produtos
	product := match.toDomain(c.now().UTC())
	product.Code = code
	return product, nil
}

// get performs a GET with rate limiting, authentication and retries
func (c *Client) get(ctx context.Context, operation, path string, query url.Values) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	ctx, span := telemetry.StartSpan(ctx, "bling."+operation,
		telemetry.WithSpanKind(trace.SpanKindClient),
		telemetry.WithAttribute("bling.path", path),
	)
	defer span.End()

	var body []byte
	onRetry := func(attempt int, wait time.Duration, err error) {
		reason := "transient"
		var re *retryableError
		if errors.As(err, &re) && re.kind == retryRateLimited {
			reason = "rate_limited"
		}
		c.observer.ObserveRetry(ctx, operation, reason)
		c.logger.Warn("Upstream call failed, retrying",
			zap.String("operation", operation),
			zap.Int("attempt", attempt),
			zap.Duration("wait", wait),
			zap.Error(err),
		)
	}
	err := c.retry.Do(ctx, onRetry, func(ctx context.Context) error {
		var err error
		body, err = c.attempt(ctx, operation, path, query)
		return err
	})
	if err != nil {
		telemetry.RecordError(span, err)
		return nil, err
	}
	telemetry.SetOK(span)
	return body, nil
}

func (c *Client) attempt(ctx context.Context, operation, path string, query url.Values) ([]byte, error) {
	// the token comes first: a refresh it triggers waits on the same limiter
	token, err := c.tokens.ValidToken(ctx)
	if err != nil {
		return nil, err
	}
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	endpoint := strings.TrimRight(c.config.APIBaseURL, "/") + "/" + path
	if len(query) > 0 {
		endpoint += "?" + query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: build request: %w", extraction.ErrUpstreamRequest, err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Accept", "application/json")

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		c.observer.ObserveRequest(ctx, operation, 0, time.Since(start))
		return nil, transient(fmt.Errorf("GET %s: %w", path, err))
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	c.observer.ObserveRequest(ctx, operation, resp.StatusCode, time.Since(start))
	if err != nil {
		return nil, transient(fmt.Errorf("read %s: %w", path, err))
	}
	if err := classifyStatus(resp.StatusCode, body); err != nil {
		return nil, err
	}
	return body, nil
}

// classifyStatus maps an HTTP status to a retryable error or a domain sentinel
func classifyStatus(status int, body []byte) error {
	if status >= 200 && status < 300 {
		return nil
	}
	msg := http.StatusText(status)
	var apiErr apiError
	if decodeJSON(body, &apiErr) == nil && apiErr.message() != "" {
		msg = apiErr.message()
	}

	switch {
	case status == http.StatusTooManyRequests:
		return rateLimited(fmt.Errorf("HTTP %d: %s", status, msg))
	case status >= 500:
		return transient(fmt.Errorf("HTTP %d: %s", status, msg))
	case status == http.StatusUnauthorized:
		return fmt.Errorf("%w: HTTP %d: %s", extraction.ErrAuthExpired, status, msg)
	case status == http.StatusNotFound:
		return fmt.Errorf("%w: HTTP %d: %s", extraction.ErrNotFound, status, msg)
	default:
		return fmt.Errorf("%w: HTTP %d: %s", extraction.ErrUpstreamRequest, status, msg)
	}
}
