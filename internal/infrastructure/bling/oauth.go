package bling

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/erp/collector/internal/domain/extraction"
	"github.com/erp/collector/internal/infrastructure/telemetry"
)

// invalidGrant is the OAuth error code for a consumed or revoked refresh token
const invalidGrant = "invalid_grant"

// TokenClient implements extraction.TokenEndpoint with the OAuth2 token endpoint.
// Calls are spaced by Config.RateDelay; see WithLimiter.
type TokenClient struct {
	config *Config
	options
}

var _ extraction.TokenEndpoint = (*TokenClient)(nil)

// NewTokenClient creates a token endpoint client
func NewTokenClient(cfg *Config, opts ...Option) (*TokenClient, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &TokenClient{config: cfg, options: buildOptions(cfg, opts)}, nil
}

// AuthorizeURL returns the consent page an operator opens to grant access
func (t *TokenClient) AuthorizeURL(state string) string {
	q := url.Values{}
	q.Set("response_type", "code")
	q.Set("client_id", t.config.ClientID)
	q.Set("state", state)
	return t.config.AuthorizeURL + "?" + q.Encode()
}

// ExchangeCode trades an authorization code for the first token pair
func (t *TokenClient) ExchangeCode(ctx context.Context, code string) (*extraction.TokenGrant, error) {
	return t.post(ctx, "exchange_code", url.Values{
		"grant_type": {"authorization_code"},
		"code":       {code},
	})
}

// Refresh exchanges a refresh token for a new pair. The old refresh token is
// consumed by the upstream once this succeeds.
func (t *TokenClient) Refresh(ctx context.Context, refreshToken string) (*extraction.TokenGrant, error) {
	return t.post(ctx, "refresh_token", url.Values{
		"grant_type":    {"refresh_token"},
		"refresh_token": {refreshToken},
	})
}

func (t *TokenClient) post(ctx context.Context, operation string, form url.Values) (*extraction.TokenGrant, error) {
	ctx, span := telemetry.StartSpan(ctx, "bling.oauth."+operation, telemetry.WithSpanKind(trace.SpanKindClient))
	defer span.End()

	var grant *extraction.TokenGrant
	onRetry := func(attempt int, wait time.Duration, err error) {
		t.observer.ObserveRetry(ctx, operation, "transient")
		t.logger.Warn("Token endpoint call failed, retrying",
			zap.String("operation", operation),
			zap.Int("attempt", attempt),
			zap.Duration("wait", wait),
			zap.Error(err),
		)
	}
	err := t.retry.Do(ctx, onRetry, func(ctx context.Context) error {
		var err error
		grant, err = t.attempt(ctx, operation, form)
		return err
	})
	if err != nil {
		telemetry.RecordError(span, err)
		return nil, err
	}
	telemetry.SetOK(span)
	return grant, nil
}

func (t *TokenClient) attempt(ctx context.Context, operation string, form url.Values) (*extraction.TokenGrant, error) {
	if err := t.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.config.TokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, fmt.Errorf("%w: build token request: %w", extraction.ErrUpstreamRequest, err)
	}
	req.SetBasicAuth(t.config.ClientID, t.config.ClientSecret)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")

	start := time.Now()
	resp, err := t.httpClient.Do(req)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		t.observer.ObserveRequest(ctx, operation, 0, time.Since(start))
		return nil, transient(fmt.Errorf("POST token: %w", err))
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	t.observer.ObserveRequest(ctx, operation, resp.StatusCode, time.Since(start))
	if err != nil {
		return nil, transient(fmt.Errorf("read token response: %w", err))
	}

	if resp.StatusCode == http.StatusBadRequest || resp.StatusCode == http.StatusUnauthorized {
		var oerr oauthError
		if decodeJSON(body, &oerr) == nil && oerr.Code == invalidGrant {
			return nil, fmt.Errorf("%w: %s", extraction.ErrReauthorizationRequired, oerr.Description)
		}
	}
	if err := classifyStatus(resp.StatusCode, body); err != nil {
		var oerr oauthError
		if errors.Is(err, extraction.ErrUpstreamRequest) && decodeJSON(body, &oerr) == nil && oerr.Code != "" {
			return nil, fmt.Errorf("%w: HTTP %d: %s %s", extraction.ErrUpstreamRequest, resp.StatusCode, oerr.Code, oerr.Description)
		}
		return nil, err
	}

	var tr tokenResponse
	if err := decodeJSON(body, &tr); err != nil {
		return nil, fmt.Errorf("%w: decode token response: %w", extraction.ErrUpstreamRequest, err)
	}
	if tr.AccessToken == "" || tr.RefreshToken == "" {
		return nil, fmt.Errorf("%w: token response is missing tokens", extraction.ErrUpstreamRequest)
	}
	return tr.toDomain(), nil
}
