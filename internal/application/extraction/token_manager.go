package extraction

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/erp/collector/internal/domain/extraction"
	"github.com/erp/collector/internal/infrastructure/telemetry"
)

// DefaultRefreshWindow is how close to expiry a token gets refreshed
const DefaultRefreshWindow = 10 * time.Minute

// defaultPersistAttempts bounds the fallback saves of a freshly refreshed pair
const defaultPersistAttempts = 3

// TokenManagerConfig configures a TokenManager
type TokenManagerConfig struct {
	RefreshWindow   time.Duration
	PersistAttempts int
	Logger          *zap.Logger
	Clock           func() time.Time
}

// TokenInfo describes the stored token without exposing its values
type TokenInfo struct {
	HasToken  bool       `json:"has_token"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
	UpdatedAt *time.Time `json:"token_updated_at,omitempty"`
}

// TokenManager keeps a valid access token available. Refresh tokens are
// single use, so a refresh runs at most once at a time: in-process through
// singleflight and across processes through the store's row lock.
type TokenManager struct {
	store    extraction.TokenStore
	endpoint extraction.TokenEndpoint

	refreshWindow   time.Duration
	persistAttempts int
	now             func() time.Time
	logger          *zap.Logger
	metrics         *telemetry.PipelineMetrics

	group singleflight.Group
}

var _ extraction.AccessTokenSource = (*TokenManager)(nil)

// NewTokenManager creates a new TokenManager
func NewTokenManager(store extraction.TokenStore, endpoint extraction.TokenEndpoint, cfg TokenManagerConfig) *TokenManager {
	m := &TokenManager{
		store:           store,
		endpoint:        endpoint,
		refreshWindow:   cfg.RefreshWindow,
		persistAttempts: cfg.PersistAttempts,
		now:             cfg.Clock,
		logger:          cfg.Logger,
	}
	if m.refreshWindow <= 0 {
		m.refreshWindow = DefaultRefreshWindow
	}
	if m.persistAttempts <= 0 {
		m.persistAttempts = defaultPersistAttempts
	}
	if m.now == nil {
		m.now = time.Now
	}
	if m.logger == nil {
		m.logger = zap.NewNop()
	}
	return m
}

// SetMetrics sets the metrics collector
func (m *TokenManager) SetMetrics(pm *telemetry.PipelineMetrics) {
	m.metrics = pm
}

// ValidToken returns an access token with at least RefreshWindow of validity
// left, refreshing it first when needed.
func (m *TokenManager) ValidToken(ctx context.Context) (string, error) {
	tok, err := m.store.Load(ctx)
	if err != nil {
		return "", err
	}
	if !tok.NeedsRefresh(m.now(), m.refreshWindow) {
		return tok.AccessToken, nil
	}
	tok, err = m.refresh(ctx, false)
	if err != nil {
		return "", err
	}
	return tok.AccessToken, nil
}

// Refresh unconditionally exchanges the stored refresh token for a new pair
func (m *TokenManager) Refresh(ctx context.Context) (*extraction.OAuthToken, error) {
	return m.refresh(ctx, true)
}

func (m *TokenManager) refresh(ctx context.Context, force bool) (*extraction.OAuthToken, error) {
	key := "refresh"
	if force {
		key = "refresh:force"
	}
	v, err, _ := m.group.Do(key, func() (any, error) {
		return m.refreshLocked(ctx, force)
	})
	if err != nil {
		return nil, err
	}
	return v.(*extraction.OAuthToken), nil
}

func (m *TokenManager) refreshLocked(ctx context.Context, force bool) (*extraction.OAuthToken, error) {
	ctx, span := telemetry.StartServiceSpan(ctx, "token", "refresh")
	defer span.End()

	var (
		fresh    *extraction.OAuthToken
		consumed bool
	)
	err := m.store.WithLock(ctx, func(ctx context.Context, locked extraction.TokenStore) error {
		current, err := locked.Load(ctx)
		if err != nil {
			return err
		}
		if !force && !current.NeedsRefresh(m.now(), m.refreshWindow) {
			// another process refreshed while we waited for the lock
			fresh = current
			return nil
		}
		grant, err := m.endpoint.Refresh(ctx, current.RefreshToken)
		if err != nil {
			return classifyRefreshError(err)
		}
		consumed = true
		fresh = extraction.NewOAuthToken(grant, m.now().UTC())
		return locked.Save(ctx, fresh)
	})

	switch {
	case err == nil && !consumed:
		m.metrics.RecordTokenRefresh(ctx, "reused")
		return fresh, nil
	case err == nil:
		m.metrics.RecordTokenRefresh(ctx, "success")
		m.logger.Info("OAuth token refreshed", zap.Time("expires_at", fresh.ExpiresAt))
		telemetry.SetOK(span)
		return fresh, nil
	case consumed:
		// the upstream already invalidated the old refresh token
		return m.persistFallback(ctx, fresh, err)
	default:
		outcome := "failed"
		if errors.Is(err, extraction.ErrReauthorizationRequired) {
			outcome = "reauthorization_required"
		}
		m.metrics.RecordTokenRefresh(ctx, outcome)
		telemetry.RecordError(span, err)
		m.logger.Error("OAuth token refresh failed", zap.Error(err))
		return nil, err
	}
}

func (m *TokenManager) persistFallback(ctx context.Context, fresh *extraction.OAuthToken, cause error) (*extraction.OAuthToken, error) {
	m.logger.Warn("Saving refreshed token failed, retrying outside the lock", zap.Error(cause))
	var err error
	for attempt := 1; attempt <= m.persistAttempts; attempt++ {
		if err = m.store.Save(context.WithoutCancel(ctx), fresh); err == nil {
			m.metrics.RecordTokenRefresh(ctx, "success")
			m.logger.Info("OAuth token refreshed", zap.Time("expires_at", fresh.ExpiresAt), zap.Int("persist_attempt", attempt))
			return fresh, nil
		}
	}
	m.metrics.RecordTokenRefresh(ctx, "persist_failed")
	m.logger.Error("Refreshed token could not be persisted, re-authorization will be required",
		zap.Int("attempts", m.persistAttempts),
		zap.Error(err),
	)
	return nil, fmt.Errorf("%w: %w", extraction.ErrTokenPersist, err)
}

func classifyRefreshError(err error) error {
	switch {
	case errors.Is(err, extraction.ErrReauthorizationRequired),
		errors.Is(err, context.Canceled),
		errors.Is(err, context.DeadlineExceeded):
		return err
	default:
		return fmt.Errorf("%w: %w", extraction.ErrTokenRefresh, err)
	}
}

// ExchangeCode completes the authorization flow and stores the first pair
func (m *TokenManager) ExchangeCode(ctx context.Context, code string) (*extraction.OAuthToken, error) {
	grant, err := m.endpoint.ExchangeCode(ctx, code)
	if err != nil {
		return nil, err
	}
	tok := extraction.NewOAuthToken(grant, m.now().UTC())
	if err := m.store.Save(ctx, tok); err != nil {
		return nil, fmt.Errorf("%w: %w", extraction.ErrTokenPersist, err)
	}
	m.logger.Info("OAuth authorization completed", zap.Time("expires_at", tok.ExpiresAt))
	return tok, nil
}

// Info reports whether a token is stored and when it expires
func (m *TokenManager) Info(ctx context.Context) (*TokenInfo, error) {
	tok, err := m.store.Load(ctx)
	if errors.Is(err, extraction.ErrTokenNotFound) {
		return &TokenInfo{}, nil
	}
	if err != nil {
		return nil, err
	}
	expires, updated := tok.ExpiresAt, tok.UpdatedAt
	return &TokenInfo{HasToken: true, ExpiresAt: &expires, UpdatedAt: &updated}, nil
}
