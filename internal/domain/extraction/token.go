package extraction

import "time"

// DefaultTokenLifetime applies when the token endpoint omits expires_in.
const DefaultTokenLifetime = 6 * time.Hour

// OAuthToken is the single access/refresh token pair used against the upstream.
// Refresh tokens are single-use: once a refresh succeeds the previous pair is dead.
type OAuthToken struct {
	AccessToken  string
	RefreshToken string
	TokenType    string
	ExpiresAt    time.Time
	UpdatedAt    time.Time
}

// TokenGrant is what the token endpoint returns for a code exchange or a refresh.
type TokenGrant struct {
	AccessToken  string
	RefreshToken string
	TokenType    string
	ExpiresIn    time.Duration
}

// NewOAuthToken turns a grant into a storable token issued at now.
func NewOAuthToken(grant *TokenGrant, now time.Time) *OAuthToken {
	lifetime := grant.ExpiresIn
	if lifetime <= 0 {
		lifetime = DefaultTokenLifetime
	}
	tokenType := grant.TokenType
	if tokenType == "" {
		tokenType = "Bearer"
	}
	return &OAuthToken{
		AccessToken:  grant.AccessToken,
		RefreshToken: grant.RefreshToken,
		TokenType:    tokenType,
		ExpiresAt:    now.Add(lifetime),
		UpdatedAt:    now,
	}
}

// RemainingValidity returns how long the access token stays valid after now.
func (t *OAuthToken) RemainingValidity(now time.Time) time.Duration {
	return t.ExpiresAt.Sub(now)
}

// NeedsRefresh reports whether less than window of validity remains.
func (t *OAuthToken) NeedsRefresh(now time.Time, window time.Duration) bool {
	return t.RemainingValidity(now) < window
}
