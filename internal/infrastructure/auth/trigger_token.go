// Package auth verifies the bearer tokens that protect the run endpoints.
package auth

import (
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/erp/collector/internal/infrastructure/config"
)

// ScopeRun allows triggering extraction runs
const ScopeRun = "collector:run"

// Common errors
var (
	ErrInvalidToken     = errors.New("invalid token")
	ErrExpiredToken     = errors.New("token has expired")
	ErrTokenNotYetValid = errors.New("token is not yet valid")
	ErrInvalidClaims    = errors.New("invalid token claims")
	ErrMissingScope     = errors.New("token lacks the required scope")
)

// Claims are the claims of a trigger token
type Claims struct {
	jwt.RegisteredClaims
	Scope string `json:"scope"`
}

// TriggerTokens issues and validates HS256 trigger tokens
type TriggerTokens struct {
	secret []byte
	issuer string
	now    func() time.Time
}

// NewTriggerTokens creates a new TriggerTokens
func NewTriggerTokens(cfg config.TriggerConfig) *TriggerTokens {
	return &TriggerTokens{
		secret: []byte(cfg.Secret),
		issuer: cfg.Issuer,
		now:    time.Now,
	}
}

// Enabled reports whether a secret is configured
func (t *TriggerTokens) Enabled() bool {
	return len(t.secret) > 0
}

// Issue signs a token for subject, valid for ttl
func (t *TriggerTokens) Issue(subject string, ttl time.Duration) (string, error) {
	now := t.now()
	claims := &Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.New().String(),
			Issuer:    t.issuer,
			Subject:   subject,
			Audience:  jwt.ClaimStrings{t.issuer},
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			NotBefore: jwt.NewNumericDate(now),
			IssuedAt:  jwt.NewNumericDate(now),
		},
		Scope: ScopeRun,
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(t.secret)
}

// Validate parses tokenString and checks signature, issuer, validity and scope
func (t *TriggerTokens) Validate(tokenString string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (any, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, ErrInvalidToken
		}
		return t.secret, nil
	},
		jwt.WithIssuer(t.issuer),
		jwt.WithTimeFunc(t.now),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrExpiredToken
		}
		if errors.Is(err, jwt.ErrTokenNotValidYet) {
			return nil, ErrTokenNotYetValid
		}
		return nil, ErrInvalidToken
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, ErrInvalidClaims
	}
	if claims.Scope != ScopeRun {
		return nil, ErrMissingScope
	}
	return claims, nil
}
