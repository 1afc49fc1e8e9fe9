package middleware

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/erp/collector/internal/infrastructure/auth"
	"github.com/erp/collector/internal/interfaces/http/dto"
)

// Trigger auth context keys
const (
	TriggerClaimsKey  = "trigger_claims"
	TriggerSubjectKey = "trigger_subject"
	AuthHeaderKey     = "Authorization"
	BearerPrefix      = "Bearer "
)

// TokenValidator is satisfied by *auth.TriggerTokens
type TokenValidator interface {
	Enabled() bool
	Validate(token string) (*auth.Claims, error)
}

// TriggerAuth requires a valid trigger token on the routes it guards. It
// lets every request through when no signing secret is configured.
func TriggerAuth(tokens TokenValidator, logger *zap.Logger) gin.HandlerFunc {
	if logger == nil {
		logger = zap.NewNop()
	}
	return func(c *gin.Context) {
		if tokens == nil || !tokens.Enabled() {
			c.Next()
			return
		}

		header := c.GetHeader(AuthHeaderKey)
		if header == "" {
			rejectTrigger(c, logger, auth.ErrInvalidToken, "Missing authorization header")
			return
		}
		if !strings.HasPrefix(header, BearerPrefix) {
			rejectTrigger(c, logger, auth.ErrInvalidToken, "Invalid authorization header format")
			return
		}
		token := strings.TrimSpace(strings.TrimPrefix(header, BearerPrefix))
		if token == "" {
			rejectTrigger(c, logger, auth.ErrInvalidToken, "Missing token")
			return
		}

		claims, err := tokens.Validate(token)
		if err != nil {
			rejectTrigger(c, logger, err, "Token validation failed")
			return
		}

		c.Set(TriggerClaimsKey, claims)
		c.Set(TriggerSubjectKey, claims.Subject)
		logger.Debug("Trigger token accepted",
			zap.String("subject", claims.Subject),
			zap.String("path", c.Request.URL.Path),
		)
		c.Next()
	}
}

func rejectTrigger(c *gin.Context, logger *zap.Logger, err error, message string) {
	logger.Warn("Trigger authentication failed",
		zap.Error(err),
		zap.String("message", message),
		zap.String("path", c.Request.URL.Path),
	)

	code, status := dto.ErrCodeUnauthorized, http.StatusUnauthorized
	switch {
	case errors.Is(err, auth.ErrExpiredToken):
		code, message = dto.ErrCodeTokenExpired, "Token has expired"
	case errors.Is(err, auth.ErrMissingScope):
		code, status, message = dto.ErrCodeForbidden, http.StatusForbidden, "Token lacks the run scope"
	}
	if status == http.StatusUnauthorized {
		c.Header("WWW-Authenticate", `Bearer realm="collector"`)
	}
	c.AbortWithStatusJSON(status, dto.NewErrorResponseWithRequestID(code, message, c.GetString("request_id")))
}

// GetTriggerSubject returns the subject of the accepted trigger token
func GetTriggerSubject(c *gin.Context) string {
	return c.GetString(TriggerSubjectKey)
}
