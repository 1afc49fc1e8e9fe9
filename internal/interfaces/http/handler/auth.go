package handler

import (
	"context"
	"crypto/subtle"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/erp/collector/internal/domain/extraction"
	"github.com/erp/collector/internal/infrastructure/logger"
	"github.com/erp/collector/internal/interfaces/http/dto"
)

const authInstruction = "Open auth_url in a browser, sign in to the ERP and approve access. " +
	"You will be redirected to /auth/callback, which stores the first token pair."

// Authorizer builds the ERP consent URL
type Authorizer interface {
	AuthorizeURL(state string) string
}

// CodeExchanger trades an authorization code for a stored token pair
type CodeExchanger interface {
	ExchangeCode(ctx context.Context, code string) (*extraction.OAuthToken, error)
}

// AuthHandler runs the one-time OAuth authorization-code bootstrap
type AuthHandler struct {
	BaseHandler
	authorizer Authorizer
	exchanger  CodeExchanger
	state      string
	now        func() time.Time
}

// NewAuthHandler creates a new AuthHandler
func NewAuthHandler(authorizer Authorizer, exchanger CodeExchanger, state string, now func() time.Time) *AuthHandler {
	if now == nil {
		now = time.Now
	}
	return &AuthHandler{authorizer: authorizer, exchanger: exchanger, state: state, now: now}
}

// Start returns the consent URL
func (h *AuthHandler) Start(c *gin.Context) {
	h.Success(c, dto.AuthStartResponse{
		AuthURL:     h.authorizer.AuthorizeURL(h.state),
		Instruction: authInstruction,
	})
}

// Callback receives the redirect from the ERP consent screen
func (h *AuthHandler) Callback(c *gin.Context) {
	if denied := c.Query("error"); denied != "" {
		msg := denied
		if desc := c.Query("error_description"); desc != "" {
			msg += ": " + desc
		}
		h.BadRequest(c, dto.ErrCodeUnauthorized, "authorization denied: "+msg)
		return
	}
	if subtle.ConstantTimeCompare([]byte(c.Query("state")), []byte(h.state)) != 1 {
		h.BadRequest(c, dto.ErrCodeInvalidState, "state does not match")
		return
	}
	code := c.Query("code")
	if code == "" {
		h.BadRequest(c, dto.ErrCodeValidation, "code is required")
		return
	}

	tok, err := h.exchanger.ExchangeCode(c.Request.Context(), code)
	if err != nil {
		h.HandleError(c, err, nil)
		return
	}

	logger.GetGinLogger(c).Info("OAuth callback completed", zap.Time("expires_at", tok.ExpiresAt))
	h.Success(c, dto.AuthCallbackResponse{
		Message:   "authorization stored",
		ExpiresIn: int64(tok.RemainingValidity(h.now()).Seconds()),
		ExpiresAt: tok.ExpiresAt.Format(time.RFC3339),
	})
}
