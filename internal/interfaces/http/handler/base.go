// Package handler serves the collector's operational endpoints.
package handler

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/erp/collector/internal/domain/extraction"
	"github.com/erp/collector/internal/infrastructure/logger"
	"github.com/erp/collector/internal/interfaces/http/dto"
)

// RequestIDKey is the header carrying the request ID
const RequestIDKey = "X-Request-ID"

// BaseHandler provides common handler utilities
type BaseHandler struct{}

// getRequestID extracts the request ID from the context
func getRequestID(c *gin.Context) string {
	if id := c.GetString("request_id"); id != "" {
		return id
	}
	return c.GetHeader(RequestIDKey)
}

// Success sends a success response
func (h *BaseHandler) Success(c *gin.Context, data any) {
	c.JSON(http.StatusOK, dto.NewSuccessResponse(data))
}

// Error sends an error response with the appropriate status code
func (h *BaseHandler) Error(c *gin.Context, statusCode int, code, message string) {
	c.JSON(statusCode, dto.NewErrorResponseWithRequestID(code, message, getRequestID(c)))
}

// ErrorWithCode sends an error response, deriving status code from error code
func (h *BaseHandler) ErrorWithCode(c *gin.Context, code, message string) {
	h.Error(c, dto.GetHTTPStatus(code), code, message)
}

// BadRequest sends a 400 bad request response
func (h *BaseHandler) BadRequest(c *gin.Context, code, message string) {
	h.Error(c, http.StatusBadRequest, code, message)
}

// HandleError converts an extraction error to a response. data, when
// non-nil, rides along in the error envelope.
func (h *BaseHandler) HandleError(c *gin.Context, err error, data any) {
	if err == nil {
		return
	}
	code := ErrorCode(err)
	status := dto.GetHTTPStatus(code)
	message := err.Error()
	if code == dto.ErrCodeInternal {
		message = "An unexpected error occurred"
	}
	_ = c.Error(err)
	if status >= http.StatusInternalServerError {
		logger.GetGinLogger(c).Error("Request failed", zap.String("code", code), zap.Error(err))
	}

	resp := dto.NewErrorResponseWithRequestID(code, message, getRequestID(c))
	if data != nil {
		resp = resp.WithData(data)
	}
	c.JSON(status, resp)
}

// ErrorCode classifies err by the most specific extraction sentinel it wraps
func ErrorCode(err error) string {
	switch {
	case errors.Is(err, extraction.ErrRunInProgress):
		return dto.ErrCodeRunInProgress
	case errors.Is(err, extraction.ErrInvalidWindow):
		return dto.ErrCodeInvalidWindow
	case errors.Is(err, extraction.ErrReauthorizationRequired),
		errors.Is(err, extraction.ErrTokenNotFound):
		return dto.ErrCodeReauthorizationRequired
	case errors.Is(err, extraction.ErrRecordsFailed):
		return dto.ErrCodeRecordsFailed
	case errors.Is(err, extraction.ErrRateLimited):
		return dto.ErrCodeRateLimited
	case errors.Is(err, extraction.ErrTransientNetwork),
		errors.Is(err, extraction.ErrAuthExpired),
		errors.Is(err, extraction.ErrUpstreamRequest),
		errors.Is(err, extraction.ErrTokenRefresh):
		return dto.ErrCodeUpstream
	case errors.Is(err, extraction.ErrCheckpointFailed),
		errors.Is(err, extraction.ErrPersistence),
		errors.Is(err, extraction.ErrTokenPersist):
		return dto.ErrCodePersistence
	case errors.Is(err, context.DeadlineExceeded):
		return dto.ErrCodeTimeout
	case errors.Is(err, extraction.ErrValidation):
		return dto.ErrCodeValidation
	default:
		return dto.ErrCodeInternal
	}
}
