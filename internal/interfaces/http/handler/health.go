package handler

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/erp/collector/internal/infrastructure/logger"
	"github.com/erp/collector/internal/interfaces/http/dto"
)

const healthPingTimeout = 3 * time.Second

// Pinger is satisfied by *sql.DB
type Pinger interface {
	PingContext(ctx context.Context) error
}

// HealthHandler reports liveness and database reachability
type HealthHandler struct {
	BaseHandler
	db  Pinger
	now func() time.Time
}

// NewHealthHandler creates a new HealthHandler
func NewHealthHandler(db Pinger, now func() time.Time) *HealthHandler {
	if now == nil {
		now = time.Now
	}
	return &HealthHandler{db: db, now: now}
}

// Health answers 200 while the database is reachable and 503 otherwise
func (h *HealthHandler) Health(c *gin.Context) {
	resp := dto.HealthResponse{
		Status:   "ok",
		Time:     h.now().Format(time.RFC3339),
		Database: "connected",
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), healthPingTimeout)
	defer cancel()
	if h.db == nil {
		resp.Status, resp.Database = "degraded", "not configured"
	} else if err := h.db.PingContext(ctx); err != nil {
		logger.GetGinLogger(c).Warn("Database ping failed", zap.Error(err))
		resp.Status, resp.Database = "degraded", "unreachable"
	}

	if resp.Status != "ok" {
		c.JSON(http.StatusServiceUnavailable, dto.NewErrorResponseWithRequestID(
			dto.ErrCodeUnavailable, "database "+resp.Database, getRequestID(c),
		).WithData(resp))
		return
	}
	h.Success(c, resp)
}
