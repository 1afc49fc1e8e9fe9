package handler

import (
	"context"
	"fmt"
	"time"

	"github.com/gin-gonic/gin"

	extractionapp "github.com/erp/collector/internal/application/extraction"
	"github.com/erp/collector/internal/domain/extraction"
	"github.com/erp/collector/internal/interfaces/http/dto"
)

// Query parameters accepted by the run endpoints
const (
	QueryStart = "data_inicio"
	QueryEnd   = "data_fim"
)

// Runner is the pipeline surface the handlers drive
type Runner interface {
	Run(ctx context.Context, req extractionapp.RunRequest) (*extractionapp.RunSummary, error)
	RunFull(ctx context.Context, req extractionapp.FullRunRequest) (*extractionapp.RunSummary, error)
	Status(ctx context.Context) (*extractionapp.Status, error)
}

// ExtractionHandler triggers runs and reports the last one
type ExtractionHandler struct {
	BaseHandler
	runner     Runner
	runTimeout time.Duration
}

// NewExtractionHandler creates a new ExtractionHandler. A zero runTimeout
// leaves runs unbounded.
func NewExtractionHandler(runner Runner, runTimeout time.Duration) *ExtractionHandler {
	return &ExtractionHandler{runner: runner, runTimeout: runTimeout}
}

// Status serves the last successful run and the OAuth token state
func (h *ExtractionHandler) Status(c *gin.Context) {
	st, err := h.runner.Status(c.Request.Context())
	if err != nil {
		h.HandleError(c, err, nil)
		return
	}
	h.Success(c, st)
}

// Run triggers an incremental run. Both bounds are optional.
func (h *ExtractionHandler) Run(c *gin.Context) {
	start, ok := h.dayParam(c, QueryStart)
	if !ok {
		return
	}
	end, ok := h.dayParam(c, QueryEnd)
	if !ok {
		return
	}

	ctx, cancel := h.runContext(c)
	defer cancel()
	summary, err := h.runner.Run(ctx, extractionapp.RunRequest{Start: start, End: end})
	h.respond(c, summary, err)
}

// RunFull triggers a historical backfill; data_inicio is required
func (h *ExtractionHandler) RunFull(c *gin.Context) {
	start, ok := h.dayParam(c, QueryStart)
	if !ok {
		return
	}
	if start == nil {
		h.BadRequest(c, dto.ErrCodeInvalidWindow, QueryStart+" is required for a full run")
		return
	}
	end, ok := h.dayParam(c, QueryEnd)
	if !ok {
		return
	}

	ctx, cancel := h.runContext(c)
	defer cancel()
	summary, err := h.runner.RunFull(ctx, extractionapp.FullRunRequest{Start: *start, End: end})
	h.respond(c, summary, err)
}

// runContext detaches the run from the client connection: a caller that
// disconnects does not abort a run that already started writing.
func (h *ExtractionHandler) runContext(c *gin.Context) (context.Context, context.CancelFunc) {
	ctx := context.WithoutCancel(c.Request.Context())
	if h.runTimeout > 0 {
		return context.WithTimeout(ctx, h.runTimeout)
	}
	return context.WithCancel(ctx)
}

func (h *ExtractionHandler) respond(c *gin.Context, summary *extractionapp.RunSummary, err error) {
	if err != nil {
		var data any
		if summary != nil {
			data = summary
		}
		h.HandleError(c, err, data)
		return
	}
	h.Success(c, summary)
}

// dayParam parses an optional YYYY-MM-DD query parameter. It writes the 400
// response itself and reports false when the value is malformed.
func (h *ExtractionHandler) dayParam(c *gin.Context, name string) (*time.Time, bool) {
	raw := c.Query(name)
	if raw == "" {
		return nil, true
	}
	day, err := extraction.ParseDay(raw)
	if err != nil {
		h.BadRequest(c, dto.ErrCodeInvalidDate, fmt.Sprintf("%s must be YYYY-MM-DD, got %q", name, raw))
		return nil, false
	}
	return &day, true
}
