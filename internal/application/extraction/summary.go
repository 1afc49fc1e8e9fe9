package extraction

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/erp/collector/internal/domain/extraction"
)

// RunSummary is the outcome of one Run or RunFull call
type RunSummary struct {
	RunID         uuid.UUID                 `json:"run_id"`
	Kind          string                    `json:"kind"`
	Status        string                    `json:"status"`
	Window        extraction.Period         `json:"window"`
	Periods       []extraction.Period       `json:"periods,omitempty"`
	ReferenceDate string                    `json:"reference_date,omitempty"`
	StartedAt     time.Time                 `json:"started_at"`
	FinishedAt    *time.Time                `json:"finished_at,omitempty"`
	DurationMs    int64                     `json:"duration_ms"`
	Counts        extraction.RunCounts      `json:"counts"`
	Skipped       int                       `json:"skipped"`
	Failed        []extraction.FailedRecord `json:"failed,omitempty"`
	Error         string                    `json:"error,omitempty"`
}

// NewRunSummary converts a ledger record
func NewRunSummary(run *extraction.RunRecord) *RunSummary {
	s := &RunSummary{
		RunID:      run.ID,
		Kind:       string(run.Kind),
		Status:     string(run.Status),
		Window:     run.Window,
		Periods:    run.Periods,
		StartedAt:  run.StartedAt,
		FinishedAt: run.FinishedAt,
		DurationMs: run.Duration().Milliseconds(),
		Counts:     run.Counts,
		Skipped:    run.Counts.Skipped(),
		Failed:     run.Failed,
		Error:      run.ErrorMessage,
	}
	if run.ReferenceDate != nil {
		s.ReferenceDate = run.ReferenceDate.Format(extraction.DateLayout)
	}
	return s
}

// Status is the operational snapshot served by the status endpoint
type Status struct {
	LastSuccessfulRun *RunSummary `json:"last_successful_run"`
	OAuth             *TokenInfo  `json:"oauth,omitempty"`
}

// Status returns the last successful run and, when available, the token state
func (p *Pipeline) Status(ctx context.Context) (*Status, error) {
	last, err := p.Ledger.LastSuccessful(ctx)
	if err != nil {
		return nil, err
	}
	st := &Status{}
	if last != nil {
		st.LastSuccessfulRun = NewRunSummary(last)
	}
	if p.Inspector != nil {
		info, err := p.Inspector.Info(ctx)
		if err != nil {
			return nil, err
		}
		st.OAuth = info
	}
	return st, nil
}
