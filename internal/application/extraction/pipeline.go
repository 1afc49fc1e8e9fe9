package extraction

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/erp/collector/internal/domain/extraction"
	"github.com/erp/collector/internal/infrastructure/logger"
	"github.com/erp/collector/internal/infrastructure/telemetry"
)

// Record failure policies
const (
	FailurePolicySkip = "skip"
	FailurePolicyFail = "fail"
)

// Entity names used in failed records, logs and metrics
const (
	entityInvoice = "invoice"
	entityContact = "contact"
	entityProduct = "product"
)

// PipelineConfig tunes a Pipeline
type PipelineConfig struct {
	// LookbackDays is used for the first run, when there is no watermark yet
	LookbackDays       int
	CheckpointInterval int
	// StaleRunAfter is the age after which a running record is considered dead
	StaleRunAfter time.Duration
	InvoiceStatus int
	DocumentType  int
	FailurePolicy string
	// Location decides what "today" is
	Location *time.Location
	// LockOwner identifies this process in the distributed run lock
	LockOwner string
	// SharedLock marks Lock as excluding every instance of the deployment.
	// Holding it, any running record left behind belongs to a dead process.
	SharedLock bool
}

// TokenInspector reports token state for Status
type TokenInspector interface {
	Info(ctx context.Context) (*TokenInfo, error)
}

// PipelineDeps are the ports a Pipeline drives. Lock, Archive and Inspector are optional.
type PipelineDeps struct {
	Source    extraction.SourceAPI
	Tokens    extraction.AccessTokenSource
	Store     extraction.Store
	Ledger    extraction.RunLedger
	Lock      extraction.RunLock
	Archive   extraction.PayloadArchive
	Inspector TokenInspector
	Logger    *zap.Logger
	Clock     func() time.Time
}

// RunRequest overrides the incremental window; nil bounds use the watermark and today
type RunRequest struct {
	Start *time.Time
	End   *time.Time
}

// FullRunRequest is a historical backfill; End defaults to today
type FullRunRequest struct {
	Start time.Time
	End   *time.Time
}

// Pipeline extracts invoices, then the contacts and products they reference,
// into the store. One invocation at a time per process, and per deployment
// when a RunLock is configured.
type Pipeline struct {
	PipelineDeps
	cfg     PipelineConfig
	metrics *telemetry.PipelineMetrics
	running sync.Mutex
}

// NewPipeline creates a new Pipeline
func NewPipeline(deps PipelineDeps, cfg PipelineConfig) *Pipeline {
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	if deps.Clock == nil {
		deps.Clock = time.Now
	}
	if cfg.CheckpointInterval <= 0 {
		cfg.CheckpointInterval = 50
	}
	if cfg.LookbackDays <= 0 {
		cfg.LookbackDays = 1
	}
	if cfg.StaleRunAfter <= 0 {
		cfg.StaleRunAfter = 6 * time.Hour
	}
	if cfg.FailurePolicy == "" {
		cfg.FailurePolicy = FailurePolicySkip
	}
	if cfg.Location == nil {
		cfg.Location = time.UTC
	}
	if cfg.LockOwner == "" {
		cfg.LockOwner = "collector"
	}
	return &Pipeline{PipelineDeps: deps, cfg: cfg}
}

// SetMetrics sets the metrics collector
func (p *Pipeline) SetMetrics(pm *telemetry.PipelineMetrics) {
	p.metrics = pm
}

// Run extracts the window starting at the last successful reference date
// (or LookbackDays ago) and ending today, unless the request overrides them.
func (p *Pipeline) Run(ctx context.Context, req RunRequest) (*RunSummary, error) {
	release, err := p.acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer release()

	window, err := p.incrementalWindow(ctx, req)
	if err != nil {
		return nil, err
	}
	return p.execute(ctx, extraction.RunKindIncremental, window, []extraction.Period{window})
}

// RunFull backfills [Start, End] one calendar month at a time, committing
// after every month, then loads the referenced contacts and products once.
func (p *Pipeline) RunFull(ctx context.Context, req FullRunRequest) (*RunSummary, error) {
	if req.Start.IsZero() {
		return nil, fmt.Errorf("%w: start date is required", extraction.ErrInvalidWindow)
	}
	release, err := p.acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer release()

	end := p.today()
	if req.End != nil {
		end = extraction.Day(*req.End)
	}
	window, err := extraction.NewPeriod(extraction.Day(req.Start), end)
	if err != nil {
		return nil, err
	}
	return p.execute(ctx, extraction.RunKindFull, window, extraction.SplitMonthly(window.Start, window.End))
}

func (p *Pipeline) acquire(ctx context.Context) (func(), error) {
	if !p.running.TryLock() {
		return nil, extraction.ErrRunInProgress
	}
	if p.Lock == nil {
		return p.running.Unlock, nil
	}
	release, acquired, err := p.Lock.TryAcquire(ctx, p.cfg.LockOwner)
	if err != nil {
		p.running.Unlock()
		return nil, fmt.Errorf("acquire run lock: %w", err)
	}
	if !acquired {
		p.running.Unlock()
		return nil, extraction.ErrRunInProgress
	}
	return func() {
		if err := release(context.WithoutCancel(ctx)); err != nil {
			p.Logger.Warn("Failed to release run lock", zap.Error(err))
		}
		p.running.Unlock()
	}, nil
}

func (p *Pipeline) today() time.Time {
	return extraction.Day(p.Clock().In(p.cfg.Location))
}

func (p *Pipeline) incrementalWindow(ctx context.Context, req RunRequest) (extraction.Period, error) {
	today := p.today()
	end := today
	if req.End != nil {
		end = extraction.Day(*req.End)
	}
	if req.Start != nil {
		return extraction.NewPeriod(extraction.Day(*req.Start), end)
	}

	start := today.AddDate(0, 0, -p.cfg.LookbackDays)
	last, err := p.Ledger.LastSuccessful(ctx)
	if err != nil {
		return extraction.Period{}, fmt.Errorf("load last successful run: %w", err)
	}
	if last != nil && last.ReferenceDate != nil {
		start = *last.ReferenceDate
	}
	// a manual run may have left the watermark past today
	if start.After(end) {
		p.Logger.Warn("Watermark is after the window end, extracting the end day only",
			zap.String("watermark", start.Format(extraction.DateLayout)),
			zap.String("end", end.Format(extraction.DateLayout)),
		)
		start = end
	}
	return extraction.NewPeriod(start, end)
}

// runState is the mutable state of one invocation
type runState struct {
	run   *extraction.RunRecord
	batch extraction.Batch

	seenInvoices    map[int64]struct{}
	contactIDs      []int64
	seenContacts    map[int64]struct{}
	productCodes    []string
	seenProducts    map[string]struct{}
	sinceCheckpoint int
}

func newRunState(run *extraction.RunRecord) *runState {
	return &runState{
		run:          run,
		seenInvoices: make(map[int64]struct{}),
		seenContacts: make(map[int64]struct{}),
		seenProducts: make(map[string]struct{}),
	}
}

func (s *runState) collect(inv *extraction.Invoice) {
	if id := inv.ContactID; id > 0 {
		if _, ok := s.seenContacts[id]; !ok {
			s.seenContacts[id] = struct{}{}
			s.contactIDs = append(s.contactIDs, id)
		}
	}
	for _, code := range inv.ProductCodes() {
		if _, ok := s.seenProducts[code]; !ok {
			s.seenProducts[code] = struct{}{}
			s.productCodes = append(s.productCodes, code)
		}
	}
}

func (p *Pipeline) execute(ctx context.Context, kind extraction.RunKind, window extraction.Period, periods []extraction.Period) (*RunSummary, error) {
	run := extraction.NewRunRecord(kind, window, p.Clock().UTC())
	if kind == extraction.RunKindFull {
		run.Periods = periods
	}

	ctx, log := logger.WithRunID(ctx, p.Logger, run.ID.String())
	ctx, span := telemetry.StartServiceSpan(ctx, "pipeline", string(kind),
		telemetry.WithAttribute(telemetry.SpanAttrRunID, run.ID.String()),
		telemetry.WithAttribute(telemetry.SpanAttrPeriod, window.String()),
	)
	defer span.End()

	cutoff := run.StartedAt.Add(-p.cfg.StaleRunAfter)
	if p.Lock != nil && p.cfg.SharedLock {
		cutoff = run.StartedAt
	}
	superseded, err := p.Ledger.SupersedeStale(ctx, cutoff, run.ID)
	if err != nil {
		return nil, fmt.Errorf("%w: supersede stale runs: %w", extraction.ErrPipelineAborted, err)
	}
	if len(superseded) > 0 {
		log.Warn("Superseded stale running records", zap.Int("count", len(superseded)), zap.Any("run_ids", superseded))
	}
	if err := p.Ledger.RecordAttempt(ctx, run); err != nil {
		return nil, fmt.Errorf("%w: record attempt: %w", extraction.ErrPipelineAborted, err)
	}
	log.Info("Extraction run started",
		zap.String("kind", string(kind)),
		zap.String("window", window.String()),
		zap.Int("periods", len(periods)),
	)

	st := newRunState(run)
	err = p.stages(ctx, st, periods)
	summary, err := p.finish(ctx, log, st, err)
	if err != nil {
		telemetry.RecordError(span, err)
	} else {
		telemetry.SetOK(span)
	}
	return summary, err
}

func (p *Pipeline) stages(ctx context.Context, st *runState, periods []extraction.Period) error {
	if _, err := p.Tokens.ValidToken(ctx); err != nil {
		return err
	}
	batch, err := p.Store.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	st.batch = batch

	kind := string(st.run.Kind)
	for _, period := range periods {
		var stageErr error
		telemetry.WithProfilingLabels(ctx, telemetry.StageLabels(kind, "invoices"), func(ctx context.Context) {
			stageErr = p.invoiceStage(ctx, st, period)
		})
		if stageErr != nil {
			return stageErr
		}
		if len(periods) > 1 {
			if err := p.checkpoint(ctx, st); err != nil {
				return err
			}
		}
	}

	var stageErr error
	telemetry.WithProfilingLabels(ctx, telemetry.StageLabels(kind, "references"), func(ctx context.Context) {
		if stageErr = p.contactStage(ctx, st); stageErr != nil {
			return
		}
		stageErr = p.productStage(ctx, st)
	})
	if stageErr != nil {
		return stageErr
	}

	if err := st.batch.Commit(ctx); err != nil {
		return fmt.Errorf("%w: final commit: %w", extraction.ErrCheckpointFailed, err)
	}
	return nil
}

func (p *Pipeline) finish(ctx context.Context, log *zap.Logger, st *runState, runErr error) (*RunSummary, error) {
	run := st.run
	now := p.Clock().UTC()

	switch {
	case runErr != nil:
		if st.batch != nil {
			if err := st.batch.Rollback(context.WithoutCancel(ctx)); err != nil {
				log.Warn("Rollback failed", zap.Error(err))
			}
		}
		run.Fail(now, runErr.Error())
		runErr = fmt.Errorf("%w: %w", extraction.ErrPipelineAborted, runErr)
	case len(run.Failed) > 0 && p.cfg.FailurePolicy == FailurePolicyFail:
		msg := fmt.Sprintf("%d records failed", len(run.Failed))
		run.Fail(now, msg)
		runErr = fmt.Errorf("%w: %s", extraction.ErrRecordsFailed, msg)
	default:
		run.Succeed(now, run.Window.End)
	}

	if err := p.Ledger.RecordResult(context.WithoutCancel(ctx), run); err != nil {
		log.Error("Failed to record run result", zap.Error(err))
		if runErr == nil {
			runErr = fmt.Errorf("record run result: %w", err)
		}
	}
	p.metrics.RecordRun(ctx, string(run.Kind), string(run.Status), run.Duration(), now)

	fields := []zap.Field{
		zap.String("status", string(run.Status)),
		zap.Duration("duration", run.Duration()),
		zap.Any("counts", run.Counts),
	}
	if runErr != nil {
		log.Error("Extraction run failed", append(fields, zap.Error(runErr))...)
	} else {
		log.Info("Extraction run finished", fields...)
	}
	return NewRunSummary(run), runErr
}

func (p *Pipeline) checkpoint(ctx context.Context, st *runState) error {
	if err := st.batch.Checkpoint(ctx); err != nil {
		return err
	}
	p.metrics.RecordCheckpoint(ctx)
	logger.L(ctx).Debug("Checkpoint committed", zap.Int("invoices_processed", st.run.Counts.InvoicesProcessed))
	st.sinceCheckpoint = 0
	return nil
}

// skip records a per-record failure, or returns err when it must end the run
func (p *Pipeline) skip(ctx context.Context, st *runState, entity, key string, err error) error {
	if extraction.IsFatal(err) {
		return err
	}
	st.run.Failed = append(st.run.Failed, extraction.FailedRecord{Entity: entity, Key: key, Reason: err.Error()})
	switch entity {
	case entityInvoice:
		st.run.Counts.InvoicesSkipped++
	case entityContact:
		st.run.Counts.ContactsSkipped++
	case entityProduct:
		st.run.Counts.ProductsSkipped++
	}
	p.metrics.RecordFailure(ctx, entity)
	logger.L(ctx).Warn("Record skipped",
		zap.String("entity", entity),
		zap.String("key", key),
		zap.Error(err),
	)
	return nil
}

func isNotFound(err error) bool {
	return errors.Is(err, extraction.ErrNotFound)
}

// keyOf formats a numeric record key
func keyOf(id int64) string {
	return strconv.FormatInt(id, 10)
}
