package extraction

import (
	"time"

	"github.com/google/uuid"
)

// RunKind distinguishes incremental runs from historical backfills.
type RunKind string

const (
	RunKindIncremental RunKind = "incremental"
	RunKindFull        RunKind = "full"
)

// RunStatus is the lifecycle state of a RunRecord.
type RunStatus string

const (
	RunStatusRunning RunStatus = "running"
	RunStatusSuccess RunStatus = "success"
	RunStatusError   RunStatus = "error"
)

// IsTerminal reports whether the status can no longer change.
func (s RunStatus) IsTerminal() bool {
	return s == RunStatusSuccess || s == RunStatusError
}

// RunCounts are the per-entity counters of a run.
type RunCounts struct {
	InvoicesProcessed int `json:"invoices_processed"`
	InvoicesSkipped   int `json:"invoices_skipped"`
	InvoiceDuplicates int `json:"invoice_duplicates"`
	ContactsNew       int `json:"contacts_new"`
	ContactsSkipped   int `json:"contacts_skipped"`
	ProductsNew       int `json:"products_new"`
	ProductsSkipped   int `json:"products_skipped"`
	ProductsMissing   int `json:"products_missing"`
}

// Skipped returns the number of records that failed and were not persisted.
func (c RunCounts) Skipped() int {
	return c.InvoicesSkipped + c.ContactsSkipped + c.ProductsSkipped
}

// FailedRecord identifies one record skipped during a run.
type FailedRecord struct {
	Entity string `json:"entity"`
	Key    string `json:"key"`
	Reason string `json:"reason"`
}

// RunRecord is the ledger entry of one pipeline invocation.
type RunRecord struct {
	ID            uuid.UUID
	Kind          RunKind
	Status        RunStatus
	StartedAt     time.Time
	FinishedAt    *time.Time
	Window        Period
	ReferenceDate *time.Time
	Counts        RunCounts
	ErrorMessage  string
	Failed        []FailedRecord
	Periods       []Period
}

// NewRunRecord creates a running record for the given window.
func NewRunRecord(kind RunKind, window Period, now time.Time) *RunRecord {
	return &RunRecord{
		ID:        uuid.New(),
		Kind:      kind,
		Status:    RunStatusRunning,
		StartedAt: now,
		Window:    window,
	}
}

// Succeed moves the record to success, setting the watermark to reference.
func (r *RunRecord) Succeed(now, reference time.Time) {
	r.Status = RunStatusSuccess
	r.FinishedAt = &now
	ref := Day(reference)
	r.ReferenceDate = &ref
}

// Fail moves the record to error with the given message.
func (r *RunRecord) Fail(now time.Time, message string) {
	r.Status = RunStatusError
	r.FinishedAt = &now
	r.ErrorMessage = message
}

// Duration returns the wall time of a finished run.
func (r *RunRecord) Duration() time.Duration {
	if r.FinishedAt == nil {
		return 0
	}
	return r.FinishedAt.Sub(r.StartedAt)
}
