package extraction

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// ---------------------------------------------------------------------------
// Upstream
// ---------------------------------------------------------------------------

// InvoiceFilter selects the invoices listed for one period.
type InvoiceFilter struct {
	Period       Period
	Status       int
	DocumentType int
}

// InvoicePager walks the paged invoice listing lazily.
// Next returns ok=false once the upstream returns an empty page.
type InvoicePager interface {
	Next(ctx context.Context) (page []InvoiceSummary, ok bool, err error)
}

// SourceAPI is the read-only view of the upstream ERP.
type SourceAPI interface {
	ListInvoices(filter InvoiceFilter) InvoicePager
	GetInvoiceDetail(ctx context.Context, id int64) (*InvoiceDetail, error)
	GetContact(ctx context.Context, id int64) (*Contact, error)
	// FindProductByCode returns ErrNotFound when no product carries the code.
	FindProductByCode(ctx context.Context, code string) (*Product, error)
}

// TokenEndpoint talks to the upstream OAuth2 token endpoint.
type TokenEndpoint interface {
	ExchangeCode(ctx context.Context, code string) (*TokenGrant, error)
	Refresh(ctx context.Context, refreshToken string) (*TokenGrant, error)
}

// AccessTokenSource hands out a currently valid access token.
type AccessTokenSource interface {
	ValidToken(ctx context.Context) (string, error)
}

// ---------------------------------------------------------------------------
// Storage
// ---------------------------------------------------------------------------

// TokenStore persists the singleton token pair.
type TokenStore interface {
	// Load returns ErrTokenNotFound when nothing has been stored.
	Load(ctx context.Context) (*OAuthToken, error)
	Save(ctx context.Context, token *OAuthToken) error
	// WithLock runs fn while holding an exclusive lock on the stored pair.
	// The store passed to fn reads and writes inside that lock.
	WithLock(ctx context.Context, fn func(ctx context.Context, locked TokenStore) error) error
}

// RecordWriter writes extracted records inside the current batch.
type RecordWriter interface {
	UpsertInvoiceHeader(ctx context.Context, inv *Invoice) error
	ReplaceInvoiceItems(ctx context.Context, invoiceID int64, items []InvoiceItem) error
	ReplaceInvoicePayments(ctx context.Context, invoiceID int64, payments []InvoicePayment) error
	UpsertContact(ctx context.Context, c *Contact) error
	UpsertProduct(ctx context.Context, p *Product) error
}

// Batch is an open unit of work with checkpoint and per-record isolation.
type Batch interface {
	// Isolate runs fn in a nested scope; a failure undoes only fn's writes.
	Isolate(ctx context.Context, fn func(w RecordWriter) error) error
	ContactExists(ctx context.Context, id int64) (bool, error)
	ProductExists(ctx context.Context, code string) (bool, error)
	// Checkpoint commits everything written so far and continues in a new scope.
	Checkpoint(ctx context.Context) error
	Commit(ctx context.Context) error
	Rollback(ctx context.Context) error
}

// Store opens batches.
type Store interface {
	Begin(ctx context.Context) (Batch, error)
}

// RunLedger is the append-only history of runs.
type RunLedger interface {
	RecordAttempt(ctx context.Context, run *RunRecord) error
	RecordResult(ctx context.Context, run *RunRecord) error
	// LastSuccessful returns nil when no run has succeeded yet.
	LastSuccessful(ctx context.Context) (*RunRecord, error)
	// SupersedeStale marks running records started before cutoff as errors.
	SupersedeStale(ctx context.Context, cutoff time.Time, by uuid.UUID) ([]uuid.UUID, error)
}

// ---------------------------------------------------------------------------
// Coordination
// ---------------------------------------------------------------------------

// RunLock keeps two runs from overlapping across processes.
type RunLock interface {
	// TryAcquire returns acquired=false without error when someone else holds the lock.
	TryAcquire(ctx context.Context, owner string) (release func(context.Context) error, acquired bool, err error)
}

// PayloadArchive stores raw upstream payloads.
type PayloadArchive interface {
	Archive(ctx context.Context, key string, payload []byte) error
}
