package extraction

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/erp/collector/internal/domain/extraction"
)

// ---------------------------------------------------------------------------
// In-memory store with savepoint and checkpoint semantics
// ---------------------------------------------------------------------------

type memData struct {
	invoices map[int64]extraction.Invoice
	items    map[int64][]extraction.InvoiceItem
	payments map[int64][]extraction.InvoicePayment
	contacts map[int64]extraction.Contact
	products map[string]extraction.Product
}

func newMemData() memData {
	return memData{
		invoices: map[int64]extraction.Invoice{},
		items:    map[int64][]extraction.InvoiceItem{},
		payments: map[int64][]extraction.InvoicePayment{},
		contacts: map[int64]extraction.Contact{},
		products: map[string]extraction.Product{},
	}
}

func (d memData) clone() memData {
	c := newMemData()
	for k, v := range d.invoices {
		c.invoices[k] = v
	}
	for k, v := range d.items {
		c.items[k] = v
	}
	for k, v := range d.payments {
		c.payments[k] = v
	}
	for k, v := range d.contacts {
		c.contacts[k] = v
	}
	for k, v := range d.products {
		c.products[k] = v
	}
	return c
}

func (d memData) itemCount() int {
	n := 0
	for _, items := range d.items {
		n += len(items)
	}
	return n
}

type memStore struct {
	mu            sync.Mutex
	committed     memData
	failInvoices  map[int64]bool
	checkpointErr error
	begins        int
	checkpoints   int
}

func newMemStore() *memStore {
	return &memStore{committed: newMemData(), failInvoices: map[int64]bool{}}
}

func (s *memStore) snapshot() memData {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.committed.clone()
}

func (s *memStore) Begin(context.Context) (extraction.Batch, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.begins++
	return &memBatch{store: s, pending: s.committed.clone()}, nil
}

type memBatch struct {
	store   *memStore
	pending memData
	closed  bool
}

func (b *memBatch) Isolate(_ context.Context, fn func(w extraction.RecordWriter) error) error {
	if b.closed {
		return errors.New("batch closed")
	}
	scratch := b.pending.clone()
	if err := fn(&memWriter{data: scratch, store: b.store}); err != nil {
		if errors.Is(err, extraction.ErrValidation) {
			return err
		}
		return fmt.Errorf("%w: %w", extraction.ErrPersistence, err)
	}
	b.pending = scratch
	return nil
}

func (b *memBatch) ContactExists(_ context.Context, id int64) (bool, error) {
	_, ok := b.pending.contacts[id]
	return ok, nil
}

func (b *memBatch) ProductExists(_ context.Context, code string) (bool, error) {
	_, ok := b.pending.products[code]
	return ok, nil
}

func (b *memBatch) Checkpoint(context.Context) error {
	b.store.mu.Lock()
	defer b.store.mu.Unlock()
	if b.store.checkpointErr != nil {
		b.closed = true
		return fmt.Errorf("%w: %w", extraction.ErrCheckpointFailed, b.store.checkpointErr)
	}
	b.store.committed = b.pending.clone()
	b.store.checkpoints++
	return nil
}

func (b *memBatch) Commit(context.Context) error {
	b.store.mu.Lock()
	defer b.store.mu.Unlock()
	b.store.committed = b.pending.clone()
	b.closed = true
	return nil
}

func (b *memBatch) Rollback(context.Context) error {
	b.closed = true
	return nil
}

type memWriter struct {
	data  memData
	store *memStore
}

func (w *memWriter) UpsertInvoiceHeader(_ context.Context, inv *extraction.Invoice) error {
	if w.store.failInvoices[inv.ID] {
		return errors.New("duplicate key value violates unique constraint")
	}
	w.data.invoices[inv.ID] = *inv
	return nil
}

func (w *memWriter) ReplaceInvoiceItems(_ context.Context, id int64, items []extraction.InvoiceItem) error {
	w.data.items[id] = append([]extraction.InvoiceItem(nil), items...)
	return nil
}

func (w *memWriter) ReplaceInvoicePayments(_ context.Context, id int64, payments []extraction.InvoicePayment) error {
	w.data.payments[id] = append([]extraction.InvoicePayment(nil), payments...)
	return nil
}

func (w *memWriter) UpsertContact(_ context.Context, c *extraction.Contact) error {
	w.data.contacts[c.ID] = *c
	return nil
}

func (w *memWriter) UpsertProduct(_ context.Context, p *extraction.Product) error {
	w.data.products[p.Code] = *p
	return nil
}

// ---------------------------------------------------------------------------
// Upstream fake
// ---------------------------------------------------------------------------

type fakeSource struct {
	mu          sync.Mutex
	pages       map[string][][]extraction.InvoiceSummary
	details     map[int64]*extraction.InvoiceDetail
	detailErr   map[int64]error
	contactErr  map[int64]error
	missing     map[string]bool
	productErr  map[string]error
	filters     []extraction.InvoiceFilter
	detailCalls map[int64]int
	contactHits []int64
	productHits []string
}

func newFakeSource() *fakeSource {
	return &fakeSource{
		pages:       map[string][][]extraction.InvoiceSummary{},
		details:     map[int64]*extraction.InvoiceDetail{},
		detailErr:   map[int64]error{},
		contactErr:  map[int64]error{},
		missing:     map[string]bool{},
		productErr:  map[string]error{},
		detailCalls: map[int64]int{},
	}
}

// summaries builds invoice summaries for ids
func summaries(ids ...int64) []extraction.InvoiceSummary {
	out := make([]extraction.InvoiceSummary, 0, len(ids))
	for _, id := range ids {
		out = append(out, extraction.InvoiceSummary{
			ID:      id,
			Number:  fmt.Sprintf("NF-%d", id),
			Status:  5,
			Contact: extraction.ContactSnapshot{ID: contactFor(id), Name: "Cliente", State: "SP"},
		})
	}
	return out
}

func idRange(from, to int64) []int64 {
	ids := make([]int64, 0, to-from+1)
	for id := from; id <= to; id++ {
		ids = append(ids, id)
	}
	return ids
}

func contactFor(id int64) int64 { return 1000 + id%3 }

func codeFor(id int64) string { return fmt.Sprintf("SKU-%d", id%4) }

func (s *fakeSource) setPages(period extraction.Period, pages ...[]extraction.InvoiceSummary) {
	s.pages[period.String()] = pages
}

func (s *fakeSource) ListInvoices(filter extraction.InvoiceFilter) extraction.InvoicePager {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.filters = append(s.filters, filter)
	return &fakePager{pages: s.pages[filter.Period.String()]}
}

func (s *fakeSource) GetInvoiceDetail(_ context.Context, id int64) (*extraction.InvoiceDetail, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.detailCalls[id]++
	if err := s.detailErr[id]; err != nil {
		return nil, err
	}
	if d, ok := s.details[id]; ok {
		return d, nil
	}
	ten := decimal.NewFromInt(10)
	return &extraction.InvoiceDetail{
		ID:           id,
		InvoiceTotal: decimal.NewFromInt(20),
		ContactID:    contactFor(id),
		Items: []extraction.InvoiceItem{
			{ProductCode: codeFor(id), Quantity: decimal.NewFromInt(1), UnitValue: ten, TotalValue: ten},
			{ProductCode: codeFor(id), Quantity: decimal.NewFromInt(1), UnitValue: ten, TotalValue: ten},
		},
		Payments: []extraction.InvoicePayment{{PaymentType: "15", Amount: decimal.NewFromInt(20)}},
		Payload:  []byte(fmt.Sprintf(`{"data":{"id":%d}}`, id)),
	}, nil
}

func (s *fakeSource) GetContact(_ context.Context, id int64) (*extraction.Contact, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.contactHits = append(s.contactHits, id)
	if err := s.contactErr[id]; err != nil {
		return nil, err
	}
	return &extraction.Contact{ID: id, Name: fmt.Sprintf("Contato %d", id), PersonType: extraction.PersonTypeCompany}, nil
}

func (s *fakeSource) FindProductByCode(_ context.Context, code string) (*extraction.Product, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.productHits = append(s.productHits, code)
	if err := s.productErr[code]; err != nil {
		return nil, err
	}
	if s.missing[code] {
		return nil, fmt.Errorf("%w: product %q", extraction.ErrNotFound, code)
	}
	return &extraction.Product{ID: int64(len(s.productHits)), Code: code, Name: "Produto " + code}, nil
}

type fakePager struct {
	pages [][]extraction.InvoiceSummary
	next  int
}

func (p *fakePager) Next(context.Context) ([]extraction.InvoiceSummary, bool, error) {
	if p.next >= len(p.pages) {
		return nil, false, nil
	}
	page := p.pages[p.next]
	p.next++
	if len(page) == 0 {
		p.next = len(p.pages)
		return nil, false, nil
	}
	return page, true, nil
}

// ---------------------------------------------------------------------------
// Ledger, tokens, lock and archive fakes
// ---------------------------------------------------------------------------

type memLedger struct {
	mu       sync.Mutex
	records  map[uuid.UUID]extraction.RunRecord
	attempts []uuid.UUID
}

func newMemLedger() *memLedger {
	return &memLedger{records: map[uuid.UUID]extraction.RunRecord{}}
}

func (l *memLedger) RecordAttempt(_ context.Context, run *extraction.RunRecord) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.records[run.ID] = *run
	l.attempts = append(l.attempts, run.ID)
	return nil
}

func (l *memLedger) RecordResult(_ context.Context, run *extraction.RunRecord) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	existing, ok := l.records[run.ID]
	if !ok || existing.Status != extraction.RunStatusRunning {
		return errors.New("run is not running")
	}
	l.records[run.ID] = *run
	return nil
}

func (l *memLedger) LastSuccessful(context.Context) (*extraction.RunRecord, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	var best *extraction.RunRecord
	for _, r := range l.records {
		if r.Status != extraction.RunStatusSuccess || r.ReferenceDate == nil {
			continue
		}
		if best == nil || r.ReferenceDate.After(*best.ReferenceDate) {
			rec := r
			best = &rec
		}
	}
	return best, nil
}

func (l *memLedger) SupersedeStale(_ context.Context, cutoff time.Time, by uuid.UUID) ([]uuid.UUID, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	var ids []uuid.UUID
	for id, r := range l.records {
		if r.Status == extraction.RunStatusRunning && r.StartedAt.Before(cutoff) {
			r.Fail(cutoff, "superseded by run "+by.String())
			l.records[id] = r
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i].String() < ids[j].String() })
	return ids, nil
}

func (l *memLedger) get(id uuid.UUID) extraction.RunRecord {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.records[id]
}

type staticTokens struct {
	err error
}

func (s staticTokens) ValidToken(context.Context) (string, error) {
	if s.err != nil {
		return "", s.err
	}
	return "access", nil
}

type fakeLock struct {
	held     bool
	acquired int
	released int
}

func (l *fakeLock) TryAcquire(context.Context, string) (func(context.Context) error, bool, error) {
	if l.held {
		return nil, false, nil
	}
	l.held = true
	l.acquired++
	return func(context.Context) error {
		l.held = false
		l.released++
		return nil
	}, true, nil
}

type fakeArchive struct {
	mu   sync.Mutex
	keys []string
	err  error
}

func (a *fakeArchive) Archive(_ context.Context, key string, _ []byte) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.keys = append(a.keys, key)
	return a.err
}
