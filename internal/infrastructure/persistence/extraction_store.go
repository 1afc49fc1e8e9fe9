package persistence

import (
	"context"
	"errors"
	"fmt"

	"github.com/erp/collector/internal/domain/extraction"
	"github.com/erp/collector/internal/infrastructure/persistence/models"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// GormExtractionStore implements extraction.Store.
// A batch is one enclosing transaction; Isolate nests a savepoint inside it and
// Checkpoint commits and reopens it.
type GormExtractionStore struct {
	db *gorm.DB
}

// NewGormExtractionStore creates a new GormExtractionStore
func NewGormExtractionStore(db *gorm.DB) *GormExtractionStore {
	return &GormExtractionStore{db: db}
}

// Begin opens the enclosing transaction of a new batch
func (s *GormExtractionStore) Begin(ctx context.Context) (extraction.Batch, error) {
	tx := s.db.WithContext(ctx).Begin()
	if tx.Error != nil {
		return nil, fmt.Errorf("%w: begin: %w", extraction.ErrPersistence, tx.Error)
	}
	return &gormBatch{db: s.db, tx: tx}, nil
}

type gormBatch struct {
	db     *gorm.DB
	tx     *gorm.DB
	closed bool
}

var errBatchClosed = errors.New("persistence: batch already committed or rolled back")

// Isolate runs fn under a savepoint. A failing fn is rolled back to the
// savepoint and the rest of the batch stays intact.
func (b *gormBatch) Isolate(ctx context.Context, fn func(w extraction.RecordWriter) error) error {
	if b.closed {
		return errBatchClosed
	}
	err := b.tx.WithContext(ctx).Transaction(func(sp *gorm.DB) error {
		return fn(&gormRecordWriter{db: sp})
	})
	switch {
	case err == nil:
		return nil
	case errors.Is(err, extraction.ErrValidation), errors.Is(err, extraction.ErrPersistence):
		return err
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return err
	default:
		return fmt.Errorf("%w: %w", extraction.ErrPersistence, err)
	}
}

func (b *gormBatch) ContactExists(ctx context.Context, id int64) (bool, error) {
	return b.exists(ctx, &models.ContactModel{}, "id = ?", id)
}

func (b *gormBatch) ProductExists(ctx context.Context, code string) (bool, error) {
	return b.exists(ctx, &models.ProductModel{}, "codigo = ?", code)
}

func (b *gormBatch) exists(ctx context.Context, model any, query string, arg any) (bool, error) {
	if b.closed {
		return false, errBatchClosed
	}
	var count int64
	if err := b.tx.WithContext(ctx).Model(model).Where(query, arg).Limit(1).Count(&count).Error; err != nil {
		return false, fmt.Errorf("%w: existence check: %w", extraction.ErrPersistence, err)
	}
	return count > 0, nil
}

// Checkpoint commits the enclosing transaction and starts a new one.
// A failed commit leaves the batch closed.
func (b *gormBatch) Checkpoint(ctx context.Context) error {
	if b.closed {
		return errBatchClosed
	}
	if err := b.tx.Commit().Error; err != nil {
		b.closed = true
		return fmt.Errorf("%w: %w", extraction.ErrCheckpointFailed, err)
	}
	tx := b.db.WithContext(ctx).Begin()
	if tx.Error != nil {
		b.closed = true
		return fmt.Errorf("%w: reopen: %w", extraction.ErrCheckpointFailed, tx.Error)
	}
	b.tx = tx
	return nil
}

func (b *gormBatch) Commit(ctx context.Context) error {
	if b.closed {
		return errBatchClosed
	}
	b.closed = true
	if err := b.tx.Commit().Error; err != nil {
		return fmt.Errorf("%w: %w", extraction.ErrCheckpointFailed, err)
	}
	return nil
}

// Rollback discards everything since the last checkpoint. It is a no-op on a closed batch.
func (b *gormBatch) Rollback(ctx context.Context) error {
	if b.closed {
		return nil
	}
	b.closed = true
	if err := b.tx.Rollback().Error; err != nil && !errors.Is(err, gorm.ErrInvalidTransaction) {
		return fmt.Errorf("rollback batch: %w", err)
	}
	return nil
}

// gormRecordWriter writes records through the savepoint-scoped handle
type gormRecordWriter struct {
	db *gorm.DB
}

func (w *gormRecordWriter) UpsertInvoiceHeader(ctx context.Context, inv *extraction.Invoice) error {
	m := models.InvoiceHeaderModelFromDomain(inv)
	return w.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "id"}},
			UpdateAll: true,
		}).
		Create(m).Error
}

// ReplaceInvoiceItems deletes the stored items of the invoice and inserts the new set
func (w *gormRecordWriter) ReplaceInvoiceItems(ctx context.Context, invoiceID int64, items []extraction.InvoiceItem) error {
	db := w.db.WithContext(ctx)
	if err := db.Where("nfe_id = ?", invoiceID).Delete(&models.InvoiceItemModel{}).Error; err != nil {
		return err
	}
	if len(items) == 0 {
		return nil
	}
	rows := make([]models.InvoiceItemModel, len(items))
	for i, item := range items {
		item.InvoiceID = invoiceID
		rows[i] = models.InvoiceItemModelFromDomain(item)
	}
	return db.Create(&rows).Error
}

// ReplaceInvoicePayments deletes the stored payments of the invoice and inserts the new set
func (w *gormRecordWriter) ReplaceInvoicePayments(ctx context.Context, invoiceID int64, payments []extraction.InvoicePayment) error {
	db := w.db.WithContext(ctx)
	if err := db.Where("nfe_id = ?", invoiceID).Delete(&models.InvoicePaymentModel{}).Error; err != nil {
		return err
	}
	if len(payments) == 0 {
		return nil
	}
	rows := make([]models.InvoicePaymentModel, len(payments))
	for i, p := range payments {
		p.InvoiceID = invoiceID
		rows[i] = models.InvoicePaymentModelFromDomain(p)
	}
	return db.Create(&rows).Error
}

func (w *gormRecordWriter) UpsertContact(ctx context.Context, c *extraction.Contact) error {
	return w.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "id"}},
			UpdateAll: true,
		}).
		Create(models.ContactModelFromDomain(c)).Error
}

func (w *gormRecordWriter) UpsertProduct(ctx context.Context, p *extraction.Product) error {
	return w.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "id"}},
			UpdateAll: true,
		}).
		Create(models.ProductModelFromDomain(p)).Error
}
