package extraction

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/erp/collector/internal/domain/extraction"
	"github.com/erp/collector/internal/infrastructure/logger"
	"github.com/erp/collector/internal/infrastructure/telemetry"
)

// invoiceStage pages through the invoices issued in period and persists each
// one in its own savepoint.
func (p *Pipeline) invoiceStage(ctx context.Context, st *runState, period extraction.Period) error {
	ctx, span := telemetry.StartServiceSpan(ctx, "pipeline", "invoices",
		telemetry.WithAttribute(telemetry.SpanAttrPeriod, period.String()))
	defer span.End()

	pager := p.Source.ListInvoices(extraction.InvoiceFilter{
		Period:       period,
		Status:       p.cfg.InvoiceStatus,
		DocumentType: p.cfg.DocumentType,
	})
	before := st.run.Counts.InvoicesProcessed
	for {
		page, ok, err := pager.Next(ctx)
		if err != nil {
			telemetry.RecordError(span, err)
			return fmt.Errorf("list invoices %s: %w", period, err)
		}
		if !ok {
			break
		}
		for _, summary := range page {
			if err := ctx.Err(); err != nil {
				return err
			}
			if _, dup := st.seenInvoices[summary.ID]; dup {
				st.run.Counts.InvoiceDuplicates++
				continue
			}
			st.seenInvoices[summary.ID] = struct{}{}

			inv, err := p.processInvoice(ctx, st, summary)
			if err != nil {
				if err := p.skip(ctx, st, entityInvoice, keyOf(summary.ID), err); err != nil {
					return err
				}
				continue
			}
			st.collect(inv)
			st.run.Counts.InvoicesProcessed++
			st.sinceCheckpoint++
			if st.sinceCheckpoint >= p.cfg.CheckpointInterval {
				if err := p.checkpoint(ctx, st); err != nil {
					return err
				}
			}
		}
	}

	written := st.run.Counts.InvoicesProcessed - before
	p.metrics.RecordWritten(ctx, entityInvoice, written)
	telemetry.SetAttributes(span, "invoices.processed", written)
	logger.L(ctx).Info("Invoice stage finished",
		zap.String("period", period.String()),
		zap.Int("processed", written),
		zap.Int("duplicates", st.run.Counts.InvoiceDuplicates),
	)
	return nil
}

func (p *Pipeline) processInvoice(ctx context.Context, st *runState, summary extraction.InvoiceSummary) (*extraction.Invoice, error) {
	detail, err := p.Source.GetInvoiceDetail(ctx, summary.ID)
	if err != nil {
		return nil, err
	}
	inv := extraction.BuildInvoice(summary, detail, p.Clock().UTC())
	inv.Items = extraction.MergeItems(inv.Items)
	if err := inv.Validate(); err != nil {
		return nil, err
	}

	err = st.batch.Isolate(ctx, func(w extraction.RecordWriter) error {
		if err := w.UpsertInvoiceHeader(ctx, inv); err != nil {
			return err
		}
		if err := w.ReplaceInvoiceItems(ctx, inv.ID, inv.Items); err != nil {
			return err
		}
		return w.ReplaceInvoicePayments(ctx, inv.ID, inv.Payments)
	})
	if err != nil {
		return nil, err
	}
	p.archive(ctx, inv, detail.Payload)
	return inv, nil
}

// archive keeps the raw detail payload; failures never affect the run
func (p *Pipeline) archive(ctx context.Context, inv *extraction.Invoice, payload []byte) {
	if p.Archive == nil || len(payload) == 0 {
		return
	}
	issued := inv.ExtractedAt
	if inv.IssuedAt != nil {
		issued = *inv.IssuedAt
	}
	if err := p.Archive.Archive(ctx, ArchiveKey(inv.ID, issued), payload); err != nil {
		logger.L(ctx).Warn("Failed to archive invoice payload", zap.Int64("invoice_id", inv.ID), zap.Error(err))
	}
}

// ArchiveKey is the object key of an invoice payload: nfe/<yyyy>/<mm>/<id>.json
func ArchiveKey(id int64, issued time.Time) string {
	return fmt.Sprintf("nfe/%04d/%02d/%d.json", issued.Year(), int(issued.Month()), id)
}

// contactStage loads the contacts referenced by this run's invoices that are
// not stored yet.
func (p *Pipeline) contactStage(ctx context.Context, st *runState) error {
	ctx, span := telemetry.StartServiceSpan(ctx, "pipeline", "contacts")
	defer span.End()

	for _, id := range st.contactIDs {
		if err := ctx.Err(); err != nil {
			return err
		}
		exists, err := st.batch.ContactExists(ctx, id)
		if err != nil {
			return fmt.Errorf("check contact %d: %w", id, err)
		}
		if exists {
			continue
		}
		if err := p.loadContact(ctx, st, id); err != nil {
			if err := p.skip(ctx, st, entityContact, keyOf(id), err); err != nil {
				return err
			}
			continue
		}
		st.run.Counts.ContactsNew++
	}
	p.metrics.RecordWritten(ctx, entityContact, st.run.Counts.ContactsNew)
	logger.L(ctx).Info("Contact stage finished",
		zap.Int("referenced", len(st.contactIDs)),
		zap.Int("new", st.run.Counts.ContactsNew),
	)
	return nil
}

func (p *Pipeline) loadContact(ctx context.Context, st *runState, id int64) error {
	contact, err := p.Source.GetContact(ctx, id)
	if err != nil {
		return err
	}
	if err := contact.Validate(); err != nil {
		return err
	}
	return st.batch.Isolate(ctx, func(w extraction.RecordWriter) error {
		return w.UpsertContact(ctx, contact)
	})
}

// productStage loads the products referenced by this run's invoice items that
// are not stored yet. Codes unknown upstream are counted as missing.
func (p *Pipeline) productStage(ctx context.Context, st *runState) error {
	ctx, span := telemetry.StartServiceSpan(ctx, "pipeline", "products")
	defer span.End()

	for _, code := range st.productCodes {
		if err := ctx.Err(); err != nil {
			return err
		}
		exists, err := st.batch.ProductExists(ctx, code)
		if err != nil {
			return fmt.Errorf("check product %q: %w", code, err)
		}
		if exists {
			continue
		}
		err = p.loadProduct(ctx, st, code)
		switch {
		case err == nil:
			st.run.Counts.ProductsNew++
		case isNotFound(err):
			st.run.Counts.ProductsMissing++
			logger.L(ctx).Info("Product not found upstream", zap.String("code", code))
		default:
			if err := p.skip(ctx, st, entityProduct, code, err); err != nil {
				return err
			}
		}
	}
	p.metrics.RecordWritten(ctx, entityProduct, st.run.Counts.ProductsNew)
	logger.L(ctx).Info("Product stage finished",
		zap.Int("referenced", len(st.productCodes)),
		zap.Int("new", st.run.Counts.ProductsNew),
		zap.Int("missing", st.run.Counts.ProductsMissing),
	)
	return nil
}

func (p *Pipeline) loadProduct(ctx context.Context, st *runState, code string) error {
	product, err := p.Source.FindProductByCode(ctx, code)
	if err != nil {
		return err
	}
	if err := product.Validate(); err != nil {
		return err
	}
	return st.batch.Isolate(ctx, func(w extraction.RecordWriter) error {
		return w.UpsertProduct(ctx, product)
	})
}
