package extraction

import (
	"time"

	"github.com/shopspring/decimal"
)

// InvoiceSummary is one entry of the paged invoice listing.
type InvoiceSummary struct {
	ID       int64
	Number   string
	IssuedAt *time.Time
	Status   int
	Contact  ContactSnapshot
}

// ContactSnapshot is the contact data denormalized onto an invoice header.
type ContactSnapshot struct {
	ID       int64
	Name     string
	Document string
	City     string
	State    string
}

// InvoiceDetail is the full upstream document for one invoice.
type InvoiceDetail struct {
	ID           int64
	InvoiceTotal decimal.Decimal
	ContactID    int64
	Items        []InvoiceItem
	Payments     []InvoicePayment
	// Payload is the raw upstream body, kept for archiving.
	Payload []byte
}

// Invoice is a sales invoice header with its items and payments.
type Invoice struct {
	ID              int64 `validate:"gt=0"`
	Number          string
	IssuedAt        *time.Time
	Status          int
	ContactID       int64
	ContactName     string `validate:"max=255"`
	ContactDocument string `validate:"max=20"`
	ContactCity     string `validate:"max=100"`
	ContactState    string `validate:"max=2"`
	TotalProducts   decimal.Decimal
	TotalInvoice    decimal.Decimal
	TotalDiscount   decimal.Decimal
	ExtractedAt     time.Time

	Items    []InvoiceItem    `validate:"dive"`
	Payments []InvoicePayment `validate:"dive"`
}

// InvoiceItem is one line of an invoice. Service and freight lines carry no
// product code; they are stored with a NULL code.
type InvoiceItem struct {
	InvoiceID   int64
	ProductCode string `validate:"max=60"`
	Description string
	Quantity    decimal.Decimal
	UnitValue   decimal.Decimal
	TotalValue  decimal.Decimal
	Discount    decimal.Decimal
	Unit        string `validate:"max=10"`
}

// InvoicePayment is one installment of an invoice.
type InvoicePayment struct {
	InvoiceID   int64
	PaymentType string `validate:"max=50"`
	Amount      decimal.Decimal
}

// BuildInvoice assembles an invoice from its listing entry and its detail.
// Header totals are derived from the detail: the product total is the sum of
// item totals and the discount is whatever the invoice total falls short of it.
// Items are returned as received; callers merge them before writing.
func BuildInvoice(summary InvoiceSummary, detail *InvoiceDetail, extractedAt time.Time) *Invoice {
	inv := &Invoice{
		ID:              summary.ID,
		Number:          summary.Number,
		IssuedAt:        summary.IssuedAt,
		Status:          summary.Status,
		ContactID:       summary.Contact.ID,
		ContactName:     summary.Contact.Name,
		ContactDocument: summary.Contact.Document,
		ContactCity:     summary.Contact.City,
		ContactState:    summary.Contact.State,
		TotalProducts:   decimal.Zero,
		TotalDiscount:   decimal.Zero,
		ExtractedAt:     extractedAt,
	}
	if detail == nil {
		return inv
	}
	if detail.ContactID != 0 {
		inv.ContactID = detail.ContactID
	}

	inv.Items = make([]InvoiceItem, 0, len(detail.Items))
	for _, item := range detail.Items {
		item.InvoiceID = inv.ID
		inv.TotalProducts = inv.TotalProducts.Add(item.TotalValue)
		inv.Items = append(inv.Items, item)
	}
	inv.Payments = make([]InvoicePayment, 0, len(detail.Payments))
	for _, p := range detail.Payments {
		p.InvoiceID = inv.ID
		inv.Payments = append(inv.Payments, p)
	}

	inv.TotalInvoice = detail.InvoiceTotal
	if diff := inv.TotalProducts.Sub(inv.TotalInvoice); diff.IsPositive() {
		inv.TotalDiscount = diff
	}
	return inv
}

// ProductCodes returns the distinct product codes of the invoice items in first-seen order.
func (i *Invoice) ProductCodes() []string {
	seen := make(map[string]struct{}, len(i.Items))
	codes := make([]string, 0, len(i.Items))
	for _, item := range i.Items {
		if item.ProductCode == "" {
			continue
		}
		if _, ok := seen[item.ProductCode]; ok {
			continue
		}
		seen[item.ProductCode] = struct{}{}
		codes = append(codes, item.ProductCode)
	}
	return codes
}
