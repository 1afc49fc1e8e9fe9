package extraction

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuildInvoice(t *testing.T) {
	now := time.Date(2024, 1, 2, 10, 0, 0, 0, time.UTC)
	summary := InvoiceSummary{
		ID:     99,
		Number: "000123",
		Status: 5,
		Contact: ContactSnapshot{
			ID: 7, Name: "ACME LTDA", Document: "12345678000190", City: "Curitiba", State: "PR",
		},
	}

	t.Run("derives totals from detail", func(t *testing.T) {
		detail := &InvoiceDetail{
			ID:           99,
			InvoiceTotal: dec("90"),
			Items: []InvoiceItem{
				{ProductCode: "A", Quantity: dec("1"), TotalValue: dec("60")},
				{ProductCode: "B", Quantity: dec("2"), TotalValue: dec("40")},
			},
			Payments: []InvoicePayment{{PaymentType: "1", Amount: dec("90")}},
		}

		inv := BuildInvoice(summary, detail, now)

		assert.True(t, dec("100").Equal(inv.TotalProducts))
		assert.True(t, dec("90").Equal(inv.TotalInvoice))
		assert.True(t, dec("10").Equal(inv.TotalDiscount))
		require.Len(t, inv.Items, 2)
		assert.Equal(t, int64(99), inv.Items[0].InvoiceID)
		assert.Equal(t, int64(99), inv.Payments[0].InvoiceID)
		assert.Equal(t, int64(7), inv.ContactID)
		assert.Equal(t, now, inv.ExtractedAt)
	})

	t.Run("no negative discount", func(t *testing.T) {
		detail := &InvoiceDetail{
			InvoiceTotal: dec("120"),
			Items:        []InvoiceItem{{ProductCode: "A", TotalValue: dec("100")}},
		}
		inv := BuildInvoice(summary, detail, now)
		assert.True(t, inv.TotalDiscount.IsZero())
	})

	t.Run("detail contact wins", func(t *testing.T) {
		inv := BuildInvoice(summary, &InvoiceDetail{ContactID: 8}, now)
		assert.Equal(t, int64(8), inv.ContactID)
	})
}

func TestInvoice_ProductCodes(t *testing.T) {
	inv := &Invoice{Items: []InvoiceItem{
		{ProductCode: "B"}, {ProductCode: "A"}, {ProductCode: "B"}, {ProductCode: ""},
	}}
	assert.Equal(t, []string{"B", "A"}, inv.ProductCodes())
}

func TestInvoice_Validate(t *testing.T) {
	t.Run("valid", func(t *testing.T) {
		inv := &Invoice{ID: 1, ContactState: "SP", Items: []InvoiceItem{{ProductCode: "A"}}}
		assert.NoError(t, inv.Validate())
	})

	t.Run("service line without code", func(t *testing.T) {
		inv := &Invoice{ID: 1, Items: []InvoiceItem{{ProductCode: "A"}, {Description: "Frete"}}}
		assert.NoError(t, inv.Validate())
	})

	t.Run("oversized unit", func(t *testing.T) {
		inv := &Invoice{ID: 1, Items: []InvoiceItem{{ProductCode: "A", Unit: "CAIXA COM 12"}}}
		err := inv.Validate()
		require.Error(t, err)
		assert.ErrorIs(t, err, ErrValidation)

		var verr *ValidationError
		require.ErrorAs(t, err, &verr)
		assert.Equal(t, "invoice", verr.Entity)
		assert.Equal(t, "1", verr.Key)
		assert.Contains(t, verr.Fields[0], "Unit")
	})

	t.Run("missing id", func(t *testing.T) {
		assert.ErrorIs(t, (&Invoice{}).Validate(), ErrValidation)
	})
}

func TestContactAndProduct_Validate(t *testing.T) {
	assert.NoError(t, (&Contact{ID: 3, PersonType: PersonTypeCompany}).Validate())
	assert.ErrorIs(t, (&Contact{ID: 3, PersonType: "X"}).Validate(), ErrValidation)
	assert.NoError(t, (&Product{ID: 4, Code: "P-1"}).Validate())
	assert.ErrorIs(t, (&Product{ID: 4}).Validate(), ErrValidation)
}
