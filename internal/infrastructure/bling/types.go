package bling

import (
	"bytes"
	"encoding/json"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/erp/collector/internal/domain/extraction"
)

// timestampLayout is the upstream's local timestamp format
const timestampLayout = "2006-01-02 15:04:05"

// flexInt accepts a JSON number, a numeric string or null.
// Anything unparsable decodes to zero.
type flexInt int64

func (f *flexInt) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || bytes.Equal(b, []byte("null")) {
		*f = 0
		return nil
	}
	s := strings.Trim(string(b), `"`)
	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		*f = flexInt(n)
		return nil
	}
	if v, err := strconv.ParseFloat(s, 64); err == nil {
		*f = flexInt(int64(v))
		return nil
	}
	*f = 0
	return nil
}

// flexDecimal accepts a JSON number, a numeric string or null.
type flexDecimal struct {
	decimal.Decimal
}

func (f *flexDecimal) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	s := strings.Trim(string(b), `"`)
	if s == "" || s == "null" {
		f.Decimal = decimal.Zero
		return nil
	}
	d, err := decimal.NewFromString(strings.ReplaceAll(s, ",", "."))
	if err != nil {
		f.Decimal = decimal.Zero
		return nil
	}
	f.Decimal = d
	return nil
}

type idRef struct {
	ID flexInt `json:"id"`
}

// Envelopes

type invoiceListResponse struct {
	Data []invoiceListItem `json:"data"`
}

type invoiceDetailResponse struct {
	Data invoiceDetailData `json:"data"`
}

type contactResponse struct {
	Data contactData `json:"data"`
}

type productListResponse struct {
	Data []productData `json:"data"`
}

// Invoice listing

type invoiceListItem struct {
	ID       flexInt          `json:"id"`
	Number   string           `json:"numero"`
	IssuedAt string           `json:"dataEmissao"`
	Status   flexInt          `json:"situacao"`
	Contact  invoiceContactV3 `json:"contato"`
}

type invoiceContactV3 struct {
	ID       flexInt `json:"id"`
	Name     string  `json:"nome"`
	Document string  `json:"numeroDocumento"`
	Address  struct {
		City  string `json:"municipio"`
		State string `json:"uf"`
	} `json:"endereco"`
}

func (it invoiceListItem) toDomain(loc *time.Location) extraction.InvoiceSummary {
	return extraction.InvoiceSummary{
		ID:       int64(it.ID),
		Number:   it.Number,
		IssuedAt: parseTimestamp(it.IssuedAt, loc),
		Status:   int(it.Status),
		Contact: extraction.ContactSnapshot{
			ID:       int64(it.Contact.ID),
			Name:     it.Contact.Name,
			Document: it.Contact.Document,
			City:     it.Contact.Address.City,
			State:    it.Contact.Address.State,
		},
	}
}

// Invoice detail

type invoiceDetailData struct {
	ID           flexInt           `json:"id"`
	InvoiceTotal flexDecimal       `json:"valorNota"`
	Contact      idRef             `json:"contato"`
	Items        []invoiceItemData `json:"itens"`
	Installments []installmentData `json:"parcelas"`
}

type invoiceItemData struct {
	Code        string      `json:"codigo"`
	Description string      `json:"descricao"`
	Unit        string      `json:"unidade"`
	Quantity    flexDecimal `json:"quantidade"`
	UnitValue   flexDecimal `json:"valor"`
	TotalValue  flexDecimal `json:"valorTotal"`
	Discount    flexDecimal `json:"desconto"`
}

type installmentData struct {
	Amount        flexDecimal `json:"valor"`
	PaymentMethod struct {
		ID          flexInt `json:"id"`
		Description string  `json:"descricao"`
	} `json:"formaPagamento"`
}

func (d invoiceDetailData) toDomain(id int64, payload []byte) *extraction.InvoiceDetail {
	detail := &extraction.InvoiceDetail{
		ID:           id,
		InvoiceTotal: d.InvoiceTotal.Decimal,
		ContactID:    int64(d.Contact.ID),
		Items:        make([]extraction.InvoiceItem, 0, len(d.Items)),
		Payments:     make([]extraction.InvoicePayment, 0, len(d.Installments)),
		Payload:      payload,
	}
	for _, it := range d.Items {
		total := it.TotalValue.Decimal
		if total.IsZero() && !it.UnitValue.IsZero() {
			total = it.UnitValue.Mul(it.Quantity.Decimal)
		}
		detail.Items = append(detail.Items, extraction.InvoiceItem{
			InvoiceID:   id,
			ProductCode: strings.TrimSpace(it.Code),
			Description: it.Description,
			Quantity:    it.Quantity.Decimal,
			UnitValue:   it.UnitValue.Decimal,
			TotalValue:  total,
			Discount:    it.Discount.Decimal,
			Unit:        it.Unit,
		})
	}
	for _, p := range d.Installments {
		paymentType := p.PaymentMethod.Description
		if paymentType == "" && p.PaymentMethod.ID != 0 {
			paymentType = strconv.FormatInt(int64(p.PaymentMethod.ID), 10)
		}
		detail.Payments = append(detail.Payments, extraction.InvoicePayment{
			InvoiceID:   id,
			PaymentType: paymentType,
			Amount:      p.Amount.Decimal,
		})
	}
	return detail
}

// Contacts

type contactData struct {
	ID         flexInt `json:"id"`
	Name       string  `json:"nome"`
	Document   string  `json:"numeroDocumento"`
	Email      string  `json:"email"`
	PersonType string  `json:"tipo"`
	Address    struct {
		General struct {
			City  string `json:"municipio"`
			State string `json:"uf"`
		} `json:"geral"`
	} `json:"endereco"`
}

func (c contactData) toDomain(extractedAt time.Time) *extraction.Contact {
	return &extraction.Contact{
		ID:          int64(c.ID),
		Name:        c.Name,
		Document:    c.Document,
		Email:       c.Email,
		PersonType:  strings.ToUpper(strings.TrimSpace(c.PersonType)),
		City:        c.Address.General.City,
		State:       c.Address.General.State,
		ExtractedAt: extractedAt,
	}
}

// Products

type productData struct {
	ID        flexInt     `json:"id"`
	Code      string      `json:"codigo"`
	Name      string      `json:"nome"`
	SalePrice flexDecimal `json:"preco"`
	Category  struct {
		ID          flexInt `json:"id"`
		Description string  `json:"descricao"`
	} `json:"categoria"`
	Supplier struct {
		CostPrice flexDecimal `json:"precoCusto"`
	} `json:"fornecedor"`
}

func (p productData) toDomain(extractedAt time.Time) *extraction.Product {
	return &extraction.Product{
		ID:                  int64(p.ID),
		Code:                p.Code,
		Name:                p.Name,
		SalePrice:           p.SalePrice.Decimal,
		CostPrice:           p.Supplier.CostPrice.Decimal,
		CategoryID:          int64(p.Category.ID),
		CategoryDescription: p.Category.Description,
		ExtractedAt:         extractedAt,
	}
}

// OAuth

type tokenResponse struct {
	AccessToken  string  `json:"access_token"`
	RefreshToken string  `json:"refresh_token"`
	TokenType    string  `json:"token_type"`
	ExpiresIn    flexInt `json:"expires_in"`
}

func (t tokenResponse) toDomain() *extraction.TokenGrant {
	return &extraction.TokenGrant{
		AccessToken:  t.AccessToken,
		RefreshToken: t.RefreshToken,
		TokenType:    t.TokenType,
		ExpiresIn:    time.Duration(t.ExpiresIn) * time.Second,
	}
}

// oauthError is the RFC 6749 error body
type oauthError struct {
	Code        string `json:"error"`
	Description string `json:"error_description"`
}

// apiError is the body the REST endpoints return on failures
type apiError struct {
	Error struct {
		Type        string `json:"type"`
		Message     string `json:"message"`
		Description string `json:"description"`
	} `json:"error"`
}

func (e apiError) message() string {
	switch {
	case e.Error.Description != "":
		return e.Error.Description
	case e.Error.Message != "":
		return e.Error.Message
	default:
		return e.Error.Type
	}
}

func parseTimestamp(raw string, loc *time.Location) *time.Time {
	raw = strings.TrimSpace(raw)
	if raw == "" || strings.HasPrefix(raw, "0000-00-00") {
		return nil
	}
	for _, layout := range []string{timestampLayout, extraction.DateLayout, time.RFC3339} {
		if t, err := time.ParseInLocation(layout, raw, loc); err == nil {
			return &t
		}
	}
	return nil
}

func decodeJSON(body []byte, v any) error {
	return json.Unmarshal(body, v)
}
