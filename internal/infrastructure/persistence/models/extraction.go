package models

import (
	"encoding/json"
	"time"

	"github.com/erp/collector/internal/domain/extraction"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/datatypes"
)

// TokenSingletonID is the primary key of the only oauth_tokens row.
const TokenSingletonID = 1

// TokenModel is the persistence model for the OAuth token pair
type TokenModel struct {
	ID           int       `gorm:"primaryKey;autoIncrement:false"`
	AccessToken  string    `gorm:"type:text;not null"`
	RefreshToken string    `gorm:"type:text;not null"`
	TokenType    string    `gorm:"type:varchar(50);not null;default:Bearer"`
	ExpiresAt    time.Time `gorm:"not null"`
	UpdatedAt    time.Time `gorm:"not null"`
}

// TableName returns the table name for GORM
func (TokenModel) TableName() string {
	return "oauth_tokens"
}

// ToDomain converts the persistence model to a domain OAuthToken
func (m *TokenModel) ToDomain() *extraction.OAuthToken {
	return &extraction.OAuthToken{
		AccessToken:  m.AccessToken,
		RefreshToken: m.RefreshToken,
		TokenType:    m.TokenType,
		ExpiresAt:    m.ExpiresAt,
		UpdatedAt:    m.UpdatedAt,
	}
}

// TokenModelFromDomain builds the singleton row from a domain token
func TokenModelFromDomain(t *extraction.OAuthToken) *TokenModel {
	return &TokenModel{
		ID:           TokenSingletonID,
		AccessToken:  t.AccessToken,
		RefreshToken: t.RefreshToken,
		TokenType:    t.TokenType,
		ExpiresAt:    t.ExpiresAt,
		UpdatedAt:    t.UpdatedAt,
	}
}

// InvoiceHeaderModel is the persistence model for invoice headers
type InvoiceHeaderModel struct {
	ID               int64           `gorm:"primaryKey;autoIncrement:false"`
	Numero           string          `gorm:"type:varchar(20)"`
	DataEmissao      *time.Time      `gorm:"index"`
	Situacao         int             `gorm:"not null;default:0"`
	ContatoID        *int64          `gorm:"index"`
	ContatoNome      string          `gorm:"type:varchar(255)"`
	ContatoDocumento string          `gorm:"type:varchar(20)"`
	ContatoMunicipio string          `gorm:"type:varchar(100)"`
	ContatoUF        string          `gorm:"column:contato_uf;type:varchar(2)"`
	TotalProdutos    decimal.Decimal `gorm:"type:decimal(18,4);not null;default:0"`
	TotalNota        decimal.Decimal `gorm:"type:decimal(18,4);not null;default:0"`
	TotalDescontos   decimal.Decimal `gorm:"type:decimal(18,4);not null;default:0"`
	ExtraidoEm       time.Time       `gorm:"not null"`
}

// TableName returns the table name for GORM
func (InvoiceHeaderModel) TableName() string {
	return "nfe_cabecalho"
}

// InvoiceHeaderModelFromDomain maps the header fields of an invoice
func InvoiceHeaderModelFromDomain(inv *extraction.Invoice) *InvoiceHeaderModel {
	m := &InvoiceHeaderModel{
		ID:               inv.ID,
		Numero:           inv.Number,
		DataEmissao:      inv.IssuedAt,
		Situacao:         inv.Status,
		ContatoNome:      inv.ContactName,
		ContatoDocumento: inv.ContactDocument,
		ContatoMunicipio: inv.ContactCity,
		ContatoUF:        inv.ContactState,
		TotalProdutos:    inv.TotalProducts,
		TotalNota:        inv.TotalInvoice,
		TotalDescontos:   inv.TotalDiscount,
		ExtraidoEm:       inv.ExtractedAt,
	}
	if inv.ContactID != 0 {
		id := inv.ContactID
		m.ContatoID = &id
	}
	return m
}

// ToDomain converts the header back to a domain Invoice without items or payments
func (m *InvoiceHeaderModel) ToDomain() *extraction.Invoice {
	inv := &extraction.Invoice{
		ID:              m.ID,
		Number:          m.Numero,
		IssuedAt:        m.DataEmissao,
		Status:          m.Situacao,
		ContactName:     m.ContatoNome,
		ContactDocument: m.ContatoDocumento,
		ContactCity:     m.ContatoMunicipio,
		ContactState:    m.ContatoUF,
		TotalProducts:   m.TotalProdutos,
		TotalInvoice:    m.TotalNota,
		TotalDiscount:   m.TotalDescontos,
		ExtractedAt:     m.ExtraidoEm,
	}
	if m.ContatoID != nil {
		inv.ContactID = *m.ContatoID
	}
	return inv
}

// InvoiceItemModel is the persistence model for invoice items
type InvoiceItemModel struct {
	ID               int64           `gorm:"primaryKey"`
	NfeID            int64           `gorm:"not null;uniqueIndex:uq_nfe_item,priority:1"`
	CodigoProduto    *string         `gorm:"type:varchar(60);uniqueIndex:uq_nfe_item,priority:2"`
	DescricaoProduto string          `gorm:"type:varchar(255)"`
	Quantidade       decimal.Decimal `gorm:"type:decimal(18,4);not null;default:0"`
	ValorUnitario    decimal.Decimal `gorm:"type:decimal(18,4);not null;default:0"`
	ValorTotal       decimal.Decimal `gorm:"type:decimal(18,4);not null;default:0"`
	ValorDesconto    decimal.Decimal `gorm:"type:decimal(18,4);not null;default:0"`
	UnidadeMedida    string          `gorm:"type:varchar(10)"`
}

// TableName returns the table name for GORM
func (InvoiceItemModel) TableName() string {
	return "nfe_itens"
}

// InvoiceItemModelFromDomain maps one invoice item
func InvoiceItemModelFromDomain(item extraction.InvoiceItem) InvoiceItemModel {
	return InvoiceItemModel{
		NfeID:            item.InvoiceID,
		CodigoProduto:    nullableCode(item.ProductCode),
		DescricaoProduto: item.Description,
		Quantidade:       item.Quantity,
		ValorUnitario:    item.UnitValue,
		ValorTotal:       item.TotalValue,
		ValorDesconto:    item.Discount,
		UnidadeMedida:    item.Unit,
	}
}

func nullableCode(code string) *string {
	if code == "" {
		return nil
	}
	return &code
}

func derefCode(code *string) string {
	if code == nil {
		return ""
	}
	return *code
}

// ToDomain converts the item to its domain form
func (m *InvoiceItemModel) ToDomain() extraction.InvoiceItem {
	return extraction.InvoiceItem{
		InvoiceID:   m.NfeID,
		ProductCode: derefCode(m.CodigoProduto),
		Description: m.DescricaoProduto,
		Quantity:    m.Quantidade,
		UnitValue:   m.ValorUnitario,
		TotalValue:  m.ValorTotal,
		Discount:    m.ValorDesconto,
		Unit:        m.UnidadeMedida,
	}
}

// InvoicePaymentModel is the persistence model for invoice installments
type InvoicePaymentModel struct {
	ID            int64           `gorm:"primaryKey"`
	NfeID         int64           `gorm:"not null;index"`
	TipoPagamento string          `gorm:"type:varchar(50)"`
	Valor         decimal.Decimal `gorm:"type:decimal(18,4);not null;default:0"`
}

// TableName returns the table name for GORM
func (InvoicePaymentModel) TableName() string {
	return "nfe_pagamentos"
}

// InvoicePaymentModelFromDomain maps one payment
func InvoicePaymentModelFromDomain(p extraction.InvoicePayment) InvoicePaymentModel {
	return InvoicePaymentModel{NfeID: p.InvoiceID, TipoPagamento: p.PaymentType, Valor: p.Amount}
}

// ContactModel is the persistence model for contacts
type ContactModel struct {
	ID         int64     `gorm:"primaryKey;autoIncrement:false"`
	Nome       string    `gorm:"type:varchar(255)"`
	Documento  string    `gorm:"type:varchar(20);index"`
	Email      string    `gorm:"type:varchar(255)"`
	TipoPessoa string    `gorm:"type:varchar(1)"`
	Municipio  string    `gorm:"type:varchar(100)"`
	UF         string    `gorm:"column:uf;type:varchar(2)"`
	ExtraidoEm time.Time `gorm:"not null"`
}

// TableName returns the table name for GORM
func (ContactModel) TableName() string {
	return "contatos"
}

// ContactModelFromDomain maps a domain contact
func ContactModelFromDomain(c *extraction.Contact) *ContactModel {
	return &ContactModel{
		ID:         c.ID,
		Nome:       c.Name,
		Documento:  c.Document,
		Email:      c.Email,
		TipoPessoa: c.PersonType,
		Municipio:  c.City,
		UF:         c.State,
		ExtraidoEm: c.ExtractedAt,
	}
}

// ProductModel is the persistence model for products
type ProductModel struct {
	ID                 int64           `gorm:"primaryKey;autoIncrement:false"`
	Codigo             string          `gorm:"type:varchar(60);not null;uniqueIndex"`
	Nome               string          `gorm:"type:varchar(255)"`
	PrecoVenda         decimal.Decimal `gorm:"type:decimal(18,4);not null;default:0"`
	PrecoCusto         decimal.Decimal `gorm:"type:decimal(18,4);not null;default:0"`
	CategoriaID        *int64
	CategoriaDescricao string    `gorm:"type:varchar(255)"`
	ExtraidoEm         time.Time `gorm:"not null"`
}

// TableName returns the table name for GORM
func (ProductModel) TableName() string {
	return "produtos"
}

// ProductModelFromDomain maps a domain product
func ProductModelFromDomain(p *extraction.Product) *ProductModel {
	m := &ProductModel{
		ID:                 p.ID,
		Codigo:             p.Code,
		Nome:               p.Name,
		PrecoVenda:         p.SalePrice,
		PrecoCusto:         p.CostPrice,
		CategoriaDescricao: p.CategoryDescription,
		ExtraidoEm:         p.ExtractedAt,
	}
	if p.CategoryID != 0 {
		id := p.CategoryID
		m.CategoriaID = &id
	}
	return m
}

// RunDetails is the JSON document stored alongside each run.
type RunDetails struct {
	Failed  []extraction.FailedRecord `json:"failed,omitempty"`
	Periods []extraction.Period       `json:"periods,omitempty"`
	Counts  extraction.RunCounts      `json:"counts"`
}

// RunRecordModel is the persistence model for the run ledger
type RunRecordModel struct {
	ID              uuid.UUID `gorm:"type:uuid;primaryKey"`
	Tipo            string    `gorm:"type:varchar(20);not null"`
	Inicio          time.Time `gorm:"not null"`
	Fim             *time.Time
	Status          string         `gorm:"type:varchar(20);not null;index"`
	JanelaInicio    time.Time      `gorm:"type:date;not null"`
	JanelaFim       time.Time      `gorm:"type:date;not null"`
	DataReferencia  *time.Time     `gorm:"type:date;index"`
	NfesProcessadas int            `gorm:"not null;default:0"`
	NfesIgnoradas   int            `gorm:"not null;default:0"`
	ContatosNovos   int            `gorm:"not null;default:0"`
	ProdutosNovos   int            `gorm:"not null;default:0"`
	ErroMensagem    string         `gorm:"type:text"`
	Detalhes        datatypes.JSON `gorm:"type:jsonb"`
	CreatedAt       time.Time      `gorm:"not null"`
}

// TableName returns the table name for GORM
func (RunRecordModel) TableName() string {
	return "etl_controle"
}

// RunRecordModelFromDomain maps a run record, encoding the details document
func RunRecordModelFromDomain(r *extraction.RunRecord) (*RunRecordModel, error) {
	details, err := json.Marshal(RunDetails{Failed: r.Failed, Periods: r.Periods, Counts: r.Counts})
	if err != nil {
		return nil, err
	}
	return &RunRecordModel{
		ID:              r.ID,
		Tipo:            string(r.Kind),
		Inicio:          r.StartedAt,
		Fim:             r.FinishedAt,
		Status:          string(r.Status),
		JanelaInicio:    r.Window.Start,
		JanelaFim:       r.Window.End,
		DataReferencia:  r.ReferenceDate,
		NfesProcessadas: r.Counts.InvoicesProcessed,
		NfesIgnoradas:   r.Counts.InvoicesSkipped,
		ContatosNovos:   r.Counts.ContactsNew,
		ProdutosNovos:   r.Counts.ProductsNew,
		ErroMensagem:    r.ErrorMessage,
		Detalhes:        datatypes.JSON(details),
		CreatedAt:       r.StartedAt,
	}, nil
}

// ToDomain converts the ledger row to a domain RunRecord
func (m *RunRecordModel) ToDomain() *extraction.RunRecord {
	r := &extraction.RunRecord{
		ID:            m.ID,
		Kind:          extraction.RunKind(m.Tipo),
		Status:        extraction.RunStatus(m.Status),
		StartedAt:     m.Inicio,
		FinishedAt:    m.Fim,
		Window:        extraction.Period{Start: m.JanelaInicio, End: m.JanelaFim},
		ReferenceDate: m.DataReferencia,
		ErrorMessage:  m.ErroMensagem,
	}
	var details RunDetails
	if len(m.Detalhes) > 0 && json.Unmarshal(m.Detalhes, &details) == nil {
		r.Counts = details.Counts
		r.Failed = details.Failed
		r.Periods = details.Periods
	}
	r.Counts.InvoicesProcessed = m.NfesProcessadas
	r.Counts.InvoicesSkipped = m.NfesIgnoradas
	r.Counts.ContactsNew = m.ContatosNovos
	r.Counts.ProductsNew = m.ProdutosNovos
	return r
}
