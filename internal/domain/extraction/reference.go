package extraction

import (
	"time"

	"github.com/shopspring/decimal"
)

// Person types reported by the upstream for contacts.
const (
	PersonTypeIndividual = "F"
	PersonTypeCompany    = "J"
	PersonTypeForeign    = "E"
)

// Contact is a customer or supplier referenced by invoices.
type Contact struct {
	ID          int64  `validate:"gt=0"`
	Name        string `validate:"max=255"`
	Document    string `validate:"max=20"`
	Email       string `validate:"max=255"`
	PersonType  string `validate:"omitempty,oneof=F J E"`
	City        string `validate:"max=100"`
	State       string `validate:"max=2"`
	ExtractedAt time.Time
}

// Product is a catalog entry referenced by invoice items through its code.
type Product struct {
	ID                  int64  `validate:"gt=0"`
	Code                string `validate:"required,max=60"`
	Name                string `validate:"max=255"`
	SalePrice           decimal.Decimal
	CostPrice           decimal.Decimal
	CategoryID          int64
	CategoryDescription string `validate:"max=255"`
	ExtractedAt         time.Time
}
