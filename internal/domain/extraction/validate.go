package extraction

import (
	"errors"
	"strconv"
	"sync"

	"github.com/go-playground/validator/v10"
)

var (
	validateOnce sync.Once
	validate     *validator.Validate
)

func recordValidator() *validator.Validate {
	validateOnce.Do(func() {
		validate = validator.New(validator.WithRequiredStructEnabled())
	})
	return validate
}

// Validate checks the invoice and its items before they are written.
func (i *Invoice) Validate() error {
	return validateRecord("invoice", strconv.FormatInt(i.ID, 10), i)
}

// Validate checks the contact before it is written.
func (c *Contact) Validate() error {
	return validateRecord("contact", strconv.FormatInt(c.ID, 10), c)
}

// Validate checks the product before it is written.
func (p *Product) Validate() error {
	return validateRecord("product", p.Code, p)
}

func validateRecord(entity, key string, record any) error {
	err := recordValidator().Struct(record)
	if err == nil {
		return nil
	}
	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) {
		return &ValidationError{Entity: entity, Key: key, Fields: []string{err.Error()}}
	}
	fields := make([]string, 0, len(fieldErrs))
	for _, fe := range fieldErrs {
		fields = append(fields, fe.Namespace()+"("+fe.Tag()+")")
	}
	return &ValidationError{Entity: entity, Key: key, Fields: fields}
}
