package ingest

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/mmdatafocus/gstrecon_backend/models"
	"github.com/shopspring/decimal"
)

// Batch is one parsed upload.
type Batch struct {
	Columns []string
	Rows    []models.InvoiceInput
}

type rawRow struct {
	SupplierGstin string `validate:"required,max=32"`
	BuyerGstin    string `validate:"required,max=32"`
	InvNo         string `validate:"required,max=100"`
	Amount        string `validate:"required,numeric"`
	Status        string `validate:"required,max=20"`
	HsnCode       string `validate:"max=32"`
	TaxRate       string `validate:"omitempty,numeric"`
	Period        string `validate:"max=50"`
	InvoiceDate   string `validate:"max=50"`
}

var validate = validator.New(validator.WithRequiredStructEnabled())

var fieldColumns = map[string]string{
	"SupplierGstin": ColSupplierGstin,
	"BuyerGstin":    ColBuyerGstin,
	"InvNo":         ColInvNo,
	"Amount":        ColAmount,
	"Status":        ColStatus,
	"HsnCode":       ColHsnCode,
	"TaxRate":       ColTaxRate,
	"Period":        ColPeriod,
	"InvoiceDate":   ColInvoiceDate,
}

func (r rawRow) normalise(line int) (models.InvoiceInput, error) {
	if err := validate.Struct(r); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			return models.InvoiceInput{}, fmt.Errorf("%w: line %d: %s", ErrInvalidRow, line, describe(verrs))
		}
		return models.InvoiceInput{}, fmt.Errorf("%w: line %d: %w", ErrInvalidRow, line, err)
	}

	amount, err := decimal.NewFromString(r.Amount)
	if err != nil {
		return models.InvoiceInput{}, fmt.Errorf("%w: line %d: amount %q", ErrInvalidRow, line, r.Amount)
	}
	if amount.IsNegative() {
		return models.InvoiceInput{}, fmt.Errorf("%w: line %d: amount must not be negative", ErrInvalidRow, line)
	}
	if !models.FitsDecimal(amount, models.AmountPrecision, models.AmountScale) {
		return models.InvoiceInput{}, fmt.Errorf("%w: line %d: amount %q exceeds %d decimal places or range",
			ErrInvalidRow, line, r.Amount, models.AmountScale)
	}
	rate := decimal.Zero
	if r.TaxRate != "" {
		if rate, err = decimal.NewFromString(r.TaxRate); err != nil {
			return models.InvoiceInput{}, fmt.Errorf("%w: line %d: tax_rate %q", ErrInvalidRow, line, r.TaxRate)
		}
		if !models.FitsDecimal(rate, models.TaxRatePrecision, models.TaxRateScale) {
			return models.InvoiceInput{}, fmt.Errorf("%w: line %d: tax_rate %q exceeds %d decimal places or range",
				ErrInvalidRow, line, r.TaxRate, models.TaxRateScale)
		}
	}

	return models.InvoiceInput{
		SupplierGstin: models.NormalizeGstin(r.SupplierGstin),
		BuyerGstin:    models.NormalizeGstin(r.BuyerGstin),
		InvNo:         r.InvNo,
		Amount:        amount,
		Status:        models.NormalizeInvoiceStatus(r.Status),
		HsnCode:       r.HsnCode,
		TaxRate:       rate,
		Period:        r.Period,
		InvoiceDate:   r.InvoiceDate,
	}, nil
}

// describe renders validation failures as "column: tag" pairs, e.g. "amount: numeric".
func describe(verrs validator.ValidationErrors) string {
	parts := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		col := fieldColumns[fe.Field()]
		if col == "" {
			col = fe.Field()
		}
		parts = append(parts, col+": "+fe.Tag())
	}
	sort.Strings(parts)
	return strings.Join(parts, ", ")
}
