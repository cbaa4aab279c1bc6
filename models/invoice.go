package models

import (
	"time"

	"github.com/shopspring/decimal"
)

type Invoice struct {
	ID          int             `gorm:"primary_key" json:"id"`
	InvNo       string          `gorm:"size:100;not null;uniqueIndex" json:"inv_no"`
	Amount      decimal.Decimal `gorm:"type:decimal(20,4);not null;default:0" json:"amount"`
	Status      InvoiceStatus   `gorm:"size:20;not null;index" json:"status"`
	HsnCode     string          `gorm:"size:32" json:"hsn_code"`
	TaxRate     decimal.Decimal `gorm:"type:decimal(20,8);not null;default:0" json:"tax_rate"`
	Period      string          `gorm:"size:50" json:"period"`
	InvoiceDate string          `gorm:"size:50" json:"invoice_date"`
	CreatedAt   time.Time       `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt   time.Time       `gorm:"autoUpdateTime" json:"updated_at"`
}

// Column shapes of Invoice.Amount and Invoice.TaxRate. MySQL rounds extra fraction
// digits on insert without an error, so values are checked against these before saving.
const (
	AmountPrecision  = 20
	AmountScale      = 4
	TaxRatePrecision = 20
	TaxRateScale     = 8
)

// FitsDecimal reports whether d is stored unchanged in a DECIMAL(precision, scale) column.
func FitsDecimal(d decimal.Decimal, precision, scale int32) bool {
	if !d.Equal(d.Round(scale)) {
		return false
	}
	limit := decimal.New(1, precision-scale)
	return d.Abs().LessThan(limit)
}

// InvoiceRelationship is one ISSUED (taxpayer -> invoice) or BILLED_TO
// (invoice -> taxpayer) edge. Unique per (inv_no, kind, gstin), so re-ingesting the
// same row merges instead of duplicating the edge.
type InvoiceRelationship struct {
	ID        int              `gorm:"primary_key" json:"id"`
	InvNo     string           `gorm:"size:100;not null;index:uniq_invoice_rel,unique" json:"inv_no"`
	Kind      RelationshipKind `gorm:"size:20;not null;index:uniq_invoice_rel,unique" json:"kind"`
	Gstin     string           `gorm:"size:32;not null;index:uniq_invoice_rel,unique;index" json:"gstin"`
	CreatedAt time.Time        `gorm:"autoCreateTime" json:"created_at"`
}

// InvoiceInput is one normalised ingestion row.
type InvoiceInput struct {
	SupplierGstin string
	BuyerGstin    string
	InvNo         string
	Amount        decimal.Decimal
	Status        InvoiceStatus
	HsnCode       string
	TaxRate       decimal.Decimal
	Period        string
	InvoiceDate   string
}

// InvoiceTuple is one supplier -ISSUED-> invoice -BILLED_TO-> buyer path as read from the store.
type InvoiceTuple struct {
	Supplier string
	Buyer    string
	InvNo    string
	Amount   decimal.Decimal
	Status   InvoiceStatus
	HsnCode  string
	TaxRate  decimal.Decimal
	Period   string
}

// GraphLink is one invoice edge for the force-graph view.
type GraphLink struct {
	Source string `json:"source"`
	Target string `json:"target"`
	Label  string `json:"label"`
	Status string `json:"-"`
}

// ReconciliationRow is one mismatch/missing invoice joined with its audit entry, if any.
type ReconciliationRow struct {
	Supplier     string
	Buyer        string
	InvNo        string
	Amount       decimal.Decimal
	Status       string
	Period       string
	MismatchType *string
	Severity     *string
}
