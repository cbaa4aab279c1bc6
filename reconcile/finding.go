package reconcile

import (
	"fmt"
	"strings"

	"github.com/mmdatafocus/gstrecon_backend/models"
	"github.com/shopspring/decimal"
)

const (
	// UnknownParty stands in for a missing supplier or buyer endpoint.
	UnknownParty = "UNKNOWN"
	// CircularInvoiceID is the inv_no used for every circular-pattern finding.
	CircularInvoiceID = "CIRCULAR-PATTERN"
	circularPeriod    = "N/A"
)

// RawFacts are the invoice attributes captured at detection time.
type RawFacts struct {
	Status  string
	HSN     string
	TaxRate decimal.Decimal
	Cycle   []string
}

func (r RawFacts) String() string {
	if len(r.Cycle) > 0 {
		return fmt.Sprintf("{cycle: [%s]}", strings.Join(r.Cycle, ", "))
	}
	return fmt.Sprintf("{status: %s, hsn: %s, tax_rate: %s}", r.Status, r.HSN, r.TaxRate.String())
}

// Finding is one discrepancy on one invoice, or one taxpayer cycle.
type Finding struct {
	InvNo         string
	SupplierGstin string
	BuyerGstin    string
	Amount        decimal.Decimal
	Period        string
	Type          models.MismatchType
	Severity      models.Severity
	TraversalPath []string
	Raw           RawFacts
}

// AuditKey is the identity an audit entry is upserted under.
type AuditKey struct {
	InvNo string
	Type  models.MismatchType
}

func (f Finding) Key() AuditKey {
	return AuditKey{InvNo: f.InvNo, Type: f.Type}
}
