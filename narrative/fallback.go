package narrative

import (
	"fmt"

	"github.com/mmdatafocus/gstrecon_backend/models"
	"github.com/mmdatafocus/gstrecon_backend/reconcile"
	"github.com/shopspring/decimal"
	"golang.org/x/text/language"
	"golang.org/x/text/message"
)

var rupeePrinter = message.NewPrinter(language.English)

// FormatRupees renders a whole-rupee amount with western thousands grouping (₹125,000).
func FormatRupees(amount decimal.Decimal) string {
	return rupeePrinter.Sprintf("₹%d", amount.Round(0).IntPart())
}

// Fallback is the deterministic narrative for a finding. It always returns non-empty
// fields, including for mismatch types it does not know.
func Fallback(f reconcile.Finding) Narrative {
	inv, sup, buy := f.InvNo, f.SupplierGstin, f.BuyerGstin

	switch f.Type {
	case models.MismatchTypeAmount:
		return Narrative{
			Description: fmt.Sprintf("Invoice %s has an amount discrepancy between GSTR-1 filed by %s and GSTR-2B of %s. Reported amount: %s.",
				inv, sup, buy, FormatRupees(f.Amount)),
			RootCause: "Supplier likely made a manual data entry error in GSTR-1. The e-Invoice amount typically matches GSTR-2B.",
		}
	case models.MismatchTypeMissing:
		return Narrative{
			Description: fmt.Sprintf("Invoice %s reported by supplier %s in GSTR-1 is completely absent in buyer %s's GSTR-2B auto-population.",
				inv, sup, buy),
			RootCause: "Buyer GSTIN was likely entered incorrectly by the supplier, preventing auto-population in GSTR-2B.",
		}
	case models.MismatchTypeInvalidHSN:
		return Narrative{
			Description: fmt.Sprintf("Invoice %s contains HSN code '%s' which does not conform to the 4/6/8-digit standard format.",
				inv, f.Raw.HSN),
			RootCause: "Incorrect HSN mapping in supplier's ERP or accounting software. Requires correction and revised GSTR-1 filing.",
		}
	case models.MismatchTypeInvalidRate:
		return Narrative{
			Description: fmt.Sprintf("Invoice %s applies a tax rate of %s%% which is not a valid GST slab (0/5/12/18/28%%).",
				inv, f.Raw.TaxRate.String()),
			RootCause: "Product was miscategorised in the supplier's system. Verify the correct HSN sub-category and applicable GST slab.",
		}
	case models.MismatchTypeCircular:
		return Narrative{
			Description: fmt.Sprintf("A circular transaction loop was detected involving GSTINs: %s. Potential fraudulent ITC claim.",
				models.JoinTraversalPath(f.TraversalPath)),
			RootCause: "Multiple taxpayers are issuing invoices to each other in a closed loop, a common pattern for fraudulent ITC claims.",
		}
	default:
		return Narrative{
			Description: fmt.Sprintf("Mismatch of type '%s' detected on invoice %s.", f.Type, inv),
			RootCause:   "Manual investigation required to determine root cause.",
		}
	}
}
