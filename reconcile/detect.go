package reconcile

import (
	"context"

	"github.com/mmdatafocus/gstrecon_backend/config"
	"github.com/mmdatafocus/gstrecon_backend/models"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

var (
	amountMismatchPath = []string{"Invoice Node", "GSTR-1 Filing", "Supplier GSTIN", "GSTR-2B Cross-Ref", "Buyer GSTIN"}
	missingPath        = []string{"Invoice Node", "GSTR-1 Filing", "GSTIN Lookup", "GSTR-2B (NOT FOUND)"}
	invalidHSNPath     = []string{"Invoice Node", "Product Description", "HSN Master Lookup", "Category Validation"}
	invalidRatePath    = []string{"Invoice Node", "HSN Code Lookup", "Tax Rate Validation", "Rate Schedule Cross-Ref"}
)

// Detector runs the fixed rule set over a graph snapshot.
type Detector struct {
	Limits CycleLimits
	Logger *logrus.Logger
}

func NewDetector(limits CycleLimits, logger *logrus.Logger) *Detector {
	return &Detector{Limits: limits, Logger: logger}
}

// Detect returns per-invoice findings in node order followed by circular findings.
// Cycle enumeration problems are logged and only reduce the circular findings.
func (d *Detector) Detect(ctx context.Context, g *Graph) []Finding {
	findings := InvoiceFindings(g)

	res := FindCycles(ctx, g, d.Limits)
	logger := d.Logger
	if logger == nil {
		logger = config.GetLogger()
	}
	if res.Err != nil {
		config.LogError(logger, "reconcile", "Detect", "cycle enumeration failed", len(res.Cycles), res.Err)
	} else if res.Truncated {
		logger.WithFields(logrus.Fields{
			"field":  "cycle enumeration truncated",
			"reason": res.Reason,
			"cycles": len(res.Cycles),
		}).Warn("reconcile: circular findings are partial")
	}
	return append(findings, CircularFindings(res.Cycles)...)
}

// InvoiceFindings applies the amount, missing, HSN and rate rules to every invoice node.
func InvoiceFindings(g *Graph) []Finding {
	var out []Finding
	for _, n := range g.nodes {
		if n.Key.Kind != NodeInvoice {
			continue
		}
		supplier := UnknownParty
		if k, ok := g.Predecessor(n.Key, models.RelationshipIssued); ok {
			supplier = k.ID
		}
		buyer := UnknownParty
		if k, ok := g.Successor(n.Key, models.RelationshipBilledTo); ok {
			buyer = k.ID
		}
		base := Finding{
			InvNo:         n.Key.ID,
			SupplierGstin: supplier,
			BuyerGstin:    buyer,
			Amount:        n.Amount,
			Period:        n.Period,
			Raw: RawFacts{
				Status:  string(n.Status),
				HSN:     n.HsnCode,
				TaxRate: n.TaxRate,
			},
		}

		switch n.Status {
		case models.InvoiceStatusMismatch:
			out = append(out, base.with(models.MismatchTypeAmount, models.SeverityHigh, amountMismatchPath))
		case models.InvoiceStatusMissing:
			out = append(out, base.with(models.MismatchTypeMissing, models.SeverityHigh, missingPath))
		}
		if IsInvalidHSN(n.HsnCode) {
			out = append(out, base.with(models.MismatchTypeInvalidHSN, models.SeverityMedium, invalidHSNPath))
		}
		if !n.TaxRate.IsZero() && !IsValidTaxRate(n.TaxRate) {
			out = append(out, base.with(models.MismatchTypeInvalidRate, models.SeverityMedium, invalidRatePath))
		}
	}
	return out
}

func (f Finding) with(t models.MismatchType, sev models.Severity, path []string) Finding {
	f.Type = t
	f.Severity = sev
	f.TraversalPath = append([]string(nil), path...)
	return f
}

// CircularFindings keeps the cycles that pass through at least two distinct taxpayers.
func CircularFindings(cycles [][]NodeKey) []Finding {
	var out []Finding
	for _, c := range cycles {
		var taxpayers []string
		distinct := map[string]struct{}{}
		for _, k := range c {
			if k.Kind != NodeTaxpayer {
				continue
			}
			taxpayers = append(taxpayers, k.ID)
			distinct[k.ID] = struct{}{}
		}
		if len(distinct) < 2 {
			continue
		}
		out = append(out, Finding{
			InvNo:         CircularInvoiceID,
			SupplierGstin: taxpayers[0],
			BuyerGstin:    taxpayers[len(taxpayers)-1],
			Amount:        decimal.Zero,
			Period:        circularPeriod,
			Type:          models.MismatchTypeCircular,
			Severity:      models.SeverityHigh,
			TraversalPath: taxpayers,
			Raw:           RawFacts{Cycle: append([]string(nil), taxpayers...)},
		})
	}
	return out
}
