package reports

import (
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/mmdatafocus/gstrecon_backend/models"
	"github.com/shopspring/decimal"
)

type AuditTrailRow struct {
	ID            string          `json:"id"`
	InvNo         string          `json:"inv_no"`
	SupplierGstin string          `json:"supplier_gstin"`
	BuyerGstin    string          `json:"buyer_gstin"`
	MismatchType  string          `json:"mismatch_type"`
	Severity      string          `json:"severity"`
	Status        string          `json:"status"`
	Amount        decimal.Decimal `json:"amount"`
	Period        string          `json:"period"`
	Description   string          `json:"description"`
	RootCause     string          `json:"root_cause"`
	TraversalPath []string        `json:"traversal_path"`
}

type AuditTrailResponse struct {
	Total   int             `json:"total"`
	Entries []AuditTrailRow `json:"entries"`
}

// AuditTrailID numbers rows in response order: AUD-001, AUD-002, ...
func AuditTrailID(i int) string {
	return fmt.Sprintf("AUD-%03d", i+1)
}

func BuildAuditTrail(entries []models.AuditEntry) AuditTrailResponse {
	rows := make([]AuditTrailRow, 0, len(entries))
	for i, e := range entries {
		severity := string(e.Severity)
		if severity == "" {
			severity = string(models.SeverityMedium)
		}
		status := string(e.Status)
		if status == "" {
			status = string(models.AuditStatusFlagged)
		}
		rows = append(rows, AuditTrailRow{
			ID:            AuditTrailID(i),
			InvNo:         e.InvNo,
			SupplierGstin: e.SupplierGstin,
			BuyerGstin:    e.BuyerGstin,
			MismatchType:  string(e.MismatchType),
			Severity:      severity,
			Status:        status,
			Amount:        e.Amount,
			Period:        e.Period,
			Description:   e.Description,
			RootCause:     e.RootCause,
			TraversalPath: e.TraversalHops(),
		})
	}
	return AuditTrailResponse{Total: len(rows), Entries: rows}
}

var auditTrailHeadings = []string{
	"ID", "Invoice No", "Supplier GSTIN", "Buyer GSTIN", "Mismatch Type", "Severity",
	"Status", "Amount", "Period", "Description", "Root Cause", "Traversal Path",
}

func (r AuditTrailRow) GetCellValues() []interface{} {
	amount, _ := r.Amount.Float64()
	return []interface{}{
		r.ID, r.InvNo, r.SupplierGstin, r.BuyerGstin, r.MismatchType, r.Severity,
		r.Status, amount, r.Period, r.Description, r.RootCause,
		strings.Join(r.TraversalPath, models.TraversalPathSeparator),
	}
}

const auditTrailSheet = "Audit Trail"

// WriteAuditTrailExcel writes the audit trail as a single-sheet workbook.
func WriteAuditTrailExcel(w io.Writer, resp AuditTrailResponse) error {
	data := make([]ExcelExporter, len(resp.Entries))
	for i, row := range resp.Entries {
		data[i] = row
	}
	return exportExcel(w, auditTrailSheet, data, auditTrailHeadings...)
}

type ReconciliationRecord struct {
	ID            string          `json:"id"`
	InvoiceNo     string          `json:"invoiceNo"`
	SupplierGstin string          `json:"supplierGstin"`
	SupplierName  string          `json:"supplierName"`
	BuyerGstin    string          `json:"buyerGstin"`
	Gstr1Amount   decimal.Decimal `json:"gstr1Amount"`
	Gstr2bAmount  decimal.Decimal `json:"gstr2bAmount"`
	Difference    decimal.Decimal `json:"difference"`
	MismatchType  string          `json:"mismatchType"`
	RiskLevel     string          `json:"riskLevel"`
	Status        string          `json:"status"`
	Period        string          `json:"period"`
}

type ReconciliationResponse struct {
	Total   int                    `json:"total"`
	Records []ReconciliationRecord `json:"records"`
}

var (
	highRiskAmount   = decimal.NewFromInt(100000)
	mediumRiskAmount = decimal.NewFromInt(50000)
)

// riskFromAmount is used when an invoice has no audit entry yet.
func riskFromAmount(amount decimal.Decimal) string {
	switch {
	case amount.GreaterThan(highRiskAmount):
		return string(models.SeverityHigh)
	case amount.GreaterThan(mediumRiskAmount):
		return string(models.SeverityMedium)
	default:
		return string(models.SeverityLow)
	}
}

func titleCase(s string) string {
	words := strings.Fields(s)
	for i, w := range words {
		words[i] = strings.ToUpper(w[:1]) + strings.ToLower(w[1:])
	}
	return strings.Join(words, " ")
}

func BuildReconciliation(rows []models.ReconciliationRow) ReconciliationResponse {
	records := make([]ReconciliationRecord, 0, len(rows))
	for i, r := range rows {
		status := r.Status
		if status == "" {
			status = string(models.InvoiceStatusMismatch)
		}
		severity := riskFromAmount(r.Amount)
		if r.Severity != nil && *r.Severity != "" {
			severity = *r.Severity
		}
		mismatchType := titleCase(status)
		if r.MismatchType != nil && *r.MismatchType != "" {
			mismatchType = *r.MismatchType
		}
		gstr1, gstr2b := r.Amount, r.Amount
		if status == string(models.InvoiceStatusMissing) {
			gstr1, gstr2b = decimal.Zero, decimal.Zero
		}
		records = append(records, ReconciliationRecord{
			ID:            fmt.Sprint(i + 1),
			InvoiceNo:     r.InvNo,
			SupplierGstin: r.Supplier,
			SupplierName:  r.Supplier,
			BuyerGstin:    r.Buyer,
			Gstr1Amount:   gstr1,
			Gstr2bAmount:  gstr2b,
			Difference:    r.Amount,
			MismatchType:  mismatchType,
			RiskLevel:     titleCase(severity),
			Status:        "Unresolved",
			Period:        r.Period,
		})
	}
	return ReconciliationResponse{Total: len(records), Records: records}
}

type GraphNode struct {
	ID    string `json:"id"`
	Label string `json:"label"`
}

type GraphEdge struct {
	Source string `json:"source"`
	Target string `json:"target"`
	Label  string `json:"label"`
	Color  string `json:"color"`
}

type GraphResponse struct {
	Nodes []GraphNode `json:"nodes"`
	Links []GraphEdge `json:"links"`
}

// BuildGraph collapses invoice paths into taxpayer-to-taxpayer links coloured by status.
func BuildGraph(links []models.GraphLink) GraphResponse {
	seen := map[string]struct{}{}
	resp := GraphResponse{Nodes: []GraphNode{}, Links: make([]GraphEdge, 0, len(links))}
	for _, l := range links {
		seen[l.Source] = struct{}{}
		seen[l.Target] = struct{}{}
		color := "green"
		if l.Status == string(models.InvoiceStatusMismatch) {
			color = "red"
		}
		resp.Links = append(resp.Links, GraphEdge{Source: l.Source, Target: l.Target, Label: l.Label, Color: color})
	}
	ids := make([]string, 0, len(seen))
	for id := range seen {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		resp.Nodes = append(resp.Nodes, GraphNode{ID: id, Label: id})
	}
	return resp
}
