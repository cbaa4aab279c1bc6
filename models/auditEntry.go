package models

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// TraversalPathSeparator joins traversal path hops when persisted.
const TraversalPathSeparator = " → "

// AuditEntry is the persisted, reviewable record of one finding.
// Unique key: (inv_no, mismatch_type).
type AuditEntry struct {
	ID            int             `gorm:"primary_key" json:"-"`
	InvNo         string          `gorm:"size:100;not null;index:uniq_audit_key,unique" json:"inv_no"`
	MismatchType  MismatchType    `gorm:"size:64;not null;index:uniq_audit_key,unique" json:"mismatch_type"`
	SupplierGstin string          `gorm:"size:32" json:"supplier_gstin"`
	BuyerGstin    string          `gorm:"size:32" json:"buyer_gstin"`
	Severity      Severity        `gorm:"size:10;not null;index" json:"severity"`
	Amount        decimal.Decimal `gorm:"type:decimal(20,4);not null;default:0" json:"amount"`
	Period        string          `gorm:"size:50" json:"period"`
	Description   string          `gorm:"type:text" json:"description"`
	RootCause     string          `gorm:"type:text" json:"root_cause"`
	TraversalPath string          `gorm:"type:text" json:"-"`
	Status        AuditStatus     `gorm:"size:20;not null;default:flagged;index" json:"status"`
	CreatedAt     time.Time       `gorm:"autoCreateTime;index" json:"created_at"`
	UpdatedAt     time.Time       `gorm:"autoUpdateTime" json:"updated_at"`
}

func JoinTraversalPath(hops []string) string {
	return strings.Join(hops, TraversalPathSeparator)
}

func (a AuditEntry) TraversalHops() []string {
	if a.TraversalPath == "" {
		return []string{}
	}
	return strings.Split(a.TraversalPath, TraversalPathSeparator)
}

// AuditFilter narrows an audit trail query. Empty fields match everything.
type AuditFilter struct {
	Severity string
	Status   string
}
