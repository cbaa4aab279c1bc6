package models

import (
	"errors"
	"strings"
)

type InvoiceStatus string

const (
	InvoiceStatusMatched  InvoiceStatus = "matched"
	InvoiceStatusMismatch InvoiceStatus = "mismatch"
	InvoiceStatusMissing  InvoiceStatus = "missing"
)

// NormalizeInvoiceStatus trims and lower-cases the raw value. Unknown values are kept
// as-is; only the detector decides what they mean.
func NormalizeInvoiceStatus(raw string) InvoiceStatus {
	return InvoiceStatus(strings.ToLower(strings.TrimSpace(raw)))
}

type RelationshipKind string

const (
	RelationshipIssued   RelationshipKind = "ISSUED"
	RelationshipBilledTo RelationshipKind = "BILLED_TO"
)

// MismatchType tags a finding. The set is closed; anything else read back from the
// store is carried verbatim and handled by the default arm of every switch.
type MismatchType string

const (
	MismatchTypeAmount      MismatchType = "Amount Mismatch"
	MismatchTypeMissing     MismatchType = "Missing in GSTR-2B"
	MismatchTypeInvalidHSN  MismatchType = "Invalid HSN Code"
	MismatchTypeInvalidRate MismatchType = "Invalid Tax Rate"
	MismatchTypeCircular    MismatchType = "Circular Transaction Pattern"
)

func (t MismatchType) IsKnown() bool {
	switch t {
	case MismatchTypeAmount, MismatchTypeMissing, MismatchTypeInvalidHSN,
		MismatchTypeInvalidRate, MismatchTypeCircular:
		return true
	default:
		return false
	}
}

type Severity string

const (
	SeverityHigh   Severity = "high"
	SeverityMedium Severity = "medium"
	SeverityLow    Severity = "low"
)

func (s Severity) IsValid() bool {
	switch s {
	case SeverityHigh, SeverityMedium, SeverityLow:
		return true
	}
	return false
}

// AuditStatus is the review lifecycle of an audit entry: flagged -> reviewed -> cleared.
type AuditStatus string

const (
	AuditStatusFlagged  AuditStatus = "flagged"
	AuditStatusReviewed AuditStatus = "reviewed"
	AuditStatusCleared  AuditStatus = "cleared"
)

var ErrInvalidAuditStatus = errors.New("status must be: flagged / reviewed / cleared")

func (s AuditStatus) IsValid() bool {
	switch s {
	case AuditStatusFlagged, AuditStatusReviewed, AuditStatusCleared:
		return true
	}
	return false
}

func ParseAuditStatus(raw string) (AuditStatus, error) {
	s := AuditStatus(strings.TrimSpace(raw))
	if !s.IsValid() {
		return "", ErrInvalidAuditStatus
	}
	return s, nil
}
