package models

import (
	"context"
	"database/sql/driver"
	"errors"
	"fmt"
	"net"
	"sync/atomic"

	mysqlDriver "github.com/go-sql-driver/mysql"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	// ErrStoreUnavailable means the store is not connected or a query failed at read time.
	// HTTP handlers map it to 503.
	ErrStoreUnavailable   = errors.New("database unavailable")
	ErrAuditEntryNotFound = errors.New("audit entry not found")
)

// Store is the persisted Taxpayer/Invoice/relationship/AuditEntry store.
// The handle is injected once it is connected; until then every call fails with
// ErrStoreUnavailable so the HTTP surface can start before MySQL is reachable.
type Store struct {
	db atomic.Pointer[gorm.DB]
}

func NewStore(db *gorm.DB) *Store {
	s := &Store{}
	if db != nil {
		s.db.Store(db)
	}
	return s
}

func (s *Store) SetDB(db *gorm.DB) {
	s.db.Store(db)
}

func (s *Store) Ready() bool {
	return s.db.Load() != nil
}

// Close releases the underlying connection pool.
func (s *Store) Close() error {
	db := s.db.Swap(nil)
	if db == nil {
		return nil
	}
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func (s *Store) conn(ctx context.Context) (*gorm.DB, error) {
	db := s.db.Load()
	if db == nil {
		return nil, ErrStoreUnavailable
	}
	return db.WithContext(ctx), nil
}

func isConnectionErr(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, driver.ErrBadConn) || errors.Is(err, mysqlDriver.ErrInvalidConn) {
		return true
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr)
}

func isDuplicateKeyErr(err error) bool {
	var mysqlErr *mysqlDriver.MySQLError
	if errors.As(err, &mysqlErr) {
		return mysqlErr.Number == 1062
	}
	return false
}

// classify marks connection-level failures as store-unavailable and wraps the rest.
func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrStoreUnavailable) {
		return err
	}
	if isConnectionErr(err) {
		return fmt.Errorf("%s: %w: %w", op, ErrStoreUnavailable, err)
	}
	return fmt.Errorf("%s: %w", op, err)
}

func MigrateTable(db *gorm.DB) error {
	if db == nil {
		return ErrStoreUnavailable
	}
	return db.AutoMigrate(
		&Taxpayer{},
		&Invoice{},
		&InvoiceRelationship{},
		&AuditEntry{},
	)
}

// InvoiceTuples returns every supplier -ISSUED-> invoice -BILLED_TO-> buyer path.
// Any failure is reported as ErrStoreUnavailable; the caller never sees a partial list.
func (s *Store) InvoiceTuples(ctx context.Context) ([]InvoiceTuple, error) {
	db, err := s.conn(ctx)
	if err != nil {
		return nil, err
	}
	var tuples []InvoiceTuple
	err = db.Raw(`
SELECT
    s.gstin AS supplier,
    b.gstin AS buyer,
    i.inv_no,
    i.amount,
    i.status,
    i.hsn_code,
    i.tax_rate,
    i.period
FROM invoices i
    JOIN invoice_relationships s ON s.inv_no = i.inv_no AND s.kind = ?
    JOIN invoice_relationships b ON b.inv_no = i.inv_no AND b.kind = ?
ORDER BY i.id, s.id, b.id`, RelationshipIssued, RelationshipBilledTo).Scan(&tuples).Error
	if err != nil {
		return nil, fmt.Errorf("read invoice graph: %w: %w", ErrStoreUnavailable, err)
	}
	return tuples, nil
}

// SaveInvoices merges a parsed batch in one transaction: taxpayers and relationships are
// created if absent, invoice attributes are overwritten on match.
func (s *Store) SaveInvoices(ctx context.Context, rows []InvoiceInput) error {
	db, err := s.conn(ctx)
	if err != nil {
		return err
	}
	err = db.Transaction(func(tx *gorm.DB) error {
		for _, row := range rows {
			for _, gstin := range []string{row.SupplierGstin, row.BuyerGstin} {
				if err := tx.Clauses(clause.OnConflict{DoNothing: true}).
					Create(&Taxpayer{Gstin: gstin}).Error; err != nil && !isDuplicateKeyErr(err) {
					return err
				}
			}

			inv := Invoice{
				InvNo:       row.InvNo,
				Amount:      row.Amount,
				Status:      row.Status,
				HsnCode:     row.HsnCode,
				TaxRate:     row.TaxRate,
				Period:      row.Period,
				InvoiceDate: row.InvoiceDate,
			}
			if err := tx.Clauses(clause.OnConflict{
				Columns: []clause.Column{{Name: "inv_no"}},
				DoUpdates: clause.AssignmentColumns([]string{
					"amount", "status", "hsn_code", "tax_rate", "period", "invoice_date", "updated_at",
				}),
			}).Create(&inv).Error; err != nil {
				return err
			}

			rels := []InvoiceRelationship{
				{InvNo: row.InvNo, Kind: RelationshipIssued, Gstin: row.SupplierGstin},
				{InvNo: row.InvNo, Kind: RelationshipBilledTo, Gstin: row.BuyerGstin},
			}
			for i := range rels {
				if err := tx.Clauses(clause.OnConflict{DoNothing: true}).
					Create(&rels[i]).Error; err != nil && !isDuplicateKeyErr(err) {
					return err
				}
			}
		}
		return nil
	})
	return classify("save invoices", err)
}

// UpsertAuditEntry creates or overwrites the entry keyed by (inv_no, mismatch_type).
// Status is always reset to flagged; created_at is kept from the first insert.
func (s *Store) UpsertAuditEntry(ctx context.Context, entry *AuditEntry) error {
	db, err := s.conn(ctx)
	if err != nil {
		return err
	}
	entry.Status = AuditStatusFlagged
	err = db.Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "inv_no"}, {Name: "mismatch_type"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"supplier_gstin", "buyer_gstin", "severity", "amount", "period",
			"description", "root_cause", "traversal_path", "status", "updated_at",
		}),
	}).Create(entry).Error
	return classify("upsert audit entry", err)
}

// ListAuditEntries returns entries newest first, optionally filtered by severity and status.
func (s *Store) ListAuditEntries(ctx context.Context, filter AuditFilter) ([]AuditEntry, error) {
	db, err := s.conn(ctx)
	if err != nil {
		return nil, err
	}
	q := db.Model(&AuditEntry{})
	if filter.Severity != "" {
		q = q.Where("severity = ?", filter.Severity)
	}
	if filter.Status != "" {
		q = q.Where("status = ?", filter.Status)
	}
	var entries []AuditEntry
	if err := q.Order("created_at DESC").Order("id DESC").Find(&entries).Error; err != nil {
		return nil, classify("list audit entries", err)
	}
	return entries, nil
}

// UpdateAuditStatus moves every entry of invNo (optionally only one mismatch type) to status.
// Returns ErrAuditEntryNotFound when nothing matches.
func (s *Store) UpdateAuditStatus(ctx context.Context, invNo string, mismatchType string, status AuditStatus) (int64, error) {
	if !status.IsValid() {
		return 0, ErrInvalidAuditStatus
	}
	db, err := s.conn(ctx)
	if err != nil {
		return 0, err
	}
	var matched int64
	err = db.Transaction(func(tx *gorm.DB) error {
		q := tx.Model(&AuditEntry{}).Where("inv_no = ?", invNo)
		if mismatchType != "" {
			q = q.Where("mismatch_type = ?", mismatchType)
		}
		if err := q.Count(&matched).Error; err != nil {
			return err
		}
		if matched == 0 {
			return ErrAuditEntryNotFound
		}
		u := tx.Model(&AuditEntry{}).Where("inv_no = ?", invNo)
		if mismatchType != "" {
			u = u.Where("mismatch_type = ?", mismatchType)
		}
		return u.Update("status", status).Error
	})
	if errors.Is(err, ErrAuditEntryNotFound) {
		return 0, err
	}
	if err != nil {
		return 0, classify("update audit status", err)
	}
	return matched, nil
}

// GraphLinks returns one link per supplier/buyer path for the force-graph view.
func (s *Store) GraphLinks(ctx context.Context) ([]GraphLink, error) {
	db, err := s.conn(ctx)
	if err != nil {
		return nil, err
	}
	var links []GraphLink
	err = db.Raw(`
SELECT
    s.gstin AS source,
    b.gstin AS target,
    i.inv_no AS label,
    i.status AS status
FROM invoices i
    JOIN invoice_relationships s ON s.inv_no = i.inv_no AND s.kind = ?
    JOIN invoice_relationships b ON b.inv_no = i.inv_no AND b.kind = ?
ORDER BY i.id`, RelationshipIssued, RelationshipBilledTo).Scan(&links).Error
	if err != nil {
		return nil, classify("graph links", err)
	}
	return links, nil
}

// ReconciliationRows returns mismatch/missing invoices joined with their audit entries,
// largest amount first.
func (s *Store) ReconciliationRows(ctx context.Context) ([]ReconciliationRow, error) {
	db, err := s.conn(ctx)
	if err != nil {
		return nil, err
	}
	var rows []ReconciliationRow
	err = db.Raw(`
SELECT
    s.gstin AS supplier,
    b.gstin AS buyer,
    i.inv_no,
    i.amount,
    i.status,
    i.period,
    a.mismatch_type,
    a.severity
FROM invoices i
    JOIN invoice_relationships s ON s.inv_no = i.inv_no AND s.kind = ?
    JOIN invoice_relationships b ON b.inv_no = i.inv_no AND b.kind = ?
    LEFT JOIN audit_entries a ON a.inv_no = i.inv_no
WHERE i.status IN ?
ORDER BY i.amount DESC`,
		RelationshipIssued, RelationshipBilledTo,
		[]InvoiceStatus{InvoiceStatusMismatch, InvoiceStatusMissing}).Scan(&rows).Error
	if err != nil {
		return nil, classify("reconciliation rows", err)
	}
	return rows, nil
}
