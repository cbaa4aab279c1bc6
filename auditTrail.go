package main

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/mmdatafocus/gstrecon_backend/config"
	"github.com/mmdatafocus/gstrecon_backend/models"
	"github.com/mmdatafocus/gstrecon_backend/models/reports"
)

func auditFilterFromQuery(c *gin.Context) (models.AuditFilter, error) {
	var filter models.AuditFilter
	if v := strings.ToLower(strings.TrimSpace(c.Query("severity"))); v != "" {
		sev := models.Severity(v)
		if !sev.IsValid() {
			return filter, errors.New("severity must be: high / medium / low")
		}
		filter.Severity = string(sev)
	}
	if v := strings.TrimSpace(c.Query("status")); v != "" {
		st, err := models.ParseAuditStatus(v)
		if err != nil {
			return filter, err
		}
		filter.Status = string(st)
	}
	return filter, nil
}

func (s *server) loadAuditTrail(c *gin.Context) (reports.AuditTrailResponse, bool) {
	filter, err := auditFilterFromQuery(c)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return reports.AuditTrailResponse{}, false
	}
	entries, err := s.store.ListAuditEntries(c.Request.Context(), filter)
	if err != nil {
		config.LogError(s.logger, "auditTrail.go", "loadAuditTrail", "listing audit entries", filter, err)
		c.JSON(storeErrorStatus(err), gin.H{"error": err.Error()})
		return reports.AuditTrailResponse{}, false
	}
	return reports.BuildAuditTrail(entries), true
}

func (s *server) auditTrailHandler(c *gin.Context) {
	resp, ok := s.loadAuditTrail(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, resp)
}

func (s *server) auditTrailExportHandler(c *gin.Context) {
	resp, ok := s.loadAuditTrail(c)
	if !ok {
		return
	}
	filename := fmt.Sprintf("audit-trail-%s.xlsx", time.Now().UTC().Format("20060102"))
	c.Header("Content-Type", "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet")
	c.Header("Content-Disposition", fmt.Sprintf("attachment; filename=%q", filename))
	c.Status(http.StatusOK)
	if err := reports.WriteAuditTrailExcel(c.Writer, resp); err != nil {
		_ = c.Error(err)
	}
}

// auditStatusHandler changes the review status of an invoice's audit entries. Without
// mismatch_type every entry of the invoice is updated.
func (s *server) auditStatusHandler(c *gin.Context) {
	invNo := strings.TrimSpace(c.Param("inv_no"))
	status, err := models.ParseAuditStatus(c.Query("new_status"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Status must be: flagged / reviewed / cleared"})
		return
	}
	mismatchType := strings.TrimSpace(c.Query("mismatch_type"))
	if mismatchType != "" && !models.MismatchType(mismatchType).IsKnown() {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unknown mismatch_type " + mismatchType})
		return
	}

	n, err := s.store.UpdateAuditStatus(c.Request.Context(), invNo, mismatchType, status)
	if err != nil {
		if errors.Is(err, models.ErrAuditEntryNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": invNo + " not found."})
			return
		}
		config.LogError(s.logger, "auditTrail.go", "auditStatusHandler", "updating status", invNo, err)
		c.JSON(storeErrorStatus(err), gin.H{"error": err.Error()})
		return
	}
	if n == 0 {
		c.JSON(http.StatusNotFound, gin.H{"error": invNo + " not found."})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"message": fmt.Sprintf("%s updated to '%s'", invNo, status),
		"updated": n,
	})
}

func (s *server) graphHandler(c *gin.Context) {
	links, err := s.store.GraphLinks(c.Request.Context())
	if err != nil {
		config.LogError(s.logger, "auditTrail.go", "graphHandler", "loading graph links", nil, err)
		c.JSON(storeErrorStatus(err), gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, reports.BuildGraph(links))
}

func (s *server) reconciliationHandler(c *gin.Context) {
	rows, err := s.store.ReconciliationRows(c.Request.Context())
	if err != nil {
		config.LogError(s.logger, "auditTrail.go", "reconciliationHandler", "loading reconciliation rows", nil, err)
		c.JSON(storeErrorStatus(err), gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, reports.BuildReconciliation(rows))
}
