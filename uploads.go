package main

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/bsm/redislock"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/mmdatafocus/gstrecon_backend/config"
	"github.com/mmdatafocus/gstrecon_backend/ingest"
	"github.com/mmdatafocus/gstrecon_backend/utils"
	"github.com/mmdatafocus/gstrecon_backend/workflow"
	"github.com/sirupsen/logrus"
)

const (
	maxUploadBytes = 20 << 20
	ingestLockKey  = "lock:ingest"
	ingestLockTTL  = 30 * time.Second
)

type uploadResponse struct {
	Message string   `json:"message"`
	Rows    int      `json:"rows"`
	Columns []string `json:"columns"`
	Note    string   `json:"note"`
	RunID   string   `json:"run_id"`
}

// uploadHandler stores a GSTR batch and starts a reconciliation run in the background.
func (s *server) uploadHandler(c *gin.Context) {
	ctx := c.Request.Context()

	fh, err := c.FormFile("file")
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "file is required"})
		return
	}
	if _, err := ingest.DetectFormat(fh.Filename); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Only CSV or XLSX files are accepted."})
		return
	}
	if fh.Size > maxUploadBytes {
		c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": fmt.Sprintf("file exceeds %d MB", maxUploadBytes>>20)})
		return
	}

	f, err := fh.Open()
	if err != nil {
		config.LogError(s.logger, "uploads.go", "uploadHandler", "opening upload", fh.Filename, err)
		c.JSON(http.StatusBadRequest, gin.H{"error": "could not read upload"})
		return
	}
	defer f.Close()
	data, err := io.ReadAll(io.LimitReader(f, maxUploadBytes+1))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "could not read upload"})
		return
	}

	batch, err := ingest.Parse(fh.Filename, bytes.NewReader(data))
	if err != nil {
		switch {
		case errors.Is(err, ingest.ErrMissingColumns):
			c.JSON(http.StatusUnprocessableEntity, gin.H{"error": err.Error()})
		case errors.Is(err, ingest.ErrInvalidRow):
			c.JSON(http.StatusUnprocessableEntity, gin.H{"error": err.Error()})
		default:
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		}
		return
	}

	// Concurrent uploads of overlapping invoices would race on the same rows.
	// Without redis the lock is skipped.
	if locker := s.locker.Load(); locker != nil {
		lock, err := locker.Obtain(ctx, ingestLockKey, ingestLockTTL, nil)
		if err != nil {
			if errors.Is(err, redislock.ErrNotObtained) {
				c.JSON(http.StatusConflict, gin.H{"error": "another upload is being stored, retry shortly"})
				return
			}
			s.logger.WithFields(logrus.Fields{"field": "uploadHandler"}).Warn("ingest lock unavailable: " + err.Error())
		} else {
			defer func() { _ = lock.Release(ctx) }()
		}
	}

	if err := s.store.SaveInvoices(ctx, batch.Rows); err != nil {
		config.LogError(s.logger, "uploads.go", "uploadHandler", "saving invoices", fh.Filename, err)
		c.JSON(storeErrorStatus(err), gin.H{"error": err.Error()})
		return
	}

	if s.archive != nil {
		format, _ := ingest.DetectFormat(fh.Filename)
		objectName := utils.UploadObjectName(fh.Filename, uuid.NewString(), time.Now())
		if err := s.archive(ctx, objectName, data, format.ContentType()); err != nil {
			// archiving is best effort; the batch is already stored
			config.LogError(s.logger, "uploads.go", "uploadHandler", "archiving upload", objectName, err)
		}
	}

	runID := s.pipeline.Trigger(workflow.TriggerUpload)
	c.JSON(http.StatusOK, uploadResponse{
		Message: fmt.Sprintf("Uploaded %s successfully.", fh.Filename),
		Rows:    len(batch.Rows),
		Columns: batch.Columns,
		Note:    "Reconciliation running in background. Check /api/v1/audit-trail in a few seconds.",
		RunID:   runID,
	})
}
