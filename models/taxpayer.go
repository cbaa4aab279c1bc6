package models

import (
	"strings"
	"time"
)

type Taxpayer struct {
	ID        int       `gorm:"primary_key" json:"id"`
	Gstin     string    `gorm:"size:32;not null;uniqueIndex" json:"gstin"`
	CreatedAt time.Time `gorm:"autoCreateTime" json:"created_at"`
}

// NormalizeGstin trims and upper-cases a tax registration id.
func NormalizeGstin(raw string) string {
	return strings.ToUpper(strings.TrimSpace(raw))
}
