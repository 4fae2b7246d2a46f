package models

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// AnonymousOrigin is recorded for every blocked attempt; traffic is not attributed to users.
const AnonymousOrigin = "127.0.0.1"

// ActivityEntry is one decision staged in the write-ahead buffer.
type ActivityEntry struct {
	ID           string    `json:"id,omitempty"`
	Timestamp    time.Time `json:"timestamp"`
	Domain       string    `json:"domain"`
	Path         string    `json:"path"`
	Method       string    `json:"method"`
	Blocked      bool      `json:"blocked"`
	Status       string    `json:"status"`
	Tier         Tier      `json:"tier,omitempty"`
	ResponseTime float64   `json:"response_time"`
}

// NewActivityEntry stages a decision with a fresh identity.
func NewActivityEntry(d Decision) ActivityEntry {
	return ActivityEntry{
		ID:           uuid.NewString(),
		Timestamp:    d.Timestamp,
		Domain:       d.Host,
		Path:         d.Path,
		Method:       d.Method,
		Blocked:      d.Blocked(),
		Status:       d.Status(),
		Tier:         d.Tier,
		ResponseTime: d.ResponseTimeMS(),
	}
}

// Key returns the de-duplication key used when the entry is imported. Entries
// written by older tools have no id and are keyed by their content.
func (e ActivityEntry) Key() string {
	if e.ID != "" {
		return e.ID
	}
	sum := sha256.Sum256([]byte(fmt.Sprintf("%s|%s|%s|%s|%t|%s|%g",
		e.Timestamp.UTC().Format(time.RFC3339Nano), e.Domain, e.Path, e.Method, e.Blocked, e.Status, e.ResponseTime)))
	return "sha256:" + hex.EncodeToString(sum[:])
}

// StoredRequest is the durable record of one decision.
type StoredRequest struct {
	ID           uint      `json:"id" gorm:"primaryKey"`
	EntryID      string    `json:"-" gorm:"uniqueIndex;size:80"`
	Timestamp    time.Time `json:"timestamp" gorm:"index:idx_requests_timestamp"`
	Domain       string    `json:"domain" gorm:"not null;index:idx_requests_domain"`
	Path         string    `json:"path"`
	Method       string    `json:"method"`
	Status       string    `json:"status"`
	Blocked      bool      `json:"blocked" gorm:"default:false"`
	ResponseTime float64   `json:"response_time"`
}

func (StoredRequest) TableName() string { return "requests" }

// BlockedAttempt records a blocked request for per-day blocking summaries.
type BlockedAttempt struct {
	ID        uint      `json:"id" gorm:"primaryKey"`
	Timestamp time.Time `json:"timestamp" gorm:"index:idx_blocked_timestamp"`
	Domain    string    `json:"domain" gorm:"not null"`
	UserIP    string    `json:"user_ip"`
}

func (BlockedAttempt) TableName() string { return "blocked_attempts" }

// Timestamps are stored in UTC so that range predicates compare lexically.
func (r *StoredRequest) BeforeCreate(tx *gorm.DB) (err error) {
	if r.Timestamp.IsZero() {
		r.Timestamp = time.Now()
	}
	r.Timestamp = r.Timestamp.UTC()
	return
}

func (a *BlockedAttempt) BeforeCreate(tx *gorm.DB) (err error) {
	if a.Timestamp.IsZero() {
		a.Timestamp = time.Now()
	}
	a.Timestamp = a.Timestamp.UTC()
	if a.UserIP == "" {
		a.UserIP = AnonymousOrigin
	}
	return
}
