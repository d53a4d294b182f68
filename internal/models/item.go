package models

import (
	"encoding/json"
	"time"
)

// Status names persisted in the per-job status lookup tables.
const (
	StatusUnscheduled = "Unscheduled"
	StatusPending     = "Pending"
	StatusCreated     = "Created"
	StatusIssued      = "Issued"
	StatusProcessed   = "Processed"
	StatusError       = "Error"
	StatusActive      = "Active"
	StatusInactive    = "Inactive"
	StatusExpired     = "Expired"
	StatusDeleted     = "Deleted"
	StatusRejected    = "Rejected"
	StatusCompleted   = "Completed"
)

// MaxRetryCount is the ceiling of the retry_count column (smallint kept in byte range).
const MaxRetryCount = 255

// PendingItem is one unit of outbound reconciliation work.
type PendingItem struct {
	ID           string          `json:"id"`
	StatusID     string          `json:"status_id"`
	Status       string          `json:"status,omitempty"`
	Payload      json.RawMessage `json:"payload"`
	ExternalID   *string         `json:"external_id,omitempty"`
	ErrorReason  *string         `json:"error_reason,omitempty"`
	RetryCount   uint8           `json:"retry_count"`
	DateEnd      *time.Time      `json:"date_end,omitempty"`
	DateCreated  time.Time       `json:"date_created"`
	DateModified time.Time       `json:"date_modified"`
}

// StatusLookup is a row of a status reference table.
type StatusLookup struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	DateCreated time.Time `json:"date_created"`
}
