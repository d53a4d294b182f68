package models

import "time"

// RunReport summarizes one reconciliation run.
type RunReport struct {
	Job       string    `json:"job"`
	Fetched   int       `json:"fetched"`
	Succeeded int       `json:"succeeded"`
	Failed    int       `json:"failed"`
	Retried   int       `json:"retried"`
	Deferred  int       `json:"deferred"`
	Missing   int       `json:"missing"`
	Stale     int       `json:"stale"`
	Errors    int       `json:"errors"`
	Stopped   string    `json:"stopped,omitempty"`
	Started   time.Time `json:"started"`
	Finished  time.Time `json:"finished"`
}

// Processed counts items whose outcome was recorded.
func (r RunReport) Processed() int {
	return r.Succeeded + r.Failed + r.Retried
}

// Transition describes a terminal status change, published for downstream consumers.
type Transition struct {
	Job         string    `json:"job"`
	ItemID      string    `json:"item_id"`
	From        string    `json:"from"`
	To          string    `json:"to"`
	ExternalID  string    `json:"external_id,omitempty"`
	ErrorReason string    `json:"error_reason,omitempty"`
	RetryCount  uint8     `json:"retry_count"`
	At          time.Time `json:"at"`
}
