package inventory

import (
	"path/filepath"
	"time"
)

// Status is the lifecycle status of one host's collection.
type Status string

const (
	StatusProcessing Status = "Processing"
	StatusSuccess    Status = "Success"
	StatusFailed     Status = "Failed"
	// StatusWarning means the artifact was retrieved but failed validation.
	StatusWarning Status = "Warning"
	// StatusSkipped is assigned by the batch to hosts that never ran.
	StatusSkipped Status = "Skipped"
)

// Terminal reports whether the status is final.
func (s Status) Terminal() bool {
	return s != StatusProcessing && s != ""
}

// HostOutcome is the record of one host's pass through the pipeline. It is finalised by
// the pipeline and never mutated after being handed to the batch.
type HostOutcome struct {
	Address      string    `json:"IPAddress"`
	Status       Status    `json:"Status"`
	ErrorMessage string    `json:"ErrorMessage,omitempty"`
	ResultFile   string    `json:"ResultFile,omitempty"`
	ErrorKind    string    `json:"ErrorKind,omitempty"`
	Attempts     int       `json:"Attempts"`
	StartedAt    time.Time `json:"StartedAt"`
	FinishedAt   time.Time `json:"FinishedAt"`
}

// ResultsDir returns where pulled artifacts go: base, or base/<timestamp> when timestamped.
func ResultsDir(base string, timestamped bool, now time.Time) string {
	if !timestamped {
		return base
	}
	return filepath.Join(base, now.Format("20060102_150405"))
}
