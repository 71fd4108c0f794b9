package models

import (
	"time"
)

// RecordState is the lifecycle state of a ProcessingRecord
type RecordState string

// RecordState constants
const (
	StateDiscovered   RecordState = "discovered"
	StateStabilizing  RecordState = "stabilizing"
	StateStable       RecordState = "stable"
	StateConverting   RecordState = "converting"
	StateTransforming RecordState = "transforming"
	StatePublishing   RecordState = "publishing"
	StateDone         RecordState = "done"
	StateFailed       RecordState = "failed"
)

// IsTerminal reports whether no further transition is possible.
func (s RecordState) IsTerminal() bool {
	return s == StateDone || s == StateFailed
}

// FailureKind classifies why a record reached StateFailed
type FailureKind string

// FailureKind constants
const (
	FailureNone        FailureKind = ""
	FailureUnstable    FailureKind = "unstable"
	FailureConversion  FailureKind = "conversion_error"
	FailureTransform   FailureKind = "transform_error"
	FailurePublish     FailureKind = "publish_error"
	FailureCancelled   FailureKind = "cancelled"
	FailureInterrupted FailureKind = "interrupted"
)

// ProcessingRecord tracks one accepted source file through the pipeline
type ProcessingRecord struct {
	ID            string      `json:"id"`
	SourcePath    string      `json:"source_path"`
	FileName      string      `json:"file_name"`
	State         RecordState `json:"state"`
	Attempts      int         `json:"attempts"`
	LastSize      int64       `json:"last_size"`
	LastModTime   time.Time   `json:"last_mod_time"`
	SourceModTime time.Time   `json:"source_mod_time"` // mtime at admission, used by the reprocessing guard
	OutputPath    string      `json:"output_path,omitempty"`
	FailureKind   FailureKind `json:"failure_kind,omitempty"`
	ErrorMessage  string      `json:"error_message,omitempty"`
	RowsChanged   int         `json:"rows_changed"`
	DiscoveredAt  time.Time   `json:"discovered_at"`
	CompletedAt   *time.Time  `json:"completed_at,omitempty"`
	CreatedAt     time.Time   `json:"created_at"`
	UpdatedAt     time.Time   `json:"updated_at"`
}

// Terminal reports whether the record has reached Done or Failed
func (r *ProcessingRecord) Terminal() bool {
	return r.State.IsTerminal()
}
