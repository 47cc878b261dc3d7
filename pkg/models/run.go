package models

import "time"

// ScrapeRun records the outcome of one source within a single pipeline
// invocation. Rows are append-only: once FinishedAt is set the record is
// never mutated again.
type ScrapeRun struct {
	ID               string    `json:"id"`
	SourceID         string    `json:"source_id"`
	StartedAt        time.Time `json:"started_at"`
	FinishedAt       time.Time `json:"finished_at"`
	Status           string    `json:"status"` // success | partial | failed
	RecordsFetched   int       `json:"records_fetched"`
	RecordsRejected  int       `json:"records_rejected"`
	RecordsPersisted int       `json:"records_persisted"`
	ErrorDetail      string    `json:"error_detail,omitempty"`
}

const (
	RunSuccess = "success"
	RunPartial = "partial"
	RunFailed  = "failed"
)

// RunSummary is what the scheduling/CLI layer and the status endpoint get
// back from one ingestion invocation.
type RunSummary struct {
	Status   string      `json:"status"` // completed | completed_with_errors
	Runs     []ScrapeRun `json:"runs"`
	Inserted int         `json:"inserted"`
	Updated  int         `json:"updated"`
	Rejected int         `json:"rejected"`
}

const (
	SummaryCompleted           = "completed"
	SummaryCompletedWithErrors = "completed_with_errors"
)
