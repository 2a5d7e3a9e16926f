package pipeline

import "time"

// File outcome labels for the files_total metric.
const (
	outcomeSucceeded = "succeeded"
	outcomeFailed    = "failed"
	outcomeSkipped   = "skipped"
	outcomeUnchanged = "unchanged"
	outcomeRejected  = "rejected"
	outcomeFiltered  = "filtered"
)

// CycleSummary is the per-cycle report.
type CycleSummary struct {
	ID        string        `json:"id"`
	StartedAt time.Time     `json:"started_at"`
	Duration  time.Duration `json:"duration_ns"`
	Years     string        `json:"years"`

	// Attempted counts files that reached the download stage.
	Attempted int `json:"attempted"`
	Succeeded int `json:"succeeded"`
	Failed    int `json:"failed"`
	// Skipped files were completed earlier (or rejected at the same URL).
	Skipped int `json:"skipped"`
	// Unchanged current-year files answered 304 or matched the stored fingerprint.
	Unchanged  int `json:"unchanged"`
	Rejected   int `json:"rejected"`
	Filtered   int `json:"filtered"`
	ListErrors int `json:"list_errors"`

	RowsInserted     int  `json:"rows_inserted"`
	RowsUpdated      int  `json:"rows_updated"`
	RepeatedFailures int  `json:"repeated_failures"`
	Stopped          bool `json:"stopped"`
}
