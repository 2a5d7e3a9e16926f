package domain

import (
	"slices"
	"time"

	"github.com/google/uuid"
)

// IngestionEvent announces that a file's observations were committed.
type IngestionEvent struct {
	ID            string           `json:"id"`
	CycleID       string           `json:"cycle_id"`
	File          FileDescriptor   `json:"file"`
	Status        ProcessingStatus `json:"status"`
	RowsSeen      int              `json:"rows_seen"`
	Inserted      int              `json:"inserted"`
	Updated       int              `json:"updated"`
	ParseFailures int              `json:"parse_failures"`
	Stations      []int            `json:"stations"`

	// Range of UTC observation times in the committed batch.
	FirstObservation *time.Time `json:"first_observation,omitempty"`
	LastObservation  *time.Time `json:"last_observation,omitempty"`

	ProcessedAt time.Time `json:"processed_at"`
}

// NewIngestionEvent summarizes a committed file.
func NewIngestionEvent(cycleID string, d FileDescriptor, stats FileStats, records []Observation) IngestionEvent {
	ev := IngestionEvent{
		ID:            uuid.NewString(),
		CycleID:       cycleID,
		File:          d,
		Status:        stats.Status,
		RowsSeen:      stats.RowsSeen,
		Inserted:      stats.Inserted,
		Updated:       stats.Updated,
		ParseFailures: stats.ParseFailures,
		Stations:      []int{},
		ProcessedAt:   Now(),
	}
	for i := range records {
		ts := records[i].UTCTime
		if ev.FirstObservation == nil || ts.Before(*ev.FirstObservation) {
			ev.FirstObservation = &ts
		}
		if ev.LastObservation == nil || ts.After(*ev.LastObservation) {
			ev.LastObservation = &ts
		}
		if !slices.Contains(ev.Stations, records[i].StationID) {
			ev.Stations = append(ev.Stations, records[i].StationID)
		}
	}
	slices.Sort(ev.Stations)
	return ev
}
