package pipeline

import (
	"strconv"

	"github.com/cespare/xxhash/v2"
	"github.com/couchcryptid/uscrn-ingest/internal/adapter/source"
	"github.com/couchcryptid/uscrn-ingest/internal/domain"
	"github.com/couchcryptid/uscrn-ingest/internal/parser"
)

// maxLoggedLineErrors caps per-file line diagnostics written to the log.
const maxLoggedLineErrors = 5

// transformed is a parsed file ready for the store.
type transformed struct {
	records  []domain.Observation
	stats    domain.FileStats
	accepted bool
	sample   []parser.LineError
}

// transformFile parses downloaded content, applies the deferred station
// filter, and derives the ledger stats. A file with parse failures that is
// still under the threshold is accepted as partial.
func transformFile(c source.Content, fingerprint string, decision domain.FilterDecision, cfg Config) transformed {
	res := parser.Parse(c.Body, cfg.FailureThreshold)

	out := transformed{
		stats: domain.FileStats{
			RowsSeen:      res.Stats.Total,
			ParseFailures: res.Stats.Failures,
			LastModified:  c.LastModified,
			Fingerprint:   fingerprint,
		},
		sample: res.Failures[:min(len(res.Failures), maxLoggedLineErrors)],
	}

	if res.Outcome != parser.Accepted {
		out.stats.Status = domain.StatusFailed
		out.stats.Reason = res.Reason(cfg.FailureThreshold)
		return out
	}

	out.accepted = true
	out.records = res.Records
	if decision == domain.Defer {
		out.records = keepStations(res.Records, cfg.Filter)
	}

	out.stats.Status = domain.StatusCompleted
	if res.Stats.Failures > 0 {
		out.stats.Status = domain.StatusPartial
		out.stats.Reason = strconv.Itoa(res.Stats.Failures) + " lines could not be parsed"
	}
	return out
}

// keepStations drops records whose station is not in the filter's station axis.
func keepStations(records []domain.Observation, f *domain.LocationFilter) []domain.Observation {
	kept := records[:0:0]
	for _, r := range records {
		if f.MatchesStation(r.StationID) {
			kept = append(kept, r)
		}
	}
	return kept
}

// Fingerprint is the hex xxhash64 of file content.
func Fingerprint(body []byte) string {
	return strconv.FormatUint(xxhash.Sum64(body), 16)
}
