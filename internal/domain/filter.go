package domain

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
)

// FilterDecision is the pre-download verdict for a file.
type FilterDecision int

const (
	// NoMatch: no axis can match; the file is not downloaded.
	NoMatch FilterDecision = iota
	// Match: the file matched (or the filter is empty); keep every record.
	Match
	// Defer: only the station axis can still match, and station ids live in
	// the file content. Download and keep records of the listed stations.
	Defer
)

func (d FilterDecision) String() string {
	switch d {
	case Match:
		return "match"
	case Defer:
		return "defer"
	default:
		return "no_match"
	}
}

// LocationFilter narrows ingestion by state code, station id, or filename
// glob. Axes are OR-ed together; an empty filter matches everything.
type LocationFilter struct {
	States   []string
	Stations []int
	Patterns []string

	states   map[string]struct{}
	stations map[int]struct{}
}

// NewLocationFilter validates and normalizes the three axes. Station ids are
// given as text so leading zeros ("03761") can be stripped before comparison.
func NewLocationFilter(states, stations, patterns []string) (*LocationFilter, error) {
	f := &LocationFilter{
		states:   make(map[string]struct{}, len(states)),
		stations: make(map[int]struct{}, len(stations)),
	}
	for _, s := range states {
		s = strings.ToUpper(strings.TrimSpace(s))
		if s == "" {
			continue
		}
		f.States = append(f.States, s)
		f.states[s] = struct{}{}
	}
	for _, s := range stations {
		id, err := NormalizeStationID(s)
		if err != nil {
			return nil, err
		}
		f.Stations = append(f.Stations, id)
		f.stations[id] = struct{}{}
	}
	for _, p := range patterns {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		if !doublestar.ValidatePattern(p) {
			return nil, fmt.Errorf("invalid filename pattern %q", p)
		}
		f.Patterns = append(f.Patterns, p)
	}
	return f, nil
}

// NormalizeStationID parses a station identifier, ignoring leading zeros.
func NormalizeStationID(s string) (int, error) {
	s = strings.TrimSpace(s)
	trimmed := strings.TrimLeft(s, "0")
	if trimmed == "" && s != "" {
		return 0, nil
	}
	id, err := strconv.Atoi(trimmed)
	if err != nil || id < 0 {
		return 0, fmt.Errorf("invalid station id %q", s)
	}
	return id, nil
}

// Empty reports whether no axis is configured.
func (f *LocationFilter) Empty() bool {
	return f == nil || (len(f.States) == 0 && len(f.Stations) == 0 && len(f.Patterns) == 0)
}

// Match decides, from the descriptor alone, whether a file should be fetched.
func (f *LocationFilter) Match(d FileDescriptor) FilterDecision {
	if f.Empty() {
		return Match
	}
	if _, ok := f.states[strings.ToUpper(d.State)]; ok {
		return Match
	}
	for _, p := range f.Patterns {
		if ok, _ := doublestar.Match(p, d.Filename); ok {
			return Match
		}
	}
	if len(f.Stations) > 0 {
		return Defer
	}
	return NoMatch
}

// Matches is the boolean form of Match: true when the file is a candidate.
func (f *LocationFilter) Matches(d FileDescriptor) bool {
	return f.Match(d) != NoMatch
}

// MatchesStation applies the station axis to a parsed record. It is only
// consulted for files whose pre-download decision was Defer.
func (f *LocationFilter) MatchesStation(id int) bool {
	if f.Empty() || len(f.Stations) == 0 {
		return true
	}
	_, ok := f.stations[id]
	return ok
}
