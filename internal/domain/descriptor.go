package domain

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// filenameRe matches the archive's per-station file names:
// "<prefix>-<year>-<state>_<location>_<distance>_<direction>.txt",
// e.g. "CRNH0203-2024-CA_Bodega_6_WSW.txt".
var filenameRe = regexp.MustCompile(`^([A-Za-z0-9]+)-(\d{4})-([A-Za-z]{2})_([^/]+)\.txt$`)

// FileDescriptor identifies one remote observation file.
type FileDescriptor struct {
	Filename     string `json:"filename"`
	URL          string `json:"url"`
	Year         int    `json:"year"`
	State        string `json:"state"`
	StationLabel string `json:"station_label"`
}

// ParseFilename splits an archive filename into its year, state, and station
// label. The label is everything after the state code, e.g. "Bodega_6_WSW".
func ParseFilename(name string) (year int, state, label string, err error) {
	m := filenameRe.FindStringSubmatch(name)
	if m == nil {
		return 0, "", "", fmt.Errorf("filename %q does not match <prefix>-<year>-<state>_<location>.txt", name)
	}
	year, err = strconv.Atoi(m[2])
	if err != nil {
		return 0, "", "", fmt.Errorf("filename %q: year: %w", name, err)
	}
	return year, strings.ToUpper(m[3]), m[4], nil
}

// IsArchiveFilename reports whether name follows the archive filename grammar.
func IsArchiveFilename(name string) bool {
	return filenameRe.MatchString(name)
}

// NewFileDescriptor builds a descriptor for a file listed under a year
// directory. yearDirURL must end with a slash.
func NewFileDescriptor(yearDirURL, name string) (FileDescriptor, error) {
	year, state, label, err := ParseFilename(name)
	if err != nil {
		return FileDescriptor{}, err
	}
	return FileDescriptor{
		Filename:     name,
		URL:          yearDirURL + name,
		Year:         year,
		State:        state,
		StationLabel: label,
	}, nil
}
