// Package parser decodes USCRN hourly02 station files into observations.
//
// Parsing is line-tolerant: a malformed line is recorded as a LineError and
// the next line is tried. The file as a whole is rejected only when the share
// of malformed lines exceeds the caller's threshold.
package parser

import (
	"bytes"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/couchcryptid/uscrn-ingest/internal/domain"
)

const (
	// MinFields is the number of mandatory columns (through RH_HR_AVG_FLAG).
	MinFields = 28
	// MaxFields is the full hourly02 layout including the soil columns.
	MaxFields = 38

	missing     = -9999.0
	missingSoil = -99.0

	maxTextLen = 200
)

// Outcome classifies a whole-file parse.
type Outcome int

const (
	Accepted Outcome = iota
	Rejected
	Empty
)

func (o Outcome) String() string {
	switch o {
	case Accepted:
		return "accepted"
	case Rejected:
		return "rejected"
	default:
		return "empty"
	}
}

// LineError describes one line that could not be decoded. Line is 1-based.
type LineError struct {
	Line   int
	Reason string
	Text   string
}

func (e LineError) Error() string {
	return fmt.Sprintf("line %d: %s", e.Line, e.Reason)
}

// Stats summarizes a parse. Total counts non-blank lines only.
type Stats struct {
	Total       int
	Parsed      int
	Failures    int
	Blank       int
	FailureRate float64
}

// Result is the output of Parse. Records is empty unless Outcome is Accepted.
type Result struct {
	Records  []domain.Observation
	Failures []LineError
	Stats    Stats
	Outcome  Outcome
}

// Reason explains a non-accepted outcome for logs and the ledger.
func (r Result) Reason(threshold float64) string {
	switch {
	case r.Outcome == Empty:
		return "file contains no data lines"
	case r.Outcome == Rejected && r.Stats.Parsed == 0:
		return "no valid records"
	case r.Outcome == Rejected:
		return fmt.Sprintf("failure rate %.3f exceeds threshold %.3f", r.Stats.FailureRate, threshold)
	default:
		return ""
	}
}

// Parse decodes content line by line. A failure rate strictly greater than
// threshold rejects the file; a file with no non-blank lines is Empty.
func Parse(content []byte, threshold float64) Result {
	var res Result

	lineNo := 0
	for raw := range bytes.Lines(content) {
		lineNo++
		text := strings.TrimRight(string(raw), "\r\n")
		if strings.TrimSpace(text) == "" {
			res.Stats.Blank++
			continue
		}
		res.Stats.Total++

		obs, err := ParseLine(text)
		if err != nil {
			res.Failures = append(res.Failures, LineError{
				Line:   lineNo,
				Reason: err.Error(),
				Text:   truncate(text, maxTextLen),
			})
			continue
		}
		res.Records = append(res.Records, obs)
	}

	res.Stats.Parsed = len(res.Records)
	res.Stats.Failures = len(res.Failures)

	if res.Stats.Total == 0 {
		res.Outcome = Empty
		return res
	}
	res.Stats.FailureRate = float64(res.Stats.Failures) / float64(res.Stats.Total)
	if res.Stats.FailureRate > threshold || res.Stats.Parsed == 0 {
		res.Outcome = Rejected
		res.Records = nil
		return res
	}
	res.Outcome = Accepted
	return res
}

// ParseLine decodes a single non-blank line.
func ParseLine(line string) (domain.Observation, error) {
	f := strings.Fields(line)
	if len(f) < MinFields || len(f) > MaxFields {
		return domain.Observation{}, fmt.Errorf("expected %d to %d fields, got %d", MinFields, MaxFields, len(f))
	}

	var obs domain.Observation
	p := fieldParser{fields: f}

	obs.StationID = p.station(0)
	obs.UTCTime = p.timestamp(1, 2, "utc")
	obs.LSTTime = p.timestamp(3, 4, "lst")
	obs.CRXVersion = f[5]
	obs.Longitude = p.float(6)
	obs.Latitude = p.float(7)

	obs.TCalc = p.float(8)
	obs.THrAvg = p.float(9)
	obs.TMax = p.float(10)
	obs.TMin = p.float(11)
	obs.PCalc = p.float(12)

	obs.SolaRad = p.float(13)
	obs.SolaRadFlag = p.flag(14)
	obs.SolaRadMax = p.float(15)
	obs.SolaRadMaxFlag = p.flag(16)
	obs.SolaRadMin = p.float(17)
	obs.SolaRadMinFlag = p.flag(18)

	obs.SurTempType = f[19]
	obs.SurTemp = p.float(20)
	obs.SurTempFlag = p.flag(21)
	obs.SurTempMax = p.float(22)
	obs.SurTempMaxFlag = p.flag(23)
	obs.SurTempMin = p.float(24)
	obs.SurTempMinFlag = p.flag(25)

	obs.RHHrAvg = p.float(26)
	obs.RHHrAvgFlag = p.flag(27)

	obs.SoilMoisture5 = p.soilMoisture(28)
	obs.SoilMoisture10 = p.soilMoisture(29)
	obs.SoilMoisture20 = p.soilMoisture(30)
	obs.SoilMoisture50 = p.soilMoisture(31)
	obs.SoilMoisture100 = p.soilMoisture(32)

	obs.SoilTemp5 = p.float(33)
	obs.SoilTemp10 = p.float(34)
	obs.SoilTemp20 = p.float(35)
	obs.SoilTemp50 = p.float(36)
	obs.SoilTemp100 = p.float(37)

	if p.err != nil {
		return domain.Observation{}, p.err
	}
	return obs, nil
}

// fieldParser keeps the first error so ParseLine can read every column
// without checking after each one.
type fieldParser struct {
	fields []string
	err    error
}

func (p *fieldParser) fail(i int, name string, err error) {
	if p.err == nil {
		p.err = fmt.Errorf("field %d (%s): %w", i+1, name, err)
	}
}

func (p *fieldParser) station(i int) int {
	id, err := strconv.Atoi(p.fields[i])
	if err != nil || id <= 0 {
		p.fail(i, "wbanno", fmt.Errorf("invalid station id %q", p.fields[i]))
		return 0
	}
	return id
}

func (p *fieldParser) float(i int) *float64 {
	return p.sentinelFloat(i, missing)
}

func (p *fieldParser) soilMoisture(i int) *float64 {
	v := p.sentinelFloat(i, missingSoil)
	if v != nil && *v == missing {
		return nil
	}
	return v
}

func (p *fieldParser) sentinelFloat(i int, sentinel float64) *float64 {
	if i >= len(p.fields) {
		return nil
	}
	v, err := strconv.ParseFloat(p.fields[i], 64)
	if err != nil || math.IsNaN(v) || math.IsInf(v, 0) {
		p.fail(i, "number", fmt.Errorf("invalid number %q", p.fields[i]))
		return nil
	}
	if v == sentinel {
		return nil
	}
	return &v
}

func (p *fieldParser) flag(i int) *int {
	v, err := strconv.Atoi(p.fields[i])
	if err != nil {
		p.fail(i, "flag", fmt.Errorf("invalid flag %q", p.fields[i]))
		return nil
	}
	if v == int(missing) {
		return nil
	}
	return &v
}

func (p *fieldParser) timestamp(dateIdx, timeIdx int, name string) time.Time {
	ts, err := combineDateTime(p.fields[dateIdx], p.fields[timeIdx])
	if err != nil {
		p.fail(dateIdx, name, err)
	}
	return ts
}

// combineDateTime builds a UTC-based instant from YYYYMMDD and HHMM columns.
// LST values are stored on the same fixed clock; the station's offset is not
// part of the line.
func combineDateTime(date, hhmm string) (time.Time, error) {
	if len(date) != 8 || len(hhmm) != 4 {
		return time.Time{}, fmt.Errorf("malformed date/time %q %q", date, hhmm)
	}
	y, err1 := strconv.Atoi(date[0:4])
	mo, err2 := strconv.Atoi(date[4:6])
	d, err3 := strconv.Atoi(date[6:8])
	h, err4 := strconv.Atoi(hhmm[0:2])
	mi, err5 := strconv.Atoi(hhmm[2:4])
	if err := errors.Join(err1, err2, err3, err4, err5); err != nil {
		return time.Time{}, fmt.Errorf("malformed date/time %q %q", date, hhmm)
	}
	if h < 0 || h > 23 || mi < 0 || mi > 59 {
		return time.Time{}, fmt.Errorf("time out of range %q", hhmm)
	}
	ts := time.Date(y, time.Month(mo), d, h, mi, 0, 0, time.UTC)
	// time.Date normalizes Feb 30 into March; reject instead.
	if ts.Year() != y || int(ts.Month()) != mo || ts.Day() != d {
		return time.Time{}, fmt.Errorf("invalid calendar date %q", date)
	}
	return ts, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
