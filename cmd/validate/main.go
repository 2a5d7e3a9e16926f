// Command validate checks local USCRN hourly02 files without touching the
// network or a database. It runs the same parser the service uses and then
// checks each accepted file for internal consistency: filename metadata,
// a single station, unique and ordered timestamps, and a fixed LST offset.
//
// Usage:
//
//	go run ./cmd/validate -dir data/hourly02 -threshold 0.1
//	go run ./cmd/validate CRNH0203-2024-CA_Bodega_6_WSW.txt
package main

import (
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/couchcryptid/uscrn-ingest/internal/domain"
	"github.com/couchcryptid/uscrn-ingest/internal/parser"
	"github.com/couchcryptid/uscrn-ingest/internal/pipeline"
)

const filePattern = "**/CRNH0203-*.txt"

// phase tracks pass/fail for a validation phase.
type phase struct {
	name   string
	errors []string
}

func (p *phase) errorf(format string, args ...any) {
	p.errors = append(p.errors, fmt.Sprintf(format, args...))
}

func (p *phase) passed() bool { return len(p.errors) == 0 }

func main() {
	dir := flag.String("dir", "", "directory searched recursively for hourly02 files")
	threshold := flag.Float64("threshold", 0.10, "maximum tolerated line failure rate")
	flag.Parse()

	paths := flag.Args()
	if *dir != "" {
		found, err := doublestar.Glob(os.DirFS(*dir), filePattern)
		if err != nil {
			fmt.Fprintf(os.Stderr, "FATAL: glob %s: %v\n", *dir, err)
			os.Exit(1)
		}
		for _, f := range found {
			paths = append(paths, filepath.Join(*dir, f))
		}
	}
	if len(paths) == 0 {
		flag.Usage()
		os.Exit(1)
	}

	os.Exit(run(os.Stdout, paths, *threshold))
}

func run(out io.Writer, paths []string, threshold float64) int {
	fmt.Fprintln(out, "=== USCRN Hourly File Validation ===")
	fmt.Fprintln(out)

	names := &phase{name: "Filename metadata"}
	parse := &phase{name: "Parse within failure threshold"}
	consistency := &phase{name: "Per-file consistency"}

	var rows, failures int
	for _, path := range paths {
		base := filepath.Base(path)
		year, _, _, err := domain.ParseFilename(base)
		if err != nil {
			names.errorf("%s: %v", base, err)
		}

		content, err := os.ReadFile(path)
		if err != nil {
			parse.errorf("%s: %v", base, err)
			continue
		}
		res := parser.Parse(content, threshold)
		rows += res.Stats.Parsed
		failures += res.Stats.Failures
		if res.Outcome != parser.Accepted {
			parse.errorf("%s: %s", base, res.Reason(threshold))
			continue
		}
		fmt.Fprintf(out, "  %-48s %6d rows  %s\n", base, res.Stats.Parsed, pipeline.Fingerprint(content))
		checkConsistency(consistency, base, year, res.Records)
	}

	phases := []*phase{names, parse, consistency}

	fmt.Fprintln(out)
	allPassed := true
	for _, p := range phases {
		status := "\033[32mPASS\033[0m"
		if !p.passed() {
			status = fmt.Sprintf("\033[31mFAIL (%d errors)\033[0m", len(p.errors))
			allPassed = false
		}
		fmt.Fprintf(out, "  %-42s %s\n", p.name, status)
	}

	fmt.Fprintln(out)
	fmt.Fprintf(out, "Files: %d, rows parsed: %d, lines failed: %d\n", len(paths), rows, failures)

	for _, p := range phases {
		if p.passed() {
			continue
		}
		fmt.Fprintf(out, "\n--- %s ---\n", p.name)
		for i, e := range p.errors {
			fmt.Fprintf(out, "  [%d] %s\n", i+1, e)
		}
	}

	if allPassed {
		fmt.Fprintln(out, "\nAll validations passed.")
		return 0
	}
	fmt.Fprintln(out, "\nValidation FAILED.")
	return 1
}

func checkConsistency(p *phase, name string, year int, records []domain.Observation) {
	if len(records) == 0 {
		return
	}
	station := records[0].StationID
	offset := records[0].UTCTime.Sub(records[0].LSTTime)
	seen := make(map[time.Time]bool, len(records))
	var prev time.Time

	for i := range records {
		r := &records[i]
		if r.StationID != station {
			p.errorf("%s: line %d has station %d, file started with %d", name, i+1, r.StationID, station)
		}
		if year != 0 && r.UTCTime.Year() != year && r.LSTTime.Year() != year {
			p.errorf("%s: record %s is outside %d", name, r.UTCTime.Format(time.RFC3339), year)
		}
		if seen[r.UTCTime] {
			p.errorf("%s: duplicate hour %s", name, r.UTCTime.Format(time.RFC3339))
		}
		seen[r.UTCTime] = true
		if !prev.IsZero() && r.UTCTime.Before(prev) {
			p.errorf("%s: hour %s out of order", name, r.UTCTime.Format(time.RFC3339))
		}
		prev = r.UTCTime
		if d := r.UTCTime.Sub(r.LSTTime); d != offset {
			p.errorf("%s: LST offset changes from %s to %s at %s", name, offset, d, r.UTCTime.Format(time.RFC3339))
		}
	}
}
