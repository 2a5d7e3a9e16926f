// Command genmock writes a synthetic hourly02 mirror for local runs: per-year
// directories of station files plus Apache-style index.html listings, so the
// service can be pointed at a static file server instead of NCEI.
//
// Usage:
//
//	go run ./cmd/genmock -out data/mock/hourly02 -years 2023,2024 -hours 72
package main

import (
	"flag"
	"fmt"
	"html/template"
	"log"
	"math"
	"math/rand/v2"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/couchcryptid/uscrn-ingest/internal/domain"
)

// station is a fixture site. Offset is LST minus UTC.
type station struct {
	wbanno int
	state  string
	label  string
	lon    float64
	lat    float64
	offset time.Duration
}

var stations = []station{
	{93245, "CA", "Bodega_6_WSW", -123.07, 38.32, -8 * time.Hour},
	{3761, "PA", "Avondale_2_N", -75.78, 39.86, -5 * time.Hour},
	{53104, "NC", "Asheville_8_SSW", -82.56, 35.49, -5 * time.Hour},
	{23907, "TX", "Austin_33_NW", -98.08, 30.62, -6 * time.Hour},
}

var listing = template.Must(template.New("index").Parse(`<html><head><title>Index of {{.Title}}</title></head>
<body><h1>Index of {{.Title}}</h1>
<a href="../">Parent Directory</a>
{{range .Entries}}<a href="{{.}}">{{.}}</a>
{{end}}</body></html>
`))

func main() {
	if err := run(); err != nil {
		log.Fatal(err)
	}
}

func run() error {
	out := flag.String("out", "", "output directory for the mirror root")
	years := flag.String("years", "2024", "comma-separated years to generate")
	hours := flag.Int("hours", 48, "hourly records per file, starting Jan 1 00:00 UTC")
	seed := flag.Uint64("seed", 1, "random seed")
	flag.Parse()

	if *out == "" || *hours <= 0 {
		flag.Usage()
		return fmt.Errorf("missing required flags: -out, -hours")
	}

	sel, err := domain.ParseYearSelector(*years)
	if err != nil || sel.Mode != domain.YearsExplicit {
		return fmt.Errorf("-years must list explicit years: %q", *years)
	}

	rng := rand.New(rand.NewPCG(*seed, *seed))
	yearDirs := make([]string, 0, len(sel.Years))
	for _, y := range sel.Years {
		names, err := writeYear(filepath.Join(*out, strconv.Itoa(y)), y, *hours, rng)
		if err != nil {
			return fmt.Errorf("year %d: %w", y, err)
		}
		log.Printf("%d: %d files", y, len(names))
		yearDirs = append(yearDirs, strconv.Itoa(y)+"/")
	}
	if err := writeIndex(*out, "/hourly02", yearDirs); err != nil {
		return err
	}
	log.Printf("wrote mirror: %s", *out)
	return nil
}

func writeYear(dir string, year, hours int, rng *rand.Rand) ([]string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	names := make([]string, 0, len(stations))
	for _, s := range stations {
		name := fmt.Sprintf("CRNH0203-%d-%s_%s.txt", year, s.state, s.label)
		body := stationFile(s, year, hours, rng)
		if err := os.WriteFile(filepath.Join(dir, name), []byte(body), 0o644); err != nil {
			return nil, err
		}
		names = append(names, name)
	}
	return names, writeIndex(dir, "/hourly02/"+strconv.Itoa(year), names)
}

func writeIndex(dir, title string, entries []string) error {
	f, err := os.Create(filepath.Join(dir, "index.html"))
	if err != nil {
		return err
	}
	if err := listing.Execute(f, struct {
		Title   string
		Entries []string
	}{title, entries}); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// stationFile renders hours of plausible observations in the fixed-width
// hourly02 layout. Every 17th hour carries missing-value sentinels.
func stationFile(s station, year, hours int, rng *rand.Rand) string {
	var b strings.Builder
	start := time.Date(year, time.January, 1, 0, 0, 0, 0, time.UTC)
	for i := 0; i < hours; i++ {
		utc := start.Add(time.Duration(i) * time.Hour)
		lst := utc.Add(s.offset)
		diurnal := math.Sin(2 * math.Pi * float64(lst.Hour()-9) / 24)
		temp := 5 + 8*diurnal + rng.NormFloat64()
		solar := math.Max(0, 600*diurnal)

		if i%17 == 16 {
			fmt.Fprintf(&b, "%5d %s %s %s %s %6s %8.2f %8.2f %s\n",
				s.wbanno, utc.Format("20060102"), utc.Format("1504"), lst.Format("20060102"), lst.Format("1504"),
				"3", s.lon, s.lat, missingTail)
			continue
		}
		fmt.Fprintf(&b, "%5d %s %s %s %s %6s %8.2f %8.2f %8.1f %8.1f %8.1f %8.1f %8.1f %8.0f %d %8.0f %d %8.0f %d %s %8.1f %d %8.1f %d %8.1f %d %6.0f %d %8.3f %8.3f %8.3f %8.3f %8.3f %8.1f %8.1f %8.1f %8.1f %8.1f\n",
			s.wbanno, utc.Format("20060102"), utc.Format("1504"), lst.Format("20060102"), lst.Format("1504"),
			"3", s.lon, s.lat,
			temp, temp+0.2, temp+1.1, temp-1.0, math.Max(0, rng.NormFloat64()*0.3),
			solar, 0, solar*1.2, 0, solar*0.8, 0,
			"C", temp+1.5, 0, temp+3.0, 0, temp-0.5, 0,
			math.Min(100, 60+20*rng.Float64()), 0,
			0.25, 0.26, 0.28, 0.30, 0.32,
			temp-1, temp-1.5, temp-2, temp-3, temp-4,
		)
	}
	return b.String()
}

const missingTail = " -9999.0  -9999.0  -9999.0  -9999.0  -9999.0  -9999.0 3  -9999.0 3  -9999.0 3 R  -9999.0 3  -9999.0 3  -9999.0 3  -9999 3 -99.000 -99.000 -99.000 -99.000 -99.000  -9999.0  -9999.0  -9999.0  -9999.0  -9999.0"
