package source

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/couchcryptid/uscrn-ingest/internal/domain"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

const rootListing = `<html><body><h1>Index of /pub/data/uscrn/products/hourly02</h1>
<a href="?C=N;O=D">Name</a>
<a href="/pub/data/uscrn/products/">Parent Directory</a>
<a href="2023/">2023/</a>
<a href="2024/">2024/</a>
<a href="1999/">1999/</a>
<a href="snapshots/">snapshots/</a>
<a href="README.txt">README.txt</a>
</body></html>`

const yearListing = `<html><body><table>
<tr><td><a href="CRNH0203-2024-CA_Bodega_6_WSW.txt">CRNH0203-2024-CA_Bodega_6_WSW.txt</a></td></tr>
<tr><td><a href="CRNH0203-2024-PA_Avondale_2_N.txt">CRNH0203-2024-PA_Avondale_2_N.txt</a></td></tr>
<tr><td><a href="CRNH0203-2024-PA_Avondale_2_N.txt#dup">dup</a></td></tr>
<tr><td><a href="headers.txt">headers.txt</a></td></tr>
<tr><td><a href="/pub/data/uscrn/products/hourly02/2024/CRNH0203-2024-TX_Austin_33_NW.txt">abs</a></td></tr>
</table></body></html>`

func newListingServer(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("GET /hourly02/{$}", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = io.WriteString(w, rootListing)
	})
	mux.HandleFunc("GET /hourly02/2024/{$}", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = io.WriteString(w, yearListing)
	})
	mux.HandleFunc("GET /hourly02/2023/{$}", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	})
	srv := httptest.NewTLSServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func newTestLister(t *testing.T, srv *httptest.Server) *Lister {
	t.Helper()
	cfg := testConfig()
	cfg.MaxRetries = 0
	f := NewFetcher(cfg, discardLogger(), WithHTTPClient(srv.Client()))
	return NewLister(srv.URL+"/hourly02", f, discardLogger())
}

func collect(seq func(func(domain.FileDescriptor, error) bool)) ([]string, []error) {
	var names []string
	var errs []error
	for d, err := range seq {
		if err != nil {
			errs = append(errs, err)
			continue
		}
		names = append(names, d.Filename)
	}
	return names, errs
}

func TestListYears(t *testing.T) {
	srv := newListingServer(t)
	years, err := newTestLister(t, srv).ListYears(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []int{2023, 2024}, years)
}

func TestListFiles(t *testing.T) {
	srv := newListingServer(t)
	l := newTestLister(t, srv)

	files, err := l.ListFiles(context.Background(), 2024)
	require.NoError(t, err)
	require.Len(t, files, 3)
	assert.Equal(t, domain.FileDescriptor{
		Filename:     "CRNH0203-2024-CA_Bodega_6_WSW.txt",
		URL:          srv.URL + "/hourly02/2024/CRNH0203-2024-CA_Bodega_6_WSW.txt",
		Year:         2024,
		State:        "CA",
		StationLabel: "Bodega_6_WSW",
	}, files[0])
	assert.Equal(t, "CRNH0203-2024-PA_Avondale_2_N.txt", files[1].Filename)
	assert.Equal(t, "CRNH0203-2024-TX_Austin_33_NW.txt", files[2].Filename)
	assert.Equal(t, srv.URL+"/hourly02/2024/CRNH0203-2024-TX_Austin_33_NW.txt", files[2].URL)
}

func TestEnumerate_ExplicitYearsContinueAfterListingError(t *testing.T) {
	srv := newListingServer(t)
	sel, err := domain.ParseYearSelector("2023,2024")
	require.NoError(t, err)

	names, errs := collect(newTestLister(t, srv).Enumerate(context.Background(), sel))
	require.Len(t, errs, 1)
	requireFetchError(t, errs[0], Status)
	assert.Len(t, names, 3)
}

func TestEnumerate_AllResolvesFromRoot(t *testing.T) {
	domain.SetClock(clockwork.NewFakeClockAt(time.Date(2024, 8, 1, 0, 0, 0, 0, time.UTC)))
	t.Cleanup(func() { domain.SetClock(nil) })

	srv := newListingServer(t)
	names, errs := collect(newTestLister(t, srv).Enumerate(context.Background(), domain.YearSelector{Mode: domain.YearsAll}))
	assert.Len(t, errs, 1, "2023 listing fails")
	assert.Len(t, names, 3)
}

func TestEnumerate_CurrentYear(t *testing.T) {
	domain.SetClock(clockwork.NewFakeClockAt(time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)))
	t.Cleanup(func() { domain.SetClock(nil) })

	srv := newListingServer(t)
	names, errs := collect(newTestLister(t, srv).Enumerate(context.Background(), domain.YearSelector{Mode: domain.YearsCurrent}))
	assert.Empty(t, errs)
	assert.Len(t, names, 3)
}

func TestEnumerate_StopsEarlyAndIsRestartable(t *testing.T) {
	srv := newListingServer(t)
	seq := newTestLister(t, srv).Enumerate(context.Background(), domain.YearSelector{Mode: domain.YearsExplicit, Years: []int{2024}})

	var first string
	for d, err := range seq {
		require.NoError(t, err)
		first = d.Filename
		break
	}
	assert.Equal(t, "CRNH0203-2024-CA_Bodega_6_WSW.txt", first)

	names, errs := collect(seq)
	assert.Empty(t, errs)
	assert.Len(t, names, 3)
}

func TestEnumerate_RootListingFailure(t *testing.T) {
	srv := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	}))
	defer srv.Close()

	names, errs := collect(newTestLister(t, srv).Enumerate(context.Background(), domain.YearSelector{Mode: domain.YearsAll}))
	assert.Empty(t, names)
	require.Len(t, errs, 1)
	requireFetchError(t, errs[0], Status)
}

func TestExtractHrefs(t *testing.T) {
	hrefs := extractHrefs([]byte(`<a href="a.txt?x=1">a</a><A HREF="b/">b</A><a name="n">no href</a><a href="#top">top</a>`))
	assert.Equal(t, []string{"a.txt", "b/"}, hrefs)
}
