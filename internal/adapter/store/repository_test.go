package store

import (
	"context"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/couchcryptid/uscrn-ingest/internal/domain"
	"github.com/google/go-cmp/cmp"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRepo(t *testing.T) *Repository {
	t.Helper()
	ctx := context.Background()
	// One connection: every :memory: connection is a separate database.
	db, err := Open(ctx, Options{Driver: SQLite, DSN: ":memory:?_foreign_keys=on", MaxOpenConns: 1})
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	require.NoError(t, Migrate(ctx, db, SQLite, slog.Default()))
	return NewRepository(db, SQLite, slog.Default())
}

func ptr[T any](v T) *T { return &v }

var testFile = domain.FileDescriptor{
	Filename:     "CRNH0203-2024-VA_Charlottesville_2_SSE.txt",
	URL:          "https://www.ncei.noaa.gov/pub/data/uscrn/products/hourly02/2024/CRNH0203-2024-VA_Charlottesville_2_SSE.txt",
	Year:         2024,
	State:        "VA",
	StationLabel: "Charlottesville_2_SSE",
}

func testObservations(n int) []domain.Observation {
	out := make([]domain.Observation, n)
	base := time.Date(2024, 1, 15, 0, 0, 0, 0, time.UTC)
	for i := range out {
		out[i] = domain.Observation{
			StationID:   53104,
			UTCTime:     base.Add(time.Duration(i) * time.Hour),
			LSTTime:     base.Add(time.Duration(i-8) * time.Hour),
			CRXVersion:  "3",
			Longitude:   ptr(-81.74),
			Latitude:    ptr(36.53),
			TCalc:       nil,
			THrAvg:      ptr(4.1),
			TMax:        ptr(4.9),
			TMin:        ptr(3.4),
			PCalc:       ptr(0.0),
			SolaRadFlag: ptr(0),
			SurTempType: "C",
		}
	}
	return out
}

func completedStats(records []domain.Observation) domain.FileStats {
	return domain.FileStats{RowsSeen: len(records), Status: domain.StatusCompleted}
}

func TestMigrate_Idempotent(t *testing.T) {
	ctx := context.Background()
	db, err := Open(ctx, Options{Driver: SQLite, DSN: ":memory:?_foreign_keys=on", MaxOpenConns: 1})
	require.NoError(t, err)
	defer db.Close()

	require.NoError(t, Migrate(ctx, db, SQLite, slog.Default()))
	require.NoError(t, Migrate(ctx, db, SQLite, slog.Default()))

	var n int
	require.NoError(t, db.QueryRow("SELECT COUNT(*) FROM schema_migrations").Scan(&n))
	assert.Equal(t, 1, n)
}

func TestIngestFile_Idempotent(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()
	records := testObservations(24)

	first, err := repo.IngestFile(ctx, testFile, records, completedStats(records))
	require.NoError(t, err)
	assert.Equal(t, 24, first.Inserted)
	assert.Equal(t, 0, first.Updated)

	second, err := repo.IngestFile(ctx, testFile, records, completedStats(records))
	require.NoError(t, err)
	assert.Equal(t, 0, second.Inserted)
	assert.Equal(t, 24, second.Updated)

	n, err := repo.CountObservations(ctx)
	require.NoError(t, err)
	assert.Equal(t, 24, n)

	pf, err := repo.GetProcessedFile(ctx, testFile.Filename)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCompleted, pf.Status)
	assert.Equal(t, 24, pf.RowsSeen)
	assert.Equal(t, 0, pf.Inserted)
	assert.Equal(t, 24, pf.Updated)
}

func TestIngestFile_SentinelRoundTrip(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()
	records := testObservations(1)

	_, err := repo.IngestFile(ctx, testFile, records, completedStats(records))
	require.NoError(t, err)

	got, err := repo.GetObservation(ctx, 53104, records[0].UTCTime)
	require.NoError(t, err)
	assert.Nil(t, got.TCalc)
	assert.Nil(t, got.SoilMoisture5)
	require.NotNil(t, got.PCalc)
	assert.Zero(t, *got.PCalc)

	want := records[0]
	want.Longitude, want.Latitude = nil, nil // kept on the station, not the observation
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("observation mismatch (-want +got):\n%s", diff)
	}
}

func TestIngestFile_ReimportOverwritesValues(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()
	records := testObservations(2)

	_, err := repo.IngestFile(ctx, testFile, records, completedStats(records))
	require.NoError(t, err)

	records[1].THrAvg = ptr(7.7)
	records[1].TMax = nil
	stats, err := repo.IngestFile(ctx, testFile, records, completedStats(records))
	require.NoError(t, err)
	assert.Equal(t, 2, stats.Updated)

	got, err := repo.GetObservation(ctx, 53104, records[1].UTCTime)
	require.NoError(t, err)
	require.NotNil(t, got.THrAvg)
	assert.InDelta(t, 7.7, *got.THrAvg, 1e-9)
	assert.Nil(t, got.TMax)

	n, err := repo.CountObservations(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func TestIngestFile_StationFirstSeenPreserved(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()
	clk := clockwork.NewFakeClockAt(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	domain.SetClock(clk)
	t.Cleanup(func() { domain.SetClock(nil) })

	records := testObservations(1)
	_, err := repo.IngestFile(ctx, testFile, records, completedStats(records))
	require.NoError(t, err)

	clk.Advance(48 * time.Hour)
	records[0].Latitude = nil
	records[0].Longitude = ptr(-81.75)
	_, err = repo.IngestFile(ctx, testFile, records, completedStats(records))
	require.NoError(t, err)

	st, err := repo.GetStation(ctx, 53104)
	require.NoError(t, err)
	assert.Equal(t, "Charlottesville_2_SSE", st.Name)
	assert.Equal(t, "VA", st.State)
	assert.True(t, st.FirstSeen.Equal(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)), "first_seen = %s", st.FirstSeen)
	assert.True(t, st.LastSeen.Equal(time.Date(2026, 1, 3, 0, 0, 0, 0, time.UTC)), "last_seen = %s", st.LastSeen)
	require.NotNil(t, st.Latitude, "NULL must not erase a known latitude")
	assert.InDelta(t, 36.53, *st.Latitude, 1e-9)
	require.NotNil(t, st.Longitude)
	assert.InDelta(t, -81.75, *st.Longitude, 1e-9)
}

func TestWithinTx_FailedBatchLeavesNoLedgerRow(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()
	records := testObservations(3)

	err := repo.WithinTx(ctx, func(tx *Tx) error {
		id, err := tx.MarkFileProcessed(ctx, testFile, completedStats(records))
		if err != nil {
			return err
		}
		// No station row: the observation FK fails.
		_, err = tx.UpsertObservationsBatch(ctx, records, id)
		return err
	})
	require.Error(t, err)

	_, err = repo.GetProcessedFile(ctx, testFile.Filename)
	require.ErrorIs(t, err, ErrNotFound)
	n, err := repo.CountObservations(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestWithinTx_PanicRollsBack(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	assert.Panics(t, func() {
		_ = repo.WithinTx(ctx, func(tx *Tx) error {
			_, err := tx.MarkFileProcessed(ctx, testFile, domain.FileStats{Status: domain.StatusCompleted})
			require.NoError(t, err)
			panic("boom")
		})
	})

	_, err := repo.GetProcessedFile(ctx, testFile.Filename)
	require.ErrorIs(t, err, ErrNotFound)
}

func TestWithinTx_ErrorIsReturned(t *testing.T) {
	repo := newTestRepo(t)
	sentinel := errors.New("stop")

	err := repo.WithinTx(context.Background(), func(*Tx) error { return sentinel })
	require.ErrorIs(t, err, sentinel)
}

func TestIsAlreadyCompleted(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	done, err := repo.IsAlreadyCompleted(ctx, testFile.Filename)
	require.NoError(t, err)
	assert.False(t, done, "unknown file")

	_, err = repo.RecordFailure(ctx, testFile, domain.FileStats{RowsSeen: 100, ParseFailures: 11})
	require.NoError(t, err)
	done, err = repo.IsAlreadyCompleted(ctx, testFile.Filename)
	require.NoError(t, err)
	assert.False(t, done, "failed")

	records := testObservations(2)
	_, err = repo.IngestFile(ctx, testFile, records, domain.FileStats{RowsSeen: 2, ParseFailures: 1, Status: domain.StatusPartial})
	require.NoError(t, err)
	done, err = repo.IsAlreadyCompleted(ctx, testFile.Filename)
	require.NoError(t, err)
	assert.False(t, done, "partial")

	_, err = repo.IngestFile(ctx, testFile, records, completedStats(records))
	require.NoError(t, err)
	done, err = repo.IsAlreadyCompleted(ctx, testFile.Filename)
	require.NoError(t, err)
	assert.True(t, done)
}

func TestRecordFailure_CountsConsecutiveAttempts(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	for want := 1; want <= 3; want++ {
		n, err := repo.RecordFailure(ctx, testFile, domain.FileStats{Reason: "no valid records"})
		require.NoError(t, err)
		assert.Equal(t, want, n)
	}

	pf, err := repo.GetProcessedFile(ctx, testFile.Filename)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusFailed, pf.Status)
	assert.Equal(t, 3, pf.ConsecutiveFailures)
	assert.Equal(t, "no valid records", pf.LastError)

	records := testObservations(1)
	_, err = repo.IngestFile(ctx, testFile, records, completedStats(records))
	require.NoError(t, err)

	pf, err = repo.GetProcessedFile(ctx, testFile.Filename)
	require.NoError(t, err)
	assert.Zero(t, pf.ConsecutiveFailures)
	assert.Empty(t, pf.LastError)
}

func TestRecordRejection(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	require.NoError(t, repo.RecordRejection(ctx, testFile, "host not allowed"))

	pf, err := repo.GetProcessedFile(ctx, testFile.Filename)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusRejected, pf.Status)
	assert.Equal(t, testFile.URL, pf.URL)
	assert.Equal(t, "host not allowed", pf.LastError)
}

func TestGetProcessedFile_LastModifiedAndFingerprint(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()
	records := testObservations(1)
	lm := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

	stats := completedStats(records)
	stats.LastModified = lm
	stats.Fingerprint = "deadbeef"
	_, err := repo.IngestFile(ctx, testFile, records, stats)
	require.NoError(t, err)

	pf, err := repo.GetProcessedFile(ctx, testFile.Filename)
	require.NoError(t, err)
	require.NotNil(t, pf.LastModified)
	assert.True(t, lm.Equal(*pf.LastModified))
	assert.Equal(t, "deadbeef", pf.Fingerprint)
	assert.Equal(t, 2024, pf.Year)
	assert.Equal(t, "Charlottesville_2_SSE", pf.StationLabel)
}

func TestGetStation_NotFound(t *testing.T) {
	repo := newTestRepo(t)
	_, err := repo.GetStation(context.Background(), 1)
	require.ErrorIs(t, err, ErrNotFound)
}

func TestRebind(t *testing.T) {
	q := "SELECT a FROM t WHERE x = ? AND y = ?"
	assert.Equal(t, q, rebind(SQLite, q))
	assert.Equal(t, "SELECT a FROM t WHERE x = $1 AND y = $2", rebind(Postgres, q))
}

func TestBuildDSN(t *testing.T) {
	dir := t.TempDir()

	dsn, err := buildDSN(Options{Driver: SQLite, SQLitePath: dir + "/data/uscrn.db"})
	require.NoError(t, err)
	assert.Equal(t, "file:"+dir+"/data/uscrn.db?_foreign_keys=on&_busy_timeout=5000&_journal_mode=WAL", dsn)
	assert.DirExists(t, dir+"/data")

	dsn, err = buildDSN(Options{Driver: SQLite, SQLitePath: "file:" + dir + "/x.db?cache=shared"})
	require.NoError(t, err)
	assert.Equal(t, "file:"+dir+"/x.db?cache=shared&_foreign_keys=on&_busy_timeout=5000&_journal_mode=WAL", dsn)

	_, err = buildDSN(Options{Driver: Postgres})
	require.Error(t, err)

	_, err = buildDSN(Options{Driver: "mysql"})
	require.Error(t, err)
}
