package parquet

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/couchcryptid/uscrn-ingest/internal/domain"
	parquet "github.com/parquet-go/parquet-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func ptr[T any](v T) *T { return &v }

func readRows(t *testing.T, path string) []Row {
	t.Helper()
	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()

	r := parquet.NewGenericReader[Row](f)
	defer r.Close()

	var all []Row
	buf := make([]Row, 16)
	for {
		n, err := r.Read(buf)
		all = append(all, buf[:n]...)
		if errors.Is(err, io.EOF) {
			break
		}
		require.NoError(t, err)
	}
	return all
}

func TestArchive_WritesRowsAndReplaces(t *testing.T) {
	dir := t.TempDir()
	a := NewArchiver(dir, slog.New(slog.NewTextHandler(io.Discard, nil)))
	d := domain.FileDescriptor{Filename: "CRNH0203-2024-CA_Bodega_6_WSW.txt", Year: 2024}
	utc := time.Date(2024, 1, 15, 14, 0, 0, 0, time.UTC)

	records := []domain.Observation{
		{StationID: 93245, UTCTime: utc, LSTTime: utc.Add(-8 * time.Hour), CRXVersion: "3", THrAvg: ptr(4.1), SolaRadFlag: ptr(0), SurTempType: "C"},
		{StationID: 93245, UTCTime: utc.Add(time.Hour), LSTTime: utc.Add(-7 * time.Hour)},
	}
	require.NoError(t, a.Archive(context.Background(), d, records))

	path := filepath.Join(dir, "2024", "CRNH0203-2024-CA_Bodega_6_WSW.parquet")
	assert.Equal(t, path, a.Path(d))

	rows := readRows(t, path)
	require.Len(t, rows, 2)
	assert.Equal(t, int32(93245), rows[0].StationID)
	assert.Equal(t, utc.Unix(), rows[0].UTCTime)
	require.NotNil(t, rows[0].THrAvg)
	assert.InDelta(t, 4.1, *rows[0].THrAvg, 1e-9)
	require.NotNil(t, rows[0].SolaRadFlag)
	assert.Equal(t, int32(0), *rows[0].SolaRadFlag)
	assert.Nil(t, rows[1].THrAvg, "absent values stay null")
	assert.Nil(t, rows[1].SolaRadFlag)

	require.NoError(t, a.Archive(context.Background(), d, records[:1]))
	assert.Len(t, readRows(t, path), 1)

	_, err := os.Stat(path + ".tmp")
	assert.True(t, os.IsNotExist(err))
}

func TestArchive_CanceledContext(t *testing.T) {
	a := NewArchiver(t.TempDir(), slog.Default())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := a.Archive(ctx, domain.FileDescriptor{Filename: "x.txt", Year: 2024}, nil)
	require.ErrorIs(t, err, context.Canceled)
}
