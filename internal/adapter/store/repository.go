package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/couchcryptid/uscrn-ingest/internal/domain"
)

// ErrNotFound is returned by lookups that match no row.
var ErrNotFound = errors.New("not found")

// observationColumns is the value layout shared by insert, update, and select.
// The key columns (wbanno, utc_datetime) come first.
var observationColumns = []string{
	"wbanno", "utc_datetime", "lst_datetime", "crx_version",
	"t_calc", "t_hr_avg", "t_max", "t_min", "p_calc",
	"solarad", "solarad_flag", "solarad_max", "solarad_max_flag", "solarad_min", "solarad_min_flag",
	"sur_temp_type", "sur_temp", "sur_temp_flag", "sur_temp_max", "sur_temp_max_flag", "sur_temp_min", "sur_temp_min_flag",
	"rh_hr_avg", "rh_hr_avg_flag",
	"soil_moisture_5", "soil_moisture_10", "soil_moisture_20", "soil_moisture_50", "soil_moisture_100",
	"soil_temp_5", "soil_temp_10", "soil_temp_20", "soil_temp_50", "soil_temp_100",
	"source_file_id",
}

var (
	insertObservationSQL = fmt.Sprintf(
		"INSERT INTO observations (%s) VALUES (%s) ON CONFLICT (wbanno, utc_datetime) DO NOTHING",
		strings.Join(observationColumns, ", "),
		strings.TrimSuffix(strings.Repeat("?, ", len(observationColumns)), ", "),
	)
	updateObservationSQL = buildUpdateObservationSQL()
	selectObservationSQL = fmt.Sprintf(
		"SELECT %s FROM observations WHERE wbanno = ? AND utc_datetime = ?",
		strings.Join(observationColumns, ", "),
	)
)

func buildUpdateObservationSQL() string {
	sets := make([]string, 0, len(observationColumns)-2)
	for _, c := range observationColumns[2:] {
		sets = append(sets, c+" = ?")
	}
	return fmt.Sprintf("UPDATE observations SET %s WHERE wbanno = ? AND utc_datetime = ?", strings.Join(sets, ", "))
}

// Station fields arriving as NULL never erase what is already known;
// first_seen is only written on insert.
const upsertStationSQL = `
INSERT INTO stations (wbanno, name, state, latitude, longitude, first_seen, last_seen)
VALUES (?, ?, ?, ?, ?, ?, ?)
ON CONFLICT (wbanno) DO UPDATE SET
  name      = COALESCE(excluded.name, stations.name),
  state     = COALESCE(excluded.state, stations.state),
  latitude  = COALESCE(excluded.latitude, stations.latitude),
  longitude = COALESCE(excluded.longitude, stations.longitude),
  last_seen = excluded.last_seen`

// A failed attempt increments consecutive_failures; any other status resets it.
const upsertProcessedFileSQL = `
INSERT INTO processed_files (
  file_name, url, year, state, station_label, last_modified,
  rows_seen, rows_inserted, rows_updated, parse_failures,
  status, fingerprint, consecutive_failures, last_error, processed_at
) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT (file_name) DO UPDATE SET
  url            = excluded.url,
  year           = excluded.year,
  state          = excluded.state,
  station_label  = excluded.station_label,
  last_modified  = COALESCE(excluded.last_modified, processed_files.last_modified),
  rows_seen      = excluded.rows_seen,
  rows_inserted  = excluded.rows_inserted,
  rows_updated   = excluded.rows_updated,
  parse_failures = excluded.parse_failures,
  status         = excluded.status,
  fingerprint    = excluded.fingerprint,
  consecutive_failures = CASE
    WHEN excluded.status = 'failed' THEN processed_files.consecutive_failures + 1
    ELSE 0
  END,
  last_error     = excluded.last_error,
  processed_at   = excluded.processed_at
RETURNING id, consecutive_failures`

const selectProcessedFileSQL = `
SELECT id, file_name, url, year, state, station_label, last_modified,
       rows_seen, rows_inserted, rows_updated, parse_failures,
       status, fingerprint, consecutive_failures, last_error, processed_at
FROM processed_files WHERE file_name = ?`

// Repository is the only writer of stations, observations, and the ledger.
type Repository struct {
	db      *sql.DB
	dialect Dialect
	logger  *slog.Logger
}

// NewRepository wraps an open database. The schema must already be migrated.
func NewRepository(db *sql.DB, dialect Dialect, logger *slog.Logger) *Repository {
	return &Repository{db: db, dialect: dialect, logger: logger}
}

func (r *Repository) q(query string) string {
	return rebind(r.dialect, query)
}

// Ping checks database connectivity.
func (r *Repository) Ping(ctx context.Context) error {
	return r.db.PingContext(ctx)
}

// Tx exposes the write operations that must share one transaction.
type Tx struct {
	tx *sql.Tx
	r  *Repository
}

// WithinTx runs fn in a transaction. It commits when fn returns nil and rolls
// back on error or panic; a panic is re-raised after the rollback.
func (r *Repository) WithinTx(ctx context.Context, fn func(*Tx) error) (err error) {
	sqlTx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() {
		if p := recover(); p != nil {
			_ = sqlTx.Rollback()
			panic(p)
		}
		if err != nil {
			if rbErr := sqlTx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
				r.logger.Error("rollback failed", "error", rbErr)
			}
		}
	}()

	if err = fn(&Tx{tx: sqlTx, r: r}); err != nil {
		return err
	}
	if err = sqlTx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// UpsertStation inserts an unseen station or refreshes a known one.
func (t *Tx) UpsertStation(ctx context.Context, s domain.Station) error {
	seen := s.LastSeen
	if seen.IsZero() {
		seen = domain.Now()
	}
	first := s.FirstSeen
	if first.IsZero() {
		first = seen
	}
	_, err := t.tx.ExecContext(ctx, t.r.q(upsertStationSQL),
		s.ID, nullString(s.Name), nullString(s.State), s.Latitude, s.Longitude,
		first.UTC(), seen.UTC(),
	)
	if err != nil {
		return fmt.Errorf("upsert station %d: %w", s.ID, err)
	}
	return nil
}

// UpsertObservationsBatch writes every record, inserting new keys and
// overwriting the value columns of existing ones.
func (t *Tx) UpsertObservationsBatch(ctx context.Context, records []domain.Observation, ledgerID int64) (domain.InsertResult, error) {
	var res domain.InsertResult
	if len(records) == 0 {
		return res, nil
	}

	ins, err := t.tx.PrepareContext(ctx, t.r.q(insertObservationSQL))
	if err != nil {
		return res, fmt.Errorf("prepare insert: %w", err)
	}
	defer ins.Close()
	upd, err := t.tx.PrepareContext(ctx, t.r.q(updateObservationSQL))
	if err != nil {
		return res, fmt.Errorf("prepare update: %w", err)
	}
	defer upd.Close()

	for i := range records {
		args := observationArgs(&records[i], ledgerID)

		out, err := ins.ExecContext(ctx, args...)
		if err != nil {
			return res, fmt.Errorf("insert observation %d@%s: %w", records[i].StationID, records[i].UTCTime.Format(time.RFC3339), err)
		}
		n, err := out.RowsAffected()
		if err != nil {
			return res, fmt.Errorf("rows affected: %w", err)
		}
		if n == 1 {
			res.Inserted++
			continue
		}

		// Key already present: move the key to the end for the WHERE clause.
		updArgs := append(append(make([]any, 0, len(args)), args[2:]...), args[0], args[1])
		if _, err := upd.ExecContext(ctx, updArgs...); err != nil {
			return res, fmt.Errorf("update observation %d@%s: %w", records[i].StationID, records[i].UTCTime.Format(time.RFC3339), err)
		}
		res.Updated++
	}
	return res, nil
}

// MarkFileProcessed writes the ledger row for one attempt and returns its id.
func (t *Tx) MarkFileProcessed(ctx context.Context, d domain.FileDescriptor, stats domain.FileStats) (int64, error) {
	id, _, err := upsertLedger(ctx, t.tx, t.r.dialect, d, stats)
	return id, err
}

type execQuerier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func upsertLedger(ctx context.Context, q execQuerier, dialect Dialect, d domain.FileDescriptor, stats domain.FileStats) (id int64, failures int, err error) {
	initialFailures := 0
	if stats.Status == domain.StatusFailed {
		initialFailures = 1
	}
	var lastModified any
	if !stats.LastModified.IsZero() {
		lastModified = stats.LastModified.UTC()
	}
	err = q.QueryRowContext(ctx, rebind(dialect, upsertProcessedFileSQL),
		d.Filename, d.URL, d.Year, d.State, d.StationLabel, lastModified,
		stats.RowsSeen, stats.Inserted, stats.Updated, stats.ParseFailures,
		string(stats.Status), nullString(stats.Fingerprint), initialFailures, nullString(stats.Reason),
		domain.Now(),
	).Scan(&id, &failures)
	if err != nil {
		return 0, 0, fmt.Errorf("upsert ledger %s: %w", d.Filename, err)
	}
	return id, failures, nil
}

// IngestFile persists one parsed file atomically: stations, the ledger row,
// the observation batch, then the ledger row again with final counts. The
// returned stats carry the inserted and updated counts.
func (r *Repository) IngestFile(ctx context.Context, d domain.FileDescriptor, records []domain.Observation, stats domain.FileStats) (domain.FileStats, error) {
	err := r.WithinTx(ctx, func(tx *Tx) error {
		now := domain.Now()
		for _, s := range distinctStations(d, records, now) {
			if err := tx.UpsertStation(ctx, s); err != nil {
				return err
			}
		}

		id, err := tx.MarkFileProcessed(ctx, d, stats)
		if err != nil {
			return err
		}

		res, err := tx.UpsertObservationsBatch(ctx, records, id)
		if err != nil {
			return err
		}
		stats.Inserted = res.Inserted
		stats.Updated = res.Updated

		_, err = tx.MarkFileProcessed(ctx, d, stats)
		return err
	})
	if err != nil {
		return stats, fmt.Errorf("ingest %s: %w", d.Filename, err)
	}
	return stats, nil
}

// distinctStations builds one station row per WBANNO in first-seen order.
// Position comes from the first record carrying it.
func distinctStations(d domain.FileDescriptor, records []domain.Observation, seen time.Time) []domain.Station {
	index := make(map[int]int)
	var out []domain.Station
	for i := range records {
		o := &records[i]
		j, ok := index[o.StationID]
		if !ok {
			index[o.StationID] = len(out)
			out = append(out, domain.Station{
				ID:        o.StationID,
				Name:      d.StationLabel,
				State:     d.State,
				FirstSeen: seen,
				LastSeen:  seen,
			})
			j = len(out) - 1
		}
		if out[j].Latitude == nil && o.Latitude != nil {
			out[j].Latitude = o.Latitude
		}
		if out[j].Longitude == nil && o.Longitude != nil {
			out[j].Longitude = o.Longitude
		}
	}
	return out
}

// RecordFailure writes a non-terminal "failed" ledger row and returns the
// number of consecutive failed attempts for the file.
func (r *Repository) RecordFailure(ctx context.Context, d domain.FileDescriptor, stats domain.FileStats) (int, error) {
	stats.Status = domain.StatusFailed
	stats.Inserted, stats.Updated = 0, 0
	_, n, err := upsertLedger(ctx, r.db, r.dialect, d, stats)
	return n, err
}

// RecordRejection marks a file whose URL failed the origin policy.
func (r *Repository) RecordRejection(ctx context.Context, d domain.FileDescriptor, reason string) error {
	_, _, err := upsertLedger(ctx, r.db, r.dialect, d, domain.FileStats{
		Status: domain.StatusRejected,
		Reason: reason,
	})
	return err
}

// IsAlreadyCompleted reports whether the ledger marks the file completed.
// Partial, failed, and rejected files are not completed.
func (r *Repository) IsAlreadyCompleted(ctx context.Context, filename string) (bool, error) {
	var status string
	err := r.db.QueryRowContext(ctx, r.q("SELECT status FROM processed_files WHERE file_name = ?"), filename).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("ledger lookup %s: %w", filename, err)
	}
	return domain.ProcessingStatus(status) == domain.StatusCompleted, nil
}

// GetProcessedFile returns the ledger entry for filename or ErrNotFound.
func (r *Repository) GetProcessedFile(ctx context.Context, filename string) (domain.ProcessedFile, error) {
	var (
		pf           domain.ProcessedFile
		status       string
		lastModified sql.NullTime
		fingerprint  sql.NullString
		lastError    sql.NullString
	)
	err := r.db.QueryRowContext(ctx, r.q(selectProcessedFileSQL), filename).Scan(
		&pf.ID, &pf.Filename, &pf.URL, &pf.Year, &pf.State, &pf.StationLabel, &lastModified,
		&pf.RowsSeen, &pf.Inserted, &pf.Updated, &pf.ParseFailures,
		&status, &fingerprint, &pf.ConsecutiveFailures, &lastError, &pf.ProcessedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.ProcessedFile{}, ErrNotFound
	}
	if err != nil {
		return domain.ProcessedFile{}, fmt.Errorf("get processed file %s: %w", filename, err)
	}
	pf.Status = domain.ProcessingStatus(status)
	pf.Fingerprint = fingerprint.String
	pf.LastError = lastError.String
	pf.ProcessedAt = pf.ProcessedAt.UTC()
	if lastModified.Valid {
		t := lastModified.Time.UTC()
		pf.LastModified = &t
	}
	return pf, nil
}

// GetStation returns a station row or ErrNotFound.
func (r *Repository) GetStation(ctx context.Context, id int) (domain.Station, error) {
	var (
		s     domain.Station
		name  sql.NullString
		state sql.NullString
	)
	err := r.db.QueryRowContext(ctx,
		r.q("SELECT wbanno, name, state, latitude, longitude, first_seen, last_seen FROM stations WHERE wbanno = ?"), id,
	).Scan(&s.ID, &name, &state, &s.Latitude, &s.Longitude, &s.FirstSeen, &s.LastSeen)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Station{}, ErrNotFound
	}
	if err != nil {
		return domain.Station{}, fmt.Errorf("get station %d: %w", id, err)
	}
	s.Name, s.State = name.String, state.String
	s.FirstSeen, s.LastSeen = s.FirstSeen.UTC(), s.LastSeen.UTC()
	return s, nil
}

// GetObservation returns the observation for a key or ErrNotFound.
func (r *Repository) GetObservation(ctx context.Context, stationID int, utc time.Time) (domain.Observation, error) {
	var (
		o            domain.Observation
		crx          sql.NullString
		surTempType  sql.NullString
		sourceFileID sql.NullInt64
	)
	dest := observationDest(&o, &crx, &surTempType, &sourceFileID)
	err := r.db.QueryRowContext(ctx, r.q(selectObservationSQL), stationID, utc.UTC()).Scan(dest...)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Observation{}, ErrNotFound
	}
	if err != nil {
		return domain.Observation{}, fmt.Errorf("get observation %d@%s: %w", stationID, utc.Format(time.RFC3339), err)
	}
	o.CRXVersion = crx.String
	o.SurTempType = surTempType.String
	o.UTCTime, o.LSTTime = o.UTCTime.UTC(), o.LSTTime.UTC()
	return o, nil
}

// CountObservations returns the number of observation rows.
func (r *Repository) CountObservations(ctx context.Context) (int, error) {
	var n int
	if err := r.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM observations").Scan(&n); err != nil {
		return 0, fmt.Errorf("count observations: %w", err)
	}
	return n, nil
}

func observationArgs(o *domain.Observation, ledgerID int64) []any {
	return []any{
		o.StationID, o.UTCTime.UTC(), o.LSTTime.UTC(), nullString(o.CRXVersion),
		o.TCalc, o.THrAvg, o.TMax, o.TMin, o.PCalc,
		o.SolaRad, o.SolaRadFlag, o.SolaRadMax, o.SolaRadMaxFlag, o.SolaRadMin, o.SolaRadMinFlag,
		nullString(o.SurTempType), o.SurTemp, o.SurTempFlag, o.SurTempMax, o.SurTempMaxFlag, o.SurTempMin, o.SurTempMinFlag,
		o.RHHrAvg, o.RHHrAvgFlag,
		o.SoilMoisture5, o.SoilMoisture10, o.SoilMoisture20, o.SoilMoisture50, o.SoilMoisture100,
		o.SoilTemp5, o.SoilTemp10, o.SoilTemp20, o.SoilTemp50, o.SoilTemp100,
		ledgerID,
	}
}

func observationDest(o *domain.Observation, crx, surTempType *sql.NullString, sourceFileID *sql.NullInt64) []any {
	return []any{
		&o.StationID, &o.UTCTime, &o.LSTTime, crx,
		&o.TCalc, &o.THrAvg, &o.TMax, &o.TMin, &o.PCalc,
		&o.SolaRad, &o.SolaRadFlag, &o.SolaRadMax, &o.SolaRadMaxFlag, &o.SolaRadMin, &o.SolaRadMinFlag,
		surTempType, &o.SurTemp, &o.SurTempFlag, &o.SurTempMax, &o.SurTempMaxFlag, &o.SurTempMin, &o.SurTempMinFlag,
		&o.RHHrAvg, &o.RHHrAvgFlag,
		&o.SoilMoisture5, &o.SoilMoisture10, &o.SoilMoisture20, &o.SoilMoisture50, &o.SoilMoisture100,
		&o.SoilTemp5, &o.SoilTemp10, &o.SoilTemp20, &o.SoilTemp50, &o.SoilTemp100,
		sourceFileID,
	}
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
