// Package parquet keeps a columnar copy of every ingested file on disk.
package parquet

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/couchcryptid/uscrn-ingest/internal/domain"
	parquet "github.com/parquet-go/parquet-go"
)

// Row is the archive schema: one hourly observation. Times are Unix seconds.
type Row struct {
	StationID  int32  `parquet:"wbanno"`
	UTCTime    int64  `parquet:"utc_time"`
	LSTTime    int64  `parquet:"lst_time"`
	CRXVersion string `parquet:"crx_version"`

	Longitude *float64 `parquet:"longitude"`
	Latitude  *float64 `parquet:"latitude"`

	TCalc  *float64 `parquet:"t_calc"`
	THrAvg *float64 `parquet:"t_hr_avg"`
	TMax   *float64 `parquet:"t_max"`
	TMin   *float64 `parquet:"t_min"`
	PCalc  *float64 `parquet:"p_calc"`

	SolaRad        *float64 `parquet:"solarad"`
	SolaRadFlag    *int32   `parquet:"solarad_flag"`
	SolaRadMax     *float64 `parquet:"solarad_max"`
	SolaRadMaxFlag *int32   `parquet:"solarad_max_flag"`
	SolaRadMin     *float64 `parquet:"solarad_min"`
	SolaRadMinFlag *int32   `parquet:"solarad_min_flag"`

	SurTempType    string   `parquet:"sur_temp_type"`
	SurTemp        *float64 `parquet:"sur_temp"`
	SurTempFlag    *int32   `parquet:"sur_temp_flag"`
	SurTempMax     *float64 `parquet:"sur_temp_max"`
	SurTempMaxFlag *int32   `parquet:"sur_temp_max_flag"`
	SurTempMin     *float64 `parquet:"sur_temp_min"`
	SurTempMinFlag *int32   `parquet:"sur_temp_min_flag"`

	RHHrAvg     *float64 `parquet:"rh_hr_avg"`
	RHHrAvgFlag *int32   `parquet:"rh_hr_avg_flag"`

	SoilMoisture5   *float64 `parquet:"soil_moisture_5"`
	SoilMoisture10  *float64 `parquet:"soil_moisture_10"`
	SoilMoisture20  *float64 `parquet:"soil_moisture_20"`
	SoilMoisture50  *float64 `parquet:"soil_moisture_50"`
	SoilMoisture100 *float64 `parquet:"soil_moisture_100"`

	SoilTemp5   *float64 `parquet:"soil_temp_5"`
	SoilTemp10  *float64 `parquet:"soil_temp_10"`
	SoilTemp20  *float64 `parquet:"soil_temp_20"`
	SoilTemp50  *float64 `parquet:"soil_temp_50"`
	SoilTemp100 *float64 `parquet:"soil_temp_100"`
}

// Archiver writes <dir>/<year>/<file>.parquet. It implements pipeline.Archiver.
type Archiver struct {
	dir    string
	logger *slog.Logger
}

func NewArchiver(dir string, logger *slog.Logger) *Archiver {
	return &Archiver{dir: dir, logger: logger}
}

// Path returns the archive location for a file.
func (a *Archiver) Path(d domain.FileDescriptor) string {
	name := strings.TrimSuffix(d.Filename, filepath.Ext(d.Filename)) + ".parquet"
	return filepath.Join(a.dir, strconv.Itoa(d.Year), name)
}

// Archive replaces the archive for d with records.
func (a *Archiver) Archive(ctx context.Context, d domain.FileDescriptor, records []domain.Observation) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	path := a.Path(d)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("archive mkdir: %w", err)
	}

	rows := make([]Row, len(records))
	for i := range records {
		rows[i] = toRow(&records[i])
	}
	if err := writeParquet(path, rows); err != nil {
		return fmt.Errorf("archive %s: %w", d.Filename, err)
	}
	a.logger.Debug("file archived", "file", d.Filename, "path", path, "rows", len(rows))
	return nil
}

// writeParquet atomically writes rows to path via a .tmp intermediate file.
func writeParquet(path string, rows []Row) error {
	tmp := path + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return err
	}

	w := parquet.NewGenericWriter[Row](f)
	if _, err := w.Write(rows); err != nil {
		f.Close()
		os.Remove(tmp)
		return err
	}
	if err := w.Close(); err != nil {
		f.Close()
		os.Remove(tmp)
		return err
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return err
	}
	return os.Rename(tmp, path)
}

func toRow(o *domain.Observation) Row {
	return Row{
		StationID:       int32(o.StationID),
		UTCTime:         o.UTCTime.Unix(),
		LSTTime:         o.LSTTime.Unix(),
		CRXVersion:      o.CRXVersion,
		Longitude:       o.Longitude,
		Latitude:        o.Latitude,
		TCalc:           o.TCalc,
		THrAvg:          o.THrAvg,
		TMax:            o.TMax,
		TMin:            o.TMin,
		PCalc:           o.PCalc,
		SolaRad:         o.SolaRad,
		SolaRadFlag:     flag32(o.SolaRadFlag),
		SolaRadMax:      o.SolaRadMax,
		SolaRadMaxFlag:  flag32(o.SolaRadMaxFlag),
		SolaRadMin:      o.SolaRadMin,
		SolaRadMinFlag:  flag32(o.SolaRadMinFlag),
		SurTempType:     o.SurTempType,
		SurTemp:         o.SurTemp,
		SurTempFlag:     flag32(o.SurTempFlag),
		SurTempMax:      o.SurTempMax,
		SurTempMaxFlag:  flag32(o.SurTempMaxFlag),
		SurTempMin:      o.SurTempMin,
		SurTempMinFlag:  flag32(o.SurTempMinFlag),
		RHHrAvg:         o.RHHrAvg,
		RHHrAvgFlag:     flag32(o.RHHrAvgFlag),
		SoilMoisture5:   o.SoilMoisture5,
		SoilMoisture10:  o.SoilMoisture10,
		SoilMoisture20:  o.SoilMoisture20,
		SoilMoisture50:  o.SoilMoisture50,
		SoilMoisture100: o.SoilMoisture100,
		SoilTemp5:       o.SoilTemp5,
		SoilTemp10:      o.SoilTemp10,
		SoilTemp20:      o.SoilTemp20,
		SoilTemp50:      o.SoilTemp50,
		SoilTemp100:     o.SoilTemp100,
	}
}

func flag32(p *int) *int32 {
	if p == nil {
		return nil
	}
	v := int32(*p)
	return &v
}
