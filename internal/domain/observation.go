package domain

import "time"

// Observation is one hourly record from a station file. Every measurement is
// optional; nil means the source carried the "no data" sentinel.
type Observation struct {
	StationID  int       `json:"station_id"`
	UTCTime    time.Time `json:"utc_time"`
	LSTTime    time.Time `json:"lst_time"`
	CRXVersion string    `json:"crx_version,omitempty"`

	// Station position as reported on the line; used for the station directory.
	Longitude *float64 `json:"longitude,omitempty"`
	Latitude  *float64 `json:"latitude,omitempty"`

	TCalc  *float64 `json:"t_calc,omitempty"`
	THrAvg *float64 `json:"t_hr_avg,omitempty"`
	TMax   *float64 `json:"t_max,omitempty"`
	TMin   *float64 `json:"t_min,omitempty"`
	PCalc  *float64 `json:"p_calc,omitempty"`

	SolaRad        *float64 `json:"solarad,omitempty"`
	SolaRadFlag    *int     `json:"solarad_flag,omitempty"`
	SolaRadMax     *float64 `json:"solarad_max,omitempty"`
	SolaRadMaxFlag *int     `json:"solarad_max_flag,omitempty"`
	SolaRadMin     *float64 `json:"solarad_min,omitempty"`
	SolaRadMinFlag *int     `json:"solarad_min_flag,omitempty"`

	SurTempType    string   `json:"sur_temp_type,omitempty"`
	SurTemp        *float64 `json:"sur_temp,omitempty"`
	SurTempFlag    *int     `json:"sur_temp_flag,omitempty"`
	SurTempMax     *float64 `json:"sur_temp_max,omitempty"`
	SurTempMaxFlag *int     `json:"sur_temp_max_flag,omitempty"`
	SurTempMin     *float64 `json:"sur_temp_min,omitempty"`
	SurTempMinFlag *int     `json:"sur_temp_min_flag,omitempty"`

	RHHrAvg     *float64 `json:"rh_hr_avg,omitempty"`
	RHHrAvgFlag *int     `json:"rh_hr_avg_flag,omitempty"`

	SoilMoisture5   *float64 `json:"soil_moisture_5,omitempty"`
	SoilMoisture10  *float64 `json:"soil_moisture_10,omitempty"`
	SoilMoisture20  *float64 `json:"soil_moisture_20,omitempty"`
	SoilMoisture50  *float64 `json:"soil_moisture_50,omitempty"`
	SoilMoisture100 *float64 `json:"soil_moisture_100,omitempty"`

	SoilTemp5   *float64 `json:"soil_temp_5,omitempty"`
	SoilTemp10  *float64 `json:"soil_temp_10,omitempty"`
	SoilTemp20  *float64 `json:"soil_temp_20,omitempty"`
	SoilTemp50  *float64 `json:"soil_temp_50,omitempty"`
	SoilTemp100 *float64 `json:"soil_temp_100,omitempty"`
}

// Station is a row of the station directory.
type Station struct {
	ID        int
	Name      string
	State     string
	Latitude  *float64
	Longitude *float64
	FirstSeen time.Time
	LastSeen  time.Time
}

// ProcessingStatus is the ledger state of a file.
type ProcessingStatus string

const (
	// StatusCompleted is terminal: the file is skipped on later cycles
	// (except for the current year, which keeps growing at the origin).
	StatusCompleted ProcessingStatus = "completed"
	// StatusPartial means rows were persisted but some lines failed to parse.
	StatusPartial ProcessingStatus = "partial"
	// StatusFailed means nothing was persisted (parse rejected or empty file).
	StatusFailed ProcessingStatus = "failed"
	// StatusRejected means the file URL failed the origin policy check.
	StatusRejected ProcessingStatus = "rejected"
)

// Terminal reports whether the status stops future cycles from retrying.
func (s ProcessingStatus) Terminal() bool {
	return s == StatusCompleted
}

// Committed reports whether observations were persisted under this status.
func (s ProcessingStatus) Committed() bool {
	return s == StatusCompleted || s == StatusPartial
}

// FileStats are the counters written to the ledger for one ingestion attempt.
type FileStats struct {
	RowsSeen      int
	Inserted      int
	Updated       int
	ParseFailures int
	Status        ProcessingStatus
	LastModified  time.Time
	Fingerprint   string
	// Reason is a short diagnostic for non-completed statuses.
	Reason string
}

// ProcessedFile is a ledger entry.
type ProcessedFile struct {
	ID                  int64
	Filename            string
	URL                 string
	Year                int
	State               string
	StationLabel        string
	LastModified        *time.Time
	RowsSeen            int
	Inserted            int
	Updated             int
	ParseFailures       int
	Status              ProcessingStatus
	Fingerprint         string
	ConsecutiveFailures int
	LastError           string
	ProcessedAt         time.Time
}

// InsertResult reports how many observation rows were new versus overwritten.
type InsertResult struct {
	Inserted int
	Updated  int
}
