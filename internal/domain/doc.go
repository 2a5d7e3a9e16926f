// Package domain models NOAA U.S. Climate Reference Network (USCRN) hourly
// observation files and the ledger that tracks their ingestion.
//
// # Data Source
//
// Hourly files are published under the hourly02 product of the NCEI archive,
// https://www.ncei.noaa.gov/pub/data/uscrn/products/hourly02/, one directory
// per year and one file per station per year. Files for the current year are
// appended to every hour, so they are revisited on every cycle.
//
// # Filename Grammar
//
//	<prefix>-<year>-<state>_<location>_<distance>_<direction>.txt
//	e.g. "CRNH0203-2024-CA_Bodega_6_WSW.txt"
//	means the station 6 miles west-southwest of Bodega, CA, year 2024.
//
// The station identifier (WBANNO) is not part of the filename; it is the first
// column of every line. Filtering by station therefore happens after parsing.
//
// # Line Layout
//
// Each line is one hour, 38 whitespace-separated columns in fixed order:
//
//	 1 WBANNO          station identifier
//	 2 UTC_DATE        YYYYMMDD
//	 3 UTC_TIME        HHMM
//	 4 LST_DATE        YYYYMMDD, local standard time
//	 5 LST_TIME        HHMM, local standard time
//	 6 CRX_VERSION     datalogger version string
//	 7 LONGITUDE       decimal degrees
//	 8 LATITUDE        decimal degrees
//	 9 T_CALC          °C
//	10 T_HR_AVG        °C
//	11 T_MAX           °C
//	12 T_MIN           °C
//	13 P_CALC          mm
//	14-19 SOLARAD, SOLARAD_FLAG, SOLARAD_MAX, SOLARAD_MAX_FLAG, SOLARAD_MIN, SOLARAD_MIN_FLAG
//	20 SUR_TEMP_TYPE   R (raw), C (corrected), U (unknown)
//	21-26 SUR_TEMP, SUR_TEMP_FLAG, SUR_TEMP_MAX, SUR_TEMP_MAX_FLAG, SUR_TEMP_MIN, SUR_TEMP_MIN_FLAG
//	27 RH_HR_AVG       %
//	28 RH_HR_AVG_FLAG
//	29-33 SOIL_MOISTURE_5/10/20/50/100   m³/m³
//	34-38 SOIL_TEMP_5/10/20/50/100       °C
//
// Missing values use the lowest value representable in the column format:
// -9999.0 (or -9999 for flags) in most columns and -99.000 in the soil
// moisture columns. They are stored as NULL.
//
// # Idempotency
//
// Observations are keyed by (WBANNO, UTC timestamp). Re-importing a file
// overwrites the value columns of existing rows, so replays never duplicate.
package domain
