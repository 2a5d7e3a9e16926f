package parser

import (
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleLine = "53104 20240115 1400 20240115 0600 3   -81.74    36.53  -9999.0     4.1     4.9     3.4     0.0    45.5 0    58.6 0    35.9 0 C     1.1 0     2.1 0    -0.5 0    81.9 0  -9999.0  -9999.0  -9999.0  -9999.0  -9999.0  -9999.0  -9999.0  -9999.0  -9999.0  -9999.0"

func lineAt(hour int) string {
	return strings.Replace(sampleLine, "20240115 1400", fmt.Sprintf("20240115 %02d00", hour), 1)
}

// fileWith builds n lines, the first bad of which are malformed.
func fileWith(n, bad int) []byte {
	var b strings.Builder
	for i := 0; i < n; i++ {
		if i < bad {
			b.WriteString("53104 garbage line\n")
			continue
		}
		// Distinct UTC hours keep records unique; the day rolls via the date.
		day := 1 + i/24
		line := strings.Replace(sampleLine, "20240115 1400", fmt.Sprintf("202401%02d %02d00", day, i%24), 1)
		b.WriteString(line)
		b.WriteByte('\n')
	}
	return []byte(b.String())
}

func TestParseLine_Sample(t *testing.T) {
	obs, err := ParseLine(sampleLine)
	require.NoError(t, err)

	assert.Equal(t, 53104, obs.StationID)
	assert.Equal(t, time.Date(2024, 1, 15, 14, 0, 0, 0, time.UTC), obs.UTCTime)
	assert.Equal(t, time.Date(2024, 1, 15, 6, 0, 0, 0, time.UTC), obs.LSTTime)
	assert.Equal(t, "3", obs.CRXVersion)
	require.NotNil(t, obs.Longitude)
	assert.InDelta(t, -81.74, *obs.Longitude, 1e-9)
	require.NotNil(t, obs.Latitude)
	assert.InDelta(t, 36.53, *obs.Latitude, 1e-9)

	assert.Nil(t, obs.TCalc, "sentinel must become nil")
	require.NotNil(t, obs.THrAvg)
	assert.InDelta(t, 4.1, *obs.THrAvg, 1e-9)
	require.NotNil(t, obs.TMax)
	assert.InDelta(t, 4.9, *obs.TMax, 1e-9)
	require.NotNil(t, obs.TMin)
	assert.InDelta(t, 3.4, *obs.TMin, 1e-9)
	require.NotNil(t, obs.PCalc)
	assert.Zero(t, *obs.PCalc)

	require.NotNil(t, obs.SolaRad)
	assert.InDelta(t, 45.5, *obs.SolaRad, 1e-9)
	require.NotNil(t, obs.SolaRadFlag)
	assert.Equal(t, 0, *obs.SolaRadFlag)
	assert.Equal(t, "C", obs.SurTempType)
	require.NotNil(t, obs.SurTempMin)
	assert.InDelta(t, -0.5, *obs.SurTempMin, 1e-9)
	require.NotNil(t, obs.RHHrAvg)
	assert.InDelta(t, 81.9, *obs.RHHrAvg, 1e-9)

	assert.Nil(t, obs.SoilMoisture5)
	assert.Nil(t, obs.SoilMoisture100)
	assert.Nil(t, obs.SoilTemp5)
	assert.Nil(t, obs.SoilTemp100)
}

func TestParseLine_SoilMoistureSentinel(t *testing.T) {
	line := strings.Replace(sampleLine, "81.9 0  -9999.0  -9999.0", "81.9 0  -99.000  0.215", 1)
	obs, err := ParseLine(line)
	require.NoError(t, err)

	assert.Nil(t, obs.SoilMoisture5)
	require.NotNil(t, obs.SoilMoisture10)
	assert.InDelta(t, 0.215, *obs.SoilMoisture10, 1e-9)
}

func TestParseLine_MissingFlagSentinel(t *testing.T) {
	line := strings.Replace(sampleLine, "45.5 0", "-9999.0 -9999", 1)
	obs, err := ParseLine(line)
	require.NoError(t, err)

	assert.Nil(t, obs.SolaRad)
	assert.Nil(t, obs.SolaRadFlag)
}

func TestParseLine_ShortLayoutWithoutSoilColumns(t *testing.T) {
	f := strings.Fields(sampleLine)
	obs, err := ParseLine(strings.Join(f[:MinFields], " "))
	require.NoError(t, err)

	assert.Equal(t, 53104, obs.StationID)
	assert.Nil(t, obs.SoilMoisture5)
	assert.Nil(t, obs.SoilTemp100)
}

func TestParseLine_Failures(t *testing.T) {
	f := strings.Fields(sampleLine)
	replace := func(i int, v string) string {
		c := append([]string(nil), f...)
		c[i] = v
		return strings.Join(c, " ")
	}

	tests := []struct {
		name string
		line string
	}{
		{"too few fields", strings.Join(f[:MinFields-1], " ")},
		{"too many fields", sampleLine + " 1.0"},
		{"non-numeric temperature", replace(9, "warm")},
		{"non-numeric flag", replace(14, "x")},
		{"bad station", replace(0, "WBAN")},
		{"feb 30", replace(1, "20240230")},
		{"hour 24", replace(2, "2400")},
		{"short date", replace(3, "2024011")},
		{"nan", replace(10, "NaN")},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseLine(tt.line)
			require.Error(t, err)
		})
	}
}

func TestParseLine_UTCAndLSTIndependent(t *testing.T) {
	// LST is on the previous calendar day relative to UTC.
	line := strings.Replace(sampleLine, "20240115 1400 20240115 0600", "20240101 0300 20231231 1900", 1)
	obs, err := ParseLine(line)
	require.NoError(t, err)

	assert.Equal(t, time.Date(2024, 1, 1, 3, 0, 0, 0, time.UTC), obs.UTCTime)
	assert.Equal(t, time.Date(2023, 12, 31, 19, 0, 0, 0, time.UTC), obs.LSTTime)
}

func TestParse_ThresholdBoundary(t *testing.T) {
	accepted := Parse(fileWith(100, 9), 0.10)
	assert.Equal(t, Accepted, accepted.Outcome)
	assert.Len(t, accepted.Records, 91)
	assert.Equal(t, 9, accepted.Stats.Failures)
	assert.InDelta(t, 0.09, accepted.Stats.FailureRate, 1e-9)

	rejected := Parse(fileWith(100, 11), 0.10)
	assert.Equal(t, Rejected, rejected.Outcome)
	assert.Empty(t, rejected.Records)
	assert.Equal(t, 89, rejected.Stats.Parsed)
	assert.Len(t, rejected.Failures, 11)
	assert.Contains(t, rejected.Reason(0.10), "exceeds threshold")
}

func TestParse_ExactlyAtThresholdIsAccepted(t *testing.T) {
	res := Parse(fileWith(100, 10), 0.10)
	assert.Equal(t, Accepted, res.Outcome)
	assert.Len(t, res.Records, 90)
}

func TestParse_Empty(t *testing.T) {
	for _, content := range []string{"", "\n\n", "   \n\t\n"} {
		res := Parse([]byte(content), 0.10)
		assert.Equal(t, Empty, res.Outcome)
		assert.Zero(t, res.Stats.Total)
		assert.NotEmpty(t, res.Reason(0.10))
	}
}

func TestParse_AllLinesBadIsRejected(t *testing.T) {
	res := Parse([]byte("nonsense\n"), 1.0)
	assert.Equal(t, Rejected, res.Outcome)
	assert.Equal(t, "no valid records", res.Reason(1.0))
}

func TestParse_BlankLinesIgnoredAndOrderKept(t *testing.T) {
	content := lineAt(3) + "\n\n" + lineAt(1) + "\n   \n" + lineAt(2) + "\n"
	res := Parse([]byte(content), 0.10)

	require.Equal(t, Accepted, res.Outcome)
	assert.Equal(t, 3, res.Stats.Total)
	assert.Equal(t, 2, res.Stats.Blank)
	require.Len(t, res.Records, 3)
	assert.Equal(t, 3, res.Records[0].UTCTime.Hour())
	assert.Equal(t, 1, res.Records[1].UTCTime.Hour())
	assert.Equal(t, 2, res.Records[2].UTCTime.Hour())
}

func TestParse_FailureDiagnostics(t *testing.T) {
	content := lineAt(1) + "\nbroken\n" + lineAt(2) + "\n"
	res := Parse([]byte(content), 0.5)

	require.Equal(t, Accepted, res.Outcome)
	require.Len(t, res.Failures, 1)
	assert.Equal(t, 2, res.Failures[0].Line)
	assert.Equal(t, "broken", res.Failures[0].Text)
	assert.Contains(t, res.Failures[0].Error(), "line 2")
}

func TestParse_CRLF(t *testing.T) {
	res := Parse([]byte(lineAt(1)+"\r\n"+lineAt(2)+"\r\n"), 0.10)
	assert.Equal(t, Accepted, res.Outcome)
	assert.Len(t, res.Records, 2)
}

func TestParse_OversizedLineDoesNotHideRest(t *testing.T) {
	var b strings.Builder
	for i := 0; i < 100; i++ {
		b.WriteString(sampleLine + "\n")
	}
	b.WriteString("53104 " + strings.Repeat("x", 2<<20) + "\n")
	for i := 0; i < 900; i++ {
		b.WriteString(sampleLine + "\n")
	}

	res := Parse([]byte(b.String()), 0.10)

	assert.Equal(t, Accepted, res.Outcome)
	assert.Equal(t, 1001, res.Stats.Total)
	assert.Equal(t, 1000, res.Stats.Parsed)
	require.Len(t, res.Failures, 1)
	assert.Equal(t, 101, res.Failures[0].Line)
	assert.Len(t, res.Failures[0].Text, maxTextLen)
}
