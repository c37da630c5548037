package tlog

import (
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mokuloa/aquagate/internal/telemetry"
)

func okFrame(tankID string, values map[string]float64) *telemetry.Frame {
	return &telemetry.Frame{
		TsUTC:  time.Now().UTC(),
		TankID: tankID,
		Values: values,
		QC:     telemetry.QC{Status: telemetry.StatusOK},
	}
}

func newTestWriter(t *testing.T, minInterval time.Duration, whitelist string) (*Writer, string) {
	t.Helper()
	logDir := t.TempDir()
	cfgDir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(cfgDir, "logPoints.json"), []byte(whitelist), 0o644))
	w := NewWriter(logDir, cfgDir, "hilo", minInterval, nil)
	return w, logDir
}

func readRows(t *testing.T, path string) []map[string]interface{} {
	t.Helper()
	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()

	var rows []map[string]interface{}
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		var rec map[string]interface{}
		require.NoError(t, json.Unmarshal(scanner.Bytes(), &rec))
		rows = append(rows, rec)
	}
	return rows
}

func TestAppend_WhitelistAndShaping(t *testing.T) {
	w, logDir := newTestWriter(t, 0, `["ph", "counter_value", "timer_seconds"]`)

	ok := w.Append("ctrl", okFrame("7", map[string]float64{
		"ph":            7.4449,
		"temp1_C":       25.1, // not whitelisted
		"counter_value": 1234.9,
		"timer_seconds": 88.7,
	}))
	require.True(t, ok)
	w.Close()

	files, err := filepath.Glob(filepath.Join(logDir, "telemetry-ctrl-hilo-7-*.ndjson"))
	require.NoError(t, err)
	require.Len(t, files, 1)

	rows := readRows(t, files[0])
	require.Len(t, rows, 1)
	row := rows[0]

	assert.Equal(t, "7", row["tank_id"])
	assert.InDelta(t, 7.4, row["ph"].(float64), 1e-9, "rounded to one decimal")
	assert.EqualValues(t, 1234, row["counter_value"], "counters truncate")
	assert.EqualValues(t, 88, row["timer_seconds"])
	assert.NotContains(t, row, "temp1_C")

	// New writes carry an explicit HST offset.
	assert.True(t, strings.HasSuffix(row["ts_hst"].(string), "-10:00"))
}

func TestAppend_RateLimitPerStream(t *testing.T) {
	w, logDir := newTestWriter(t, 30*time.Second, `["ph"]`)

	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	clock := base
	w.now = func() time.Time { return clock }

	assert.True(t, w.Append("ctrl", okFrame("1", map[string]float64{"ph": 7.0})))

	clock = base.Add(10 * time.Second)
	assert.False(t, w.Append("ctrl", okFrame("1", map[string]float64{"ph": 7.1})), "within MIN_INTERVAL")

	// A different tank is a different stream.
	assert.True(t, w.Append("ctrl", okFrame("2", map[string]float64{"ph": 7.2})))

	clock = base.Add(31 * time.Second)
	assert.True(t, w.Append("ctrl", okFrame("1", map[string]float64{"ph": 7.3})))
	w.Close()

	files, err := filepath.Glob(filepath.Join(logDir, "telemetry-ctrl-hilo-1-*.ndjson"))
	require.NoError(t, err)
	require.Len(t, files, 1)
	assert.Len(t, readRows(t, files[0]), 2)
}

func TestAppend_SkipsFailFrames(t *testing.T) {
	w, _ := newTestWriter(t, 0, `["ph"]`)
	defer w.Close()
	fail := telemetry.NewFailFrame("hilo", "1", "ctrl-1", "2", assert.AnError)
	assert.False(t, w.Append("ctrl", fail))
}

func TestAppend_DayBoundaryIsHST(t *testing.T) {
	w, logDir := newTestWriter(t, 0, `["ph"]`)

	// 09:30 UTC = 23:30 HST previous day; 10:30 UTC = 00:30 HST.
	before := time.Date(2026, 3, 2, 9, 30, 0, 0, time.UTC)
	after := time.Date(2026, 3, 2, 10, 30, 0, 0, time.UTC)

	w.now = func() time.Time { return before }
	require.True(t, w.Append("ctrl", okFrame("1", map[string]float64{"ph": 7.0})))
	w.now = func() time.Time { return after }
	require.True(t, w.Append("ctrl", okFrame("1", map[string]float64{"ph": 7.1})))
	w.Close()

	_, err := os.Stat(filepath.Join(logDir, "telemetry-ctrl-hilo-1-2026-03-01.ndjson"))
	assert.NoError(t, err)
	_, err = os.Stat(filepath.Join(logDir, "telemetry-ctrl-hilo-1-2026-03-02.ndjson"))
	assert.NoError(t, err)
}

func TestWhitelist_FamilyOverride(t *testing.T) {
	logDir := t.TempDir()
	cfgDir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(cfgDir, "logPoints.json"), []byte(`["ph"]`), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(cfgDir, "logPoints.bmm.json"), []byte(`["biomass_kg"]`), 0o644))

	w := NewWriter(logDir, cfgDir, "hilo", 0, nil)
	require.True(t, w.Append("bmm", okFrame("b1", map[string]float64{"ph": 7.0, "biomass_kg": 431.25})))
	w.Close()

	files, err := filepath.Glob(filepath.Join(logDir, "telemetry-bmm-hilo-b1-*.ndjson"))
	require.NoError(t, err)
	require.Len(t, files, 1)
	row := readRows(t, files[0])[0]
	assert.Contains(t, row, "biomass_kg")
	assert.NotContains(t, row, "ph")
}

func TestReader_QueryRangeAcrossDailyFiles(t *testing.T) {
	logDir := t.TempDir()

	writeFile := func(name string, lines ...string) {
		require.NoError(t, os.WriteFile(filepath.Join(logDir, name), []byte(strings.Join(lines, "\n")+"\n"), 0o644))
	}

	t1 := "2026-03-01T08:00:00Z"
	t2 := "2026-03-02T08:00:00Z"
	t3 := "2026-03-03T08:00:00Z"
	writeFile("telemetry-ctrl-hilo-tankA-2026-02-28.ndjson", `{"ts_utc":"`+t1+`","tank_id":"tankA","ph":7.1}`)
	writeFile("telemetry-ctrl-hilo-tankA-2026-03-01.ndjson", `{"ts_hst":"2026-03-01T22:00:00-10:00","tank_id":"tankA","ph":7.2}`)
	writeFile("telemetry-ctrl-hilo-tankA-2026-03-02.ndjson", `{"ts":"`+t3+`","tank_id":"tankA","ph":7.3}`)
	// Another tank must not leak into the result.
	writeFile("telemetry-ctrl-hilo-tankB-2026-03-01.ndjson", `{"ts_utc":"`+t2+`","tank_id":"tankB","ph":9.9}`)

	r := NewReader(logDir)
	from, _ := time.Parse(time.RFC3339, t1)
	to, _ := time.Parse(time.RFC3339, t3)

	points, err := r.Query("tankA", "ctrl", "ph", from.Add(time.Second), to.Add(-time.Second))
	require.NoError(t, err)

	// Only the middle sample falls inside the open interval; ts_hst parses
	// with its explicit offset.
	require.Len(t, points, 1)
	assert.InDelta(t, 7.2, points[0].Value, 1e-9)
	assert.Equal(t, t2, points[0].Ts.UTC().Format(time.RFC3339))
}

func TestReader_QuerySortsAscending(t *testing.T) {
	logDir := t.TempDir()
	lines := []string{
		`{"ts_utc":"2026-03-01T10:00:00Z","ph":7.3}`,
		`{"ts_utc":"2026-03-01T08:00:00Z","ph":7.1}`,
		`{"ts_utc":"2026-03-01T09:00:00Z","ph":7.2}`,
	}
	require.NoError(t, os.WriteFile(filepath.Join(logDir, "telemetry-ctrl-hilo-1-2026-03-01.ndjson"),
		[]byte(strings.Join(lines, "\n")+"\n"), 0o644))

	r := NewReader(logDir)
	points, err := r.Query("1", "", "ph", time.Time{}, time.Now())
	require.NoError(t, err)
	require.Len(t, points, 3)
	assert.InDelta(t, 7.1, points[0].Value, 1e-9)
	assert.InDelta(t, 7.3, points[2].Value, 1e-9)
}

func TestReader_ResolveDownloadRejectsTraversal(t *testing.T) {
	logDir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(logDir, "telemetry-ctrl-hilo-1-2026-03-01.ndjson"), []byte("{}\n"), 0o644))

	r := NewReader(logDir)

	path, err := r.ResolveDownload("telemetry-ctrl-hilo-1-2026-03-01.ndjson")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(path, logDir))

	for _, bad := range []string{"../etc/passwd", "/etc/passwd", "..", "notalog.txt"} {
		_, err := r.ResolveDownload(bad)
		assert.Error(t, err, bad)
	}
}
