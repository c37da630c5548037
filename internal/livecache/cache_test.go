package livecache

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mokuloa/aquagate/internal/telemetry"
)

func TestSeedThenUpdate(t *testing.T) {
	c := New()
	c.Seed("u1", "util", "10.0.1.1")

	s, ok := c.Get("u1")
	require.True(t, ok)
	assert.Equal(t, telemetry.StatusFail, s.QC)
	assert.Nil(t, s.TsUTC)

	frame := &telemetry.Frame{
		TsUTC:  time.Now().UTC(),
		TankID: "u1",
		Values: map[string]float64{"ph": 7.4, "temp1_C": 25.0},
		QC:     telemetry.QC{Status: telemetry.StatusOK},
	}
	c.Update("u1", "util", "10.0.1.1", frame)

	s, ok = c.Get("u1")
	require.True(t, ok)
	assert.Equal(t, telemetry.StatusOK, s.QC)
	require.NotNil(t, s.TsUTC)
	assert.InDelta(t, 7.4, s.Values["ph"], 1e-9)
}

func TestSeedDoesNotClobberExistingEntry(t *testing.T) {
	c := New()
	frame := &telemetry.Frame{
		TsUTC:  time.Now().UTC(),
		Values: map[string]float64{"ph": 7.0},
		QC:     telemetry.QC{Status: telemetry.StatusOK},
	}
	c.Update("1", "ctrl", "10.0.0.1", frame)
	c.Seed("1", "ctrl", "10.0.0.1")

	s, _ := c.Get("1")
	assert.Equal(t, telemetry.StatusOK, s.QC)
}

func TestFailFrameStillUpdates(t *testing.T) {
	c := New()
	fail := telemetry.NewFailFrame("site", "1", "ctrl-1", "2", assert.AnError)
	c.Update("1", "ctrl", "10.0.0.1", fail)

	s, ok := c.Get("1")
	require.True(t, ok)
	assert.Equal(t, telemetry.StatusFail, s.QC)
	assert.NotNil(t, s.TsUTC)
}

func TestGetReturnsDefensiveCopy(t *testing.T) {
	c := New()
	frame := &telemetry.Frame{
		TsUTC:  time.Now().UTC(),
		Values: map[string]float64{"ph": 7.0},
		QC:     telemetry.QC{Status: telemetry.StatusOK},
	}
	c.Update("1", "ctrl", "10.0.0.1", frame)

	s, _ := c.Get("1")
	s.Values["ph"] = 0

	again, _ := c.Get("1")
	assert.InDelta(t, 7.0, again.Values["ph"], 1e-9)
}

func TestSnapshotJSONShape(t *testing.T) {
	ts := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	s := Snapshot{
		Family: "ctrl",
		IP:     "10.0.0.1",
		TsUTC:  &ts,
		QC:     "ok",
		Values: map[string]float64{"ph": 7.4},
	}

	data, err := json.Marshal(s)
	require.NoError(t, err)

	var out map[string]interface{}
	require.NoError(t, json.Unmarshal(data, &out))
	assert.Equal(t, "ctrl", out["family"])
	assert.Equal(t, "ok", out["qc"])
	assert.InDelta(t, 7.4, out["ph"].(float64), 1e-9)
	assert.Contains(t, out["ts_utc"], "2026-03-01T10:00:00")
}
