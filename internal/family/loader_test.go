package family

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const loaderMapJSON = `{
	"schema_ver": "2",
	"blocks": [{"name": "A", "fn": 3, "start": 100, "len": 2}],
	"points": {"ph": {"addr": 100, "type": "u16", "scale": 0.01}}
}`

func writeConfigDir(t *testing.T, files map[string]string) string {
	t.Helper()
	dir := t.TempDir()
	for name, body := range files {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(body), 0o644))
	}
	return dir
}

func TestReload_LoadsAndFiltersCtrl(t *testing.T) {
	dir := writeConfigDir(t, map[string]string{
		"registerMap.json":  loaderMapJSON,
		"tankConfig.json":   `{"1": "10.0.0.1", "2": {"ip": "10.0.0.2", "unitId": 3}, "3": "10.0.0.3"}`,
		"deviceEnable.json": `{"1": true, "2": true, "3": false}`,
	})

	l := NewLoader(dir, []string{Ctrl}, nil)
	require.NoError(t, l.Reload())

	fams := l.Families()
	require.Len(t, fams, 1)
	fam := fams[0]
	assert.Equal(t, Ctrl, fam.ID)
	require.Len(t, fam.Devices, 2, "tank 3 is disabled")

	// Normalized duck-typed entries.
	assert.Equal(t, "10.0.0.1", fam.Devices[0].IP)
	assert.Equal(t, byte(1), fam.Devices[0].UnitID)
	assert.Equal(t, byte(3), fam.Devices[1].UnitID)
	assert.Equal(t, "ctrl-1", fam.Devices[0].DeviceID(fam.DevicePrefix))
}

func TestReload_MissingEnableKeyMeansDisabled(t *testing.T) {
	dir := writeConfigDir(t, map[string]string{
		"registerMap.json":  loaderMapJSON,
		"tankConfig.json":   `{"1": "10.0.0.1", "2": "10.0.0.2"}`,
		"deviceEnable.json": `{"1": true}`,
	})

	l := NewLoader(dir, []string{Ctrl}, nil)
	require.NoError(t, l.Reload())
	fams := l.Families()
	require.Len(t, fams, 1)
	require.Len(t, fams[0].Devices, 1)
	assert.Equal(t, "1", fams[0].Devices[0].TankID)
}

func TestReload_UtilNotFilteredByDefault(t *testing.T) {
	dir := writeConfigDir(t, map[string]string{
		"registerMap.json":   loaderMapJSON,
		"utilityConfig.json": `{"u1": "10.0.1.1"}`,
		"deviceEnable.json":  `{}`,
	})

	l := NewLoader(dir, []string{Ctrl}, nil)
	require.NoError(t, l.Reload())
	fams := l.Families()
	require.Len(t, fams, 1)
	assert.Equal(t, Util, fams[0].ID)
	assert.Len(t, fams[0].Devices, 1)
}

func TestReload_ZeroEnabledFamilyExcluded(t *testing.T) {
	dir := writeConfigDir(t, map[string]string{
		"registerMap.json": loaderMapJSON,
		"tankConfig.json":  `{"1": "10.0.0.1"}`,
		// No enable map at all: every ctrl tank defaults to disabled.
	})

	l := NewLoader(dir, []string{Ctrl}, nil)
	require.NoError(t, l.Reload())
	assert.Empty(t, l.Families())
}

func TestReload_FailureRetainsPreviousFamilies(t *testing.T) {
	dir := writeConfigDir(t, map[string]string{
		"registerMap.json":  loaderMapJSON,
		"tankConfig.json":   `{"1": "10.0.0.1"}`,
		"deviceEnable.json": `{"1": true}`,
	})

	l := NewLoader(dir, []string{Ctrl}, nil)
	require.NoError(t, l.Reload())
	require.Len(t, l.Families(), 1)

	// Corrupt the device config; reload must fail and keep the old set.
	require.NoError(t, os.WriteFile(filepath.Join(dir, "tankConfig.json"), []byte(`{broken`), 0o644))
	require.Error(t, l.Reload())
	assert.Len(t, l.Families(), 1)
}

func TestSetEnableMapPersistsAndReloads(t *testing.T) {
	dir := writeConfigDir(t, map[string]string{
		"registerMap.json":  loaderMapJSON,
		"tankConfig.json":   `{"1": "10.0.0.1", "2": "10.0.0.2"}`,
		"deviceEnable.json": `{"1": true, "2": true}`,
	})

	l := NewLoader(dir, []string{Ctrl}, nil)
	require.NoError(t, l.Reload())
	require.Len(t, l.Families()[0].Devices, 2)

	require.NoError(t, l.SetEnableMap(map[string]bool{"1": true, "2": false}))
	require.Len(t, l.Families()[0].Devices, 1)

	// Persisted to disk, so a fresh loader sees the same state.
	l2 := NewLoader(dir, []string{Ctrl}, nil)
	require.NoError(t, l2.Reload())
	assert.Len(t, l2.Families()[0].Devices, 1)
}

func TestCO2Config(t *testing.T) {
	dir := writeConfigDir(t, map[string]string{
		"registerMap.json":  loaderMapJSON,
		"tankConfig.json":   `{"1": "10.0.0.1"}`,
		"deviceEnable.json": `{"1": true}`,
		"co2Config.json":    `{"defaultLpm": 2.5, "perTank": {"1": 3.0}}`,
	})

	l := NewLoader(dir, []string{Ctrl}, nil)
	require.NoError(t, l.Reload())

	co2 := l.CO2()
	assert.InDelta(t, 3.0, co2.LpmFor("1"), 1e-9)
	assert.InDelta(t, 2.5, co2.LpmFor("unknown"), 1e-9)
}

func TestTankIDs(t *testing.T) {
	dir := writeConfigDir(t, map[string]string{
		"registerMap.json":   loaderMapJSON,
		"tankConfig.json":    `{"2": "10.0.0.2", "1": "10.0.0.1"}`,
		"utilityConfig.json": `{"u1": "10.0.1.1"}`,
	})

	l := NewLoader(dir, []string{Ctrl}, nil)
	ids, err := l.TankIDs()
	require.NoError(t, err)
	assert.Equal(t, []string{"1", "2", "u1"}, ids)
}
