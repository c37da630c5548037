package family

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/mokuloa/aquagate/internal/regmap"
)

// Config file names recognized in the config directory.
const (
	ctrlConfigFile  = "tankConfig.json"
	utilConfigFile  = "utilityConfig.json"
	bmmConfigFile   = "bmmConfig.json"
	enableMapFile   = "deviceEnable.json"
	co2ConfigFile   = "co2Config.json"
	ctrlUtilMapFile = "registerMap.json"
	bmmMapFile      = "registerMap.bmm.json"
)

// familySpec binds a recognized config file to its family id and map file.
var familySpecs = []struct {
	id      string
	cfgFile string
	mapFile string
}{
	{Ctrl, ctrlConfigFile, ctrlUtilMapFile},
	{Util, utilConfigFile, ctrlUtilMapFile},
	{BMM, bmmConfigFile, bmmMapFile},
}

// Loader scans the config directory and keeps the current family set.
// Reload is idempotent; on failure the previous set is retained.
type Loader struct {
	dir          string
	enableFilter map[string]bool // family ids subject to the enable map

	mu       sync.RWMutex
	families []Family
	enabled  map[string]bool
	co2      CO2Config
	logger   *slog.Logger
}

// NewLoader builds a loader for the given config directory. filterFamilies
// names the families whose devices are filtered by the enable map.
func NewLoader(dir string, filterFamilies []string, logger *slog.Logger) *Loader {
	if logger == nil {
		logger = slog.Default()
	}
	filter := make(map[string]bool, len(filterFamilies))
	for _, f := range filterFamilies {
		filter[f] = true
	}
	return &Loader{
		dir:          dir,
		enableFilter: filter,
		enabled:      map[string]bool{},
		logger:       logger,
	}
}

// Reload rescans the config directory. Any error leaves the previously
// loaded families in place.
func (l *Loader) Reload() error {
	enabled, err := l.readEnableMap()
	if err != nil {
		return err
	}

	var families []Family
	for _, spec := range familySpecs {
		cfgPath := filepath.Join(l.dir, spec.cfgFile)
		data, err := os.ReadFile(cfgPath)
		if os.IsNotExist(err) {
			continue
		}
		if err != nil {
			return fmt.Errorf("family %s: %w", spec.id, err)
		}

		devices, err := parseDevices(data)
		if err != nil {
			return fmt.Errorf("family %s: %w", spec.id, err)
		}

		if l.enableFilter[spec.id] {
			for tankID := range devices {
				if !enabled[tankID] {
					delete(devices, tankID)
				}
			}
		}
		if len(devices) == 0 {
			l.logger.Warn("[Family] no enabled devices, excluding from polling", "family", spec.id)
			continue
		}

		m, err := l.loadMap(spec.mapFile)
		if err != nil {
			return fmt.Errorf("family %s: %w", spec.id, err)
		}

		fam := Family{
			ID:           spec.id,
			DevicePrefix: spec.id,
			Map:          m,
			Blocks:       m.Blocks(),
			Devices:      sortedDevices(devices),
		}
		families = append(families, fam)
	}

	co2, err := l.readCO2()
	if err != nil {
		return err
	}

	l.mu.Lock()
	l.families = families
	l.enabled = enabled
	l.co2 = co2
	l.mu.Unlock()

	l.logger.Info("[Family] configuration loaded", "families", len(families))
	return nil
}

// Families returns per-cycle clones of the current family set.
func (l *Loader) Families() []Family {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]Family, len(l.families))
	for i, f := range l.families {
		out[i] = f.Clone()
	}
	return out
}

// EnableMap returns a copy of the device-enable map.
func (l *Loader) EnableMap() map[string]bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make(map[string]bool, len(l.enabled))
	for k, v := range l.enabled {
		out[k] = v
	}
	return out
}

// SetEnableMap persists a new enable map atomically and reloads the family
// set so the next tick honors it.
func (l *Loader) SetEnableMap(m map[string]bool) error {
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return err
	}
	path := filepath.Join(l.dir, enableMapFile)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, append(data, '\n'), 0o644); err != nil {
		return fmt.Errorf("write enable map: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("write enable map: %w", err)
	}
	return l.Reload()
}

// TankIDs lists every tank named by any recognized config file, whether or
// not it is currently enabled.
func (l *Loader) TankIDs() ([]string, error) {
	seen := map[string]bool{}
	for _, spec := range familySpecs {
		data, err := os.ReadFile(filepath.Join(l.dir, spec.cfgFile))
		if os.IsNotExist(err) {
			continue
		}
		if err != nil {
			return nil, err
		}
		devices, err := parseDevices(data)
		if err != nil {
			return nil, err
		}
		for id := range devices {
			seen[id] = true
		}
	}
	ids := make([]string, 0, len(seen))
	for id := range seen {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}

// CO2 returns the current dosing configuration.
func (l *Loader) CO2() CO2Config {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := l.co2
	out.PerTank = make(map[string]float64, len(l.co2.PerTank))
	for k, v := range l.co2.PerTank {
		out.PerTank[k] = v
	}
	return out
}

func (l *Loader) readEnableMap() (map[string]bool, error) {
	data, err := os.ReadFile(filepath.Join(l.dir, enableMapFile))
	if os.IsNotExist(err) {
		return map[string]bool{}, nil
	}
	if err != nil {
		return nil, err
	}
	var m map[string]bool
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("malformed enable map: %w", err)
	}
	return m, nil
}

func (l *Loader) readCO2() (CO2Config, error) {
	var c CO2Config
	data, err := os.ReadFile(filepath.Join(l.dir, co2ConfigFile))
	if os.IsNotExist(err) {
		return c, nil
	}
	if err != nil {
		return c, err
	}
	if err := json.Unmarshal(data, &c); err != nil {
		return c, fmt.Errorf("malformed co2 config: %w", err)
	}
	if err := c.validate(); err != nil {
		return c, fmt.Errorf("co2 config: %w", err)
	}
	return c, nil
}

func (l *Loader) loadMap(name string) (*regmap.Map, error) {
	return regmap.Load(filepath.Join(l.dir, name))
}

func sortedDevices(m map[string]Device) []Device {
	ids := make([]string, 0, len(m))
	for id := range m {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	out := make([]Device, 0, len(m))
	for _, id := range ids {
		out = append(out, m[id])
	}
	return out
}
