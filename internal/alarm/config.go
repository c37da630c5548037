package alarm

import (
	"encoding/json"
	"fmt"
	"math"
	"os"
	"path/filepath"
)

// Range is an inclusive [low, high] threshold pair.
type Range struct {
	Low  float64 `json:"low"`
	High float64 `json:"high"`
}

func (r Range) validate(name string) error {
	if math.IsNaN(r.Low) || math.IsInf(r.Low, 0) || math.IsNaN(r.High) || math.IsInf(r.High, 0) {
		return fmt.Errorf("%s thresholds must be finite", name)
	}
	if r.Low >= r.High {
		return fmt.Errorf("%s low must be < high, got [%v, %v]", name, r.Low, r.High)
	}
	return nil
}

// Connectivity holds the master toggle for qc-fail alarms.
type Connectivity struct {
	QCAlarmsEnabled bool `json:"qcAlarmsEnabled"`
}

// Config is the persisted alarm settings document.
type Config struct {
	PH           Range        `json:"ph"`
	Temp         Range        `json:"temp"`
	Connectivity Connectivity `json:"connectivity"`
}

// DefaultConfig is used when no settings file exists yet.
func DefaultConfig() Config {
	return Config{
		PH:           Range{Low: 6.8, High: 8.4},
		Temp:         Range{Low: 15, High: 30},
		Connectivity: Connectivity{QCAlarmsEnabled: true},
	}
}

// ThresholdsPayload is the write shape accepted from the API: both ranges
// must be present; the connectivity toggle defaults to enabled when the
// block is omitted.
type ThresholdsPayload struct {
	PH           *Range `json:"ph"`
	Temp         *Range `json:"temp"`
	Connectivity *struct {
		QCAlarmsEnabled *bool `json:"qcAlarmsEnabled"`
	} `json:"connectivity"`
}

// Validate checks the payload and resolves it into a Config.
func (p ThresholdsPayload) Validate() (Config, error) {
	var cfg Config
	if p.PH == nil || p.Temp == nil {
		return cfg, fmt.Errorf("both ph and temp threshold blocks are required")
	}
	if err := p.PH.validate("ph"); err != nil {
		return cfg, err
	}
	if err := p.Temp.validate("temp"); err != nil {
		return cfg, err
	}

	cfg.PH = *p.PH
	cfg.Temp = *p.Temp
	cfg.Connectivity.QCAlarmsEnabled = true
	if p.Connectivity != nil && p.Connectivity.QCAlarmsEnabled != nil {
		cfg.Connectivity.QCAlarmsEnabled = *p.Connectivity.QCAlarmsEnabled
	}
	return cfg, nil
}

// loadConfig reads the persisted settings, falling back to defaults when
// the file does not exist.
func loadConfig(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return DefaultConfig(), nil
	}
	if err != nil {
		return Config{}, err
	}
	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("malformed alarm settings %s: %w", path, err)
	}
	if err := cfg.PH.validate("ph"); err != nil {
		return Config{}, err
	}
	if err := cfg.Temp.validate("temp"); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// saveConfig writes the settings atomically, creating the parent directory
// when needed.
func saveConfig(path string, cfg Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, append(data, '\n'), 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}
