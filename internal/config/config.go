// Package config resolves gateway settings from an optional gateway.yaml
// file and AQG_* environment variables. Environment always wins, so a
// deployment can ship a baseline file and override per site via .env.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v2"
)

// Settings is the fully resolved gateway configuration.
type Settings struct {
	SiteID        string `yaml:"site_id"`
	SiteNamespace string `yaml:"site_namespace"`

	Broker BrokerSettings `yaml:"broker"`

	PollIntervalMs   int `yaml:"poll_interval_ms"`
	PollConcurrency  int `yaml:"poll_concurrency"`
	ReloadIntervalMs int `yaml:"reload_interval_ms"`

	APIHost string `yaml:"api_host"`
	APIPort int    `yaml:"api_port"`

	ConfigDir        string `yaml:"config_dir"`
	LogDir           string `yaml:"log_dir"`
	LogMinIntervalMs int    `yaml:"log_min_interval_ms"`

	ConnectivityAlarmMin int    `yaml:"connectivity_alarm_min"`
	WebhookURL           string `yaml:"webhook_url"`

	DisableHSTS bool `yaml:"disable_hsts"`

	// Open question from the field: which families honor the device-enable
	// map. Defaults to ctrl only.
	EnableFilterFamilies []string `yaml:"enable_filter_families"`
}

// BrokerSettings configures the MQTT connection.
type BrokerSettings struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	TLS      bool   `yaml:"tls"`
}

// Defaults mirrors the documented fallbacks.
func Defaults() Settings {
	return Settings{
		SiteID:               "site-1",
		SiteNamespace:        "aquagate",
		Broker:               BrokerSettings{Host: "localhost", Port: 1883},
		PollIntervalMs:       60_000,
		PollConcurrency:      8,
		ReloadIntervalMs:     300_000,
		APIHost:              "0.0.0.0",
		APIPort:              8080,
		ConfigDir:            "./config",
		LogDir:               "./logs",
		LogMinIntervalMs:     30_000,
		ConnectivityAlarmMin: 60,
		EnableFilterFamilies: []string{"ctrl"},
	}
}

// Load resolves settings: defaults, then the YAML file (if present), then
// environment variables.
func Load(yamlPath string) (Settings, error) {
	s := Defaults()

	if yamlPath != "" {
		f, err := os.Open(yamlPath)
		if err == nil {
			defer f.Close()
			if err := yaml.NewDecoder(f).Decode(&s); err != nil {
				return s, fmt.Errorf("parse %s: %w", yamlPath, err)
			}
		} else if !os.IsNotExist(err) {
			return s, fmt.Errorf("open %s: %w", yamlPath, err)
		}
	}

	applyEnv(&s)

	if err := s.validate(); err != nil {
		return s, err
	}
	return s, nil
}

func applyEnv(s *Settings) {
	envStr("AQG_SITE_ID", &s.SiteID)
	envStr("AQG_SITE_NAMESPACE", &s.SiteNamespace)
	envStr("AQG_BROKER_HOST", &s.Broker.Host)
	envInt("AQG_BROKER_PORT", &s.Broker.Port)
	envStr("AQG_BROKER_USERNAME", &s.Broker.Username)
	envStr("AQG_BROKER_PASSWORD", &s.Broker.Password)
	envBool("AQG_BROKER_TLS", &s.Broker.TLS)
	envInt("AQG_POLL_INTERVAL_MS", &s.PollIntervalMs)
	envInt("AQG_POLL_CONCURRENCY", &s.PollConcurrency)
	envInt("AQG_RELOAD_INTERVAL_MS", &s.ReloadIntervalMs)
	envStr("AQG_API_HOST", &s.APIHost)
	envInt("AQG_API_PORT", &s.APIPort)
	envStr("AQG_CONFIG_DIR", &s.ConfigDir)
	envStr("AQG_LOG_DIR", &s.LogDir)
	envInt("AQG_LOG_MIN_INTERVAL_MS", &s.LogMinIntervalMs)
	envInt("AQG_CONNECTIVITY_ALARM_MIN", &s.ConnectivityAlarmMin)
	envStr("AQG_WEBHOOK_URL", &s.WebhookURL)
	envBool("AQG_DISABLE_HSTS", &s.DisableHSTS)

	if v := os.Getenv("AQG_ENABLE_FILTER_FAMILIES"); v != "" {
		var fams []string
		for _, f := range strings.Split(v, ",") {
			if f = strings.TrimSpace(f); f != "" {
				fams = append(fams, f)
			}
		}
		s.EnableFilterFamilies = fams
	}
}

func (s Settings) validate() error {
	if s.SiteID == "" {
		return fmt.Errorf("site id must not be empty")
	}
	if s.PollIntervalMs <= 0 {
		return fmt.Errorf("poll interval must be positive, got %d", s.PollIntervalMs)
	}
	if s.PollConcurrency <= 0 {
		return fmt.Errorf("poll concurrency must be positive, got %d", s.PollConcurrency)
	}
	if s.APIPort <= 0 || s.APIPort > 65535 {
		return fmt.Errorf("invalid api port %d", s.APIPort)
	}
	return nil
}

// PollInterval returns the tick cadence as a duration.
func (s Settings) PollInterval() time.Duration {
	return time.Duration(s.PollIntervalMs) * time.Millisecond
}

// ReloadInterval returns the family reload period.
func (s Settings) ReloadInterval() time.Duration {
	return time.Duration(s.ReloadIntervalMs) * time.Millisecond
}

// LogMinInterval returns the per-stream log rate limit.
func (s Settings) LogMinInterval() time.Duration {
	return time.Duration(s.LogMinIntervalMs) * time.Millisecond
}

// ConnectivityAlarm returns the continuous-offline duration that arms a
// qc-fail alarm.
func (s Settings) ConnectivityAlarm() time.Duration {
	return time.Duration(s.ConnectivityAlarmMin) * time.Minute
}

func envStr(key string, dst *string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func envInt(key string, dst *int) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func envBool(key string, dst *bool) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}
