// Package config loads the Service Manager's configuration file (the
// closed key set accepted by -c/--config) via viper/mapstructure, the same
// way the teacher's internal/config package loads its deployment profile.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// MonitoringSource selects where instant/average resource samples come from.
type MonitoringSource string

// Config is the full set of keys SM accepts; there is no open-ended
// passthrough, unknown keys are simply ignored by viper.
type Config struct {
	CACert                 string `mapstructure:"caCert"`
	CertStorage             string `mapstructure:"certStorage"`
	CMServerURL             string `mapstructure:"cmServerURL"`
	IAMPublicServerURL      string `mapstructure:"iamPublicServerURL"`
	IAMProtectedServerURL   string `mapstructure:"iamProtectedServerURL"`
	WorkingDir              string `mapstructure:"workingDir"`
	StorageDir              string `mapstructure:"storageDir"`
	StateDir                string `mapstructure:"stateDir"`
	ServicesDir             string `mapstructure:"servicesDir"`
	ServicesPartLimit       uint64 `mapstructure:"servicesPartLimit"`
	LayersDir               string `mapstructure:"layersDir"`
	LayersPartLimit         uint64 `mapstructure:"layersPartLimit"`
	DownloadDir             string `mapstructure:"downloadDir"`
	ExtractDir              string `mapstructure:"extractDir"`
	NodeConfigFile          string `mapstructure:"nodeConfigFile"`

	ServiceTTL                time.Duration `mapstructure:"serviceTTL"`
	LayerTTL                  time.Duration `mapstructure:"layerTTL"`
	ServiceHealthCheckTimeout time.Duration `mapstructure:"serviceHealthCheckTimeout"`
	CMReconnectTimeout        time.Duration `mapstructure:"cmReconnectTimeout"`

	Monitoring    MonitoringConfig    `mapstructure:"monitoring"`
	Logging       LoggingConfig       `mapstructure:"logging"`
	JournalAlerts JournalAlertsConfig `mapstructure:"journalAlerts"`

	HostBinds []string        `mapstructure:"hostBinds"`
	Hosts     []HostEntry     `mapstructure:"hosts"`
	Migration MigrationConfig `mapstructure:"migration"`

	priorityReset []string
}

// MonitoringConfig configures the resource monitor's sampling cadence.
type MonitoringConfig struct {
	PollPeriod    time.Duration     `mapstructure:"pollPeriod"`
	AverageWindow time.Duration     `mapstructure:"averageWindow"`
	Source        MonitoringSource  `mapstructure:"source"`
}

// LoggingConfig bounds the JLAP gzip archivator's output.
type LoggingConfig struct {
	MaxPartSize  uint64 `mapstructure:"maxPartSize"`
	MaxPartCount uint64 `mapstructure:"maxPartCount"`
}

// JournalAlertsConfig configures JLAP's alert reader.
type JournalAlertsConfig struct {
	Filter                []string `mapstructure:"filter"`
	ServiceAlertPriority  int      `mapstructure:"serviceAlertPriority"`
	SystemAlertPriority   int      `mapstructure:"systemAlertPriority"`
}

// HostEntry is one /etc/hosts-style static entry bind-mounted into instances.
type HostEntry struct {
	IP       string `mapstructure:"ip"`
	Hostname string `mapstructure:"hostname"`
}

// MigrationConfig points at the content-migration directories consumed by
// internal/store's goose runner.
type MigrationConfig struct {
	MigrationPath       string `mapstructure:"migrationPath"`
	MergedMigrationPath string `mapstructure:"mergedMigrationPath"`
}

const (
	minAlertPriority = 0
	maxAlertPriority = 7

	defaultServiceAlertPriority = 4
	defaultSystemAlertPriority  = 3
)

// Load reads configPath (YAML) over a set of defaults, then validates the
// result. An empty configPath loads defaults only, which is useful for
// tests and for -c-less smoke runs.
func Load(configPath string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.AutomaticEnv()
	v.SetEnvPrefix("AOS_SM")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	if configPath != "" {
		v.SetConfigFile(configPath)
		v.SetConfigType("yaml")

		if err := v.ReadInConfig(); err != nil {
			if _, ok := err.(viper.ConfigFileNotFoundError); !ok && !os.IsNotExist(err) {
				return nil, fmt.Errorf("read config file: %w", err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	cfg.normalizePriorities()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("workingDir", "/var/aos/servicemanager")
	v.SetDefault("storageDir", "storages")
	v.SetDefault("stateDir", "states")
	v.SetDefault("servicesDir", "services")
	v.SetDefault("servicesPartLimit", 0)
	v.SetDefault("layersDir", "layers")
	v.SetDefault("layersPartLimit", 0)
	v.SetDefault("downloadDir", "downloads")
	v.SetDefault("extractDir", "extracts")

	v.SetDefault("serviceTTL", "720h")  // 30d
	v.SetDefault("layerTTL", "720h")    // 30d
	v.SetDefault("serviceHealthCheckTimeout", "35s")
	v.SetDefault("cmReconnectTimeout", "10s")

	v.SetDefault("monitoring.pollPeriod", "35s")
	v.SetDefault("monitoring.averageWindow", "35s")
	v.SetDefault("monitoring.source", "cgroup")

	v.SetDefault("journalAlerts.serviceAlertPriority", defaultServiceAlertPriority)
	v.SetDefault("journalAlerts.systemAlertPriority", defaultSystemAlertPriority)
}

// normalizePriorities implements the silent-reset-with-warning rule; the
// warning itself is logged by the caller once the logger is constructed,
// this method only records whether a reset happened.
func (c *Config) normalizePriorities() {
	if c.JournalAlerts.ServiceAlertPriority < minAlertPriority || c.JournalAlerts.ServiceAlertPriority > maxAlertPriority {
		c.JournalAlerts.ServiceAlertPriority = defaultServiceAlertPriority
		c.priorityReset = append(c.priorityReset, "serviceAlertPriority")
	}
	if c.JournalAlerts.SystemAlertPriority < minAlertPriority || c.JournalAlerts.SystemAlertPriority > maxAlertPriority {
		c.JournalAlerts.SystemAlertPriority = defaultSystemAlertPriority
		c.priorityReset = append(c.priorityReset, "systemAlertPriority")
	}
}

// PriorityResets returns the names of keys normalizePriorities reset to
// their default, so the caller can log a warning for each.
func (c *Config) PriorityResets() []string {
	return c.priorityReset
}

// Validate checks the required path keys are set; everything else has a
// usable default or is genuinely optional.
func (c *Config) Validate() error {
	required := map[string]string{
		"workingDir":  c.WorkingDir,
		"cmServerURL": c.CMServerURL,
	}
	for key, value := range required {
		if value == "" {
			return fmt.Errorf("missing required config key %q", key)
		}
	}
	return nil
}
