// Package config loads service settings from defaults, an optional
// accessgrid.yaml and ACCESSGRID_* environment variables, in that order.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/viper"

	"accessgrid/core-go/internal/incident"
)

const EnvPrefix = "ACCESSGRID"

type Config struct {
	HTTPAddr      string `mapstructure:"http_addr"`
	LogLevel      string `mapstructure:"log_level"`
	LogFormat     string `mapstructure:"log_format"`
	DatabaseURL   string `mapstructure:"database_url"`
	EncryptionKey string `mapstructure:"encryption_key"`

	Scheduler  Scheduler  `mapstructure:"scheduler"`
	Manual     Manual     `mapstructure:"manual"`
	Rates      Rates      `mapstructure:"rates"`
	Thresholds Thresholds `mapstructure:"thresholds"`
	RouterOS   RouterOS   `mapstructure:"routeros"`
	SNMP       SNMP       `mapstructure:"snmp"`
	DNS        DNS        `mapstructure:"dns"`
	NATS       NATS       `mapstructure:"nats"`
}

type Scheduler struct {
	Interval      time.Duration `mapstructure:"interval"`
	Workers       int           `mapstructure:"workers"`
	DeviceTimeout time.Duration `mapstructure:"device_timeout"`
	StoreTimeout  time.Duration `mapstructure:"store_timeout"`
	// AutoApply pushes corrective ops on scheduled passes instead of only
	// recording drift.
	AutoApply bool `mapstructure:"auto_apply"`
}

type Manual struct {
	Timeout time.Duration `mapstructure:"timeout"`
}

type Rates struct {
	// StaleAfter defaults to three scheduler intervals.
	StaleAfter time.Duration `mapstructure:"stale_after"`
}

type Thresholds struct {
	CPUWarning         float64       `mapstructure:"cpu_warning"`
	CPUCritical        float64       `mapstructure:"cpu_critical"`
	MemoryWarning      float64       `mapstructure:"memory_warning"`
	LatencyWarning     time.Duration `mapstructure:"latency_warning"`
	LatencyCritical    time.Duration `mapstructure:"latency_critical"`
	TemperatureWarning float64       `mapstructure:"temperature_warning"`
	FlapLinkDowns      uint64        `mapstructure:"flap_link_downs"`
	WatchedTypes       []string      `mapstructure:"watched_types"`
}

type RouterOS struct {
	DialTimeout    time.Duration `mapstructure:"dial_timeout"`
	CommandTimeout time.Duration `mapstructure:"command_timeout"`
	KnownHostsFile string        `mapstructure:"known_hosts_file"`
}

type SNMP struct {
	Enabled bool          `mapstructure:"enabled"`
	Version string        `mapstructure:"version"`
	Port    uint16        `mapstructure:"port"`
	Timeout time.Duration `mapstructure:"timeout"`
	Retries int           `mapstructure:"retries"`
}

type DNS struct {
	Nameserver string        `mapstructure:"nameserver"`
	Timeout    time.Duration `mapstructure:"timeout"`
	MaxTTL     time.Duration `mapstructure:"max_ttl"`
}

type NATS struct {
	URL           string `mapstructure:"url"`
	SubjectPrefix string `mapstructure:"subject_prefix"`
}

func setDefaults(v *viper.Viper) {
	th := incident.DefaultThresholds()

	v.SetDefault("http_addr", ":8081")
	v.SetDefault("log_level", "info")
	v.SetDefault("log_format", "json")
	v.SetDefault("database_url", "")
	v.SetDefault("encryption_key", "")

	v.SetDefault("scheduler.interval", 60*time.Second)
	v.SetDefault("scheduler.workers", 8)
	v.SetDefault("scheduler.device_timeout", 45*time.Second)
	v.SetDefault("scheduler.store_timeout", 5*time.Second)
	v.SetDefault("scheduler.auto_apply", false)
	v.SetDefault("manual.timeout", 90*time.Second)
	v.SetDefault("rates.stale_after", time.Duration(0))

	v.SetDefault("thresholds.cpu_warning", th.CPUWarning)
	v.SetDefault("thresholds.cpu_critical", th.CPUCritical)
	v.SetDefault("thresholds.memory_warning", th.MemoryWarning)
	v.SetDefault("thresholds.latency_warning", th.LatencyWarning)
	v.SetDefault("thresholds.latency_critical", th.LatencyCritical)
	v.SetDefault("thresholds.temperature_warning", th.TemperatureWarning)
	v.SetDefault("thresholds.flap_link_downs", th.FlapLinkDowns)
	v.SetDefault("thresholds.watched_types", th.WatchedTypes)

	v.SetDefault("routeros.dial_timeout", 10*time.Second)
	v.SetDefault("routeros.command_timeout", 20*time.Second)
	v.SetDefault("routeros.known_hosts_file", "")

	v.SetDefault("snmp.enabled", true)
	v.SetDefault("snmp.version", "2c")
	v.SetDefault("snmp.port", 161)
	v.SetDefault("snmp.timeout", 900*time.Millisecond)
	v.SetDefault("snmp.retries", 1)

	v.SetDefault("dns.nameserver", "")
	v.SetDefault("dns.timeout", 2*time.Second)
	v.SetDefault("dns.max_ttl", 5*time.Minute)

	v.SetDefault("nats.url", "")
	v.SetDefault("nats.subject_prefix", "accessgrid.incidents")
}

// Load reads configuration. When file is empty, accessgrid.yaml is looked up
// in the working directory and /etc/accessgrid; a missing file is not an
// error. An explicitly named file must exist.
func Load(file string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	if file != "" {
		v.SetConfigFile(file)
	} else {
		v.SetConfigName("accessgrid")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/accessgrid")
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if file != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) Validate() error {
	var errs []error
	if c.Scheduler.Interval <= 0 {
		errs = append(errs, errors.New("scheduler.interval must be positive"))
	}
	if c.Scheduler.Workers < 1 {
		errs = append(errs, errors.New("scheduler.workers must be at least 1"))
	}
	if c.Scheduler.DeviceTimeout <= 0 || c.Manual.Timeout <= 0 {
		errs = append(errs, errors.New("scheduler.device_timeout and manual.timeout must be positive"))
	}
	switch len(c.EncryptionKey) {
	case 0, 16, 24, 32:
	default:
		errs = append(errs, fmt.Errorf("encryption_key must be 16, 24 or 32 bytes, got %d", len(c.EncryptionKey)))
	}
	if _, err := zerolog.ParseLevel(strings.ToLower(c.LogLevel)); err != nil {
		errs = append(errs, fmt.Errorf("log_level: %w", err))
	}
	switch c.LogFormat {
	case "json", "console":
	default:
		errs = append(errs, fmt.Errorf("log_format must be json or console, got %q", c.LogFormat))
	}
	if t := c.Thresholds; t.CPUCritical > 0 && t.CPUCritical < t.CPUWarning {
		errs = append(errs, errors.New("thresholds.cpu_critical is below cpu_warning"))
	}
	if t := c.Thresholds; t.LatencyCritical > 0 && t.LatencyCritical < t.LatencyWarning {
		errs = append(errs, errors.New("thresholds.latency_critical is below latency_warning"))
	}
	switch c.SNMP.Version {
	case "1", "2c":
	default:
		errs = append(errs, fmt.Errorf("snmp.version %q is not supported", c.SNMP.Version))
	}
	return errors.Join(errs...)
}

// StaleAfter is how long an interface rate stays valid without a new sample.
func (c *Config) StaleAfter() time.Duration {
	if c.Rates.StaleAfter > 0 {
		return c.Rates.StaleAfter
	}
	return 3 * c.Scheduler.Interval
}

func (c *Config) IncidentThresholds() incident.Thresholds {
	t := c.Thresholds
	return incident.Thresholds{
		CPUWarning:         t.CPUWarning,
		CPUCritical:        t.CPUCritical,
		MemoryWarning:      t.MemoryWarning,
		LatencyWarning:     t.LatencyWarning,
		LatencyCritical:    t.LatencyCritical,
		TemperatureWarning: t.TemperatureWarning,
		FlapLinkDowns:      t.FlapLinkDowns,
		WatchedTypes:       t.WatchedTypes,
	}
}
