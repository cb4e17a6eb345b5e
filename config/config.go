package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
	"go.uber.org/multierr"
)

// Config holds every configurable value for the monitor.
type Config struct {
	LogLevel  string          `mapstructure:"log_level"` // debug|info|warn|error
	Collect   CollectConfig   `mapstructure:"collect"`
	Targets   TargetsConfig   `mapstructure:"targets"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Probe     ProbeConfig     `mapstructure:"probe"`
	Window    WindowConfig    `mapstructure:"window"`
	Server    ServerConfig    `mapstructure:"server"`
	History   HistoryConfig   `mapstructure:"history"`
	SFTP      SFTPConfig      `mapstructure:"sftp"`
	Diagnosis DiagnosisConfig `mapstructure:"diagnosis"`
}

type CollectConfig struct {
	Interval          time.Duration `mapstructure:"interval"`
	Timeout           time.Duration `mapstructure:"timeout"` // per collector
	CPUSampleInterval time.Duration `mapstructure:"cpu_sample_interval"`
	DiskPath          string        `mapstructure:"disk_path"`
	ProcRoot          string        `mapstructure:"proc_root"`
	// ExtendedThresholdMs: 0 means every cycle is extended.
	ExtendedThresholdMs float64 `mapstructure:"extended_threshold_ms"`
}

// TargetsConfig names the processes to watch by command line pattern. An
// empty pattern disables that target.
type TargetsConfig struct {
	AppPattern   string `mapstructure:"app_pattern"`
	RelayPattern string `mapstructure:"relay_pattern"`
	TallyAppFDs  bool   `mapstructure:"tally_app_fds"`
	// Workers are helper process names counted every cycle, e.g. ffmpeg.
	Workers []string `mapstructure:"workers"`
	// FDTop is how many process names extended cycles list by open
	// descriptors. 0 disables the listing.
	FDTop int `mapstructure:"fd_top"`
}

type DatabaseConfig struct {
	DSN                string        `mapstructure:"dsn"` // empty disables database diagnostics
	MaxConns           int           `mapstructure:"max_conns"`
	QueryTimeout       time.Duration `mapstructure:"query_timeout"`
	Timeout            time.Duration `mapstructure:"timeout"`
	LongQueryThreshold time.Duration `mapstructure:"long_query_threshold"`
	IdleTxThreshold    time.Duration `mapstructure:"idle_tx_threshold"`
}

type ProbeConfig struct {
	InternalURL     string        `mapstructure:"internal_url"`
	InternalTimeout time.Duration `mapstructure:"internal_timeout"`
	DirectBase      string        `mapstructure:"direct_base"`
	RelayBase       string        `mapstructure:"relay_base"`
	Path            string        `mapstructure:"path"`
	Token           string        `mapstructure:"token"`
	Timeout         time.Duration `mapstructure:"timeout"`
	ResponseURL     string        `mapstructure:"response_url"`
	ResponseTimeout time.Duration `mapstructure:"response_timeout"`
}

type WindowConfig struct {
	MaxAge      time.Duration `mapstructure:"max_age"`
	MaxCount    int           `mapstructure:"max_count"`
	TrendMaxAge time.Duration `mapstructure:"trend_max_age"`
}

type ServerConfig struct {
	Addr          string        `mapstructure:"addr"`
	CheckInterval time.Duration `mapstructure:"check_interval"` // min spacing of manual checks
	CheckBurst    int           `mapstructure:"check_burst"`
}

type HistoryConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	DBPath  string `mapstructure:"db_path"`
}

type SFTPConfig struct {
	Enabled        bool          `mapstructure:"enabled"`
	Addr           string        `mapstructure:"addr"` // host:port
	User           string        `mapstructure:"user"`
	Password       string        `mapstructure:"password"`
	KeyPath        string        `mapstructure:"key_path"`
	KnownHostsPath string        `mapstructure:"known_hosts_path"`
	RemoteDir      string        `mapstructure:"remote_dir"`
	Timeout        time.Duration `mapstructure:"timeout"`
	// OnlyFindings uploads only reports that carry at least one finding.
	OnlyFindings bool `mapstructure:"only_findings"`
}

type DiagnosisConfig struct {
	LagMs                  float64 `mapstructure:"lag_ms"`
	LagStalledMs           float64 `mapstructure:"lag_stalled_ms"`
	IowaitPercent          float64 `mapstructure:"iowait_percent"`
	CloseWait              float64 `mapstructure:"close_wait"`
	OldestQuerySeconds     float64 `mapstructure:"oldest_query_seconds"`
	HighLatencyMs          float64 `mapstructure:"high_latency_ms"`
	HighResponseMs         float64 `mapstructure:"high_response_ms"`
	TrendSamples           int     `mapstructure:"trend_samples"`
	CollectorFailureStreak int     `mapstructure:"collector_failure_streak"`
	AlertAfter             int     `mapstructure:"alert_after"`
}

// EnvPrefix is prepended to every environment variable, e.g.
// HEALTHWATCH_COLLECT_INTERVAL=30s.
const EnvPrefix = "HEALTHWATCH"

func setDefaults(v *viper.Viper) {
	v.SetDefault("log_level", "info")

	v.SetDefault("collect.interval", 60*time.Second)
	v.SetDefault("collect.timeout", 5*time.Second)
	v.SetDefault("collect.cpu_sample_interval", 100*time.Millisecond)
	v.SetDefault("collect.disk_path", "/")
	v.SetDefault("collect.proc_root", "/proc")
	v.SetDefault("collect.extended_threshold_ms", 3000)

	v.SetDefault("targets.app_pattern", "")
	v.SetDefault("targets.relay_pattern", "")
	v.SetDefault("targets.tally_app_fds", true)
	v.SetDefault("targets.workers", []string{})
	v.SetDefault("targets.fd_top", 15)

	v.SetDefault("database.dsn", "")
	v.SetDefault("database.max_conns", 2)
	v.SetDefault("database.query_timeout", 2*time.Second)
	v.SetDefault("database.timeout", 5*time.Second)
	v.SetDefault("database.long_query_threshold", 5*time.Second)
	v.SetDefault("database.idle_tx_threshold", 30*time.Second)

	v.SetDefault("probe.internal_url", "")
	v.SetDefault("probe.internal_timeout", 300*time.Millisecond)
	v.SetDefault("probe.direct_base", "")
	v.SetDefault("probe.relay_base", "")
	v.SetDefault("probe.path", "/")
	v.SetDefault("probe.token", "")
	v.SetDefault("probe.timeout", 10*time.Second)
	v.SetDefault("probe.response_url", "")
	v.SetDefault("probe.response_timeout", 30*time.Second)

	v.SetDefault("window.max_age", 30*time.Second)
	v.SetDefault("window.max_count", 100)
	v.SetDefault("window.trend_max_age", 30*time.Minute)

	v.SetDefault("server.addr", ":8080")
	v.SetDefault("server.check_interval", 10*time.Second)
	v.SetDefault("server.check_burst", 1)

	v.SetDefault("history.enabled", true)
	v.SetDefault("history.db_path", "./data/healthwatch.db")

	v.SetDefault("sftp.enabled", false)
	v.SetDefault("sftp.addr", "")
	v.SetDefault("sftp.user", "")
	v.SetDefault("sftp.password", "")
	v.SetDefault("sftp.key_path", "")
	v.SetDefault("sftp.known_hosts_path", "")
	v.SetDefault("sftp.remote_dir", "healthwatch")
	v.SetDefault("sftp.timeout", 10*time.Second)
	v.SetDefault("sftp.only_findings", true)

	v.SetDefault("diagnosis.lag_ms", 50)
	v.SetDefault("diagnosis.lag_stalled_ms", 1000)
	v.SetDefault("diagnosis.iowait_percent", 10)
	v.SetDefault("diagnosis.close_wait", 50)
	v.SetDefault("diagnosis.oldest_query_seconds", 30)
	v.SetDefault("diagnosis.high_latency_ms", 1000)
	v.SetDefault("diagnosis.high_response_ms", 3000)
	v.SetDefault("diagnosis.trend_samples", 5)
	v.SetDefault("diagnosis.collector_failure_streak", 3)
	v.SetDefault("diagnosis.alert_after", 1)
}

// Load reads configuration from (in decreasing priority):
//  1. environment variables (HEALTHWATCH_SECTION_KEY)
//  2. the yaml file at path, or ./configs/config.yaml if path is empty and
//     that file exists
//  3. built-in defaults
//
// It returns a fully populated *Config or an error.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath("./configs")
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return nil, fmt.Errorf("read ./configs/config.yaml: %w", err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("cannot decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks the values that would otherwise fail much later.
func (c *Config) Validate() error {
	var errs error
	positive := func(name string, d time.Duration) {
		if d <= 0 {
			errs = multierr.Append(errs, fmt.Errorf("%s must be positive, got %s", name, d))
		}
	}
	positive("collect.interval", c.Collect.Interval)
	positive("collect.timeout", c.Collect.Timeout)
	positive("collect.cpu_sample_interval", c.Collect.CPUSampleInterval)
	positive("database.query_timeout", c.Database.QueryTimeout)
	positive("database.timeout", c.Database.Timeout)
	positive("probe.internal_timeout", c.Probe.InternalTimeout)
	positive("probe.timeout", c.Probe.Timeout)
	positive("probe.response_timeout", c.Probe.ResponseTimeout)
	positive("window.max_age", c.Window.MaxAge)

	if c.Collect.ExtendedThresholdMs < 0 {
		errs = multierr.Append(errs, errors.New("collect.extended_threshold_ms must not be negative"))
	}
	if c.Collect.CPUSampleInterval >= c.Collect.Timeout {
		errs = multierr.Append(errs, errors.New("collect.cpu_sample_interval must be shorter than collect.timeout"))
	}
	if c.Targets.FDTop < 0 {
		errs = multierr.Append(errs, errors.New("targets.fd_top must not be negative"))
	}
	if c.Window.MaxCount <= 0 {
		errs = multierr.Append(errs, errors.New("window.max_count must be positive"))
	}
	if c.History.Enabled && c.History.DBPath == "" {
		errs = multierr.Append(errs, errors.New("history.db_path must not be empty when history is enabled"))
	}
	if c.SFTP.Enabled && (c.SFTP.Addr == "" || c.SFTP.User == "") {
		errs = multierr.Append(errs, errors.New("sftp.addr and sftp.user are required when sftp is enabled"))
	}
	if (c.Probe.RelayBase == "") != (c.Probe.DirectBase == "") {
		errs = multierr.Append(errs, errors.New("probe.relay_base and probe.direct_base must be set together"))
	}
	return errs
}
