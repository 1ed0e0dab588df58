// Package config loads the daemon's tunables once at startup from a TOML
// file (spec.md §6 "Tunables": "read at startup, not reloaded").
package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"

	"github.com/dataprovider/slaved/internal/tls"
)

// Tunables mirrors spec.md §6 exactly, plus the ambient settings
// (SPEC_FULL.md §10) needed to wire logging, metrics, and history sinks.
type Tunables struct {
	SlaveTTL                time.Duration `toml:"slave_ttl" mapstructure:"slave_ttl"`
	SlaveActivateTime       time.Duration `toml:"slave_activate_time" mapstructure:"slave_activate_time"`
	SlaveRelaunchTime       time.Duration `toml:"slave_relaunch_time" mapstructure:"slave_relaunch_time"`
	SlaveRelaunchCount      int           `toml:"slave_relaunch_count" mapstructure:"slave_relaunch_count"`
	SlaveMaxLoad            int           `toml:"slave_max_load" mapstructure:"slave_max_load"`
	MinimumReactivationTime time.Duration `toml:"minimum_reactivation_time" mapstructure:"minimum_reactivation_time"`
	DefaultABI              string        `toml:"default_abi" mapstructure:"default_abi"`
	DebugMode               bool          `toml:"debug_mode" mapstructure:"debug_mode"`
	SlaveLogPath            string        `toml:"slave_log_path" mapstructure:"slave_log_path"`

	// SlaveBinary/SlaveArgs configure internal/launchpad.ExecLauncher: the
	// local binary exec'd once per slave, given the SLAVE_NAME/SLAVE_SECURED/
	// SLAVE_ABI bundle as environment (spec.md §6 "Launcher bundle").
	SlaveBinary string   `toml:"slave_binary" mapstructure:"slave_binary"`
	SlaveArgs   []string `toml:"slave_args" mapstructure:"slave_args"`

	Log       LogConfig       `toml:"log" mapstructure:"log"`
	Metrics   MetricsConfig   `toml:"metrics" mapstructure:"metrics"`
	API       APIConfig       `toml:"api" mapstructure:"api"`
	RPC       tls.ServerConfig `toml:"rpc" mapstructure:"rpc"`
	History   []HistoryConfig `toml:"history" mapstructure:"history"`
	Reconcile ReconcileConfig `toml:"reconcile" mapstructure:"reconcile"`
}

// LogConfig controls the daemon's own structured log and its rotation
// (SPEC_FULL.md §10.1). Slave stdout/stderr is not captured, so no
// per-slave output log is written.
type LogConfig struct {
	Dir        string `toml:"dir" mapstructure:"dir"`
	Level      string `toml:"level" mapstructure:"level"`
	Color      bool   `toml:"color" mapstructure:"color"`
	MaxSizeMB  int    `toml:"max_size_mb" mapstructure:"max_size_mb"`
	MaxBackups int    `toml:"max_backups" mapstructure:"max_backups"`
	MaxAgeDays int    `toml:"max_age_days" mapstructure:"max_age_days"`
	Compress   bool   `toml:"compress" mapstructure:"compress"`
}

// MetricsConfig controls the optional Prometheus listener.
type MetricsConfig struct {
	Enabled bool   `toml:"enabled" mapstructure:"enabled"`
	Addr    string `toml:"addr" mapstructure:"addr"`
}

// APIConfig controls the optional admin HTTP surface.
type APIConfig struct {
	Enabled  bool   `toml:"enabled" mapstructure:"enabled"`
	Addr     string `toml:"addr" mapstructure:"addr"`
	AuthUser string `toml:"auth_user" mapstructure:"auth_user"`
	AuthPass string `toml:"auth_pass" mapstructure:"auth_pass"`
}

// HistoryConfig describes one configured lifecycle/fault event sink.
type HistoryConfig struct {
	Type string `toml:"type" mapstructure:"type"` // label for logs and errors; the DSN scheme (postgres://, clickhouse://) selects the sink
	DSN  string `toml:"dsn" mapstructure:"dsn"`
}

// ReconcileConfig controls the periodic daemon-wide sweep.
type ReconcileConfig struct {
	Enabled  bool   `toml:"enabled" mapstructure:"enabled"`
	Schedule string `toml:"schedule" mapstructure:"schedule"` // robfig/cron expression
}

// defaults matches SLAVE_* defaults used throughout spec.md's worked
// examples and the original implementation's header constants.
func defaults() Tunables {
	return Tunables{
		SlaveTTL:                300 * time.Second,
		SlaveActivateTime:       15 * time.Second,
		SlaveRelaunchTime:       3 * time.Second,
		SlaveRelaunchCount:      3,
		SlaveMaxLoad:            30,
		MinimumReactivationTime: 5 * time.Second,
		DefaultABI:              "c",
		DebugMode:               false,
		SlaveLogPath:            "/tmp/slave-log",
		Log:                     LogConfig{Dir: "/var/log/slaved", Level: "info", Color: true, MaxSizeMB: 10, MaxBackups: 3, MaxAgeDays: 7},
		Metrics:                 MetricsConfig{Enabled: true, Addr: ":9090"},
		API:                     APIConfig{Enabled: false, Addr: ":8080"},
		RPC:                     tls.ServerConfig{Listen: ":7000"},
		Reconcile:               ReconcileConfig{Enabled: true, Schedule: "@every 30s"},
	}
}

// Load reads path (a TOML file) into a Tunables value seeded with
// defaults(). An empty path returns defaults() unmodified rather than
// erroring, mirroring the teacher's tolerant config loading; a path
// naming a file that cannot be read is an error.
func Load(path string) (*Tunables, error) {
	t := defaults()
	if path == "" {
		return &t, nil
	}

	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("toml")
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	if err := v.Unmarshal(&t); err != nil {
		return nil, fmt.Errorf("config: unmarshal %s: %w", path, err)
	}
	return &t, nil
}
