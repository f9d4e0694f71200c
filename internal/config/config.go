package config

import (
	"fmt"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the complete rulesync configuration
type Config struct {
	Server   ServerConfig `yaml:"server"`
	Update   UpdateConfig `yaml:"update"`
	Sensor   SensorConfig `yaml:"sensor"`
	State    StateConfig  `yaml:"state"`
	LogLevel string       `yaml:"log_level"`
}

// ServerConfig defines the sensor protocol listener
type ServerConfig struct {
	Listen         string        `yaml:"listen"`
	TLSCert        string        `yaml:"tls_cert"`
	TLSKey         string        `yaml:"tls_key"`
	SessionTimeout time.Duration `yaml:"session_timeout"`
	MaxRules       int           `yaml:"max_rules"`
	MaxBodyBytes   int64         `yaml:"max_body_bytes"`
	// AdminListen serves operator requests such as update triggers. It
	// must be a loopback address.
	AdminListen string `yaml:"admin_listen"`
}

// UpdateConfig defines rule ingestion settings
type UpdateConfig struct {
	MaxRevisions         int           `yaml:"max_revisions"`
	Interval             time.Duration `yaml:"interval"`
	ActivateNewRevisions bool          `yaml:"activate_new_revisions"`
	StorageDir           string        `yaml:"storage_dir"`
	InboxDir             string        `yaml:"inbox_dir"`
	ArchiveDir           string        `yaml:"archive_dir"`
	StabilityWait        time.Duration `yaml:"stability_wait"`
	FetchTimeout         time.Duration `yaml:"fetch_timeout"`
	FetchRetries         int           `yaml:"fetch_retries"`
	RetryWait            time.Duration `yaml:"retry_wait"`
	CacheSize            int           `yaml:"cache_size"`
}

// SensorConfig defines how sensors are contacted
type SensorConfig struct {
	Port          int           `yaml:"port"`
	TLS           bool          `yaml:"tls"`
	TLSSkipVerify bool          `yaml:"tls_skip_verify"`
	PingTimeout   time.Duration `yaml:"ping_timeout"`
	CheckInterval time.Duration `yaml:"check_interval"`
	Concurrency   int           `yaml:"concurrency"`
}

// StateConfig defines database settings
type StateConfig struct {
	DBPath      string        `yaml:"db_path"`
	SyncWrites  bool          `yaml:"sync_writes"`
	OpenTimeout time.Duration `yaml:"open_timeout"`
}

// Load reads and parses the configuration file
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return Parse(data)
}

// Parse decodes configuration from YAML, expanding environment variables
func Parse(data []byte) (*Config, error) {
	expanded := os.ExpandEnv(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &cfg, nil
}

// Default returns the configuration used when no file is given
func Default() *Config {
	var cfg Config
	cfg.applyDefaults()
	return &cfg
}

// applyDefaults sets default values for optional fields
func (c *Config) applyDefaults() {
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}

	if c.Server.Listen == "" {
		c.Server.Listen = ":13471"
	}
	if c.Server.SessionTimeout == 0 {
		c.Server.SessionTimeout = time.Hour
	}
	if c.Server.MaxRules == 0 {
		c.Server.MaxRules = 1000
	}
	if c.Server.MaxBodyBytes == 0 {
		c.Server.MaxBodyBytes = 1 << 20
	}
	if c.Server.AdminListen == "" {
		c.Server.AdminListen = "127.0.0.1:13473"
	}

	if c.Update.Interval == 0 {
		c.Update.Interval = 6 * time.Hour
	}
	if c.Update.StorageDir == "" {
		c.Update.StorageDir = "/var/lib/rulesync/work"
	}
	if c.Update.InboxDir == "" {
		c.Update.InboxDir = "/var/lib/rulesync/inbox"
	}
	if c.Update.StabilityWait == 0 {
		c.Update.StabilityWait = 2 * time.Second
	}
	if c.Update.FetchTimeout == 0 {
		c.Update.FetchTimeout = 5 * time.Minute
	}
	if c.Update.FetchRetries == 0 {
		c.Update.FetchRetries = 3
	}
	if c.Update.RetryWait == 0 {
		c.Update.RetryWait = 2 * time.Second
	}
	if c.Update.CacheSize == 0 {
		c.Update.CacheSize = 1024
	}

	if c.Sensor.Port == 0 {
		c.Sensor.Port = 13472
	}
	if c.Sensor.PingTimeout == 0 {
		c.Sensor.PingTimeout = 5 * time.Second
	}
	if c.Sensor.CheckInterval == 0 {
		c.Sensor.CheckInterval = time.Minute
	}
	if c.Sensor.Concurrency == 0 {
		c.Sensor.Concurrency = 8
	}

	if c.State.DBPath == "" {
		c.State.DBPath = "/var/lib/rulesync/state.db"
	}
	if c.State.OpenTimeout == 0 {
		c.State.OpenTimeout = time.Second
	}
}

// Validate checks the configuration for errors
func (c *Config) Validate() error {
	if !isValidLogLevel(c.LogLevel) {
		return fmt.Errorf("invalid log level: %s", c.LogLevel)
	}

	// Validate server config
	if c.Server.Listen == "" {
		return fmt.Errorf("server.listen is required")
	}
	if (c.Server.TLSCert == "") != (c.Server.TLSKey == "") {
		return fmt.Errorf("server.tls_cert and server.tls_key must be set together")
	}
	if c.Server.SessionTimeout < time.Second {
		return fmt.Errorf("server.session_timeout too small (min 1s)")
	}
	if c.Server.MaxRules <= 0 {
		return fmt.Errorf("server.max_rules must be positive")
	}
	if c.Server.MaxRules > 100000 {
		return fmt.Errorf("server.max_rules too large (max 100000)")
	}
	if c.Server.MaxBodyBytes <= 0 {
		return fmt.Errorf("server.max_body_bytes must be positive")
	}
	if !isLoopback(c.Server.AdminListen) {
		return fmt.Errorf("server.admin_listen must be a loopback address, got %q", c.Server.AdminListen)
	}

	// Validate update config
	if c.Update.MaxRevisions < 0 {
		return fmt.Errorf("update.max_revisions cannot be negative")
	}
	if c.Update.Interval < time.Minute {
		return fmt.Errorf("update.interval too small (min 1m)")
	}
	if !filepath.IsAbs(c.Update.StorageDir) {
		return fmt.Errorf("update.storage_dir must be an absolute path")
	}
	if !filepath.IsAbs(c.Update.InboxDir) {
		return fmt.Errorf("update.inbox_dir must be an absolute path")
	}
	if c.Update.ArchiveDir != "" && !filepath.IsAbs(c.Update.ArchiveDir) {
		return fmt.Errorf("update.archive_dir must be an absolute path")
	}
	if c.Update.StabilityWait < 0 {
		return fmt.Errorf("update.stability_wait cannot be negative")
	}
	if c.Update.StabilityWait > 60*time.Second {
		return fmt.Errorf("update.stability_wait too large (max 60s)")
	}
	if c.Update.FetchTimeout <= 0 {
		return fmt.Errorf("update.fetch_timeout must be positive")
	}
	if c.Update.FetchRetries < 0 {
		return fmt.Errorf("update.fetch_retries cannot be negative")
	}
	if c.Update.FetchRetries > 10 {
		return fmt.Errorf("update.fetch_retries too large (max 10)")
	}
	if c.Update.CacheSize <= 0 {
		return fmt.Errorf("update.cache_size must be positive")
	}

	// Validate sensor config
	if c.Sensor.Port <= 0 || c.Sensor.Port > 65535 {
		return fmt.Errorf("sensor.port out of range")
	}
	if c.Sensor.PingTimeout <= 0 {
		return fmt.Errorf("sensor.ping_timeout must be positive")
	}
	if c.Sensor.CheckInterval < time.Second {
		return fmt.Errorf("sensor.check_interval too small (min 1s)")
	}
	if c.Sensor.Concurrency <= 0 {
		return fmt.Errorf("sensor.concurrency must be positive")
	}

	// Validate state config
	if !filepath.IsAbs(c.State.DBPath) {
		return fmt.Errorf("state.db_path must be an absolute path")
	}

	return nil
}

// Level returns the slog level named by log_level
func (c *Config) Level() slog.Level {
	switch strings.ToLower(c.LogLevel) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func isLoopback(addr string) bool {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return false
	}
	if host == "localhost" {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

func isValidLogLevel(level string) bool {
	level = strings.ToLower(level)
	return level == "debug" || level == "info" || level == "warn" || level == "error"
}
