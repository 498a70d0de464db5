package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// TrackFormat selects which device tracking service the monitor subscribes to.
type TrackFormat string

const (
	TrackFormatShort TrackFormat = "short"
	TrackFormatLong  TrackFormat = "long"
	TrackFormatProto TrackFormat = "proto"

	DefaultServerHost = "127.0.0.1"
	DefaultServerPort = 5037

	EnvServerHost = "ADB_SERVER_HOST"
	EnvServerPort = "ADB_SERVER_PORT"
	// EnvAndroidServerPort is the variable the adb binary itself honours.
	EnvAndroidServerPort = "ANDROID_ADB_SERVER_PORT"
)

// LoggingConfig defines runtime logging behavior.
type LoggingConfig struct {
	Level     string `json:"level" yaml:"level"`
	LogToFile bool   `json:"log_to_file" yaml:"log_to_file"`
}

// ServerConfig points at the adb server.
type ServerConfig struct {
	Host          string `json:"host" yaml:"host"`
	Port          int    `json:"port" yaml:"port"`
	DialTimeoutMS int    `json:"dial_timeout_ms" yaml:"dial_timeout_ms"`
}

// MonitorConfig tunes device tracking.
type MonitorConfig struct {
	Format           TrackFormat `json:"format" yaml:"format"`
	InitialBackoffMS int         `json:"initial_backoff_ms" yaml:"initial_backoff_ms"`
	MaxBackoffMS     int         `json:"max_backoff_ms" yaml:"max_backoff_ms"`
	EventBuffer      int         `json:"event_buffer" yaml:"event_buffer"`
}

// SyncConfig holds defaults for file transfers.
type SyncConfig struct {
	// DefaultFileMode is an octal permission string applied to pushed files.
	DefaultFileMode string `json:"default_file_mode" yaml:"default_file_mode"`
	PreserveMtime   bool   `json:"preserve_mtime" yaml:"preserve_mtime"`
}

// HistoryConfig controls the sqlite device history.
type HistoryConfig struct {
	Enabled bool `json:"enabled" yaml:"enabled"`
	// Path overrides the database location; empty uses the app data dir.
	Path string `json:"path" yaml:"path"`
}

// NotifyConfig stores desktop notification preferences.
type NotifyConfig struct {
	Enabled bool               `json:"enabled" yaml:"enabled"`
	Events  NotifyEventsConfig `json:"events" yaml:"events"`
}

// NotifyEventsConfig stores per-event notification toggles.
type NotifyEventsConfig struct {
	Connected    bool `json:"connected" yaml:"connected"`
	Disconnected bool `json:"disconnected" yaml:"disconnected"`
	Changed      bool `json:"changed" yaml:"changed"`
}

// NATSConfig enables republishing device events to a NATS server.
type NATSConfig struct {
	Enabled       bool   `json:"enabled" yaml:"enabled"`
	URL           string `json:"url" yaml:"url"`
	SubjectPrefix string `json:"subject_prefix" yaml:"subject_prefix"`
}

// AppConfig is the root persisted application configuration.
type AppConfig struct {
	Server  ServerConfig  `json:"server" yaml:"server"`
	Monitor MonitorConfig `json:"monitor" yaml:"monitor"`
	Sync    SyncConfig    `json:"sync" yaml:"sync"`
	Logging LoggingConfig `json:"logging" yaml:"logging"`
	History HistoryConfig `json:"history" yaml:"history"`
	Notify  NotifyConfig  `json:"notify" yaml:"notify"`
	NATS    NATSConfig    `json:"nats" yaml:"nats"`
}

func Default() AppConfig {
	return AppConfig{
		Server: ServerConfig{
			Host:          DefaultServerHost,
			Port:          DefaultServerPort,
			DialTimeoutMS: 5000,
		},
		Monitor: MonitorConfig{
			Format:           TrackFormatLong,
			InitialBackoffMS: 500,
			MaxBackoffMS:     15000,
			EventBuffer:      64,
		},
		Sync: SyncConfig{
			DefaultFileMode: "0644",
			PreserveMtime:   true,
		},
		Logging: LoggingConfig{
			Level:     "info",
			LogToFile: false,
		},
		History: HistoryConfig{
			Enabled: false,
		},
		Notify: NotifyConfig{
			Enabled: false,
			Events: NotifyEventsConfig{
				Connected:    true,
				Disconnected: true,
				Changed:      false,
			},
		},
		NATS: NATSConfig{
			Enabled:       false,
			URL:           "nats://127.0.0.1:4222",
			SubjectPrefix: "adb",
		},
	}
}

// Load reads a JSON or YAML (by extension) config file and applies environment overrides.
// A missing file yields the defaults.
func Load(path string) (AppConfig, error) {
	cfg := Default()
	cleanPath := filepath.Clean(path)
	// #nosec G304 -- path is resolved by app runtime or given explicitly on the command line.
	raw, err := os.ReadFile(cleanPath)
	switch {
	case errors.Is(err, os.ErrNotExist):
	case err != nil:
		return AppConfig{}, fmt.Errorf("read config: %w", err)
	case isYAML(cleanPath):
		if err := yaml.Unmarshal(raw, &cfg); err != nil {
			return AppConfig{}, fmt.Errorf("decode config yaml: %w", err)
		}
	default:
		if err := json.Unmarshal(raw, &cfg); err != nil {
			return AppConfig{}, fmt.Errorf("decode config json: %w", err)
		}
	}

	if err := cfg.ApplyEnv(os.LookupEnv); err != nil {
		return AppConfig{}, err
	}
	cfg.FillMissingDefaults()

	return cfg, nil
}

// ApplyEnv overrides the server address from the environment.
func (c *AppConfig) ApplyEnv(lookup func(string) (string, bool)) error {
	if host, ok := lookup(EnvServerHost); ok && strings.TrimSpace(host) != "" {
		c.Server.Host = strings.TrimSpace(host)
	}

	for _, name := range []string{EnvServerPort, EnvAndroidServerPort} {
		raw, ok := lookup(name)
		if !ok || strings.TrimSpace(raw) == "" {
			continue
		}
		port, err := strconv.Atoi(strings.TrimSpace(raw))
		if err != nil || port <= 0 || port > 65535 {
			return fmt.Errorf("invalid %s: %q", name, raw)
		}
		c.Server.Port = port

		break
	}

	return nil
}

func (c *AppConfig) FillMissingDefaults() {
	def := Default()
	if strings.TrimSpace(c.Server.Host) == "" {
		c.Server.Host = def.Server.Host
	}
	if c.Server.Port <= 0 {
		c.Server.Port = def.Server.Port
	}
	if c.Server.DialTimeoutMS <= 0 {
		c.Server.DialTimeoutMS = def.Server.DialTimeoutMS
	}
	c.Monitor.Format = normalizeTrackFormat(c.Monitor.Format)
	if c.Monitor.InitialBackoffMS <= 0 {
		c.Monitor.InitialBackoffMS = def.Monitor.InitialBackoffMS
	}
	if c.Monitor.MaxBackoffMS < c.Monitor.InitialBackoffMS {
		c.Monitor.MaxBackoffMS = max(def.Monitor.MaxBackoffMS, c.Monitor.InitialBackoffMS)
	}
	if c.Monitor.EventBuffer < 0 {
		c.Monitor.EventBuffer = def.Monitor.EventBuffer
	}
	if c.Sync.DefaultFileMode == "" {
		c.Sync.DefaultFileMode = def.Sync.DefaultFileMode
	}
	if c.Logging.Level == "" {
		c.Logging.Level = def.Logging.Level
	}
	if c.NATS.SubjectPrefix == "" {
		c.NATS.SubjectPrefix = def.NATS.SubjectPrefix
	}
}

func normalizeTrackFormat(format TrackFormat) TrackFormat {
	switch format {
	case TrackFormatShort, TrackFormatProto:
		return format
	default:
		return TrackFormatLong
	}
}

func (c AppConfig) Validate() error {
	if strings.TrimSpace(c.Server.Host) == "" {
		return errors.New("server host is required")
	}
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server port out of range: %d", c.Server.Port)
	}
	if _, err := c.Sync.FileMode(); err != nil {
		return err
	}
	if c.NATS.Enabled && strings.TrimSpace(c.NATS.URL) == "" {
		return errors.New("nats url is required when nats is enabled")
	}

	return nil
}

// DialTimeout returns the server dial timeout.
func (c ServerConfig) DialTimeout() time.Duration {
	return time.Duration(c.DialTimeoutMS) * time.Millisecond
}

// Backoff returns the reconnect delay bounds.
func (c MonitorConfig) Backoff() (initial, maximum time.Duration) {
	return time.Duration(c.InitialBackoffMS) * time.Millisecond, time.Duration(c.MaxBackoffMS) * time.Millisecond
}

// FileMode parses DefaultFileMode as octal permission bits.
func (c SyncConfig) FileMode() (uint32, error) {
	mode, err := strconv.ParseUint(strings.TrimSpace(c.DefaultFileMode), 8, 32)
	if err != nil || mode > 0o7777 {
		return 0, fmt.Errorf("invalid default file mode: %q", c.DefaultFileMode)
	}

	return uint32(mode), nil
}

func Save(path string, cfg AppConfig) error {
	if err := cfg.Validate(); err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}

	var (
		raw []byte
		err error
	)
	if isYAML(path) {
		raw, err = yaml.Marshal(cfg)
	} else {
		raw, err = json.MarshalIndent(cfg, "", "  ")
	}
	if err != nil {
		return fmt.Errorf("encode config: %w", err)
	}

	tmpPath := path + ".tmp"
	if err := os.WriteFile(tmpPath, raw, 0o600); err != nil {
		return fmt.Errorf("write temp config: %w", err)
	}

	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("rename temp config: %w", err)
	}

	return nil
}

func isYAML(path string) bool {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yml", ".yaml":
		return true
	default:
		return false
	}
}
