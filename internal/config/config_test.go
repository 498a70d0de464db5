package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestAppConfigFillMissingDefaults(t *testing.T) {
	cfg := AppConfig{}
	cfg.FillMissingDefaults()

	if cfg.Server.Host != DefaultServerHost {
		t.Fatalf("expected default host %q, got %q", DefaultServerHost, cfg.Server.Host)
	}
	if cfg.Server.Port != DefaultServerPort {
		t.Fatalf("expected default port %d, got %d", DefaultServerPort, cfg.Server.Port)
	}
	if cfg.Monitor.Format != TrackFormatLong {
		t.Fatalf("expected default track format %q, got %q", TrackFormatLong, cfg.Monitor.Format)
	}
	if cfg.Logging.Level != "info" {
		t.Fatalf("expected default log level info, got %q", cfg.Logging.Level)
	}
	if cfg.Sync.DefaultFileMode != "0644" {
		t.Fatalf("expected default file mode 0644, got %q", cfg.Sync.DefaultFileMode)
	}
}

func TestFillMissingDefaultsNormalizesTrackFormat(t *testing.T) {
	cfg := AppConfig{Monitor: MonitorConfig{Format: TrackFormat("xml")}}
	cfg.FillMissingDefaults()
	if cfg.Monitor.Format != TrackFormatLong {
		t.Fatalf("expected invalid track format to normalize to %q, got %q", TrackFormatLong, cfg.Monitor.Format)
	}

	cfg = AppConfig{Monitor: MonitorConfig{Format: TrackFormatProto}}
	cfg.FillMissingDefaults()
	if cfg.Monitor.Format != TrackFormatProto {
		t.Fatalf("expected proto format to be kept, got %q", cfg.Monitor.Format)
	}
}

func TestFillMissingDefaultsKeepsBackoffOrdered(t *testing.T) {
	cfg := AppConfig{Monitor: MonitorConfig{InitialBackoffMS: 30000, MaxBackoffMS: 100}}
	cfg.FillMissingDefaults()

	initial, maximum := cfg.Monitor.Backoff()
	if initial != 30*time.Second {
		t.Fatalf("unexpected initial backoff: %v", initial)
	}
	if maximum < initial {
		t.Fatalf("expected max backoff >= initial, got %v < %v", maximum, initial)
	}
}

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	t.Setenv(EnvServerHost, "")
	t.Setenv(EnvServerPort, "")
	t.Setenv(EnvAndroidServerPort, "")

	cfg, err := Load(filepath.Join(t.TempDir(), "absent.json"))
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.Server != Default().Server {
		t.Fatalf("expected default server config, got %+v", cfg.Server)
	}
}

func TestLoadJSONPreservesExplicitFalseValues(t *testing.T) {
	t.Setenv(EnvServerHost, "")
	t.Setenv(EnvServerPort, "")
	t.Setenv(EnvAndroidServerPort, "")

	path := filepath.Join(t.TempDir(), "config.json")
	raw := `{
  "server": {"host": "10.0.0.5", "port": 5038},
  "notify": {
    "enabled": true,
    "events": {"connected": false, "disconnected": true, "changed": false}
  }
}`
	if err := os.WriteFile(path, []byte(raw), 0o600); err != nil {
		t.Fatalf("write config fixture: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.Server.Host != "10.0.0.5" || cfg.Server.Port != 5038 {
		t.Fatalf("unexpected server config: %+v", cfg.Server)
	}
	if !cfg.Notify.Enabled || cfg.Notify.Events.Connected || !cfg.Notify.Events.Disconnected {
		t.Fatalf("unexpected notify config: %+v", cfg.Notify)
	}
	if cfg.Monitor.Format != TrackFormatLong {
		t.Fatalf("expected omitted monitor section to keep defaults, got %+v", cfg.Monitor)
	}
}

func TestLoadYAML(t *testing.T) {
	t.Setenv(EnvServerHost, "")
	t.Setenv(EnvServerPort, "")
	t.Setenv(EnvAndroidServerPort, "")

	path := filepath.Join(t.TempDir(), "config.yaml")
	raw := `server:
  host: adb.lan
  port: 6000
monitor:
  format: proto
nats:
  enabled: true
  url: nats://broker:4222
`
	if err := os.WriteFile(path, []byte(raw), 0o600); err != nil {
		t.Fatalf("write config fixture: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.Server.Host != "adb.lan" || cfg.Server.Port != 6000 {
		t.Fatalf("unexpected server config: %+v", cfg.Server)
	}
	if cfg.Monitor.Format != TrackFormatProto {
		t.Fatalf("unexpected track format: %q", cfg.Monitor.Format)
	}
	if !cfg.NATS.Enabled || cfg.NATS.URL != "nats://broker:4222" || cfg.NATS.SubjectPrefix != "adb" {
		t.Fatalf("unexpected nats config: %+v", cfg.NATS)
	}
}

func TestLoadEnvOverridesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	if err := os.WriteFile(path, []byte(`{"server": {"host": "10.0.0.5", "port": 5038}}`), 0o600); err != nil {
		t.Fatalf("write config fixture: %v", err)
	}
	t.Setenv(EnvServerHost, "192.168.1.2")
	t.Setenv(EnvServerPort, "")
	t.Setenv(EnvAndroidServerPort, "5040")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.Server.Host != "192.168.1.2" {
		t.Fatalf("expected env host, got %q", cfg.Server.Host)
	}
	if cfg.Server.Port != 5040 {
		t.Fatalf("expected fallback env port 5040, got %d", cfg.Server.Port)
	}
}

func TestApplyEnvPrefersOwnPortVariable(t *testing.T) {
	env := map[string]string{EnvServerPort: "7000", EnvAndroidServerPort: "8000"}
	cfg := Default()
	if err := cfg.ApplyEnv(func(k string) (string, bool) { v, ok := env[k]; return v, ok }); err != nil {
		t.Fatalf("apply env: %v", err)
	}
	if cfg.Server.Port != 7000 {
		t.Fatalf("expected %s to win, got %d", EnvServerPort, cfg.Server.Port)
	}
}

func TestApplyEnvRejectsBadPort(t *testing.T) {
	cfg := Default()
	err := cfg.ApplyEnv(func(k string) (string, bool) {
		if k == EnvServerPort {
			return "70000", true
		}

		return "", false
	})
	if err == nil {
		t.Fatalf("expected error for out of range port")
	}
}

func TestAppConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*AppConfig)
		wantErr bool
	}{
		{name: "defaults", mutate: func(*AppConfig) {}},
		{name: "empty host", mutate: func(c *AppConfig) { c.Server.Host = " " }, wantErr: true},
		{name: "port out of range", mutate: func(c *AppConfig) { c.Server.Port = 70000 }, wantErr: true},
		{name: "bad file mode", mutate: func(c *AppConfig) { c.Sync.DefaultFileMode = "0999" }, wantErr: true},
		{name: "nats without url", mutate: func(c *AppConfig) { c.NATS.Enabled = true; c.NATS.URL = "" }, wantErr: true},
		{name: "nats with url", mutate: func(c *AppConfig) { c.NATS.Enabled = true }},
	}

	for _, tc := range tests {
		cfg := Default()
		tc.mutate(&cfg)
		err := cfg.Validate()
		if tc.wantErr && err == nil {
			t.Fatalf("%s: expected error, got nil", tc.name)
		}
		if !tc.wantErr && err != nil {
			t.Fatalf("%s: expected no error, got %v", tc.name, err)
		}
	}
}

func TestSyncFileMode(t *testing.T) {
	mode, err := SyncConfig{DefaultFileMode: "0755"}.FileMode()
	if err != nil {
		t.Fatalf("parse mode: %v", err)
	}
	if mode != 0o755 {
		t.Fatalf("unexpected mode: %o", mode)
	}
}

func TestSaveRoundTripsYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "config.yml")
	cfg := Default()
	cfg.Server.Host = "adb.lan"
	cfg.History.Enabled = true

	if err := Save(path, cfg); err != nil {
		t.Fatalf("save config: %v", err)
	}
	t.Setenv(EnvServerHost, "")
	t.Setenv(EnvServerPort, "")
	t.Setenv(EnvAndroidServerPort, "")

	loaded, err := Load(path)
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if loaded != cfg {
		t.Fatalf("round trip mismatch:\n got %+v\nwant %+v", loaded, cfg)
	}
	if _, err := os.Stat(path + ".tmp"); !os.IsNotExist(err) {
		t.Fatalf("expected temp file to be renamed away, stat err=%v", err)
	}
}
