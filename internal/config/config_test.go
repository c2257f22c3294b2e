package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/auditchain/auditchain/internal/sanitize"
)

func TestLoad_NonexistentFile(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nonexistent.yaml"))
	if err != nil {
		t.Fatalf("Load with nonexistent file should not error: %v", err)
	}

	// Verify defaults.
	if cfg.Audit.Backend != BackendFile {
		t.Errorf("default backend: expected file, got %q", cfg.Audit.Backend)
	}
	if cfg.Audit.Path != "audit.jsonl" {
		t.Errorf("default path: expected audit.jsonl, got %q", cfg.Audit.Path)
	}
	if cfg.Audit.DefaultOperator != "unknown" {
		t.Errorf("default operator: expected unknown, got %q", cfg.Audit.DefaultOperator)
	}
	if !cfg.Audit.LockFile {
		t.Error("default lockFile: expected true")
	}
	if len(cfg.Sanitize.Keywords) != len(sanitize.DefaultKeywords) {
		t.Errorf("default keywords: expected %d, got %d", len(sanitize.DefaultKeywords), len(cfg.Sanitize.Keywords))
	}
	if cfg.Sanitize.Redaction != "[REDACTED]" {
		t.Errorf("default redaction: got %q", cfg.Sanitize.Redaction)
	}
	if cfg.Server.Host != "127.0.0.1" {
		t.Errorf("default host: expected 127.0.0.1, got %q", cfg.Server.Host)
	}
	if cfg.Server.Port != 3200 {
		t.Errorf("default port: expected 3200, got %d", cfg.Server.Port)
	}
	if !cfg.Server.Feed {
		t.Error("default feed: expected true")
	}
	if cfg.SlogLevel() != slog.LevelInfo {
		t.Errorf("default log level: expected info, got %v", cfg.SlogLevel())
	}
}

func TestLoad_ValidYAML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	yaml := `
audit:
  backend: sqlite
  path: /var/lib/auditctl/audit.db
  defaultOperator: batch
  toolVersion: 2.3.1
  lockFile: false
sanitize:
  keywords: [tin, ssn]
  redaction: "***"
server:
  host: "0.0.0.0"
  port: 9090
  feed: false
log:
  level: debug
`
	if err := os.WriteFile(path, []byte(yaml), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.Audit.Backend != BackendSQLite || cfg.Audit.DefaultOperator != "batch" || cfg.Audit.ToolVersion != "2.3.1" {
		t.Errorf("audit section: %+v", cfg.Audit)
	}
	if cfg.Audit.LockFile {
		t.Error("lockFile: expected false")
	}
	if len(cfg.Sanitize.Keywords) != 2 || cfg.Sanitize.Keywords[0] != "tin" {
		t.Errorf("keywords should replace the defaults, got %v", cfg.Sanitize.Keywords)
	}
	if cfg.Sanitize.Redaction != "***" {
		t.Errorf("redaction: got %q", cfg.Sanitize.Redaction)
	}
	if cfg.Server.Host != "0.0.0.0" || cfg.Server.Port != 9090 || cfg.Server.Feed {
		t.Errorf("server section: %+v", cfg.Server)
	}
	if cfg.SlogLevel() != slog.LevelDebug {
		t.Errorf("log level: expected debug, got %v", cfg.SlogLevel())
	}
	if got := cfg.LogPath("/home/x/.auditctl"); got != "/var/lib/auditctl/audit.db" {
		t.Errorf("absolute path should be kept, got %q", got)
	}
}

func TestLoad_InvalidYAML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte(`{{{invalid yaml`), 0o644); err != nil {
		t.Fatal(err)
	}

	_, err := Load(path)
	if err == nil {
		t.Error("expected error for invalid YAML")
	}
}

func TestLoad_PartialOverride(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	yaml := `
server:
  port: 9090
`
	if err := os.WriteFile(path, []byte(yaml), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}

	// Port overridden.
	if cfg.Server.Port != 9090 {
		t.Errorf("port: expected 9090, got %d", cfg.Server.Port)
	}
	// Everything else should retain defaults.
	if cfg.Server.Host != "127.0.0.1" {
		t.Errorf("host should be default 127.0.0.1, got %q", cfg.Server.Host)
	}
	if cfg.Audit.Backend != BackendFile || cfg.Audit.Path != "audit.jsonl" {
		t.Errorf("audit defaults lost: %+v", cfg.Audit)
	}
}

func TestLogPath_Relative(t *testing.T) {
	cfg := applyDefaults()
	if got := cfg.LogPath("/home/x/.auditctl"); got != filepath.Join("/home/x/.auditctl", "audit.jsonl") {
		t.Errorf("relative path should resolve against the config dir, got %q", got)
	}
}

func TestValidate(t *testing.T) {
	withDefaults := func(modify func(c *Config)) Config {
		c := applyDefaults()
		modify(c)
		return *c
	}

	tests := []struct {
		name    string
		cfg     Config
		wantErr bool
	}{
		{
			name:    "valid",
			cfg:     *applyDefaults(),
			wantErr: false,
		},
		{
			name:    "sqlite backend",
			cfg:     withDefaults(func(c *Config) { c.Audit.Backend = BackendSQLite }),
			wantErr: false,
		},
		{
			name:    "unknown backend",
			cfg:     withDefaults(func(c *Config) { c.Audit.Backend = "postgres" }),
			wantErr: true,
		},
		{
			name:    "empty path",
			cfg:     withDefaults(func(c *Config) { c.Audit.Path = "" }),
			wantErr: true,
		},
		{
			name:    "empty host",
			cfg:     withDefaults(func(c *Config) { c.Server.Host = "" }),
			wantErr: true,
		},
		{
			name:    "port 0",
			cfg:     withDefaults(func(c *Config) { c.Server.Port = 0 }),
			wantErr: true,
		},
		{
			name:    "port 65536",
			cfg:     withDefaults(func(c *Config) { c.Server.Port = 65536 }),
			wantErr: true,
		},
		{
			name:    "bad log level",
			cfg:     withDefaults(func(c *Config) { c.Log.Level = "verbose" }),
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := validate(&tt.cfg)
			if tt.wantErr && err == nil {
				t.Error("expected error")
			}
			if !tt.wantErr && err != nil {
				t.Errorf("unexpected error: %v", err)
			}
		})
	}
}

func TestWriteDefault_Roundtrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")

	if err := WriteDefault(path); err != nil {
		t.Fatalf("WriteDefault: %v", err)
	}

	// Verify file was created.
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("file not created: %v", err)
	}

	// Load it back and verify defaults.
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load after WriteDefault: %v", err)
	}

	if cfg.Server.Port != 3200 {
		t.Errorf("roundtrip port: expected 3200, got %d", cfg.Server.Port)
	}
	if !cfg.Audit.LockFile {
		t.Error("roundtrip lockFile: expected true")
	}
	if len(cfg.Sanitize.Keywords) != len(sanitize.DefaultKeywords) {
		t.Errorf("roundtrip keywords: got %v", cfg.Sanitize.Keywords)
	}
}

func TestWatcher_ReloadsOnWrite(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, ConfigFile)
	if err := WriteDefault(path); err != nil {
		t.Fatalf("WriteDefault: %v", err)
	}

	changes := make(chan *Config, 64)
	w, err := NewWatcher(dir, func(cfg *Config) { changes <- cfg })
	if err != nil {
		t.Fatalf("NewWatcher: %v", err)
	}
	defer w.Close()

	if err := os.WriteFile(path, []byte("sanitize:\n  keywords: [tin]\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	// A write can surface as several events; wait for the final content.
	deadline := time.After(5 * time.Second)
	for {
		select {
		case cfg := <-changes:
			if len(cfg.Sanitize.Keywords) == 1 && cfg.Sanitize.Keywords[0] == "tin" {
				return
			}
		case <-deadline:
			t.Fatal("watcher did not report the new keywords")
		}
	}
}

func TestWatcher_KeepsRunningAfterBadConfig(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, ConfigFile)

	changes := make(chan *Config, 64)
	w, err := NewWatcher(dir, func(cfg *Config) { changes <- cfg })
	if err != nil {
		t.Fatalf("NewWatcher: %v", err)
	}
	defer w.Close()

	if err := os.WriteFile(path, []byte("server:\n  port: 0\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	time.Sleep(100 * time.Millisecond)
	if err := os.WriteFile(path, []byte("server:\n  port: 4000\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	deadline := time.After(5 * time.Second)
	for {
		select {
		case cfg := <-changes:
			if cfg.Server.Port == 0 {
				t.Fatal("invalid config should never be delivered")
			}
			if cfg.Server.Port == 4000 {
				return
			}
		case <-deadline:
			t.Fatal("watcher stopped after an invalid config")
		}
	}
}

func TestWatcher_CloseTwice(t *testing.T) {
	w, err := NewWatcher(t.TempDir(), nil)
	if err != nil {
		t.Fatalf("NewWatcher: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Errorf("first Close: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Errorf("second Close: %v", err)
	}
}
