// Package config handles loading, validating, and writing the auditctl
// configuration from ~/.auditctl/config.yaml.
//
// The config defines:
//   - Audit storage backend and log path
//   - Entry defaults (operator, tool version)
//   - Sanitizer keywords and redaction marker
//   - HTTP API bind address and live feed toggle
//   - Log level
package config

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/auditchain/auditchain/internal/sanitize"
)

// Storage backends.
const (
	BackendFile   = "file"
	BackendSQLite = "sqlite"
)

// Config is the top-level auditctl configuration. Loaded from
// config.yaml, with defaults for fields that are not explicitly set.
type Config struct {
	Audit    AuditConfig    `yaml:"audit"`
	Sanitize SanitizeConfig `yaml:"sanitize"`
	Server   ServerConfig   `yaml:"server"`
	Log      LogConfig      `yaml:"log"`
}

// AuditConfig selects the storage backend and entry defaults.
//
// Path is relative to the config directory unless absolute. LockFile
// takes an advisory lock on <path>.lock around every append, which keeps
// the chain linear when several processes write the same log.
type AuditConfig struct {
	Backend         string `yaml:"backend"`
	Path            string `yaml:"path"`
	DefaultOperator string `yaml:"defaultOperator"`
	ToolVersion     string `yaml:"toolVersion"`
	LockFile        bool   `yaml:"lockFile"`
}

// SanitizeConfig lists the keys redacted from inputs before hashing.
type SanitizeConfig struct {
	Keywords  []string `yaml:"keywords"`
	Redaction string   `yaml:"redaction"`
}

// ServerConfig defines where `auditctl serve` listens.
// Default: 127.0.0.1:3200 (loopback only).
type ServerConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
	Feed bool   `yaml:"feed"`
}

// LogConfig sets the slog level: debug, info, warn or error.
type LogConfig struct {
	Level string `yaml:"level"`
}

// Load reads and parses config.yaml from the given path.
// If the file doesn't exist, returns defaults (not an error).
// Invalid YAML or validation failures return an error.
func Load(path string) (*Config, error) {
	cfg := applyDefaults()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("reading config %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}

	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return cfg, nil
}

// WriteDefault writes a default config.yaml with all fields populated
// and a comment header. Used by `auditctl init`.
func WriteDefault(path string) error {
	cfg := applyDefaults()
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshaling default config: %w", err)
	}

	header := `# auditctl configuration
#
# audit:
#   backend: file (JSON lines, the reference format) or sqlite
#   path: log location, relative to this directory unless absolute
#   defaultOperator: operator recorded when an entry names none
#   toolVersion: tool version recorded when an entry names none
#   lockFile: take <path>.lock around appends (multi-process writers)
#
# sanitize:
#   keywords: input keys containing any of these (case-insensitive) are redacted
#   redaction: replacement value
#
# server:
#   host/port: bind address for 'auditctl serve' (loopback by default)
#   feed: enable the /api/feed websocket
#
# log:
#   level: debug, info, warn or error

`
	return os.WriteFile(path, []byte(header+string(data)), 0o644)
}

// LogPath resolves the audit log path against the config directory.
func (c *Config) LogPath(configDir string) string {
	if filepath.IsAbs(c.Audit.Path) {
		return c.Audit.Path
	}
	return filepath.Join(configDir, c.Audit.Path)
}

// SlogLevel maps the configured level onto slog.
func (c *Config) SlogLevel() slog.Level {
	switch strings.ToLower(c.Log.Level) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// applyDefaults returns a Config with all fields set to their default values.
func applyDefaults() *Config {
	return &Config{
		Audit: AuditConfig{
			Backend:         BackendFile,
			Path:            "audit.jsonl",
			DefaultOperator: "unknown",
			LockFile:        true,
		},
		Sanitize: SanitizeConfig{
			Keywords:  append([]string(nil), sanitize.DefaultKeywords...),
			Redaction: sanitize.DefaultRedaction,
		},
		Server: ServerConfig{
			Host: "127.0.0.1",
			Port: 3200,
			Feed: true,
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

// validate checks the config for logical errors after parsing.
func validate(cfg *Config) error {
	switch cfg.Audit.Backend {
	case BackendFile, BackendSQLite:
	default:
		return fmt.Errorf("audit.backend %q must be %q or %q", cfg.Audit.Backend, BackendFile, BackendSQLite)
	}
	if cfg.Audit.Path == "" {
		return fmt.Errorf("audit.path must not be empty")
	}
	if cfg.Server.Host == "" {
		return fmt.Errorf("server.host must not be empty")
	}
	if cfg.Server.Port < 1 || cfg.Server.Port > 65535 {
		return fmt.Errorf("server.port %d out of range (1-65535)", cfg.Server.Port)
	}
	switch strings.ToLower(cfg.Log.Level) {
	case "", "debug", "info", "warn", "warning", "error":
	default:
		return fmt.Errorf("log.level %q is not one of debug, info, warn, error", cfg.Log.Level)
	}
	return nil
}
