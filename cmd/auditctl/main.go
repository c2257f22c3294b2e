// Package main is the CLI entry point for auditctl, a tamper-evident,
// hash-chained audit log for operational decisions such as loan
// underwriting calculations.
//
// Every recorded decision becomes one immutable entry whose SHA-256 hash
// covers its content and the hash of the entry before it. Editing, removing
// or reordering stored entries breaks the chain, and `auditctl verify`
// reports exactly where.
//
// CLI commands (cobra):
//
//	auditctl init            - Write a default config.yaml
//	auditctl log             - Record an entry
//	auditctl decision        - Record a credit decision (approved/declined/referred)
//	auditctl query           - List entries matching filters
//	auditctl show <id>       - Print one entry
//	auditctl count           - Count entries matching filters
//	auditctl verify          - Replay the hash chain
//	auditctl export          - Export entries as jsonl, json or csv
//	auditctl tail [-f]       - Show recent entries, optionally following
//	auditctl serve           - Run the HTTP API and live feed
//	auditctl config          - Show the effective configuration
package main

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/auditchain/auditchain/internal/audit"
	"github.com/auditchain/auditchain/internal/config"
	"github.com/auditchain/auditchain/internal/sanitize"
)

// Build-time variables injected via ldflags:
//
//	go build -ldflags "-X main.version=1.0.0 -X main.commit=abc123 -X main.buildDate=2026-02-10"
var (
	version   = "dev"
	commit    = "unknown"
	buildDate = "unknown"
)

// defaultConfigDir returns ~/.auditctl/, where config.yaml and the default
// audit log live.
func defaultConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".auditctl"
	}
	return filepath.Join(home, ".auditctl")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// ============================================================================
// Root command
// ============================================================================

// configDir is the global flag for the config/state directory.
var configDir string

var rootCmd = &cobra.Command{
	Use:   "auditctl",
	Short: "Tamper-evident decision audit log",
	Long: `auditctl records operational decisions in an append-only, hash-chained
log. Each entry's hash covers its content and the previous entry's hash,
so any modification of stored history is detectable with 'auditctl verify'.`,
	Version:      fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, buildDate),
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(
		&configDir,
		"config-dir",
		defaultConfigDir(),
		"Path to auditctl config and state directory",
	)

	rootCmd.AddCommand(initCmd)
	rootCmd.AddCommand(logCmd)
	rootCmd.AddCommand(decisionCmd)
	rootCmd.AddCommand(queryCmd)
	rootCmd.AddCommand(showCmd)
	rootCmd.AddCommand(countCmd)
	rootCmd.AddCommand(verifyCmd)
	rootCmd.AddCommand(exportCmd)
	rootCmd.AddCommand(tailCmd)
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(configCmd)
}

// ============================================================================
// Shared setup
// ============================================================================

// loadConfig reads config.yaml from the config directory and installs the
// slog handler at the configured level. Logs go to stderr so command output
// on stdout stays machine-readable.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(filepath.Join(configDir, config.ConfigFile))
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: cfg.SlogLevel(),
	})))
	return cfg, nil
}

// openStore opens the configured storage backend.
func openStore(cfg *config.Config) (audit.Store, error) {
	path := cfg.LogPath(configDir)
	switch cfg.Audit.Backend {
	case config.BackendSQLite:
		store, err := audit.NewSQLiteStore(path)
		if err != nil {
			return nil, fmt.Errorf("failed to open sqlite audit store: %w", err)
		}
		return store, nil
	default:
		store, err := audit.NewFileStore(path)
		if err != nil {
			return nil, fmt.Errorf("failed to open audit log: %w", err)
		}
		return store, nil
	}
}

// newLogger wires a store, the configured sanitizer and the entry defaults
// into an audit.Logger.
func newLogger(cfg *config.Config, store audit.Store, san *sanitize.Sanitizer, onAppend func(audit.Entry)) *audit.Logger {
	lc := audit.LoggerConfig{
		DefaultOperator: cfg.Audit.DefaultOperator,
		ToolVersion:     cfg.Audit.ToolVersion,
		Sanitizer:       san,
		OnAppend:        onAppend,
	}
	if cfg.Audit.LockFile {
		lc.LockPath = cfg.LogPath(configDir) + ".lock"
	}
	return audit.NewLogger(store, lc)
}

// openLogger is the one-shot variant used by the write commands.
func openLogger() (*audit.Logger, func(), error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, nil, err
	}
	store, err := openStore(cfg)
	if err != nil {
		return nil, nil, err
	}
	san := sanitize.New(cfg.Sanitize.Keywords, cfg.Sanitize.Redaction)
	closeFn := func() {
		if err := store.Close(); err != nil {
			slog.Error("closing audit store failed", "error", err)
		}
	}
	return newLogger(cfg, store, san, nil), closeFn, nil
}

// openReadStore opens the store for the read-only commands.
func openReadStore() (audit.Store, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	return openStore(cfg)
}

// ============================================================================
// auditctl init
// ============================================================================

var initForce bool

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Create the config directory and a default config.yaml",
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := os.MkdirAll(configDir, 0o755); err != nil {
			return fmt.Errorf("failed to create config directory %s: %w", configDir, err)
		}
		path := filepath.Join(configDir, config.ConfigFile)
		if _, err := os.Stat(path); err == nil && !initForce {
			fmt.Printf("[auditctl] %s already exists (use --force to overwrite)\n", path)
			return nil
		}
		if err := config.WriteDefault(path); err != nil {
			return fmt.Errorf("failed to write config: %w", err)
		}
		fmt.Printf("[auditctl] Wrote %s\n", path)
		return nil
	},
}

func init() {
	initCmd.Flags().BoolVar(&initForce, "force", false, "Overwrite an existing config.yaml")
}

// ============================================================================
// auditctl config
// ============================================================================

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "View the auditctl configuration",
}

func init() {
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configPathCmd)
}

// configShowCmd prints the effective configuration, defaults included.
var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the effective configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		data, err := yaml.Marshal(cfg)
		if err != nil {
			return fmt.Errorf("failed to marshal config: %w", err)
		}
		fmt.Print(string(data))
		return nil
	},
}

var configPathCmd = &cobra.Command{
	Use:   "path",
	Short: "Print the config file and audit log locations",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		fmt.Printf("config: %s\n", filepath.Join(configDir, config.ConfigFile))
		fmt.Printf("log:    %s (%s)\n", cfg.LogPath(configDir), cfg.Audit.Backend)
		return nil
	},
}
