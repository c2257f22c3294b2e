package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/auditchain/auditchain/internal/audit"
	"github.com/auditchain/auditchain/internal/config"
	"github.com/auditchain/auditchain/internal/sanitize"
	"github.com/auditchain/auditchain/internal/server"
)

// ============================================================================
// auditctl serve: HTTP API and live feed
// ============================================================================

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the audit log over HTTP",
	Long: `Run the HTTP API on the address from config.yaml (default 127.0.0.1:3200):
  - GET  /api/entries, /api/entries/{id}, /api/count, /api/verify
  - POST /api/entries, /api/decisions
  - GET  /api/feed (websocket live feed)
  - GET  /health, /metrics

Sanitizer keywords are reloaded when config.yaml changes.`,
	RunE: runServe,
}

// runServe wires the stack together:
//
//  1. Load config and open the store
//  2. Build the logger with the configured sanitizer
//  3. Create the server and hook appended entries into its feed
//  4. Watch config.yaml for sanitizer changes
//  5. Listen until SIGINT/SIGTERM, then drain
func runServe(cmd *cobra.Command, args []string) error {
	if err := os.MkdirAll(configDir, 0o755); err != nil {
		return fmt.Errorf("failed to create config directory %s: %w", configDir, err)
	}

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	store, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	san := sanitize.New(cfg.Sanitize.Keywords, cfg.Sanitize.Redaction)

	// A following store reports every append, ours included, so the feed
	// takes entries from there. Otherwise the logger's hook feeds it and
	// entries from other processes are not streamed.
	_, following := store.(audit.Follower)
	var srv *server.Server
	var onAppend func(audit.Entry)
	if !following {
		onAppend = func(e audit.Entry) { srv.Broadcast(e) }
	}
	logger := newLogger(cfg, store, san, onAppend)

	srv = server.New(server.Options{
		Logger:  logger,
		Version: version,
		Feed:    cfg.Server.Feed,
	})
	defer srv.Close()

	watcher, err := config.NewWatcher(configDir, func(updated *config.Config) {
		san.SetKeywords(updated.Sanitize.Keywords)
		san.SetRedaction(updated.Sanitize.Redaction)
		slog.Info("sanitizer reloaded", "keywords", len(updated.Sanitize.Keywords))
	})
	if err != nil {
		return fmt.Errorf("failed to start config watcher: %w", err)
	}
	defer watcher.Close()

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if following {
		go func() {
			if err := srv.FollowStore(ctx); err != nil && !errors.Is(err, context.Canceled) {
				slog.Error("audit follow stopped", "error", err)
			}
		}()
	}

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	httpServer := &http.Server{
		Addr:              addr,
		Handler:           srv,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		fmt.Printf("[auditctl] Serving %s on http://%s\n", cfg.LogPath(configDir), addr)
		fmt.Println("[auditctl] Press Ctrl+C to stop")
		errCh <- httpServer.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		fmt.Println("\n[auditctl] Shutting down (signal received)...")
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
	}

	// Websocket clients are hijacked connections; Shutdown does not wait
	// for them, srv.Close drops them.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		fmt.Fprintf(os.Stderr, "[auditctl] Shutdown error: %v\n", err)
	}

	fmt.Println("[auditctl] Stopped")
	return nil
}
