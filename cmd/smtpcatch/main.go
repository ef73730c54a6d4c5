// Package main is the entry point for the smtpcatch capture server.
package main

import (
	"context"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/smtpcatch/smtpcatch/internal/api"
	"github.com/smtpcatch/smtpcatch/internal/certstore"
	"github.com/smtpcatch/smtpcatch/internal/config"
	"github.com/smtpcatch/smtpcatch/internal/ingest"
	"github.com/smtpcatch/smtpcatch/internal/mailbox"
	"github.com/smtpcatch/smtpcatch/internal/smtp"
)

func main() {
	configPath := flag.String("config", "", "path to YAML configuration file (optional)")
	flag.Parse()

	// Load configuration
	cfg, err := loadConfig(*configPath)
	if err != nil {
		slog.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}

	// Setup structured logging
	setupLogger(cfg.Logging.Level)

	// Open the certificate store; a previously uploaded pair is loaded
	// here, corrupt state just means starting without TLS.
	certs, err := certstore.Open(cfg.TLS.StorageDir)
	if err != nil {
		slog.Error("failed to open certificate store", "error", err)
		os.Exit(1)
	}

	store := mailbox.NewStore()
	pipeline := ingest.New(store)

	server := smtp.New(smtp.Config{
		ListenAddr:     cfg.SMTP.Listen,
		Hostname:       cfg.SMTP.Hostname,
		AdvertisedHost: cfg.SMTP.AdvertisedHost,
		AuthUsername:   cfg.SMTP.Username,
		AuthPassword:   cfg.SMTP.Password,
		MaxMessageSize: cfg.SMTP.MaxMessageSize,
	}, certs, pipeline)

	// Certificate upload/delete restarts the listener before the
	// management call returns.
	certs.OnChange(func() {
		if err := server.Restart(); err != nil {
			slog.Error("SMTP listener restart failed", "error", err)
		}
	})

	slog.Info("starting smtpcatch",
		"smtp_listen", cfg.SMTP.Listen,
		"http_listen", cfg.HTTP.Listen,
		"auth_enabled", cfg.AuthEnabled(),
	)

	// Startup bind failure is fatal.
	if err := server.Start(); err != nil {
		slog.Error("failed to start SMTP server", "error", err)
		os.Exit(1)
	}

	handler := api.New(store, certs, server)
	httpServer := &http.Server{
		Addr:    cfg.HTTP.Listen,
		Handler: handler.Router(),
	}

	errCh := make(chan error, 1)
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	select {
	case sig := <-sigCh:
		slog.Info("received signal, initiating shutdown", "signal", sig)
	case err := <-errCh:
		slog.Error("management API server error", "error", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		slog.Warn("management API shutdown error", "error", err)
	}
	server.Shutdown()

	slog.Info("smtpcatch stopped")
}

// loadConfig loads configuration from the specified path (YAML + env override)
// or from environment variables only if no path is given.
func loadConfig(path string) (*config.Config, error) {
	if path != "" {
		return config.LoadFromFile(path)
	}
	return config.Load()
}

// setupLogger configures the global slog logger with JSON output and the
// specified log level.
func setupLogger(level string) {
	var logLevel slog.Level

	switch level {
	case "debug":
		logLevel = slog.LevelDebug
	case "info":
		logLevel = slog.LevelInfo
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	default:
		logLevel = slog.LevelInfo
	}

	handler := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel,
	})
	slog.SetDefault(slog.New(handler))
}
