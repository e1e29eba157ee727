// Workspace sync server
//
// Features:
// - Per-workspace file upload, listing, download and deletion
// - SSE change stream backed by native filesystem notifications
// - JWT auth with optional OIDC and Postgres token revocation
// - Prometheus metrics & structured logging (zap)
package main

import (
	"context"
	"crypto/tls"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/fruitsalade/workspace-sync/internal/api"
	"github.com/fruitsalade/workspace-sync/internal/auth"
	"github.com/fruitsalade/workspace-sync/internal/config"
	"github.com/fruitsalade/workspace-sync/internal/logging"
	"github.com/fruitsalade/workspace-sync/internal/metrics"
	"github.com/fruitsalade/workspace-sync/internal/watcher"
	"github.com/fruitsalade/workspace-sync/internal/workspace"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		// Can't use structured logging yet
		panic("configuration error: " + err.Error())
	}

	// Initialize structured logging
	if err := logging.Init(logging.Config{
		Level:  cfg.LogLevel,
		Format: cfg.LogFormat,
	}); err != nil {
		panic("logging init error: " + err.Error())
	}
	defer logging.Sync()

	logging.Info("workspace server starting...",
		zap.String("listen", cfg.ListenAddr),
		zap.String("metrics", cfg.MetricsAddr),
		zap.String("upload_dir", cfg.UploadDir))

	ctx := context.Background()

	store, err := workspace.NewStore(cfg.UploadDir)
	if err != nil {
		logging.Fatal("workspace store init failed", zap.Error(err))
	}

	hub := watcher.NewHub(store)

	// Initialize auth
	authHandler := auth.New(cfg.JWTSecret)

	// OIDC provider (optional)
	oidcProvider, err := auth.NewOIDCProvider(ctx, auth.OIDCConfig{
		IssuerURL: cfg.OIDCIssuerURL,
		ClientID:  cfg.OIDCClientID,
	})
	if err != nil {
		logging.Fatal("OIDC provider init failed", zap.Error(err))
	}
	if oidcProvider != nil {
		authHandler.SetOIDCProvider(oidcProvider)
		logging.Info("OIDC enabled", zap.String("issuer", cfg.OIDCIssuerURL))
	}

	// Token revocation list (optional)
	if cfg.DatabaseURL != "" {
		logging.Info("connecting to PostgreSQL...")
		revocations, err := auth.NewPostgresRevocations(ctx, cfg.DatabaseURL)
		if err != nil {
			logging.Fatal("revocation store init failed", zap.Error(err))
		}
		defer revocations.Close()
		authHandler.SetRevocationChecker(revocations)
	}

	srv := api.NewServer(store, hub, authHandler, api.Options{
		MaxUploadSize: cfg.MaxUploadSize,
		KeepAlive:     cfg.SSEKeepAlive,
	})

	// Start metrics server
	metricsServer := &http.Server{
		Addr:    cfg.MetricsAddr,
		Handler: metrics.Handler(),
	}
	go func() {
		logging.Info("metrics server listening", zap.String("addr", cfg.MetricsAddr))
		if err := metricsServer.ListenAndServe(); err != http.ErrServerClosed {
			logging.Error("metrics server error", zap.Error(err))
		}
	}()

	// Start HTTP(S) server
	httpServer := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	if cfg.TLSCertFile != "" && cfg.TLSKeyFile != "" {
		httpServer.TLSConfig = &tls.Config{
			MinVersion: tls.VersionTLS13,
		}
	}

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	err = runServer(ctx, httpServer, func() error { return serve(httpServer, cfg) }, hub)
	metricsServer.Close()
	if err != nil {
		logging.Fatal("server error", zap.Error(err))
	}
	logging.Info("server stopped")
}

const shutdownTimeout = 30 * time.Second

// runServer runs serve until ctx is done, then closes every watch stream and
// drains in-flight requests. It returns only once the drain has finished, so
// uploads in progress complete before the process exits.
func runServer(ctx context.Context, httpServer *http.Server, serve func() error, hub *watcher.Hub) error {
	errCh := make(chan error, 1)
	go func() { errCh <- serve() }()

	select {
	case err := <-errCh:
		hub.Close()
		return err
	case <-ctx.Done():
	}

	logging.Info("shutting down...")
	// Watch streams never go idle on their own; ending them lets Shutdown
	// finish.
	hub.Close()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logging.Warn("forced shutdown", zap.Error(err))
		httpServer.Close()
	}

	if err := <-errCh; err != http.ErrServerClosed {
		return err
	}
	return nil
}

func serve(httpServer *http.Server, cfg *config.Config) error {
	if cfg.TLSCertFile != "" && cfg.TLSKeyFile != "" {
		logging.Info("server listening (TLS 1.3)",
			zap.String("addr", cfg.ListenAddr),
			zap.String("cert", cfg.TLSCertFile))
		return httpServer.ListenAndServeTLS(cfg.TLSCertFile, cfg.TLSKeyFile)
	}
	logging.Info("server listening (HTTP)", zap.String("addr", cfg.ListenAddr))
	return httpServer.ListenAndServe()
}
