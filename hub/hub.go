// Package hub is the main orchestrator that ties all hub components together.
package hub

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/fleetrelay/fleetrelay/hub/api"
	"github.com/fleetrelay/fleetrelay/hub/artifact"
	"github.com/fleetrelay/fleetrelay/hub/auth"
	"github.com/fleetrelay/fleetrelay/hub/config"
	"github.com/fleetrelay/fleetrelay/hub/relay"
	"github.com/fleetrelay/fleetrelay/hub/store"
)

// Hub is the main hub process.
type Hub struct {
	cfg       *config.Config
	store     store.Store
	auth      *auth.Service
	artifacts *artifact.Store
	relay     *relay.Relay
	api       *api.Server
	logger    *slog.Logger
}

// New creates a new hub from configuration.
func New(cfg *config.Config, logger *slog.Logger) (*Hub, error) {
	db, err := store.New(cfg.Storage)
	if err != nil {
		return nil, fmt.Errorf("init storage: %w", err)
	}

	authService := auth.NewService(db, cfg.Auth)
	if err := authService.Bootstrap(context.Background()); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("bootstrap auth: %w", err)
	}

	artifacts, err := artifact.NewStore(cfg.Server.DownloadDir)
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("init artifact store: %w", err)
	}

	rel := relay.New(db, authService, artifacts, logger, relay.Options{
		AllowedOrigins:     cfg.Server.AllowedOrigins,
		MaxConsoleMsgBytes: cfg.Relay.MaxConsoleMsgBytes,
		MaxAgentMsgBytes:   cfg.Relay.MaxAgentMsgBytes,
		MaxFileBytes:       cfg.Server.MaxFileBytes,
	})

	apiSrv := api.NewServer(db, authService, rel, artifacts, cfg, logger)

	h := &Hub{
		cfg:       cfg,
		store:     db,
		auth:      authService,
		artifacts: artifacts,
		relay:     rel,
		api:       apiSrv,
		logger:    logger.With("component", "hub"),
	}

	// Startup validation warnings.
	if cfg.Auth.InitialAdmin != nil &&
		cfg.Auth.InitialAdmin.Username == "admin" && cfg.Auth.InitialAdmin.Password == "admin" {
		logger.Warn("default admin credentials detected (admin/admin), change immediately in production")
	}
	for _, origin := range cfg.Server.AllowedOrigins {
		if origin == "*" {
			logger.Warn("CORS allowed_origins contains wildcard '*', restrict to specific origins in production")
			break
		}
	}

	return h, nil
}

// Run starts the hub HTTP server and blocks until the context is canceled.
func (h *Hub) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:    h.cfg.Server.Addr,
		Handler: h.api.Handler(),
	}

	// Start rate limiter cleanup tasks.
	h.api.StartBackgroundTasks(ctx)

	// Start retention purger.
	if h.cfg.Storage.Retention.Duration > 0 {
		go h.runRetentionPurger(ctx, h.cfg.Storage.Retention.Duration, h.cfg.Storage.AuditRetention.Duration)
	}

	errCh := make(chan error, 1)
	go func() {
		h.logger.Info("hub listening", "addr", h.cfg.Server.Addr)
		if h.cfg.Server.TLSCert != "" && h.cfg.Server.TLSKey != "" {
			errCh <- srv.ListenAndServeTLS(h.cfg.Server.TLSCert, h.cfg.Server.TLSKey)
		} else {
			h.logger.Warn("TLS not configured, running without encryption (development only)")
			errCh <- srv.ListenAndServe()
		}
	}()

	select {
	case <-ctx.Done():
		h.logger.Info("shutting down hub gracefully")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		if err := srv.Shutdown(shutdownCtx); err != nil {
			h.logger.Warn("graceful shutdown failed, forcing close", "error", err)
			_ = srv.Close()
		} else {
			h.logger.Info("http server stopped gracefully")
		}

		h.logger.Info("closing store")
		_ = h.store.Close()
		h.logger.Info("shutdown complete")
		return ctx.Err()

	case err := <-errCh:
		_ = h.store.Close()
		return err
	}
}

func (h *Hub) runRetentionPurger(ctx context.Context, retention, auditRetention time.Duration) {
	ticker := time.NewTicker(1 * time.Hour)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			cutoff := time.Now().Add(-retention)
			if n, err := h.artifacts.PurgeOlderThan(cutoff); err != nil {
				h.logger.Warn("retention purge: artifact files failed", "error", err)
			} else if n > 0 {
				h.logger.Info("retention purge: deleted old artifact files", "count", n)
			}
			if n, err := h.store.DeleteArtifactsBefore(ctx, cutoff); err != nil {
				h.logger.Warn("retention purge: artifact records failed", "error", err)
			} else if n > 0 {
				h.logger.Info("retention purge: deleted old artifact records", "count", n)
			}
			auditCutoff := time.Now().Add(-auditRetention)
			if n, err := h.store.DeleteAuditEventsBefore(ctx, auditCutoff); err != nil {
				h.logger.Warn("retention purge: audit events failed", "error", err)
			} else if n > 0 {
				h.logger.Info("retention purge: deleted old audit events", "count", n)
			}
		}
	}
}
