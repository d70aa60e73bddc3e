package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/spf13/cobra"

	"github.com/ehr/rxledger/internal/config"
	"github.com/ehr/rxledger/internal/domain/prescription"
	"github.com/ehr/rxledger/internal/platform/db"
	"github.com/ehr/rxledger/internal/platform/gateway"
	"github.com/ehr/rxledger/internal/platform/middleware"
)

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the prescription API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer()
		},
	}
}

func runServer() error {
	// Config
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	// Logger
	logger := newLogger(cfg, os.Stdout)

	if err := cfg.Validate(); err != nil {
		logger.Fatal().Err(err).Msg("invalid config")
	}

	// Journal
	ctx := context.Background()
	jh, err := openJournal(ctx, cfg)
	if err != nil {
		logger.Fatal().Err(err).Str("driver", cfg.JournalDriver).Msg("failed to open verification journal")
	}
	defer jh.close()
	logger.Info().Str("driver", cfg.JournalDriver).Msg("verification journal ready")

	// Ledger
	m := newMetrics()
	client, err := newGatewayClient(cfg, logger, gateway.WithObserver(m.observeGateway))
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to configure gateway client")
	}
	journal, err := decorateJournal(cfg, logger, jh.journal, m)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to configure webhook")
	}
	svc := prescription.NewService(client, journal, logger, serviceConfig(cfg))

	// Echo server
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	// Global middleware
	e.Use(middleware.Recovery(logger))
	e.Use(m.reg.Middleware())
	e.Use(middleware.RequestID())
	e.Use(middleware.Logger(logger))
	e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
		AllowOrigins: cfg.CORSOrigins,
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodPatch},
		AllowHeaders: []string{"Content-Type", middleware.RequestIDHeader},
	}))
	e.Use(middleware.SecurityHeaders())
	e.Use(middleware.BodyLimit(cfg.BodyLimit))
	e.Use(middleware.RequestTimeout(cfg.RequestTimeout, "/health", "/metrics"))
	e.Use(middleware.Audit(logger, "/api/v1/"))

	// API
	apiV1 := e.Group("/api/v1")
	apiV1.Use(middleware.RateLimit(rateLimitConfig(cfg)))
	prescription.NewHandler(svc).RegisterRoutes(apiV1)

	// Health
	checks := []db.Check{{Name: "gateway", Ping: client.Ping}}
	if jh.pool != nil {
		checks = append(checks, db.PoolCheck("journal", jh.pool))
	}
	e.GET("/health", db.HealthHandler(checks...))
	e.GET("/metrics", m.reg.Handler())

	// Graceful shutdown
	go func() {
		addr := ":" + cfg.Port
		logger.Info().Str("addr", addr).Str("gateway", cfg.GatewayURL).Msg("starting server")
		if err := e.Start(addr); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("server error")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info().Msg("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("server shutdown failed")
	}

	drainCtx, cancelDrain := context.WithTimeout(context.Background(), cfg.VerifyTimeout)
	defer cancelDrain()
	if err := svc.Wait(drainCtx); err != nil {
		logger.Warn().Err(err).Msg("verifications still running at exit")
	}
	logger.Info().Msg("server stopped")
	return nil
}
