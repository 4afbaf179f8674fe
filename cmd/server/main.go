package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/rs/zerolog"

	"github.com/pico-mes/pico-mrp/internal/api"
	"github.com/pico-mes/pico-mrp/internal/config"
	"github.com/pico-mes/pico-mrp/internal/logging"
	"github.com/pico-mes/pico-mrp/internal/mrp"
	"github.com/pico-mes/pico-mrp/internal/pico"
	"github.com/pico-mes/pico-mrp/internal/repository"
	"github.com/pico-mes/pico-mrp/internal/telemetry"
	"github.com/pico-mes/pico-mrp/internal/tls"
	"github.com/pico-mes/pico-mrp/internal/workflow"
)

func main() {
	ctx := context.Background()

	configPath := flag.String("config", "", "Path to config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		bootLogger := zerolog.New(os.Stderr)
		bootLogger.Fatal().Err(err).Msg("failed to load configuration")
	}
	logger := logging.New(cfg.Log.Level, cfg.Log.Pretty)

	if err := cfg.Validate(); err != nil {
		logger.Fatal().Err(err).Msg("invalid configuration")
	}
	logger.Info().
		Str("pico_url", cfg.Pico.URL).
		Str("public_url", cfg.Server.PublicURL).
		Msg("starting pico-mrp bridge")

	dbPool, err := initDatabase(ctx, cfg, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to initialize database")
	}
	defer dbPool.Close()

	if err := repository.Migrate(cfg.ConnString()); err != nil {
		logger.Fatal().Err(err).Msg("failed to run migrations")
	}
	logger.Info().Msg("database ready")

	store := repository.NewPostgresStore(dbPool)
	metrics := telemetry.New("pico_mrp")

	client, err := pico.NewClient(cfg.Pico.URL, cfg.Pico.CustomerKey, cfg.Pico.Timeout, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to build pico client")
	}

	bomValidator := mrp.NewBomValidator(store, logger, metrics)
	completion := mrp.NewCompletion(store, client, bomValidator, logger, metrics)
	engine := workflow.NewEngine(store, bomValidator, logger, metrics)

	e := echo.New()
	e.HideBanner = true
	e.Use(middleware.Logger())
	e.Use(middleware.Recover())

	server := api.NewServer(engine, completion, store, client,
		cfg.Server.PublicURL, cfg.Server.WebhookKey, logger, metrics)
	server.Register(e)
	logger.Info().Msg("handlers mounted")

	httpServer := &http.Server{
		Addr:         cfg.Server.Addr,
		Handler:      e,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	serverErrors := make(chan error, 1)
	go func() {
		logger.Info().Str("addr", cfg.Server.Addr).Bool("tls", cfg.TLS.Enable).Msg("server starting")
		if cfg.TLS.Enable {
			if _, err := os.Stat(cfg.TLS.CertFile); os.IsNotExist(err) && len(cfg.TLS.Hostnames) > 0 {
				if err := tls.GenerateSelfSignedCert(cfg.TLS.CertFile, cfg.TLS.KeyFile, cfg.TLS.Hostnames); err != nil {
					logger.Error().Err(err).Msg("failed to generate self-signed cert")
				}
			}
			serverErrors <- httpServer.ListenAndServeTLS(cfg.TLS.CertFile, cfg.TLS.KeyFile)
		} else {
			serverErrors <- httpServer.ListenAndServe()
		}
	}()

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-serverErrors:
		if err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("server error")
		}
	case sig := <-shutdown:
		logger.Info().Str("signal", sig.String()).Msg("shutdown signal received")

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(ctx); err != nil {
			logger.Error().Err(err).Msg("server shutdown error")
			if err := httpServer.Close(); err != nil {
				logger.Error().Err(err).Msg("server close error")
			}
		}
		logger.Info().Msg("server stopped gracefully")
	}
}

func initDatabase(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (*pgxpool.Pool, error) {
	logger.Debug().Msg("initializing database connection")

	poolConfig, err := pgxpool.ParseConfig(cfg.ConnString())
	if err != nil {
		return nil, err
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, err
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return pool, nil
}
