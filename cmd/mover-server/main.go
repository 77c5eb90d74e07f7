package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/cloudmover/mover/internal/adapters/auth"
	"github.com/cloudmover/mover/internal/adapters/metadata"
	"github.com/cloudmover/mover/internal/adapters/metrics"
	"github.com/cloudmover/mover/internal/adapters/storage"
	"github.com/cloudmover/mover/internal/api/handlers"
	"github.com/cloudmover/mover/internal/config"
	"github.com/cloudmover/mover/internal/core/artifacts"
	"github.com/cloudmover/mover/internal/core/audit"
	"github.com/cloudmover/mover/internal/core/reaper"
	"github.com/cloudmover/mover/internal/core/templates"
	"github.com/cloudmover/mover/internal/util/logging"
)

func main() {
	configPath := flag.String("config", "", "path to YAML config file (optional)")
	flag.Parse()

	bootLogger := logging.New(os.Stdout, "info")

	cfg, err := config.Load(*configPath)
	if err != nil {
		bootLogger.Fatal().Err(err).Msg("failed to load config")
	}
	logger := logging.New(os.Stdout, cfg.Log.Level)

	// Initialize blob storage.
	blobs, err := storage.NewDiskBlobStore(cfg.Storage.DataDir)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to initialize blob storage")
	}

	// Initialize metadata store.
	meta, err := metadata.NewSQLiteStore(cfg.Storage.DataDir)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to initialize metadata store")
	}
	defer meta.Close()

	prom := metrics.NewProm("cloudmover")
	rec := audit.NewRecorder(meta, logger)

	artifactSvc := artifacts.NewService(
		artifacts.NewStore(blobs, meta, logger),
		rec, prom,
		artifacts.Limits{
			MaxUploadSize: cfg.Artifacts.MaxUploadBytes(),
			DefaultTTL:    cfg.Artifacts.TTL,
			MaxTTL:        cfg.Artifacts.MaxTTL,
		},
		logger,
	)
	templateSvc := templates.NewService(meta, rec, prom, templates.Limits{
		MaxContentSize: cfg.Templates.MaxBytes(),
		TTL:            cfg.Templates.TTL,
	}, logger)
	sweeper := reaper.New(meta, blobs, rec, prom, reaper.Config{
		Interval:    cfg.Reaper.Interval,
		OrphanGrace: cfg.Reaper.OrphanGrace,
	}, logger)

	tokens := auth.NewTokenAuth(cfg.Auth.Tokens)
	if !tokens.Enabled() {
		logger.Warn().Msg("no operator tokens configured, admin endpoints will reject every request")
	}

	handler := handlers.New(artifactSvc, templateSvc, sweeper, rec, tokens, handlers.Options{
		BaseURL:         cfg.Server.BaseURL,
		MaxUploadSize:   cfg.Artifacts.MaxUploadBytes(),
		MaxTemplateSize: cfg.Templates.MaxBytes(),
		ArtifactTTL:     cfg.Artifacts.TTL,
		TemplateTTL:     cfg.Templates.TTL,
		LookupRate:      cfg.Server.LookupRate,
		LookupBurst:     cfg.Server.LookupBurst,
		Metrics:         prom.Handler(),
	}, logger)

	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:              addr,
		Handler:           handler.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info().Str("addr", addr).Str("data_dir", cfg.Storage.DataDir).Msg("starting Cloud-Mover server")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		return sweeper.Run(gctx)
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info().Msg("shutting down server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		logger.Error().Err(err).Msg("server stopped with error")
		meta.Close()
		os.Exit(1)
	}
	logger.Info().Msg("server stopped")
}
