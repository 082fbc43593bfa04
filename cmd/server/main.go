package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awscfg "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"spotify-downloader/internal/config"
	"spotify-downloader/internal/engine"
	apphttp "spotify-downloader/internal/http"
	"spotify-downloader/internal/orchestrator"
	"spotify-downloader/internal/registry"
	"spotify-downloader/internal/repository"
	"spotify-downloader/internal/repository/sqlite"
	"spotify-downloader/internal/resolver"
	"spotify-downloader/internal/storage"
)

func main() {
	logger := logrus.New()
	logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})

	cfg, err := config.Load()
	if err != nil {
		logger.Fatalf("load config: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var history repository.HistoryRepository
	db, err := sqlite.Open(cfg.Database.Path)
	if err != nil {
		logger.Warnf("open database: %v (history disabled)", err)
	} else {
		defer db.Close()
		history = sqlite.NewHistoryRepository(db)
		if err := history.Init(ctx); err != nil {
			logger.Warnf("init history: %v (history disabled)", err)
			history = nil
		}
	}

	settings := config.NewStore(cfg.Settings.Path)

	detector := engine.NewDetector(logger)
	runner := engine.NewRunner(logger)
	installer := engine.NewInstaller(detector, logger)
	res := resolver.New(&http.Client{Timeout: 15 * time.Second}, logger)
	reg := registry.New(logger)

	archive, err := buildArchive(ctx, cfg, logger)
	if err != nil {
		logger.Fatalf("setup archive: %v", err)
	}

	manager := orchestrator.NewManager(orchestrator.Config{
		MaxConcurrent: cfg.Download.MaxConcurrent,
		Logger:        logger,
	}, reg, detector, runner, res, installer, settings, history, archive)
	manager.Start(ctx)

	// get the toolchain ready before the first download request arrives
	go func() {
		report := installer.InstallAll(ctx, "all")
		if report.Error != "" {
			logger.Warnf("dependency install: %s", report.Error)
		}
	}()
	go reg.RunSweeper(ctx.Done(), 5*time.Minute)

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	handler := apphttp.NewHandler(manager, reg, settings, detector, installer, history, archive, logger)
	handler.RegisterRoutes(router)

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, settings.Get().Port)
	srv := &http.Server{
		Addr:    addr,
		Handler: router,
	}

	go func() {
		logger.Infof("listening on %s", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatalf("http server: %v", err)
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warnf("http shutdown: %v", err)
	}
	manager.Shutdown()

	logger.Info("bye")
}

// buildArchive returns nil when no bucket is configured: archiving is an
// opt-in side channel, unlike the local download path.
func buildArchive(ctx context.Context, cfg config.Config, logger *logrus.Logger) (storage.Archive, error) {
	if cfg.Storage.Bucket == "" {
		return nil, nil
	}

	loadOpts := []func(*awscfg.LoadOptions) error{
		awscfg.WithRegion(cfg.Storage.Region),
	}
	if cfg.AWS.Profile != "" {
		loadOpts = append(loadOpts, awscfg.WithSharedConfigProfile(cfg.AWS.Profile))
	}

	awsCfg, err := awscfg.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Storage.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Storage.Endpoint)
			o.UsePathStyle = true
		}
	})
	logger.Infof("archiving to s3 bucket %s (region %s)", cfg.Storage.Bucket, cfg.Storage.Region)
	return storage.NewS3Archive(client, cfg.Storage.Bucket, cfg.Storage.KeyPrefix, logger), nil
}
