package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"threadline/api/internal/app"
	"threadline/api/internal/blob"
	"threadline/api/internal/config"
	"threadline/api/internal/ingest"
	"threadline/api/internal/logging"
	"threadline/api/internal/metrics"
	"threadline/api/internal/profile"
	"threadline/api/internal/search"
	"threadline/api/internal/store"
)

func main() {
	bootLogger := logging.NewLoggerWithService("threadline-api", "info")
	config.LoadEnv(bootLogger)
	cfg := config.Load()
	logger := logging.NewLoggerWithService("threadline-api", cfg.LogLevel)
	ctx := context.Background()

	collector := metrics.NewCollector("threadline")

	var backend store.Store
	var pgfts *search.PgFTS
	switch cfg.StoreKind {
	case "memory":
		mem := store.NewMemoryStore()
		if cfg.SeedFile != "" {
			seedMemoryStore(ctx, mem, cfg.SeedFile, logger)
		}
		backend = mem
		logger.WithField("messages", mem.Len()).Info("using in-memory message store")
	default:
		db, err := store.Open(ctx, cfg.DatabaseURL, store.PoolConfig{MaxOpen: cfg.FetchConcurrency, ApplicationName: "threadline-api"})
		if err != nil {
			logger.WithError(err).Fatal("database connection failed")
		}
		defer db.Close()

		if _, err := store.ApplyMigrations(ctx, db, cfg.MigrationsDir, logger); err != nil {
			logger.WithError(err).Fatal("migrations failed")
		}
		backend = store.NewPostgresStore(db)
		pgfts = search.NewPgFTS(db)
	}

	retries := store.DefaultRetryConfig()
	retries.MaxRetries = cfg.StoreRetries
	dataStore := store.NewResilient(backend, retries, collector, logger)

	var meiliClient *search.Meili
	if strings.TrimSpace(cfg.MeiliURL) != "" {
		meiliClient = search.NewMeili(cfg.MeiliURL, cfg.MeiliMasterKey, logger)
		defer meiliClient.Close()
	}
	var fallback search.Searcher
	if pgfts != nil {
		fallback = pgfts
	}
	searchService := search.NewService(meiliClient, fallback, logger)

	var cache profile.Cache
	var redisCache *profile.RedisCache
	if strings.TrimSpace(cfg.RedisURL) != "" {
		c, err := profile.NewRedisCache(cfg.RedisURL, cfg.ProfileTTL)
		if err != nil {
			logger.WithError(err).Fatal("redis connection failed")
		}
		defer c.Close()
		redisCache, cache = c, c
		logger.Info("using Redis for the profile cache")
	}
	profiles := profile.NewResolver(dataStore, cache, logger)

	var blobs app.BlobStore
	var blobStore *blob.Store
	if strings.TrimSpace(cfg.S3Endpoint) != "" {
		b, err := blob.New(blob.Config{
			Endpoint:  cfg.S3Endpoint,
			AccessKey: cfg.S3AccessKey,
			SecretKey: cfg.S3SecretKey,
			Bucket:    cfg.S3Bucket,
			UseSSL:    cfg.S3UseSSL,
		})
		if err != nil {
			logger.WithError(err).Fatal("blob store setup failed")
		}
		blobs, blobStore = b, b
	}

	service := app.New(cfg, dataStore, app.Dependencies{
		Profiles: profiles,
		Search:   searchService,
		Blobs:    blobs,
		Logger:   logger,
		Metrics:  collector,
	})
	service.AddCheck("store_breaker", dataStore.CheckBreaker)
	if redisCache != nil {
		service.AddCheck("redis", redisCache.Ping)
	}
	if blobStore != nil {
		service.AddCheck("blobs", blobStore.Ping)
	}

	httpServer := app.NewHTTPServer(service, cfg.CORSOrigin)
	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           httpServer.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		logger.WithFields(logging.Fields{
			"addr":        cfg.Addr,
			"store":       cfg.StoreKind,
			"public_mode": cfg.PublicMode,
		}).Info("threadline API listening")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.WithError(err).Fatal("server failed")
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.WithError(err).Error("shutdown error")
	}
}

func seedMemoryStore(ctx context.Context, mem *store.MemoryStore, path string, logger logging.Logger) {
	f, err := os.Open(path)
	if err != nil {
		logger.WithError(err).WithField("file", path).Fatal("open seed file")
	}
	defer f.Close()
	if _, err := ingest.NewLoader(mem, ingest.Options{Logger: logger}).Load(ctx, f); err != nil {
		logger.WithError(err).WithField("file", path).Fatal("load seed file")
	}
}
