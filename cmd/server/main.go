package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/maneesh/edushare/internal/catalog"
	"github.com/maneesh/edushare/internal/config"
	"github.com/maneesh/edushare/internal/handlers"
	"github.com/maneesh/edushare/internal/logger"
	"github.com/maneesh/edushare/internal/storage"
	"github.com/maneesh/edushare/internal/storage/memstore"
	"github.com/maneesh/edushare/internal/tracing"
	"github.com/maneesh/edushare/internal/upload"
)

// backend is everything the services need from storage
type backend struct {
	tasks     upload.TaskRegistry
	resources interface {
		upload.ResourceLookup
		catalog.Store
	}
	chunks    upload.ChunkStore
	artifacts interface {
		upload.ArtifactStore
		catalog.Artifacts
	}
	locker    upload.Locker
	directory upload.Directory
	cache     catalog.Cache
	ready     func(ctx context.Context) error
	close     func()
}

func main() {
	// Load configuration
	cfg, err := config.LoadConfig()
	if err != nil {
		os.Stderr.WriteString("failed to load config: " + err.Error() + "\n")
		os.Exit(1)
	}

	log, err := logger.New(cfg.LogMode)
	if err != nil {
		os.Stderr.WriteString("failed to build logger: " + err.Error() + "\n")
		os.Exit(1)
	}
	defer log.Sync()

	log.Info("starting service",
		"service", cfg.ServiceName,
		"version", cfg.ServiceVersion,
		"port", cfg.ServicePort,
		"backend", cfg.StorageBackend,
		"max_chunk_size", cfg.MaxChunkSizeHuman(),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Initialize OpenTelemetry tracing
	shutdownTracer, err := tracing.InitTracer(ctx, tracing.Options{
		ServiceName:    cfg.ServiceName,
		ServiceVersion: cfg.ServiceVersion,
		Endpoint:       cfg.OTelEndpoint,
		SampleRatio:    cfg.TraceSampleRatio,
	})
	if err != nil {
		log.Fatal("failed to initialize tracer", "error", err)
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracer(ctx); err != nil {
			log.Warn("error shutting down tracer", "error", err)
		}
	}()

	var be *backend
	switch cfg.StorageBackend {
	case config.BackendMemory:
		be = memoryBackend()
		log.Warn("using in-memory storage; data is lost on restart")
	default:
		be, err = externalBackend(ctx, cfg, log)
		if err != nil {
			log.Fatal("failed to initialize storage", "error", err)
		}
	}
	defer be.close()

	uploads := upload.New(upload.Deps{
		Tasks:     be.tasks,
		Resources: be.resources,
		Chunks:    be.chunks,
		Artifacts: be.artifacts,
		Locker:    be.locker,
		Directory: be.directory,
		Logger:    log.With("component", "upload"),
		Config: upload.Config{
			MaxChunkSize:      cfg.MaxChunkSize,
			VerifyFingerprint: cfg.VerifyFingerprint,
			AssemblyLockTTL:   cfg.AssemblyLockTTL,
		},
	})
	resources := catalog.New(be.resources, be.cache, be.artifacts, log.With("component", "catalog"))

	stopSweeper := uploads.StartSweeper(ctx, cfg.SweepInterval, cfg.StaleUploadTTL, cfg.SweepBatchSize)
	defer stopSweeper()

	router := handlers.NewRouter(handlers.Routes{
		Uploads:   handlers.NewUploadHandler(uploads, cfg.MaxChunkSize, log),
		Resources: handlers.NewResourceHandler(resources, log),
		Admin:     handlers.NewAdminHandler(uploads, cfg.StaleUploadTTL, cfg.SweepBatchSize, cfg.AdminToken, log),
		Identity:  handlers.NewIdentity(cfg.JWTSecret, log),
		Ready:     be.ready,
	})

	// Create HTTP server; writes of the final chunk include assembly, so the write timeout follows the lock TTL
	srv := &http.Server{
		Addr:         ":" + cfg.ServicePort,
		Handler:      router,
		ReadTimeout:  60 * time.Second,
		WriteTimeout: cfg.AssemblyLockTTL + 30*time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Start server in a goroutine
	go func() {
		log.Info("server listening", "port", cfg.ServicePort)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal("server failed", "error", err)
		}
	}()

	<-ctx.Done()
	log.Info("shutting down server")

	// Graceful shutdown with timeout
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("server forced to shutdown", "error", err)
	}

	log.Info("server exited")
}

func memoryBackend() *backend {
	store := memstore.New()
	blobs := memstore.NewBlobs()
	return &backend{
		tasks:     store,
		resources: store,
		chunks:    blobs,
		artifacts: blobs,
		locker:    memstore.NewLocker(),
		directory: store,
		cache:     memstore.NewCache(),
		close:     func() {},
	}
}

func externalBackend(ctx context.Context, cfg *config.Config, log *logger.Logger) (*backend, error) {
	log.Info("connecting to MinIO", "endpoint", cfg.MinIOEndpoint, "bucket", cfg.MinIOBucketName)
	minioClient, err := storage.NewMinioClient(ctx, storage.MinioOptions{
		Endpoint:   cfg.MinIOEndpoint,
		AccessKey:  cfg.MinIOAccessKey,
		SecretKey:  cfg.MinIOSecretKey,
		BucketName: cfg.MinIOBucketName,
		UseSSL:     cfg.MinIOUseSSL,
	}, log)
	if err != nil {
		return nil, err
	}

	log.Info("connecting to TiDB", "host", cfg.TiDBHost, "database", cfg.TiDBDatabase)
	tidbClient, err := storage.NewTiDBClient(ctx, cfg.GetDSN())
	if err != nil {
		return nil, err
	}

	log.Info("connecting to Redis", "addr", cfg.GetRedisAddr())
	redisClient, err := storage.NewRedisClient(ctx, cfg.GetRedisAddr(), cfg.RedisPassword, cfg.RedisDB)
	if err != nil {
		tidbClient.Close()
		return nil, err
	}

	return &backend{
		tasks:     tidbClient,
		resources: tidbClient,
		chunks:    minioClient,
		artifacts: minioClient,
		locker:    redisClient,
		directory: tidbClient,
		cache:     redisClient,
		ready:     tidbClient.Ping,
		close: func() {
			redisClient.Close()
			tidbClient.Close()
		},
	}, nil
}
