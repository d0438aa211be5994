package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/quantarax/nixcache/internal/apiserver"
	"github.com/quantarax/nixcache/internal/config"
	"github.com/quantarax/nixcache/internal/download"
	"github.com/quantarax/nixcache/internal/gc"
	"github.com/quantarax/nixcache/internal/observability"
	"github.com/quantarax/nixcache/internal/storage"
	"github.com/quantarax/nixcache/internal/upload"
)

func main() {
	configPath := flag.String("config", "/etc/nixcache/nixcache.toml", "path to the server's TOML config file")
	listenOverride := flag.String("listen", "", "override the config's listen address")
	flag.Parse()

	logger := observability.NewLogger("nixcache-server", apiserver.Version, os.Stdout)
	metrics := observability.NewMetrics()
	health := observability.NewHealthChecker(apiserver.Version)

	if shutdown, err := observability.InitTracing(context.Background(), "nixcache-server"); err == nil {
		defer shutdown(context.Background())
	}

	logger.Info("nixcache server starting")

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Fatal(err, "failed to load config")
	}
	if *listenOverride != "" {
		cfg.Listen = *listenOverride
	}

	backend, err := buildBackend(cfg, health)
	if err != nil {
		logger.Fatal(err, "failed to initialize storage backend")
	}

	keypair, err := cfg.Keypair()
	if err != nil {
		logger.Fatal(err, "failed to parse signing key")
	}
	health.RegisterCheck("signing_key", observability.SigningKeyCheck(keypair != nil))

	tokenSecret, err := cfg.TokenSecret()
	if err != nil {
		logger.Fatal(err, "failed to decode access token secret")
	}
	if len(tokenSecret) == 0 {
		logger.Warn("no token-hs256-secret-base64 configured; upload and GC routes are open to any caller")
	}

	downloadHandler := &download.Handler{
		Backend:  backend,
		Keypair:  keypair,
		StoreDir: cfg.StoreDir,
		Metrics:  metrics,
		Logger:   logger,
	}
	uploadHandler := &upload.Handler{
		Backend:           backend,
		ChunkerOptions:    cfg.ChunkerOptions(),
		CompressionConfig: cfg.CompressorConfig(),
		NarSizeThreshold:  int64(cfg.Chunking.NarSizeThreshold),
		Metrics:           metrics,
		Logger:            logger,
	}

	health.RegisterCheck("listener", observability.ListenerCheck(cfg.Listen))

	router := apiserver.New(apiserver.Config{
		Download:         downloadHandler,
		Upload:           uploadHandler,
		TokenSecret:      tokenSecret,
		GC:               gc.Handler(backend, tokenSecret),
		Health:           health,
		Metrics:          metrics,
		Keypair:          keypair,
		StoreDir:         cfg.StoreDir,
		NarSizeThreshold: int64(cfg.Chunking.NarSizeThreshold),
	})

	srv := &http.Server{
		Addr:    cfg.Listen,
		Handler: router,
	}

	go func() {
		logger.Info(fmt.Sprintf("listening on %s", cfg.Listen))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal(err, "server error")
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	logger.Info("shutting down gracefully")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		logger.Error(err, "graceful shutdown failed")
	}
	logger.Info("nixcache server stopped")
}

// buildBackend constructs the configured storage backend and, for the
// local backend, registers a disk-space health check alongside it (an S3
// bucket has no local disk to watch).
func buildBackend(cfg *config.Config, health *observability.HealthChecker) (storage.Backend, error) {
	switch cfg.Storage.Type {
	case "local":
		backend, err := storage.NewLocalBackend(cfg.Storage.Local.Root)
		if err != nil {
			return nil, err
		}
		health.RegisterCheck("disk_space", observability.DiskSpaceCheck(cfg.Storage.Local.Root, 1<<30, diskFree))
		return backend, nil
	case "s3":
		s3cfg := storage.S3Config{
			Region:    cfg.Storage.S3.Region,
			Bucket:    cfg.Storage.S3.Bucket,
			Endpoint:  cfg.Storage.S3.Endpoint,
			AccessKey: cfg.Storage.S3.AccessKey,
			SecretKey: cfg.Storage.S3.SecretKey,
			UseSSL:    cfg.Storage.S3.UseSSL,
		}
		backend, err := storage.NewS3Backend(s3cfg)
		if err != nil {
			return nil, err
		}
		health.RegisterCheck("s3_bucket", observability.StorageBackendCheck(cfg.Storage.S3.Bucket, func(ctx context.Context) error {
			_, err := backend.DownloadNar(ctx, "healthcheck-probe")
			if err != nil && err != storage.ErrNotFound {
				return err
			}
			return nil
		}))
		return backend, nil
	default:
		return nil, fmt.Errorf("unsupported storage.type %q", cfg.Storage.Type)
	}
}

func diskFree(path string) (int64, error) {
	var stat syscall.Statfs_t
	if err := syscall.Statfs(path, &stat); err != nil {
		return 0, err
	}
	return int64(stat.Bavail) * int64(stat.Bsize), nil
}
