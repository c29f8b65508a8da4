// Command server starts the chapter API HTTP service.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"chapterhub/internal/api"
	"chapterhub/internal/cache"
	"chapterhub/internal/chapters"
	"chapterhub/internal/ingest"
	"chapterhub/internal/observability/logging"
	"chapterhub/internal/observability/metrics"
	"chapterhub/internal/server"
	"chapterhub/internal/serverutil"
	"chapterhub/internal/storage"
)

const (
	defaultPort        = "5000"
	defaultPostgresDSN = "postgres://localhost:5432/chapter_performance?sslmode=disable"
	defaultRedisURL    = "redis://localhost:6379"
	defaultDataPath    = "data/store.json"
	defaultUploadDir   = "uploads"
	cacheOpenTimeout   = 5 * time.Second
)

type config struct {
	Addr            string
	StorageDriver   string
	DataPath        string
	PostgresDSN     string
	PostgresOptions []storage.Option
	Cache           cache.Config
	CacheTTL        time.Duration
	CacheTimeout    time.Duration
	StoreTimeout    time.Duration
	Admin           server.AdminConfig
	UploadDir       string
	UploadMaxBytes  int64
	RateLimit       server.RateLimitConfig
	TrustForwarded  bool
	TLS             server.TLSConfig
	ShutdownTimeout time.Duration
}

func main() {
	addr := flag.String("addr", "", "HTTP listen address (defaults to :$PORT)")
	storageDriver := flag.String("storage-driver", "", "datastore driver (postgres or json)")
	dataPath := flag.String("data", "", "path to JSON datastore")
	postgresDSN := flag.String("postgres-dsn", "", "Postgres connection string")
	postgresMaxConns := flag.Int("postgres-max-conns", 0, "maximum connections in the Postgres pool")
	postgresMinConns := flag.Int("postgres-min-conns", 0, "minimum idle connections maintained by the Postgres pool")
	postgresMaxConnLifetime := flag.Duration("postgres-max-conn-lifetime", 0, "maximum lifetime for a pooled Postgres connection")
	postgresMaxConnIdle := flag.Duration("postgres-max-conn-idle", 0, "maximum idle time for a pooled Postgres connection")
	postgresHealthInterval := flag.Duration("postgres-health-interval", 0, "interval between Postgres health checks")
	postgresAcquireTimeout := flag.Duration("postgres-acquire-timeout", 0, "timeout when acquiring a Postgres connection from the pool")
	postgresAppName := flag.String("postgres-app-name", "", "application_name reported to Postgres")
	cacheDriver := flag.String("cache-driver", "", "cache driver (redis, memory or none)")
	redisURL := flag.String("redis-url", "", "Redis connection URL")
	redisTLSCA := flag.String("redis-tls-ca", "", "path to a CA bundle trusted for rediss:// URLs")
	cacheTTL := flag.Duration("cache-ttl", 0, "lifetime of cached chapter payloads")
	cacheTimeout := flag.Duration("cache-timeout", 0, "upper bound for a single cache call on the read path")
	storeTimeout := flag.Duration("store-timeout", 0, "upper bound for a shared datastore read on the read path")
	cacheMemorySize := flag.Int("cache-memory-size", 0, "entries kept by the memory cache driver")
	adminKey := flag.String("admin-key", "", "shared secret required in the admin-key header for uploads")
	adminKeyHash := flag.String("admin-key-hash", "", "bcrypt hash of the upload secret")
	uploadDir := flag.String("upload-dir", "", "directory for staged uploads")
	uploadMaxBytes := flag.Int("upload-max-bytes", 0, "maximum accepted upload size in bytes")
	rateLimit := flag.Int("rate-limit", 0, "requests allowed per client per window (0 uses the default)")
	rateWindow := flag.Duration("rate-window", 0, "rate limit window")
	trustForwarded := flag.Bool("trust-forwarded-headers", false, "trust proxy-provided client IP headers")
	tlsCert := flag.String("tls-cert", "", "path to TLS certificate file")
	tlsKey := flag.String("tls-key", "", "path to TLS private key file")
	logLevel := flag.String("log-level", "", "log level (debug, info, warn, error)")
	logFormat := flag.String("log-format", "", "log format (json or text)")
	shutdownTimeout := flag.Duration("shutdown-timeout", 0, "graceful shutdown timeout")
	flag.Parse()

	logger := logging.Init(logging.Config{
		Level:  firstNonEmpty(*logLevel, os.Getenv("CHAPTERHUB_LOG_LEVEL"), "info"),
		Format: firstNonEmpty(*logFormat, os.Getenv("CHAPTERHUB_LOG_FORMAT")),
	})

	driver, err := resolveStorageDriver(*storageDriver, os.Getenv("CHAPTERHUB_STORAGE_DRIVER"))
	if err != nil {
		logger.Error("failed to resolve storage driver", "error", err)
		os.Exit(1)
	}

	cfg := config{
		Addr:          resolveListenAddr(*addr, os.Getenv("CHAPTERHUB_ADDR"), os.Getenv("PORT")),
		StorageDriver: driver,
		DataPath:      firstNonEmpty(*dataPath, os.Getenv("CHAPTERHUB_DATA"), defaultDataPath),
		PostgresDSN:   resolvePostgresDSN(*postgresDSN),
		PostgresOptions: postgresOptions(
			resolveInt(*postgresMaxConns, "CHAPTERHUB_POSTGRES_MAX_CONNS"),
			resolveInt(*postgresMinConns, "CHAPTERHUB_POSTGRES_MIN_CONNS"),
			resolveDuration(*postgresMaxConnLifetime, "CHAPTERHUB_POSTGRES_MAX_CONN_LIFETIME", 0),
			resolveDuration(*postgresMaxConnIdle, "CHAPTERHUB_POSTGRES_MAX_CONN_IDLE", 0),
			resolveDuration(*postgresHealthInterval, "CHAPTERHUB_POSTGRES_HEALTH_INTERVAL", 0),
			resolveDuration(*postgresAcquireTimeout, "CHAPTERHUB_POSTGRES_ACQUIRE_TIMEOUT", 0),
			firstNonEmpty(*postgresAppName, os.Getenv("CHAPTERHUB_POSTGRES_APP_NAME"), "chapterhub"),
		),
		Cache: cache.Config{
			Driver:     firstNonEmpty(*cacheDriver, os.Getenv("CHAPTERHUB_CACHE_DRIVER"), cache.DriverRedis),
			URL:        firstNonEmpty(*redisURL, os.Getenv("REDIS_URL"), defaultRedisURL),
			TLSCAFile:  firstNonEmpty(*redisTLSCA, os.Getenv("CHAPTERHUB_REDIS_TLS_CA")),
			MemorySize: resolveInt(*cacheMemorySize, "CHAPTERHUB_CACHE_MEMORY_SIZE"),
		},
		CacheTTL:     resolveDuration(*cacheTTL, "CHAPTERHUB_CACHE_TTL", chapters.DefaultCacheTTL),
		CacheTimeout: resolveDuration(*cacheTimeout, "CHAPTERHUB_CACHE_TIMEOUT", chapters.DefaultCacheTimeout),
		StoreTimeout: resolveDuration(*storeTimeout, "CHAPTERHUB_STORE_TIMEOUT", chapters.DefaultStoreTimeout),
		Admin: server.AdminConfig{
			Key:     firstNonEmpty(*adminKey, os.Getenv("ADMIN_KEY")),
			KeyHash: firstNonEmpty(*adminKeyHash, os.Getenv("ADMIN_KEY_HASH")),
		},
		UploadDir:      firstNonEmpty(*uploadDir, os.Getenv("CHAPTERHUB_UPLOAD_DIR"), defaultUploadDir),
		UploadMaxBytes: int64(resolveInt(*uploadMaxBytes, "CHAPTERHUB_UPLOAD_MAX_BYTES")),
		RateLimit: server.RateLimitConfig{
			Limit:  resolveRateLimit(*rateLimit, "CHAPTERHUB_RATE_LIMIT"),
			Window: resolveDuration(*rateWindow, "CHAPTERHUB_RATE_WINDOW", server.DefaultRateLimitWindow),
		},
		TrustForwarded: resolveBool(*trustForwarded, "CHAPTERHUB_TRUST_FORWARDED_HEADERS"),
		TLS: server.TLSConfig{
			CertFile: firstNonEmpty(*tlsCert, os.Getenv("CHAPTERHUB_TLS_CERT")),
			KeyFile:  firstNonEmpty(*tlsKey, os.Getenv("CHAPTERHUB_TLS_KEY")),
		},
		ShutdownTimeout: resolveDuration(*shutdownTimeout, "CHAPTERHUB_SHUTDOWN_TIMEOUT", serverutil.DefaultShutdownTimeout),
	}
	cfg.Cache.MemoryTTL = cfg.CacheTTL

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("server stopped with error", "error", err)
		os.Exit(1)
	}
	logger.Info("server stopped")
}

func run(ctx context.Context, cfg config, logger *slog.Logger) error {
	if cfg.Admin.Key == "" && cfg.Admin.KeyHash == "" {
		logger.Warn("no admin key configured; chapter uploads will be rejected")
	}

	store, closeStore, err := openStore(cfg)
	if err != nil {
		return fmt.Errorf("open datastore: %w", err)
	}

	chapterCache := openCache(ctx, cfg.Cache, logger)

	if err := os.MkdirAll(cfg.UploadDir, 0o750); err != nil {
		_ = closeStore(context.Background())
		_ = chapterCache.Close()
		return fmt.Errorf("create upload dir: %w", err)
	}

	recorder := metrics.Default()
	service, err := chapters.NewService(chapters.Config{
		Repository:   store,
		Cache:        chapterCache,
		TTL:          cfg.CacheTTL,
		CacheTimeout: cfg.CacheTimeout,
		StoreTimeout: cfg.StoreTimeout,
		Logger:       logger,
		Metrics:      recorder,
	})
	if err != nil {
		return err
	}
	pipeline, err := ingest.NewPipeline(ingest.Config{
		Repository: store,
		Cache:      chapterCache,
		Logger:     logger,
		Metrics:    recorder,
	})
	if err != nil {
		return err
	}

	handler := api.NewHandler(store, service, pipeline)
	handler.Cache = chapterCache
	handler.Logger = logging.WithComponent(logger, "api")
	handler.UploadDir = cfg.UploadDir
	handler.MaxUploadBytes = cfg.UploadMaxBytes

	srv, err := server.New(handler, server.Config{
		Addr:                  cfg.Addr,
		TLS:                   cfg.TLS,
		RateLimit:             cfg.RateLimit,
		Admin:                 cfg.Admin,
		Cache:                 chapterCache,
		Logger:                logger,
		Metrics:               recorder,
		TrustForwardedHeaders: cfg.TrustForwarded,
	})
	if err != nil {
		return fmt.Errorf("initialise server: %w", err)
	}

	logger.Info("chapter API configured",
		"storage_driver", cfg.StorageDriver,
		"cache_driver", describeCache(chapterCache),
		"rate_limit", cfg.RateLimit.Limit,
		"metrics_path", "/metrics")

	return serverutil.Run(ctx, serverutil.Config{
		Server:          srv.HTTPServer(),
		TLS:             serverutil.TLSConfig{CertFile: cfg.TLS.CertFile, KeyFile: cfg.TLS.KeyFile},
		ShutdownTimeout: cfg.ShutdownTimeout,
		Logger:          logger,
		Ready: func(addr net.Addr) {
			logger.Info("chapter API listening", "addr", addr.String())
		},
		OnShutdown: []serverutil.ShutdownHook{
			{Name: "chapters", Fn: service.Close},
			{Name: "cache", Fn: func(context.Context) error { return chapterCache.Close() }},
			{Name: "datastore", Fn: closeStore},
		},
	})
}

func openStore(cfg config) (storage.Repository, func(context.Context) error, error) {
	noop := func(context.Context) error { return nil }
	switch cfg.StorageDriver {
	case "json":
		store, err := storage.NewJSONRepository(cfg.DataPath)
		return store, noop, err
	case "postgres":
		if cfg.PostgresDSN == "" {
			return nil, nil, errors.New("postgres storage selected without DSN")
		}
		store, err := storage.NewPostgresRepository(cfg.PostgresDSN, cfg.PostgresOptions...)
		if err != nil {
			return nil, nil, err
		}
		if closer, ok := store.(interface{ Close(context.Context) error }); ok {
			return store, closer.Close, nil
		}
		return store, noop, nil
	default:
		return nil, nil, fmt.Errorf("unsupported storage driver %q", cfg.StorageDriver)
	}
}

// openCache never fails: an unreachable or misconfigured cache degrades to
// the no-op driver so reads go straight to the datastore.
func openCache(ctx context.Context, cfg cache.Config, logger *slog.Logger) cache.Cache {
	openCtx, cancel := context.WithTimeout(ctx, cacheOpenTimeout)
	defer cancel()
	c, err := cache.Open(openCtx, cfg)
	if err != nil {
		logger.Warn("cache unavailable, continuing without cache", "driver", cfg.Driver, "error", err)
		return cache.Nop{}
	}
	return c
}

func describeCache(c cache.Cache) string {
	switch c.(type) {
	case *cache.Redis:
		return cache.DriverRedis
	case *cache.Memory:
		return cache.DriverMemory
	default:
		return cache.DriverNone
	}
}

func postgresOptions(maxConns, minConns int, maxLifetime, maxIdle, healthInterval, acquireTimeout time.Duration, appName string) []storage.Option {
	var opts []storage.Option
	if maxConns > 0 || minConns > 0 {
		opts = append(opts, storage.WithPostgresPoolLimits(int32(maxConns), int32(minConns)))
	}
	if maxLifetime > 0 || maxIdle > 0 || healthInterval > 0 {
		opts = append(opts, storage.WithPostgresPoolDurations(maxLifetime, maxIdle, healthInterval))
	}
	if acquireTimeout > 0 {
		opts = append(opts, storage.WithPostgresAcquireTimeout(acquireTimeout))
	}
	if appName != "" {
		opts = append(opts, storage.WithPostgresApplicationName(appName))
	}
	return opts
}

func resolveListenAddr(flagValue, envAddr, envPort string) string {
	if addr := firstNonEmpty(flagValue, envAddr); addr != "" {
		return addr
	}
	return ":" + firstNonEmpty(envPort, defaultPort)
}

func resolveStorageDriver(flagValue, envValue string) (string, error) {
	driver := strings.ToLower(firstNonEmpty(flagValue, envValue, "postgres"))
	switch driver {
	case "postgres", "json":
		return driver, nil
	default:
		return "", fmt.Errorf("unsupported storage driver %q: use postgres or json", driver)
	}
}

func resolvePostgresDSN(flagValue string) string {
	return firstNonEmpty(flagValue, os.Getenv("CHAPTERHUB_POSTGRES_DSN"), os.Getenv("DATABASE_URL"), defaultPostgresDSN)
}

// resolveRateLimit falls back to the default ceiling; a negative value turns
// limiting off.
func resolveRateLimit(flagValue int, envKey string) int {
	limit := flagValue
	if limit == 0 {
		if env := os.Getenv(envKey); env != "" {
			if value, err := parseInt(env); err == nil {
				limit = value
			}
		}
	}
	switch {
	case limit == 0:
		return server.DefaultRateLimit
	case limit < 0:
		return 0
	default:
		return limit
	}
}

func firstNonEmpty(values ...string) string {
	for _, value := range values {
		trimmed := strings.TrimSpace(value)
		if trimmed != "" {
			return trimmed
		}
	}
	return ""
}

func resolveInt(flagValue int, envKey string) int {
	if flagValue > 0 {
		return flagValue
	}
	if env := os.Getenv(envKey); env != "" {
		if value, err := parseInt(env); err == nil {
			return value
		}
	}
	return 0
}

func resolveDuration(flagValue time.Duration, envKey string, fallback time.Duration) time.Duration {
	if flagValue > 0 {
		return flagValue
	}
	if env := os.Getenv(envKey); env != "" {
		if value, err := time.ParseDuration(strings.TrimSpace(env)); err == nil {
			return value
		}
	}
	if fallback > 0 {
		return fallback
	}
	return 0
}

func resolveBool(flagValue bool, envKey string) bool {
	if flagValue {
		return true
	}
	if env, ok := os.LookupEnv(envKey); ok {
		if value, err := strconv.ParseBool(strings.TrimSpace(env)); err == nil {
			return value
		}
	}
	return false
}

func parseInt(value string) (int, error) {
	v, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil {
		return 0, err
	}
	return v, nil
}
