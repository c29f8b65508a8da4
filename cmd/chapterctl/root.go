package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"chapterhub/internal/cache"
	"chapterhub/internal/observability/logging"
	"chapterhub/internal/storage"
)

const (
	defaultPostgresDSN = "postgres://localhost:5432/chapter_performance?sslmode=disable"
	defaultDataPath    = "data/store.json"
)

type options struct {
	storageDriver string
	dataPath      string
	postgresDSN   string
	cacheDriver   string
	redisURL      string
	logLevel      string
}

func newRootCmd() *cobra.Command {
	opts := &options{}
	root := &cobra.Command{
		Use:           "chapterctl",
		Short:         "Operate the chapter performance datastore",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	flags := root.PersistentFlags()
	flags.StringVar(&opts.storageDriver, "storage-driver", "", "datastore driver (postgres or json)")
	flags.StringVar(&opts.dataPath, "data", "", "path to JSON datastore")
	flags.StringVar(&opts.postgresDSN, "postgres-dsn", "", "Postgres connection string")
	flags.StringVar(&opts.cacheDriver, "cache-driver", "", "cache driver to invalidate after imports (redis, memory or none)")
	flags.StringVar(&opts.redisURL, "redis-url", "", "Redis connection URL")
	flags.StringVar(&opts.logLevel, "log-level", "", "log level (debug, info, warn, error)")

	root.AddCommand(newMigrateCmd(opts), newImportCmd(opts))
	return root
}

func (o *options) logger(cmd *cobra.Command) *slog.Logger {
	return logging.New(logging.Config{
		Level:  firstNonEmpty(o.logLevel, os.Getenv("CHAPTERHUB_LOG_LEVEL"), "warn"),
		Writer: cmd.ErrOrStderr(),
		Format: string(logging.FormatText),
	})
}

func (o *options) driver() (string, error) {
	driver := strings.ToLower(firstNonEmpty(o.storageDriver, os.Getenv("CHAPTERHUB_STORAGE_DRIVER"), "postgres"))
	switch driver {
	case "postgres", "json":
		return driver, nil
	default:
		return "", fmt.Errorf("unsupported storage driver %q: use postgres or json", driver)
	}
}

func (o *options) dsn() string {
	return firstNonEmpty(o.postgresDSN, os.Getenv("CHAPTERHUB_POSTGRES_DSN"), os.Getenv("DATABASE_URL"), defaultPostgresDSN)
}

func (o *options) openStore() (storage.Repository, func(context.Context) error, error) {
	noop := func(context.Context) error { return nil }
	driver, err := o.driver()
	if err != nil {
		return nil, nil, err
	}
	if driver == "json" {
		store, err := storage.NewJSONRepository(firstNonEmpty(o.dataPath, os.Getenv("CHAPTERHUB_DATA"), defaultDataPath))
		return store, noop, err
	}
	store, err := storage.NewPostgresRepository(o.dsn(), storage.WithPostgresApplicationName("chapterctl"))
	if err != nil {
		return nil, nil, err
	}
	if closer, ok := store.(interface{ Close(context.Context) error }); ok {
		return store, closer.Close, nil
	}
	return store, noop, nil
}

// openCache returns the no-op cache when the configured driver cannot be
// reached; an import still succeeds, only the listing sweep is skipped.
func (o *options) openCache(ctx context.Context, logger *slog.Logger) cache.Cache {
	cfg := cache.Config{
		Driver: firstNonEmpty(o.cacheDriver, os.Getenv("CHAPTERHUB_CACHE_DRIVER"), cache.DriverRedis),
		URL:    firstNonEmpty(o.redisURL, os.Getenv("REDIS_URL"), "redis://localhost:6379"),
	}
	c, err := cache.Open(ctx, cfg)
	if err != nil {
		logger.Warn("cache unavailable, listings will not be invalidated", "driver", cfg.Driver, "error", err)
		return cache.Nop{}
	}
	return c
}

func firstNonEmpty(values ...string) string {
	for _, value := range values {
		if trimmed := strings.TrimSpace(value); trimmed != "" {
			return trimmed
		}
	}
	return ""
}
