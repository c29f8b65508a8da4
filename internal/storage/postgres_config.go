package storage

import "time"

// PostgresConfig describes how the repository initialises its Postgres
// connection pool.
type PostgresConfig struct {
	DSN                 string
	MaxConnections      int32
	MinConnections      int32
	MaxConnLifetime     time.Duration
	MaxConnIdleTime     time.Duration
	HealthCheckInterval time.Duration
	AcquireTimeout      time.Duration
	ApplicationName     string
	Clock               func() time.Time
}

func newPostgresConfig(dsn string, opts ...Option) PostgresConfig {
	cfg := PostgresConfig{
		DSN:             dsn,
		ApplicationName: "chapterhub",
		Clock:           func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		if opt != nil {
			opt.applyPostgres(&cfg)
		}
	}
	if cfg.Clock == nil {
		cfg.Clock = func() time.Time { return time.Now().UTC() }
	}
	return cfg
}
