package storage

import (
	"strings"
	"time"
)

// Option configures either datastore driver. Options that only make sense for
// one driver are ignored by the other.
type Option interface {
	applyJSON(*Storage)
	applyPostgres(*PostgresConfig)
}

type optionAdapter struct {
	json func(*Storage)
	pg   func(*PostgresConfig)
}

func (o optionAdapter) applyJSON(store *Storage) {
	if o.json != nil && store != nil {
		o.json(store)
	}
}

func (o optionAdapter) applyPostgres(cfg *PostgresConfig) {
	if o.pg != nil && cfg != nil {
		o.pg(cfg)
	}
}

func composeOption(json func(*Storage), pg func(*PostgresConfig)) Option {
	return optionAdapter{json: json, pg: pg}
}

func postgresOnlyOption(pg func(*PostgresConfig)) Option {
	return optionAdapter{pg: pg}
}

// WithClock overrides the time source used to stamp CreatedAt on inserted
// chapters.
func WithClock(clock func() time.Time) Option {
	return composeOption(
		func(s *Storage) {
			if clock != nil {
				s.now = clock
			}
		},
		func(cfg *PostgresConfig) {
			if clock != nil {
				cfg.Clock = clock
			}
		},
	)
}

func WithPostgresPoolLimits(maxConns, minConns int32) Option {
	return postgresOnlyOption(func(cfg *PostgresConfig) {
		if maxConns > 0 {
			cfg.MaxConnections = maxConns
		}
		if minConns >= 0 {
			cfg.MinConnections = minConns
		}
	})
}

// WithPostgresAcquireTimeout configures how long the repository waits to obtain a
// connection from the pool. The same deadline bounds the statement executed on
// that connection.
func WithPostgresAcquireTimeout(timeout time.Duration) Option {
	return postgresOnlyOption(func(cfg *PostgresConfig) {
		if timeout > 0 {
			cfg.AcquireTimeout = timeout
		}
	})
}

func WithPostgresPoolDurations(maxLifetime, maxIdle, healthInterval time.Duration) Option {
	return postgresOnlyOption(func(cfg *PostgresConfig) {
		if maxLifetime > 0 {
			cfg.MaxConnLifetime = maxLifetime
		}
		if maxIdle > 0 {
			cfg.MaxConnIdleTime = maxIdle
		}
		if healthInterval > 0 {
			cfg.HealthCheckInterval = healthInterval
		}
	})
}

func WithPostgresApplicationName(name string) Option {
	return postgresOnlyOption(func(cfg *PostgresConfig) {
		if trimmed := strings.TrimSpace(name); trimmed != "" {
			cfg.ApplicationName = trimmed
		}
	})
}
