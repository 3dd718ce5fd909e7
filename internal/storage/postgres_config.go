package storage

import (
	"time"
)

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
	QueryTimeout        time.Duration
}

// DefaultPostgresConfig returns a config with production defaults for the
// provided DSN.
func DefaultPostgresConfig(dsn string) PostgresConfig {
	return PostgresConfig{
		DSN:             dsn,
		ApplicationName: "streamgate",
		QueryTimeout:    5 * time.Second,
	}
}
