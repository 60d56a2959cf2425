package app

import "time"

// Config contains all runtime configuration loaded from environment variables.
type Config struct {
	HTTPAddr  string
	LogLevel  string
	LogFormat string

	ReadHeaderTimeout time.Duration
	IdleTimeout       time.Duration
	MaxHeaderBytes    int

	// Snapshot backends for the shared store, in order of preference:
	// Postgres when DatabaseURL is set, bbolt when SnapshotPath is set,
	// in-memory otherwise.
	DatabaseURL  string
	DBMaxConns   int32
	DBMinConns   int32
	SnapshotPath string

	// If true:
	// - /readyz returns 503 unless DB is configured and reachable.
	ReadinessRequireDB bool
}

// LoadConfig loads Config from environment variables with defaults.
func LoadConfig() Config {
	return Config{
		HTTPAddr:  EnvString("KIYOMI_HTTP_ADDR", "0.0.0.0:8080"),
		LogLevel:  EnvString("KIYOMI_LOG_LEVEL", "info"),
		LogFormat: EnvString("KIYOMI_LOG_FORMAT", "json"),

		ReadHeaderTimeout: EnvDuration("KIYOMI_HTTP_READ_HEADER_TIMEOUT", 5*time.Second),
		IdleTimeout:       EnvDuration("KIYOMI_HTTP_IDLE_TIMEOUT", 60*time.Second),

		MaxHeaderBytes: EnvInt("KIYOMI_HTTP_MAX_HEADER_BYTES", 1<<20),

		DatabaseURL:  EnvString("KIYOMI_DATABASE_URL", ""),
		DBMaxConns:   EnvInt32("KIYOMI_DB_MAX_CONNS", 10),
		DBMinConns:   EnvInt32("KIYOMI_DB_MIN_CONNS", 0),
		SnapshotPath: EnvString("KIYOMI_SNAPSHOT_PATH", ""),

		ReadinessRequireDB: EnvBool("KIYOMI_READINESS_REQUIRE_DB", false),
	}
}
