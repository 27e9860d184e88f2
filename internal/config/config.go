// Package config provides centralized configuration management for the application.
// It loads configuration from environment variables with sensible defaults and
// validates all settings on startup to fail fast on misconfiguration.
package config

import (
	"strconv"
	"time"
)

// Config holds all application configuration.
// All settings can be configured via environment variables.
type Config struct {
	Server    ServerConfig
	Ingest    IngestConfig
	Converter ConverterConfig
	Dataset   DatasetConfig
	Database  DatabaseConfig
	Logging   LoggingConfig
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	// Host is the interface to bind to (default: 0.0.0.0)
	Host string `env:"SERVER_HOST" default:"0.0.0.0"`

	// Port is the port to listen on (default: 8000)
	Port int `env:"SERVER_PORT" default:"8000"`

	// ReadTimeout is the maximum duration for reading request body (default: 5m, uploads are large)
	ReadTimeout time.Duration `env:"SERVER_READ_TIMEOUT" default:"5m"`

	// WriteTimeout is the maximum duration for writing response (default: 60s)
	WriteTimeout time.Duration `env:"SERVER_WRITE_TIMEOUT" default:"60s"`

	// UploadTimeout replaces the read and write deadlines on batch submission,
	// covering the transfer and the job id response (default: 1h, 0 disables)
	UploadTimeout time.Duration `env:"SERVER_UPLOAD_TIMEOUT" default:"1h"`

	// IdleTimeout is the keep-alive timeout (default: 60s)
	IdleTimeout time.Duration `env:"SERVER_IDLE_TIMEOUT" default:"60s"`

	// TrustedProxies are CIDRs whose X-Real-IP / X-Forwarded-For headers are honored
	TrustedProxies []string `env:"SERVER_TRUSTED_PROXIES"`

	// ShutdownTimeout is the maximum duration to wait for graceful shutdown (default: 30s)
	ShutdownTimeout time.Duration `env:"SERVER_SHUTDOWN_TIMEOUT" default:"30s"`
}

// IngestConfig holds batch ingestion settings.
type IngestConfig struct {
	// WorkDir holds staged uploads and converter output (default: data/work)
	WorkDir string `env:"INGEST_WORK_DIR" default:"data/work"`

	// MasterPath is the master dataset CSV (default: data/input.csv)
	MasterPath string `env:"INGEST_MASTER_PATH" default:"data/input.csv"`

	// MaxUploadSize is the maximum accepted upload in bytes (default: 2GB)
	MaxUploadSize int64 `env:"INGEST_MAX_UPLOAD_SIZE" default:"2147483648"`

	// ChunkSize is the upload copy chunk in bytes (default: 1MB)
	ChunkSize int `env:"UPLOAD_CHUNK_SIZE" default:"1048576"`

	// DomesticCode is the national dialing code of domestic numbers (default: 33)
	DomesticCode string `env:"DOMESTIC_CODE" default:"33"`

	// MatchPolicy selects prefix precedence: longest or narrow (default: longest)
	MatchPolicy string `env:"MATCH_POLICY" default:"longest"`

	// PrefixTablePath is the reference prefix table loaded at startup (optional)
	PrefixTablePath string `env:"PREFIX_TABLE_PATH" envAlt:"MAJNUM_PATH"`

	// PrefixTableEncoding is latin1 or utf-8 (default: latin1)
	PrefixTableEncoding string `env:"PREFIX_TABLE_ENCODING" default:"latin1"`

	// JobRetention is how long finished jobs stay queryable (default: 1h)
	JobRetention time.Duration `env:"JOB_RETENTION" default:"1h"`
}

// ConverterConfig holds settings for the external text-to-CSV converter.
type ConverterConfig struct {
	// Path is the converter executable (default: bin/data_processor)
	Path string `env:"CONVERTER_PATH" default:"bin/data_processor"`

	// Timeout bounds a single conversion (default: 5m)
	Timeout time.Duration `env:"CONVERTER_TIMEOUT" default:"5m"`
}

// DatasetConfig holds master dataset merge settings.
type DatasetConfig struct {
	// LockWait is how long to wait for the lock marker (default: 60s)
	LockWait time.Duration `env:"LOCK_WAIT_TIMEOUT" default:"60s"`

	// LockPollInterval is how often the marker is re-checked (default: 250ms)
	LockPollInterval time.Duration `env:"LOCK_POLL_INTERVAL" default:"250ms"`

	// LockStaleAfter breaks markers older than this; 0 disables (default: 0)
	LockStaleAfter time.Duration `env:"LOCK_STALE_AFTER" default:"0s"`

	// SchemaCheck is reject or ignore (default: reject)
	SchemaCheck string `env:"SCHEMA_CHECK" default:"reject"`
}

// DatabaseConfig holds the optional warehouse connection settings.
type DatabaseConfig struct {
	// URL is the PostgreSQL connection string; empty disables warehouse loads
	// Supports both DATABASE_URL and DB_URL env vars for compatibility
	URL string `env:"DATABASE_URL" envAlt:"DB_URL"`

	// MaxConns is the maximum number of connections in the pool (default: 4)
	MaxConns int `env:"DB_MAX_CONNS" default:"4"`

	// MinConns is the minimum number of connections to keep open (default: 0)
	MinConns int `env:"DB_MIN_CONNS" default:"0"`

	// Table is the target table for dataset loads (default: subscribers)
	Table string `env:"DB_TABLE" default:"subscribers"`

	// LoadBatchSize is rows per COPY batch (default: 1000)
	LoadBatchSize int `env:"DB_LOAD_BATCH_SIZE" default:"1000"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	// Level is the minimum log level: debug, info, warn, error (default: info)
	Level string `env:"LOG_LEVEL" default:"info"`

	// Format is the log format: text or json (default: text)
	Format string `env:"LOG_FORMAT" default:"text"`
}

// Addr returns the server listen address in host:port format.
func (c *ServerConfig) Addr() string {
	if c.Host == "" {
		return ":" + strconv.Itoa(c.Port)
	}
	return c.Host + ":" + strconv.Itoa(c.Port)
}

// WarehouseEnabled reports whether a database URL was configured.
func (c *DatabaseConfig) WarehouseEnabled() bool {
	return c.URL != ""
}
