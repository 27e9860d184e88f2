package config

import (
	"fmt"
	"os"
	"reflect"
	"strconv"
	"strings"
	"time"
)

var durationType = reflect.TypeOf(time.Duration(0))

// Load reads configuration from environment variables.
// It applies defaults for unset values and validates the result.
func Load() (*Config, error) {
	return LoadFrom(os.Getenv)
}

// LoadFrom is Load with a custom variable lookup.
func LoadFrom(getenv func(string) string) (*Config, error) {
	cfg := &Config{}

	if err := loadStruct(reflect.ValueOf(cfg).Elem(), getenv); err != nil {
		return nil, fmt.Errorf("config load: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}

	return cfg, nil
}

// loadStruct walks nested structs and fills tagged fields.
func loadStruct(v reflect.Value, getenv func(string) string) error {
	t := v.Type()

	for i := 0; i < t.NumField(); i++ {
		field := t.Field(i)
		fieldVal := v.Field(i)

		if !fieldVal.CanSet() {
			continue
		}

		if field.Type.Kind() == reflect.Struct {
			if err := loadStruct(fieldVal, getenv); err != nil {
				return err
			}
			continue
		}

		envName := field.Tag.Get("env")
		if envName == "" {
			continue
		}

		value := getenv(envName)
		if value == "" {
			if alt := field.Tag.Get("envAlt"); alt != "" {
				value = getenv(alt)
			}
		}

		if value == "" {
			if field.Tag.Get("required") == "true" {
				return fmt.Errorf("required environment variable %s is not set", envName)
			}
			value = field.Tag.Get("default")
		}

		if value == "" {
			continue
		}

		if err := setField(fieldVal, value); err != nil {
			return fmt.Errorf("invalid value for %s=%q: %w", envName, value, err)
		}
	}

	return nil
}

// setField parses value into the field according to its kind.
func setField(field reflect.Value, value string) error {
	if field.Type() == durationType {
		d, err := time.ParseDuration(value)
		if err != nil {
			return fmt.Errorf("invalid duration: %w", err)
		}
		field.SetInt(int64(d))
		return nil
	}

	switch field.Kind() {
	case reflect.String:
		field.SetString(value)

	case reflect.Int, reflect.Int32, reflect.Int64:
		i, err := strconv.ParseInt(value, 10, 64)
		if err != nil {
			return fmt.Errorf("invalid integer: %w", err)
		}
		field.SetInt(i)

	case reflect.Bool:
		b, err := strconv.ParseBool(value)
		if err != nil {
			return fmt.Errorf("invalid boolean: %w", err)
		}
		field.SetBool(b)

	case reflect.Slice:
		if field.Type().Elem().Kind() != reflect.String {
			return fmt.Errorf("unsupported slice type: %s", field.Type())
		}
		var parts []string
		for _, p := range strings.Split(value, ",") {
			if p = strings.TrimSpace(p); p != "" {
				parts = append(parts, p)
			}
		}
		field.Set(reflect.ValueOf(parts))

	default:
		return fmt.Errorf("unsupported field type: %s", field.Kind())
	}

	return nil
}

// Validate checks that the configuration is valid.
// Returns an error describing all validation failures.
func (c *Config) Validate() error {
	var errs []string

	// Server
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Sprintf("SERVER_PORT (%d) must be 1-65535", c.Server.Port))
	}
	if c.Server.ShutdownTimeout <= 0 {
		errs = append(errs, "SERVER_SHUTDOWN_TIMEOUT must be positive")
	}

	// Ingest
	if c.Ingest.WorkDir == "" {
		errs = append(errs, "INGEST_WORK_DIR is required")
	}
	if c.Ingest.MasterPath == "" {
		errs = append(errs, "INGEST_MASTER_PATH is required")
	}
	if c.Ingest.MaxUploadSize <= 0 {
		errs = append(errs, "INGEST_MAX_UPLOAD_SIZE must be positive")
	}
	if c.Ingest.ChunkSize <= 0 {
		errs = append(errs, "UPLOAD_CHUNK_SIZE must be positive")
	}
	if !isDigits(c.Ingest.DomesticCode) {
		errs = append(errs, fmt.Sprintf("DOMESTIC_CODE (%q) must be a non-empty digit string", c.Ingest.DomesticCode))
	}
	switch strings.ToLower(c.Ingest.MatchPolicy) {
	case "longest", "narrow":
	default:
		errs = append(errs, fmt.Sprintf("MATCH_POLICY (%q) must be one of: longest, narrow", c.Ingest.MatchPolicy))
	}
	switch strings.ToLower(c.Ingest.PrefixTableEncoding) {
	case "latin1", "iso-8859-1", "utf-8", "utf8":
	default:
		errs = append(errs, fmt.Sprintf("PREFIX_TABLE_ENCODING (%q) must be latin1 or utf-8", c.Ingest.PrefixTableEncoding))
	}
	if c.Ingest.JobRetention <= 0 {
		errs = append(errs, "JOB_RETENTION must be positive")
	}

	// Converter
	if c.Converter.Path == "" {
		errs = append(errs, "CONVERTER_PATH is required")
	}
	if c.Converter.Timeout <= 0 {
		errs = append(errs, "CONVERTER_TIMEOUT must be positive")
	}

	// Dataset
	if c.Dataset.LockWait <= 0 {
		errs = append(errs, "LOCK_WAIT_TIMEOUT must be positive")
	}
	if c.Dataset.LockPollInterval <= 0 {
		errs = append(errs, "LOCK_POLL_INTERVAL must be positive")
	}
	if c.Dataset.LockStaleAfter < 0 {
		errs = append(errs, "LOCK_STALE_AFTER must be non-negative")
	}
	switch strings.ToLower(c.Dataset.SchemaCheck) {
	case "reject", "ignore":
	default:
		errs = append(errs, fmt.Sprintf("SCHEMA_CHECK (%q) must be one of: reject, ignore", c.Dataset.SchemaCheck))
	}

	// Database (only when enabled)
	if c.Database.WarehouseEnabled() {
		if c.Database.MaxConns <= 0 {
			errs = append(errs, "DB_MAX_CONNS must be positive")
		}
		if c.Database.MaxConns < c.Database.MinConns {
			errs = append(errs, fmt.Sprintf("DB_MAX_CONNS (%d) must be >= DB_MIN_CONNS (%d)",
				c.Database.MaxConns, c.Database.MinConns))
		}
		if c.Database.Table == "" {
			errs = append(errs, "DB_TABLE is required when DATABASE_URL is set")
		}
		if c.Database.LoadBatchSize <= 0 {
			errs = append(errs, "DB_LOAD_BATCH_SIZE must be positive")
		}
	}

	// Logging
	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(c.Logging.Level)] {
		errs = append(errs, fmt.Sprintf("LOG_LEVEL (%q) must be one of: debug, info, warn, error", c.Logging.Level))
	}
	validFormats := map[string]bool{"text": true, "json": true}
	if !validFormats[strings.ToLower(c.Logging.Format)] {
		errs = append(errs, fmt.Sprintf("LOG_FORMAT (%q) must be one of: text, json", c.Logging.Format))
	}

	if len(errs) > 0 {
		return fmt.Errorf("validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}

	return nil
}

// String returns a safe string representation of the config for logging.
// The database URL is masked.
func (c *Config) String() string {
	var b strings.Builder
	b.WriteString("Config{")
	fmt.Fprintf(&b, "Server: {Host: %q, Port: %d}, ", c.Server.Host, c.Server.Port)
	fmt.Fprintf(&b, "Ingest: {WorkDir: %q, Master: %q, DomesticCode: %q, MatchPolicy: %q}, ",
		c.Ingest.WorkDir, c.Ingest.MasterPath, c.Ingest.DomesticCode, c.Ingest.MatchPolicy)
	fmt.Fprintf(&b, "Converter: {Path: %q, Timeout: %s}, ", c.Converter.Path, c.Converter.Timeout)
	fmt.Fprintf(&b, "Dataset: {LockWait: %s, StaleAfter: %s, SchemaCheck: %q}, ",
		c.Dataset.LockWait, c.Dataset.LockStaleAfter, c.Dataset.SchemaCheck)
	if c.Database.WarehouseEnabled() {
		fmt.Fprintf(&b, "Database: {URL: [MASKED], Table: %q}, ", c.Database.Table)
	} else {
		b.WriteString("Database: {disabled}, ")
	}
	fmt.Fprintf(&b, "Logging: {Level: %q, Format: %q}", c.Logging.Level, c.Logging.Format)
	b.WriteString("}")
	return b.String()
}

func isDigits(s string) bool {
	if s == "" {
		return false
	}
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return true
}
