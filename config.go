package orm

import (
	"fmt"
	"log/slog"
	"net"
	"net/url"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// =====================================
// Configuration
// =====================================

const (
	defaultBatchSize              = 50
	defaultMaxCascadeEntities     = 1 << 20
	defaultSequenceAllocationSize = 50
)

// DefaultSettings returns the settings used when none are configured.
func DefaultSettings() Settings {
	return Settings{
		BatchSize:              defaultBatchSize,
		MaxCascadeEntities:     defaultMaxCascadeEntities,
		SequenceAllocationSize: defaultSequenceAllocationSize,
		LogLevel:               "info",
	}
}

// withDefaults fills zero values with defaults.
func (s Settings) withDefaults() Settings {
	d := DefaultSettings()
	if s.BatchSize == 0 {
		s.BatchSize = d.BatchSize
	}
	if s.MaxCascadeEntities == 0 {
		s.MaxCascadeEntities = d.MaxCascadeEntities
	}
	if s.SequenceAllocationSize == 0 {
		s.SequenceAllocationSize = d.SequenceAllocationSize
	}
	if s.LogLevel == "" {
		s.LogLevel = d.LogLevel
	}
	return s
}

// Validate validates the settings
func (s Settings) Validate() error {
	if s.BatchSize < 0 {
		return NewError(ErrorTypeValidation, "batch_size must not be negative")
	}
	if s.MaxCascadeEntities < 0 {
		return NewError(ErrorTypeValidation, "max_cascade_entities must not be negative")
	}
	if s.SequenceAllocationSize < 0 {
		return NewError(ErrorTypeValidation, "sequence_allocation_size must not be negative")
	}
	if s.LogLevel != "" {
		if _, err := parseLevel(s.LogLevel); err != nil {
			return err
		}
	}
	return nil
}

// Validate validates the configuration
func (c Config) Validate() error {
	if c.Driver == "" {
		return NewError(ErrorTypeValidation, "driver is required")
	}
	if c.ConnectionURL == "" && c.Database == "" {
		return NewError(ErrorTypeValidation, "connection_url or database is required")
	}
	if c.Port < 0 || c.Port > 65535 {
		return NewError(ErrorTypeValidation, fmt.Sprintf("invalid port: %d", c.Port))
	}
	if c.MaxOpenConns < 0 || c.MaxIdleConns < 0 {
		return NewError(ErrorTypeValidation, "connection pool sizes must not be negative")
	}
	if c.MaxOpenConns > 0 && c.MaxIdleConns > c.MaxOpenConns {
		return NewError(ErrorTypeValidation, "max_idle_conns cannot exceed max_open_conns")
	}
	return c.ORM.Validate()
}

// DSN returns ConnectionURL, or builds a data source name for the
// database/sql driver named by Driver from the individual fields.
func (c Config) DSN() (string, error) {
	if c.ConnectionURL != "" {
		return c.ConnectionURL, nil
	}
	dialect, err := ParseDialect(c.Driver)
	if err != nil {
		return "", err
	}
	if dialect == DialectSQLite {
		return c.Database, nil
	}
	if c.Host == "" {
		return "", NewError(ErrorTypeInvalidArgument, "host is required to build a "+c.Driver+" dsn")
	}
	host := c.Host
	if c.Port > 0 {
		host = net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
	}

	switch dialect {
	case DialectMySQL:
		dsn := fmt.Sprintf("%s:%s@tcp(%s)/%s?parseTime=true", c.Username, c.Password, host, c.Database)
		if c.SSL.Enabled {
			dsn += "&tls=" + c.SSL.Mode
		}
		return dsn, nil
	case DialectMsSQL:
		u := url.URL{Scheme: "sqlserver", User: url.UserPassword(c.Username, c.Password), Host: host}
		u.RawQuery = url.Values{"database": {c.Database}}.Encode()
		return u.String(), nil
	}

	q := url.Values{"sslmode": {"disable"}}
	if c.SSL.Enabled {
		q.Set("sslmode", c.SSL.Mode)
		if c.SSL.CAFile != "" {
			q.Set("sslrootcert", c.SSL.CAFile)
		}
		if c.SSL.CertFile != "" {
			q.Set("sslcert", c.SSL.CertFile)
		}
		if c.SSL.KeyFile != "" {
			q.Set("sslkey", c.SSL.KeyFile)
		}
	}
	u := url.URL{Scheme: "postgres", User: url.UserPassword(c.Username, c.Password), Host: host, Path: "/" + c.Database}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// LoadConfig reads a YAML configuration file.
func LoadConfig(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, NewErrorWithCause(ErrorTypeInvalidArgument, "failed to read config file", err)
	}
	return ParseConfig(data)
}

// ParseConfig decodes a YAML configuration document and applies defaults.
func ParseConfig(data []byte) (Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, NewErrorWithCause(ErrorTypeSerialization, "failed to parse config", err)
	}
	cfg.ORM = cfg.ORM.withDefaults()
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// NewLogger builds a text logger writing to stderr at the configured level.
func NewLogger(settings Settings) *slog.Logger {
	level, err := parseLevel(settings.LogLevel)
	if err != nil {
		level = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

func parseLevel(name string) (slog.Level, error) {
	switch strings.ToLower(name) {
	case "", "info":
		return slog.LevelInfo, nil
	case "debug":
		return slog.LevelDebug, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	}
	return 0, NewError(ErrorTypeValidation, fmt.Sprintf("unknown log level: %s", name))
}
