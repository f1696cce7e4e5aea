package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/viper"

	"github.com/caseload/caseload/internal/domain/caseload"
)

const (
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
)

type Config struct {
	Port             string        `mapstructure:"PORT"`
	Env              string        `mapstructure:"ENV"`
	LogLevel         string        `mapstructure:"LOG_LEVEL"`
	LogFile          string        `mapstructure:"LOG_FILE"`
	LogMaxSizeMB     int           `mapstructure:"LOG_MAX_SIZE_MB"`
	LogMaxBackups    int           `mapstructure:"LOG_MAX_BACKUPS"`
	LogMaxAgeDays    int           `mapstructure:"LOG_MAX_AGE_DAYS"`
	StorageDriver    string        `mapstructure:"STORAGE_DRIVER"`
	DatabaseURL      string        `mapstructure:"DATABASE_URL"`
	SQLitePath       string        `mapstructure:"SQLITE_PATH"`
	DBMaxConns       int32         `mapstructure:"DB_MAX_CONNS"`
	DBMinConns       int32         `mapstructure:"DB_MIN_CONNS"`
	DefaultClinicID  int64         `mapstructure:"DEFAULT_CLINIC_ID"`
	AuthIssuer       string        `mapstructure:"AUTH_ISSUER"`
	AuthAudience     string        `mapstructure:"AUTH_AUDIENCE"`
	AuthJWKSURL      string        `mapstructure:"AUTH_JWKS_URL"`
	AuthSigningKey   string        `mapstructure:"AUTH_SIGNING_KEY"`
	CORSOrigins      []string      `mapstructure:"CORS_ORIGINS"`
	RedisURL         string        `mapstructure:"REDIS_URL"`
	IdempotencyTTL   time.Duration `mapstructure:"IDEMPOTENCY_TTL"`
	AncillaryCleanup string        `mapstructure:"ANCILLARY_CLEANUP"`
	OTLPEndpoint     string        `mapstructure:"OTEL_EXPORTER_OTLP_ENDPOINT"`
	MetricsEnabled   bool          `mapstructure:"METRICS_ENABLED"`
}

var keys = []string{
	"PORT", "ENV", "LOG_LEVEL", "LOG_FILE", "LOG_MAX_SIZE_MB", "LOG_MAX_BACKUPS",
	"LOG_MAX_AGE_DAYS", "STORAGE_DRIVER", "DATABASE_URL", "SQLITE_PATH",
	"DB_MAX_CONNS", "DB_MIN_CONNS", "DEFAULT_CLINIC_ID", "AUTH_ISSUER",
	"AUTH_AUDIENCE", "AUTH_JWKS_URL", "AUTH_SIGNING_KEY", "CORS_ORIGINS",
	"REDIS_URL", "IDEMPOTENCY_TTL", "ANCILLARY_CLEANUP",
	"OTEL_EXPORTER_OTLP_ENDPOINT", "METRICS_ENABLED",
}

func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.AutomaticEnv()

	v.SetDefault("PORT", "8000")
	v.SetDefault("ENV", "development")
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("LOG_MAX_SIZE_MB", 100)
	v.SetDefault("LOG_MAX_BACKUPS", 5)
	v.SetDefault("LOG_MAX_AGE_DAYS", 30)
	v.SetDefault("STORAGE_DRIVER", DriverPostgres)
	v.SetDefault("SQLITE_PATH", "caseload.db")
	v.SetDefault("DB_MAX_CONNS", 20)
	v.SetDefault("DB_MIN_CONNS", 5)
	v.SetDefault("DEFAULT_CLINIC_ID", 0)
	v.SetDefault("CORS_ORIGINS", "http://localhost:3000")
	v.SetDefault("IDEMPOTENCY_TTL", "24h")
	v.SetDefault("ANCILLARY_CLEANUP", "chat_messages:sender_id")
	v.SetDefault("METRICS_ENABLED", true)

	// Unmarshal only sees env vars that are bound explicitly
	for _, k := range keys {
		v.BindEnv(k)
	}

	// .env is optional
	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	cfg.CORSOrigins = splitList(v.GetString("CORS_ORIGINS"))
	cfg.StorageDriver = strings.ToLower(strings.TrimSpace(cfg.StorageDriver))

	if cfg.StorageDriver == DriverPostgres && cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required when STORAGE_DRIVER=postgres")
	}

	return cfg, nil
}

func splitList(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func (c *Config) IsDev() bool {
	return c.Env == "development"
}

func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// CleanupTargets parses ANCILLARY_CLEANUP.
func (c *Config) CleanupTargets() ([]caseload.CleanupTarget, error) {
	return caseload.ParseCleanupTargets(c.AncillaryCleanup)
}

// Level parses LOG_LEVEL, falling back to info.
func (c *Config) Level() zerolog.Level {
	lvl, err := zerolog.ParseLevel(strings.ToLower(c.LogLevel))
	if err != nil || lvl == zerolog.NoLevel {
		return zerolog.InfoLevel
	}
	return lvl
}

// Validate checks that the configuration is safe to run. Outside development
// every request must carry a verifiable token, so an issuer and a key source
// are required.
func (c *Config) Validate() error {
	switch c.StorageDriver {
	case DriverPostgres:
		if c.DatabaseURL == "" {
			return fmt.Errorf("DATABASE_URL is required when STORAGE_DRIVER=postgres")
		}
	case DriverSQLite:
		if c.SQLitePath == "" {
			return fmt.Errorf("SQLITE_PATH is required when STORAGE_DRIVER=sqlite")
		}
	default:
		return fmt.Errorf("STORAGE_DRIVER must be %q or %q, got %q", DriverPostgres, DriverSQLite, c.StorageDriver)
	}

	if !c.IsDev() {
		if c.AuthIssuer == "" {
			return fmt.Errorf("AUTH_ISSUER must be set outside development (current ENV=%q)", c.Env)
		}
		if c.AuthJWKSURL == "" && c.AuthSigningKey == "" {
			return fmt.Errorf("one of AUTH_JWKS_URL or AUTH_SIGNING_KEY must be set outside development")
		}
	}

	if c.DBMinConns > c.DBMaxConns {
		return fmt.Errorf("DB_MIN_CONNS (%d) exceeds DB_MAX_CONNS (%d)", c.DBMinConns, c.DBMaxConns)
	}
	if c.DefaultClinicID < 0 {
		return fmt.Errorf("DEFAULT_CLINIC_ID must not be negative")
	}
	if c.IdempotencyTTL < 0 {
		return fmt.Errorf("IDEMPOTENCY_TTL must not be negative")
	}
	if _, err := c.CleanupTargets(); err != nil {
		return fmt.Errorf("ANCILLARY_CLEANUP: %w", err)
	}
	if _, err := zerolog.ParseLevel(strings.ToLower(c.LogLevel)); err != nil {
		return fmt.Errorf("LOG_LEVEL: %w", err)
	}
	return nil
}
