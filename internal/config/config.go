// Package config provides configuration management for the governance
// service.
//
// Configuration is loaded from:
//  1. config.yaml file (optional)
//  2. Environment variables (standard names, e.g. GOVERNANCE_EVENT_SECRET)
//  3. Default values
package config

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/spf13/viper"
	"go.uber.org/zap"
)

// Config is the root configuration structure.
type Config struct {
	Server     ServerConfig     `mapstructure:"server"`
	Database   DatabaseConfig   `mapstructure:"database"`
	Log        LogConfig        `mapstructure:"log"`
	River      RiverConfig      `mapstructure:"river"`
	Security   SecurityConfig   `mapstructure:"security"`
	Worker     WorkerConfig     `mapstructure:"worker"`
	Governance GovernanceConfig `mapstructure:"governance"`
}

// ServerConfig contains HTTP server settings.
type ServerConfig struct {
	Port            int           `mapstructure:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`

	AllowedOrigins        []string `mapstructure:"allowed_origins"`
	AllowCredentials      bool     `mapstructure:"allow_credentials"`
	UnsafeAllowAllOrigins bool     `mapstructure:"unsafe_allow_all_origins"`
}

// DatabaseConfig contains PostgreSQL connection settings. One pool
// feeds the artifact store, event log, waiver store, job records and
// River alike.
type DatabaseConfig struct {
	URL string `mapstructure:"url"`

	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	Database string `mapstructure:"database"`
	SSLMode  string `mapstructure:"sslmode"`

	// WorkerHost/WorkerPort route River's worker pool through a
	// separate PgBouncer endpoint (transaction pooling breaks
	// LISTEN/NOTIFY, so River needs a session-mode connection when one
	// is fronted). Empty means reuse the main pool.
	WorkerHost string `mapstructure:"worker_host"`
	WorkerPort int    `mapstructure:"worker_port"`

	MaxConns        int32         `mapstructure:"max_conns"`
	MinConns        int32         `mapstructure:"min_conns"`
	MaxConnLifetime time.Duration `mapstructure:"max_conn_lifetime"`
	MaxConnIdleTime time.Duration `mapstructure:"max_conn_idle_time"`

	AutoMigrate bool `mapstructure:"auto_migrate"`
}

// DSN returns the PostgreSQL connection string. URL takes precedence
// over the constructed fields.
func (c DatabaseConfig) DSN() string {
	if c.URL != "" {
		return c.URL
	}
	sslmode := c.SSLMode
	if sslmode == "" {
		sslmode = "disable"
	}
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%d/%s?sslmode=%s",
		c.User, c.Password, c.Host, c.Port, c.Database, sslmode,
	)
}

// LogConfig contains logging settings.
type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"` // json or console
}

// RiverConfig contains River queue settings.
type RiverConfig struct {
	MaxWorkers                  int           `mapstructure:"max_workers"`
	CompletedJobRetentionPeriod time.Duration `mapstructure:"completed_job_retention_period"`
}

// SecurityConfig contains security-related settings. Secrets are
// auto-generated on first boot only when explicitly allowed — an
// event-log secret that changes across restarts breaks HMAC-chain
// verification, so in production it must be supplied externally.
type SecurityConfig struct {
	EventSecret          string        `mapstructure:"event_secret"`
	AllowEphemeralSecret bool          `mapstructure:"allow_ephemeral_secret"`
	SigningKeyID         string        `mapstructure:"signing_key_id"`
	SigningPrivateKeyHex string        `mapstructure:"signing_private_key_hex"`
	JWTSigningKey        string        `mapstructure:"jwt_signing_key"`
	JWTIssuer            string        `mapstructure:"jwt_issuer"`
	JWTExpiresIn         time.Duration `mapstructure:"jwt_expires_in"`
}

// WorkerConfig contains worker pool settings.
type WorkerConfig struct {
	GeneralPoolSize int `mapstructure:"general_pool_size"`
	SweepPoolSize   int `mapstructure:"sweep_pool_size"`
}

// GovernanceConfig contains domain-specific tunables.
type GovernanceConfig struct {
	StoreRoot                string        `mapstructure:"store_root"`
	Workers                  int           `mapstructure:"workers"`
	MaxConcurrentJobsDefault int           `mapstructure:"max_concurrent_jobs_default"`
	WaiverSweepInterval      time.Duration `mapstructure:"waiver_sweep_interval"`
	WaiverPreExpiryWarnDays  int           `mapstructure:"waiver_pre_expiry_warn_days"`
}

var (
	bootstrapLoggerOnce sync.Once
	bootstrapLogger     *zap.Logger
)

// Load reads configuration from file and environment variables.
// Standard environment variables without prefix
// (GOVERNANCE_EVENT_SECRET, GOVERNANCE_STORE_ROOT, DATABASE_URL, ...).
func Load() (*Config, error) {
	v := viper.New()

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("./config")
	v.AddConfigPath("/etc/governance")

	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	_ = v.BindEnv("security.event_secret", "GOVERNANCE_EVENT_SECRET", "SECURITY_EVENT_SECRET")
	_ = v.BindEnv("security.signing_key_id", "GOVERNANCE_SIGNING_KEY_ID", "SECURITY_SIGNING_KEY_ID")

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.ensureSecrets(); err != nil {
		return nil, fmt.Errorf("ensure secrets: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}

	return &cfg, nil
}

// Validate checks for critical configuration errors.
func (c *Config) Validate() error {
	if c.Security.EventSecret == "" {
		return fmt.Errorf("security.event_secret must not be empty")
	}
	if len(c.Security.EventSecret) < 32 {
		return fmt.Errorf("security.event_secret must be at least 32 characters")
	}
	if c.Security.SigningKeyID == "" {
		return fmt.Errorf("security.signing_key_id must not be empty")
	}
	if c.Security.JWTSigningKey == "" {
		return fmt.Errorf("security.jwt_signing_key must not be empty")
	}
	return nil
}

// ensureSecrets auto-generates missing secrets when explicitly
// allowed (development/test only); in production an externally
// supplied GOVERNANCE_EVENT_SECRET is required so the HMAC chain
// survives restarts.
func (c *Config) ensureSecrets() error {
	if c.Security.EventSecret == "" {
		if !c.Security.AllowEphemeralSecret {
			return nil // Validate() below will reject the empty secret.
		}
		secret, err := generateSecureRandomHex(32)
		if err != nil {
			return fmt.Errorf("auto-generate event secret: %w", err)
		}
		c.Security.EventSecret = secret
		logBootstrapWarn(
			"auto-generated ephemeral event_secret; set GOVERNANCE_EVENT_SECRET for a stable HMAC chain across restarts",
			zap.Int("length", len(secret)),
		)
	}
	if c.Security.SigningPrivateKeyHex == "" && c.Security.AllowEphemeralSecret {
		key, err := generateSecureRandomHex(32)
		if err != nil {
			return fmt.Errorf("auto-generate signing seed: %w", err)
		}
		c.Security.SigningPrivateKeyHex = key
		logBootstrapWarn("auto-generated ephemeral manifest signing key", zap.String("key_id", c.Security.SigningKeyID))
	}
	if c.Security.JWTSigningKey == "" && c.Security.AllowEphemeralSecret {
		key, err := generateSecureRandomHex(32)
		if err != nil {
			return fmt.Errorf("auto-generate jwt signing key: %w", err)
		}
		c.Security.JWTSigningKey = key
		logBootstrapWarn("auto-generated ephemeral jwt_signing_key; set SECURITY_JWT_SIGNING_KEY to keep issued tokens valid across restarts")
	}
	return nil
}

func logBootstrapWarn(msg string, fields ...zap.Field) {
	bootstrapLoggerOnce.Do(func() {
		cfg := zap.NewProductionConfig()
		cfg.Level = zap.NewAtomicLevelAt(zap.WarnLevel)

		l, err := cfg.Build()
		if err != nil {
			bootstrapLogger = zap.NewNop()
			return
		}
		bootstrapLogger = l
	})

	bootstrapLogger.Warn(msg, fields...)
}

// generateSecureRandomHex produces a hex-encoded string of n random bytes.
func generateSecureRandomHex(n int) (string, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("crypto/rand: %w", err)
	}
	return hex.EncodeToString(b), nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", "30s")
	v.SetDefault("server.write_timeout", "30s")
	v.SetDefault("server.shutdown_timeout", "30s")
	v.SetDefault("server.allowed_origins", []string{})
	v.SetDefault("server.allow_credentials", true)
	v.SetDefault("server.unsafe_allow_all_origins", false)

	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.user", "governance")
	v.SetDefault("database.password", "")
	v.SetDefault("database.database", "governance")
	v.SetDefault("database.sslmode", "disable")
	v.SetDefault("database.max_conns", 50)
	v.SetDefault("database.min_conns", 5)
	v.SetDefault("database.max_conn_lifetime", "1h")
	v.SetDefault("database.max_conn_idle_time", "10m")
	v.SetDefault("database.auto_migrate", false)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")

	v.SetDefault("river.max_workers", 10)
	v.SetDefault("river.completed_job_retention_period", "24h")

	v.SetDefault("security.allow_ephemeral_secret", false)
	v.SetDefault("security.signing_key_id", "governance-dev-1")
	v.SetDefault("security.jwt_issuer", "domaindetermine-governance")
	v.SetDefault("security.jwt_expires_in", "1h")

	v.SetDefault("worker.general_pool_size", 100)
	v.SetDefault("worker.sweep_pool_size", 10)

	v.SetDefault("governance.store_root", "/var/lib/governance/store")
	v.SetDefault("governance.workers", 10)
	v.SetDefault("governance.max_concurrent_jobs_default", 5)
	v.SetDefault("governance.waiver_sweep_interval", "24h")
	v.SetDefault("governance.waiver_pre_expiry_warn_days", 7)
}
