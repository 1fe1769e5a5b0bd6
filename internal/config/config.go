// Package config loads process configuration: built-in defaults, then an
// optional YAML file, then environment overrides, then validation. Secrets
// are only ever read from the environment.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Secret keys and the legacy names they replace.
const (
	KeyJWTSecret         = "AUTH_JWT_SECRET"
	LegacyKeyJWTSecret   = "SUPABASE_JWT_SECRET"
	KeyStorageKey        = "STORAGE_SERVICE_KEY"
	LegacyKeyStorageKey  = "SUPABASE_SERVICE_ROLE_KEY"
	KeyStorageURL        = "STORAGE_URL"
	LegacyKeyStorageURL  = "SUPABASE_URL"
	StorageBackendREST   = "rest"
	StorageBackendRedis  = "redis"
	DefaultUploadBucket  = "user-uploads"
	DefaultExtractBucket = "extracted-models"
)

type LogConfig struct {
	Level       string `yaml:"level"`
	Development bool   `yaml:"development"`
}

type GatewayConfig struct {
	ListenAddr     string   `yaml:"listen_addr"`
	AllowedOrigins []string `yaml:"allowed_origins"`
	MaxBodyBytes   int64    `yaml:"max_body_bytes"`
}

type RelayConfig struct {
	ListenAddr     string        `yaml:"listen_addr"`
	AllowedOrigins []string      `yaml:"allowed_origins"`
	WorkerPoolSize int           `yaml:"worker_pool_size"`
	MaxConnections int           `yaml:"max_connections"`
	ReadTimeout    time.Duration `yaml:"read_timeout"`
	WriteTimeout   time.Duration `yaml:"write_timeout"`
}

type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"-"`
	DB       int    `yaml:"db"`
}

type NATSConfig struct {
	URL string `yaml:"url"`
}

type DatabaseConfig struct {
	URL            string `yaml:"-"`
	MigrateOnStart bool   `yaml:"migrate_on_start"`
}

type StorageConfig struct {
	Backend       string `yaml:"backend"`
	URL           string `yaml:"url"`
	ServiceKey    string `yaml:"-"`
	UploadBucket  string `yaml:"upload_bucket"`
	ExtractBucket string `yaml:"extract_bucket"`
}

type AuthConfig struct {
	JWTSecret string        `yaml:"-"`
	Audience  string        `yaml:"audience"`
	Issuer    string        `yaml:"issuer"`
	Leeway    time.Duration `yaml:"leeway"`
}

// TimeoutsConfig bounds each downstream call the gateway makes.
type TimeoutsConfig struct {
	Auth     time.Duration `yaml:"auth"`
	Database time.Duration `yaml:"database"`
	Storage  time.Duration `yaml:"storage"`

	// ExtractionLease is how long an unfinished extraction keeps its record
	// claimed.
	ExtractionLease time.Duration `yaml:"extraction_lease"`
}

type RateLimitConfig struct {
	ExtractLimit    int           `yaml:"extract_limit"`
	ExtractWindow   time.Duration `yaml:"extract_window"`
	BroadcastLimit  int           `yaml:"broadcast_limit"`
	BroadcastWindow time.Duration `yaml:"broadcast_window"`
}

// Config is the full process configuration.
type Config struct {
	Log       LogConfig       `yaml:"log"`
	Gateway   GatewayConfig   `yaml:"gateway"`
	Relay     RelayConfig     `yaml:"relay"`
	Redis     RedisConfig     `yaml:"redis"`
	NATS      NATSConfig      `yaml:"nats"`
	Database  DatabaseConfig  `yaml:"database"`
	Storage   StorageConfig   `yaml:"storage"`
	Auth      AuthConfig      `yaml:"auth"`
	Timeouts  TimeoutsConfig  `yaml:"timeouts"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`

	// Migrated lists legacy keys that supplied a value during Load.
	Migrated []string `yaml:"-"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Log: LogConfig{Level: "info"},
		Gateway: GatewayConfig{
			ListenAddr:   ":8080",
			MaxBodyBytes: 64 << 10,
		},
		Relay: RelayConfig{
			ListenAddr:     ":8081",
			WorkerPoolSize: 256,
			MaxConnections: 10000,
			ReadTimeout:    60 * time.Second,
			WriteTimeout:   10 * time.Second,
		},
		Redis:    RedisConfig{Addr: "localhost:6379"},
		NATS:     NATSConfig{URL: "nats://localhost:4222"},
		Database: DatabaseConfig{MigrateOnStart: true},
		Storage: StorageConfig{
			Backend:       StorageBackendREST,
			UploadBucket:  DefaultUploadBucket,
			ExtractBucket: DefaultExtractBucket,
		},
		Auth: AuthConfig{Leeway: 30 * time.Second},
		Timeouts: TimeoutsConfig{
			Auth:            5 * time.Second,
			Database:        5 * time.Second,
			Storage:         30 * time.Second,
			ExtractionLease: 5 * time.Minute,
		},
		RateLimit: RateLimitConfig{
			ExtractLimit:    10,
			ExtractWindow:   time.Minute,
			BroadcastLimit:  30,
			BroadcastWindow: time.Second,
		},
	}
}

// Load builds a Config from defaults, the YAML file at path (skipped when
// path is empty) and src. It does not validate.
func Load(path string, src Source) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}
	if err := cfg.applyEnv(src); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv(src Source) error {
	var errs []error
	str := func(key string, dst *string) {
		if v, ok := src.Lookup(key); ok && strings.TrimSpace(v) != "" {
			*dst = strings.TrimSpace(v)
		}
	}
	integer := func(key string, dst *int) {
		v, ok := src.Lookup(key)
		if !ok || v == "" {
			return
		}
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			errs = append(errs, fmt.Errorf("config: %s must be a positive integer", key))
			return
		}
		*dst = n
	}
	duration := func(key string, dst *time.Duration) {
		v, ok := src.Lookup(key)
		if !ok || v == "" {
			return
		}
		d, err := time.ParseDuration(v)
		if err != nil {
			errs = append(errs, fmt.Errorf("config: %s: %w", key, err))
			return
		}
		*dst = d
	}
	boolean := func(key string, dst *bool) {
		v, ok := src.Lookup(key)
		if !ok || v == "" {
			return
		}
		b, err := strconv.ParseBool(v)
		if err != nil {
			errs = append(errs, fmt.Errorf("config: %s must be a boolean", key))
			return
		}
		*dst = b
	}

	str("LOG_LEVEL", &c.Log.Level)
	boolean("LOG_DEVELOPMENT", &c.Log.Development)

	str("GATEWAY_ADDR", &c.Gateway.ListenAddr)
	if v, ok := src.Lookup("ALLOWED_ORIGINS"); ok && strings.TrimSpace(v) != "" {
		c.Gateway.AllowedOrigins = splitList(v)
		c.Relay.AllowedOrigins = splitList(v)
	}

	str("LISTEN_ADDR", &c.Relay.ListenAddr)
	integer("WORKER_POOL_SIZE", &c.Relay.WorkerPoolSize)
	integer("MAX_CONNECTIONS", &c.Relay.MaxConnections)
	duration("READ_TIMEOUT", &c.Relay.ReadTimeout)
	duration("WRITE_TIMEOUT", &c.Relay.WriteTimeout)

	str("REDIS_ADDR", &c.Redis.Addr)
	str("REDIS_PASSWORD", &c.Redis.Password)
	str("NATS_URL", &c.NATS.URL)
	str("DATABASE_URL", &c.Database.URL)
	boolean("DATABASE_MIGRATE", &c.Database.MigrateOnStart)

	str("STORAGE_BACKEND", &c.Storage.Backend)
	if s := ResolveSecret(src, KeyStorageURL, LegacyKeyStorageURL); s.Value != "" {
		c.Storage.URL = s.Value
		c.noteMigration(s, KeyStorageURL)
	}
	if s := ResolveSecret(src, KeyStorageKey, LegacyKeyStorageKey); s.Value != "" {
		c.Storage.ServiceKey = s.Value
		c.noteMigration(s, KeyStorageKey)
	}

	if s := ResolveSecret(src, KeyJWTSecret, LegacyKeyJWTSecret); s.Value != "" {
		c.Auth.JWTSecret = s.Value
		c.noteMigration(s, KeyJWTSecret)
	}
	str("AUTH_JWT_AUDIENCE", &c.Auth.Audience)
	str("AUTH_JWT_ISSUER", &c.Auth.Issuer)

	duration("TIMEOUT_AUTH", &c.Timeouts.Auth)
	duration("TIMEOUT_DATABASE", &c.Timeouts.Database)
	duration("TIMEOUT_STORAGE", &c.Timeouts.Storage)
	duration("TIMEOUT_EXTRACTION_LEASE", &c.Timeouts.ExtractionLease)

	integer("RATE_LIMIT_EXTRACT", &c.RateLimit.ExtractLimit)
	integer("RATE_LIMIT_BROADCAST", &c.RateLimit.BroadcastLimit)
	duration("RATE_LIMIT_EXTRACT_WINDOW", &c.RateLimit.ExtractWindow)
	duration("RATE_LIMIT_BROADCAST_WINDOW", &c.RateLimit.BroadcastWindow)

	return errors.Join(errs...)
}

func (c *Config) noteMigration(s Secret, current string) {
	if s.Migrated(current) {
		c.Migrated = append(c.Migrated, s.Key)
	}
}

// ValidateCommon checks the settings shared by every binary.
func (c *Config) ValidateCommon() error {
	var errs []error
	if c.Redis.Addr == "" {
		errs = append(errs, errors.New("config: redis.addr is required"))
	}
	if c.NATS.URL == "" {
		errs = append(errs, errors.New("config: nats.url is required"))
	}
	if c.Auth.JWTSecret == "" {
		errs = append(errs, fmt.Errorf("config: %s is required", KeyJWTSecret))
	}
	if c.Auth.Leeway < 0 {
		errs = append(errs, errors.New("config: auth.leeway must not be negative"))
	}
	return errors.Join(errs...)
}

// ValidateGateway checks everything the extraction gateway needs.
func (c *Config) ValidateGateway() error {
	errs := []error{c.ValidateCommon()}

	if c.Database.URL == "" {
		errs = append(errs, errors.New("config: DATABASE_URL is required"))
	}
	for _, o := range c.Gateway.AllowedOrigins {
		if o == "*" {
			errs = append(errs, errors.New("config: allowed_origins must not contain a wildcard"))
		}
	}
	if c.Gateway.MaxBodyBytes <= 0 {
		errs = append(errs, errors.New("config: gateway.max_body_bytes must be positive"))
	}
	switch c.Storage.Backend {
	case StorageBackendREST:
		if c.Storage.URL == "" {
			errs = append(errs, fmt.Errorf("config: %s is required for the rest storage backend", KeyStorageURL))
		}
		if c.Storage.ServiceKey == "" {
			errs = append(errs, fmt.Errorf("config: %s is required for the rest storage backend", KeyStorageKey))
		}
	case StorageBackendRedis:
	default:
		errs = append(errs, fmt.Errorf("config: unknown storage backend %q", c.Storage.Backend))
	}
	if c.Storage.UploadBucket == "" || c.Storage.ExtractBucket == "" {
		errs = append(errs, errors.New("config: storage buckets must be set"))
	}
	if c.Timeouts.Auth <= 0 || c.Timeouts.Database <= 0 || c.Timeouts.Storage <= 0 {
		errs = append(errs, errors.New("config: timeouts must be positive"))
	}
	if c.Timeouts.ExtractionLease <= c.Timeouts.Storage {
		errs = append(errs, errors.New("config: extraction lease must exceed the storage timeout"))
	}
	if c.RateLimit.ExtractLimit <= 0 || c.RateLimit.ExtractWindow <= 0 {
		errs = append(errs, errors.New("config: extract rate limit must be positive"))
	}
	return errors.Join(errs...)
}

// ValidateRelay checks everything the WebSocket relay needs.
func (c *Config) ValidateRelay() error {
	errs := []error{c.ValidateCommon()}
	if c.Relay.ListenAddr == "" {
		errs = append(errs, errors.New("config: relay.listen_addr is required"))
	}
	for _, o := range c.Relay.AllowedOrigins {
		if o == "*" {
			errs = append(errs, errors.New("config: allowed_origins must not contain a wildcard"))
		}
	}
	if c.Relay.WorkerPoolSize <= 0 || c.Relay.MaxConnections <= 0 {
		errs = append(errs, errors.New("config: relay pool sizes must be positive"))
	}
	if c.RateLimit.BroadcastLimit <= 0 || c.RateLimit.BroadcastWindow <= 0 {
		errs = append(errs, errors.New("config: broadcast rate limit must be positive"))
	}
	return errors.Join(errs...)
}

func splitList(v string) []string {
	var out []string
	for _, part := range strings.Split(v, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
