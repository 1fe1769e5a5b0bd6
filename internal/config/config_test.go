package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validGatewayEnv() MapSource {
	return MapSource{
		"AUTH_JWT_SECRET":     "0123456789abcdef0123456789abcdef",
		"DATABASE_URL":        "postgres://localhost/files?sslmode=disable",
		"STORAGE_URL":         "https://project.example.co",
		"STORAGE_SERVICE_KEY": "service-key",
	}
}

func TestDefaults(t *testing.T) {
	cfg := Default()
	assert.Equal(t, ":8080", cfg.Gateway.ListenAddr)
	assert.Equal(t, DefaultUploadBucket, cfg.Storage.UploadBucket)
	assert.Equal(t, DefaultExtractBucket, cfg.Storage.ExtractBucket)
	assert.Equal(t, 30*time.Second, cfg.Timeouts.Storage)
	assert.Equal(t, 5*time.Minute, cfg.Timeouts.ExtractionLease)
	assert.Empty(t, cfg.Gateway.AllowedOrigins)
}

func TestLoad_YAMLThenEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
log:
  level: debug
gateway:
  listen_addr: ":9000"
  allowed_origins: ["https://app.example.com"]
timeouts:
  storage: 12s
storage:
  backend: redis
`), 0o600))

	src := MapSource{
		"GATEWAY_ADDR":    ":9100",
		"ALLOWED_ORIGINS": "https://a.example.com, https://b.example.com",
		"TIMEOUT_AUTH":    "2s",
	}
	cfg, err := Load(path, src)
	require.NoError(t, err)

	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, ":9100", cfg.Gateway.ListenAddr)
	assert.Equal(t, []string{"https://a.example.com", "https://b.example.com"}, cfg.Gateway.AllowedOrigins)
	assert.Equal(t, cfg.Gateway.AllowedOrigins, cfg.Relay.AllowedOrigins)
	assert.Equal(t, 12*time.Second, cfg.Timeouts.Storage)
	assert.Equal(t, 2*time.Second, cfg.Timeouts.Auth)
	assert.Equal(t, StorageBackendRedis, cfg.Storage.Backend)
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"), MapSource{})
	require.Error(t, err)
}

func TestLoad_InvalidEnvValues(t *testing.T) {
	_, err := Load("", MapSource{"WORKER_POOL_SIZE": "lots", "TIMEOUT_STORAGE": "soon"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "WORKER_POOL_SIZE")
	assert.Contains(t, err.Error(), "TIMEOUT_STORAGE")
}

func TestLoad_SecretsPreferCurrentKeys(t *testing.T) {
	src := MapSource{
		"AUTH_JWT_SECRET":     "current",
		"SUPABASE_JWT_SECRET": "legacy",
	}
	cfg, err := Load("", src)
	require.NoError(t, err)
	assert.Equal(t, "current", cfg.Auth.JWTSecret)
	assert.Empty(t, cfg.Migrated)
}

func TestLoad_SecretsMigrateFromLegacyKeys(t *testing.T) {
	src := MapSource{
		"SUPABASE_JWT_SECRET":       "  legacy-secret  ",
		"SUPABASE_SERVICE_ROLE_KEY": "legacy-key",
		"SUPABASE_URL":              "https://legacy.example.co",
	}
	cfg, err := Load("", src)
	require.NoError(t, err)
	assert.Equal(t, "legacy-secret", cfg.Auth.JWTSecret)
	assert.Equal(t, "legacy-key", cfg.Storage.ServiceKey)
	assert.Equal(t, "https://legacy.example.co", cfg.Storage.URL)
	assert.ElementsMatch(t, []string{"SUPABASE_JWT_SECRET", "SUPABASE_SERVICE_ROLE_KEY", "SUPABASE_URL"}, cfg.Migrated)
}

func TestSecretsIgnoreYAML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("auth:\n  jwtsecret: from-file\n  JWTSecret: from-file\n"), 0o600))

	cfg, err := Load(path, MapSource{})
	require.NoError(t, err)
	assert.Empty(t, cfg.Auth.JWTSecret)
}

func TestResolveSecret(t *testing.T) {
	src := MapSource{"NEW": "   ", "OLD": "value"}
	s := ResolveSecret(src, "NEW", "OLD")
	assert.Equal(t, "value", s.Value)
	assert.Equal(t, "OLD", s.Key)
	assert.True(t, s.Migrated("NEW"))

	missing := ResolveSecret(MapSource{}, "NEW", "OLD")
	assert.Empty(t, missing.Value)
	assert.False(t, missing.Migrated("NEW"))
}

func TestValidateGateway(t *testing.T) {
	cfg, err := Load("", validGatewayEnv())
	require.NoError(t, err)
	require.NoError(t, cfg.ValidateGateway())

	cfg.Gateway.AllowedOrigins = []string{"https://app.example.com", "*"}
	assert.ErrorContains(t, cfg.ValidateGateway(), "wildcard")

	cfg, _ = Load("", validGatewayEnv())
	cfg.Storage.ServiceKey = ""
	assert.ErrorContains(t, cfg.ValidateGateway(), KeyStorageKey)

	cfg, _ = Load("", validGatewayEnv())
	cfg.Storage.Backend = "s3"
	assert.ErrorContains(t, cfg.ValidateGateway(), "unknown storage backend")

	cfg, _ = Load("", validGatewayEnv())
	cfg.Timeouts.ExtractionLease = cfg.Timeouts.Storage
	assert.ErrorContains(t, cfg.ValidateGateway(), "extraction lease")

	cfg, _ = Load("", validGatewayEnv())
	cfg.Auth.JWTSecret = ""
	assert.ErrorContains(t, cfg.ValidateGateway(), KeyJWTSecret)
}

func TestValidateGateway_RedisBackendNeedsNoStorageSecrets(t *testing.T) {
	cfg, err := Load("", MapSource{
		"AUTH_JWT_SECRET": "secret",
		"DATABASE_URL":    "postgres://localhost/files",
		"STORAGE_BACKEND": "redis",
	})
	require.NoError(t, err)
	assert.NoError(t, cfg.ValidateGateway())
}

func TestValidateRelay(t *testing.T) {
	cfg, err := Load("", MapSource{"AUTH_JWT_SECRET": "secret"})
	require.NoError(t, err)
	require.NoError(t, cfg.ValidateRelay())

	cfg.Relay.AllowedOrigins = []string{"*"}
	assert.Error(t, cfg.ValidateRelay())

	cfg.Relay.AllowedOrigins = nil
	cfg.Relay.WorkerPoolSize = 0
	assert.Error(t, cfg.ValidateRelay())
}
