package main

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	_ "github.com/lib/pq"
	"github.com/redis/go-redis/v9"
	flag "github.com/spf13/pflag"
	"go.uber.org/zap"

	"github.com/arch1tech/platform/internal/auth"
	"github.com/arch1tech/platform/internal/config"
	"github.com/arch1tech/platform/internal/extraction"
	"github.com/arch1tech/platform/internal/gateway"
	"github.com/arch1tech/platform/internal/logging"
	"github.com/arch1tech/platform/internal/ratelimit"
	"github.com/arch1tech/platform/internal/records"
	"github.com/arch1tech/platform/internal/storage"
)

func main() {
	configPath := flag.String("config", "", "path to a YAML config file")
	flag.Parse()

	if err := run(*configPath); err != nil {
		fmt.Fprintf(os.Stderr, "gateway: %v\n", err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	cfg, err := config.Load(configPath, config.EnvSource{})
	if err != nil {
		return err
	}
	if err := cfg.ValidateGateway(); err != nil {
		return err
	}

	logger, err := logging.New(cfg.Log.Level, cfg.Log.Development)
	if err != nil {
		return err
	}
	defer logger.Sync()

	for _, key := range cfg.Migrated {
		logger.Warn("legacy configuration key in use", zap.String("key", key))
	}

	// --- Postgres ---
	db, err := sql.Open("postgres", cfg.Database.URL)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()

	pingCtx, cancel := context.WithTimeout(context.Background(), cfg.Timeouts.Database)
	err = db.PingContext(pingCtx)
	cancel()
	if err != nil {
		return fmt.Errorf("ping database: %w", err)
	}
	if cfg.Database.MigrateOnStart {
		if err := records.Migrate(db); err != nil {
			return err
		}
		logger.Info("database migrations applied")
	}

	// --- Redis ---
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	defer rdb.Close()

	pingCtx, cancel = context.WithTimeout(context.Background(), 5*time.Second)
	err = rdb.Ping(pingCtx).Err()
	cancel()
	if err != nil {
		return fmt.Errorf("connect to redis: %w", err)
	}

	// --- Storage ---
	var objects storage.Store
	switch cfg.Storage.Backend {
	case config.StorageBackendRedis:
		objects = storage.NewRedisStore(rdb)
	default:
		objects, err = storage.NewRESTStore(cfg.Storage.URL, cfg.Storage.ServiceKey)
		if err != nil {
			return err
		}
	}

	verifier, err := auth.NewVerifier(cfg.Auth.JWTSecret, auth.Options{
		Audience: cfg.Auth.Audience,
		Issuer:   cfg.Auth.Issuer,
		Leeway:   cfg.Auth.Leeway,
	})
	if err != nil {
		return err
	}

	svc := extraction.NewService(records.NewStore(db), objects, extraction.Config{
		UploadBucket:    cfg.Storage.UploadBucket,
		ExtractBucket:   cfg.Storage.ExtractBucket,
		DatabaseTimeout: cfg.Timeouts.Database,
		StorageTimeout:  cfg.Timeouts.Storage,
		ClaimLease:      cfg.Timeouts.ExtractionLease,
	}, logger)

	gwConfig := gateway.DefaultConfig()
	gwConfig.ListenAddr = cfg.Gateway.ListenAddr
	gwConfig.AllowedOrigins = cfg.Gateway.AllowedOrigins
	gwConfig.MaxBodyBytes = cfg.Gateway.MaxBodyBytes
	gwConfig.AuthTimeout = cfg.Timeouts.Auth
	gwConfig.ExtractRule = ratelimit.RuleExtract.With(cfg.RateLimit.ExtractLimit, cfg.RateLimit.ExtractWindow)

	server := gateway.New(gwConfig, verifier, svc, ratelimit.NewLimiter(rdb, logger), logger)

	logger.Info("extraction gateway starting",
		zap.String("listen_addr", gwConfig.ListenAddr),
		zap.String("allowed_origins", strings.Join(gwConfig.AllowedOrigins, ",")),
		zap.String("storage_backend", cfg.Storage.Backend),
		zap.Int("extract_limit", gwConfig.ExtractRule.Limit),
		zap.Duration("extract_window", gwConfig.ExtractRule.Window),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() { errCh <- server.Start() }()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Info("received signal, initiating graceful shutdown")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	return server.Shutdown(shutdownCtx)
}
