package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	flag "github.com/spf13/pflag"
	"go.uber.org/zap"

	"github.com/arch1tech/platform/internal/auth"
	"github.com/arch1tech/platform/internal/config"
	"github.com/arch1tech/platform/internal/logging"
	"github.com/arch1tech/platform/internal/messaging"
	"github.com/arch1tech/platform/internal/presence"
	"github.com/arch1tech/platform/internal/protocol"
	"github.com/arch1tech/platform/internal/ratelimit"
	"github.com/arch1tech/platform/internal/relay"
	"github.com/arch1tech/platform/internal/ws"
)

func main() {
	configPath := flag.String("config", "", "path to a YAML config file")
	flag.Parse()

	if err := run(*configPath); err != nil {
		fmt.Fprintf(os.Stderr, "wsserver: %v\n", err)
		os.Exit(1)
	}
}

func memberOf(c *ws.Connection) relay.Member {
	return relay.Member{
		ConnID:      c.ID,
		UserID:      c.UserID,
		Username:    c.Username,
		AvatarURL:   c.AvatarURL,
		WorkspaceID: c.WorkspaceID,
	}
}

func run(configPath string) error {
	cfg, err := config.Load(configPath, config.EnvSource{})
	if err != nil {
		return err
	}
	if err := cfg.ValidateRelay(); err != nil {
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

	verifier, err := auth.NewVerifier(cfg.Auth.JWTSecret, auth.Options{
		Audience: cfg.Auth.Audience,
		Issuer:   cfg.Auth.Issuer,
		Leeway:   cfg.Auth.Leeway,
	})
	if err != nil {
		return err
	}

	// --- NATS ---
	natsConfig := messaging.DefaultNATSConfig()
	natsConfig.URL = cfg.NATS.URL
	natsConfig.Name = "arch1tech-relay"
	natsClient, err := messaging.NewNATSClient(natsConfig, logger)
	if err != nil {
		return fmt.Errorf("connect to NATS: %w", err)
	}
	defer natsClient.Close()

	// --- Redis ---
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	defer rdb.Close()

	pingCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	err = rdb.Ping(pingCtx).Err()
	cancel()
	if err != nil {
		return fmt.Errorf("connect to redis: %w", err)
	}

	hub := relay.New(nil, natsClient, presence.NewStore(rdb), ratelimit.NewLimiter(rdb, logger),
		relay.WithBroadcastRule(ratelimit.RuleBroadcast.With(cfg.RateLimit.BroadcastLimit, cfg.RateLimit.BroadcastWindow)),
		relay.WithLogger(logger),
	)

	dispatcher := ws.NewMessageDispatcher(nil, logger)

	dispatcher.Register(protocol.TypeBroadcast, func(conn *ws.Connection, msg interface{}) {
		b, ok := msg.(protocol.BroadcastMsg)
		if !ok {
			return
		}
		hub.Broadcast(context.Background(), memberOf(conn), b)
	})

	dispatcher.Register(protocol.TypeTrack, func(conn *ws.Connection, msg interface{}) {
		t, ok := msg.(protocol.TrackMsg)
		if !ok {
			return
		}
		hub.Track(context.Background(), memberOf(conn), t.ActiveFile)
	})

	serverConfig := ws.DefaultServerConfig()
	serverConfig.ListenAddr = cfg.Relay.ListenAddr
	serverConfig.WorkerPoolSize = cfg.Relay.WorkerPoolSize
	serverConfig.MaxConnections = cfg.Relay.MaxConnections
	serverConfig.ReadTimeout = cfg.Relay.ReadTimeout
	serverConfig.WriteTimeout = cfg.Relay.WriteTimeout
	serverConfig.AuthTimeout = cfg.Timeouts.Auth
	serverConfig.AllowedOrigins = cfg.Relay.AllowedOrigins

	server, err := ws.NewServer(serverConfig, verifier, dispatcher.Dispatch, logger)
	if err != nil {
		return err
	}
	hub.SetSender(server)
	dispatcher.SetServer(server)

	server.SetOnConnect(func(conn *ws.Connection) error {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return hub.Join(ctx, memberOf(conn))
	})
	server.SetOnDisconnect(func(conn *ws.Connection) {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		hub.Leave(ctx, memberOf(conn))
	})

	logger.Info("workspace relay starting",
		zap.String("listen_addr", serverConfig.ListenAddr),
		zap.Int("worker_pool", serverConfig.WorkerPoolSize),
		zap.Int("max_connections", serverConfig.MaxConnections),
		zap.Duration("read_timeout", serverConfig.ReadTimeout),
		zap.Duration("write_timeout", serverConfig.WriteTimeout),
		zap.String("allowed_origins", strings.Join(serverConfig.AllowedOrigins, ",")),
		zap.String("nats_url", natsConfig.URL),
		zap.String("redis_addr", cfg.Redis.Addr),
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
