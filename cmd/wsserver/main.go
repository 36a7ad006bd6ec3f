package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"github.com/urbanplaces/realtime/internal/api"
	"github.com/urbanplaces/realtime/internal/auth"
	"github.com/urbanplaces/realtime/internal/config"
	"github.com/urbanplaces/realtime/internal/database"
	"github.com/urbanplaces/realtime/internal/gateway"
	"github.com/urbanplaces/realtime/internal/logging"
	"github.com/urbanplaces/realtime/internal/message"
	"github.com/urbanplaces/realtime/internal/messaging"
	"github.com/urbanplaces/realtime/internal/notification"
	"github.com/urbanplaces/realtime/internal/presence"
	"github.com/urbanplaces/realtime/internal/ratelimit"
	"github.com/urbanplaces/realtime/internal/registry"
	"github.com/urbanplaces/realtime/internal/user"
	"github.com/urbanplaces/realtime/internal/ws"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		logrus.WithError(err).Fatal("invalid configuration")
	}
	logging.Init(cfg.LogLevel, cfg.LogFormat)
	log := logging.Component("main")

	serverName := cfg.ServerName
	if serverName == "" {
		serverName, _ = os.Hostname()
	}
	if serverName == "" {
		serverName = "ws-1"
	}

	// --- PostgreSQL ---
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	db, err := database.Open(ctx, cfg.DatabaseURL())
	cancel()
	if err != nil {
		log.WithError(err).Fatal("failed to connect to PostgreSQL")
	}
	if err := database.Migrate(cfg.DatabaseURL()); err != nil {
		log.WithError(err).Fatal("failed to migrate database")
	}

	users := user.NewStore(db)
	messages := message.NewStore(db)
	notifications := notification.NewStore(db)

	authenticator, err := auth.New(auth.Config{
		Secret:    cfg.SecretKey,
		Algorithm: cfg.Algorithm,
		TTL:       cfg.AccessTokenTTL(),
	}, users)
	if err != nil {
		log.WithError(err).Fatal("invalid auth settings")
	}

	// --- Redis ---
	rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})
	ctx, cancel = context.WithTimeout(context.Background(), 5*time.Second)
	err = rdb.Ping(ctx).Err()
	cancel()
	if err != nil {
		log.WithError(err).Fatal("failed to connect to Redis")
	}
	limiter := ratelimit.NewLimiter(rdb)
	presenceStore := presence.NewStoreWithClient(rdb, serverName)

	// --- NATS ---
	natsConfig := messaging.DefaultNATSConfig()
	natsConfig.URL = cfg.NATSURL
	natsConfig.Name = "urbanplaces-gateway-" + serverName
	natsClient, err := messaging.NewNATSClient(natsConfig)
	if err != nil {
		log.WithError(err).Fatal("failed to connect to NATS")
	}

	reg := registry.New()
	gw := gateway.New(reg,
		gateway.WithLimiter(limiter),
		gateway.WithPresence(presenceStore),
	)

	// Every instance consumes notification.created: the owner may be
	// connected to any of them.
	if err := natsClient.SubscribeNotificationCreated("", gw.HandleNotificationCreated); err != nil {
		log.WithError(err).Fatal("failed to subscribe to notification events")
	}

	serverConfig := ws.ServerConfig{
		ListenAddr:     cfg.ListenAddr,
		WorkerPoolSize: cfg.WorkerPoolSize,
		MaxConnections: cfg.MaxConnections,
		ReadTimeout:    cfg.ReadTimeout,
		WriteTimeout:   cfg.WriteTimeout,
		Heartbeat: ws.HeartbeatConfig{
			Interval: cfg.HeartbeatInterval,
			Timeout:  cfg.HeartbeatTimeout,
		},
	}
	server := ws.NewServer(serverConfig, authenticator, gw.Dispatch)
	gw.Attach(server)

	server.Handle("/", api.New(api.Deps{
		Auth:          authenticator,
		Users:         users,
		Messages:      messages,
		Notifications: notifications,
		Live:          reg,
		Publisher:     natsClient,
		Presence:      presenceStore,
		Limiter:       limiter,
		CORSOrigins:   cfg.CORSOrigins,
	}).Router())

	log.WithFields(logrus.Fields{
		"listen_addr":     serverConfig.ListenAddr,
		"worker_pool":     serverConfig.WorkerPoolSize,
		"max_connections": serverConfig.MaxConnections,
		"heartbeat":       serverConfig.Heartbeat.Interval,
		"redis_addr":      cfg.RedisAddr,
		"nats_url":        natsConfig.URL,
		"server_name":     serverName,
	}).Info("realtime gateway starting")

	// Graceful shutdown.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	errCh := make(chan error, 1)
	go func() { errCh <- server.Start() }()

	select {
	case sig := <-sigCh:
		log.WithField("signal", sig.String()).Info("initiating graceful shutdown")
	case err := <-errCh:
		if err != nil {
			log.WithError(err).Error("server stopped")
		}
	}

	ctx, cancel = context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		log.WithError(err).Warn("shutdown error")
	}
	natsClient.Close()
	if err := presenceStore.Close(); err != nil {
		log.WithError(err).Warn("redis close error")
	}
	if err := db.Close(); err != nil {
		log.WithError(err).Warn("database close error")
	}
}
