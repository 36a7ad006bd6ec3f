package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/urbanplaces/realtime/internal/config"
	"github.com/urbanplaces/realtime/internal/database"
	"github.com/urbanplaces/realtime/internal/logging"
	"github.com/urbanplaces/realtime/internal/messaging"
	"github.com/urbanplaces/realtime/internal/notification"
	"github.com/urbanplaces/realtime/internal/notifier"
	"github.com/urbanplaces/realtime/internal/user"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		logrus.WithError(err).Fatal("invalid configuration")
	}
	logging.Init(cfg.LogLevel, cfg.LogFormat)
	log := logging.Component("notifier")

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

	// --- NATS ---
	natsConfig := messaging.DefaultNATSConfig()
	natsConfig.URL = cfg.NATSURL
	natsConfig.Name = "urbanplaces-notifier"
	natsClient, err := messaging.NewNATSClient(natsConfig)
	if err != nil {
		log.WithError(err).Fatal("failed to connect to NATS")
	}

	svc := notifier.New(user.NewStore(db), notification.NewStore(db), natsClient)
	if err := natsClient.SubscribeMessageCreated(notifier.QueueGroup, svc.HandleMessageCreated); err != nil {
		log.WithError(err).Fatal("failed to subscribe to message.created")
	}

	log.WithFields(logrus.Fields{
		"nats_url": natsConfig.URL,
		"queue":    notifier.QueueGroup,
	}).Info("notifier running")

	// Graceful shutdown.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	log.WithField("signal", sig.String()).Info("shutting down")

	natsClient.Close()
	if err := db.Close(); err != nil {
		log.WithError(err).Warn("database close error")
	}
}
