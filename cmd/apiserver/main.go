// cmd/apiserver/main.go
package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/fleetware/controlplane/pkg/api"
	"github.com/fleetware/controlplane/pkg/command"
	"github.com/fleetware/controlplane/pkg/config"
	"github.com/fleetware/controlplane/pkg/persistence"
	"github.com/fleetware/controlplane/pkg/sweeper"
	"github.com/fleetware/controlplane/pkg/transport"
	"github.com/fleetware/controlplane/pkg/twin"
)

func main() {
	configPath := flag.String("config", "", "path to YAML config file (optional)")
	flag.Parse()

	log := logrus.New()
	log.SetFormatter(&logrus.JSONFormatter{})

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.WithError(err).Fatal("failed to load configuration")
	}
	if level, err := logrus.ParseLevel(cfg.LogLevel); err == nil {
		log.SetLevel(level)
	}

	initCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	// --- Storage ---
	var store persistence.Store
	switch cfg.StoreBackend {
	case "memory":
		log.Warn("using in-memory store, data is not durable")
		store = persistence.NewMemoryStore()
	default:
		pgStore, err := persistence.NewPostgresStore(initCtx, cfg.DatabaseDSN, log)
		if err != nil {
			log.WithError(err).Fatal("failed to initialize database connection")
		}
		store = pgStore
	}
	defer store.Close()

	// --- Transport ---
	var publisher transport.Publisher
	var mqttClient *transport.MQTTClient
	if cfg.MQTT.BrokerURL != "" {
		mqttClient, err = transport.NewMQTTClient(transport.MQTTOptions{
			BrokerURL:      cfg.MQTT.BrokerURL,
			ClientID:       cfg.MQTT.ClientID,
			Username:       cfg.MQTT.Username,
			Password:       cfg.MQTT.Password,
			PublishTimeout: cfg.MQTT.PublishTimeout,
		}, log)
		if err != nil {
			log.WithError(err).Fatal("failed to connect to mqtt broker")
		}
		defer mqttClient.Disconnect()
		publisher = mqttClient
	} else {
		log.Warn("no mqtt broker configured, commands will never be published")
	}

	// --- Services ---
	twinService := twin.NewService(store, store, publisher, cfg.StalenessWindow, log)
	commandService := command.NewService(store, store, publisher, log)

	if mqttClient != nil {
		ackConsumer := command.NewAckConsumer(commandService, log)
		if err := ackConsumer.Start(mqttClient); err != nil {
			log.WithError(err).Fatal("failed to subscribe to ack topic")
		}
	}

	// --- Background sweep ---
	sweepCtx, stopSweep := context.WithCancel(context.Background())
	defer stopSweep()
	sw := sweeper.New(commandService, cfg.SweepInterval, log)
	go sw.Start(sweepCtx)

	// --- HTTP server ---
	handler := api.NewAPI(twinService, commandService, store, log)
	server := &http.Server{
		Addr:         ":" + cfg.APIPort,
		Handler:      handler.Router(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	serverErrors := make(chan error, 1)
	go func() {
		log.WithField("port", cfg.APIPort).Info("control plane listening")
		serverErrors <- server.ListenAndServe()
	}()

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-serverErrors:
		if err != http.ErrServerClosed {
			log.WithError(err).Fatal("server error")
		}
	case sig := <-shutdown:
		log.WithField("signal", sig.String()).Info("shutdown signal received")

		stopSweep()

		shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancelShutdown()
		if err := server.Shutdown(shutdownCtx); err != nil {
			log.WithError(err).Error("graceful server shutdown failed")
			if closeErr := server.Close(); closeErr != nil {
				log.WithError(closeErr).Error("server close failed")
			}
		}
	}

	log.Info("shutdown complete")
}
