package main

import (
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/benmeehan/boxrelay/internal/auth"
	"github.com/benmeehan/boxrelay/internal/metrics_collectors"
	"github.com/benmeehan/boxrelay/internal/registry"
	"github.com/benmeehan/boxrelay/internal/service_registry"
	"github.com/benmeehan/boxrelay/internal/store"
	"github.com/benmeehan/boxrelay/internal/utils"
	"github.com/benmeehan/boxrelay/pkg/file"
	"github.com/benmeehan/boxrelay/pkg/mqtt"
	"github.com/google/uuid"
	"github.com/spf13/cobra"
)

const metricsTimeout = 2 * time.Second

func newRunCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run the relay in the foreground until SIGINT or SIGTERM",
		RunE:  runRelay,
	}
}

func runRelay(cmd *cobra.Command, _ []string) error {
	config, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	logger := utils.NewLogger(config.Logging.Level, config.Logging.Pretty)
	fileClient := file.NewFileService()

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	st, err := openStore(ctx, config, fileClient)
	if err != nil {
		logger.Error().Err(err).Msg("Failed to initialize storage")
		return err
	}
	defer func() {
		if err := st.Close(); err != nil {
			logger.Warn().Err(err).Msg("Failed to close storage")
		}
	}()

	authenticator, err := auth.NewAuthenticator(st, config.Relay.MinAgentVersion, logger)
	if err != nil {
		logger.Error().Err(err).Msg("Failed to create authenticator")
		return err
	}
	reg := registry.NewRegistry(config.Relay.MaxConnectionsPerCustomer, logger)

	dataPath := "."
	if config.Storage.Driver == store.DriverSQLite {
		dataPath = filepath.Dir(config.Storage.SQLitePath)
	}
	metrics := metrics_collectors.NewRelayMetrics(reg, dataPath, metricsTimeout, logger)

	var mqttClient mqtt.MQTTClient
	if config.Presence.Enabled {
		// Unique per process so two relays never kick each other off the broker
		clientID := config.Presence.ClientID + "-" + uuid.NewString()
		mqttService := mqtt.NewMqttService(fileClient)
		if err := mqttService.Initialize(config.Presence.Broker, clientID, config.Presence.CACertificate); err != nil {
			logger.Error().Err(err).Str("broker", config.Presence.Broker).Msg("Failed to initialize MQTT connection")
			return err
		}
		logger.Info().Str("client_id", clientID).Msg("Connected to MQTT broker")
		mqttClient = mqttService
	}

	serviceRegistry := service_registry.NewServiceRegistry(st, authenticator, reg, mqttClient, metrics, logger)
	if err := serviceRegistry.RegisterServices(config); err != nil {
		return err
	}
	if err := serviceRegistry.StartServices(); err != nil {
		return err
	}
	logger.Info().Str("addr", serviceRegistry.Relay.Addr().String()).Msg("All services started successfully")

	<-ctx.Done()
	logger.Info().Msg("Shutting down gracefully...")
	return serviceRegistry.StopServices()
}
