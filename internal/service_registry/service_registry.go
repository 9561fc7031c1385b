package service_registry

import (
	"errors"
	"fmt"

	"github.com/benmeehan/boxrelay/internal/auth"
	"github.com/benmeehan/boxrelay/internal/metrics_collectors"
	"github.com/benmeehan/boxrelay/internal/registry"
	"github.com/benmeehan/boxrelay/internal/services"
	"github.com/benmeehan/boxrelay/internal/store"
	"github.com/benmeehan/boxrelay/internal/utils"
	"github.com/benmeehan/boxrelay/pkg/mqtt"
	"github.com/rs/zerolog"
)

// Service is anything with a Start/Stop lifecycle.
type Service interface {
	Start() error
	Stop() error
}

// ServiceRegistry manages the lifecycle of various services in the system.
type ServiceRegistry struct {
	services    map[string]Service // Stores registered services
	serviceKeys []string           // Maintains order of service registration
	store       store.Store
	auth        *auth.Authenticator
	registry    *registry.Registry
	mqttClient  mqtt.MQTTClient // nil disables presence
	metrics     *metrics_collectors.MetricsRegistry
	Logger      zerolog.Logger

	Relay    *services.RelayService
	Executor *services.CommandExecutor
}

// NewServiceRegistry initializes a new service registry with dependencies.
func NewServiceRegistry(st store.Store, authenticator *auth.Authenticator, reg *registry.Registry, mqttClient mqtt.MQTTClient,
	metrics *metrics_collectors.MetricsRegistry, logger zerolog.Logger) *ServiceRegistry {
	return &ServiceRegistry{
		services:   make(map[string]Service),
		store:      st,
		auth:       authenticator,
		registry:   reg,
		mqttClient: mqttClient,
		metrics:    metrics,
		Logger:     logger,
	}
}

// RegisterService adds a new service to the registry.
func (sr *ServiceRegistry) RegisterService(name string, svc Service) {
	if _, exists := sr.services[name]; exists {
		sr.Logger.Warn().Msgf("Service %s is already registered", name)
		return
	}
	sr.services[name] = svc
	sr.serviceKeys = append(sr.serviceKeys, name)
	sr.Logger.Info().Msgf("Registered service: %s", name)
}

// Names returns the registered service names in start order.
func (sr *ServiceRegistry) Names() []string {
	return append([]string(nil), sr.serviceKeys...)
}

// StartServices initiates all registered services in order.
// If a service fails to start, it stops already started services.
func (sr *ServiceRegistry) StartServices() error {
	startedServices := []string{}

	for _, name := range sr.serviceKeys {
		svc := sr.services[name]
		sr.Logger.Info().Msgf("Starting service: %s", name)
		if err := svc.Start(); err != nil {
			sr.Logger.Error().Err(err).Msgf("Failed to start service: %s", name)

			// Stop already started services before returning
			sr.Logger.Warn().Msg("Stopping already started services due to startup failure...")
			for i := len(startedServices) - 1; i >= 0; i-- {
				_ = sr.services[startedServices[i]].Stop()
			}
			return fmt.Errorf("failed to start %s: %w", name, err)
		}
		startedServices = append(startedServices, name)
	}

	return nil
}

// StopServices stops all services in reverse order.
func (sr *ServiceRegistry) StopServices() error {
	var stopErrors []error
	for i := len(sr.serviceKeys) - 1; i >= 0; i-- {
		name := sr.serviceKeys[i]
		if err := sr.services[name].Stop(); err != nil {
			stopErrors = append(stopErrors, fmt.Errorf("failed to stop %s: %w", name, err))
		}
	}
	if len(stopErrors) > 0 {
		for _, e := range stopErrors {
			sr.Logger.Error().Err(e).Msg("Service stop failure")
		}
		return errors.Join(stopErrors...)
	}
	return nil
}

// RegisterServices builds the relay services from configuration. The relay is
// registered after the executor and presence so it stops before them: pending
// commands are rejected before the audit queue drains and the final offline
// events are published.
func (sr *ServiceRegistry) RegisterServices(config *utils.Config) error {
	// Ordered service definitions with inline constructors
	servicesInOrder := []struct {
		name        string
		enabled     bool
		constructor func() (Service, error)
	}{
		{
			name:    "executor",
			enabled: true,
			constructor: func() (Service, error) {
				sr.Executor = services.NewCommandExecutor(
					sr.registry,
					sr.store,
					utils.Millis(config.Relay.CommandTimeoutMs),
					config.Audit.Workers,
					config.Audit.QueueSize,
					sr.Logger,
				)
				return sr.Executor, nil
			},
		},
		{
			name:    "presence",
			enabled: config.Presence.Enabled,
			constructor: func() (Service, error) {
				if sr.mqttClient == nil {
					return nil, errors.New("presence is enabled but no MQTT client was provided")
				}
				return services.NewPresenceService(
					config.Presence.Topic,
					config.Presence.QOS,
					sr.registry,
					sr.mqttClient,
					sr.Logger,
				), nil
			},
		},
		{
			name:    "relay",
			enabled: true,
			constructor: func() (Service, error) {
				sr.Relay = services.NewRelayService(
					services.RelayOptionsFromConfig(config),
					sr.auth,
					sr.registry,
					sr.store,
					sr.store.Driver(),
					sr.metrics,
					sr.Logger,
				)
				return sr.Relay, nil
			},
		},
		{
			name:    "stats",
			enabled: config.Stats.Enabled,
			constructor: func() (Service, error) {
				var pendingAuth func() int
				if sr.Relay != nil {
					pendingAuth = sr.Relay.PendingAuthCount
				}
				return services.NewStatsService(
					utils.Millis(config.Stats.IntervalMs),
					sr.registry,
					pendingAuth,
					sr.Logger,
				), nil
			},
		},
	}

	// Register services in the predefined order
	registeredServices := []string{}
	for _, svc := range servicesInOrder {
		if svc.enabled {
			serviceInstance, err := svc.constructor()
			if err != nil {
				sr.Logger.Error().Err(err).Msgf("Failed to create %s service", svc.name)
				return err
			}
			sr.RegisterService(svc.name, serviceInstance)
			registeredServices = append(registeredServices, svc.name)
		}
	}

	sr.Logger.Info().Msgf("Registered services in order: %v", registeredServices)
	return nil
}
