package services

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/benmeehan/boxrelay/internal/constants"
	"github.com/benmeehan/boxrelay/internal/models"
	"github.com/benmeehan/boxrelay/internal/registry"
	"github.com/benmeehan/boxrelay/pkg/mqtt"
	"github.com/rs/zerolog"
)

const (
	presenceQueueSize      = 256
	presencePublishTimeout = 5 * time.Second
)

// PresenceService publishes box online/offline events over MQTT. It observes
// the registry and never blocks it: events are queued and dropped when full.
type PresenceService struct {
	topic      string
	qos        int
	registry   *registry.Registry
	mqttClient mqtt.MQTTClient
	logger     zerolog.Logger

	events      chan models.PresenceEvent
	unsubscribe func()
	ctx         context.Context
	cancel      context.CancelFunc
	wg          sync.WaitGroup
}

// NewPresenceService initializes a new PresenceService.
func NewPresenceService(topic string, qos int, reg *registry.Registry, mqttClient mqtt.MQTTClient, logger zerolog.Logger) *PresenceService {
	return &PresenceService{
		topic:      topic,
		qos:        qos,
		registry:   reg,
		mqttClient: mqttClient,
		logger:     logger.With().Str("component", "presence").Logger(),
	}
}

// Start subscribes to the registry and launches the publish loop.
func (p *PresenceService) Start() error {
	if p.ctx != nil {
		p.logger.Warn().Msg("PresenceService is already running")
		return errors.New("presence service is already running")
	}

	p.ctx, p.cancel = context.WithCancel(context.Background())
	p.events = make(chan models.PresenceEvent, presenceQueueSize)

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		p.runPublishLoop()
	}()
	p.unsubscribe = p.registry.Subscribe(p)

	p.logger.Info().Str("topic", p.topic).Msg("PresenceService started successfully")
	return nil
}

// Stop unsubscribes, flushes queued events and disconnects from the broker.
func (p *PresenceService) Stop() error {
	if p.ctx == nil {
		p.logger.Warn().Msg("PresenceService is not running")
		return errors.New("presence service is not running")
	}

	p.unsubscribe()
	p.cancel()
	p.wg.Wait()
	p.mqttClient.Disconnect(250)

	p.ctx = nil
	p.cancel = nil
	p.logger.Info().Msg("PresenceService stopped successfully")
	return nil
}

// OnConnect implements registry.Observer.
func (p *PresenceService) OnConnect(conn *registry.Connection) {
	p.enqueue(models.PresenceEvent{
		BoxID:      conn.BoxID,
		CustomerID: conn.CustomerID,
		Status:     constants.PresenceOnline,
		Timestamp:  time.Now().UTC(),
	})
}

// OnDisconnect implements registry.Observer.
func (p *PresenceService) OnDisconnect(conn *registry.Connection, reason string) {
	p.enqueue(models.PresenceEvent{
		BoxID:      conn.BoxID,
		CustomerID: conn.CustomerID,
		Status:     constants.PresenceOffline,
		Reason:     reason,
		Timestamp:  time.Now().UTC(),
	})
}

func (p *PresenceService) enqueue(ev models.PresenceEvent) {
	select {
	case p.events <- ev:
	default:
		p.logger.Warn().Str("box_id", ev.BoxID).Str("status", ev.Status).Msg("Presence queue full, dropping event")
	}
}

// Topic returns the topic an event for the given box is published on.
func (p *PresenceService) Topic(customerID, boxID string) string {
	return p.topic + "/" + customerID + "/" + boxID
}

func (p *PresenceService) runPublishLoop() {
	for {
		select {
		case ev := <-p.events:
			p.publish(ev)
		case <-p.ctx.Done():
			for {
				select {
				case ev := <-p.events:
					p.publish(ev)
				default:
					p.logger.Info().Msg("PresenceService stopping gracefully")
					return
				}
			}
		}
	}
}

func (p *PresenceService) publish(ev models.PresenceEvent) {
	payload, err := json.Marshal(ev)
	if err != nil {
		p.logger.Error().Err(err).Msg("Failed to serialize presence event")
		return
	}

	topic := p.Topic(ev.CustomerID, ev.BoxID)
	token := p.mqttClient.Publish(topic, byte(p.qos), true, payload)
	if !token.WaitTimeout(presencePublishTimeout) {
		p.logger.Warn().Str("topic", topic).Msg("Timed out publishing presence event")
		return
	}
	if err := token.Error(); err != nil {
		p.logger.Error().Err(err).Str("topic", topic).Msg("Failed to publish presence event")
		return
	}
	p.logger.Debug().Str("topic", topic).Str("status", ev.Status).Msg("Presence event published")
}
