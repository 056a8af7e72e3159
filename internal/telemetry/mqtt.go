// Package telemetry publishes chat server activity to an MQTT broker and
// exposes Prometheus metrics.
package telemetry

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/rs/zerolog/log"

	"github.com/energizer-project/groupchat/internal/config"
	"github.com/energizer-project/groupchat/internal/events"
	"github.com/energizer-project/groupchat/internal/server"
	"github.com/energizer-project/groupchat/internal/util"
)

// Topic suffixes below the configured prefix.
const (
	TopicRoster = "roster"
	TopicGroups = "groups"
	TopicServer = "server"
)

const statusInterval = 30 * time.Second

// StatusSource provides the periodic server status.
type StatusSource interface {
	Snapshot() *server.Snapshot
	Stats() server.Stats
	QueueDepth() int
}

// MQTTHandler publishes roster and group events to an MQTT broker.
type MQTTHandler struct {
	cfg      config.MQTTConfig
	eventBus *events.EventBus
	source   StatusSource
	client   mqtt.Client

	// Metadata included in every message
	metadata map[string]interface{}
}

// NewMQTTHandler creates a new MQTT telemetry handler. source may be nil,
// which disables the periodic status message.
func NewMQTTHandler(cfg config.MQTTConfig, eventBus *events.EventBus, source StatusSource) (*MQTTHandler, error) {
	if !cfg.Enabled {
		return nil, fmt.Errorf("MQTT is disabled")
	}

	sysInfo := util.GetSystemInfo()
	handler := &MQTTHandler{
		cfg:      cfg,
		eventBus: eventBus,
		source:   source,
		metadata: map[string]interface{}{
			"hostname":    sysInfo.Hostname,
			"os":          sysInfo.OS,
			"cpu_cores":   sysInfo.CPUCores,
			"app_version": "1.0.0",
		},
	}

	scheme := "tcp"
	if cfg.UseTLS {
		scheme = "ssl"
	}
	opts := mqtt.NewClientOptions()
	opts.AddBroker(fmt.Sprintf("%s://%s:%d", scheme, cfg.BrokerURL, cfg.Port))

	if cfg.ClientID != "" {
		opts.SetClientID(cfg.ClientID)
	} else {
		opts.SetClientID(fmt.Sprintf("groupchat-%s", sysInfo.Hostname))
	}

	opts.SetAutoReconnect(true)
	opts.SetMaxReconnectInterval(30 * time.Second)
	opts.SetKeepAlive(60 * time.Second)
	opts.SetCleanSession(false)

	if cfg.UseTLS {
		tlsConfig := &tls.Config{
			MinVersion: tls.VersionTLS12,
		}
		// mTLS
		if cfg.CertFile != "" && cfg.KeyFile != "" {
			cert, err := tls.LoadX509KeyPair(cfg.CertFile, cfg.KeyFile)
			if err != nil {
				return nil, fmt.Errorf("failed to load MQTT TLS certificate: %w", err)
			}
			tlsConfig.Certificates = []tls.Certificate{cert}
		}
		opts.SetTLSConfig(tlsConfig)
	}

	opts.SetOnConnectHandler(func(client mqtt.Client) {
		log.Info().Msg("MQTT connected")
	})
	opts.SetConnectionLostHandler(func(client mqtt.Client, err error) {
		log.Warn().Err(err).Msg("MQTT connection lost")
	})

	handler.client = mqtt.NewClient(opts)
	return handler, nil
}

// Start connects to the broker, subscribes to bus events and publishes a
// status message periodically until ctx is cancelled.
func (h *MQTTHandler) Start(ctx context.Context) error {
	log.Info().
		Str("broker", h.cfg.BrokerURL).
		Int("port", h.cfg.Port).
		Msg("connecting to MQTT broker")

	token := h.client.Connect()
	if token.Wait() && token.Error() != nil {
		return fmt.Errorf("MQTT connect failed: %w", token.Error())
	}

	h.subscribeEvents()
	defer h.eventBus.Unsubscribe("mqtt")

	ticker := time.NewTicker(statusInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			h.PublishShutdown()
			h.client.Disconnect(5000)
			log.Info().Msg("MQTT disconnected")
			return nil
		case <-ticker.C:
			h.PublishStatus()
		}
	}
}

func (h *MQTTHandler) subscribeEvents() {
	h.eventBus.Subscribe("mqtt", h.onEvent,
		events.EventClientConnected,
		events.EventClientDisconnected,
		events.EventClientExpired,
		events.EventConnectionRejected,
		events.EventGroupCreated,
		events.EventGroupJoined,
		events.EventGroupLeft,
		events.EventInvitationRefused,
		events.EventGroupAbandoned,
		events.EventGroupDissolved,
	)
}

// topicFor maps an event to its topic suffix.
func topicFor(t events.EventType) string {
	switch t {
	case events.EventClientConnected, events.EventClientDisconnected,
		events.EventClientExpired, events.EventConnectionRejected:
		return TopicRoster
	case events.EventGroupCreated, events.EventGroupJoined, events.EventGroupLeft,
		events.EventInvitationRefused, events.EventGroupAbandoned, events.EventGroupDissolved:
		return TopicGroups
	}
	return TopicServer
}

func (h *MQTTHandler) topic(suffix string) string {
	if h.cfg.TopicPrefix == "" {
		return suffix
	}
	return h.cfg.TopicPrefix + "/" + suffix
}

func (h *MQTTHandler) onEvent(ctx context.Context, event events.Event) error {
	h.publish(h.topic(topicFor(event.Type)), map[string]interface{}{
		"event":   string(event.Type),
		"payload": event.Payload,
	})
	return nil
}

// publish sends a JSON message to an MQTT topic.
func (h *MQTTHandler) publish(topic string, payload interface{}) {
	if !h.client.IsConnected() {
		return
	}

	data, err := json.Marshal(h.buildMessage(payload))
	if err != nil {
		log.Warn().Err(err).Str("topic", topic).Msg("failed to marshal MQTT message")
		return
	}

	token := h.client.Publish(topic, 1, false, data) // QoS 1
	go func() {
		token.Wait()
		if token.Error() != nil {
			log.Warn().Err(token.Error()).Str("topic", topic).Msg("MQTT publish failed")
		}
	}()
}

// buildMessage combines metadata with the event payload.
func (h *MQTTHandler) buildMessage(payload interface{}) map[string]interface{} {
	msg := make(map[string]interface{}, len(h.metadata)+2)
	for k, v := range h.metadata {
		msg[k] = v
	}
	msg["payload"] = payload
	msg["timestamp"] = time.Now().UTC().Format(time.RFC3339)
	return msg
}

// PublishStatus sends the current roster and traffic counters.
func (h *MQTTHandler) PublishStatus() {
	if h.source == nil {
		return
	}
	snap := h.source.Snapshot()
	h.publish(h.topic(TopicServer), map[string]interface{}{
		"event":       "status",
		"clients":     len(snap.Clients),
		"connected":   snap.ConnectedCount(),
		"groups":      len(snap.Groups),
		"capacity":    snap.Capacity,
		"queue_depth": h.source.QueueDepth(),
		"traffic":     h.source.Stats(),
	})
}

// PublishShutdown sends a shutdown message to the MQTT broker.
func (h *MQTTHandler) PublishShutdown() {
	h.publish(h.topic(TopicServer), map[string]interface{}{
		"event": "shutdown",
	})
}
