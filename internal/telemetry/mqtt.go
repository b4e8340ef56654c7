// Package telemetry publishes query results and failures to an MQTT broker.
package telemetry

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/rs/zerolog"

	"github.com/energizer-project/querycache/internal/config"
	"github.com/energizer-project/querycache/internal/events"
	"github.com/energizer-project/querycache/internal/util"
)

// Topic suffixes, appended to the configured prefix.
const (
	TopicQueryRules  = "query/rules"
	TopicQueryErrors = "query/errors"
	TopicSnapshots   = "history/snapshots"
	TopicAdmin       = "admin"
)

// MQTTHandler forwards bus events to MQTT topics.
type MQTTHandler struct {
	cfg      config.MQTTConfig
	eventBus *events.EventBus
	client   mqtt.Client
	logger   zerolog.Logger

	// Included in every message
	metadata map[string]interface{}
}

// NewMQTTHandler creates a handler from the mqtt section of cfg.
func NewMQTTHandler(cfg *config.Config, eventBus *events.EventBus, version string) (*MQTTHandler, error) {
	mqttCfg := cfg.GetMQTT()
	if !mqttCfg.Enabled {
		return nil, fmt.Errorf("MQTT is disabled")
	}

	sysInfo := util.GetSystemInfo()
	h := &MQTTHandler{
		cfg:      mqttCfg,
		eventBus: eventBus,
		logger:   util.ComponentLogger("mqtt"),
		metadata: map[string]interface{}{
			"hostname":    sysInfo.Hostname,
			"os":          sysInfo.OS,
			"app_version": version,
		},
	}

	scheme := "tcp"
	if mqttCfg.UseTLS {
		scheme = "ssl"
	}

	opts := mqtt.NewClientOptions()
	opts.AddBroker(fmt.Sprintf("%s://%s:%d", scheme, mqttCfg.BrokerURL, mqttCfg.Port))
	if mqttCfg.ClientID != "" {
		opts.SetClientID(mqttCfg.ClientID)
	} else {
		opts.SetClientID(fmt.Sprintf("querycache-%s", sysInfo.Hostname))
	}
	opts.SetAutoReconnect(true)
	opts.SetMaxReconnectInterval(30 * time.Second)
	opts.SetKeepAlive(60 * time.Second)
	opts.SetCleanSession(false)

	if mqttCfg.UseTLS {
		tlsConfig := &tls.Config{MinVersion: tls.VersionTLS12}
		if mqttCfg.CertFile != "" && mqttCfg.KeyFile != "" {
			cert, err := tls.LoadX509KeyPair(mqttCfg.CertFile, mqttCfg.KeyFile)
			if err != nil {
				return nil, fmt.Errorf("failed to load MQTT TLS certificate: %w", err)
			}
			tlsConfig.Certificates = []tls.Certificate{cert}
		}
		opts.SetTLSConfig(tlsConfig)
	}

	opts.SetOnConnectHandler(func(client mqtt.Client) {
		h.logger.Info().Msg("MQTT connected")
	})
	opts.SetConnectionLostHandler(func(client mqtt.Client, err error) {
		h.logger.Warn().Err(err).Msg("MQTT connection lost")
	})

	h.client = mqtt.NewClient(opts)
	return h, nil
}

// Start connects to the broker, forwards events and blocks until ctx is done.
func (h *MQTTHandler) Start(ctx context.Context) error {
	h.logger.Info().
		Str("broker", h.cfg.BrokerURL).
		Int("port", h.cfg.Port).
		Msg("connecting to MQTT broker")

	token := h.client.Connect()
	if token.Wait() && token.Error() != nil {
		return fmt.Errorf("MQTT connect failed: %w", token.Error())
	}

	h.subscribeEvents()
	defer h.unsubscribeEvents()

	<-ctx.Done()

	h.PublishShutdown()
	h.client.Disconnect(5000)
	h.logger.Info().Msg("MQTT disconnected")
	return nil
}

func (h *MQTTHandler) subscribeEvents() {
	h.eventBus.Subscribe(events.EventRulesDecoded, "mqtt.rulesDecoded", h.onRulesDecoded)
	h.eventBus.Subscribe(events.EventQueryFailed, "mqtt.queryFailed", h.onQueryFailed)
	h.eventBus.Subscribe(events.EventSnapshotSaved, "mqtt.snapshotSaved", h.onSnapshotSaved)
}

func (h *MQTTHandler) unsubscribeEvents() {
	h.eventBus.Unsubscribe(events.EventRulesDecoded, "mqtt.rulesDecoded")
	h.eventBus.Unsubscribe(events.EventQueryFailed, "mqtt.queryFailed")
	h.eventBus.Unsubscribe(events.EventSnapshotSaved, "mqtt.snapshotSaved")
}

// topic joins the configured prefix and a suffix.
func (h *MQTTHandler) topic(suffix string) string {
	prefix := strings.Trim(h.cfg.TopicPrefix, "/")
	if prefix == "" {
		return suffix
	}
	return prefix + "/" + suffix
}

// publish sends a JSON message at QoS 1.
func (h *MQTTHandler) publish(suffix string, event events.Event) {
	if !h.client.IsConnected() {
		return
	}

	topic := h.topic(suffix)
	data, err := json.Marshal(h.buildMessage(event))
	if err != nil {
		h.logger.Warn().Err(err).Str("topic", topic).Msg("failed to marshal MQTT message")
		return
	}

	token := h.client.Publish(topic, 1, false, data)
	go func() {
		token.Wait()
		if token.Error() != nil {
			h.logger.Warn().Err(token.Error()).Str("topic", topic).Msg("MQTT publish failed")
		}
	}()
}

// buildMessage combines metadata with the event.
func (h *MQTTHandler) buildMessage(event events.Event) map[string]interface{} {
	msg := make(map[string]interface{}, len(h.metadata)+3)
	for k, v := range h.metadata {
		msg[k] = v
	}

	ts := event.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}
	msg["event"] = string(event.Type)
	msg["payload"] = event.Payload
	msg["timestamp"] = ts.UTC().Format(time.RFC3339)
	return msg
}

func (h *MQTTHandler) onRulesDecoded(ctx context.Context, event events.Event) error {
	h.publish(TopicQueryRules, event)
	return nil
}

func (h *MQTTHandler) onQueryFailed(ctx context.Context, event events.Event) error {
	h.publish(TopicQueryErrors, event)
	return nil
}

func (h *MQTTHandler) onSnapshotSaved(ctx context.Context, event events.Event) error {
	h.publish(TopicSnapshots, event)
	return nil
}

// PublishShutdown sends a shutdown message to the admin topic.
func (h *MQTTHandler) PublishShutdown() {
	h.publish(TopicAdmin, events.Event{Type: events.EventShutdown, Source: "mqtt"})
}
