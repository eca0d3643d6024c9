package mqtt

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"

	"healthsense/internal/config"
	"healthsense/internal/logger"
	"healthsense/internal/metrics"
	"healthsense/internal/models"
)

// Submitter runs a decoded device submission through the pipeline
type Submitter interface {
	Submit(ctx context.Context, source string, in *models.ReadingInput) (models.Bundle, error)
}

// Subscriber ingests readings published by devices to an MQTT topic
// filter such as healthsense/devices/+/readings. When a payload has no
// device_id, the segment matched by the single-level wildcard is used.
type Subscriber struct {
	cfg       config.MQTTConfig
	submitter Submitter
	client    paho.Client
	ctx       context.Context
}

// NewSubscriber creates a subscriber. Start connects it.
func NewSubscriber(cfg config.MQTTConfig, submitter Submitter) (*Subscriber, error) {
	if cfg.Broker == "" {
		return nil, errors.New("mqtt broker is required")
	}
	if cfg.Topic == "" {
		return nil, errors.New("mqtt topic is required")
	}
	if cfg.QoS > 2 {
		return nil, fmt.Errorf("invalid mqtt qos %d", cfg.QoS)
	}
	return &Subscriber{cfg: cfg, submitter: submitter, ctx: context.Background()}, nil
}

// Start connects to the broker and subscribes. The subscription is
// restored on every reconnect.
func (s *Subscriber) Start(ctx context.Context) error {
	log := logger.WithComponent("mqtt")
	s.ctx = ctx

	opts := paho.NewClientOptions()
	opts.AddBroker(s.cfg.Broker)
	opts.SetClientID(s.cfg.ClientID)
	if s.cfg.Username != "" {
		opts.SetUsername(s.cfg.Username)
	}
	if s.cfg.Password != "" {
		opts.SetPassword(s.cfg.Password)
	}
	opts.SetAutoReconnect(true)
	opts.SetCleanSession(true)
	opts.SetConnectionLostHandler(func(_ paho.Client, err error) {
		log.Warn().Err(err).Msg("mqtt connection lost")
	})
	opts.SetOnConnectHandler(func(c paho.Client) {
		token := c.Subscribe(s.cfg.Topic, s.cfg.QoS, s.onMessage)
		if token.WaitTimeout(10*time.Second) && token.Error() != nil {
			log.Error().Err(token.Error()).Str("topic", s.cfg.Topic).Msg("mqtt subscribe failed")
			return
		}
		log.Info().Str("topic", s.cfg.Topic).Uint8("qos", s.cfg.QoS).Msg("mqtt subscribed")
	})

	s.client = paho.NewClient(opts)
	token := s.client.Connect()
	if !token.WaitTimeout(30 * time.Second) {
		return fmt.Errorf("connect to mqtt broker %s: timeout", s.cfg.Broker)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("connect to mqtt broker %s: %w", s.cfg.Broker, err)
	}
	return nil
}

// Stop unsubscribes and disconnects
func (s *Subscriber) Stop() {
	if s.client == nil || !s.client.IsConnected() {
		return
	}
	s.client.Unsubscribe(s.cfg.Topic).WaitTimeout(time.Second)
	s.client.Disconnect(250)
}

func (s *Subscriber) onMessage(_ paho.Client, msg paho.Message) {
	s.HandleMessage(s.ctx, msg.Topic(), msg.Payload())
}

// HandleMessage ingests one payload received on topic and reports whether
// it was accepted
func (s *Subscriber) HandleMessage(ctx context.Context, topic string, payload []byte) bool {
	log := logger.WithComponent("mqtt")

	in, err := models.ParseReadingInput(payload)
	if err == nil {
		if strings.TrimSpace(in.DeviceID) == "" {
			in.DeviceID = DeviceFromTopic(s.cfg.Topic, topic)
		}
		var bundle models.Bundle
		bundle, err = s.submitter.Submit(ctx, "mqtt", in)
		if err == nil {
			metrics.SourceMessagesTotal.WithLabelValues("mqtt", "ok").Inc()
			log.Debug().
				Str("topic", topic).
				Str("reading_id", bundle.Reading.ID).
				Str("device_id", bundle.Reading.DeviceID).
				Msg("mqtt message ingested")
			return true
		}
	}

	status := "failed"
	if models.IsValidation(err) {
		status = "invalid"
	}
	metrics.SourceMessagesTotal.WithLabelValues("mqtt", status).Inc()
	log.Warn().Err(err).Str("topic", topic).Msg("mqtt message rejected")
	return false
}

// DeviceFromTopic returns the topic level matched by the first "+" in
// filter, or "" when there is none.
func DeviceFromTopic(filter, topic string) string {
	f := strings.Split(filter, "/")
	t := strings.Split(topic, "/")
	for i, level := range f {
		if level == "+" && i < len(t) {
			return t[i]
		}
		if level == "#" {
			return ""
		}
	}
	return ""
}
