package broadcast

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"healthsense/internal/logger"
	"healthsense/internal/metrics"
	"healthsense/internal/models"
)

// Relay shares ingestion events between service replicas over Redis pub/sub.
// Local envelopes are published to the channel; envelopes from other nodes
// are re-broadcast to the local hub.
type Relay struct {
	client  redis.UniversalClient
	channel string
	nodeID  string
	hub     *Hub

	out   chan []byte
	ready chan struct{}
	once  sync.Once
}

// NewRelay creates a relay. bufferSize bounds envelopes waiting to be sent.
func NewRelay(client redis.UniversalClient, channel, nodeID string, hub *Hub, bufferSize int) *Relay {
	if bufferSize <= 0 {
		bufferSize = 256
	}
	return &Relay{
		client:  client,
		channel: channel,
		nodeID:  nodeID,
		hub:     hub,
		out:     make(chan []byte, bufferSize),
		ready:   make(chan struct{}),
	}
}

// Publish implements pipeline.Publisher. Envelopes from other nodes are
// ignored so relayed events are never echoed back.
func (r *Relay) Publish(env *models.Envelope) {
	if env.OriginNode != r.nodeID {
		return
	}
	data, err := json.Marshal(env)
	if err != nil {
		logger.WithComponent("relay").Error().Err(err).Msg("failed to encode envelope")
		return
	}

	select {
	case r.out <- data:
	default:
		metrics.BroadcastDroppedTotal.WithLabelValues("relay_full").Inc()
		logger.WithComponent("relay").Warn().
			Str("reading_id", env.Data.Reading.ID).
			Msg("relay queue full, envelope dropped")
	}
}

// Ready is closed once the relay is subscribed
func (r *Relay) Ready() <-chan struct{} { return r.ready }

// Run subscribes and relays until ctx is cancelled.
func (r *Relay) Run(ctx context.Context) error {
	log := logger.WithComponent("relay")

	pubsub := r.client.Subscribe(ctx, r.channel)
	defer pubsub.Close()

	// wait for the subscription to be confirmed
	if _, err := pubsub.Receive(ctx); err != nil {
		return fmt.Errorf("subscribe %s: %w", r.channel, err)
	}
	r.once.Do(func() { close(r.ready) })

	log.Info().
		Str("channel", r.channel).
		Str("node_id", r.nodeID).
		Msg("broadcast relay subscribed")

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		r.sendLoop(ctx)
	}()
	defer wg.Wait()

	messages := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-messages:
			if !ok {
				return nil
			}
			r.deliver(msg.Payload)
		}
	}
}

func (r *Relay) sendLoop(ctx context.Context) {
	log := logger.WithComponent("relay")
	for {
		select {
		case <-ctx.Done():
			return
		case data := <-r.out:
			pubCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
			err := r.client.Publish(pubCtx, r.channel, data).Err()
			cancel()
			if err != nil {
				metrics.RelayMessagesTotal.WithLabelValues("out", "failed").Inc()
				log.Warn().Err(err).Msg("relay publish failed")
				continue
			}
			metrics.RelayMessagesTotal.WithLabelValues("out", "ok").Inc()
		}
	}
}

func (r *Relay) deliver(payload string) {
	var env models.Envelope
	if err := json.Unmarshal([]byte(payload), &env); err != nil {
		metrics.RelayMessagesTotal.WithLabelValues("in", "invalid").Inc()
		logger.WithComponent("relay").Warn().Err(err).Msg("ignoring malformed relay message")
		return
	}
	if env.OriginNode == r.nodeID {
		return
	}
	metrics.RelayMessagesTotal.WithLabelValues("in", "ok").Inc()
	r.hub.Publish(&env)
}
