package broadcast

import (
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"

	"healthsense/internal/logger"
	"healthsense/internal/metrics"
	"healthsense/internal/models"
)

// ErrTooManySubscribers is returned by Subscribe when the hub is full
var ErrTooManySubscribers = errors.New("too many subscribers")

// Frame is what dashboard clients receive
type Frame struct {
	Event string `json:"event"`
	Data  any    `json:"data,omitempty"`
}

// Hub fans published events out to every subscriber. Each subscriber has
// a bounded queue; events for a full queue are dropped, never waited on.
type Hub struct {
	mu        sync.RWMutex
	subs      map[uint64]*Subscriber
	nextID    uint64
	queueSize int
	maxSubs   int

	delivered atomic.Uint64
	dropped   atomic.Uint64
}

// Subscriber is one connected dashboard session
type Subscriber struct {
	id      uint64
	send    chan []byte
	dropped atomic.Uint64
}

// NewHub creates a hub. maxSubs <= 0 means unlimited.
func NewHub(queueSize, maxSubs int) *Hub {
	if queueSize <= 0 {
		queueSize = 64
	}
	return &Hub{
		subs:      make(map[uint64]*Subscriber),
		queueSize: queueSize,
		maxSubs:   maxSubs,
	}
}

// Subscribe registers a new subscriber
func (h *Hub) Subscribe() (*Subscriber, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.maxSubs > 0 && len(h.subs) >= h.maxSubs {
		return nil, ErrTooManySubscribers
	}

	h.nextID++
	s := &Subscriber{
		id:   h.nextID,
		send: make(chan []byte, h.queueSize),
	}
	h.subs[s.id] = s
	metrics.BroadcastSubscribers.Set(float64(len(h.subs)))
	return s, nil
}

// Unsubscribe removes s and closes its queue. Safe to call more than once.
func (h *Hub) Unsubscribe(s *Subscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.subs[s.id]; !ok {
		return
	}
	delete(h.subs, s.id)
	close(s.send)
	metrics.BroadcastSubscribers.Set(float64(len(h.subs)))
}

// Publish implements pipeline.Publisher. The envelope is encoded once and
// offered to every subscriber without blocking.
func (h *Hub) Publish(env *models.Envelope) {
	frame, err := json.Marshal(Frame{Event: env.Event, Data: env.Data})
	if err != nil {
		logger.WithComponent("broadcast").Error().
			Err(err).
			Str("reading_id", env.Data.Reading.ID).
			Msg("failed to encode broadcast frame")
		return
	}
	h.Broadcast(frame)
}

// Broadcast offers an encoded frame to every subscriber
func (h *Hub) Broadcast(frame []byte) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	for _, s := range h.subs {
		if s.offer(frame) {
			h.delivered.Add(1)
			metrics.BroadcastDeliveredTotal.Inc()
			continue
		}
		h.dropped.Add(1)
		metrics.BroadcastDroppedTotal.WithLabelValues("queue_full").Inc()
		logger.WithComponent("broadcast").Warn().
			Uint64("subscriber", s.id).
			Uint64("subscriber_dropped", s.dropped.Load()).
			Msg("subscriber queue full, event dropped")
	}
}

// SendTo offers a frame to one subscriber. It reports false if the
// subscriber is gone or its queue is full.
func (h *Hub) SendTo(s *Subscriber, frame []byte) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()

	if _, ok := h.subs[s.id]; !ok {
		return false
	}
	return s.offer(frame)
}

// Len returns the number of subscribers
func (h *Hub) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}

// Stats holds hub counters
type Stats struct {
	Subscribers int    `json:"subscribers"`
	Delivered   uint64 `json:"delivered"`
	Dropped     uint64 `json:"dropped"`
}

// Stats returns hub counters
func (h *Hub) Stats() Stats {
	return Stats{
		Subscribers: h.Len(),
		Delivered:   h.delivered.Load(),
		Dropped:     h.dropped.Load(),
	}
}

// Queue returns the channel the session drains. It is closed on Unsubscribe.
func (s *Subscriber) Queue() <-chan []byte { return s.send }

// offer enqueues without blocking. Callers hold the hub read lock so the
// channel cannot be closed underneath.
func (s *Subscriber) offer(frame []byte) bool {
	select {
	case s.send <- frame:
		return true
	default:
		s.dropped.Add(1)
		return false
	}
}
