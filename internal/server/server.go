package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"healthsense/internal/broadcast"
	"healthsense/internal/cache"
	"healthsense/internal/config"
	"healthsense/internal/handlers"
	"healthsense/internal/kafka"
	"healthsense/internal/logger"
	"healthsense/internal/metrics"
	"healthsense/internal/middleware"
	"healthsense/internal/mqtt"
	"healthsense/internal/pipeline"
	"healthsense/internal/query"
	"healthsense/internal/scoring"
	"healthsense/internal/storage"
	"healthsense/internal/worker"
)

// Server wires the ingestion pipeline, query service, broadcast hub and
// optional transports behind one HTTP listener.
type Server struct {
	cfg    *config.Config
	nodeID string

	store    storage.Store
	cache    *cache.Cache
	pipeline *pipeline.Pipeline
	query    *query.Service
	hub      *broadcast.Hub

	redis    *redis.Client
	relay    *broadcast.Relay
	producer *kafka.Producer
	pool     *worker.Pool
	consumer *kafka.Consumer
	mqtt     *mqtt.Subscriber

	handler    http.Handler
	httpServer *http.Server
	wg         sync.WaitGroup
}

// New builds every component from cfg. The store schema is created here.
func New(ctx context.Context, cfg *config.Config) (*Server, error) {
	log := logger.WithComponent("server")

	s := &Server{cfg: cfg, nodeID: nodeID(cfg)}

	engine, err := scoring.LoadEngine(cfg.Scoring.ModelPath)
	if err != nil {
		return nil, fmt.Errorf("load scoring models: %w", err)
	}

	s.store, err = storage.New(cfg.Storage)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	initCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	if err := s.store.Init(initCtx); err != nil {
		_ = s.store.Close()
		return nil, fmt.Errorf("init store: %w", err)
	}
	log.Info().Str("driver", cfg.Storage.Driver).Msg("store ready")

	s.cache = cache.New(cfg.Cache.ReadingCapacity, cfg.Cache.PredictionCapacity, cfg.Cache.AlertCapacity)
	s.hub = broadcast.NewHub(cfg.Broadcast.QueueSize, cfg.Broadcast.MaxSubscribers)
	s.query = query.New(s.store, s.cache)
	s.pipeline = pipeline.New(pipeline.Config{
		Store:           s.store,
		Cache:           s.cache,
		Scorer:          engine,
		Publishers:      []pipeline.Publisher{s.hub},
		DefaultDeviceID: cfg.Ingest.DefaultDeviceID,
		NodeID:          s.nodeID,
	})

	if err := s.initOptional(); err != nil {
		s.closeAll()
		return nil, err
	}

	s.handler = s.routes()
	s.httpServer = &http.Server{
		Addr:         cfg.HTTP.Addr,
		Handler:      s.handler,
		ReadTimeout:  cfg.HTTP.ReadTimeout,
		WriteTimeout: cfg.HTTP.WriteTimeout,
		IdleTimeout:  cfg.HTTP.IdleTimeout,
	}
	return s, nil
}

// initOptional sets up the Redis relay, Kafka and MQTT when enabled
func (s *Server) initOptional() error {
	log := logger.WithComponent("server")
	cfg := s.cfg

	if cfg.Redis.Enabled {
		s.redis = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		s.relay = broadcast.NewRelay(s.redis, cfg.Redis.Channel, s.nodeID, s.hub, cfg.Broadcast.QueueSize*4)
		s.pipeline.AddPublisher(s.relay)
		log.Info().Str("addr", cfg.Redis.Addr).Str("channel", cfg.Redis.Channel).Msg("broadcast relay enabled")
	}

	if cfg.Kafka.Producer.Enabled {
		producer, err := kafka.NewProducer(cfg.Kafka.Brokers, cfg.Kafka.Producer)
		if err != nil {
			return fmt.Errorf("kafka producer: %w", err)
		}
		s.producer = producer
		s.pool = worker.NewPool(worker.Config{
			Publisher:    producer,
			QueueSize:    cfg.Kafka.Producer.QueueSize,
			Workers:      cfg.Kafka.Producer.Workers,
			BatchSize:    cfg.Kafka.Producer.BatchSize,
			BatchTimeout: cfg.Kafka.Producer.BatchTimeout,
		})
		s.pipeline.AddPublisher(s.pool)
		log.Info().
			Strs("brokers", cfg.Kafka.Brokers).
			Str("topic", cfg.Kafka.Producer.Topic).
			Str("alert_topic", cfg.Kafka.Producer.AlertTopic).
			Msg("kafka event stream enabled")
	}

	if cfg.Kafka.Consumer.Enabled {
		consumer, err := kafka.NewConsumer(cfg.Kafka.Brokers, cfg.Kafka.Consumer, s.pipeline)
		if err != nil {
			return fmt.Errorf("kafka consumer: %w", err)
		}
		s.consumer = consumer
		log.Info().Str("topic", cfg.Kafka.Consumer.Topic).Msg("kafka ingest enabled")
	}

	if cfg.MQTT.Enabled {
		sub, err := mqtt.NewSubscriber(cfg.MQTT, s.pipeline)
		if err != nil {
			return fmt.Errorf("mqtt: %w", err)
		}
		s.mqtt = sub
	}
	return nil
}

func (s *Server) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recovery)
	r.Use(middleware.Logging)
	r.Use(middleware.CORS(s.cfg.HTTP.CORSOrigins))

	limiter := middleware.NewRateLimiter(s.cfg.HTTP.RateLimit, s.cfg.HTTP.RateBurst, s.cfg.HTTP.TrustedProxies...)

	r.Route("/api", func(r chi.Router) {
		r.Use(limiter.Handler)
		r.Method(http.MethodPost, "/healthdata", handlers.NewHealthDataHandler(s.pipeline, s.cfg.HTTP.MaxBodyBytes))
		handlers.NewAPI(s.query).Routes(r)
	})

	r.Get("/ws", broadcast.Handler(s.hub, broadcast.SessionConfig{
		WriteTimeout: s.cfg.Broadcast.WriteTimeout,
		PingInterval: s.cfg.Broadcast.PingInterval,
		PongWait:     s.cfg.Broadcast.PongWait,
	}))
	r.Get("/health", s.healthHandler)
	r.Get("/stats", s.statsHandler)
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		handlers.WriteError(w, http.StatusNotFound, "not found")
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		handlers.WriteError(w, http.StatusMethodNotAllowed, "method not allowed")
	})
	return r
}

// Handler returns the HTTP handler, for tests and embedding
func (s *Server) Handler() http.Handler { return s.handler }

// Run starts background components and serves HTTP until ctx is cancelled.
func (s *Server) Run(ctx context.Context) error {
	log := logger.WithComponent("server")
	log.Info().Str("node_id", s.nodeID).Msg("healthsense starting")

	bgCtx, stopBackground := context.WithCancel(context.Background())
	defer stopBackground()

	if s.pool != nil {
		s.pool.Start()
	}

	if s.relay != nil {
		s.goBackground(func() { s.runRelay(bgCtx) })
	}

	if s.consumer != nil {
		s.goBackground(func() {
			if err := s.consumer.Run(bgCtx); err != nil {
				log.Error().Err(err).Msg("kafka consumer stopped")
			}
		})
	}

	if s.mqtt != nil {
		if err := s.mqtt.Start(bgCtx); err != nil {
			s.shutdown(stopBackground)
			return fmt.Errorf("start mqtt: %w", err)
		}
	}

	s.goBackground(func() { s.reportStats(bgCtx) })

	serveErr := make(chan error, 1)
	go func() {
		log.Info().Str("addr", s.cfg.HTTP.Addr).Msg("starting HTTP server")
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	var err error
	select {
	case <-ctx.Done():
		log.Info().Msg("shutdown signal received")
	case err = <-serveErr:
		if err != nil {
			log.Error().Err(err).Msg("HTTP server error")
			err = fmt.Errorf("http server: %w", err)
		}
	}

	s.shutdown(stopBackground)
	return err
}

func (s *Server) goBackground(fn func()) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		fn()
	}()
}

// runRelay keeps the relay subscribed, retrying while Redis is unreachable
func (s *Server) runRelay(ctx context.Context) {
	log := logger.WithComponent("server")
	for {
		err := s.relay.Run(ctx)
		if ctx.Err() != nil {
			return
		}
		log.Warn().Err(err).Msg("broadcast relay stopped, retrying")
		select {
		case <-ctx.Done():
			return
		case <-time.After(5 * time.Second):
		}
	}
}

// shutdown stops intake first, then drains outbound work and closes the store
func (s *Server) shutdown(stopBackground context.CancelFunc) {
	log := logger.WithComponent("server")
	log.Info().Msg("initiating graceful shutdown")

	timeout := s.cfg.HTTP.ShutdownTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("HTTP server shutdown error")
	}

	if s.mqtt != nil {
		s.mqtt.Stop()
	}
	stopBackground()
	s.wg.Wait()

	if s.pool != nil {
		done := make(chan struct{})
		go func() {
			s.pool.Stop()
			close(done)
		}()
		select {
		case <-done:
			log.Info().Msg("workers stopped gracefully")
		case <-shutdownCtx.Done():
			log.Warn().Msg("worker shutdown timeout - forcing exit")
		}
	}

	s.closeAll()
	log.Info().Msg("server stopped gracefully")
}

func (s *Server) closeAll() {
	log := logger.WithComponent("server")
	if s.consumer != nil {
		if err := s.consumer.Close(); err != nil {
			log.Error().Err(err).Msg("kafka consumer close error")
		}
	}
	if s.producer != nil {
		if err := s.producer.Close(); err != nil {
			log.Error().Err(err).Msg("producer close error")
		}
	}
	if s.redis != nil {
		if err := s.redis.Close(); err != nil {
			log.Error().Err(err).Msg("redis close error")
		}
	}
	if s.store != nil {
		if err := s.store.Close(); err != nil {
			log.Error().Err(err).Msg("store close error")
		}
	}
}

// reportStats periodically logs statistics
func (s *Server) reportStats(ctx context.Context) {
	log := logger.WithComponent("server")
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			st := s.stats()
			ev := log.Info().
				Int("cached_readings", st.Cache.Readings).
				Int("cached_alerts", st.Cache.Alerts).
				Int("subscribers", st.Broadcast.Subscribers).
				Uint64("broadcast_dropped", st.Broadcast.Dropped)
			if st.Worker != nil {
				metrics.WorkerQueueSize.Set(float64(st.Worker.Queued))
				ev = ev.
					Uint64("worker_processed", st.Worker.Processed).
					Uint64("worker_failed", st.Worker.Failed).
					Uint64("worker_dropped", st.Worker.Dropped)
			}
			ev.Msg("stats")
		}
	}
}

// healthHandler reports 503 when the store cannot be reached. An unreachable
// event stream is reported as degraded with a 200.
func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	log := logger.WithComponent("server")
	w.Header().Set("Content-Type", "application/json")
	if err := s.store.Ping(ctx); err != nil {
		log.Warn().Err(err).Msg("health check failed")
		w.WriteHeader(http.StatusServiceUnavailable)
		_ = json.NewEncoder(w).Encode(map[string]string{
			"status":  "unhealthy",
			"message": "store unavailable",
			"store":   "unavailable",
		})
		return
	}

	body := map[string]string{
		"status":    "healthy",
		"node_id":   s.nodeID,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
		"store":     "ok",
	}
	if s.producer != nil {
		body["event_stream"] = "ok"
		if err := s.producer.HealthCheck(ctx); err != nil {
			log.Warn().Err(err).Msg("event stream health check failed")
			body["status"] = "degraded"
			body["event_stream"] = "unavailable"
		}
	}
	_ = json.NewEncoder(w).Encode(body)
}

// Stats is the /stats document
type Stats struct {
	NodeID    string               `json:"node_id"`
	Cache     cache.Stats          `json:"cache"`
	Broadcast broadcast.Stats      `json:"broadcast"`
	Worker    *worker.Stats        `json:"worker,omitempty"`
	Producer  *kafka.ProducerStats `json:"producer,omitempty"`
}

func (s *Server) stats() Stats {
	st := Stats{
		NodeID:    s.nodeID,
		Cache:     s.cache.Stats(),
		Broadcast: s.hub.Stats(),
	}
	if s.pool != nil {
		ws := s.pool.Stats()
		st.Worker = &ws
	}
	if s.producer != nil {
		ps := s.producer.Stats()
		st.Producer = &ps
	}
	return st
}

func (s *Server) statsHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(s.stats())
}

// nodeID identifies this replica on the relay and in outbound events
func nodeID(cfg *config.Config) string {
	if cfg.Redis.NodeID != "" {
		return cfg.Redis.NodeID
	}
	if host, err := os.Hostname(); err == nil && host != "" {
		return host + "-" + uuid.NewString()[:8]
	}
	return uuid.NewString()
}
