package worker

import (
	"context"
	"hash/fnv"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"healthsense/internal/logger"
	"healthsense/internal/metrics"
	"healthsense/internal/models"
)

// Publisher defines the interface for publishing envelopes
type Publisher interface {
	Publish(ctx context.Context, envelope *models.Envelope) error
	PublishBatch(ctx context.Context, envelopes []*models.Envelope) error
}

// Pool batches committed ingestion envelopes and publishes them to the
// outbound event stream. Envelopes are sharded by partition key, so one
// device's events are always handled by the same worker and reach the
// stream in commit order. A batch holding an alert is flushed at once
// instead of waiting for the batch timer.
type Pool struct {
	publisher    Publisher
	shards       []chan *models.Envelope
	batchSize    int
	batchTimeout time.Duration

	wg     sync.WaitGroup
	ctx    context.Context
	cancel context.CancelFunc

	processed  atomic.Uint64
	failed     atomic.Uint64
	dropped    atomic.Uint64
	alertFlush atomic.Uint64
}

// Config holds worker pool configuration. QueueSize bounds each worker's
// queue.
type Config struct {
	Publisher    Publisher
	QueueSize    int
	Workers      int
	BatchSize    int
	BatchTimeout time.Duration
}

// NewPool creates a new worker pool
func NewPool(cfg Config) *Pool {
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	if cfg.BatchTimeout <= 0 {
		cfg.BatchTimeout = 100 * time.Millisecond
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 10000
	}

	shards := make([]chan *models.Envelope, cfg.Workers)
	for i := range shards {
		shards[i] = make(chan *models.Envelope, cfg.QueueSize)
	}
	metrics.WorkerQueueCapacity.Set(float64(cfg.Workers * cfg.QueueSize))

	ctx, cancel := context.WithCancel(context.Background())
	return &Pool{
		publisher:    cfg.Publisher,
		shards:       shards,
		batchSize:    cfg.BatchSize,
		batchTimeout: cfg.BatchTimeout,
		ctx:          ctx,
		cancel:       cancel,
	}
}

// Start begins processing envelopes
func (p *Pool) Start() {
	logger.WithComponent("worker_pool").Info().
		Int("workers", len(p.shards)).
		Int("batch_size", p.batchSize).
		Dur("batch_timeout", p.batchTimeout).
		Msg("starting worker pool")

	for i := range p.shards {
		p.wg.Add(1)
		go p.worker(i)
	}
}

func (p *Pool) shard(key string) chan *models.Envelope {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return p.shards[h.Sum32()%uint32(len(p.shards))]
}

// Publish enqueues an envelope on its device's worker without blocking.
// When that queue is full the envelope is dropped and counted.
func (p *Pool) Publish(envelope *models.Envelope) {
	select {
	case p.shard(envelope.PartitionKey) <- envelope:
		metrics.WorkerQueueSize.Set(float64(p.queued()))
	default:
		p.dropped.Add(1)
		metrics.WorkerDroppedTotal.Inc()
		logger.WithComponent("worker_pool").Warn().
			Str("reading_id", envelope.Data.Reading.ID).
			Str("device_id", envelope.Data.Reading.DeviceID).
			Int("alerts", len(envelope.Data.Alerts)).
			Msg("outbound queue full, envelope dropped")
	}
}

// Stop stops the workers. Envelopes still queued are published first.
func (p *Pool) Stop() {
	log := logger.WithComponent("worker_pool")
	log.Info().Msg("stopping worker pool")
	p.cancel()
	p.wg.Wait()
	log.Info().Msg("worker pool stopped")
}

func (p *Pool) worker(id int) {
	defer p.wg.Done()

	log := logger.WithComponent("worker").With().Int("worker_id", id).Logger()
	defer func() {
		if r := recover(); r != nil {
			log.Error().
				Interface("panic", r).
				Bytes("stack", debug.Stack()).
				Msg("worker panic recovered")
			metrics.PanicsRecovered.WithLabelValues("worker").Inc()
		}
	}()

	queue := p.shards[id]
	batch := make([]*models.Envelope, 0, p.batchSize)
	timer := time.NewTimer(p.batchTimeout)
	defer timer.Stop()

	flush := func() {
		if len(batch) > 0 {
			p.publishBatch(batch)
			batch = batch[:0]
		}
	}

	for {
		select {
		case <-p.ctx.Done():
			for {
				select {
				case envelope := <-queue:
					batch = append(batch, envelope)
					if len(batch) >= p.batchSize {
						flush()
					}
				default:
					flush()
					return
				}
			}

		case envelope := <-queue:
			batch = append(batch, envelope)
			metrics.WorkerQueueSize.Set(float64(p.queued()))

			switch {
			case len(batch) >= p.batchSize:
				flush()
				timer.Reset(p.batchTimeout)
			case len(envelope.Data.Alerts) > 0:
				p.alertFlush.Add(1)
				metrics.WorkerAlertFlushesTotal.Inc()
				flush()
				timer.Reset(p.batchTimeout)
			}

		case <-timer.C:
			flush()
			timer.Reset(p.batchTimeout)
		}
	}
}

func (p *Pool) publishBatch(batch []*models.Envelope) {
	log := logger.WithComponent("worker")
	start := time.Now()

	// the pool context may already be cancelled while draining on Stop
	ctx, cancel := context.WithTimeout(context.WithoutCancel(p.ctx), 10*time.Second)
	defer cancel()

	err := p.publisher.PublishBatch(ctx, batch)
	duration := time.Since(start)
	metrics.WorkerBatchPublishDuration.Observe(duration.Seconds())

	if err == nil {
		p.processed.Add(uint64(len(batch)))
		metrics.WorkerProcessedTotal.Add(float64(len(batch)))
		log.Debug().Int("batch_size", len(batch)).Dur("duration", duration).Msg("batch published")
		return
	}

	log.Error().
		Err(err).
		Int("batch_size", len(batch)).
		Dur("duration", duration).
		Msg("failed to publish batch, retrying envelopes individually")

	for _, envelope := range batch {
		ctx, cancel := context.WithTimeout(context.WithoutCancel(p.ctx), 5*time.Second)
		err := p.publisher.Publish(ctx, envelope)
		cancel()

		if err != nil {
			p.failed.Add(1)
			metrics.WorkerFailedTotal.Inc()
			log.Error().
				Err(err).
				Str("reading_id", envelope.Data.Reading.ID).
				Str("device_id", envelope.Data.Reading.DeviceID).
				Msg("failed to publish envelope")
			continue
		}
		p.processed.Add(1)
		metrics.WorkerProcessedTotal.Inc()
	}
}

func (p *Pool) queued() int {
	n := 0
	for _, q := range p.shards {
		n += len(q)
	}
	return n
}

// Stats returns worker pool statistics
func (p *Pool) Stats() Stats {
	return Stats{
		Processed:    p.processed.Load(),
		Failed:       p.failed.Load(),
		Dropped:      p.dropped.Load(),
		AlertFlushes: p.alertFlush.Load(),
		Queued:       p.queued(),
	}
}

// Stats holds worker pool metrics
type Stats struct {
	Processed    uint64 `json:"processed"`
	Failed       uint64 `json:"failed"`
	Dropped      uint64 `json:"dropped"`
	AlertFlushes uint64 `json:"alert_flushes"`
	Queued       int    `json:"queued"`
}
