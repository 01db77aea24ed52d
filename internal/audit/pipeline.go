package audit

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"github.com/toolgate/toolgate/internal/metrics"
)

// Config tunes the audit pipeline.
type Config struct {
	// QueueCapacity bounds the in-memory queue.
	QueueCapacity int

	// BatchSize flushes a batch when it reaches this many events.
	BatchSize int

	// BatchMaxAge flushes a partial batch after this long.
	BatchMaxAge time.Duration

	// DropPolicy is "block" (producers wait up to EnqueueWait before the
	// oldest entry is dropped) or "drop_oldest" (drop immediately).
	DropPolicy string

	// EnqueueWait bounds how long a producer blocks on a full queue.
	EnqueueWait time.Duration

	// FallbackAfter is the number of consecutive sink failures before a
	// batch is tee'd to the durable fallback sink.
	FallbackAfter int
}

// Pipeline is the multi-producer single-consumer audit queue. Emit never
// fails from the producer's perspective; delivery to the sink is
// at-least-once with indefinite backoff retry, and enqueue order is
// preserved, so events for one principal reach the sink in issue order.
type Pipeline struct {
	cfg      Config
	sink     Sink
	fallback Sink
	logger   *zap.Logger

	queue chan *Event

	seq     atomic.Uint64
	dropped atomic.Uint64

	cancel context.CancelFunc
	done   chan struct{}

	mu     sync.Mutex
	closed bool
}

// NewPipeline creates the pipeline. fallback may be nil.
func NewPipeline(cfg Config, sink Sink, fallback Sink, logger *zap.Logger) *Pipeline {
	if cfg.QueueCapacity <= 0 {
		cfg.QueueCapacity = 4096
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 64
	}
	if cfg.BatchMaxAge <= 0 {
		cfg.BatchMaxAge = time.Second
	}
	if cfg.EnqueueWait <= 0 {
		cfg.EnqueueWait = 250 * time.Millisecond
	}
	if cfg.FallbackAfter <= 0 {
		cfg.FallbackAfter = 3
	}
	return &Pipeline{
		cfg:      cfg,
		sink:     sink,
		fallback: fallback,
		logger:   logger,
		queue:    make(chan *Event, cfg.QueueCapacity),
		done:     make(chan struct{}),
	}
}

// Start launches the consumer.
func (p *Pipeline) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	p.cancel = cancel
	go p.consume(ctx)
}

// Emit assigns the event its monotonic ID and timestamp and enqueues it.
// When the queue is full the producer blocks up to the configured bound,
// after which the oldest queued entry is dropped (and counted) to make room.
func (p *Pipeline) Emit(e *Event) {
	e.ID = p.seq.Add(1)
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		p.countDrop(1)
		return
	}
	p.mu.Unlock()

	select {
	case p.queue <- e:
		metrics.AuditQueueDepth.Set(float64(len(p.queue)))
		return
	default:
	}

	if p.cfg.DropPolicy == "block" {
		t := time.NewTimer(p.cfg.EnqueueWait)
		defer t.Stop()
		select {
		case p.queue <- e:
			metrics.AuditQueueDepth.Set(float64(len(p.queue)))
			return
		case <-t.C:
		}
	}

	// Make room by discarding the oldest queued entry.
	select {
	case <-p.queue:
		p.countDrop(1)
	default:
	}
	select {
	case p.queue <- e:
	default:
		p.countDrop(1)
	}
	metrics.AuditQueueDepth.Set(float64(len(p.queue)))
}

// Dropped returns the number of events discarded under backpressure.
func (p *Pipeline) Dropped() uint64 {
	return p.dropped.Load()
}

// QueueDepth returns the current queue length.
func (p *Pipeline) QueueDepth() int {
	return len(p.queue)
}

func (p *Pipeline) countDrop(n int) {
	p.dropped.Add(uint64(n))
	metrics.AuditDropped.Add(float64(n))
	if p.logger != nil {
		p.logger.Warn("audit event dropped", zap.Int("count", n))
	}
}

// consume drains the queue into batches bounded by size and age.
func (p *Pipeline) consume(ctx context.Context) {
	defer close(p.done)

	batch := make([]*Event, 0, p.cfg.BatchSize)
	timer := time.NewTimer(p.cfg.BatchMaxAge)
	defer timer.Stop()

	flush := func() {
		if len(batch) == 0 {
			return
		}
		p.writeBatch(ctx, batch)
		batch = make([]*Event, 0, p.cfg.BatchSize)
	}

	for {
		select {
		case e := <-p.queue:
			metrics.AuditQueueDepth.Set(float64(len(p.queue)))
			batch = append(batch, e)
			if len(batch) >= p.cfg.BatchSize {
				flush()
				if !timer.Stop() {
					select {
					case <-timer.C:
					default:
					}
				}
				timer.Reset(p.cfg.BatchMaxAge)
			}
		case <-timer.C:
			flush()
			timer.Reset(p.cfg.BatchMaxAge)
		case <-ctx.Done():
			// Drain whatever was enqueued before shutdown.
			for {
				select {
				case e := <-p.queue:
					batch = append(batch, e)
					if len(batch) >= p.cfg.BatchSize {
						p.writeBatchFinal(batch)
						batch = batch[:0]
					}
				default:
					p.writeBatchFinal(batch)
					return
				}
			}
		}
	}
}

// writeBatch retries the sink indefinitely with exponential backoff. After
// FallbackAfter consecutive failures the batch is tee'd once to the durable
// fallback; the primary keeps retrying (duplicates are acceptable under the
// at-least-once contract).
func (p *Pipeline) writeBatch(ctx context.Context, batch []*Event) {
	failures := 0
	teed := false

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 100 * time.Millisecond
	bo.MaxInterval = 30 * time.Second
	bo.MaxElapsedTime = 0 // retry until shutdown

	err := backoff.Retry(func() error {
		wctx, cancel := context.WithTimeout(ctx, 10*time.Second)
		defer cancel()
		if err := p.sink.WriteBatch(wctx, batch); err != nil {
			failures++
			metrics.AuditBatchesWritten.WithLabelValues("error").Inc()
			if p.logger != nil {
				p.logger.Error("audit sink write failed",
					zap.Int("batch_size", len(batch)),
					zap.Int("consecutive_failures", failures),
					zap.Error(err))
			}
			if !teed && failures >= p.cfg.FallbackAfter && p.fallback != nil {
				if ferr := p.fallback.WriteBatch(wctx, batch); ferr == nil {
					teed = true
				}
			}
			return err
		}
		return nil
	}, backoff.WithContext(bo, ctx))

	if err == nil {
		metrics.AuditBatchesWritten.WithLabelValues("ok").Inc()
		return
	}
	// Shutdown interrupted the retry loop; the fallback is the last chance
	// to keep the events.
	if !teed {
		p.writeBatchFinal(batch)
	}
}

// writeBatchFinal makes one best-effort attempt during shutdown: primary
// first, fallback second.
func (p *Pipeline) writeBatchFinal(batch []*Event) {
	if len(batch) == 0 {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := p.sink.WriteBatch(ctx, batch); err == nil {
		metrics.AuditBatchesWritten.WithLabelValues("ok").Inc()
		return
	}
	if p.fallback != nil {
		if err := p.fallback.WriteBatch(ctx, batch); err == nil {
			return
		}
	}
	p.countDrop(len(batch))
}

// Close stops accepting events, drains the queue into the sink, and waits
// for the consumer to finish.
func (p *Pipeline) Close(ctx context.Context) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	p.mu.Unlock()

	if p.cancel != nil {
		p.cancel()
	}
	select {
	case <-p.done:
	case <-ctx.Done():
		return ctx.Err()
	}

	// Anything a racing producer slipped in after the drain is lost.
	for {
		select {
		case <-p.queue:
			p.countDrop(1)
		default:
			return nil
		}
	}
}
