package telemetry

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/HerbHall/fleethub/internal/metrics"
)

// Job is one sink write.
type Job struct {
	Sink string
	Run  func(ctx context.Context) error
}

// Dispatcher runs sink writes on a fixed worker pool fed by a bounded
// queue. Submit never blocks; failures are logged and counted.
type Dispatcher struct {
	jobs    chan Job
	workers int
	timeout time.Duration
	logger  *zap.Logger
	metrics *metrics.Metrics

	mu      sync.RWMutex
	started bool
	closed  bool
	wg      sync.WaitGroup
}

// NewDispatcher creates a dispatcher. Call Start to launch the workers.
func NewDispatcher(workers, queueSize int, timeout time.Duration, logger *zap.Logger, m *metrics.Metrics) *Dispatcher {
	if workers <= 0 {
		workers = 1
	}
	if queueSize <= 0 {
		queueSize = 1
	}
	return &Dispatcher{
		jobs:    make(chan Job, queueSize),
		workers: workers,
		timeout: timeout,
		logger:  logger,
		metrics: m,
	}
}

// Start launches the workers.
func (d *Dispatcher) Start() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.started || d.closed {
		return
	}
	d.started = true
	for range d.workers {
		d.wg.Add(1)
		go d.work()
	}
}

// Submit queues job, dropping it when the queue is full or the dispatcher
// is stopped. It reports whether the job was queued.
func (d *Dispatcher) Submit(job Job) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		return false
	}
	select {
	case d.jobs <- job:
		return true
	default:
		d.metrics.SinkDropped()
		d.logger.Warn("sink queue full, dropping write", zap.String("sink", job.Sink))
		return false
	}
}

// Stop rejects new jobs and waits for queued ones to finish or ctx to
// expire.
func (d *Dispatcher) Stop(ctx context.Context) error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	close(d.jobs)
	d.mu.Unlock()

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (d *Dispatcher) work() {
	defer d.wg.Done()
	for job := range d.jobs {
		d.run(job)
	}
}

func (d *Dispatcher) run(job Job) {
	ctx := context.Background()
	if d.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.timeout)
		defer cancel()
	}
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("sink write panicked", zap.String("sink", job.Sink), zap.Any("panic", r))
		}
	}()

	err := job.Run(ctx)
	d.metrics.SinkWrite(job.Sink, err)
	if err != nil {
		d.logger.Warn("sink write failed", zap.String("sink", job.Sink), zap.Error(err))
	}
}
