// Package worker runs link syncs in the background on a bounded pool.
package worker

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

var (
	jobTracer          = otel.Tracer("finlink/worker")
	jobMeter           = otel.Meter("finlink/worker")
	jobDuration, _     = jobMeter.Float64Histogram("worker.job.duration", metric.WithDescription("Job execution duration in seconds"), metric.WithUnit("s"))
	jobTotal, _        = jobMeter.Int64Counter("worker.job.total", metric.WithDescription("Total jobs executed by status"))
	jobQueueDropped, _ = jobMeter.Int64Counter("worker.job.queue_dropped", metric.WithDescription("Jobs dropped due to full queue"))
)

var (
	ErrQueueFull = errors.New("job queue full")
	ErrStopped   = errors.New("worker pool stopped")
)

const defaultJobTimeout = 2 * time.Minute

// Job is a unit of background work.
type Job interface {
	Execute(ctx context.Context) error
	UserID() string
	Description() string
}

// Pool runs jobs on a fixed number of goroutines fed by a buffered queue.
type Pool struct {
	workerCount int
	jobDelay    time.Duration
	jobTimeout  time.Duration
	jobs        chan Job
	wg          sync.WaitGroup
	ctx         context.Context
	cancel      context.CancelFunc
	logger      *zap.Logger

	mu     sync.RWMutex
	closed bool
}

// NewPool creates a pool. jobDelay spaces out jobs on each worker to stay
// under the aggregator's rate limit.
func NewPool(workerCount int, jobDelay time.Duration, queueSize int, jobTimeout time.Duration, logger *zap.Logger) *Pool {
	if workerCount <= 0 {
		workerCount = 1
	}
	if jobTimeout <= 0 {
		jobTimeout = defaultJobTimeout
	}
	ctx, cancel := context.WithCancel(context.Background())

	return &Pool{
		workerCount: workerCount,
		jobDelay:    jobDelay,
		jobTimeout:  jobTimeout,
		jobs:        make(chan Job, queueSize),
		ctx:         ctx,
		cancel:      cancel,
		logger:      logger,
	}
}

// Start launches the worker goroutines.
func (p *Pool) Start() {
	p.logger.Info("starting worker pool", zap.Int("workers", p.workerCount))

	for i := 1; i <= p.workerCount; i++ {
		p.wg.Add(1)
		go p.worker(i)
	}
}

func (p *Pool) worker(id int) {
	defer p.wg.Done()

	for {
		select {
		case <-p.ctx.Done():
			return

		case job, ok := <-p.jobs:
			if !ok {
				return
			}

			p.processJob(id, job)

			if p.jobDelay > 0 {
				select {
				case <-time.After(p.jobDelay):
				case <-p.ctx.Done():
					return
				}
			}
		}
	}
}

func (p *Pool) processJob(workerID int, job Job) {
	ctx, cancel := context.WithTimeout(p.ctx, p.jobTimeout)
	defer cancel()

	ctx, span := jobTracer.Start(ctx, "job.execute",
		trace.WithAttributes(
			attribute.Int("worker.id", workerID),
			attribute.String("job.description", job.Description()),
			attribute.String("job.user_id", job.UserID()),
		),
	)
	defer span.End()

	logger := p.logger.With(
		zap.Int("worker_id", workerID),
		zap.String("job", job.Description()),
		zap.String("client_user_id", job.UserID()),
	)
	start := time.Now()

	if err := job.Execute(ctx); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		jobTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("status", "error")))
		jobDuration.Record(ctx, time.Since(start).Seconds())
		logger.Warn("job failed", zap.Error(err))
		return
	}

	jobTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("status", "success")))
	jobDuration.Record(ctx, time.Since(start).Seconds())
	logger.Debug("job completed", zap.Duration("duration", time.Since(start)))
}

// Submit queues a job without blocking. It returns ErrQueueFull when the
// queue has no room and ErrStopped after shutdown.
func (p *Pool) Submit(job Job) error {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if p.closed {
		return ErrStopped
	}

	select {
	case p.jobs <- job:
		return nil
	default:
		jobQueueDropped.Add(context.Background(), 1)
		p.logger.Warn("job queue full, dropping job",
			zap.String("job", job.Description()),
			zap.String("client_user_id", job.UserID()),
		)
		return ErrQueueFull
	}
}

// SubmitBatch queues jobs and returns how many were accepted.
func (p *Pool) SubmitBatch(jobs []Job) int {
	submitted := 0
	for _, job := range jobs {
		if err := p.Submit(job); err != nil {
			continue
		}
		submitted++
	}
	return submitted
}

// Shutdown stops accepting jobs and waits for queued ones to finish. If
// they do not finish within timeout, running jobs are cancelled.
func (p *Pool) Shutdown(timeout time.Duration) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	close(p.jobs)
	p.mu.Unlock()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		p.logger.Info("worker pool drained")
	case <-time.After(timeout):
		p.logger.Warn("worker pool shutdown timed out, cancelling jobs")
		p.cancel()
		<-done
	}
	p.cancel()
}
