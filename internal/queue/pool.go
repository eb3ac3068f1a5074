package queue

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/panjf2000/ants/v2"
	"github.com/talkincode/wadesk/internal/metrics"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// Handler processes one job. A returned error triggers the retry policy.
type Handler func(ctx context.Context, job *Job) error

type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks err as not worth retrying.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

func IsPermanent(err error) bool {
	var p *permanentError
	return errors.As(err, &p)
}

type PoolConfig struct {
	Concurrency int
	// Rate is the shared job start rate per second; zero disables limiting.
	Rate    float64
	Backoff time.Duration
	// PollInterval bounds how long an idle pool sleeps between store checks.
	PollInterval time.Duration
}

// Pool runs jobs from one queue with bounded concurrency. All workers share
// one token bucket, so Rate caps the whole pool rather than each worker.
type Pool struct {
	name    string
	store   *Store
	handler Handler
	cfg     PoolConfig

	workers *ants.Pool
	limiter *rate.Limiter
	slots   chan struct{}

	cancel context.CancelFunc
	done   chan struct{}
	wg     sync.WaitGroup
}

func NewPool(store *Store, name string, handler Handler, cfg PoolConfig) (*Pool, error) {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 1
	}
	if cfg.Backoff <= 0 {
		cfg.Backoff = 2 * time.Second
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Second
	}
	workers, err := ants.NewPool(cfg.Concurrency, ants.WithPanicHandler(func(r interface{}) {
		zap.L().Error("queue worker panic", zap.String("queue", name), zap.Any("panic", r))
	}))
	if err != nil {
		return nil, fmt.Errorf("queue %s: %w", name, err)
	}
	limit := rate.Inf
	if cfg.Rate > 0 {
		limit = rate.Limit(cfg.Rate)
	}
	return &Pool{
		name:    name,
		store:   store,
		handler: handler,
		cfg:     cfg,
		workers: workers,
		limiter: rate.NewLimiter(limit, 1),
		slots:   make(chan struct{}, cfg.Concurrency),
		done:    make(chan struct{}),
	}, nil
}

func (p *Pool) Name() string { return p.name }

// Start requeues jobs left leased by a previous run and begins consuming.
func (p *Pool) Start(ctx context.Context) {
	if n, err := p.store.Recover(p.name); err != nil {
		zap.L().Error("queue recover failed", zap.String("queue", p.name), zap.Error(err))
	} else if n > 0 {
		zap.L().Info("queue recovered leased jobs", zap.String("queue", p.name), zap.Int("count", n))
	}
	ctx, p.cancel = context.WithCancel(ctx)
	go p.loop(ctx)
	zap.L().Info("queue pool started",
		zap.String("queue", p.name),
		zap.Int("concurrency", p.cfg.Concurrency),
		zap.Float64("rate", p.cfg.Rate))
}

// Stop waits for in-flight jobs to finish.
func (p *Pool) Stop() {
	if p.cancel != nil {
		p.cancel()
		<-p.done
	}
	p.wg.Wait()
	p.workers.Release()
	zap.L().Info("queue pool stopped", zap.String("queue", p.name))
}

func (p *Pool) loop(ctx context.Context) {
	defer close(p.done)
	wake := p.store.Wakeup(p.name)
	for {
		select {
		case p.slots <- struct{}{}:
		case <-ctx.Done():
			return
		}

		job, err := p.store.Dequeue(p.name, time.Now())
		if err != nil {
			zap.L().Error("queue dequeue failed", zap.String("queue", p.name), zap.Error(err))
		}
		if job == nil {
			<-p.slots
			if !p.idle(ctx, wake) {
				return
			}
			continue
		}

		if err := p.limiter.Wait(ctx); err != nil {
			<-p.slots
			_ = p.store.Release(p.name, job)
			return
		}

		p.wg.Add(1)
		if err := p.workers.Submit(func() {
			defer p.wg.Done()
			defer func() { <-p.slots }()
			p.process(ctx, job)
		}); err != nil {
			p.wg.Done()
			<-p.slots
			_ = p.store.Release(p.name, job)
			zap.L().Error("queue submit failed", zap.String("queue", p.name), zap.Error(err))
		}
	}
}

// idle sleeps until new work, the next scheduled job or the poll interval.
func (p *Pool) idle(ctx context.Context, wake <-chan struct{}) bool {
	wait := p.cfg.PollInterval
	if at, ok := p.store.NextRunAt(p.name); ok {
		if d := time.Until(at); d < wait {
			wait = d
		}
	}
	if wait <= 0 {
		wait = time.Millisecond
	}
	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-wake:
	case <-timer.C:
	}
	return true
}

func (p *Pool) process(ctx context.Context, job *Job) {
	err := p.call(ctx, job)
	if err == nil {
		if err := p.store.Ack(p.name, job.ID); err != nil {
			zap.L().Error("queue ack failed", zap.String("queue", p.name), zap.String("job_id", job.ID), zap.Error(err))
		}
		metrics.QueueJobs.WithLabelValues(p.name, "completed").Inc()
		return
	}

	dead, nerr := p.store.Nack(p.name, job, err, p.cfg.Backoff)
	if nerr != nil {
		zap.L().Error("queue nack failed", zap.String("queue", p.name), zap.String("job_id", job.ID), zap.Error(nerr))
		return
	}
	if dead {
		metrics.QueueJobs.WithLabelValues(p.name, "failed").Inc()
		zap.L().Error("queue job failed permanently",
			zap.String("queue", p.name),
			zap.String("job_id", job.ID),
			zap.Int("attempts", job.Attempts),
			zap.Error(err))
		return
	}
	metrics.QueueJobs.WithLabelValues(p.name, "retried").Inc()
	zap.L().Warn("queue job failed, retry scheduled",
		zap.String("queue", p.name),
		zap.String("job_id", job.ID),
		zap.Int("attempts", job.Attempts),
		zap.Time("run_at", job.RunAt),
		zap.Error(err))
}

func (p *Pool) call(ctx context.Context, job *Job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			zap.L().Error("queue handler panic",
				zap.String("queue", p.name),
				zap.String("job_id", job.ID),
				zap.Any("panic", r),
				zap.ByteString("stack", debug.Stack()))
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return p.handler(ctx, job)
}
