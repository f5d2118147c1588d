package service

import (
	"context"
	"durableq/internal/metrics"
	"durableq/internal/models"
	"durableq/internal/registry"
	"durableq/internal/wakeup"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// ackTimeout bounds a delete or fail call issued after a handler returns
const ackTimeout = 10 * time.Second

// JobQueue is the part of Queue the dispatcher consumes
type JobQueue interface {
	Pull(ctx context.Context, maxN int) ([]*models.Job, error)
	DeleteJob(ctx context.Context, id, claimID string) error
	FailJob(ctx context.Context, id, claimID string, cause error) error
}

// DispatcherConfig sizes the worker pool and its polling cadence
type DispatcherConfig struct {
	// Concurrency is both the executor count and the most jobs this process
	// holds claimed without having acknowledged them.
	Concurrency int
	// BatchSize caps a single Pull. It never exceeds Concurrency.
	BatchSize       int
	PollInterval    time.Duration
	ErrorBackoff    time.Duration
	HandlerTimeout  time.Duration
	ShutdownTimeout time.Duration
}

func DefaultDispatcherConfig() DispatcherConfig {
	return DispatcherConfig{
		Concurrency:     8,
		BatchSize:       8,
		PollInterval:    50 * time.Millisecond,
		ErrorBackoff:    500 * time.Millisecond,
		HandlerTimeout:  2 * time.Minute,
		ShutdownTimeout: 30 * time.Second,
	}
}

// Dispatcher polls a JobQueue and runs claimed jobs on a fixed pool of executors
type Dispatcher struct {
	queue    JobQueue
	registry *registry.Registry
	metrics  *metrics.Metrics
	cfg      DispatcherConfig
	notifier wakeup.Notifier

	// One token per claimed job that has not been acknowledged yet.
	slots chan struct{}
}

// NewDispatcher creates a dispatcher. Zero config fields take their defaults.
func NewDispatcher(queue JobQueue, reg *registry.Registry, metrics *metrics.Metrics, cfg DispatcherConfig, notifier wakeup.Notifier) *Dispatcher {
	def := DefaultDispatcherConfig()
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = def.Concurrency
	}
	if cfg.BatchSize <= 0 || cfg.BatchSize > cfg.Concurrency {
		cfg.BatchSize = cfg.Concurrency
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = def.PollInterval
	}
	if cfg.ErrorBackoff <= 0 {
		cfg.ErrorBackoff = def.ErrorBackoff
	}
	if cfg.HandlerTimeout <= 0 {
		cfg.HandlerTimeout = def.HandlerTimeout
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = def.ShutdownTimeout
	}
	if notifier == nil {
		notifier = wakeup.Nop{}
	}

	return &Dispatcher{
		queue:    queue,
		registry: reg,
		metrics:  metrics,
		cfg:      cfg,
		notifier: notifier,
		slots:    make(chan struct{}, cfg.Concurrency),
	}
}

// Run polls and executes jobs until ctx is cancelled. It then stops
// claiming, lets executors finish the jobs already claimed and returns.
// Handlers still running after ShutdownTimeout have their context cancelled
// and are not acknowledged, so their lease expires and another worker
// picks them up.
func (d *Dispatcher) Run(ctx context.Context) error {
	log.Info().
		Int("concurrency", d.cfg.Concurrency).
		Int("batch_size", d.cfg.BatchSize).
		Strs("kinds", kindStrings(d.registry)).
		Msg("dispatcher starting")

	jobs := make(chan *models.Job, d.cfg.Concurrency)

	execCtx, cancelExec := context.WithCancel(context.WithoutCancel(ctx))
	defer cancelExec()

	var wg sync.WaitGroup
	for range d.cfg.Concurrency {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for job := range jobs {
				d.execute(execCtx, job)
			}
		}()
	}

	d.poll(ctx, jobs)
	close(jobs)

	log.Info().Msg("dispatcher stopping, draining claimed jobs")

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	timer := time.NewTimer(d.cfg.ShutdownTimeout)
	defer timer.Stop()

	select {
	case <-done:
		log.Info().Msg("dispatcher stopped gracefully")
	case <-timer.C:
		log.Warn().Dur("shutdown_timeout", d.cfg.ShutdownTimeout).Msg("drain timed out, cancelling running handlers")
		cancelExec()
		// Executors stop as soon as their handler context is done; only an
		// in-flight ack can still hold one, and acks are bounded by ackTimeout.
		select {
		case <-done:
		case <-time.After(ackTimeout):
			log.Error().Msg("executors still busy after cancellation, exiting without them")
		}
	}
	return nil
}

func (d *Dispatcher) poll(ctx context.Context, jobs chan<- *models.Job) {
	wake := d.notifier.Subscribe(ctx)

	for {
		n := d.acquire(ctx)
		if n == 0 {
			return
		}

		claimed, err := d.queue.Pull(ctx, n)
		if err != nil {
			d.release(n)
			if ctx.Err() != nil {
				return
			}
			log.Error().Err(err).Msg("error pulling jobs")
			if !d.sleep(ctx, d.cfg.ErrorBackoff) {
				return
			}
			continue
		}

		d.release(n - len(claimed))
		d.metrics.ClaimStarted(len(claimed))
		for _, job := range claimed {
			log.Debug().Str("job_id", job.ID).Str("kind", job.Kind).Msg("job claimed")
			jobs <- job
		}

		if len(claimed) == n {
			continue
		}

		var ok bool
		ok, wake = d.idle(ctx, wake)
		if !ok {
			return
		}
	}
}

// acquire blocks for one free slot, then takes as many more as are free
// without blocking, up to BatchSize. It returns 0 once ctx is done.
func (d *Dispatcher) acquire(ctx context.Context) int {
	if ctx.Err() != nil {
		return 0
	}

	select {
	case d.slots <- struct{}{}:
	case <-ctx.Done():
		return 0
	}

	n := 1
	for n < d.cfg.BatchSize {
		select {
		case d.slots <- struct{}{}:
			n++
		default:
			return n
		}
	}
	return n
}

func (d *Dispatcher) release(n int) {
	for i := 0; i < n; i++ {
		<-d.slots
	}
}

// idle waits PollInterval or until a wake-up arrives. A closed wake channel
// is replaced with nil so it stops firing.
func (d *Dispatcher) idle(ctx context.Context, wake <-chan struct{}) (bool, <-chan struct{}) {
	timer := time.NewTimer(d.cfg.PollInterval)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return false, wake
	case <-timer.C:
		return true, wake
	case _, ok := <-wake:
		if !ok {
			return true, nil
		}
		return true, wake
	}
}

func (d *Dispatcher) sleep(ctx context.Context, dur time.Duration) bool {
	timer := time.NewTimer(dur)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

func (d *Dispatcher) execute(execCtx context.Context, job *models.Job) {
	defer d.release(1)
	defer d.metrics.ClaimFinished(1)

	logger := log.With().Str("job_id", job.ID).Str("kind", job.Kind).Logger()

	if execCtx.Err() != nil {
		logger.Warn().Msg("shutdown deadline passed before job started, leaving it for lease expiry")
		return
	}

	start := time.Now()
	err := d.runHandler(logger.WithContext(execCtx), job)

	if err != nil && execCtx.Err() != nil {
		logger.Warn().Err(err).Msg("handler cancelled by shutdown, leaving job for lease expiry")
		return
	}

	ackCtx, cancel := context.WithTimeout(context.WithoutCancel(execCtx), ackTimeout)
	defer cancel()

	if err == nil {
		if ackErr := d.queue.DeleteJob(ackCtx, job.ID, job.ClaimID); ackErr != nil {
			d.metrics.IncrementAckErrors()
			logger.Error().Err(ackErr).Msg("error deleting completed job")
			return
		}
		d.metrics.IncrementCompletedJobs()
		logger.Info().Dur("took", time.Since(start)).Msg("job completed successfully")
		return
	}

	logger.Warn().Err(err).Int("failure_count", job.FailureCount).Msg("job handler failed")
	if ackErr := d.queue.FailJob(ackCtx, job.ID, job.ClaimID, err); ackErr != nil {
		d.metrics.IncrementAckErrors()
		logger.Error().Err(ackErr).Msg("error recording job failure")
	}
}

// runHandler runs the job's handler under HandlerTimeout and turns panics into
// errors. The handler runs on its own goroutine so one that ignores its context
// still gives the slot back at the deadline; its late result is discarded.
func (d *Dispatcher) runHandler(ctx context.Context, job *models.Job) error {
	ctx, cancel := context.WithTimeout(ctx, d.cfg.HandlerTimeout)
	defer cancel()

	// Buffered so an abandoned handler can still send and exit.
	result := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				log.Ctx(ctx).Error().
					Interface("panic", r).
					Str("stack", string(debug.Stack())).
					Msg("job handler panicked")
				result <- fmt.Errorf("panic in job %s: %v", job.ID, r)
			}
		}()
		result <- d.registry.Dispatch(ctx, job)
	}()

	select {
	case err := <-result:
		if err == nil && errors.Is(ctx.Err(), context.DeadlineExceeded) {
			err = fmt.Errorf("handler exceeded timeout of %s", d.cfg.HandlerTimeout)
		}
		return err
	case <-ctx.Done():
		if !errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return ctx.Err()
		}
		// A cooperative handler usually returns right at the deadline.
		select {
		case err := <-result:
			if err == nil {
				err = fmt.Errorf("handler exceeded timeout of %s", d.cfg.HandlerTimeout)
			}
			return err
		default:
		}
		log.Ctx(ctx).Warn().Dur("handler_timeout", d.cfg.HandlerTimeout).Msg("handler ignored its deadline, abandoning it")
		return fmt.Errorf("handler exceeded timeout of %s: %w", d.cfg.HandlerTimeout, context.DeadlineExceeded)
	}
}

func kindStrings(r *registry.Registry) []string {
	kinds := r.Kinds()
	out := make([]string, len(kinds))
	for i, k := range kinds {
		out[i] = string(k)
	}
	return out
}
