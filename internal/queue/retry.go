package queue

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/bradlymcgregorhale/bacollab-whatsapp/internal/domain"
)

// Retry backoff schedule, indexed by the job's RetryCount at failure time.
var defaultBackoff = []time.Duration{
	5 * time.Minute,
	50 * time.Minute,
	500 * time.Minute,
}

// RetryScheduler re-enqueues failed jobs after an escalating delay. Retries
// keep the same job identity and are not re-validated against the duplicate
// index. They are cancellable only by shutdown.
type RetryScheduler struct {
	backoff []time.Duration
	queue   *Queue
	logger  *slog.Logger

	mu      sync.Mutex
	timers  map[string]*time.Timer // job id -> armed timer
	stopped bool
}

type RetryConfig struct {
	Backoff []time.Duration // default [5m, 50m, 500m]
	Queue   *Queue
	Logger  *slog.Logger
}

func NewRetryScheduler(cfg RetryConfig) *RetryScheduler {
	if len(cfg.Backoff) == 0 {
		cfg.Backoff = defaultBackoff
	}
	return &RetryScheduler{
		backoff: cfg.Backoff,
		queue:   cfg.Queue,
		logger:  cfg.Logger,
		timers:  make(map[string]*time.Timer),
	}
}

// Schedule arms a delayed re-submission for job. Returns the delay and the
// upcoming attempt number (1-based) so the user can be told, or ok=false
// when the schedule is exhausted and the failure is terminal.
func (r *RetryScheduler) Schedule(ctx context.Context, job *domain.SubmissionJob) (time.Duration, int, bool) {
	if job.RetryCount >= len(r.backoff) {
		return 0, 0, false
	}
	delay := r.backoff[job.RetryCount]
	attempt := job.RetryCount + 1

	r.mu.Lock()
	if r.stopped {
		r.mu.Unlock()
		return 0, 0, false
	}
	r.timers[job.ID] = time.AfterFunc(delay, func() {
		r.mu.Lock()
		delete(r.timers, job.ID)
		stopped := r.stopped
		r.mu.Unlock()
		if stopped || ctx.Err() != nil {
			return
		}
		job.RetryCount++
		r.logger.Info("retrying submission", "job", job.ID, "attempt", job.RetryCount)
		r.queue.Push(ctx, job)
	})
	r.mu.Unlock()

	r.logger.Info("retry scheduled", "job", job.ID, "attempt", attempt, "delay", delay)
	return delay, attempt, true
}

// MaxAttempts is the total number of retries the schedule allows.
func (r *RetryScheduler) MaxAttempts() int { return len(r.backoff) }

// Exhausted reports whether the job has no retries left.
func (r *RetryScheduler) Exhausted(job *domain.SubmissionJob) bool {
	return job.RetryCount >= len(r.backoff)
}

// Stop cancels every armed retry. Only process shutdown does this.
func (r *RetryScheduler) Stop() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stopped = true
	for id, t := range r.timers {
		t.Stop()
		delete(r.timers, id)
	}
}
