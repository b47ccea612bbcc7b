// Package queue serializes submission jobs through the single external
// browser session: one global FIFO, one worker, fixed delay between jobs.
package queue

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/bradlymcgregorhale/bacollab-whatsapp/internal/domain"
)

const defaultInterJobDelay = 2 * time.Second

// Submit performs one submission attempt. It must handle every outcome
// itself (success, retry scheduling, clarification) and never panic: an
// escaped error would stall the only worker permanently.
type Submit func(ctx context.Context, job *domain.SubmissionJob)

// AmendResult reports what a correction did to a sender's queued job.
type AmendResult int

const (
	AmendNotFound AmendResult = iota
	AmendApplied              // job was still queued, address changed in place
	AmendInFlight             // job already dequeued; caller must enqueue a corrected copy
)

// Queue is the global submission FIFO. The worker guard is not re-entrant:
// a second drain while one is running is a no-op.
type Queue struct {
	mu         sync.Mutex
	jobs       []*domain.SubmissionJob
	processing bool
	inFlight   *domain.SubmissionJob // job being submitted, nil when idle

	delay  time.Duration
	submit Submit
	logger *slog.Logger
}

type Config struct {
	InterJobDelay time.Duration // default 2s, throttles the shared browser session
	Submit        Submit
	Logger        *slog.Logger
}

func New(cfg Config) *Queue {
	if cfg.InterJobDelay <= 0 {
		cfg.InterJobDelay = defaultInterJobDelay
	}
	return &Queue{
		delay:  cfg.InterJobDelay,
		submit: cfg.Submit,
		logger: cfg.Logger,
	}
}

// Push appends a job and starts the worker if it is not already draining.
func (q *Queue) Push(ctx context.Context, job *domain.SubmissionJob) {
	q.mu.Lock()
	q.jobs = append(q.jobs, job)
	depth := len(q.jobs)
	start := !q.processing
	if start {
		q.processing = true
	}
	q.mu.Unlock()

	q.logger.Info("job enqueued", "job", job.ID, "sender", job.SenderID, "depth", depth)
	if start {
		go q.drain(ctx)
	}
}

func (q *Queue) drain(ctx context.Context) {
	for {
		q.mu.Lock()
		if len(q.jobs) == 0 || ctx.Err() != nil {
			q.processing = false
			q.inFlight = nil
			q.mu.Unlock()
			return
		}
		job := q.jobs[0]
		q.jobs = q.jobs[1:]
		q.inFlight = job
		q.mu.Unlock()

		q.submit(ctx, job)

		q.mu.Lock()
		q.inFlight = nil
		q.mu.Unlock()

		// Fixed pause between jobs: the submission channel is one stateful
		// browser session and does not tolerate back-to-back runs.
		select {
		case <-ctx.Done():
		case <-time.After(q.delay):
		}
	}
}

// AmendAddress applies an address correction to the sender's oldest queued
// job. When the job is already being submitted it cannot be cancelled; the
// caller enqueues a corrected copy instead.
func (q *Queue) AmendAddress(senderID, address string) AmendResult {
	q.mu.Lock()
	defer q.mu.Unlock()

	for _, job := range q.jobs {
		if job.SenderID == senderID {
			job.Draft.Address = address
			return AmendApplied
		}
	}
	if q.inFlight != nil && q.inFlight.SenderID == senderID {
		return AmendInFlight
	}
	return AmendNotFound
}

// InFlightJob returns a copy of the job currently being submitted for the
// sender, if any. In-flight work cannot be cancelled; corrections clone it.
func (q *Queue) InFlightJob(senderID string) (domain.SubmissionJob, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.inFlight != nil && q.inFlight.SenderID == senderID {
		return *q.inFlight, true
	}
	return domain.SubmissionJob{}, false
}

// Depth returns the number of queued (not in-flight) jobs.
func (q *Queue) Depth() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.jobs)
}
