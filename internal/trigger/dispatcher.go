// Package trigger drains the trigger queue into the build system's self-serve
// endpoint.
package trigger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/mattjoyce/tryextender/internal/events"
	"github.com/mattjoyce/tryextender/internal/log"
	"github.com/mattjoyce/tryextender/internal/queue"
)

const maxBackoff = time.Hour

// Observer receives dispatch metrics.
type Observer interface {
	ObserveTrigger(status string)
	SetQueueDepth(depth map[string]int)
}

type Config struct {
	PollInterval  time.Duration
	BackoffBase   time.Duration
	LogRetention  time.Duration
	PruneInterval time.Duration
}

// Dispatcher dequeues trigger jobs and submits them one at a time.
type Dispatcher struct {
	queue     QueueService
	submitter Submitter
	events    events.Publisher
	observer  Observer
	cfg       Config
	logger    *slog.Logger
	now       func() time.Time
}

// NewDispatcher creates a Dispatcher. events and observer may be nil.
func NewDispatcher(q QueueService, s Submitter, pub events.Publisher, obs Observer, cfg Config) *Dispatcher {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Second
	}
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = 30 * time.Second
	}
	if cfg.PruneInterval <= 0 {
		cfg.PruneInterval = time.Hour
	}
	return &Dispatcher{
		queue:     q,
		submitter: s,
		events:    pub,
		observer:  obs,
		cfg:       cfg,
		logger:    log.WithComponent("trigger"),
		now:       time.Now,
	}
}

// Start recovers jobs left running by a previous process, then runs the
// dispatch loop until ctx is cancelled.
func (d *Dispatcher) Start(ctx context.Context) error {
	if err := d.recoverOrphanedJobs(ctx); err != nil {
		return fmt.Errorf("trigger crash recovery failed: %w", err)
	}

	d.logger.Info("dispatch loop started", "poll_interval", d.cfg.PollInterval)
	defer d.logger.Info("dispatch loop stopped")

	ticker := time.NewTicker(d.cfg.PollInterval)
	defer ticker.Stop()
	lastPrune := time.Time{}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if _, err := d.ProcessNext(ctx); err != nil {
				d.logger.Error("failed to process trigger job", "error", err)
			}
			d.reportDepth(ctx)
			if now := d.now(); now.Sub(lastPrune) >= d.cfg.PruneInterval {
				lastPrune = now
				d.prune(ctx)
			}
		}
	}
}

// ProcessNext dequeues and submits one job. It reports whether a job was found.
func (d *Dispatcher) ProcessNext(ctx context.Context) (bool, error) {
	job, err := d.queue.Dequeue(ctx)
	if err != nil {
		return false, fmt.Errorf("dequeue: %w", err)
	}
	if job == nil {
		return false, nil
	}
	d.execute(ctx, job)
	return true, nil
}

func (d *Dispatcher) execute(ctx context.Context, job *queue.Job) {
	logger := d.logger.With("job_id", job.ID, "revision", job.Revision, "builder", job.Builder, "kind", job.Kind)
	logger.Info("submitting trigger", "attempt", job.Attempt)

	err := d.submitter.Trigger(ctx, job.Builder, job.Revision)
	switch {
	case err == nil:
		logger.Info("trigger accepted")
		d.finish(ctx, job, queue.StatusSucceeded, nil)
	case errors.Is(err, ErrRejected):
		msg := err.Error()
		logger.Warn("trigger rejected", "error", err)
		d.finish(ctx, job, queue.StatusFailed, &msg)
	case job.Attempt >= job.MaxAttempts:
		msg := fmt.Sprintf("max attempts (%d) reached: %v", job.MaxAttempts, err)
		logger.Error("trigger dead", "error", err)
		d.finish(ctx, job, queue.StatusDead, &msg)
	default:
		next := d.now().Add(d.backoff(job.Attempt))
		logger.Warn("trigger failed, will retry", "error", err, "next_retry_at", next)
		if rerr := d.queue.Retry(ctx, job.ID, next, err.Error()); rerr != nil {
			logger.Error("failed to schedule retry", "error", rerr)
		}
		d.observe("retried")
	}
}

// backoff doubles from BackoffBase per failed attempt, capped at an hour.
func (d *Dispatcher) backoff(attempt int) time.Duration {
	delay := d.cfg.BackoffBase
	for i := 1; i < attempt && delay < maxBackoff; i++ {
		delay *= 2
	}
	return min(delay, maxBackoff)
}

func (d *Dispatcher) finish(ctx context.Context, job *queue.Job, status queue.Status, lastError *string) {
	if err := d.queue.Complete(ctx, job.ID, status, lastError); err != nil {
		d.logger.Error("failed to complete job", "job_id", job.ID, "error", err)
		return
	}
	d.observe(string(status))
	if d.events == nil {
		return
	}
	payload := events.TriggerCompleted{
		JobID:    job.ID,
		Revision: job.Revision,
		Builder:  job.Builder,
		Status:   string(status),
		Attempt:  job.Attempt,
	}
	if lastError != nil {
		payload.Error = *lastError
	}
	d.events.Publish(events.TypeTriggerCompleted, payload)
}

// recoverOrphanedJobs requeues jobs marked running at startup, or marks them
// dead when they have no attempts left.
func (d *Dispatcher) recoverOrphanedJobs(ctx context.Context) error {
	running, err := d.queue.FindJobsByStatus(ctx, queue.StatusRunning)
	if err != nil {
		return fmt.Errorf("failed to find running jobs for recovery: %w", err)
	}
	if len(running) == 0 {
		return nil
	}
	d.logger.Warn("found orphaned trigger jobs", "count", len(running))

	for _, job := range running {
		if job.Attempt >= job.MaxAttempts {
			msg := fmt.Sprintf("marked dead during crash recovery: max attempts (%d) reached", job.MaxAttempts)
			d.finish(ctx, job, queue.StatusDead, &msg)
			continue
		}
		if err := d.queue.Retry(ctx, job.ID, d.now(), "interrupted by shutdown"); err != nil {
			d.logger.Error("failed to requeue orphaned job", "job_id", job.ID, "error", err)
		}
	}
	return nil
}

func (d *Dispatcher) reportDepth(ctx context.Context) {
	if d.observer == nil {
		return
	}
	depth, err := d.queue.Depth(ctx)
	if err != nil {
		d.logger.Warn("failed to read queue depth", "error", err)
		return
	}
	named := make(map[string]int, len(depth))
	for p, n := range depth {
		named[p.String()] = n
	}
	d.observer.SetQueueDepth(named)
}

func (d *Dispatcher) prune(ctx context.Context) {
	n, err := d.queue.PruneLogs(ctx, d.cfg.LogRetention)
	if err != nil {
		d.logger.Warn("failed to prune trigger log", "error", err)
		return
	}
	if n > 0 {
		d.logger.Info("pruned trigger log", "rows", n, "retention", d.cfg.LogRetention)
	}
}

func (d *Dispatcher) observe(status string) {
	if d.observer != nil {
		d.observer.ObserveTrigger(status)
	}
}
