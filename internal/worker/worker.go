// Package worker executes queued generation jobs: fanning a submitted
// letter out to persona replies, and building WOOP summary reports.
// Failures are classified: data errors (the job can never succeed) mark
// the entity FAILED immediately, transient errors re-enqueue with
// exponential backoff until the attempt budget is spent.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/postself/postself/internal/compose"
	"github.com/postself/postself/internal/config"
	"github.com/postself/postself/internal/events"
	"github.com/postself/postself/internal/memory"
	"github.com/postself/postself/internal/queue"
	"github.com/postself/postself/internal/store"
)

// dataError marks a failure no retry can fix: a missing entity, a
// user with no personas, an empty conversation scope.
type dataError struct {
	err error
}

func (e *dataError) Error() string { return e.err.Error() }
func (e *dataError) Unwrap() error { return e.err }

func dataErr(format string, args ...any) error {
	return &dataError{err: fmt.Errorf(format, args...)}
}

func isDataError(err error) bool {
	var de *dataError
	return errors.As(err, &de)
}

// Worker processes jobs delivered by a queue transport. Its Handle
// method satisfies [queue.Handler].
type Worker struct {
	store     *store.Store
	composer  *compose.Composer
	retriever *memory.Retriever
	queue     queue.Queue
	bus       *events.Bus
	cfg       config.JobsConfig
	logger    *slog.Logger
}

// New creates a Worker. bus may be nil.
func New(st *store.Store, composer *compose.Composer, retriever *memory.Retriever, q queue.Queue, bus *events.Bus, cfg config.JobsConfig, logger *slog.Logger) *Worker {
	return &Worker{
		store:     st,
		composer:  composer,
		retriever: retriever,
		queue:     q,
		bus:       bus,
		cfg:       cfg,
		logger:    logger,
	}
}

// Handle runs one delivered job and owns the retry decision. It never
// returns an error: every failure path ends in either a delayed
// re-enqueue or a terminal FAILED mark.
func (w *Worker) Handle(ctx context.Context, job queue.Job) {
	start := time.Now()
	w.publish(events.KindJobStart, job, nil)
	w.logger.Info("job started", "task", job.Task, "attempt", job.Attempt, "user_id", job.UserID)

	err := w.process(ctx, job)
	if err == nil {
		w.publish(events.KindJobDone, job, map[string]any{"duration_ms": time.Since(start).Milliseconds()})
		w.logger.Info("job done", "task", job.Task, "attempt", job.Attempt, "duration", time.Since(start).String())
		return
	}

	if isDataError(err) {
		w.logger.Error("job failed on bad data, not retrying", "task", job.Task, "attempt", job.Attempt, "error", err)
		w.fail(ctx, job, err)
		return
	}

	next := job.Attempt + 1
	if next >= w.cfg.MaxAttempts {
		w.logger.Error("job failed, attempts exhausted", "task", job.Task, "attempt", job.Attempt, "error", err)
		w.fail(ctx, job, err)
		return
	}

	delay := w.retryDelay(job.Attempt)
	retry := job
	retry.Attempt = next
	if qErr := w.queue.EnqueueAfter(ctx, retry, delay); qErr != nil {
		w.logger.Error("retry enqueue failed", "task", job.Task, "error", qErr)
		w.fail(ctx, job, err)
		return
	}
	w.publish(events.KindJobRetry, job, map[string]any{
		"delay_seconds": int(delay.Seconds()),
		"error":         err.Error(),
	})
	w.logger.Warn("job failed, retry scheduled", "task", job.Task, "attempt", job.Attempt, "delay", delay.String(), "error", err)
}

// retryDelay doubles per failed attempt starting from the configured
// base: base, 2*base, 4*base, ...
func (w *Worker) retryDelay(attempt int) time.Duration {
	base := time.Duration(w.cfg.RetryBaseDelaySec) * time.Second
	return base * time.Duration(1<<attempt)
}

func (w *Worker) process(ctx context.Context, job queue.Job) error {
	switch job.Task {
	case queue.TaskProcessLetter:
		return w.processLetter(ctx, job)
	case queue.TaskGenerateReport:
		return w.generateReport(ctx, job)
	default:
		return dataErr("unknown task %q", job.Task)
	}
}

// fail marks the job's entity terminally FAILED. The conditional
// transitions make this a no-op when the entity already left its
// pre-terminal state.
func (w *Worker) fail(ctx context.Context, job queue.Job, cause error) {
	var err error
	switch job.Task {
	case queue.TaskProcessLetter:
		_, err = w.store.TransitionLetter(ctx, job.LetterID, store.LetterPending, store.LetterFailed)
	case queue.TaskGenerateReport:
		_, err = w.store.FailReport(ctx, job.ReportID)
	}
	if err != nil {
		w.logger.Error("marking job entity failed", "task", job.Task, "error", err)
	}
	w.publish(events.KindJobFailed, job, map[string]any{"error": cause.Error()})
}

func (w *Worker) publish(kind string, job queue.Job, extra map[string]any) {
	data := map[string]any{
		"task":    job.Task,
		"attempt": job.Attempt,
		"user_id": job.UserID,
	}
	for k, v := range extra {
		data[k] = v
	}
	w.bus.Publish(events.Event{
		Timestamp: time.Now(),
		Source:    events.SourceWorker,
		Kind:      kind,
		Data:      data,
	})
}

// RunPool starts n consumers draining q into this worker and blocks
// until ctx is cancelled.
func (w *Worker) RunPool(ctx context.Context, q *queue.Memory, n int) {
	done := make(chan struct{})
	for range n {
		go func() {
			q.Run(ctx, w.Handle)
			done <- struct{}{}
		}()
	}
	for range n {
		<-done
	}
}
