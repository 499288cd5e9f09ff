package queue

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// Memory is a channel-backed in-process queue. Jobs survive only as
// long as the process; single-node deployments accept that, and the
// workers' idempotent handlers mean a crash loses at most in-flight
// work, never corrupts it.
type Memory struct {
	jobs   chan Job
	logger *slog.Logger

	mu     sync.Mutex
	timers map[*time.Timer]struct{}
	closed bool
}

// NewMemory creates an in-process queue with the given buffer size.
func NewMemory(buffer int, logger *slog.Logger) *Memory {
	return &Memory{
		jobs:   make(chan Job, buffer),
		logger: logger,
		timers: make(map[*time.Timer]struct{}),
	}
}

// Enqueue delivers the job to the channel, blocking if the buffer is
// full until a worker drains it or ctx is done.
func (m *Memory) Enqueue(ctx context.Context, job Job) error {
	if err := job.Validate(); err != nil {
		return err
	}
	m.mu.Lock()
	closed := m.closed
	m.mu.Unlock()
	if closed {
		return fmt.Errorf("queue closed")
	}
	select {
	case m.jobs <- job:
		m.logger.Debug("job enqueued", "task", job.Task, "attempt", job.Attempt)
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// EnqueueAfter schedules the job for delivery after delay. The timer
// lives in-process; a restart drops pending retries, which the
// lifecycle tolerates (the job's entity stays in its pre-terminal
// state and can be re-driven).
func (m *Memory) EnqueueAfter(_ context.Context, job Job, delay time.Duration) error {
	if err := job.Validate(); err != nil {
		return err
	}
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return fmt.Errorf("queue closed")
	}
	var t *time.Timer
	t = time.AfterFunc(delay, func() {
		m.mu.Lock()
		delete(m.timers, t)
		closed := m.closed
		m.mu.Unlock()
		if closed {
			return
		}
		m.jobs <- job
	})
	m.timers[t] = struct{}{}
	m.mu.Unlock()
	m.logger.Debug("job scheduled", "task", job.Task, "attempt", job.Attempt, "delay", delay.String())
	return nil
}

// Run delivers jobs to handler until ctx is cancelled. Multiple Run
// calls may share the queue; each delivery goes to exactly one of
// them.
func (m *Memory) Run(ctx context.Context, handler Handler) {
	for {
		select {
		case <-ctx.Done():
			return
		case job := <-m.jobs:
			handler(ctx, job)
		}
	}
}

// Close stops pending delay timers. Jobs already in the buffer are
// left for any still-running consumers.
func (m *Memory) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return
	}
	m.closed = true
	for t := range m.timers {
		t.Stop()
	}
	m.timers = nil
}
