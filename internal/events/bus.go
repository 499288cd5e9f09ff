// Package events provides a publish/subscribe event bus for operational
// observability. Events flow from pipeline components (workers, chat
// guard, report builder) to subscribers (log tail, future metrics
// collector). The bus is nil-safe: calling Publish on a nil *Bus is a
// no-op, so components do not need guard checks.
package events

import (
	"sync"
	"time"
)

// Source constants identify which component published an event.
const (
	// SourceWorker identifies events from the background job workers.
	SourceWorker = "worker"
	// SourceLetters identifies events from letter submission.
	SourceLetters = "letters"
	// SourceChat identifies events from the chat turn guard.
	SourceChat = "chat"
	// SourceReports identifies events from report generation.
	SourceReports = "reports"
	// SourceQueue identifies events from the job queue transport.
	SourceQueue = "queue"
)

// Kind constants describe the type of event within a source.
const (
	// KindJobStart signals a worker picked up a job.
	// Data: task, job_id, attempt.
	KindJobStart = "job_start"
	// KindJobDone signals a job finished successfully.
	// Data: task, job_id, attempt, duration_ms.
	KindJobDone = "job_done"
	// KindJobRetry signals a failed job was re-enqueued with a delay.
	// Data: task, job_id, attempt, delay_seconds, error.
	KindJobRetry = "job_retry"
	// KindJobFailed signals a job was marked terminally failed.
	// Data: task, job_id, attempt, error.
	KindJobFailed = "job_failed"

	// KindLetterSubmitted signals a letter was accepted for processing.
	// Data: letter_id, user_id.
	KindLetterSubmitted = "letter_submitted"
	// KindRepliesReady signals all persona replies for a letter exist.
	// Data: letter_id, user_id, replies.
	KindRepliesReady = "replies_ready"

	// KindTurnAccepted signals a chat turn passed the limit guard.
	// Data: user_id, future_profile_id, user_turns.
	KindTurnAccepted = "turn_accepted"
	// KindTurnRejected signals a chat turn hit the message limit.
	// Data: user_id, future_profile_id.
	KindTurnRejected = "turn_rejected"

	// KindReportRequested signals a report job was enqueued.
	// Data: report_id, user_id.
	KindReportRequested = "report_requested"
	// KindReportReady signals a report reached the READY state.
	// Data: report_id, user_id.
	KindReportReady = "report_ready"

	// KindQueueConnected signals the queue transport (re)connected.
	// Data: broker.
	KindQueueConnected = "queue_connected"
	// KindQueueDropped signals the queue transport lost its connection.
	// Data: error.
	KindQueueDropped = "queue_dropped"
)

// Event represents a single operational event published by a component.
type Event struct {
	// Timestamp is when the event occurred.
	Timestamp time.Time `json:"ts"`
	// Source identifies the component that published the event.
	Source string `json:"source"`
	// Kind describes the type of event within the source.
	Kind string `json:"kind"`
	// Data holds event-specific key/value pairs.
	Data map[string]any `json:"data,omitempty"`
}

// Bus is a non-blocking broadcast event bus. Subscribers receive events
// on buffered channels; slow subscribers miss events rather than
// blocking publishers.
type Bus struct {
	mu   sync.RWMutex
	subs map[chan Event]struct{}
	// recvToSend maps the receive-only channel returned by Subscribe
	// back to the bidirectional channel stored in subs. This allows
	// Unsubscribe to accept <-chan Event (the caller's view) without
	// an illegal type conversion.
	recvToSend map[<-chan Event]chan Event
}

// New creates a new event bus ready for use.
func New() *Bus {
	return &Bus{
		subs:       make(map[chan Event]struct{}),
		recvToSend: make(map[<-chan Event]chan Event),
	}
}

// Publish sends an event to all subscribers. Non-blocking: if a
// subscriber's channel is full, the event is dropped for that
// subscriber. Safe to call on a nil receiver (no-op).
func (b *Bus) Publish(e Event) {
	if b == nil {
		return
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for ch := range b.subs {
		select {
		case ch <- e:
		default:
			// Subscriber is full — drop the event rather than block.
		}
	}
}

// Subscribe returns a channel that receives published events. The
// caller must eventually call Unsubscribe to avoid resource leaks.
// bufSize controls the channel buffer.
func (b *Bus) Subscribe(bufSize int) <-chan Event {
	ch := make(chan Event, bufSize)
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs[ch] = struct{}{}
	b.recvToSend[ch] = ch
	return ch
}

// Unsubscribe removes a subscription and closes the channel. Safe to
// call with a channel that is already unsubscribed (no-op).
func (b *Bus) Unsubscribe(ch <-chan Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	sendCh, ok := b.recvToSend[ch]
	if !ok {
		return
	}
	delete(b.subs, sendCh)
	delete(b.recvToSend, ch)
	close(sendCh)
}

// SubscriberCount returns the number of active subscribers.
func (b *Bus) SubscriberCount() int {
	if b == nil {
		return 0
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
