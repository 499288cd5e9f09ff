// Package queue carries generation jobs from the submission path to the
// background workers. Two transports share one job envelope: an
// in-process channel queue for tests and single-node deployments, and
// an MQTT transport for setups where submission and workers run apart.
// Both deliver at least once; the workers' conditional state updates
// make redelivery harmless.
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// Task names.
const (
	// TaskProcessLetter fans a submitted letter out to persona replies.
	TaskProcessLetter = "process_letter"
	// TaskGenerateReport builds a WOOP summary report.
	TaskGenerateReport = "generate_report"
)

// Job is the envelope for one unit of background work. Attempt starts
// at 0 and is incremented by the worker on each retry enqueue.
type Job struct {
	Task   string `json:"task"`
	UserID string `json:"user_id"`
	// LetterID is set for process_letter jobs, and optionally for
	// generate_report jobs to pin the report to one letter.
	LetterID string `json:"letter_id,omitempty"`
	// ReportID is set for generate_report jobs.
	ReportID string `json:"report_id,omitempty"`
	// FutureProfileID optionally narrows a report to one persona's
	// conversation.
	FutureProfileID string `json:"future_profile_id,omitempty"`
	Attempt         int    `json:"attempt"`
}

// Validate checks that the envelope carries what its task needs.
func (j Job) Validate() error {
	if j.UserID == "" {
		return fmt.Errorf("job missing user_id")
	}
	switch j.Task {
	case TaskProcessLetter:
		if j.LetterID == "" {
			return fmt.Errorf("process_letter job missing letter_id")
		}
	case TaskGenerateReport:
		if j.ReportID == "" {
			return fmt.Errorf("generate_report job missing report_id")
		}
	default:
		return fmt.Errorf("unknown task %q", j.Task)
	}
	if j.Attempt < 0 {
		return fmt.Errorf("negative attempt %d", j.Attempt)
	}
	return nil
}

// Encode serializes the job for the wire.
func (j Job) Encode() ([]byte, error) {
	return json.Marshal(j)
}

// DecodeJob parses a wire payload and validates it.
func DecodeJob(payload []byte) (Job, error) {
	var j Job
	if err := json.Unmarshal(payload, &j); err != nil {
		return Job{}, fmt.Errorf("decode job: %w", err)
	}
	if err := j.Validate(); err != nil {
		return Job{}, err
	}
	return j, nil
}

// Handler processes one delivered job. Handlers own their error
// handling (retry enqueue, terminal failure marking); the transports
// only deliver.
type Handler func(ctx context.Context, job Job)

// Queue is the producer side of the job pipeline.
type Queue interface {
	// Enqueue delivers a job to a worker as soon as one is free.
	Enqueue(ctx context.Context, job Job) error
	// EnqueueAfter delivers a job after the given delay. Used for
	// retry backoff.
	EnqueueAfter(ctx context.Context, job Job, delay time.Duration) error
}
