package queue

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestJobValidate(t *testing.T) {
	tests := []struct {
		name    string
		job     Job
		wantErr bool
	}{
		{"letter ok", Job{Task: TaskProcessLetter, UserID: "u", LetterID: "l"}, false},
		{"report ok", Job{Task: TaskGenerateReport, UserID: "u", ReportID: "r"}, false},
		{"report scoped", Job{Task: TaskGenerateReport, UserID: "u", ReportID: "r", LetterID: "l", FutureProfileID: "fp"}, false},
		{"missing user", Job{Task: TaskProcessLetter, LetterID: "l"}, true},
		{"letter missing letter_id", Job{Task: TaskProcessLetter, UserID: "u"}, true},
		{"report missing report_id", Job{Task: TaskGenerateReport, UserID: "u"}, true},
		{"unknown task", Job{Task: "reticulate_splines", UserID: "u"}, true},
		{"negative attempt", Job{Task: TaskProcessLetter, UserID: "u", LetterID: "l", Attempt: -1}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.job.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestJobRoundTrip(t *testing.T) {
	want := Job{Task: TaskGenerateReport, UserID: "u_1", ReportID: "r_1", FutureProfileID: "fp_1", Attempt: 2}
	payload, err := want.Encode()
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	got, err := DecodeJob(payload)
	if err != nil {
		t.Fatalf("DecodeJob: %v", err)
	}
	if got != want {
		t.Errorf("round trip = %+v, want %+v", got, want)
	}
}

func TestDecodeJobRejectsGarbage(t *testing.T) {
	if _, err := DecodeJob([]byte("not json")); err == nil {
		t.Error("expected error for non-JSON payload")
	}
	if _, err := DecodeJob([]byte(`{"task":"process_letter"}`)); err == nil {
		t.Error("expected validation error for incomplete job")
	}
}

func TestMemoryDeliversToHandler(t *testing.T) {
	q := NewMemory(4, testLogger())
	defer q.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	got := make(chan Job, 1)
	go q.Run(ctx, func(_ context.Context, job Job) {
		got <- job
	})

	want := Job{Task: TaskProcessLetter, UserID: "u", LetterID: "l"}
	if err := q.Enqueue(ctx, want); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	select {
	case job := <-got:
		if job != want {
			t.Errorf("delivered %+v, want %+v", job, want)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for delivery")
	}
}

func TestMemoryEnqueueRejectsInvalid(t *testing.T) {
	q := NewMemory(1, testLogger())
	defer q.Close()
	if err := q.Enqueue(context.Background(), Job{Task: "bogus"}); err == nil {
		t.Error("expected validation error")
	}
}

func TestMemoryEnqueueAfterDelays(t *testing.T) {
	q := NewMemory(4, testLogger())
	defer q.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	got := make(chan time.Time, 1)
	go q.Run(ctx, func(_ context.Context, _ Job) {
		got <- time.Now()
	})

	start := time.Now()
	job := Job{Task: TaskProcessLetter, UserID: "u", LetterID: "l", Attempt: 1}
	if err := q.EnqueueAfter(ctx, job, 50*time.Millisecond); err != nil {
		t.Fatalf("EnqueueAfter: %v", err)
	}

	select {
	case at := <-got:
		if elapsed := at.Sub(start); elapsed < 40*time.Millisecond {
			t.Errorf("delivered after %v, want >= ~50ms", elapsed)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for delayed delivery")
	}
}

func TestMemoryCloseStopsTimers(t *testing.T) {
	q := NewMemory(4, testLogger())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var mu sync.Mutex
	delivered := 0
	go q.Run(ctx, func(_ context.Context, _ Job) {
		mu.Lock()
		delivered++
		mu.Unlock()
	})

	job := Job{Task: TaskProcessLetter, UserID: "u", LetterID: "l"}
	if err := q.EnqueueAfter(ctx, job, 30*time.Millisecond); err != nil {
		t.Fatalf("EnqueueAfter: %v", err)
	}
	q.Close()

	time.Sleep(100 * time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	if delivered != 0 {
		t.Errorf("delivered %d jobs after Close, want 0", delivered)
	}
}

func TestMemoryEnqueueAfterClose(t *testing.T) {
	q := NewMemory(1, testLogger())
	q.Close()
	job := Job{Task: TaskProcessLetter, UserID: "u", LetterID: "l"}
	if err := q.Enqueue(context.Background(), job); err == nil {
		t.Error("expected error enqueueing on a closed queue")
	}
}

func TestMemoryMultipleConsumers(t *testing.T) {
	q := NewMemory(16, testLogger())
	defer q.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	const jobs = 10
	var wg sync.WaitGroup
	wg.Add(jobs)
	var mu sync.Mutex
	seen := make(map[string]int)

	handler := func(_ context.Context, job Job) {
		mu.Lock()
		seen[job.LetterID]++
		mu.Unlock()
		wg.Done()
	}
	go q.Run(ctx, handler)
	go q.Run(ctx, handler)

	for i := range jobs {
		job := Job{Task: TaskProcessLetter, UserID: "u", LetterID: "l_" + string(rune('a'+i))}
		if err := q.Enqueue(ctx, job); err != nil {
			t.Fatalf("Enqueue: %v", err)
		}
	}

	done := make(chan struct{})
	go func() { wg.Wait(); close(done) }()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for all deliveries")
	}

	mu.Lock()
	defer mu.Unlock()
	for id, n := range seen {
		if n != 1 {
			t.Errorf("job %s delivered %d times, want 1", id, n)
		}
	}
	if len(seen) != jobs {
		t.Errorf("saw %d distinct jobs, want %d", len(seen), jobs)
	}
}
