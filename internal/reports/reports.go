// Package reports handles WOOP summary requests and reads. Requesting
// queues a generation job; reading extracts the structured summary
// from the stored raw provider text, with an apology fallback when the
// text cannot be parsed.
package reports

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/postself/postself/internal/events"
	"github.com/postself/postself/internal/queue"
	"github.com/postself/postself/internal/store"
	"github.com/postself/postself/internal/woop"
)

// ErrReportInProgress is returned when the user already has a report
// generating. Callers map it to REPORT_IN_PROGRESS.
var ErrReportInProgress = errors.New("report generation already in progress")

// ErrNoLetter is returned when a report is requested before any letter
// exists.
var ErrNoLetter = errors.New("no letter to summarize")

// Scope optionally narrows a report request.
type Scope struct {
	// LetterID pins the report to one letter instead of the user's
	// current one.
	LetterID string
	// FutureProfileID restricts the transcript to one persona's
	// conversation.
	FutureProfileID string
}

// Service owns report requests and reads.
type Service struct {
	store  *store.Store
	queue  queue.Queue
	bus    *events.Bus
	logger *slog.Logger
}

// NewService creates a reports Service. bus may be nil.
func NewService(st *store.Store, q queue.Queue, bus *events.Bus, logger *slog.Logger) *Service {
	return &Service{store: st, queue: q, bus: bus, logger: logger}
}

// Request creates a GENERATING report and queues its job. At most one
// report generates per user at a time.
func (s *Service) Request(ctx context.Context, userID string, scope Scope) (*store.Report, error) {
	if _, err := s.store.LetterByUser(ctx, userID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, ErrNoLetter
		}
		return nil, fmt.Errorf("check letter: %w", err)
	}

	if _, err := s.store.GeneratingReportByUser(ctx, userID); err == nil {
		return nil, ErrReportInProgress
	} else if !errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("check in-progress report: %w", err)
	}

	report, err := s.store.CreateReport(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("create report: %w", err)
	}

	job := queue.Job{
		Task:            queue.TaskGenerateReport,
		UserID:          userID,
		ReportID:        report.ID,
		LetterID:        scope.LetterID,
		FutureProfileID: scope.FutureProfileID,
	}
	if err := s.queue.Enqueue(ctx, job); err != nil {
		// Leave no orphan stuck in GENERATING.
		if _, failErr := s.store.FailReport(ctx, report.ID); failErr != nil {
			s.logger.Error("failing unqueued report", "report_id", report.ID, "error", failErr)
		}
		return nil, fmt.Errorf("enqueue report job: %w", err)
	}

	s.bus.Publish(events.Event{
		Timestamp: time.Now(),
		Source:    events.SourceReports,
		Kind:      events.KindReportRequested,
		Data:      map[string]any{"report_id": report.ID, "user_id": userID},
	})
	s.logger.Info("report requested", "report_id", report.ID, "user_id", userID)
	return report, nil
}

// Status returns the user's most recent report. ErrNotFound when none
// was ever requested.
func (s *Service) Status(ctx context.Context, userID string) (*store.Report, error) {
	return s.store.LatestReportByUser(ctx, userID)
}

// View is a readable report: the extracted summary plus the report's
// lifecycle state.
type View struct {
	Report  *store.Report
	Summary woop.Summary
	// Degraded is true when the stored text could not be parsed and
	// the apology fallback is being served.
	Degraded bool
}

// Read returns the user's most recent READY report with its extracted
// summary. A stored report whose text no longer parses is served as
// the fallback summary rather than an error.
func (s *Service) Read(ctx context.Context, userID string) (*View, error) {
	report, err := s.store.LatestReportByUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	if report.Status != store.ReportReady {
		return &View{Report: report}, nil
	}

	summary, err := woop.Extract(report.Content)
	if err != nil {
		s.logger.Warn("stored report not extractable, serving fallback", "report_id", report.ID, "error", err)
		return &View{Report: report, Summary: woop.Fallback(), Degraded: true}, nil
	}
	return &View{Report: report, Summary: summary}, nil
}
