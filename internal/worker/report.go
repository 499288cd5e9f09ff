package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/postself/postself/internal/compose"
	"github.com/postself/postself/internal/events"
	"github.com/postself/postself/internal/queue"
	"github.com/postself/postself/internal/store"
	"github.com/postself/postself/internal/woop"
)

// generateReport builds the WOOP summary for one report request. The
// raw provider text is persisted as-is; readers extract the structured
// record, falling back to an apology when extraction fails. Generation
// still validates extraction before committing so a malformed provider
// answer is retried rather than stored.
func (w *Worker) generateReport(ctx context.Context, job queue.Job) error {
	report, err := w.store.GetReport(ctx, job.ReportID)
	if errors.Is(err, store.ErrNotFound) {
		return dataErr("report %s not found", job.ReportID)
	}
	if err != nil {
		return fmt.Errorf("load report: %w", err)
	}
	if report.Status != store.ReportGenerating {
		w.logger.Info("report already in terminal state, skipping", "report_id", report.ID, "status", report.Status)
		return nil
	}

	letter, err := w.resolveLetter(ctx, job)
	if err != nil {
		return err
	}

	history, err := w.store.ChatHistory(ctx, job.UserID, job.FutureProfileID)
	if err != nil {
		return fmt.Errorf("load chat history: %w", err)
	}
	if job.FutureProfileID != "" && len(history) == 0 {
		return dataErr("no conversation with persona %s", job.FutureProfileID)
	}

	current, err := w.currentProfile(ctx, job.UserID)
	if err != nil {
		return err
	}

	raw, err := w.composer.Report(ctx, current, letter.Content, compose.FormatHistory(history))
	if err != nil {
		return fmt.Errorf("generate report: %w", err)
	}
	if _, err := woop.Extract(raw); err != nil {
		// The provider answered but not in the demanded shape; a retry
		// usually fixes this.
		return fmt.Errorf("provider output not extractable: %w", err)
	}

	won, err := w.store.CompleteReport(ctx, report.ID, raw)
	if err != nil {
		return fmt.Errorf("complete report: %w", err)
	}
	if won {
		w.bus.Publish(events.Event{
			Timestamp: time.Now(),
			Source:    events.SourceWorker,
			Kind:      events.KindReportReady,
			Data: map[string]any{
				"report_id": report.ID,
				"user_id":   job.UserID,
			},
		})
		w.logger.Info("report ready", "report_id", report.ID, "user_id", job.UserID)
	}
	return nil
}

// resolveLetter pins the report to the job's letter when one was
// named, else to the user's letter.
func (w *Worker) resolveLetter(ctx context.Context, job queue.Job) (*store.Letter, error) {
	var (
		letter *store.Letter
		err    error
	)
	if job.LetterID != "" {
		letter, err = w.store.GetLetter(ctx, job.LetterID)
	} else {
		letter, err = w.store.LetterByUser(ctx, job.UserID)
	}
	if errors.Is(err, store.ErrNotFound) {
		return nil, dataErr("no letter for report %s", job.ReportID)
	}
	if err != nil {
		return nil, fmt.Errorf("load letter: %w", err)
	}
	return letter, nil
}
