package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"
)

// CreateReport inserts a report row in GENERATING state.
func (s *Store) CreateReport(ctx context.Context, userID string) (*Report, error) {
	r := &Report{
		ID:        uuid.NewString(),
		UserID:    userID,
		Status:    ReportGenerating,
		CreatedAt: now(),
		UpdatedAt: now(),
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO reports (id, user_id, content, status, created_at, updated_at)
		 VALUES (?, ?, '', ?, ?, ?)`,
		r.ID, r.UserID, r.Status, r.CreatedAt, r.UpdatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("insert report: %w", err)
	}
	return r, nil
}

// GetReport fetches a report by id. Returns ErrNotFound if absent.
func (s *Store) GetReport(ctx context.Context, id string) (*Report, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, user_id, content, status, created_at, updated_at
		 FROM reports WHERE id = ?`, id)
	return s.scanReport(row)
}

// LatestReportByUser fetches the user's most recent report.
// Returns ErrNotFound if they have none.
func (s *Store) LatestReportByUser(ctx context.Context, userID string) (*Report, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, user_id, content, status, created_at, updated_at
		 FROM reports WHERE user_id = ? ORDER BY created_at DESC, id DESC LIMIT 1`, userID)
	return s.scanReport(row)
}

// GeneratingReportByUser fetches the user's in-flight report, if any.
// Returns ErrNotFound when no report is currently GENERATING.
func (s *Store) GeneratingReportByUser(ctx context.Context, userID string) (*Report, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, user_id, content, status, created_at, updated_at
		 FROM reports WHERE user_id = ? AND status = ? LIMIT 1`, userID, ReportGenerating)
	return s.scanReport(row)
}

// CompleteReport writes the generated content and flips the report to
// READY in one statement, conditional on it still being GENERATING.
// Content and terminal state land together or not at all.
func (s *Store) CompleteReport(ctx context.Context, id, content string) (bool, error) {
	sealed, err := s.codec.Encode(content)
	if err != nil {
		return false, fmt.Errorf("seal report content: %w", err)
	}

	res, err := s.db.ExecContext(ctx,
		`UPDATE reports SET content = ?, status = ?, updated_at = ?
		 WHERE id = ? AND status = ?`,
		sealed, ReportReady, now(), id, ReportGenerating,
	)
	if err != nil {
		return false, fmt.Errorf("complete report %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if n > 0 {
		s.logger.Info("report status changed", "report_id", id, "from", ReportGenerating, "to", ReportReady)
	}
	return n > 0, nil
}

// FailReport moves a report to FAILED, conditional on it still being
// GENERATING. Safe to call on an already-terminal report.
func (s *Store) FailReport(ctx context.Context, id string) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE reports SET status = ?, updated_at = ? WHERE id = ? AND status = ?`,
		ReportFailed, now(), id, ReportGenerating,
	)
	if err != nil {
		return false, fmt.Errorf("fail report %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if n > 0 {
		s.logger.Info("report status changed", "report_id", id, "from", ReportGenerating, "to", ReportFailed)
	}
	return n > 0, nil
}

func (s *Store) scanReport(row *sql.Row) (*Report, error) {
	var r Report
	var sealed string
	err := row.Scan(&r.ID, &r.UserID, &sealed, &r.Status, &r.CreatedAt, &r.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan report: %w", err)
	}
	if r.Content, err = s.codec.Decode(sealed); err != nil {
		return nil, fmt.Errorf("open report content: %w", err)
	}
	return &r, nil
}
