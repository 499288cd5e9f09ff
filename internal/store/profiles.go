package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"
)

// CreateFutureProfile inserts a persona. The narrative fields are
// sealed; the profile name stays plain for listing and joins.
func (s *Store) CreateFutureProfile(ctx context.Context, p *FutureProfile) error {
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	p.CreatedAt = now()
	p.UpdatedAt = p.CreatedAt

	values, err := s.codec.Encode(p.FutureValues)
	if err != nil {
		return fmt.Errorf("seal future_values: %w", err)
	}
	vision, err := s.codec.Encode(p.FutureVision)
	if err != nil {
		return fmt.Errorf("seal future_vision: %w", err)
	}
	obstacles, err := s.codec.Encode(p.FutureObstacles)
	if err != nil {
		return fmt.Errorf("seal future_obstacles: %w", err)
	}
	desc, err := s.codec.Encode(p.ProfileDescription)
	if err != nil {
		return fmt.Errorf("seal profile_description: %w", err)
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO future_profiles
		 (id, user_id, profile_name, future_values, future_vision, future_obstacles, profile_description, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		p.ID, p.UserID, p.ProfileName, values, vision, obstacles, desc, p.CreatedAt, p.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert future profile: %w", err)
	}
	return nil
}

// GetFutureProfile fetches a persona by id. Returns ErrNotFound if absent.
func (s *Store) GetFutureProfile(ctx context.Context, id string) (*FutureProfile, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, user_id, profile_name, future_values, future_vision, future_obstacles, profile_description, created_at, updated_at
		 FROM future_profiles WHERE id = ?`, id)

	var p FutureProfile
	var values, vision, obstacles, desc string
	err := row.Scan(&p.ID, &p.UserID, &p.ProfileName, &values, &vision, &obstacles, &desc, &p.CreatedAt, &p.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan future profile: %w", err)
	}
	if err := s.openProfileFields(&p, values, vision, obstacles, desc); err != nil {
		return nil, err
	}
	return &p, nil
}

// FutureProfilesByUser lists the user's personas, oldest first.
func (s *Store) FutureProfilesByUser(ctx context.Context, userID string) ([]*FutureProfile, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, user_id, profile_name, future_values, future_vision, future_obstacles, profile_description, created_at, updated_at
		 FROM future_profiles WHERE user_id = ? ORDER BY created_at ASC`, userID)
	if err != nil {
		return nil, fmt.Errorf("query future profiles: %w", err)
	}
	defer rows.Close()

	var profiles []*FutureProfile
	for rows.Next() {
		var p FutureProfile
		var values, vision, obstacles, desc string
		if err := rows.Scan(&p.ID, &p.UserID, &p.ProfileName, &values, &vision, &obstacles, &desc, &p.CreatedAt, &p.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan future profile: %w", err)
		}
		if err := s.openProfileFields(&p, values, vision, obstacles, desc); err != nil {
			return nil, err
		}
		profiles = append(profiles, &p)
	}
	return profiles, rows.Err()
}

func (s *Store) openProfileFields(p *FutureProfile, values, vision, obstacles, desc string) error {
	var err error
	if p.FutureValues, err = s.codec.Decode(values); err != nil {
		return fmt.Errorf("open future_values: %w", err)
	}
	if p.FutureVision, err = s.codec.Decode(vision); err != nil {
		return fmt.Errorf("open future_vision: %w", err)
	}
	if p.FutureObstacles, err = s.codec.Decode(obstacles); err != nil {
		return fmt.Errorf("open future_obstacles: %w", err)
	}
	if p.ProfileDescription, err = s.codec.Decode(desc); err != nil {
		return fmt.Errorf("open profile_description: %w", err)
	}
	return nil
}

// UpsertCurrentProfile inserts or replaces the user's questionnaire
// profile. The JSON blobs are structured data, not free text, and stay
// plain.
func (s *Store) UpsertCurrentProfile(ctx context.Context, p *CurrentProfile) error {
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	if p.CreatedAt.IsZero() {
		p.CreatedAt = now()
	}
	p.UpdatedAt = now()

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO current_profiles (id, user_id, demo_json, vals_json, bfi_json, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(user_id) DO UPDATE SET
		   demo_json = excluded.demo_json,
		   vals_json = excluded.vals_json,
		   bfi_json = excluded.bfi_json,
		   updated_at = excluded.updated_at`,
		p.ID, p.UserID, p.DemoJSON, p.ValsJSON, p.BFIJSON, p.CreatedAt, p.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("upsert current profile: %w", err)
	}
	return nil
}

// CurrentProfileByUser fetches the user's questionnaire profile.
// Returns ErrNotFound if absent.
func (s *Store) CurrentProfileByUser(ctx context.Context, userID string) (*CurrentProfile, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, user_id, demo_json, vals_json, bfi_json, created_at, updated_at
		 FROM current_profiles WHERE user_id = ?`, userID)

	var p CurrentProfile
	err := row.Scan(&p.ID, &p.UserID, &p.DemoJSON, &p.ValsJSON, &p.BFIJSON, &p.CreatedAt, &p.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan current profile: %w", err)
	}
	return &p, nil
}
