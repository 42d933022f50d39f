package database

import (
	"context"
	"fmt"
	"time"

	"github.com/benvon/sessiongate/internal/models"
	"github.com/google/uuid"
)

// LoginEventRepository handles login event database operations
type LoginEventRepository struct {
	db  *DB
	now func() time.Time
}

// NewLoginEventRepository creates a new login event repository
func NewLoginEventRepository(db *DB) *LoginEventRepository {
	return &LoginEventRepository{db: db, now: time.Now}
}

// Record stores a login event. Redelivered events are ignored; the returned
// bool is false when the event was already recorded.
func (r *LoginEventRepository) Record(ctx context.Context, event *models.LoginEvent) (bool, error) {
	query := `
		INSERT INTO login_events (id, subject_id, token_id, client_ip, occurred_at, recorded_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (id) DO NOTHING
	`

	res, err := r.db.ExecContext(ctx, query,
		event.ID.String(),
		event.Subject,
		event.TokenID,
		event.ClientIP,
		toMillis(event.OccurredAt),
		toMillis(r.now()),
	)
	if err != nil {
		return false, fmt.Errorf("failed to record login event: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read rows affected: %w", err)
	}
	return n == 1, nil
}

// ListBySubject returns the most recent login events for subject, newest first.
func (r *LoginEventRepository) ListBySubject(ctx context.Context, subject string, limit int) ([]*models.LoginEvent, error) {
	if limit <= 0 {
		limit = 10
	}
	query := `
		SELECT id, subject_id, token_id, client_ip, occurred_at
		FROM login_events
		WHERE subject_id = $1
		ORDER BY occurred_at DESC
		LIMIT $2
	`

	rows, err := r.db.QueryContext(ctx, query, subject, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list login events: %w", err)
	}
	defer func() {
		_ = rows.Close()
	}()

	var events []*models.LoginEvent
	for rows.Next() {
		var (
			e          models.LoginEvent
			id         string
			occurredAt int64
		)
		if err := rows.Scan(&id, &e.Subject, &e.TokenID, &e.ClientIP, &occurredAt); err != nil {
			return nil, fmt.Errorf("failed to scan login event: %w", err)
		}
		if e.ID, err = uuid.Parse(id); err != nil {
			return nil, fmt.Errorf("failed to parse login event id: %w", err)
		}
		e.OccurredAt = fromMillis(occurredAt)
		events = append(events, &e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate login events: %w", err)
	}
	return events, nil
}

// DeleteOlderThan removes events that occurred before cutoff and returns how
// many were deleted.
func (r *LoginEventRepository) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := r.db.ExecContext(ctx, `DELETE FROM login_events WHERE occurred_at < $1`, toMillis(cutoff))
	if err != nil {
		return 0, fmt.Errorf("failed to delete login events: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to read rows affected: %w", err)
	}
	return n, nil
}
