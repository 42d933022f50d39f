package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/benvon/sessiongate/internal/autherr"
	"github.com/benvon/sessiongate/internal/models"
)

// ErrNotFound is returned when a lookup matches no row.
var ErrNotFound = errors.New("not found")

// IdentityRepository handles identity database operations
type IdentityRepository struct {
	db  *DB
	now func() time.Time
}

// NewIdentityRepository creates a new identity repository
func NewIdentityRepository(db *DB) *IdentityRepository {
	return &IdentityRepository{db: db, now: time.Now}
}

// Upsert records a login for subjectID in one conditional write: the row is
// created if absent, otherwise email, display name and last_login are
// updated. When logins race, last_login never moves backwards and the profile
// fields come from the latest login. Any database failure is returned as
// autherr.StoreUnavailable.
func (r *IdentityRepository) Upsert(ctx context.Context, subjectID, email, displayName string) (*models.Identity, error) {
	if subjectID == "" {
		return nil, fmt.Errorf("subject id is required")
	}

	query := `
		INSERT INTO identities (subject_id, email, display_name, last_login, created_at)
		VALUES ($1, $2, $3, $4, $4)
		ON CONFLICT (subject_id) DO UPDATE SET
			email = CASE WHEN excluded.last_login >= identities.last_login
				THEN excluded.email ELSE identities.email END,
			display_name = CASE WHEN excluded.last_login >= identities.last_login
				THEN excluded.display_name ELSE identities.display_name END,
			last_login = CASE WHEN excluded.last_login > identities.last_login
				THEN excluded.last_login ELSE identities.last_login END
		RETURNING subject_id, email, display_name, last_login, created_at
	`

	var (
		identity             models.Identity
		lastLogin, createdAt int64
	)
	err := r.db.QueryRowContext(ctx, query,
		subjectID,
		email,
		displayName,
		toMillis(r.now()),
	).Scan(&identity.SubjectID, &identity.Email, &identity.DisplayName, &lastLogin, &createdAt)
	if err != nil {
		return nil, autherr.New(autherr.StoreUnavailable, fmt.Errorf("failed to upsert identity: %w", err))
	}

	identity.LastLogin = fromMillis(lastLogin)
	identity.CreatedAt = fromMillis(createdAt)
	return &identity, nil
}

// GetBySubject retrieves an identity by subject identifier
func (r *IdentityRepository) GetBySubject(ctx context.Context, subjectID string) (*models.Identity, error) {
	query := `
		SELECT subject_id, email, display_name, last_login, created_at
		FROM identities
		WHERE subject_id = $1
	`

	var (
		identity             models.Identity
		lastLogin, createdAt int64
	)
	err := r.db.QueryRowContext(ctx, query, subjectID).Scan(
		&identity.SubjectID,
		&identity.Email,
		&identity.DisplayName,
		&lastLogin,
		&createdAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("identity %q: %w", subjectID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get identity: %w", err)
	}

	identity.LastLogin = fromMillis(lastLogin)
	identity.CreatedAt = fromMillis(createdAt)
	return &identity, nil
}

// Count returns the number of identity rows for subjectID (zero or one).
func (r *IdentityRepository) Count(ctx context.Context, subjectID string) (int, error) {
	var n int
	err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM identities WHERE subject_id = $1`, subjectID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count identities: %w", err)
	}
	return n, nil
}
