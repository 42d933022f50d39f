package database

import (
	"context"
	"fmt"
)

var schema = []string{
	`CREATE TABLE IF NOT EXISTS identities (
		subject_id   TEXT PRIMARY KEY,
		email        TEXT NOT NULL DEFAULT '',
		display_name TEXT NOT NULL DEFAULT '',
		last_login   BIGINT NOT NULL,
		created_at   BIGINT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS login_events (
		id          TEXT PRIMARY KEY,
		subject_id  TEXT NOT NULL,
		token_id    TEXT NOT NULL DEFAULT '',
		client_ip   TEXT NOT NULL DEFAULT '',
		occurred_at BIGINT NOT NULL,
		recorded_at BIGINT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_login_events_subject ON login_events (subject_id, occurred_at)`,
	`CREATE INDEX IF NOT EXISTS idx_login_events_occurred ON login_events (occurred_at)`,
}

// Migrate creates the tables this service owns. It is safe to run on every
// start.
func (db *DB) Migrate(ctx context.Context) error {
	for i, stmt := range schema {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to apply schema statement %d: %w", i+1, err)
		}
	}
	return nil
}
