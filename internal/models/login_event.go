package models

import (
	"time"

	"github.com/google/uuid"
)

// LoginEvent records a completed login. Events are published after the
// session token has been issued and consumed asynchronously by the worker.
type LoginEvent struct {
	ID         uuid.UUID `json:"id"`
	Subject    string    `json:"subject"`
	TokenID    string    `json:"token_id"`
	ClientIP   string    `json:"client_ip,omitempty"`
	OccurredAt time.Time `json:"occurred_at"`
}

// NewLoginEvent creates a login event for subject stamped with the given time.
func NewLoginEvent(subject, tokenID string, at time.Time) *LoginEvent {
	return &LoginEvent{
		ID:         uuid.New(),
		Subject:    subject,
		TokenID:    tokenID,
		OccurredAt: at.UTC(),
	}
}
