package models

import (
	"time"
)

// Identity is the durable record of a user who has logged in through the
// identity provider. SubjectID is the provider-issued subject and never changes.
type Identity struct {
	SubjectID   string    `json:"subject_id"`
	Email       string    `json:"email"`
	DisplayName string    `json:"display_name"`
	LastLogin   time.Time `json:"last_login"`
	CreatedAt   time.Time `json:"created_at"`
}
