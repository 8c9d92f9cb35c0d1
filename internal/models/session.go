package models

import (
	"time"

	"github.com/google/uuid"
)

// Session groups the requests of one conversation. A session stays open
// until explicitly ended; requests carrying an unknown or foreign token
// get a fresh session instead of an error.
type Session struct {
	ID           uuid.UUID  `db:"id"`
	UserID       uuid.UUID  `db:"user_id"`
	SessionToken string     `db:"session_token"`
	StartedAt    time.Time  `db:"started_at"`
	EndedAt      *time.Time `db:"ended_at"`
}

// IsActive reports whether the session can still accept requests.
func (s *Session) IsActive() bool {
	return s.EndedAt == nil
}
