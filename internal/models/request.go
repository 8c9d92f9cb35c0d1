package models

import (
	"time"

	"github.com/google/uuid"
)

// RequestStatus is the lifecycle state of a relayed request.
type RequestStatus string

const (
	RequestPending   RequestStatus = "pending"
	RequestCompleted RequestStatus = "completed"
	RequestFailed    RequestStatus = "failed"
	RequestCancelled RequestStatus = "cancelled"
)

// Terminal reports whether the status marks a finished request.
func (s RequestStatus) Terminal() bool {
	return s == RequestCompleted || s == RequestFailed || s == RequestCancelled
}

// Request is one relayed upstream call. RequestID is the proxy-assigned
// identifier returned to the caller; ResponseID is the upstream-assigned
// one, filled in as soon as it is observed.
type Request struct {
	ID              uuid.UUID     `db:"id"`
	RequestID       string        `db:"request_id"`
	ResponseID      *string       `db:"response_id"`
	SessionID       uuid.UUID     `db:"session_id"`
	UserID          uuid.UUID     `db:"user_id"`
	CredentialID    uuid.UUID     `db:"credential_id"`
	PersonaID       *uuid.UUID    `db:"persona_id"`
	Model           string        `db:"model"`
	RequestPayload  JSONB         `db:"request_payload"`
	ResponsePayload JSONB         `db:"response_payload"`
	Status          RequestStatus `db:"status"`
	ErrorMessage    *string       `db:"error_message"`
	Rating          *int          `db:"rating"`
	RatingFeedback  *string       `db:"rating_feedback"`
	RatedAt         *time.Time    `db:"rated_at"`
	CreatedAt       time.Time     `db:"created_at"`
	CompletedAt     *time.Time    `db:"completed_at"`
}
