package models

import (
	"time"

	"github.com/google/uuid"
)

// User is an external principal tracked by the proxy. Identity is the
// caller-supplied external ID, unique within an organization; rows are
// created lazily on first sight.
type User struct {
	ID             uuid.UUID `db:"id"`
	OrganizationID uuid.UUID `db:"organization_id"`
	ExternalID     string    `db:"external_id"`
	CreatedAt      time.Time `db:"created_at"`
}
