package models

import (
	"time"

	"github.com/google/uuid"
)

// Organization is a tenant. Every credential, persona and analysis
// configuration belongs to exactly one organization, and access tokens
// are minted per organization.
type Organization struct {
	ID        uuid.UUID `db:"id"`
	Name      string    `db:"name"`
	IsActive  bool      `db:"is_active"`
	CreatedAt time.Time `db:"created_at"`
	UpdatedAt time.Time `db:"updated_at"`
}
