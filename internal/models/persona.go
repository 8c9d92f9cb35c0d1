package models

import (
	"time"

	"github.com/google/uuid"
)

// Persona is a reusable system-prompt template. Org-wide personas
// (UserID NULL) are visible to every user in the organization;
// user-scoped ones only to their owner.
type Persona struct {
	ID             uuid.UUID  `db:"id"`
	OrganizationID uuid.UUID  `db:"organization_id"`
	UserID         *uuid.UUID `db:"user_id"`
	Name           string     `db:"name"`
	Content        string     `db:"content"`
	Description    *string    `db:"description"`
	IsActive       bool       `db:"is_active"`
	CreatedAt      time.Time  `db:"created_at"`
	UpdatedAt      time.Time  `db:"updated_at"`
}

// VisibleTo reports whether the persona may be attached to a request made
// by the given user.
func (p *Persona) VisibleTo(userID uuid.UUID) bool {
	return p.UserID == nil || *p.UserID == userID
}
