package models

import (
	"time"

	"github.com/google/uuid"
)

// Credential maps a synthetic key handed to callers onto a real upstream
// API key. The upstream key is stored AES-GCM encrypted and never leaves
// the process except on outbound upstream calls.
//
// A credential is either user-scoped (UserID set) or an organization-wide
// default (UserID NULL). User-scoped credentials win during resolution.
type Credential struct {
	ID             uuid.UUID  `db:"id"`
	OrganizationID uuid.UUID  `db:"organization_id"`
	UserID         *uuid.UUID `db:"user_id"` // NULL = org-wide default
	SyntheticKey   string     `db:"synthetic_key"`
	EncryptedKey   string     `db:"encrypted_key"`
	Name           string     `db:"name"`
	Description    *string    `db:"description"`
	IsActive       bool       `db:"is_active"`
	CreatedAt      time.Time  `db:"created_at"`
	UpdatedAt      time.Time  `db:"updated_at"`
}

// IsUserScoped reports whether the credential is bound to a single user.
func (c *Credential) IsUserScoped() bool {
	return c.UserID != nil
}
