package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"llm_proxy/internal/models"
)

const credentialColumns = `
	id, organization_id, user_id, synthetic_key, encrypted_key,
	name, description, is_active, created_at, updated_at
`

// CredentialRepository handles credential database operations. Writes go
// through the vault cipher; resolution for relayed requests follows the
// user-scoped-first priority.
type CredentialRepository struct {
	db  *DB
	enc *Encryption
}

// NewCredentialRepository creates a new credential repository
func NewCredentialRepository(db *DB, enc *Encryption) *CredentialRepository {
	return &CredentialRepository{db: db, enc: enc}
}

// Create stores a credential, encrypting the upstream key. The caller
// fills SyntheticKey; a collision on it surfaces as ErrDuplicateSyntheticKey
// so the caller can regenerate and retry. Creating a second active
// org-wide default returns ErrDuplicateDefaultCredential.
func (r *CredentialRepository) Create(ctx context.Context, cred *models.Credential, upstreamKey string) error {
	encrypted, err := r.enc.EncryptString(upstreamKey)
	if err != nil {
		return fmt.Errorf("failed to encrypt upstream key: %w", err)
	}
	cred.EncryptedKey = encrypted

	query := `
		INSERT INTO credentials (organization_id, user_id, synthetic_key, encrypted_key,
		                         name, description, is_active)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING id, created_at, updated_at
	`

	err = r.db.conn.QueryRowxContext(ctx, query,
		cred.OrganizationID, cred.UserID, cred.SyntheticKey, cred.EncryptedKey,
		cred.Name, cred.Description, cred.IsActive,
	).Scan(&cred.ID, &cred.CreatedAt, &cred.UpdatedAt)
	if err != nil {
		if constraint, ok := uniqueViolationConstraint(err); ok {
			if constraint == "credentials_org_default_active" {
				return ErrDuplicateDefaultCredential
			}
			return ErrDuplicateSyntheticKey
		}
		return fmt.Errorf("failed to create credential: %w", err)
	}

	return nil
}

// GetBySyntheticKey resolves a synthetic key to its credential. Hits the
// LRU cache first; negative results are not cached.
func (r *CredentialRepository) GetBySyntheticKey(ctx context.Context, syntheticKey string) (*models.Credential, error) {
	if cached, ok := r.db.credentialCache.Get(syntheticKey); ok {
		return cached.(*models.Credential), nil
	}

	var cred models.Credential
	query := `SELECT ` + credentialColumns + ` FROM credentials WHERE synthetic_key = $1`

	err := r.db.conn.GetContext(ctx, &cred, query, syntheticKey)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrCredentialNotFound
		}
		return nil, fmt.Errorf("failed to get credential: %w", err)
	}

	r.db.credentialCache.Set(syntheticKey, &cred)
	return &cred, nil
}

// GetByID retrieves a credential by ID
func (r *CredentialRepository) GetByID(ctx context.Context, id uuid.UUID) (*models.Credential, error) {
	var cred models.Credential
	query := `SELECT ` + credentialColumns + ` FROM credentials WHERE id = $1`

	err := r.db.conn.GetContext(ctx, &cred, query, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrCredentialNotFound
		}
		return nil, fmt.Errorf("failed to get credential: %w", err)
	}

	return &cred, nil
}

// ResolveForRequest picks the credential serving a relayed request:
// the user's own active credential when one exists, otherwise the
// organization-wide active default. No match means the request cannot
// be authorized (ErrNoCredentialAvailable).
func (r *CredentialRepository) ResolveForRequest(ctx context.Context, orgID, userID uuid.UUID) (*models.Credential, error) {
	var cred models.Credential
	query := `
		SELECT ` + credentialColumns + `
		FROM credentials
		WHERE organization_id = $1
		  AND is_active
		  AND (user_id = $2 OR user_id IS NULL)
		ORDER BY (user_id IS NOT NULL) DESC, created_at DESC
		LIMIT 1
	`

	err := r.db.conn.GetContext(ctx, &cred, query, orgID, userID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNoCredentialAvailable
		}
		return nil, fmt.Errorf("failed to resolve credential: %w", err)
	}

	return &cred, nil
}

// ResolveDefault picks any active credential for the organization,
// preferring the org-wide default. Used by background callers such as
// analysis that act without a user context.
func (r *CredentialRepository) ResolveDefault(ctx context.Context, orgID uuid.UUID) (*models.Credential, error) {
	var cred models.Credential
	query := `
		SELECT ` + credentialColumns + `
		FROM credentials
		WHERE organization_id = $1 AND is_active
		ORDER BY (user_id IS NULL) DESC, created_at DESC
		LIMIT 1
	`

	err := r.db.conn.GetContext(ctx, &cred, query, orgID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNoCredentialAvailable
		}
		return nil, fmt.Errorf("failed to resolve credential: %w", err)
	}

	return &cred, nil
}

// DecryptKey recovers the upstream API key of a credential.
func (r *CredentialRepository) DecryptKey(cred *models.Credential) (string, error) {
	return r.enc.DecryptString(cred.EncryptedKey)
}

// List returns the organization's credentials, optionally filtered to
// one user's and optionally including deactivated ones.
func (r *CredentialRepository) List(ctx context.Context, orgID uuid.UUID, userID *uuid.UUID, includeInactive bool) ([]*models.Credential, error) {
	query := `SELECT ` + credentialColumns + ` FROM credentials WHERE organization_id = $1`
	args := []interface{}{orgID}

	if userID != nil {
		query += ` AND user_id = $2`
		args = append(args, *userID)
	}
	if !includeInactive {
		query += ` AND is_active`
	}
	query += ` ORDER BY created_at DESC`

	var creds []*models.Credential
	err := r.db.conn.SelectContext(ctx, &creds, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list credentials: %w", err)
	}

	return creds, nil
}

// CredentialUpdate carries the mutable credential fields. Nil fields are
// left untouched; a non-nil UpstreamKey is re-encrypted before the write.
type CredentialUpdate struct {
	UpstreamKey *string
	Name        *string
	Description *string
	IsActive    *bool
}

// Update rewrites a credential in place and drops it from the lookup
// cache so the next resolution sees the new state. Reactivating an
// org-wide default while another is active returns
// ErrDuplicateDefaultCredential.
func (r *CredentialRepository) Update(ctx context.Context, orgID, id uuid.UUID, upd CredentialUpdate) (*models.Credential, error) {
	var encrypted *string
	if upd.UpstreamKey != nil {
		enc, err := r.enc.EncryptString(*upd.UpstreamKey)
		if err != nil {
			return nil, fmt.Errorf("failed to encrypt upstream key: %w", err)
		}
		encrypted = &enc
	}

	var cred models.Credential
	query := `
		UPDATE credentials
		SET encrypted_key = COALESCE($3, encrypted_key),
		    name          = COALESCE($4, name),
		    description   = COALESCE($5, description),
		    is_active     = COALESCE($6, is_active),
		    updated_at    = now()
		WHERE id = $1 AND organization_id = $2
		RETURNING ` + credentialColumns + `
	`

	err := r.db.conn.GetContext(ctx, &cred, query, id, orgID,
		encrypted, upd.Name, upd.Description, upd.IsActive)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrCredentialNotFound
		}
		if constraint, ok := uniqueViolationConstraint(err); ok && constraint == "credentials_org_default_active" {
			return nil, ErrDuplicateDefaultCredential
		}
		return nil, fmt.Errorf("failed to update credential: %w", err)
	}

	r.db.credentialCache.Delete(cred.SyntheticKey)
	return &cred, nil
}

// Deactivate soft-deletes a credential and drops it from the lookup cache.
func (r *CredentialRepository) Deactivate(ctx context.Context, orgID, id uuid.UUID) error {
	var syntheticKey string
	query := `
		UPDATE credentials
		SET is_active = FALSE, updated_at = now()
		WHERE id = $1 AND organization_id = $2
		RETURNING synthetic_key
	`

	err := r.db.conn.QueryRowxContext(ctx, query, id, orgID).Scan(&syntheticKey)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return ErrCredentialNotFound
		}
		return fmt.Errorf("failed to deactivate credential: %w", err)
	}

	r.db.credentialCache.Delete(syntheticKey)
	return nil
}

// isUniqueViolation reports whether err is a Postgres unique_violation.
func isUniqueViolation(err error) bool {
	_, ok := uniqueViolationConstraint(err)
	return ok
}

// uniqueViolationConstraint returns the name of the violated unique
// constraint when err is a Postgres unique_violation.
func uniqueViolationConstraint(err error) (string, bool) {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == "23505" {
		return pqErr.Constraint, true
	}
	return "", false
}
