package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"llm_proxy/internal/models"
)

const personaColumns = `
	id, organization_id, user_id, name, content, description,
	is_active, created_at, updated_at
`

// PersonaRepository handles persona database operations
type PersonaRepository struct {
	db *DB
}

// NewPersonaRepository creates a new persona repository
func NewPersonaRepository(db *DB) *PersonaRepository {
	return &PersonaRepository{db: db}
}

// Create stores a persona. Names are unique per organization.
func (r *PersonaRepository) Create(ctx context.Context, p *models.Persona) error {
	query := `
		INSERT INTO personas (organization_id, user_id, name, content, description, is_active)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id, created_at, updated_at
	`

	err := r.db.conn.QueryRowxContext(ctx, query,
		p.OrganizationID, p.UserID, p.Name, p.Content, p.Description, p.IsActive,
	).Scan(&p.ID, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicateName
		}
		return fmt.Errorf("failed to create persona: %w", err)
	}

	return nil
}

// GetByID retrieves a persona by ID within an organization.
func (r *PersonaRepository) GetByID(ctx context.Context, orgID, id uuid.UUID) (*models.Persona, error) {
	var p models.Persona
	query := `SELECT ` + personaColumns + ` FROM personas WHERE id = $1 AND organization_id = $2`

	err := r.db.conn.GetContext(ctx, &p, query, id, orgID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrPersonaNotFound
		}
		return nil, fmt.Errorf("failed to get persona: %w", err)
	}

	return &p, nil
}

// GetForRequest returns the persona iff it may be attached to a request
// by the given user: active, same organization, and org-wide or owned
// by the user.
func (r *PersonaRepository) GetForRequest(ctx context.Context, orgID, personaID, userID uuid.UUID) (*models.Persona, error) {
	var p models.Persona
	query := `
		SELECT ` + personaColumns + `
		FROM personas
		WHERE id = $1
		  AND organization_id = $2
		  AND is_active
		  AND (user_id IS NULL OR user_id = $3)
	`

	err := r.db.conn.GetContext(ctx, &p, query, personaID, orgID, userID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrPersonaNotFound
		}
		return nil, fmt.Errorf("failed to get persona: %w", err)
	}

	return &p, nil
}

// List returns the organization's personas visible to the given user.
// A nil userID lists only org-wide personas.
func (r *PersonaRepository) List(ctx context.Context, orgID uuid.UUID, userID *uuid.UUID, includeInactive bool) ([]*models.Persona, error) {
	query := `SELECT ` + personaColumns + ` FROM personas WHERE organization_id = $1`
	args := []interface{}{orgID}

	if userID != nil {
		query += ` AND (user_id IS NULL OR user_id = $2)`
		args = append(args, *userID)
	} else {
		query += ` AND user_id IS NULL`
	}
	if !includeInactive {
		query += ` AND is_active`
	}
	query += ` ORDER BY name`

	var personas []*models.Persona
	err := r.db.conn.SelectContext(ctx, &personas, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list personas: %w", err)
	}

	return personas, nil
}

// Update modifies a persona's mutable fields.
func (r *PersonaRepository) Update(ctx context.Context, p *models.Persona) error {
	query := `
		UPDATE personas
		SET name = $3, content = $4, description = $5, is_active = $6, updated_at = now()
		WHERE id = $1 AND organization_id = $2
		RETURNING updated_at
	`

	err := r.db.conn.QueryRowxContext(ctx, query,
		p.ID, p.OrganizationID, p.Name, p.Content, p.Description, p.IsActive,
	).Scan(&p.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return ErrPersonaNotFound
		}
		if isUniqueViolation(err) {
			return ErrDuplicateName
		}
		return fmt.Errorf("failed to update persona: %w", err)
	}

	return nil
}

// Deactivate soft-deletes a persona. Requests that already reference it
// keep their linkage.
func (r *PersonaRepository) Deactivate(ctx context.Context, orgID, id uuid.UUID) error {
	query := `
		UPDATE personas
		SET is_active = FALSE, updated_at = now()
		WHERE id = $1 AND organization_id = $2
	`

	result, err := r.db.conn.ExecContext(ctx, query, id, orgID)
	if err != nil {
		return fmt.Errorf("failed to deactivate persona: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to deactivate persona: %w", err)
	}
	if rows == 0 {
		return ErrPersonaNotFound
	}

	return nil
}
