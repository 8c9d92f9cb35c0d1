package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"llm_proxy/internal/models"
)

// OrganizationRepository handles organization database operations
type OrganizationRepository struct {
	db *DB
}

// NewOrganizationRepository creates a new organization repository
func NewOrganizationRepository(db *DB) *OrganizationRepository {
	return &OrganizationRepository{db: db}
}

// GetOrCreateByName returns the organization with the given name,
// creating it on first sight.
func (r *OrganizationRepository) GetOrCreateByName(ctx context.Context, name string) (*models.Organization, error) {
	var org models.Organization

	insert := `
		INSERT INTO organizations (name)
		VALUES ($1)
		ON CONFLICT (name) DO NOTHING
		RETURNING id, name, is_active, created_at, updated_at
	`

	err := r.db.conn.GetContext(ctx, &org, insert, name)
	if err == nil {
		return &org, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("failed to create organization: %w", err)
	}

	query := `
		SELECT id, name, is_active, created_at, updated_at
		FROM organizations
		WHERE name = $1
	`

	err = r.db.conn.GetContext(ctx, &org, query, name)
	if err != nil {
		return nil, fmt.Errorf("failed to get organization: %w", err)
	}
	return &org, nil
}

// GetByID retrieves an organization by ID
func (r *OrganizationRepository) GetByID(ctx context.Context, id uuid.UUID) (*models.Organization, error) {
	var org models.Organization
	query := `SELECT id, name, is_active, created_at, updated_at FROM organizations WHERE id = $1`

	err := r.db.conn.GetContext(ctx, &org, query, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrOrganizationNotFound
		}
		return nil, fmt.Errorf("failed to get organization: %w", err)
	}
	return &org, nil
}
