package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"llm_proxy/internal/models"
)

// UserRepository handles user database operations
type UserRepository struct {
	db *DB
}

// NewUserRepository creates a new user repository
func NewUserRepository(db *DB) *UserRepository {
	return &UserRepository{db: db}
}

// GetOrCreate returns the user for an external ID, creating the row on
// first sight. Safe under concurrent callers: the insert defers to an
// existing row on conflict.
func (r *UserRepository) GetOrCreate(ctx context.Context, orgID uuid.UUID, externalID string) (*models.User, error) {
	var user models.User

	insert := `
		INSERT INTO users (organization_id, external_id)
		VALUES ($1, $2)
		ON CONFLICT (organization_id, external_id) DO NOTHING
		RETURNING id, organization_id, external_id, created_at
	`

	err := r.db.conn.GetContext(ctx, &user, insert, orgID, externalID)
	if err == nil {
		return &user, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("failed to create user: %w", err)
	}

	// Conflict: another caller raced us, fetch the existing row
	query := `
		SELECT id, organization_id, external_id, created_at
		FROM users
		WHERE organization_id = $1 AND external_id = $2
	`

	err = r.db.conn.GetContext(ctx, &user, query, orgID, externalID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrUserNotFound
		}
		return nil, fmt.Errorf("failed to get user: %w", err)
	}

	return &user, nil
}

// GetByID retrieves a user by ID
func (r *UserRepository) GetByID(ctx context.Context, id uuid.UUID) (*models.User, error) {
	var user models.User
	query := `SELECT id, organization_id, external_id, created_at FROM users WHERE id = $1`

	err := r.db.conn.GetContext(ctx, &user, query, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrUserNotFound
		}
		return nil, fmt.Errorf("failed to get user: %w", err)
	}

	return &user, nil
}
