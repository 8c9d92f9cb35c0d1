package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"llm_proxy/internal/models"
)

const analysisConfigColumns = `
	id, organization_id, name, description, config, is_active, created_at, updated_at
`

// AnalysisConfigRepository handles saved analysis configuration
// database operations
type AnalysisConfigRepository struct {
	db *DB
}

// NewAnalysisConfigRepository creates a new analysis config repository
func NewAnalysisConfigRepository(db *DB) *AnalysisConfigRepository {
	return &AnalysisConfigRepository{db: db}
}

// Create stores a named configuration. Names are unique per organization.
func (r *AnalysisConfigRepository) Create(ctx context.Context, c *models.AnalysisConfig) error {
	query := `
		INSERT INTO analysis_configs (organization_id, name, description, config, is_active)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id, created_at, updated_at
	`

	err := r.db.conn.QueryRowxContext(ctx, query,
		c.OrganizationID, c.Name, c.Description, c.Config, c.IsActive,
	).Scan(&c.ID, &c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicateName
		}
		return fmt.Errorf("failed to create analysis config: %w", err)
	}

	return nil
}

// GetActive retrieves an active saved configuration within an
// organization. Deactivated configs behave as missing.
func (r *AnalysisConfigRepository) GetActive(ctx context.Context, orgID, id uuid.UUID) (*models.AnalysisConfig, error) {
	var c models.AnalysisConfig
	query := `
		SELECT ` + analysisConfigColumns + `
		FROM analysis_configs
		WHERE id = $1 AND organization_id = $2 AND is_active
	`

	err := r.db.conn.GetContext(ctx, &c, query, id, orgID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrAnalysisConfigNotFound
		}
		return nil, fmt.Errorf("failed to get analysis config: %w", err)
	}

	return &c, nil
}

// List returns the organization's saved configurations.
func (r *AnalysisConfigRepository) List(ctx context.Context, orgID uuid.UUID, includeInactive bool) ([]*models.AnalysisConfig, error) {
	query := `SELECT ` + analysisConfigColumns + ` FROM analysis_configs WHERE organization_id = $1`
	if !includeInactive {
		query += ` AND is_active`
	}
	query += ` ORDER BY name`

	var configs []*models.AnalysisConfig
	err := r.db.conn.SelectContext(ctx, &configs, query, orgID)
	if err != nil {
		return nil, fmt.Errorf("failed to list analysis configs: %w", err)
	}

	return configs, nil
}

// Update modifies a saved configuration. Cached results keyed on the old
// parameters are untouched; a changed config hashes differently.
func (r *AnalysisConfigRepository) Update(ctx context.Context, c *models.AnalysisConfig) error {
	query := `
		UPDATE analysis_configs
		SET name = $3, description = $4, config = $5, is_active = $6, updated_at = now()
		WHERE id = $1 AND organization_id = $2
		RETURNING updated_at
	`

	err := r.db.conn.QueryRowxContext(ctx, query,
		c.ID, c.OrganizationID, c.Name, c.Description, c.Config, c.IsActive,
	).Scan(&c.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return ErrAnalysisConfigNotFound
		}
		if isUniqueViolation(err) {
			return ErrDuplicateName
		}
		return fmt.Errorf("failed to update analysis config: %w", err)
	}

	return nil
}

// Deactivate soft-deletes a saved configuration. Existing cached results
// keep their foreign key.
func (r *AnalysisConfigRepository) Deactivate(ctx context.Context, orgID, id uuid.UUID) error {
	query := `
		UPDATE analysis_configs
		SET is_active = FALSE, updated_at = now()
		WHERE id = $1 AND organization_id = $2
	`

	result, err := r.db.conn.ExecContext(ctx, query, id, orgID)
	if err != nil {
		return fmt.Errorf("failed to deactivate analysis config: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to deactivate analysis config: %w", err)
	}
	if rows == 0 {
		return ErrAnalysisConfigNotFound
	}

	return nil
}
