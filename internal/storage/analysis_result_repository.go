package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"llm_proxy/internal/models"
)

const analysisResultColumns = `
	id, request_id, analysis_config_id, config_hash, config_snapshot,
	analysis_type, results, model_used, tokens_used, cost_usd, created_at
`

// AnalysisResultRepository handles the cached analysis result store.
// The (request_id, config_hash) unique index is the cache key.
type AnalysisResultRepository struct {
	db *DB
}

// NewAnalysisResultRepository creates a new analysis result repository
func NewAnalysisResultRepository(db *DB) *AnalysisResultRepository {
	return &AnalysisResultRepository{db: db}
}

// GetByRequestAndHash looks up the cached result for one request under
// one effective configuration.
func (r *AnalysisResultRepository) GetByRequestAndHash(ctx context.Context, requestID uuid.UUID, configHash string) (*models.AnalysisResult, error) {
	var res models.AnalysisResult
	query := `
		SELECT ` + analysisResultColumns + `
		FROM analysis_results
		WHERE request_id = $1 AND config_hash = $2
	`

	err := r.db.conn.GetContext(ctx, &res, query, requestID, configHash)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrAnalysisResultNotFound
		}
		return nil, fmt.Errorf("failed to get analysis result: %w", err)
	}

	return &res, nil
}

// Create inserts a result. When a concurrent analysis of the same
// request under the same config won the race, the existing row is
// returned instead and inserted reports false.
func (r *AnalysisResultRepository) Create(ctx context.Context, res *models.AnalysisResult) (inserted bool, err error) {
	query := `
		INSERT INTO analysis_results (request_id, analysis_config_id, config_hash,
		                              config_snapshot, analysis_type, results,
		                              model_used, tokens_used, cost_usd)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (request_id, config_hash) DO NOTHING
		RETURNING id, created_at
	`

	err = r.db.conn.QueryRowxContext(ctx, query,
		res.RequestID, res.AnalysisConfigID, res.ConfigHash,
		res.ConfigSnapshot, res.AnalysisType, res.Results,
		res.ModelUsed, res.TokensUsed, res.CostUSD,
	).Scan(&res.ID, &res.CreatedAt)
	if err == nil {
		return true, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return false, fmt.Errorf("failed to create analysis result: %w", err)
	}

	// Lost the insert race; surface the winner
	existing, err := r.GetByRequestAndHash(ctx, res.RequestID, res.ConfigHash)
	if err != nil {
		return false, err
	}
	*res = *existing
	return false, nil
}

// ListByRequest returns every cached analysis of a request.
func (r *AnalysisResultRepository) ListByRequest(ctx context.Context, requestID uuid.UUID) ([]*models.AnalysisResult, error) {
	query := `SELECT ` + analysisResultColumns + ` FROM analysis_results WHERE request_id = $1 ORDER BY created_at`

	var results []*models.AnalysisResult
	err := r.db.conn.SelectContext(ctx, &results, query, requestID)
	if err != nil {
		return nil, fmt.Errorf("failed to list analysis results: %w", err)
	}

	return results, nil
}
