package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"llm_proxy/internal/models"
)

// UsageRepository handles usage record database operations
type UsageRepository struct {
	db *DB
}

// NewUsageRepository creates a new usage repository
func NewUsageRepository(db *DB) *UsageRepository {
	return &UsageRepository{db: db}
}

// Create inserts a usage record. A request carries at most one record;
// replays from the queue are absorbed by the conflict clause.
func (r *UsageRepository) Create(ctx context.Context, rec *models.UsageRecord) error {
	return r.insert(ctx, r.db.conn, rec)
}

// CreateTx inserts a usage record within an existing transaction.
func (r *UsageRepository) CreateTx(ctx context.Context, tx *sqlx.Tx, rec *models.UsageRecord) error {
	return r.insert(ctx, tx, rec)
}

func (r *UsageRepository) insert(ctx context.Context, ext sqlx.ExtContext, rec *models.UsageRecord) error {
	query := `
		INSERT INTO usage_records (request_id, model, input_tokens, output_tokens,
		                           reasoning_tokens, total_tokens, cost_usd)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (request_id) DO NOTHING
	`

	_, err := ext.ExecContext(ctx, query,
		rec.RequestID, rec.Model, rec.InputTokens, rec.OutputTokens,
		rec.ReasoningTokens, rec.TotalTokens, rec.CostUSD,
	)
	if err != nil {
		return fmt.Errorf("failed to create usage record: %w", err)
	}

	return nil
}

// GetByRequestID retrieves the usage record for a request.
func (r *UsageRepository) GetByRequestID(ctx context.Context, requestID uuid.UUID) (*models.UsageRecord, error) {
	var rec models.UsageRecord
	query := `
		SELECT id, request_id, model, input_tokens, output_tokens,
		       reasoning_tokens, total_tokens, cost_usd, created_at
		FROM usage_records
		WHERE request_id = $1
	`

	err := r.db.conn.GetContext(ctx, &rec, query, requestID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrUsageRecordNotFound
		}
		return nil, fmt.Errorf("failed to get usage record: %w", err)
	}

	return &rec, nil
}
