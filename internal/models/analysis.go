package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// AnalysisConfig is a saved, named classification configuration. The
// Config column holds the raw parameter document; parsing and merging
// live in the analysis package.
type AnalysisConfig struct {
	ID             uuid.UUID `db:"id"`
	OrganizationID uuid.UUID `db:"organization_id"`
	Name           string    `db:"name"`
	Description    *string   `db:"description"`
	Config         JSONB     `db:"config"`
	IsActive       bool      `db:"is_active"`
	CreatedAt      time.Time `db:"created_at"`
	UpdatedAt      time.Time `db:"updated_at"`
}

// AnalysisResult caches one classification of one request under one
// effective configuration. The cache key is (RequestID, ConfigHash);
// ConfigSnapshot records the exact effective config that produced it.
type AnalysisResult struct {
	ID               uuid.UUID       `db:"id"`
	RequestID        uuid.UUID       `db:"request_id"`
	AnalysisConfigID *uuid.UUID      `db:"analysis_config_id"`
	ConfigHash       string          `db:"config_hash"`
	ConfigSnapshot   JSONB           `db:"config_snapshot"`
	AnalysisType     string          `db:"analysis_type"`
	Results          JSONB           `db:"results"`
	ModelUsed        string          `db:"model_used"`
	TokensUsed       int             `db:"tokens_used"`
	CostUSD          decimal.Decimal `db:"cost_usd"`
	CreatedAt        time.Time       `db:"created_at"`
}
