package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// UsageRecord is the token and cost accounting for one completed upstream
// call. Records travel through the usage queue before being persisted, so
// the struct carries json tags for the queue codec.
type UsageRecord struct {
	ID              uuid.UUID       `db:"id" json:"id"`
	RequestID       uuid.UUID       `db:"request_id" json:"request_id"`
	Model           string          `db:"model" json:"model"`
	InputTokens     int             `db:"input_tokens" json:"input_tokens"`
	OutputTokens    int             `db:"output_tokens" json:"output_tokens"`
	ReasoningTokens int             `db:"reasoning_tokens" json:"reasoning_tokens"`
	TotalTokens     int             `db:"total_tokens" json:"total_tokens"`
	CostUSD         decimal.Decimal `db:"cost_usd" json:"cost_usd"`
	CreatedAt       time.Time       `db:"created_at" json:"created_at"`
}
