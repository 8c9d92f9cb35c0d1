// Package archive ships an append-only audit trail of relayed requests
// to S3 as JSON Lines batches. Archiving is best effort: a full buffer
// drops records rather than slowing the relay path.
package archive

import (
	"context"
	"time"
)

// Record is one archived request outcome.
type Record struct {
	Timestamp      time.Time `json:"timestamp"`
	RequestID      string    `json:"request_id"`
	ResponseID     string    `json:"response_id,omitempty"`
	OrganizationID string    `json:"organization_id"`
	UserID         string    `json:"user_id"`
	SessionID      string    `json:"session_id"`
	Model          string    `json:"model"`
	Status         string    `json:"status"`
	Error          string    `json:"error,omitempty"`

	InputTokens  int    `json:"input_tokens,omitempty"`
	OutputTokens int    `json:"output_tokens,omitempty"`
	TotalTokens  int    `json:"total_tokens,omitempty"`
	CostUSD      string `json:"cost_usd,omitempty"`

	RequestPayload  any `json:"request_payload,omitempty"`
	ResponsePayload any `json:"response_payload,omitempty"`
}

// Archiver receives finished request records.
type Archiver interface {
	Archive(rec *Record)
	Shutdown(ctx context.Context) error
}

// NoopArchiver discards records. Used when archiving is disabled.
type NoopArchiver struct{}

func NewNoopArchiver() *NoopArchiver {
	return &NoopArchiver{}
}

func (a *NoopArchiver) Archive(rec *Record) {}

func (a *NoopArchiver) Shutdown(ctx context.Context) error { return nil }
