package tracking

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"llm_proxy/internal/archive"
	"llm_proxy/internal/models"
	"llm_proxy/internal/relay"
)

// RequestStore is the persistence side of the ledger.
type RequestStore interface {
	Create(ctx context.Context, req *models.Request) error
	Finalize(ctx context.Context, requestID string, status models.RequestStatus, responsePayload models.JSONB, errorMessage *string) error
	SetResponseID(ctx context.Context, requestID, responseID string) error
}

// UsageSink receives usage records for asynchronous persistence. The
// storage usage queue worker is the real implementation.
type UsageSink interface {
	Enqueue(ctx context.Context, record *models.UsageRecord) error
}

// Estimator prices a call from its token counts.
type Estimator interface {
	Estimate(model string, inputTokens, outputTokens int) decimal.Decimal
}

// OpenParams describes a request about to be relayed.
type OpenParams struct {
	OrganizationID uuid.UUID
	SessionID      uuid.UUID
	UserID         uuid.UUID
	CredentialID   uuid.UUID
	PersonaID      *uuid.UUID
	Model          string
	Payload        models.JSONB
}

// inflight carries per-request state between Open and Finalize, so the
// audit record can be assembled without re-reading the database.
type inflight struct {
	meta       relay.RequestMeta
	payload    models.JSONB
	responseID string
	usage      *models.UsageRecord
}

// Ledger records the lifecycle of relayed requests: the pending row at
// open, the upstream response identity, priced usage, and the terminal
// status. It satisfies the relay engine's bookkeeping interface.
type Ledger struct {
	requests  RequestStore
	usage     UsageSink
	estimator Estimator
	archiver  archive.Archiver
	log       *logrus.Logger

	mu       sync.Mutex
	inflight map[string]*inflight
}

func NewLedger(requests RequestStore, usage UsageSink, estimator Estimator, archiver archive.Archiver, log *logrus.Logger) *Ledger {
	if archiver == nil {
		archiver = archive.NewNoopArchiver()
	}
	return &Ledger{
		requests:  requests,
		usage:     usage,
		estimator: estimator,
		archiver:  archiver,
		log:       log,
		inflight:  make(map[string]*inflight),
	}
}

// Open persists a pending request row and returns it together with the
// metadata the relay engine needs for later bookkeeping calls.
func (l *Ledger) Open(ctx context.Context, p OpenParams) (*models.Request, relay.RequestMeta, error) {
	req := &models.Request{
		RequestID:      NewRequestID(),
		SessionID:      p.SessionID,
		UserID:         p.UserID,
		CredentialID:   p.CredentialID,
		PersonaID:      p.PersonaID,
		Model:          p.Model,
		RequestPayload: p.Payload,
		Status:         models.RequestPending,
	}
	if err := l.requests.Create(ctx, req); err != nil {
		return nil, relay.RequestMeta{}, fmt.Errorf("opening request: %w", err)
	}

	meta := relay.RequestMeta{
		RowID:          req.ID,
		RequestID:      req.RequestID,
		OrganizationID: p.OrganizationID,
		CredentialID:   p.CredentialID,
		UserID:         p.UserID,
		SessionID:      p.SessionID,
		Model:          p.Model,
	}

	l.mu.Lock()
	l.inflight[req.RequestID] = &inflight{meta: meta, payload: p.Payload}
	l.mu.Unlock()

	return req, meta, nil
}

// SetResponseID records the upstream response identity as soon as it is
// observed, even if the stream later breaks.
func (l *Ledger) SetResponseID(ctx context.Context, requestID, responseID string) error {
	l.mu.Lock()
	if state, ok := l.inflight[requestID]; ok {
		state.responseID = responseID
	}
	l.mu.Unlock()

	return l.requests.SetResponseID(ctx, requestID, responseID)
}

// LogUsage prices the observed usage and hands the record to the async
// persistence queue.
func (l *Ledger) LogUsage(ctx context.Context, meta relay.RequestMeta, usage relay.Usage) error {
	total := usage.TotalTokens
	if total == 0 {
		total = usage.InputTokens + usage.OutputTokens
	}

	rec := &models.UsageRecord{
		RequestID:       meta.RowID,
		Model:           meta.Model,
		InputTokens:     usage.InputTokens,
		OutputTokens:    usage.OutputTokens,
		ReasoningTokens: usage.ReasoningTokens,
		TotalTokens:     total,
		CostUSD:         l.estimator.Estimate(meta.Model, usage.InputTokens, usage.OutputTokens),
	}

	l.mu.Lock()
	if state, ok := l.inflight[meta.RequestID]; ok {
		state.usage = rec
	}
	l.mu.Unlock()

	if err := l.usage.Enqueue(ctx, rec); err != nil {
		return fmt.Errorf("enqueuing usage record: %w", err)
	}
	return nil
}

// Finalize settles the request row and emits the audit record.
func (l *Ledger) Finalize(ctx context.Context, requestID string, status models.RequestStatus, payload models.JSONB, errorMessage *string) error {
	err := l.requests.Finalize(ctx, requestID, status, payload, errorMessage)

	l.mu.Lock()
	state, ok := l.inflight[requestID]
	delete(l.inflight, requestID)
	l.mu.Unlock()

	if ok {
		l.archiver.Archive(buildAuditRecord(requestID, status, payload, errorMessage, state))
	}

	return err
}

func buildAuditRecord(requestID string, status models.RequestStatus, responsePayload models.JSONB, errorMessage *string, state *inflight) *archive.Record {
	rec := &archive.Record{
		Timestamp:      time.Now().UTC(),
		RequestID:      requestID,
		ResponseID:     state.responseID,
		OrganizationID: state.meta.OrganizationID.String(),
		UserID:         state.meta.UserID.String(),
		SessionID:      state.meta.SessionID.String(),
		Model:          state.meta.Model,
		Status:         string(status),
	}
	if len(state.payload) > 0 {
		rec.RequestPayload = state.payload
	}
	if len(responsePayload) > 0 {
		rec.ResponsePayload = responsePayload
	}
	if errorMessage != nil {
		rec.Error = *errorMessage
	}
	if state.usage != nil {
		rec.InputTokens = state.usage.InputTokens
		rec.OutputTokens = state.usage.OutputTokens
		rec.TotalTokens = state.usage.TotalTokens
		rec.CostUSD = state.usage.CostUSD.String()
	}
	return rec
}
