package tracking

import (
	"context"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"llm_proxy/internal/archive"
	"llm_proxy/internal/models"
	"llm_proxy/internal/pricing"
	"llm_proxy/internal/relay"
)

type fakeRequestStore struct {
	created     []*models.Request
	finalized   map[string]models.RequestStatus
	responseIDs map[string]string
}

func newFakeRequestStore() *fakeRequestStore {
	return &fakeRequestStore{
		finalized:   make(map[string]models.RequestStatus),
		responseIDs: make(map[string]string),
	}
}

func (f *fakeRequestStore) Create(_ context.Context, req *models.Request) error {
	req.ID = uuid.New()
	f.created = append(f.created, req)
	return nil
}

func (f *fakeRequestStore) Finalize(_ context.Context, requestID string, status models.RequestStatus, _ models.JSONB, _ *string) error {
	f.finalized[requestID] = status
	return nil
}

func (f *fakeRequestStore) SetResponseID(_ context.Context, requestID, responseID string) error {
	f.responseIDs[requestID] = responseID
	return nil
}

type fakeUsageSink struct {
	records []*models.UsageRecord
}

func (f *fakeUsageSink) Enqueue(_ context.Context, rec *models.UsageRecord) error {
	f.records = append(f.records, rec)
	return nil
}

type recordingArchiver struct {
	mu      sync.Mutex
	records []*archive.Record
}

func (a *recordingArchiver) Archive(rec *archive.Record) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.records = append(a.records, rec)
}

func (a *recordingArchiver) Shutdown(context.Context) error { return nil }

func newTestLedger() (*Ledger, *fakeRequestStore, *fakeUsageSink, *recordingArchiver) {
	log := logrus.New()
	log.SetLevel(logrus.PanicLevel)

	requests := newFakeRequestStore()
	sink := &fakeUsageSink{}
	archiver := &recordingArchiver{}
	ledger := NewLedger(requests, sink, pricing.NewEstimator(log), archiver, log)
	return ledger, requests, sink, archiver
}

func testOpenParams() OpenParams {
	return OpenParams{
		OrganizationID: uuid.New(),
		SessionID:      uuid.New(),
		UserID:         uuid.New(),
		CredentialID:   uuid.New(),
		Model:          "gpt-4o",
		Payload:        models.JSONB{"model": "gpt-4o", "input": "hi"},
	}
}

func TestLedgerOpen(t *testing.T) {
	ledger, requests, _, _ := newTestLedger()
	params := testOpenParams()

	req, meta, err := ledger.Open(context.Background(), params)
	require.NoError(t, err)

	require.Len(t, requests.created, 1)
	assert.Equal(t, models.RequestPending, req.Status)
	assert.True(t, len(req.RequestID) > 4 && req.RequestID[:4] == "req_")

	assert.Equal(t, req.ID, meta.RowID)
	assert.Equal(t, req.RequestID, meta.RequestID)
	assert.Equal(t, params.OrganizationID, meta.OrganizationID)
	assert.Equal(t, params.SessionID, meta.SessionID)
	assert.Equal(t, "gpt-4o", meta.Model)
}

func TestLedgerLogUsagePricesAndEnqueues(t *testing.T) {
	ledger, _, sink, _ := newTestLedger()

	_, meta, err := ledger.Open(context.Background(), testOpenParams())
	require.NoError(t, err)

	err = ledger.LogUsage(context.Background(), meta, relay.Usage{
		InputTokens:     1000,
		OutputTokens:    500,
		TotalTokens:     1500,
		ReasoningTokens: 30,
	})
	require.NoError(t, err)

	require.Len(t, sink.records, 1)
	rec := sink.records[0]
	assert.Equal(t, meta.RowID, rec.RequestID)
	assert.Equal(t, "gpt-4o", rec.Model)
	assert.Equal(t, 1500, rec.TotalTokens)
	assert.Equal(t, 30, rec.ReasoningTokens)
	assert.True(t, rec.CostUSD.Equal(decimal.RequireFromString("0.007500")), "got %s", rec.CostUSD)
}

func TestLedgerLogUsageComputesMissingTotal(t *testing.T) {
	ledger, _, sink, _ := newTestLedger()

	_, meta, err := ledger.Open(context.Background(), testOpenParams())
	require.NoError(t, err)

	require.NoError(t, ledger.LogUsage(context.Background(), meta, relay.Usage{
		InputTokens:  10,
		OutputTokens: 20,
	}))
	assert.Equal(t, 30, sink.records[0].TotalTokens)
}

func TestLedgerFinalizeEmitsAuditRecord(t *testing.T) {
	ledger, requests, _, archiver := newTestLedger()
	params := testOpenParams()

	_, meta, err := ledger.Open(context.Background(), params)
	require.NoError(t, err)

	require.NoError(t, ledger.SetResponseID(context.Background(), meta.RequestID, "resp_42"))
	require.NoError(t, ledger.LogUsage(context.Background(), meta, relay.Usage{
		InputTokens: 100, OutputTokens: 50, TotalTokens: 150,
	}))
	require.NoError(t, ledger.Finalize(context.Background(), meta.RequestID, models.RequestCompleted, models.JSONB{"id": "resp_42"}, nil))

	assert.Equal(t, models.RequestCompleted, requests.finalized[meta.RequestID])
	assert.Equal(t, "resp_42", requests.responseIDs[meta.RequestID])

	require.Len(t, archiver.records, 1)
	rec := archiver.records[0]
	assert.Equal(t, meta.RequestID, rec.RequestID)
	assert.Equal(t, "resp_42", rec.ResponseID)
	assert.Equal(t, params.OrganizationID.String(), rec.OrganizationID)
	assert.Equal(t, "completed", rec.Status)
	assert.Equal(t, 150, rec.TotalTokens)
	assert.NotEmpty(t, rec.CostUSD)
	assert.Equal(t, params.Payload, rec.RequestPayload)
	assert.Equal(t, models.JSONB{"id": "resp_42"}, rec.ResponsePayload)
}

func TestLedgerFinalizeFailureCarriesError(t *testing.T) {
	ledger, _, _, archiver := newTestLedger()

	_, meta, err := ledger.Open(context.Background(), testOpenParams())
	require.NoError(t, err)

	msg := "upstream returned status 500"
	require.NoError(t, ledger.Finalize(context.Background(), meta.RequestID, models.RequestFailed, nil, &msg))

	require.Len(t, archiver.records, 1)
	assert.Equal(t, "failed", archiver.records[0].Status)
	assert.Equal(t, msg, archiver.records[0].Error)
	assert.Zero(t, archiver.records[0].TotalTokens)
}

func TestLedgerFinalizeUnknownRequestSkipsAudit(t *testing.T) {
	ledger, requests, _, archiver := newTestLedger()

	require.NoError(t, ledger.Finalize(context.Background(), "req_unknown", models.RequestFailed, nil, nil))
	assert.Equal(t, models.RequestFailed, requests.finalized["req_unknown"])
	assert.Empty(t, archiver.records)
}

func TestLedgerInflightClearedAfterFinalize(t *testing.T) {
	ledger, _, _, archiver := newTestLedger()

	_, meta, err := ledger.Open(context.Background(), testOpenParams())
	require.NoError(t, err)

	require.NoError(t, ledger.Finalize(context.Background(), meta.RequestID, models.RequestCompleted, nil, nil))
	require.NoError(t, ledger.Finalize(context.Background(), meta.RequestID, models.RequestCompleted, nil, nil))

	// Only the first finalize had inflight state to archive.
	assert.Len(t, archiver.records, 1)
}

func TestLedgerNilArchiverDefaultsToNoop(t *testing.T) {
	log := logrus.New()
	log.SetLevel(logrus.PanicLevel)
	ledger := NewLedger(newFakeRequestStore(), &fakeUsageSink{}, pricing.NewEstimator(log), nil, log)

	_, meta, err := ledger.Open(context.Background(), testOpenParams())
	require.NoError(t, err)
	assert.NoError(t, ledger.Finalize(context.Background(), meta.RequestID, models.RequestCompleted, nil, nil))
}
