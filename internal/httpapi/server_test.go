package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	"llm_proxy/internal/analysis"
	"llm_proxy/internal/config"
	"llm_proxy/internal/middleware"
	"llm_proxy/internal/models"
	"llm_proxy/internal/relay"
	"llm_proxy/internal/storage"
	"llm_proxy/internal/tracking"
)

// --- fakes -----------------------------------------------------------------

type fakeTracker struct {
	user    *models.User
	session *models.Session
	err     error

	lastExternalID   string
	lastSessionToken string
}

func (f *fakeTracker) Resolve(_ context.Context, _ uuid.UUID, externalUserID, sessionToken string) (*models.User, *models.Session, error) {
	f.lastExternalID = externalUserID
	f.lastSessionToken = sessionToken
	if f.err != nil {
		return nil, nil, f.err
	}
	return f.user, f.session, nil
}

type fakeOpenLedger struct {
	req  *models.Request
	meta relay.RequestMeta
	err  error

	lastParams tracking.OpenParams
}

func (f *fakeOpenLedger) Open(_ context.Context, p tracking.OpenParams) (*models.Request, relay.RequestMeta, error) {
	f.lastParams = p
	if f.err != nil {
		return nil, relay.RequestMeta{}, f.err
	}
	return f.req, f.meta, nil
}

type fakeRelayEngine struct {
	bufferedResp *relay.BufferedResponse
	bufferedErr  error
	streamBody   string
	streamErr    error

	bufferedCalls int
	streamCalls   int
	lastPayload   models.JSONB
}

func (f *fakeRelayEngine) ExecuteBuffered(_ context.Context, _ string, payload models.JSONB, _ relay.RequestMeta) (*relay.BufferedResponse, error) {
	f.bufferedCalls++
	f.lastPayload = payload
	return f.bufferedResp, f.bufferedErr
}

func (f *fakeRelayEngine) ExecuteStream(_ context.Context, w http.ResponseWriter, _ string, payload models.JSONB, _ relay.RequestMeta) error {
	f.streamCalls++
	f.lastPayload = payload
	if f.streamErr != nil {
		return f.streamErr
	}
	w.Header().Set("Content-Type", "text/event-stream")
	_, _ = w.Write([]byte(f.streamBody))
	return nil
}

type fakeUpstreamClient struct {
	createResp *relay.BufferedResponse
	createErr  error
	getResp    *relay.BufferedResponse
	getErr     error
	cancelResp *relay.BufferedResponse
	cancelErr  error

	lastGetID    string
	lastCancelID string
	createCalls  int
}

func (f *fakeUpstreamClient) CreateResponse(_ context.Context, _ string, _ models.JSONB) (*relay.BufferedResponse, error) {
	f.createCalls++
	return f.createResp, f.createErr
}

func (f *fakeUpstreamClient) GetResponse(_ context.Context, _, responseID string) (*relay.BufferedResponse, error) {
	f.lastGetID = responseID
	return f.getResp, f.getErr
}

func (f *fakeUpstreamClient) CancelResponse(_ context.Context, _, responseID string) (*relay.BufferedResponse, error) {
	f.lastCancelID = responseID
	return f.cancelResp, f.cancelErr
}

type fakeCredentialStore struct {
	mu sync.Mutex

	byID         map[uuid.UUID]*models.Credential
	forRequest   *models.Credential
	forRequestEr error
	defaultCred  *models.Credential
	defaultErr   error
	listed       []*models.Credential

	created       []*models.Credential
	createErrs    []error
	updateErr     error
	lastUpdate    *storage.CredentialUpdate
	lastUpstream  string
	deactivated   []uuid.UUID
	lastListUser  *uuid.UUID
	lastInactives bool
}

func (f *fakeCredentialStore) Create(_ context.Context, cred *models.Credential, upstreamKey string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.createErrs) > 0 {
		err := f.createErrs[0]
		f.createErrs = f.createErrs[1:]
		if err != nil {
			return err
		}
	}
	cred.ID = uuid.New()
	cred.CreatedAt = time.Now()
	f.created = append(f.created, cred)
	f.lastUpstream = upstreamKey
	return nil
}

func (f *fakeCredentialStore) GetByID(_ context.Context, id uuid.UUID) (*models.Credential, error) {
	cred, ok := f.byID[id]
	if !ok {
		return nil, storage.ErrCredentialNotFound
	}
	return cred, nil
}

func (f *fakeCredentialStore) GetBySyntheticKey(_ context.Context, syntheticKey string) (*models.Credential, error) {
	for _, cred := range f.byID {
		if cred.SyntheticKey == syntheticKey {
			return cred, nil
		}
	}
	return nil, storage.ErrCredentialNotFound
}

func (f *fakeCredentialStore) ResolveForRequest(_ context.Context, _, _ uuid.UUID) (*models.Credential, error) {
	if f.forRequestEr != nil {
		return nil, f.forRequestEr
	}
	return f.forRequest, nil
}

func (f *fakeCredentialStore) ResolveDefault(_ context.Context, _ uuid.UUID) (*models.Credential, error) {
	if f.defaultErr != nil {
		return nil, f.defaultErr
	}
	return f.defaultCred, nil
}

func (f *fakeCredentialStore) DecryptKey(_ *models.Credential) (string, error) {
	return "sk-real-key", nil
}

func (f *fakeCredentialStore) List(_ context.Context, _ uuid.UUID, userID *uuid.UUID, includeInactive bool) ([]*models.Credential, error) {
	f.lastListUser = userID
	f.lastInactives = includeInactive
	return f.listed, nil
}

func (f *fakeCredentialStore) Update(_ context.Context, _, id uuid.UUID, upd storage.CredentialUpdate) (*models.Credential, error) {
	if f.updateErr != nil {
		return nil, f.updateErr
	}
	cred, ok := f.byID[id]
	if !ok {
		return nil, storage.ErrCredentialNotFound
	}
	f.lastUpdate = &upd
	if upd.UpstreamKey != nil {
		f.lastUpstream = *upd.UpstreamKey
	}
	if upd.Name != nil {
		cred.Name = *upd.Name
	}
	if upd.IsActive != nil {
		cred.IsActive = *upd.IsActive
	}
	return cred, nil
}

func (f *fakeCredentialStore) Deactivate(_ context.Context, _, id uuid.UUID) error {
	f.deactivated = append(f.deactivated, id)
	return nil
}

type fakePersonaStore struct {
	byID       map[uuid.UUID]*models.Persona
	forRequest *models.Persona
	forReqErr  error
	listed     []*models.Persona

	created     []*models.Persona
	updated     []*models.Persona
	deactivated []uuid.UUID
	createErr   error
}

func (f *fakePersonaStore) Create(_ context.Context, p *models.Persona) error {
	if f.createErr != nil {
		return f.createErr
	}
	p.ID = uuid.New()
	f.created = append(f.created, p)
	return nil
}

func (f *fakePersonaStore) GetByID(_ context.Context, _, id uuid.UUID) (*models.Persona, error) {
	p, ok := f.byID[id]
	if !ok {
		return nil, storage.ErrPersonaNotFound
	}
	return p, nil
}

func (f *fakePersonaStore) GetForRequest(_ context.Context, _, personaID, _ uuid.UUID) (*models.Persona, error) {
	if f.forReqErr != nil {
		return nil, f.forReqErr
	}
	if f.forRequest == nil || f.forRequest.ID != personaID {
		return nil, storage.ErrPersonaNotFound
	}
	return f.forRequest, nil
}

func (f *fakePersonaStore) List(_ context.Context, _ uuid.UUID, _ *uuid.UUID, _ bool) ([]*models.Persona, error) {
	return f.listed, nil
}

func (f *fakePersonaStore) Update(_ context.Context, p *models.Persona) error {
	f.updated = append(f.updated, p)
	return nil
}

func (f *fakePersonaStore) Deactivate(_ context.Context, _, id uuid.UUID) error {
	f.deactivated = append(f.deactivated, id)
	return nil
}

type fakeRequestLookup struct {
	byAnyID   map[string]*models.Request
	listed    []*models.Request
	listCalls int

	ratings map[uuid.UUID]int
}

func (f *fakeRequestLookup) GetByAnyID(_ context.Context, id string) (*models.Request, error) {
	req, ok := f.byAnyID[id]
	if !ok {
		return nil, storage.ErrRequestNotFound
	}
	return req, nil
}

func (f *fakeRequestLookup) SetRating(_ context.Context, id uuid.UUID, rating int, _ *string) error {
	if f.ratings == nil {
		f.ratings = map[uuid.UUID]int{}
	}
	f.ratings[id] = rating
	return nil
}

func (f *fakeRequestLookup) ListBySession(_ context.Context, _ uuid.UUID) ([]*models.Request, error) {
	f.listCalls++
	return f.listed, nil
}

type fakeUserLookup struct {
	byID        map[uuid.UUID]*models.User
	getOrCreate map[string]*models.User
}

func (f *fakeUserLookup) GetByID(_ context.Context, id uuid.UUID) (*models.User, error) {
	u, ok := f.byID[id]
	if !ok {
		return nil, storage.ErrUserNotFound
	}
	return u, nil
}

func (f *fakeUserLookup) GetOrCreate(_ context.Context, orgID uuid.UUID, externalID string) (*models.User, error) {
	if f.getOrCreate == nil {
		f.getOrCreate = map[string]*models.User{}
	}
	if u, ok := f.getOrCreate[externalID]; ok {
		return u, nil
	}
	u := &models.User{ID: uuid.New(), OrganizationID: orgID, ExternalID: externalID}
	f.getOrCreate[externalID] = u
	return u, nil
}

type fakeSessionStore struct {
	byID    map[uuid.UUID]*models.Session
	session *models.Session
	err     error

	lastToken string
}

func (f *fakeSessionStore) GetByID(_ context.Context, id uuid.UUID) (*models.Session, error) {
	sess, ok := f.byID[id]
	if !ok {
		return nil, storage.ErrSessionNotFound
	}
	return sess, nil
}

func (f *fakeSessionStore) End(_ context.Context, token string) (*models.Session, error) {
	f.lastToken = token
	if f.err != nil {
		return nil, f.err
	}
	return f.session, nil
}

type fakeAnalysisConfigStore struct {
	byID   map[uuid.UUID]*models.AnalysisConfig
	listed []*models.AnalysisConfig

	created     []*models.AnalysisConfig
	updated     []*models.AnalysisConfig
	deactivated []uuid.UUID
	createErr   error
}

func (f *fakeAnalysisConfigStore) Create(_ context.Context, c *models.AnalysisConfig) error {
	if f.createErr != nil {
		return f.createErr
	}
	c.ID = uuid.New()
	f.created = append(f.created, c)
	return nil
}

func (f *fakeAnalysisConfigStore) GetActive(_ context.Context, _, id uuid.UUID) (*models.AnalysisConfig, error) {
	c, ok := f.byID[id]
	if !ok {
		return nil, storage.ErrAnalysisConfigNotFound
	}
	return c, nil
}

func (f *fakeAnalysisConfigStore) List(_ context.Context, _ uuid.UUID, _ bool) ([]*models.AnalysisConfig, error) {
	return f.listed, nil
}

func (f *fakeAnalysisConfigStore) Update(_ context.Context, c *models.AnalysisConfig) error {
	f.updated = append(f.updated, c)
	return nil
}

func (f *fakeAnalysisConfigStore) Deactivate(_ context.Context, _, id uuid.UUID) error {
	f.deactivated = append(f.deactivated, id)
	return nil
}

type fakeAnalyzer struct {
	result *analysis.Result
	err    error

	lastParams analysis.AnalyzeParams
}

func (f *fakeAnalyzer) Analyze(_ context.Context, p analysis.AnalyzeParams) (*analysis.Result, error) {
	f.lastParams = p
	if f.err != nil {
		return nil, f.err
	}
	return f.result, nil
}

// --- harness ---------------------------------------------------------------

type testEnv struct {
	orgID uuid.UUID

	tracker     *fakeTracker
	ledger      *fakeOpenLedger
	engine      *fakeRelayEngine
	upstream    *fakeUpstreamClient
	credentials *fakeCredentialStore
	personas    *fakePersonaStore
	requests    *fakeRequestLookup
	users       *fakeUserLookup
	sessions    *fakeSessionStore
	configs     *fakeAnalysisConfigStore
	analyzer    *fakeAnalyzer

	router *mux.Router
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	orgID := uuid.New()
	user := &models.User{ID: uuid.New(), OrganizationID: orgID, ExternalID: "alice"}
	session := &models.Session{ID: uuid.New(), UserID: user.ID, SessionToken: tracking.NewSessionToken()}
	cred := &models.Credential{ID: uuid.New(), OrganizationID: orgID, SyntheticKey: "sk-proxy-test", Name: "default", IsActive: true}

	env := &testEnv{
		orgID:   orgID,
		tracker: &fakeTracker{user: user, session: session},
		ledger: &fakeOpenLedger{
			req: &models.Request{
				ID:        uuid.New(),
				RequestID: tracking.NewRequestID(),
				SessionID: session.ID,
				UserID:    user.ID,
				Status:    models.RequestPending,
			},
			meta: relay.RequestMeta{OrganizationID: orgID, UserID: user.ID, SessionID: session.ID},
		},
		engine:      &fakeRelayEngine{bufferedResp: &relay.BufferedResponse{StatusCode: 200, Body: []byte(`{"id":"resp_1"}`)}},
		upstream:    &fakeUpstreamClient{},
		credentials: &fakeCredentialStore{byID: map[uuid.UUID]*models.Credential{cred.ID: cred}, forRequest: cred, defaultCred: cred},
		personas:    &fakePersonaStore{byID: map[uuid.UUID]*models.Persona{}},
		requests:    &fakeRequestLookup{byAnyID: map[string]*models.Request{}},
		users:       &fakeUserLookup{byID: map[uuid.UUID]*models.User{user.ID: user}},
		sessions:    &fakeSessionStore{byID: map[uuid.UUID]*models.Session{session.ID: session}},
		configs:     &fakeAnalysisConfigStore{byID: map[uuid.UUID]*models.AnalysisConfig{}},
		analyzer:    &fakeAnalyzer{},
	}

	log := logrus.New()
	log.SetLevel(logrus.PanicLevel)

	server := NewServer(ServerParams{
		Config:          &config.Config{},
		Log:             log,
		Tracker:         env.tracker,
		Ledger:          env.ledger,
		Engine:          env.engine,
		Upstream:        env.upstream,
		Credentials:     env.credentials,
		Personas:        env.personas,
		Requests:        env.requests,
		Users:           env.users,
		Sessions:        env.sessions,
		AnalysisConfigs: env.configs,
		Analyzer:        env.analyzer,
	})

	router := mux.NewRouter()
	api := router.PathPrefix("/v1").Subrouter()
	api.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := context.WithValue(r.Context(), middleware.OrgIDKey, orgID)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	})
	registerRoutes(api, server)
	env.router = router

	return env
}

func (env *testEnv) do(t *testing.T, method, path string, body any, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()

	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	rec := httptest.NewRecorder()
	env.router.ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()

	var out map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	return out
}
