// Package httpapi exposes the proxy over HTTP: the relay surface under
// /v1/responses, session and rating endpoints, and CRUD for synthetic
// keys, personas and analysis configurations.
package httpapi

import (
	"context"
	"net/http"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"llm_proxy/internal/analysis"
	"llm_proxy/internal/config"
	"llm_proxy/internal/models"
	"llm_proxy/internal/relay"
	"llm_proxy/internal/storage"
	"llm_proxy/internal/tracking"
)

// Tracker resolves caller identity into user and session rows.
type Tracker interface {
	Resolve(ctx context.Context, orgID uuid.UUID, externalUserID, sessionToken string) (*models.User, *models.Session, error)
}

// Ledger opens request records ahead of a relay.
type Ledger interface {
	Open(ctx context.Context, p tracking.OpenParams) (*models.Request, relay.RequestMeta, error)
}

// Engine executes relayed calls against the upstream.
type Engine interface {
	ExecuteBuffered(ctx context.Context, apiKey string, payload models.JSONB, meta relay.RequestMeta) (*relay.BufferedResponse, error)
	ExecuteStream(ctx context.Context, w http.ResponseWriter, apiKey string, payload models.JSONB, meta relay.RequestMeta) error
}

// Upstream issues direct upstream calls outside the relay bookkeeping:
// stored-response fetches and health probes.
type Upstream interface {
	CreateResponse(ctx context.Context, apiKey string, payload models.JSONB) (*relay.BufferedResponse, error)
	GetResponse(ctx context.Context, apiKey, responseID string) (*relay.BufferedResponse, error)
	CancelResponse(ctx context.Context, apiKey, responseID string) (*relay.BufferedResponse, error)
}

// CredentialStore manages synthetic credentials.
type CredentialStore interface {
	Create(ctx context.Context, cred *models.Credential, upstreamKey string) error
	GetByID(ctx context.Context, id uuid.UUID) (*models.Credential, error)
	GetBySyntheticKey(ctx context.Context, syntheticKey string) (*models.Credential, error)
	ResolveForRequest(ctx context.Context, orgID, userID uuid.UUID) (*models.Credential, error)
	ResolveDefault(ctx context.Context, orgID uuid.UUID) (*models.Credential, error)
	DecryptKey(cred *models.Credential) (string, error)
	List(ctx context.Context, orgID uuid.UUID, userID *uuid.UUID, includeInactive bool) ([]*models.Credential, error)
	Update(ctx context.Context, orgID, id uuid.UUID, upd storage.CredentialUpdate) (*models.Credential, error)
	Deactivate(ctx context.Context, orgID, id uuid.UUID) error
}

// PersonaStore manages system-prompt templates.
type PersonaStore interface {
	Create(ctx context.Context, p *models.Persona) error
	GetByID(ctx context.Context, orgID, id uuid.UUID) (*models.Persona, error)
	GetForRequest(ctx context.Context, orgID, personaID, userID uuid.UUID) (*models.Persona, error)
	List(ctx context.Context, orgID uuid.UUID, userID *uuid.UUID, includeInactive bool) ([]*models.Persona, error)
	Update(ctx context.Context, p *models.Persona) error
	Deactivate(ctx context.Context, orgID, id uuid.UUID) error
}

// RequestStore looks up tracked requests for rating and history.
type RequestStore interface {
	GetByAnyID(ctx context.Context, id string) (*models.Request, error)
	SetRating(ctx context.Context, id uuid.UUID, rating int, feedback *string) error
	ListBySession(ctx context.Context, sessionID uuid.UUID) ([]*models.Request, error)
}

// UserStore resolves request owners for tenancy checks and binds
// user-scoped credentials and personas to users by external ID.
type UserStore interface {
	GetByID(ctx context.Context, id uuid.UUID) (*models.User, error)
	GetOrCreate(ctx context.Context, orgID uuid.UUID, externalID string) (*models.User, error)
}

// SessionStore ends sessions and resolves them for tenancy checks.
type SessionStore interface {
	GetByID(ctx context.Context, id uuid.UUID) (*models.Session, error)
	End(ctx context.Context, token string) (*models.Session, error)
}

// AnalysisConfigStore manages saved classification configurations.
type AnalysisConfigStore interface {
	Create(ctx context.Context, c *models.AnalysisConfig) error
	GetActive(ctx context.Context, orgID, id uuid.UUID) (*models.AnalysisConfig, error)
	List(ctx context.Context, orgID uuid.UUID, includeInactive bool) ([]*models.AnalysisConfig, error)
	Update(ctx context.Context, c *models.AnalysisConfig) error
	Deactivate(ctx context.Context, orgID, id uuid.UUID) error
}

// Analyzer classifies completed conversations.
type Analyzer interface {
	Analyze(ctx context.Context, p analysis.AnalyzeParams) (*analysis.Result, error)
}

// Server holds the handler dependencies.
type Server struct {
	cfg *config.Config
	log *logrus.Logger

	tracker         Tracker
	ledger          Ledger
	engine          Engine
	upstream        Upstream
	credentials     CredentialStore
	personas        PersonaStore
	requests        RequestStore
	users           UserStore
	sessions        SessionStore
	analysisConfigs AnalysisConfigStore
	analyzer        Analyzer
}

// ServerParams bundles the dependencies for NewServer.
type ServerParams struct {
	Config          *config.Config
	Log             *logrus.Logger
	Tracker         Tracker
	Ledger          Ledger
	Engine          Engine
	Upstream        Upstream
	Credentials     CredentialStore
	Personas        PersonaStore
	Requests        RequestStore
	Users           UserStore
	Sessions        SessionStore
	AnalysisConfigs AnalysisConfigStore
	Analyzer        Analyzer
}

func NewServer(p ServerParams) *Server {
	return &Server{
		cfg:             p.Config,
		log:             p.Log,
		tracker:         p.Tracker,
		ledger:          p.Ledger,
		engine:          p.Engine,
		upstream:        p.Upstream,
		credentials:     p.Credentials,
		personas:        p.Personas,
		requests:        p.Requests,
		users:           p.Users,
		sessions:        p.Sessions,
		analysisConfigs: p.AnalysisConfigs,
		analyzer:        p.Analyzer,
	}
}
