package analysis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"llm_proxy/internal/models"
	"llm_proxy/internal/relay"
	"llm_proxy/internal/storage"
)

var (
	// ErrNotAuthorized is returned when a request belongs to another
	// organization.
	ErrNotAuthorized = errors.New("not authorized to analyze this request")

	// ErrMalformedResponse is returned when the structured-output call
	// comes back off-schema. Never guessed or coerced.
	ErrMalformedResponse = errors.New("malformed analysis response from upstream")

	// ErrUpstreamFailed is returned when the upstream rejects the
	// analysis call.
	ErrUpstreamFailed = errors.New("upstream analysis call failed")
)

// RequestStore looks up conversations to analyze.
type RequestStore interface {
	GetByAnyID(ctx context.Context, id string) (*models.Request, error)
}

// UserStore resolves the request's owner for the tenancy check.
type UserStore interface {
	GetByID(ctx context.Context, id uuid.UUID) (*models.User, error)
}

// ConfigStore fetches saved analysis configurations.
type ConfigStore interface {
	GetActive(ctx context.Context, orgID, id uuid.UUID) (*models.AnalysisConfig, error)
}

// ResultStore is the hash-keyed result cache.
type ResultStore interface {
	GetByRequestAndHash(ctx context.Context, requestID uuid.UUID, configHash string) (*models.AnalysisResult, error)
	Create(ctx context.Context, res *models.AnalysisResult) (inserted bool, err error)
}

// CredentialProvider yields the upstream key used for analysis calls.
type CredentialProvider interface {
	ResolveDefault(ctx context.Context, orgID uuid.UUID) (*models.Credential, error)
	DecryptKey(cred *models.Credential) (string, error)
}

// UpstreamClient issues the buffered upstream call.
type UpstreamClient interface {
	CreateResponse(ctx context.Context, apiKey string, payload models.JSONB) (*relay.BufferedResponse, error)
}

// Estimator prices the analysis call.
type Estimator interface {
	Estimate(model string, inputTokens, outputTokens int) decimal.Decimal
}

// AnalyzeParams identifies the conversation and configuration layers.
type AnalyzeParams struct {
	OrganizationID uuid.UUID
	ID             string
	ConfigID       *uuid.UUID
	Config         models.JSONB
	Overrides      models.JSONB
}

// CategoryResult is one scored category in a classification.
type CategoryResult struct {
	Name       string  `json:"name"`
	Confidence float64 `json:"confidence"`
}

// Result is the caller-facing analysis outcome.
type Result struct {
	RequestID       string           `json:"request_id"`
	ResponseID      *string          `json:"response_id,omitempty"`
	AnalysisType    string           `json:"analysis_type"`
	PrimaryCategory string           `json:"primary_category"`
	Categories      []CategoryResult `json:"categories"`
	Confidence      *float64         `json:"confidence,omitempty"`
	Reasoning       string           `json:"reasoning,omitempty"`
	Metadata        models.JSONB     `json:"metadata,omitempty"`
	AnalyzedAt      time.Time        `json:"analyzed_at"`
	ModelUsed       string           `json:"model_used"`
	TokensUsed      int              `json:"tokens_used"`
	CostUSD         decimal.Decimal  `json:"cost_usd"`
	Cached          bool             `json:"cached"`
}

// Service runs classifications over completed requests.
type Service struct {
	requests    RequestStore
	users       UserStore
	configs     ConfigStore
	results     ResultStore
	credentials CredentialProvider
	upstream    UpstreamClient
	estimator   Estimator
	log         *logrus.Logger
}

func NewService(requests RequestStore, users UserStore, configs ConfigStore, results ResultStore, credentials CredentialProvider, upstream UpstreamClient, estimator Estimator, log *logrus.Logger) *Service {
	return &Service{
		requests:    requests,
		users:       users,
		configs:     configs,
		results:     results,
		credentials: credentials,
		upstream:    upstream,
		estimator:   estimator,
		log:         log,
	}
}

// Analyze classifies one request. Results are cached per (request,
// effective-config-hash); a second call with an equivalent
// configuration returns the stored result flagged as cached.
func (s *Service) Analyze(ctx context.Context, p AnalyzeParams) (*Result, error) {
	req, err := s.requests.GetByAnyID(ctx, p.ID)
	if err != nil {
		return nil, err
	}

	if err := s.checkAccess(ctx, req, p.OrganizationID); err != nil {
		return nil, err
	}

	cfg, err := s.buildEffectiveConfig(ctx, p)
	if err != nil {
		return nil, err
	}

	hash, err := cfg.Hash()
	if err != nil {
		return nil, err
	}

	cached, err := s.results.GetByRequestAndHash(ctx, req.ID, hash)
	if err == nil {
		return formatResult(cached, req, true), nil
	}
	if !errors.Is(err, storage.ErrAnalysisResultNotFound) {
		return nil, err
	}

	res, inserted, err := s.classify(ctx, req, cfg, hash, p)
	if err != nil {
		return nil, err
	}

	// Losing the insert race means an identical concurrent analysis
	// persisted first: its row is what we return, as a cache hit.
	return formatResult(res, req, !inserted), nil
}

func (s *Service) checkAccess(ctx context.Context, req *models.Request, orgID uuid.UUID) error {
	user, err := s.users.GetByID(ctx, req.UserID)
	if err != nil {
		return fmt.Errorf("resolving request owner: %w", err)
	}
	if user.OrganizationID != orgID {
		return ErrNotAuthorized
	}
	return nil
}

// buildEffectiveConfig layers saved config, inline config and explicit
// overrides, in that order of precedence.
func (s *Service) buildEffectiveConfig(ctx context.Context, p AnalyzeParams) (*Config, error) {
	cfg := &Config{}

	if p.ConfigID != nil {
		saved, err := s.configs.GetActive(ctx, p.OrganizationID, *p.ConfigID)
		if err != nil {
			return nil, err
		}
		parsed, err := ParseConfig(saved.Config)
		if err != nil {
			return nil, err
		}
		cfg = parsed
	}

	if p.Config != nil {
		inline, err := ParseConfig(p.Config)
		if err != nil {
			return nil, err
		}
		cfg.Merge(inline)
	}

	if p.Overrides != nil {
		overrides, err := ParseConfig(p.Overrides)
		if err != nil {
			return nil, err
		}
		cfg.Merge(overrides)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	cfg.ApplyDefaults()
	return cfg, nil
}

func (s *Service) classify(ctx context.Context, req *models.Request, cfg *Config, hash string, p AnalyzeParams) (*models.AnalysisResult, bool, error) {
	cred, err := s.credentials.ResolveDefault(ctx, p.OrganizationID)
	if err != nil {
		return nil, false, err
	}
	apiKey, err := s.credentials.DecryptKey(cred)
	if err != nil {
		return nil, false, err
	}

	userInput, aiResponse := extractConversation(req)
	prompt := buildPrompt(userInput, aiResponse, cfg)

	resp, err := s.upstream.CreateResponse(ctx, apiKey, buildUpstreamRequest(prompt, cfg))
	if err != nil {
		return nil, false, err
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		s.log.WithFields(logrus.Fields{
			"status":     resp.StatusCode,
			"request_id": req.RequestID,
		}).Error("analysis upstream call rejected")
		return nil, false, fmt.Errorf("%w: status %d", ErrUpstreamFailed, resp.StatusCode)
	}

	results, err := parseAnalysisOutput(resp.Body)
	if err != nil {
		return nil, false, err
	}

	_, usage, _ := relay.ExtractBuffered(resp.Body)

	snapshot, err := cfg.ToJSONB()
	if err != nil {
		return nil, false, err
	}

	res := &models.AnalysisResult{
		RequestID:        req.ID,
		AnalysisConfigID: p.ConfigID,
		ConfigHash:       hash,
		ConfigSnapshot:   snapshot,
		AnalysisType:     cfg.EffectiveAnalysisType(),
		Results:          results,
		ModelUsed:        *cfg.Model,
		TokensUsed:       usage.TotalTokens,
		CostUSD:          s.estimator.Estimate(*cfg.Model, usage.InputTokens, usage.OutputTokens),
	}

	inserted, err := s.results.Create(ctx, res)
	if err != nil {
		return nil, false, err
	}
	return res, inserted, nil
}

// parseAnalysisOutput extracts and decodes the structured classification
// from a buffered upstream body. Any missing layer is a hard failure.
func parseAnalysisOutput(body []byte) (models.JSONB, error) {
	var payload models.JSONB
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedResponse, err)
	}

	text, ok := extractOutputText(payload)
	if !ok {
		return nil, fmt.Errorf("%w: no output text", ErrMalformedResponse)
	}

	var results models.JSONB
	if err := json.Unmarshal([]byte(text), &results); err != nil {
		return nil, fmt.Errorf("%w: output text is not valid JSON: %v", ErrMalformedResponse, err)
	}

	if _, ok := results["primary_category"].(string); !ok {
		return nil, fmt.Errorf("%w: missing primary_category", ErrMalformedResponse)
	}
	if _, ok := results["categories"].([]any); !ok {
		return nil, fmt.Errorf("%w: missing categories", ErrMalformedResponse)
	}
	return results, nil
}

func formatResult(res *models.AnalysisResult, req *models.Request, cached bool) *Result {
	out := &Result{
		RequestID:    req.RequestID,
		ResponseID:   req.ResponseID,
		AnalysisType: res.AnalysisType,
		AnalyzedAt:   res.CreatedAt,
		ModelUsed:    res.ModelUsed,
		TokensUsed:   res.TokensUsed,
		CostUSD:      res.CostUSD,
		Cached:       cached,
	}

	if primary, ok := res.Results["primary_category"].(string); ok {
		out.PrimaryCategory = primary
	}
	if reasoning, ok := res.Results["reasoning"].(string); ok {
		out.Reasoning = reasoning
	}
	if metadata, ok := res.Results["metadata"].(map[string]any); ok {
		out.Metadata = metadata
	}

	if rawCategories, ok := res.Results["categories"].([]any); ok {
		for _, raw := range rawCategories {
			item, ok := raw.(map[string]any)
			if !ok {
				continue
			}
			cat := CategoryResult{}
			if name, ok := item["name"].(string); ok {
				cat.Name = name
			}
			if confidence, ok := item["confidence"].(float64); ok {
				cat.Confidence = confidence
			}
			out.Categories = append(out.Categories, cat)

			if out.Confidence == nil || cat.Confidence > *out.Confidence {
				c := cat.Confidence
				out.Confidence = &c
			}
		}
	}

	return out
}
