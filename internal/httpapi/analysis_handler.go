package httpapi

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"llm_proxy/internal/analysis"
	"llm_proxy/internal/middleware"
	"llm_proxy/internal/models"
	"llm_proxy/internal/utils"
)

type analyzeRequest struct {
	ID              string       `json:"id"`
	ConfigID        *string      `json:"config_id"`
	Config          models.JSONB `json:"config"`
	ConfigOverrides models.JSONB `json:"config_overrides"`
}

// handleAnalyze classifies a completed conversation. Identical
// request-and-config pairs are served from the cache.
func (s *Server) handleAnalyze(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	orgID, ok := middleware.GetOrgID(ctx)
	if !ok {
		utils.RespondWithError(w, http.StatusUnauthorized, "missing organization context")
		return
	}

	var body analyzeRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		utils.RespondWithError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if body.ID == "" {
		utils.RespondWithError(w, http.StatusBadRequest, "id is required")
		return
	}

	var configID *uuid.UUID
	if body.ConfigID != nil && *body.ConfigID != "" {
		id, err := uuid.Parse(*body.ConfigID)
		if err != nil {
			utils.RespondWithError(w, http.StatusBadRequest, "invalid config_id format")
			return
		}
		configID = &id
	}

	result, err := s.analyzer.Analyze(ctx, analysis.AnalyzeParams{
		OrganizationID: orgID,
		ID:             body.ID,
		ConfigID:       configID,
		Config:         body.Config,
		Overrides:      body.ConfigOverrides,
	})
	if err != nil {
		s.respondError(w, err)
		return
	}
	utils.RespondWithJSON(w, http.StatusOK, result)
}

type analysisConfigRequest struct {
	Name        string       `json:"name"`
	Description *string      `json:"description"`
	Config      models.JSONB `json:"config"`
}

type analysisConfigResponse struct {
	ID          uuid.UUID    `json:"id"`
	Name        string       `json:"name"`
	Description *string      `json:"description,omitempty"`
	Config      models.JSONB `json:"config"`
	IsActive    bool         `json:"is_active"`
	CreatedAt   time.Time    `json:"created_at"`
	UpdatedAt   time.Time    `json:"updated_at"`
}

func analysisConfigToResponse(c *models.AnalysisConfig) analysisConfigResponse {
	return analysisConfigResponse{
		ID:          c.ID,
		Name:        c.Name,
		Description: c.Description,
		Config:      c.Config,
		IsActive:    c.IsActive,
		CreatedAt:   c.CreatedAt,
		UpdatedAt:   c.UpdatedAt,
	}
}

// validateConfigDocument rejects config documents that could never run.
func validateConfigDocument(doc models.JSONB) error {
	cfg, err := analysis.ParseConfig(doc)
	if err != nil {
		return err
	}
	return cfg.Validate()
}

func (s *Server) handleCreateAnalysisConfig(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	orgID, ok := middleware.GetOrgID(ctx)
	if !ok {
		utils.RespondWithError(w, http.StatusUnauthorized, "missing organization context")
		return
	}

	var body analysisConfigRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		utils.RespondWithError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if body.Name == "" {
		utils.RespondWithError(w, http.StatusBadRequest, "name is required")
		return
	}
	if err := validateConfigDocument(body.Config); err != nil {
		s.respondError(w, err)
		return
	}

	cfg := &models.AnalysisConfig{
		OrganizationID: orgID,
		Name:           body.Name,
		Description:    body.Description,
		Config:         body.Config,
		IsActive:       true,
	}
	if err := s.analysisConfigs.Create(ctx, cfg); err != nil {
		s.respondError(w, err)
		return
	}
	utils.RespondWithJSON(w, http.StatusCreated, analysisConfigToResponse(cfg))
}

func (s *Server) handleListAnalysisConfigs(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	orgID, ok := middleware.GetOrgID(ctx)
	if !ok {
		utils.RespondWithError(w, http.StatusUnauthorized, "missing organization context")
		return
	}

	includeInactive := r.URL.Query().Get("include_inactive") == "true"
	configs, err := s.analysisConfigs.List(ctx, orgID, includeInactive)
	if err != nil {
		s.respondError(w, err)
		return
	}

	out := make([]analysisConfigResponse, 0, len(configs))
	for _, c := range configs {
		out = append(out, analysisConfigToResponse(c))
	}
	utils.RespondWithJSON(w, http.StatusOK, map[string]any{"configs": out})
}

func (s *Server) handleGetAnalysisConfig(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	orgID, ok := middleware.GetOrgID(ctx)
	if !ok {
		utils.RespondWithError(w, http.StatusUnauthorized, "missing organization context")
		return
	}

	id, err := uuid.Parse(mux.Vars(r)["id"])
	if err != nil {
		utils.RespondWithError(w, http.StatusBadRequest, "invalid config ID")
		return
	}

	cfg, err := s.analysisConfigs.GetActive(ctx, orgID, id)
	if err != nil {
		s.respondError(w, err)
		return
	}
	utils.RespondWithJSON(w, http.StatusOK, analysisConfigToResponse(cfg))
}

func (s *Server) handleUpdateAnalysisConfig(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	orgID, ok := middleware.GetOrgID(ctx)
	if !ok {
		utils.RespondWithError(w, http.StatusUnauthorized, "missing organization context")
		return
	}

	id, err := uuid.Parse(mux.Vars(r)["id"])
	if err != nil {
		utils.RespondWithError(w, http.StatusBadRequest, "invalid config ID")
		return
	}

	var body analysisConfigRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		utils.RespondWithError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if body.Name == "" {
		utils.RespondWithError(w, http.StatusBadRequest, "name is required")
		return
	}
	if err := validateConfigDocument(body.Config); err != nil {
		s.respondError(w, err)
		return
	}

	cfg, err := s.analysisConfigs.GetActive(ctx, orgID, id)
	if err != nil {
		s.respondError(w, err)
		return
	}
	cfg.Name = body.Name
	cfg.Description = body.Description
	cfg.Config = body.Config

	if err := s.analysisConfigs.Update(ctx, cfg); err != nil {
		s.respondError(w, err)
		return
	}
	utils.RespondWithJSON(w, http.StatusOK, analysisConfigToResponse(cfg))
}

func (s *Server) handleDeactivateAnalysisConfig(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	orgID, ok := middleware.GetOrgID(ctx)
	if !ok {
		utils.RespondWithError(w, http.StatusUnauthorized, "missing organization context")
		return
	}

	id, err := uuid.Parse(mux.Vars(r)["id"])
	if err != nil {
		utils.RespondWithError(w, http.StatusBadRequest, "invalid config ID")
		return
	}

	if err := s.analysisConfigs.Deactivate(ctx, orgID, id); err != nil {
		s.respondError(w, err)
		return
	}
	utils.RespondWithJSON(w, http.StatusOK, map[string]any{"deactivated": true})
}
