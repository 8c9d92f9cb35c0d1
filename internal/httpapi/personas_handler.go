package httpapi

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"llm_proxy/internal/middleware"
	"llm_proxy/internal/models"
	"llm_proxy/internal/utils"
)

type personaRequest struct {
	Name        string  `json:"name"`
	Content     string  `json:"content"`
	Description *string `json:"description"`
	UserID      *string `json:"user_id"`
}

type personaResponse struct {
	ID          uuid.UUID `json:"id"`
	Name        string    `json:"name"`
	Content     string    `json:"content"`
	Description *string   `json:"description,omitempty"`
	IsActive    bool      `json:"is_active"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

func personaToResponse(p *models.Persona) personaResponse {
	return personaResponse{
		ID:          p.ID,
		Name:        p.Name,
		Content:     p.Content,
		Description: p.Description,
		IsActive:    p.IsActive,
		CreatedAt:   p.CreatedAt,
		UpdatedAt:   p.UpdatedAt,
	}
}

// handleCreatePersona registers a reusable system-prompt template.
// Omitting user_id makes the persona visible to the whole organization.
func (s *Server) handleCreatePersona(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	orgID, ok := middleware.GetOrgID(ctx)
	if !ok {
		utils.RespondWithError(w, http.StatusUnauthorized, "missing organization context")
		return
	}

	var body personaRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		utils.RespondWithError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if body.Name == "" || body.Content == "" {
		utils.RespondWithError(w, http.StatusBadRequest, "name and content are required")
		return
	}

	var userID *uuid.UUID
	if body.UserID != nil && *body.UserID != "" {
		user, err := s.users.GetOrCreate(ctx, orgID, *body.UserID)
		if err != nil {
			s.respondError(w, err)
			return
		}
		userID = &user.ID
	}

	persona := &models.Persona{
		OrganizationID: orgID,
		UserID:         userID,
		Name:           body.Name,
		Content:        body.Content,
		Description:    body.Description,
		IsActive:       true,
	}
	if err := s.personas.Create(ctx, persona); err != nil {
		s.respondError(w, err)
		return
	}
	utils.RespondWithJSON(w, http.StatusCreated, personaToResponse(persona))
}

func (s *Server) handleListPersonas(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	orgID, ok := middleware.GetOrgID(ctx)
	if !ok {
		utils.RespondWithError(w, http.StatusUnauthorized, "missing organization context")
		return
	}

	var userFilter *uuid.UUID
	if q := r.URL.Query().Get("user_id"); q != "" {
		user, err := s.users.GetOrCreate(ctx, orgID, q)
		if err != nil {
			s.respondError(w, err)
			return
		}
		userFilter = &user.ID
	}
	includeInactive := r.URL.Query().Get("include_inactive") == "true"

	personas, err := s.personas.List(ctx, orgID, userFilter, includeInactive)
	if err != nil {
		s.respondError(w, err)
		return
	}

	out := make([]personaResponse, 0, len(personas))
	for _, p := range personas {
		out = append(out, personaToResponse(p))
	}
	utils.RespondWithJSON(w, http.StatusOK, map[string]any{"personas": out})
}

func (s *Server) handleGetPersona(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	orgID, ok := middleware.GetOrgID(ctx)
	if !ok {
		utils.RespondWithError(w, http.StatusUnauthorized, "missing organization context")
		return
	}

	id, err := uuid.Parse(mux.Vars(r)["id"])
	if err != nil {
		utils.RespondWithError(w, http.StatusBadRequest, "invalid persona ID")
		return
	}

	persona, err := s.personas.GetByID(ctx, orgID, id)
	if err != nil {
		s.respondError(w, err)
		return
	}
	utils.RespondWithJSON(w, http.StatusOK, personaToResponse(persona))
}

// handleUpdatePersona rewrites a persona's name, content and
// description. Scope (org-wide vs user) is fixed at creation.
func (s *Server) handleUpdatePersona(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	orgID, ok := middleware.GetOrgID(ctx)
	if !ok {
		utils.RespondWithError(w, http.StatusUnauthorized, "missing organization context")
		return
	}

	id, err := uuid.Parse(mux.Vars(r)["id"])
	if err != nil {
		utils.RespondWithError(w, http.StatusBadRequest, "invalid persona ID")
		return
	}

	var body personaRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		utils.RespondWithError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if body.Name == "" || body.Content == "" {
		utils.RespondWithError(w, http.StatusBadRequest, "name and content are required")
		return
	}

	persona, err := s.personas.GetByID(ctx, orgID, id)
	if err != nil {
		s.respondError(w, err)
		return
	}
	persona.Name = body.Name
	persona.Content = body.Content
	persona.Description = body.Description

	if err := s.personas.Update(ctx, persona); err != nil {
		s.respondError(w, err)
		return
	}
	utils.RespondWithJSON(w, http.StatusOK, personaToResponse(persona))
}

func (s *Server) handleDeactivatePersona(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	orgID, ok := middleware.GetOrgID(ctx)
	if !ok {
		utils.RespondWithError(w, http.StatusUnauthorized, "missing organization context")
		return
	}

	id, err := uuid.Parse(mux.Vars(r)["id"])
	if err != nil {
		utils.RespondWithError(w, http.StatusBadRequest, "invalid persona ID")
		return
	}

	if err := s.personas.Deactivate(ctx, orgID, id); err != nil {
		s.respondError(w, err)
		return
	}
	utils.RespondWithJSON(w, http.StatusOK, map[string]any{"deactivated": true})
}
