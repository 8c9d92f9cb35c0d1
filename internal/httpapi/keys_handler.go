package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"llm_proxy/internal/auth"
	"llm_proxy/internal/middleware"
	"llm_proxy/internal/models"
	"llm_proxy/internal/storage"
	"llm_proxy/internal/utils"
)

type createKeyRequest struct {
	OpenAIAPIKey string  `json:"openai_api_key"`
	UserID       *string `json:"user_id"`
	Name         *string `json:"name"`
	Description  *string `json:"description"`
}

type keyResponse struct {
	ID           uuid.UUID `json:"id"`
	SyntheticKey string    `json:"synthetic_key"`
	UserID       *string   `json:"user_id,omitempty"`
	Name         string    `json:"name"`
	Description  *string   `json:"description,omitempty"`
	IsActive     bool      `json:"is_active"`
	CreatedAt    time.Time `json:"created_at"`
}

func keyToResponse(cred *models.Credential, externalUserID *string) keyResponse {
	return keyResponse{
		ID:           cred.ID,
		SyntheticKey: cred.SyntheticKey,
		UserID:       externalUserID,
		Name:         cred.Name,
		Description:  cred.Description,
		IsActive:     cred.IsActive,
		CreatedAt:    cred.CreatedAt,
	}
}

// handleCreateKey registers an upstream API key and mints the synthetic
// key callers use in its place. The upstream key is encrypted at rest
// and never returned.
func (s *Server) handleCreateKey(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	orgID, ok := middleware.GetOrgID(ctx)
	if !ok {
		utils.RespondWithError(w, http.StatusUnauthorized, "missing organization context")
		return
	}

	var body createKeyRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		utils.RespondWithError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if body.OpenAIAPIKey == "" {
		utils.RespondWithError(w, http.StatusBadRequest, "openai_api_key is required")
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

	name := "default"
	if body.Name != nil && *body.Name != "" {
		name = *body.Name
	}

	var cred *models.Credential
	for attempt := 0; ; attempt++ {
		syntheticKey, err := auth.GenerateSyntheticKey()
		if err != nil {
			s.respondError(w, err)
			return
		}

		cred = &models.Credential{
			OrganizationID: orgID,
			UserID:         userID,
			SyntheticKey:   syntheticKey,
			Name:           name,
			Description:    body.Description,
			IsActive:       true,
		}
		err = s.credentials.Create(ctx, cred, body.OpenAIAPIKey)
		if err == nil {
			break
		}
		// Synthetic key collision: regenerate and retry.
		if errors.Is(err, storage.ErrDuplicateSyntheticKey) && attempt < 2 {
			continue
		}
		s.respondError(w, err)
		return
	}

	s.log.WithField("credential_id", cred.ID).Info("created synthetic key")
	utils.RespondWithJSON(w, http.StatusCreated, keyToResponse(cred, body.UserID))
}

// handleListKeys lists credentials for the organization, optionally
// filtered to a single external user.
func (s *Server) handleListKeys(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	orgID, ok := middleware.GetOrgID(ctx)
	if !ok {
		utils.RespondWithError(w, http.StatusUnauthorized, "missing organization context")
		return
	}

	var userFilter *uuid.UUID
	var externalUserID *string
	if q := r.URL.Query().Get("user_id"); q != "" {
		user, err := s.users.GetOrCreate(ctx, orgID, q)
		if err != nil {
			s.respondError(w, err)
			return
		}
		userFilter = &user.ID
		externalUserID = &q
	}
	includeInactive := r.URL.Query().Get("include_inactive") == "true"

	creds, err := s.credentials.List(ctx, orgID, userFilter, includeInactive)
	if err != nil {
		s.respondError(w, err)
		return
	}

	out := make([]keyResponse, 0, len(creds))
	for _, cred := range creds {
		out = append(out, keyToResponse(cred, externalUserID))
	}
	utils.RespondWithJSON(w, http.StatusOK, map[string]any{"keys": out})
}

// handleGetKey returns a single credential, addressed by row ID or by
// the synthetic key itself.
func (s *Server) handleGetKey(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	orgID, ok := middleware.GetOrgID(ctx)
	if !ok {
		utils.RespondWithError(w, http.StatusUnauthorized, "missing organization context")
		return
	}

	var cred *models.Credential
	raw := mux.Vars(r)["id"]
	if strings.HasPrefix(raw, auth.SyntheticKeyPrefix) {
		var err error
		cred, err = s.credentials.GetBySyntheticKey(ctx, raw)
		if err != nil {
			s.respondError(w, err)
			return
		}
	} else {
		id, err := uuid.Parse(raw)
		if err != nil {
			utils.RespondWithError(w, http.StatusBadRequest, "invalid key ID")
			return
		}
		cred, err = s.credentials.GetByID(ctx, id)
		if err != nil {
			s.respondError(w, err)
			return
		}
	}
	if cred.OrganizationID != orgID {
		utils.RespondWithError(w, http.StatusForbidden, "key belongs to another organization")
		return
	}
	utils.RespondWithJSON(w, http.StatusOK, keyToResponse(cred, nil))
}

type updateKeyRequest struct {
	OpenAIAPIKey *string `json:"openai_api_key"`
	Name         *string `json:"name"`
	Description  *string `json:"description"`
	IsActive     *bool   `json:"is_active"`
}

// handleUpdateKey rotates the upstream key or edits credential metadata.
// The synthetic key never changes; callers keep using the one they hold.
func (s *Server) handleUpdateKey(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	orgID, ok := middleware.GetOrgID(ctx)
	if !ok {
		utils.RespondWithError(w, http.StatusUnauthorized, "missing organization context")
		return
	}

	id, err := uuid.Parse(mux.Vars(r)["id"])
	if err != nil {
		utils.RespondWithError(w, http.StatusBadRequest, "invalid key ID")
		return
	}

	var body updateKeyRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		utils.RespondWithError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if body.OpenAIAPIKey != nil && *body.OpenAIAPIKey == "" {
		utils.RespondWithError(w, http.StatusBadRequest, "openai_api_key must not be empty")
		return
	}

	cred, err := s.credentials.Update(ctx, orgID, id, storage.CredentialUpdate{
		UpstreamKey: body.OpenAIAPIKey,
		Name:        body.Name,
		Description: body.Description,
		IsActive:    body.IsActive,
	})
	if err != nil {
		s.respondError(w, err)
		return
	}
	utils.RespondWithJSON(w, http.StatusOK, keyToResponse(cred, nil))
}

// handleDeactivateKey retires a credential. Requests using its
// synthetic key stop resolving; nothing is deleted.
func (s *Server) handleDeactivateKey(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	orgID, ok := middleware.GetOrgID(ctx)
	if !ok {
		utils.RespondWithError(w, http.StatusUnauthorized, "missing organization context")
		return
	}

	id, err := uuid.Parse(mux.Vars(r)["id"])
	if err != nil {
		utils.RespondWithError(w, http.StatusBadRequest, "invalid key ID")
		return
	}

	if err := s.credentials.Deactivate(ctx, orgID, id); err != nil {
		s.respondError(w, err)
		return
	}
	utils.RespondWithJSON(w, http.StatusOK, map[string]any{"deactivated": true})
}
