package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"

	"llm_proxy/internal/middleware"
	"llm_proxy/internal/models"
	"llm_proxy/internal/relay"
	"llm_proxy/internal/storage"
	"llm_proxy/internal/tracking"
	"llm_proxy/internal/utils"
)

// handleCreateResponse relays a call to the upstream Responses API.
//
// Flow:
//  1. Identify the caller: org from the JWT, user from X-User-ID,
//     session from the optional X-Session-ID.
//  2. Resolve the credential (user-scoped wins over org default).
//  3. Attach the persona, if requested.
//  4. Open a pending request record.
//  5. Relay buffered or streamed; the engine settles the record.
func (s *Server) handleCreateResponse(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	orgID, ok := middleware.GetOrgID(ctx)
	if !ok {
		utils.RespondWithError(w, http.StatusUnauthorized, "missing organization context")
		return
	}

	externalUserID := r.Header.Get("X-User-ID")
	if externalUserID == "" {
		utils.RespondWithError(w, http.StatusBadRequest, "X-User-ID header is required")
		return
	}
	sessionToken := r.Header.Get("X-Session-ID")

	var payload models.JSONB
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		utils.RespondWithError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	model, ok := payload["model"].(string)
	if !ok || model == "" {
		utils.RespondWithError(w, http.StatusBadRequest, "model is required")
		return
	}
	stream, _ := payload["stream"].(bool)

	user, session, err := s.tracker.Resolve(ctx, orgID, externalUserID, sessionToken)
	if err != nil {
		s.respondError(w, err)
		return
	}

	cred, err := s.credentials.ResolveForRequest(ctx, orgID, user.ID)
	if err != nil {
		s.respondError(w, err)
		return
	}
	apiKey, err := s.credentials.DecryptKey(cred)
	if err != nil {
		s.respondError(w, err)
		return
	}

	personaID, err := s.applyPersona(r, payload, orgID, user.ID)
	if err != nil {
		s.respondError(w, err)
		return
	}

	req, meta, err := s.ledger.Open(ctx, tracking.OpenParams{
		OrganizationID: orgID,
		SessionID:      session.ID,
		UserID:         user.ID,
		CredentialID:   cred.ID,
		PersonaID:      personaID,
		Model:          model,
		Payload:        payload,
	})
	if err != nil {
		s.respondError(w, err)
		return
	}

	w.Header().Set("X-Request-ID", req.RequestID)
	w.Header().Set("X-Session-ID", session.SessionToken)

	s.log.WithFields(logrus.Fields{
		"request_id": req.RequestID,
		"model":      model,
		"stream":     stream,
	}).Info("relaying request")

	if stream {
		if err := s.engine.ExecuteStream(ctx, w, apiKey, payload, meta); err != nil {
			s.respondError(w, err)
		}
		return
	}

	resp, err := s.engine.ExecuteBuffered(ctx, apiKey, payload, meta)
	if err != nil {
		s.respondError(w, err)
		return
	}

	status := resp.StatusCode
	if status == http.StatusOK {
		if _, errored := relay.UpstreamError(resp.Body); errored {
			status = http.StatusBadRequest
		}
	}
	utils.RespondWithRawJSON(w, status, resp.Body)
}

// applyPersona validates a requested persona and substitutes its
// content into the outbound instructions. The persona_id key is
// stripped; the upstream does not know it.
func (s *Server) applyPersona(r *http.Request, payload models.JSONB, orgID, userID uuid.UUID) (*uuid.UUID, error) {
	raw, present := payload["persona_id"]
	if !present {
		return nil, nil
	}
	delete(payload, "persona_id")

	idStr, ok := raw.(string)
	if !ok {
		return nil, errBadPersonaID
	}
	personaID, err := uuid.Parse(idStr)
	if err != nil {
		return nil, errBadPersonaID
	}

	persona, err := s.personas.GetForRequest(r.Context(), orgID, personaID, userID)
	if err != nil {
		return nil, err
	}

	payload["instructions"] = persona.Content
	return &persona.ID, nil
}

var errBadPersonaID = errors.New("invalid persona_id format")

// handleGetResponse fetches a stored response from the upstream by its
// resp_ identifier.
func (s *Server) handleGetResponse(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	orgID, ok := middleware.GetOrgID(ctx)
	if !ok {
		utils.RespondWithError(w, http.StatusUnauthorized, "missing organization context")
		return
	}
	responseID := mux.Vars(r)["id"]

	cred, err := s.credentials.ResolveDefault(ctx, orgID)
	if err != nil {
		s.respondError(w, err)
		return
	}
	apiKey, err := s.credentials.DecryptKey(cred)
	if err != nil {
		s.respondError(w, err)
		return
	}

	resp, err := s.upstream.GetResponse(ctx, apiKey, responseID)
	if err != nil {
		s.respondError(w, err)
		return
	}
	utils.RespondWithRawJSON(w, resp.StatusCode, resp.Body)
}

// handleCancelResponse asks the upstream to stop generating a response.
func (s *Server) handleCancelResponse(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	orgID, ok := middleware.GetOrgID(ctx)
	if !ok {
		utils.RespondWithError(w, http.StatusUnauthorized, "missing organization context")
		return
	}
	responseID := mux.Vars(r)["id"]

	cred, err := s.credentials.ResolveDefault(ctx, orgID)
	if err != nil {
		s.respondError(w, err)
		return
	}
	apiKey, err := s.credentials.DecryptKey(cred)
	if err != nil {
		s.respondError(w, err)
		return
	}

	resp, err := s.upstream.CancelResponse(ctx, apiKey, responseID)
	if err != nil {
		s.respondError(w, err)
		return
	}
	utils.RespondWithRawJSON(w, resp.StatusCode, resp.Body)
}

type healthResponse struct {
	Status         string    `json:"status"`
	Message        string    `json:"message"`
	UpstreamStatus string    `json:"upstream_status"`
	Timestamp      time.Time `json:"timestamp"`
}

// handleRelayHealth verifies upstream reachability with a minimal
// probe call using the organization's default credential.
func (s *Server) handleRelayHealth(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	orgID, ok := middleware.GetOrgID(ctx)
	if !ok {
		utils.RespondWithError(w, http.StatusUnauthorized, "missing organization context")
		return
	}

	respond := func(status, message, upstreamStatus string) {
		utils.RespondWithJSON(w, http.StatusOK, healthResponse{
			Status:         status,
			Message:        message,
			UpstreamStatus: upstreamStatus,
			Timestamp:      time.Now().UTC(),
		})
	}

	cred, err := s.credentials.ResolveDefault(ctx, orgID)
	if err != nil {
		if errors.Is(err, storage.ErrNoCredentialAvailable) {
			respond("degraded", "no active credential for organization", "unknown")
			return
		}
		s.respondError(w, err)
		return
	}
	apiKey, err := s.credentials.DecryptKey(cred)
	if err != nil {
		s.respondError(w, err)
		return
	}

	probe := models.JSONB{
		"model":             "gpt-4o-mini",
		"input":             "Hello",
		"max_output_tokens": 16,
		"temperature":       0.0,
	}
	resp, err := s.upstream.CreateResponse(ctx, apiKey, probe)
	if err != nil {
		respond("unhealthy", "upstream is not reachable: "+err.Error(), "unreachable")
		return
	}

	if resp.StatusCode != http.StatusOK {
		respond("degraded", "upstream probe returned an error status", "error")
		return
	}
	if errObj, errored := relay.UpstreamError(resp.Body); errored {
		msg, _ := errObj["message"].(string)
		respond("degraded", "upstream reported an error: "+msg, "error")
		return
	}

	respond("healthy", "upstream is responding correctly", "operational")
}

// handleListSessionRequests returns the request history of a session.
func (s *Server) handleListSessionRequests(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	orgID, ok := middleware.GetOrgID(ctx)
	if !ok {
		utils.RespondWithError(w, http.StatusUnauthorized, "missing organization context")
		return
	}

	sessionID, err := uuid.Parse(mux.Vars(r)["id"])
	if err != nil {
		utils.RespondWithError(w, http.StatusBadRequest, "invalid session ID")
		return
	}

	session, err := s.sessions.GetByID(ctx, sessionID)
	if err != nil {
		s.respondError(w, err)
		return
	}
	owner, err := s.users.GetByID(ctx, session.UserID)
	if err != nil {
		s.respondError(w, err)
		return
	}
	if owner.OrganizationID != orgID {
		utils.RespondWithError(w, http.StatusForbidden, "session belongs to another organization")
		return
	}

	requests, err := s.requests.ListBySession(ctx, sessionID)
	if err != nil {
		s.respondError(w, err)
		return
	}

	out := make([]map[string]any, 0, len(requests))
	for _, req := range requests {
		out = append(out, map[string]any{
			"request_id":  req.RequestID,
			"response_id": req.ResponseID,
			"model":       req.Model,
			"status":      req.Status,
			"created_at":  req.CreatedAt,
		})
	}
	utils.RespondWithJSON(w, http.StatusOK, map[string]any{"requests": out})
}
