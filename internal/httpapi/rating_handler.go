package httpapi

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"llm_proxy/internal/middleware"
	"llm_proxy/internal/utils"
)

type rateRequest struct {
	Rating   int     `json:"rating"`
	Feedback *string `json:"feedback"`
}

type rateResponse struct {
	RequestID string    `json:"request_id"`
	Rating    int       `json:"rating"`
	Feedback  *string   `json:"feedback"`
	RatedAt   time.Time `json:"rated_at"`
}

// handleRateResponse records a thumbs up or down on a relayed request.
// The identifier may be either the proxy req_ ID or the upstream
// resp_ ID.
func (s *Server) handleRateResponse(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	orgID, ok := middleware.GetOrgID(ctx)
	if !ok {
		utils.RespondWithError(w, http.StatusUnauthorized, "missing organization context")
		return
	}

	var body rateRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		utils.RespondWithError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if body.Rating != -1 && body.Rating != 1 {
		utils.RespondWithError(w, http.StatusBadRequest, "rating must be -1 or 1")
		return
	}

	req, err := s.requests.GetByAnyID(ctx, mux.Vars(r)["id"])
	if err != nil {
		s.respondError(w, err)
		return
	}

	owner, err := s.users.GetByID(ctx, req.UserID)
	if err != nil {
		s.respondError(w, err)
		return
	}
	if owner.OrganizationID != orgID {
		utils.RespondWithError(w, http.StatusForbidden, "request belongs to another organization")
		return
	}

	if err := s.requests.SetRating(ctx, req.ID, body.Rating, body.Feedback); err != nil {
		s.respondError(w, err)
		return
	}

	utils.RespondWithJSON(w, http.StatusOK, rateResponse{
		RequestID: req.RequestID,
		Rating:    body.Rating,
		Feedback:  body.Feedback,
		RatedAt:   time.Now().UTC(),
	})
}
