package httpapi

import (
	"net/http"

	"github.com/gorilla/mux"

	"llm_proxy/internal/middleware"
	"llm_proxy/internal/utils"
)

// handleEndSession closes an open session by its token. Holding the
// token is taken as authorization; tokens are unguessable.
func (s *Server) handleEndSession(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	if _, ok := middleware.GetOrgID(ctx); !ok {
		utils.RespondWithError(w, http.StatusUnauthorized, "missing organization context")
		return
	}

	session, err := s.sessions.End(ctx, mux.Vars(r)["token"])
	if err != nil {
		s.respondError(w, err)
		return
	}

	utils.RespondWithJSON(w, http.StatusOK, map[string]any{
		"session_token": session.SessionToken,
		"ended_at":      session.EndedAt,
	})
}
