package httpapi

import (
	"errors"
	"net/http"

	"llm_proxy/internal/analysis"
	"llm_proxy/internal/relay"
	"llm_proxy/internal/storage"
	"llm_proxy/internal/utils"
)

// respondError maps domain errors onto HTTP statuses. Unknown errors
// are logged and surfaced as opaque 500s.
func (s *Server) respondError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, storage.ErrRequestNotFound),
		errors.Is(err, storage.ErrSessionNotFound),
		errors.Is(err, storage.ErrPersonaNotFound),
		errors.Is(err, storage.ErrCredentialNotFound),
		errors.Is(err, storage.ErrAnalysisConfigNotFound):
		utils.RespondWithError(w, http.StatusNotFound, err.Error())

	case errors.Is(err, storage.ErrNoCredentialAvailable):
		utils.RespondWithError(w, http.StatusForbidden, "no active credential available")

	case errors.Is(err, analysis.ErrNotAuthorized):
		utils.RespondWithError(w, http.StatusForbidden, err.Error())

	case errors.Is(err, analysis.ErrInvalidConfig),
		errors.Is(err, errBadPersonaID):
		utils.RespondWithError(w, http.StatusBadRequest, err.Error())

	case errors.Is(err, storage.ErrDuplicateName),
		errors.Is(err, storage.ErrDuplicateDefaultCredential),
		errors.Is(err, storage.ErrDuplicateSyntheticKey):
		utils.RespondWithError(w, http.StatusConflict, err.Error())

	case errors.Is(err, relay.ErrUpstreamTimeout):
		utils.RespondWithError(w, http.StatusGatewayTimeout, "upstream timeout")

	case errors.Is(err, relay.ErrTransport):
		utils.RespondWithError(w, http.StatusBadGateway, "upstream unavailable")

	case errors.Is(err, analysis.ErrUpstreamFailed):
		utils.RespondWithError(w, http.StatusBadGateway, err.Error())

	case errors.Is(err, analysis.ErrMalformedResponse):
		utils.RespondWithError(w, http.StatusBadGateway, err.Error())

	default:
		s.log.WithError(err).Error("unhandled error in request")
		utils.RespondWithError(w, http.StatusInternalServerError, "internal error")
	}
}
