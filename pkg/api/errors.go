package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/ctflab/ctfdeployer/pkg/log"
	"github.com/ctflab/ctfdeployer/pkg/types"
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError maps domain errors onto the HTTP contract.
func writeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, types.ErrCaptchaInvalid):
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "captcha invalid"})
	case errors.Is(err, types.ErrAlreadyOwns):
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "existing instance"})
	case errors.Is(err, types.ErrRateLimited):
		writeJSON(w, http.StatusTooManyRequests, map[string]string{"error": "rate limit exceeded"})
	case errors.Is(err, types.ErrNotFound):
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "container not found"})
	case errors.Is(err, types.ErrPortPoolFull):
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "no free port"})
	case types.IsTransient(err), types.IsEngineConflict(err):
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "temporarily unavailable"})
	default:
		if qe, ok := types.IsQuotaError(err); ok {
			writeJSON(w, http.StatusServiceUnavailable,
				map[string]string{"error": "resource " + string(qe.Resource) + " exhausted"})
			return
		}
		log.WithComponent("api").Error().Err(err).Msg("Unhandled error")
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal error"})
	}
}
