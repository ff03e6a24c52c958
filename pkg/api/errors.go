package api

import (
	"encoding/json"
	"net/http"

	"github.com/sanctuary-net/sanctuary/pkg/errdefs"
	"github.com/sanctuary-net/sanctuary/pkg/log"
)

// errorBody is the wire shape of every error response.
type errorBody struct {
	Error string `json:"error"`
	Kind  string `json:"kind"`
}

// statusAndKind maps an error to its HTTP status and stable kind string.
// Internal details of unavailability and bugs are logged, not returned.
func statusAndKind(err error) (int, string, string) {
	switch {
	case errdefs.IsInvalidInput(err):
		return http.StatusBadRequest, "invalid_input", err.Error()
	case errdefs.IsAuthRequired(err):
		return http.StatusUnauthorized, "auth_required", err.Error()
	case errdefs.IsAuthInvalid(err):
		return http.StatusUnauthorized, "auth_invalid", err.Error()
	case errdefs.IsForbidden(err):
		return http.StatusForbidden, "forbidden", err.Error()
	case errdefs.IsNotFound(err):
		return http.StatusNotFound, "not_found", err.Error()
	case errdefs.IsConflict(err):
		return http.StatusConflict, "conflict", err.Error()
	case errdefs.IsUnavailable(err):
		return http.StatusServiceUnavailable, "unavailable", "temporarily unavailable, retry later"
	case errdefs.IsCorrupted(err):
		return http.StatusBadRequest, "corrupted", err.Error()
	default:
		return http.StatusInternalServerError, "internal", "internal error"
	}
}

func writeError(w http.ResponseWriter, err error) {
	status, kind, msg := statusAndKind(err)
	if status >= 500 {
		lg := log.WithComponent("api")
		lg.Error().Err(err).Msg("request failed")
	}
	writeJSON(w, status, errorBody{Error: msg, Kind: kind})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		lg2 := log.WithComponent("api")
		lg2.Error().Err(err).Msg("encode response")
	}
}

func readJSON(r *http.Request, v interface{}) error {
	dec := json.NewDecoder(http.MaxBytesReader(nil, r.Body, maxBodyBytes))
	if err := dec.Decode(v); err != nil {
		return errdefs.Wrap(errdefs.ErrInvalidInput, "api: decode request: %v", err)
	}
	return nil
}

// maxBodyBytes bounds any request body; the snapshot payload cap is the
// binding limit in practice.
const maxBodyBytes = 96 << 20
