package server

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/syntropy-systems-oss/whirr/errors"
)

// errorBody is the wire shape of every error response:
// {"error": "<kind>", "detail": "<message>"}.
type errorBody struct {
	Error  string `json:"error"`
	Detail string `json:"detail"`
}

// writeJSON writes a JSON response with the given status code
func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

// writeError writes a JSON error response with an explicit kind
func writeError(w http.ResponseWriter, status int, kind, detail string) {
	writeJSON(w, status, errorBody{Error: kind, Detail: detail})
}

// writeStoreError maps sentinel error kinds onto HTTP statuses
func writeStoreError(w http.ResponseWriter, err error) {
	switch {
	case errors.IsNotFound(err):
		writeError(w, http.StatusNotFound, "not_found", err.Error())
	case errors.IsNotOwner(err):
		writeError(w, http.StatusForbidden, "not_owner", err.Error())
	case errors.Is(err, errors.ErrNotRetryable):
		writeError(w, http.StatusConflict, "not_retryable", err.Error())
	case errors.IsStoreUnavailable(err):
		writeError(w, http.StatusServiceUnavailable, "store_unavailable", err.Error())
	default:
		writeError(w, http.StatusInternalServerError, "internal", err.Error())
	}
}

// readJSON reads and decodes a JSON request body
func readJSON(w http.ResponseWriter, r *http.Request, v interface{}) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", fmt.Sprintf("invalid request body: %v", err))
		return err
	}
	return nil
}
