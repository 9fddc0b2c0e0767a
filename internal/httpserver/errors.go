package httpserver

import (
	"encoding/json"
	"net/http"

	"github.com/peregrine-ai/researchd/internal/errs"
)

// APIError is the JSON error envelope.
type APIError struct {
	Error string `json:"error"`
	Code  string `json:"code,omitempty"`
}

func writeJSONError(w http.ResponseWriter, status int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(APIError{Error: message, Code: code})
}

// writeError maps a domain error to its HTTP status and error kind.
func writeError(w http.ResponseWriter, err error) {
	writeJSONError(w, errs.HTTPStatus(err), string(errs.KindOf(err)), err.Error())
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}
