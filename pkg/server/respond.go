package server

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/veridian-labs/trustplane/pkg/errdefs"
)

// errorBody is the wire envelope for failures: {"error":{"code","message"}}.
type errorBody struct {
	Error errorDetail `json:"error"`
}

type errorDetail struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

// writeError maps a classified error to its status and stable code. Internal
// causes are logged, never exposed.
func writeError(w http.ResponseWriter, err error) {
	status := errdefs.HTTPStatus(err)
	code := errdefs.CodeOf(err)
	message := err.Error()
	var details map[string]any

	var e *errdefs.Error
	if errors.As(err, &e) {
		message = e.Message
		details = e.Details
	}
	if status == http.StatusInternalServerError {
		slog.Error("request failed", "error", err)
		message = "internal error"
	}
	writeJSON(w, status, errorBody{Error: errorDetail{Code: code, Message: message, Details: details}})
}

// decodeJSON reads a bounded JSON request body into dst.
func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return errdefs.Wrap(errdefs.KindValidation, "invalid_body", "request body does not parse", err)
	}
	return nil
}
