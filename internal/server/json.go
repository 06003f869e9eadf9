package server

import (
	"encoding/json"
	"errors"
	"log/slog"
	"math"
	"net/http"
	"strconv"

	"github.com/playperu/hunt/internal/hunt"
	"github.com/playperu/hunt/internal/sandbox"
)

// ErrorResponse is returned for all error responses.
type ErrorResponse struct {
	Error  string `json:"error"`
	Reason string `json:"reason,omitempty"`
	Field  string `json:"field,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func readJSON(r *http.Request, v any) error {
	defer r.Body.Close()
	return json.NewDecoder(r.Body).Decode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, ErrorResponse{Error: msg})
}

// writeErr maps the domain error taxonomy onto HTTP responses.
func writeErr(w http.ResponseWriter, logger *slog.Logger, err error) {
	var (
		verr *hunt.ValidationError
		cerr *hunt.ConflictError
	)
	switch {
	case errors.As(err, &verr):
		writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: verr.Message, Field: verr.Field})
	case errors.Is(err, hunt.ErrNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.As(err, &cerr):
		if cerr.RetryAfter > 0 {
			w.Header().Set("Retry-After", strconv.Itoa(int(math.Ceil(cerr.RetryAfter.Seconds()))))
		}
		writeJSON(w, http.StatusConflict, ErrorResponse{Error: cerr.Message, Reason: string(cerr.Reason)})
	case isScriptError(err):
		// Broken puzzle content is shown as broken.
		logger.Warn("script failed", "error", err)
		writeError(w, http.StatusInternalServerError, err.Error())
	default:
		logger.Error("request failed", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func isScriptError(err error) bool {
	var (
		rerr *sandbox.ResourceExceededError
		verr *sandbox.SandboxViolationError
		eerr *sandbox.ExecutionError
	)
	return errors.As(err, &rerr) || errors.As(err, &verr) || errors.As(err, &eerr)
}
