package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog/hlog"

	"github.com/aristath/taskd/internal/task"
)

// ErrorResponse is the body of every error reply.
type ErrorResponse struct {
	Error string `json:"error"`
	Field string `json:"field,omitempty"`
}

func respondJSON(w http.ResponseWriter, r *http.Request, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		hlog.FromRequest(r).Error().Err(err).Msg("failed to encode JSON response")
	}
}

func respondError(w http.ResponseWriter, r *http.Request, status int, message string) {
	respondJSON(w, r, status, ErrorResponse{Error: message})
}

// respondErr maps an error from the task service onto a status code.
//
//	unknown task type   422
//	other validation    400
//	dependency problem  409
//	not found           404
//	anything else       500
func respondErr(w http.ResponseWriter, r *http.Request, err error) {
	var valErr *task.ValidationError
	var depErr *task.DependencyError
	var fieldErrs validator.ValidationErrors

	switch {
	case errors.As(err, &valErr):
		status := http.StatusBadRequest
		if valErr.Field == "type" {
			status = http.StatusUnprocessableEntity
		}
		respondJSON(w, r, status, ErrorResponse{Error: valErr.Error(), Field: valErr.Field})
	case errors.As(err, &fieldErrs):
		field := ""
		if len(fieldErrs) > 0 {
			field = fieldErrs[0].Field()
		}
		respondJSON(w, r, http.StatusBadRequest, ErrorResponse{Error: err.Error(), Field: field})
	case errors.As(err, &depErr):
		respondJSON(w, r, http.StatusConflict, ErrorResponse{Error: depErr.Error(), Field: "dependencies"})
	case errors.Is(err, task.ErrNotFound):
		respondError(w, r, http.StatusNotFound, err.Error())
	default:
		hlog.FromRequest(r).Error().Err(err).Msg("request failed")
		respondError(w, r, http.StatusInternalServerError, "internal error")
	}
}
