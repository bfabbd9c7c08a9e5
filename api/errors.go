package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"gorm.io/gorm"

	"github.com/oar-cd/conductor/domain"
	"github.com/oar-cd/conductor/orchestrator"
	"github.com/oar-cd/conductor/scheduler"
)

type errorResponse struct {
	Error string `json:"error"`
}

// statusForError maps the engine error taxonomy to an HTTP status
func statusForError(err error) int {
	var (
		validationErr    *domain.ValidationError
		configurationErr *domain.ConfigurationError
		authorizationErr *domain.AuthorizationError
	)

	switch {
	case errors.As(err, &validationErr):
		return http.StatusUnprocessableEntity
	case errors.As(err, &configurationErr):
		return http.StatusBadRequest
	case errors.As(err, &authorizationErr):
		return http.StatusForbidden
	case errors.Is(err, gorm.ErrRecordNotFound), errors.Is(err, orchestrator.ErrBatchNotFound):
		return http.StatusNotFound
	case errors.Is(err, orchestrator.ErrRunFinished):
		return http.StatusConflict
	case errors.Is(err, scheduler.ErrRateLimited):
		return http.StatusTooManyRequests
	case errors.Is(err, orchestrator.ErrShuttingDown):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// FormatErrorForUser converts technical errors to user-friendly messages.
// Taxonomy errors already carry a safe message.
func FormatErrorForUser(err error) string {
	if err == nil {
		return ""
	}

	if status := statusForError(err); status != http.StatusInternalServerError {
		if status == http.StatusNotFound {
			return "not found"
		}
		return err.Error()
	}

	errStr := strings.ToLower(err.Error())

	switch {
	case strings.Contains(errStr, "unique constraint"):
		return "this entry already exists"
	case strings.Contains(errStr, "database is locked"):
		return "database is busy, try again"
	case strings.Contains(errStr, "timeout"):
		return "operation timed out"
	default:
		return "an unexpected error occurred"
	}
}

func writeError(w http.ResponseWriter, operation string, err error) {
	status := statusForError(err)
	if status == http.StatusInternalServerError {
		slog.Error("Handler operation failed",
			"layer", "api",
			"operation", operation,
			"error", err)
	} else {
		slog.Debug("Request rejected",
			"layer", "api",
			"operation", operation,
			"status", status,
			"error", err)
	}
	writeJSONError(w, status, FormatErrorForUser(err))
}

func writeJSONError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, errorResponse{Error: message})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		slog.Error("Failed to write response",
			"layer", "api",
			"operation", "write_json",
			"error", err)
	}
}
