package respond

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/rs/zerolog/log"

	"github.com/meridianhq/calsync/internal/model"
)

// ErrorResponse represents a standard error response
type ErrorResponse struct {
	Error   string `json:"error"`
	Code    int    `json:"code"`
	Message string `json:"message,omitempty"`
}

// WriteJSON writes a JSON response with the given status code
func WriteJSON(w http.ResponseWriter, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)

	if err := json.NewEncoder(w).Encode(data); err != nil {
		log.Error().Err(err).Msg("Failed to encode JSON response")
		http.Error(w, "Internal server error", http.StatusInternalServerError)
	}
}

// WriteError writes a standardized error response
func WriteError(w http.ResponseWriter, statusCode int, message string) {
	response := ErrorResponse{
		Error:   http.StatusText(statusCode),
		Code:    statusCode,
		Message: message,
	}
	WriteJSON(w, statusCode, response)
}

// WriteBadRequest writes a 400 Bad Request response
func WriteBadRequest(w http.ResponseWriter, message string) {
	WriteError(w, http.StatusBadRequest, message)
}

// WriteNotFound writes a 404 Not Found response
func WriteNotFound(w http.ResponseWriter, message string) {
	WriteError(w, http.StatusNotFound, message)
}

// WriteInternalError writes a 500 Internal Server Error response
func WriteInternalError(w http.ResponseWriter, message string) {
	WriteError(w, http.StatusInternalServerError, message)
}

// WriteDomainError maps a domain error onto the appropriate HTTP status.
func WriteDomainError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, model.ErrNotFound):
		WriteNotFound(w, err.Error())
		return
	case errors.Is(err, model.ErrSyncInProgress):
		WriteError(w, http.StatusConflict, err.Error())
		return
	case errors.Is(err, model.ErrConflict):
		WriteError(w, http.StatusConflict, err.Error())
		return
	}
	switch model.CodeOf(err) {
	case model.CodeValidationError:
		WriteBadRequest(w, err.Error())
	case model.CodeAuthenticationFailed:
		WriteError(w, http.StatusUnauthorized, err.Error())
	case model.CodePermissionDenied:
		WriteError(w, http.StatusForbidden, err.Error())
	case model.CodeRateLimitExceeded, model.CodeQuotaExceeded:
		WriteError(w, http.StatusTooManyRequests, err.Error())
	case model.CodeServiceUnavailable:
		WriteError(w, http.StatusBadGateway, err.Error())
	default:
		WriteInternalError(w, err.Error())
	}
}
