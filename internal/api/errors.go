package api

import (
	"encoding/json"
	"fmt"
	"net/http"

	apperrors "github.com/timelock-gifts/internal/errors"
	"github.com/timelock-gifts/internal/logging"
	"github.com/timelock-gifts/internal/types"
)

// ErrorResponse represents an API error response.
type ErrorResponse struct {
	Error types.ServiceError `json:"error"`
}

// respondError writes err as a JSON error body. Server-side failures keep
// their detail in the log and return a generic message.
func respondError(w http.ResponseWriter, logger *logging.Logger, err error) {
	catErr := apperrors.Categorize(err)

	message := catErr.Message
	details := catErr.Details
	if catErr.StatusCode >= http.StatusInternalServerError {
		logger.WithError(err).WithField("code", catErr.Code).Error("Request failed")
		if catErr.Category == apperrors.CategorySystem && catErr.StatusCode == http.StatusInternalServerError {
			message = "An internal error occurred"
			details = nil
		}
	}

	if catErr.Category == apperrors.CategoryRateLimit {
		if retryAfter, ok := catErr.Details["retryAfter"].(int); ok {
			w.Header().Set("Retry-After", fmt.Sprintf("%d", retryAfter))
		}
	}

	writeError(w, catErr.StatusCode, catErr.Code, message, details)
}

func writeError(w http.ResponseWriter, statusCode int, code, message string, details map[string]interface{}) {
	respondJSON(w, statusCode, ErrorResponse{
		Error: types.ServiceError{
			Code:    code,
			Message: message,
			Details: details,
		},
	})
}

// respondJSON sends a JSON response.
func respondJSON(w http.ResponseWriter, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)

	if data != nil {
		_ = json.NewEncoder(w).Encode(data)
	}
}

// parseJSONBody parses JSON request body.
func parseJSONBody(r *http.Request, v interface{}) error {
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(v); err != nil {
		return apperrors.NewValidationError("body", fmt.Sprintf("is not valid JSON: %v", err))
	}
	return nil
}
