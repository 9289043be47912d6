// Package handlers implements the coordinator's HTTP handlers.
package handlers

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/go-playground/validator/v10"

	apierrors "github.com/narvanalabs/fleetdeploy/internal/api/errors"
	"github.com/narvanalabs/fleetdeploy/pkg/logger"
)

var validate = validator.New(validator.WithRequiredStructEnabled())

// decode reads a JSON body into v and runs its validate tags.
func decode(r *http.Request, v any) error {
	if r.Body == nil || r.Body == http.NoBody {
		return apierrors.NewInvalidRequest("request body is required")
	}
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return apierrors.NewInvalidRequest(fmt.Sprintf("invalid JSON: %v", err))
	}
	if err := validate.Struct(v); err != nil {
		return fmt.Errorf("validation error: %w", err)
	}
	return nil
}

// WriteJSON writes a JSON response with the given status code.
func WriteJSON(w http.ResponseWriter, status int, data any) {
	apierrors.WriteJSON(w, status, data)
}

// writeError maps err onto the API envelope. Internal errors are logged with
// the request ID; client errors are not.
func writeError(w http.ResponseWriter, r *http.Request, log *slog.Logger, msg string, err error) {
	apiErr := apierrors.FromError(err).WithRequestID(logger.RequestIDFromContext(r.Context()))
	if apiErr.Code == apierrors.CodeInternalError {
		(&logger.Logger{Logger: log}).WithContext(r.Context()).Error(msg,
			"error", err,
			"path", r.URL.Path,
		)
	}
	apierrors.WriteError(w, apiErr)
}

// emptyIfNil keeps list endpoints returning [] instead of null.
func emptyIfNil[T any](items []T) []T {
	if items == nil {
		return []T{}
	}
	return items
}
