package httpx

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	apperrors "github.com/target/sopline/internal/errors"
)

// statusForCode maps an application error code to the HTTP status returned to API callers.
func statusForCode(code apperrors.ErrorCode) int {
	switch code {
	case apperrors.ErrCodeValidation:
		return http.StatusBadRequest
	case apperrors.ErrCodeNotFound:
		return http.StatusNotFound
	case apperrors.ErrCodeConflict:
		return http.StatusConflict
	case apperrors.ErrCodeProvider, apperrors.ErrCodeTransient:
		return http.StatusBadGateway
	case apperrors.ErrCodeProviderUnavailable, apperrors.ErrCodePersistence:
		return http.StatusServiceUnavailable
	case apperrors.ErrCodeTimeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

// writeServiceError renders err as a JSON error. Typed errors keep their code and message;
// anything else is logged and reported as "<op>_failed" without leaking its text.
func writeServiceError(w http.ResponseWriter, r *http.Request, logger *slog.Logger, op string, err error) {
	if errors.Is(err, context.Canceled) {
		// Client went away; nobody is listening for the body.
		return
	}
	code := apperrors.GetCode(err)
	status := statusForCode(code)
	if code == "" || status == http.StatusInternalServerError {
		logger.ErrorContext(r.Context(), "request failed", "op", op, "path", r.URL.Path, "error", err)
		writeError(w, http.StatusInternalServerError, op+"_failed", errInternal)
		return
	}
	if status >= http.StatusInternalServerError {
		logger.WarnContext(r.Context(), "request failed", "op", op, "path", r.URL.Path, "error", err)
	}
	writeError(w, status, string(code), err)
}

var errInternal = errors.New("internal error")
