package notifyhttp

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/dmitrymomot/notikit/pkg/logger"
	"github.com/dmitrymomot/notikit/pkg/notifications"
)

var (
	ErrMissingRecipient = errors.New("missing recipient id")
	ErrInvalidQuery     = errors.New("invalid query parameter")
	ErrInvalidBody      = errors.New("invalid request body")
	ErrStreamingFailed  = errors.New("streaming unsupported")
)

// statusOf maps engine and transport errors onto HTTP status codes.
func statusOf(err error) int {
	switch {
	case errors.Is(err, ErrMissingRecipient):
		return http.StatusUnauthorized
	case errors.Is(err, ErrInvalidQuery),
		errors.Is(err, ErrInvalidBody),
		errors.Is(err, notifications.ErrInvalidInput):
		return http.StatusBadRequest
	case errors.Is(err, notifications.ErrNotificationNotFound):
		return http.StatusNotFound
	case errors.Is(err, notifications.ErrInvalidPreferenceUpdate):
		return http.StatusUnprocessableEntity
	case errors.Is(err, notifications.ErrPreferenceUnavailable),
		errors.Is(err, notifications.ErrHubClosed):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

type errorResponse struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusOf(err)
	msg := err.Error()
	if status == http.StatusInternalServerError {
		h.logger.LogAttrs(r.Context(), slog.LevelError, "notification request failed",
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
			logger.Error(err),
		)
		msg = http.StatusText(status)
	}
	writeJSON(w, status, errorResponse{Error: msg})
}
