package middleware

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/tmarks/tmarks/internal/apperr"
	"github.com/tmarks/tmarks/internal/model"
)

// WriteJSON serializes v as JSON with the given status.
func WriteJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// WriteError classifies err and writes the error envelope. Internal errors
// are logged with request context and answered with a generic message.
func WriteError(w http.ResponseWriter, r *http.Request, logger *slog.Logger, err error) {
	e := apperr.As(err)
	if e == nil {
		e = apperr.Internal(err)
	}
	status := e.Kind.HTTPStatus()

	if e.Kind == apperr.KindInternal {
		if logger == nil {
			logger = slog.Default()
		}
		logger.ErrorContext(r.Context(), "request failed",
			"error", err,
			"method", r.Method,
			"path", r.URL.Path,
			"remote_addr", r.RemoteAddr,
			"user_agent", r.UserAgent(),
			"request_id", GetRequestID(r.Context()),
		)
	}

	WriteJSON(w, status, model.ErrorResponse{
		Error: model.ErrorDetail{
			Code:    status,
			Reason:  e.Code,
			Message: e.Message,
		},
	})
}
