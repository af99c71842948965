// Package handler implements the HTTP endpoints of the tmarks auth API. Every
// handler translates the request into a service call and renders the result;
// error classification lives in the service layer.
package handler

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/tmarks/tmarks/internal/apperr"
	"github.com/tmarks/tmarks/internal/server/middleware"
)

// maxBodyBytes bounds request bodies read by readJSON.
const maxBodyBytes = 1 << 20

// writeJSON serializes v as JSON and writes it to the response with the given
// HTTP status code.
func writeJSON(w http.ResponseWriter, status int, v any) {
	middleware.WriteJSON(w, status, v)
}

// writeError renders err using the standard error envelope.
func writeError(w http.ResponseWriter, r *http.Request, logger *slog.Logger, err error) {
	middleware.WriteError(w, r, logger, err)
}

// readJSON decodes the request body as JSON into v. The body is closed after
// decoding regardless of success or failure. Decode failures come back as
// validation errors.
func readJSON(r *http.Request, v any) error {
	defer r.Body.Close()
	err := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes)).Decode(v)
	if err == nil {
		return nil
	}
	if errors.Is(err, io.EOF) {
		return apperr.Validation(apperr.CodeInvalidInput, "Request body is required")
	}
	return apperr.Wrap(apperr.KindValidation, apperr.CodeInvalidInput, "Invalid request body", err)
}

// queryInt extracts an integer query parameter, returning defaultVal if the
// parameter is missing or cannot be parsed.
func queryInt(r *http.Request, key string, defaultVal int) int {
	val := r.URL.Query().Get(key)
	if val == "" {
		return defaultVal
	}
	n, err := strconv.Atoi(val)
	if err != nil {
		return defaultVal
	}
	return n
}

// queryBool extracts a boolean query parameter. Returns false if the parameter
// is missing or not "true"/"1".
func queryBool(r *http.Request, key string) bool {
	val := r.URL.Query().Get(key)
	return val == "true" || val == "1"
}

// clampInt constrains val to be within [min, max].
func clampInt(val, min, max int) int {
	if val < min {
		return min
	}
	if val > max {
		return max
	}
	return val
}

// principal returns the authenticated caller or an authentication error when
// the route was mounted without an auth middleware.
func principal(r *http.Request) (*middleware.Principal, error) {
	p := middleware.GetPrincipal(r.Context())
	if p == nil {
		return nil, apperr.Unauthenticated(apperr.CodeUnauthorized, "Authentication required")
	}
	return p, nil
}
