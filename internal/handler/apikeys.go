package handler

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/tmarks/tmarks/internal/apperr"
	"github.com/tmarks/tmarks/internal/model"
	"github.com/tmarks/tmarks/internal/service"
)

const (
	defaultLogLimit = 10
	maxLogLimit     = 100
)

// APIKeyHandler manages the caller's API keys. All routes require a session.
type APIKeyHandler struct {
	keys   *service.APIKeyService
	logger *slog.Logger
}

// NewAPIKeyHandler creates a new APIKeyHandler.
func NewAPIKeyHandler(keys *service.APIKeyService, logger *slog.Logger) *APIKeyHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &APIKeyHandler{keys: keys, logger: logger}
}

// List returns the caller's keys, newest first.
// GET /v1/settings/api-keys
func (h *APIKeyHandler) List(w http.ResponseWriter, r *http.Request) {
	p, err := principal(r)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}

	keys, err := h.keys.List(r.Context(), p.UserID)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, model.ListResponse{
		Resource: keys,
		Meta:     &model.ResponseMeta{Count: len(keys)},
	})
}

type createKeyRequest struct {
	Name        string   `json:"name"`
	Description string   `json:"description"`
	Permissions []string `json:"permissions"`
	Template    string   `json:"template"`
	ExpiresAt   string   `json:"expires_at"`
}

// Create issues a new key. The plaintext key appears only in this response.
// POST /v1/settings/api-keys
func (h *APIKeyHandler) Create(w http.ResponseWriter, r *http.Request) {
	p, err := principal(r)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}

	var req createKeyRequest
	if err := readJSON(r, &req); err != nil {
		writeError(w, r, h.logger, err)
		return
	}

	created, err := h.keys.Create(r.Context(), p.UserID, service.CreateKeyInput{
		Name:        req.Name,
		Description: req.Description,
		Permissions: req.Permissions,
		Template:    req.Template,
		ExpiresAt:   req.ExpiresAt,
	})
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusCreated, created)
}

// Get returns one key with its usage stats.
// GET /v1/settings/api-keys/{id}
func (h *APIKeyHandler) Get(w http.ResponseWriter, r *http.Request) {
	p, err := principal(r)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}

	details, err := h.keys.Get(r.Context(), p.UserID, chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, details)
}

// Update applies a partial update. An explicit null clears description or
// expires_at; an absent field is left alone.
// PATCH /v1/settings/api-keys/{id}
func (h *APIKeyHandler) Update(w http.ResponseWriter, r *http.Request) {
	p, err := principal(r)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}

	var raw map[string]json.RawMessage
	if err := readJSON(r, &raw); err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	patch, err := decodeKeyPatch(raw)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}

	k, err := h.keys.Update(r.Context(), p.UserID, chi.URLParam(r, "id"), patch)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, k)
}

// Delete revokes a key, or removes it with its logs when hard=true.
// DELETE /v1/settings/api-keys/{id}
func (h *APIKeyHandler) Delete(w http.ResponseWriter, r *http.Request) {
	p, err := principal(r)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}

	id := chi.URLParam(r, "id")
	msg := "API Key revoked successfully"
	if queryBool(r, "hard") {
		err = h.keys.HardDelete(r.Context(), p.UserID, id)
		msg = "API Key deleted permanently"
	} else {
		err = h.keys.Revoke(r.Context(), p.UserID, id)
	}
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, model.MessageResponse{Message: msg})
}

// Logs returns the most recent usage rows for a key.
// GET /v1/settings/api-keys/{id}/logs
func (h *APIKeyHandler) Logs(w http.ResponseWriter, r *http.Request) {
	p, err := principal(r)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}

	limit := clampInt(queryInt(r, "limit", defaultLogLimit), 1, maxLogLimit)
	logs, err := h.keys.Logs(r.Context(), p.UserID, chi.URLParam(r, "id"), limit)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, model.ListResponse{
		Resource: logs,
		Meta:     &model.ResponseMeta{Count: len(logs), Limit: limit},
	})
}

// decodeKeyPatch turns a raw JSON object into a KeyPatch, keeping the
// difference between an absent field and an explicit null.
func decodeKeyPatch(raw map[string]json.RawMessage) (service.KeyPatch, error) {
	var patch service.KeyPatch

	if v, ok := raw["name"]; ok && !isNull(v) {
		var s string
		if err := json.Unmarshal(v, &s); err != nil {
			return patch, fieldError("name")
		}
		patch.Name = &s
	}

	if v, ok := raw["description"]; ok {
		patch.DescriptionSet = true
		if !isNull(v) {
			var s string
			if err := json.Unmarshal(v, &s); err != nil {
				return patch, fieldError("description")
			}
			patch.Description = &s
		}
	}

	if v, ok := raw["permissions"]; ok && !isNull(v) {
		var perms []string
		if err := json.Unmarshal(v, &perms); err != nil {
			return patch, fieldError("permissions")
		}
		patch.Permissions = perms
		patch.PermissionsSet = true
	}

	if v, ok := raw["template"]; ok && !isNull(v) {
		var s string
		if err := json.Unmarshal(v, &s); err != nil {
			return patch, fieldError("template")
		}
		patch.Template = &s
	}

	if v, ok := raw["expires_at"]; ok {
		patch.ExpiresAtSet = true
		if !isNull(v) {
			var s string
			if err := json.Unmarshal(v, &s); err != nil {
				return patch, fieldError("expires_at")
			}
			patch.ExpiresAt = &s
		}
	}

	return patch, nil
}

func isNull(v json.RawMessage) bool {
	return string(v) == "null"
}

func fieldError(name string) error {
	return apperr.Validation(apperr.CodeInvalidInput, "Invalid value for "+name)
}
