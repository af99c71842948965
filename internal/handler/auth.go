package handler

import (
	"log/slog"
	"net/http"

	"github.com/tmarks/tmarks/internal/model"
	"github.com/tmarks/tmarks/internal/server/middleware"
	"github.com/tmarks/tmarks/internal/service"
)

// AuthHandler serves login, logout, refresh and the current-user endpoint.
type AuthHandler struct {
	auth   *service.AuthService
	logger *slog.Logger
}

// NewAuthHandler creates a new AuthHandler.
func NewAuthHandler(auth *service.AuthService, logger *slog.Logger) *AuthHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &AuthHandler{auth: auth, logger: logger}
}

type loginRequest struct {
	Username   string `json:"username"`
	Password   string `json:"password"`
	RememberMe bool   `json:"remember_me"`
}

// Login exchanges credentials for a session.
// POST /v1/auth/login
func (h *AuthHandler) Login(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := readJSON(r, &req); err != nil {
		writeError(w, r, h.logger, err)
		return
	}

	sess, err := h.auth.Login(r.Context(), service.LoginInput{
		Username:   req.Username,
		Password:   req.Password,
		RememberMe: req.RememberMe,
		IP:         middleware.ClientIP(r),
		UserAgent:  r.UserAgent(),
	})
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

type refreshRequest struct {
	RefreshToken string `json:"refresh_token"`
}

// Refresh rotates a refresh token into a new session.
// POST /v1/auth/refresh
func (h *AuthHandler) Refresh(w http.ResponseWriter, r *http.Request) {
	var req refreshRequest
	if err := readJSON(r, &req); err != nil {
		writeError(w, r, h.logger, err)
		return
	}

	sess, err := h.auth.Refresh(r.Context(), service.RefreshInput{
		RefreshToken: req.RefreshToken,
		IP:           middleware.ClientIP(r),
		UserAgent:    r.UserAgent(),
	})
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

type logoutRequest struct {
	RefreshToken string `json:"refresh_token"`
	RevokeAll    bool   `json:"revoke_all"`
}

// Logout revokes the caller's refresh token, or every one of them.
// POST /v1/auth/logout
func (h *AuthHandler) Logout(w http.ResponseWriter, r *http.Request) {
	p, err := principal(r)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}

	var req logoutRequest
	if err := readJSON(r, &req); err != nil {
		writeError(w, r, h.logger, err)
		return
	}

	err = h.auth.Logout(r.Context(), service.LogoutInput{
		UserID:       p.UserID,
		RefreshToken: req.RefreshToken,
		RevokeAll:    req.RevokeAll,
		IP:           middleware.ClientIP(r),
		UserAgent:    r.UserAgent(),
	})
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type meAuth struct {
	Kind        string   `json:"kind"`
	KeyID       string   `json:"key_id,omitempty"`
	Permissions []string `json:"permissions,omitempty"`
}

type meResponse struct {
	User *model.PublicUser `json:"user"`
	Auth meAuth            `json:"auth"`
}

// Me returns the authenticated user and how they authenticated.
// GET /v1/me
func (h *AuthHandler) Me(w http.ResponseWriter, r *http.Request) {
	p, err := principal(r)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}

	u, err := h.auth.CurrentUser(r.Context(), p.UserID)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}

	resp := meResponse{User: u, Auth: meAuth{Kind: p.Kind, Permissions: p.Permissions}}
	if p.APIKey != nil {
		resp.Auth.KeyID = p.APIKey.ID
	}
	writeJSON(w, http.StatusOK, resp)
}
