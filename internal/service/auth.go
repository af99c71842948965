package service

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/tmarks/tmarks/internal/apperr"
	"github.com/tmarks/tmarks/internal/config"
	"github.com/tmarks/tmarks/internal/metrics"
	"github.com/tmarks/tmarks/internal/model"
	"github.com/tmarks/tmarks/internal/token"
)

const refreshSecretBytes = 32

// AuthConfig carries the settings and collaborators of an AuthService.
// Now, Rand and Metrics are optional.
type AuthConfig struct {
	Secret          []byte
	AccessTokenTTL  string
	RefreshTokenTTL string

	Now     func() time.Time
	Rand    io.Reader
	Metrics *metrics.Metrics
}

// AuthService runs the session lifecycle: login, refresh, logout and session
// token verification.
type AuthService struct {
	store      AuthStore
	hasher     PasswordHasher
	secret     []byte
	accessTTL  string
	accessDur  time.Duration
	refreshDur time.Duration
	now        func() time.Time
	rand       io.Reader
	metrics    *metrics.Metrics
}

// NewAuthService validates cfg and returns a ready service.
func NewAuthService(store AuthStore, hasher PasswordHasher, cfg AuthConfig) (*AuthService, error) {
	if len(cfg.Secret) == 0 {
		return nil, errors.New("auth: signing secret is required")
	}
	accessDur, err := token.ParseTTL(cfg.AccessTokenTTL)
	if err != nil {
		return nil, fmt.Errorf("auth: access token ttl: %w", err)
	}
	refreshDur, err := token.ParseTTL(cfg.RefreshTokenTTL)
	if err != nil {
		return nil, fmt.Errorf("auth: refresh token ttl: %w", err)
	}
	if accessDur <= 0 {
		return nil, fmt.Errorf("auth: access token ttl %q must be positive", cfg.AccessTokenTTL)
	}
	if refreshDur <= 0 {
		return nil, fmt.Errorf("auth: refresh token ttl %q must be positive", cfg.RefreshTokenTTL)
	}

	s := &AuthService{
		store:      store,
		hasher:     hasher,
		secret:     cfg.Secret,
		accessTTL:  cfg.AccessTokenTTL,
		accessDur:  accessDur,
		refreshDur: refreshDur,
		now:        cfg.Now,
		rand:       cfg.Rand,
		metrics:    cfg.Metrics,
	}
	if s.now == nil {
		s.now = time.Now
	}
	if s.rand == nil {
		s.rand = rand.Reader
	}
	return s, nil
}

// LoginInput is one interactive login attempt.
type LoginInput struct {
	Username   string
	Password   string
	RememberMe bool
	IP         string
	UserAgent  string
}

// Session is the credential pair handed to a client.
type Session struct {
	AccessToken  string            `json:"access_token"`
	RefreshToken string            `json:"refresh_token"`
	TokenType    string            `json:"token_type"`
	ExpiresIn    int64             `json:"expires_in"`
	User         *model.PublicUser `json:"user,omitempty"`
	SessionID    string            `json:"-"`
}

var errInvalidCredentials = apperr.Unauthenticated(apperr.CodeUnauthorized, "Invalid username or password")

// Login checks the credentials and, on success, issues a session token and a
// refresh token. Unknown users and wrong passwords look identical to the
// caller but are audited with different reasons.
func (s *AuthService) Login(ctx context.Context, in LoginInput) (*Session, error) {
	login := strings.TrimSpace(in.Username)
	if login == "" || in.Password == "" {
		return nil, apperr.Validation(apperr.CodeMissingField, "Username and password are required")
	}

	user, err := s.store.FindUserByLogin(ctx, login)
	if errors.Is(err, config.ErrNotFound) {
		s.metrics.Login("user_not_found")
		if err := s.audit(ctx, nil, model.EventLoginFailed, map[string]any{
			"username": login,
			"reason":   "user_not_found",
		}, in.IP, in.UserAgent); err != nil {
			return nil, err
		}
		return nil, errInvalidCredentials
	}
	if err != nil {
		s.metrics.Login("error")
		return nil, apperr.Internal(fmt.Errorf("login lookup: %w", err))
	}
	if user.Role == "" {
		user.Role = model.DefaultRole
	}

	ok, err := s.hasher.Verify(user.PasswordHash, in.Password)
	if err != nil {
		s.metrics.Login("error")
		return nil, apperr.Internal(err)
	}
	if !ok {
		s.metrics.Login("invalid_password")
		if err := s.audit(ctx, &user.ID, model.EventLoginFailed, map[string]any{
			"username": login,
			"reason":   "invalid_password",
		}, in.IP, in.UserAgent); err != nil {
			return nil, err
		}
		return nil, errInvalidCredentials
	}

	sess, err := s.issue(ctx, user.ID)
	if err != nil {
		s.metrics.Login("error")
		return nil, err
	}
	if err := s.audit(ctx, &user.ID, model.EventLoginSuccess, map[string]any{
		"session_id":  sess.SessionID,
		"remember_me": in.RememberMe,
	}, in.IP, in.UserAgent); err != nil {
		return nil, err
	}

	s.metrics.Login("success")
	pub := user.Public()
	sess.User = &pub
	return sess, nil
}

// issue mints a session token and persists a new refresh token for userID.
func (s *AuthService) issue(ctx context.Context, userID string) (*Session, error) {
	now := s.now()
	sess, rt, err := s.mint(userID, now)
	if err != nil {
		return nil, err
	}
	if err := s.store.CreateRefreshToken(ctx, rt); err != nil {
		return nil, apperr.Internal(fmt.Errorf("store refresh token: %w", err))
	}
	return sess, nil
}

// mint builds the token pair without persisting anything.
func (s *AuthService) mint(userID string, now time.Time) (*Session, *model.RefreshToken, error) {
	sessionID, err := uuid.NewV7()
	if err != nil {
		return nil, nil, apperr.Internal(fmt.Errorf("session id: %w", err))
	}

	access, err := token.Sign(token.Claims{
		SessionID:        sessionID.String(),
		RegisteredClaims: jwt.RegisteredClaims{Subject: userID},
	}, s.secret, s.accessTTL, now)
	if err != nil {
		return nil, nil, apperr.Internal(err)
	}

	buf := make([]byte, refreshSecretBytes)
	if _, err := io.ReadFull(s.rand, buf); err != nil {
		return nil, nil, apperr.Internal(fmt.Errorf("refresh token entropy: %w", err))
	}
	refresh := hex.EncodeToString(buf)

	rt := &model.RefreshToken{
		UserID:    userID,
		TokenHash: hashRefreshToken(refresh),
		ExpiresAt: now.Add(s.refreshDur),
		CreatedAt: now,
	}
	return &Session{
		AccessToken:  access,
		RefreshToken: refresh,
		TokenType:    "Bearer",
		ExpiresIn:    int64(s.accessDur / time.Second),
		SessionID:    sessionID.String(),
	}, rt, nil
}

// RefreshInput exchanges a refresh token for a new token pair.
type RefreshInput struct {
	RefreshToken string
	IP           string
	UserAgent    string
}

var errInvalidRefresh = apperr.Unauthenticated(apperr.CodeInvalidToken, "Invalid or expired refresh token")

// Refresh rotates a refresh token: the presented token is revoked and a new
// pair is issued. A token can be rotated at most once.
func (s *AuthService) Refresh(ctx context.Context, in RefreshInput) (*Session, error) {
	if in.RefreshToken == "" {
		return nil, apperr.Validation(apperr.CodeMissingField, "refresh_token is required")
	}

	now := s.now()
	rt, err := s.store.GetRefreshTokenByHash(ctx, hashRefreshToken(in.RefreshToken))
	if errors.Is(err, config.ErrNotFound) {
		return nil, errInvalidRefresh
	}
	if err != nil {
		return nil, apperr.Internal(fmt.Errorf("load refresh token: %w", err))
	}
	if !rt.Usable(now) {
		return nil, errInvalidRefresh
	}

	if _, err := s.store.GetUser(ctx, rt.UserID); err != nil {
		if errors.Is(err, config.ErrNotFound) {
			return nil, errInvalidRefresh
		}
		return nil, apperr.Internal(fmt.Errorf("load refresh token user: %w", err))
	}

	sess, next, err := s.mint(rt.UserID, now)
	if err != nil {
		return nil, err
	}
	if err := s.store.RotateRefreshToken(ctx, rt.ID, now, next); err != nil {
		if errors.Is(err, config.ErrNotFound) {
			return nil, errInvalidRefresh
		}
		return nil, apperr.Internal(fmt.Errorf("rotate refresh token: %w", err))
	}

	if err := s.audit(ctx, &rt.UserID, model.EventTokenRefreshed, map[string]any{
		"session_id": sess.SessionID,
	}, in.IP, in.UserAgent); err != nil {
		return nil, err
	}
	return sess, nil
}

// LogoutInput ends one session, or every session of the user with RevokeAll.
type LogoutInput struct {
	UserID       string
	RefreshToken string
	RevokeAll    bool
	IP           string
	UserAgent    string
}

// Logout revokes refresh tokens. It succeeds even when nothing matched.
func (s *AuthService) Logout(ctx context.Context, in LogoutInput) error {
	if in.RefreshToken == "" {
		return apperr.Validation(apperr.CodeMissingField, "refresh_token is required")
	}
	now := s.now()

	if in.RevokeAll {
		if _, err := s.store.RevokeAllRefreshTokens(ctx, in.UserID, now); err != nil {
			return apperr.Internal(err)
		}
		return s.audit(ctx, &in.UserID, model.EventLogoutAllDevices, map[string]any{
			"revoked_count": "all",
		}, in.IP, in.UserAgent)
	}

	if _, err := s.store.RevokeRefreshToken(ctx, in.UserID, hashRefreshToken(in.RefreshToken), now); err != nil {
		return apperr.Internal(err)
	}
	return s.audit(ctx, &in.UserID, model.EventLogout, map[string]any{
		"single_device": true,
	}, in.IP, in.UserAgent)
}

// VerifySession checks a session token and returns its claims.
func (s *AuthService) VerifySession(tok string) (*token.Claims, error) {
	claims, err := token.Verify(tok, s.secret, s.now())
	switch {
	case errors.Is(err, token.ErrExpired):
		return nil, apperr.Wrap(apperr.KindAuthentication, apperr.CodeTokenExpired, "Token has expired", err)
	case err != nil:
		return nil, apperr.Wrap(apperr.KindAuthentication, apperr.CodeInvalidToken, "Invalid token", err)
	case claims.Subject == "":
		return nil, apperr.Unauthenticated(apperr.CodeInvalidToken, "Invalid token")
	}
	return claims, nil
}

// CurrentUser returns the public profile of userID.
func (s *AuthService) CurrentUser(ctx context.Context, userID string) (*model.PublicUser, error) {
	u, err := s.store.GetUser(ctx, userID)
	if errors.Is(err, config.ErrNotFound) {
		return nil, apperr.NotFound("User not found")
	}
	if err != nil {
		return nil, apperr.Internal(err)
	}
	pub := u.Public()
	return &pub, nil
}

// audit writes a security event synchronously. A failed write fails the
// triggering flow.
func (s *AuthService) audit(ctx context.Context, userID *string, event string, payload map[string]any, ip, userAgent string) error {
	e := &model.AuditLog{
		UserID:    userID,
		EventType: event,
		Payload:   payload,
		IP:        optional(ip),
		UserAgent: optional(userAgent),
		CreatedAt: s.now(),
	}
	if err := s.store.CreateAuditLog(ctx, e); err != nil {
		return apperr.Internal(fmt.Errorf("write audit event %s: %w", event, err))
	}
	return nil
}

func hashRefreshToken(raw string) string {
	h := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(h[:])
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
