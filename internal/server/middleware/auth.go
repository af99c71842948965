package middleware

import (
	"context"
	"log/slog"
	"net"
	"net/http"
	"strings"

	"github.com/tmarks/tmarks/internal/apperr"
	"github.com/tmarks/tmarks/internal/model"
	"github.com/tmarks/tmarks/internal/permission"
	"github.com/tmarks/tmarks/internal/service"
	"github.com/tmarks/tmarks/internal/token"
)

type contextKeyAuth string

const (
	// AuthPrincipalKey is the context key for the authenticated principal.
	AuthPrincipalKey contextKeyAuth = "auth_principal"
)

// Credential kinds.
const (
	KindSession = "session"
	KindAPIKey  = "api_key"
)

// Principal represents the authenticated identity making the request.
type Principal struct {
	Kind        string // "session" or "api_key"
	UserID      string
	SessionID   string
	APIKey      *model.APIKey
	Permissions []string
}

// Authenticator resolves session tokens and API keys into a Principal.
type Authenticator struct {
	auth   *service.AuthService
	keys   *service.APIKeyService
	header string
	logger *slog.Logger
}

// NewAuthenticator returns an Authenticator reading API keys from header.
func NewAuthenticator(auth *service.AuthService, keys *service.APIKeyService, header string, logger *slog.Logger) *Authenticator {
	if header == "" {
		header = "X-API-Key"
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Authenticator{auth: auth, keys: keys, header: header, logger: logger}
}

// RequireSession admits only requests carrying a valid session token in the
// Authorization header.
func (a *Authenticator) RequireSession(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		p, err := a.session(r)
		if err != nil {
			WriteError(w, r, a.logger, err)
			return
		}
		next.ServeHTTP(w, r.WithContext(WithPrincipal(r.Context(), p)))
	})
}

// SessionOrAPIKey admits a session token, or an API key holding required.
// Requests made with an API key are stamped and logged once the handler has
// written its response.
func (a *Authenticator) SessionOrAPIKey(required string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			// Only a well-formed bearer header selects the session path;
			// any other Authorization value counts as no token.
			if raw, ok := token.ExtractBearer(r.Header.Get("Authorization")); ok {
				p, err := a.verifySession(raw)
				if err != nil {
					WriteError(w, r, a.logger, err)
					return
				}
				next.ServeHTTP(w, r.WithContext(WithPrincipal(r.Context(), p)))
				return
			}

			raw := r.Header.Get(a.header)
			if raw == "" {
				WriteError(w, r, a.logger, apperr.Unauthenticated(apperr.CodeUnauthorized,
					"Authentication required. Provide a Bearer token or "+a.header+" header."))
				return
			}

			v, err := a.keys.Validate(r.Context(), raw)
			if err != nil {
				WriteError(w, r, a.logger, err)
				return
			}
			if !permission.HasPermission(v.Permissions, required) {
				WriteError(w, r, a.logger, apperr.Forbidden("API Key lacks permission "+required))
				return
			}

			p := &Principal{
				Kind:        KindAPIKey,
				UserID:      v.Key.UserID,
				APIKey:      v.Key,
				Permissions: v.Permissions,
			}
			ww := &responseWriter{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(ww, r.WithContext(WithPrincipal(r.Context(), p)))

			a.keys.RecordUse(r.Context(), v.Key, r.URL.Path, r.Method, ww.status, ClientIP(r))
		})
	}
}

func (a *Authenticator) session(r *http.Request) (*Principal, error) {
	raw, ok := token.ExtractBearer(r.Header.Get("Authorization"))
	if !ok {
		return nil, apperr.Unauthenticated(apperr.CodeUnauthorized, "Authentication required. Provide a Bearer token.")
	}
	return a.verifySession(raw)
}

func (a *Authenticator) verifySession(raw string) (*Principal, error) {
	claims, err := a.auth.VerifySession(raw)
	if err != nil {
		return nil, err
	}
	return &Principal{
		Kind:      KindSession,
		UserID:    claims.Subject,
		SessionID: claims.SessionID,
	}, nil
}

// WithPrincipal returns a copy of ctx carrying p.
func WithPrincipal(ctx context.Context, p *Principal) context.Context {
	return context.WithValue(ctx, AuthPrincipalKey, p)
}

// GetPrincipal extracts the authenticated principal from the context.
// Returns nil if no principal is present (i.e., unauthenticated request).
func GetPrincipal(ctx context.Context) *Principal {
	if p, ok := ctx.Value(AuthPrincipalKey).(*Principal); ok {
		return p
	}
	return nil
}

// ClientIP returns the caller's address without a port. Proxy headers only
// count when the server mounted RealIP, which rewrites RemoteAddr.
func ClientIP(r *http.Request) string {
	addr := strings.TrimSpace(r.RemoteAddr)
	if host, _, err := net.SplitHostPort(addr); err == nil {
		return host
	}
	return addr
}
