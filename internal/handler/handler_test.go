package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"golang.org/x/crypto/bcrypt"

	"github.com/tmarks/tmarks/internal/apikey"
	"github.com/tmarks/tmarks/internal/config"
	"github.com/tmarks/tmarks/internal/model"
	"github.com/tmarks/tmarks/internal/permission"
	"github.com/tmarks/tmarks/internal/server/middleware"
	"github.com/tmarks/tmarks/internal/service"
)

const testPassword = "supersecretpassword"

// testEnv holds shared state for handler integration tests.
type testEnv struct {
	store  *config.Store
	auth   *service.AuthService
	keys   *service.APIKeyService
	usage  *service.UsageLogger
	router chi.Router
}

// newTestEnv creates a fresh environment with an in-memory store and a router
// mounted the same way the server mounts it.
func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	store, err := config.NewStore("") // in-memory SQLite
	if err != nil {
		t.Fatalf("config.NewStore: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	auth, err := service.NewAuthService(store, &service.BcryptHasher{Cost: bcrypt.MinCost}, service.AuthConfig{
		Secret:          []byte("test-secret-for-handler-tests"),
		AccessTokenTTL:  "15m",
		RefreshTokenTTL: "30d",
	})
	if err != nil {
		t.Fatalf("NewAuthService: %v", err)
	}
	usage := service.NewUsageLogger(store, logger, nil)
	t.Cleanup(usage.Wait)
	keys, err := service.NewAPIKeyService(store, usage, service.APIKeyConfig{Env: apikey.EnvTest, Logger: logger})
	if err != nil {
		t.Fatalf("NewAPIKeyService: %v", err)
	}

	authn := middleware.NewAuthenticator(auth, keys, "X-API-Key", logger)
	authH := NewAuthHandler(auth, logger)
	keyH := NewAPIKeyHandler(keys, logger)

	r := chi.NewRouter()
	r.Route("/v1", func(r chi.Router) {
		r.Post("/auth/login", authH.Login)
		r.Post("/auth/refresh", authH.Refresh)
		r.With(authn.RequireSession).Post("/auth/logout", authH.Logout)
		r.With(authn.SessionOrAPIKey(permission.UserRead)).Get("/me", authH.Me)

		r.Route("/settings/api-keys", func(r chi.Router) {
			r.Use(authn.RequireSession)
			r.Get("/", keyH.List)
			r.Post("/", keyH.Create)
			r.Get("/{id}", keyH.Get)
			r.Patch("/{id}", keyH.Update)
			r.Delete("/{id}", keyH.Delete)
			r.Get("/{id}/logs", keyH.Logs)
		})
	})

	return &testEnv{store: store, auth: auth, keys: keys, usage: usage, router: r}
}

// seedUser creates an account with testPassword and returns it.
func (e *testEnv) seedUser(t *testing.T, username string) *model.User {
	t.Helper()
	hash, err := (&service.BcryptHasher{Cost: bcrypt.MinCost}).Hash(testPassword)
	if err != nil {
		t.Fatalf("hash: %v", err)
	}
	u := &model.User{Username: username, Email: username + "@example.com", PasswordHash: hash}
	if err := e.store.CreateUser(context.Background(), u); err != nil {
		t.Fatalf("seedUser: %v", err)
	}
	return u
}

// login signs username in and returns the session.
func (e *testEnv) login(t *testing.T, username string) *service.Session {
	t.Helper()
	sess, err := e.auth.Login(context.Background(), service.LoginInput{Username: username, Password: testPassword})
	if err != nil {
		t.Fatalf("login: %v", err)
	}
	return sess
}

// do executes an HTTP request against the test router and returns the recorder.
func (e *testEnv) do(t *testing.T, method, path string, body io.Reader, headers ...string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, body)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	rr := httptest.NewRecorder()
	e.router.ServeHTTP(rr, req)
	return rr
}

// doAuth is do with a bearer token.
func (e *testEnv) doAuth(t *testing.T, sess *service.Session, method, path string, body io.Reader) *httptest.ResponseRecorder {
	t.Helper()
	return e.do(t, method, path, body, "Authorization", "Bearer "+sess.AccessToken)
}

func toJSON(t *testing.T, v any) *bytes.Buffer {
	t.Helper()
	buf := &bytes.Buffer{}
	if err := json.NewEncoder(buf).Encode(v); err != nil {
		t.Fatalf("toJSON: %v", err)
	}
	return buf
}

func assertStatus(t *testing.T, rr *httptest.ResponseRecorder, want int) {
	t.Helper()
	if rr.Code != want {
		t.Errorf("status = %d, want %d; body = %s", rr.Code, want, rr.Body.String())
	}
}

func decodeJSON(t *testing.T, rr *httptest.ResponseRecorder, v any) {
	t.Helper()
	if err := json.Unmarshal(rr.Body.Bytes(), v); err != nil {
		t.Fatalf("decodeJSON: %v; body = %s", err, rr.Body.String())
	}
}

// assertError checks the status and the machine-readable reason of an error
// envelope and returns its message.
func assertError(t *testing.T, rr *httptest.ResponseRecorder, status int, reason string) string {
	t.Helper()
	assertStatus(t, rr, status)
	var resp model.ErrorResponse
	decodeJSON(t, rr, &resp)
	if resp.Error.Code != status {
		t.Errorf("error.code = %d, want %d", resp.Error.Code, status)
	}
	if resp.Error.Reason != reason {
		t.Errorf("error.reason = %q, want %q", resp.Error.Reason, reason)
	}
	return resp.Error.Message
}
