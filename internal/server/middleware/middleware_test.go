package middleware

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/redis/go-redis/v9"
	"golang.org/x/crypto/bcrypt"

	"github.com/tmarks/tmarks/internal/apikey"
	"github.com/tmarks/tmarks/internal/apperr"
	"github.com/tmarks/tmarks/internal/config"
	"github.com/tmarks/tmarks/internal/metrics"
	"github.com/tmarks/tmarks/internal/model"
	"github.com/tmarks/tmarks/internal/permission"
	"github.com/tmarks/tmarks/internal/ratelimit"
	"github.com/tmarks/tmarks/internal/service"
)

// ---------------------------------------------------------------------------
// RequestID middleware tests
// ---------------------------------------------------------------------------

func TestRequestIDGeneratesUUID(t *testing.T) {
	handler := RequestID(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if GetRequestID(r.Context()) == "" {
			t.Error("expected non-empty request ID in context")
		}
		w.WriteHeader(http.StatusOK)
	}))

	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, httptest.NewRequest("GET", "/test", nil))

	respID := rr.Header().Get("X-Request-ID")
	if len(respID) != 36 {
		t.Errorf("expected UUID-length request ID, got %q (len=%d)", respID, len(respID))
	}
}

func TestRequestIDPreservesClientID(t *testing.T) {
	clientID := "my-custom-trace-id-123"

	handler := RequestID(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if id := GetRequestID(r.Context()); id != clientID {
			t.Errorf("expected context ID %q, got %q", clientID, id)
		}
	}))

	req := httptest.NewRequest("GET", "/test", nil)
	req.Header.Set("X-Request-ID", clientID)
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)

	if got := rr.Header().Get("X-Request-ID"); got != clientID {
		t.Errorf("expected response X-Request-ID %q, got %q", clientID, got)
	}
}

func TestRequestIDRejectsUnsafeClientID(t *testing.T) {
	tests := []struct {
		name string
		id   string
	}{
		{"newline", "abc\nforged=1"},
		{"spaces", "abc def"},
		{"too long", strings.Repeat("a", 65)},
		{"quote", `abc"def`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			handler := RequestID(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
			req := httptest.NewRequest("GET", "/test", nil)
			req.Header.Set("X-Request-ID", tt.id)
			rr := httptest.NewRecorder()
			handler.ServeHTTP(rr, req)

			got := rr.Header().Get("X-Request-ID")
			if got == tt.id || len(got) != 36 {
				t.Errorf("expected a generated UUID, got %q", got)
			}
		})
	}
}

func TestGetRequestIDEmptyContext(t *testing.T) {
	if id := GetRequestID(context.Background()); id != "" {
		t.Errorf("expected empty string from bare context, got %q", id)
	}
}

// ---------------------------------------------------------------------------
// Authentication middleware tests
// ---------------------------------------------------------------------------

type authFixture struct {
	authn  *Authenticator
	auth   *service.AuthService
	keys   *service.APIKeyService
	usage  *service.UsageLogger
	store  *config.Store
	userID string
}

func newAuthFixture(t *testing.T) *authFixture {
	t.Helper()
	store, err := config.NewStore("")
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	hasher := &service.BcryptHasher{Cost: bcrypt.MinCost}
	hash, _ := hasher.Hash("correct")
	u := &model.User{Username: "alice", Email: "alice@example.com", PasswordHash: hash}
	if err := store.CreateUser(context.Background(), u); err != nil {
		t.Fatalf("CreateUser: %v", err)
	}

	auth, err := service.NewAuthService(store, hasher, service.AuthConfig{
		Secret: []byte("secret"), AccessTokenTTL: "15m", RefreshTokenTTL: "30d",
	})
	if err != nil {
		t.Fatal(err)
	}
	usage := service.NewUsageLogger(store, nil, nil)
	t.Cleanup(usage.Wait)
	keys, err := service.NewAPIKeyService(store, usage, service.APIKeyConfig{Env: apikey.EnvTest})
	if err != nil {
		t.Fatal(err)
	}

	return &authFixture{
		authn:  NewAuthenticator(auth, keys, "X-API-Key", nil),
		auth:   auth,
		keys:   keys,
		usage:  usage,
		store:  store,
		userID: u.ID,
	}
}

func (f *authFixture) login(t *testing.T) string {
	t.Helper()
	sess, err := f.auth.Login(context.Background(), service.LoginInput{Username: "alice", Password: "correct"})
	if err != nil {
		t.Fatalf("Login: %v", err)
	}
	return sess.AccessToken
}

func (f *authFixture) key(t *testing.T, template string) *service.CreatedKey {
	t.Helper()
	k, err := f.keys.Create(context.Background(), f.userID, service.CreateKeyInput{Name: "k", Template: template})
	if err != nil {
		t.Fatalf("Create key: %v", err)
	}
	return k
}

func decodeError(t *testing.T, rr *httptest.ResponseRecorder) model.ErrorDetail {
	t.Helper()
	var env model.ErrorResponse
	if err := json.NewDecoder(rr.Body).Decode(&env); err != nil {
		t.Fatalf("decode error body: %v", err)
	}
	return env.Error
}

func okHandler(t *testing.T, wantKind string) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		p := GetPrincipal(r.Context())
		if p == nil || p.Kind != wantKind {
			t.Errorf("principal = %+v, want kind %s", p, wantKind)
		}
		w.WriteHeader(http.StatusOK)
	})
}

func TestRequireSession(t *testing.T) {
	f := newAuthFixture(t)
	h := f.authn.RequireSession(okHandler(t, KindSession))

	tests := []struct {
		name   string
		header string
		status int
		reason string
	}{
		{"missing", "", http.StatusUnauthorized, apperr.CodeUnauthorized},
		{"wrong scheme", "Basic abc", http.StatusUnauthorized, apperr.CodeUnauthorized},
		{"garbage", "Bearer not.a.jwt", http.StatusUnauthorized, apperr.CodeInvalidToken},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest("GET", "/", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			rr := httptest.NewRecorder()
			h.ServeHTTP(rr, req)
			if rr.Code != tt.status {
				t.Fatalf("status = %d, want %d", rr.Code, tt.status)
			}
			if got := decodeError(t, rr); got.Reason != tt.reason || got.Code != tt.status {
				t.Errorf("error = %+v", got)
			}
		})
	}

	req := httptest.NewRequest("GET", "/", nil)
	req.Header.Set("Authorization", "Bearer "+f.login(t))
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	if rr.Code != http.StatusOK {
		t.Errorf("valid session: status = %d", rr.Code)
	}
}

func TestRequireSessionRejectsAPIKey(t *testing.T) {
	f := newAuthFixture(t)
	k := f.key(t, permission.TemplateFull)

	req := httptest.NewRequest("GET", "/", nil)
	req.Header.Set("X-API-Key", k.Key)
	rr := httptest.NewRecorder()
	f.authn.RequireSession(okHandler(t, KindSession)).ServeHTTP(rr, req)
	if rr.Code != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401", rr.Code)
	}
}

func TestSessionOrAPIKeyWithKey(t *testing.T) {
	f := newAuthFixture(t)
	k := f.key(t, permission.TemplateReadOnly)

	h := f.authn.SessionOrAPIKey(permission.UserRead)(okHandler(t, KindAPIKey))
	req := httptest.NewRequest("GET", "/v1/me", nil)
	req.Header.Set("X-API-Key", k.Key)
	req.RemoteAddr = "192.0.2.7:5555"
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rr.Code, rr.Body)
	}
	f.usage.Wait()

	stored, err := f.store.GetAPIKey(context.Background(), f.userID, k.ID)
	if err != nil {
		t.Fatal(err)
	}
	if stored.LastUsedIP == nil || *stored.LastUsedIP != "192.0.2.7" {
		t.Errorf("last_used_ip = %v", stored.LastUsedIP)
	}
	logs, _ := f.store.ListAPIKeyLogs(context.Background(), k.ID, 10)
	if len(logs) != 1 || logs[0].Endpoint != "/v1/me" || logs[0].Status != http.StatusOK {
		t.Errorf("usage logs = %+v", logs)
	}
}

func TestSessionOrAPIKeyPermissionDenied(t *testing.T) {
	f := newAuthFixture(t)
	k := f.key(t, permission.TemplateReadOnly)

	h := f.authn.SessionOrAPIKey(permission.BookmarksDelete)(okHandler(t, KindAPIKey))
	req := httptest.NewRequest("DELETE", "/", nil)
	req.Header.Set("X-API-Key", k.Key)
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	if rr.Code != http.StatusForbidden {
		t.Fatalf("status = %d, want 403", rr.Code)
	}
	if got := decodeError(t, rr); got.Reason != apperr.CodeInsufficientPermissions {
		t.Errorf("reason = %q", got.Reason)
	}
}

func TestSessionOrAPIKeyRejections(t *testing.T) {
	f := newAuthFixture(t)
	k := f.key(t, permission.TemplateReadOnly)
	if err := f.keys.Revoke(context.Background(), f.userID, k.ID); err != nil {
		t.Fatal(err)
	}
	h := f.authn.SessionOrAPIKey(permission.UserRead)(okHandler(t, KindAPIKey))

	tests := map[string]string{
		"tmk_live_short": "Invalid API Key format",
		k.Key:            "API Key has been revoked",
	}
	for raw, want := range tests {
		req := httptest.NewRequest("GET", "/", nil)
		req.Header.Set("X-API-Key", raw)
		rr := httptest.NewRecorder()
		h.ServeHTTP(rr, req)
		if rr.Code != http.StatusUnauthorized {
			t.Fatalf("%s: status = %d", raw, rr.Code)
		}
		if got := decodeError(t, rr); got.Message != want || got.Reason != apperr.CodeInvalidAPIKey {
			t.Errorf("%s: error = %+v", raw, got)
		}
	}

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest("GET", "/", nil))
	if rr.Code != http.StatusUnauthorized {
		t.Errorf("no credentials: status = %d", rr.Code)
	}
}

func TestSessionOrAPIKeyPrefersSession(t *testing.T) {
	f := newAuthFixture(t)
	h := f.authn.SessionOrAPIKey(permission.UserRead)(okHandler(t, KindSession))

	req := httptest.NewRequest("GET", "/", nil)
	req.Header.Set("Authorization", "Bearer "+f.login(t))
	req.Header.Set("X-API-Key", "ignored")
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	if rr.Code != http.StatusOK {
		t.Errorf("status = %d", rr.Code)
	}
}

func TestSessionOrAPIKeyIgnoresNonBearerAuthorization(t *testing.T) {
	f := newAuthFixture(t)
	k := f.key(t, permission.TemplateReadOnly)
	h := f.authn.SessionOrAPIKey(permission.UserRead)(okHandler(t, KindAPIKey))

	tests := []struct {
		name   string
		authz  string
		apiKey string
		want   int
	}{
		{"basic with key", "Basic dXNlcjpwYXNz", k.Key, http.StatusOK},
		{"bare bearer with key", "Bearer", k.Key, http.StatusOK},
		{"lowercase bearer with key", "bearer abc", k.Key, http.StatusOK},
		{"basic without key", "Basic dXNlcjpwYXNz", "", http.StatusUnauthorized},
		{"bad bearer token with key", "Bearer not.a.token", k.Key, http.StatusUnauthorized},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest("GET", "/v1/me", nil)
			req.Header.Set("Authorization", tt.authz)
			if tt.apiKey != "" {
				req.Header.Set("X-API-Key", tt.apiKey)
			}
			rr := httptest.NewRecorder()
			h.ServeHTTP(rr, req)
			if rr.Code != tt.want {
				t.Errorf("status = %d, want %d: %s", rr.Code, tt.want, rr.Body)
			}
		})
	}
	f.usage.Wait()
}

func TestGetPrincipalWithoutValue(t *testing.T) {
	if GetPrincipal(context.Background()) != nil {
		t.Error("expected nil principal from bare context")
	}
}

func TestClientIP(t *testing.T) {
	tests := map[string]string{
		"10.0.0.1:1234": "10.0.0.1",
		"[::1]:80":      "::1",
		"10.0.0.2":      "10.0.0.2",
	}
	for in, want := range tests {
		r := httptest.NewRequest("GET", "/", nil)
		r.RemoteAddr = in
		if got := ClientIP(r); got != want {
			t.Errorf("ClientIP(%q) = %q, want %q", in, got, want)
		}
	}
}

// ---------------------------------------------------------------------------
// Error envelope
// ---------------------------------------------------------------------------

func TestWriteErrorHidesInternalDetail(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, nil))

	rr := httptest.NewRecorder()
	WriteError(rr, httptest.NewRequest("GET", "/x", nil), logger, errors.New("pq: relation users does not exist"))

	if rr.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d", rr.Code)
	}
	body := rr.Body.String()
	if strings.Contains(body, "relation") {
		t.Errorf("internal detail leaked: %s", body)
	}
	if !strings.Contains(buf.String(), "relation users does not exist") {
		t.Errorf("internal detail not logged: %s", buf.String())
	}
}

// ---------------------------------------------------------------------------
// Rate limiting
// ---------------------------------------------------------------------------

func TestRateLimitInProcess(t *testing.T) {
	h := RateLimit(2)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	var codes []int
	for range 3 {
		req := httptest.NewRequest("POST", "/v1/auth/login", nil)
		req.RemoteAddr = "198.51.100.1:1000"
		rr := httptest.NewRecorder()
		h.ServeHTTP(rr, req)
		codes = append(codes, rr.Code)
	}
	if codes[0] != 200 || codes[1] != 200 || codes[2] != http.StatusTooManyRequests {
		t.Errorf("codes = %v", codes)
	}
}

func TestSharedRateLimit(t *testing.T) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatal(err)
	}
	defer mr.Close()
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	limiter := ratelimit.NewRedisBucket(client, "test:", 1, time.Minute)
	h := SharedRateLimit(limiter, nil)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))

	send := func() *httptest.ResponseRecorder {
		req := httptest.NewRequest("POST", "/v1/auth/login", nil)
		req.RemoteAddr = "198.51.100.2:1000"
		rr := httptest.NewRecorder()
		h.ServeHTTP(rr, req)
		return rr
	}

	if rr := send(); rr.Code != http.StatusOK {
		t.Fatalf("first request: %d", rr.Code)
	}
	rr := send()
	if rr.Code != http.StatusTooManyRequests {
		t.Fatalf("second request: %d", rr.Code)
	}
	if rr.Header().Get("Retry-After") == "" {
		t.Error("missing Retry-After")
	}
	if got := decodeError(t, rr); got.Reason != apperr.CodeRateLimited {
		t.Errorf("reason = %q", got.Reason)
	}
}

type brokenLimiter struct{}

func (brokenLimiter) Allow(context.Context, string) (ratelimit.Decision, error) {
	return ratelimit.Decision{}, errors.New("connection refused")
}

func TestSharedRateLimitFailsOpen(t *testing.T) {
	h := SharedRateLimit(brokenLimiter{}, slog.New(slog.NewTextHandler(&bytes.Buffer{}, nil)))(
		http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest("POST", "/", nil))
	if rr.Code != http.StatusOK {
		t.Errorf("status = %d, want 200", rr.Code)
	}
}

// ---------------------------------------------------------------------------
// Request logging and metrics
// ---------------------------------------------------------------------------

func TestLoggerRecordsRoutePattern(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, nil))
	registry := prometheus.NewRegistry()
	m := metrics.New(registry)

	r := chi.NewRouter()
	r.Use(Logger(logger, m))
	r.Get("/v1/settings/api-keys/{id}", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})

	rr := httptest.NewRecorder()
	r.ServeHTTP(rr, httptest.NewRequest("GET", "/v1/settings/api-keys/abc", nil))

	if got := testutil.ToFloat64(m.HTTPRequestsTotal.WithLabelValues("GET", "/v1/settings/api-keys/{id}", "4xx")); got != 1 {
		t.Errorf("request counter = %v", got)
	}
	if !strings.Contains(buf.String(), `"level":"WARN"`) {
		t.Errorf("4xx should log at warn: %s", buf.String())
	}
}
