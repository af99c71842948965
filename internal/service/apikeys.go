package service

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/tmarks/tmarks/internal/apikey"
	"github.com/tmarks/tmarks/internal/apperr"
	"github.com/tmarks/tmarks/internal/config"
	"github.com/tmarks/tmarks/internal/metrics"
	"github.com/tmarks/tmarks/internal/model"
	"github.com/tmarks/tmarks/internal/permission"
)

// Validation rejections.
var (
	ErrKeyMalformed = errors.New("api key: invalid format")
	ErrKeyNotFound  = errors.New("api key: not found")
	ErrKeyRevoked   = errors.New("api key: revoked")
	ErrKeyExpired   = errors.New("api key: expired")
)

var keyRejectionReasons = []struct {
	err    error
	reason string
}{
	{ErrKeyMalformed, "Invalid API Key format"},
	{ErrKeyNotFound, "API Key not found"},
	{ErrKeyRevoked, "API Key has been revoked"},
	{ErrKeyExpired, "API Key has expired"},
}

const (
	maxKeyNameLen     = 100
	createKeyAttempts = 3
	defaultTemplate   = permission.TemplateReadOnly
)

// KeyRejectionReason returns the public reason for a validation failure, or
// "" if err is not one.
func KeyRejectionReason(err error) string {
	for _, r := range keyRejectionReasons {
		if errors.Is(err, r.err) {
			return r.reason
		}
	}
	return ""
}

// APIKeyConfig carries the settings and collaborators of an APIKeyService.
// Everything except Env is optional.
type APIKeyConfig struct {
	Env     apikey.Env
	Now     func() time.Time
	Rand    io.Reader
	Metrics *metrics.Metrics
	Logger  *slog.Logger
}

// APIKeyService issues, validates and manages API keys.
type APIKeyService struct {
	store   APIKeyStore
	usage   *UsageLogger
	env     apikey.Env
	now     func() time.Time
	rand    io.Reader
	metrics *metrics.Metrics
	logger  *slog.Logger
}

// NewAPIKeyService returns a service issuing keys for cfg.Env.
func NewAPIKeyService(store APIKeyStore, usage *UsageLogger, cfg APIKeyConfig) (*APIKeyService, error) {
	env, err := apikey.ParseEnv(string(cfg.Env))
	if err != nil {
		return nil, err
	}
	s := &APIKeyService{
		store:   store,
		usage:   usage,
		env:     env,
		now:     cfg.Now,
		rand:    cfg.Rand,
		metrics: cfg.Metrics,
		logger:  cfg.Logger,
	}
	if s.now == nil {
		s.now = time.Now
	}
	if s.rand == nil {
		s.rand = rand.Reader
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	return s, nil
}

// ----------------------------------------------------------------------------
// Validation
// ----------------------------------------------------------------------------

// ValidatedKey is a key that passed every validation step.
type ValidatedKey struct {
	Key         *model.APIKey
	Permissions []string
}

// Validate runs the validation pipeline on a raw key: format, lookup, status,
// expiry. It never records usage; call UpdateLastUsed after the key is used.
// Rejections are authentication errors wrapping one of the ErrKey sentinels.
func (s *APIKeyService) Validate(ctx context.Context, raw string) (*ValidatedKey, error) {
	if !apikey.IsValidFormat(raw) {
		return nil, s.reject("malformed", ErrKeyMalformed)
	}

	k, err := s.store.GetAPIKeyByHash(ctx, apikey.Hash(raw))
	if errors.Is(err, config.ErrNotFound) {
		return nil, s.reject("not_found", ErrKeyNotFound)
	}
	if err != nil {
		s.metrics.KeyValidation("error")
		return nil, apperr.Internal(fmt.Errorf("look up api key: %w", err))
	}

	switch k.Status {
	case model.APIKeyRevoked:
		return nil, s.reject("revoked", ErrKeyRevoked)
	case model.APIKeyExpired:
		return nil, s.reject("expired", ErrKeyExpired)
	}

	now := s.now()
	if k.ExpiresAt != nil && now.After(*k.ExpiresAt) {
		if err := s.store.MarkAPIKeyExpired(ctx, k.ID, now); err != nil {
			s.logger.Warn("mark api key expired failed", "api_key_id", k.ID, "error", err)
		}
		return nil, s.reject("expired", ErrKeyExpired)
	}

	s.metrics.KeyValidation("valid")
	perms := k.Permissions
	if perms == nil {
		perms = []string{}
	}
	return &ValidatedKey{Key: k, Permissions: perms}, nil
}

func (s *APIKeyService) reject(result string, sentinel error) error {
	s.metrics.KeyValidation(result)
	return apperr.Wrap(apperr.KindAuthentication, apperr.CodeInvalidAPIKey, KeyRejectionReason(sentinel), sentinel)
}

// UpdateLastUsed stamps the key with the time and address of its latest use.
// Failures are logged and swallowed.
func (s *APIKeyService) UpdateLastUsed(ctx context.Context, keyID, ip string) {
	if err := s.store.TouchAPIKey(context.WithoutCancel(ctx), keyID, ip, s.now()); err != nil {
		s.metrics.UsageLogFailure("touch")
		s.logger.Warn("update api key last used failed", "api_key_id", keyID, "error", err)
	}
}

// RecordUse stamps the key and appends a usage log row. Both are best effort.
func (s *APIKeyService) RecordUse(ctx context.Context, key *model.APIKey, endpoint, method string, status int, ip string) {
	s.UpdateLastUsed(ctx, key.ID, ip)
	if s.usage != nil {
		s.usage.Log(ctx, UsageEntry{
			APIKeyID: key.ID,
			UserID:   key.UserID,
			Endpoint: endpoint,
			Method:   method,
			Status:   status,
			IP:       ip,
		})
	}
}

// ----------------------------------------------------------------------------
// Management
// ----------------------------------------------------------------------------

// CreateKeyInput describes a new key. Template wins over Permissions when it
// names a known template.
type CreateKeyInput struct {
	Name        string
	Description string
	Permissions []string
	Template    string
	ExpiresAt   string
}

// CreatedKey is returned once, at creation. Key is the only copy of the
// plaintext secret.
type CreatedKey struct {
	model.APIKey
	Key string `json:"key"`
}

// Create issues a new key for userID.
func (s *APIKeyService) Create(ctx context.Context, userID string, in CreateKeyInput) (*CreatedKey, error) {
	name, err := validateKeyName(in.Name)
	if err != nil {
		return nil, err
	}

	var tmpl *string
	if in.Template != "" {
		tmpl = &in.Template
	}
	perms, err := resolvePermissions(tmpl, in.Permissions, in.Permissions != nil)
	if err != nil {
		return nil, err
	}
	if perms == nil {
		perms, _ = permission.Expand(defaultTemplate)
	}

	now := s.now()
	var expiresAt *time.Time
	if in.ExpiresAt != "" {
		t, err := ParseExpiry(in.ExpiresAt, now)
		if err != nil {
			return nil, err
		}
		expiresAt = &t
	}

	k := &model.APIKey{
		UserID:      userID,
		Name:        name,
		Description: optional(strings.TrimSpace(in.Description)),
		Permissions: perms,
		Status:      model.APIKeyActive,
		ExpiresAt:   expiresAt,
		CreatedAt:   now,
	}

	for attempt := 1; ; attempt++ {
		gen, err := apikey.GenerateFrom(s.rand, s.env)
		if err != nil {
			return nil, apperr.Internal(err)
		}
		k.ID = ""
		k.KeyHash = gen.Hash
		k.KeyPrefix = gen.Prefix

		err = s.store.CreateAPIKey(ctx, k)
		if err == nil {
			return &CreatedKey{APIKey: *k, Key: gen.Key}, nil
		}
		if !errors.Is(err, config.ErrConflict) || attempt == createKeyAttempts {
			return nil, apperr.Internal(err)
		}
		s.logger.Warn("api key hash collision, regenerating", "attempt", attempt)
	}
}

// KeyDetails is a key together with its usage summary.
type KeyDetails struct {
	model.APIKey
	Stats *model.APIKeyStats `json:"stats"`
}

// Get returns the user's key with usage stats.
func (s *APIKeyService) Get(ctx context.Context, userID, id string) (*KeyDetails, error) {
	k, err := s.load(ctx, userID, id)
	if err != nil {
		return nil, err
	}
	stats := &model.APIKeyStats{}
	if s.usage != nil {
		stats, err = s.usage.Stats(ctx, k.ID)
		if err != nil {
			return nil, apperr.Internal(err)
		}
	}
	return &KeyDetails{APIKey: *k, Stats: stats}, nil
}

// List returns the user's keys, newest first.
func (s *APIKeyService) List(ctx context.Context, userID string) ([]model.APIKey, error) {
	keys, err := s.store.ListAPIKeys(ctx, userID)
	if err != nil {
		return nil, apperr.Internal(err)
	}
	if keys == nil {
		keys = []model.APIKey{}
	}
	return keys, nil
}

// Logs returns up to limit recent usage rows for the user's key.
func (s *APIKeyService) Logs(ctx context.Context, userID, id string, limit int) ([]model.APIKeyLog, error) {
	k, err := s.load(ctx, userID, id)
	if err != nil {
		return nil, err
	}
	if s.usage == nil {
		return []model.APIKeyLog{}, nil
	}
	logs, err := s.usage.Recent(ctx, k.ID, limit)
	if err != nil {
		return nil, apperr.Internal(err)
	}
	if logs == nil {
		logs = []model.APIKeyLog{}
	}
	return logs, nil
}

// KeyPatch is a partial update. Pointer fields are nil when absent; the *Set
// flags distinguish an explicit null from an absent field.
type KeyPatch struct {
	Name *string

	Description    *string
	DescriptionSet bool

	Permissions    []string
	PermissionsSet bool
	Template       *string

	ExpiresAt    *string
	ExpiresAtSet bool
}

// Update applies patch to the user's key and returns the stored result.
func (s *APIKeyService) Update(ctx context.Context, userID, id string, patch KeyPatch) (*model.APIKey, error) {
	k, err := s.load(ctx, userID, id)
	if err != nil {
		return nil, err
	}

	changed := false
	now := s.now()

	if patch.Name != nil {
		name, err := validateKeyName(*patch.Name)
		if err != nil {
			return nil, err
		}
		k.Name = name
		changed = true
	}

	if patch.DescriptionSet {
		k.Description = nil
		if patch.Description != nil {
			k.Description = optional(strings.TrimSpace(*patch.Description))
		}
		changed = true
	}

	if patch.Template != nil || patch.PermissionsSet {
		perms, err := resolvePermissions(patch.Template, patch.Permissions, patch.PermissionsSet)
		if err != nil {
			return nil, err
		}
		if perms != nil {
			k.Permissions = perms
			changed = true
		}
	}

	if patch.ExpiresAtSet {
		k.ExpiresAt = nil
		if patch.ExpiresAt != nil {
			t, err := ParseExpiry(*patch.ExpiresAt, now)
			if err != nil {
				return nil, err
			}
			k.ExpiresAt = &t
		}
		changed = true
	}

	if !changed {
		return nil, apperr.Validation(apperr.CodeInvalidInput, "No valid fields to update")
	}

	k.UpdatedAt = now
	if err := s.store.UpdateAPIKey(ctx, k); err != nil {
		if errors.Is(err, config.ErrNotFound) {
			return nil, apperr.NotFound("API Key not found")
		}
		return nil, apperr.Internal(err)
	}
	return k, nil
}

// Revoke soft-revokes the user's key. Revoking a key that is no longer active
// succeeds without changing it.
func (s *APIKeyService) Revoke(ctx context.Context, userID, id string) error {
	if _, err := s.store.RevokeAPIKey(ctx, userID, id, s.now()); err != nil {
		if errors.Is(err, config.ErrNotFound) {
			return apperr.NotFound("API Key not found")
		}
		return apperr.Internal(err)
	}
	return nil
}

// HardDelete removes the user's key and its usage logs.
func (s *APIKeyService) HardDelete(ctx context.Context, userID, id string) error {
	if err := s.store.DeleteAPIKey(ctx, userID, id); err != nil {
		if errors.Is(err, config.ErrNotFound) {
			return apperr.NotFound("API Key not found")
		}
		return apperr.Internal(err)
	}
	return nil
}

func (s *APIKeyService) load(ctx context.Context, userID, id string) (*model.APIKey, error) {
	k, err := s.store.GetAPIKey(ctx, userID, id)
	if errors.Is(err, config.ErrNotFound) {
		return nil, apperr.NotFound("API Key not found")
	}
	if err != nil {
		return nil, apperr.Internal(err)
	}
	return k, nil
}

// ----------------------------------------------------------------------------
// Input parsing
// ----------------------------------------------------------------------------

func validateKeyName(name string) (string, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return "", apperr.Validation(apperr.CodeInvalidInput, "Name cannot be empty")
	}
	if len([]rune(name)) > maxKeyNameLen {
		return "", apperr.Validation(apperr.CodeInvalidInput,
			fmt.Sprintf("Name must be at most %d characters", maxKeyNameLen))
	}
	return name, nil
}

// resolvePermissions picks the capability list for a create or update. A
// known template wins and the explicit list is ignored. An unknown template
// falls back to the list when one was given. It returns nil when neither
// yields anything.
func resolvePermissions(tmpl *string, perms []string, permsSet bool) ([]string, error) {
	if tmpl != nil && *tmpl != "" {
		if expanded, ok := permission.Expand(*tmpl); ok {
			return expanded, nil
		}
		if !permsSet {
			return nil, apperr.Validation(apperr.CodeInvalidInput,
				fmt.Sprintf("Unknown permission template %q", *tmpl))
		}
	}
	if !permsSet {
		return nil, nil
	}

	out, invalid, ok := permission.Normalize(perms)
	if !ok {
		return nil, apperr.Validation(apperr.CodeInvalidInput,
			fmt.Sprintf("Invalid permission %q", invalid))
	}
	if len(out) == 0 {
		return nil, apperr.Validation(apperr.CodeInvalidInput, "Permissions cannot be empty")
	}
	return out, nil
}

var relativeDaysRe = regexp.MustCompile(`^(\d+)d$`)

var absoluteExpiryLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05",
	"2006-01-02",
}

// ParseExpiry resolves an expiry given as "<N>d" relative to now or as an
// ISO 8601 date or timestamp. The result must lie after now.
func ParseExpiry(s string, now time.Time) (time.Time, error) {
	s = strings.TrimSpace(s)

	var t time.Time
	if m := relativeDaysRe.FindStringSubmatch(s); m != nil {
		days, err := strconv.Atoi(m[1])
		if err != nil || days > 36500 {
			return time.Time{}, apperr.Validation(apperr.CodeInvalidInput, "Invalid expiration date")
		}
		t = now.AddDate(0, 0, days)
	} else {
		parsed := false
		for _, layout := range absoluteExpiryLayouts {
			if v, err := time.Parse(layout, s); err == nil {
				t, parsed = v, true
				break
			}
		}
		if !parsed {
			return time.Time{}, apperr.Validation(apperr.CodeInvalidInput, "Invalid expiration date")
		}
	}

	if !t.After(now) {
		return time.Time{}, apperr.Validation(apperr.CodeInvalidInput, "Expiration date must be in the future")
	}
	return t.UTC(), nil
}
