// Package token signs and verifies compact HS256 session tokens.
package token

import (
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var (
	ErrInvalidFormat    = errors.New("invalid token format")
	ErrInvalidSignature = errors.New("invalid token signature")
	ErrExpired          = errors.New("token expired")
)

// Claims is the payload of a session token. SessionID correlates the token
// with the login event that minted it and is never persisted on its own.
type Claims struct {
	SessionID string `json:"session_id,omitempty"`
	jwt.RegisteredClaims
}

// Sign issues a token for claims, valid for ttl from now. IssuedAt and
// ExpiresAt on claims are overwritten.
func Sign(claims Claims, secret []byte, ttl string, now time.Time) (string, error) {
	d, err := ParseTTL(ttl)
	if err != nil {
		return "", err
	}
	if len(secret) == 0 {
		return "", errors.New("token: empty signing secret")
	}

	iat := now.Truncate(time.Second)
	claims.IssuedAt = jwt.NewNumericDate(iat)
	claims.ExpiresAt = jwt.NewNumericDate(iat.Add(d))

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(secret)
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return signed, nil
}

// Verify checks the signature of tokenStr before trusting any of its
// content, then decodes the claims and checks expiry against now.
func Verify(tokenStr string, secret []byte, now time.Time) (*Claims, error) {
	parts := strings.Split(tokenStr, ".")
	if len(parts) != 3 || parts[0] == "" || parts[1] == "" || parts[2] == "" {
		return nil, ErrInvalidFormat
	}

	sig, err := base64.RawURLEncoding.DecodeString(parts[2])
	if err != nil {
		return nil, ErrInvalidSignature
	}
	if err := jwt.SigningMethodHS256.Verify(parts[0]+"."+parts[1], sig, secret); err != nil {
		return nil, ErrInvalidSignature
	}

	claims := &Claims{}
	parsed, _, err := jwt.NewParser().ParseUnverified(tokenStr, claims)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidFormat, err)
	}
	if alg, _ := parsed.Header["alg"].(string); alg != jwt.SigningMethodHS256.Alg() {
		return nil, ErrInvalidFormat
	}
	if claims.ExpiresAt == nil {
		return nil, ErrInvalidFormat
	}
	if now.After(claims.ExpiresAt.Time) {
		return nil, ErrExpired
	}
	return claims, nil
}
