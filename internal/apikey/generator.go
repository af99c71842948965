// Package apikey generates and recognizes tmarks API keys.
//
// A key has the shape tmk_<env>_<20 base62 chars>. Only its SHA-256 hash and
// a 13 character display prefix are ever persisted.
package apikey

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"regexp"
)

// Env selects the key namespace.
type Env string

const (
	EnvLive Env = "live"
	EnvTest Env = "test"
)

const (
	alphabet   = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"
	randomLen  = 20
	prefixLen  = 13
	keyPattern = `^tmk_(live|test)_[A-Za-z0-9]{20}$`
)

var keyRe = regexp.MustCompile(keyPattern)

// Generated holds a freshly minted key. Key is shown to the owner once and
// must not be stored.
type Generated struct {
	Key    string
	Prefix string
	Hash   string
}

// ParseEnv validates an environment name.
func ParseEnv(s string) (Env, error) {
	switch Env(s) {
	case EnvLive, EnvTest:
		return Env(s), nil
	}
	return "", fmt.Errorf("unknown api key environment %q (want live or test)", s)
}

// Generate mints a new key for env using crypto/rand.
func Generate(env Env) (Generated, error) {
	return GenerateFrom(rand.Reader, env)
}

// GenerateFrom mints a key drawing randomness from r. Each character maps one
// random byte into the alphabet by modulo, so symbols are not perfectly
// uniform (256 is not a multiple of 62).
func GenerateFrom(r io.Reader, env Env) (Generated, error) {
	if _, err := ParseEnv(string(env)); err != nil {
		return Generated{}, err
	}

	buf := make([]byte, randomLen)
	if _, err := io.ReadFull(r, buf); err != nil {
		return Generated{}, fmt.Errorf("read random bytes: %w", err)
	}
	for i, b := range buf {
		buf[i] = alphabet[int(b)%len(alphabet)]
	}

	key := "tmk_" + string(env) + "_" + string(buf)
	return Generated{
		Key:    key,
		Prefix: key[:prefixLen],
		Hash:   Hash(key),
	}, nil
}

// IsValidFormat reports whether key has the exact shape of a tmarks API key.
func IsValidFormat(key string) bool {
	return keyRe.MatchString(key)
}

// Hash returns the hex-encoded SHA-256 digest of key.
func Hash(key string) string {
	h := sha256.Sum256([]byte(key))
	return hex.EncodeToString(h[:])
}
