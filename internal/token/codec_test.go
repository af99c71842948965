package token

import (
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testSecret = []byte("test-secret-please-change")

func sessionClaims() Claims {
	return Claims{
		SessionID:        "0192f5d4-7c1e-7a3b-9c2d-1e2f3a4b5c6d",
		RegisteredClaims: jwt.RegisteredClaims{Subject: "u1"},
	}
}

func TestSignVerifyRoundTrip(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 500, time.UTC)

	tok, err := Sign(sessionClaims(), testSecret, "15m", now)
	require.NoError(t, err)
	assert.Len(t, strings.Split(tok, "."), 3)
	assert.NotContains(t, tok, "=")

	claims, err := Verify(tok, testSecret, now)
	require.NoError(t, err)
	assert.Equal(t, "u1", claims.Subject)
	assert.Equal(t, "0192f5d4-7c1e-7a3b-9c2d-1e2f3a4b5c6d", claims.SessionID)
	assert.Equal(t, int64(900), claims.ExpiresAt.Unix()-claims.IssuedAt.Unix())
}

func TestSignTTLUnits(t *testing.T) {
	now := time.Now()
	tests := []struct {
		ttl  string
		want int64
	}{
		{"30s", 30},
		{"15m", 900},
		{"2h", 7200},
		{"7d", 604800},
	}
	for _, tt := range tests {
		t.Run(tt.ttl, func(t *testing.T) {
			tok, err := Sign(sessionClaims(), testSecret, tt.ttl, now)
			require.NoError(t, err)
			claims, err := Verify(tok, testSecret, now)
			require.NoError(t, err)
			assert.Equal(t, tt.want, claims.ExpiresAt.Unix()-claims.IssuedAt.Unix())
		})
	}
}

func TestSignRejectsBadTTL(t *testing.T) {
	for _, ttl := range []string{"", "15", "m", "15min", "1w", "-5m", " 5m", "5m "} {
		t.Run(ttl, func(t *testing.T) {
			_, err := Sign(sessionClaims(), testSecret, ttl, time.Now())
			assert.ErrorIs(t, err, ErrInvalidFormat)
		})
	}
}

func TestVerifyTamperedSegments(t *testing.T) {
	now := time.Now()
	tok, err := Sign(sessionClaims(), testSecret, "1h", now)
	require.NoError(t, err)

	parts := strings.Split(tok, ".")
	signed := parts[0] + "." + parts[1]

	for i := 0; i < len(signed); i++ {
		if signed[i] == '.' {
			continue
		}
		flipped := []byte(tok)
		if flipped[i] == 'A' {
			flipped[i] = 'B'
		} else {
			flipped[i] = 'A'
		}

		_, err := Verify(string(flipped), testSecret, now)
		if err != ErrInvalidSignature {
			t.Fatalf("flip at %d: err = %v, want ErrInvalidSignature", i, err)
		}
	}
}

func TestVerifyWrongSecret(t *testing.T) {
	now := time.Now()
	tok, err := Sign(sessionClaims(), testSecret, "1h", now)
	require.NoError(t, err)

	_, err = Verify(tok, []byte("another-secret"), now)
	assert.ErrorIs(t, err, ErrInvalidSignature)
}

func TestVerifyTruncated(t *testing.T) {
	now := time.Now()
	tok, err := Sign(sessionClaims(), testSecret, "1h", now)
	require.NoError(t, err)

	_, err = Verify(tok[:len(tok)-4], testSecret, now)
	assert.ErrorIs(t, err, ErrInvalidSignature)
}

func TestVerifyExpiredButSigned(t *testing.T) {
	issued := time.Now().Add(-2 * time.Hour)
	tok, err := Sign(sessionClaims(), testSecret, "1h", issued)
	require.NoError(t, err)

	_, err = Verify(tok, testSecret, time.Now())
	assert.ErrorIs(t, err, ErrExpired)
}

func TestVerifyMalformed(t *testing.T) {
	for _, tok := range []string{"", "abc", "a.b", "a.b.c.d", "a..c", ".b.c"} {
		t.Run(tok, func(t *testing.T) {
			_, err := Verify(tok, testSecret, time.Now())
			assert.ErrorIs(t, err, ErrInvalidFormat)
		})
	}
}

func TestVerifyRejectsOtherAlgorithms(t *testing.T) {
	now := time.Now()
	claims := sessionClaims()
	claims.ExpiresAt = jwt.NewNumericDate(now.Add(time.Hour))

	tok, err := jwt.NewWithClaims(jwt.SigningMethodHS512, claims).SignedString(testSecret)
	require.NoError(t, err)

	_, err = Verify(tok, testSecret, now)
	assert.ErrorIs(t, err, ErrInvalidSignature)

	unsigned, err := jwt.NewWithClaims(jwt.SigningMethodNone, claims).SignedString(jwt.UnsafeAllowNoneSignatureType)
	require.NoError(t, err)

	_, err = Verify(unsigned, testSecret, now)
	assert.Error(t, err)
}

func TestParseTTL(t *testing.T) {
	d, err := ParseTTL("30d")
	require.NoError(t, err)
	assert.Equal(t, 30*24*time.Hour, d)

	_, err = ParseTTL("99999999999999999999d")
	assert.ErrorIs(t, err, ErrInvalidFormat)
}

func TestExtractBearer(t *testing.T) {
	tests := []struct {
		header string
		want   string
		ok     bool
	}{
		{"Bearer abc.def.ghi", "abc.def.ghi", true},
		{"", "", false},
		{"Bearer", "", false},
		{"Bearer ", "", false},
		{"bearer abc", "", false},
		{"Basic dXNlcjpwYXNz", "", false},
		{"Bearer  abc", "", false},
		{"Bearer abc def", "", false},
	}
	for _, tt := range tests {
		t.Run(tt.header, func(t *testing.T) {
			got, ok := ExtractBearer(tt.header)
			assert.Equal(t, tt.ok, ok)
			assert.Equal(t, tt.want, got)
		})
	}
}
