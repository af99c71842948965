package token

import "strings"

// ExtractBearer returns the token from an Authorization header value of the
// exact form "Bearer <token>". ok is false when no token is present.
func ExtractBearer(header string) (tok string, ok bool) {
	const prefix = "Bearer "
	if !strings.HasPrefix(header, prefix) {
		return "", false
	}
	tok = header[len(prefix):]
	if tok == "" || strings.ContainsAny(tok, " \t") {
		return "", false
	}
	return tok, true
}
