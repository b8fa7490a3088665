package wsbase

import (
	"crypto/subtle"
	"net/http"
	"strings"
)

// RequestToken extracts the access token from a request, preferring an
// "Authorization: Bearer" header over the ?token= query parameter that
// browser websockets have to use.
func RequestToken(r *http.Request) string {
	if auth := strings.TrimSpace(r.Header.Get("Authorization")); auth != "" {
		if len(auth) > 7 && strings.EqualFold(auth[:7], "bearer ") {
			if tok := strings.TrimSpace(auth[7:]); tok != "" {
				return tok
			}
		}
	}
	return strings.TrimSpace(r.URL.Query().Get("token"))
}

// TokensEqual compares tokens in constant time. Empty tokens never match.
func TokensEqual(expected, actual string) bool {
	expected = strings.TrimSpace(expected)
	actual = strings.TrimSpace(actual)
	if expected == "" || actual == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(expected), []byte(actual)) == 1
}
