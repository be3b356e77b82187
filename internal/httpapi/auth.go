package httpapi

import (
	"crypto/subtle"
	"net/http"
	"strings"
)

type authError struct {
	status  int
	code    string
	message string
}

func (e *authError) Error() string {
	return e.message
}

// authorizeBearer checks a static API token. An empty expected token turns
// authentication off.
func authorizeBearer(authHeader, expected string) *authError {
	if expected == "" {
		return nil
	}
	token, ok := parseBearer(authHeader)
	if !ok {
		return &authError{
			status:  http.StatusUnauthorized,
			code:    "unauthorized",
			message: "missing or invalid bearer token",
		}
	}
	if subtle.ConstantTimeCompare([]byte(token), []byte(expected)) != 1 {
		return &authError{
			status:  http.StatusForbidden,
			code:    "forbidden",
			message: "invalid api token",
		}
	}
	return nil
}

func parseBearer(authHeader string) (string, bool) {
	if !strings.HasPrefix(authHeader, "Bearer ") {
		return "", false
	}
	token := strings.TrimSpace(strings.TrimPrefix(authHeader, "Bearer "))
	return token, token != ""
}
