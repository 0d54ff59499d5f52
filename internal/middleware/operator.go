// Package middleware holds the echo middleware guarding provider webhooks
// and the operator API.
package middleware

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"
)

// OperatorAuth requires the operator password as a bearer token, an
// X-Auth-Token header or a password query parameter. An empty password
// disables the check.
func OperatorAuth(password string) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if !operatorAuthOK(c.Request(), password) {
				return echo.NewHTTPError(http.StatusUnauthorized, "unauthorized")
			}
			return next(c)
		}
	}
}

func operatorAuthOK(r *http.Request, password string) bool {
	if password == "" {
		return true
	}
	if r == nil {
		return false
	}
	if q := r.URL.Query().Get("password"); q != "" && same(q, password) {
		return true
	}
	ah := r.Header.Get("Authorization")
	if strings.HasPrefix(strings.ToLower(ah), "bearer ") {
		if same(strings.TrimSpace(ah[len("Bearer "):]), password) {
			return true
		}
	}
	if x := r.Header.Get("X-Auth-Token"); x != "" && same(x, password) {
		return true
	}
	return false
}

func same(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}
