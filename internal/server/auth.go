package server

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"

	"codechat/internal/core"
)

// apiKeyHeader is accepted as an alternative to a bearer token, for editor
// plugins that cannot set Authorization.
const apiKeyHeader = "X-Api-Key"

// credential pulls the caller's key out of the request. The second result
// is a client-facing reason when no usable key was found.
func credential(r *http.Request) (string, string) {
	if key := r.Header.Get(apiKeyHeader); key != "" {
		return key, ""
	}
	header := r.Header.Get("Authorization")
	if header == "" {
		return "", "missing credentials: send 'Authorization: Bearer <key>' or " + apiKeyHeader
	}
	scheme, token, ok := strings.Cut(header, " ")
	if !ok || scheme != "Bearer" {
		return "", "malformed Authorization header, want 'Bearer <key>'"
	}
	return token, ""
}

// requireMasterKey rejects requests that do not carry masterKey. Paths in
// open are served without a check. An empty masterKey disables the check.
func requireMasterKey(masterKey string, open []string) echo.MiddlewareFunc {
	public := make(map[string]struct{}, len(open))
	for _, p := range open {
		public[p] = struct{}{}
	}
	want := []byte(masterKey)

	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if len(want) == 0 {
				return next(c)
			}
			if _, ok := public[c.Request().URL.Path]; ok {
				return next(c)
			}
			key, reason := credential(c.Request())
			if reason == "" && subtle.ConstantTimeCompare([]byte(key), want) != 1 {
				reason = "master key rejected"
			}
			if reason != "" {
				return handleError(c, core.NewAuthenticationError("", reason))
			}
			return next(c)
		}
	}
}
