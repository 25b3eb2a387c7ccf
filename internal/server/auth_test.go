package server

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func guarded(masterKey string, open ...string) *echo.Echo {
	e := echo.New()
	e.Use(requireMasterKey(masterKey, open))
	ok := func(c echo.Context) error { return c.String(http.StatusOK, c.Path()) }
	e.GET("/v1/messages", ok)
	e.GET("/health", ok)
	return e
}

func TestRequireMasterKey(t *testing.T) {
	const key = "k-7f3a"

	cases := []struct {
		name    string
		headers map[string]string
		path    string
		status  int
		reason  string
	}{
		{name: "bearer accepted", headers: map[string]string{"Authorization": "Bearer " + key}, status: http.StatusOK},
		{name: "api key header accepted", headers: map[string]string{"X-Api-Key": key}, status: http.StatusOK},
		{name: "api key wins over bad bearer", headers: map[string]string{"X-Api-Key": key, "Authorization": "Bearer nope"}, status: http.StatusOK},
		{name: "open path needs nothing", path: "/health", status: http.StatusOK},
		{name: "no credentials", status: http.StatusUnauthorized, reason: "missing credentials"},
		{name: "bare token", headers: map[string]string{"Authorization": key}, status: http.StatusUnauthorized, reason: "malformed"},
		{name: "basic scheme", headers: map[string]string{"Authorization": "Basic " + key}, status: http.StatusUnauthorized, reason: "malformed"},
		{name: "lowercase scheme", headers: map[string]string{"Authorization": "bearer " + key}, status: http.StatusUnauthorized, reason: "malformed"},
		{name: "empty bearer", headers: map[string]string{"Authorization": "Bearer "}, status: http.StatusUnauthorized, reason: "rejected"},
		{name: "wrong bearer", headers: map[string]string{"Authorization": "Bearer " + key + "x"}, status: http.StatusUnauthorized, reason: "rejected"},
		{name: "wrong api key", headers: map[string]string{"X-Api-Key": "other"}, status: http.StatusUnauthorized, reason: "rejected"},
	}

	e := guarded(key, "/health")
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			path := tc.path
			if path == "" {
				path = "/v1/messages"
			}
			req := httptest.NewRequest(http.MethodGet, path, nil)
			for k, v := range tc.headers {
				req.Header.Set(k, v)
			}
			rec := httptest.NewRecorder()
			e.ServeHTTP(rec, req)

			require.Equal(t, tc.status, rec.Code, rec.Body.String())
			if tc.status == http.StatusOK {
				assert.Equal(t, path, rec.Body.String())
				return
			}
			var body struct {
				Error struct {
					Type    string `json:"type"`
					Message string `json:"message"`
				} `json:"error"`
			}
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
			assert.Equal(t, "authentication_error", body.Error.Type)
			assert.Contains(t, body.Error.Message, tc.reason)
		})
	}
}

func TestRequireMasterKey_Disabled(t *testing.T) {
	e := guarded("")
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/messages", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestCredential(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer a b")
	key, reason := credential(req)
	assert.Empty(t, reason)
	assert.Equal(t, "a b", key, "only the first space separates the scheme")
}
