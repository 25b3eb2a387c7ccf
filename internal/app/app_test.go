package app

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"codechat/config"
	"codechat/internal/chat"
	"codechat/internal/core"
	"codechat/internal/stream"
)

func testConfig(t *testing.T, upstreamURL string) *config.Config {
	t.Helper()
	return &config.Config{
		Server:   config.ServerConfig{Port: "0", BodySizeLimit: config.DefaultBodySizeLimit},
		Upstream: config.UpstreamConfig{Name: "assistant", BaseURL: upstreamURL, ChatPath: "/conversation", AccessToken: "tok"},
		HTTP:     config.HTTPConfig{Timeout: 5, ResponseHeaderTimeout: 5},
		Stream:   config.StreamConfig{ReadBufferSize: 4096, MaxLineSize: 1 << 20},
		Storage:  config.StorageConfig{Type: "memory"},
		Cache:    config.CacheConfig{Type: "local", Dir: t.TempDir()},
		Metrics:  config.MetricsConfig{Enabled: true, Endpoint: "/metrics"},
		RiskRules: config.RiskRulesConfig{
			Path:            "/high-risk",
			RefreshInterval: 60,
		},
	}
}

func assistant(t *testing.T) (*httptest.Server, *string) {
	t.Helper()
	var auth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth = r.Header.Get("Authorization")
		w.Header().Set("Content-Type", "text/event-stream")
		_, _ = io.WriteString(w, "data: Hello\r\ndata: \r\ndata: world\r\ndata: [DONE]\r\n\r\n")
	}))
	t.Cleanup(srv.Close)
	return srv, &auth
}

func promptFor(msg string) chat.Prompt {
	return chat.Prompt{Message: msg, Type: core.MessageTypeFreeform, CursorOffset: -1}
}

func newApp(t *testing.T, cfg *config.Config) *App {
	t.Helper()
	a, err := New(context.Background(), &config.LoadResult{Config: cfg}, Options{})
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.Shutdown(context.Background()) })
	return a
}

func TestNew_RequiresConfig(t *testing.T) {
	_, err := New(context.Background(), nil, Options{})
	assert.Error(t, err)

	_, err = New(context.Background(), &config.LoadResult{}, Options{})
	assert.Error(t, err)
}

func TestNew_RequiresUpstreamURL(t *testing.T) {
	cfg := testConfig(t, "")
	_, err := New(context.Background(), &config.LoadResult{Config: cfg}, Options{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "CODECHAT_UPSTREAM_URL")
}

func TestApp_ChatRoundTrip(t *testing.T) {
	srv, auth := assistant(t)
	a := newApp(t, testConfig(t, srv.URL))

	body := `{"message":"hi","stream":false}`
	req := httptest.NewRequest(http.MethodPost, "/v1/chat", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	a.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var resp struct {
		Reply struct {
			Contents   string `json:"contents"`
			IsFinished bool   `json:"is_finished"`
		} `json:"reply"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "Hello\nworld", resp.Reply.Contents)
	assert.True(t, resp.Reply.IsFinished)
	assert.Equal(t, "Bearer tok", *auth)
}

func TestApp_MetricsObserveStreams(t *testing.T) {
	srv, _ := assistant(t)
	a := newApp(t, testConfig(t, srv.URL))

	_, err := a.Session().Confirm(context.Background(), promptFor("hi"))
	require.NoError(t, err)

	rec := httptest.NewRecorder()
	a.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `codechat_streams_total{outcome="sentinel"} 1`)
	assert.Contains(t, rec.Body.String(), `codechat_replies_total{result="ok"} 1`)
}

func TestApp_MetricsDisabled(t *testing.T) {
	srv, _ := assistant(t)
	cfg := testConfig(t, srv.URL)
	cfg.Metrics.Enabled = false
	a := newApp(t, cfg)

	rec := httptest.NewRecorder()
	a.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestApp_RiskRulesRouteOnlyWhenConfigured(t *testing.T) {
	srv, _ := assistant(t)
	rules := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, `{"rule_list":[{"file_type":"go","file_path":"internal/billing","comments":"money"}]}`)
	}))
	defer rules.Close()

	body := `{"remoteUrl":"git@github.com:acme/shop.git","fileName":"internal/billing/charge.go"}`

	a := newApp(t, testConfig(t, srv.URL))
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/v1/risk/check", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	a.Handler().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	cfg := testConfig(t, srv.URL)
	cfg.RiskRules.BaseURL = rules.URL
	a = newApp(t, cfg)
	rec = httptest.NewRecorder()
	req = httptest.NewRequest(http.MethodPost, "/v1/risk/check", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	a.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Contains(t, rec.Body.String(), "risk file, modify with care; reason: money")
}

func TestApp_CompletionRouteOnlyWhenConfigured(t *testing.T) {
	srv, _ := assistant(t)
	var gotPath, gotAuth string
	fim := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath, gotAuth = r.URL.Path, r.Header.Get("Authorization")
		var body struct {
			Inputs string `json:"inputs"`
		}
		_ = json.NewDecoder(r.Body).Decode(&body)
		_ = json.NewEncoder(w).Encode([]map[string]string{{"generated_text": body.Inputs + "42<|endoftext|>"}})
	}))
	defer fim.Close()

	body := `{"fileContents":"x := \nreturn x","cursorOffset":5}`

	a := newApp(t, testConfig(t, srv.URL))
	assert.Nil(t, a.Completer())
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/v1/complete", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	a.Handler().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	cfg := testConfig(t, srv.URL)
	cfg.Completion.BaseURL = fim.URL
	a = newApp(t, cfg)
	require.NotNil(t, a.Completer())
	rec = httptest.NewRecorder()
	req = httptest.NewRequest(http.MethodPost, "/v1/complete", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	a.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.JSONEq(t, `{"completion":"42"}`, rec.Body.String())
	assert.Equal(t, "/generate", gotPath)
	assert.Equal(t, "Bearer tok", gotAuth)
}

func TestApp_SQLiteTranscriptSurvivesRestart(t *testing.T) {
	srv, _ := assistant(t)
	cfg := testConfig(t, srv.URL)
	cfg.Storage = config.StorageConfig{Type: "sqlite", SQLite: config.SQLiteConfig{Path: filepath.Join(t.TempDir(), "chat.db")}}
	cfg.Chat.SessionID = "session-1"

	first, err := New(context.Background(), &config.LoadResult{Config: cfg}, Options{})
	require.NoError(t, err)
	_, err = first.Session().Confirm(context.Background(), promptFor("hi"))
	require.NoError(t, err)
	require.NoError(t, first.Shutdown(context.Background()))

	second := newApp(t, cfg)
	msgs := second.Session().Messages()
	require.Len(t, msgs, 2)
	assert.Equal(t, "hi", msgs[0].Contents)
	assert.Equal(t, "Hello\nworld", msgs[1].Contents)

	rec := httptest.NewRecorder()
	second.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestApp_ShutdownIsIdempotent(t *testing.T) {
	srv, _ := assistant(t)
	a, err := New(context.Background(), &config.LoadResult{Config: testConfig(t, srv.URL)}, Options{})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, a.Shutdown(ctx))
	require.NoError(t, a.Shutdown(ctx))
}

func TestStreamOptions(t *testing.T) {
	assert.Empty(t, streamOptions(config.StreamConfig{}, nil))
	opts := streamOptions(config.StreamConfig{LegacyFraming: true, ReadBufferSize: 16, MaxLineSize: 64}, nil)
	assert.Len(t, opts, 3)

	// Legacy framing drops the line split across the two reads.
	body := io.NopCloser(strings.NewReader("data: a\r\ndata: b"))
	frags, err := stream.Collect(stream.NewDecoder(body, opts...))
	require.NoError(t, err)
	assert.Equal(t, []string{"a"}, frags)
}
