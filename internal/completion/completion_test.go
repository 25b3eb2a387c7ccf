package completion

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"codechat/internal/core"
	"codechat/internal/upstream"
)

func TestBuildInputs(t *testing.T) {
	tests := []struct {
		name   string
		req    Request
		limit  int
		expect string
	}{
		{
			name:   "code after cursor uses fill in the middle",
			req:    Request{FileContents: "func add(a, b int) int {\n\t\n}\n", CursorOffset: 26},
			limit:  100,
			expect: "<fim_prefix>func add(a, b int) int {\n\t<fim_suffix>\n}\n<fim_middle>",
		},
		{
			name:   "only whitespace after cursor sends the prefix",
			req:    Request{FileContents: "x := 1\n  \n", CursorOffset: 7},
			limit:  100,
			expect: "x := 1\n",
		},
		{
			name:   "negative offset is end of file",
			req:    Request{FileContents: "abc", CursorOffset: -1},
			limit:  100,
			expect: "abc",
		},
		{
			name:   "window is limited on both sides",
			req:    Request{FileContents: "0123456789", CursorOffset: 5},
			limit:  2,
			expect: "<fim_prefix>34<fim_suffix>56<fim_middle>",
		},
		{
			name:   "accepted text extends the prefix",
			req:    Request{FileContents: "ab", CursorOffset: 2, Accepted: "cd"},
			limit:  100,
			expect: "abcd",
		},
		{
			name:   "offset past the end is clamped",
			req:    Request{FileContents: "ab", CursorOffset: 10},
			limit:  100,
			expect: "ab",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expect, BuildInputs(tt.req, tt.limit, DefaultTokens))
		})
	}
}

func TestBuildInputs_KeepsCharactersWhole(t *testing.T) {
	contents := "héllo wörld"
	for offset := range len(contents) + 1 {
		for limit := 1; limit <= 4; limit++ {
			got := BuildInputs(Request{FileContents: contents, CursorOffset: offset}, limit, Tokens{})
			assert.True(t, utf8.ValidString(got), "offset %d limit %d gave %q", offset, limit, got)
		}
	}
}

func TestClean(t *testing.T) {
	inputs := "<fim_prefix>a<fim_suffix>c<fim_middle>"

	assert.Equal(t, "b", Clean(inputs+"b<|endoftext|>", inputs, DefaultTokens))
	assert.Equal(t, "b", Clean("b<fim_middle>", inputs, DefaultTokens))
	assert.Equal(t, "x<|endoftext|>", Clean("x<|endoftext|><|endoftext|>", inputs, DefaultTokens), "only the first stop marker is removed")
	assert.Equal(t, "partial echo <fim_prefix>a", Clean("partial echo <fim_prefix>a", inputs, DefaultTokens))
}

func TestGeneratedText(t *testing.T) {
	assert.Equal(t, "one", generatedText([]byte(`{"generated_text":"one"}`)))
	assert.Equal(t, "two", generatedText([]byte(`[{"generated_text":"two"}]`)))
	assert.Empty(t, generatedText([]byte(`{"other":1}`)))
	assert.Empty(t, generatedText([]byte(`[]`)))
}

func generateServer(t *testing.T, status int, body string, got *generateRequest) *httptest.Server {
	t.Helper()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/generate", r.URL.Path)
		if got != nil {
			_ = json.NewDecoder(r.Body).Decode(got)
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_, _ = w.Write([]byte(body))
	}))
	t.Cleanup(server.Close)
	return server
}

func newTestClient(baseURL string) *upstream.Client {
	cfg := upstream.DefaultConfig("completion", baseURL)
	cfg.MaxRetries = 0
	return upstream.New(cfg, nil)
}

func TestService_Complete(t *testing.T) {
	var got generateRequest
	inputs := "<fim_prefix>x := <fim_suffix>\nreturn x<fim_middle>"
	server := generateServer(t, http.StatusOK, `[{"generated_text":`+quote(inputs+"42<|endoftext|>")+`}]`, &got)

	svc := NewService(newTestClient(server.URL), Config{})
	text, err := svc.Complete(context.Background(), Request{FileContents: "x := \nreturn x", CursorOffset: 5})

	require.NoError(t, err)
	assert.Equal(t, "42", text)
	assert.Equal(t, inputs, got.Inputs)
	assert.Equal(t, 60, got.Parameters.MaxNewTokens)
	assert.Nil(t, got.Parameters.Temperature)
	assert.False(t, got.Parameters.DoSample)
	assert.InDelta(t, 0.95, got.Parameters.TopP, 1e-9)
	assert.Equal(t, []string{"<|endoftext|>"}, got.Parameters.Stop)
}

func TestService_Complete_SendsNullTemperature(t *testing.T) {
	var raw map[string]any
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewDecoder(r.Body).Decode(&raw)
		_, _ = w.Write([]byte(`{"generated_text":""}`))
	}))
	t.Cleanup(server.Close)

	_, err := NewService(newTestClient(server.URL), Config{}).Complete(context.Background(), Request{FileContents: "a"})
	require.NoError(t, err)

	params, ok := raw["parameters"].(map[string]any)
	require.True(t, ok)
	temperature, present := params["temperature"]
	assert.True(t, present)
	assert.Nil(t, temperature)
}

func TestService_Complete_Errors(t *testing.T) {
	t.Run("BackendError", func(t *testing.T) {
		server := generateServer(t, http.StatusBadRequest, `{"error":"bad inputs"}`, nil)
		_, err := NewService(newTestClient(server.URL), Config{}).Complete(context.Background(), Request{FileContents: "a"})

		var coreErr *core.Error
		require.True(t, errors.As(err, &coreErr))
		assert.Equal(t, http.StatusBadRequest, coreErr.StatusCode)
	})

	t.Run("InvalidJSON", func(t *testing.T) {
		server := generateServer(t, http.StatusOK, `not json`, nil)
		_, err := NewService(newTestClient(server.URL), Config{}).Complete(context.Background(), Request{FileContents: "a"})

		var coreErr *core.Error
		require.True(t, errors.As(err, &coreErr))
		assert.Equal(t, http.StatusBadGateway, coreErr.StatusCode)
	})
}

func TestNewService_Defaults(t *testing.T) {
	temperature := 0.2
	svc := NewService(nil, Config{Path: "/custom", Temperature: &temperature})

	assert.Equal(t, "/custom", svc.cfg.Path)
	assert.Equal(t, DefaultCharLimit, svc.cfg.CharLimit)
	assert.Equal(t, DefaultTokens, svc.cfg.Tokens)
	assert.Equal(t, 60, svc.cfg.MaxNewTokens)
	assert.Equal(t, &temperature, svc.cfg.Temperature)
}

func quote(s string) string {
	b, _ := json.Marshal(s)
	return string(b)
}
