//go:build e2e

package e2e

import (
	"bufio"
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// sendJSON sends an authenticated request with a JSON body.
func sendJSON(t *testing.T, method, path string, payload any) *http.Response {
	t.Helper()
	var body io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		require.NoError(t, err)
		body = bytes.NewReader(data)
	}
	req, err := http.NewRequest(method, bridgeURL+path, body)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+masterKey)

	resp, err := (&http.Client{Timeout: 30 * time.Second}).Do(req)
	require.NoError(t, err)
	return resp
}

// closeBody is a helper to close response body in defer statements.
func closeBody(resp *http.Response) {
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
}

func decodeJSON(t *testing.T, resp *http.Response, v any) {
	t.Helper()
	require.NoError(t, json.NewDecoder(resp.Body).Decode(v))
}

// Event is one server-sent event from the bridge.
type Event struct {
	Name string
	Data string
}

// readEvents reads the bridge's event stream to the end.
func readEvents(t *testing.T, body io.Reader) []Event {
	t.Helper()
	var events []Event
	var cur Event
	scanner := bufio.NewScanner(body)
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case line == "":
			if cur.Data != "" || cur.Name != "" {
				events = append(events, cur)
			}
			cur = Event{}
		case strings.HasPrefix(line, "event: "):
			cur.Name = strings.TrimPrefix(line, "event: ")
		case strings.HasPrefix(line, "data: "):
			cur.Data = strings.TrimPrefix(line, "data: ")
		}
	}
	return events
}

// replyText joins the JSON-encoded deltas of a successful stream.
func replyText(t *testing.T, events []Event) string {
	t.Helper()
	var sb strings.Builder
	for _, e := range events {
		if e.Name != "" || e.Data == "[DONE]" {
			continue
		}
		var delta string
		require.NoError(t, json.Unmarshal([]byte(e.Data), &delta))
		sb.WriteString(delta)
	}
	return sb.String()
}

// resetSession clears the bridge session and the mock's state.
func resetSession(t *testing.T) {
	t.Helper()
	mock.Reset()
	resp := sendJSON(t, http.MethodDelete, "/v1/session", nil)
	closeBody(resp)
	require.Equal(t, http.StatusOK, resp.StatusCode)
}
