//go:build e2e

package e2e

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"time"
)

// MockAssistant simulates the assistant backend. Each reply is written as a
// sequence of raw chunks, flushed one at a time, so tests control where the
// network splits the stream.
type MockAssistant struct {
	server *httptest.Server

	mu           sync.Mutex
	requests     []RecordedRequest
	chunks       []string
	chunkDelay   time.Duration
	failNext     bool
	failWithCode int
	failMessage  string
	hold         chan struct{}
}

// RecordedRequest stores information about a received request.
type RecordedRequest struct {
	Method  string
	Path    string
	Headers http.Header
	Body    []byte
}

// NewMockAssistant starts a mock assistant that answers every chat request
// with a default two-line reply.
func NewMockAssistant() *MockAssistant {
	m := &MockAssistant{chunks: defaultChunks()}

	m.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		r.Body = io.NopCloser(bytes.NewBuffer(body))

		m.mu.Lock()
		m.requests = append(m.requests, RecordedRequest{
			Method:  r.Method,
			Path:    r.URL.Path,
			Headers: r.Header.Clone(),
			Body:    body,
		})

		if m.failNext {
			m.failNext = false
			code, msg := m.failWithCode, m.failMessage
			m.mu.Unlock()
			w.WriteHeader(code)
			_, _ = fmt.Fprintf(w, `{"error": {"message": %q}}`, msg)
			return
		}

		chunks := append([]string(nil), m.chunks...)
		delay := m.chunkDelay
		hold := m.hold
		m.mu.Unlock()

		if r.Header.Get("Authorization") == "" {
			w.WriteHeader(http.StatusUnauthorized)
			_, _ = w.Write([]byte(`{"error": {"message": "missing token"}}`))
			return
		}
		if r.URL.Path != chatPath {
			w.WriteHeader(http.StatusNotFound)
			return
		}

		m.stream(w, r, chunks, delay, hold)
	}))

	return m
}

func (m *MockAssistant) stream(w http.ResponseWriter, r *http.Request, chunks []string, delay time.Duration, hold chan struct{}) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)
	flusher, ok := w.(http.Flusher)
	if !ok {
		return
	}

	for i, c := range chunks {
		if i > 0 && delay > 0 {
			time.Sleep(delay)
		}
		_, _ = io.WriteString(w, c)
		flusher.Flush()
	}

	if hold != nil {
		select {
		case <-hold:
		case <-r.Context().Done():
		}
	}
}

func defaultChunks() []string {
	return []string{"data: Hel", "lo\r\ndata: \r\n", "data: world\r\ndata: [DONE]\r\n\r\n"}
}

// URL returns the base URL of the mock.
func (m *MockAssistant) URL() string {
	return m.server.URL
}

// Close shuts down the mock.
func (m *MockAssistant) Close() {
	m.Release()
	m.server.Close()
}

// SetChunks replaces the chunks of every following reply.
func (m *MockAssistant) SetChunks(chunks ...string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.chunks = chunks
}

// SetChunkDelay sets the pause between chunks.
func (m *MockAssistant) SetChunkDelay(d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.chunkDelay = d
}

// Hold keeps following replies open after their last chunk until Release.
func (m *MockAssistant) Hold() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.hold = make(chan struct{})
}

// Release lets held replies end.
func (m *MockAssistant) Release() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.hold != nil {
		close(m.hold)
		m.hold = nil
	}
}

// FailNext makes the next request fail with the given status.
func (m *MockAssistant) FailNext(code int, message string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failNext = true
	m.failWithCode = code
	m.failMessage = message
}

// Reset restores the default reply and clears recorded requests.
func (m *MockAssistant) Reset() {
	m.Release()
	m.mu.Lock()
	defer m.mu.Unlock()
	m.requests = nil
	m.chunks = defaultChunks()
	m.chunkDelay = 0
	m.failNext = false
}

// Requests returns a copy of the recorded requests.
func (m *MockAssistant) Requests() []RecordedRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]RecordedRequest(nil), m.requests...)
}

// LastRequestBody decodes the body of the last request.
func (m *MockAssistant) LastRequestBody() map[string]any {
	reqs := m.Requests()
	if len(reqs) == 0 {
		return nil
	}
	var out map[string]any
	_ = json.Unmarshal(reqs[len(reqs)-1].Body, &out)
	return out
}
