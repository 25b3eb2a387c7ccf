package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sync"

	"github.com/labstack/echo/v4"

	"codechat/internal/core"
	"codechat/internal/stream"
)

// eventWriter forwards the fragments of one reply to an event-stream
// response. Headers are written with the first fragment so that failures
// before any output can still be answered with a status code.
type eventWriter struct {
	mu      sync.Mutex
	resp    *echo.Response
	replyID string
	sent    int
	open    bool
}

func newEventWriter(resp *echo.Response) *eventWriter {
	return &eventWriter{resp: resp}
}

func (w *eventWriter) started() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.open
}

func (w *eventWriter) ReadyStateChanged(bool) {}

func (w *eventWriter) MessagesCleared() {}

func (w *eventWriter) MessageAdded(*core.Message) {}

// follow selects the reply to forward. The session announces it only to the
// request that created it, so a reply started by another client is never
// picked up.
func (w *eventWriter) follow(replyID string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.replyID = replyID
}

func (w *eventWriter) MessageChanged(m *core.Message) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.replyID == "" || m.ID != w.replyID || m.Failed || len(m.Contents) <= w.sent {
		return
	}
	delta := m.Contents[w.sent:]
	w.sent = len(m.Contents)

	payload, err := json.Marshal(delta)
	if err != nil {
		return
	}
	w.writeLocked("", payload)
}

// done terminates the stream with the sentinel.
func (w *eventWriter) done() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.writeLocked("", []byte(stream.Sentinel))
}

// fail reports err as an error event.
func (w *eventWriter) fail(err *core.Error) {
	if err == nil {
		err = &core.Error{Type: "internal_error", Message: "an unexpected error occurred"}
	}
	payload, mErr := json.Marshal(err.ToJSON())
	if mErr != nil {
		return
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	w.writeLocked("error", payload)
}

func (w *eventWriter) writeLocked(event string, data []byte) {
	if !w.open {
		h := w.resp.Header()
		h.Set("Content-Type", "text/event-stream")
		h.Set("Cache-Control", "no-cache")
		h.Set("Connection", "keep-alive")
		w.resp.WriteHeader(http.StatusOK)
		w.open = true
	}
	if event != "" {
		fmt.Fprintf(w.resp, "event: %s\n", event)
	}
	fmt.Fprintf(w.resp, "data: %s\n\n", data)
	w.resp.Flush()
}

// watcher is a listener that ignores events. It keeps a session from
// treating a non-streaming request as gone.
type watcher struct {
	id string
}

func (*watcher) ReadyStateChanged(bool) {}
func (*watcher) MessageAdded(*core.Message) {}
func (*watcher) MessageChanged(*core.Message) {}
func (*watcher) MessagesCleared() {}
