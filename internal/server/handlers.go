// Package server exposes a chat session over HTTP for editor plugins.
package server

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"slices"
	"strconv"
	"unicode/utf8"

	"github.com/labstack/echo/v4"

	"codechat/internal/chat"
	"codechat/internal/completion"
	"codechat/internal/core"
	"codechat/internal/riskrules"
)

// ChatSession is the session the handlers drive.
type ChatSession interface {
	Confirm(ctx context.Context, p chat.Prompt) (string, error)
	Abort()
	Clear(ctx context.Context) error
	Attach(l chat.Listener)
	Detach(l chat.Listener)
	Messages() []*core.Message
	Message(id string) (*core.Message, bool)
	Ready() bool
	SessionID() string
}

// RuleSource resolves the risk rules of a repository.
type RuleSource interface {
	Rules(ctx context.Context, remoteURL string) ([]riskrules.Rule, error)
}

// Completer suggests text to insert at the cursor.
type Completer interface {
	Complete(ctx context.Context, req completion.Request) (string, error)
}

// Handler holds the HTTP handlers
type Handler struct {
	session     ChatSession
	rules       RuleSource
	completer   Completer
	healthCheck func(ctx context.Context) error
}

// NewHandler creates the handlers for session.
func NewHandler(session ChatSession, rules RuleSource, healthCheck func(ctx context.Context) error) *Handler {
	return &Handler{
		session:     session,
		rules:       rules,
		healthCheck: healthCheck,
	}
}

// ChatRequest is the body of POST /v1/chat.
type ChatRequest struct {
	Message      string  `json:"message"`
	MessageType  string  `json:"msgType"`
	RootPath     string  `json:"rootPath"`
	FileName     string  `json:"fileName"`
	FileContents string  `json:"fileContents"`
	CursorOffset *int    `json:"cursorOffset"`
	Selection    *string `json:"selection"`
	Stream       *bool   `json:"stream"`
}

func (r *ChatRequest) prompt() (chat.Prompt, error) {
	if r.Message == "" {
		return chat.Prompt{}, core.NewInvalidRequestError("message is required", nil)
	}
	mt, err := core.ParseMessageType(r.MessageType)
	if err != nil {
		return chat.Prompt{}, err
	}
	offset := -1
	if r.CursorOffset != nil {
		if err := checkCursor(r.FileContents, *r.CursorOffset); err != nil {
			return chat.Prompt{}, err
		}
		offset = *r.CursorOffset
	}
	return chat.Prompt{
		Message:      r.Message,
		Type:         mt,
		RootPath:     r.RootPath,
		FileName:     r.FileName,
		FileContents: r.FileContents,
		CursorOffset: offset,
		Selection:    r.Selection,
	}, nil
}

func checkCursor(contents string, offset int) error {
	if offset < 0 || offset > len(contents) {
		return core.NewInvalidRequestError("cursorOffset is outside fileContents", nil)
	}
	if offset < len(contents) && !utf8.RuneStart(contents[offset]) {
		return core.NewInvalidRequestError("cursorOffset falls inside a UTF-8 character", nil)
	}
	return nil
}

// ChatReply is the non-streaming response of POST /v1/chat.
type ChatReply struct {
	SessionID string        `json:"session_id"`
	Reply     *core.Message `json:"reply"`
}

// Chat handles POST /v1/chat
func (h *Handler) Chat(c echo.Context) error {
	var req ChatRequest
	if err := c.Bind(&req); err != nil {
		return handleError(c, core.NewInvalidRequestError("invalid request body: "+err.Error(), err))
	}
	prompt, err := req.prompt()
	if err != nil {
		return handleError(c, err)
	}

	ctx := c.Request().Context()
	if req.Stream != nil && !*req.Stream {
		// Counts as a watching client so a concurrent request leaving does not abort this reply
		w := &watcher{id: c.Response().Header().Get(echo.HeaderXRequestID)}
		h.session.Attach(w)
		defer h.session.Detach(w)

		replyID, err := h.session.Confirm(ctx, prompt)
		if err != nil {
			return handleError(c, err)
		}
		reply, _ := h.session.Message(replyID)
		return c.JSON(http.StatusOK, ChatReply{SessionID: h.session.SessionID(), Reply: reply})
	}

	sse := newEventWriter(c.Response())
	prompt.Started = sse.follow
	h.session.Attach(sse)
	defer h.session.Detach(sse)

	_, err = h.session.Confirm(ctx, prompt)
	switch {
	case err == nil:
		sse.done()
		return nil
	case !sse.started():
		return handleError(c, err)
	default:
		if ctx.Err() == nil {
			sse.fail(toCoreError(err))
		}
		slog.Warn("chat stream ended with error", "error", err)
		return nil
	}
}

// MessagesResponse is the response of GET /v1/messages.
type MessagesResponse struct {
	SessionID string          `json:"session_id"`
	Ready     bool            `json:"ready"`
	Messages  []*core.Message `json:"messages"`
}

// Messages handles GET /v1/messages
func (h *Handler) Messages(c echo.Context) error {
	limit := 0
	if raw := c.QueryParam("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			return handleError(c, core.NewInvalidRequestError("invalid limit: "+raw, err))
		}
		limit = n
	}

	messages, err := paginate(h.session.Messages(), c.QueryParam("after"), limit)
	if err != nil {
		return handleError(c, err)
	}
	return c.JSON(http.StatusOK, MessagesResponse{
		SessionID: h.session.SessionID(),
		Ready:     h.session.Ready(),
		Messages:  messages,
	})
}

func paginate(messages []*core.Message, after string, limit int) ([]*core.Message, error) {
	if after != "" {
		idx := slices.IndexFunc(messages, func(m *core.Message) bool { return m.ID == after })
		if idx == -1 {
			return nil, core.NewNotFoundError("message not found: " + after)
		}
		messages = messages[idx+1:]
	}
	if limit > 0 && len(messages) > limit {
		messages = messages[:limit]
	}
	return messages, nil
}

// ClearSession handles DELETE /v1/session
func (h *Handler) ClearSession(c echo.Context) error {
	deferred := !h.session.Ready()
	if err := h.session.Clear(c.Request().Context()); err != nil {
		return handleError(c, err)
	}
	if deferred {
		return c.JSON(http.StatusAccepted, map[string]string{"status": "scheduled"})
	}
	return c.JSON(http.StatusOK, map[string]string{"status": "cleared"})
}

// AbortReply handles POST /v1/session/abort
func (h *Handler) AbortReply(c echo.Context) error {
	if h.session.Ready() {
		return c.JSON(http.StatusOK, map[string]string{"status": "idle"})
	}
	h.session.Abort()
	return c.JSON(http.StatusOK, map[string]string{"status": "aborted"})
}

// RiskCheckRequest is the body of POST /v1/risk/check.
type RiskCheckRequest struct {
	RemoteURL string `json:"remoteUrl"`
	FileName  string `json:"fileName"`
}

// RiskCheckResponse lists the rules matching the file.
type RiskCheckResponse struct {
	Rules    []riskrules.Rule `json:"rules"`
	Warnings []string         `json:"warnings"`
}

// RiskCheck handles POST /v1/risk/check
func (h *Handler) RiskCheck(c echo.Context) error {
	var req RiskCheckRequest
	if err := c.Bind(&req); err != nil {
		return handleError(c, core.NewInvalidRequestError("invalid request body: "+err.Error(), err))
	}
	if req.RemoteURL == "" || req.FileName == "" {
		return handleError(c, core.NewInvalidRequestError("remoteUrl and fileName are required", nil))
	}

	rules, err := h.rules.Rules(c.Request().Context(), req.RemoteURL)
	if err != nil {
		return handleError(c, err)
	}

	resp := RiskCheckResponse{Rules: []riskrules.Rule{}, Warnings: []string{}}
	for _, r := range riskrules.Match(rules, req.FileName) {
		resp.Rules = append(resp.Rules, r)
		resp.Warnings = append(resp.Warnings, riskrules.Warning(r))
	}
	return c.JSON(http.StatusOK, resp)
}

// CompleteRequest is the body of POST /v1/complete.
type CompleteRequest struct {
	FileContents string `json:"fileContents"`
	CursorOffset *int   `json:"cursorOffset"`
	// Accepted is suggestion text already shown after the cursor.
	Accepted string `json:"accepted"`
}

// CompleteResponse carries the suggestion. An empty completion means there
// is nothing to suggest.
type CompleteResponse struct {
	Completion string `json:"completion"`
}

// Complete handles POST /v1/complete
func (h *Handler) Complete(c echo.Context) error {
	var req CompleteRequest
	if err := c.Bind(&req); err != nil {
		return handleError(c, core.NewInvalidRequestError("invalid request body: "+err.Error(), err))
	}
	offset := -1
	if req.CursorOffset != nil {
		if err := checkCursor(req.FileContents, *req.CursorOffset); err != nil {
			return handleError(c, err)
		}
		offset = *req.CursorOffset
	}

	text, err := h.completer.Complete(c.Request().Context(), completion.Request{
		FileContents: req.FileContents,
		CursorOffset: offset,
		Accepted:     req.Accepted,
	})
	if err != nil {
		return handleError(c, err)
	}
	return c.JSON(http.StatusOK, CompleteResponse{Completion: text})
}

// Health handles GET /health
func (h *Handler) Health(c echo.Context) error {
	if h.healthCheck != nil {
		if err := h.healthCheck(c.Request().Context()); err != nil {
			return c.JSON(http.StatusServiceUnavailable, map[string]string{"status": "unavailable", "error": err.Error()})
		}
	}
	return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
}

func toCoreError(err error) *core.Error {
	var coreErr *core.Error
	switch {
	case errors.As(err, &coreErr):
		return coreErr
	case errors.Is(err, chat.ErrBusy):
		return core.NewBusyError(err.Error())
	case errors.Is(err, chat.ErrAborted):
		return core.NewInvalidRequestErrorWithStatus(http.StatusConflict, err.Error(), err)
	default:
		return nil
	}
}

// handleError converts errors to appropriate HTTP responses
func handleError(c echo.Context, err error) error {
	if coreErr := toCoreError(err); coreErr != nil {
		return c.JSON(coreErr.HTTPStatusCode(), coreErr.ToJSON())
	}

	slog.Error("unexpected handler error", "error", err)
	return c.JSON(http.StatusInternalServerError, map[string]any{
		"error": map[string]any{
			"type":    "internal_error",
			"message": "an unexpected error occurred",
		},
	})
}
