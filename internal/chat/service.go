// Package chat runs a conversation with the assistant: it records the
// user's prompts and the streamed replies, fans changes out to attached
// listeners and persists the transcript.
package chat

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"codechat/internal/core"
	"codechat/internal/stream"
	"codechat/internal/transcript"
	"codechat/internal/upstream"
)

var (
	// ErrBusy is returned by Confirm while another reply is in flight.
	ErrBusy = errors.New("a reply is already in flight")
	// ErrAborted is returned by Confirm when the reply was cancelled.
	ErrAborted = errors.New("reply aborted")
)

// FailureNote is appended to a reply whose stream failed.
const FailureNote = "\n(request failed: check the access token and the connection to the assistant)"

// Reply results passed to ReplyRecorder.
const (
	ResultOK      = "ok"
	ResultFailed  = "failed"
	ResultAborted = "aborted"
)

// Streamer opens an upstream event stream.
type Streamer interface {
	Stream(ctx context.Context, req upstream.Request, opts ...stream.Option) (*stream.Decoder, error)
}

// ReplyRecorder counts finished replies.
type ReplyRecorder interface {
	ReplyFinished(result string)
}

// Listener receives session events. Calls are synchronous and never made
// while the service lock is held. Messages passed in are copies.
// Implementations must be comparable (typically pointers).
type Listener interface {
	ReadyStateChanged(ready bool)
	MessageAdded(msg *core.Message)
	MessageChanged(msg *core.Message)
	MessagesCleared()
}

// Config configures a Service.
type Config struct {
	// SessionID names the persisted transcript; empty generates one.
	SessionID string
	// UpstreamName labels transport errors.
	UpstreamName string
	ChatPath     string
	// ContextLines caps the lines sent on each side of the cursor; 0 sends all.
	ContextLines int
	// IntSource fills maxOrigLine; nil uses core.RandomIntSource.
	IntSource core.IntSource
	// Store persists messages; nil keeps them in memory only.
	Store    transcript.Store
	Recorder ReplyRecorder
}

// Prompt is one question together with the editor context it was asked in.
type Prompt struct {
	Message      string
	Type         core.MessageType
	RootPath     string
	FileName     string
	FileContents string
	// CursorOffset is a byte offset into FileContents; negative means end of file.
	CursorOffset int
	Selection    *string
	// Started, if set, receives the reply ID once the prompt is accepted and
	// before any listener hears about the new messages.
	Started func(replyID string)
}

// Service holds one chat session. At most one reply streams at a time.
type Service struct {
	streamer Streamer
	cfg      Config
	now      func() time.Time

	mu             sync.Mutex
	seq            int64
	messages       []*core.Message
	index          map[string]*core.Message
	listeners      []Listener
	cancel         context.CancelFunc
	clearScheduled bool
}

// NewService creates a session that streams replies through streamer.
func NewService(streamer Streamer, cfg Config) *Service {
	if cfg.SessionID == "" {
		cfg.SessionID = uuid.NewString()
	}
	if cfg.UpstreamName == "" {
		cfg.UpstreamName = "assistant"
	}
	return &Service{
		streamer: streamer,
		cfg:      cfg,
		now:      time.Now,
		index:    make(map[string]*core.Message),
	}
}

// SessionID returns the transcript session this service writes to.
func (s *Service) SessionID() string {
	return s.cfg.SessionID
}

// Load restores the persisted transcript. Replies left unfinished by a
// previous process are marked finished and failed.
func (s *Service) Load(ctx context.Context) error {
	if s.cfg.Store == nil {
		return nil
	}

	var loaded []*core.Message
	after := ""
	for {
		page, err := s.cfg.Store.List(ctx, s.cfg.SessionID, transcript.MaxListLimit, after)
		if err != nil {
			return fmt.Errorf("load transcript: %w", err)
		}
		loaded = append(loaded, page...)
		if len(page) < transcript.MaxListLimit {
			break
		}
		after = page[len(page)-1].ID
	}

	var interrupted []*core.Message
	s.mu.Lock()
	s.messages = s.messages[:0]
	clear(s.index)
	for _, m := range loaded {
		if m.IsReply && !m.IsFinished {
			m.IsFinished = true
			m.Failed = true
			interrupted = append(interrupted, m.Clone())
		}
		s.messages = append(s.messages, m)
		s.index[m.ID] = m
		s.seq = max(s.seq, m.Seq)
	}
	s.mu.Unlock()

	for _, m := range interrupted {
		s.persistUpdate(ctx, m)
	}
	slog.Info("transcript loaded", "session", s.cfg.SessionID, "messages", len(loaded), "interrupted", len(interrupted))
	return nil
}

// Confirm appends the prompt and an empty reply, then streams the
// assistant's answer into the reply. It blocks until the reply is finished
// and returns the reply's ID.
func (s *Service) Confirm(ctx context.Context, p Prompt) (string, error) {
	s.mu.Lock()
	if s.cancel != nil {
		s.mu.Unlock()
		slog.Warn("chat reply already in flight", "session", s.cfg.SessionID)
		return "", ErrBusy
	}
	replyCtx, cancel := context.WithCancel(core.WithSessionID(ctx, s.cfg.SessionID))
	s.cancel = cancel
	prompt := s.addMessageLocked(p.Message, false).Clone()
	reply := s.addMessageLocked("", true).Clone()
	listeners := s.listenersLocked()
	s.mu.Unlock()

	if p.Started != nil {
		p.Started(reply.ID)
	}
	for _, l := range listeners {
		l.MessageAdded(prompt.Clone())
		l.MessageAdded(reply.Clone())
		l.ReadyStateChanged(false)
	}
	s.persistAppend(ctx, prompt)
	s.persistAppend(ctx, reply)

	start := s.now()
	fragments, err := s.streamReply(replyCtx, reply.ID, s.buildRequest(p))

	result := ResultOK
	switch {
	case err == nil:
		s.updateMessage(reply.ID, "", func(m *core.Message) { m.IsFinished = true })
	case replyCtx.Err() != nil:
		result = ResultAborted
		err = ErrAborted
		s.updateMessage(reply.ID, "", func(m *core.Message) { m.IsFinished = true })
	default:
		result = ResultFailed
		var coreErr *core.Error
		if !errors.As(err, &coreErr) {
			err = core.NewTransportError(s.cfg.UpstreamName, "reply stream failed", err)
		}
		s.updateMessage(reply.ID, FailureNote, func(m *core.Message) {
			m.IsFinished = true
			m.Failed = true
		})
	}

	log := slog.With("session", s.cfg.SessionID, "reply_id", reply.ID, "fragments", fragments, "duration", s.now().Sub(start))
	if result == ResultFailed {
		log.Error("chat reply failed", "error", err)
	} else {
		log.Info("chat reply finished", "result", result)
	}
	if s.cfg.Recorder != nil {
		s.cfg.Recorder.ReplyFinished(result)
	}

	s.finishReply(ctx, reply.ID, cancel)
	return reply.ID, err
}

func (s *Service) streamReply(ctx context.Context, replyID string, req *core.UserRequest) (int, error) {
	dec, err := s.streamer.Stream(ctx, upstream.MakeStreamRequest(s.cfg.ChatPath, req))
	if err != nil {
		return 0, err
	}

	n := 0
	for fragment := range dec.All() {
		n++
		s.updateMessage(replyID, fragment, nil)
	}
	return n, dec.Complete()
}

func (s *Service) buildRequest(p Prompt) *core.UserRequest {
	offset := p.CursorOffset
	if offset < 0 {
		offset = len(p.FileContents)
	}
	preceding, suffix := core.SplitAtCursor(p.FileContents, offset, s.cfg.ContextLines)
	return core.NewUserRequest(
		p.Message,
		p.RootPath,
		p.FileName,
		p.FileContents,
		preceding,
		suffix,
		p.Selection,
		p.Type,
		s.cfg.IntSource,
	)
}

// finishReply releases the in-flight slot and runs a clear requested while
// the reply was streaming.
func (s *Service) finishReply(ctx context.Context, replyID string, cancel context.CancelFunc) {
	cancel()

	s.mu.Lock()
	s.cancel = nil
	scheduled := s.clearScheduled
	final := s.index[replyID].Clone()
	listeners := s.listenersLocked()
	s.mu.Unlock()

	if final != nil {
		s.persistUpdate(context.WithoutCancel(ctx), final)
	}
	for _, l := range listeners {
		l.ReadyStateChanged(true)
	}
	if scheduled {
		if err := s.Clear(context.WithoutCancel(ctx)); err != nil {
			slog.Error("scheduled clear failed", "session", s.cfg.SessionID, "error", err)
		}
	}
}

// Abort cancels the reply in flight, if any.
func (s *Service) Abort() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		s.cancel()
	}
}

// Clear drops every message and the persisted transcript. While a reply is
// streaming, Clear aborts it and the clear runs once the reply has ended.
func (s *Service) Clear(ctx context.Context) error {
	s.mu.Lock()
	if s.cancel != nil {
		s.clearScheduled = true
		s.cancel()
		s.mu.Unlock()
		return nil
	}
	s.messages = nil
	clear(s.index)
	s.clearScheduled = false
	listeners := s.listenersLocked()
	s.mu.Unlock()

	if s.cfg.Store != nil {
		n, err := s.cfg.Store.DeleteSession(ctx, s.cfg.SessionID)
		if err != nil {
			return fmt.Errorf("delete transcript: %w", err)
		}
		slog.Info("chat session cleared", "session", s.cfg.SessionID, "deleted", n)
	}
	for _, l := range listeners {
		l.MessagesCleared()
	}
	return nil
}

// Attach registers l for session events.
func (s *Service) Attach(l Listener) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listeners = append(s.listeners, l)
}

// Detach unregisters l. Detaching the last listener aborts the reply in
// flight.
func (s *Service) Detach(l Listener) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, existing := range s.listeners {
		if existing == l {
			s.listeners = append(s.listeners[:i], s.listeners[i+1:]...)
			break
		}
	}
	if len(s.listeners) == 0 && s.cancel != nil {
		s.cancel()
	}
}

// Sync replays every message to the listeners, then reports the ready state.
func (s *Service) Sync() {
	s.mu.Lock()
	messages := s.snapshotLocked()
	ready := s.cancel == nil
	listeners := s.listenersLocked()
	s.mu.Unlock()

	for _, m := range messages {
		for _, l := range listeners {
			l.MessageAdded(m.Clone())
		}
	}
	for _, l := range listeners {
		l.ReadyStateChanged(ready)
	}
}

// Messages returns a copy of the transcript.
func (s *Service) Messages() []*core.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked()
}

// Message returns a copy of the message with the given ID.
func (s *Service) Message(id string) (*core.Message, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.index[id]
	return m.Clone(), ok
}

// Ready reports whether a new prompt would be accepted.
func (s *Service) Ready() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cancel == nil
}

func (s *Service) addMessageLocked(contents string, isReply bool) *core.Message {
	s.seq++
	id := fmt.Sprintf("user:%d", s.seq)
	if isReply {
		id = fmt.Sprintf("bot:%d", s.seq)
	}
	now := s.now().UTC()
	m := &core.Message{
		ID:        id,
		SessionID: s.cfg.SessionID,
		Seq:       s.seq,
		Contents:  contents,
		IsReply:   isReply,
		CreatedAt: now,
		UpdatedAt: now,
	}
	s.messages = append(s.messages, m)
	s.index[id] = m
	return m
}

// updateMessage appends text to a message, applies mutate and notifies
// listeners. Unknown IDs are ignored.
func (s *Service) updateMessage(id, text string, mutate func(*core.Message)) {
	s.mu.Lock()
	m, ok := s.index[id]
	if !ok {
		s.mu.Unlock()
		return
	}
	m.Contents += text
	if mutate != nil {
		mutate(m)
	}
	m.UpdatedAt = s.now().UTC()
	changed := m.Clone()
	listeners := s.listenersLocked()
	s.mu.Unlock()

	for _, l := range listeners {
		l.MessageChanged(changed)
	}
}

func (s *Service) snapshotLocked() []*core.Message {
	out := make([]*core.Message, len(s.messages))
	for i, m := range s.messages {
		out[i] = m.Clone()
	}
	return out
}

func (s *Service) listenersLocked() []Listener {
	return append([]Listener(nil), s.listeners...)
}

func (s *Service) persistAppend(ctx context.Context, m *core.Message) {
	if s.cfg.Store == nil {
		return
	}
	if err := s.cfg.Store.Append(ctx, m); err != nil {
		slog.Warn("failed to persist message", "session", s.cfg.SessionID, "id", m.ID, "error", err)
	}
}

func (s *Service) persistUpdate(ctx context.Context, m *core.Message) {
	if s.cfg.Store == nil {
		return
	}
	if err := s.cfg.Store.Update(ctx, m); err != nil {
		slog.Warn("failed to persist message", "session", s.cfg.SessionID, "id", m.ID, "error", err)
	}
}
