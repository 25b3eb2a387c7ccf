package transcript

import (
	"context"
	"slices"
	"sync"

	"codechat/internal/core"
)

// MemoryStore keeps transcripts in process memory.
type MemoryStore struct {
	mu       sync.RWMutex
	sessions map[string]map[string]*core.Message
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		sessions: make(map[string]map[string]*core.Message),
	}
}

func (s *MemoryStore) Append(_ context.Context, msg *core.Message) error {
	if err := validate(msg); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	session := s.sessions[msg.SessionID]
	if session == nil {
		session = make(map[string]*core.Message)
		s.sessions[msg.SessionID] = session
	}
	if _, exists := session[msg.ID]; exists {
		return ErrExists
	}
	session[msg.ID] = msg.Clone()
	return nil
}

func (s *MemoryStore) Update(_ context.Context, msg *core.Message) error {
	if err := validate(msg); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	session := s.sessions[msg.SessionID]
	if _, exists := session[msg.ID]; !exists {
		return ErrNotFound
	}
	session[msg.ID] = msg.Clone()
	return nil
}

func (s *MemoryStore) List(_ context.Context, sessionID string, limit int, after string) ([]*core.Message, error) {
	limit = normalizeLimit(limit)

	s.mu.RLock()
	session := s.sessions[sessionID]
	all := make([]*core.Message, 0, len(session))
	for _, m := range session {
		all = append(all, m.Clone())
	}
	s.mu.RUnlock()

	slices.SortFunc(all, func(a, b *core.Message) int {
		switch {
		case a.Seq < b.Seq:
			return -1
		case a.Seq > b.Seq:
			return 1
		}
		return 0
	})

	start := 0
	if after != "" {
		idx := slices.IndexFunc(all, func(m *core.Message) bool { return m.ID == after })
		if idx == -1 {
			return nil, ErrNotFound
		}
		start = idx + 1
	}

	end := min(start+limit, len(all))
	if start >= end {
		return []*core.Message{}, nil
	}
	return all[start:end], nil
}

func (s *MemoryStore) DeleteSession(_ context.Context, sessionID string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := int64(len(s.sessions[sessionID]))
	delete(s.sessions, sessionID)
	return n, nil
}

// Close is a no-op for the memory store.
func (s *MemoryStore) Close() error {
	return nil
}
