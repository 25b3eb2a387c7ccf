// Package transcript persists chat messages so a session survives restarts.
package transcript

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"codechat/internal/core"
)

// ErrNotFound indicates a requested message or cursor was not found.
var ErrNotFound = errors.New("message not found")

// ErrExists is returned by Append when the message is already stored.
var ErrExists = errors.New("message already exists")

const (
	// DefaultListLimit is used when List is called with limit <= 0.
	DefaultListLimit = 100
	// MaxListLimit caps a single List page.
	MaxListLimit = 500
)

// Store defines persistence operations for chat transcripts.
// Messages are keyed by (SessionID, ID) and ordered by Seq.
type Store interface {
	Append(ctx context.Context, msg *core.Message) error
	Update(ctx context.Context, msg *core.Message) error
	// List returns up to limit messages of a session in ascending Seq order,
	// starting after the message with ID after (exclusive) when non-empty.
	List(ctx context.Context, sessionID string, limit int, after string) ([]*core.Message, error)
	// DeleteSession removes every message of a session and reports how many were removed.
	DeleteSession(ctx context.Context, sessionID string) (int64, error)
	Close() error
}

func normalizeLimit(limit int) int {
	switch {
	case limit <= 0:
		return DefaultListLimit
	case limit > MaxListLimit:
		return MaxListLimit
	default:
		return limit
	}
}

func validate(msg *core.Message) error {
	if msg == nil {
		return fmt.Errorf("message is nil")
	}
	if msg.ID == "" {
		return fmt.Errorf("message ID is empty")
	}
	if msg.SessionID == "" {
		return fmt.Errorf("message %s has no session ID", msg.ID)
	}
	return nil
}

func serializeMessage(msg *core.Message) ([]byte, error) {
	if err := validate(msg); err != nil {
		return nil, err
	}
	b, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("marshal message: %w", err)
	}
	return b, nil
}

func deserializeMessage(raw []byte) (*core.Message, error) {
	if len(raw) == 0 {
		return nil, fmt.Errorf("empty message payload")
	}
	var msg core.Message
	if err := json.Unmarshal(raw, &msg); err != nil {
		return nil, fmt.Errorf("unmarshal message: %w", err)
	}
	return &msg, nil
}
