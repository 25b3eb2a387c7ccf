package core

import "time"

// Message is one entry of a chat transcript, either the user's prompt or
// the assistant's (possibly still streaming) reply.
type Message struct {
	ID         string    `json:"id"`
	SessionID  string    `json:"session_id"`
	Seq        int64     `json:"seq"`
	Contents   string    `json:"contents"`
	IsReply    bool      `json:"is_reply,omitempty"`
	IsFinished bool      `json:"is_finished,omitempty"`
	Failed     bool      `json:"failed,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// Clone returns a copy that shares no state with m.
func (m *Message) Clone() *Message {
	if m == nil {
		return nil
	}
	c := *m
	return &c
}
