package transcript

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"codechat/internal/core"
)

// SQLiteStore stores transcripts in SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore creates the messages table and indexes if needed.
func NewSQLiteStore(db *sql.DB) (*SQLiteStore, error) {
	if db == nil {
		return nil, fmt.Errorf("database connection is required")
	}

	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS chat_messages (
			session_id TEXT NOT NULL,
			id TEXT NOT NULL,
			seq INTEGER NOT NULL,
			created_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL,
			data TEXT NOT NULL,
			PRIMARY KEY (session_id, id)
		)
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to create chat_messages table: %w", err)
	}
	if _, err := db.Exec("CREATE INDEX IF NOT EXISTS idx_chat_messages_session_seq ON chat_messages(session_id, seq)"); err != nil {
		return nil, fmt.Errorf("failed to create chat_messages seq index: %w", err)
	}

	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) Append(ctx context.Context, msg *core.Message) error {
	payload, err := serializeMessage(msg)
	if err != nil {
		return err
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO chat_messages (session_id, id, seq, created_at, updated_at, data)
		VALUES (?, ?, ?, ?, ?, ?)
	`, msg.SessionID, msg.ID, msg.Seq, msg.CreatedAt.UnixNano(), msg.UpdatedAt.UnixNano(), string(payload))
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed") {
			return ErrExists
		}
		return fmt.Errorf("insert message: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Update(ctx context.Context, msg *core.Message) error {
	payload, err := serializeMessage(msg)
	if err != nil {
		return err
	}

	result, err := s.db.ExecContext(ctx, `
		UPDATE chat_messages
		SET updated_at = ?, data = ?
		WHERE session_id = ? AND id = ?
	`, msg.UpdatedAt.UnixNano(), string(payload), msg.SessionID, msg.ID)
	if err != nil {
		return fmt.Errorf("update message: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("read update rows affected: %w", err)
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *SQLiteStore) List(ctx context.Context, sessionID string, limit int, after string) ([]*core.Message, error) {
	limit = normalizeLimit(limit)

	cursorSeq := int64(-1)
	if after != "" {
		err := s.db.QueryRowContext(ctx,
			"SELECT seq FROM chat_messages WHERE session_id = ? AND id = ?", sessionID, after,
		).Scan(&cursorSeq)
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return nil, ErrNotFound
			}
			return nil, fmt.Errorf("query after cursor: %w", err)
		}
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT data
		FROM chat_messages
		WHERE session_id = ? AND seq > ?
		ORDER BY seq ASC
		LIMIT ?
	`, sessionID, cursorSeq, limit)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	defer rows.Close()

	items := make([]*core.Message, 0, limit)
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return nil, fmt.Errorf("scan message row: %w", err)
		}
		msg, err := deserializeMessage([]byte(payload))
		if err != nil {
			return nil, fmt.Errorf("decode message row: %w", err)
		}
		items = append(items, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate message rows: %w", err)
	}
	return items, nil
}

func (s *SQLiteStore) DeleteSession(ctx context.Context, sessionID string) (int64, error) {
	result, err := s.db.ExecContext(ctx, "DELETE FROM chat_messages WHERE session_id = ?", sessionID)
	if err != nil {
		return 0, fmt.Errorf("delete session: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("read delete rows affected: %w", err)
	}
	return n, nil
}

// Close is a no-op; DB lifecycle is managed by storage layer.
func (s *SQLiteStore) Close() error {
	return nil
}
