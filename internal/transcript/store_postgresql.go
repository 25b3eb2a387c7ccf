package transcript

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"codechat/internal/core"
)

// PostgreSQLStore stores transcripts in PostgreSQL.
type PostgreSQLStore struct {
	pool *pgxpool.Pool
}

// NewPostgreSQLStore creates the messages table and indexes if needed.
func NewPostgreSQLStore(ctx context.Context, pool *pgxpool.Pool) (*PostgreSQLStore, error) {
	if pool == nil {
		return nil, fmt.Errorf("connection pool is required")
	}

	_, err := pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS chat_messages (
			session_id TEXT NOT NULL,
			id TEXT NOT NULL,
			seq BIGINT NOT NULL,
			created_at TIMESTAMPTZ NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL,
			data JSONB NOT NULL,
			PRIMARY KEY (session_id, id)
		)
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to create chat_messages table: %w", err)
	}
	if _, err := pool.Exec(ctx, "CREATE INDEX IF NOT EXISTS idx_chat_messages_session_seq ON chat_messages(session_id, seq)"); err != nil {
		return nil, fmt.Errorf("failed to create chat_messages seq index: %w", err)
	}

	return &PostgreSQLStore{pool: pool}, nil
}

func (s *PostgreSQLStore) Append(ctx context.Context, msg *core.Message) error {
	payload, err := serializeMessage(msg)
	if err != nil {
		return err
	}

	_, err = s.pool.Exec(ctx, `
		INSERT INTO chat_messages (session_id, id, seq, created_at, updated_at, data)
		VALUES ($1, $2, $3, $4, $5, $6::jsonb)
	`, msg.SessionID, msg.ID, msg.Seq, msg.CreatedAt, msg.UpdatedAt, payload)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return ErrExists
		}
		return fmt.Errorf("insert message: %w", err)
	}
	return nil
}

func (s *PostgreSQLStore) Update(ctx context.Context, msg *core.Message) error {
	payload, err := serializeMessage(msg)
	if err != nil {
		return err
	}

	cmd, err := s.pool.Exec(ctx, `
		UPDATE chat_messages
		SET updated_at = $1, data = $2::jsonb
		WHERE session_id = $3 AND id = $4
	`, msg.UpdatedAt, payload, msg.SessionID, msg.ID)
	if err != nil {
		return fmt.Errorf("update message: %w", err)
	}
	if cmd.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgreSQLStore) List(ctx context.Context, sessionID string, limit int, after string) ([]*core.Message, error) {
	limit = normalizeLimit(limit)

	cursorSeq := int64(-1)
	if after != "" {
		err := s.pool.QueryRow(ctx,
			"SELECT seq FROM chat_messages WHERE session_id = $1 AND id = $2", sessionID, after,
		).Scan(&cursorSeq)
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return nil, ErrNotFound
			}
			return nil, fmt.Errorf("query after cursor: %w", err)
		}
	}

	rows, err := s.pool.Query(ctx, `
		SELECT data
		FROM chat_messages
		WHERE session_id = $1 AND seq > $2
		ORDER BY seq ASC
		LIMIT $3
	`, sessionID, cursorSeq, limit)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	defer rows.Close()

	items := make([]*core.Message, 0, limit)
	for rows.Next() {
		var payload []byte
		if err := rows.Scan(&payload); err != nil {
			return nil, fmt.Errorf("scan message row: %w", err)
		}
		msg, err := deserializeMessage(payload)
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

func (s *PostgreSQLStore) DeleteSession(ctx context.Context, sessionID string) (int64, error) {
	cmd, err := s.pool.Exec(ctx, "DELETE FROM chat_messages WHERE session_id = $1", sessionID)
	if err != nil {
		return 0, fmt.Errorf("delete session: %w", err)
	}
	return cmd.RowsAffected(), nil
}

// Close is a no-op; pool lifecycle is managed by storage layer.
func (s *PostgreSQLStore) Close() error {
	return nil
}
