package storage

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// openPostgreSQL builds the pool without waiting for the server; pgxpool
// connects lazily, so Open's ping loop covers a database still starting up.
func openPostgreSQL(ctx context.Context, rawURL string, maxConns int) (*Conn, error) {
	if rawURL == "" {
		return nil, fmt.Errorf("PostgreSQL URL is required")
	}

	poolCfg, err := pgxpool.ParseConfig(rawURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse PostgreSQL URL %s: %w", Redact(rawURL), err)
	}
	if maxConns <= 0 {
		maxConns = DefaultPostgresMaxConns
	}
	poolCfg.MaxConns = int32(maxConns)
	poolCfg.ConnConfig.RuntimeParams["application_name"] = "codechat"

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create PostgreSQL pool: %w", err)
	}
	return &Conn{Pool: pool, backend: TypePostgreSQL}, nil
}
