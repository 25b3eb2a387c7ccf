// Package storage opens the database behind chat transcripts. An open Conn
// carries the native handle of exactly one backend; the transcript package
// builds its store on top of it.
package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.mongodb.org/mongo-driver/v2/mongo"
)

// Backend names
const (
	TypeSQLite     = "sqlite"
	TypePostgreSQL = "postgresql"
	TypeMongoDB    = "mongodb"
)

// Defaults applied by Open for unset options.
const (
	DefaultSQLitePath       = "data/codechat.db"
	DefaultMongoDatabase    = "codechat"
	DefaultPostgresMaxConns = 10
	DefaultConnectTimeout   = 30 * time.Second
)

// Options selects and configures a backend.
type Options struct {
	Backend string

	SQLitePath string

	PostgresURL      string
	PostgresMaxConns int

	MongoURL      string
	MongoDatabase string

	// ConnectTimeout bounds the initial connect, retries included.
	// Network backends are retried so the bridge can start alongside its database.
	ConnectTimeout time.Duration
}

// Conn is an open connection. Exactly one of SQL, Pool and Mongo is set,
// matching Backend.
type Conn struct {
	SQL   *sql.DB
	Pool  *pgxpool.Pool
	Mongo *mongo.Database

	backend     string
	mongoClient *mongo.Client
}

// Open connects to the backend named by opts and waits until it answers a ping.
func Open(ctx context.Context, opts Options) (*Conn, error) {
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = DefaultConnectTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, opts.ConnectTimeout)
	defer cancel()

	var (
		conn *Conn
		err  error
	)
	switch opts.Backend {
	case TypeSQLite:
		conn, err = openSQLite(ctx, opts.SQLitePath)
	case TypePostgreSQL:
		conn, err = openPostgreSQL(ctx, opts.PostgresURL, opts.PostgresMaxConns)
	case TypeMongoDB:
		conn, err = openMongoDB(ctx, opts.MongoURL, opts.MongoDatabase)
	default:
		return nil, fmt.Errorf("unknown storage type: %s (valid: sqlite, postgresql, mongodb)", opts.Backend)
	}
	if err != nil {
		return nil, err
	}

	if err := waitReady(ctx, conn.Ping); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("%s not reachable: %w", opts.Backend, err)
	}
	return conn, nil
}

// Backend returns the backend name.
func (c *Conn) Backend() string {
	return c.backend
}

// Ping reports whether the backend is reachable.
func (c *Conn) Ping(ctx context.Context) error {
	switch {
	case c.SQL != nil:
		return c.SQL.PingContext(ctx)
	case c.Pool != nil:
		return c.Pool.Ping(ctx)
	case c.mongoClient != nil:
		return c.mongoClient.Ping(ctx, nil)
	default:
		return errors.New("storage: connection is closed")
	}
}

// Close releases the connection.
func (c *Conn) Close() error {
	var err error
	if c.SQL != nil {
		err = c.SQL.Close()
		c.SQL = nil
	}
	if c.Pool != nil {
		c.Pool.Close()
		c.Pool = nil
	}
	if c.mongoClient != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		err = c.mongoClient.Disconnect(ctx)
		c.mongoClient = nil
		c.Mongo = nil
	}
	return err
}

// waitReady pings until success or ctx ends, backing off between attempts.
func waitReady(ctx context.Context, ping func(context.Context) error) error {
	backoff := 100 * time.Millisecond
	for attempt := 1; ; attempt++ {
		err := ping(ctx)
		if err == nil {
			return nil
		}
		slog.Debug("storage not ready", "attempt", attempt, "error", err)

		select {
		case <-ctx.Done():
			return errors.Join(err, ctx.Err())
		case <-time.After(backoff):
		}
		backoff = min(backoff*2, 2*time.Second)
	}
}

// Redact hides the password of a connection URL for logging.
func Redact(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.User == nil {
		return raw
	}
	if _, ok := u.User.Password(); ok {
		u.User = url.UserPassword(u.User.Username(), "xxxxx")
	}
	return u.String()
}
