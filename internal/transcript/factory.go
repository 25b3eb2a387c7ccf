package transcript

import (
	"context"
	"errors"
	"fmt"
	"time"

	"codechat/config"
	"codechat/internal/storage"
)

// TypeMemory selects the in-process store; no storage connection is opened.
const TypeMemory = "memory"

// Result holds the initialized store and the connection it owns, if any.
type Result struct {
	Store Store
	Conn  *storage.Conn
}

// Close releases resources held by the store.
func (r *Result) Close() error {
	var errs []error
	if r.Store != nil {
		if err := r.Store.Close(); err != nil {
			errs = append(errs, fmt.Errorf("store close: %w", err))
		}
	}
	if r.Conn != nil {
		if err := r.Conn.Close(); err != nil {
			errs = append(errs, fmt.Errorf("storage close: %w", err))
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("close errors: %w", errors.Join(errs...))
	}
	return nil
}

// Ping reports whether the backing database is reachable. The memory store
// always is.
func (r *Result) Ping(ctx context.Context) error {
	if r.Conn == nil {
		return nil
	}
	return r.Conn.Ping(ctx)
}

// New creates a transcript store from app configuration.
func New(ctx context.Context, cfg *config.Config) (*Result, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config is required")
	}
	if cfg.Storage.Type == TypeMemory {
		return &Result{Store: NewMemoryStore()}, nil
	}

	conn, err := storage.Open(ctx, storageOptions(cfg.Storage))
	if err != nil {
		return nil, fmt.Errorf("failed to open storage: %w", err)
	}

	store, err := NewWithConn(ctx, conn)
	if err != nil {
		_ = conn.Close()
		return nil, err
	}
	return &Result{Store: store, Conn: conn}, nil
}

// NewWithConn creates a store on an open connection. The caller keeps
// ownership of conn.
func NewWithConn(ctx context.Context, conn *storage.Conn) (Store, error) {
	if conn == nil {
		return nil, fmt.Errorf("storage connection is required")
	}
	switch conn.Backend() {
	case storage.TypeSQLite:
		return NewSQLiteStore(conn.SQL)
	case storage.TypePostgreSQL:
		return NewPostgreSQLStore(ctx, conn.Pool)
	case storage.TypeMongoDB:
		return NewMongoDBStore(conn.Mongo)
	default:
		return nil, fmt.Errorf("unknown storage type: %s", conn.Backend())
	}
}

func storageOptions(cfg config.StorageConfig) storage.Options {
	return storage.Options{
		Backend:          cfg.Type,
		SQLitePath:       cfg.SQLite.Path,
		PostgresURL:      cfg.PostgreSQL.URL,
		PostgresMaxConns: cfg.PostgreSQL.MaxConns,
		MongoURL:         cfg.MongoDB.URL,
		MongoDatabase:    cfg.MongoDB.Database,
		ConnectTimeout:   time.Duration(cfg.ConnectTimeout) * time.Second,
	}
}
