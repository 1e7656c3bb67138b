// storage/pgkv/store.go
//
// Package pgkv backs the storage.KV contract with PostgreSQL so that
// contexts running in separate processes share one durable key-value store.
package pgkv

import (
	"context"
	"embed"
	"errors"
	"fmt"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/shahidk/noteworthy/storage"
)

//go:embed migrations/*.sql
var migrations embed.FS

// Store is a storage.KV over a pgx connection pool.
type Store struct {
	pool *pgxpool.Pool
}

// Open connects to dsn and applies pending schema migrations.
func Open(ctx context.Context, dsn string) (*Store, error) {
	if err := migrateUp(dsn); err != nil {
		return nil, err
	}

	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("pgkv: connect: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pgkv: ping: %w", err)
	}
	return &Store{pool: pool}, nil
}

func migrateUp(dsn string) error {
	src, err := iofs.New(migrations, "migrations")
	if err != nil {
		return fmt.Errorf("pgkv: load migrations: %w", err)
	}
	m, err := migrate.NewWithSourceInstance("iofs", src, dsn)
	if err != nil {
		return fmt.Errorf("pgkv: init migrations: %w", err)
	}
	defer m.Close()
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("pgkv: migrate: %w", err)
	}
	return nil
}

func (s *Store) GetItem(ctx context.Context, key string) (string, error) {
	var value string
	err := s.pool.QueryRow(ctx, `SELECT value FROM kv_store WHERE name = $1`, key).Scan(&value)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", storage.ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("pgkv: get %q: %w", key, err)
	}
	return value, nil
}

// SetItem upserts the value under key. Last writer wins, matching the
// broadcast policy; transient serialization failures are retried once.
func (s *Store) SetItem(ctx context.Context, key, value string) error {
	err := s.set(ctx, key, value)
	if err != nil && isTransient(err) {
		err = s.set(ctx, key, value)
	}
	if err != nil {
		return fmt.Errorf("pgkv: set %q: %w", key, err)
	}
	return nil
}

func (s *Store) set(ctx context.Context, key, value string) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO kv_store (name, value, updated_at)
		VALUES ($1, $2, now())
		ON CONFLICT (name) DO UPDATE SET value = EXCLUDED.value, updated_at = now()`,
		key, value)
	return err
}

func (s *Store) RemoveItem(ctx context.Context, key string) error {
	if _, err := s.pool.Exec(ctx, `DELETE FROM kv_store WHERE name = $1`, key); err != nil {
		return fmt.Errorf("pgkv: remove %q: %w", key, err)
	}
	return nil
}

// Pool exposes the underlying pool so the sync layer can share the
// connection for LISTEN/NOTIFY.
func (s *Store) Pool() *pgxpool.Pool {
	return s.pool
}

func (s *Store) Close() {
	s.pool.Close()
}

func isTransient(err error) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return false
	}
	switch pgErr.Code {
	case pgerrcode.SerializationFailure, pgerrcode.DeadlockDetected, pgerrcode.LockNotAvailable:
		return true
	}
	return false
}
