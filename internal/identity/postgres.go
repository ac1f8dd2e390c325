package identity

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// schemaSQL is embedded so the storage can self-bootstrap its table.
//
//go:embed schema.sql
var schemaSQL string

// PostgresStorage persists identity values in a key/value table. Namespace
// separates installations sharing one database.
type PostgresStorage struct {
	pool      *pgxpool.Pool
	namespace string
}

// NewPostgresStorage creates a connection pool and fails fast if the DB is
// unreachable.
func NewPostgresStorage(dbURL, namespace string) (*PostgresStorage, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pool, err := pgxpool.New(ctx, dbURL)
	if err != nil {
		return nil, err
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}

	if namespace == "" {
		namespace = "default"
	}
	return &PostgresStorage{pool: pool, namespace: namespace}, nil
}

// EnsureSchema applies schema.sql. Safe to run multiple times.
func (p *PostgresStorage) EnsureSchema(ctx context.Context) error {
	_, err := p.pool.Exec(ctx, schemaSQL)
	return err
}

// Ping is used by the readiness endpoint.
func (p *PostgresStorage) Ping(ctx context.Context) error {
	return p.pool.Ping(ctx)
}

// Close shuts down the connection pool.
func (p *PostgresStorage) Close() {
	p.pool.Close()
}

func (p *PostgresStorage) Get(ctx context.Context, key string) (string, error) {
	var value string
	err := p.pool.QueryRow(ctx, `
		SELECT value
		FROM identity_values
		WHERE namespace=$1 AND key=$2
	`, p.namespace, key).Scan(&value)

	if errors.Is(err, pgx.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("select %s: %w", key, err)
	}
	return value, nil
}

func (p *PostgresStorage) Set(ctx context.Context, key, value string) error {
	_, err := p.pool.Exec(ctx, `
		INSERT INTO identity_values(namespace, key, value, updated_at)
		VALUES ($1,$2,$3,now())
		ON CONFLICT (namespace, key) DO UPDATE
		SET value=EXCLUDED.value, updated_at=EXCLUDED.updated_at
	`, p.namespace, key, value)
	if err != nil {
		return fmt.Errorf("upsert %s: %w", key, err)
	}
	return nil
}

func (p *PostgresStorage) Delete(ctx context.Context, key string) error {
	_, err := p.pool.Exec(ctx, `
		DELETE FROM identity_values
		WHERE namespace=$1 AND key=$2
	`, p.namespace, key)
	if err != nil {
		return fmt.Errorf("delete %s: %w", key, err)
	}
	return nil
}
