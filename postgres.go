package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
)

// PostgresDatabase stores tree heads in a Postgres table. Connections
// are made per operation. Only connecting is bounded by connTimeout;
// queries run under the caller's context with no deadline of their own.
type PostgresDatabase struct {
	dsn         string
	connTimeout time.Duration
}

func NewPostgresDatabase(host string, port int, user string, dbname string) *PostgresDatabase {
	// N.B. default_query_exec_mode=exec because the default uses
	// statement caching, which doesn't work behind pgbouncer.
	dsn := fmt.Sprintf("postgres://%s@%s:%d/%s?sslmode=disable&default_query_exec_mode=exec", user, host, port, dbname)
	return &PostgresDatabase{
		dsn:         dsn,
		connTimeout: 2 * time.Second,
	}
}

func (d *PostgresDatabase) connect(ctx context.Context) (*pgx.Conn, error) {
	ctx, cancel := context.WithTimeout(ctx, d.connTimeout)
	defer cancel()

	conn, err := pgx.Connect(ctx, d.dsn)
	if err != nil {
		return nil, fmt.Errorf("pgx connect error: %w", err)
	}
	return conn, nil
}

// InitSchema creates the tree_heads table if it doesn't exist yet.
func (d *PostgresDatabase) InitSchema(ctx context.Context) error {
	conn, err := d.connect(ctx)
	if err != nil {
		return fmt.Errorf("failed to connect for schema init: %w", err)
	}
	defer conn.Close(ctx)

	_, err = conn.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS tree_heads (
			timestamp BIGINT PRIMARY KEY,
			tree_size BIGINT NOT NULL,
			version INT NOT NULL,
			key_id BYTEA NOT NULL,
			root_hash BYTEA NOT NULL,
			signature BYTEA
		)`)
	if err != nil {
		return fmt.Errorf("failed to create tree_heads table: %w", err)
	}

	return nil
}

func (d *PostgresDatabase) LatestTreeHead(ctx context.Context) (*SignedTreeHead, error) {
	conn, err := d.connect(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to Postgres: %w", err)
	}
	defer conn.Close(ctx)

	var sth SignedTreeHead
	err = conn.QueryRow(ctx, `
		SELECT version, key_id, tree_size, timestamp, root_hash, signature
		FROM tree_heads
		ORDER BY timestamp DESC
		LIMIT 1`,
	).Scan(&sth.Version, &sth.KeyID, &sth.TreeSize, &sth.Timestamp, &sth.SHA256RootHash, &sth.Signature)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNoTreeHead
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query latest tree head: %w", err)
	}

	return &sth, nil
}

func (d *PostgresDatabase) WriteTreeHead(ctx context.Context, sth SignedTreeHead) error {
	conn, err := d.connect(ctx)
	if err != nil {
		return fmt.Errorf("failed to connect to Postgres: %w", err)
	}
	defer conn.Close(ctx)

	_, err = conn.Exec(ctx, `
		INSERT INTO tree_heads (timestamp, tree_size, version, key_id, root_hash, signature)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (timestamp) DO NOTHING`,
		sth.Timestamp, sth.TreeSize, sth.Version, sth.KeyID, sth.SHA256RootHash, sth.Signature)
	if err != nil {
		return fmt.Errorf("failed to insert tree head: %w", err)
	}

	return nil
}
