package auth

import (
	"context"
	"database/sql"
	"fmt"

	_ "github.com/lib/pq"
)

// PostgresRevocations is a token revocation list stored in PostgreSQL.
// Tokens are stored as SHA-256 hashes.
type PostgresRevocations struct {
	db *sql.DB
}

// NewPostgresRevocations connects to databaseURL and creates the table if it
// does not exist.
func NewPostgresRevocations(ctx context.Context, databaseURL string) (*PostgresRevocations, error) {
	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	_, err = db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS revoked_tokens (
			token_hash TEXT PRIMARY KEY,
			revoked_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("create revoked_tokens: %w", err)
	}
	return &PostgresRevocations{db: db}, nil
}

// IsRevoked reports whether tokenStr is on the revocation list.
func (p *PostgresRevocations) IsRevoked(ctx context.Context, tokenStr string) (bool, error) {
	var exists bool
	err := p.db.QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM revoked_tokens WHERE token_hash = $1)`,
		hashToken(tokenStr)).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("query revoked_tokens: %w", err)
	}
	return exists, nil
}

// Revoke adds tokenStr to the revocation list.
func (p *PostgresRevocations) Revoke(ctx context.Context, tokenStr string) error {
	_, err := p.db.ExecContext(ctx,
		`INSERT INTO revoked_tokens (token_hash) VALUES ($1) ON CONFLICT DO NOTHING`,
		hashToken(tokenStr))
	if err != nil {
		return fmt.Errorf("revoke token: %w", err)
	}
	return nil
}

// Close closes the database connection.
func (p *PostgresRevocations) Close() error {
	return p.db.Close()
}
