package database

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// EnsureClaimSchema creates the chunk and policy registry tables used by the
// postgres vector backend and registry.
func EnsureClaimSchema(ctx context.Context, pool *pgxpool.Pool, dimension int) error {
	if dimension <= 0 {
		return fmt.Errorf("embedding dimension must be positive")
	}

	stmts := []string{
		"CREATE EXTENSION IF NOT EXISTS vector",
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS claim_chunks (
			id UUID PRIMARY KEY,
			policy_id TEXT NOT NULL,
			chunk_index INT NOT NULL,
			content TEXT NOT NULL,
			locator TEXT NOT NULL DEFAULT '',
			embedding VECTOR(%d) NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			UNIQUE(policy_id, chunk_index)
		)`, dimension),
		"CREATE INDEX IF NOT EXISTS idx_claim_chunks_policy ON claim_chunks(policy_id)",
		"CREATE INDEX IF NOT EXISTS idx_claim_chunks_embedding ON claim_chunks USING ivfflat (embedding vector_cosine_ops)",
		`CREATE TABLE IF NOT EXISTS claim_policies (
			policy_id TEXT PRIMARY KEY,
			filename TEXT NOT NULL,
			insurer TEXT,
			policy_number TEXT,
			summary TEXT,
			pages INT NOT NULL DEFAULT 0,
			chunks INT NOT NULL DEFAULT 0,
			uploaded_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
	}

	for _, stmt := range stmts {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("execute schema statement: %w", err)
		}
	}

	return nil
}

func EnsureSQLiteSchema(ctx context.Context, db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS claim_policies (
			policy_id TEXT PRIMARY KEY,
			filename TEXT NOT NULL,
			insurer TEXT,
			policy_number TEXT,
			summary TEXT,
			pages INTEGER NOT NULL DEFAULT 0,
			chunks INTEGER NOT NULL DEFAULT 0,
			uploaded_at TEXT NOT NULL
		)`,
	}
	for _, stmt := range stmts {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("execute sqlite schema statement: %w", err)
		}
	}
	return nil
}
