package index

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pgvector/pgvector-go"
)

// PostgresBackend stores chunks in the claim_chunks table created by
// database.EnsureClaimSchema.
type PostgresBackend struct {
	pool *pgxpool.Pool
}

func NewPostgresBackend(pool *pgxpool.Pool) *PostgresBackend {
	return &PostgresBackend{pool: pool}
}

func (b *PostgresBackend) Write(ctx context.Context, namespace string, chunks []Chunk) error {
	if b.pool == nil {
		return fmt.Errorf("postgres pool is nil")
	}

	tx, err := b.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() {
		_ = tx.Rollback(ctx)
	}()

	batch := &pgx.Batch{}
	for _, c := range chunks {
		batch.Queue(`
            INSERT INTO claim_chunks (id, policy_id, chunk_index, content, locator, embedding)
            VALUES ($1, $2, $3, $4, $5, $6)
            ON CONFLICT (policy_id, chunk_index) DO NOTHING
        `, c.ID, namespace, c.Index, c.Text, c.Locator, pgvector.NewVector(c.Embedding))
	}
	if err := tx.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("insert chunks: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

func (b *PostgresBackend) Search(ctx context.Context, namespace string, vector []float32, k int) ([]Match, error) {
	if b.pool == nil {
		return nil, fmt.Errorf("postgres pool is nil")
	}
	if len(vector) == 0 {
		return nil, fmt.Errorf("embedding is empty")
	}
	if k <= 0 {
		k = 5
	}

	// SET LOCAL scopes the probe count to this read-only transaction, so the
	// pooled connection goes back with the server default.
	tx, err := b.pool.BeginTx(ctx, pgx.TxOptions{AccessMode: pgx.ReadOnly})
	if err != nil {
		return nil, fmt.Errorf("begin search transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if _, err := tx.Exec(ctx, probesStatement(k)); err != nil {
		return nil, fmt.Errorf("set ivfflat probes: %w", err)
	}

	rows, err := tx.Query(ctx, `
        SELECT
            id::text,
            chunk_index,
            content,
            locator,
            (embedding <=> $2::vector) AS distance
        FROM claim_chunks
        WHERE policy_id = $1
        ORDER BY embedding <=> $2::vector, chunk_index
        LIMIT $3
    `, namespace, pgvector.NewVector(vector), k)
	if err != nil {
		return nil, fmt.Errorf("query similar chunks: %w", err)
	}
	defer rows.Close()

	results := make([]Match, 0, k)
	for rows.Next() {
		item := Match{Chunk: Chunk{Namespace: namespace}}
		var distance float64
		if scanErr := rows.Scan(&item.ID, &item.Index, &item.Text, &item.Locator, &distance); scanErr != nil {
			return nil, fmt.Errorf("scan similar chunk: %w", scanErr)
		}
		item.Score = 1 - distance
		results = append(results, item)
	}

	if rows.Err() != nil {
		return nil, rows.Err()
	}
	rows.Close()

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit search transaction: %w", err)
	}
	return results, nil
}

// probesStatement sizes ivfflat.probes for k. The policy_id filter runs after
// the ANN scan, so it probes generously.
func probesStatement(k int) string {
	probes := k * 10
	if probes < 10 {
		probes = 10
	}
	return fmt.Sprintf("SET LOCAL ivfflat.probes = %d", probes)
}

func (b *PostgresBackend) Count(ctx context.Context, namespace string) (int, error) {
	if b.pool == nil {
		return 0, fmt.Errorf("postgres pool is nil")
	}
	var count int
	if err := b.pool.QueryRow(ctx, "SELECT COUNT(*) FROM claim_chunks WHERE policy_id = $1", namespace).Scan(&count); err != nil {
		return 0, fmt.Errorf("count chunks: %w", err)
	}
	return count, nil
}

func (b *PostgresBackend) Drop(ctx context.Context, namespace string) error {
	if b.pool == nil {
		return fmt.Errorf("postgres pool is nil")
	}
	if _, err := b.pool.Exec(ctx, "DELETE FROM claim_chunks WHERE policy_id = $1", namespace); err != nil {
		return fmt.Errorf("delete chunks: %w", err)
	}
	return nil
}

var _ Backend = (*PostgresBackend)(nil)
