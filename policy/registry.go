package policy

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/terellcodes/claim-assist/index"
	"github.com/terellcodes/claim-assist/model"
)

// Registry records metadata for every uploaded policy. Get returns an
// *index.NamespaceNotFoundError for unknown ids.
type Registry interface {
	Save(ctx context.Context, meta model.PolicyMetadata) error
	Get(ctx context.Context, policyID string) (model.PolicyMetadata, error)
	List(ctx context.Context) ([]model.PolicyMetadata, error)
	Delete(ctx context.Context, policyID string) error
}

type MemoryRegistry struct {
	mu       sync.RWMutex
	policies map[string]model.PolicyMetadata
}

func NewMemoryRegistry() *MemoryRegistry {
	return &MemoryRegistry{policies: make(map[string]model.PolicyMetadata)}
}

func (r *MemoryRegistry) Save(_ context.Context, meta model.PolicyMetadata) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.policies[meta.PolicyID] = meta
	return nil
}

func (r *MemoryRegistry) Get(_ context.Context, policyID string) (model.PolicyMetadata, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	meta, ok := r.policies[policyID]
	if !ok {
		return model.PolicyMetadata{}, &index.NamespaceNotFoundError{Namespace: policyID}
	}
	return meta, nil
}

func (r *MemoryRegistry) List(_ context.Context) ([]model.PolicyMetadata, error) {
	r.mu.RLock()
	out := make([]model.PolicyMetadata, 0, len(r.policies))
	for _, meta := range r.policies {
		out = append(out, meta)
	}
	r.mu.RUnlock()
	sortByUpload(out)
	return out, nil
}

func (r *MemoryRegistry) Delete(_ context.Context, policyID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.policies, policyID)
	return nil
}

func sortByUpload(list []model.PolicyMetadata) {
	sort.Slice(list, func(i, j int) bool {
		if !list[i].UploadedAt.Equal(list[j].UploadedAt) {
			return list[i].UploadedAt.After(list[j].UploadedAt)
		}
		return list[i].PolicyID < list[j].PolicyID
	})
}

// PostgresRegistry stores metadata in claim_policies next to the chunk table.
type PostgresRegistry struct {
	pool *pgxpool.Pool
}

func NewPostgresRegistry(pool *pgxpool.Pool) *PostgresRegistry {
	return &PostgresRegistry{pool: pool}
}

func (r *PostgresRegistry) Save(ctx context.Context, meta model.PolicyMetadata) error {
	_, err := r.pool.Exec(ctx, `
        INSERT INTO claim_policies (policy_id, filename, insurer, policy_number, summary, pages, chunks, uploaded_at)
        VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
        ON CONFLICT (policy_id) DO UPDATE SET
            filename = EXCLUDED.filename,
            insurer = EXCLUDED.insurer,
            policy_number = EXCLUDED.policy_number,
            summary = EXCLUDED.summary,
            pages = EXCLUDED.pages,
            chunks = EXCLUDED.chunks,
            uploaded_at = EXCLUDED.uploaded_at
    `, meta.PolicyID, meta.Filename, meta.Insurer, meta.PolicyNumber, meta.Summary, meta.TotalPages, meta.Chunks, meta.UploadedAt)
	if err != nil {
		return fmt.Errorf("save policy metadata: %w", err)
	}
	return nil
}

const postgresSelect = `SELECT policy_id, filename, COALESCE(insurer, ''), COALESCE(policy_number, ''),
        COALESCE(summary, ''), pages, chunks, uploaded_at FROM claim_policies`

func (r *PostgresRegistry) Get(ctx context.Context, policyID string) (model.PolicyMetadata, error) {
	row := r.pool.QueryRow(ctx, postgresSelect+` WHERE policy_id = $1`, policyID)
	meta, err := scanPolicy(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.PolicyMetadata{}, &index.NamespaceNotFoundError{Namespace: policyID}
	}
	if err != nil {
		return model.PolicyMetadata{}, fmt.Errorf("load policy metadata: %w", err)
	}
	return meta, nil
}

func (r *PostgresRegistry) List(ctx context.Context) ([]model.PolicyMetadata, error) {
	rows, err := r.pool.Query(ctx, postgresSelect+` ORDER BY uploaded_at DESC, policy_id`)
	if err != nil {
		return nil, fmt.Errorf("list policies: %w", err)
	}
	defer rows.Close()

	var out []model.PolicyMetadata
	for rows.Next() {
		meta, err := scanPolicy(rows)
		if err != nil {
			return nil, fmt.Errorf("scan policy: %w", err)
		}
		out = append(out, meta)
	}
	return out, rows.Err()
}

func (r *PostgresRegistry) Delete(ctx context.Context, policyID string) error {
	if _, err := r.pool.Exec(ctx, `DELETE FROM claim_policies WHERE policy_id = $1`, policyID); err != nil {
		return fmt.Errorf("delete policy metadata: %w", err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanPolicy(row rowScanner) (model.PolicyMetadata, error) {
	var meta model.PolicyMetadata
	err := row.Scan(&meta.PolicyID, &meta.Filename, &meta.Insurer, &meta.PolicyNumber,
		&meta.Summary, &meta.TotalPages, &meta.Chunks, &meta.UploadedAt)
	return meta, err
}

// SQLiteRegistry is the single-node registry. Timestamps are stored as
// RFC 3339 text.
type SQLiteRegistry struct {
	db *sql.DB
}

func NewSQLiteRegistry(db *sql.DB) *SQLiteRegistry {
	return &SQLiteRegistry{db: db}
}

func (r *SQLiteRegistry) Save(ctx context.Context, meta model.PolicyMetadata) error {
	_, err := r.db.ExecContext(ctx, `
        INSERT INTO claim_policies (policy_id, filename, insurer, policy_number, summary, pages, chunks, uploaded_at)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?)
        ON CONFLICT (policy_id) DO UPDATE SET
            filename = excluded.filename,
            insurer = excluded.insurer,
            policy_number = excluded.policy_number,
            summary = excluded.summary,
            pages = excluded.pages,
            chunks = excluded.chunks,
            uploaded_at = excluded.uploaded_at
    `, meta.PolicyID, meta.Filename, meta.Insurer, meta.PolicyNumber, meta.Summary,
		meta.TotalPages, meta.Chunks, meta.UploadedAt.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("save policy metadata: %w", err)
	}
	return nil
}

const sqliteSelect = `SELECT policy_id, filename, COALESCE(insurer, ''), COALESCE(policy_number, ''),
        COALESCE(summary, ''), pages, chunks, uploaded_at FROM claim_policies`

func (r *SQLiteRegistry) Get(ctx context.Context, policyID string) (model.PolicyMetadata, error) {
	row := r.db.QueryRowContext(ctx, sqliteSelect+` WHERE policy_id = ?`, policyID)
	meta, err := scanSQLitePolicy(row)
	if errors.Is(err, sql.ErrNoRows) {
		return model.PolicyMetadata{}, &index.NamespaceNotFoundError{Namespace: policyID}
	}
	if err != nil {
		return model.PolicyMetadata{}, fmt.Errorf("load policy metadata: %w", err)
	}
	return meta, nil
}

func (r *SQLiteRegistry) List(ctx context.Context) ([]model.PolicyMetadata, error) {
	rows, err := r.db.QueryContext(ctx, sqliteSelect+` ORDER BY uploaded_at DESC, policy_id`)
	if err != nil {
		return nil, fmt.Errorf("list policies: %w", err)
	}
	defer rows.Close()

	var out []model.PolicyMetadata
	for rows.Next() {
		meta, err := scanSQLitePolicy(rows)
		if err != nil {
			return nil, fmt.Errorf("scan policy: %w", err)
		}
		out = append(out, meta)
	}
	return out, rows.Err()
}

func (r *SQLiteRegistry) Delete(ctx context.Context, policyID string) error {
	if _, err := r.db.ExecContext(ctx, `DELETE FROM claim_policies WHERE policy_id = ?`, policyID); err != nil {
		return fmt.Errorf("delete policy metadata: %w", err)
	}
	return nil
}

func scanSQLitePolicy(row rowScanner) (model.PolicyMetadata, error) {
	var (
		meta     model.PolicyMetadata
		uploaded string
	)
	if err := row.Scan(&meta.PolicyID, &meta.Filename, &meta.Insurer, &meta.PolicyNumber,
		&meta.Summary, &meta.TotalPages, &meta.Chunks, &uploaded); err != nil {
		return meta, err
	}
	ts, err := time.Parse(time.RFC3339Nano, uploaded)
	if err != nil {
		return meta, fmt.Errorf("parse uploaded_at: %w", err)
	}
	meta.UploadedAt = ts
	return meta, nil
}

var (
	_ Registry = (*MemoryRegistry)(nil)
	_ Registry = (*PostgresRegistry)(nil)
	_ Registry = (*SQLiteRegistry)(nil)
)
