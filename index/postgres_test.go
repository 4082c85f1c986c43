package index

import (
	"context"
	"os"
	"testing"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/terellcodes/claim-assist/database"
)

func TestProbesStatementIsTransactionScoped(t *testing.T) {
	assert.Equal(t, "SET LOCAL ivfflat.probes = 10", probesStatement(0))
	assert.Equal(t, "SET LOCAL ivfflat.probes = 50", probesStatement(5))
}

func TestPostgresSearchLeavesProbesUnset(t *testing.T) {
	if os.Getenv("RUN_DB_INTEGRATION_TESTS") != "1" {
		t.Skip("set RUN_DB_INTEGRATION_TESTS=1 to run database integration tests")
	}
	dsn := os.Getenv("POSTGRES_DSN")
	if dsn == "" {
		t.Skip("POSTGRES_DSN not set")
	}

	ctx := context.Background()
	cfg, err := pgxpool.ParseConfig(dsn)
	require.NoError(t, err)
	cfg.MaxConns = 1
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	require.NoError(t, err)
	defer pool.Close()
	require.NoError(t, database.EnsureClaimSchema(ctx, pool, 8))

	var before string
	require.NoError(t, pool.QueryRow(ctx, "SHOW ivfflat.probes").Scan(&before))

	backend := NewPostgresBackend(pool)
	_, err = backend.Search(ctx, "unknown_policy", []float32{1, 0, 0, 0, 0, 0, 0, 0}, 5)
	require.NoError(t, err)

	var after string
	require.NoError(t, pool.QueryRow(ctx, "SHOW ivfflat.probes").Scan(&after))
	assert.Equal(t, before, after)
}
