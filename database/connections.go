package database

import (
	"context"
	"database/sql"
	"fmt"
	"net/url"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
	"github.com/weaviate/weaviate-go-client/v5/weaviate"
	_ "modernc.org/sqlite"
)

func NewPostgresPool(ctx context.Context, dsn string) (*pgxpool.Pool, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("create postgres pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return pool, nil
}

func NewNeo4jDriver(ctx context.Context, uri, user, password string) (neo4j.DriverWithContext, error) {
	driver, err := neo4j.NewDriverWithContext(uri, neo4j.BasicAuth(user, password, ""))
	if err != nil {
		return nil, fmt.Errorf("create neo4j driver: %w", err)
	}
	if err := driver.VerifyConnectivity(ctx); err != nil {
		_ = driver.Close(ctx)
		return nil, fmt.Errorf("verify neo4j connectivity: %w", err)
	}
	return driver, nil
}

// NewWeaviateClient accepts either a bare host:port or a full http(s) URL.
func NewWeaviateClient(rawURL string) (*weaviate.Client, error) {
	cfg, err := WeaviateConfig(rawURL)
	if err != nil {
		return nil, err
	}
	client, err := weaviate.NewClient(cfg)
	if err != nil {
		return nil, fmt.Errorf("create weaviate client: %w", err)
	}
	return client, nil
}

func WeaviateConfig(rawURL string) (weaviate.Config, error) {
	if rawURL == "" {
		return weaviate.Config{}, fmt.Errorf("weaviate url is empty")
	}
	cfg := weaviate.Config{Host: rawURL, Scheme: "http"}
	parsed, err := url.Parse(rawURL)
	if err == nil && parsed.Host != "" {
		cfg.Host = parsed.Host
		if parsed.Scheme != "" {
			cfg.Scheme = parsed.Scheme
		}
	}
	return cfg, nil
}

// OpenSQLite opens (creating if needed) a pure-Go SQLite database and applies
// the policy registry schema.
func OpenSQLite(ctx context.Context, path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// modernc sqlite serializes writers; a single connection avoids SQLITE_BUSY.
	db.SetMaxOpenConns(1)
	if err := EnsureSQLiteSchema(ctx, db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return db, nil
}
