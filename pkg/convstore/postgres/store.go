// Package postgres implements convstore.Store on PostgreSQL. Semantic recall
// uses the pgvector extension; everything else is plain relational SQL over
// a pgxpool connection pool.
package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	pgxvec "github.com/pgvector/pgvector-go/pgx"

	"github.com/voxgate/voxgate/pkg/convstore"
)

const (
	// defaultDimensions is the embedding column width when the config does
	// not specify one. Matches text-embedding-3-small.
	defaultDimensions = 1536

	// defaultContextTokens bounds GetContext when the caller passes 0.
	defaultContextTokens = 4096

	// contextRowLimit caps how many rows a context query fetches before
	// token trimming. Generously above any realistic token budget.
	contextRowLimit = 512
)

// Config holds the connection and sizing parameters for a Store.
type Config struct {
	// DSN is the PostgreSQL connection string.
	DSN string

	// EmbeddingDimensions is the width of the messages.embedding column.
	// It must match the embedding provider's Dimensions(). Defaults to
	// 1536.
	EmbeddingDimensions int

	// DefaultContextTokens is the token budget applied when GetContext is
	// called with maxTokens 0. Defaults to 4096.
	DefaultContextTokens int
}

// Store implements convstore.Store backed by PostgreSQL. Safe for
// concurrent use; the embedded pool handles connection management.
type Store struct {
	pool          *pgxpool.Pool
	dims          int
	contextTokens int
}

// NewStore connects to PostgreSQL, registers pgvector types on every
// connection, verifies connectivity, and applies schema migrations.
func NewStore(ctx context.Context, cfg Config) (*Store, error) {
	if cfg.DSN == "" {
		return nil, errors.New("postgres: dsn must not be empty")
	}
	if cfg.EmbeddingDimensions <= 0 {
		cfg.EmbeddingDimensions = defaultDimensions
	}
	if cfg.DefaultContextTokens <= 0 {
		cfg.DefaultContextTokens = defaultContextTokens
	}

	pc, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("postgres: parse dsn: %w", err)
	}
	pc.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		return pgxvec.RegisterTypes(ctx, conn)
	}

	pool, err := pgxpool.NewWithConfig(ctx, pc)
	if err != nil {
		return nil, fmt.Errorf("postgres: create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres: ping: %w", err)
	}

	s := &Store{
		pool:          pool,
		dims:          cfg.EmbeddingDimensions,
		contextTokens: cfg.DefaultContextTokens,
	}
	if err := s.migrate(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

// Ping implements convstore.Store.
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Close releases the connection pool. The Store is unusable afterwards.
func (s *Store) Close() {
	s.pool.Close()
}

// Interface check: Store must satisfy the full persistence contract.
var _ convstore.Store = (*Store)(nil)
