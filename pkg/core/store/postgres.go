package store

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresRepo is the shared backend. Documents and results are stored as
// JSONB.
type PostgresRepo struct {
	repo
	pool *pgxpool.Pool
}

// NewPostgresRepo wraps p. A nil pool uses the one set up by InitDB.
func NewPostgresRepo(p *pgxpool.Pool) (*PostgresRepo, error) {
	if p == nil {
		p = GetPool()
	}
	if p == nil {
		return nil, fmt.Errorf("postgres pool not initialized")
	}
	return &PostgresRepo{repo: repo{db: pgConn{p}}, pool: p}, nil
}

// EnsureSchema creates the tables when missing.
func (r *PostgresRepo) EnsureSchema(ctx context.Context) error {
	schema, err := migrationsFS.ReadFile("migrations/postgres/schema.sql")
	if err != nil {
		return fmt.Errorf("failed to read schema: %w", err)
	}
	if _, err := r.pool.Exec(ctx, string(schema)); err != nil {
		return fmt.Errorf("failed to apply schema: %w", err)
	}
	return nil
}

type pgConn struct {
	pool *pgxpool.Pool
}

func (c pgConn) exec(ctx context.Context, q string, args ...any) error {
	_, err := c.pool.Exec(ctx, rebind(q), args...)
	return err
}

func (c pgConn) queryRow(ctx context.Context, q string, args ...any) rowScanner {
	return c.pool.QueryRow(ctx, rebind(q), args...)
}

func (c pgConn) query(ctx context.Context, q string, args ...any) (rowIter, error) {
	return c.pool.Query(ctx, rebind(q), args...)
}

func (c pgConn) noRows(err error) bool {
	return errors.Is(err, pgx.ErrNoRows)
}

// rebind turns ? placeholders into $1, $2, ... Queries carry no literal
// question marks.
func rebind(q string) string {
	var b strings.Builder
	b.Grow(len(q) + 8)
	n := 0
	for _, r := range q {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}
