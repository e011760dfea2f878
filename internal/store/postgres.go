package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"yieldlock/internal/escrow"
)

// PostgresStore keeps each escrow as a JSONB document. Status is mirrored in
// its own column so conditional updates can check it under a row lock.
type PostgresStore struct {
	pool  *pgxpool.Pool
	owned bool
}

const createEscrowsSQL = `
CREATE TABLE IF NOT EXISTS escrows (
    id TEXT PRIMARY KEY,
    status TEXT NOT NULL,
    doc JSONB NOT NULL,
    created_at TIMESTAMPTZ NOT NULL,
    updated_at TIMESTAMPTZ NOT NULL
);
`

// NewPostgresStore connects using dsn and ensures the table exists.
func NewPostgresStore(ctx context.Context, dsn string) (*PostgresStore, error) {
	if dsn == "" {
		return nil, errors.New("postgres dsn is empty")
	}

	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, err
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	s, err := NewPostgresStoreFromPool(ctx, pool)
	if err != nil {
		pool.Close()
		return nil, err
	}
	s.owned = true
	return s, nil
}

// NewPostgresStoreFromPool shares an existing pool and ensures the table
// exists. Close leaves a shared pool open.
func NewPostgresStoreFromPool(ctx context.Context, pool *pgxpool.Pool) (*PostgresStore, error) {
	if _, err := pool.Exec(ctx, createEscrowsSQL); err != nil {
		return nil, err
	}
	return &PostgresStore{pool: pool}, nil
}

func (p *PostgresStore) Close() {
	if p.pool != nil && p.owned {
		p.pool.Close()
	}
}

func (p *PostgresStore) Ping(ctx context.Context) error {
	return p.pool.Ping(ctx)
}

func (p *PostgresStore) Create(ctx context.Context, e *escrow.Escrow) error {
	doc, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("encode escrow: %w", err)
	}
	now := time.Now().UTC()
	_, err = p.pool.Exec(ctx, `
INSERT INTO escrows (id, status, doc, created_at, updated_at)
VALUES ($1, $2, $3, $4, $5)
`, e.ID, string(e.Status), doc, e.CreatedAt, now)
	return err
}

func (p *PostgresStore) Get(ctx context.Context, id string) (*escrow.Escrow, error) {
	var doc []byte
	err := p.pool.QueryRow(ctx, `SELECT doc FROM escrows WHERE id = $1`, id).Scan(&doc)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, escrow.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return decode(doc)
}

func (p *PostgresStore) Update(ctx context.Context, id string, expect escrow.Status, fn func(*escrow.Escrow) error) (*escrow.Escrow, error) {
	var (
		out     *escrow.Escrow
		current *escrow.Escrow
	)
	err := pgx.BeginFunc(ctx, p.pool, func(tx pgx.Tx) error {
		cur, err := lockRow(ctx, tx, id)
		if err != nil {
			return err
		}
		current = cur
		if cur.Status != expect {
			return escrow.ErrConflict
		}
		next := cur.Clone()
		if err := fn(next); err != nil {
			return err
		}
		if err := writeRow(ctx, tx, next); err != nil {
			return err
		}
		out = next
		return nil
	})
	if err != nil {
		return current, err
	}
	return out, nil
}

func (p *PostgresStore) Annotate(ctx context.Context, id string, fn func(*escrow.Escrow)) error {
	return pgx.BeginFunc(ctx, p.pool, func(tx pgx.Tx) error {
		cur, err := lockRow(ctx, tx, id)
		if err != nil {
			return err
		}
		next := cur.Clone()
		fn(next)
		next.Status = cur.Status
		return writeRow(ctx, tx, next)
	})
}

func lockRow(ctx context.Context, tx pgx.Tx, id string) (*escrow.Escrow, error) {
	var doc []byte
	err := tx.QueryRow(ctx, `SELECT doc FROM escrows WHERE id = $1 FOR UPDATE`, id).Scan(&doc)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, escrow.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return decode(doc)
}

func writeRow(ctx context.Context, tx pgx.Tx, e *escrow.Escrow) error {
	doc, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("encode escrow: %w", err)
	}
	_, err = tx.Exec(ctx, `
UPDATE escrows SET status = $2, doc = $3, updated_at = $4 WHERE id = $1
`, e.ID, string(e.Status), doc, time.Now().UTC())
	return err
}

func decode(doc []byte) (*escrow.Escrow, error) {
	var e escrow.Escrow
	if err := json.Unmarshal(doc, &e); err != nil {
		return nil, fmt.Errorf("decode escrow: %w", err)
	}
	return &e, nil
}
