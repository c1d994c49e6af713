// Package postgres commits entries to a Postgres documents table.
package postgres

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/JakeFAU/webimporter/internal/committer"
	pgstore "github.com/JakeFAU/webimporter/internal/storage/postgres"
)

// Committer upserts one row per reference.
type Committer struct {
	db    pgstore.DB
	table string
	// owned pools are closed by Close.
	owned bool
}

// New opens a pool from cfg and returns a Committer over table.
func New(ctx context.Context, cfg pgstore.Config, table string) (*Committer, error) {
	if err := pgstore.ValidateTable(table); err != nil {
		return nil, err
	}
	pool, err := pgstore.NewPool(ctx, cfg)
	if err != nil {
		return nil, err
	}
	c := &Committer{db: pool, table: table, owned: true}
	if cfg.Migrate {
		if err := c.Migrate(ctx); err != nil {
			pool.Close()
			return nil, err
		}
	}
	return c, nil
}

// NewWithDB uses an existing connection; Close leaves it open.
func NewWithDB(db pgstore.DB, table string) (*Committer, error) {
	if db == nil {
		return nil, fmt.Errorf("pool is required")
	}
	if err := pgstore.ValidateTable(table); err != nil {
		return nil, err
	}
	return &Committer{db: db, table: table}, nil
}

// Migrate creates the documents table when missing.
func (c *Committer) Migrate(ctx context.Context) error {
	stmt := fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %s (
	reference    TEXT PRIMARY KEY,
	content_type TEXT NOT NULL DEFAULT '',
	metadata     JSONB NOT NULL,
	content      TEXT NOT NULL DEFAULT '',
	committed_at TIMESTAMPTZ NOT NULL
)`, c.table)
	if _, err := c.db.Exec(ctx, stmt); err != nil {
		return fmt.Errorf("migrate %s: %w", c.table, err)
	}
	return nil
}

// Upsert inserts or replaces the row for entry.Reference.
func (c *Committer) Upsert(ctx context.Context, entry committer.Entry) error {
	if err := entry.Validate(); err != nil {
		return err
	}
	md, err := json.Marshal(entry.Metadata)
	if err != nil {
		return fmt.Errorf("marshal metadata: %w", err)
	}
	stmt := fmt.Sprintf(`
INSERT INTO %s (reference, content_type, metadata, content, committed_at)
VALUES ($1, $2, $3, $4, $5)
ON CONFLICT (reference) DO UPDATE SET
	content_type = EXCLUDED.content_type,
	metadata = EXCLUDED.metadata,
	content = EXCLUDED.content,
	committed_at = EXCLUDED.committed_at`, c.table)
	if _, err := c.db.Exec(ctx, stmt, entry.Reference, entry.ContentType, md, entry.Content, entry.CommittedAt); err != nil {
		return fmt.Errorf("upsert %s: %w", entry.Reference, err)
	}
	return nil
}

// Delete removes the row for reference.
func (c *Committer) Delete(ctx context.Context, reference string) error {
	stmt := fmt.Sprintf(`DELETE FROM %s WHERE reference = $1`, c.table)
	if _, err := c.db.Exec(ctx, stmt, reference); err != nil {
		return fmt.Errorf("delete %s: %w", reference, err)
	}
	return nil
}

// Close releases the pool when the committer opened it.
func (c *Committer) Close(context.Context) error {
	if c.owned {
		c.db.Close()
	}
	return nil
}
