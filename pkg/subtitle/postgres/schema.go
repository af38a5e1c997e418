// Package postgres provides a PostgreSQL-backed implementation of
// [subtitle.Store].
//
// Each content identity is one row in the subtitle_cache table. The original
// utterance sequence and the per-language translation sets are stored as
// JSONB so that translation merges can be expressed as a single conditional
// UPDATE, which gives first-writer-wins semantics without application locks.
//
// Usage:
//
//	store, err := postgres.NewStore(ctx, dsn)
//	if err != nil { … }
//	defer store.Close()
//
//	res, _ := store.Lookup(ctx, "v1", "ko")
package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

const ddlSubtitleCache = `
CREATE TABLE IF NOT EXISTS subtitle_cache (
    content_id         TEXT         PRIMARY KEY,
    original_language  TEXT         NOT NULL,
    utterances         JSONB        NOT NULL DEFAULT '[]',
    translations       JSONB        NOT NULL DEFAULT '{}',
    frozen             BOOLEAN      NOT NULL DEFAULT false,
    title              TEXT         NOT NULL DEFAULT '',
    duration_ms        BIGINT       NOT NULL DEFAULT 0,
    created_at         TIMESTAMPTZ  NOT NULL DEFAULT now(),
    updated_at         TIMESTAMPTZ  NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_subtitle_cache_updated_at
    ON subtitle_cache (updated_at);
`

// Migrate creates the subtitle_cache table if it does not exist. It is
// idempotent and safe to call on every application start.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	if _, err := pool.Exec(ctx, ddlSubtitleCache); err != nil {
		return fmt.Errorf("postgres migrate: %w", err)
	}
	return nil
}
