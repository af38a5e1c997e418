package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/MrWong99/babelcast/pkg/subtitle"
)

// Compile-time interface check.
var _ subtitle.Store = (*Store)(nil)

// Store is the PostgreSQL-backed subtitle cache. It holds a single
// [pgxpool.Pool]. All operations are safe for concurrent use.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore creates a connection pool to the database at dsn, verifies it with
// a ping and runs [Migrate].
func NewStore(ctx context.Context, dsn string) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres store: parse dsn: %w", err)
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("postgres store: create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres store: ping: %w", err)
	}

	if err := Migrate(ctx, pool); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres store: migrate: %w", err)
	}

	return &Store{pool: pool}, nil
}

// Ping checks database connectivity. Used by readiness probes.
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Close releases all connections held by the pool.
func (s *Store) Close() {
	s.pool.Close()
}

const selectRecord = `
	SELECT content_id, original_language, utterances, translations,
	       frozen, title, duration_ms, updated_at
	FROM   subtitle_cache
	WHERE  content_id = $1`

// Lookup implements [subtitle.Store].
func (s *Store) Lookup(ctx context.Context, contentID, lang string) (subtitle.LookupResult, error) {
	rec, err := s.Get(ctx, contentID)
	if errors.Is(err, subtitle.ErrNotFound) {
		return subtitle.LookupResult{Kind: subtitle.Miss}, nil
	}
	if err != nil {
		return subtitle.LookupResult{}, err
	}
	return subtitle.Classify(rec, lang), nil
}

// Get implements [subtitle.Store].
func (s *Store) Get(ctx context.Context, contentID string) (subtitle.Record, error) {
	var (
		rec       subtitle.Record
		uttsJSON  []byte
		transJSON []byte
	)
	err := s.pool.QueryRow(ctx, selectRecord, contentID).Scan(
		&rec.ContentID,
		&rec.OriginalLanguage,
		&uttsJSON,
		&transJSON,
		&rec.Frozen,
		&rec.Title,
		&rec.DurationMs,
		&rec.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return subtitle.Record{}, subtitle.ErrNotFound
	}
	if err != nil {
		return subtitle.Record{}, fmt.Errorf("%w: get %q: %w", subtitle.ErrStorageUnavailable, contentID, err)
	}
	if err := json.Unmarshal(uttsJSON, &rec.Utterances); err != nil {
		return subtitle.Record{}, fmt.Errorf("postgres store: decode utterances: %w", err)
	}
	if err := json.Unmarshal(transJSON, &rec.Translations); err != nil {
		return subtitle.Record{}, fmt.Errorf("postgres store: decode translations: %w", err)
	}
	if rec.Translations == nil {
		rec.Translations = make(map[string]subtitle.TranslationSet)
	}
	return rec, nil
}

// CreateOrAppendOriginal implements [subtitle.Store]. Creation and append run
// in one transaction; the existing row is locked with FOR UPDATE so two live
// writers for the same content cannot interleave.
func (s *Store) CreateOrAppendOriginal(ctx context.Context, contentID, originalLanguage string, utts []subtitle.Utterance) error {
	if utts == nil {
		utts = []subtitle.Utterance{}
	}
	payload, err := json.Marshal(utts)
	if err != nil {
		return fmt.Errorf("postgres store: encode utterances: %w", err)
	}

	if err := subtitle.ValidateUtterances(0, utts); err != nil {
		return err
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("%w: begin: %w", subtitle.ErrStorageUnavailable, err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	const insert = `
		INSERT INTO subtitle_cache (content_id, original_language, utterances)
		VALUES ($1, $2, $3::jsonb)
		ON CONFLICT (content_id) DO NOTHING`
	tag, err := tx.Exec(ctx, insert, contentID, originalLanguage, string(payload))
	if err != nil {
		return fmt.Errorf("%w: insert %q: %w", subtitle.ErrStorageUnavailable, contentID, err)
	}
	if tag.RowsAffected() == 1 {
		return commit(ctx, tx)
	}

	const lock = `
		SELECT original_language, frozen,
		       COALESCE((utterances -> -1 ->> 'start_ms')::bigint, 0)
		FROM   subtitle_cache
		WHERE  content_id = $1
		FOR UPDATE`
	var (
		lang      string
		frozen    bool
		lastStart int64
	)
	if err := tx.QueryRow(ctx, lock, contentID).Scan(&lang, &frozen, &lastStart); err != nil {
		return fmt.Errorf("%w: lock %q: %w", subtitle.ErrStorageUnavailable, contentID, err)
	}
	if frozen {
		return subtitle.ErrAlreadyFinalized
	}
	if lang != originalLanguage {
		return fmt.Errorf("%w: have %q, got %q", subtitle.ErrLanguageMismatch, lang, originalLanguage)
	}
	if err := subtitle.ValidateUtterances(lastStart, utts); err != nil {
		return err
	}

	const appendQ = `
		UPDATE subtitle_cache
		SET    utterances = utterances || $2::jsonb,
		       updated_at = now()
		WHERE  content_id = $1`
	if _, err := tx.Exec(ctx, appendQ, contentID, string(payload)); err != nil {
		return fmt.Errorf("%w: append %q: %w", subtitle.ErrStorageUnavailable, contentID, err)
	}
	return commit(ctx, tx)
}

// SetMetadata implements [subtitle.Store].
func (s *Store) SetMetadata(ctx context.Context, contentID, title string, durationMs int64) error {
	const q = `
		UPDATE subtitle_cache
		SET    title       = CASE WHEN $2 = '' THEN title ELSE $2 END,
		       duration_ms = CASE WHEN $3 > 0 THEN $3 ELSE duration_ms END,
		       updated_at  = now()
		WHERE  content_id = $1`
	tag, err := s.pool.Exec(ctx, q, contentID, title, durationMs)
	if err != nil {
		return fmt.Errorf("%w: set metadata %q: %w", subtitle.ErrStorageUnavailable, contentID, err)
	}
	if tag.RowsAffected() == 0 {
		return subtitle.ErrNotFound
	}
	return nil
}

// Freeze implements [subtitle.Store].
func (s *Store) Freeze(ctx context.Context, contentID string) error {
	const q = `
		UPDATE subtitle_cache
		SET    frozen     = true,
		       updated_at = CASE WHEN frozen THEN updated_at ELSE now() END
		WHERE  content_id = $1`
	tag, err := s.pool.Exec(ctx, q, contentID)
	if err != nil {
		return fmt.Errorf("%w: freeze %q: %w", subtitle.ErrStorageUnavailable, contentID, err)
	}
	if tag.RowsAffected() == 0 {
		return subtitle.ErrNotFound
	}
	return nil
}

// MergeTranslations implements [subtitle.Store]. The insert is a single
// conditional UPDATE guarded by NOT (translations ? lang), so concurrent
// writers for the same language resolve to exactly one winner inside
// PostgreSQL.
func (s *Store) MergeTranslations(ctx context.Context, contentID, lang string, set subtitle.TranslationSet) (bool, error) {
	if set == nil {
		set = subtitle.TranslationSet{}
	}
	payload, err := json.Marshal(set)
	if err != nil {
		return false, fmt.Errorf("postgres store: encode translations: %w", err)
	}

	const merge = `
		UPDATE subtitle_cache
		SET    translations = translations || jsonb_build_object($2::text, $3::jsonb),
		       updated_at   = now()
		WHERE  content_id = $1
		  AND  frozen
		  AND  original_language <> $2
		  AND  NOT (translations ? $2)
		  AND  jsonb_array_length(utterances) = $4`
	tag, err := s.pool.Exec(ctx, merge, contentID, lang, string(payload), len(set))
	if err != nil {
		return false, fmt.Errorf("%w: merge %q/%s: %w", subtitle.ErrStorageUnavailable, contentID, lang, err)
	}
	if tag.RowsAffected() == 1 {
		return true, nil
	}
	return false, s.explainRejectedMerge(ctx, contentID, lang, len(set))
}

// explainRejectedMerge maps a merge that touched no row to the matching
// outcome. A nil return means the call was a benign no-op.
func (s *Store) explainRejectedMerge(ctx context.Context, contentID, lang string, n int) error {
	const q = `
		SELECT original_language, frozen, translations ? $2, jsonb_array_length(utterances)
		FROM   subtitle_cache
		WHERE  content_id = $1`
	var (
		original string
		frozen   bool
		exists   bool
		count    int
	)
	err := s.pool.QueryRow(ctx, q, contentID, lang).Scan(&original, &frozen, &exists, &count)
	if errors.Is(err, pgx.ErrNoRows) {
		return subtitle.ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("%w: inspect %q: %w", subtitle.ErrStorageUnavailable, contentID, err)
	}
	switch {
	case original == lang, exists:
		return nil
	case !frozen:
		return subtitle.ErrRecordOpen
	case count != n:
		return fmt.Errorf("%w: %d translations for %d utterances", subtitle.ErrMisaligned, n, count)
	default:
		return nil
	}
}

func commit(ctx context.Context, tx pgx.Tx) error {
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("%w: commit: %w", subtitle.ErrStorageUnavailable, err)
	}
	return nil
}

// Prune deletes frozen records not updated within maxAge and returns the
// number of removed rows. A non-positive maxAge is a no-op.
func (s *Store) Prune(ctx context.Context, maxAge time.Duration) (int64, error) {
	if maxAge <= 0 {
		return 0, nil
	}
	const q = `DELETE FROM subtitle_cache WHERE frozen AND updated_at < $1`
	tag, err := s.pool.Exec(ctx, q, time.Now().Add(-maxAge))
	if err != nil {
		return 0, fmt.Errorf("%w: prune: %w", subtitle.ErrStorageUnavailable, err)
	}
	return tag.RowsAffected(), nil
}
