// Package store persists finished chapter enhancements.
package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Record is one cached chapter.
type Record struct {
	OriginalContent string    `json:"originalContent"`
	EnhancedContent string    `json:"enhancedContent"`
	Timestamp       time.Time `json:"timestamp"`
}

// Cache stores records by document key. Load returns nil, nil when no
// record exists.
type Cache interface {
	Save(ctx context.Context, key string, rec Record) error
	Load(ctx context.Context, key string) (*Record, error)
	Remove(ctx context.Context, key string) error
}

var _ Cache = (*Store)(nil)

// Store is the Postgres-backed cache.
type Store struct {
	pool *pgxpool.Pool
}

func New(ctx context.Context, databaseURL string) (*Store, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("connect to database: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return &Store{pool: pool}, nil
}

func (s *Store) Close() {
	s.pool.Close()
}

const schema = `
CREATE TABLE IF NOT EXISTS enhanced_chapters (
	key              TEXT PRIMARY KEY,
	original_content TEXT NOT NULL,
	enhanced_content TEXT NOT NULL,
	saved_at         TIMESTAMPTZ NOT NULL DEFAULT now()
)`

// Migrate creates the enhanced_chapters table if it does not exist.
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("create enhanced_chapters: %w", err)
	}
	return nil
}

func (s *Store) Save(ctx context.Context, key string, rec Record) error {
	if rec.Timestamp.IsZero() {
		rec.Timestamp = time.Now()
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO enhanced_chapters (key, original_content, enhanced_content, saved_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (key) DO UPDATE
		SET original_content = EXCLUDED.original_content,
		    enhanced_content = EXCLUDED.enhanced_content,
		    saved_at = EXCLUDED.saved_at`,
		key, rec.OriginalContent, rec.EnhancedContent, rec.Timestamp,
	)
	if err != nil {
		return fmt.Errorf("upsert enhanced_chapter: %w", err)
	}
	return nil
}

func (s *Store) Load(ctx context.Context, key string) (*Record, error) {
	var rec Record
	err := s.pool.QueryRow(ctx, `
		SELECT original_content, enhanced_content, saved_at
		FROM enhanced_chapters WHERE key = $1`, key,
	).Scan(&rec.OriginalContent, &rec.EnhancedContent, &rec.Timestamp)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load enhanced_chapter: %w", err)
	}
	return &rec, nil
}

func (s *Store) Remove(ctx context.Context, key string) error {
	if _, err := s.pool.Exec(ctx, `DELETE FROM enhanced_chapters WHERE key = $1`, key); err != nil {
		return fmt.Errorf("delete enhanced_chapter: %w", err)
	}
	return nil
}
