// Package pool provides PostgreSQL-backed storage for the match pool: the
// waiting-to-be-matched registration records and the pairing operation that
// links two of them. The language-intersection compatibility rule lives
// here, server-side, so clients can treat pairing as an opaque contract.
package pool

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/barmate/match-app/internal/backend"
)

// Store manages match_pool rows in PostgreSQL.
type Store struct {
	db *sql.DB
}

// NewStore creates a pool store backed by the given database handle.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// Insert registers a new waiting entry and returns the issued id.
func (s *Store) Insert(ctx context.Context, e backend.Entry) (string, error) {
	id := uuid.New().String()
	now := time.Now().UTC()

	const query = `
		INSERT INTO match_pool (id, name, contact, languages, status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $6)`

	_, err := s.db.ExecContext(ctx, query,
		id, e.Name, e.Contact, pq.Array(e.Languages), backend.StatusWaiting, now)
	if err != nil {
		return "", fmt.Errorf("pool: insert entry: %w", err)
	}
	return id, nil
}

// Get retrieves an entry by id. Returns nil if not found.
func (s *Store) Get(ctx context.Context, id string) (*backend.Entry, error) {
	const query = `
		SELECT id, name, contact, languages, status, COALESCE(matched_with_id::text, ''), created_at, updated_at
		FROM match_pool
		WHERE id = $1`

	var e backend.Entry
	var langs pq.StringArray
	err := s.db.QueryRowContext(ctx, query, id).Scan(
		&e.ID, &e.Name, &e.Contact, &langs, &e.Status, &e.MatchedWithID, &e.CreatedAt, &e.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("pool: get entry %s: %w", id, err)
	}
	e.Languages = []string(langs)
	return &e, nil
}

// Update applies a partial update to an entry. Nil fields are untouched; a
// non-nil empty MatchedWithID clears the pairing.
func (s *Store) Update(ctx context.Context, id string, upd backend.EntryUpdate) error {
	const query = `
		UPDATE match_pool
		SET status          = COALESCE($2, status),
		    matched_with_id = CASE WHEN $3 THEN NULLIF($4, '')::uuid ELSE matched_with_id END,
		    updated_at      = $5
		WHERE id = $1`

	setMatched := upd.MatchedWithID != nil
	matched := ""
	if setMatched {
		matched = *upd.MatchedWithID
	}

	res, err := s.db.ExecContext(ctx, query, id, upd.Status, setMatched, matched, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("pool: update entry %s: %w", id, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("pool: update entry %s: not found", id)
	}
	return nil
}

// FindMatch pairs the given waiting entry with the oldest other waiting
// entry whose language set intersects the supplied one. Both rows are moved
// to matched in a single transaction. Returns the partner id, or "" when no
// compatible entry is waiting.
func (s *Store) FindMatch(ctx context.Context, id string, languages []string) (string, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return "", fmt.Errorf("pool: begin pairing tx: %w", err)
	}
	defer tx.Rollback()

	// SKIP LOCKED keeps two concurrent pairing attempts from fighting over
	// the same candidate.
	const candidateQuery = `
		SELECT id FROM match_pool
		WHERE status = 'waiting' AND id <> $1 AND languages && $2
		ORDER BY created_at
		LIMIT 1
		FOR UPDATE SKIP LOCKED`

	var partnerID string
	err = tx.QueryRowContext(ctx, candidateQuery, id, pq.Array(languages)).Scan(&partnerID)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("pool: select candidate: %w", err)
	}

	if err := pairInTx(ctx, tx, id, partnerID); err != nil {
		return "", err
	}
	if err := tx.Commit(); err != nil {
		return "", fmt.Errorf("pool: commit pairing: %w", err)
	}
	return partnerID, nil
}

// Pair links two specific entries as partners. Used by the background
// matcher once it has chosen a candidate. Returns an error if either entry
// is no longer waiting.
func (s *Store) Pair(ctx context.Context, a, b string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("pool: begin pairing tx: %w", err)
	}
	defer tx.Rollback()

	const guardQuery = `
		SELECT COUNT(*) FROM match_pool
		WHERE id = ANY($1) AND status = 'waiting'
		FOR UPDATE`

	var waiting int
	if err := tx.QueryRowContext(ctx, guardQuery, pq.Array([]string{a, b})).Scan(&waiting); err != nil {
		return fmt.Errorf("pool: guard pairing: %w", err)
	}
	if waiting != 2 {
		return fmt.Errorf("pool: pair %s/%s: entries no longer waiting", a, b)
	}

	if err := pairInTx(ctx, tx, a, b); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("pool: commit pairing: %w", err)
	}
	return nil
}

func pairInTx(ctx context.Context, tx *sql.Tx, a, b string) error {
	const query = `
		UPDATE match_pool
		SET status = 'matched', matched_with_id = $2, updated_at = NOW()
		WHERE id = $1`

	if _, err := tx.ExecContext(ctx, query, a, b); err != nil {
		return fmt.Errorf("pool: mark %s matched: %w", a, err)
	}
	if _, err := tx.ExecContext(ctx, query, b, a); err != nil {
		return fmt.Errorf("pool: mark %s matched: %w", b, err)
	}
	return nil
}

// DeleteStale removes entries untouched for longer than the given age.
// Returns the ids removed so the caller can clean up derived state.
func (s *Store) DeleteStale(ctx context.Context, age time.Duration) ([]string, error) {
	const query = `
		DELETE FROM match_pool
		WHERE updated_at < $1
		RETURNING id`

	rows, err := s.db.QueryContext(ctx, query, time.Now().UTC().Add(-age))
	if err != nil {
		return nil, fmt.Errorf("pool: delete stale: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return ids, fmt.Errorf("pool: scan stale id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}
