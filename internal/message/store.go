// Package message provides PostgreSQL-backed storage for chat messages
// exchanged between paired pool entries. Content is opaque to the store; a
// row may carry the reserved disconnect signal instead of user text.
package message

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/barmate/match-app/internal/backend"
)

// Store manages message rows in PostgreSQL.
type Store struct {
	db *sql.DB
}

// NewStore creates a message store backed by the given database handle.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// Insert persists a message and returns the stored row, including the
// issued id and creation time, so callers can publish it verbatim.
func (s *Store) Insert(ctx context.Context, senderID, receiverID, content string) (backend.StoredMessage, error) {
	msg := backend.StoredMessage{
		ID:         uuid.New().String(),
		SenderID:   senderID,
		ReceiverID: receiverID,
		Content:    content,
		CreatedAt:  time.Now().UTC(),
	}

	const query = `
		INSERT INTO messages (id, sender_id, receiver_id, content, created_at)
		VALUES ($1, $2, $3, $4, $5)`

	_, err := s.db.ExecContext(ctx, query,
		msg.ID, msg.SenderID, msg.ReceiverID, msg.Content, msg.CreatedAt)
	if err != nil {
		return backend.StoredMessage{}, fmt.Errorf("message: insert: %w", err)
	}
	return msg, nil
}

// History returns every message exchanged between the two ids, ordered by
// creation time ascending.
func (s *Store) History(ctx context.Context, a, b string) ([]backend.StoredMessage, error) {
	const query = `
		SELECT id, sender_id, receiver_id, content, created_at
		FROM messages
		WHERE (sender_id = $1 AND receiver_id = $2)
		   OR (sender_id = $2 AND receiver_id = $1)
		ORDER BY created_at ASC`

	rows, err := s.db.QueryContext(ctx, query, a, b)
	if err != nil {
		return nil, fmt.Errorf("message: history %s/%s: %w", a, b, err)
	}
	defer rows.Close()

	var out []backend.StoredMessage
	for rows.Next() {
		var m backend.StoredMessage
		if err := rows.Scan(&m.ID, &m.SenderID, &m.ReceiverID, &m.Content, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("message: scan history row: %w", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// DeleteForEntries removes all messages sent or received by the given pool
// entries. Called by the janitor when stale entries are purged.
func (s *Store) DeleteForEntries(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}

	const query = `
		DELETE FROM messages
		WHERE sender_id = ANY($1) OR receiver_id = ANY($1)`

	if _, err := s.db.ExecContext(ctx, query, pq.Array(ids)); err != nil {
		return fmt.Errorf("message: delete for entries: %w", err)
	}
	return nil
}
