// Package push manages push-notification subscriptions and their delivery.
// Registration and delivery are both best-effort: a failure here never
// affects matchmaking or chat.
package push

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/barmate/match-app/internal/backend"
)

// Store manages push_subscriptions rows in PostgreSQL.
type Store struct {
	db *sql.DB
}

// NewStore creates a push subscription store.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// Register stores a subscription for a user. The same endpoint registered
// twice is overwritten, not duplicated.
func (s *Store) Register(ctx context.Context, userID string, sub backend.PushSubscription) error {
	keys, err := json.Marshal(sub.Keys)
	if err != nil {
		return fmt.Errorf("push: marshal keys: %w", err)
	}

	const query = `
		INSERT INTO push_subscriptions (id, user_id, endpoint, keys, created_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (user_id, endpoint)
		DO UPDATE SET keys = EXCLUDED.keys`

	_, err = s.db.ExecContext(ctx, query,
		uuid.New().String(), userID, sub.Endpoint, keys, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("push: register subscription: %w", err)
	}
	return nil
}

// ListForUser returns every subscription registered for a user.
func (s *Store) ListForUser(ctx context.Context, userID string) ([]backend.PushSubscription, error) {
	const query = `
		SELECT endpoint, keys
		FROM push_subscriptions
		WHERE user_id = $1`

	rows, err := s.db.QueryContext(ctx, query, userID)
	if err != nil {
		return nil, fmt.Errorf("push: list subscriptions for %s: %w", userID, err)
	}
	defer rows.Close()

	var out []backend.PushSubscription
	for rows.Next() {
		var sub backend.PushSubscription
		var keys []byte
		if err := rows.Scan(&sub.Endpoint, &keys); err != nil {
			return nil, fmt.Errorf("push: scan subscription: %w", err)
		}
		if len(keys) > 0 {
			if err := json.Unmarshal(keys, &sub.Keys); err != nil {
				return nil, fmt.Errorf("push: decode keys: %w", err)
			}
		}
		out = append(out, sub)
	}
	return out, rows.Err()
}
