// Package backend defines the contract the session core consumes from the
// matching backend: pool entries, chat messages, push registration, and the
// realtime subscriptions that deliver change events. Implementations live in
// internal/apiclient (HTTP + NATS) and in test fakes.
package backend

import (
	"context"
	"time"
)

// Pool entry status values. These appear both in the match_pool table and
// on the wire in change events.
const (
	StatusWaiting      = "waiting"
	StatusMatched      = "matched"
	StatusDisconnected = "disconnected"
)

// DisconnectSignal is the reserved message payload meaning "my partner
// left". It travels on the same channel as ordinary chat content and must
// stay byte-identical across client versions.
const DisconnectSignal = "SYSTEM_MSG:DISCONNECT"

// Entry is a row in the match pool.
type Entry struct {
	ID            string    `json:"id"`
	Name          string    `json:"name"`
	Contact       string    `json:"contact"`
	Languages     []string  `json:"languages"`
	Status        string    `json:"status"`
	MatchedWithID string    `json:"matched_with_id,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// EntryUpdate is a partial update of a pool entry. Nil fields are left
// unchanged; a non-nil empty MatchedWithID clears the pairing.
type EntryUpdate struct {
	Status        *string `json:"status,omitempty"`
	MatchedWithID *string `json:"matched_with_id,omitempty"`
}

// EntryEvent is the payload published on pool.updated.<id> whenever a pool
// row changes.
type EntryEvent struct {
	ID            string `json:"id"`
	Status        string `json:"status"`
	MatchedWithID string `json:"matched_with_id,omitempty"`
}

// StoredMessage is a chat message as persisted by the backend. It doubles
// as the payload published on msg.inbound.<receiver_id>.
type StoredMessage struct {
	ID         string    `json:"id"`
	SenderID   string    `json:"sender_id"`
	ReceiverID string    `json:"receiver_id"`
	Content    string    `json:"content"`
	CreatedAt  time.Time `json:"created_at"`
}

// PushSubscription is an opaque push-service subscription handed over by
// the client for later delivery of notifications.
type PushSubscription struct {
	Endpoint string            `json:"endpoint"`
	Keys     map[string]string `json:"keys,omitempty"`
}

// Subscription is a live event feed that must be torn down when the caller
// is no longer interested. Unsubscribe is idempotent.
type Subscription interface {
	Unsubscribe() error
}

// PoolService exposes the pool operations the session core depends on.
type PoolService interface {
	// InsertEntry registers a new waiting entry and returns the issued id.
	InsertEntry(ctx context.Context, e Entry) (string, error)

	// GetEntry looks up an entry by id. Returns nil if not found.
	GetEntry(ctx context.Context, id string) (*Entry, error)

	// UpdateEntry applies a partial update to an entry.
	UpdateEntry(ctx context.Context, id string, upd EntryUpdate) error

	// PairEntry asks the backend to pair the entry with a compatible
	// waiting partner. Returns the partner id, or "" when nobody
	// compatible is waiting. The language-intersection policy is owned by
	// the backend; callers pass their language set and trust the result.
	PairEntry(ctx context.Context, id string, languages []string) (string, error)

	// SubscribeEntry delivers change events for the given entry id until
	// unsubscribed.
	SubscribeEntry(id string, fn func(EntryEvent)) (Subscription, error)
}

// MessageService exposes the chat message operations.
type MessageService interface {
	// InsertMessage persists a message keyed by (sender, receiver, content).
	InsertMessage(ctx context.Context, senderID, receiverID, content string) error

	// History returns every message exchanged between the two ids, ordered
	// by creation time ascending.
	History(ctx context.Context, a, b string) ([]StoredMessage, error)

	// SubscribeInbound delivers messages addressed to receiverID until
	// unsubscribed.
	SubscribeInbound(receiverID string, fn func(StoredMessage)) (Subscription, error)
}

// PushService registers push subscriptions. All of it is best-effort: the
// session core ignores every error from this interface.
type PushService interface {
	RegisterSubscription(ctx context.Context, userID string, sub PushSubscription) error
}
