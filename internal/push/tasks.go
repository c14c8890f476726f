package push

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/hibiken/asynq"

	"github.com/barmate/match-app/internal/backend"
)

// TypeDeliver is the asynq task type for push delivery.
const TypeDeliver = "push:deliver"

// deliverTimeout bounds the POST to a single push endpoint.
const deliverTimeout = 10 * time.Second

// DeliverPayload is the task payload for a single user's notification.
type DeliverPayload struct {
	UserID string `json:"user_id"`
	Title  string `json:"title"`
	Body   string `json:"body"`
}

// Enqueuer queues delivery tasks for the worker.
type Enqueuer struct {
	client *asynq.Client
}

// NewEnqueuer creates an Enqueuer on the given Redis connection.
func NewEnqueuer(opt asynq.RedisClientOpt) *Enqueuer {
	return &Enqueuer{client: asynq.NewClient(opt)}
}

// EnqueueDeliver queues a notification for every subscription the user has.
func (e *Enqueuer) EnqueueDeliver(userID, title, body string) error {
	payload, err := json.Marshal(DeliverPayload{UserID: userID, Title: title, Body: body})
	if err != nil {
		return fmt.Errorf("push: marshal deliver payload: %w", err)
	}

	task := asynq.NewTask(TypeDeliver, payload)
	if _, err := e.client.Enqueue(task, asynq.MaxRetry(3), asynq.Timeout(time.Minute)); err != nil {
		return fmt.Errorf("push: enqueue deliver: %w", err)
	}
	return nil
}

// Close releases the underlying asynq client.
func (e *Enqueuer) Close() error {
	return e.client.Close()
}

// Subscriptions is the read side the deliverer needs from the store.
type Subscriptions interface {
	ListForUser(ctx context.Context, userID string) ([]backend.PushSubscription, error)
}

// Deliverer handles queued delivery tasks by POSTing the payload to each of
// the user's registered endpoints. Endpoint failures are logged and
// swallowed; the task itself only fails on payload corruption.
type Deliverer struct {
	subs   Subscriptions
	client *http.Client
}

// NewDeliverer creates a Deliverer reading subscriptions from subs.
func NewDeliverer(subs Subscriptions) *Deliverer {
	return &Deliverer{
		subs:   subs,
		client: &http.Client{Timeout: deliverTimeout},
	}
}

// HandleDeliver implements the asynq handler for TypeDeliver tasks.
func (d *Deliverer) HandleDeliver(ctx context.Context, task *asynq.Task) error {
	var payload DeliverPayload
	if err := json.Unmarshal(task.Payload(), &payload); err != nil {
		return fmt.Errorf("push: decode deliver payload: %w", err)
	}

	subs, err := d.subs.ListForUser(ctx, payload.UserID)
	if err != nil {
		log.Printf("[push] list subscriptions for %s: %v", payload.UserID, err)
		return nil
	}

	body, err := json.Marshal(map[string]string{
		"title": payload.Title,
		"body":  payload.Body,
	})
	if err != nil {
		return fmt.Errorf("push: marshal notification body: %w", err)
	}

	for _, sub := range subs {
		if err := d.postOne(ctx, sub.Endpoint, body); err != nil {
			log.Printf("[push] deliver to %s: %v", sub.Endpoint, err)
		}
	}
	return nil
}

func (d *Deliverer) postOne(ctx context.Context, endpoint string, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := d.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return fmt.Errorf("endpoint returned %s", resp.Status)
	}
	return nil
}
