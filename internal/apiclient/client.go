// Package apiclient implements the backend ports over the HTTP API and the
// NATS event feed. It is the production wiring between a session core and
// the hosted matching backend.
package apiclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/barmate/match-app/internal/backend"
)

// EventBus is the realtime feed side of the backend, satisfied by
// *realtime.Client and faked in tests.
type EventBus interface {
	SubscribeEntryUpdates(entryID, tag string, handler func(data []byte)) error
	UnsubscribeEntryUpdates(entryID, tag string) error
	SubscribeInbound(receiverID, tag string, handler func(data []byte)) error
	UnsubscribeInbound(receiverID, tag string) error
}

// Client talks to the matching backend. It implements backend.PoolService,
// backend.MessageService, and backend.PushService.
type Client struct {
	base string
	http *http.Client
	bus  EventBus
	tag  string // distinguishes this client's subscriptions on a shared bus
}

// New creates a client for the API at baseURL using bus for subscriptions.
func New(baseURL string, bus EventBus) *Client {
	return &Client{
		base: baseURL,
		http: &http.Client{Timeout: 15 * time.Second},
		bus:  bus,
		tag:  uuid.New().String(),
	}
}

// --- backend.PoolService -------------------------------------------------

func (c *Client) InsertEntry(ctx context.Context, e backend.Entry) (string, error) {
	var resp struct {
		ID string `json:"id"`
	}
	err := c.do(ctx, http.MethodPost, "/api/pool", map[string]interface{}{
		"name":      e.Name,
		"contact":   e.Contact,
		"languages": e.Languages,
	}, &resp)
	if err != nil {
		return "", err
	}
	return resp.ID, nil
}

func (c *Client) GetEntry(ctx context.Context, id string) (*backend.Entry, error) {
	var entry backend.Entry
	err := c.do(ctx, http.MethodGet, "/api/pool/"+url.PathEscape(id), nil, &entry)
	if err != nil {
		if isNotFound(err) {
			return nil, nil
		}
		return nil, err
	}
	return &entry, nil
}

func (c *Client) UpdateEntry(ctx context.Context, id string, upd backend.EntryUpdate) error {
	return c.do(ctx, http.MethodPatch, "/api/pool/"+url.PathEscape(id), upd, nil)
}

func (c *Client) PairEntry(ctx context.Context, id string, languages []string) (string, error) {
	var resp struct {
		MatchedUserID string `json:"matched_user_id"`
	}
	err := c.do(ctx, http.MethodPost, "/api/pool/"+url.PathEscape(id)+"/pair",
		map[string]interface{}{"languages": languages}, &resp)
	if err != nil {
		return "", err
	}
	return resp.MatchedUserID, nil
}

func (c *Client) SubscribeEntry(id string, fn func(backend.EntryEvent)) (backend.Subscription, error) {
	err := c.bus.SubscribeEntryUpdates(id, c.tag, func(data []byte) {
		var ev backend.EntryEvent
		if err := json.Unmarshal(data, &ev); err != nil {
			log.Printf("[apiclient] decode entry event: %v", err)
			return
		}
		fn(ev)
	})
	if err != nil {
		return nil, fmt.Errorf("apiclient: subscribe entry %s: %w", id, err)
	}
	return &subscription{cancel: func() error {
		return c.bus.UnsubscribeEntryUpdates(id, c.tag)
	}}, nil
}

// --- backend.MessageService ----------------------------------------------

func (c *Client) InsertMessage(ctx context.Context, senderID, receiverID, content string) error {
	return c.do(ctx, http.MethodPost, "/api/messages", map[string]string{
		"sender_id":   senderID,
		"receiver_id": receiverID,
		"content":     content,
	}, nil)
}

func (c *Client) History(ctx context.Context, a, b string) ([]backend.StoredMessage, error) {
	var out []backend.StoredMessage
	path := "/api/messages?a=" + url.QueryEscape(a) + "&b=" + url.QueryEscape(b)
	if err := c.do(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) SubscribeInbound(receiverID string, fn func(backend.StoredMessage)) (backend.Subscription, error) {
	err := c.bus.SubscribeInbound(receiverID, c.tag, func(data []byte) {
		var msg backend.StoredMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			log.Printf("[apiclient] decode inbound message: %v", err)
			return
		}
		fn(msg)
	})
	if err != nil {
		return nil, fmt.Errorf("apiclient: subscribe inbound %s: %w", receiverID, err)
	}
	return &subscription{cancel: func() error {
		return c.bus.UnsubscribeInbound(receiverID, c.tag)
	}}, nil
}

// --- backend.PushService -------------------------------------------------

func (c *Client) RegisterSubscription(ctx context.Context, userID string, sub backend.PushSubscription) error {
	return c.do(ctx, http.MethodPost, "/api/push/"+url.PathEscape(userID), sub, nil)
}

// --- plumbing ------------------------------------------------------------

type subscription struct {
	once   sync.Once
	cancel func() error
}

func (s *subscription) Unsubscribe() error {
	var err error
	s.once.Do(func() { err = s.cancel() })
	return err
}

type statusError struct {
	status int
	msg    string
}

func (e *statusError) Error() string {
	return fmt.Sprintf("apiclient: backend returned %d: %s", e.status, e.msg)
}

func isNotFound(err error) bool {
	se, ok := err.(*statusError)
	return ok && se.status == http.StatusNotFound
}

func (c *Client) do(ctx context.Context, method, path string, body, out interface{}) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("apiclient: marshal request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.base+path, reader)
	if err != nil {
		return fmt.Errorf("apiclient: build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("apiclient: %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		var apiErr struct {
			Error string `json:"error"`
		}
		_ = json.NewDecoder(resp.Body).Decode(&apiErr)
		return &statusError{status: resp.StatusCode, msg: apiErr.Error}
	}

	if out != nil && resp.StatusCode != http.StatusNoContent {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("apiclient: decode %s %s response: %w", method, path, err)
		}
	}
	return nil
}
