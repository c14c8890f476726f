// Package httpapi exposes the matching backend over HTTP: pool entry
// operations, the pairing attempt, chat messages, and push registration.
// Every write is followed by the realtime event that makes it observable,
// so subscribed clients see changes without polling.
package httpapi

import (
	"context"
	"encoding/json"
	"log"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/barmate/match-app/internal/backend"
	"github.com/barmate/match-app/internal/metrics"
)

// PoolStore is the durable pool storage the API writes through.
type PoolStore interface {
	Insert(ctx context.Context, e backend.Entry) (string, error)
	Get(ctx context.Context, id string) (*backend.Entry, error)
	Update(ctx context.Context, id string, upd backend.EntryUpdate) error
	FindMatch(ctx context.Context, id string, languages []string) (string, error)
}

// MessageStore is the durable message storage.
type MessageStore interface {
	Insert(ctx context.Context, senderID, receiverID, content string) (backend.StoredMessage, error)
	History(ctx context.Context, a, b string) ([]backend.StoredMessage, error)
}

// PushStore registers push subscriptions.
type PushStore interface {
	Register(ctx context.Context, userID string, sub backend.PushSubscription) error
}

// Publisher emits the realtime events that follow each write.
type Publisher interface {
	PublishEntryUpdate(entryID string, data []byte) error
	PublishInbound(receiverID string, data []byte) error
	PublishEnqueue(data []byte) error
	PublishWithdraw(data []byte) error
}

// TaskEnqueuer queues best-effort push deliveries.
type TaskEnqueuer interface {
	EnqueueDeliver(userID, title, body string) error
}

// Server is the HTTP API server.
type Server struct {
	pool     PoolStore
	messages MessageStore
	pushes   PushStore
	events   Publisher
	tasks    TaskEnqueuer // optional
}

// NewServer wires the API over its stores and transports. tasks may be nil
// when push delivery is disabled.
func NewServer(pool PoolStore, messages MessageStore, pushes PushStore, events Publisher, tasks TaskEnqueuer) *Server {
	return &Server{
		pool:     pool,
		messages: messages,
		pushes:   pushes,
		events:   events,
		tasks:    tasks,
	}
}

// Router builds the chi route tree.
func (s *Server) Router() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Route("/api", func(r chi.Router) {
		r.Post("/pool", s.handleInsertEntry)
		r.Get("/pool/{id}", s.handleGetEntry)
		r.Patch("/pool/{id}", s.handleUpdateEntry)
		r.Post("/pool/{id}/pair", s.handlePairEntry)

		r.Post("/messages", s.handleInsertMessage)
		r.Get("/messages", s.handleHistory)

		r.Post("/push/{userID}", s.handleRegisterPush)
	})

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	return r
}

// --- JSON helpers --------------------------------------------------------

type errorResponse struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("[api] encode response: %v", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{Error: msg})
}

func decodeBody(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return false
	}
	return true
}
