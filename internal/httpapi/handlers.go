package httpapi

import (
	"encoding/json"
	"log"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/barmate/match-app/internal/backend"
	"github.com/barmate/match-app/internal/matchd"
	"github.com/barmate/match-app/internal/metrics"
)

// insertEntryRequest is the POST /api/pool body.
type insertEntryRequest struct {
	Name      string   `json:"name"`
	Contact   string   `json:"contact"`
	Languages []string `json:"languages"`
}

type insertEntryResponse struct {
	ID string `json:"id"`
}

func (s *Server) handleInsertEntry(w http.ResponseWriter, r *http.Request) {
	var req insertEntryRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.Name) == "" || strings.TrimSpace(req.Contact) == "" || len(req.Languages) == 0 {
		writeError(w, http.StatusBadRequest, "name, contact, and at least one language are required")
		return
	}

	id, err := s.pool.Insert(r.Context(), backend.Entry{
		Name:      req.Name,
		Contact:   req.Contact,
		Languages: req.Languages,
		Status:    backend.StatusWaiting,
	})
	if err != nil {
		log.Printf("[api] insert entry: %v", err)
		writeError(w, http.StatusInternalServerError, "failed to create pool entry")
		return
	}

	s.publishEnqueue(id, req.Languages)
	writeJSON(w, http.StatusCreated, insertEntryResponse{ID: id})
}

func (s *Server) handleGetEntry(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	entry, err := s.pool.Get(r.Context(), id)
	if err != nil {
		log.Printf("[api] get entry %s: %v", id, err)
		writeError(w, http.StatusInternalServerError, "failed to load pool entry")
		return
	}
	if entry == nil {
		writeError(w, http.StatusNotFound, "pool entry not found")
		return
	}
	writeJSON(w, http.StatusOK, entry)
}

func (s *Server) handleUpdateEntry(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var upd backend.EntryUpdate
	if !decodeBody(w, r, &upd) {
		return
	}

	if err := s.pool.Update(r.Context(), id, upd); err != nil {
		log.Printf("[api] update entry %s: %v", id, err)
		writeError(w, http.StatusInternalServerError, "failed to update pool entry")
		return
	}

	entry, err := s.pool.Get(r.Context(), id)
	if err != nil || entry == nil {
		// The write landed; the event is best-effort.
		log.Printf("[api] reload entry %s after update: %v", id, err)
		writeJSON(w, http.StatusOK, upd)
		return
	}

	s.publishEntryEvent(backend.EntryEvent{
		ID:            entry.ID,
		Status:        entry.Status,
		MatchedWithID: entry.MatchedWithID,
	})
	if entry.Status == backend.StatusDisconnected {
		s.publishWithdraw(entry.ID)
	}
	writeJSON(w, http.StatusOK, entry)
}

// pairEntryRequest is the POST /api/pool/{id}/pair body.
type pairEntryRequest struct {
	Languages []string `json:"languages"`
}

type pairEntryResponse struct {
	MatchedUserID string `json:"matched_user_id,omitempty"`
}

func (s *Server) handlePairEntry(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var req pairEntryRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if len(req.Languages) == 0 {
		writeError(w, http.StatusBadRequest, "languages are required")
		return
	}

	partnerID, err := s.pool.FindMatch(r.Context(), id, req.Languages)
	if err != nil {
		log.Printf("[api] pairing attempt for %s: %v", id, err)
		writeError(w, http.StatusInternalServerError, "pairing attempt failed")
		return
	}
	if partnerID == "" {
		writeJSON(w, http.StatusOK, pairEntryResponse{})
		return
	}

	// Both sides left the waiting pool; tell the matcher and announce the
	// pairing to whoever is subscribed.
	s.publishWithdraw(id)
	s.publishWithdraw(partnerID)
	s.publishEntryEvent(backend.EntryEvent{ID: id, Status: backend.StatusMatched, MatchedWithID: partnerID})
	s.publishEntryEvent(backend.EntryEvent{ID: partnerID, Status: backend.StatusMatched, MatchedWithID: id})
	metrics.PairingsTotal.WithLabelValues("immediate").Inc()

	writeJSON(w, http.StatusOK, pairEntryResponse{MatchedUserID: partnerID})
}

// insertMessageRequest is the POST /api/messages body.
type insertMessageRequest struct {
	SenderID   string `json:"sender_id"`
	ReceiverID string `json:"receiver_id"`
	Content    string `json:"content"`
}

func (s *Server) handleInsertMessage(w http.ResponseWriter, r *http.Request) {
	var req insertMessageRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.SenderID == "" || req.ReceiverID == "" || req.Content == "" {
		writeError(w, http.StatusBadRequest, "sender_id, receiver_id, and content are required")
		return
	}

	msg, err := s.messages.Insert(r.Context(), req.SenderID, req.ReceiverID, req.Content)
	if err != nil {
		log.Printf("[api] insert message: %v", err)
		writeError(w, http.StatusInternalServerError, "failed to store message")
		return
	}

	data, err := json.Marshal(msg)
	if err == nil {
		if err := s.events.PublishInbound(msg.ReceiverID, data); err != nil {
			log.Printf("[api] publish inbound for %s: %v", msg.ReceiverID, err)
		}
	}

	kind := "chat"
	title, body := "New message", msg.Content
	if msg.Content == backend.DisconnectSignal {
		kind = "disconnect_signal"
		title, body = "Partner disconnected", "Your buddy left the chat."
	}
	metrics.MessagesTotal.WithLabelValues(kind).Inc()

	if s.tasks != nil {
		if err := s.tasks.EnqueueDeliver(msg.ReceiverID, title, body); err != nil {
			log.Printf("[api] enqueue push delivery: %v", err)
		} else {
			metrics.PushDeliveries.Inc()
		}
	}

	writeJSON(w, http.StatusCreated, msg)
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	a := r.URL.Query().Get("a")
	b := r.URL.Query().Get("b")
	if a == "" || b == "" {
		writeError(w, http.StatusBadRequest, "query params a and b are required")
		return
	}

	history, err := s.messages.History(r.Context(), a, b)
	if err != nil {
		log.Printf("[api] history %s/%s: %v", a, b, err)
		writeError(w, http.StatusInternalServerError, "failed to load history")
		return
	}
	if history == nil {
		history = []backend.StoredMessage{}
	}
	writeJSON(w, http.StatusOK, history)
}

func (s *Server) handleRegisterPush(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")
	var sub backend.PushSubscription
	if !decodeBody(w, r, &sub) {
		return
	}
	if sub.Endpoint == "" {
		writeError(w, http.StatusBadRequest, "endpoint is required")
		return
	}

	if err := s.pushes.Register(r.Context(), userID, sub); err != nil {
		log.Printf("[api] register push for %s: %v", userID, err)
		writeError(w, http.StatusInternalServerError, "failed to register subscription")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// --- event helpers -------------------------------------------------------

func (s *Server) publishEnqueue(id string, languages []string) {
	data, err := json.Marshal(matchd.EnqueueRequest{ID: id, Languages: languages})
	if err != nil {
		log.Printf("[api] marshal enqueue request: %v", err)
		return
	}
	if err := s.events.PublishEnqueue(data); err != nil {
		log.Printf("[api] publish enqueue for %s: %v", id, err)
	}
}

func (s *Server) publishWithdraw(id string) {
	data, err := json.Marshal(matchd.WithdrawRequest{ID: id})
	if err != nil {
		log.Printf("[api] marshal withdraw request: %v", err)
		return
	}
	if err := s.events.PublishWithdraw(data); err != nil {
		log.Printf("[api] publish withdraw for %s: %v", id, err)
	}
}

func (s *Server) publishEntryEvent(ev backend.EntryEvent) {
	data, err := json.Marshal(ev)
	if err != nil {
		log.Printf("[api] marshal entry event: %v", err)
		return
	}
	if err := s.events.PublishEntryUpdate(ev.ID, data); err != nil {
		log.Printf("[api] publish pool.updated for %s: %v", ev.ID, err)
	}
}
