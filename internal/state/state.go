// Package state implements the matchmaking session core: a state machine
// that moves the local user through idle -> searching -> matched ->
// (chatting | partner_disconnected) -> idle, reconciling backend change
// events, persisted snapshots, and notification side effects.
//
// All mutation happens on a single run-loop goroutine draining a typed
// event queue. User intents and async backend completions are both posted
// as events; completions carry the generation counter captured at dispatch
// so that results arriving after a reset are discarded as no-ops.
package state

import (
	"github.com/barmate/match-app/internal/profile"
)

// Status is the session lifecycle state.
type Status string

const (
	StatusIdle                Status = "idle"
	StatusSearching           Status = "searching"
	StatusMatched             Status = "matched"
	StatusPartnerDisconnected Status = "partner_disconnected"
)

// Sender tags for chat messages.
const (
	SenderMe   = "me"
	SenderThem = "them"
)

// ChatMessage is one bubble in the chat thread.
type ChatMessage struct {
	ID        string `json:"id"`
	Sender    string `json:"sender"` // "me" | "them"
	Text      string `json:"text"`
	Timestamp int64  `json:"timestamp"` // epoch millis
}

// SessionState is the machine's observable state. Snapshot() hands out
// deep copies; Presentation never mutates it.
//
// Invariant: MatchedUser is non-nil iff Status is matched or
// partner_disconnected.
type SessionState struct {
	Status        Status           `json:"status"`
	Profile       profile.Profile  `json:"profile"`
	MatchedUser   *profile.Profile `json:"matched_user,omitempty"`
	Messages      []ChatMessage    `json:"messages"`
	ChatPanelOpen bool             `json:"chat_panel_open"`
}

func (s *SessionState) clone() SessionState {
	out := *s
	out.Profile = s.Profile.Clone()
	if s.MatchedUser != nil {
		mu := s.MatchedUser.Clone()
		out.MatchedUser = &mu
	}
	out.Messages = append([]ChatMessage(nil), s.Messages...)
	return out
}

// persisted is the durable subset of SessionState written on every
// transition and read back at startup. Focus state is transient and
// deliberately absent.
type persisted struct {
	Status        Status           `json:"status"`
	Profile       profile.Profile  `json:"profile"`
	MatchedUser   *profile.Profile `json:"matched_user,omitempty"`
	Messages      []ChatMessage    `json:"messages"`
	ChatPanelOpen bool             `json:"chat_panel_open"`
}
