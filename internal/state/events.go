package state

import (
	"github.com/barmate/match-app/internal/backend"
	"github.com/barmate/match-app/internal/profile"
)

// event is anything processed by the run loop: user intents and async
// backend completions. Completions implement generation() so the loop can
// drop results that belong to a superseded search or a reset session.
type event interface{}

// completion is an event tied to the generation in which its async work
// was dispatched.
type completion interface {
	generation() uint64
}

// --- intents -------------------------------------------------------------

type intentStartSearching struct{ prof profile.Profile }
type intentSendMessage struct{ text string }
type intentDisconnect struct{}
type intentFindNewMatch struct{}
type intentReset struct{}
type intentSetPanel struct{ open bool }
type intentSetFocused struct{ focused bool }
type intentRehydrate struct{}

// --- completions ---------------------------------------------------------

type gen uint64

func (g gen) generation() uint64 { return uint64(g) }

// evRegistered: pool insert succeeded, backend issued an id.
type evRegistered struct {
	gen
	id string
}

// evRegisterFailed: pool insert or the immediate pairing attempt was
// rejected. The loop alerts the user and reverts to idle.
type evRegisterFailed struct {
	gen
	err error
}

// evMatched: a partner is resolved, with the seeded history. Fired either
// by the synchronous pairing attempt or by the pool-change subscription.
type evMatched struct {
	gen
	partner profile.Profile
	history []ChatMessage
}

// evAwaitPairing: the synchronous pairing attempt found nobody; the loop
// should attach the pool-change subscription and wait.
type evAwaitPairing struct{ gen }

// evEntryUpdate: the pool-change subscription saw our row change.
type evEntryUpdate struct {
	gen
	update backend.EntryEvent
}

// evSeeded: rehydration fetched message history for the current pair. A nil
// history means the fetch failed and the persisted messages stand.
type evSeeded struct {
	gen
	history []ChatMessage
}

// evInbound: the message subscription delivered a message addressed to us.
type evInbound struct {
	gen
	msg backend.StoredMessage
}
