package matchd

import (
	"encoding/json"
	"log"

	"github.com/barmate/match-app/internal/backend"
	"github.com/barmate/match-app/internal/realtime"
)

// PublishPaired announces a pairing to both entries on their
// pool.updated.<id> subjects. Each side sees its own row transition to
// matched with the partner's id filled in.
func PublishPaired(nats *realtime.Client, a, b string) {
	publishEntryEvent(nats, backend.EntryEvent{
		ID:            a,
		Status:        backend.StatusMatched,
		MatchedWithID: b,
	})
	publishEntryEvent(nats, backend.EntryEvent{
		ID:            b,
		Status:        backend.StatusMatched,
		MatchedWithID: a,
	})
}

func publishEntryEvent(nats *realtime.Client, ev backend.EntryEvent) {
	data, err := json.Marshal(ev)
	if err != nil {
		log.Printf("[matchd] marshal entry event for %s: %v", ev.ID, err)
		return
	}
	if err := nats.PublishEntryUpdate(ev.ID, data); err != nil {
		log.Printf("[matchd] publish pool.updated for %s: %v", ev.ID, err)
	}
}
