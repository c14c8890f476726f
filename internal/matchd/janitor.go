package matchd

import (
	"context"
	"log"
	"time"

	"github.com/barmate/match-app/internal/backend"
	"github.com/barmate/match-app/internal/message"
	"github.com/barmate/match-app/internal/pool"
)

const (
	janitorInterval = 5 * time.Minute

	// maxEntryAge is how long an untouched pool entry (and its messages)
	// survives. There is no timeout while actively searching; this only
	// reaps sessions nobody came back to.
	maxEntryAge = 24 * time.Hour
)

// StartJanitor runs the cleanup loop: purge pool entries untouched for
// maxEntryAge together with their messages, and drop waiting-index entries
// whose durable row disappeared. msgs may be nil when the caller has no
// message store to clean.
func StartJanitor(ctx context.Context, queue *Queue, pg *pool.Store, msgs *message.Store) {
	ticker := time.NewTicker(janitorInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Println("[matchd] janitor stopped")
			return
		case <-ticker.C:
			purgeStaleEntries(ctx, queue, pg, msgs)
			dropOrphanedIndex(ctx, queue, pg)
		}
	}
}

func purgeStaleEntries(ctx context.Context, queue *Queue, pg *pool.Store, msgs *message.Store) {
	ids, err := pg.DeleteStale(ctx, maxEntryAge)
	if err != nil {
		log.Printf("[matchd] purge stale entries: %v", err)
		return
	}
	if len(ids) == 0 {
		return
	}

	for _, id := range ids {
		if err := queue.Dequeue(ctx, id); err != nil {
			log.Printf("[matchd] dequeue purged %s: %v", id, err)
		}
	}
	if msgs != nil {
		if err := msgs.DeleteForEntries(ctx, ids); err != nil {
			log.Printf("[matchd] purge messages: %v", err)
		}
	}

	log.Printf("[matchd] purged %d stale entries", len(ids))
}

// dropOrphanedIndex removes waiting-index entries whose Postgres row is
// gone or no longer waiting (e.g. the API paired it synchronously while the
// matcher was down).
func dropOrphanedIndex(ctx context.Context, queue *Queue, pg *pool.Store) {
	ids, err := queue.Waiting(ctx)
	if err != nil {
		log.Printf("[matchd] janitor: read waiting pool: %v", err)
		return
	}

	removed := 0
	for _, id := range ids {
		e, err := pg.Get(ctx, id)
		if err != nil {
			continue
		}
		if e == nil || e.Status != backend.StatusWaiting {
			if err := queue.Dequeue(ctx, id); err != nil {
				log.Printf("[matchd] janitor: dequeue %s: %v", id, err)
			} else {
				removed++
			}
		}
	}

	if removed > 0 {
		log.Printf("[matchd] janitor: removed %d orphaned index entries", removed)
	}
}
