// Package matchd implements the background pairing service. Waiting pool
// entries are mirrored into Redis for fast candidate scans; the loop pairs
// entries whose language sets intersect, oldest first, persists the pairing
// to PostgreSQL, and announces it to both sides over NATS.
package matchd

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	// Redis key patterns for the waiting-pool index.
	keyWaiting    = "pool:waiting" // sorted set, score = enqueue millis
	keyLangPrefix = "pool:lang:"   // + <language> -> set of entry ids
	keyMetaPrefix = "pool:meta:"   // + <entry_id> -> hash

	// entryTTL self-heals index keys left behind by a crashed matcher. The
	// janitor purges entries well before this.
	entryTTL = 25 * time.Hour
)

// WaitingEntry is an entry's state in the waiting-pool index.
type WaitingEntry struct {
	ID        string
	Languages []string
	JoinedAt  float64 // unix millis
}

// Queue manages the Redis data structures for the waiting pool.
type Queue struct {
	rdb *redis.Client
}

// NewQueue creates a waiting-pool index backed by Redis.
func NewQueue(rdb *redis.Client) *Queue {
	return &Queue{rdb: rdb}
}

// langKey normalizes a language tag into its candidate-set key.
func langKey(lang string) string {
	return keyLangPrefix + strings.ToLower(strings.TrimSpace(lang))
}

// Enqueue adds an entry to the waiting pool and its per-language sets.
func (q *Queue) Enqueue(ctx context.Context, id string, languages []string) error {
	now := float64(time.Now().UnixMilli())

	pipe := q.rdb.Pipeline()
	pipe.ZAdd(ctx, keyWaiting, redis.Z{Score: now, Member: id})

	for _, lang := range languages {
		key := langKey(lang)
		pipe.SAdd(ctx, key, id)
		pipe.Expire(ctx, key, entryTTL)
	}

	metaKey := keyMetaPrefix + id
	pipe.HSet(ctx, metaKey, map[string]interface{}{
		"languages": strings.Join(languages, ","),
		"joined_at": fmt.Sprintf("%.0f", now),
	})
	pipe.Expire(ctx, metaKey, entryTTL)

	_, err := pipe.Exec(ctx)
	return err
}

// Dequeue removes an entry from the waiting pool and every derived set.
func (q *Queue) Dequeue(ctx context.Context, id string) error {
	entry, err := q.Entry(ctx, id)
	if err != nil {
		return err
	}
	if entry == nil {
		return nil // already removed
	}

	pipe := q.rdb.Pipeline()
	pipe.ZRem(ctx, keyWaiting, id)
	for _, lang := range entry.Languages {
		pipe.SRem(ctx, langKey(lang), id)
	}
	pipe.Del(ctx, keyMetaPrefix+id)

	_, err = pipe.Exec(ctx)
	return err
}

// Entry retrieves an entry's index state. Returns nil if not indexed.
func (q *Queue) Entry(ctx context.Context, id string) (*WaitingEntry, error) {
	result, err := q.rdb.HGetAll(ctx, keyMetaPrefix+id).Result()
	if err != nil {
		return nil, err
	}
	if len(result) == 0 {
		return nil, nil
	}

	var languages []string
	if result["languages"] != "" {
		languages = strings.Split(result["languages"], ",")
	}

	var joinedAt float64
	if v, ok := result["joined_at"]; ok {
		fmt.Sscanf(v, "%f", &joinedAt)
	}

	return &WaitingEntry{ID: id, Languages: languages, JoinedAt: joinedAt}, nil
}

// Waiting returns all waiting entry ids, oldest first.
func (q *Queue) Waiting(ctx context.Context) ([]string, error) {
	return q.rdb.ZRange(ctx, keyWaiting, 0, -1).Result()
}

// IsWaiting checks whether the entry is still in the waiting pool.
func (q *Queue) IsWaiting(ctx context.Context, id string) (bool, error) {
	_, err := q.rdb.ZScore(ctx, keyWaiting, id).Result()
	if err == redis.Nil {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// JoinedAt returns the enqueue time of a waiting entry in unix millis, or 0
// if the entry is not waiting.
func (q *Queue) JoinedAt(ctx context.Context, id string) (float64, error) {
	score, err := q.rdb.ZScore(ctx, keyWaiting, id).Result()
	if err == redis.Nil {
		return 0, nil
	}
	return score, err
}

// LangCandidates returns the ids waiting on the given language.
func (q *Queue) LangCandidates(ctx context.Context, lang string) ([]string, error) {
	return q.rdb.SMembers(ctx, langKey(lang)).Result()
}

// Size returns the number of waiting entries.
func (q *Queue) Size(ctx context.Context) (int64, error) {
	return q.rdb.ZCard(ctx, keyWaiting).Result()
}

// OldestBefore returns the waiting ids enqueued before the given time.
func (q *Queue) OldestBefore(ctx context.Context, cutoff time.Time) ([]string, error) {
	return q.rdb.ZRangeByScore(ctx, keyWaiting, &redis.ZRangeBy{
		Min: "0",
		Max: fmt.Sprintf("%d", cutoff.UnixMilli()),
	}).Result()
}
