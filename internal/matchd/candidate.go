package matchd

import (
	"context"
	"sort"
)

// Candidate is a pairable partner for a waiting entry.
type Candidate struct {
	ID       string
	JoinedAt float64
}

// FindCandidate scans the per-language sets for the entry's languages and
// returns the oldest still-waiting entry sharing at least one of them, or
// nil when nobody compatible is waiting. Oldest-first keeps the pool fair;
// the size of the intersection is deliberately not ranked (any shared
// language is enough to chat).
func (q *Queue) FindCandidate(ctx context.Context, entry *WaitingEntry) (*Candidate, error) {
	seen := make(map[string]bool)
	for _, lang := range entry.Languages {
		members, err := q.LangCandidates(ctx, lang)
		if err != nil {
			continue
		}
		for _, id := range members {
			if id != entry.ID {
				seen[id] = true
			}
		}
	}
	if len(seen) == 0 {
		return nil, nil
	}

	candidates := make([]Candidate, 0, len(seen))
	for id := range seen {
		joined, err := q.JoinedAt(ctx, id)
		if err != nil || joined == 0 {
			continue // dropped out of the waiting pool
		}
		candidates = append(candidates, Candidate{ID: id, JoinedAt: joined})
	}

	if oldest := PickOldest(candidates); oldest != nil {
		return oldest, nil
	}
	return nil, nil
}

// PickOldest returns the candidate with the earliest join time, breaking
// ties by id for determinism. Returns nil for an empty slice.
func PickOldest(candidates []Candidate) *Candidate {
	if len(candidates) == 0 {
		return nil
	}
	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].JoinedAt != candidates[j].JoinedAt {
			return candidates[i].JoinedAt < candidates[j].JoinedAt
		}
		return candidates[i].ID < candidates[j].ID
	})
	return &candidates[0]
}
