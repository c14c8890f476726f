package matchd

import (
	"context"
	"encoding/json"
	"log"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/barmate/match-app/internal/backend"
	"github.com/barmate/match-app/internal/message"
	"github.com/barmate/match-app/internal/metrics"
	"github.com/barmate/match-app/internal/pool"
	"github.com/barmate/match-app/internal/realtime"
)

const matchInterval = 2 * time.Second

// EnqueueRequest is the NATS payload published by the API server when a new
// pool entry is created.
type EnqueueRequest struct {
	ID        string   `json:"id"`
	Languages []string `json:"languages"`
}

// WithdrawRequest is the NATS payload published when an entry leaves the
// waiting pool (paired synchronously, disconnected, or reset).
type WithdrawRequest struct {
	ID string `json:"id"`
}

// Service is the background pairing service.
type Service struct {
	queue  *Queue
	pool   *pool.Store
	msgs   *message.Store
	nats   *realtime.Client
	rdb    *redis.Client
	ctx    context.Context
	cancel context.CancelFunc
}

// NewService creates a pairing service over the given stores and transport.
func NewService(rdb *redis.Client, pg *pool.Store, msgs *message.Store, nats *realtime.Client) *Service {
	ctx, cancel := context.WithCancel(context.Background())
	return &Service{
		queue:  NewQueue(rdb),
		pool:   pg,
		msgs:   msgs,
		nats:   nats,
		rdb:    rdb,
		ctx:    ctx,
		cancel: cancel,
	}
}

// Start subscribes to intake subjects and starts the pairing loop.
func (s *Service) Start() error {
	if err := s.nats.SubscribeEnqueue(s.handleEnqueue); err != nil {
		return err
	}
	if err := s.nats.SubscribeWithdraw(s.handleWithdraw); err != nil {
		return err
	}

	go s.matchLoop()
	go StartJanitor(s.ctx, s.queue, s.pool, s.msgs)

	log.Println("[matchd] service started")
	return nil
}

// Stop gracefully shuts down the pairing service.
func (s *Service) Stop() {
	s.cancel()
	log.Println("[matchd] service stopped")
}

func (s *Service) handleEnqueue(data []byte) {
	var req EnqueueRequest
	if err := json.Unmarshal(data, &req); err != nil {
		log.Printf("[matchd] invalid enqueue request: %v", err)
		return
	}

	if err := s.queue.Enqueue(s.ctx, req.ID, req.Languages); err != nil {
		log.Printf("[matchd] enqueue %s: %v", req.ID, err)
		return
	}

	size, _ := s.queue.Size(s.ctx)
	metrics.PoolWaiting.Set(float64(size))
	log.Printf("[matchd] enqueued %s with languages %v (waiting: %d)", req.ID, req.Languages, size)
}

func (s *Service) handleWithdraw(data []byte) {
	var req WithdrawRequest
	if err := json.Unmarshal(data, &req); err != nil {
		log.Printf("[matchd] invalid withdraw request: %v", err)
		return
	}

	if err := s.queue.Dequeue(s.ctx, req.ID); err != nil {
		log.Printf("[matchd] dequeue %s: %v", req.ID, err)
		return
	}

	size, _ := s.queue.Size(s.ctx)
	metrics.PoolWaiting.Set(float64(size))
	log.Printf("[matchd] withdrew %s", req.ID)
}

func (s *Service) matchLoop() {
	ticker := time.NewTicker(matchInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			log.Println("[matchd] match loop stopped")
			return
		case <-ticker.C:
			s.processQueue()
		}
	}
}

// processQueue walks the waiting pool oldest-first and pairs each entry
// with the oldest compatible candidate.
func (s *Service) processQueue() {
	ctx := s.ctx
	ids, err := s.queue.Waiting(ctx)
	if err != nil {
		log.Printf("[matchd] read waiting pool: %v", err)
		return
	}

	for _, id := range ids {
		// Re-check: the entry may have been paired earlier in this cycle.
		waiting, err := s.queue.IsWaiting(ctx, id)
		if err != nil || !waiting {
			continue
		}

		entry, err := s.queue.Entry(ctx, id)
		if err != nil || entry == nil {
			continue
		}

		candidate, err := s.queue.FindCandidate(ctx, entry)
		if err != nil {
			log.Printf("[matchd] candidate scan for %s: %v", id, err)
			continue
		}
		if candidate == nil {
			continue
		}

		s.handlePair(ctx, entry, candidate)
	}
}

func (s *Service) handlePair(ctx context.Context, entry *WaitingEntry, candidate *Candidate) {
	if err := s.pool.Pair(ctx, entry.ID, candidate.ID); err != nil {
		log.Printf("[matchd] pair %s/%s: %v", entry.ID, candidate.ID, err)
		s.dropIfGone(ctx, entry.ID)
		s.dropIfGone(ctx, candidate.ID)
		return
	}

	if err := s.queue.Dequeue(ctx, entry.ID); err != nil {
		log.Printf("[matchd] dequeue %s: %v", entry.ID, err)
	}
	if err := s.queue.Dequeue(ctx, candidate.ID); err != nil {
		log.Printf("[matchd] dequeue %s: %v", candidate.ID, err)
	}

	PublishPaired(s.nats, entry.ID, candidate.ID)

	metrics.PairingsTotal.WithLabelValues("matcher").Inc()
	waited := time.Since(time.UnixMilli(int64(entry.JoinedAt)))
	metrics.TimeToMatch.Observe(waited.Seconds())
	if size, err := s.queue.Size(ctx); err == nil {
		metrics.PoolWaiting.Set(float64(size))
	}

	log.Printf("[matchd] paired %s with %s after %s", entry.ID, candidate.ID, waited.Round(time.Second))
}

// dropIfGone removes an entry from the index when its durable row is no
// longer waiting (disconnected, already paired elsewhere, or purged).
func (s *Service) dropIfGone(ctx context.Context, id string) {
	e, err := s.pool.Get(ctx, id)
	if err != nil {
		return
	}
	if e == nil || e.Status != backend.StatusWaiting {
		if err := s.queue.Dequeue(ctx, id); err != nil {
			log.Printf("[matchd] dequeue stale %s: %v", id, err)
		}
	}
}
