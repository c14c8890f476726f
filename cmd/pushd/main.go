package main

import (
	"context"
	"database/sql"
	"log"
	"time"

	"github.com/hibiken/asynq"
	_ "github.com/lib/pq"

	"github.com/barmate/match-app/internal/config"
	"github.com/barmate/match-app/internal/push"
)

func main() {
	log.Println("Starting Buddymatch push worker...")

	config.Load()
	cfg := config.PushWorkerFromEnv()

	db, err := sql.Open("postgres", cfg.PostgresDSN)
	if err != nil {
		log.Fatalf("failed to open Postgres: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	if err := db.PingContext(ctx); err != nil {
		cancel()
		log.Fatalf("failed to connect to Postgres: %v", err)
	}
	cancel()

	srv := asynq.NewServer(
		asynq.RedisClientOpt{Addr: cfg.RedisAddr},
		asynq.Config{Concurrency: cfg.Concurrency},
	)

	deliverer := push.NewDeliverer(push.NewStore(db))

	mux := asynq.NewServeMux()
	mux.HandleFunc(push.TypeDeliver, deliverer.HandleDeliver)

	log.Printf("Buddymatch push worker running")
	log.Printf("  redis_addr:  %s", cfg.RedisAddr)
	log.Printf("  concurrency: %d", cfg.Concurrency)

	// Run blocks until SIGINT/SIGTERM.
	if err := srv.Run(mux); err != nil {
		log.Fatalf("push worker stopped: %v", err)
	}

	db.Close()
}
