package main

import (
	"context"
	"database/sql"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/lib/pq"
	"github.com/redis/go-redis/v9"

	"github.com/barmate/match-app/internal/config"
	"github.com/barmate/match-app/internal/matchd"
	"github.com/barmate/match-app/internal/message"
	"github.com/barmate/match-app/internal/pool"
	"github.com/barmate/match-app/internal/realtime"
)

func main() {
	log.Println("Starting Buddymatch pairing service...")

	config.Load()
	cfg := config.MatcherFromEnv()

	// Redis setup.
	rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	if err := rdb.Ping(ctx).Err(); err != nil {
		cancel()
		log.Fatalf("failed to connect to Redis: %v", err)
	}
	cancel()

	// Postgres setup.
	db, err := sql.Open("postgres", cfg.PostgresDSN)
	if err != nil {
		log.Fatalf("failed to open Postgres: %v", err)
	}
	ctx, cancel = context.WithTimeout(context.Background(), 5*time.Second)
	if err := db.PingContext(ctx); err != nil {
		cancel()
		log.Fatalf("failed to connect to Postgres: %v", err)
	}
	cancel()

	// NATS setup.
	natsConfig := realtime.DefaultConfig()
	natsConfig.URL = cfg.NatsURL
	natsConfig.Name = "buddymatch-matchd"
	events, err := realtime.NewClient(natsConfig)
	if err != nil {
		log.Fatalf("failed to connect to NATS: %v", err)
	}

	svc := matchd.NewService(rdb, pool.NewStore(db), message.NewStore(db), events)
	if err := svc.Start(); err != nil {
		log.Fatalf("failed to start pairing service: %v", err)
	}

	log.Printf("Buddymatch pairing service running")
	log.Printf("  redis_addr: %s", cfg.RedisAddr)
	log.Printf("  nats_url:   %s", cfg.NatsURL)

	// Graceful shutdown.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	log.Printf("received signal %v, shutting down...", sig)

	svc.Stop()
	events.Close()
	rdb.Close()
	db.Close()
}
