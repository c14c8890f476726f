package main

import (
	"context"
	"database/sql"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	"github.com/hibiken/asynq"
	_ "github.com/lib/pq"

	"github.com/barmate/match-app/internal/config"
	"github.com/barmate/match-app/internal/gateway"
	"github.com/barmate/match-app/internal/httpapi"
	"github.com/barmate/match-app/internal/message"
	"github.com/barmate/match-app/internal/pool"
	"github.com/barmate/match-app/internal/push"
	"github.com/barmate/match-app/internal/realtime"
)

func main() {
	config.Load()
	cfg := config.ServerFromEnv()

	// --- Postgres ---
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

	if err := runMigrations(cfg.MigrationsPath, cfg.PostgresDSN); err != nil {
		log.Fatalf("failed to run migrations: %v", err)
	}

	// --- NATS ---
	natsConfig := realtime.DefaultConfig()
	natsConfig.URL = cfg.NatsURL
	natsConfig.Name = "buddymatch-server"
	events, err := realtime.NewClient(natsConfig)
	if err != nil {
		log.Fatalf("failed to connect to NATS: %v", err)
	}

	// --- asynq (push delivery queue) ---
	tasks := push.NewEnqueuer(asynq.RedisClientOpt{Addr: cfg.RedisAddr})

	pools := pool.NewStore(db)
	messages := message.NewStore(db)
	pushes := push.NewStore(db)

	api := httpapi.NewServer(pools, messages, pushes, events, tasks)
	ws := gateway.NewServer(events)

	router := api.Router()
	router.Get("/ws", ws.HandleUpgrade)

	srv := &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: router,
	}

	log.Printf("Buddymatch API server starting")
	log.Printf("  listen_addr: %s", cfg.ListenAddr)
	log.Printf("  nats_url:    %s", cfg.NatsURL)
	log.Printf("  redis_addr:  %s", cfg.RedisAddr)

	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("server error: %v", err)
		}
	}()

	// Graceful shutdown.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	log.Printf("received signal %v, shutting down...", sig)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("shutdown error: %v", err)
	}

	tasks.Close()
	events.Close()
	db.Close()
}

func runMigrations(sourceURL, dsn string) error {
	m, err := migrate.New(sourceURL, dsn)
	if err != nil {
		return err
	}
	defer m.Close()
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return err
	}
	return nil
}
