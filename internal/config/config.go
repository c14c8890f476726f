// Package config loads service configuration from the environment, with an
// optional .env file for local development.
package config

import (
	"log"
	"os"
	"strconv"

	"github.com/joho/godotenv"
)

// Load reads .env if present. Missing files are fine; real environments set
// variables directly.
func Load() {
	if err := godotenv.Load(); err == nil {
		log.Println("[config] loaded .env")
	}
}

// Server holds settings for the API server binary.
type Server struct {
	ListenAddr     string
	PostgresDSN    string
	RedisAddr      string
	NatsURL        string
	MigrationsPath string
}

// ServerFromEnv builds the API server config from the environment.
func ServerFromEnv() Server {
	return Server{
		ListenAddr:     getString("LISTEN_ADDR", ":8080"),
		PostgresDSN:    getString("POSTGRES_DSN", "postgres://localhost:5432/buddymatch?sslmode=disable"),
		RedisAddr:      getString("REDIS_ADDR", "localhost:6379"),
		NatsURL:        getString("NATS_URL", "nats://localhost:4222"),
		MigrationsPath: getString("MIGRATIONS_PATH", "file://migrations"),
	}
}

// Matcher holds settings for the pairing service binary.
type Matcher struct {
	PostgresDSN string
	RedisAddr   string
	NatsURL     string
}

// MatcherFromEnv builds the matcher config from the environment.
func MatcherFromEnv() Matcher {
	return Matcher{
		PostgresDSN: getString("POSTGRES_DSN", "postgres://localhost:5432/buddymatch?sslmode=disable"),
		RedisAddr:   getString("REDIS_ADDR", "localhost:6379"),
		NatsURL:     getString("NATS_URL", "nats://localhost:4222"),
	}
}

// PushWorker holds settings for the push delivery worker.
type PushWorker struct {
	PostgresDSN string
	RedisAddr   string
	Concurrency int
}

// PushWorkerFromEnv builds the worker config from the environment.
func PushWorkerFromEnv() PushWorker {
	return PushWorker{
		PostgresDSN: getString("POSTGRES_DSN", "postgres://localhost:5432/buddymatch?sslmode=disable"),
		RedisAddr:   getString("REDIS_ADDR", "localhost:6379"),
		Concurrency: getInt("PUSH_CONCURRENCY", 10),
	}
}

func getString(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			return n
		}
	}
	return fallback
}
