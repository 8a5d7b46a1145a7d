package config

import (
	"log"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	Port        string
	DatabaseURL string

	RedisAddr     string
	RedisPassword string
	RedisDB       int
	EventChannel  string

	SeedFile string

	LockTimeout   time.Duration
	MissTimeout   time.Duration
	SweepInterval time.Duration
	SweepBatch    int
	SnapshotHead  int

	RateLimitPerMinute        int
	RateLimitBurst            int
	CounterRateLimitPerMinute int
	CounterRateLimitBurst     int
}

// Load reads configuration from the environment, after merging a local .env
// file when one exists.
func Load() Config {
	if err := godotenv.Load(); err != nil {
		log.Printf("no .env file, using environment")
	}

	port := os.Getenv("PORT")
	if port == "" {
		port = "8080"
	}

	return Config{
		Port:        port,
		DatabaseURL: os.Getenv("DB_DSN"),

		RedisAddr:     os.Getenv("REDIS_ADDR"),
		RedisPassword: os.Getenv("REDIS_PASSWORD"),
		RedisDB:       readInt("REDIS_DB", 0),
		EventChannel:  os.Getenv("EVENT_CHANNEL"),

		SeedFile: os.Getenv("SEED_FILE"),

		LockTimeout:   readDurationSeconds("LOCK_TIMEOUT_SECONDS", 2),
		MissTimeout:   readDurationSeconds("MISS_TIMEOUT_SECONDS", 300),
		SweepInterval: readDurationSeconds("SWEEP_INTERVAL_SECONDS", 60),
		SweepBatch:    readInt("SWEEP_BATCH_SIZE", 100),
		SnapshotHead:  readInt("SNAPSHOT_HEAD", 10),

		RateLimitPerMinute:        readInt("RATE_LIMIT_PER_MIN", 120),
		RateLimitBurst:            readInt("RATE_LIMIT_BURST", 30),
		CounterRateLimitPerMinute: readInt("COUNTER_RATE_LIMIT_PER_MIN", 600),
		CounterRateLimitBurst:     readInt("COUNTER_RATE_LIMIT_BURST", 120),
	}
}

func readDurationSeconds(key string, fallback int) time.Duration {
	value := readInt(key, fallback)
	if value <= 0 {
		return 0
	}
	return time.Duration(value) * time.Second
}

func readInt(key string, fallback int) int {
	raw := os.Getenv(key)
	if raw == "" {
		return fallback
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		return fallback
	}
	return value
}
