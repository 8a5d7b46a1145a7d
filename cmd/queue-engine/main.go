package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"qms/queue-engine/internal/config"
	"qms/queue-engine/internal/events"
	"qms/queue-engine/internal/httpapi"
	"qms/queue-engine/internal/queue"
	"qms/queue-engine/internal/store"
	"qms/queue-engine/internal/store/memory"
	"qms/queue-engine/internal/store/postgres"
	"qms/queue-engine/internal/telemetry"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

func main() {
	cfg := config.Load()

	shutdownTracing := telemetry.Setup("queue-engine")
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = shutdownTracing(ctx)
	}()

	var ticketStore store.TicketStore
	if cfg.DatabaseURL != "" {
		pool, err := pgxpool.New(context.Background(), cfg.DatabaseURL)
		if err != nil {
			log.Fatalf("db connect: %v", err)
		}
		defer pool.Close()
		ticketStore = postgres.NewStore(pool, postgres.Options{LockTimeout: cfg.LockTimeout})
	} else {
		log.Printf("DB_DSN not set, using in-memory store")
		ticketStore = memory.NewStore(cfg.LockTimeout)
	}

	var sink events.Sink = events.NopSink{}
	if cfg.RedisAddr != "" {
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		defer client.Close()
		if err := client.Ping(context.Background()).Err(); err != nil {
			log.Fatalf("redis connect: %v", err)
		}
		sink = events.NewRedisSink(client, cfg.EventChannel)
	}

	engine := queue.New(ticketStore, queue.Options{
		Sink:         sink,
		MissTimeout:  cfg.MissTimeout,
		SweepBatch:   cfg.SweepBatch,
		SnapshotHead: cfg.SnapshotHead,
	})

	if cfg.SeedFile != "" {
		if err := applySeed(ticketStore, cfg.SeedFile); err != nil {
			log.Fatalf("seed: %v", err)
		}
	}

	handler := httpapi.NewHandler(engine)
	limiter := httpapi.NewRateLimiter(httpapi.RateLimitConfig{
		IPPerMinute:      cfg.RateLimitPerMinute,
		IPBurst:          cfg.RateLimitBurst,
		CounterPerMinute: cfg.CounterRateLimitPerMinute,
		CounterBurst:     cfg.CounterRateLimitBurst,
	})

	server := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      otelhttp.NewHandler(httpapi.LoggingMiddleware(limiter.Middleware(handler.Routes())), "queue-engine"),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	reaperCtx, stopReaper := context.WithCancel(context.Background())
	defer stopReaper()
	if cfg.SweepInterval > 0 {
		reaper := queue.NewReaper(engine, cfg.SweepInterval)
		go reaper.Run(reaperCtx)
	}

	go func() {
		log.Printf("queue-engine listening on %s", server.Addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("server error: %v", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	stopReaper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		log.Printf("shutdown error: %v", err)
	}
}

func applySeed(ticketStore store.TicketStore, path string) error {
	seed, err := config.LoadSeed(path)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	for _, service := range seed.Services {
		if err := ticketStore.UpsertService(ctx, service); err != nil {
			return err
		}
	}
	for _, counter := range seed.Counters {
		if err := ticketStore.UpsertCounter(ctx, counter); err != nil {
			return err
		}
	}
	log.Printf("seeded services=%d counters=%d", len(seed.Services), len(seed.Counters))
	return nil
}
