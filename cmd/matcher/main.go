package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/whisper/strangers/internal/ban"
	"github.com/whisper/strangers/internal/chat"
	"github.com/whisper/strangers/internal/config"
	"github.com/whisper/strangers/internal/matching"
	"github.com/whisper/strangers/internal/messaging"
	"github.com/whisper/strangers/internal/metrics"
)

func main() {
	log.Println("Starting Strangers matching service...")

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load configuration: %v", err)
	}

	// Redis setup.
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	if err := rdb.Ping(ctx).Err(); err != nil {
		cancel()
		log.Fatalf("failed to connect to Redis: %v", err)
	}
	cancel()

	// Bus setup.
	var bus messaging.Bus
	if cfg.Bus.Kind == config.BusRedis {
		bus = messaging.NewRedisBus(rdb)
	} else {
		natsConfig := cfg.Bus.NATS
		natsConfig.Name = "strangers-matcher"
		natsClient, err := messaging.NewNATSClient(natsConfig)
		if err != nil {
			log.Fatalf("failed to connect to NATS: %v", err)
		}
		bus = natsClient
	}

	sessions := chat.NewStore(rdb, cfg.Sessions)
	mm := matching.NewMatchmaker(rdb, sessions, bus, ban.NewStore(rdb), cfg.Matching.Pool)

	// Start matching service.
	svc := matching.NewService(mm, cfg.Matching.Service)
	svc.Start()

	// Metrics endpoint.
	go func() {
		addr := os.Getenv("METRICS_ADDR")
		if addr == "" {
			addr = ":9091"
		}
		if err := metrics.ListenAndServe(addr); err != nil {
			log.Printf("[matcher] metrics server: %v", err)
		}
	}()

	log.Printf("Strangers matching service running")
	log.Printf("  redis_addr: %s", cfg.Redis.Addr)
	log.Printf("  bus:        %s", cfg.Bus.Kind)
	log.Printf("  interval:   %s", cfg.Matching.Service.Interval)
	log.Printf("  entry_ttl:  %s", cfg.Matching.Pool.EntryTTL)

	// Graceful shutdown.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	log.Printf("received signal %v, shutting down...", sig)

	svc.Stop()
	bus.Close()
	rdb.Close()
}
