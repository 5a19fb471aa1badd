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
	"github.com/whisper/strangers/internal/client"
	"github.com/whisper/strangers/internal/config"
	"github.com/whisper/strangers/internal/gateway"
	"github.com/whisper/strangers/internal/identity"
	"github.com/whisper/strangers/internal/matching"
	"github.com/whisper/strangers/internal/messaging"
	"github.com/whisper/strangers/internal/moderation"
	"github.com/whisper/strangers/internal/records"
	"github.com/whisper/strangers/internal/store"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load configuration: %v", err)
	}
	if err := cfg.ValidateServer(); err != nil {
		log.Fatalf("invalid configuration: %v", err)
	}

	// --- Redis ---
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

	// --- Bus ---
	var bus messaging.Bus
	switch cfg.Bus.Kind {
	case config.BusRedis:
		bus = messaging.NewRedisBus(rdb)
	default:
		natsClient, err := messaging.NewNATSClient(cfg.Bus.NATS)
		if err != nil {
			log.Fatalf("failed to connect to NATS: %v", err)
		}
		bus = natsClient
	}

	// --- Postgres ---
	if err := store.Migrate(cfg.Postgres.URL); err != nil {
		log.Fatalf("failed to migrate database: %v", err)
	}
	db, err := store.Open(context.Background(), cfg.Postgres)
	if err != nil {
		log.Fatalf("failed to connect to Postgres: %v", err)
	}
	recs := records.NewStore(db)

	// --- Identity ---
	auth, err := identity.NewProvider(identity.NewAccountStore(db), rdb, cfg.Identity)
	if err != nil {
		log.Fatalf("failed to create identity provider: %v", err)
	}

	// --- Moderation ---
	policy := moderation.DefaultPolicy()
	if cfg.Moderation.PolicyFile != "" {
		if policy, err = moderation.LoadPolicy(cfg.Moderation.PolicyFile); err != nil {
			log.Fatalf("failed to load moderation policy: %v", err)
		}
	}
	filter, err := moderation.NewFilter(policy)
	if err != nil {
		log.Fatalf("failed to compile moderation policy: %v", err)
	}
	var classifier moderation.Classifier
	if cfg.Moderation.ClassifierEnabled() {
		classifier = moderation.NewOpenAIClassifier(cfg.Moderation.Classifier)
	} else {
		log.Println("OPENAI_API_KEY not set, classifier review disabled")
	}
	reviewer := moderation.NewAdapter(classifier, cfg.Moderation.Adapter)

	// --- Core ---
	sessions := chat.NewStore(rdb, cfg.Sessions)
	bans := ban.NewStore(rdb)
	mgr := chat.NewManager(chat.Deps{
		Store:    sessions,
		Filter:   filter,
		Bus:      bus,
		Archive:  recs,
		Reviewer: reviewer,
		Flags:    recs,
		Bans:     bans,
	})
	mm := matching.NewMatchmaker(rdb, sessions, bus, bans, cfg.Matching.Pool)
	feed := client.NewBusFeed(bus)

	server := gateway.NewServer(cfg.Server, auth, recs, func(userID string) *client.Controller {
		return client.New(userID, mm, mgr, feed, cfg.Client)
	})

	log.Printf("Strangers chat server starting")
	log.Printf("  listen_addr:     %s", cfg.Server.ListenAddr)
	log.Printf("  max_connections: %d", cfg.Server.MaxConnections)
	log.Printf("  redis_addr:      %s", cfg.Redis.Addr)
	log.Printf("  bus:             %s", cfg.Bus.Kind)
	log.Printf("  classifier:      %v", cfg.Moderation.ClassifierEnabled())
	log.Printf("  entry_ttl:       %s", cfg.Matching.Pool.EntryTTL)
	log.Printf("  retry_interval:  %s", cfg.Client.RetryInterval)

	// Graceful shutdown.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		log.Printf("received signal %v, initiating graceful shutdown...", sig)

		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		if err := server.Shutdown(ctx); err != nil {
			log.Printf("shutdown error: %v", err)
		}
	}()

	if err := server.Start(); err != nil {
		log.Fatalf("server error: %v", err)
	}

	// pending classifier reviews still write flags and bans
	mgr.Wait()
	bus.Close()
	db.Close()
	rdb.Close()
	log.Println("chat server stopped")
}
