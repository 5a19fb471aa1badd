// Package config assembles every component's settings from the
// environment. An optional .env file in the working directory is read
// first; real environment variables win over it.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/whisper/strangers/internal/chat"
	"github.com/whisper/strangers/internal/client"
	"github.com/whisper/strangers/internal/gateway"
	"github.com/whisper/strangers/internal/identity"
	"github.com/whisper/strangers/internal/matching"
	"github.com/whisper/strangers/internal/messaging"
	"github.com/whisper/strangers/internal/moderation"
	"github.com/whisper/strangers/internal/store"
)

// Bus implementations.
const (
	BusNATS  = "nats"
	BusRedis = "redis"
)

// Config aggregates the settings of every component.
type Config struct {
	Server     gateway.ServerConfig
	Redis      RedisConfig
	Bus        BusConfig
	Postgres   store.Config
	Identity   identity.Config
	Moderation ModerationConfig
	Matching   MatchingConfig
	Sessions   chat.StoreConfig
	Client     client.Config
}

// RedisConfig locates the Redis server.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

// BusConfig selects and configures the event bus.
type BusConfig struct {
	Kind string // BusNATS or BusRedis
	NATS messaging.NATSConfig
}

// ModerationConfig covers the local filter policy and the classifier.
type ModerationConfig struct {
	PolicyFile string // empty uses the built-in policy
	Classifier moderation.ClassifierConfig
	Adapter    moderation.AdapterConfig
}

// ClassifierEnabled reports whether an API key was provided.
func (c ModerationConfig) ClassifierEnabled() bool { return c.Classifier.APIKey != "" }

// MatchingConfig covers the waiting pool and the background matcher.
type MatchingConfig struct {
	Pool    matching.Config
	Service matching.ServiceConfig
}

// Load reads .env (if present) and the environment.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("config: load .env: %w", err)
	}
	return load()
}

func load() (*Config, error) {
	server, err := loadServerConfig()
	if err != nil {
		return nil, err
	}
	rdb, err := loadRedisConfig()
	if err != nil {
		return nil, err
	}
	bus, err := loadBusConfig()
	if err != nil {
		return nil, err
	}
	ident, err := loadIdentityConfig()
	if err != nil {
		return nil, err
	}
	mod, err := loadModerationConfig()
	if err != nil {
		return nil, err
	}
	match, err := loadMatchingConfig()
	if err != nil {
		return nil, err
	}
	sessions, err := loadSessionConfig()
	if err != nil {
		return nil, err
	}

	pg := store.DefaultConfig()
	pg.URL = getEnvOrDefault("DATABASE_URL", pg.URL)

	cl := client.DefaultConfig()
	if err := parseDurationEnv("MATCH_RETRY_INTERVAL", &cl.RetryInterval); err != nil {
		return nil, err
	}

	return &Config{
		Server:     server,
		Redis:      rdb,
		Bus:        bus,
		Postgres:   pg,
		Identity:   ident,
		Moderation: mod,
		Matching:   match,
		Sessions:   sessions,
		Client:     cl,
	}, nil
}

func loadServerConfig() (gateway.ServerConfig, error) {
	cfg := gateway.DefaultServerConfig()
	cfg.ListenAddr = getEnvOrDefault("LISTEN_ADDR", cfg.ListenAddr)
	if !strings.Contains(cfg.ListenAddr, ":") {
		return cfg, fmt.Errorf("config: invalid LISTEN_ADDR %q", cfg.ListenAddr)
	}
	if err := parseIntEnv("MAX_CONNECTIONS", &cfg.MaxConnections); err != nil {
		return cfg, err
	}
	if err := parseDurationEnv("WRITE_TIMEOUT", &cfg.WriteTimeout); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func loadRedisConfig() (RedisConfig, error) {
	cfg := RedisConfig{
		Addr:     getEnvOrDefault("REDIS_ADDR", "localhost:6379"),
		Password: os.Getenv("REDIS_PASSWORD"),
	}
	err := parseIntEnv("REDIS_DB", &cfg.DB)
	return cfg, err
}

func loadBusConfig() (BusConfig, error) {
	cfg := BusConfig{
		Kind: strings.ToLower(getEnvOrDefault("BUS", BusNATS)),
		NATS: messaging.DefaultNATSConfig(),
	}
	if cfg.Kind != BusNATS && cfg.Kind != BusRedis {
		return cfg, fmt.Errorf("config: BUS must be %q or %q, got %q", BusNATS, BusRedis, cfg.Kind)
	}
	cfg.NATS.URL = getEnvOrDefault("NATS_URL", cfg.NATS.URL)
	if host, err := os.Hostname(); err == nil && host != "" {
		cfg.NATS.Name = "strangers-" + host
	}
	return cfg, nil
}

func loadIdentityConfig() (identity.Config, error) {
	cfg := identity.DefaultConfig()
	cfg.Secret = strings.TrimSpace(os.Getenv("JWT_SECRET"))
	if err := parseDurationEnv("TOKEN_TTL", &cfg.TokenTTL); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func loadModerationConfig() (ModerationConfig, error) {
	cfg := ModerationConfig{
		PolicyFile: strings.TrimSpace(os.Getenv("MODERATION_POLICY_FILE")),
		Classifier: moderation.DefaultClassifierConfig(),
		Adapter:    moderation.DefaultAdapterConfig(),
	}
	cfg.Classifier.APIKey = strings.TrimSpace(os.Getenv("OPENAI_API_KEY"))
	cfg.Classifier.BaseURL = strings.TrimSpace(os.Getenv("OPENAI_BASE_URL"))
	cfg.Classifier.Model = getEnvOrDefault("MODERATION_MODEL", cfg.Classifier.Model)

	if err := parseFloatEnv("MODERATION_THRESHOLD", &cfg.Classifier.Threshold); err != nil {
		return cfg, err
	}
	if t := cfg.Classifier.Threshold; t <= 0 || t > 1 {
		return cfg, fmt.Errorf("config: MODERATION_THRESHOLD must be in (0, 1], got %v", t)
	}
	if err := parseDurationEnv("MODERATION_TIMEOUT", &cfg.Adapter.Timeout); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func loadMatchingConfig() (MatchingConfig, error) {
	cfg := MatchingConfig{
		Pool:    matching.DefaultConfig(),
		Service: matching.DefaultServiceConfig(),
	}
	if err := parseDurationEnv("MATCH_ENTRY_TTL", &cfg.Pool.EntryTTL); err != nil {
		return cfg, err
	}
	if err := parseDurationEnv("MATCH_SWEEP_INTERVAL", &cfg.Service.Interval); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func loadSessionConfig() (chat.StoreConfig, error) {
	cfg := chat.DefaultStoreConfig()
	if err := parseDurationEnv("SESSION_IDLE_TTL", &cfg.IdleTTL); err != nil {
		return cfg, err
	}
	if err := parseDurationEnv("SESSION_RETENTION", &cfg.Retention); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// ValidateServer checks the settings only the chat server needs.
func (c *Config) ValidateServer() error {
	var errs []error
	if c.Identity.Secret == "" {
		errs = append(errs, errors.New("config: JWT_SECRET is required"))
	}
	if c.Client.RetryInterval >= c.Matching.Pool.EntryTTL {
		errs = append(errs, fmt.Errorf("config: MATCH_RETRY_INTERVAL (%s) must be shorter than MATCH_ENTRY_TTL (%s)",
			c.Client.RetryInterval, c.Matching.Pool.EntryTTL))
	}
	return errors.Join(errs...)
}

func getEnvOrDefault(key, def string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return def
}

// parseDurationEnv overwrites dst when key is set. Values must be positive.
func parseDurationEnv(key string, dst *time.Duration) error {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fmt.Errorf("config: invalid %s %q: %w", key, v, err)
	}
	if d <= 0 {
		return fmt.Errorf("config: %s must be positive, got %s", key, d)
	}
	*dst = d
	return nil
}

func parseIntEnv(key string, dst *int) error {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fmt.Errorf("config: invalid %s %q: %w", key, v, err)
	}
	if n < 0 {
		return fmt.Errorf("config: %s must not be negative, got %d", key, n)
	}
	*dst = n
	return nil
}

func parseFloatEnv(key string, dst *float64) error {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return fmt.Errorf("config: invalid %s %q: %w", key, v, err)
	}
	*dst = f
	return nil
}
