/*
[AI GENERATED - GOVERNANCE PROTOCOL]
──────────────────────────────────────────────────────────────
Model:       Claude Opus 4.6
Tier:        L3
Logic:       Startup configuration for the slot proxy: listen
             addresses, the two recognized proxy-behavior bits
             (rewrite_host_header, slots_endpoint_enable), the
             quarantine and stale-peer durations, and the Redis
             URL used for status-update ingestion.
Root Cause:  Proxy needs a single place to assemble env-driven
             settings before wiring the pool, ingest subscriber
             and HTTP listeners.
Context:     Replaces the multi-provider gateway config with the
             narrower surface this spec recognizes (§6.2).
Suitability: L3 — plain env parsing, no business logic.
──────────────────────────────────────────────────────────────
*/

package config

import (
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all slot-proxy configuration values.
type Config struct {
	// Server
	Addr            string
	AdminAddr       string
	Env             string
	GracefulTimeout time.Duration

	// Proxy behavior (§6.2)
	RewriteHostHeader   bool
	SlotsEndpointEnable bool

	// Pool policy
	QuarantineDuration time.Duration
	StalePeerDuration  time.Duration

	// Status-update ingestion transport (§4.7)
	RedisURL         string
	StatusUpdateChan string

	// Logging
	LogLevel string
}

// Load reads configuration from environment variables and an optional
// .env file.
func Load() *Config {
	_ = godotenv.Load()

	gracefulSec := getEnvInt("SLOTPROXY_GRACEFUL_TIMEOUT_SEC", 15)
	quarantineSec := getEnvInt("SLOTPROXY_QUARANTINE_SECONDS", 10)
	staleSec := getEnvInt("SLOTPROXY_STALE_PEER_SECONDS", 60)

	cfg := &Config{
		Addr:                getEnv("SLOTPROXY_ADDR", ":8080"),
		AdminAddr:           getEnv("SLOTPROXY_ADMIN_ADDR", ":8081"),
		Env:                 getEnv("SLOTPROXY_ENV", "development"),
		GracefulTimeout:     time.Duration(gracefulSec) * time.Second,
		RewriteHostHeader:   getEnvBool("SLOTPROXY_REWRITE_HOST_HEADER", true),
		SlotsEndpointEnable: getEnvBool("SLOTPROXY_SLOTS_ENDPOINT_ENABLE", true),
		QuarantineDuration:  time.Duration(quarantineSec) * time.Second,
		StalePeerDuration:   time.Duration(staleSec) * time.Second,
		RedisURL:            getEnv("REDIS_URL", "redis://redis:6379"),
		StatusUpdateChan:    getEnv("SLOTPROXY_STATUS_CHANNEL", "slotproxy:status-updates"),
		LogLevel:            getEnv("LOG_LEVEL", "info"),
	}
	return cfg
}

// IsDevelopment returns true if running in development mode.
func (c *Config) IsDevelopment() bool {
	return c.Env == "development"
}

// IsProduction returns true if running in production mode.
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

func getEnv(key, fallback string) string {
	if v, ok := os.LookupEnv(key); ok {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if v, ok := os.LookupEnv(key); ok {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	if v, ok := os.LookupEnv(key); ok {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}
