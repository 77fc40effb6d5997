/*
[AI GENERATED - GOVERNANCE PROTOCOL]
──────────────────────────────────────────────────────────────
Model:       Claude Opus 4.6
Tier:        L3
Logic:       Subscribes to a Redis pub/sub channel carrying
             JSON-encoded statusupdate.Envelope messages and
             folds each into the peer pool via ApplyStatusUpdate.
Root Cause:  §4.7 Status ingestion — the proxy's chosen transport
             for the out-of-scope "agent-side telemetry
             producers" collaborator named in §1.
Context:     Client construction grounded on redisclient/redis.go
             (redis.ParseURL + redis.NewClient), generalized from
             a bare Ping-only client to one that also opens a
             PubSub subscription. Reconnect behavior is go-redis's
             own: Subscribe's channel survives and resumes
             delivery across transient connection drops without
             caller involvement.
Suitability: L3 — I/O adapter feeding pool state, no business
             logic of its own beyond decode-and-apply.
──────────────────────────────────────────────────────────────
*/

package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/AlfredDev/alfred/services/slotproxy/config"
	"github.com/AlfredDev/alfred/services/slotproxy/peerpool"
	"github.com/AlfredDev/alfred/services/slotproxy/statusupdate"
)

// Subscriber consumes statusupdate.Envelope messages from a Redis channel
// and applies each to a peerpool.Pool.
type Subscriber struct {
	client  *redis.Client
	channel string
	pool    *peerpool.Pool
	logger  zerolog.Logger
}

// New constructs a Subscriber from cfg, parsing cfg.RedisURL the same way
// the gateway's Redis client does.
func New(cfg *config.Config, pool *peerpool.Pool, logger zerolog.Logger) (*Subscriber, error) {
	opt, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("invalid REDIS_URL: %w", err)
	}
	return &Subscriber{
		client:  redis.NewClient(opt),
		channel: cfg.StatusUpdateChan,
		pool:    pool,
		logger:  logger,
	}, nil
}

// Ping verifies connectivity to Redis, for use in a startup health check.
func (s *Subscriber) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	return s.client.Ping(ctx).Err()
}

// Run subscribes to the configured channel and applies every decoded
// envelope to the pool until ctx is canceled. A message that fails to
// decode is logged and skipped rather than treated as fatal — one
// malformed update from one agent must not take the subscriber down.
func (s *Subscriber) Run(ctx context.Context) error {
	pubsub := s.client.Subscribe(ctx, s.channel)
	defer pubsub.Close()

	if _, err := pubsub.Receive(ctx); err != nil {
		return fmt.Errorf("subscribe to %s: %w", s.channel, err)
	}

	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			s.handle(msg.Payload)
		}
	}
}

func (s *Subscriber) handle(payload string) {
	var env statusupdate.Envelope
	if err := json.Unmarshal([]byte(payload), &env); err != nil {
		s.logger.Error().Err(err).Str("channel", s.channel).Msg("failed to decode status update envelope")
		return
	}
	if env.AgentID == "" {
		s.logger.Error().Str("channel", s.channel).Msg("status update envelope missing agent_id")
		return
	}
	s.pool.ApplyStatusUpdate(env.AgentID, env.Update, time.Now())
}

// Close releases the underlying Redis client.
func (s *Subscriber) Close() error {
	return s.client.Close()
}
