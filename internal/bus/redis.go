package bus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/edgegate/authd/internal/observability"
	"github.com/edgegate/authd/internal/shared"
)

const replyKeyPrefix = "authd:reply:"

// How long an unconsumed reply list may linger if the requester gave up.
const replyExpiry = time.Minute

// RedisConfig carries the knobs for the redis-backed transport.
type RedisConfig struct {
	// Queue is the authority request list, e.g. "auth-data".
	Queue string
	// Channel is the fanout pub/sub channel, e.g. "auth".
	Channel string
	// Timeout bounds the wait for a correlated reply.
	Timeout time.Duration
}

// Redis implements Transport over redis lists (request/reply) and pub/sub
// (fanout). Requests are LPUSHed as JSON envelopes carrying a unique reply
// list name; the authority LPUSHes its reply there and the requester blocks
// on BRPOP up to the configured timeout.
type Redis struct {
	client  *redis.Client
	logger  *slog.Logger
	metrics *observability.Metrics
	cfg     RedisConfig
}

// NewRedis constructs the redis transport.
func NewRedis(client *redis.Client, logger *slog.Logger, metrics *observability.Metrics, cfg RedisConfig) *Redis {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}
	return &Redis{client: client, logger: logger, metrics: metrics, cfg: cfg}
}

// Request publishes op to the authority queue and blocks for the reply.
func (r *Redis) Request(ctx context.Context, op string, payload []byte) ([]byte, error) {
	replyTo := replyKeyPrefix + uuid.NewString()
	envelope, err := json.Marshal(rpcEnvelope{Op: op, ReplyTo: replyTo, Body: payload})
	if err != nil {
		return nil, fmt.Errorf("bus: marshal %s request: %w", op, err)
	}

	if err := r.client.LPush(ctx, r.cfg.Queue, envelope).Err(); err != nil {
		r.metrics.AuthorityRequest(op, "publish_error")
		return nil, fmt.Errorf("bus: publish %s: %w", op, err)
	}

	res, err := r.client.BRPop(ctx, r.cfg.Timeout, replyTo).Result()
	if err != nil {
		// The reply may still arrive after we stop waiting; let it expire
		// instead of leaking the list.
		_ = r.client.Expire(context.WithoutCancel(ctx), replyTo, replyExpiry).Err()
		if errors.Is(err, redis.Nil) {
			r.metrics.AuthorityRequest(op, "timeout")
			return nil, fmt.Errorf("bus: %s: %w", op, shared.ErrRemoteTimeout)
		}
		r.metrics.AuthorityRequest(op, "error")
		return nil, fmt.Errorf("bus: await %s reply: %w", op, err)
	}
	if len(res) != 2 {
		r.metrics.AuthorityRequest(op, "error")
		return nil, fmt.Errorf("bus: %s: unexpected brpop result: %w", op, shared.ErrBadReply)
	}

	r.metrics.AuthorityRequest(op, "ok")
	return []byte(res[1]), nil
}

// Broadcast publishes an event on the fanout channel. Every subscriber,
// including this process, receives it.
func (r *Redis) Broadcast(ctx context.Context, event string, payload []byte) error {
	envelope, err := json.Marshal(fanoutEnvelope{Event: event, Body: payload})
	if err != nil {
		return fmt.Errorf("bus: marshal %s event: %w", event, err)
	}
	if err := r.client.Publish(ctx, r.cfg.Channel, envelope).Err(); err != nil {
		return fmt.Errorf("bus: broadcast %s: %w", event, err)
	}
	return nil
}

// Listen subscribes to the fanout channel and dispatches deliveries to the
// handler until the context is cancelled. Undecodable envelopes are logged
// and skipped.
func (r *Redis) Listen(ctx context.Context, handler EventHandler) error {
	pubsub := r.client.Subscribe(ctx, r.cfg.Channel)
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return fmt.Errorf("bus: subscribe %s: %w", r.cfg.Channel, err)
	}
	go func() {
		defer func() { _ = pubsub.Close() }()
		ch := pubsub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				var envelope fanoutEnvelope
				if err := json.Unmarshal([]byte(msg.Payload), &envelope); err != nil {
					if r.logger != nil {
						r.logger.Warn("drop malformed fanout delivery", slog.Any("error", err))
					}
					continue
				}
				r.metrics.FanoutEvent(envelope.Event)
				handler(envelope.Event, envelope.Body)
			}
		}
	}()
	return nil
}

var _ Transport = (*Redis)(nil)
