package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// DefaultRelayChannel is the Redis channel events are relayed on
const DefaultRelayChannel = "training-events"

// Publisher delivers an event to a user's channel
type Publisher interface {
	Publish(userID string, ev Event)
}

type relayMessage struct {
	UserID string `json:"userId"`
	Event  Event  `json:"event"`
}

// RedisRelay carries events from worker processes to the process that holds
// the subscriptions. Workers call Publish; the server runs Forward.
type RedisRelay struct {
	rdb     *redis.Client
	channel string
	logger  *zap.Logger
}

// NewRedisRelay connects to Redis at addr and verifies connectivity
func NewRedisRelay(ctx context.Context, addr, channel string, logger *zap.Logger) (*RedisRelay, error) {
	if channel == "" {
		channel = DefaultRelayChannel
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:        addr,
		DialTimeout: 5 * time.Second,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}

	return &RedisRelay{
		rdb:     rdb,
		channel: channel,
		logger:  logger.With(zap.String("component", "notify_relay")),
	}, nil
}

// Publish sends ev to the relay channel. Failures are logged; notifications
// are best effort.
func (r *RedisRelay) Publish(userID string, ev Event) {
	raw, err := json.Marshal(relayMessage{UserID: userID, Event: ev})
	if err != nil {
		r.logger.Warn("failed to marshal relayed notification", zap.Error(err))
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := r.rdb.Publish(ctx, r.channel, raw).Err(); err != nil {
		r.logger.Warn("failed to relay notification",
			zap.String("user_id", userID),
			zap.String("training_run_id", ev.TrainingRunID),
			zap.Error(err),
		)
	}
}

// Forward subscribes to the relay channel and republishes every message into
// dst until ctx is cancelled
func (r *RedisRelay) Forward(ctx context.Context, dst Publisher) error {
	sub := r.rdb.Subscribe(ctx, r.channel)
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return fmt.Errorf("redis subscribe: %w", err)
	}

	go func() {
		defer sub.Close()
		ch := sub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case m, ok := <-ch:
				if !ok || m == nil {
					return
				}
				var msg relayMessage
				if err := json.Unmarshal([]byte(m.Payload), &msg); err != nil {
					r.logger.Warn("bad relayed notification", zap.Error(err))
					continue
				}
				dst.Publish(msg.UserID, msg.Event)
			}
		}
	}()

	return nil
}

// Close releases the Redis connection
func (r *RedisRelay) Close() error {
	return r.rdb.Close()
}

// LogPublisher is used by worker processes when no relay is configured.
// Events are logged and dropped, as nobody in the process can receive them.
type LogPublisher struct {
	Logger *zap.Logger
}

func (p LogPublisher) Publish(userID string, ev Event) {
	p.Logger.Debug("notification dropped, no relay configured",
		zap.String("user_id", userID),
		zap.String("training_run_id", ev.TrainingRunID),
	)
}
