// Package queue provides an optional "task ready" notifier over Redis
// pub/sub. The Durable Store remains the only canonical holder of task
// state; this package exists purely to wake polling schedulers faster than
// their poll interval would otherwise allow. Grounded on
// libs/queue/redis_queue.go's pub/sub notification channel, stripped of
// that file's own task storage (sorted-set queue, task hash) since
// internal/store already owns that responsibility here.
package queue

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/aidenlippert/zerostate/internal/coreerrors"
)

// Config configures the Redis connection and channel name.
type Config struct {
	Addr     string
	Password string
	DB       int
	Channel  string
}

// DefaultChannel matches redis_queue.go's notification channel naming.
const DefaultChannel = "zerostate:scheduler:ready"

// Notifier publishes and subscribes to task-ready events. A nil *Notifier
// is valid and treated as "not configured" by callers that check for it.
type Notifier struct {
	client  *redis.Client
	channel string
	logger  *zap.Logger
}

// New connects to Redis and verifies the connection with a ping. Returns
// Network on connect failure; callers that treat Redis as optional should
// fall back to Durable Store polling when this errors.
func New(ctx context.Context, cfg Config, logger *zap.Logger) (*Notifier, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	channel := cfg.Channel
	if channel == "" {
		channel = DefaultChannel
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, coreerrors.Wrap(coreerrors.Network, "queue.New", "connect to redis", err)
	}

	return &Notifier{client: client, channel: channel, logger: logger}, nil
}

// NotifyTaskReady publishes taskID to the ready channel so subscribed
// schedulers can dequeue without waiting for their next poll tick.
func (n *Notifier) NotifyTaskReady(ctx context.Context, taskID string) error {
	if n == nil {
		return nil
	}
	if err := n.client.Publish(ctx, n.channel, taskID).Err(); err != nil {
		return coreerrors.Wrap(coreerrors.Network, "queue.NotifyTaskReady", "publish", err)
	}
	return nil
}

// Subscribe returns a channel of ready task ids. The returned func must be
// called to release the underlying Redis subscription.
func (n *Notifier) Subscribe(ctx context.Context) (<-chan string, func(), error) {
	if n == nil {
		return nil, func() {}, coreerrors.New(coreerrors.Storage, "queue.Subscribe", "notifier not configured")
	}

	pubsub := n.client.Subscribe(ctx, n.channel)
	out := make(chan string, 64)

	go func() {
		defer close(out)
		ch := pubsub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				select {
				case out <- msg.Payload:
				case <-ctx.Done():
					return
				}
			}
		}
	}()

	return out, func() { _ = pubsub.Close() }, nil
}

// Close releases the Redis client.
func (n *Notifier) Close() error {
	if n == nil {
		return nil
	}
	if err := n.client.Close(); err != nil {
		n.logger.Warn("error closing redis client", zap.Error(err))
		return err
	}
	return nil
}
