// Package wakeup tells idle dispatchers that new work was pushed.
// Polling stays authoritative: a lost notification only costs one poll interval.
package wakeup

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

// Notifier publishes and receives "new job" signals
type Notifier interface {
	Notify(ctx context.Context) error
	// Subscribe returns a channel that receives a value after one or more
	// notifications. It is closed once ctx is done.
	Subscribe(ctx context.Context) <-chan struct{}
}

// Nop never delivers anything. Subscribe returns a nil channel.
type Nop struct{}

func (Nop) Notify(context.Context) error { return nil }

func (Nop) Subscribe(context.Context) <-chan struct{} { return nil }

// Redis fans notifications out over a Redis pub/sub channel
type Redis struct {
	rdb     *redis.Client
	channel string
}

func NewRedis(rdb *redis.Client, channel string) *Redis {
	return &Redis{rdb: rdb, channel: channel}
}

// Connect verifies the server is reachable
func (r *Redis) Connect(ctx context.Context) error {
	if err := r.rdb.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis connection failed: %w", err)
	}
	log.Ctx(ctx).Info().Str("channel", r.channel).Msg("connected to redis for wake-ups")
	return nil
}

func (r *Redis) Notify(ctx context.Context) error {
	if err := r.rdb.Publish(ctx, r.channel, "1").Err(); err != nil {
		return fmt.Errorf("failed to publish wake-up: %w", err)
	}
	return nil
}

func (r *Redis) Subscribe(ctx context.Context) <-chan struct{} {
	sub := r.rdb.Subscribe(ctx, r.channel)
	out := make(chan struct{}, 1)

	go func() {
		defer close(out)
		defer sub.Close()

		msgs := sub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case _, ok := <-msgs:
				if !ok {
					return
				}
				// Coalesce bursts into a single pending signal.
				select {
				case out <- struct{}{}:
				default:
				}
			}
		}
	}()

	return out
}
