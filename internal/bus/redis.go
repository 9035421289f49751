package bus

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// RedisBus backs the wake-up signal with Redis Pub/Sub, for multi-
// process deployments that share one database but want lower fan-out
// latency than polling alone provides.
type RedisBus struct {
	client *redis.Client
}

// NewRedisBus dials addr (host:port) with default options.
func NewRedisBus(addr string) *RedisBus {
	return &RedisBus{client: redis.NewClient(&redis.Options{Addr: addr})}
}

// NewRedisBusWithClient wraps an already-constructed client, so tests
// can point it at a miniredis instance.
func NewRedisBusWithClient(client *redis.Client) *RedisBus {
	return &RedisBus{client: client}
}

func channelName(jobID string) string {
	return fmt.Sprintf("analyze:job:%s:wake", jobID)
}

// Publish sends an empty wake-up message on jobID's channel.
func (b *RedisBus) Publish(ctx context.Context, jobID string) error {
	return b.client.Publish(ctx, channelName(jobID), "1").Err()
}

// Subscribe returns a channel that receives a value for every message
// published on jobID's channel until ctx is cancelled.
func (b *RedisBus) Subscribe(ctx context.Context, jobID string) (<-chan struct{}, error) {
	sub := b.client.Subscribe(ctx, channelName(jobID))
	if _, err := sub.Receive(ctx); err != nil {
		sub.Close()
		return nil, err
	}

	out := make(chan struct{}, 1)
	go func() {
		defer sub.Close()
		defer close(out)
		ch := sub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case _, ok := <-ch:
				if !ok {
					return
				}
				select {
				case out <- struct{}{}:
				default:
				}
			}
		}
	}()
	return out, nil
}

// Close releases the underlying Redis client.
func (b *RedisBus) Close() error { return b.client.Close() }
