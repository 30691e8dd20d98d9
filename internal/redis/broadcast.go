package redis

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"
)

// Broadcaster carries state messages between instances over Redis Pub/Sub.
// Redis delivers a publisher's own messages back to it; receivers drop them
// by the origin field of the message.
type Broadcaster struct {
	client  *Client
	channel string
	logger  *zap.Logger
}

// NewBroadcaster creates a broadcaster on the given channel.
func NewBroadcaster(client *Client, channel string, logger *zap.Logger) *Broadcaster {
	return &Broadcaster{client: client, channel: channel, logger: logger}
}

// Publish sends payload to every subscriber of the channel.
func (b *Broadcaster) Publish(ctx context.Context, payload []byte) error {
	if err := b.client.rdb.Publish(ctx, b.channel, payload).Err(); err != nil {
		return fmt.Errorf("redis publish failed: %w", err)
	}
	return nil
}

// Subscribe starts delivering channel payloads to fn on a background
// goroutine. It returns once Redis confirmed the subscription.
func (b *Broadcaster) Subscribe(fn func([]byte)) (func(), error) {
	ctx, cancel := context.WithCancel(context.Background())

	ps := b.client.rdb.Subscribe(ctx, b.channel)
	if _, err := ps.Receive(ctx); err != nil {
		cancel()
		ps.Close()
		return nil, fmt.Errorf("redis subscribe failed: %w", err)
	}

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for msg := range ps.Channel() {
			fn([]byte(msg.Payload))
		}
	}()

	b.logger.Info("subscribed to state channel", zap.String("channel", b.channel))

	var once sync.Once
	return func() {
		once.Do(func() {
			cancel()
			if err := ps.Close(); err != nil {
				b.logger.Warn("failed to close subscription", zap.Error(err))
			}
			wg.Wait()
		})
	}, nil
}
