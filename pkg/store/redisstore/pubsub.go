package redisstore

import (
	"context"
	"fmt"
	"sync"
)

// Publish sends payload on a Redis channel.
func (s *Store) Publish(ctx context.Context, channel, payload string) error {
	if err := s.client.Publish(ctx, channel, payload).Err(); err != nil {
		return fmt.Errorf("publish %s: %w", channel, err)
	}
	return nil
}

// Subscribe waits for the subscription to be confirmed, then delivers
// payloads to handler from a single goroutine until cancel is called.
func (s *Store) Subscribe(ctx context.Context, channel string, handler func(payload string)) (func(), error) {
	ps := s.client.Subscribe(ctx, channel)
	if _, err := ps.Receive(ctx); err != nil {
		ps.Close()
		return nil, fmt.Errorf("subscribe %s: %w", channel, err)
	}

	ch := ps.Channel()
	go func() {
		for msg := range ch {
			handler(msg.Payload)
		}
	}()

	var once sync.Once
	return func() { once.Do(func() { ps.Close() }) }, nil
}
