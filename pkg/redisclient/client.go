// Package redisclient builds the go-redis clients shared by the stores.
package redisclient

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

// Client is a wrapper around redis.Client that adds key iteration helpers.
type Client struct {
	*redis.Client
}

// NewClient creates a client from explicit options.
func NewClient(options *redis.Options) *Client {
	return &Client{
		Client: redis.NewClient(options),
	}
}

// NewClientWithAddr creates a client for the server at addr with the
// timeouts the mail store uses. RESP2 is requested so the in-process
// server can be used as well as a real Redis.
func NewClientWithAddr(network, addr string, db int) *Client {
	return NewClient(&redis.Options{
		Network:          network,
		Addr:             addr,
		DB:               db,
		Protocol:         2,
		DisableIndentity: true,
		DialTimeout:      5 * time.Second,
		ReadTimeout:      5 * time.Second,
		WriteTimeout:     5 * time.Second,
	})
}

// ScanKeys returns every key matching pattern using SCAN instead of the
// blocking KEYS command.
func (c *Client) ScanKeys(ctx context.Context, pattern string) ([]string, error) {
	var (
		cursor  uint64
		allKeys []string
	)
	for {
		keys, next, err := c.Client.Scan(ctx, cursor, pattern, 100).Result()
		if err != nil {
			return nil, err
		}
		allKeys = append(allKeys, keys...)
		if next == 0 {
			return allKeys, nil
		}
		cursor = next
	}
}
