// Package redis appends committed entries to a Redis stream.
package redis

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/go-redis/redis/v8"

	"github.com/JakeFAU/webimporter/internal/committer"
)

// Config selects the server and stream.
type Config struct {
	Address  string `mapstructure:"address"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
	PoolSize int    `mapstructure:"pool_size"`
	Stream   string `mapstructure:"stream"`
	// MaxLen trims the stream approximately. Zero keeps everything.
	MaxLen int64 `mapstructure:"max_len"`
}

// Committer issues one XADD per operation.
type Committer struct {
	client *redis.Client
	stream string
	maxLen int64
}

// New connects and pings the server.
func New(ctx context.Context, cfg Config) (*Committer, error) {
	if cfg.Address == "" || cfg.Stream == "" {
		return nil, fmt.Errorf("redis address and stream are required")
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Address,
		Password: cfg.Password,
		DB:       cfg.DB,
		PoolSize: cfg.PoolSize,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connect to redis: %w", err)
	}
	return &Committer{client: client, stream: cfg.Stream, maxLen: cfg.MaxLen}, nil
}

// Upsert appends an upsert record carrying the JSON entry.
func (c *Committer) Upsert(ctx context.Context, entry committer.Entry) error {
	if err := entry.Validate(); err != nil {
		return err
	}
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("marshal entry: %w", err)
	}
	return c.add(ctx, map[string]interface{}{
		"operation": "upsert",
		"reference": entry.Reference,
		"entry":     string(data),
	})
}

// Delete appends a delete record.
func (c *Committer) Delete(ctx context.Context, reference string) error {
	return c.add(ctx, map[string]interface{}{
		"operation": "delete",
		"reference": reference,
	})
}

func (c *Committer) add(ctx context.Context, fields map[string]interface{}) error {
	args := &redis.XAddArgs{
		Stream: c.stream,
		ID:     "*",
		Values: fields,
	}
	if c.maxLen > 0 {
		args.MaxLen = c.maxLen
		args.Approx = true
	}
	if err := c.client.XAdd(ctx, args).Err(); err != nil {
		return fmt.Errorf("xadd %s: %w", c.stream, err)
	}
	return nil
}

// Close closes the client.
func (c *Committer) Close(context.Context) error {
	if err := c.client.Close(); err != nil {
		return fmt.Errorf("close redis: %w", err)
	}
	return nil
}
