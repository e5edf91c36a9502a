// Package rediscache provides Redis-backed implementations of the decision
// cache and the audit publisher, for deployments where several vault
// processes share one cache and one audit stream.
package rediscache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/calque-health/medvault"
	"github.com/redis/go-redis/v9"
)

// Config holds all configuration for the Redis client.
type Config struct {
	Addr     string
	Password string
	DB       int

	// KeyPrefix namespaces cache keys, e.g. "medvault:". Optional.
	KeyPrefix string

	// Stream is the audit stream name. Defaults to "medvault:audit".
	Stream string
}

// Client wraps a go-redis client and implements both medvault.DecisionCache
// and medvault.AuditPublisher.
type Client struct {
	rdb    *redis.Client
	prefix string
	stream string
}

// New creates and pings a new Redis client.
func New(cfg Config) (*Client, error) {
	if cfg.Addr == "" {
		return nil, fmt.Errorf("%w: redis address cannot be empty", medvault.ErrInvalidConfiguration)
	}
	stream := cfg.Stream
	if stream == "" {
		stream = "medvault:audit"
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("%w: redis ping failed: %w", medvault.ErrBackendUnavailable, err)
	}

	return &Client{rdb: rdb, prefix: cfg.KeyPrefix, stream: stream}, nil
}

// Close gracefully closes the Redis connection.
func (c *Client) Close() error {
	return c.rdb.Close()
}

// Get looks up a cached decision. A miss is (nil, false, nil).
func (c *Client) Get(ctx context.Context, granteeID, recordID string) (*medvault.Decision, bool, error) {
	val, err := c.rdb.Get(ctx, c.decisionKey(granteeID, recordID)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("redis get failed: %w", err)
	}

	var d medvault.Decision
	if err := json.Unmarshal([]byte(val), &d); err != nil {
		// A corrupt entry behaves like a miss; the caller re-resolves.
		return nil, false, nil
	}
	d.Source = medvault.SourceCache
	return &d, true, nil
}

// Set stores a decision with the given TTL.
func (c *Client) Set(ctx context.Context, granteeID, recordID string, d *medvault.Decision, ttl time.Duration) error {
	payload, err := json.Marshal(d)
	if err != nil {
		return fmt.Errorf("failed to encode decision: %w", err)
	}
	if err := c.rdb.Set(ctx, c.decisionKey(granteeID, recordID), payload, ttl).Err(); err != nil {
		return fmt.Errorf("redis set failed: %w", err)
	}
	return nil
}

// Invalidate removes a cached decision.
func (c *Client) Invalidate(ctx context.Context, granteeID, recordID string) error {
	if err := c.rdb.Del(ctx, c.decisionKey(granteeID, recordID)).Err(); err != nil {
		return fmt.Errorf("redis del failed: %w", err)
	}
	return nil
}

// Publish appends an audit entry to the stream using XADD. Using '*' as the
// ID tells Redis to auto-generate a timestamp-based ID.
func (c *Client) Publish(ctx context.Context, entry *medvault.AuditEntry) error {
	values := map[string]interface{}{
		"id":          entry.ID,
		"patient_id":  entry.PatientID,
		"actor_id":    entry.ActorID,
		"action":      entry.Action,
		"emergency":   fmt.Sprintf("%t", entry.Emergency),
		"occurred_at": entry.OccurredAt.UTC().Format(time.RFC3339Nano),
	}
	if entry.GrantID != "" {
		values["grant_id"] = entry.GrantID
	}
	if entry.RecordID != "" {
		values["record_id"] = entry.RecordID
	}
	if entry.Detail != "" {
		values["detail"] = entry.Detail
	}

	err := c.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: c.stream,
		Values: values,
	}).Err()
	if err != nil {
		return fmt.Errorf("failed to XADD to stream %s: %w", c.stream, err)
	}
	return nil
}

func (c *Client) decisionKey(granteeID, recordID string) string {
	return c.prefix + "decision:" + granteeID + ":" + recordID
}
