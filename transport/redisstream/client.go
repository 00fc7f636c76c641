package redisstream

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	configpkg "github.com/drblury/eventflow/internal/runtime/config"
)

// Entry is one stream entry. Values is empty for entries that were deleted
// while pending.
type Entry struct {
	ID     string
	Values map[string]any
}

// PendingEntry is a delivered but unacknowledged entry of a consumer group.
type PendingEntry struct {
	ID       string
	Consumer string
	Idle     time.Duration
	// RetryCount is how often the entry has been delivered.
	RetryCount int64
}

// Client is the consumer-group stream client the Manager and Backend use.
type Client interface {
	// EnsureGroup creates the stream and group when missing.
	EnsureGroup(ctx context.Context, stream, group string) error
	// ReadGroup reads up to count never-delivered entries without blocking.
	ReadGroup(ctx context.Context, stream, group, consumer string, count int64) ([]Entry, error)
	Pending(ctx context.Context, stream, group string, count int64) ([]PendingEntry, error)
	Claim(ctx context.Context, stream, group, consumer string, minIdle time.Duration, ids ...string) ([]Entry, error)
	Ack(ctx context.Context, stream, group string, ids ...string) error
	// Add appends an entry, trimming the stream to about maxLen entries when
	// maxLen > 0.
	Add(ctx context.Context, stream string, maxLen int64, values map[string]any) (string, error)
	Close() error
}

// GoRedisClient implements Client with go-redis.
type GoRedisClient struct {
	rdb redis.UniversalClient
}

// NewGoRedisClient connects according to cfg. cfg.URL wins over Addr.
func NewGoRedisClient(cfg configpkg.StreamConfig) (*GoRedisClient, error) {
	opts, err := redisOptions(cfg)
	if err != nil {
		return nil, err
	}
	return &GoRedisClient{rdb: redis.NewClient(opts)}, nil
}

// WrapGoRedisClient adapts an existing go-redis client.
func WrapGoRedisClient(rdb redis.UniversalClient) *GoRedisClient {
	return &GoRedisClient{rdb: rdb}
}

func redisOptions(cfg configpkg.StreamConfig) (*redis.Options, error) {
	if cfg.URL != "" {
		opts, err := redis.ParseURL(cfg.URL)
		if err != nil {
			return nil, fmt.Errorf("parse redis url: %w", err)
		}
		return opts, nil
	}
	if cfg.Addr == "" {
		return nil, errors.New("redis address or url is required")
	}
	return &redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	}, nil
}

func (c *GoRedisClient) EnsureGroup(ctx context.Context, stream, group string) error {
	err := c.rdb.XGroupCreateMkStream(ctx, stream, group, "0").Err()
	if err != nil && !strings.HasPrefix(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("create group %s on %s: %w", group, stream, err)
	}
	return nil
}

func (c *GoRedisClient) ReadGroup(ctx context.Context, stream, group, consumer string, count int64) ([]Entry, error) {
	streams, err := c.rdb.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    group,
		Consumer: consumer,
		Streams:  []string{stream, ">"},
		Count:    count,
		Block:    -1,
	}).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", stream, err)
	}
	var entries []Entry
	for _, s := range streams {
		entries = append(entries, fromXMessages(s.Messages)...)
	}
	return entries, nil
}

func (c *GoRedisClient) Pending(ctx context.Context, stream, group string, count int64) ([]PendingEntry, error) {
	pending, err := c.rdb.XPendingExt(ctx, &redis.XPendingExtArgs{
		Stream: stream,
		Group:  group,
		Start:  "-",
		End:    "+",
		Count:  count,
	}).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("list pending of %s: %w", stream, err)
	}
	out := make([]PendingEntry, 0, len(pending))
	for _, p := range pending {
		out = append(out, PendingEntry{
			ID:         p.ID,
			Consumer:   p.Consumer,
			Idle:       p.Idle,
			RetryCount: p.RetryCount,
		})
	}
	return out, nil
}

func (c *GoRedisClient) Claim(ctx context.Context, stream, group, consumer string, minIdle time.Duration, ids ...string) ([]Entry, error) {
	messages, err := c.rdb.XClaim(ctx, &redis.XClaimArgs{
		Stream:   stream,
		Group:    group,
		Consumer: consumer,
		MinIdle:  minIdle,
		Messages: ids,
	}).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("claim from %s: %w", stream, err)
	}
	return fromXMessages(messages), nil
}

func (c *GoRedisClient) Ack(ctx context.Context, stream, group string, ids ...string) error {
	if err := c.rdb.XAck(ctx, stream, group, ids...).Err(); err != nil {
		return fmt.Errorf("ack on %s: %w", stream, err)
	}
	return nil
}

func (c *GoRedisClient) Add(ctx context.Context, stream string, maxLen int64, values map[string]any) (string, error) {
	args := &redis.XAddArgs{
		Stream: stream,
		Values: values,
	}
	if maxLen > 0 {
		args.MaxLen = maxLen
		args.Approx = true
	}
	id, err := c.rdb.XAdd(ctx, args).Result()
	if err != nil {
		return "", fmt.Errorf("add to %s: %w", stream, err)
	}
	return id, nil
}

func (c *GoRedisClient) Close() error {
	return c.rdb.Close()
}

func fromXMessages(messages []redis.XMessage) []Entry {
	entries := make([]Entry, 0, len(messages))
	for _, m := range messages {
		entries = append(entries, Entry{ID: m.ID, Values: m.Values})
	}
	return entries
}
