// Package events carries archive notifications over Redis Streams so that
// out-of-process consumers can act on memories that decayed away.
package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/nidhogg/mnemo/internal/engine"
)

// DefaultStream is the stream archive candidates are appended to.
const DefaultStream = "mnemo:archive"

const (
	defaultMaxLen  = 10_000
	readBlock      = 2 * time.Second
	readCount      = 10
	readRetryDelay = time.Second
)

// Bus appends archive candidates to a Redis stream. It implements
// engine.Publisher.
type Bus struct {
	rdb        *redis.Client
	stream     string
	maxLen     int64
	retryDelay time.Duration
	logger     *zap.Logger
}

// NewBus connects to redisURL and checks the connection.
func NewBus(ctx context.Context, redisURL, stream string, logger *zap.Logger) (*Bus, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	rdb := redis.NewClient(opts)
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return NewBusFromClient(rdb, stream, logger), nil
}

// NewBusFromClient wraps an existing client.
func NewBusFromClient(rdb *redis.Client, stream string, logger *zap.Logger) *Bus {
	if stream == "" {
		stream = DefaultStream
	}
	return &Bus{rdb: rdb, stream: stream, maxLen: defaultMaxLen, retryDelay: readRetryDelay, logger: logger}
}

// Stream returns the stream name.
func (b *Bus) Stream() string { return b.stream }

// PublishArchive appends c to the stream. The stream is trimmed to roughly
// the last ten thousand entries.
func (b *Bus) PublishArchive(ctx context.Context, c engine.ArchiveCandidate) error {
	data, err := json.Marshal(c)
	if err != nil {
		return err
	}
	_, err = b.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: b.stream,
		MaxLen: b.maxLen,
		Approx: true,
		Values: map[string]interface{}{
			"type": "archive",
			"data": string(data),
		},
	}).Result()
	if err != nil {
		return fmt.Errorf("publish to %s: %w", b.stream, err)
	}
	b.logger.Debug("published archive candidate",
		zap.String("memory", c.MemoryID),
		zap.Float64("strength", c.Strength))
	return nil
}

// Subscribe delivers candidates appended after lastID ("$" for new entries
// only, "0" for the whole stream). Read failures are logged and retried
// after a pause. The channel closes when ctx is done.
func (b *Bus) Subscribe(ctx context.Context, lastID string) <-chan engine.ArchiveCandidate {
	if lastID == "" {
		lastID = "$"
	}
	ch := make(chan engine.ArchiveCandidate, 16)

	go func() {
		defer close(ch)
		for {
			if ctx.Err() != nil {
				return
			}
			results, err := b.rdb.XRead(ctx, &redis.XReadArgs{
				Streams: []string{b.stream, lastID},
				Count:   readCount,
				Block:   readBlock,
			}).Result()
			if err != nil {
				if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
					return
				}
				if errors.Is(err, redis.Nil) {
					continue
				}
				b.logger.Warn("read archive stream", zap.Error(err), zap.Duration("retry_in", b.retryDelay))
				select {
				case <-time.After(b.retryDelay):
				case <-ctx.Done():
					return
				}
				continue
			}

			for _, r := range results {
				for _, msg := range r.Messages {
					lastID = msg.ID
					c, ok := decode(msg.Values)
					if !ok {
						b.logger.Warn("skipping malformed stream entry", zap.String("id", msg.ID))
						continue
					}
					select {
					case ch <- c:
					case <-ctx.Done():
						return
					}
				}
			}
		}
	}()
	return ch
}

func decode(values map[string]interface{}) (engine.ArchiveCandidate, bool) {
	data, ok := values["data"].(string)
	if !ok {
		return engine.ArchiveCandidate{}, false
	}
	var c engine.ArchiveCandidate
	if err := json.Unmarshal([]byte(data), &c); err != nil || c.MemoryID == "" {
		return engine.ArchiveCandidate{}, false
	}
	return c, true
}

// Close shuts down the Redis connection.
func (b *Bus) Close() error {
	return b.rdb.Close()
}
