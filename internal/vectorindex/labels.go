package vectorindex

import (
	"context"
	"encoding/json"
	"fmt"
	"maps"
	"strconv"
	"sync"

	"github.com/redis/go-redis/v9"
)

// MemoryLabels keeps the label table in process. Used in tests and when no
// Redis is configured; the table is then rebuilt from persisted vectors.
type MemoryLabels struct {
	mu     sync.Mutex
	owners map[int64]Owner
	next   int64
	saves  int
}

func NewMemoryLabels() *MemoryLabels {
	return &MemoryLabels{owners: make(map[int64]Owner)}
}

func (l *MemoryLabels) Load(_ context.Context) (map[int64]Owner, int64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return maps.Clone(l.owners), l.next, nil
}

func (l *MemoryLabels) Save(_ context.Context, owners map[int64]Owner, next int64) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.owners = maps.Clone(owners)
	l.next = next
	l.saves++
	return nil
}

// Saves reports how many times the table has been flushed.
func (l *MemoryLabels) Saves() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.saves
}

const (
	labelsKey    = "mnemo:index:labels"
	nextLabelKey = "mnemo:index:next"
)

// RedisLabels stores the label table as a Redis hash of label to JSON owner,
// plus a counter key holding the next unallocated label.
type RedisLabels struct {
	rdb *redis.Client
}

// NewRedisLabels connects to Redis and verifies the connection.
func NewRedisLabels(ctx context.Context, redisURL string) (*RedisLabels, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	rdb := redis.NewClient(opts)
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return &RedisLabels{rdb: rdb}, nil
}

func (l *RedisLabels) Load(ctx context.Context) (map[int64]Owner, int64, error) {
	raw, err := l.rdb.HGetAll(ctx, labelsKey).Result()
	if err != nil {
		return nil, 0, fmt.Errorf("read labels: %w", err)
	}
	owners := make(map[int64]Owner, len(raw))
	var next int64
	for k, v := range raw {
		label, err := strconv.ParseInt(k, 10, 64)
		if err != nil {
			continue
		}
		var o Owner
		if err := json.Unmarshal([]byte(v), &o); err != nil {
			return nil, 0, fmt.Errorf("decode label %d: %w", label, err)
		}
		owners[label] = o
		next = max(next, label+1)
	}

	stored, err := l.rdb.Get(ctx, nextLabelKey).Int64()
	switch {
	case err == redis.Nil:
	case err != nil:
		return nil, 0, fmt.Errorf("read next label: %w", err)
	default:
		next = max(next, stored)
	}
	return owners, next, nil
}

// Save replaces the stored table in one MULTI/EXEC block.
func (l *RedisLabels) Save(ctx context.Context, owners map[int64]Owner, next int64) error {
	fields := make(map[string]any, len(owners))
	for label, o := range owners {
		data, err := json.Marshal(o)
		if err != nil {
			return err
		}
		fields[strconv.FormatInt(label, 10)] = string(data)
	}
	_, err := l.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, labelsKey)
		if len(fields) > 0 {
			pipe.HSet(ctx, labelsKey, fields)
		}
		pipe.Set(ctx, nextLabelKey, next, 0)
		return nil
	})
	if err != nil {
		return fmt.Errorf("save labels: %w", err)
	}
	return nil
}

// Close shuts down the Redis connection.
func (l *RedisLabels) Close() error {
	return l.rdb.Close()
}
