package engine

import (
	"fmt"
	"time"

	"github.com/dgraph-io/ristretto"

	"github.com/nidhogg/mnemo/internal/memory"
)

// cacheTTL bounds how long a snapshot read concurrently with a write can
// survive the write's invalidation.
const cacheTTL = time.Minute

// memoryCache holds recent memory snapshots by id. Every write path drops
// the entry it touched.
type memoryCache struct {
	c *ristretto.Cache
}

func newMemoryCache(items int64) (*memoryCache, error) {
	c, err := ristretto.NewCache(&ristretto.Config{
		NumCounters: items * 10,
		MaxCost:     items,
		BufferItems: 64,
	})
	if err != nil {
		return nil, fmt.Errorf("create memory cache: %w", err)
	}
	return &memoryCache{c: c}, nil
}

func (mc *memoryCache) get(id string) (memory.Memory, bool) {
	v, ok := mc.c.Get(id)
	if !ok {
		return memory.Memory{}, false
	}
	m, ok := v.(memory.Memory)
	return m, ok
}

func (mc *memoryCache) put(m memory.Memory) {
	mc.c.SetWithTTL(m.ID, m, 1, cacheTTL)
}

func (mc *memoryCache) drop(id string) {
	mc.c.Del(id)
}

func (mc *memoryCache) close() {
	mc.c.Close()
}
