package counter

import (
	"context"
	"sync"
)

// MemoryStore keeps counters in process memory. Used by tests and by
// single-node deployments that do not need durable measurement.
type MemoryStore struct {
	mu        sync.RWMutex
	shards    map[ShardKey]map[string]int64
	numShards int
}

func NewMemory(numShards int) *MemoryStore {
	if numShards <= 0 {
		numShards = DefaultNumShards
	}
	return &MemoryStore{
		shards:    make(map[ShardKey]map[string]int64),
		numShards: numShards,
	}
}

func (s *MemoryStore) IncrementShard(_ context.Context, key ShardKey, fields map[string]int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	shard, ok := s.shards[key]
	if !ok {
		shard = make(map[string]int64)
		s.shards[key] = shard
	}
	for field, delta := range fields {
		shard[field] += delta
	}
	return nil
}

func (s *MemoryStore) ReadShard(_ context.Context, key ShardKey) (map[string]int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	fields := make(map[string]int64, len(s.shards[key]))
	for field, value := range s.shards[key] {
		fields[field] = value
	}
	return fields, nil
}

func (s *MemoryStore) ReadAllShards(ctx context.Context, baseKey string) (map[string]int64, error) {
	return readAllShards(ctx, s, baseKey)
}

func (s *MemoryStore) NumShards() int { return s.numShards }

// DeletePrefix removes every shard whose base key starts with prefix.
// Supports entity deletion cleaning up its measurement keys.
func (s *MemoryStore) DeletePrefix(_ context.Context, prefix string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for key := range s.shards {
		if len(key.BaseKey) >= len(prefix) && key.BaseKey[:len(prefix)] == prefix {
			delete(s.shards, key)
		}
	}
	return nil
}

func (s *MemoryStore) Close() error { return nil }
