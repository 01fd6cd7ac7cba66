package counter

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/switchboard-io/switchboard/internal/bucket"
)

func TestMemoryStore_IncrementAndReadShard(t *testing.T) {
	s := NewMemory(4)
	ctx := context.Background()

	key := ShardKey{BaseKey: "flag:ios:production:checkout-redesign", Shard: 2}
	require.NoError(t, s.IncrementShard(ctx, key, map[string]int64{"requests": 3, "served_a": 1}))
	require.NoError(t, s.IncrementShard(ctx, key, map[string]int64{"requests": 2}))

	fields, err := s.ReadShard(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, int64(5), fields["requests"])
	assert.Equal(t, int64(1), fields["served_a"])
}

func TestMemoryStore_MissingShardReadsEmpty(t *testing.T) {
	s := NewMemory(4)

	fields, err := s.ReadShard(context.Background(), ShardKey{BaseKey: "flag:none", Shard: 0})
	require.NoError(t, err)
	assert.Empty(t, fields)

	total, err := s.ReadAllShards(context.Background(), "flag:none")
	require.NoError(t, err)
	assert.Empty(t, total)
}

func TestMemoryStore_ReadAllShardsSumsAcrossShards(t *testing.T) {
	s := NewMemory(10)
	ctx := context.Background()

	for shard := 0; shard < s.NumShards(); shard++ {
		key := ShardKey{BaseKey: "exp:web:production:pricing-page:control", Shard: shard}
		require.NoError(t, s.IncrementShard(ctx, key, map[string]int64{"exposures": int64(shard + 1)}))
	}

	total, err := s.ReadAllShards(ctx, "exp:web:production:pricing-page:control")
	require.NoError(t, err)
	// 1 + 2 + ... + 10
	assert.Equal(t, int64(55), total["exposures"])
}

// A thousand goroutines incrementing the same base key across hashed shards
// must account for every single increment.
func TestMemoryStore_ConcurrentIncrementsLoseNothing(t *testing.T) {
	s := NewMemory(DefaultNumShards)
	ctx := context.Background()
	baseKey := "flag:ios:production:checkout-redesign"

	var wg sync.WaitGroup
	for i := 0; i < 1000; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			shard := bucket.ShardIndex(fmt.Sprintf("user-%d", n), s.NumShards())
			err := s.IncrementShard(ctx, ShardKey{BaseKey: baseKey, Shard: shard},
				map[string]int64{"requests": 1})
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	total, err := s.ReadAllShards(ctx, baseKey)
	require.NoError(t, err)
	assert.Equal(t, int64(1000), total["requests"])

	// The hash should actually have spread the writes around.
	populated := 0
	for shard := 0; shard < s.NumShards(); shard++ {
		fields, err := s.ReadShard(ctx, ShardKey{BaseKey: baseKey, Shard: shard})
		require.NoError(t, err)
		if fields["requests"] > 0 {
			populated++
		}
	}
	assert.Greater(t, populated, 1)
}

func TestMemoryStore_DeletePrefix(t *testing.T) {
	s := NewMemory(2)
	ctx := context.Background()

	require.NoError(t, s.IncrementShard(ctx,
		ShardKey{BaseKey: "flag:ios:production:checkout-redesign", Shard: 0},
		map[string]int64{"requests": 1}))
	require.NoError(t, s.IncrementShard(ctx,
		ShardKey{BaseKey: "flagc:ios:production:checkout-redesign:US", Shard: 0},
		map[string]int64{"requests": 1}))
	require.NoError(t, s.IncrementShard(ctx,
		ShardKey{BaseKey: "flag:ios:production:other-flag", Shard: 0},
		map[string]int64{"requests": 1}))

	require.NoError(t, s.DeletePrefix(ctx, "flag:ios:production:checkout-redesign"))

	gone, err := s.ReadAllShards(ctx, "flag:ios:production:checkout-redesign")
	require.NoError(t, err)
	assert.Empty(t, gone)

	kept, err := s.ReadAllShards(ctx, "flag:ios:production:other-flag")
	require.NoError(t, err)
	assert.Equal(t, int64(1), kept["requests"])
}
