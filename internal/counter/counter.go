// Package counter provides sharded monotonic counters for measurement
// aggregates. Writers pick a shard from a stable hash of the counter's
// entity or dimension key so concurrent increments spread across rows
// instead of contending on one, and readers sum every shard to recover the
// total.
package counter

import (
	"context"
	"fmt"

	"github.com/rotisserie/eris"
	"golang.org/x/sync/errgroup"
)

// DefaultNumShards is the shard count used when configuration does not
// override it. Ten shards keeps hot counters contention-free without making
// aggregate reads expensive.
const DefaultNumShards = 10

// ShardKey addresses one shard of a sharded counter.
type ShardKey struct {
	BaseKey string
	Shard   int
}

func (k ShardKey) String() string {
	return fmt.Sprintf("%s:%d", k.BaseKey, k.Shard)
}

// Store is the sharded counter contract. Increments on a single shard are
// atomic; cross-shard reads are not a snapshot, which is acceptable for
// monotonic counters.
type Store interface {
	// IncrementShard atomically adds each field delta to one shard.
	IncrementShard(ctx context.Context, key ShardKey, fields map[string]int64) error

	// ReadShard returns the field values of a single shard. Missing shards
	// read as empty, not as an error.
	ReadShard(ctx context.Context, key ShardKey) (map[string]int64, error)

	// ReadAllShards sums the fields of every shard of baseKey. Any shard
	// read failure fails the whole aggregate rather than returning a
	// silently low total.
	ReadAllShards(ctx context.Context, baseKey string) (map[string]int64, error)

	// DeletePrefix removes every shard of every base key starting with
	// prefix. Used when an entity is deleted and its measurement keys
	// must go with it.
	DeletePrefix(ctx context.Context, prefix string) error

	// NumShards reports the shard count writers should spread across.
	NumShards() int

	Close() error
}

// readAllShards fans per-shard reads out in parallel and merges the results.
// Shared by every adapter whose backend has no native multi-key aggregation.
func readAllShards(ctx context.Context, s Store, baseKey string) (map[string]int64, error) {
	shards := make([]map[string]int64, s.NumShards())

	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < s.NumShards(); i++ {
		i := i
		g.Go(func() error {
			fields, err := s.ReadShard(ctx, ShardKey{BaseKey: baseKey, Shard: i})
			if err != nil {
				return err
			}
			shards[i] = fields
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, eris.Wrapf(err, "counter: read shards of %s", baseKey)
	}

	total := make(map[string]int64)
	for _, fields := range shards {
		for field, value := range fields {
			total[field] += value
		}
	}
	return total, nil
}
