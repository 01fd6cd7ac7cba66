package counter

import (
	"context"

	"github.com/rotisserie/eris"

	"github.com/switchboard-io/switchboard/internal/db"
)

// PostgresStore persists counters in the counter_shards table. The upsert
// adds the delta server-side, so concurrent writers never lose increments.
type PostgresStore struct {
	pool      db.Pool
	numShards int
}

// NewPostgres wraps an existing pool, typically the one the entity store
// already holds.
func NewPostgres(pool db.Pool, numShards int) *PostgresStore {
	if numShards <= 0 {
		numShards = DefaultNumShards
	}
	return &PostgresStore{pool: pool, numShards: numShards}
}

func (s *PostgresStore) IncrementShard(ctx context.Context, key ShardKey, fields map[string]int64) error {
	if len(fields) == 0 {
		return nil
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return eris.Wrap(err, "counter: begin increment")
	}
	defer tx.Rollback(ctx)

	for field, delta := range fields {
		if _, err := tx.Exec(ctx,
			`INSERT INTO counter_shards (base_key, shard, field, value)
			 VALUES ($1, $2, $3, $4)
			 ON CONFLICT (base_key, shard, field)
			 DO UPDATE SET value = counter_shards.value + EXCLUDED.value`,
			key.BaseKey, key.Shard, field, delta,
		); err != nil {
			return eris.Wrapf(err, "counter: increment %s field %s", key, field)
		}
	}
	return eris.Wrap(tx.Commit(ctx), "counter: commit increment")
}

func (s *PostgresStore) ReadShard(ctx context.Context, key ShardKey) (map[string]int64, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT field, value FROM counter_shards WHERE base_key = $1 AND shard = $2`,
		key.BaseKey, key.Shard,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "counter: read shard %s", key)
	}
	defer rows.Close()

	fields := make(map[string]int64)
	for rows.Next() {
		var field string
		var value int64
		if err := rows.Scan(&field, &value); err != nil {
			return nil, eris.Wrapf(err, "counter: scan shard %s", key)
		}
		fields[field] = value
	}
	return fields, eris.Wrapf(rows.Err(), "counter: iterate shard %s", key)
}

// ReadAllShards aggregates in a single grouped query instead of fanning out
// per shard; one round trip beats ten here.
func (s *PostgresStore) ReadAllShards(ctx context.Context, baseKey string) (map[string]int64, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT field, SUM(value) FROM counter_shards WHERE base_key = $1 GROUP BY field`,
		baseKey,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "counter: read shards of %s", baseKey)
	}
	defer rows.Close()

	total := make(map[string]int64)
	for rows.Next() {
		var field string
		var value int64
		if err := rows.Scan(&field, &value); err != nil {
			return nil, eris.Wrapf(err, "counter: scan aggregate of %s", baseKey)
		}
		total[field] = value
	}
	return total, eris.Wrapf(rows.Err(), "counter: iterate aggregate of %s", baseKey)
}

func (s *PostgresStore) DeletePrefix(ctx context.Context, prefix string) error {
	_, err := s.pool.Exec(ctx,
		`DELETE FROM counter_shards WHERE base_key LIKE $1 || '%'`,
		prefix,
	)
	return eris.Wrapf(err, "counter: delete prefix %s", prefix)
}

func (s *PostgresStore) NumShards() int { return s.numShards }

// Close is a no-op; the pool belongs to the entity store that created it.
func (s *PostgresStore) Close() error { return nil }
