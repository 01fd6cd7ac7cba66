package counter

import (
	"context"
	"database/sql"

	"github.com/rotisserie/eris"
)

// SQLiteStore persists counters in the counter_shards table of the embedded
// database. Same upsert protocol as postgres, SQLite dialect.
type SQLiteStore struct {
	db        *sql.DB
	numShards int
}

// NewSQLite wraps the entity store's database handle.
func NewSQLite(db *sql.DB, numShards int) *SQLiteStore {
	if numShards <= 0 {
		numShards = DefaultNumShards
	}
	return &SQLiteStore{db: db, numShards: numShards}
}

func (s *SQLiteStore) IncrementShard(ctx context.Context, key ShardKey, fields map[string]int64) error {
	if len(fields) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return eris.Wrap(err, "counter: begin increment")
	}
	defer tx.Rollback()

	for field, delta := range fields {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO counter_shards (base_key, shard, field, value)
			 VALUES (?, ?, ?, ?)
			 ON CONFLICT (base_key, shard, field)
			 DO UPDATE SET value = value + excluded.value`,
			key.BaseKey, key.Shard, field, delta,
		); err != nil {
			return eris.Wrapf(err, "counter: increment %s field %s", key, field)
		}
	}
	return eris.Wrap(tx.Commit(), "counter: commit increment")
}

func (s *SQLiteStore) ReadShard(ctx context.Context, key ShardKey) (map[string]int64, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT field, value FROM counter_shards WHERE base_key = ? AND shard = ?`,
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

func (s *SQLiteStore) ReadAllShards(ctx context.Context, baseKey string) (map[string]int64, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT field, SUM(value) FROM counter_shards WHERE base_key = ? GROUP BY field`,
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

func (s *SQLiteStore) DeletePrefix(ctx context.Context, prefix string) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM counter_shards WHERE base_key LIKE ? || '%'`,
		prefix,
	)
	return eris.Wrapf(err, "counter: delete prefix %s", prefix)
}

func (s *SQLiteStore) NumShards() int { return s.numShards }

// Close is a no-op; the database handle belongs to the entity store.
func (s *SQLiteStore) Close() error { return nil }
