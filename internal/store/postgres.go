package store

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"

	"github.com/switchboard-io/switchboard/internal/db"
	"github.com/switchboard-io/switchboard/internal/model"
)

// PostgresStore implements Store using pgxpool.
type PostgresStore struct {
	pool    db.Pool
	closeFn func()
}

// PoolConfig holds optional connection pool tuning parameters.
type PoolConfig struct {
	MaxConns int32 `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns int32 `yaml:"min_conns" mapstructure:"min_conns"`
}

// NewPostgres creates a PostgresStore with a connection pool.
func NewPostgres(ctx context.Context, connString string, poolCfg *PoolConfig) (*PostgresStore, error) {
	pgxCfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: parse config")
	}

	maxConns := int32(10)
	minConns := int32(2)
	if poolCfg != nil {
		if poolCfg.MaxConns > 0 {
			maxConns = poolCfg.MaxConns
		}
		if poolCfg.MinConns > 0 {
			minConns = poolCfg.MinConns
		}
	}
	pgxCfg.MaxConns = maxConns
	pgxCfg.MinConns = minConns
	pgxCfg.MaxConnLifetime = 30 * time.Minute
	pgxCfg.MaxConnIdleTime = 5 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, pgxCfg)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: create pool")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, eris.Wrap(err, "postgres: ping")
	}
	return &PostgresStore{pool: pool, closeFn: pool.Close}, nil
}

// Pool returns the underlying database pool for subsystems that need direct
// query access (e.g., the counter store sharing one pool).
func (s *PostgresStore) Pool() db.Pool {
	return s.pool
}

// The versioned-entity invariant is enforced structurally: every version is
// a distinct row keyed by (platform, environment, key, version), and a
// partial unique index permits at most one active row per entity.
const postgresMigration = `
CREATE TABLE IF NOT EXISTS flag_versions (
	id          TEXT PRIMARY KEY,
	platform    TEXT NOT NULL,
	environment TEXT NOT NULL,
	key         TEXT NOT NULL,
	version     INTEGER NOT NULL,
	payload     JSONB NOT NULL,
	is_active   BOOLEAN NOT NULL DEFAULT false,
	created_at  TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at  TIMESTAMPTZ NOT NULL DEFAULT now(),
	UNIQUE (platform, environment, key, version)
);

CREATE UNIQUE INDEX IF NOT EXISTS idx_flag_versions_active
	ON flag_versions(platform, environment, key) WHERE is_active;

CREATE TABLE IF NOT EXISTS config_versions (
	id          TEXT PRIMARY KEY,
	platform    TEXT NOT NULL,
	environment TEXT NOT NULL,
	key         TEXT NOT NULL,
	version     INTEGER NOT NULL,
	payload     JSONB NOT NULL,
	is_active   BOOLEAN NOT NULL DEFAULT false,
	created_at  TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at  TIMESTAMPTZ NOT NULL DEFAULT now(),
	UNIQUE (platform, environment, key, version)
);

CREATE UNIQUE INDEX IF NOT EXISTS idx_config_versions_active
	ON config_versions(platform, environment, key) WHERE is_active;

CREATE TABLE IF NOT EXISTS experiments (
	id          TEXT PRIMARY KEY,
	platform    TEXT NOT NULL,
	environment TEXT NOT NULL,
	key         TEXT NOT NULL,
	status      TEXT NOT NULL,
	payload     JSONB NOT NULL,
	created_at  TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at  TIMESTAMPTZ NOT NULL DEFAULT now(),
	UNIQUE (platform, environment, key)
);

CREATE INDEX IF NOT EXISTS idx_experiments_status ON experiments(status);

CREATE TABLE IF NOT EXISTS counter_shards (
	base_key TEXT NOT NULL,
	shard    INTEGER NOT NULL,
	field    TEXT NOT NULL,
	value    BIGINT NOT NULL DEFAULT 0,
	PRIMARY KEY (base_key, shard, field)
);
`

func (s *PostgresStore) Ping(ctx context.Context) error {
	return eris.Wrap(s.pool.Ping(ctx), "postgres: ping")
}

func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, postgresMigration)
	return eris.Wrap(err, "postgres: migrate")
}

func (s *PostgresStore) Close() error {
	if s.closeFn != nil {
		s.closeFn()
	}
	return nil
}

// isUniqueViolation reports whether err is a postgres unique constraint
// violation (SQLSTATE 23505).
func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

// Flags

func (s *PostgresStore) CreateFlag(ctx context.Context, flag model.Flag) (*model.Flag, error) {
	now := time.Now().UTC()
	flag.Version = 1
	flag.IsActive = true
	flag.CreatedAt = now
	flag.UpdatedAt = now
	if err := flag.Validate(); err != nil {
		return nil, err
	}

	payload, err := json.Marshal(flag)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: marshal flag")
	}

	_, err = s.pool.Exec(ctx,
		`INSERT INTO flag_versions (id, platform, environment, key, version, payload, is_active, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, true, $7, $8)`,
		uuid.New().String(), flag.Platform, flag.Environment, flag.Key, flag.Version, payload, now, now,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, eris.Wrapf(ErrAlreadyExists, "flag %s/%s/%s", flag.Platform, flag.Environment, flag.Key)
		}
		return nil, eris.Wrap(err, "postgres: insert flag")
	}
	return &flag, nil
}

func (s *PostgresStore) GetActiveFlag(ctx context.Context, platform, environment, key string) (*model.Flag, error) {
	return s.scanFlag(s.pool.QueryRow(ctx,
		`SELECT payload FROM flag_versions
		 WHERE platform = $1 AND environment = $2 AND key = $3 AND is_active`,
		platform, environment, key,
	), "postgres: get active flag")
}

func (s *PostgresStore) GetFlagVersion(ctx context.Context, platform, environment, key string, version int) (*model.Flag, error) {
	return s.scanFlag(s.pool.QueryRow(ctx,
		`SELECT payload FROM flag_versions
		 WHERE platform = $1 AND environment = $2 AND key = $3 AND version = $4`,
		platform, environment, key, version,
	), "postgres: get flag version")
}

func (s *PostgresStore) scanFlag(row pgx.Row, action string) (*model.Flag, error) {
	var payload []byte
	if err := row.Scan(&payload); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, eris.Wrap(err, action)
	}
	var flag model.Flag
	if err := json.Unmarshal(payload, &flag); err != nil {
		return nil, eris.Wrap(err, action+": unmarshal")
	}
	return &flag, nil
}

func (s *PostgresStore) ListFlagVersions(ctx context.Context, platform, environment, key string) ([]model.Flag, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT payload FROM flag_versions
		 WHERE platform = $1 AND environment = $2 AND key = $3
		 ORDER BY version DESC`,
		platform, environment, key,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list flag versions")
	}
	defer rows.Close()

	var flags []model.Flag
	for rows.Next() {
		var payload []byte
		if err := rows.Scan(&payload); err != nil {
			return nil, eris.Wrap(err, "postgres: scan flag version")
		}
		var flag model.Flag
		if err := json.Unmarshal(payload, &flag); err != nil {
			return nil, eris.Wrap(err, "postgres: unmarshal flag version")
		}
		flags = append(flags, flag)
	}
	return flags, eris.Wrap(rows.Err(), "postgres: list flag versions iterate")
}

func (s *PostgresStore) UpdateFlag(ctx context.Context, platform, environment, key string, expectedVersion int, upd model.FlagUpdate) (*model.Flag, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: begin flag update")
	}
	defer tx.Rollback(ctx)

	current, err := s.lockActiveFlag(ctx, tx, platform, environment, key)
	if err != nil {
		return nil, err
	}
	if current.Version != expectedVersion {
		return nil, eris.Wrapf(ErrVersionConflict, "flag %s: active version %d, expected %d",
			key, current.Version, expectedVersion)
	}

	now := time.Now().UTC()
	next := upd.Apply(*current, now)
	next.IsActive = true
	if err := next.Validate(); err != nil {
		return nil, err
	}

	// Deactivate the current version, CAS'd on the expected version. Both
	// statements commit together or not at all, so no outside observer sees
	// zero or two active versions.
	tag, err := tx.Exec(ctx,
		`UPDATE flag_versions SET is_active = false, updated_at = $1
		 WHERE platform = $2 AND environment = $3 AND key = $4 AND is_active AND version = $5`,
		now, platform, environment, key, expectedVersion,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: deactivate flag version")
	}
	if tag.RowsAffected() == 0 {
		return nil, eris.Wrapf(ErrVersionConflict, "flag %s: version %d no longer active", key, expectedVersion)
	}

	payload, err := json.Marshal(next)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: marshal flag")
	}
	if _, err := tx.Exec(ctx,
		`INSERT INTO flag_versions (id, platform, environment, key, version, payload, is_active, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, true, $7, $8)`,
		uuid.New().String(), platform, environment, key, next.Version, payload, next.CreatedAt, now,
	); err != nil {
		return nil, eris.Wrap(err, "postgres: insert flag version")
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, eris.Wrap(err, "postgres: commit flag update")
	}
	return &next, nil
}

func (s *PostgresStore) UpdateFlagRollout(ctx context.Context, platform, environment, key string, upd model.FlagRolloutUpdate) (*model.Flag, error) {
	if err := upd.Validate(); err != nil {
		return nil, err
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: begin rollout update")
	}
	defer tx.Rollback(ctx)

	current, err := s.lockActiveFlag(ctx, tx, platform, environment, key)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	next := upd.Apply(*current, now)

	payload, err := json.Marshal(next)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: marshal flag")
	}
	// In-place mutation of the active row: no version bump for toggle and
	// rollout changes.
	if _, err := tx.Exec(ctx,
		`UPDATE flag_versions SET payload = $1, updated_at = $2
		 WHERE platform = $3 AND environment = $4 AND key = $5 AND is_active`,
		payload, now, platform, environment, key,
	); err != nil {
		return nil, eris.Wrap(err, "postgres: update flag rollout")
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, eris.Wrap(err, "postgres: commit rollout update")
	}
	return &next, nil
}

func (s *PostgresStore) RollbackFlag(ctx context.Context, platform, environment, key string, targetVersion int) (*model.Flag, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: begin flag rollback")
	}
	defer tx.Rollback(ctx)

	var payload []byte
	var isActive bool
	err = tx.QueryRow(ctx,
		`SELECT payload, is_active FROM flag_versions
		 WHERE platform = $1 AND environment = $2 AND key = $3 AND version = $4
		 FOR UPDATE`,
		platform, environment, key, targetVersion,
	).Scan(&payload, &isActive)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, eris.Wrapf(ErrNotFound, "flag %s version %d", key, targetVersion)
		}
		return nil, eris.Wrap(err, "postgres: load rollback target")
	}

	var target model.Flag
	if err := json.Unmarshal(payload, &target); err != nil {
		return nil, eris.Wrap(err, "postgres: unmarshal rollback target")
	}
	// Rolling back to the version that is already active is a no-op, which
	// makes the operation idempotent.
	if isActive {
		return &target, nil
	}

	now := time.Now().UTC()
	if _, err := tx.Exec(ctx,
		`UPDATE flag_versions SET is_active = false, updated_at = $1
		 WHERE platform = $2 AND environment = $3 AND key = $4 AND is_active`,
		now, platform, environment, key,
	); err != nil {
		return nil, eris.Wrap(err, "postgres: deactivate for rollback")
	}

	target.IsActive = true
	target.UpdatedAt = now
	payload, err = json.Marshal(target)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: marshal rollback target")
	}
	if _, err := tx.Exec(ctx,
		`UPDATE flag_versions SET is_active = true, payload = $1, updated_at = $2
		 WHERE platform = $3 AND environment = $4 AND key = $5 AND version = $6`,
		payload, now, platform, environment, key, targetVersion,
	); err != nil {
		return nil, eris.Wrap(err, "postgres: activate rollback target")
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, eris.Wrap(err, "postgres: commit flag rollback")
	}
	return &target, nil
}

func (s *PostgresStore) DeleteFlag(ctx context.Context, platform, environment, key string) error {
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM flag_versions WHERE platform = $1 AND environment = $2 AND key = $3`,
		platform, environment, key,
	)
	if err != nil {
		return eris.Wrap(err, "postgres: delete flag")
	}
	if tag.RowsAffected() == 0 {
		return eris.Wrapf(ErrNotFound, "flag %s/%s/%s", platform, environment, key)
	}
	return nil
}

// lockActiveFlag loads the active flag version inside tx with FOR UPDATE so
// concurrent swaps serialize on the row.
func (s *PostgresStore) lockActiveFlag(ctx context.Context, tx pgx.Tx, platform, environment, key string) (*model.Flag, error) {
	var payload []byte
	err := tx.QueryRow(ctx,
		`SELECT payload FROM flag_versions
		 WHERE platform = $1 AND environment = $2 AND key = $3 AND is_active
		 FOR UPDATE`,
		platform, environment, key,
	).Scan(&payload)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, eris.Wrapf(ErrNotFound, "flag %s/%s/%s", platform, environment, key)
		}
		return nil, eris.Wrap(err, "postgres: load active flag")
	}
	var flag model.Flag
	if err := json.Unmarshal(payload, &flag); err != nil {
		return nil, eris.Wrap(err, "postgres: unmarshal active flag")
	}
	return &flag, nil
}
