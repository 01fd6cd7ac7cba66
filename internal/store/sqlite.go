package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	_ "modernc.org/sqlite"

	"github.com/switchboard-io/switchboard/internal/model"
)

// SQLiteStore implements Store using modernc.org/sqlite, for single-node
// deployments and local development. Same swap protocol as postgres; the
// database-level write lock serializes concurrent swaps.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite opens a SQLite database at the given path and configures WAL mode.
func NewSQLite(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: open")
	}
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, eris.Wrapf(err, "sqlite: exec %s", pragma)
		}
	}
	return &SQLiteStore{db: db}, nil
}

// DB exposes the underlying handle for the sqlite counter adapter, so both
// layers share one connection pool.
func (s *SQLiteStore) DB() *sql.DB {
	return s.db
}

const sqliteMigration = `
CREATE TABLE IF NOT EXISTS flag_versions (
	id          TEXT PRIMARY KEY,
	platform    TEXT NOT NULL,
	environment TEXT NOT NULL,
	key         TEXT NOT NULL,
	version     INTEGER NOT NULL,
	payload     TEXT NOT NULL,
	is_active   INTEGER NOT NULL DEFAULT 0,
	UNIQUE (platform, environment, key, version)
);

CREATE UNIQUE INDEX IF NOT EXISTS idx_flag_versions_active
	ON flag_versions(platform, environment, key) WHERE is_active = 1;

CREATE TABLE IF NOT EXISTS config_versions (
	id          TEXT PRIMARY KEY,
	platform    TEXT NOT NULL,
	environment TEXT NOT NULL,
	key         TEXT NOT NULL,
	version     INTEGER NOT NULL,
	payload     TEXT NOT NULL,
	is_active   INTEGER NOT NULL DEFAULT 0,
	UNIQUE (platform, environment, key, version)
);

CREATE UNIQUE INDEX IF NOT EXISTS idx_config_versions_active
	ON config_versions(platform, environment, key) WHERE is_active = 1;

CREATE TABLE IF NOT EXISTS experiments (
	id          TEXT PRIMARY KEY,
	platform    TEXT NOT NULL,
	environment TEXT NOT NULL,
	key         TEXT NOT NULL,
	status      TEXT NOT NULL,
	payload     TEXT NOT NULL,
	UNIQUE (platform, environment, key)
);

CREATE TABLE IF NOT EXISTS counter_shards (
	base_key TEXT NOT NULL,
	shard    INTEGER NOT NULL,
	field    TEXT NOT NULL,
	value    INTEGER NOT NULL DEFAULT 0,
	PRIMARY KEY (base_key, shard, field)
);
`

func (s *SQLiteStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, sqliteMigration)
	return eris.Wrap(err, "sqlite: migrate")
}

func (s *SQLiteStore) Close() error {
	return eris.Wrap(s.db.Close(), "sqlite: close")
}

func isSQLiteUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

// Flags

func (s *SQLiteStore) CreateFlag(ctx context.Context, flag model.Flag) (*model.Flag, error) {
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
		return nil, eris.Wrap(err, "sqlite: marshal flag")
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO flag_versions (id, platform, environment, key, version, payload, is_active)
		 VALUES (?, ?, ?, ?, ?, ?, 1)`,
		uuid.New().String(), flag.Platform, flag.Environment, flag.Key, flag.Version, string(payload),
	)
	if err != nil {
		if isSQLiteUniqueViolation(err) {
			return nil, eris.Wrapf(ErrAlreadyExists, "flag %s/%s/%s", flag.Platform, flag.Environment, flag.Key)
		}
		return nil, eris.Wrap(err, "sqlite: insert flag")
	}
	return &flag, nil
}

func (s *SQLiteStore) GetActiveFlag(ctx context.Context, platform, environment, key string) (*model.Flag, error) {
	var payload string
	err := s.db.QueryRowContext(ctx,
		`SELECT payload FROM flag_versions
		 WHERE platform = ? AND environment = ? AND key = ? AND is_active = 1`,
		platform, environment, key,
	).Scan(&payload)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, eris.Wrapf(ErrNotFound, "flag %s/%s/%s", platform, environment, key)
		}
		return nil, eris.Wrap(err, "sqlite: get active flag")
	}
	var flag model.Flag
	if err := json.Unmarshal([]byte(payload), &flag); err != nil {
		return nil, eris.Wrap(err, "sqlite: unmarshal flag")
	}
	return &flag, nil
}

func (s *SQLiteStore) GetFlagVersion(ctx context.Context, platform, environment, key string, version int) (*model.Flag, error) {
	var payload string
	err := s.db.QueryRowContext(ctx,
		`SELECT payload FROM flag_versions
		 WHERE platform = ? AND environment = ? AND key = ? AND version = ?`,
		platform, environment, key, version,
	).Scan(&payload)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, eris.Wrapf(ErrNotFound, "flag %s version %d", key, version)
		}
		return nil, eris.Wrap(err, "sqlite: get flag version")
	}
	var flag model.Flag
	if err := json.Unmarshal([]byte(payload), &flag); err != nil {
		return nil, eris.Wrap(err, "sqlite: unmarshal flag")
	}
	return &flag, nil
}

func (s *SQLiteStore) ListFlagVersions(ctx context.Context, platform, environment, key string) ([]model.Flag, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT payload FROM flag_versions
		 WHERE platform = ? AND environment = ? AND key = ?
		 ORDER BY version DESC`,
		platform, environment, key,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list flag versions")
	}
	defer rows.Close()

	var flags []model.Flag
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan flag version")
		}
		var flag model.Flag
		if err := json.Unmarshal([]byte(payload), &flag); err != nil {
			return nil, eris.Wrap(err, "sqlite: unmarshal flag version")
		}
		flags = append(flags, flag)
	}
	return flags, eris.Wrap(rows.Err(), "sqlite: list flag versions iterate")
}

func (s *SQLiteStore) UpdateFlag(ctx context.Context, platform, environment, key string, expectedVersion int, upd model.FlagUpdate) (*model.Flag, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: begin flag update")
	}
	defer tx.Rollback()

	current, err := sqliteActiveFlag(ctx, tx, platform, environment, key)
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

	res, err := tx.ExecContext(ctx,
		`UPDATE flag_versions SET is_active = 0
		 WHERE platform = ? AND environment = ? AND key = ? AND is_active = 1 AND version = ?`,
		platform, environment, key, expectedVersion,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: deactivate flag version")
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, eris.Wrapf(ErrVersionConflict, "flag %s: version %d no longer active", key, expectedVersion)
	}

	payload, err := json.Marshal(next)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: marshal flag")
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO flag_versions (id, platform, environment, key, version, payload, is_active)
		 VALUES (?, ?, ?, ?, ?, ?, 1)`,
		uuid.New().String(), platform, environment, key, next.Version, string(payload),
	); err != nil {
		return nil, eris.Wrap(err, "sqlite: insert flag version")
	}

	if err := tx.Commit(); err != nil {
		return nil, eris.Wrap(err, "sqlite: commit flag update")
	}
	return &next, nil
}

func (s *SQLiteStore) UpdateFlagRollout(ctx context.Context, platform, environment, key string, upd model.FlagRolloutUpdate) (*model.Flag, error) {
	if err := upd.Validate(); err != nil {
		return nil, err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: begin rollout update")
	}
	defer tx.Rollback()

	current, err := sqliteActiveFlag(ctx, tx, platform, environment, key)
	if err != nil {
		return nil, err
	}

	next := upd.Apply(*current, time.Now().UTC())
	payload, err := json.Marshal(next)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: marshal flag")
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE flag_versions SET payload = ?
		 WHERE platform = ? AND environment = ? AND key = ? AND is_active = 1`,
		string(payload), platform, environment, key,
	); err != nil {
		return nil, eris.Wrap(err, "sqlite: update flag rollout")
	}

	if err := tx.Commit(); err != nil {
		return nil, eris.Wrap(err, "sqlite: commit rollout update")
	}
	return &next, nil
}

func (s *SQLiteStore) RollbackFlag(ctx context.Context, platform, environment, key string, targetVersion int) (*model.Flag, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: begin flag rollback")
	}
	defer tx.Rollback()

	var payload string
	var isActive bool
	err = tx.QueryRowContext(ctx,
		`SELECT payload, is_active FROM flag_versions
		 WHERE platform = ? AND environment = ? AND key = ? AND version = ?`,
		platform, environment, key, targetVersion,
	).Scan(&payload, &isActive)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, eris.Wrapf(ErrNotFound, "flag %s version %d", key, targetVersion)
		}
		return nil, eris.Wrap(err, "sqlite: load rollback target")
	}

	var target model.Flag
	if err := json.Unmarshal([]byte(payload), &target); err != nil {
		return nil, eris.Wrap(err, "sqlite: unmarshal rollback target")
	}
	if isActive {
		return &target, nil
	}

	now := time.Now().UTC()
	if _, err := tx.ExecContext(ctx,
		`UPDATE flag_versions SET is_active = 0
		 WHERE platform = ? AND environment = ? AND key = ? AND is_active = 1`,
		platform, environment, key,
	); err != nil {
		return nil, eris.Wrap(err, "sqlite: deactivate for rollback")
	}

	target.IsActive = true
	target.UpdatedAt = now
	nextPayload, err := json.Marshal(target)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: marshal rollback target")
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE flag_versions SET is_active = 1, payload = ?
		 WHERE platform = ? AND environment = ? AND key = ? AND version = ?`,
		string(nextPayload), platform, environment, key, targetVersion,
	); err != nil {
		return nil, eris.Wrap(err, "sqlite: activate rollback target")
	}

	if err := tx.Commit(); err != nil {
		return nil, eris.Wrap(err, "sqlite: commit flag rollback")
	}
	return &target, nil
}

func (s *SQLiteStore) DeleteFlag(ctx context.Context, platform, environment, key string) error {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM flag_versions WHERE platform = ? AND environment = ? AND key = ?`,
		platform, environment, key,
	)
	if err != nil {
		return eris.Wrap(err, "sqlite: delete flag")
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return eris.Wrapf(ErrNotFound, "flag %s/%s/%s", platform, environment, key)
	}
	return nil
}

func sqliteActiveFlag(ctx context.Context, tx *sql.Tx, platform, environment, key string) (*model.Flag, error) {
	var payload string
	err := tx.QueryRowContext(ctx,
		`SELECT payload FROM flag_versions
		 WHERE platform = ? AND environment = ? AND key = ? AND is_active = 1`,
		platform, environment, key,
	).Scan(&payload)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, eris.Wrapf(ErrNotFound, "flag %s/%s/%s", platform, environment, key)
		}
		return nil, eris.Wrap(err, "sqlite: load active flag")
	}
	var flag model.Flag
	if err := json.Unmarshal([]byte(payload), &flag); err != nil {
		return nil, eris.Wrap(err, "sqlite: unmarshal active flag")
	}
	return &flag, nil
}
