package store

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/rotisserie/eris"

	"github.com/switchboard-io/switchboard/internal/model"
)

// Config parameters share the flag version-swap protocol: every value
// change is a version bump through an atomic deactivate/activate pair.

func (s *PostgresStore) CreateConfigParameter(ctx context.Context, param model.ConfigParameter) (*model.ConfigParameter, error) {
	now := time.Now().UTC()
	param.Version = 1
	param.IsActive = true
	param.CreatedAt = now
	param.UpdatedAt = now
	if err := param.Validate(); err != nil {
		return nil, err
	}

	payload, err := json.Marshal(param)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: marshal config parameter")
	}

	_, err = s.pool.Exec(ctx,
		`INSERT INTO config_versions (id, platform, environment, key, version, payload, is_active, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, true, $7, $8)`,
		uuid.New().String(), param.Platform, param.Environment, param.Key, param.Version, payload, now, now,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, eris.Wrapf(ErrAlreadyExists, "config parameter %s/%s/%s",
				param.Platform, param.Environment, param.Key)
		}
		return nil, eris.Wrap(err, "postgres: insert config parameter")
	}
	return &param, nil
}

func (s *PostgresStore) GetActiveConfigParameter(ctx context.Context, platform, environment, key string) (*model.ConfigParameter, error) {
	var payload []byte
	err := s.pool.QueryRow(ctx,
		`SELECT payload FROM config_versions
		 WHERE platform = $1 AND environment = $2 AND key = $3 AND is_active`,
		platform, environment, key,
	).Scan(&payload)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, eris.Wrap(err, "postgres: get active config parameter")
	}
	var param model.ConfigParameter
	if err := json.Unmarshal(payload, &param); err != nil {
		return nil, eris.Wrap(err, "postgres: unmarshal config parameter")
	}
	return &param, nil
}

func (s *PostgresStore) ListConfigParameterVersions(ctx context.Context, platform, environment, key string) ([]model.ConfigParameter, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT payload FROM config_versions
		 WHERE platform = $1 AND environment = $2 AND key = $3
		 ORDER BY version DESC`,
		platform, environment, key,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list config versions")
	}
	defer rows.Close()

	var params []model.ConfigParameter
	for rows.Next() {
		var payload []byte
		if err := rows.Scan(&payload); err != nil {
			return nil, eris.Wrap(err, "postgres: scan config version")
		}
		var param model.ConfigParameter
		if err := json.Unmarshal(payload, &param); err != nil {
			return nil, eris.Wrap(err, "postgres: unmarshal config version")
		}
		params = append(params, param)
	}
	return params, eris.Wrap(rows.Err(), "postgres: list config versions iterate")
}

func (s *PostgresStore) UpdateConfigParameter(ctx context.Context, platform, environment, key string, expectedVersion int, upd model.ConfigParameterUpdate) (*model.ConfigParameter, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: begin config update")
	}
	defer tx.Rollback(ctx)

	var payload []byte
	err = tx.QueryRow(ctx,
		`SELECT payload FROM config_versions
		 WHERE platform = $1 AND environment = $2 AND key = $3 AND is_active
		 FOR UPDATE`,
		platform, environment, key,
	).Scan(&payload)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, eris.Wrapf(ErrNotFound, "config parameter %s/%s/%s", platform, environment, key)
		}
		return nil, eris.Wrap(err, "postgres: load active config parameter")
	}
	var current model.ConfigParameter
	if err := json.Unmarshal(payload, &current); err != nil {
		return nil, eris.Wrap(err, "postgres: unmarshal active config parameter")
	}
	if current.Version != expectedVersion {
		return nil, eris.Wrapf(ErrVersionConflict, "config parameter %s: active version %d, expected %d",
			key, current.Version, expectedVersion)
	}

	now := time.Now().UTC()
	next := upd.Apply(current, now)
	next.IsActive = true
	if err := next.Validate(); err != nil {
		return nil, err
	}

	tag, err := tx.Exec(ctx,
		`UPDATE config_versions SET is_active = false, updated_at = $1
		 WHERE platform = $2 AND environment = $3 AND key = $4 AND is_active AND version = $5`,
		now, platform, environment, key, expectedVersion,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: deactivate config version")
	}
	if tag.RowsAffected() == 0 {
		return nil, eris.Wrapf(ErrVersionConflict, "config parameter %s: version %d no longer active",
			key, expectedVersion)
	}

	nextPayload, err := json.Marshal(next)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: marshal config parameter")
	}
	if _, err := tx.Exec(ctx,
		`INSERT INTO config_versions (id, platform, environment, key, version, payload, is_active, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, true, $7, $8)`,
		uuid.New().String(), platform, environment, key, next.Version, nextPayload, next.CreatedAt, now,
	); err != nil {
		return nil, eris.Wrap(err, "postgres: insert config version")
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, eris.Wrap(err, "postgres: commit config update")
	}
	return &next, nil
}

func (s *PostgresStore) RollbackConfigParameter(ctx context.Context, platform, environment, key string, targetVersion int) (*model.ConfigParameter, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: begin config rollback")
	}
	defer tx.Rollback(ctx)

	var payload []byte
	var isActive bool
	err = tx.QueryRow(ctx,
		`SELECT payload, is_active FROM config_versions
		 WHERE platform = $1 AND environment = $2 AND key = $3 AND version = $4
		 FOR UPDATE`,
		platform, environment, key, targetVersion,
	).Scan(&payload, &isActive)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, eris.Wrapf(ErrNotFound, "config parameter %s version %d", key, targetVersion)
		}
		return nil, eris.Wrap(err, "postgres: load config rollback target")
	}

	var target model.ConfigParameter
	if err := json.Unmarshal(payload, &target); err != nil {
		return nil, eris.Wrap(err, "postgres: unmarshal config rollback target")
	}
	if isActive {
		return &target, nil
	}

	now := time.Now().UTC()
	if _, err := tx.Exec(ctx,
		`UPDATE config_versions SET is_active = false, updated_at = $1
		 WHERE platform = $2 AND environment = $3 AND key = $4 AND is_active`,
		now, platform, environment, key,
	); err != nil {
		return nil, eris.Wrap(err, "postgres: deactivate for config rollback")
	}

	target.IsActive = true
	target.UpdatedAt = now
	payload, err = json.Marshal(target)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: marshal config rollback target")
	}
	if _, err := tx.Exec(ctx,
		`UPDATE config_versions SET is_active = true, payload = $1, updated_at = $2
		 WHERE platform = $3 AND environment = $4 AND key = $5 AND version = $6`,
		payload, now, platform, environment, key, targetVersion,
	); err != nil {
		return nil, eris.Wrap(err, "postgres: activate config rollback target")
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, eris.Wrap(err, "postgres: commit config rollback")
	}
	return &target, nil
}

func (s *PostgresStore) DeleteConfigParameter(ctx context.Context, platform, environment, key string) error {
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM config_versions WHERE platform = $1 AND environment = $2 AND key = $3`,
		platform, environment, key,
	)
	if err != nil {
		return eris.Wrap(err, "postgres: delete config parameter")
	}
	if tag.RowsAffected() == 0 {
		return eris.Wrapf(ErrNotFound, "config parameter %s/%s/%s", platform, environment, key)
	}
	return nil
}
