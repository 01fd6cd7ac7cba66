package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"

	"github.com/switchboard-io/switchboard/internal/model"
)

func (s *SQLiteStore) CreateConfigParameter(ctx context.Context, param model.ConfigParameter) (*model.ConfigParameter, error) {
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
		return nil, eris.Wrap(err, "sqlite: marshal config parameter")
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO config_versions (id, platform, environment, key, version, payload, is_active)
		 VALUES (?, ?, ?, ?, ?, ?, 1)`,
		uuid.New().String(), param.Platform, param.Environment, param.Key, param.Version, string(payload),
	)
	if err != nil {
		if isSQLiteUniqueViolation(err) {
			return nil, eris.Wrapf(ErrAlreadyExists, "config parameter %s/%s/%s",
				param.Platform, param.Environment, param.Key)
		}
		return nil, eris.Wrap(err, "sqlite: insert config parameter")
	}
	return &param, nil
}

func (s *SQLiteStore) GetActiveConfigParameter(ctx context.Context, platform, environment, key string) (*model.ConfigParameter, error) {
	var payload string
	err := s.db.QueryRowContext(ctx,
		`SELECT payload FROM config_versions
		 WHERE platform = ? AND environment = ? AND key = ? AND is_active = 1`,
		platform, environment, key,
	).Scan(&payload)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, eris.Wrapf(ErrNotFound, "config parameter %s/%s/%s", platform, environment, key)
		}
		return nil, eris.Wrap(err, "sqlite: get active config parameter")
	}
	var param model.ConfigParameter
	if err := json.Unmarshal([]byte(payload), &param); err != nil {
		return nil, eris.Wrap(err, "sqlite: unmarshal config parameter")
	}
	return &param, nil
}

func (s *SQLiteStore) ListConfigParameterVersions(ctx context.Context, platform, environment, key string) ([]model.ConfigParameter, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT payload FROM config_versions
		 WHERE platform = ? AND environment = ? AND key = ?
		 ORDER BY version DESC`,
		platform, environment, key,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list config versions")
	}
	defer rows.Close()

	var params []model.ConfigParameter
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan config version")
		}
		var param model.ConfigParameter
		if err := json.Unmarshal([]byte(payload), &param); err != nil {
			return nil, eris.Wrap(err, "sqlite: unmarshal config version")
		}
		params = append(params, param)
	}
	return params, eris.Wrap(rows.Err(), "sqlite: list config versions iterate")
}

func (s *SQLiteStore) UpdateConfigParameter(ctx context.Context, platform, environment, key string, expectedVersion int, upd model.ConfigParameterUpdate) (*model.ConfigParameter, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: begin config update")
	}
	defer tx.Rollback()

	var payload string
	err = tx.QueryRowContext(ctx,
		`SELECT payload FROM config_versions
		 WHERE platform = ? AND environment = ? AND key = ? AND is_active = 1`,
		platform, environment, key,
	).Scan(&payload)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, eris.Wrapf(ErrNotFound, "config parameter %s/%s/%s", platform, environment, key)
		}
		return nil, eris.Wrap(err, "sqlite: load active config parameter")
	}
	var current model.ConfigParameter
	if err := json.Unmarshal([]byte(payload), &current); err != nil {
		return nil, eris.Wrap(err, "sqlite: unmarshal active config parameter")
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

	res, err := tx.ExecContext(ctx,
		`UPDATE config_versions SET is_active = 0
		 WHERE platform = ? AND environment = ? AND key = ? AND is_active = 1 AND version = ?`,
		platform, environment, key, expectedVersion,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: deactivate config version")
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, eris.Wrapf(ErrVersionConflict, "config parameter %s: version %d no longer active",
			key, expectedVersion)
	}

	nextPayload, err := json.Marshal(next)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: marshal config parameter")
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO config_versions (id, platform, environment, key, version, payload, is_active)
		 VALUES (?, ?, ?, ?, ?, ?, 1)`,
		uuid.New().String(), platform, environment, key, next.Version, string(nextPayload),
	); err != nil {
		return nil, eris.Wrap(err, "sqlite: insert config version")
	}

	if err := tx.Commit(); err != nil {
		return nil, eris.Wrap(err, "sqlite: commit config update")
	}
	return &next, nil
}

func (s *SQLiteStore) RollbackConfigParameter(ctx context.Context, platform, environment, key string, targetVersion int) (*model.ConfigParameter, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: begin config rollback")
	}
	defer tx.Rollback()

	var payload string
	var isActive bool
	err = tx.QueryRowContext(ctx,
		`SELECT payload, is_active FROM config_versions
		 WHERE platform = ? AND environment = ? AND key = ? AND version = ?`,
		platform, environment, key, targetVersion,
	).Scan(&payload, &isActive)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, eris.Wrapf(ErrNotFound, "config parameter %s version %d", key, targetVersion)
		}
		return nil, eris.Wrap(err, "sqlite: load config rollback target")
	}

	var target model.ConfigParameter
	if err := json.Unmarshal([]byte(payload), &target); err != nil {
		return nil, eris.Wrap(err, "sqlite: unmarshal config rollback target")
	}
	if isActive {
		return &target, nil
	}

	now := time.Now().UTC()
	if _, err := tx.ExecContext(ctx,
		`UPDATE config_versions SET is_active = 0
		 WHERE platform = ? AND environment = ? AND key = ? AND is_active = 1`,
		platform, environment, key,
	); err != nil {
		return nil, eris.Wrap(err, "sqlite: deactivate for config rollback")
	}

	target.IsActive = true
	target.UpdatedAt = now
	nextPayload, err := json.Marshal(target)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: marshal config rollback target")
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE config_versions SET is_active = 1, payload = ?
		 WHERE platform = ? AND environment = ? AND key = ? AND version = ?`,
		string(nextPayload), platform, environment, key, targetVersion,
	); err != nil {
		return nil, eris.Wrap(err, "sqlite: activate config rollback target")
	}

	if err := tx.Commit(); err != nil {
		return nil, eris.Wrap(err, "sqlite: commit config rollback")
	}
	return &target, nil
}

func (s *SQLiteStore) DeleteConfigParameter(ctx context.Context, platform, environment, key string) error {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM config_versions WHERE platform = ? AND environment = ? AND key = ?`,
		platform, environment, key,
	)
	if err != nil {
		return eris.Wrap(err, "sqlite: delete config parameter")
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return eris.Wrapf(ErrNotFound, "config parameter %s/%s/%s", platform, environment, key)
	}
	return nil
}
