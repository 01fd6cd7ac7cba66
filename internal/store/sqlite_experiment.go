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

func (s *SQLiteStore) CreateExperiment(ctx context.Context, exp model.Experiment) (*model.Experiment, error) {
	now := time.Now().UTC()
	if exp.Status == "" {
		exp.Status = model.ExperimentStatusDraft
	}
	if exp.ConfidenceLevel == 0 {
		exp.ConfidenceLevel = model.DefaultConfidenceLevel
	}
	exp.CreatedAt = now
	exp.UpdatedAt = now
	if err := exp.Validate(); err != nil {
		return nil, err
	}

	payload, err := json.Marshal(exp)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: marshal experiment")
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO experiments (id, platform, environment, key, status, payload)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		uuid.New().String(), exp.Platform, exp.Environment, exp.Key, string(exp.Status), string(payload),
	)
	if err != nil {
		if isSQLiteUniqueViolation(err) {
			return nil, eris.Wrapf(ErrAlreadyExists, "experiment %s/%s/%s", exp.Platform, exp.Environment, exp.Key)
		}
		return nil, eris.Wrap(err, "sqlite: insert experiment")
	}
	return &exp, nil
}

func (s *SQLiteStore) GetExperiment(ctx context.Context, platform, environment, key string) (*model.Experiment, error) {
	var payload string
	err := s.db.QueryRowContext(ctx,
		`SELECT payload FROM experiments WHERE platform = ? AND environment = ? AND key = ?`,
		platform, environment, key,
	).Scan(&payload)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, eris.Wrapf(ErrNotFound, "experiment %s/%s/%s", platform, environment, key)
		}
		return nil, eris.Wrap(err, "sqlite: get experiment")
	}
	var exp model.Experiment
	if err := json.Unmarshal([]byte(payload), &exp); err != nil {
		return nil, eris.Wrap(err, "sqlite: unmarshal experiment")
	}
	return &exp, nil
}

func (s *SQLiteStore) ReplaceExperiment(ctx context.Context, exp model.Experiment) (*model.Experiment, error) {
	if err := exp.Validate(); err != nil {
		return nil, err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: begin experiment replace")
	}
	defer tx.Rollback()

	current, err := sqliteExperiment(ctx, tx, exp.Platform, exp.Environment, exp.Key)
	if err != nil {
		return nil, err
	}
	if current.Status != model.ExperimentStatusDraft {
		return nil, eris.Wrapf(ErrInvalidState, "experiment %s: full replace only while draft, status is %s",
			exp.Key, current.Status)
	}

	exp.Status = model.ExperimentStatusDraft
	exp.CreatedAt = current.CreatedAt
	exp.UpdatedAt = time.Now().UTC()

	if err := sqliteWriteExperiment(ctx, tx, &exp); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, eris.Wrap(err, "sqlite: commit experiment replace")
	}
	return &exp, nil
}

func (s *SQLiteStore) UpdateExperimentStatus(ctx context.Context, platform, environment, key string, next model.ExperimentStatus) (*model.Experiment, error) {
	if !next.Valid() {
		return nil, eris.Errorf("sqlite: unknown experiment status %q", next)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: begin status update")
	}
	defer tx.Rollback()

	exp, err := sqliteExperiment(ctx, tx, platform, environment, key)
	if err != nil {
		return nil, err
	}
	if !exp.Status.CanTransitionTo(next) {
		return nil, eris.Wrapf(ErrInvalidState, "experiment %s: cannot transition %s -> %s", key, exp.Status, next)
	}

	exp.Status = next
	exp.UpdatedAt = time.Now().UTC()

	if err := sqliteWriteExperiment(ctx, tx, exp); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, eris.Wrap(err, "sqlite: commit status update")
	}
	return exp, nil
}

func (s *SQLiteStore) UpdateTrafficAllocation(ctx context.Context, platform, environment, key string, alloc []model.Allocation) (*model.Experiment, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: begin allocation update")
	}
	defer tx.Rollback()

	exp, err := sqliteExperiment(ctx, tx, platform, environment, key)
	if err != nil {
		return nil, err
	}
	if !allocationMutable(exp.Status) {
		return nil, eris.Wrapf(ErrInvalidState, "experiment %s: allocation immutable in status %s", key, exp.Status)
	}
	if err := model.ValidateAllocation(alloc, exp.Variations); err != nil {
		return nil, eris.Wrapf(err, "sqlite: experiment %s", key)
	}

	exp.TrafficAllocation = alloc
	exp.UpdatedAt = time.Now().UTC()

	if err := sqliteWriteExperiment(ctx, tx, exp); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, eris.Wrap(err, "sqlite: commit allocation update")
	}
	return exp, nil
}

func (s *SQLiteStore) DeleteExperiment(ctx context.Context, platform, environment, key string) error {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM experiments WHERE platform = ? AND environment = ? AND key = ?`,
		platform, environment, key,
	)
	if err != nil {
		return eris.Wrap(err, "sqlite: delete experiment")
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return eris.Wrapf(ErrNotFound, "experiment %s/%s/%s", platform, environment, key)
	}
	return nil
}

func sqliteExperiment(ctx context.Context, tx *sql.Tx, platform, environment, key string) (*model.Experiment, error) {
	var payload string
	err := tx.QueryRowContext(ctx,
		`SELECT payload FROM experiments WHERE platform = ? AND environment = ? AND key = ?`,
		platform, environment, key,
	).Scan(&payload)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, eris.Wrapf(ErrNotFound, "experiment %s/%s/%s", platform, environment, key)
		}
		return nil, eris.Wrap(err, "sqlite: load experiment")
	}
	var exp model.Experiment
	if err := json.Unmarshal([]byte(payload), &exp); err != nil {
		return nil, eris.Wrap(err, "sqlite: unmarshal experiment")
	}
	return &exp, nil
}

func sqliteWriteExperiment(ctx context.Context, tx *sql.Tx, exp *model.Experiment) error {
	payload, err := json.Marshal(exp)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal experiment")
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE experiments SET status = ?, payload = ?
		 WHERE platform = ? AND environment = ? AND key = ?`,
		string(exp.Status), string(payload), exp.Platform, exp.Environment, exp.Key,
	); err != nil {
		return eris.Wrap(err, "sqlite: update experiment")
	}
	return nil
}
