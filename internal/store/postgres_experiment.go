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

// Experiments are not versioned: the definition mutates by full replace
// while draft, by the status state machine afterwards, and the traffic
// allocation alone stays mutable through running and paused.

func (s *PostgresStore) CreateExperiment(ctx context.Context, exp model.Experiment) (*model.Experiment, error) {
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
		return nil, eris.Wrap(err, "postgres: marshal experiment")
	}

	_, err = s.pool.Exec(ctx,
		`INSERT INTO experiments (id, platform, environment, key, status, payload, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		uuid.New().String(), exp.Platform, exp.Environment, exp.Key, string(exp.Status), payload, now, now,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, eris.Wrapf(ErrAlreadyExists, "experiment %s/%s/%s", exp.Platform, exp.Environment, exp.Key)
		}
		return nil, eris.Wrap(err, "postgres: insert experiment")
	}
	return &exp, nil
}

func (s *PostgresStore) GetExperiment(ctx context.Context, platform, environment, key string) (*model.Experiment, error) {
	var payload []byte
	err := s.pool.QueryRow(ctx,
		`SELECT payload FROM experiments WHERE platform = $1 AND environment = $2 AND key = $3`,
		platform, environment, key,
	).Scan(&payload)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, eris.Wrap(err, "postgres: get experiment")
	}
	var exp model.Experiment
	if err := json.Unmarshal(payload, &exp); err != nil {
		return nil, eris.Wrap(err, "postgres: unmarshal experiment")
	}
	return &exp, nil
}

func (s *PostgresStore) ReplaceExperiment(ctx context.Context, exp model.Experiment) (*model.Experiment, error) {
	if err := exp.Validate(); err != nil {
		return nil, err
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: begin experiment replace")
	}
	defer tx.Rollback(ctx)

	current, err := lockExperiment(ctx, tx, exp.Platform, exp.Environment, exp.Key)
	if err != nil {
		return nil, err
	}
	if current.Status != model.ExperimentStatusDraft {
		return nil, eris.Wrapf(ErrInvalidState, "experiment %s: full replace only while draft, status is %s",
			exp.Key, current.Status)
	}

	now := time.Now().UTC()
	exp.Status = model.ExperimentStatusDraft
	exp.CreatedAt = current.CreatedAt
	exp.UpdatedAt = now

	if err := writeExperiment(ctx, tx, &exp, now); err != nil {
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, eris.Wrap(err, "postgres: commit experiment replace")
	}
	return &exp, nil
}

func (s *PostgresStore) UpdateExperimentStatus(ctx context.Context, platform, environment, key string, next model.ExperimentStatus) (*model.Experiment, error) {
	if !next.Valid() {
		return nil, eris.Errorf("postgres: unknown experiment status %q", next)
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: begin status update")
	}
	defer tx.Rollback(ctx)

	exp, err := lockExperiment(ctx, tx, platform, environment, key)
	if err != nil {
		return nil, err
	}
	if !exp.Status.CanTransitionTo(next) {
		return nil, eris.Wrapf(ErrInvalidState, "experiment %s: cannot transition %s -> %s",
			key, exp.Status, next)
	}

	now := time.Now().UTC()
	exp.Status = next
	exp.UpdatedAt = now

	if err := writeExperiment(ctx, tx, exp, now); err != nil {
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, eris.Wrap(err, "postgres: commit status update")
	}
	return exp, nil
}

func (s *PostgresStore) UpdateTrafficAllocation(ctx context.Context, platform, environment, key string, alloc []model.Allocation) (*model.Experiment, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: begin allocation update")
	}
	defer tx.Rollback(ctx)

	exp, err := lockExperiment(ctx, tx, platform, environment, key)
	if err != nil {
		return nil, err
	}
	if !allocationMutable(exp.Status) {
		return nil, eris.Wrapf(ErrInvalidState, "experiment %s: allocation immutable in status %s",
			key, exp.Status)
	}
	if err := model.ValidateAllocation(alloc, exp.Variations); err != nil {
		return nil, eris.Wrapf(err, "postgres: experiment %s", key)
	}

	now := time.Now().UTC()
	exp.TrafficAllocation = alloc
	exp.UpdatedAt = now

	if err := writeExperiment(ctx, tx, exp, now); err != nil {
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, eris.Wrap(err, "postgres: commit allocation update")
	}
	return exp, nil
}

func (s *PostgresStore) DeleteExperiment(ctx context.Context, platform, environment, key string) error {
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM experiments WHERE platform = $1 AND environment = $2 AND key = $3`,
		platform, environment, key,
	)
	if err != nil {
		return eris.Wrap(err, "postgres: delete experiment")
	}
	if tag.RowsAffected() == 0 {
		return eris.Wrapf(ErrNotFound, "experiment %s/%s/%s", platform, environment, key)
	}
	return nil
}

func lockExperiment(ctx context.Context, tx pgx.Tx, platform, environment, key string) (*model.Experiment, error) {
	var payload []byte
	err := tx.QueryRow(ctx,
		`SELECT payload FROM experiments
		 WHERE platform = $1 AND environment = $2 AND key = $3
		 FOR UPDATE`,
		platform, environment, key,
	).Scan(&payload)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, eris.Wrapf(ErrNotFound, "experiment %s/%s/%s", platform, environment, key)
		}
		return nil, eris.Wrap(err, "postgres: load experiment")
	}
	var exp model.Experiment
	if err := json.Unmarshal(payload, &exp); err != nil {
		return nil, eris.Wrap(err, "postgres: unmarshal experiment")
	}
	return &exp, nil
}

func writeExperiment(ctx context.Context, tx pgx.Tx, exp *model.Experiment, now time.Time) error {
	payload, err := json.Marshal(exp)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal experiment")
	}
	if _, err := tx.Exec(ctx,
		`UPDATE experiments SET status = $1, payload = $2, updated_at = $3
		 WHERE platform = $4 AND environment = $5 AND key = $6`,
		string(exp.Status), payload, now, exp.Platform, exp.Environment, exp.Key,
	); err != nil {
		return eris.Wrap(err, "postgres: update experiment")
	}
	return nil
}
