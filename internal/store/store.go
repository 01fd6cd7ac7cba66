package store

import (
	"context"

	"github.com/rotisserie/eris"

	"github.com/switchboard-io/switchboard/internal/model"
)

// Sentinel errors returned by every Store implementation. Callers map them
// to retry behavior or client-facing statuses with errors.Is.
var (
	// ErrNotFound is returned when an entity or entity version does not exist.
	ErrNotFound = eris.New("store: not found")

	// ErrVersionConflict is returned when a compare-and-swap update loses a
	// race: the active version no longer matches the expected version. The
	// loser must never silently overwrite the winner.
	ErrVersionConflict = eris.New("store: version conflict")

	// ErrAlreadyExists is returned when creating an entity whose
	// (platform, environment, key) is already taken.
	ErrAlreadyExists = eris.New("store: already exists")

	// ErrInvalidState is returned when an experiment mutation is not allowed
	// in the experiment's current status.
	ErrInvalidState = eris.New("store: invalid state")
)

// Store is the persistence contract for versioned entities (flags, config
// parameters) and experiments.
//
// The versioned-entity invariant: for each (platform, environment, key),
// exactly one version has is_active = true at all times except transiently
// inside an atomic swap. Version-bumping updates use compare-and-swap on
// the expected current version; toggle and rollout changes on flags mutate
// the active row in place without a bump.
type Store interface {
	// Flags
	CreateFlag(ctx context.Context, flag model.Flag) (*model.Flag, error)
	GetActiveFlag(ctx context.Context, platform, environment, key string) (*model.Flag, error)
	GetFlagVersion(ctx context.Context, platform, environment, key string, version int) (*model.Flag, error)
	ListFlagVersions(ctx context.Context, platform, environment, key string) ([]model.Flag, error)
	// UpdateFlag atomically deactivates the active version (CAS on
	// expectedVersion) and activates a bumped copy with the update applied.
	UpdateFlag(ctx context.Context, platform, environment, key string, expectedVersion int, upd model.FlagUpdate) (*model.Flag, error)
	// UpdateFlagRollout mutates the active version in place: the enabled
	// toggle and rollout thresholds change without a version bump.
	UpdateFlagRollout(ctx context.Context, platform, environment, key string, upd model.FlagRolloutUpdate) (*model.Flag, error)
	// RollbackFlag reactivates a historical version via the same atomic
	// swap. Rolling back to the already-active version is a no-op, so the
	// operation is idempotent.
	RollbackFlag(ctx context.Context, platform, environment, key string, targetVersion int) (*model.Flag, error)
	DeleteFlag(ctx context.Context, platform, environment, key string) error

	// Config parameters
	CreateConfigParameter(ctx context.Context, param model.ConfigParameter) (*model.ConfigParameter, error)
	GetActiveConfigParameter(ctx context.Context, platform, environment, key string) (*model.ConfigParameter, error)
	ListConfigParameterVersions(ctx context.Context, platform, environment, key string) ([]model.ConfigParameter, error)
	UpdateConfigParameter(ctx context.Context, platform, environment, key string, expectedVersion int, upd model.ConfigParameterUpdate) (*model.ConfigParameter, error)
	RollbackConfigParameter(ctx context.Context, platform, environment, key string, targetVersion int) (*model.ConfigParameter, error)
	DeleteConfigParameter(ctx context.Context, platform, environment, key string) error

	// Experiments
	CreateExperiment(ctx context.Context, exp model.Experiment) (*model.Experiment, error)
	GetExperiment(ctx context.Context, platform, environment, key string) (*model.Experiment, error)
	// ReplaceExperiment fully replaces an experiment's definition; allowed
	// only while the experiment is in draft.
	ReplaceExperiment(ctx context.Context, exp model.Experiment) (*model.Experiment, error)
	// UpdateExperimentStatus advances the status state machine.
	UpdateExperimentStatus(ctx context.Context, platform, environment, key string, next model.ExperimentStatus) (*model.Experiment, error)
	// UpdateTrafficAllocation replaces the allocation; allowed while draft,
	// running or paused.
	UpdateTrafficAllocation(ctx context.Context, platform, environment, key string, alloc []model.Allocation) (*model.Experiment, error)
	DeleteExperiment(ctx context.Context, platform, environment, key string) error

	// Lifecycle
	Migrate(ctx context.Context) error
	Close() error
}

// allocationMutable reports whether an experiment's traffic allocation may
// change in the given status.
func allocationMutable(s model.ExperimentStatus) bool {
	switch s {
	case model.ExperimentStatusDraft, model.ExperimentStatusRunning, model.ExperimentStatusPaused:
		return true
	}
	return false
}
