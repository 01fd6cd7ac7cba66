package store

import (
	"context"
	"sync"
	"time"

	"github.com/rotisserie/eris"

	"github.com/switchboard-io/switchboard/internal/model"
)

type entityID struct {
	platform    string
	environment string
	key         string
}

// MemoryStore implements Store with mutex-guarded maps. It enforces the
// same single-active-version and compare-and-swap semantics as the SQL
// adapters and backs tests and the container's default wiring.
type MemoryStore struct {
	mu          sync.RWMutex
	flags       map[entityID][]model.Flag
	configs     map[entityID][]model.ConfigParameter
	experiments map[entityID]model.Experiment
}

// NewMemory creates an empty MemoryStore.
func NewMemory() *MemoryStore {
	return &MemoryStore{
		flags:       make(map[entityID][]model.Flag),
		configs:     make(map[entityID][]model.ConfigParameter),
		experiments: make(map[entityID]model.Experiment),
	}
}

func (s *MemoryStore) Migrate(ctx context.Context) error { return nil }
func (s *MemoryStore) Close() error                      { return nil }

// Flags

func (s *MemoryStore) CreateFlag(ctx context.Context, flag model.Flag) (*model.Flag, error) {
	now := time.Now().UTC()
	flag.Version = 1
	flag.IsActive = true
	flag.CreatedAt = now
	flag.UpdatedAt = now
	if err := flag.Validate(); err != nil {
		return nil, err
	}

	id := entityID{flag.Platform, flag.Environment, flag.Key}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.flags[id]; ok {
		return nil, eris.Wrapf(ErrAlreadyExists, "flag %s/%s/%s", flag.Platform, flag.Environment, flag.Key)
	}
	s.flags[id] = []model.Flag{flag}
	out := flag
	return &out, nil
}

func (s *MemoryStore) GetActiveFlag(ctx context.Context, platform, environment, key string) (*model.Flag, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	versions, ok := s.flags[entityID{platform, environment, key}]
	if !ok {
		return nil, eris.Wrapf(ErrNotFound, "flag %s/%s/%s", platform, environment, key)
	}
	for i := range versions {
		if versions[i].IsActive {
			out := versions[i]
			return &out, nil
		}
	}
	return nil, eris.Wrapf(ErrNotFound, "flag %s/%s/%s has no active version", platform, environment, key)
}

func (s *MemoryStore) GetFlagVersion(ctx context.Context, platform, environment, key string, version int) (*model.Flag, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, f := range s.flags[entityID{platform, environment, key}] {
		if f.Version == version {
			out := f
			return &out, nil
		}
	}
	return nil, eris.Wrapf(ErrNotFound, "flag %s version %d", key, version)
}

func (s *MemoryStore) ListFlagVersions(ctx context.Context, platform, environment, key string) ([]model.Flag, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	versions := s.flags[entityID{platform, environment, key}]
	out := make([]model.Flag, len(versions))
	// Newest first, matching the SQL adapters.
	for i, f := range versions {
		out[len(versions)-1-i] = f
	}
	return out, nil
}

func (s *MemoryStore) UpdateFlag(ctx context.Context, platform, environment, key string, expectedVersion int, upd model.FlagUpdate) (*model.Flag, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id := entityID{platform, environment, key}
	versions, ok := s.flags[id]
	if !ok {
		return nil, eris.Wrapf(ErrNotFound, "flag %s/%s/%s", platform, environment, key)
	}

	activeIdx := -1
	for i := range versions {
		if versions[i].IsActive {
			activeIdx = i
			break
		}
	}
	if activeIdx < 0 {
		return nil, eris.Wrapf(ErrNotFound, "flag %s/%s/%s has no active version", platform, environment, key)
	}
	if versions[activeIdx].Version != expectedVersion {
		return nil, eris.Wrapf(ErrVersionConflict, "flag %s: active version %d, expected %d",
			key, versions[activeIdx].Version, expectedVersion)
	}

	now := time.Now().UTC()
	next := upd.Apply(versions[activeIdx], now)
	next.IsActive = true
	if err := next.Validate(); err != nil {
		return nil, err
	}

	// The swap happens under one lock hold: no observer sees zero or two
	// active versions.
	versions[activeIdx].IsActive = false
	versions[activeIdx].UpdatedAt = now
	s.flags[id] = append(versions, next)

	out := next
	return &out, nil
}

func (s *MemoryStore) UpdateFlagRollout(ctx context.Context, platform, environment, key string, upd model.FlagRolloutUpdate) (*model.Flag, error) {
	if err := upd.Validate(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	id := entityID{platform, environment, key}
	versions, ok := s.flags[id]
	if !ok {
		return nil, eris.Wrapf(ErrNotFound, "flag %s/%s/%s", platform, environment, key)
	}
	for i := range versions {
		if versions[i].IsActive {
			versions[i] = upd.Apply(versions[i], time.Now().UTC())
			out := versions[i]
			return &out, nil
		}
	}
	return nil, eris.Wrapf(ErrNotFound, "flag %s/%s/%s has no active version", platform, environment, key)
}

func (s *MemoryStore) RollbackFlag(ctx context.Context, platform, environment, key string, targetVersion int) (*model.Flag, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id := entityID{platform, environment, key}
	versions, ok := s.flags[id]
	if !ok {
		return nil, eris.Wrapf(ErrNotFound, "flag %s/%s/%s", platform, environment, key)
	}

	targetIdx := -1
	for i := range versions {
		if versions[i].Version == targetVersion {
			targetIdx = i
			break
		}
	}
	if targetIdx < 0 {
		return nil, eris.Wrapf(ErrNotFound, "flag %s version %d", key, targetVersion)
	}
	if versions[targetIdx].IsActive {
		out := versions[targetIdx]
		return &out, nil
	}

	now := time.Now().UTC()
	for i := range versions {
		if versions[i].IsActive {
			versions[i].IsActive = false
			versions[i].UpdatedAt = now
		}
	}
	versions[targetIdx].IsActive = true
	versions[targetIdx].UpdatedAt = now

	out := versions[targetIdx]
	return &out, nil
}

func (s *MemoryStore) DeleteFlag(ctx context.Context, platform, environment, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := entityID{platform, environment, key}
	if _, ok := s.flags[id]; !ok {
		return eris.Wrapf(ErrNotFound, "flag %s/%s/%s", platform, environment, key)
	}
	delete(s.flags, id)
	return nil
}

// Config parameters

func (s *MemoryStore) CreateConfigParameter(ctx context.Context, param model.ConfigParameter) (*model.ConfigParameter, error) {
	now := time.Now().UTC()
	param.Version = 1
	param.IsActive = true
	param.CreatedAt = now
	param.UpdatedAt = now
	if err := param.Validate(); err != nil {
		return nil, err
	}

	id := entityID{param.Platform, param.Environment, param.Key}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.configs[id]; ok {
		return nil, eris.Wrapf(ErrAlreadyExists, "config parameter %s/%s/%s",
			param.Platform, param.Environment, param.Key)
	}
	s.configs[id] = []model.ConfigParameter{param}
	out := param
	return &out, nil
}

func (s *MemoryStore) GetActiveConfigParameter(ctx context.Context, platform, environment, key string) (*model.ConfigParameter, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, p := range s.configs[entityID{platform, environment, key}] {
		if p.IsActive {
			out := p
			return &out, nil
		}
	}
	return nil, eris.Wrapf(ErrNotFound, "config parameter %s/%s/%s", platform, environment, key)
}

func (s *MemoryStore) ListConfigParameterVersions(ctx context.Context, platform, environment, key string) ([]model.ConfigParameter, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	versions := s.configs[entityID{platform, environment, key}]
	out := make([]model.ConfigParameter, len(versions))
	for i, p := range versions {
		out[len(versions)-1-i] = p
	}
	return out, nil
}

func (s *MemoryStore) UpdateConfigParameter(ctx context.Context, platform, environment, key string, expectedVersion int, upd model.ConfigParameterUpdate) (*model.ConfigParameter, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id := entityID{platform, environment, key}
	versions, ok := s.configs[id]
	if !ok {
		return nil, eris.Wrapf(ErrNotFound, "config parameter %s/%s/%s", platform, environment, key)
	}

	activeIdx := -1
	for i := range versions {
		if versions[i].IsActive {
			activeIdx = i
			break
		}
	}
	if activeIdx < 0 {
		return nil, eris.Wrapf(ErrNotFound, "config parameter %s has no active version", key)
	}
	if versions[activeIdx].Version != expectedVersion {
		return nil, eris.Wrapf(ErrVersionConflict, "config parameter %s: active version %d, expected %d",
			key, versions[activeIdx].Version, expectedVersion)
	}

	now := time.Now().UTC()
	next := upd.Apply(versions[activeIdx], now)
	next.IsActive = true
	if err := next.Validate(); err != nil {
		return nil, err
	}

	versions[activeIdx].IsActive = false
	versions[activeIdx].UpdatedAt = now
	s.configs[id] = append(versions, next)

	out := next
	return &out, nil
}

func (s *MemoryStore) RollbackConfigParameter(ctx context.Context, platform, environment, key string, targetVersion int) (*model.ConfigParameter, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	versions, ok := s.configs[entityID{platform, environment, key}]
	if !ok {
		return nil, eris.Wrapf(ErrNotFound, "config parameter %s/%s/%s", platform, environment, key)
	}

	targetIdx := -1
	for i := range versions {
		if versions[i].Version == targetVersion {
			targetIdx = i
			break
		}
	}
	if targetIdx < 0 {
		return nil, eris.Wrapf(ErrNotFound, "config parameter %s version %d", key, targetVersion)
	}
	if versions[targetIdx].IsActive {
		out := versions[targetIdx]
		return &out, nil
	}

	now := time.Now().UTC()
	for i := range versions {
		if versions[i].IsActive {
			versions[i].IsActive = false
			versions[i].UpdatedAt = now
		}
	}
	versions[targetIdx].IsActive = true
	versions[targetIdx].UpdatedAt = now

	out := versions[targetIdx]
	return &out, nil
}

func (s *MemoryStore) DeleteConfigParameter(ctx context.Context, platform, environment, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := entityID{platform, environment, key}
	if _, ok := s.configs[id]; !ok {
		return eris.Wrapf(ErrNotFound, "config parameter %s/%s/%s", platform, environment, key)
	}
	delete(s.configs, id)
	return nil
}

// Experiments

func (s *MemoryStore) CreateExperiment(ctx context.Context, exp model.Experiment) (*model.Experiment, error) {
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

	id := entityID{exp.Platform, exp.Environment, exp.Key}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.experiments[id]; ok {
		return nil, eris.Wrapf(ErrAlreadyExists, "experiment %s/%s/%s", exp.Platform, exp.Environment, exp.Key)
	}
	s.experiments[id] = exp
	out := exp
	return &out, nil
}

func (s *MemoryStore) GetExperiment(ctx context.Context, platform, environment, key string) (*model.Experiment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	exp, ok := s.experiments[entityID{platform, environment, key}]
	if !ok {
		return nil, eris.Wrapf(ErrNotFound, "experiment %s/%s/%s", platform, environment, key)
	}
	out := exp
	return &out, nil
}

func (s *MemoryStore) ReplaceExperiment(ctx context.Context, exp model.Experiment) (*model.Experiment, error) {
	if err := exp.Validate(); err != nil {
		return nil, err
	}

	id := entityID{exp.Platform, exp.Environment, exp.Key}

	s.mu.Lock()
	defer s.mu.Unlock()
	current, ok := s.experiments[id]
	if !ok {
		return nil, eris.Wrapf(ErrNotFound, "experiment %s/%s/%s", exp.Platform, exp.Environment, exp.Key)
	}
	if current.Status != model.ExperimentStatusDraft {
		return nil, eris.Wrapf(ErrInvalidState, "experiment %s: full replace only while draft, status is %s",
			exp.Key, current.Status)
	}

	exp.Status = model.ExperimentStatusDraft
	exp.CreatedAt = current.CreatedAt
	exp.UpdatedAt = time.Now().UTC()
	s.experiments[id] = exp

	out := exp
	return &out, nil
}

func (s *MemoryStore) UpdateExperimentStatus(ctx context.Context, platform, environment, key string, next model.ExperimentStatus) (*model.Experiment, error) {
	if !next.Valid() {
		return nil, eris.Errorf("memory: unknown experiment status %q", next)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	id := entityID{platform, environment, key}
	exp, ok := s.experiments[id]
	if !ok {
		return nil, eris.Wrapf(ErrNotFound, "experiment %s/%s/%s", platform, environment, key)
	}
	if !exp.Status.CanTransitionTo(next) {
		return nil, eris.Wrapf(ErrInvalidState, "experiment %s: cannot transition %s -> %s", key, exp.Status, next)
	}

	exp.Status = next
	exp.UpdatedAt = time.Now().UTC()
	s.experiments[id] = exp

	out := exp
	return &out, nil
}

func (s *MemoryStore) UpdateTrafficAllocation(ctx context.Context, platform, environment, key string, alloc []model.Allocation) (*model.Experiment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id := entityID{platform, environment, key}
	exp, ok := s.experiments[id]
	if !ok {
		return nil, eris.Wrapf(ErrNotFound, "experiment %s/%s/%s", platform, environment, key)
	}
	if !allocationMutable(exp.Status) {
		return nil, eris.Wrapf(ErrInvalidState, "experiment %s: allocation immutable in status %s", key, exp.Status)
	}
	if err := model.ValidateAllocation(alloc, exp.Variations); err != nil {
		return nil, eris.Wrapf(err, "memory: experiment %s", key)
	}

	exp.TrafficAllocation = alloc
	exp.UpdatedAt = time.Now().UTC()
	s.experiments[id] = exp

	out := exp
	return &out, nil
}

func (s *MemoryStore) DeleteExperiment(ctx context.Context, platform, environment, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := entityID{platform, environment, key}
	if _, ok := s.experiments[id]; !ok {
		return eris.Wrapf(ErrNotFound, "experiment %s/%s/%s", platform, environment, key)
	}
	delete(s.experiments, id)
	return nil
}
