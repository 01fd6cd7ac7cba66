package model

import (
	"time"

	"github.com/rotisserie/eris"
)

// ValueKind declares how a flag or config parameter payload is typed.
type ValueKind string

const (
	ValueKindBoolean ValueKind = "boolean"
	ValueKindString  ValueKind = "string"
	ValueKindNumber  ValueKind = "number"
	ValueKindJSON    ValueKind = "json"
)

// Valid reports whether k is a known value kind.
func (k ValueKind) Valid() bool {
	switch k {
	case ValueKindBoolean, ValueKindString, ValueKindNumber, ValueKindJSON:
		return true
	}
	return false
}

// ServedValue identifies which side of a two-value flag was served.
type ServedValue string

const (
	ServedValueA ServedValue = "A"
	ServedValueB ServedValue = "B"
)

// Flag is a two-value (A/B) toggle with targeting and optional independent
// rollout percentages. A flag is unique per (platform, environment, key) and
// exactly one version is active at a time.
type Flag struct {
	Platform     string      `json:"platform"`
	Environment  string      `json:"environment"`
	Key          string      `json:"key"`
	Version      int         `json:"version"`
	Enabled      bool        `json:"enabled"`
	ValueKind    ValueKind   `json:"value_kind"`
	ValueA       string      `json:"value_a"`
	ValueB       string      `json:"value_b"`
	DefaultValue ServedValue `json:"default_value"`

	// RolloutPercentageA and RolloutPercentageB are independent thresholds
	// in [0,100]. They need not sum to 100: overlapping ranges resolve in
	// favor of A, and a gap falls through to the default value.
	RolloutEnabled     bool     `json:"rollout_enabled"`
	RolloutPercentageA *float64 `json:"rollout_percentage_a,omitempty"`
	RolloutPercentageB *float64 `json:"rollout_percentage_b,omitempty"`

	Targeting Targeting `json:"targeting"`

	IsActive  bool      `json:"is_active"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Validate checks the invariants enforced at write time. The evaluation
// engine never sees a flag that fails these checks.
func (f *Flag) Validate() error {
	if f.Platform == "" || f.Environment == "" || f.Key == "" {
		return eris.New("model: flag requires platform, environment and key")
	}
	if !f.ValueKind.Valid() {
		return eris.Errorf("model: flag %s: unknown value kind %q", f.Key, f.ValueKind)
	}
	if f.DefaultValue != ServedValueA && f.DefaultValue != ServedValueB {
		return eris.Errorf("model: flag %s: default value must be A or B, got %q", f.Key, f.DefaultValue)
	}
	if err := validatePercentage(f.RolloutPercentageA, "rollout_percentage_a"); err != nil {
		return eris.Wrapf(err, "model: flag %s", f.Key)
	}
	if err := validatePercentage(f.RolloutPercentageB, "rollout_percentage_b"); err != nil {
		return eris.Wrapf(err, "model: flag %s", f.Key)
	}
	return nil
}

func validatePercentage(p *float64, name string) error {
	if p == nil {
		return nil
	}
	if *p < 0 || *p > 100 {
		return eris.Errorf("%s must be within [0,100], got %v", name, *p)
	}
	return nil
}

// FlagUpdate enumerates every field a version-bumping flag update may carry.
// Nil fields are left untouched by Apply. Toggle and rollout changes go
// through FlagRolloutUpdate instead, which mutates the active version in
// place without a bump.
type FlagUpdate struct {
	ValueKind    *ValueKind   `json:"value_kind,omitempty"`
	ValueA       *string      `json:"value_a,omitempty"`
	ValueB       *string      `json:"value_b,omitempty"`
	DefaultValue *ServedValue `json:"default_value,omitempty"`
	Targeting    *Targeting   `json:"targeting,omitempty"`
}

// Apply merges the update into a copy of the flag and bumps the version.
// The result still needs Validate before it is persisted.
func (u FlagUpdate) Apply(f Flag, now time.Time) Flag {
	next := f
	next.Version = f.Version + 1
	next.UpdatedAt = now
	if u.ValueKind != nil {
		next.ValueKind = *u.ValueKind
	}
	if u.ValueA != nil {
		next.ValueA = *u.ValueA
	}
	if u.ValueB != nil {
		next.ValueB = *u.ValueB
	}
	if u.DefaultValue != nil {
		next.DefaultValue = *u.DefaultValue
	}
	if u.Targeting != nil {
		next.Targeting = *u.Targeting
	}
	return next
}

// FlagRolloutUpdate carries the in-place operational changes allowed on the
// active flag version: the enabled toggle and the rollout thresholds.
type FlagRolloutUpdate struct {
	Enabled        *bool    `json:"enabled,omitempty"`
	RolloutEnabled *bool    `json:"rollout_enabled,omitempty"`
	PercentageA    *float64 `json:"percentage_a,omitempty"`
	PercentageB    *float64 `json:"percentage_b,omitempty"`
}

// Validate rejects out-of-range rollout thresholds.
func (u FlagRolloutUpdate) Validate() error {
	if err := validatePercentage(u.PercentageA, "percentage_a"); err != nil {
		return eris.Wrap(err, "model: rollout update")
	}
	if err := validatePercentage(u.PercentageB, "percentage_b"); err != nil {
		return eris.Wrap(err, "model: rollout update")
	}
	return nil
}

// Apply merges the in-place update into a copy of the flag. The version is
// deliberately not bumped.
func (u FlagRolloutUpdate) Apply(f Flag, now time.Time) Flag {
	next := f
	next.UpdatedAt = now
	if u.Enabled != nil {
		next.Enabled = *u.Enabled
	}
	if u.RolloutEnabled != nil {
		next.RolloutEnabled = *u.RolloutEnabled
	}
	if u.PercentageA != nil {
		p := *u.PercentageA
		next.RolloutPercentageA = &p
	}
	if u.PercentageB != nil {
		p := *u.PercentageB
		next.RolloutPercentageB = &p
	}
	return next
}
