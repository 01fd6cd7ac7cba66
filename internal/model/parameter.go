package model

import (
	"time"

	"github.com/rotisserie/eris"
)

// ConfigParameter is a versioned remote-config value. Like flags, exactly
// one version per (platform, environment, key) is active at a time, and
// every value change goes through a version bump.
type ConfigParameter struct {
	Platform    string    `json:"platform"`
	Environment string    `json:"environment"`
	Key         string    `json:"key"`
	Version     int       `json:"version"`
	ValueKind   ValueKind `json:"value_kind"`
	Value       string    `json:"value"`

	IsActive  bool      `json:"is_active"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Validate checks the invariants enforced at write time.
func (p *ConfigParameter) Validate() error {
	if p.Platform == "" || p.Environment == "" || p.Key == "" {
		return eris.New("model: config parameter requires platform, environment and key")
	}
	if !p.ValueKind.Valid() {
		return eris.Errorf("model: config parameter %s: unknown value kind %q", p.Key, p.ValueKind)
	}
	return nil
}

// ConfigParameterUpdate enumerates every field a config update may carry.
// Nil fields are left untouched by Apply.
type ConfigParameterUpdate struct {
	ValueKind *ValueKind `json:"value_kind,omitempty"`
	Value     *string    `json:"value,omitempty"`
}

// Apply merges the update into a copy of the parameter and bumps the version.
func (u ConfigParameterUpdate) Apply(p ConfigParameter, now time.Time) ConfigParameter {
	next := p
	next.Version = p.Version + 1
	next.UpdatedAt = now
	if u.ValueKind != nil {
		next.ValueKind = *u.ValueKind
	}
	if u.Value != nil {
		next.Value = *u.Value
	}
	return next
}
