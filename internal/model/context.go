package model

// EvaluationContext carries the client identity and locale attributes that
// targeting and bucketing operate on. UserID is required for any stable or
// targeted outcome; Country and Language are optional.
type EvaluationContext struct {
	UserID   string `json:"user_id"`
	Country  string `json:"country,omitempty"`
	Language string `json:"language,omitempty"`
}

// Targeting is the audience filter attached to a flag or experiment.
// Empty lists mean "no restriction" for that dimension.
type Targeting struct {
	Countries         []string `json:"countries,omitempty"`
	Languages         []string `json:"languages,omitempty"`
	ForceIncludeUsers []string `json:"force_include_users,omitempty"`
	ForceExcludeUsers []string `json:"force_exclude_users,omitempty"`
}

// IsEmpty reports whether no targeting dimension is configured.
func (t Targeting) IsEmpty() bool {
	return len(t.Countries) == 0 &&
		len(t.Languages) == 0 &&
		len(t.ForceIncludeUsers) == 0 &&
		len(t.ForceExcludeUsers) == 0
}
