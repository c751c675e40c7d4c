package domain

import "fmt"

// FallbackModel identifies a provider/model pair the service may switch to.
// The ordered preference list comes from configuration and is immutable
// during a run.
type FallbackModel struct {
	ProviderID string `yaml:"provider" json:"providerID"`
	ModelID    string `yaml:"model"    json:"modelID"`
}

// Key returns the canonical "provider/model" key used in all registries.
func (m FallbackModel) Key() string {
	return ModelKey(m.ProviderID, m.ModelID)
}

// IsZero reports whether both identifiers are empty.
func (m FallbackModel) IsZero() bool {
	return m.ProviderID == "" && m.ModelID == ""
}

func (m FallbackModel) String() string {
	return m.Key()
}

// ModelKey builds the canonical map key for a provider/model pair.
func ModelKey(providerID, modelID string) string {
	return fmt.Sprintf("%s/%s", providerID, modelID)
}

// FallbackMode controls what happens when every fallback model is exhausted.
type FallbackMode string

const (
	// ModeCycle keeps cycling through the preference list on repeated limits.
	ModeCycle FallbackMode = "cycle"
	// ModeStop gives up once the list is exhausted.
	ModeStop FallbackMode = "stop"
	// ModeRetryLast is a reserved mode; selection behaves like cycle.
	ModeRetryLast FallbackMode = "retry-last"
)
