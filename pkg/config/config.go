package config

import "fmt"

// Config is the live, file-backed configuration of the daemon. A validated
// immutable Run snapshot is taken from it once per session start; the
// control loop never reads the live config directly.
type Config interface {
	// Run returns a snapshot with defaults applied. The snapshot is
	// validated; an invalid configuration never reaches the actuators.
	Run() (Run, error)
	// Update applies the non-nil fields of u and persists the result.
	// The daemon rejects updates while a calibration run is active.
	Update(u *RawFileConfig) error
	// Raw returns a copy of the current raw file contents.
	Raw() *RawFileConfig

	// Load reads the configuration from the source.
	Load() error
	// Save saves the configuration to the source.
	Save() error
}

// ConfigurationError reports an invalid coefficient or limit. It is raised
// before a run starts; a session holding one never leaves IDLE.
type ConfigurationError struct {
	Field  string
	Reason string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("invalid configuration: %s: %s", e.Field, e.Reason)
}

func invalid(field, format string, args ...any) error {
	return &ConfigurationError{Field: field, Reason: fmt.Sprintf(format, args...)}
}
