// Package config loads declarative resource documents and turns them into
// the typed nodes the engine plans over. The document format is plain YAML;
// the only expression form is the whole-string output reference
// "${type.name.output}".
package config

import (
	"fmt"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration parses YAML scalars like "5s" or "10m" into a time.Duration.
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return fmt.Errorf("duration must be a string like \"30s\": %w", err)
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

// Document is the root of a resource configuration file.
type Document struct {
	// Version is the document format version. Only version 1 exists.
	Version int `yaml:"version" validate:"omitempty,eq=1"`

	// Settings carries run defaults that flags may override.
	Settings Settings `yaml:"settings"`

	// Resources declares the managed resources.
	Resources []ResourceConfig `yaml:"resources" validate:"required,min=1,dive"`
}

// Settings holds per-document run defaults.
type Settings struct {
	// StatePath is the SQLite state database path.
	StatePath string `yaml:"state_path"`

	// Concurrency bounds in-flight provider operations per wave.
	Concurrency int `yaml:"concurrency" validate:"omitempty,min=1,max=64"`
}

// ResourceConfig declares one resource.
type ResourceConfig struct {
	// Type selects the provider.
	Type string `yaml:"type" validate:"required"`

	// Name is the logical name, unique per type.
	Name string `yaml:"name" validate:"required"`

	// Attributes is the desired configuration. String values of the form
	// "${type.name.output}" become references.
	Attributes map[string]any `yaml:"attributes"`

	// DependsOn lists explicit dependencies as "type.name" IDs.
	DependsOn []string `yaml:"depends_on"`

	// Lifecycle sets the replacement policy.
	Lifecycle LifecycleConfig `yaml:"lifecycle"`

	// Wait gates dependents until the condition converges.
	Wait *WaitConfig `yaml:"wait"`
}

// LifecycleConfig mirrors the engine's lifecycle policy.
type LifecycleConfig struct {
	CreateBeforeDestroy bool     `yaml:"create_before_destroy"`
	ImmutableKeys       []string `yaml:"immutable_keys"`
}

// WaitConfig declares a readiness condition on an output attribute.
type WaitConfig struct {
	Output   string   `yaml:"output" validate:"required"`
	Expect   string   `yaml:"expect" validate:"required"`
	Interval Duration `yaml:"interval"`
	Timeout  Duration `yaml:"timeout"`
}
