package config

import (
	"fmt"

	"gopkg.in/yaml.v3"
)

// Clone returns a deep copy of the configuration via a YAML round-trip.
// The config graph is plain data, so this is safe and keeps the copy logic
// from drifting when fields are added.
func (c *Config) Clone() (*Config, error) {
	raw, err := yaml.Marshal(c)
	if err != nil {
		return nil, fmt.Errorf("marshal config: %w", err)
	}
	out := new(Config)
	if err := yaml.Unmarshal(raw, out); err != nil {
		return nil, fmt.Errorf("unmarshal config copy: %w", err)
	}
	return out, nil
}

// Merge applies a partial YAML (or JSON, which YAML accepts) document on top
// of the receiver and returns the merged configuration. Only fields present in
// the overlay are overridden; everything else keeps its current typed value.
// The merged result is validated before being returned.
func (c *Config) Merge(overlay []byte) (*Config, error) {
	merged, err := c.Clone()
	if err != nil {
		return nil, err
	}
	if err := yaml.Unmarshal(overlay, merged); err != nil {
		return nil, fmt.Errorf("parse config overlay: %w", err)
	}
	if err := merged.Validate(); err != nil {
		return nil, fmt.Errorf("validate merged config: %w", err)
	}
	return merged, nil
}
