// Package variables models the declarative per-variable configuration that
// the processing and colormap subprocesses consume. The engine only loads it
// to fail fast on a missing or malformed file and to report the variable
// plan; the scientific content (ramps, unit conversions) stays opaque.
package variables

import (
	"fmt"
	"os"
	"sort"

	"gopkg.in/yaml.v3"
)

// Variable describes one forecast variable as the web client sees it.
type Variable struct {
	Name        string `yaml:"name" json:"name"`
	DisplayName string `yaml:"display_name" json:"display_name"`
	Units       string `yaml:"units" json:"units"`
	ColorRampID string `yaml:"color_ramp" json:"color_ramp_id"`
	Priority    int    `yaml:"priority" json:"priority"`
}

// Config is the root of the variables YAML document.
type Config struct {
	Variables []Variable `yaml:"variables"`
}

// Load reads and validates the variables configuration at path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("variables config: %w", err)
	}
	return Parse(data)
}

// Parse decodes a variables configuration document.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("variables config: %w", err)
	}
	if len(cfg.Variables) == 0 {
		return nil, fmt.Errorf("variables config: no variables defined")
	}
	seen := make(map[string]bool, len(cfg.Variables))
	for i, v := range cfg.Variables {
		if v.Name == "" {
			return nil, fmt.Errorf("variables config: entry %d has no name", i)
		}
		if seen[v.Name] {
			return nil, fmt.Errorf("variables config: duplicate variable %q", v.Name)
		}
		seen[v.Name] = true
	}
	return &cfg, nil
}

// Names returns the variable names in priority order (lower first), name as
// tie-break, matching the order the processing step works through them.
func (c *Config) Names() []string {
	vars := make([]Variable, len(c.Variables))
	copy(vars, c.Variables)
	sort.SliceStable(vars, func(i, j int) bool {
		if vars[i].Priority != vars[j].Priority {
			return vars[i].Priority < vars[j].Priority
		}
		return vars[i].Name < vars[j].Name
	})
	names := make([]string, len(vars))
	for i, v := range vars {
		names[i] = v.Name
	}
	return names
}

// ByName returns the variable with the given name, if present.
func (c *Config) ByName(name string) (Variable, bool) {
	for _, v := range c.Variables {
		if v.Name == name {
			return v, true
		}
	}
	return Variable{}, false
}
