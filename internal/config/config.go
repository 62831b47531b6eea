package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Config models pharmaline.yml: the plant-level tunables that gate the
// engine. It is loaded once and passed into every evaluation; the engine
// never reads ambient global settings.
type Config struct {
	Plant struct {
		ID   string `yaml:"id"`
		Name string `yaml:"name"`
	} `yaml:"plant"`
	Quarantine struct {
		SampleLimit   int    `yaml:"sample_limit"`
		ReleasePolicy string `yaml:"release_policy"` // latest | all
	} `yaml:"quarantine"`
	Timing struct {
		DefaultPhaseHours        float64            `yaml:"default_phase_hours"`
		DefaultMachinePhaseHours float64            `yaml:"default_machine_phase_hours"`
		WarningThresholdPercent  float64            `yaml:"warning_threshold_percent"`
		PhaseHours               map[string]float64 `yaml:"phase_hours"`
	} `yaml:"timing"`
	Breakdown struct {
		ToleranceMinutes float64 `yaml:"tolerance_minutes"`
	} `yaml:"breakdown"`
}

// Release policies for quarantine resolution.
const (
	ReleaseLatestSample = "latest"
	ReleaseAllSamples   = "all"
)

// Path returns the config file location inside a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, ".pharmaline", "pharmaline.yml")
}

// Load reads and validates config from workspace, falling back to
// defaults when no file exists.
func Load(workspace string) (*Config, error) {
	data, err := os.ReadFile(Path(workspace))
	if err != nil {
		if os.IsNotExist(err) {
			return Default("plant-1"), nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// FromYAML parses and validates a config document.
func FromYAML(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	applyDefaults(&cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Default returns the baseline config for a plant.
func Default(plantID string) *Config {
	cfg := &Config{}
	cfg.Plant.ID = plantID
	cfg.Plant.Name = plantID
	applyDefaults(cfg)
	return cfg
}

func applyDefaults(cfg *Config) {
	if cfg.Quarantine.SampleLimit == 0 {
		cfg.Quarantine.SampleLimit = 2
	}
	if cfg.Quarantine.ReleasePolicy == "" {
		cfg.Quarantine.ReleasePolicy = ReleaseLatestSample
	}
	if cfg.Timing.DefaultPhaseHours == 0 {
		cfg.Timing.DefaultPhaseHours = 2.0
	}
	if cfg.Timing.DefaultMachinePhaseHours == 0 {
		cfg.Timing.DefaultMachinePhaseHours = 4.0
	}
	if cfg.Timing.WarningThresholdPercent == 0 {
		cfg.Timing.WarningThresholdPercent = 20.0
	}
	if cfg.Breakdown.ToleranceMinutes == 0 {
		cfg.Breakdown.ToleranceMinutes = 30.0
	}
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.Plant.ID == "" {
		return fmt.Errorf("config.plant.id is required")
	}
	if c.Quarantine.SampleLimit < 1 {
		return fmt.Errorf("config.quarantine.sample_limit must be at least 1")
	}
	switch c.Quarantine.ReleasePolicy {
	case ReleaseLatestSample, ReleaseAllSamples:
	default:
		return fmt.Errorf("config.quarantine.release_policy must be %q or %q", ReleaseLatestSample, ReleaseAllSamples)
	}
	if c.Timing.WarningThresholdPercent < 0 {
		return fmt.Errorf("config.timing.warning_threshold_percent cannot be negative")
	}
	for name, hours := range c.Timing.PhaseHours {
		if hours <= 0 {
			return fmt.Errorf("config.timing.phase_hours[%s] must be positive", name)
		}
	}
	return nil
}

// ExpectedHours returns the advisory expected duration for a phase,
// preferring the per-phase override, then the machine/non-machine default.
func (c *Config) ExpectedHours(phaseName string, machineRequired bool) float64 {
	if h, ok := c.Timing.PhaseHours[phaseName]; ok {
		return h
	}
	if machineRequired {
		return c.Timing.DefaultMachinePhaseHours
	}
	return c.Timing.DefaultPhaseHours
}

// ToYAML renders the config document.
func (c *Config) ToYAML() ([]byte, error) {
	return yaml.Marshal(c)
}
