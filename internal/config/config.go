package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config models raidcore.yml.
type Config struct {
	Server struct {
		ID         string `yaml:"id"`
		Region     string `yaml:"region"`
		Difficulty string `yaml:"difficulty"`
	} `yaml:"server"`
	Loop struct {
		TickRate int `yaml:"tick_rate"`
	} `yaml:"loop"`
	Modifiers struct {
		RotationCheck string             `yaml:"rotation_check"`
		Strengths     map[string]float64 `yaml:"strengths"`
	} `yaml:"modifiers"`
	Progression struct {
		Power     float64 `yaml:"power"`
		Level     int     `yaml:"level"`
		Ascension bool    `yaml:"ascension"`
	} `yaml:"progression"`
	Distributed struct {
		ReadinessPoll string `yaml:"readiness_poll"`
		SyncInterval  string `yaml:"sync_interval"`
		StartDelay    string `yaml:"start_delay"`
	} `yaml:"distributed"`
	API struct {
		Listen string `yaml:"listen"`
		Secret string `yaml:"secret"`
		Key    string `yaml:"key"`
	} `yaml:"api"`
}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; create one with raidctl config init", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// LoadOptional returns nil,nil if the config file does not exist.
func LoadOptional(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.Server.ID == "" {
		return fmt.Errorf("config.server.id is required")
	}
	switch c.Server.Difficulty {
	case "peaceful", "easy", "normal", "hard":
	default:
		return fmt.Errorf("config.server.difficulty must be one of peaceful, easy, normal, hard")
	}
	if c.Loop.TickRate <= 0 || c.Loop.TickRate > 120 {
		return fmt.Errorf("config.loop.tick_rate must be between 1 and 120")
	}
	for _, field := range []struct {
		name, value string
	}{
		{"config.modifiers.rotation_check", c.Modifiers.RotationCheck},
		{"config.distributed.readiness_poll", c.Distributed.ReadinessPoll},
		{"config.distributed.sync_interval", c.Distributed.SyncInterval},
		{"config.distributed.start_delay", c.Distributed.StartDelay},
	} {
		if field.value == "" {
			continue
		}
		if _, err := time.ParseDuration(field.value); err != nil {
			return fmt.Errorf("%s: %w", field.name, err)
		}
	}
	if c.Progression.Power < 0 {
		return fmt.Errorf("config.progression.power must not be negative")
	}
	if c.Progression.Level < 0 {
		return fmt.Errorf("config.progression.level must not be negative")
	}
	for kind, strength := range c.Modifiers.Strengths {
		if strength <= 0 {
			return fmt.Errorf("config.modifiers.strengths.%s must be positive", kind)
		}
	}
	return nil
}

// TickInterval derives the loop interval from the tick rate.
func (c *Config) TickInterval() time.Duration {
	return time.Second / time.Duration(c.Loop.TickRate)
}

func (c *Config) duration(raw string, fallback time.Duration) time.Duration {
	if raw == "" {
		return fallback
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return fallback
	}
	return d
}

// RotationCheckInterval is how often the modifier schedule is re-read.
func (c *Config) RotationCheckInterval() time.Duration {
	return c.duration(c.Modifiers.RotationCheck, time.Hour)
}

// ReadinessPollInterval is the cross-server quorum poll cadence.
func (c *Config) ReadinessPollInterval() time.Duration {
	return c.duration(c.Distributed.ReadinessPoll, 5*time.Second)
}

// SyncInterval is the cross-server progress report cadence.
func (c *Config) SyncInterval() time.Duration {
	return c.duration(c.Distributed.SyncInterval, 10*time.Second)
}

// StartDelay is how far in the future a synchronized start is scheduled.
func (c *Config) StartDelay() time.Duration {
	return c.duration(c.Distributed.StartDelay, 15*time.Second)
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "raidcore.yml")
}

// GenerateDefault returns default config YAML.
func GenerateDefault(serverID string) string {
	return fmt.Sprintf(defaultTemplate, serverID)
}

// Default returns the default Config struct for a server.
func Default(serverID string) *Config {
	cfg, err := FromYAML([]byte(GenerateDefault(serverID)))
	if err != nil {
		panic(fmt.Sprintf("default config invalid: %v", err))
	}
	return cfg
}

// FromYAML parses and validates config from raw YAML bytes.
func FromYAML(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

const defaultTemplate = `server:
  id: %s
  region: local
  difficulty: normal

loop:
  tick_rate: 20

modifiers:
  rotation_check: 1h
  strengths:
    health_up: 1.5
    speed_up: 1.25
    healing_down: 0.7
    damage_up: 1.4
    time_pressure: 0.75
    swarm: 1.6
    elite: 1.0
    scarcity: 0.6
    darkness: 0.8
    chaos: 1.2

progression:
  power: 1.0
  level: 1
  ascension: true

distributed:
  readiness_poll: 5s
  sync_interval: 10s
  start_delay: 15s

api:
  listen: ":8787"
  secret: ""
  key: ""
`
