package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Trigger effects understood by the messaging layer.
const (
	EffectFreezeAssignments = "freeze_assignments"
	EffectThawAssignments   = "thaw_assignments"
	EffectLogBlocker        = "log_blocker"
)

// Config models raidline.yml.
type Config struct {
	Instance         string                 `yaml:"instance"`
	CoordinatorClass string                 `yaml:"coordinator_class"`
	Classes          map[string]ClassConfig `yaml:"classes"`
	Transports       []string               `yaml:"transports"`
	Triggers         map[string]string      `yaml:"triggers"`
	Messaging        struct {
		BroadcastBackfill time.Duration `yaml:"broadcast_backfill"`
		HistoryCount      int           `yaml:"history_count"`
		PurgeOlderThan    time.Duration `yaml:"purge_older_than"`
	} `yaml:"messaging"`
	Tasks struct {
		ActivityWarning    int `yaml:"activity_warning"`
		ActivityEscalation int `yaml:"activity_escalation"`
		DefaultCount       int `yaml:"default_count"`
	} `yaml:"tasks"`
	RaidLog struct {
		DefaultCount int `yaml:"default_count"`
	} `yaml:"raid_log"`
	Heartbeat struct {
		Timeout       time.Duration `yaml:"timeout"`
		SweepInterval time.Duration `yaml:"sweep_interval"`
	} `yaml:"heartbeat"`
	ColdStart struct {
		RaidWindow int `yaml:"raid_window"`
	} `yaml:"cold_start"`
	Artifacts struct {
		Root string `yaml:"root"`
	} `yaml:"artifacts"`
	Bus struct {
		RedisAddr     string `yaml:"redis_addr"`
		RedisPassword string `yaml:"redis_password"`
		RedisDB       int    `yaml:"redis_db"`
	} `yaml:"bus"`
	Webhooks []WebhookConfig `yaml:"webhooks"`
}

// ClassConfig is the capability profile of one agent class.
type ClassConfig struct {
	Description string        `yaml:"description"`
	StaleAfter  time.Duration `yaml:"stale_after"`
	// Models restricts which models may register under the class; empty allows any.
	Models      []string `yaml:"models"`
	Permissions []string `yaml:"permissions"`
	// Brief classes get a priority-filtered raid window on cold start.
	Brief bool `yaml:"brief"`
}

type WebhookConfig struct {
	URL            string   `yaml:"url"`
	Events         []string `yaml:"events"`
	Secret         string   `yaml:"secret"`
	TimeoutSeconds int      `yaml:"timeout_seconds"`
	Enabled        *bool    `yaml:"enabled"`
}

var knownEffects = map[string]bool{
	EffectFreezeAssignments: true,
	EffectThawAssignments:   true,
	EffectLogBlocker:        true,
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.Instance == "" {
		return fmt.Errorf("config.instance is required")
	}
	if len(c.Classes) == 0 {
		return fmt.Errorf("config.classes is required")
	}
	if c.CoordinatorClass == "" {
		return fmt.Errorf("config.coordinator_class is required")
	}
	if _, ok := c.Classes[c.CoordinatorClass]; !ok {
		return fmt.Errorf("coordinator class %s not defined in config.classes", c.CoordinatorClass)
	}
	for name, class := range c.Classes {
		if name == "" {
			return fmt.Errorf("config.classes contains empty class name")
		}
		if class.StaleAfter <= 0 {
			return fmt.Errorf("class %s requires a positive stale_after", name)
		}
		for _, perm := range class.Permissions {
			if perm == "" {
				return fmt.Errorf("class %s has empty permission id", name)
			}
		}
	}
	if len(c.Transports) == 0 {
		return fmt.Errorf("config.transports is required")
	}
	for token, effect := range c.Triggers {
		if token == "" {
			return fmt.Errorf("config.triggers has empty token")
		}
		if !knownEffects[effect] {
			return fmt.Errorf("trigger %s maps to unknown effect %s", token, effect)
		}
	}
	if c.Tasks.ActivityWarning <= 0 || c.Tasks.ActivityEscalation < c.Tasks.ActivityWarning {
		return fmt.Errorf("tasks.activity_escalation must be >= tasks.activity_warning > 0")
	}
	if c.Heartbeat.Timeout <= 0 {
		return fmt.Errorf("heartbeat.timeout must be positive")
	}
	for i, hook := range c.Webhooks {
		if hook.URL == "" {
			return fmt.Errorf("webhooks[%d].url is required", i)
		}
	}
	return nil
}

// Class returns the profile for name.
func (c *Config) Class(name string) (ClassConfig, bool) {
	cl, ok := c.Classes[name]
	return cl, ok
}

// AllowsTransport reports whether t is a configured transport.
func (c *Config) AllowsTransport(t string) bool {
	for _, allowed := range c.Transports {
		if allowed == t {
			return true
		}
	}
	return false
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "raidline.yml")
}

// GenerateDefault returns default config YAML.
func GenerateDefault(instance string) string {
	return fmt.Sprintf(defaultTemplate, instance)
}

// LoadOptional returns the default config when the file does not exist.
func LoadOptional(workspace string) (*Config, error) {
	data, err := os.ReadFile(Path(workspace))
	if err != nil {
		if os.IsNotExist(err) {
			return Default("raidline"), nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// Default returns the default Config struct.
func Default(instance string) *Config {
	var cfg Config
	_ = yaml.NewDecoder(bytes.NewBufferString(GenerateDefault(instance))).Decode(&cfg)
	return &cfg
}

// FromYAML parses and validates config from raw YAML bytes. Keys missing from
// the document keep their default values.
func FromYAML(data []byte) (*Config, error) {
	cfg := Default("raidline")
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

const defaultTemplate = `instance: %s
coordinator_class: coordinator

classes:
  coordinator:
    description: "Plans, assigns and closes work; owns governance records"
    stale_after: 15m
    models: [claude-opus, claude-sonnet, gemini-pro]
    permissions:
      - task.create
      - task.assign
      - task.close
      - plan.set
      - plan.update
      - claim.acquire
      - claim.force_release
      - agent.manage
      - assignments.thaw
      - heartbeat.start
      - session.debrief
      - session.end
  editor:
    description: "Edits code under exclusive file claims"
    stale_after: 5m
    permissions: [claim.acquire]
  runner:
    description: "Builds, runs and tests"
    stale_after: 5m
    brief: true
    permissions: [claim.acquire]
  advisor:
    description: "Long-horizon review and analysis"
    stale_after: 30m
  investigator:
    description: "Reconnaissance and fact finding"
    stale_after: 5m
    brief: true

transports: [terminal, daemon]

triggers:
  emergency: freeze_assignments
  all_clear: thaw_assignments
  blocker: log_blocker

messaging:
  broadcast_backfill: 1h
  history_count: 20
  purge_older_than: 2h

tasks:
  activity_warning: 4
  activity_escalation: 6
  default_count: 50

raid_log:
  default_count: 20

heartbeat:
  timeout: 2m
  sweep_interval: 15s

cold_start:
  raid_window: 20

artifacts:
  root: .
`
