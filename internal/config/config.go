package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config models rolegate.yml.
type Config struct {
	Project struct {
		ID   string `yaml:"id"`
		Name string `yaml:"name"`
	} `yaml:"project"`
	Paths struct {
		State     string `yaml:"state"`
		Artifacts string `yaml:"artifacts"`
	} `yaml:"paths"`
	Pipeline struct {
		Entry string `yaml:"entry"`
	} `yaml:"pipeline"`
	Policy   Policy          `yaml:"policy"`
	Memory   MemoryPolicy    `yaml:"memory"`
	Roles    []RoleConfig    `yaml:"roles"`
	Server   ServerConfig    `yaml:"server"`
	Webhooks []WebhookConfig `yaml:"webhooks"`
}

type Policy struct {
	RevisionLoops        int           `yaml:"revision_loops"`
	PostconditionRetries int           `yaml:"postcondition_retries"`
	PatternThreshold     int           `yaml:"pattern_threshold"`
	PatternWindow        time.Duration `yaml:"pattern_window"`
	MaxAcceptableRisk    string        `yaml:"max_acceptable_risk"`
	MaxDriveSteps        int           `yaml:"max_drive_steps"`
}

type MemoryPolicy struct {
	DefaultResults     int           `yaml:"default_results"`
	MaxResults         int           `yaml:"max_results"`
	FollowUps          int           `yaml:"follow_ups"`
	SummaryMinChars    int           `yaml:"summary_min_chars"`
	SummaryMaxChars    int           `yaml:"summary_max_chars"`
	SummaryTurns       int           `yaml:"summary_turns"`
	CompactionInterval time.Duration `yaml:"compaction_interval"`
	VectorSize         int           `yaml:"vector_size"`
	Compress           bool          `yaml:"compress"`
}

type DependencyConfig struct {
	Kind     string   `yaml:"kind"`
	Statuses []string `yaml:"statuses"`
}

type RoleConfig struct {
	ID                string             `yaml:"id"`
	Directory         string             `yaml:"directory"`
	Produces          string             `yaml:"produces"`
	Reviews           []string           `yaml:"reviews,omitempty"`
	Dependencies      []DependencyConfig `yaml:"dependencies,omitempty"`
	TerminalStatuses  []string           `yaml:"terminal_statuses"`
	Handoffs          []string           `yaml:"handoffs,omitempty"`
	Capabilities      []string           `yaml:"capabilities,omitempty"`
	RequiresRetrieval bool               `yaml:"requires_retrieval,omitempty"`
	Exec              []string           `yaml:"exec,omitempty"`
}

type ServerConfig struct {
	Addr     string `yaml:"addr"`
	BasePath string `yaml:"base_path"`
}

type WebhookConfig struct {
	URL            string   `yaml:"url"`
	Events         []string `yaml:"events,omitempty"`
	Secret         string   `yaml:"secret,omitempty"`
	Enabled        *bool    `yaml:"enabled,omitempty"`
	TimeoutSeconds int      `yaml:"timeout_seconds,omitempty"`
}

var knownKinds = map[string]bool{
	"strategy": true, "architecture": true, "plan": true, "analysis": true,
	"critique": true, "implementation": true, "qa": true, "uat": true,
	"release": true, "escalation": true, "retrospective": true,
}

var knownCapabilities = map[string]bool{
	"memory.read": true, "memory.write": true, "artifacts.review": true,
	"gate.technical": true, "gate.value": true, "release": true, "retrospective": true,
}

var knownRisks = map[string]bool{"low": true, "medium": true, "high": true, "critical": true}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; create one with rgate init", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// LoadOptional returns the default config if the file does not exist.
func LoadOptional(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Default(filepath.Base(absOr(workspace))), nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// Validate ensures the config meets required structure. It fails closed.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.Project.ID) == "" {
		return fmt.Errorf("config.project.id is required")
	}
	if c.Paths.State == "" || c.Paths.Artifacts == "" {
		return fmt.Errorf("config.paths.state and config.paths.artifacts are required")
	}
	p := c.Policy
	if p.RevisionLoops < 0 || p.PostconditionRetries < 0 {
		return fmt.Errorf("config.policy revision_loops and postcondition_retries must be >= 0")
	}
	if p.PatternThreshold < 2 {
		return fmt.Errorf("config.policy.pattern_threshold must be >= 2")
	}
	if p.PatternWindow <= 0 {
		return fmt.Errorf("config.policy.pattern_window must be positive")
	}
	if !knownRisks[p.MaxAcceptableRisk] {
		return fmt.Errorf("config.policy.max_acceptable_risk %q is not a risk level", p.MaxAcceptableRisk)
	}
	m := c.Memory
	if m.DefaultResults < 1 || m.MaxResults < m.DefaultResults {
		return fmt.Errorf("config.memory requires 1 <= default_results <= max_results")
	}
	if m.FollowUps < 0 {
		return fmt.Errorf("config.memory.follow_ups must be >= 0")
	}
	if m.SummaryMinChars < 1 || m.SummaryMaxChars < m.SummaryMinChars {
		return fmt.Errorf("config.memory requires 1 <= summary_min_chars <= summary_max_chars")
	}
	if m.SummaryTurns < 1 {
		return fmt.Errorf("config.memory.summary_turns must be >= 1")
	}
	if m.VectorSize < 16 {
		return fmt.Errorf("config.memory.vector_size must be >= 16")
	}
	return c.validateRoles()
}

func (c *Config) validateRoles() error {
	if len(c.Roles) == 0 {
		return fmt.Errorf("config.roles is required")
	}
	ids := map[string]bool{}
	dirs := map[string]string{}
	producers := map[string]string{}
	for _, r := range c.Roles {
		if r.ID == "" {
			return fmt.Errorf("config.roles contains empty role id")
		}
		if ids[r.ID] {
			return fmt.Errorf("role %s defined twice", r.ID)
		}
		if r.ID == "arbiter" {
			return fmt.Errorf("role id arbiter is reserved")
		}
		ids[r.ID] = true
		if r.Directory == "" || r.Directory == "escalations" || strings.ContainsAny(r.Directory, `/\.`) {
			return fmt.Errorf("role %s has invalid directory %q", r.ID, r.Directory)
		}
		if other, ok := dirs[r.Directory]; ok {
			return fmt.Errorf("roles %s and %s share directory %s", other, r.ID, r.Directory)
		}
		dirs[r.Directory] = r.ID
		if !knownKinds[r.Produces] || r.Produces == "escalation" {
			return fmt.Errorf("role %s produces unknown artifact kind %q", r.ID, r.Produces)
		}
		if other, ok := producers[r.Produces]; ok {
			return fmt.Errorf("roles %s and %s both produce %s", other, r.ID, r.Produces)
		}
		producers[r.Produces] = r.ID
		if len(r.TerminalStatuses) == 0 {
			return fmt.Errorf("role %s has no terminal statuses", r.ID)
		}
		for _, k := range r.Reviews {
			if !knownKinds[k] {
				return fmt.Errorf("role %s reviews unknown artifact kind %q", r.ID, k)
			}
		}
		for _, d := range r.Dependencies {
			if !knownKinds[d.Kind] {
				return fmt.Errorf("role %s depends on unknown artifact kind %q", r.ID, d.Kind)
			}
			if len(d.Statuses) == 0 {
				return fmt.Errorf("role %s dependency %s lists no statuses", r.ID, d.Kind)
			}
		}
		for _, cp := range r.Capabilities {
			if !knownCapabilities[cp] {
				return fmt.Errorf("role %s has unknown capability %q", r.ID, cp)
			}
		}
	}
	for _, r := range c.Roles {
		for _, h := range r.Handoffs {
			if !ids[h] {
				return fmt.Errorf("role %s hands off to unknown role %s", r.ID, h)
			}
		}
		for _, d := range r.Dependencies {
			if _, ok := producers[d.Kind]; !ok {
				return fmt.Errorf("role %s depends on %s which no role produces", r.ID, d.Kind)
			}
		}
	}
	if !ids[c.Pipeline.Entry] {
		return fmt.Errorf("config.pipeline.entry %q is not a defined role", c.Pipeline.Entry)
	}
	return nil
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "rolegate.yml")
}

// GenerateDefault returns default config YAML.
func GenerateDefault(projectID string) string {
	return fmt.Sprintf(defaultTemplate, projectID)
}

// Default returns the default Config struct for a project.
func Default(projectID string) *Config {
	var cfg Config
	_ = yaml.NewDecoder(bytes.NewBufferString(GenerateDefault(projectID))).Decode(&cfg)
	return &cfg
}

// FromYAML parses and validates config from raw YAML bytes.
func FromYAML(data []byte) (*Config, error) {
	cfg := Default("rolegate")
	cfg.Roles = nil
	cfg.Webhooks = nil
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if len(cfg.Roles) == 0 {
		cfg.Roles = Default(cfg.Project.ID).Roles
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

// StateDir resolves the state directory against the workspace.
func (c *Config) StateDir(workspace string) string {
	return resolve(workspace, c.Paths.State)
}

// ArtifactsDir resolves the artifacts root against the workspace.
func (c *Config) ArtifactsDir(workspace string) string {
	return resolve(workspace, c.Paths.Artifacts)
}

func resolve(workspace, p string) string {
	if filepath.IsAbs(p) {
		return p
	}
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, p)
}

func absOr(p string) string {
	if p == "" {
		p = "."
	}
	abs, err := filepath.Abs(p)
	if err != nil {
		return p
	}
	return abs
}

const defaultTemplate = `project:
  id: %s

paths:
  state: .rolegate
  artifacts: agent-output

pipeline:
  entry: planner

policy:
  revision_loops: 1
  postcondition_retries: 1
  pattern_threshold: 3
  pattern_window: 168h
  max_acceptable_risk: high
  max_drive_steps: 64

memory:
  default_results: 3
  max_results: 10
  follow_ups: 1
  summary_min_chars: 300
  summary_max_chars: 1500
  summary_turns: 5
  compaction_interval: 10m
  vector_size: 256
  compress: false

roles:
  - id: roadmap
    directory: roadmap
    produces: strategy
    terminal_statuses: [draft, accepted]
    handoffs: [architect, planner]
    capabilities: [memory.read, memory.write]
    requires_retrieval: true

  - id: architect
    directory: architecture
    produces: architecture
    terminal_statuses: [draft, accepted]
    handoffs: [planner, critic]
    capabilities: [memory.read, memory.write]
    requires_retrieval: true

  - id: planner
    directory: planning
    produces: plan
    terminal_statuses: [draft]
    handoffs: [analyst, critic, architect]
    capabilities: [memory.read, memory.write]
    requires_retrieval: true

  - id: analyst
    directory: analysis
    produces: analysis
    dependencies:
      - kind: plan
        statuses: [draft, accepted]
    terminal_statuses: [complete]
    handoffs: [planner, critic]
    capabilities: [memory.read, memory.write]

  - id: critic
    directory: critiques
    produces: critique
    reviews: [plan, architecture]
    dependencies:
      - kind: plan
        statuses: [draft]
    terminal_statuses: [complete]
    handoffs: [implementer, planner, architect]
    capabilities: [memory.read, memory.write, artifacts.review]

  - id: implementer
    directory: implementation
    produces: implementation
    dependencies:
      - kind: plan
        statuses: [accepted]
    terminal_statuses: [complete]
    handoffs: [qa]
    capabilities: [memory.read, memory.write]

  - id: qa
    directory: qa
    produces: qa
    dependencies:
      - kind: implementation
        statuses: [complete]
    terminal_statuses: [accepted, rejected]
    handoffs: [uat, implementer, planner]
    capabilities: [memory.read, memory.write, gate.technical]

  - id: uat
    directory: uat
    produces: uat
    dependencies:
      - kind: qa
        statuses: [accepted]
    terminal_statuses: [accepted, rejected]
    handoffs: [release, implementer, planner]
    capabilities: [memory.read, memory.write, gate.value]

  - id: release
    directory: deployment
    produces: release
    dependencies:
      - kind: uat
        statuses: [accepted]
    terminal_statuses: [released, deferred]
    handoffs: [retrospective]
    capabilities: [memory.read, memory.write, release]

  - id: retrospective
    directory: retrospectives
    produces: retrospective
    terminal_statuses: [complete]
    capabilities: [memory.read, memory.write, retrospective]

server:
  addr: 127.0.0.1:8787
  base_path: /v0

webhooks: []
`
