// Package registry holds the declarative agent pool: per-agent YAML
// declarations, the runtime lifecycle state machine, and selection.
package registry

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/agent-forge/forge/internal/llm"
)

// Role is an agent's function in the pool.
type Role string

const (
	RoleCoordinator Role = "coordinator"
	RoleDeveloper   Role = "developer"
	RoleBot         Role = "bot"
	RoleReviewer    Role = "reviewer"
	RoleTester      Role = "tester"
	RoleDocumenter  Role = "documenter"
	RoleResearcher  Role = "researcher"
)

var validRoles = map[Role]bool{
	RoleCoordinator: true, RoleDeveloper: true, RoleBot: true, RoleReviewer: true,
	RoleTester: true, RoleDocumenter: true, RoleResearcher: true,
}

// Capability is a permission an agent's credential carries.
type Capability string

const (
	CanCommit       Capability = "can_commit"
	CanReview       Capability = "can_review"
	CanApprove      Capability = "can_approve"
	CanMerge        Capability = "can_merge"
	CanCreateRepo   Capability = "can_create_repo"
	CanComment      Capability = "can_comment"
	CanExecuteShell Capability = "can_execute_shell"
)

// Lifecycle selects when an agent's runtime is brought up.
type Lifecycle string

const (
	// AlwaysOn agents start with the service and must reach Idle before
	// readiness is announced.
	AlwaysOn Lifecycle = "always_on"

	// OnDemand agents stay Registered until the dispatcher binds work.
	OnDemand Lifecycle = "on_demand"
)

// State is the runtime lifecycle state, held in memory only and rebuilt
// from config on startup.
type State string

const (
	StateRegistered State = "registered"
	StateStarting   State = "starting"
	StateIdle       State = "idle"
	StateWorking    State = "working"
	StateError      State = "error"
	StateStopping   State = "stopping"
	StateStopped    State = "stopped"
)

// DefaultIdleKeepalive is how long a released OnDemand agent stays warm.
const DefaultIdleKeepalive = 300 * time.Second

// AgentConfig is one agent declaration file.
type AgentConfig struct {
	ID             string       `yaml:"id"`
	Role           Role         `yaml:"role"`
	Enabled        bool         `yaml:"enabled"`
	Lifecycle      Lifecycle    `yaml:"lifecycle"`
	Priority       int          `yaml:"priority"`
	Capabilities   []Capability `yaml:"capabilities"`
	LLM            llm.Binding  `yaml:"llm"`
	CredentialRef  string       `yaml:"credential_ref"`
	IdleKeepaliveS int          `yaml:"idle_keepalive_s"`
}

// IdleKeepalive returns the effective keep-warm window.
func (c AgentConfig) IdleKeepalive() time.Duration {
	if c.IdleKeepaliveS > 0 {
		return time.Duration(c.IdleKeepaliveS) * time.Second
	}
	return DefaultIdleKeepalive
}

// HasCapability reports whether the agent declares cap.
func (c AgentConfig) HasCapability(cap Capability) bool {
	for _, have := range c.Capabilities {
		if have == cap {
			return true
		}
	}
	return false
}

// Validate checks one declaration.
func (c AgentConfig) Validate() error {
	if c.ID == "" {
		return fmt.Errorf("agent missing id")
	}
	if !validRoles[c.Role] {
		return fmt.Errorf("agent %s: invalid role %q", c.ID, c.Role)
	}
	switch c.Lifecycle {
	case AlwaysOn, OnDemand:
	default:
		return fmt.Errorf("agent %s: invalid lifecycle %q", c.ID, c.Lifecycle)
	}
	if c.CredentialRef == "" {
		return fmt.Errorf("agent %s: missing credential_ref", c.ID)
	}
	return nil
}

// LoadDir reads every *.yaml declaration in dir.
func LoadDir(dir string) ([]AgentConfig, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read agents dir: %w", err)
	}

	var configs []AgentConfig
	seen := make(map[string]bool)
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".yaml") {
			continue
		}
		data, err := os.ReadFile(filepath.Join(dir, entry.Name()))
		if err != nil {
			return nil, err
		}
		var cfg AgentConfig
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parse %s: %w", entry.Name(), err)
		}
		if err := cfg.Validate(); err != nil {
			return nil, fmt.Errorf("%s: %w", entry.Name(), err)
		}
		if seen[cfg.ID] {
			return nil, fmt.Errorf("duplicate agent id %q", cfg.ID)
		}
		seen[cfg.ID] = true
		configs = append(configs, cfg)
	}
	return configs, nil
}
