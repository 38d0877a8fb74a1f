// Package orchestration applies profile-driven agent sets: a persisted
// config names which agents are active per profile, and the applier
// reconciles deployments to match.
package orchestration

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"go.uber.org/zap"

	"github.com/fingerhq/finger/internal/common/logger"
	"github.com/fingerhq/finger/internal/runtime/scheduler"
	"github.com/fingerhq/finger/internal/runtime/session"
	v1 "github.com/fingerhq/finger/pkg/api/v1"
)

const configVersion = 1

// AgentEntry configures one agent inside a profile.
type AgentEntry struct {
	AgentID                string        `json:"agentId"`
	Enabled                bool          `json:"enabled"`
	InstanceCount          int           `json:"instanceCount,omitempty"`
	LaunchMode             v1.LaunchMode `json:"launchMode,omitempty"`
	TargetImplementationID string        `json:"targetImplementationId,omitempty"`
}

// Profile is one named agent lineup.
type Profile struct {
	ID           string       `json:"id"`
	Name         string       `json:"name,omitempty"`
	ReviewPolicy string       `json:"reviewPolicy,omitempty"`
	Agents       []AgentEntry `json:"agents"`
}

// Config is the persisted orchestration configuration.
type Config struct {
	Version         int       `json:"version"`
	Profiles        []Profile `json:"profiles"`
	ActiveProfileID string    `json:"activeProfileId"`
}

// Validate checks structural invariants. An invalid config at startup is
// fatal.
func (c *Config) Validate() error {
	var errs []error
	if len(c.Profiles) == 0 {
		errs = append(errs, errors.New("orchestration config has no profiles"))
	}
	seen := make(map[string]bool, len(c.Profiles))
	for _, profile := range c.Profiles {
		if profile.ID == "" {
			errs = append(errs, errors.New("profile id must not be empty"))
			continue
		}
		if seen[profile.ID] {
			errs = append(errs, fmt.Errorf("duplicate profile id %q", profile.ID))
		}
		seen[profile.ID] = true
	}
	if c.ActiveProfileID != "" && !seen[c.ActiveProfileID] {
		errs = append(errs, fmt.Errorf("active profile %q does not exist", c.ActiveProfileID))
	}
	return errors.Join(errs...)
}

// ActiveProfile resolves the active profile, defaulting to the first one.
func (c *Config) ActiveProfile() *Profile {
	if len(c.Profiles) == 0 {
		return nil
	}
	if c.ActiveProfileID == "" {
		return &c.Profiles[0]
	}
	for i := range c.Profiles {
		if c.Profiles[i].ID == c.ActiveProfileID {
			return &c.Profiles[i]
		}
	}
	return nil
}

// Load reads and validates an orchestration config file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("invalid orchestration config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid orchestration config: %w", err)
	}
	return &cfg, nil
}

// Save writes the config as whole-file JSON, creating parent directories.
func Save(path string, cfg *Config) error {
	cfg.Version = configVersion
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

// DefinitionSource supplies current agent definitions so the applier can
// route deployments to the right session by role.
type DefinitionSource func() map[string]*v1.AgentDefinition

// Applier reconciles the deployed agent set against a config.
type Applier struct {
	scheduler   *scheduler.Scheduler
	sessions    *session.Workspace
	definitions DefinitionSource
	logger      *logger.Logger
	path        string

	mu               sync.Mutex
	config           *Config
	reviewPolicy     string
	currentSessionID string
}

// NewApplier creates an orchestration applier persisting to path.
func NewApplier(sched *scheduler.Scheduler, sessions *session.Workspace, definitions DefinitionSource, path string, log *logger.Logger) *Applier {
	return &Applier{
		scheduler:   sched,
		sessions:    sessions,
		definitions: definitions,
		logger:      log.WithFields(zap.String("component", "orchestration")),
		path:        path,
	}
}

// LoadPersisted loads the persisted config if present. A missing file is not
// an error; a corrupt one is.
func (a *Applier) LoadPersisted() (*Config, error) {
	cfg, err := Load(a.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	a.mu.Lock()
	a.config = cfg
	a.mu.Unlock()
	return cfg, nil
}

// Config returns the last applied config, if any.
func (a *Applier) Config() *Config {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.config
}

// ReviewPolicy returns the review policy of the active profile.
func (a *Applier) ReviewPolicy() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.reviewPolicy
}

// CurrentSessionID returns the session selected by the last apply.
func (a *Applier) CurrentSessionID() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.currentSessionID
}

// Apply reconciles deployments to the config's active profile and persists
// the config. Idempotent: applying the same config twice yields the same
// runtime view. Any individual deploy failure aborts with an aggregate
// error; partial progress is observable via events but not rolled back.
func (a *Applier) Apply(cfg *Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	profile := cfg.ActiveProfile()
	if profile == nil {
		return errors.New("orchestration config has no applicable profile")
	}

	a.mu.Lock()
	a.config = cfg
	a.reviewPolicy = profile.ReviewPolicy
	a.mu.Unlock()

	a.logger.Info("applying orchestration profile",
		zap.String("profile_id", profile.ID),
		zap.Int("agents", len(profile.Agents)))

	enabled := make(map[string]AgentEntry, len(profile.Agents))
	for _, entry := range profile.Agents {
		if entry.Enabled {
			enabled[entry.AgentID] = entry
		}
	}

	var errs []error

	// Retire started agents the profile no longer lists. The definition
	// stays; only admission is blocked.
	off := false
	for _, dep := range a.scheduler.Deployments() {
		if _, keep := enabled[dep.AgentID]; keep {
			continue
		}
		if !a.scheduler.Profile(dep.AgentID).Enabled {
			continue
		}
		resp := a.scheduler.Deploy(&v1.AgentDeployRequest{
			AgentID:          dep.AgentID,
			ImplementationID: dep.ImplementationID,
			ModuleID:         dep.ModuleID,
			SessionID:        dep.SessionID,
			InstanceCount:    dep.InstanceCount,
			LaunchMode:       dep.LaunchMode,
			Enabled:          &off,
		})
		if !resp.Success {
			errs = append(errs, fmt.Errorf("retire %s: %s", dep.AgentID, resp.Error))
		}
	}

	defs := a.definitions()

	// Deploy the profile's active lineup.
	on := true
	for _, entry := range profile.Agents {
		if !entry.Enabled {
			continue
		}
		role := v1.RoleExecutor
		if def, ok := defs[entry.AgentID]; ok {
			role = def.Role
		}
		target := a.sessions.TargetSessionFor(entry.AgentID, role)

		launchMode := entry.LaunchMode
		if launchMode == "" {
			launchMode = v1.LaunchOrchestrator
		}
		resp := a.scheduler.Deploy(&v1.AgentDeployRequest{
			AgentID:          entry.AgentID,
			ImplementationID: entry.TargetImplementationID,
			SessionID:        target.ID,
			InstanceCount:    entry.InstanceCount,
			LaunchMode:       launchMode,
			Enabled:          &on,
		})
		if !resp.Success {
			errs = append(errs, fmt.Errorf("deploy %s: %s", entry.AgentID, resp.Error))
		}
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}

	root := a.sessions.EnsureRootSession()
	a.mu.Lock()
	a.currentSessionID = root.ID
	a.mu.Unlock()

	if err := Save(a.path, cfg); err != nil {
		a.logger.WithError(err).Warn("failed to persist orchestration config")
	}
	return nil
}

// SwitchProfile activates a named profile and reapplies.
func (a *Applier) SwitchProfile(profileID string) error {
	a.mu.Lock()
	cfg := a.config
	a.mu.Unlock()
	if cfg == nil {
		return errors.New("no orchestration config loaded")
	}

	found := false
	for _, profile := range cfg.Profiles {
		if profile.ID == profileID {
			found = true
			break
		}
	}
	if !found {
		return fmt.Errorf("profile %q does not exist", profileID)
	}

	next := *cfg
	next.ActiveProfileID = profileID
	return a.Apply(&next)
}
