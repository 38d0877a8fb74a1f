// Package agentconfig loads per-agent JSON configuration files from the
// runtime home directory. Each file declares an agent's identity, provider,
// and tool policy; the registry merges them into the catalog.
package agentconfig

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"go.uber.org/zap"

	"github.com/fingerhq/finger/internal/common/logger"
	v1 "github.com/fingerhq/finger/pkg/api/v1"
)

// ProviderConfig declares the provider kernel backing an agent.
type ProviderConfig struct {
	Type  string `json:"type"`
	Model string `json:"model,omitempty"`
}

// ImplementationConfig is an explicitly declared implementation.
type ImplementationConfig struct {
	ID       string `json:"id"`
	Kind     string `json:"kind,omitempty"`
	ModuleID string `json:"moduleId,omitempty"`
	Provider string `json:"provider,omitempty"`
	Enabled  *bool  `json:"enabled,omitempty"`
}

// ToolsConfig is the per-agent tool policy section.
type ToolsConfig struct {
	AuthorizationRequired bool     `json:"authorizationRequired,omitempty"`
	Whitelist             []string `json:"whitelist,omitempty"`
	Blacklist             []string `json:"blacklist,omitempty"`
}

// AgentConfig is one agent JSON file.
type AgentConfig struct {
	ID              string                 `json:"id"`
	Name            string                 `json:"name,omitempty"`
	Role            string                 `json:"role,omitempty"`
	Provider        ProviderConfig         `json:"provider"`
	Implementations []ImplementationConfig `json:"implementations,omitempty"`
	Tools           ToolsConfig            `json:"tools"`
	Tags            []string               `json:"tags,omitempty"`
}

// DerivedImplementations returns the implementations a config contributes to
// its definition: one derived from the provider type plus any explicitly
// enabled entries.
func (c *AgentConfig) DerivedImplementations() []v1.AgentImplementation {
	var impls []v1.AgentImplementation

	switch providerType := strings.ToLower(strings.TrimSpace(c.Provider.Type)); providerType {
	case "":
	case "iflow":
		impls = append(impls, v1.AgentImplementation{
			ID:     "iflow",
			Kind:   v1.ImplKindIflow,
			Status: v1.ImplAvailable,
		})
	default:
		impls = append(impls, v1.AgentImplementation{
			ID:       "provider:" + providerType,
			Kind:     v1.ImplKindNative,
			Provider: providerType,
			Status:   v1.ImplAvailable,
		})
	}

	for _, impl := range c.Implementations {
		if impl.Enabled != nil && !*impl.Enabled {
			continue
		}
		if impl.ID == "" {
			continue
		}
		kind := v1.ImplKindNative
		if strings.EqualFold(impl.Kind, string(v1.ImplKindIflow)) {
			kind = v1.ImplKindIflow
		}
		impls = append(impls, v1.AgentImplementation{
			ID:       impl.ID,
			Kind:     kind,
			ModuleID: impl.ModuleID,
			Provider: impl.Provider,
			Status:   v1.ImplAvailable,
		})
	}

	return impls
}

// Loader reads agent configs from a directory.
type Loader struct {
	dir    string
	logger *logger.Logger
}

// NewLoader creates a loader for the given directory. The directory does not
// have to exist; a missing directory yields zero configs.
func NewLoader(dir string, log *logger.Logger) *Loader {
	return &Loader{dir: dir, logger: log.WithFields(zap.String("component", "agentconfig"))}
}

// Load reads every *.json file in the config directory. Unreadable or invalid
// files are skipped with a warning; a missing id defaults to the file name.
func (l *Loader) Load() []AgentConfig {
	entries, err := os.ReadDir(l.dir)
	if err != nil {
		if !os.IsNotExist(err) {
			l.logger.Warn("failed to read agent config dir", zap.String("dir", l.dir), zap.Error(err))
		}
		return nil
	}

	var configs []AgentConfig
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}

		path := filepath.Join(l.dir, entry.Name())
		data, err := os.ReadFile(path)
		if err != nil {
			l.logger.Warn("failed to read agent config", zap.String("path", path), zap.Error(err))
			continue
		}

		var cfg AgentConfig
		if err := json.Unmarshal(data, &cfg); err != nil {
			l.logger.Warn("invalid agent config", zap.String("path", path), zap.Error(err))
			continue
		}

		if cfg.ID == "" {
			cfg.ID = strings.TrimSuffix(entry.Name(), ".json")
		}
		configs = append(configs, cfg)
	}

	sort.Slice(configs, func(i, j int) bool { return configs[i].ID < configs[j].ID })
	return configs
}
