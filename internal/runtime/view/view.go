// Package view composes the read models served over the API: the layered
// agent catalog and the aggregate runtime view.
package view

import (
	"sort"

	"github.com/fingerhq/finger/internal/common/clock"
	"github.com/fingerhq/finger/internal/runtime/agentconfig"
	"github.com/fingerhq/finger/internal/runtime/hub"
	"github.com/fingerhq/finger/internal/runtime/registry"
	"github.com/fingerhq/finger/internal/runtime/scheduler"
	"github.com/fingerhq/finger/internal/runtime/toolpolicy"
	v1 "github.com/fingerhq/finger/pkg/api/v1"
)

// ConfigSource supplies the current agent config files.
type ConfigSource func() []agentconfig.AgentConfig

// Composer builds catalog and runtime-view snapshots from live runtime state.
// It holds no state of its own; every call recomputes from the sources.
type Composer struct {
	hub       *hub.Hub
	scheduler *scheduler.Scheduler
	gate      *toolpolicy.Gate
	configs   ConfigSource
	clock     clock.Clock
}

// NewComposer wires a composer over the runtime components.
func NewComposer(h *hub.Hub, sched *scheduler.Scheduler, gate *toolpolicy.Gate, configs ConfigSource, clk clock.Clock) *Composer {
	if configs == nil {
		configs = func() []agentconfig.AgentConfig { return nil }
	}
	return &Composer{hub: h, scheduler: sched, gate: gate, configs: configs, clock: clk}
}

// Definitions merges config files, registered modules, and deployments into
// the current definition set. Freshly loaded configs also carry the per-agent
// tool policy, so the gate is synced with them before the definitions are
// composed; governance reads then always match the config files.
func (c *Composer) Definitions() map[string]*v1.AgentDefinition {
	configs := c.configs()
	c.gate.ApplyAgentConfigs(configs)
	return registry.BuildDefinitions(registry.Inputs{
		Configs:     configs,
		Modules:     c.hub.Registry().List(),
		Deployments: c.scheduler.Deployments(),
	})
}

// Catalog builds the layered agent catalog. Summary carries definitions and
// derived status; execution adds dispatch state; governance adds profile,
// quota, and tool access; full carries both.
func (c *Composer) Catalog(layer v1.CatalogLayer) *v1.AgentCatalog {
	defs := c.Definitions()

	ids := make([]string, 0, len(defs))
	for id := range defs {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	execution := layer == v1.LayerExecution || layer == v1.LayerFull
	governance := layer == v1.LayerGovernance || layer == v1.LayerFull

	catalog := &v1.AgentCatalog{
		Layer:       layer,
		Agents:      make([]v1.AgentCatalogEntry, 0, len(ids)),
		GeneratedAt: c.clock.Now(),
	}
	for _, id := range ids {
		entry := v1.AgentCatalogEntry{
			Definition: *defs[id],
			Status:     c.scheduler.DeriveStatus(id),
		}
		if execution {
			for _, dep := range c.scheduler.AgentDeployments(id) {
				entry.Deployments = append(entry.Deployments, *dep)
			}
			entry.ActiveDispatches, entry.QueuedDispatches = c.scheduler.Counts(id)
			entry.LastEvent = c.scheduler.LastEvent(id)
		}
		if governance {
			profile := c.scheduler.Profile(id)
			quota := c.scheduler.ResolveQuota(id, "")
			tools := c.gate.ResolveToolAccess(id)
			entry.Profile = &profile
			entry.Quota = &quota
			entry.Tools = &tools
		}
		catalog.Agents = append(catalog.Agents, entry)
	}
	return catalog
}

// RuntimeView builds the aggregate view consumed by the front-end.
func (c *Composer) RuntimeView() *v1.RuntimeView {
	defs := c.Definitions()

	definitions := make([]v1.AgentDefinition, 0, len(defs))
	for _, def := range defs {
		definitions = append(definitions, *def)
	}
	sort.Slice(definitions, func(i, j int) bool { return definitions[i].ID < definitions[j].ID })

	instances := make([]v1.Deployment, 0)
	for _, dep := range c.scheduler.Deployments() {
		instances = append(instances, *dep)
	}

	return &v1.RuntimeView{
		Definitions:      definitions,
		Instances:        instances,
		Configs:          c.scheduler.Profiles(),
		StartupTargets:   scheduler.StartupTargets(),
		StartupTemplates: c.scheduler.StartupTemplates(),
	}
}
