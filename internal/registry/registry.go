package registry

import (
	"fmt"
	"log"
	"sort"
	"sync"
)

// Registry resolves agent and tool definitions from an immutable catalog
// snapshot. Reload builds the replacement snapshot to completion before
// swapping it in, so readers always observe a complete catalog.
type Registry struct {
	mu     sync.RWMutex
	snap   *snapshot
	path   string
	logger *log.Logger
}

type snapshot struct {
	catalog *Catalog
	// agent ids in declaration order (sorted; JSON maps carry no order)
	order []string
	tools map[string]ToolDefinition
}

// ErrAgentNotFound is returned by Get for unknown agent ids.
var ErrAgentNotFound = fmt.Errorf("agent not found")

// New loads the catalog at path and returns a ready registry.
func New(path string, logger *log.Logger) (*Registry, error) {
	if logger == nil {
		logger = log.New(log.Writer(), "[REGISTRY] ", log.LstdFlags)
	}
	r := &Registry{path: path, logger: logger}
	if err := r.Reload(); err != nil {
		return nil, err
	}
	return r, nil
}

// Reload re-reads the catalog document and atomically swaps the snapshot.
// On failure the previous snapshot stays in place.
func (r *Registry) Reload() error {
	cat, err := LoadCatalog(r.path, r.logger)
	if err != nil {
		return err
	}
	order := make([]string, 0, len(cat.Agents))
	for id := range cat.Agents {
		order = append(order, id)
	}
	sort.Strings(order)

	tools := make(map[string]ToolDefinition)
	for _, t := range BuiltinTools() {
		tools[t.ID] = t
	}

	next := &snapshot{catalog: cat, order: order, tools: tools}
	r.mu.Lock()
	r.snap = next
	r.mu.Unlock()
	r.logger.Printf("catalog loaded: %d agents, %d skills (version %s)",
		len(cat.Agents), len(cat.Skills), cat.Metadata.Version)
	return nil
}

func (r *Registry) snapshot() *snapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.snap
}

// List returns all agent definitions in declaration order.
func (r *Registry) List() []AgentDefinition {
	snap := r.snapshot()
	out := make([]AgentDefinition, 0, len(snap.order))
	for _, id := range snap.order {
		out = append(out, snap.catalog.Agents[id])
	}
	return out
}

// Get resolves an agent id to its definition.
func (r *Registry) Get(id string) (AgentDefinition, error) {
	snap := r.snapshot()
	def, ok := snap.catalog.Agents[id]
	if !ok {
		return AgentDefinition{}, fmt.Errorf("%w: %s", ErrAgentNotFound, id)
	}
	return def, nil
}

// Has reports whether an agent id exists in the catalog.
func (r *Registry) Has(id string) bool {
	_, err := r.Get(id)
	return err == nil
}

// ByCapability returns the ids of agents carrying the given capability tag,
// in declaration order.
func (r *Registry) ByCapability(tag string) []string {
	snap := r.snapshot()
	var out []string
	for _, id := range snap.order {
		for _, cap := range snap.catalog.Agents[id].Capabilities {
			if cap == tag {
				out = append(out, id)
				break
			}
		}
	}
	return out
}

// Keywords returns the routing keywords for an agent, or nil if unknown.
func (r *Registry) Keywords(id string) []string {
	def, err := r.Get(id)
	if err != nil {
		return nil
	}
	return def.RoutingKeywords
}

// Tools returns all tool definitions.
func (r *Registry) Tools() []ToolDefinition {
	snap := r.snapshot()
	ids := make([]string, 0, len(snap.tools))
	for id := range snap.tools {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	out := make([]ToolDefinition, 0, len(ids))
	for _, id := range ids {
		out = append(out, snap.tools[id])
	}
	return out
}

// Tool resolves a tool id.
func (r *Registry) Tool(id string) (ToolDefinition, bool) {
	snap := r.snapshot()
	def, ok := snap.tools[id]
	return def, ok
}

// Skills returns the skill table from the current snapshot.
func (r *Registry) Skills() map[string]SkillDefinition {
	snap := r.snapshot()
	out := make(map[string]SkillDefinition, len(snap.catalog.Skills))
	for k, v := range snap.catalog.Skills {
		out[k] = v
	}
	return out
}
