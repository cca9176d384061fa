package registry

import (
	"encoding/json"
	"fmt"
	"log"
	"os"
)

// AgentDefinition is one agent entry from the catalog document.
type AgentDefinition struct {
	ID              string          `json:"id"`
	Name            string          `json:"name"`
	Description     string          `json:"description"`
	SystemPrompt    string          `json:"system_prompt"`
	Capabilities    []string        `json:"capabilities"`
	Skills          []string        `json:"skills"`
	Parameters      AgentParameters `json:"parameters"`
	RoutingKeywords []string        `json:"routing_keywords"`
	Active          bool            `json:"active"`
	Category        string          `json:"category"`
	Version         string          `json:"version"`
}

// AgentParameters are per-agent model parameters.
type AgentParameters struct {
	Temperature float64 `json:"temperature"`
	Model       string  `json:"model"`
	MaxTokens   int     `json:"max_tokens"`
}

// SkillDefinition describes a reusable skill referenced by agents.
type SkillDefinition struct {
	Name        string                 `json:"name"`
	Description string                 `json:"description"`
	Parameters  map[string]interface{} `json:"parameters"`
}

// ToolDefinition describes one tool the runtime can execute.
type ToolDefinition struct {
	ID                  string   `json:"id"`
	Description         string   `json:"description"`
	UseCases            []string `json:"use_cases"`
	ConfidenceThreshold float64  `json:"confidence_threshold"`
	FallbackBehavior    string   `json:"fallback_behavior"`
}

// CatalogMetadata carries catalog-level versioning.
type CatalogMetadata struct {
	Version       string `json:"version"`
	SchemaVersion string `json:"schema_version"`
}

// Catalog is the persisted catalog document.
type Catalog struct {
	Agents   map[string]AgentDefinition `json:"agents"`
	Skills   map[string]SkillDefinition `json:"skills"`
	Metadata CatalogMetadata            `json:"metadata"`
}

// ToolWebSearch and ToolKnowledgebase are the two built-in tool ids.
const (
	ToolWebSearch     = "web_search"
	ToolKnowledgebase = "knowledgebase"
)

// BuiltinTools returns the static tool definitions. Use cases and thresholds
// mirror the catalog the agents were authored against.
func BuiltinTools() []ToolDefinition {
	return []ToolDefinition{
		{
			ID:          ToolWebSearch,
			Description: "Searches the internet for current information, news, weather, facts, and real-time data.",
			UseCases: []string{
				"current weather conditions",
				"recent news and events",
				"real-time data and statistics",
				"current prices and market info",
				"today's date and time",
			},
			ConfidenceThreshold: 0.8,
			FallbackBehavior:    "inform_user_no_results",
		},
		{
			ID:          ToolKnowledgebase,
			Description: "Accesses curated knowledge files with detailed stored information about specific topics.",
			UseCases: []string{
				"recipe information and cooking instructions",
				"detailed procedural knowledge",
				"specific domain expertise",
				"stored reference materials",
			},
			ConfidenceThreshold: 0.7,
			FallbackBehavior:    "suggest_alternative_source",
		},
	}
}

// LoadCatalog reads and validates a catalog document. An agent without id or
// system_prompt is a hard error; unknown skill references only warn.
func LoadCatalog(path string, logger *log.Logger) (*Catalog, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read catalog: %w", err)
	}
	var cat Catalog
	if err := json.Unmarshal(raw, &cat); err != nil {
		return nil, fmt.Errorf("parse catalog: %w", err)
	}
	if len(cat.Agents) == 0 {
		return nil, fmt.Errorf("catalog %s declares no agents", path)
	}
	for key, def := range cat.Agents {
		if def.ID == "" {
			return nil, fmt.Errorf("catalog agent %q missing id", key)
		}
		if def.ID != key {
			return nil, fmt.Errorf("catalog agent key %q does not match id %q", key, def.ID)
		}
		if def.SystemPrompt == "" {
			return nil, fmt.Errorf("catalog agent %q missing system_prompt", key)
		}
		for _, skill := range def.Skills {
			if _, ok := cat.Skills[skill]; !ok && logger != nil {
				logger.Printf("warn: agent %s references unknown skill %q", def.ID, skill)
			}
		}
	}
	return &cat, nil
}
