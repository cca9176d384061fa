package core

import (
	"context"
	"fmt"
	"log"
	"strings"

	"github.com/mserban/vatra/internal/knowledge"
	"github.com/mserban/vatra/internal/lang"
	"github.com/mserban/vatra/internal/registry"
)

// Component intents produced by decomposition.
const (
	intentHumorCreation     = "humor_creation"
	intentRecipeTradition   = "recipe_with_tradition"
	intentCurrentInfo       = "current_information"
	intentKnowledgeLookup   = "knowledge_lookup"
	intentDefaultStorytell  = "storytelling"
	intentInformationLookup = "information_lookup"
)

// intentCapabilities maps detected intents onto the agent capability tags
// that satisfy them. Scoring grants the intent bonus when any tag matches.
var intentCapabilities = map[string][]string{
	IntentHumor:        {"humor", "comedic", "satirical"},
	IntentRecipe:       {"traditional_knowledge", "cultural"},
	IntentStorytelling: {"storytelling"},
	IntentInformation:  {"analysis", "research", "factual"},
	IntentCultural:     {"cultural", "traditional_knowledge"},
	IntentPersonal:     {"family"},
}

// Analyzer turns a user prompt into an ExecutionPlan using the registry, the
// knowledge catalog and deterministic text analysis.
type Analyzer struct {
	registry     *registry.Registry
	knowledge    *knowledge.Store
	defaultAgent string
	logger       *log.Logger
}

func NewAnalyzer(reg *registry.Registry, ks *knowledge.Store, defaultAgent string, logger *log.Logger) *Analyzer {
	if logger == nil {
		logger = log.New(log.Writer(), "[ANALYZER] ", log.LstdFlags)
	}
	return &Analyzer{registry: reg, knowledge: ks, defaultAgent: defaultAgent, logger: logger}
}

// Analyze is deterministic for a fixed registry and prompt.
func (a *Analyzer) Analyze(ctx context.Context, prompt string) (*ExecutionPlan, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	entities := lang.Extract(prompt)
	intents := DetectIntents(prompt)

	plan := &ExecutionPlan{}
	nextID := 0
	addComponent := func(c QueryComponent) string {
		nextID++
		c.ID = fmt.Sprintf("c%d", nextID)
		c.Text = prompt
		c.Entities = entities
		plan.Components = append(plan.Components, c)
		return c.ID
	}

	// Multi-agent sequencing takes precedence over single-agent routing: a
	// data-gathering task handed to a presentation persona becomes two agent
	// components in order.
	analyticID, personaID := a.detectSequence(prompt)
	if analyticID != "" && personaID != "" {
		firstID := addComponent(QueryComponent{
			Intent:     intentInformationLookup,
			Kind:       ResourceAgent,
			ResourceID: analyticID,
			Priority:   1,
		})
		addComponent(QueryComponent{
			Intent:       intentDefaultStorytell,
			Kind:         ResourceAgent,
			ResourceID:   personaID,
			Priority:     1,
			Dependencies: []string{firstID},
		})
		plan.AgentSequence = []string{analyticID, personaID}
		// The analytic agent still gets its data tools.
		if hasIntent(intents, IntentWeather) || hasIntent(intents, IntentCurrentEvents) {
			addComponent(QueryComponent{
				Intent:     intentCurrentInfo,
				Kind:       ResourceTool,
				ResourceID: registry.ToolWebSearch,
				Priority:   2,
			})
		}
	} else {
		for _, in := range intents {
			switch in.Name {
			case IntentHumor:
				agentID := a.selectAgent(prompt, in.Name)
				addComponent(QueryComponent{
					Intent:     intentHumorCreation,
					Kind:       ResourceAgent,
					ResourceID: agentID,
					Priority:   1,
				})
			case IntentRecipe:
				agentID := a.selectAgent(prompt, in.Name)
				addComponent(QueryComponent{
					Intent:     intentRecipeTradition,
					Kind:       ResourceAgent,
					ResourceID: agentID,
					Priority:   1,
				})
			case IntentStorytelling, IntentPersonal:
				agentID := a.selectAgent(prompt, in.Name)
				addComponent(QueryComponent{
					Intent:     intentDefaultStorytell,
					Kind:       ResourceAgent,
					ResourceID: agentID,
					Priority:   1,
				})
			case IntentInformation:
				agentID := a.selectAgent(prompt, in.Name)
				addComponent(QueryComponent{
					Intent:     intentInformationLookup,
					Kind:       ResourceAgent,
					ResourceID: agentID,
					Priority:   1,
				})
			case IntentWeather, IntentCurrentEvents:
				addComponent(QueryComponent{
					Intent:     intentCurrentInfo,
					Kind:       ResourceTool,
					ResourceID: registry.ToolWebSearch,
					Priority:   2,
				})
			}
		}
	}

	// Knowledge components for every catalog key with a domain term hit.
	if a.knowledge != nil {
		for _, key := range a.knowledge.Keys() {
			if len(lang.MatchAll(prompt, a.knowledge.MatchTerms(key))) == 0 {
				continue
			}
			addComponent(QueryComponent{
				Intent:     intentKnowledgeLookup,
				Kind:       ResourceKnowledge,
				ResourceID: key,
				Priority:   2,
			})
		}
	}

	// Storytelling default when nothing routed to an agent. Scored without an
	// intent bonus so a prompt with no signal lands on the default agent.
	if !a.hasAgentComponent(plan) {
		addComponent(QueryComponent{
			Intent:     intentDefaultStorytell,
			Kind:       ResourceAgent,
			ResourceID: a.selectAgent(prompt, ""),
			Priority:   1,
		})
	}

	a.fillResources(plan)
	plan.Strategy = a.strategy(plan)
	plan.ContextFusion = a.fusion(plan, intents)
	plan.Reasoning = a.reasoning(plan, intents)
	return plan, nil
}

// detectSequence finds an analytic task paired with a named presentation
// persona. Returns empty ids when the prompt is not a hand-off.
func (a *Analyzer) detectSequence(prompt string) (analyticID, personaID string) {
	for _, def := range a.registry.List() {
		if def.Category != "persona" {
			continue
		}
		if lang.ContainsTerm(prompt, def.ID) || lang.ContainsTerm(prompt, strings.ToLower(def.Name)) {
			personaID = def.ID
			break
		}
	}
	if personaID == "" {
		return "", ""
	}
	for _, def := range a.registry.List() {
		if def.ID == personaID || def.Category != "analytic" {
			continue
		}
		if len(lang.MatchAll(prompt, def.RoutingKeywords)) > 0 {
			analyticID = def.ID
			break
		}
	}
	if analyticID == "" {
		return "", ""
	}
	return analyticID, personaID
}

// selectAgent scores every registered agent and returns the best match, or
// the configured default when nothing scores above zero.
func (a *Analyzer) selectAgent(prompt, intent string) string {
	best := ""
	bestScore := 0.0
	for _, def := range a.registry.List() {
		if !def.Active {
			continue
		}
		s := scoreAgent(def, prompt, intent)
		if s > bestScore {
			best, bestScore = def.ID, s
		}
	}
	if best == "" {
		return a.defaultAgent
	}
	return best
}

func scoreAgent(def registry.AgentDefinition, prompt, intent string) float64 {
	score := float64(len(lang.MatchAll(prompt, def.RoutingKeywords))) * 2.0

	capHits := 0
	for _, capTag := range def.Capabilities {
		if lang.ContainsTerm(prompt, strings.ReplaceAll(capTag, "_", " ")) {
			capHits++
		}
	}
	score += float64(capHits) * 1.5

	if wanted, ok := intentCapabilities[intent]; ok {
	match:
		for _, capTag := range def.Capabilities {
			for _, w := range wanted {
				if capTag == w {
					score += 10.0
					break match
				}
			}
		}
	}

	if lang.ContainsTerm(prompt, def.ID) || lang.ContainsTerm(prompt, strings.ToLower(def.Name)) {
		score += 5.0
	}
	return score
}

func (a *Analyzer) hasAgentComponent(plan *ExecutionPlan) bool {
	for _, c := range plan.Components {
		if c.Kind == ResourceAgent {
			return true
		}
	}
	return false
}

// fillResources derives the ordered resource lists and the primary agent from
// the component list.
func (a *Analyzer) fillResources(plan *ExecutionPlan) {
	seenTool := map[string]bool{}
	seenKnowledge := map[string]bool{}
	var agents []string
	for _, c := range plan.Components {
		switch c.Kind {
		case ResourceTool:
			if !seenTool[c.ResourceID] {
				seenTool[c.ResourceID] = true
				plan.ToolsNeeded = append(plan.ToolsNeeded, c.ResourceID)
			}
		case ResourceKnowledge:
			if !seenKnowledge[c.ResourceID] {
				seenKnowledge[c.ResourceID] = true
				plan.KnowledgeNeeded = append(plan.KnowledgeNeeded, c.ResourceID)
			}
		case ResourceAgent:
			agents = append(agents, c.ResourceID)
		}
	}
	if len(plan.AgentSequence) > 0 {
		plan.PrimaryAgent = plan.AgentSequence[len(plan.AgentSequence)-1]
		return
	}
	if len(agents) > 0 {
		plan.PrimaryAgent = agents[0]
	} else {
		plan.PrimaryAgent = a.defaultAgent
	}
}

func (a *Analyzer) strategy(plan *ExecutionPlan) Strategy {
	if len(plan.AgentSequence) > 1 {
		return StrategyMultiSequence
	}
	if len(plan.Components) >= 3 {
		return StrategyHierarchical
	}
	if len(plan.ToolsNeeded) > 1 {
		return StrategyParallel
	}
	return StrategySequential
}

func (a *Analyzer) fusion(plan *ExecutionPlan, intents []DetectedIntent) Fusion {
	primary, err := a.registry.Get(plan.PrimaryAgent)
	if err == nil {
		for _, capTag := range primary.Capabilities {
			switch capTag {
			case "cultural", "traditional_knowledge":
				return FusionPersonaStorytelling
			case "humor", "comedic":
				return FusionHumor
			}
		}
	}
	infoOnly := len(intents) > 0
	for _, in := range intents {
		switch in.Name {
		case IntentInformation, IntentCurrentEvents, IntentWeather:
		default:
			infoOnly = false
		}
	}
	if infoOnly {
		return FusionFactual
	}
	return FusionNarrative
}

func (a *Analyzer) reasoning(plan *ExecutionPlan, intents []DetectedIntent) string {
	var names []string
	for _, in := range intents {
		names = append(names, in.Name)
	}
	detected := "none"
	if len(names) > 0 {
		detected = strings.Join(names, ", ")
	}
	return fmt.Sprintf("Detected intents: %s. Strategy: %s. Primary agent: %s.",
		detected, plan.Strategy, plan.PrimaryAgent)
}
