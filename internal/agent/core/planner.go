package core

import (
	"fmt"
	"log"

	"github.com/mserban/vatra/internal/registry"
	"github.com/mserban/vatra/internal/store"
)

// Planner flattens either a manual pipeline or an analyzer ExecutionPlan into
// a totally ordered step list. The runtime never reorders steps.
type Planner struct {
	registry *registry.Registry
	logger   *log.Logger
}

func NewPlanner(reg *registry.Registry, logger *log.Logger) *Planner {
	if logger == nil {
		logger = log.New(log.Writer(), "[PLANNER] ", log.LstdFlags)
	}
	return &Planner{registry: reg, logger: logger}
}

// FromManual builds steps from the session's stored pipeline. Entries whose
// agent id is unknown at send time are skipped; a warning per skip is
// returned for the caller to surface.
func (p *Planner) FromManual(sequence []store.AgentSetting) ([]Step, []string) {
	var steps []Step
	var warnings []string
	ranBefore := false
	for _, setting := range sequence {
		if !setting.Enabled {
			continue
		}
		if !p.registry.Has(setting.AgentID) {
			p.logger.Printf("manual plan references unknown agent %q, skipping", setting.AgentID)
			warnings = append(warnings, fmt.Sprintf("unknown agent %q in pipeline, skipped", setting.AgentID))
			continue
		}
		seenTool := map[string]bool{}
		for _, binding := range setting.Tools {
			key := binding.ToolID + "\x00" + binding.Option
			if seenTool[key] {
				continue
			}
			seenTool[key] = true
			steps = append(steps, Step{
				Kind:     StepTool,
				ToolID:   binding.ToolID,
				Option:   binding.Option,
				ForAgent: setting.AgentID,
			})
		}
		steps = append(steps, Step{
			Kind:            StepAgent,
			AgentID:         setting.AgentID,
			TakePriorOutput: ranBefore,
		})
		ranBefore = true
	}
	return steps, warnings
}

// FromExecutionPlan builds steps from an analyzer plan. All priority-2
// resources run before the first agent; in a multi-agent sequence every agent
// after the first receives the previous agent's output, and each hand-off is
// announced with a delegation step.
func (p *Planner) FromExecutionPlan(plan *ExecutionPlan) []Step {
	agents := plan.AgentSequence
	if len(agents) == 0 {
		agents = []string{plan.PrimaryAgent}
	}
	first := agents[0]

	var steps []Step
	multi := len(agents) > 1
	if multi {
		steps = append(steps, p.delegation(first, 1, len(agents)))
	}
	for _, toolID := range plan.ToolsNeeded {
		steps = append(steps, Step{Kind: StepTool, ToolID: toolID, ForAgent: first})
	}
	for _, key := range plan.KnowledgeNeeded {
		steps = append(steps, Step{Kind: StepTool, ToolID: registry.ToolKnowledgebase, Option: key, ForAgent: first})
	}
	for i, agentID := range agents {
		if multi && i > 0 {
			steps = append(steps, p.delegation(agentID, i+1, len(agents)))
		}
		steps = append(steps, Step{
			Kind:            StepAgent,
			AgentID:         agentID,
			TakePriorOutput: i > 0,
		})
	}
	return steps
}

func (p *Planner) delegation(agentID string, pos, total int) Step {
	name := agentID
	if def, err := p.registry.Get(agentID); err == nil {
		name = def.Name
	}
	return Step{
		Kind:     StepDelegation,
		ForAgent: agentID,
		Message:  fmt.Sprintf("Delegating to %s (step %d/%d)", name, pos, total),
	}
}
