// Package core implements the conversational pipeline: query analysis,
// step planning, agent execution and turn orchestration.
package core

import (
	"context"

	"github.com/mserban/vatra/internal/lang"
	"github.com/mserban/vatra/internal/tools"
)

// ResourceKind classifies what a query component resolves to.
type ResourceKind string

const (
	ResourceAgent     ResourceKind = "AGENT"
	ResourceTool      ResourceKind = "TOOL"
	ResourceKnowledge ResourceKind = "KNOWLEDGE"
)

// Strategy is the plan execution shape.
type Strategy string

const (
	StrategySequential    Strategy = "sequential"
	StrategyHierarchical  Strategy = "hierarchical"
	StrategyParallel      Strategy = "parallel"
	StrategyMultiSequence Strategy = "multi_agent_sequential"
)

// Fusion selects how tool facts are woven into the agent answer.
type Fusion string

const (
	FusionPersonaStorytelling Fusion = "persona_integrated_storytelling"
	FusionHumor               Fusion = "humor_integration"
	FusionFactual             Fusion = "factual_integration"
	FusionNarrative           Fusion = "narrative_integration"
)

// QueryComponent is one analyzed fragment of the user prompt.
type QueryComponent struct {
	ID           string        `json:"id"`
	Text         string        `json:"text"`
	Intent       string        `json:"intent"`
	Entities     lang.Entities `json:"entities"`
	Kind         ResourceKind  `json:"kind"`
	ResourceID   string        `json:"resource_id"`
	Priority     int           `json:"priority"` // 1..3, lower runs first
	Dependencies []string      `json:"dependencies,omitempty"`
}

// ExecutionPlan is the analyzer's output for one supervisor-mode turn. It is
// owned by the orchestrator for the duration of the turn.
type ExecutionPlan struct {
	Components      []QueryComponent `json:"components"`
	Strategy        Strategy         `json:"strategy"`
	PrimaryAgent    string           `json:"primary_agent"`
	ToolsNeeded     []string         `json:"tools_needed"`
	KnowledgeNeeded []string         `json:"knowledge_needed"`
	ContextFusion   Fusion           `json:"context_fusion"`
	AgentSequence   []string         `json:"agent_sequence,omitempty"`
	Reasoning       string           `json:"reasoning,omitempty"`
}

// StepKind discriminates plan steps.
type StepKind string

const (
	StepTool       StepKind = "tool"
	StepAgent      StepKind = "agent"
	StepDelegation StepKind = "delegation"
)

// Step is one totally-ordered unit of turn execution.
type Step struct {
	Kind StepKind

	// StepTool
	ToolID string
	Option string

	// StepTool and StepDelegation
	ForAgent string

	// StepAgent
	AgentID        string
	TakePriorOutput bool

	// StepDelegation
	Message string
}

// RunInput is the composed context handed to the agent runner.
type RunInput struct {
	Prompt           string
	ToolResults      []tools.Result
	PriorAgentOutput string
	PriorAgentID     string
	Fusion           Fusion
	History          []HistoryMessage
}

// HistoryMessage is the bounded history slice shown to the model.
type HistoryMessage struct {
	Sender string
	Text   string
}

// QueryAnalyzer produces an execution plan from a prompt.
type QueryAnalyzer interface {
	Analyze(ctx context.Context, prompt string) (*ExecutionPlan, error)
}
