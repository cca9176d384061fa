package core

import (
	"context"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/mserban/vatra/internal/registry"
	"github.com/mserban/vatra/provider"
)

// Runner invokes one LLM-backed agent with a composed context.
type Runner struct {
	provider      provider.Provider
	historyWindow int
	timeout       time.Duration
	logger        *log.Logger
}

func NewRunner(p provider.Provider, historyWindow int, timeout time.Duration, logger *log.Logger) *Runner {
	if historyWindow <= 0 {
		historyWindow = 20
	}
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	if logger == nil {
		logger = log.New(log.Writer(), "[RUNNER] ", log.LstdFlags)
	}
	return &Runner{provider: p, historyWindow: historyWindow, timeout: timeout, logger: logger}
}

// AgentError marks a provider failure attributable to one agent.
type AgentError struct {
	AgentID string
	Err     error
}

func (e *AgentError) Error() string {
	return fmt.Sprintf("agent %s failed: %v", e.AgentID, e.Err)
}

func (e *AgentError) Unwrap() error { return e.Err }

// Run streams the agent's answer, forwarding each token to onDelta, and
// returns the final text. On cancellation the provider call aborts and the
// partial text is returned with the error.
func (r *Runner) Run(ctx context.Context, def registry.AgentDefinition, in RunInput, onDelta func(string)) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	messages := r.compose(def, in)
	opts := provider.Options{
		Model:       def.Parameters.Model,
		Temperature: def.Parameters.Temperature,
		MaxTokens:   def.Parameters.MaxTokens,
	}
	text, err := r.provider.ChatStream(ctx, messages, opts, onDelta)
	if err != nil {
		return text, &AgentError{AgentID: def.ID, Err: err}
	}
	return text, nil
}

// RunBlocking is Run without token callbacks.
func (r *Runner) RunBlocking(ctx context.Context, def registry.AgentDefinition, in RunInput) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	messages := r.compose(def, in)
	opts := provider.Options{
		Model:       def.Parameters.Model,
		Temperature: def.Parameters.Temperature,
		MaxTokens:   def.Parameters.MaxTokens,
	}
	text, err := r.provider.Chat(ctx, messages, opts)
	if err != nil {
		return "", &AgentError{AgentID: def.ID, Err: err}
	}
	return text, nil
}

// compose builds the provider message list: system prompt, bounded history,
// then one user message carrying tool sections, prior-agent output, the
// fusion directive and the prompt itself.
func (r *Runner) compose(def registry.AgentDefinition, in RunInput) []provider.Message {
	messages := []provider.Message{{Role: "system", Content: def.SystemPrompt}}

	history := in.History
	if len(history) > r.historyWindow {
		elided := len(history) - r.historyWindow
		messages = append(messages, provider.Message{
			Role:    "system",
			Content: fmt.Sprintf("[%d earlier messages elided]", elided),
		})
		history = history[elided:]
	}
	for _, h := range history {
		role := "assistant"
		if h.Sender == "user" {
			role = "user"
		}
		messages = append(messages, provider.Message{Role: role, Content: h.Text})
	}

	var b strings.Builder
	usedTools := false
	for _, tr := range in.ToolResults {
		if !tr.Used() {
			continue
		}
		if !usedTools {
			b.WriteString("Tool results gathered for you:\n")
			usedTools = true
		}
		fmt.Fprintf(&b, "[%s] query: %s\n%s\n\n", tr.ToolID, tr.Query, tr.Text)
	}
	if in.PriorAgentOutput != "" {
		fmt.Fprintf(&b, "Output from the previous agent (%s):\n%s\n\n", in.PriorAgentID, in.PriorAgentOutput)
	}
	if directive := fusionDirective(in.Fusion); directive != "" {
		b.WriteString(directive)
		b.WriteString("\n\n")
	}
	b.WriteString(in.Prompt)

	messages = append(messages, provider.Message{Role: "user", Content: b.String()})
	return messages
}

func fusionDirective(f Fusion) string {
	switch f {
	case FusionPersonaStorytelling:
		return "Integrate any facts above into a warm, in-character telling; stay in persona throughout."
	case FusionHumor:
		return "Mine the material above for comedy; keep the facts recognizable inside the jokes."
	case FusionFactual:
		return "Present the facts plainly and accurately, without embellishment."
	case FusionNarrative:
		return "Weave the material above into one coherent narrative answer."
	default:
		return ""
	}
}
