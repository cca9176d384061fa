package core

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/mserban/vatra/config"
	"github.com/mserban/vatra/internal/registry"
	"github.com/mserban/vatra/internal/store"
	"github.com/mserban/vatra/internal/stream"
	"github.com/mserban/vatra/internal/telemetry"
	"github.com/mserban/vatra/internal/tools"
)

var (
	// ErrBusy is returned when a second turn arrives for a session whose
	// previous turn is still running.
	ErrBusy = errors.New("session has a turn in progress")
	// ErrEmptyPrompt rejects blank user input before any plan is built.
	ErrEmptyPrompt = errors.New("empty prompt")
)

var orchestratorTracer trace.Tracer = otel.Tracer("vatra/internal/agent/orchestrator")

// Orchestrator coordinates one user turn: plan, tools, agents, stream, commit.
type Orchestrator struct {
	cfg       *config.Config
	logger    *log.Logger
	telemetry *telemetry.Telemetry
	registry  *registry.Registry
	sessions  store.Store
	runtime   *tools.Runtime
	runner    *Runner
	analyzer  QueryAnalyzer
	planner   *Planner

	// Per-session busy markers; a second concurrent turn fails fast.
	mu     sync.Mutex
	active map[string]bool
}

// TurnResult is the aggregate outcome returned to non-streaming callers.
type TurnResult struct {
	SessionID  string   `json:"session_id"`
	FinalText  string   `json:"final_text"`
	FinalAgent string   `json:"final_agent"`
	Strategy   Strategy `json:"strategy,omitempty"`
	AgentsRun  []string `json:"agents_run"`
}

func NewOrchestrator(cfg *config.Config, logger *log.Logger, tel *telemetry.Telemetry,
	reg *registry.Registry, sessions store.Store, runtime *tools.Runtime,
	runner *Runner, analyzer QueryAnalyzer) *Orchestrator {
	if logger == nil {
		logger = log.New(log.Writer(), "[ORCH] ", log.LstdFlags)
	}
	return &Orchestrator{
		cfg:       cfg,
		logger:    logger,
		telemetry: tel,
		registry:  reg,
		sessions:  sessions,
		runtime:   runtime,
		runner:    runner,
		analyzer:  analyzer,
		planner:   NewPlanner(reg, logger),
		active:    make(map[string]bool),
	}
}

// Turn runs one user turn against a session, emitting frames on sink as they
// happen. The sink is closed before Turn returns. History is committed
// atomically: on completion, or on terminal failure with a trailing system
// error message.
func (o *Orchestrator) Turn(ctx context.Context, sessionID, prompt string, sink stream.Sink) (*TurnResult, error) {
	started := time.Now()
	outcome := "error"
	defer func() {
		sink.Close()
		o.telemetry.RecordTurn(telemetry.TurnEvent{
			SessionID: sessionID,
			Outcome:   outcome,
			Duration:  time.Since(started),
		})
	}()
	o.telemetry.TurnStarted()

	if strings.TrimSpace(prompt) == "" {
		o.emit(sink, stream.SystemError("empty prompt"))
		return nil, ErrEmptyPrompt
	}

	if !o.acquire(sessionID) {
		outcome = "busy"
		o.emit(sink, stream.SystemError("a turn is already in progress for this session"))
		return nil, ErrBusy
	}
	defer o.release(sessionID)

	turnTimeout := o.cfg.General.TurnTimeout
	if turnTimeout <= 0 {
		turnTimeout = 120 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, turnTimeout)
	defer cancel()

	ctx, span := orchestratorTracer.Start(ctx, "chat.turn",
		trace.WithAttributes(attribute.String("session.id", sessionID)))
	defer span.End()

	sess, err := o.sessions.Get(ctx, sessionID)
	if err != nil {
		span.SetStatus(codes.Error, "session load failed")
		o.emit(sink, stream.SystemError(fmt.Sprintf("session unavailable: %v", err)))
		return nil, err
	}
	span.SetAttributes(attribute.Bool("supervisor_mode", sess.SupervisorMode))

	turn := &turnState{
		id:      uuid.NewString(),
		session: sess,
		prompt:  prompt,
		sink:    sink,
		fusion:  FusionNarrative,
	}
	turn.appendHistory(store.Message{Sender: "user", Text: prompt, CreatedAt: time.Now().UTC()})
	o.emit(sink, stream.User(prompt))

	steps := o.buildSteps(ctx, turn)
	if err := o.runSteps(ctx, turn, steps); err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			outcome = "cancelled"
			span.SetStatus(codes.Error, "cancelled")
			return nil, o.failTurn(turn, "turn cancelled")
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, o.failTurn(turn, err.Error())
	}

	if turn.session.SupervisorMode && turn.finalAgent != "" {
		ack := fmt.Sprintf("%s produced the final answer.", o.agentName(turn.finalAgent))
		o.emit(sink, stream.Supervisor(ack))
		turn.appendHistory(store.Message{Sender: "supervisor", Text: ack, ViaSupervisor: true, CreatedAt: time.Now().UTC()})
	}

	if err := o.commit(turn); err != nil {
		span.RecordError(err)
		o.emit(sink, stream.SystemError(fmt.Sprintf("failed to persist turn: %v", err)))
		return nil, err
	}

	outcome = "ok"
	return &TurnResult{
		SessionID:  sessionID,
		FinalText:  turn.finalText,
		FinalAgent: turn.finalAgent,
		Strategy:   turn.strategy,
		AgentsRun:  turn.agentsRun,
	}, nil
}

// turnState is the working set of one turn; nothing here touches the store
// until commit.
type turnState struct {
	id      string
	session *store.Session
	prompt  string
	sink    stream.Sink

	pending     []store.Message
	toolResults []tools.Result
	priorOutput string
	priorAgent  string
	finalText   string
	finalAgent  string
	agentsRun   []string
	strategy    Strategy
	fusion      Fusion
}

func (t *turnState) appendHistory(m store.Message) {
	t.pending = append(t.pending, m)
}

// buildSteps resolves the session's mode into an ordered step list. Supervisor
// analyzer failures degrade to a single default-agent plan with an advisory
// message; this path never fails the turn.
func (o *Orchestrator) buildSteps(ctx context.Context, turn *turnState) []Step {
	if !turn.session.SupervisorMode {
		steps, warnings := o.planner.FromManual(turn.session.AgentSequence)
		for _, w := range warnings {
			o.emit(turn.sink, stream.Event{Sender: stream.SenderSystem, Text: w})
		}
		if !hasAgentStep(steps) {
			o.logger.Printf("manual plan for session %s has no runnable agents, using default %s",
				turn.session.ID, o.cfg.General.DefaultAgent)
			steps = append(steps, Step{Kind: StepAgent, AgentID: o.cfg.General.DefaultAgent})
		}
		turn.strategy = StrategySequential
		return steps
	}

	plan, err := o.analyzer.Analyze(ctx, turn.prompt)
	if err != nil {
		o.logger.Printf("analyzer failed for session %s: %v", turn.session.ID, err)
		advisory := fmt.Sprintf("Query analysis unavailable, routing to %s.", o.agentName(o.cfg.General.DefaultAgent))
		o.emit(turn.sink, stream.Supervisor(advisory))
		turn.appendHistory(store.Message{Sender: "supervisor", Text: advisory, ViaSupervisor: true, CreatedAt: time.Now().UTC()})
		plan = &ExecutionPlan{
			Strategy:      StrategySequential,
			PrimaryAgent:  o.cfg.General.DefaultAgent,
			ContextFusion: FusionNarrative,
		}
	} else {
		decision := stream.SupervisorDecision(plan.Reasoning, "best_match", plan.PrimaryAgent, "routing_decision")
		o.emit(turn.sink, decision)
		turn.appendHistory(store.Message{Sender: "supervisor", Text: plan.Reasoning, ViaSupervisor: true, CreatedAt: time.Now().UTC()})
	}
	turn.strategy = plan.Strategy
	turn.fusion = plan.ContextFusion
	return o.planner.FromExecutionPlan(plan)
}

func (o *Orchestrator) runSteps(ctx context.Context, turn *turnState, steps []Step) error {
	lastAgent := lastAgentIndex(steps)
	for i, step := range steps {
		if err := ctx.Err(); err != nil {
			return err
		}
		switch step.Kind {
		case StepTool:
			o.runToolStep(ctx, turn, step)
		case StepDelegation:
			o.emit(turn.sink, stream.Supervisor(step.Message))
			turn.appendHistory(store.Message{Sender: "supervisor", Text: step.Message, ForAgent: step.ForAgent, ViaSupervisor: true, CreatedAt: time.Now().UTC()})
		case StepAgent:
			if err := o.runAgentStep(ctx, turn, step, i == lastAgent); err != nil {
				return err
			}
		}
	}
	return nil
}

func (o *Orchestrator) runToolStep(ctx context.Context, turn *turnState, step Step) {
	res := o.runtime.MaybeRun(ctx, turn.id, step.ToolID, turn.prompt, step.Option, step.ForAgent)
	o.telemetry.RecordToolDecision(step.ToolID, string(res.Status))
	switch res.Status {
	case tools.StatusUsed:
		o.emit(turn.sink, stream.Tool(res.ToolID, res.Text, res.ForAgent, turn.session.SupervisorMode))
		turn.appendHistory(store.Message{
			Sender:        "tool",
			Text:          res.Text,
			ToolID:        res.ToolID,
			ForAgent:      res.ForAgent,
			ViaSupervisor: turn.session.SupervisorMode,
			CreatedAt:     time.Now().UTC(),
		})
		turn.toolResults = append(turn.toolResults, res)
	case tools.StatusFailed:
		o.logger.Printf("tool %s failed in session %s: %s", step.ToolID, turn.session.ID, res.Err)
		ev := stream.Tool(res.ToolID, res.Text, res.ForAgent, turn.session.SupervisorMode)
		ev.Error = true
		o.emit(turn.sink, ev)
	case tools.StatusSkipped:
		o.logger.Printf("tool %s skipped in session %s: %s", step.ToolID, turn.session.ID, res.Reason)
	}
}

func (o *Orchestrator) runAgentStep(ctx context.Context, turn *turnState, step Step, isLast bool) error {
	def, err := o.registry.Get(step.AgentID)
	if err != nil {
		return fmt.Errorf("agent %s not registered", step.AgentID)
	}

	in := RunInput{
		Prompt:      turn.prompt,
		ToolResults: turn.toolResults,
		Fusion:      turn.fusion,
		History:     o.conversationHistory(turn.session),
	}
	if step.TakePriorOutput {
		in.PriorAgentOutput = turn.priorOutput
		in.PriorAgentID = turn.priorAgent
	}

	o.emit(turn.sink, stream.Start(def.ID))
	started := time.Now()
	text, err := o.runner.Run(ctx, def, in, func(delta string) {
		o.emit(turn.sink, stream.Chunk(def.ID, delta))
	})
	o.telemetry.RecordAgentRun(def.ID, time.Since(started), err == nil)
	if err != nil {
		o.emit(turn.sink, stream.EndError(def.ID, fmt.Sprintf("agent failed: %v", err)))
		if cerr := ctx.Err(); cerr != nil {
			return cerr
		}
		if isLast {
			return err
		}
		// Non-primary failure: keep going with what we have.
		o.logger.Printf("agent %s failed mid-sequence in session %s: %v", def.ID, turn.session.ID, err)
		return nil
	}

	o.emit(turn.sink, stream.End(def.ID, text))
	turn.appendHistory(store.Message{Sender: def.ID, Text: text, ViaSupervisor: turn.session.SupervisorMode, CreatedAt: time.Now().UTC()})
	turn.priorOutput = text
	turn.priorAgent = def.ID
	turn.finalText = text
	turn.finalAgent = def.ID
	turn.agentsRun = append(turn.agentsRun, def.ID)
	return nil
}

// failTurn appends one terminal system error, commits, and emits the terminal
// frame so the client can finalize layout.
func (o *Orchestrator) failTurn(turn *turnState, reason string) error {
	turn.appendHistory(store.Message{Sender: "system", Text: reason, Error: true, CreatedAt: time.Now().UTC()})
	o.emit(turn.sink, stream.SystemError(reason))
	if err := o.commit(turn); err != nil {
		o.logger.Printf("failed to persist error turn for session %s: %v", turn.session.ID, err)
	}
	return errors.New(reason)
}

// commit writes the turn's messages in one Put. A fresh context is used so a
// cancelled turn can still persist its terminal message.
func (o *Orchestrator) commit(turn *turnState) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	sess := turn.session
	sess.History = append(sess.History, turn.pending...)
	sess.UpdatedAt = time.Now().UTC()
	if err := o.sessions.Put(ctx, sess.ID, sess); err != nil {
		// Discard the in-memory additions so a retry starts clean.
		sess.History = sess.History[:len(sess.History)-len(turn.pending)]
		return err
	}
	turn.pending = nil
	return nil
}

// conversationHistory maps the full stored history into runner form. Windowing
// and the elision placeholder are the runner's job; truncating here would drop
// older turns before the placeholder can be written.
func (o *Orchestrator) conversationHistory(sess *store.Session) []HistoryMessage {
	out := make([]HistoryMessage, 0, len(sess.History))
	for _, m := range sess.History {
		sender := m.Sender
		if sender != "user" {
			sender = "assistant"
		}
		out = append(out, HistoryMessage{Sender: sender, Text: m.Text})
	}
	return out
}

func (o *Orchestrator) emit(sink stream.Sink, ev stream.Event) {
	if err := sink.Emit(ev); err != nil && !errors.Is(err, stream.ErrClosed) {
		o.logger.Printf("stream emit failed: %v", err)
	}
	o.telemetry.RecordStreamEvent(senderClass(ev.Sender))
}

func (o *Orchestrator) agentName(id string) string {
	if def, err := o.registry.Get(id); err == nil {
		return def.Name
	}
	return id
}

func (o *Orchestrator) acquire(sessionID string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.active[sessionID] {
		return false
	}
	o.active[sessionID] = true
	return true
}

func (o *Orchestrator) release(sessionID string) {
	o.mu.Lock()
	delete(o.active, sessionID)
	o.mu.Unlock()
}

func hasAgentStep(steps []Step) bool {
	for _, s := range steps {
		if s.Kind == StepAgent {
			return true
		}
	}
	return false
}

func lastAgentIndex(steps []Step) int {
	last := -1
	for i, s := range steps {
		if s.Kind == StepAgent {
			last = i
		}
	}
	return last
}

func senderClass(sender string) string {
	switch sender {
	case stream.SenderUser, stream.SenderTool, stream.SenderSupervisor, stream.SenderSystem:
		return sender
	default:
		return "agent"
	}
}
