package core

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/mserban/vatra/internal/store"
	"github.com/mserban/vatra/internal/stream"
	"github.com/mserban/vatra/provider"
)

// assertStreamBalance checks that every agent that started a stream also
// ended it, exactly once per start.
func assertStreamBalance(t *testing.T, events []stream.Event) {
	t.Helper()
	starts := map[string]int{}
	ends := map[string]int{}
	for _, ev := range events {
		if ev.StreamStart {
			starts[ev.Sender]++
		}
		if ev.StreamEnd {
			ends[ev.Sender]++
		}
	}
	for agent, n := range starts {
		if ends[agent] != n {
			t.Fatalf("agent %s: %d stream_start vs %d stream_end", agent, n, ends[agent])
		}
	}
	for agent, n := range ends {
		if starts[agent] != n {
			t.Fatalf("agent %s: %d stream_end without matching start", agent, n)
		}
	}
}

func agentStartOrder(events []stream.Event) []string {
	var order []string
	for _, ev := range events {
		if ev.StreamStart {
			order = append(order, ev.Sender)
		}
	}
	return order
}

func reload(t *testing.T, f *fixture, id string) *store.Session {
	t.Helper()
	sess, err := f.sessions.Get(context.Background(), id)
	if err != nil {
		t.Fatal(err)
	}
	return sess
}

func TestTurnManualRecipeWithKnowledgebase(t *testing.T) {
	f := newFixture(t, echoProvider("Granny says:"))
	sess := f.newSession(t, func(s *store.Session) {
		s.AgentSequence = []store.AgentSetting{
			{AgentID: "granny", Enabled: true, Tools: []store.ToolBinding{
				{ToolID: "knowledgebase", Option: "ciorba"},
			}},
		}
	})

	sink := stream.NewCollector()
	res, err := f.orch.Turn(context.Background(), sess.ID, "How do I make traditional ciorba?", sink)
	if err != nil {
		t.Fatal(err)
	}
	if res.FinalAgent != "granny" {
		t.Fatalf("final agent = %s", res.FinalAgent)
	}
	if !strings.Contains(res.FinalText, "Ingredients: chicken") {
		t.Fatal("knowledge facts did not reach the agent context")
	}

	events := sink.Events()
	assertStreamBalance(t, events)
	if events[0].Sender != stream.SenderUser || events[0].Text != "How do I make traditional ciorba?" {
		t.Fatalf("first event = %+v", events[0])
	}
	if events[1].Sender != stream.SenderTool || events[1].ToolID != "knowledgebase" {
		t.Fatalf("second event = %+v", events[1])
	}
	if !strings.Contains(events[1].Text, "sour soup") {
		t.Fatalf("tool event text = %q", events[1].Text)
	}
	if events[1].ForAgent != "granny" || events[1].ViaSupervisor {
		t.Fatalf("tool event attribution = %+v", events[1])
	}
	if !events[2].StreamStart || events[2].Sender != "granny" {
		t.Fatalf("third event = %+v", events[2])
	}

	after := reload(t, f, sess.ID)
	if len(after.History) != 3 {
		t.Fatalf("history length = %d, want 3", len(after.History))
	}
	if after.History[0].Sender != "user" || after.History[1].Sender != "tool" || after.History[2].Sender != "granny" {
		t.Fatalf("history senders = %s %s %s", after.History[0].Sender, after.History[1].Sender, after.History[2].Sender)
	}
	if after.History[1].ToolID != "knowledgebase" {
		t.Fatalf("tool message = %+v", after.History[1])
	}
}

func TestTurnSupervisorHumorRouting(t *testing.T) {
	f := newFixture(t, echoProvider("Ha:"))
	sess := f.newSession(t, func(s *store.Session) { s.SupervisorMode = true })

	sink := stream.NewCollector()
	res, err := f.orch.Turn(context.Background(), sess.ID, "Make a funny parody of LinkedIn posts", sink)
	if err != nil {
		t.Fatal(err)
	}
	if res.FinalAgent != "parody_creator" {
		t.Fatalf("final agent = %s", res.FinalAgent)
	}
	if res.Strategy != StrategySequential {
		t.Fatalf("strategy = %s", res.Strategy)
	}

	events := sink.Events()
	assertStreamBalance(t, events)
	if events[1].Sender != stream.SenderSupervisor || events[1].ChosenAgent != "parody_creator" {
		t.Fatalf("decision event = %+v", events[1])
	}
	if events[1].SupervisorType != "routing_decision" {
		t.Fatalf("decision event type = %q", events[1].SupervisorType)
	}
	for _, ev := range events {
		if ev.Sender == stream.SenderTool {
			t.Fatalf("unexpected tool event: %+v", ev)
		}
	}
	last := events[len(events)-1]
	if last.Sender != stream.SenderSupervisor || !strings.Contains(last.Text, "Parody Creator") {
		t.Fatalf("final ack = %+v", last)
	}

	after := reload(t, f, sess.ID)
	if len(after.History) != 4 {
		t.Fatalf("history length = %d, want user+decision+agent+ack", len(after.History))
	}
	if !after.History[1].ViaSupervisor || after.History[1].Sender != "supervisor" {
		t.Fatalf("decision message = %+v", after.History[1])
	}
	if after.History[2].Sender != "parody_creator" || !after.History[2].ViaSupervisor {
		t.Fatalf("agent message = %+v", after.History[2])
	}
}

func TestTurnHierarchicalWeatherWithPersona(t *testing.T) {
	f := newFixture(t, echoProvider("Draga mea,"))
	sess := f.newSession(t, func(s *store.Session) { s.SupervisorMode = true })

	sink := stream.NewCollector()
	res, err := f.orch.Turn(context.Background(), sess.ID,
		"What's the weather in Bucharest today and can granny tell me about it?", sink)
	if err != nil {
		t.Fatal(err)
	}
	if res.Strategy != StrategyHierarchical {
		t.Fatalf("strategy = %s", res.Strategy)
	}
	if res.FinalAgent != "granny" {
		t.Fatalf("final agent = %s", res.FinalAgent)
	}

	q := f.searcher.query()
	if !strings.Contains(q, "bucharest") || !strings.Contains(q, "today") {
		t.Fatalf("search query = %q, want location and date terms", q)
	}
	if !strings.Contains(res.FinalText, "22C and sunny") {
		t.Fatal("search facts did not reach the persona context")
	}

	events := sink.Events()
	assertStreamBalance(t, events)
	sawTool := false
	for _, ev := range events {
		if ev.Sender == stream.SenderTool && ev.ToolID == "web_search" {
			sawTool = true
			if !ev.ViaSupervisor {
				t.Fatal("supervisor-mode tool event must be flagged via_supervisor")
			}
		}
	}
	if !sawTool {
		t.Fatal("no web_search event on the stream")
	}
}

func TestTurnMultiAgentSequence(t *testing.T) {
	f := newFixture(t, echoProvider("out:"))
	sess := f.newSession(t, func(s *store.Session) { s.SupervisorMode = true })

	sink := stream.NewCollector()
	res, err := f.orch.Turn(context.Background(), sess.ID,
		"Analyze weather in Bucharest last week and let granny tell me about it", sink)
	if err != nil {
		t.Fatal(err)
	}
	if res.Strategy != StrategyMultiSequence {
		t.Fatalf("strategy = %s", res.Strategy)
	}
	wantOrder := []string{"data_analyst", "granny"}
	order := agentStartOrder(sink.Events())
	if len(order) != 2 || order[0] != wantOrder[0] || order[1] != wantOrder[1] {
		t.Fatalf("agent order = %v, want %v", order, wantOrder)
	}
	if len(res.AgentsRun) != 2 {
		t.Fatalf("agents run = %v", res.AgentsRun)
	}

	delegations := 0
	for _, ev := range sink.Events() {
		if ev.Sender == stream.SenderSupervisor && ev.ChosenAgent == "" && strings.Contains(ev.Text, "Delegating") {
			delegations++
		}
	}
	if delegations != 2 {
		t.Fatalf("delegation announcements = %d, want 2", delegations)
	}

	events := sink.Events()
	assertStreamBalance(t, events)
	last := events[len(events)-1]
	if !strings.Contains(last.Text, "Granny") {
		t.Fatalf("final ack = %+v, want the persona named", last)
	}
	// The persona saw the analyst's output, so the hand-off chain held.
	if !strings.Contains(res.FinalText, "out:") {
		t.Fatalf("final text = %q", res.FinalText)
	}
}

func TestTurnEmptyPromptRejected(t *testing.T) {
	f := newFixture(t, echoProvider("x"))
	sess := f.newSession(t, nil)

	sink := stream.NewCollector()
	_, err := f.orch.Turn(context.Background(), sess.ID, "   ", sink)
	if !errors.Is(err, ErrEmptyPrompt) {
		t.Fatalf("err = %v, want ErrEmptyPrompt", err)
	}

	events := sink.Events()
	if len(events) != 1 || events[0].Sender != stream.SenderSystem || !events[0].Error {
		t.Fatalf("events = %+v, want a single system error", events)
	}
	after := reload(t, f, sess.ID)
	if len(after.History) != 0 {
		t.Fatalf("history length = %d, rejected prompt must not persist", len(after.History))
	}
}

func TestTurnBusySessionFailsFast(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	p := &stubProvider{respond: func(call int, messages []provider.Message) (string, error) {
		if call == 1 {
			close(started)
			<-release
		}
		return "done", nil
	}}
	f := newFixture(t, p)
	sess := f.newSession(t, func(s *store.Session) {
		s.AgentSequence = []store.AgentSetting{{AgentID: "granny", Enabled: true}}
	})

	firstDone := make(chan error, 1)
	go func() {
		_, err := f.orch.Turn(context.Background(), sess.ID, "first turn", stream.NewCollector())
		firstDone <- err
	}()
	<-started

	sink := stream.NewCollector()
	_, err := f.orch.Turn(context.Background(), sess.ID, "second turn", sink)
	if !errors.Is(err, ErrBusy) {
		t.Fatalf("err = %v, want ErrBusy", err)
	}
	events := sink.Events()
	if len(events) != 1 || events[0].Sender != stream.SenderSystem || !events[0].Error {
		t.Fatalf("busy rejection events = %+v", events)
	}

	close(release)
	if err := <-firstDone; err != nil {
		t.Fatalf("first turn failed: %v", err)
	}
	after := reload(t, f, sess.ID)
	if len(after.History) != 2 {
		t.Fatalf("history length = %d, only the first turn should persist", len(after.History))
	}
}

func TestTurnLastAgentFailureEndsWithSystemError(t *testing.T) {
	p := &stubProvider{respond: func(call int, messages []provider.Message) (string, error) {
		if call == 2 {
			return "", errors.New("model overloaded")
		}
		return "analysis done", nil
	}}
	f := newFixture(t, p)
	sess := f.newSession(t, func(s *store.Session) {
		s.AgentSequence = []store.AgentSetting{
			{AgentID: "data_analyst", Enabled: true},
			{AgentID: "granny", Enabled: true},
		}
	})

	sink := stream.NewCollector()
	_, err := f.orch.Turn(context.Background(), sess.ID, "tell me about soup trends", sink)
	if err == nil {
		t.Fatal("expected turn error when the final agent fails")
	}

	events := sink.Events()
	assertStreamBalance(t, events)
	sawEndError := false
	for _, ev := range events {
		if ev.Sender == "granny" && ev.StreamEnd && ev.Error {
			sawEndError = true
		}
	}
	if !sawEndError {
		t.Fatal("failed agent must close its stream with an error frame")
	}
	last := events[len(events)-1]
	if last.Sender != stream.SenderSystem || !last.Error {
		t.Fatalf("last event = %+v, want terminal system error", last)
	}

	after := reload(t, f, sess.ID)
	n := len(after.History)
	if n != 3 {
		t.Fatalf("history length = %d, want user+analyst+system", n)
	}
	if after.History[1].Sender != "data_analyst" || after.History[1].Text != "analysis done" {
		t.Fatalf("surviving agent output = %+v", after.History[1])
	}
	if after.History[2].Sender != "system" || !after.History[2].Error {
		t.Fatalf("terminal message = %+v", after.History[2])
	}
}

func TestTurnMidSequenceFailureContinues(t *testing.T) {
	p := &stubProvider{respond: func(call int, messages []provider.Message) (string, error) {
		if call == 1 {
			return "", errors.New("model overloaded")
		}
		return "still here", nil
	}}
	f := newFixture(t, p)
	sess := f.newSession(t, func(s *store.Session) {
		s.AgentSequence = []store.AgentSetting{
			{AgentID: "data_analyst", Enabled: true},
			{AgentID: "granny", Enabled: true},
		}
	})

	sink := stream.NewCollector()
	res, err := f.orch.Turn(context.Background(), sess.ID, "tell me about soup trends", sink)
	if err != nil {
		t.Fatalf("mid-sequence failure must not fail the turn: %v", err)
	}
	if res.FinalAgent != "granny" || res.FinalText != "still here" {
		t.Fatalf("result = %+v", res)
	}
	assertStreamBalance(t, sink.Events())

	after := reload(t, f, sess.ID)
	for _, m := range after.History {
		if m.Sender == "data_analyst" {
			t.Fatal("failed agent output must not be committed")
		}
	}
}

func TestTurnToolFailureContinues(t *testing.T) {
	f := newFixture(t, echoProvider("said:"))
	f.searcher.err = errors.New("search backend down")
	sess := f.newSession(t, func(s *store.Session) {
		s.AgentSequence = []store.AgentSetting{
			{AgentID: "granny", Enabled: true, Tools: []store.ToolBinding{{ToolID: "web_search"}}},
		}
	})

	sink := stream.NewCollector()
	res, err := f.orch.Turn(context.Background(), sess.ID, "What's the weather in Bucharest today?", sink)
	if err != nil {
		t.Fatalf("tool failure must not fail the turn: %v", err)
	}
	if res.FinalAgent != "granny" {
		t.Fatalf("final agent = %s", res.FinalAgent)
	}

	sawFailedTool := false
	for _, ev := range sink.Events() {
		if ev.Sender == stream.SenderTool && ev.ToolID == "web_search" {
			if !ev.Error {
				t.Fatalf("tool event must carry the error flag: %+v", ev)
			}
			sawFailedTool = true
		}
	}
	if !sawFailedTool {
		t.Fatal("failed tool must still emit a frame")
	}

	after := reload(t, f, sess.ID)
	if len(after.History) != 2 {
		t.Fatalf("history length = %d, failed tool must not be committed", len(after.History))
	}
	if after.History[0].Sender != "user" || after.History[1].Sender != "granny" {
		t.Fatalf("history senders = %v", []string{after.History[0].Sender, after.History[1].Sender})
	}
}

func TestTurnManualModeHasNoSupervisorFrames(t *testing.T) {
	f := newFixture(t, echoProvider("plain:"))
	sess := f.newSession(t, func(s *store.Session) {
		s.AgentSequence = []store.AgentSetting{{AgentID: "story_creator", Enabled: true}}
	})

	sink := stream.NewCollector()
	if _, err := f.orch.Turn(context.Background(), sess.ID, "tell me a story", sink); err != nil {
		t.Fatal(err)
	}
	for _, ev := range sink.Events() {
		if ev.Sender == stream.SenderSupervisor {
			t.Fatalf("manual mode must not emit supervisor frames: %+v", ev)
		}
	}
	after := reload(t, f, sess.ID)
	if len(after.History) != 2 {
		t.Fatalf("history length = %d, want user+agent only", len(after.History))
	}
}

func TestTurnManualModeDefaultsWhenNoAgentsEnabled(t *testing.T) {
	f := newFixture(t, echoProvider("fallback:"))
	sess := f.newSession(t, nil)

	sink := stream.NewCollector()
	res, err := f.orch.Turn(context.Background(), sess.ID, "hello there", sink)
	if err != nil {
		t.Fatal(err)
	}
	if res.FinalAgent != "story_creator" {
		t.Fatalf("final agent = %s, want the configured default", res.FinalAgent)
	}
}

func TestTurnSupervisorAnalyzerFailureDegrades(t *testing.T) {
	f := newFixture(t, echoProvider("safe:"))
	f.orch.analyzer = failingAnalyzer{}
	sess := f.newSession(t, func(s *store.Session) { s.SupervisorMode = true })

	sink := stream.NewCollector()
	res, err := f.orch.Turn(context.Background(), sess.ID, "anything at all", sink)
	if err != nil {
		t.Fatalf("analyzer failure must degrade, not fail: %v", err)
	}
	if res.FinalAgent != "story_creator" {
		t.Fatalf("final agent = %s, want the configured default", res.FinalAgent)
	}
	advisory := false
	for _, ev := range sink.Events() {
		if ev.Sender == stream.SenderSupervisor && strings.Contains(ev.Text, "Query analysis unavailable") {
			advisory = true
		}
	}
	if !advisory {
		t.Fatal("degraded routing must announce itself on the stream")
	}
}

type failingAnalyzer struct{}

func (failingAnalyzer) Analyze(ctx context.Context, prompt string) (*ExecutionPlan, error) {
	return nil, errors.New("analysis backend unreachable")
}

func TestTurnCancellationPersistsTerminalMessage(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	// Cancel while the agent is running, after the turn is underway.
	p := &stubProvider{respond: func(call int, messages []provider.Message) (string, error) {
		cancel()
		return "", errors.New("interrupted")
	}}
	f := newFixture(t, p)
	sess := f.newSession(t, func(s *store.Session) {
		s.AgentSequence = []store.AgentSetting{{AgentID: "granny", Enabled: true}}
	})

	sink := stream.NewCollector()
	_, err := f.orch.Turn(ctx, sess.ID, "long question", sink)
	if err == nil {
		t.Fatal("expected error for cancelled turn")
	}

	after := reload(t, f, sess.ID)
	if len(after.History) != 2 {
		t.Fatalf("history length = %d, cancelled turn must still commit", len(after.History))
	}
	last := after.History[1]
	if last.Sender != "system" || !last.Error || !strings.Contains(last.Text, "cancelled") {
		t.Fatalf("terminal message = %+v", last)
	}
	events := sink.Events()
	final := events[len(events)-1]
	if final.Sender != stream.SenderSystem || !final.Error {
		t.Fatalf("final event = %+v", final)
	}
}

func TestTurnElidesOldHistoryForAgent(t *testing.T) {
	var captured []provider.Message
	p := &stubProvider{respond: func(call int, messages []provider.Message) (string, error) {
		captured = messages
		return "noted", nil
	}}
	f := newFixture(t, p)
	sess := f.newSession(t, func(s *store.Session) {
		s.AgentSequence = []store.AgentSetting{{AgentID: "granny", Enabled: true}}
		for i := 0; i < 30; i++ {
			sender := "user"
			if i%2 == 1 {
				sender = "granny"
			}
			s.History = append(s.History, store.Message{Sender: sender, Text: fmt.Sprintf("msg-%d", i)})
		}
	})

	if _, err := f.orch.Turn(context.Background(), sess.ID, "what did we talk about?", stream.NewCollector()); err != nil {
		t.Fatal(err)
	}

	// 30 stored messages against a window of 20: the agent must see the
	// placeholder for the 10 dropped ones, then the window starting at msg-10.
	if len(captured) != 23 {
		t.Fatalf("provider saw %d messages, want system+placeholder+20+prompt", len(captured))
	}
	if !strings.Contains(captured[1].Content, "10 earlier messages elided") {
		t.Fatalf("placeholder missing, second message = %q", captured[1].Content)
	}
	if captured[2].Content != "msg-10" {
		t.Fatalf("window start = %q, want msg-10", captured[2].Content)
	}
	if captured[2].Role != "user" || captured[3].Role != "assistant" {
		t.Fatalf("windowed roles = %s %s", captured[2].Role, captured[3].Role)
	}
}

func TestTurnHistoryFeedsFollowup(t *testing.T) {
	var secondTurnMessages []provider.Message
	p := &stubProvider{respond: func(call int, messages []provider.Message) (string, error) {
		if call == 2 {
			secondTurnMessages = messages
		}
		return fmt.Sprintf("reply %d", call), nil
	}}
	f := newFixture(t, p)
	sess := f.newSession(t, func(s *store.Session) {
		s.AgentSequence = []store.AgentSetting{{AgentID: "granny", Enabled: true}}
	})

	if _, err := f.orch.Turn(context.Background(), sess.ID, "remember the number 42", stream.NewCollector()); err != nil {
		t.Fatal(err)
	}
	if _, err := f.orch.Turn(context.Background(), sess.ID, "what number was it?", stream.NewCollector()); err != nil {
		t.Fatal(err)
	}

	found := false
	for _, m := range secondTurnMessages {
		if strings.Contains(m.Content, "remember the number 42") {
			found = true
		}
	}
	if !found {
		t.Fatal("second turn did not see the first turn's history")
	}
}
